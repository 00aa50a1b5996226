// Package config loads node configuration.
//
// Config is stored at $XDG_CONFIG_HOME/meshnode/config.yaml (defaults to
// ~/.config/meshnode/config.yaml). A missing file yields Default(); command
// line flags override individual fields after loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"meshnode"
)

// Well-known development keys. Real deployments set their own.
const (
	DefaultNetKey = "4696cead19afc4c876677e18bfcf6522"
	DefaultAppKey = "f2ae98a541ca4f04814da82195bb3dc4"
)

const (
	StackMemory = "memory"
	StackBlueZ  = "bluez"

	defaultProvisionerAddress = 0x0001
	defaultServerAddress      = 0x0002
)

type Log struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"` // text or json
}

type Node struct {
	Name    string `yaml:"name,omitempty"`
	Address uint16 `yaml:"address,omitempty"`
}

type Keys struct {
	NetIndex uint16       `yaml:"net_index"`
	NetKey   meshnode.Key `yaml:"net_key"`
	AppIndex uint16       `yaml:"app_index"`
	AppKey   meshnode.Key `yaml:"app_key"`
}

type Server struct {
	Interval time.Duration `yaml:"interval,omitempty"`
}

type Provisioner struct {
	BaseAddress      uint16        `yaml:"base_address,omitempty"`
	ScanDelay        time.Duration `yaml:"scan_delay,omitempty"`
	ScanDuration     time.Duration `yaml:"scan_duration,omitempty"`
	SelfTest         bool          `yaml:"self_test"`
	StepTimeout      time.Duration `yaml:"step_timeout,omitempty"`
	AdmissionTimeout time.Duration `yaml:"admission_timeout,omitempty"`
}

// Device is a simulated unprovisioned device for the in-memory stack.
type Device struct {
	UUID     uuid.UUID `yaml:"uuid"`
	Elements uint8     `yaml:"elements,omitempty"`
	RSSI     int16     `yaml:"rssi,omitempty"`
}

type Memory struct {
	Devices []Device `yaml:"devices,omitempty"`
}

// Config is the full node configuration.
type Config struct {
	Role        string        `yaml:"role"`
	DataDir     string        `yaml:"data_dir,omitempty"`
	Socket      string        `yaml:"socket,omitempty"`
	Stack       string        `yaml:"stack,omitempty"`
	JoinTimeout time.Duration `yaml:"join_timeout,omitempty"`
	Log         Log           `yaml:"log"`
	Node        Node          `yaml:"node"`
	Keys        Keys          `yaml:"keys"`
	Server      Server        `yaml:"server"`
	Provisioner Provisioner   `yaml:"provisioner"`
	Memory      Memory        `yaml:"memory,omitempty"`
}

// Path returns the config file location. It respects XDG_CONFIG_HOME,
// falling back to ~/.config/meshnode/config.yaml.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "meshnode", "config.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "meshnode", "config.yaml")
}

// DefaultDataDir returns where identity and registry files live unless
// configured otherwise.
func DefaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".local", "share", "meshnode")
		}
		dir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dir, "meshnode")
}

// Default returns a configuration for a provisioner on the in-memory stack.
func Default() *Config {
	net, _ := meshnode.ParseKey(DefaultNetKey)
	app, _ := meshnode.ParseKey(DefaultAppKey)
	return &Config{
		Role:  meshnode.RoleProvisioner.String(),
		Stack: StackMemory,
		Log:   Log{Level: "info", Format: "text"},
		Keys:  Keys{NetKey: net, AppKey: app},
		Server: Server{
			Interval: time.Second,
		},
		Provisioner: Provisioner{
			BaseAddress:      defaultProvisionerAddress,
			ScanDelay:        5 * time.Second,
			ScanDuration:     5 * time.Second,
			SelfTest:         true,
			StepTimeout:      10 * time.Second,
			AdmissionTimeout: 60 * time.Second,
		},
	}
}

// Load reads the config file at path, or Path() when path is empty. A
// missing file is not an error: Default() is returned.
func Load(path string) (*Config, error) {
	if path == "" {
		path = Path()
	}
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save writes the config to path, creating directories as needed.
func (c *Config) Save(path string) error {
	if path == "" {
		path = Path()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Resolve fills role dependent defaults and validates the result.
func (c *Config) Resolve() error {
	role, err := meshnode.ParseRole(c.Role)
	if err != nil {
		return err
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	if c.Socket == "" {
		c.Socket = filepath.Join(c.DataDir, "meshnode.sock")
	}
	if c.Node.Address == 0 {
		c.Node.Address = defaultServerAddress
		if role == meshnode.RoleProvisioner {
			c.Node.Address = defaultProvisionerAddress
		}
	}

	switch c.Stack {
	case StackMemory, StackBlueZ:
	default:
		return fmt.Errorf("unknown stack %q", c.Stack)
	}
	if !meshnode.Address(c.Node.Address).IsUnicast() {
		return fmt.Errorf("node address %s is not unicast", meshnode.Address(c.Node.Address))
	}
	if c.Provisioner.BaseAddress != 0 && !meshnode.Address(c.Provisioner.BaseAddress).IsUnicast() {
		return fmt.Errorf("base address %s is not unicast", meshnode.Address(c.Provisioner.BaseAddress))
	}
	if role == meshnode.RoleProvisioner {
		if err := c.MeshKeys().Validate(); err != nil {
			return fmt.Errorf("keys: %w", err)
		}
	}
	return nil
}

// MeshKeys returns the configured key material.
func (c *Config) MeshKeys() meshnode.Keys {
	return meshnode.Keys{
		Net: meshnode.NetKey{Index: meshnode.KeyIndex(c.Keys.NetIndex), Key: c.Keys.NetKey},
		App: meshnode.AppKey{
			NetIndex: meshnode.KeyIndex(c.Keys.NetIndex),
			Index:    meshnode.KeyIndex(c.Keys.AppIndex),
			Key:      c.Keys.AppKey,
		},
	}
}

// RoleValue returns the parsed role.
func (c *Config) RoleValue() meshnode.Role {
	role, _ := meshnode.ParseRole(c.Role)
	return role
}
