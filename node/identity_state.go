package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"meshnode"
)

const identityFileName = "identity.json"

// identityFile is the on-disk format for a node's identity.
type identityFile struct {
	UUID      string `json:"uuid"`
	Name      string `json:"name,omitempty"`
	Address   uint16 `json:"address,omitempty"`
	DeviceKey string `json:"device_key"`
	Token     string `json:"token,omitempty"`
}

// loadOrCreateIdentity reads a node identity from dataDir, generating a new
// one on first run.
func loadOrCreateIdentity(dataDir string) (meshnode.Identity, error) {
	path := filepath.Join(dataDir, identityFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		return parseIdentity(data)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return meshnode.Identity{}, fmt.Errorf("read identity: %w", err)
	}

	id, err := generateIdentity()
	if err != nil {
		return meshnode.Identity{}, err
	}
	if err := saveIdentity(dataDir, id); err != nil {
		return meshnode.Identity{}, err
	}
	return id, nil
}

func parseIdentity(data []byte) (meshnode.Identity, error) {
	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return meshnode.Identity{}, fmt.Errorf("parse identity: %w", err)
	}

	id, err := uuid.Parse(f.UUID)
	if err != nil {
		return meshnode.Identity{}, fmt.Errorf("parse uuid: %w", err)
	}
	devKey, err := meshnode.ParseKey(f.DeviceKey)
	if err != nil {
		return meshnode.Identity{}, fmt.Errorf("parse device key: %w", err)
	}
	var token uint64
	if f.Token != "" {
		token, err = strconv.ParseUint(f.Token, 16, 64)
		if err != nil {
			return meshnode.Identity{}, fmt.Errorf("parse token: %w", err)
		}
	}

	return meshnode.Identity{
		Name:      f.Name,
		UUID:      id,
		Address:   meshnode.Address(f.Address),
		DeviceKey: devKey,
		Token:     meshnode.Token(token),
	}, nil
}

func generateIdentity() (meshnode.Identity, error) {
	devKey, err := meshnode.GenerateKey()
	if err != nil {
		return meshnode.Identity{}, fmt.Errorf("generate device key: %w", err)
	}

	hostname, _ := os.Hostname()

	return meshnode.Identity{
		Name:      hostname,
		UUID:      uuid.New(),
		DeviceKey: devKey,
	}, nil
}

func saveIdentity(dataDir string, id meshnode.Identity) error {
	f := identityFile{
		UUID:      id.UUID.String(),
		Name:      id.Name,
		Address:   uint16(id.Address),
		DeviceKey: id.DeviceKey.String(),
	}
	if id.Attached() {
		f.Token = id.Token.String()
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, identityFileName), data, 0o600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	return nil
}
