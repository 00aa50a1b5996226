package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"meshnode"
	"meshnode/config"
	"meshnode/daemon"
	"meshnode/infra/bluez"
	"meshnode/infra/memstack"
	"meshnode/infra/sqlite"
	"meshnode/internal/logging"
	"meshnode/internal/telemetry"
	"meshnode/node"
)

const registryFile = "registry.db"

func runCmd(f *flags, role, short string) *cobra.Command {
	return &cobra.Command{
		Use:   role,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load(role)
			if err != nil {
				return err
			}
			if err := logging.Configure(cfg.Log.Level, cfg.Log.Format); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
}

// closer collects cleanup for everything run opens.
type closer []func() error

func (c closer) close() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		errs = append(errs, c[i]())
	}
	return errors.Join(errs...)
}

func run(ctx context.Context, cfg *config.Config) error {
	var cleanup closer
	defer func() {
		if err := cleanup.close(); err != nil {
			slog.Warn("Failed to release resources.", "err", err)
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	provider := telemetry.NewProvider(nil)
	cleanup = append(cleanup, func() error { return provider.Shutdown(context.Background()) })

	role := cfg.RoleValue()
	opts := []node.Option{
		node.WithAddress(meshnode.Address(cfg.Node.Address)),
		node.WithJoinTimeout(cfg.JoinTimeout),
		node.WithInterval(cfg.Server.Interval),
		node.WithTracer(provider.Tracer("meshnode/node")),
	}

	assigned := uint16(1)
	if role == meshnode.RoleProvisioner {
		reg, err := sqlite.Open(filepath.Join(cfg.DataDir, registryFile))
		if err != nil {
			return err
		}
		cleanup = append(cleanup, reg.Close)

		assigned, err = reg.AssignedCount(ctx)
		if err != nil {
			return err
		}
		p := cfg.Provisioner
		opts = append(opts,
			node.WithKeys(cfg.MeshKeys()),
			node.WithRecorder(reg),
			node.WithBaseAddress(meshnode.Address(p.BaseAddress)),
			node.WithScanDelay(p.ScanDelay),
			node.WithScanDuration(p.ScanDuration),
			node.WithSelfTest(p.SelfTest),
			node.WithStepTimeout(p.StepTimeout),
			node.WithAdmissionTimeout(p.AdmissionTimeout),
		)
	}

	stack, closeStack, err := openStack(cfg, assigned)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, closeStack)
	opts = append(opts, node.WithStack(stack))

	n, err := node.New(cfg.DataDir, opts...)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	slog.Info("Loaded node identity.", "uuid", n.Identity().UUID, "address", n.Identity().Address, "stack", cfg.Stack)

	return daemon.Run(ctx, n, role, cfg.Socket)
}

func openStack(cfg *config.Config, assigned uint16) (node.Stack, func() error, error) {
	switch cfg.Stack {
	case config.StackBlueZ:
		a, err := bluez.Connect(
			bluez.WithAssigned(assigned),
			bluez.WithNetIndex(meshnode.KeyIndex(cfg.Keys.NetIndex)),
		)
		if err != nil {
			return nil, nil, err
		}
		return a, a.Close, nil
	default:
		devices := make([]memstack.Device, 0, len(cfg.Memory.Devices))
		for _, d := range cfg.Memory.Devices {
			devices = append(devices, memstack.Device{UUID: d.UUID, Elements: d.Elements, RSSI: d.RSSI})
		}
		opts := []memstack.Option{memstack.WithDevices(devices...), memstack.WithAssigned(assigned)}
		if cfg.RoleValue() == meshnode.RoleServer {
			opts = append(opts, memstack.WithKeys(cfg.MeshKeys()))
		}
		s := memstack.New(opts...)
		return s, s.Close, nil
	}
}
