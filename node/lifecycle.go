package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"meshnode"
	"meshnode/node/provision"
)

// RunServer joins the network and serves the OnOff model until ctx is
// cancelled. A failed join is returned; cancellation is a clean exit.
func (n *Node) RunServer(ctx context.Context) error {
	if err := n.claim(meshnode.RoleServer); err != nil {
		return err
	}
	n.stack.RegisterModel(n.modelRef(meshnode.GenericOnOffServer), n.server)

	n.setPhase(PhaseJoining)
	slog.Info("Joining network.", "uuid", n.identity.UUID, "resume", n.identity.Attached())
	if err := n.attach(ctx, n.stack.Join); err != nil {
		n.setPhase(PhaseStopped)
		return fmt.Errorf("join network: %w", err)
	}

	n.setPhase(PhaseOperational)
	n.markStarted()
	slog.Info("Node operational.", "role", meshnode.RoleServer, "address", n.identity.Address)

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			n.server.Wait()
			n.setPhase(PhaseStopped)
			slog.Info("Node stopped.")
			return nil
		case <-ticker.C:
			slog.Info("Light status.", "onoff", n.server.Present())
		}
	}
}

// RunProvisioner attaches to the provisioner's network, configures the local
// node, starts admitting devices and scans once. It then stays operational
// until ctx is cancelled.
func (n *Node) RunProvisioner(ctx context.Context) (err error) {
	if err := n.claim(meshnode.RoleProvisioner); err != nil {
		return err
	}
	defer func() {
		n.setPhase(PhaseStopped)
		if err != nil {
			slog.Error("Provisioner stopped.", "err", err)
		}
	}()
	if err := n.keys.Validate(); err != nil {
		return fmt.Errorf("validate keys: %w", err)
	}

	clientRef := n.modelRef(meshnode.GenericOnOffClient)
	serverRef := n.modelRef(meshnode.GenericOnOffServer)
	n.stack.RegisterModel(serverRef, n.server)
	n.stack.RegisterModel(clientRef, n.client)

	n.setPhase(PhaseConnecting)
	if err := n.attach(ctx, n.stack.Connect); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	n.setPhase(PhaseConfiguring)
	cfg := provision.NewConfigurator(n.stack, n.keys, clientRef, serverRef,
		provision.WithStepTimeout(n.stepTimeout),
		provision.WithConfigTracer(n.tracer),
	)
	if err := cfg.Configure(ctx); err != nil {
		return fmt.Errorf("configure node: %w", err)
	}
	if n.selfTest {
		if err := n.runSelfTest(ctx); err != nil {
			return err
		}
	}

	admitOpts := []provision.AdmitterOption{
		provision.WithBaseAddress(n.baseAddress),
		provision.WithAdmissionTimeout(n.admissionTimeout),
	}
	if n.recorder != nil {
		admitOpts = append(admitOpts, provision.WithRecorder(n.recorder))
	}
	admitter := provision.NewAdmitter(n.stack, n.stack.Events(), n.keys.Net.Index, admitOpts...)
	if err := admitter.Start(ctx); err != nil {
		return fmt.Errorf("start admission: %w", err)
	}
	n.mu.Lock()
	n.admitter = admitter
	n.mu.Unlock()
	defer func() {
		if stopErr := admitter.Stop(); stopErr != nil {
			err = errors.Join(err, fmt.Errorf("stop admission: %w", stopErr))
		}
	}()

	n.setPhase(PhaseScanning)
	if err := n.scan(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("Scan failed.", "err", err)
	}

	n.setPhase(PhaseOperational)
	n.markStarted()
	slog.Info("Node operational.", "role", meshnode.RoleProvisioner, "address", n.identity.Address)

	<-ctx.Done()
	return nil
}

func (n *Node) scan(ctx context.Context) error {
	if n.scanDelay > 0 {
		timer := time.NewTimer(n.scanDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	slog.Info("Scanning for unprovisioned devices.", "duration", n.scanDuration)
	if err := n.stack.ScanUnprovisioned(ctx, n.scanDuration); err != nil {
		return fmt.Errorf("scan unprovisioned: %w", err)
	}
	slog.Info("Scan finished.", "admission", n.Status().Admission)
	return nil
}

// claim fixes the node's role. A node runs once.
func (n *Node) claim(role meshnode.Role) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.phase != PhaseCreated {
		return fmt.Errorf("node already ran as %s (phase %s)", n.role, n.phase)
	}
	n.role = role
	return nil
}

// attach runs join or connect and persists the token it returns.
func (n *Node) attach(ctx context.Context, fn func(context.Context, meshnode.Identity) (meshnode.Token, error)) error {
	if n.joinTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.joinTimeout)
		defer cancel()
	}

	token, err := fn(ctx, n.Identity())
	if err != nil {
		return err
	}

	n.mu.Lock()
	changed := n.identity.Token != token
	n.identity.Token = token
	id := n.identity
	n.mu.Unlock()

	slog.Info("Attached to network.", "token", token)
	if changed && n.dataDir != "" {
		if err := saveIdentity(n.dataDir, id); err != nil {
			return fmt.Errorf("persist token: %w", err)
		}
	}
	return nil
}
