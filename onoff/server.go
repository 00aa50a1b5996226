package onoff

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"meshnode"
)

// Server is the Generic OnOff server model of one element.
type Server struct {
	element meshnode.Address
	sender  Sender
	state   State

	onSendError func(meshnode.Envelope, error)
	detached    sync.WaitGroup
}

var _ meshnode.Model = (*Server)(nil)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithSendErrorHook is called with every detached reply that could not be
// handed to the stack.
func WithSendErrorHook(fn func(meshnode.Envelope, error)) ServerOption {
	return func(s *Server) { s.onSendError = fn }
}

// WithInitial sets the starting value instead of Off.
func WithInitial(v meshnode.OnOff) ServerOption {
	return func(s *Server) { s.state.Set(v) }
}

// NewServer creates a server for the element at addr. Replies go out through
// sender with addr as their source.
func NewServer(addr meshnode.Address, sender Sender, opts ...ServerOption) *Server {
	s := &Server{element: addr, sender: sender}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Present returns the current on/off value.
func (s *Server) Present() meshnode.OnOff {
	return s.state.Get()
}

// Wait blocks until every detached reply has been sent or has failed.
func (s *Server) Wait() {
	s.detached.Wait()
}

// HandleMessage dispatches one delivered message to its handler.
func (s *Server) HandleMessage(ctx context.Context, env meshnode.Envelope) error {
	switch env.Opcode {
	case meshnode.OpOnOffGet:
		s.HandleGet(ctx, env.Source, env.AppKeyIndex, env.Destination)
		return nil
	case meshnode.OpOnOffSet:
		return s.HandleSet(ctx, env.Source, env.AppKeyIndex, env.Destination, env.OnOff)
	case meshnode.OpOnOffSetUnack:
		return s.HandleSetUnacknowledged(ctx, env.Source, env.AppKeyIndex, env.Destination, env.OnOff)
	case meshnode.OpOnOffStatus:
		return fmt.Errorf("%w: %s at server", ErrUnexpectedOpcode, env.Opcode)
	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedOpcode, env.Opcode)
	}
}

// HandleGet schedules a Status reply carrying the current value and returns
// without waiting for it.
func (s *Server) HandleGet(ctx context.Context, source meshnode.Address, appIndex meshnode.KeyIndex, destination meshnode.Address) {
	present := s.state.Get()
	slog.Info("OnOff get received.", "src", source, "dst", destination, "present_onoff", present)
	s.reply(ctx, SendDetached, s.status(source, appIndex, present))
}

// HandleSet stores v and sends the resulting Status back to source. The send
// error, if any, is returned.
func (s *Server) HandleSet(ctx context.Context, source meshnode.Address, appIndex meshnode.KeyIndex, destination meshnode.Address, v meshnode.OnOff) error {
	if !v.Valid() {
		return fmt.Errorf("set from %s: %w", source, meshnode.ErrInvalidOnOff)
	}
	prev := s.state.Set(v)
	slog.Info("OnOff set received.", "src", source, "dst", destination, "onoff", v, "previous", prev)

	if err := s.reply(ctx, SendAwaited, s.status(source, appIndex, v)); err != nil {
		return fmt.Errorf("send status to %s: %w", source, err)
	}
	return nil
}

// HandleSetUnacknowledged stores v. No reply is sent.
func (s *Server) HandleSetUnacknowledged(_ context.Context, source meshnode.Address, _ meshnode.KeyIndex, destination meshnode.Address, v meshnode.OnOff) error {
	if !v.Valid() {
		return fmt.Errorf("set unacknowledged from %s: %w", source, meshnode.ErrInvalidOnOff)
	}
	prev := s.state.Set(v)
	slog.Info("OnOff set unacknowledged received.", "src", source, "dst", destination, "onoff", v, "previous", prev)
	return nil
}

func (s *Server) status(to meshnode.Address, appIndex meshnode.KeyIndex, v meshnode.OnOff) meshnode.Envelope {
	return meshnode.Envelope{
		Opcode:      meshnode.OpOnOffStatus,
		Source:      s.element,
		Destination: to,
		AppKeyIndex: appIndex,
		OnOff:       v,
	}
}

func (s *Server) reply(ctx context.Context, mode SendMode, env meshnode.Envelope) error {
	if mode == SendAwaited {
		return s.sender.Send(ctx, env)
	}

	// The delivering call may finish before the send does.
	ctx = context.WithoutCancel(ctx)
	s.detached.Add(1)
	go func() {
		defer s.detached.Done()
		if err := s.sender.Send(ctx, env); err != nil {
			slog.Error("Failed to send OnOff status.", "dst", env.Destination, "mode", mode, "err", err)
			if s.onSendError != nil {
				s.onSendError(env, err)
			}
		}
	}()
	return nil
}
