package onoff

import (
	"context"
	"errors"

	"meshnode"
)

// ErrUnexpectedOpcode is returned when a model receives a message it does not
// handle.
var ErrUnexpectedOpcode = errors.New("unexpected opcode")

// SendMode selects whether a reply is waited for.
type SendMode uint8

const (
	// SendAwaited blocks the handler until the stack has accepted the reply.
	SendAwaited SendMode = iota
	// SendDetached hands the reply to a goroutine and returns at once.
	SendDetached
)

func (m SendMode) String() string {
	if m == SendDetached {
		return "detached"
	}
	return "awaited"
}

// Sender hands an application message to the mesh stack.
type Sender interface {
	Send(ctx context.Context, env meshnode.Envelope) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, env meshnode.Envelope) error

func (f SenderFunc) Send(ctx context.Context, env meshnode.Envelope) error {
	return f(ctx, env)
}
