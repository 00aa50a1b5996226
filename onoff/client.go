package onoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"meshnode"
)

// ErrNoStatus is returned when a request got no Status reply in time.
var ErrNoStatus = errors.New("no onoff status received")

const defaultStatusTimeout = 5 * time.Second

// Client is the Generic OnOff client model of one element. Requests that
// expect a Status wait for the next Status from the addressed element.
type Client struct {
	element meshnode.Address
	sender  Sender
	timeout time.Duration

	mu      sync.Mutex
	waiters map[meshnode.Address][]chan meshnode.OnOff
}

var _ meshnode.Model = (*Client)(nil)

// NewClient creates a client for the element at addr. A zero timeout means
// five seconds.
func NewClient(addr meshnode.Address, sender Sender, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultStatusTimeout
	}
	return &Client{
		element: addr,
		sender:  sender,
		timeout: timeout,
		waiters: make(map[meshnode.Address][]chan meshnode.OnOff),
	}
}

// HandleMessage accepts Status messages and hands them to the oldest request
// waiting on that source.
func (c *Client) HandleMessage(_ context.Context, env meshnode.Envelope) error {
	if env.Opcode != meshnode.OpOnOffStatus {
		return fmt.Errorf("%w: %s at client", ErrUnexpectedOpcode, env.Opcode)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	queue := c.waiters[env.Source]
	if len(queue) == 0 {
		slog.Debug("Unsolicited OnOff status.", "src", env.Source, "present_onoff", env.OnOff)
		return nil
	}
	ch := queue[0]
	c.waiters[env.Source] = queue[1:]
	ch <- env.OnOff
	return nil
}

// Get asks dst for its current value.
func (c *Client) Get(ctx context.Context, dst meshnode.Address, appIndex meshnode.KeyIndex) (meshnode.OnOff, error) {
	return c.request(ctx, meshnode.Envelope{
		Opcode:      meshnode.OpOnOffGet,
		Source:      c.element,
		Destination: dst,
		AppKeyIndex: appIndex,
	})
}

// Set changes the value at dst and returns the value dst reports back.
func (c *Client) Set(ctx context.Context, dst meshnode.Address, appIndex meshnode.KeyIndex, v meshnode.OnOff) (meshnode.OnOff, error) {
	if !v.Valid() {
		return meshnode.Off, meshnode.ErrInvalidOnOff
	}
	return c.request(ctx, meshnode.Envelope{
		Opcode:      meshnode.OpOnOffSet,
		Source:      c.element,
		Destination: dst,
		AppKeyIndex: appIndex,
		OnOff:       v,
	})
}

// SetUnacknowledged changes the value at dst without asking for a reply.
func (c *Client) SetUnacknowledged(ctx context.Context, dst meshnode.Address, appIndex meshnode.KeyIndex, v meshnode.OnOff) error {
	if !v.Valid() {
		return meshnode.ErrInvalidOnOff
	}
	env := meshnode.Envelope{
		Opcode:      meshnode.OpOnOffSetUnack,
		Source:      c.element,
		Destination: dst,
		AppKeyIndex: appIndex,
		OnOff:       v,
	}
	if err := c.sender.Send(ctx, env); err != nil {
		return fmt.Errorf("send %s to %s: %w", env.Opcode, dst, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, env meshnode.Envelope) (meshnode.OnOff, error) {
	ch := make(chan meshnode.OnOff, 1)
	c.addWaiter(env.Destination, ch)
	defer c.removeWaiter(env.Destination, ch)

	if err := c.sender.Send(ctx, env); err != nil {
		return meshnode.Off, fmt.Errorf("send %s to %s: %w", env.Opcode, env.Destination, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return meshnode.Off, fmt.Errorf("%w from %s: %w", ErrNoStatus, env.Destination, ctx.Err())
	}
}

func (c *Client) addWaiter(src meshnode.Address, ch chan meshnode.OnOff) {
	c.mu.Lock()
	c.waiters[src] = append(c.waiters[src], ch)
	c.mu.Unlock()
}

func (c *Client) removeWaiter(src meshnode.Address, ch chan meshnode.OnOff) {
	c.mu.Lock()
	defer c.mu.Unlock()

	queue := c.waiters[src]
	for i, w := range queue {
		if w == ch {
			c.waiters[src] = append(queue[:i:i], queue[i+1:]...)
			break
		}
	}
	if len(c.waiters[src]) == 0 {
		delete(c.waiters, src)
	}
}
