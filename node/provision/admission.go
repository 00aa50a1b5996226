package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"meshnode"
)

const (
	DefaultAdmissionTimeout = 60 * time.Second
	outcomeBuffer           = 64
	reasonTimeout           = "timeout"
)

var errEventsClosed = errors.New("event stream closed")

// Outcome is the terminal result of one admission.
type Outcome struct {
	UUID     uuid.UUID
	Admitted bool
	Unicast  meshnode.Address
	Elements uint8
	Reason   string
}

type AdmitterOption func(*Admitter)

func WithBaseAddress(a meshnode.Address) AdmitterOption {
	return func(ad *Admitter) { ad.base = a }
}

func WithAdmissionTimeout(d time.Duration) AdmitterOption {
	return func(ad *Admitter) { ad.timeout = d }
}

func WithRecorder(r Recorder) AdmitterOption {
	return func(ad *Admitter) { ad.recorder = r }
}

type admissionState uint8

const (
	statePending admissionState = iota + 1
	stateInFlight
	stateAdmitted
)

func (s admissionState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateInFlight:
		return "in-flight"
	case stateAdmitted:
		return "admitted"
	default:
		return "unknown"
	}
}

type inFlight struct {
	id      uuid.UUID
	started time.Time
	timer   *time.Timer
}

// Admitter runs the admission loop. It owns every candidate from discovery
// to outcome and keeps at most one admission in flight.
type Admitter struct {
	stack    NodeAdmitter
	events   <-chan meshnode.Event
	netIndex meshnode.KeyIndex
	base     meshnode.Address
	timeout  time.Duration
	recorder Recorder
	outcomes chan Outcome

	// Owned by the loop goroutine.
	known   map[uuid.UUID]admissionState
	queue   []meshnode.Candidate
	current *inFlight

	mu     sync.Mutex
	stats  meshnode.AdmissionStats
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func NewAdmitter(stack NodeAdmitter, events <-chan meshnode.Event, netIndex meshnode.KeyIndex, opts ...AdmitterOption) *Admitter {
	a := &Admitter{
		stack:    stack,
		events:   events,
		netIndex: netIndex,
		base:     DefaultBaseAddress,
		timeout:  DefaultAdmissionTimeout,
		outcomes: make(chan Outcome, outcomeBuffer),
		known:    make(map[uuid.UUID]admissionState),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Outcomes delivers one value per finished admission. Outcomes are dropped
// when nobody drains the channel.
func (a *Admitter) Outcomes() <-chan Outcome {
	return a.outcomes
}

func (a *Admitter) Stats() meshnode.AdmissionStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// ProvisioningData answers a provisioning data request.
func (a *Admitter) ProvisioningData(count uint16) meshnode.ProvisioningData {
	addr, err := NextUnicast(a.base, count)
	if err != nil {
		return meshnode.ProvisioningData{Err: err}
	}
	return meshnode.ProvisioningData{NetIndex: a.netIndex, Unicast: addr}
}

// Start loads already admitted nodes from the recorder and starts the loop.
func (a *Admitter) Start(ctx context.Context) error {
	if a.done != nil {
		return fmt.Errorf("admission loop already started")
	}
	if a.recorder != nil {
		nodes, err := a.recorder.ListNodes(ctx)
		if err != nil {
			return fmt.Errorf("load admitted nodes: %w", err)
		}
		for _, n := range nodes {
			a.known[n.UUID] = stateAdmitted
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		err := a.run(ctx)
		a.mu.Lock()
		a.err = err
		a.mu.Unlock()
	}()
	return nil
}

// Stop ends the loop and waits for it. An admission still in flight gets no
// outcome.
func (a *Admitter) Stop() error {
	if a.cancel == nil {
		return nil
	}
	a.cancel()
	<-a.done
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *Admitter) run(ctx context.Context) error {
	defer func() {
		if a.current != nil {
			a.current.timer.Stop()
		}
	}()
	for {
		var timeout <-chan time.Time
		if a.current != nil {
			timeout = a.current.timer.C
		}

		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-a.events:
			if !ok {
				return errEventsClosed
			}
			a.handle(ctx, ev)
		case <-timeout:
			slog.Warn("Admission timed out.", "uuid", a.current.id, "after", a.timeout)
			a.finish(ctx, Outcome{UUID: a.current.id, Reason: reasonTimeout})
		}
		a.admitNext(ctx)
		a.publishStats()
	}
}

func (a *Admitter) handle(ctx context.Context, ev meshnode.Event) {
	switch ev := ev.(type) {
	case meshnode.ScanResult:
		a.discover(ev)
	case meshnode.ProvisioningDataRequest:
		data := a.ProvisioningData(ev.Count)
		if data.Err != nil {
			slog.Warn("Cannot assign unicast address.", "count", ev.Count, "err", data.Err)
		} else {
			slog.Info("Assigned unicast address.", "unicast", data.Unicast, "net_index", data.NetIndex)
		}
		select {
		case ev.Reply <- data:
		case <-ctx.Done():
		}
	case meshnode.AdmissionComplete:
		if !a.isCurrent(ev.UUID) {
			slog.Warn("Ignoring completion for an admission not in flight.", "uuid", ev.UUID)
			return
		}
		a.finish(ctx, Outcome{UUID: ev.UUID, Admitted: true, Unicast: ev.Unicast, Elements: ev.Elements})
	case meshnode.AdmissionFailed:
		if !a.isCurrent(ev.UUID) {
			slog.Warn("Ignoring failure for an admission not in flight.", "uuid", ev.UUID)
			return
		}
		a.finish(ctx, Outcome{UUID: ev.UUID, Reason: ev.Reason})
	default:
		slog.Debug("Ignoring mesh event.", "type", fmt.Sprintf("%T", ev))
	}
}

func (a *Admitter) discover(res meshnode.ScanResult) {
	cand, err := ParseAdvertisement(res)
	if err != nil {
		slog.Warn("Dropping scan result.", "rssi", res.RSSI, "err", err)
		return
	}
	if state, ok := a.known[cand.UUID]; ok {
		slog.Debug("Skipping known device.", "uuid", cand.UUID, "state", state)
		return
	}
	slog.Info("Discovered unprovisioned device.", "uuid", cand.UUID, "rssi", cand.RSSI)
	a.known[cand.UUID] = statePending
	a.queue = append(a.queue, cand)

	a.mu.Lock()
	a.stats.Discovered++
	a.mu.Unlock()
}

func (a *Admitter) isCurrent(id uuid.UUID) bool {
	return a.current != nil && a.current.id == id
}

func (a *Admitter) admitNext(ctx context.Context) {
	for a.current == nil && len(a.queue) > 0 && ctx.Err() == nil {
		cand := a.queue[0]
		a.queue = a.queue[1:]
		a.known[cand.UUID] = stateInFlight

		slog.Info("Admitting device.", "uuid", cand.UUID)
		if err := a.stack.AdmitNode(ctx, cand.UUID); err != nil {
			slog.Warn("Failed to start admission.", "uuid", cand.UUID, "err", err)
			a.release(ctx, Outcome{UUID: cand.UUID, Reason: err.Error()})
			continue
		}
		a.current = &inFlight{id: cand.UUID, started: time.Now(), timer: time.NewTimer(a.timeout)}
	}
}

func (a *Admitter) finish(ctx context.Context, out Outcome) {
	elapsed := time.Since(a.current.started)
	a.current.timer.Stop()
	a.current = nil

	if !out.Admitted {
		a.release(ctx, out)
		return
	}
	a.known[out.UUID] = stateAdmitted
	slog.Info("Device admitted.",
		"uuid", out.UUID, "unicast", out.Unicast, "elements", out.Elements, "elapsed", elapsed)
	if a.recorder != nil {
		rec := meshnode.NodeRecord{UUID: out.UUID, Unicast: out.Unicast, Elements: out.Elements, AdmittedAt: time.Now().UTC()}
		if err := a.recorder.RecordAdmitted(ctx, rec); err != nil {
			slog.Warn("Failed to record admitted node.", "uuid", out.UUID, "err", err)
		}
	}
	a.mu.Lock()
	a.stats.Admitted++
	a.mu.Unlock()
	a.emit(out)
}

// release forgets a failed candidate so a later scan can rediscover it.
func (a *Admitter) release(ctx context.Context, out Outcome) {
	delete(a.known, out.UUID)
	slog.Warn("Device admission failed.", "uuid", out.UUID, "reason", out.Reason)
	if a.recorder != nil {
		if err := a.recorder.RecordFailed(ctx, out.UUID, out.Reason); err != nil {
			slog.Warn("Failed to record admission failure.", "uuid", out.UUID, "err", err)
		}
	}
	a.mu.Lock()
	a.stats.Failed++
	a.mu.Unlock()
	a.emit(out)
}

func (a *Admitter) emit(out Outcome) {
	select {
	case a.outcomes <- out:
	default:
		slog.Debug("Dropping admission outcome.", "uuid", out.UUID)
	}
}

func (a *Admitter) publishStats() {
	inflight := 0
	if a.current != nil {
		inflight = 1
	}
	a.mu.Lock()
	a.stats.Pending = len(a.queue)
	a.stats.InFlight = inflight
	a.mu.Unlock()
}
