// Package memstack is an in-process mesh stack. It keeps key and binding
// state like a real node, loops application messages back to locally
// registered models and simulates unprovisioned devices in radio range.
package memstack

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

var (
	ErrClosed         = errors.New("stack closed")
	ErrNotAttached    = errors.New("node not attached")
	ErrUnknownAppKey  = errors.New("unknown application key")
	ErrUnknownDevice  = errors.New("device not in range")
	ErrUnboundModel   = errors.New("application key not bound to model")
	errNoProvisioning = errors.New("no provisioning data")
)

const (
	eventBuffer          = 64
	provDataTimeout      = 5 * time.Second
	reasonNoAddress      = "no-address"
	reasonProvisioning   = "provisioning-failed"
	defaultDeviceElement = 1
)

// Device is an unprovisioned device the stack reports while scanning.
type Device struct {
	UUID     uuid.UUID
	Elements uint8
	RSSI     int16
}

type Option func(*Stack)

// WithDevices puts devices in radio range.
func WithDevices(devices ...Device) Option {
	return func(s *Stack) { s.devices = append(s.devices, devices...) }
}

// WithKeys preloads key material, as a device holds it after provisioning.
// The application key counts as bound to the OnOff models on every element.
func WithKeys(keys meshnode.Keys) Option {
	return func(s *Stack) {
		s.netKeys[keys.Net.Index] = keys.Net.Key
		s.appKeys[keys.App.Index] = keys.App
		for _, id := range []meshnode.ModelID{meshnode.GenericOnOffServer, meshnode.GenericOnOffClient} {
			if s.preBound[id] == nil {
				s.preBound[id] = make(map[meshnode.KeyIndex]struct{})
			}
			s.preBound[id][keys.App.Index] = struct{}{}
		}
	}
}

// WithAssigned sets how many unicast addresses the network already uses.
func WithAssigned(n uint16) Option {
	return func(s *Stack) { s.assigned = n }
}

type delivery struct {
	model meshnode.Model
	env   meshnode.Envelope
}

// Stack is safe for concurrent use. Loopback messages are delivered one at a
// time in the order they were sent.
type Stack struct {
	faults *Faults
	events chan meshnode.Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	local     meshnode.Identity
	attached  bool
	nextToken meshnode.Token
	netKeys   map[meshnode.KeyIndex]meshnode.Key
	appKeys   map[meshnode.KeyIndex]meshnode.AppKey
	bindings  map[meshnode.ModelRef]map[meshnode.KeyIndex]struct{}
	preBound  map[meshnode.ModelID]map[meshnode.KeyIndex]struct{}
	models    map[meshnode.ModelRef]meshnode.Model
	devices   []Device
	admitted  map[uuid.UUID]meshnode.Address
	assigned  uint16
	sent      []meshnode.Envelope
	queue     []delivery
	ready     chan struct{}
}

func New(opts ...Option) *Stack {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stack{
		faults:    newFaults(),
		events:    make(chan meshnode.Event, eventBuffer),
		ctx:       ctx,
		cancel:    cancel,
		nextToken: 0x5eed,
		netKeys:   make(map[meshnode.KeyIndex]meshnode.Key),
		appKeys:   make(map[meshnode.KeyIndex]meshnode.AppKey),
		bindings:  make(map[meshnode.ModelRef]map[meshnode.KeyIndex]struct{}),
		preBound:  make(map[meshnode.ModelID]map[meshnode.KeyIndex]struct{}),
		models:    make(map[meshnode.ModelRef]meshnode.Model),
		admitted:  make(map[uuid.UUID]meshnode.Address),
		assigned:  1,
		ready:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliverLoop()
	}()
	return s
}

// Faults returns the stack's fault injector.
func (s *Stack) Faults() *Faults {
	return s.faults
}

func (s *Stack) Events() <-chan meshnode.Event {
	return s.events
}

// Close stops background deliveries and admissions and waits for them.
func (s *Stack) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Stack) Join(ctx context.Context, id meshnode.Identity) (meshnode.Token, error) {
	return s.attach(ctx, PointJoin, id)
}

func (s *Stack) Connect(ctx context.Context, id meshnode.Identity) (meshnode.Token, error) {
	return s.attach(ctx, PointConnect, id)
}

func (s *Stack) attach(ctx context.Context, point string, id meshnode.Identity) (meshnode.Token, error) {
	if err := s.faults.eval(point, id); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s.ctx.Err() != nil {
		return 0, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	token := id.Token
	if token == 0 {
		token = s.nextToken
		s.nextToken++
	}
	s.local = id
	s.local.Token = token
	s.attached = true
	return token, nil
}

func (s *Stack) AddNetworkKey(_ context.Context, key meshnode.NetKey) (meshnode.StatusCode, error) {
	if err := s.faults.eval(PointAddNetKey, key.Index); err != nil {
		return meshnode.StatusUnspecifiedError, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !key.Index.Valid() {
		return meshnode.StatusInvalidNetKeyIndex, nil
	}
	if existing, ok := s.netKeys[key.Index]; ok && existing != key.Key {
		return meshnode.StatusKeyIndexAlreadyStored, nil
	}
	s.netKeys[key.Index] = key.Key
	return meshnode.StatusSuccess, nil
}

func (s *Stack) AddApplicationKey(_ context.Context, key meshnode.AppKey) (meshnode.StatusCode, error) {
	if err := s.faults.eval(PointAddAppKey, key.Index); err != nil {
		return meshnode.StatusUnspecifiedError, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.netKeys[key.NetIndex]; !ok {
		return meshnode.StatusInvalidNetKeyIndex, nil
	}
	if !key.Index.Valid() {
		return meshnode.StatusInvalidAppKeyIndex, nil
	}
	if existing, ok := s.appKeys[key.Index]; ok && existing != key {
		return meshnode.StatusKeyIndexAlreadyStored, nil
	}
	s.appKeys[key.Index] = key
	return meshnode.StatusSuccess, nil
}

func (s *Stack) BindApplicationKey(_ context.Context, appIndex meshnode.KeyIndex, model meshnode.ModelRef) (meshnode.StatusCode, error) {
	if err := s.faults.eval(PointBind, appIndex, model); err != nil {
		return meshnode.StatusUnspecifiedError, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.appKeys[appIndex]; !ok {
		return meshnode.StatusInvalidAppKeyIndex, nil
	}
	if _, ok := s.models[model]; !ok {
		return meshnode.StatusInvalidModel, nil
	}
	set := s.bindings[model]
	if set == nil {
		set = make(map[meshnode.KeyIndex]struct{})
		s.bindings[model] = set
	}
	set[appIndex] = struct{}{}
	return meshnode.StatusSuccess, nil
}

// Bound reports whether model has appIndex bound.
func (s *Stack) Bound(model meshnode.ModelRef, appIndex meshnode.KeyIndex) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundLocked(model, appIndex)
}

func (s *Stack) boundLocked(model meshnode.ModelRef, appIndex meshnode.KeyIndex) bool {
	if _, ok := s.bindings[model][appIndex]; ok {
		return true
	}
	_, ok := s.preBound[model.ID][appIndex]
	return ok
}

func (s *Stack) RegisterModel(ref meshnode.ModelRef, m meshnode.Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[ref] = m
}

// Send records env and, when a model on the destination element handles
// its opcode under a bound key, queues it for delivery. The sending model
// must have the key bound as well.
func (s *Stack) Send(ctx context.Context, env meshnode.Envelope) error {
	if err := s.faults.eval(PointSend, env); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.ctx.Err() != nil {
		return ErrClosed
	}

	s.mu.Lock()
	if !s.attached {
		s.mu.Unlock()
		return ErrNotAttached
	}
	if _, ok := s.appKeys[env.AppKeyIndex]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("send %s: %w %d", env.Opcode, ErrUnknownAppKey, env.AppKeyIndex)
	}
	if !s.boundLocked(meshnode.ModelRef{Element: env.Source, ID: env.Opcode.Sender()}, env.AppKeyIndex) {
		s.mu.Unlock()
		return fmt.Errorf("send %s from %s: %w", env.Opcode, env.Source, ErrUnboundModel)
	}
	s.sent = append(s.sent, env)
	dst := meshnode.ModelRef{Element: env.Destination, ID: env.Opcode.Receiver()}
	if model := s.models[dst]; model != nil {
		if s.boundLocked(dst, env.AppKeyIndex) {
			s.queue = append(s.queue, delivery{model: model, env: env})
		} else {
			slog.Warn("Dropped message for unbound model.", "opcode", env.Opcode, "model", dst, "app_index", env.AppKeyIndex)
		}
	}
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return nil
}

func (s *Stack) deliverLoop() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.ready:
				continue
			case <-s.ctx.Done():
				return
			}
		}
		d := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if err := d.model.HandleMessage(s.ctx, d.env); err != nil {
			slog.Warn("Loopback delivery failed.", "opcode", d.env.Opcode, "dst", d.env.Destination, "err", err)
		}
	}
}

// Deliver hands env to the model registered for it, as if it arrived over
// the air.
func (s *Stack) Deliver(ctx context.Context, env meshnode.Envelope) error {
	ref := meshnode.ModelRef{Element: env.Destination, ID: env.Opcode.Receiver()}
	s.mu.Lock()
	model := s.models[ref]
	bound := s.boundLocked(ref, env.AppKeyIndex)
	s.mu.Unlock()
	if model == nil {
		return fmt.Errorf("deliver %s to %s: no model", env.Opcode, env.Destination)
	}
	if !bound {
		return fmt.Errorf("deliver %s to %s: %w", env.Opcode, ref, ErrUnboundModel)
	}
	return model.HandleMessage(ctx, env)
}

// Sent returns every message accepted by Send.
func (s *Stack) Sent() []meshnode.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]meshnode.Envelope(nil), s.sent...)
}

// ScanUnprovisioned reports every device in range that is not yet admitted,
// then waits out the scan window.
func (s *Stack) ScanUnprovisioned(ctx context.Context, d time.Duration) error {
	if err := s.faults.eval(PointScan, d); err != nil {
		return err
	}

	s.mu.Lock()
	var found []Device
	for _, dev := range s.devices {
		if _, ok := s.admitted[dev.UUID]; !ok {
			found = append(found, dev)
		}
	}
	s.mu.Unlock()

	slog.Debug("Scanning for unprovisioned devices.", "duration", d, "in_range", len(found))
	for _, dev := range found {
		data := make([]byte, 0, len(dev.UUID)+2)
		data = append(data, dev.UUID[:]...)
		data = append(data, 0x00, 0x00)
		if err := s.emit(ctx, meshnode.ScanResult{RSSI: dev.RSSI, Data: data}); err != nil {
			return err
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrClosed
	}
}

// AdmitNode provisions a device in range. The outcome is reported on the
// event stream after the provisioner answers the provisioning data request.
func (s *Stack) AdmitNode(_ context.Context, id uuid.UUID) error {
	if err := s.faults.eval(PointAdmit, id); err != nil {
		return err
	}
	dev, ok := s.device(id)
	if !ok {
		return fmt.Errorf("admit %s: %w", id, ErrUnknownDevice)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.admit(dev)
	}()
	return nil
}

func (s *Stack) admit(dev Device) {
	elements := dev.Elements
	if elements == 0 {
		elements = defaultDeviceElement
	}

	s.mu.Lock()
	count := s.assigned
	s.mu.Unlock()

	reply := make(chan meshnode.ProvisioningData, 1)
	if err := s.emit(s.ctx, meshnode.ProvisioningDataRequest{Count: count, Reply: reply}); err != nil {
		return
	}

	var data meshnode.ProvisioningData
	select {
	case data = <-reply:
	case <-time.After(provDataTimeout):
		data.Err = errNoProvisioning
	case <-s.ctx.Done():
		return
	}
	if data.Err != nil {
		slog.Warn("Provisioner refused provisioning data.", "uuid", dev.UUID, "err", data.Err)
		_ = s.emit(s.ctx, meshnode.AdmissionFailed{UUID: dev.UUID, Reason: reasonNoAddress})
		return
	}
	if err := s.faults.eval(PointAdmitOutcome, dev.UUID); err != nil {
		_ = s.emit(s.ctx, meshnode.AdmissionFailed{UUID: dev.UUID, Reason: reasonProvisioning})
		return
	}

	s.mu.Lock()
	s.admitted[dev.UUID] = data.Unicast
	s.assigned += uint16(elements)
	s.mu.Unlock()

	_ = s.emit(s.ctx, meshnode.AdmissionComplete{UUID: dev.UUID, Unicast: data.Unicast, Elements: elements})
}

func (s *Stack) device(id uuid.UUID) (Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dev := range s.devices {
		if dev.UUID == id {
			return dev, true
		}
	}
	return Device{}, false
}

func (s *Stack) emit(ctx context.Context, ev meshnode.Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrClosed
	}
}
