// Package bluez runs a node on the BlueZ mesh daemon over the system D-Bus.
// The adapter exports the application object tree bluetooth-meshd expects
// and translates its callbacks into meshnode events and model deliveries.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"meshnode"
)

const (
	busName     = "org.bluez.mesh"
	networkPath = dbus.ObjectPath("/org/bluez/mesh")

	ifaceNetwork       = "org.bluez.mesh.Network1"
	ifaceNode          = "org.bluez.mesh.Node1"
	ifaceManagement    = "org.bluez.mesh.Management1"
	ifaceApplication   = "org.bluez.mesh.Application1"
	ifaceProvisioner   = "org.bluez.mesh.Provisioner1"
	ifaceElement       = "org.bluez.mesh.Element1"
	ifaceAgent         = "org.bluez.mesh.ProvisionAgent1"
	ifaceObjectManager = "org.freedesktop.DBus.ObjectManager"

	errAlreadyExists = "org.bluez.mesh.Error.AlreadyExists"
	errDoesNotExist  = "org.bluez.mesh.Error.DoesNotExist"

	defaultAppRoot     = dbus.ObjectPath("/meshnode")
	defaultCompanyID   = 0x05f1
	defaultProductID   = 0x0001
	defaultVersionID   = 0x0001
	defaultCRPL        = 0x7fff
	eventBuffer        = 64
	emitTimeout        = time.Second
	provDataTimeout    = 5 * time.Second
	defaultBindTimeout = 10 * time.Second
)

var (
	ErrNotAttached = errors.New("node not attached")
	ErrJoinFailed  = errors.New("join failed")
)

type Option func(*Adapter)

// WithAppRoot sets the object path the application tree is exported under.
func WithAppRoot(path dbus.ObjectPath) Option {
	return func(a *Adapter) { a.appRoot = path }
}

// WithAssigned sets how many unicast addresses the network already uses.
func WithAssigned(n uint16) Option {
	return func(a *Adapter) { a.assigned = n }
}

// WithNetIndex sets the network key used for device key messages.
func WithNetIndex(idx meshnode.KeyIndex) Option {
	return func(a *Adapter) { a.netIndex = idx }
}

// WithBindTimeout bounds the wait for a Model App Status.
func WithBindTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.bindTimeout = d }
}

type joinResult struct {
	token meshnode.Token
	err   error
}

type bindKey struct {
	element  meshnode.Address
	appIndex meshnode.KeyIndex
	model    meshnode.ModelID
}

// Adapter implements the node stack on bluetooth-meshd.
type Adapter struct {
	conn        *dbus.Conn
	appRoot     dbus.ObjectPath
	elementPath dbus.ObjectPath
	netIndex    meshnode.KeyIndex
	bindTimeout time.Duration
	events      chan meshnode.Event
	closed      chan struct{}
	closeOnce   sync.Once
	tid         atomic.Uint32

	mu       sync.Mutex
	exported bool
	nodePath dbus.ObjectPath
	local    meshnode.Address
	models   map[meshnode.ModelID]meshnode.Model
	joins    chan joinResult
	waiters  map[bindKey]chan meshnode.StatusCode
	assigned uint16
}

// Connect opens the system bus and returns an adapter on it.
func Connect(opts ...Option) (*Adapter, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	return New(conn, opts...), nil
}

// New returns an adapter on conn. The adapter owns conn from here on.
func New(conn *dbus.Conn, opts ...Option) *Adapter {
	a := &Adapter{
		conn:        conn,
		appRoot:     defaultAppRoot,
		bindTimeout: defaultBindTimeout,
		events:      make(chan meshnode.Event, eventBuffer),
		closed:      make(chan struct{}),
		models:      make(map[meshnode.ModelID]meshnode.Model),
		joins:       make(chan joinResult, 1),
		waiters:     make(map[bindKey]chan meshnode.StatusCode),
		assigned:    1,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.elementPath = a.appRoot + "/ele00"
	return a
}

func (a *Adapter) Events() <-chan meshnode.Event { return a.events }

// RegisterModel must be called before Join or Connect so the model is part
// of the exported element.
func (a *Adapter) RegisterModel(ref meshnode.ModelRef, m meshnode.Model) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.models[ref.ID] = m
}

// Join attaches a provisioned node. Without a token the daemon first runs
// the join procedure and the adapter waits for JoinComplete.
func (a *Adapter) Join(ctx context.Context, id meshnode.Identity) (meshnode.Token, error) {
	return a.attachOr(ctx, id, func() error {
		return a.network().CallWithContext(ctx, ifaceNetwork+".Join", 0, a.appRoot, id.UUID[:]).Err
	})
}

// Connect attaches the provisioner, creating its network on first use.
func (a *Adapter) Connect(ctx context.Context, id meshnode.Identity) (meshnode.Token, error) {
	return a.attachOr(ctx, id, func() error {
		return a.network().CallWithContext(ctx, ifaceNetwork+".CreateNetwork", 0, a.appRoot, id.UUID[:]).Err
	})
}

func (a *Adapter) attachOr(ctx context.Context, id meshnode.Identity, create func() error) (meshnode.Token, error) {
	if err := a.export(); err != nil {
		return 0, err
	}
	token := id.Token
	if token == 0 {
		if err := create(); err != nil {
			return 0, fmt.Errorf("create node: %w", err)
		}
		select {
		case res := <-a.joins:
			if res.err != nil {
				return 0, res.err
			}
			token = res.token
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	call := a.network().CallWithContext(ctx, ifaceNetwork+".Attach", 0, a.appRoot, uint64(token))
	if call.Err != nil {
		return 0, fmt.Errorf("attach node: %w", call.Err)
	}
	var node dbus.ObjectPath
	if len(call.Body) > 0 {
		node, _ = call.Body[0].(dbus.ObjectPath)
	}
	if !node.IsValid() || node == "/" {
		return 0, fmt.Errorf("attach node: unexpected reply %v", call.Body)
	}

	a.mu.Lock()
	a.nodePath = node
	a.local = id.Address
	a.mu.Unlock()
	slog.Debug("Attached to mesh daemon.", "node", node, "address", id.Address)
	return token, nil
}

func (a *Adapter) AddNetworkKey(ctx context.Context, key meshnode.NetKey) (meshnode.StatusCode, error) {
	obj, err := a.nodeObject()
	if err != nil {
		return 0, err
	}
	err = obj.CallWithContext(ctx, ifaceManagement+".ImportSubnet", 0, uint16(key.Index), key.Key[:]).Err
	switch errorName(err) {
	case "":
		return meshnode.StatusSuccess, nil
	case errAlreadyExists:
		// The network created by CreateNetwork already holds its primary key.
		return meshnode.StatusSuccess, nil
	default:
		return 0, fmt.Errorf("import subnet %d: %w", key.Index, err)
	}
}

func (a *Adapter) AddApplicationKey(ctx context.Context, key meshnode.AppKey) (meshnode.StatusCode, error) {
	obj, err := a.nodeObject()
	if err != nil {
		return 0, err
	}
	err = obj.CallWithContext(ctx, ifaceManagement+".ImportAppKey", 0, uint16(key.NetIndex), uint16(key.Index), key.Key[:]).Err
	switch errorName(err) {
	case "", errAlreadyExists:
		return meshnode.StatusSuccess, nil
	case errDoesNotExist:
		return meshnode.StatusInvalidNetKeyIndex, nil
	default:
		return 0, fmt.Errorf("import app key %d: %w", key.Index, err)
	}
}

// BindApplicationKey sends a Config Model App Bind to the local
// configuration server and waits for its status.
func (a *Adapter) BindApplicationKey(ctx context.Context, appIndex meshnode.KeyIndex, model meshnode.ModelRef) (meshnode.StatusCode, error) {
	obj, err := a.nodeObject()
	if err != nil {
		return 0, err
	}
	a.mu.Lock()
	local := a.local
	a.mu.Unlock()

	key := bindKey{element: model.Element, appIndex: appIndex, model: model.ID}
	ch := make(chan meshnode.StatusCode, 1)
	a.mu.Lock()
	a.waiters[key] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.waiters, key)
		a.mu.Unlock()
	}()

	payload := encodeAppBind(model.Element, appIndex, model.ID)
	err = obj.CallWithContext(ctx, ifaceNode+".DevKeySend", 0,
		a.elementPath, uint16(local), false, uint16(a.netIndex), map[string]dbus.Variant{}, payload).Err
	if err != nil {
		return 0, fmt.Errorf("send model app bind: %w", err)
	}

	timer := time.NewTimer(a.bindTimeout)
	defer timer.Stop()
	select {
	case status := <-ch:
		return status, nil
	case <-timer.C:
		return 0, fmt.Errorf("bind %s: %w", model, context.DeadlineExceeded)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ScanUnprovisioned scans for d and then cancels the scan. Results arrive as
// ScanResult events.
func (a *Adapter) ScanUnprovisioned(ctx context.Context, d time.Duration) error {
	obj, err := a.nodeObject()
	if err != nil {
		return err
	}
	opts := map[string]dbus.Variant{"Seconds": dbus.MakeVariant(uint16(d / time.Second))}
	if err := obj.CallWithContext(ctx, ifaceManagement+".UnprovisionedScan", 0, opts).Err; err != nil {
		return fmt.Errorf("start unprovisioned scan: %w", err)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := obj.CallWithContext(cancelCtx, ifaceManagement+".UnprovisionedScanCancel", 0).Err; err != nil {
		slog.Debug("Failed to cancel unprovisioned scan.", "err", err)
	}
	return ctx.Err()
}

func (a *Adapter) AdmitNode(ctx context.Context, id uuid.UUID) error {
	obj, err := a.nodeObject()
	if err != nil {
		return err
	}
	if err := obj.CallWithContext(ctx, ifaceManagement+".AddNode", 0, id[:], map[string]dbus.Variant{}).Err; err != nil {
		return fmt.Errorf("add node %s: %w", id, err)
	}
	return nil
}

func (a *Adapter) Send(ctx context.Context, env meshnode.Envelope) error {
	obj, err := a.nodeObject()
	if err != nil {
		return err
	}
	data, err := encodeOnOff(env, uint8(a.tid.Add(1)))
	if err != nil {
		return err
	}
	err = obj.CallWithContext(ctx, ifaceNode+".Send", 0,
		a.elementPath, uint16(env.Destination), uint16(env.AppKeyIndex), map[string]dbus.Variant{}, data).Err
	if err != nil {
		return fmt.Errorf("send %s to %s: %w", env.Opcode, env.Destination, err)
	}
	return nil
}

// Close closes the bus connection. The node stays provisioned in the daemon.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.closed)
		if a.conn != nil {
			err = a.conn.Close()
		}
	})
	return err
}

func (a *Adapter) network() dbus.BusObject {
	return a.conn.Object(busName, networkPath)
}

func (a *Adapter) nodeObject() (dbus.BusObject, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.nodePath == "" {
		return nil, ErrNotAttached
	}
	return a.conn.Object(busName, a.nodePath), nil
}

// export publishes the application tree once.
func (a *Adapter) export() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.exported {
		return nil
	}
	exports := []struct {
		v     any
		path  dbus.ObjectPath
		iface string
	}{
		{&objectManager{a}, a.appRoot, ifaceObjectManager},
		{&application{a}, a.appRoot, ifaceApplication},
		{&provisioner{a}, a.appRoot, ifaceProvisioner},
		{&agent{}, a.appRoot, ifaceAgent},
		{&element{a}, a.elementPath, ifaceElement},
	}
	for _, e := range exports {
		if err := a.conn.Export(e.v, e.path, e.iface); err != nil {
			return fmt.Errorf("export %s: %w", e.iface, err)
		}
	}
	a.exported = true
	return nil
}

// emit hands ev to the consumer, dropping it when nobody reads in time.
func (a *Adapter) emit(ev meshnode.Event) {
	timer := time.NewTimer(emitTimeout)
	defer timer.Stop()
	select {
	case a.events <- ev:
	case <-a.closed:
	case <-timer.C:
		slog.Warn("Dropped mesh event.", "event", fmt.Sprintf("%T", ev))
	}
}

func errorName(err error) string {
	if err == nil {
		return ""
	}
	var derr dbus.Error
	if errors.As(err, &derr) {
		return derr.Name
	}
	var perr *dbus.Error
	if errors.As(err, &perr) {
		return perr.Name
	}
	return "unknown"
}
