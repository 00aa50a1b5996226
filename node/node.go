package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"meshnode"
	"meshnode/internal/buildinfo"
	"meshnode/internal/check"
	"meshnode/node/provision"
	"meshnode/onoff"
)

const (
	DefaultInterval      = time.Second
	DefaultScanDuration  = 5 * time.Second
	DefaultClientTimeout = 5 * time.Second
)

var ErrNoStack = errors.New("no mesh stack configured")

// Node is one mesh node. It owns the local OnOff models and drives the
// stack through the lifecycle of its role.
type Node struct {
	identity meshnode.Identity
	dataDir  string
	keys     meshnode.Keys

	stack    Stack
	recorder provision.Recorder
	tracer   trace.Tracer

	interval         time.Duration
	scanDelay        time.Duration
	scanDuration     time.Duration
	joinTimeout      time.Duration
	stepTimeout      time.Duration
	admissionTimeout time.Duration
	baseAddress      meshnode.Address
	selfTest         bool

	server *onoff.Server
	client *onoff.Client

	mu       sync.Mutex
	role     meshnode.Role
	phase    Phase
	admitter *provision.Admitter

	// started is closed once the node is operational.
	started     chan struct{}
	startedOnce sync.Once
}

// Option configures a Node. Use these to inject test dependencies.
type Option func(*Node)

// WithStack sets the mesh stack. Required.
func WithStack(s Stack) Option {
	return func(n *Node) { n.stack = s }
}

// WithIdentity sets the node's identity, skipping file I/O.
func WithIdentity(id meshnode.Identity) Option {
	return func(n *Node) { n.identity = id }
}

// WithAddress overrides the identity's primary element address.
func WithAddress(a meshnode.Address) Option {
	return func(n *Node) { n.identity.Address = a }
}

// WithKeys sets the key material a provisioner configures.
func WithKeys(k meshnode.Keys) Option {
	return func(n *Node) { n.keys = k }
}

// WithInterval sets how often a server logs its state. Non-positive values
// keep the default.
func WithInterval(d time.Duration) Option {
	return func(n *Node) {
		if d > 0 {
			n.interval = d
		}
	}
}

// WithScanDelay sets how long a provisioner waits before scanning.
func WithScanDelay(d time.Duration) Option {
	return func(n *Node) { n.scanDelay = d }
}

func WithScanDuration(d time.Duration) Option {
	return func(n *Node) {
		if d > 0 {
			n.scanDuration = d
		}
	}
}

// WithSelfTest makes a provisioner exercise its own OnOff server through its
// client before it starts scanning.
func WithSelfTest(enabled bool) Option {
	return func(n *Node) { n.selfTest = enabled }
}

// WithRecorder persists admission outcomes.
func WithRecorder(r provision.Recorder) Option {
	return func(n *Node) { n.recorder = r }
}

func WithTracer(t trace.Tracer) Option {
	return func(n *Node) { n.tracer = t }
}

// WithJoinTimeout bounds Join and Connect. Zero waits for as long as the
// run context allows.
func WithJoinTimeout(d time.Duration) Option {
	return func(n *Node) { n.joinTimeout = d }
}

func WithStepTimeout(d time.Duration) Option {
	return func(n *Node) {
		if d > 0 {
			n.stepTimeout = d
		}
	}
}

func WithAdmissionTimeout(d time.Duration) Option {
	return func(n *Node) {
		if d > 0 {
			n.admissionTimeout = d
		}
	}
}

// WithBaseAddress sets the address admitted devices are numbered from.
func WithBaseAddress(a meshnode.Address) Option {
	return func(n *Node) {
		if a != meshnode.UnassignedAddress {
			n.baseAddress = a
		}
	}
}

// New creates a node rooted at dataDir. Identity is loaded from disk or
// generated on first run, unless injected via WithIdentity.
func New(dataDir string, opts ...Option) (*Node, error) {
	n := &Node{
		dataDir:          dataDir,
		interval:         DefaultInterval,
		scanDuration:     DefaultScanDuration,
		stepTimeout:      provision.DefaultStepTimeout,
		admissionTimeout: provision.DefaultAdmissionTimeout,
		baseAddress:      provision.DefaultBaseAddress,
		started:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}

	if n.stack == nil {
		return nil, ErrNoStack
	}
	if n.identity.UUID == uuid.Nil {
		id, err := loadOrCreateIdentity(dataDir)
		if err != nil {
			return nil, fmt.Errorf("load identity: %w", err)
		}
		// WithAddress may have been applied before the identity existed.
		if addr := n.identity.Address; addr != meshnode.UnassignedAddress {
			id.Address = addr
		}
		n.identity = id
	}

	n.server = onoff.NewServer(n.identity.Address, n.stack)
	n.client = onoff.NewClient(n.identity.Address, n.stack, DefaultClientTimeout)
	return n, nil
}

// Identity returns the node's identity, including the latest token.
func (n *Node) Identity() meshnode.Identity {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.identity
}

func (n *Node) Phase() Phase {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.phase
}

// Started returns a channel that is closed when the node is operational.
func (n *Node) Started() <-chan struct{} {
	return n.started
}

// OnOff returns the local OnOff server.
func (n *Node) OnOff() *onoff.Server {
	return n.server
}

// Status returns the node's runtime status.
func (n *Node) Status() meshnode.NodeStatus {
	n.mu.Lock()
	defer n.mu.Unlock()

	st := meshnode.NodeStatus{
		Name:    n.identity.Name,
		Role:    n.role,
		Phase:   n.phase.String(),
		UUID:    n.identity.UUID,
		Address: n.identity.Address,
		OnOff:   n.server.Present(),
		Version: buildinfo.Version,
	}
	if n.admitter != nil {
		st.Admission = n.admitter.Stats()
	}
	return st
}

// Nodes lists the devices this provisioner has admitted.
func (n *Node) Nodes(ctx context.Context) ([]meshnode.NodeRecord, error) {
	if n.recorder == nil {
		return nil, nil
	}
	return n.recorder.ListNodes(ctx)
}

func (n *Node) setPhase(p Phase) {
	n.mu.Lock()
	defer n.mu.Unlock()
	check.Assertf(n.phase.CanTransition(p), "node phase: %s -> %s", n.phase, p)
	n.phase = p
}

func (n *Node) markStarted() {
	n.startedOnce.Do(func() { close(n.started) })
}

func (n *Node) modelRef(id meshnode.ModelID) meshnode.ModelRef {
	return meshnode.ModelRef{Element: n.identity.Address, ID: id}
}
