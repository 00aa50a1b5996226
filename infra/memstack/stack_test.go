package memstack

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"meshnode"
	"meshnode/node/provision"
	"meshnode/onoff"
)

const local meshnode.Address = 0x0001

var (
	clientRef = meshnode.ModelRef{Element: local, ID: meshnode.GenericOnOffClient}
	serverRef = meshnode.ModelRef{Element: local, ID: meshnode.GenericOnOffServer}
)

func testKeys() meshnode.Keys {
	net, _ := meshnode.ParseKey("4696cead19afc4c876677e18bfcf6522")
	app, _ := meshnode.ParseKey("f2ae98a541ca4f04814da82195bb3dc4")
	return meshnode.Keys{
		Net: meshnode.NetKey{Index: 0, Key: net},
		App: meshnode.AppKey{NetIndex: 0, Index: 0, Key: app},
	}
}

func newStack(t *testing.T, opts ...Option) *Stack {
	t.Helper()
	s := New(opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type nopModel struct{}

func (nopModel) HandleMessage(context.Context, meshnode.Envelope) error { return nil }

func TestKeyOrdering(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	keys := testKeys()
	s := newStack(t)
	s.RegisterModel(clientRef, nopModel{})

	status, err := s.BindApplicationKey(ctx, keys.App.Index, clientRef)
	if err != nil || status != meshnode.StatusInvalidAppKeyIndex {
		t.Fatalf("bind before app key = (%s, %v), want InvalidAppKeyIndex", status, err)
	}
	status, err = s.AddApplicationKey(ctx, keys.App)
	if err != nil || status != meshnode.StatusInvalidNetKeyIndex {
		t.Fatalf("app key before net key = (%s, %v), want InvalidNetKeyIndex", status, err)
	}

	steps := []func() (meshnode.StatusCode, error){
		func() (meshnode.StatusCode, error) { return s.AddNetworkKey(ctx, keys.Net) },
		func() (meshnode.StatusCode, error) { return s.AddApplicationKey(ctx, keys.App) },
		func() (meshnode.StatusCode, error) { return s.BindApplicationKey(ctx, keys.App.Index, clientRef) },
	}
	for i, step := range steps {
		if status, err := step(); err != nil || !status.OK() {
			t.Fatalf("step %d = (%s, %v), want success", i, status, err)
		}
	}
	if !s.Bound(clientRef, keys.App.Index) {
		t.Fatal("client model not bound")
	}

	status, _ = s.BindApplicationKey(ctx, keys.App.Index, serverRef)
	if status != meshnode.StatusInvalidModel {
		t.Fatalf("bind unregistered model = %s, want InvalidModel", status)
	}
}

func TestAddNetworkKeyIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	keys := testKeys()
	s := newStack(t)

	for i := 0; i < 2; i++ {
		if status, err := s.AddNetworkKey(ctx, keys.Net); err != nil || !status.OK() {
			t.Fatalf("AddNetworkKey() #%d = (%s, %v)", i, status, err)
		}
	}
	other := keys.Net
	other.Key[0] ^= 0xff
	if status, _ := s.AddNetworkKey(ctx, other); status != meshnode.StatusKeyIndexAlreadyStored {
		t.Fatalf("AddNetworkKey(other key) = %s, want KeyIndexAlreadyStored", status)
	}
}

func TestLoopbackOnOff(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStack(t, WithKeys(testKeys()))
	if _, err := s.Connect(ctx, meshnode.Identity{Address: local}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	server := onoff.NewServer(local, s)
	client := onoff.NewClient(local, s, time.Second)
	s.RegisterModel(serverRef, server)
	s.RegisterModel(clientRef, client)

	got, err := client.Set(ctx, local, 0, meshnode.On)
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if got != meshnode.On || server.Present() != meshnode.On {
		t.Fatalf("Set() = %s, server = %s, want on", got, server.Present())
	}
	if err := client.SetUnacknowledged(ctx, local, 0, meshnode.Off); err != nil {
		t.Fatalf("SetUnacknowledged() error = %v", err)
	}
	got, err = client.Get(ctx, local, 0)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != meshnode.Off {
		t.Fatalf("Get() = %s, want off", got)
	}
}

func TestSendRequiresAttachAndKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := meshnode.Envelope{Opcode: meshnode.OpOnOffGet, Source: local, Destination: 0x0002}

	s := newStack(t)
	if err := s.Send(ctx, env); !errors.Is(err, ErrNotAttached) {
		t.Fatalf("Send() before attach error = %v, want ErrNotAttached", err)
	}
	if _, err := s.Join(ctx, meshnode.Identity{Address: local}); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if err := s.Send(ctx, env); !errors.Is(err, ErrUnknownAppKey) {
		t.Fatalf("Send() without key error = %v, want ErrUnknownAppKey", err)
	}
}

func TestSendRequiresBoundModels(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	keys := testKeys()
	s := newStack(t)
	if _, err := s.Connect(ctx, meshnode.Identity{Address: local}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	for _, step := range []func() (meshnode.StatusCode, error){
		func() (meshnode.StatusCode, error) { return s.AddNetworkKey(ctx, keys.Net) },
		func() (meshnode.StatusCode, error) { return s.AddApplicationKey(ctx, keys.App) },
	} {
		if status, err := step(); err != nil || !status.OK() {
			t.Fatalf("key step = (%s, %v), want success", status, err)
		}
	}

	server := onoff.NewServer(local, s)
	client := onoff.NewClient(local, s, time.Second)
	s.RegisterModel(serverRef, server)
	s.RegisterModel(clientRef, client)

	if err := client.SetUnacknowledged(ctx, local, keys.App.Index, meshnode.On); !errors.Is(err, ErrUnboundModel) {
		t.Fatalf("SetUnacknowledged() from unbound client error = %v, want ErrUnboundModel", err)
	}

	if status, err := s.BindApplicationKey(ctx, keys.App.Index, clientRef); err != nil || !status.OK() {
		t.Fatalf("bind client = (%s, %v), want success", status, err)
	}
	if err := client.SetUnacknowledged(ctx, local, keys.App.Index, meshnode.On); err != nil {
		t.Fatalf("SetUnacknowledged() error = %v", err)
	}
	if err := s.Deliver(ctx, meshnode.Envelope{Opcode: meshnode.OpOnOffSetUnack, Source: 0x0005, Destination: local, OnOff: meshnode.On}); !errors.Is(err, ErrUnboundModel) {
		t.Fatalf("Deliver() to unbound server error = %v, want ErrUnboundModel", err)
	}

	if status, err := s.BindApplicationKey(ctx, keys.App.Index, serverRef); err != nil || !status.OK() {
		t.Fatalf("bind server = (%s, %v), want success", status, err)
	}
	// Deliveries run in send order, so the Get observes the dropped Set.
	got, err := client.Get(ctx, local, keys.App.Index)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != meshnode.Off || server.Present() != meshnode.Off {
		t.Fatalf("Get() = %s, server = %s, want off", got, server.Present())
	}
	if n := len(s.Sent()); n != 3 {
		t.Fatalf("Sent() = %d messages, want 3", n)
	}
}

func TestJoinResumesToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStack(t)

	token, err := s.Join(ctx, meshnode.Identity{})
	if err != nil || token == 0 {
		t.Fatalf("Join() = (%s, %v), want fresh token", token, err)
	}
	resumed, err := s.Join(ctx, meshnode.Identity{Token: token})
	if err != nil || resumed != token {
		t.Fatalf("Join(token) = (%s, %v), want %s", resumed, err, token)
	}

	s.Faults().FailOnce(PointJoin, errors.New("no agent"))
	if _, err := s.Join(ctx, meshnode.Identity{}); err == nil {
		t.Fatal("Join() error = nil, want injected fault")
	}
}

func TestScanAndAdmit(t *testing.T) {
	t.Parallel()

	devices := []Device{
		{UUID: uuid.New(), Elements: 1, RSSI: -40},
		{UUID: uuid.New(), Elements: 2, RSSI: -70},
	}
	s := newStack(t, WithDevices(devices...))

	a := provision.NewAdmitter(s, s.Events(), 0)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer a.Stop()

	if err := s.ScanUnprovisioned(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("ScanUnprovisioned() error = %v", err)
	}

	want := map[uuid.UUID]meshnode.Address{
		devices[0].UUID: 0x0002,
		devices[1].UUID: 0x0003,
	}
	for range devices {
		select {
		case out := <-a.Outcomes():
			if !out.Admitted {
				t.Fatalf("outcome = %+v, want admitted", out)
			}
			if out.Unicast != want[out.UUID] {
				t.Fatalf("unicast for %s = %s, want %s", out.UUID, out.Unicast, want[out.UUID])
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for admission")
		}
	}

	// Admitted devices no longer advertise.
	if err := s.ScanUnprovisioned(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("second ScanUnprovisioned() error = %v", err)
	}
	select {
	case out := <-a.Outcomes():
		t.Fatalf("unexpected outcome after rescan: %+v", out)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAdmitOutcomeFault(t *testing.T) {
	t.Parallel()

	dev := Device{UUID: uuid.New()}
	s := newStack(t, WithDevices(dev))
	s.Faults().FailOnce(PointAdmitOutcome, errors.New("link lost"))

	a := provision.NewAdmitter(s, s.Events(), 0)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer a.Stop()

	if err := s.ScanUnprovisioned(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("ScanUnprovisioned() error = %v", err)
	}
	select {
	case out := <-a.Outcomes():
		if out.Admitted || out.Reason != reasonProvisioning {
			t.Fatalf("outcome = %+v, want provisioning failure", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for admission")
	}
}
