package bluez

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"meshnode"
)

type recordingModel struct {
	mu   sync.Mutex
	envs []meshnode.Envelope
}

func (m *recordingModel) HandleMessage(_ context.Context, env meshnode.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.envs = append(m.envs, env)
	return nil
}

func nextEvent(t *testing.T, a *Adapter) meshnode.Event {
	t.Helper()
	select {
	case ev := <-a.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestRequestProvDataAsksConsumer(t *testing.T) {
	a := New(nil)
	t.Cleanup(func() { _ = a.Close() })

	go func() {
		ev := (<-a.Events()).(meshnode.ProvisioningDataRequest)
		ev.Reply <- meshnode.ProvisioningData{NetIndex: 0, Unicast: meshnode.Address(1 + ev.Count)}
	}()
	netIndex, unicast, derr := (&provisioner{a}).RequestProvData(2)
	if derr != nil {
		t.Fatalf("RequestProvData() error = %v", derr)
	}
	if netIndex != 0 || unicast != 0x0002 {
		t.Fatalf("RequestProvData() = (%d, %#04x), want (0, 0x0002)", netIndex, unicast)
	}
}

func TestRequestProvDataRefused(t *testing.T) {
	a := New(nil)
	t.Cleanup(func() { _ = a.Close() })

	go func() {
		ev := (<-a.Events()).(meshnode.ProvisioningDataRequest)
		ev.Reply <- meshnode.ProvisioningData{Err: errors.New("address space exhausted")}
	}()
	if _, _, derr := (&provisioner{a}).RequestProvData(1); derr == nil {
		t.Fatal("RequestProvData() error = nil")
	}
}

func TestAddNodeCompleteAdvancesAssigned(t *testing.T) {
	a := New(nil, WithAssigned(1))
	t.Cleanup(func() { _ = a.Close() })
	p := &provisioner{a}
	id := uuid.New()

	if derr := p.AddNodeComplete(id[:], 0x0002, 2); derr != nil {
		t.Fatalf("AddNodeComplete() error = %v", derr)
	}
	got := nextEvent(t, a)
	want := meshnode.AdmissionComplete{UUID: id, Unicast: 0x0002, Elements: 2}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("event mismatch (-want +got):\n%s", diff)
	}

	go func() {
		_, _, _ = p.RequestProvData(1)
	}()
	req := nextEvent(t, a).(meshnode.ProvisioningDataRequest)
	if req.Count != 3 {
		t.Fatalf("ProvisioningDataRequest.Count = %d, want 3", req.Count)
	}
	req.Reply <- meshnode.ProvisioningData{Unicast: 0x0004}
}

func TestAddNodeFailed(t *testing.T) {
	a := New(nil)
	t.Cleanup(func() { _ = a.Close() })
	p := &provisioner{a}
	id := uuid.New()

	if derr := p.AddNodeFailed(id[:], "timeout"); derr != nil {
		t.Fatalf("AddNodeFailed() error = %v", derr)
	}
	if diff := cmp.Diff(meshnode.AdmissionFailed{UUID: id, Reason: "timeout"}, nextEvent(t, a)); diff != "" {
		t.Fatalf("event mismatch (-want +got):\n%s", diff)
	}
	if derr := p.AddNodeFailed([]byte{1, 2}, "bad"); derr == nil {
		t.Fatal("AddNodeFailed(short uuid) error = nil")
	}
}

func TestScanResultCopiesData(t *testing.T) {
	a := New(nil)
	t.Cleanup(func() { _ = a.Close() })

	data := []byte{1, 2, 3}
	opts := map[string]dbus.Variant{"URI": dbus.MakeVariant("https://example.com")}
	if derr := (&provisioner{a}).ScanResult(-40, data, opts); derr != nil {
		t.Fatalf("ScanResult() error = %v", derr)
	}
	data[0] = 9

	got := nextEvent(t, a).(meshnode.ScanResult)
	want := meshnode.ScanResult{RSSI: -40, Data: []byte{1, 2, 3}, Options: map[string]any{"URI": "https://example.com"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ScanResult mismatch (-want +got):\n%s", diff)
	}
}

func TestJoinCallbacks(t *testing.T) {
	a := New(nil)
	app := &application{a}

	_ = app.JoinComplete(42)
	if res := <-a.joins; res.err != nil || res.token != 42 {
		t.Fatalf("join result = %+v, want token 42", res)
	}

	_ = app.JoinFailed("timeout")
	if res := <-a.joins; !errors.Is(res.err, ErrJoinFailed) {
		t.Fatalf("join result error = %v, want ErrJoinFailed", res.err)
	}
}

func TestMessageReceivedDispatchesByOpcode(t *testing.T) {
	a := New(nil)
	server, client := &recordingModel{}, &recordingModel{}
	a.RegisterModel(meshnode.ModelRef{Element: 1, ID: meshnode.GenericOnOffServer}, server)
	a.RegisterModel(meshnode.ModelRef{Element: 1, ID: meshnode.GenericOnOffClient}, client)
	el := &element{a}

	_ = el.MessageReceived(0x0002, 0, dbus.MakeVariant(uint16(0x0001)), []byte{0x82, 0x03, 0x01, 0x00})
	_ = el.MessageReceived(0x0002, 0, dbus.MakeVariant(uint16(0x0001)), []byte{0x82, 0x04, 0x01})
	_ = el.MessageReceived(0x0002, 0, dbus.MakeVariant(uint16(0x0001)), []byte{0x82})

	wantServer := []meshnode.Envelope{{Opcode: meshnode.OpOnOffSetUnack, Source: 2, Destination: 1, OnOff: meshnode.On}}
	if diff := cmp.Diff(wantServer, server.envs); diff != "" {
		t.Fatalf("server messages mismatch (-want +got):\n%s", diff)
	}
	wantClient := []meshnode.Envelope{{Opcode: meshnode.OpOnOffStatus, Source: 2, Destination: 1, OnOff: meshnode.On}}
	if diff := cmp.Diff(wantClient, client.envs); diff != "" {
		t.Fatalf("client messages mismatch (-want +got):\n%s", diff)
	}
}

func TestDevKeyMessageResolvesBind(t *testing.T) {
	a := New(nil)
	key := bindKey{element: 0x0001, appIndex: 0, model: meshnode.GenericOnOffClient}
	ch := make(chan meshnode.StatusCode, 1)
	a.waiters[key] = ch

	status := []byte{0x80, 0x3e, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x10}
	_ = (&element{a}).DevKeyMessageReceived(0x0001, false, 0, status)

	select {
	case got := <-ch:
		if got != meshnode.StatusSuccess {
			t.Fatalf("bind status = %s, want success", got)
		}
	default:
		t.Fatal("bind waiter not resolved")
	}

	if err := a.deliverConfig([]byte{0x80, 0x3e, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x10}); err == nil {
		t.Fatal("deliverConfig(unexpected model) error = nil")
	}
}

func TestManagedObjectsListsModels(t *testing.T) {
	a := New(nil, WithAppRoot("/test"))
	a.RegisterModel(meshnode.ModelRef{Element: 1, ID: meshnode.GenericOnOffClient}, &recordingModel{})
	a.RegisterModel(meshnode.ModelRef{Element: 1, ID: meshnode.GenericOnOffServer}, &recordingModel{})

	objs, derr := (&objectManager{a}).GetManagedObjects()
	if derr != nil {
		t.Fatalf("GetManagedObjects() error = %v", derr)
	}
	if _, ok := objs["/test"][ifaceApplication]["CRPL"]; !ok {
		t.Fatal("application properties missing CRPL")
	}
	models, ok := objs["/test/ele00"][ifaceElement]["Models"].Value().([]sigModel)
	if !ok {
		t.Fatalf("Models has type %T", objs["/test/ele00"][ifaceElement]["Models"].Value())
	}
	var ids []uint16
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	if diff := cmp.Diff([]uint16{0x1000, 0x1001}, ids); diff != "" {
		t.Fatalf("model ids mismatch (-want +got):\n%s", diff)
	}
}

func TestCallsRequireAttach(t *testing.T) {
	a := New(nil)
	if err := a.Send(context.Background(), meshnode.Envelope{Opcode: meshnode.OpOnOffGet}); !errors.Is(err, ErrNotAttached) {
		t.Fatalf("Send() error = %v, want ErrNotAttached", err)
	}
	if _, err := a.BindApplicationKey(context.Background(), 0, meshnode.ModelRef{}); !errors.Is(err, ErrNotAttached) {
		t.Fatalf("BindApplicationKey() error = %v, want ErrNotAttached", err)
	}
}

func TestErrorName(t *testing.T) {
	if got := errorName(dbus.Error{Name: errAlreadyExists}); got != errAlreadyExists {
		t.Fatalf("errorName(value) = %q", got)
	}
	if got := errorName(dbus.NewError(errDoesNotExist, nil)); got != errDoesNotExist {
		t.Fatalf("errorName(pointer) = %q", got)
	}
	if got := errorName(nil); got != "" {
		t.Fatalf("errorName(nil) = %q", got)
	}
}
