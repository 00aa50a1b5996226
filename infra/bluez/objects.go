package bluez

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"meshnode"
)

// Each exported type carries the methods of exactly one D-Bus interface;
// conn.Export publishes every exported method of the value it is given.

type objectTree = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

type objectManager struct{ a *Adapter }

// GetManagedObjects describes the application tree to the daemon.
func (o *objectManager) GetManagedObjects() (objectTree, *dbus.Error) {
	return o.a.managedObjects(), nil
}

// sigModel encodes as (qa{sv}).
type sigModel struct {
	ID      uint16
	Options map[string]dbus.Variant
}

// vendorModel encodes as (qqa{sv}).
type vendorModel struct {
	Company uint16
	ID      uint16
	Options map[string]dbus.Variant
}

func (a *Adapter) managedObjects() objectTree {
	a.mu.Lock()
	models := make([]sigModel, 0, len(a.models))
	for id := range a.models {
		models = append(models, sigModel{ID: uint16(id), Options: map[string]dbus.Variant{}})
	}
	a.mu.Unlock()
	slices.SortFunc(models, func(x, y sigModel) int { return cmp.Compare(x.ID, y.ID) })

	return objectTree{
		a.appRoot: {
			ifaceApplication: {
				"CompanyID": dbus.MakeVariant(uint16(defaultCompanyID)),
				"ProductID": dbus.MakeVariant(uint16(defaultProductID)),
				"VersionID": dbus.MakeVariant(uint16(defaultVersionID)),
				"CRPL":      dbus.MakeVariant(uint16(defaultCRPL)),
			},
			ifaceProvisioner: {},
			ifaceAgent: {
				"Capabilities": dbus.MakeVariant([]string{"out-numeric"}),
			},
		},
		a.elementPath: {
			ifaceElement: {
				"Index":        dbus.MakeVariant(byte(0)),
				"Models":       dbus.MakeVariant(models),
				"VendorModels": dbus.MakeVariant([]vendorModel{}),
			},
		},
	}
}

type application struct{ a *Adapter }

func (app *application) JoinComplete(token uint64) *dbus.Error {
	app.a.finishJoin(joinResult{token: meshnode.Token(token)})
	return nil
}

func (app *application) JoinFailed(reason string) *dbus.Error {
	app.a.finishJoin(joinResult{err: fmt.Errorf("%w: %s", ErrJoinFailed, reason)})
	return nil
}

func (a *Adapter) finishJoin(res joinResult) {
	select {
	case a.joins <- res:
	default:
		slog.Warn("Ignored join result with no join pending.", "token", res.token, "err", res.err)
	}
}

type provisioner struct{ a *Adapter }

func (p *provisioner) ScanResult(rssi int16, data []byte, options map[string]dbus.Variant) *dbus.Error {
	opts := make(map[string]any, len(options))
	for k, v := range options {
		opts[k] = v.Value()
	}
	p.a.emit(meshnode.ScanResult{RSSI: rssi, Data: append([]byte(nil), data...), Options: opts})
	return nil
}

// RequestProvData asks the event consumer for the new node's address.
// count is the number of elements the device reports.
func (p *provisioner) RequestProvData(count uint8) (uint16, uint16, *dbus.Error) {
	data, err := p.a.requestProvisioningData(count)
	if err != nil {
		return 0, 0, dbus.MakeFailedError(err)
	}
	return uint16(data.NetIndex), uint16(data.Unicast), nil
}

func (a *Adapter) requestProvisioningData(elements uint8) (meshnode.ProvisioningData, error) {
	a.mu.Lock()
	assigned := a.assigned
	a.mu.Unlock()

	reply := make(chan meshnode.ProvisioningData, 1)
	a.emit(meshnode.ProvisioningDataRequest{Count: assigned, Reply: reply})

	timer := time.NewTimer(provDataTimeout)
	defer timer.Stop()
	select {
	case data := <-reply:
		if data.Err != nil {
			return meshnode.ProvisioningData{}, data.Err
		}
		last, ok := data.Unicast.Last(elements)
		if !ok {
			return meshnode.ProvisioningData{}, fmt.Errorf("no room for %d elements at %s", elements, data.Unicast)
		}
		slog.Debug("Assigned unicast range.", "first", data.Unicast, "last", last)
		return data, nil
	case <-timer.C:
		return meshnode.ProvisioningData{}, fmt.Errorf("no provisioning data within %s", provDataTimeout)
	case <-a.closed:
		return meshnode.ProvisioningData{}, fmt.Errorf("adapter closed")
	}
}

func (p *provisioner) AddNodeComplete(id []byte, unicast uint16, count uint8) *dbus.Error {
	u, err := uuid.FromBytes(id)
	if err != nil {
		return dbus.MakeFailedError(err)
	}
	p.a.mu.Lock()
	p.a.assigned += uint16(count)
	p.a.mu.Unlock()
	p.a.emit(meshnode.AdmissionComplete{UUID: u, Unicast: meshnode.Address(unicast), Elements: count})
	return nil
}

func (p *provisioner) AddNodeFailed(id []byte, reason string) *dbus.Error {
	u, err := uuid.FromBytes(id)
	if err != nil {
		return dbus.MakeFailedError(err)
	}
	p.a.emit(meshnode.AdmissionFailed{UUID: u, Reason: reason})
	return nil
}

type agent struct{}

func (agent) DisplayNumeric(kind string, number uint32) *dbus.Error {
	slog.Info("Provisioning authentication value.", "type", kind, "number", number)
	return nil
}

func (agent) Cancel() *dbus.Error {
	slog.Debug("Provisioning authentication cancelled.")
	return nil
}

type element struct{ a *Adapter }

// MessageReceived delivers an application message to the registered model.
func (e *element) MessageReceived(source, keyIndex uint16, destination dbus.Variant, data []byte) *dbus.Error {
	if err := e.a.deliver(source, keyIndex, destination, data); err != nil {
		slog.Debug("Dropped application message.", "src", meshnode.Address(source), "err", err)
	}
	return nil
}

// DevKeyMessageReceived handles configuration replies from the local
// configuration server.
func (e *element) DevKeyMessageReceived(source uint16, remote bool, netIndex uint16, data []byte) *dbus.Error {
	if err := e.a.deliverConfig(data); err != nil {
		slog.Debug("Dropped device key message.", "src", meshnode.Address(source), "err", err)
	}
	return nil
}

func (a *Adapter) deliver(source, keyIndex uint16, destination dbus.Variant, data []byte) error {
	a.mu.Lock()
	dst := a.local
	a.mu.Unlock()
	if addr, ok := destination.Value().(uint16); ok {
		dst = meshnode.Address(addr)
	}

	env, err := decodeOnOff(meshnode.Address(source), dst, meshnode.KeyIndex(keyIndex), data)
	if err != nil {
		return err
	}
	a.mu.Lock()
	model, ok := a.models[env.Opcode.Receiver()]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("no model for %s", env.Opcode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), provDataTimeout)
	defer cancel()
	return model.HandleMessage(ctx, env)
}

func (a *Adapter) deliverConfig(data []byte) error {
	op, params, err := decodeOpcode(data)
	if err != nil {
		return err
	}
	if op != opConfigModelAppStatus {
		return fmt.Errorf("unhandled config opcode 0x%x", uint32(op))
	}
	st, err := decodeAppBindStatus(params)
	if err != nil {
		return err
	}

	a.mu.Lock()
	ch, ok := a.waiters[bindKey{element: st.Element, appIndex: st.AppIndex, model: st.Model}]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("no bind pending for %s", meshnode.ModelRef{Element: st.Element, ID: st.Model})
	}
	select {
	case ch <- st.Status:
	default:
	}
	return nil
}
