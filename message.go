package meshnode

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidOnOff is returned for an OnOff byte other than 0 or 1.
var ErrInvalidOnOff = errors.New("invalid onoff value")

// OnOff is the Generic OnOff state.
type OnOff uint8

const (
	Off OnOff = 0
	On  OnOff = 1
)

// ParseOnOff converts a wire byte into an OnOff value.
func ParseOnOff(b byte) (OnOff, error) {
	v := OnOff(b)
	if !v.Valid() {
		return Off, fmt.Errorf("%w: 0x%02x", ErrInvalidOnOff, b)
	}
	return v, nil
}

// Valid reports whether v is Off or On.
func (v OnOff) Valid() bool {
	return v == Off || v == On
}

// Toggle returns the opposite state.
func (v OnOff) Toggle() OnOff {
	if v == On {
		return Off
	}
	return On
}

func (v OnOff) String() string {
	switch v {
	case Off:
		return "off"
	case On:
		return "on"
	default:
		return fmt.Sprintf("invalid(%d)", uint8(v))
	}
}

// Opcode identifies an access-layer message.
type Opcode uint32

const (
	OpOnOffGet      Opcode = 0x8201
	OpOnOffSet      Opcode = 0x8202
	OpOnOffSetUnack Opcode = 0x8203
	OpOnOffStatus   Opcode = 0x8204
)

func (o Opcode) String() string {
	switch o {
	case OpOnOffGet:
		return "get"
	case OpOnOffSet:
		return "set"
	case OpOnOffSetUnack:
		return "set-unacknowledged"
	case OpOnOffStatus:
		return "status"
	default:
		return fmt.Sprintf("opcode(0x%x)", uint32(o))
	}
}

// Known reports whether o is one of the Generic OnOff opcodes.
func (o Opcode) Known() bool {
	switch o {
	case OpOnOffGet, OpOnOffSet, OpOnOffSetUnack, OpOnOffStatus:
		return true
	}
	return false
}

// Receiver returns the model that consumes messages with this opcode:
// status goes to the client, everything else to the server.
func (o Opcode) Receiver() ModelID {
	if o == OpOnOffStatus {
		return GenericOnOffClient
	}
	return GenericOnOffServer
}

// Sender returns the model that originates messages with this opcode.
func (o Opcode) Sender() ModelID {
	if o == OpOnOffStatus {
		return GenericOnOffServer
	}
	return GenericOnOffClient
}

// ModelID is a SIG model identifier.
type ModelID uint16

const (
	ConfigServer       ModelID = 0x0000
	ConfigClient       ModelID = 0x0001
	GenericOnOffServer ModelID = 0x1000
	GenericOnOffClient ModelID = 0x1001
)

func (m ModelID) String() string {
	switch m {
	case ConfigServer:
		return "config-server"
	case ConfigClient:
		return "config-client"
	case GenericOnOffServer:
		return "onoff-server"
	case GenericOnOffClient:
		return "onoff-client"
	default:
		return fmt.Sprintf("model(0x%04x)", uint16(m))
	}
}

// ModelRef locates a model instance on an element.
type ModelRef struct {
	Element Address
	ID      ModelID
}

func (r ModelRef) String() string {
	return fmt.Sprintf("%s@%s", r.ID, r.Element)
}

// Envelope is one application message together with its addressing. OnOff
// carries the onoff field of Set/SetUnack and present_onoff of Status; it is
// ignored for Get.
type Envelope struct {
	Opcode      Opcode
	Source      Address
	Destination Address
	AppKeyIndex KeyIndex
	OnOff       OnOff
}

// Model receives the application messages the mesh stack delivers to it.
type Model interface {
	HandleMessage(ctx context.Context, env Envelope) error
}
