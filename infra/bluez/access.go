package bluez

import (
	"encoding/binary"
	"errors"
	"fmt"

	"meshnode"
)

const (
	opConfigModelAppBind   meshnode.Opcode = 0x803d
	opConfigModelAppStatus meshnode.Opcode = 0x803e
)

var ErrMalformedMessage = errors.New("malformed access message")

// encodeOpcode writes the 1, 2 or 3 byte form of op.
func encodeOpcode(op meshnode.Opcode) []byte {
	switch {
	case op < 0x7f:
		return []byte{byte(op)}
	case op <= 0xffff:
		return []byte{byte(op >> 8), byte(op)}
	default:
		return []byte{byte(op >> 16), byte(op >> 8), byte(op)}
	}
}

// decodeOpcode splits an access payload into opcode and parameters. The two
// high bits of the first octet give the opcode length.
func decodeOpcode(data []byte) (meshnode.Opcode, []byte, error) {
	if len(data) == 0 {
		return 0, nil, fmt.Errorf("%w: empty", ErrMalformedMessage)
	}
	var n int
	switch data[0] >> 6 {
	case 0b00, 0b01:
		if data[0] == 0x7f {
			return 0, nil, fmt.Errorf("%w: reserved opcode", ErrMalformedMessage)
		}
		n = 1
	case 0b10:
		n = 2
	default:
		n = 3
	}
	if len(data) < n {
		return 0, nil, fmt.Errorf("%w: truncated opcode", ErrMalformedMessage)
	}
	var op meshnode.Opcode
	for _, b := range data[:n] {
		op = op<<8 | meshnode.Opcode(b)
	}
	return op, data[n:], nil
}

// encodeOnOff builds the access payload for an OnOff message. tid is only
// used by the set messages.
func encodeOnOff(env meshnode.Envelope, tid uint8) ([]byte, error) {
	out := encodeOpcode(env.Opcode)
	switch env.Opcode {
	case meshnode.OpOnOffGet:
	case meshnode.OpOnOffSet, meshnode.OpOnOffSetUnack:
		out = append(out, byte(env.OnOff), tid)
	case meshnode.OpOnOffStatus:
		out = append(out, byte(env.OnOff))
	default:
		return nil, fmt.Errorf("encode %s: unsupported opcode", env.Opcode)
	}
	return out, nil
}

// decodeOnOff parses an OnOff access payload received from source.
// Optional transition fields are ignored.
func decodeOnOff(source, destination meshnode.Address, keyIndex meshnode.KeyIndex, data []byte) (meshnode.Envelope, error) {
	op, params, err := decodeOpcode(data)
	if err != nil {
		return meshnode.Envelope{}, err
	}
	env := meshnode.Envelope{
		Opcode:      op,
		Source:      source,
		Destination: destination,
		AppKeyIndex: keyIndex,
	}
	switch op {
	case meshnode.OpOnOffGet:
		return env, nil
	case meshnode.OpOnOffSet, meshnode.OpOnOffSetUnack:
		if len(params) < 2 {
			return meshnode.Envelope{}, fmt.Errorf("%w: %s needs onoff and tid", ErrMalformedMessage, op)
		}
	case meshnode.OpOnOffStatus:
		if len(params) < 1 {
			return meshnode.Envelope{}, fmt.Errorf("%w: %s needs present onoff", ErrMalformedMessage, op)
		}
	default:
		return meshnode.Envelope{}, fmt.Errorf("%w: unsupported opcode %s", ErrMalformedMessage, op)
	}
	v, err := meshnode.ParseOnOff(params[0])
	if err != nil {
		return meshnode.Envelope{}, err
	}
	env.OnOff = v
	return env, nil
}

// encodeAppBind builds a Config Model App Bind for a SIG model.
func encodeAppBind(element meshnode.Address, appIndex meshnode.KeyIndex, model meshnode.ModelID) []byte {
	out := encodeOpcode(opConfigModelAppBind)
	out = binary.LittleEndian.AppendUint16(out, uint16(element))
	out = binary.LittleEndian.AppendUint16(out, uint16(appIndex))
	out = binary.LittleEndian.AppendUint16(out, uint16(model))
	return out
}

type appBindStatus struct {
	Status   meshnode.StatusCode
	Element  meshnode.Address
	AppIndex meshnode.KeyIndex
	Model    meshnode.ModelID
}

// decodeAppBindStatus parses Config Model App Status parameters for a SIG
// model.
func decodeAppBindStatus(params []byte) (appBindStatus, error) {
	if len(params) != 7 {
		return appBindStatus{}, fmt.Errorf("%w: model app status is %d bytes", ErrMalformedMessage, len(params))
	}
	return appBindStatus{
		Status:   meshnode.StatusCode(params[0]),
		Element:  meshnode.Address(binary.LittleEndian.Uint16(params[1:3])),
		AppIndex: meshnode.KeyIndex(binary.LittleEndian.Uint16(params[3:5])),
		Model:    meshnode.ModelID(binary.LittleEndian.Uint16(params[5:7])),
	}, nil
}
