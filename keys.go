package meshnode

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// KeyIndex is the 12-bit global index of a network or application key.
type KeyIndex uint16

// MaxKeyIndex is the highest index a key can be stored under.
const MaxKeyIndex KeyIndex = 0x0fff

// Valid reports whether i fits in 12 bits.
func (i KeyIndex) Valid() bool {
	return i <= MaxKeyIndex
}

// Key is a 128-bit mesh key: network, application or device.
type Key [16]byte

// ParseKey decodes a key from its 32-character hex form.
func ParseKey(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("decode key: %w", err)
	}
	if len(b) != len(k) {
		return k, fmt.Errorf("key must be %d bytes, got %d", len(k), len(b))
	}
	copy(k[:], b)
	return k, nil
}

// GenerateKey returns a random key.
func GenerateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return k, fmt.Errorf("generate key: %w", err)
	}
	return k, nil
}

// IsZero reports whether the key was never set.
func (k Key) IsZero() bool {
	return k == Key{}
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// NetKey is a network key stored under a key index.
type NetKey struct {
	Index KeyIndex
	Key   Key
}

// AppKey is an application key bound to the network key at NetIndex.
type AppKey struct {
	NetIndex KeyIndex
	Index    KeyIndex
	Key      Key
}

// Keys is the key material a provisioner configures on itself and hands to
// the nodes it admits.
type Keys struct {
	Net NetKey
	App AppKey
}

// Validate checks index ranges and that the application key belongs to the
// network key.
func (k Keys) Validate() error {
	if !k.Net.Index.Valid() {
		return fmt.Errorf("network key index %d out of range", k.Net.Index)
	}
	if !k.App.Index.Valid() {
		return fmt.Errorf("application key index %d out of range", k.App.Index)
	}
	if k.App.NetIndex != k.Net.Index {
		return fmt.Errorf("application key bound to network key %d, have %d", k.App.NetIndex, k.Net.Index)
	}
	if k.Net.Key.IsZero() || k.App.Key.IsZero() {
		return fmt.Errorf("keys must not be zero")
	}
	return nil
}
