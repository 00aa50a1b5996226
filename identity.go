package meshnode

import (
	"fmt"

	"github.com/google/uuid"
)

// Token is the opaque credential the mesh stack hands out after a node first
// joins or creates a network. Presenting it again resumes the same identity.
type Token uint64

func (t Token) String() string {
	return fmt.Sprintf("%016x", uint64(t))
}

// Identity is what a node presents to the mesh stack.
type Identity struct {
	Name      string
	UUID      uuid.UUID
	Address   Address
	DeviceKey Key
	Token     Token
}

// Attached reports whether the identity already holds a session token.
func (id Identity) Attached() bool {
	return id.Token != 0
}
