package onoff

import (
	"sync"

	"meshnode"
)

// State is the on/off value of one model instance. The zero value is Off and
// ready to use. Reads and writes are serialized so a reader always sees a
// value some writer stored.
type State struct {
	mu    sync.Mutex
	value meshnode.OnOff
}

// Get returns the current value.
func (s *State) Get() meshnode.OnOff {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Set stores v and returns the value it replaced.
func (s *State) Set(v meshnode.OnOff) meshnode.OnOff {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.value
	s.value = v
	return prev
}
