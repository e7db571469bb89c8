package wasm

import (
	"errors"
	"sync"
)

var errStateQuota = errors.New("host state quota exceeded")

// HostState is the per-instance key/value store behind host_set_state and
// host_get_state. It is bounded by a key count and a total byte size
// (keys plus values) and is discarded with the instance.
type HostState struct {
	mu       sync.Mutex
	entries  map[string][]byte
	size     int
	maxKeys  int
	maxBytes int
}

// NewHostState creates an empty store with the given quotas.
func NewHostState(maxKeys, maxBytes int) *HostState {
	return &HostState{
		entries:  make(map[string][]byte),
		maxKeys:  maxKeys,
		maxBytes: maxBytes,
	}
}

// Set stores a copy of value under key. It fails without modifying the
// store if the write would exceed a quota.
func (s *HostState) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := s.size + len(key) + len(value)
	old, exists := s.entries[key]
	if exists {
		size -= len(key) + len(old)
	} else if len(s.entries) >= s.maxKeys {
		return errStateQuota
	}
	if size > s.maxBytes {
		return errStateQuota
	}

	s.entries[key] = append([]byte(nil), value...)
	s.size = size
	return nil
}

// Get returns the value stored under key.
func (s *HostState) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[key]
	return v, ok
}

// Len returns the number of keys.
func (s *HostState) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Size returns the bytes charged against the quota.
func (s *HostState) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Clear removes every entry.
func (s *HostState) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.entries)
	s.size = 0
}
