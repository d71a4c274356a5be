package idempotency

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Generator produces idempotency keys for job submissions.
type Generator interface {
	Next() string
}

// UUIDGenerator returns random (v4) UUIDs rendered as text.
type UUIDGenerator struct{}

func (UUIDGenerator) Next() string {
	return uuid.NewString()
}

// Sequence is a deterministic Generator: prefix-1, prefix-2, ...
type Sequence struct {
	Prefix string

	mu sync.Mutex
	n  int
}

func (s *Sequence) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	prefix := s.Prefix
	if prefix == "" {
		prefix = "key"
	}
	return fmt.Sprintf("%s-%d", prefix, s.n)
}

// Valid reports whether key is usable as an idempotency key.
func Valid(key string) bool {
	if key == "" || len(key) > 128 {
		return false
	}
	for _, r := range key {
		if r <= ' ' || r > '~' {
			return false
		}
	}
	return true
}
