package idempotency

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUIDGenerator_Next_IsUniqueUUID(t *testing.T) {
	var g UUIDGenerator

	seen := make(map[string]struct{})
	for range 1000 {
		key := g.Next()
		parsed, err := uuid.Parse(key)
		require.NoError(t, err)
		assert.Equal(t, uuid.Version(4), parsed.Version())

		_, dup := seen[key]
		require.False(t, dup, "duplicate key %s", key)
		seen[key] = struct{}{}
	}
}

func TestSequence_Next(t *testing.T) {
	s := &Sequence{Prefix: "attempt"}
	assert.Equal(t, "attempt-1", s.Next())
	assert.Equal(t, "attempt-2", s.Next())

	var empty Sequence
	assert.Equal(t, "key-1", empty.Next())
}

func TestValid(t *testing.T) {
	assert.True(t, Valid(UUIDGenerator{}.Next()))
	assert.True(t, Valid("attempt-1"))
	assert.False(t, Valid(""))
	assert.False(t, Valid("has space"))
	assert.False(t, Valid("ключ"))
}
