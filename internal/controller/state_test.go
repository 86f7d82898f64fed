package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckState_MarkIfDue(t *testing.T) {
	s := NewCheckState()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	_, ok := s.LastStarted("web")
	assert.False(t, ok)

	assert.True(t, s.MarkIfDue("web", now, 15*time.Minute))
	assert.False(t, s.MarkIfDue("web", now.Add(14*time.Minute), 15*time.Minute))
	assert.True(t, s.MarkIfDue("web", now.Add(15*time.Minute), 15*time.Minute))

	last, ok := s.LastStarted("web")
	require.True(t, ok)
	assert.Equal(t, now.Add(15*time.Minute), last)

	assert.True(t, s.MarkIfDue("api", now, 15*time.Minute))
}

func TestStackLocks(t *testing.T) {
	locks := NewStackLocks()

	require.NoError(t, locks.Lock(context.Background(), "web"))
	assert.False(t, locks.TryLock("web"))
	assert.True(t, locks.TryLock("api"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, locks.Lock(ctx, "web"), context.DeadlineExceeded)

	locks.Unlock("web")
	assert.True(t, locks.TryLock("web"))
	locks.Unlock("web")
	locks.Unlock("api")
}
