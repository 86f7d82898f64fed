package controller

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// CheckState records when each stack's last scheduled check started.
// Entries are never pruned; a deleted stack leaves a harmless stale timestamp.
type CheckState struct {
	mu          sync.Mutex
	lastStarted map[string]time.Time
}

// NewCheckState creates an empty check history.
func NewCheckState() *CheckState {
	return &CheckState{lastStarted: make(map[string]time.Time)}
}

// MarkIfDue stamps name with now and returns true when interval has elapsed
// since its last start, or when it was never checked.
func (s *CheckState) MarkIfDue(name string, now time.Time, interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.lastStarted[name]; ok && now.Sub(last) < interval {
		return false
	}
	s.lastStarted[name] = now
	return true
}

// LastStarted returns the last check start time of a stack.
func (s *CheckState) LastStarted(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastStarted[name]
	return last, ok
}

// StackLocks serializes work on the same stack: reconciliation, creation,
// deletion, patches and container lifecycle calls.
type StackLocks struct {
	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

// NewStackLocks creates a lock set with no stacks held.
func NewStackLocks() *StackLocks {
	return &StackLocks{locks: make(map[string]*semaphore.Weighted)}
}

// Lock blocks until the stack is free or ctx ends.
func (l *StackLocks) Lock(ctx context.Context, name string) error {
	return l.get(name).Acquire(ctx, 1)
}

// TryLock acquires the stack lock only if it is free.
func (l *StackLocks) TryLock(name string) bool {
	return l.get(name).TryAcquire(1)
}

func (l *StackLocks) Unlock(name string) {
	l.get(name).Release(1)
}

func (l *StackLocks) get(name string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()

	sem, ok := l.locks[name]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.locks[name] = sem
	}
	return sem
}
