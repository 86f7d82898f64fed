package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shipped/shipped/internal/api"
	"github.com/shipped/shipped/internal/notify"
)

// StackLister lists the persisted stacks.
type StackLister interface {
	ListStacks(ctx context.Context) ([]*api.Stack, error)
}

// StackReconciler runs one update check for a stack.
type StackReconciler interface {
	Reconcile(ctx context.Context, stack *api.Stack) (Outcome, error)
}

// Scheduler checks every git stack for upstream changes at its own fetch interval.
type Scheduler struct {
	Stacks       StackLister
	Reconciler   StackReconciler
	Notifier     notify.Notifier
	State        *CheckState
	TickInterval time.Duration
	Logger       *slog.Logger
	Now          func() time.Time

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler ticking every tick.
func NewScheduler(stacks StackLister, reconciler StackReconciler, notifier notify.Notifier, tick time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		Stacks:       stacks,
		Reconciler:   reconciler,
		Notifier:     notifier,
		State:        NewCheckState(),
		TickInterval: tick,
		Logger:       logger,
		Now:          time.Now,
	}
}

// Run ticks until ctx is cancelled. In-flight checks are not waited for; see Wait.
func (s *Scheduler) Run(ctx context.Context) {
	s.Tick(ctx)

	ticker := time.NewTicker(s.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Logger.Info("Scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick dispatches a check for every due git stack and returns without waiting for them.
// A tick that starts while another is still dispatching is skipped.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.Logger.Warn("Previous tick still dispatching, skipping")
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	stacks, err := s.Stacks.ListStacks(ctx)
	if err != nil {
		s.Logger.Error("Failed to list stacks", "error", err)
		return
	}

	now := s.Now()
	for _, stack := range stacks {
		if !stack.IsGit() {
			continue
		}

		interval := IntervalDuration(stack.FetchInterval)
		if !s.State.MarkIfDue(stack.Name, now, interval) {
			continue
		}

		s.Logger.Debug("Checking for updates", "stack", stack.Name, "repo", stack.URL, "interval", interval)
		s.wg.Add(1)
		go s.check(context.WithoutCancel(ctx), stack)
	}
}

// Wait blocks until every dispatched check has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) check(ctx context.Context, stack *api.Stack) {
	defer s.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			s.Logger.Error("Update check panicked", "stack", stack.Name, "panic", rec)
			s.Notifier.Notify(stack, notify.EventCheckFailed, "Failed to check for updates", fmt.Sprint(rec))
		}
	}()

	outcome, err := s.Reconciler.Reconcile(ctx, stack)
	if err != nil {
		s.Logger.Error("Failed to check for updates", "stack", stack.Name, "error", err)
		s.Notifier.Notify(stack, notify.EventCheckFailed, "Failed to check for updates", err.Error())
		return
	}

	if !outcome.Updated {
		s.Logger.Debug("No updates found", "stack", stack.Name)
		return
	}
	s.Notifier.Notify(stack, notify.EventStackUpdated, "Stack updated",
		fmt.Sprintf("Updated from %s to %s", outcome.FromRevision, outcome.ToRevision))
}
