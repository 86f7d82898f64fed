package controller

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shipped/shipped/internal/api"
	"github.com/shipped/shipped/internal/compose"
	"github.com/shipped/shipped/internal/gitops"
	"github.com/shipped/shipped/internal/notify"
)

// Phase is a step of one reconciliation.
type Phase string

const (
	PhaseChecking           Phase = "checking"
	PhaseFetching           Phase = "fetching"
	PhaseResetting          Phase = "resetting"
	PhasePullingImages      Phase = "pulling_images"
	PhaseStartingContainers Phase = "starting_containers"
	PhaseStoppingContainers Phase = "stopping_containers"
	PhaseRevertingWorktree  Phase = "reverting_worktree"
	PhaseRevertingStack     Phase = "reverting_containers"
	PhaseUpToDate           Phase = "up_to_date"
	PhaseDone               Phase = "done"
	PhaseFailed             Phase = "failed"
	PhaseReverted           Phase = "reverted"
	PhaseRevertFailed       Phase = "revert_failed"
)

// Transition is reported to the observer on every phase change.
// Err is set for PhaseFailed (the triggering error) and PhaseRevertFailed (*RevertError).
type Transition struct {
	Stack string
	RunID string
	Phase Phase
	Err   error
}

// Worktree is the git checkout primitive used by the reconciler.
type Worktree interface {
	EnsureClone(ctx context.Context, stack *api.Stack) (*gitops.Handle, error)
	Status(ctx context.Context, h *gitops.Handle) (gitops.Status, error)
	FetchAll(ctx context.Context, h *gitops.Handle) error
	HardReset(ctx context.Context, h *gitops.Handle, ref string) error
	LatestCommit(h *gitops.Handle, ref string) gitops.Revision
}

// ContainerDriver is the compose lifecycle primitive used by the reconciler.
type ContainerDriver interface {
	Pull(ctx context.Context, stack *api.Stack) (compose.Result, error)
	Up(ctx context.Context, stack *api.Stack) (compose.Result, error)
	Down(ctx context.Context, stack *api.Stack, removeVolumes bool) (compose.Result, error)
}

// Outcome is the result of one reconciliation. Revisions are set only when Updated.
type Outcome struct {
	Updated      bool            `json:"updated"`
	FromRevision gitops.Revision `json:"from,omitempty"`
	ToRevision   gitops.Revision `json:"to,omitempty"`
}

// Reconciler runs check-fetch-deploy-or-revert cycles for git stacks.
type Reconciler struct {
	Worktree   Worktree
	Containers ContainerDriver
	Notifier   notify.Notifier
	Locks      *StackLocks
	Logger     *slog.Logger
	Observe    func(Transition)
}

// NewReconciler creates a reconciler.
func NewReconciler(worktree Worktree, containers ContainerDriver, notifier notify.Notifier, locks *StackLocks, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		Worktree:   worktree,
		Containers: containers,
		Notifier:   notifier,
		Locks:      locks,
		Logger:     logger,
	}
}

type run struct {
	id     string
	stack  *api.Stack
	logger *slog.Logger
}

// Reconcile performs one update check for stack and deploys upstream changes.
// On a deploy failure it reverts when the stack asks for it; the triggering
// error is always the one returned.
func (r *Reconciler) Reconcile(ctx context.Context, stack *api.Stack) (Outcome, error) {
	if !stack.IsGit() {
		return Outcome{}, ErrNotGitStack
	}

	if r.Locks != nil {
		if err := r.Locks.Lock(ctx, stack.Name); err != nil {
			return Outcome{}, fmt.Errorf("wait for stack lock: %w", err)
		}
		defer r.Locks.Unlock(stack.Name)
	}

	id := uuid.NewString()
	rn := &run{
		id:     id,
		stack:  stack,
		logger: r.Logger.With("stack", stack.Name, "run_id", id),
	}

	r.enter(rn, PhaseChecking, nil)
	handle, err := r.Worktree.EnsureClone(ctx, stack)
	if err != nil {
		return r.abort(rn, &GitError{Op: "clone", Stack: stack.Name, Err: err})
	}

	status, err := r.Worktree.Status(ctx, handle)
	if err != nil {
		return r.abort(rn, &GitError{Op: "status", Stack: stack.Name, Err: err})
	}
	if status.Behind == 0 {
		r.enter(rn, PhaseUpToDate, nil)
		return Outcome{}, nil
	}

	from := r.Worktree.LatestCommit(handle, "HEAD")
	to := status.Upstream
	rn.logger.Info("Stack is behind upstream", "behind", status.Behind, "from", from.Short(), "to", to.Short(), "branch", handle.Branch)

	r.enter(rn, PhaseFetching, nil)
	if err := r.Worktree.FetchAll(ctx, handle); err != nil {
		// nothing local changed yet
		return Outcome{}, r.fail(ctx, rn, from, &GitError{Op: "fetch", Stack: stack.Name, Err: err}, false, false)
	}

	r.enter(rn, PhaseResetting, nil)
	if err := r.Worktree.HardReset(ctx, handle, "origin/"+handle.Branch); err != nil {
		return Outcome{}, r.fail(ctx, rn, from, &GitError{Op: "reset", Stack: stack.Name, Err: err}, true, false)
	}
	if head := r.Worktree.LatestCommit(handle, "HEAD"); head.Valid() {
		to = head
	}

	r.enter(rn, PhasePullingImages, nil)
	if _, err := r.Containers.Pull(ctx, stack); err != nil {
		return Outcome{}, r.fail(ctx, rn, from, &ContainerError{Op: "pull", Stack: stack.Name, Err: err}, true, false)
	}

	r.enter(rn, PhaseStartingContainers, nil)
	if _, err := r.Containers.Up(ctx, stack); err != nil {
		upErr := &ContainerError{Op: "up", Stack: stack.Name, Err: err}

		// a half-started deployment must not linger
		r.enter(rn, PhaseStoppingContainers, nil)
		if _, downErr := r.Containers.Down(context.WithoutCancel(ctx), stack, false); downErr != nil {
			rn.logger.Warn("Failed to stop containers after failed start", "error", downErr)
		}
		return Outcome{}, r.fail(ctx, rn, from, upErr, true, true)
	}

	r.enter(rn, PhaseDone, nil)
	rn.logger.Info("Updated stack", "from", from.String(), "to", to.String())
	return Outcome{Updated: true, FromRevision: from, ToRevision: to}, nil
}

// abort ends a run that failed before anything was changed or announced.
func (r *Reconciler) abort(rn *run, err error) (Outcome, error) {
	r.enter(rn, PhaseFailed, err)
	return Outcome{}, err
}

// fail announces a deploy failure and reverts when revertable and enabled.
// The returned error is always cause.
func (r *Reconciler) fail(ctx context.Context, rn *run, from gitops.Revision, cause error, revertable, dockerChanged bool) error {
	r.enter(rn, PhaseFailed, cause)
	rn.logger.Error("Failed to update stack", "error", cause, "docker_changed", dockerChanged)

	willRevert := revertable && rn.stack.RevertOnFailure
	var msg strings.Builder
	fmt.Fprintf(&msg, "Failed to update the stack %s (%s)\nError: %s", rn.stack.Name, rn.stack.URL, cause.Error())
	if willRevert {
		msg.WriteString("\nReverting changes")
	}
	r.Notifier.Notify(rn.stack, notify.EventUpdateFailed, "Failed to update", msg.String())

	if willRevert {
		r.revert(context.WithoutCancel(ctx), rn, from, dockerChanged)
	}
	return cause
}

// revert restores the worktree to from and, when containers were touched,
// recreates them from the restored compose definition. Every step runs even
// if an earlier one failed.
func (r *Reconciler) revert(ctx context.Context, rn *run, from gitops.Revision, dockerChanged bool) {
	stack := rn.stack
	var errs []error

	r.enter(rn, PhaseRevertingWorktree, nil)
	handle, err := r.Worktree.EnsureClone(ctx, stack)
	switch {
	case err != nil:
		errs = append(errs, &GitError{Op: "open", Stack: stack.Name, Err: err})
	case !from.Valid():
		errs = append(errs, &GitError{Op: "reset", Stack: stack.Name, Err: fmt.Errorf("no revision recorded to revert to")})
	default:
		if err := r.Worktree.HardReset(ctx, handle, string(from)); err != nil {
			errs = append(errs, &GitError{Op: "reset", Stack: stack.Name, Err: err})
		}
	}

	if dockerChanged {
		r.enter(rn, PhaseRevertingStack, nil)
		if _, err := r.Containers.Down(ctx, stack, false); err != nil {
			errs = append(errs, &ContainerError{Op: "down", Stack: stack.Name, Err: err})
		}
		if _, err := r.Containers.Up(ctx, stack); err != nil {
			errs = append(errs, &ContainerError{Op: "up", Stack: stack.Name, Err: err})
		}
	}

	if len(errs) == 0 {
		r.enter(rn, PhaseReverted, nil)
		rn.logger.Info("Reverted changes", "revision", from.String(), "docker_changed", dockerChanged)
		return
	}

	revertErr := &RevertError{Stack: stack.Name, Errs: errs}
	r.enter(rn, PhaseRevertFailed, revertErr)
	rn.logger.Error("Failed to revert changes", "error", revertErr)

	lines := make([]string, 0, len(errs))
	for _, e := range errs {
		lines = append(lines, e.Error())
	}
	r.Notifier.Notify(stack, notify.EventRevertFailed, "Failed to revert changes",
		fmt.Sprintf("Failed to revert changes for %s (%s)\nErrors: %s", stack.Name, stack.URL, strings.Join(lines, "\n")))
}

func (r *Reconciler) enter(rn *run, phase Phase, err error) {
	rn.logger.Debug("Reconcile phase", "phase", phase)
	if r.Observe != nil {
		r.Observe(Transition{Stack: rn.stack.Name, RunID: rn.id, Phase: phase, Err: err})
	}
}
