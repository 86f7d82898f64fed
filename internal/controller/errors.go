package controller

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shipped/shipped/internal/compose"
)

// ErrNotGitStack is returned when an update check is requested for a file stack.
var ErrNotGitStack = errors.New("check only works on git type stacks")

// GitError wraps a failed worktree operation.
type GitError struct {
	Op    string
	Stack string
	Err   error
}

func (e *GitError) Error() string {
	return fmt.Sprintf("git %s failed for %s: %v", e.Op, e.Stack, e.Err)
}

func (e *GitError) Unwrap() error {
	return e.Err
}

// ContainerError wraps a failed compose operation.
type ContainerError struct {
	Op    string
	Stack string
	Err   error
}

func (e *ContainerError) Error() string {
	return fmt.Sprintf("compose %s failed for %s: %v", e.Op, e.Stack, e.Err)
}

func (e *ContainerError) Unwrap() error {
	return e.Err
}

// ExitCode returns the compose exit code, or -1 when the command never ran.
func (e *ContainerError) ExitCode() int {
	var cmdErr *compose.CommandError
	if errors.As(e.Err, &cmdErr) {
		return cmdErr.Result.ExitCode
	}
	return -1
}

// RevertError aggregates every failure hit while rolling a stack back.
type RevertError struct {
	Stack string
	Errs  []error
}

func (e *RevertError) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("failed to revert changes for %s: %s", e.Stack, strings.Join(msgs, "; "))
}

func (e *RevertError) Unwrap() []error {
	return e.Errs
}

// ConfigError reports an invalid stack field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
