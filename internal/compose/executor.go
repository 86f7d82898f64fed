package compose

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/shipped/shipped/internal/api"
)

// DefaultLogTail is the number of log lines returned when no tail is given.
const DefaultLogTail = 100

// Project identifies one compose project on disk.
type Project struct {
	Name string // compose project name (-p)
	Dir  string // working directory
	File string // compose file relative to Dir; empty lets compose discover it
}

// Executor drives docker compose for stacks under StacksDir.
type Executor struct {
	StacksDir string
	Runner    Runner
	Logger    *slog.Logger
}

// NewExecutor creates an executor that shells out to the docker CLI.
func NewExecutor(stacksDir string, logger *slog.Logger) *Executor {
	return &Executor{
		StacksDir: stacksDir,
		Runner:    NewExecRunner(logger),
		Logger:    logger,
	}
}

// ProjectFor returns the compose project of a stack.
func (e *Executor) ProjectFor(stack *api.Stack) Project {
	project := Project{
		Name: composeProjectName(stack.Name),
		Dir:  filepath.Join(e.StacksDir, stack.Name),
	}
	if stack.IsGit() {
		project.File = strings.TrimSpace(stack.ComposePath)
	} else {
		project.File = ComposeFileName
	}
	return project
}

// Pull pulls every image referenced by the stack.
func (e *Executor) Pull(ctx context.Context, stack *api.Stack) (Result, error) {
	e.Logger.Info("Pulling images", "stack", stack.Name)
	return e.run(ctx, e.ProjectFor(stack), "pull")
}

// Up creates and starts the stack's containers in the background.
func (e *Executor) Up(ctx context.Context, stack *api.Stack) (Result, error) {
	e.Logger.Info("Starting containers", "stack", stack.Name)
	return e.run(ctx, e.ProjectFor(stack), "up", "-d", "--remove-orphans")
}

// Down stops and removes the stack's containers, and its volumes when removeVolumes is set.
func (e *Executor) Down(ctx context.Context, stack *api.Stack, removeVolumes bool) (Result, error) {
	e.Logger.Info("Stopping containers", "stack", stack.Name, "remove_volumes", removeVolumes)
	args := []string{"down", "--remove-orphans"}
	if removeVolumes {
		args = append(args, "--volumes")
	}
	return e.run(ctx, e.ProjectFor(stack), args...)
}

// Restart restarts the stack's containers.
func (e *Executor) Restart(ctx context.Context, stack *api.Stack) (Result, error) {
	e.Logger.Info("Restarting containers", "stack", stack.Name)
	return e.run(ctx, e.ProjectFor(stack), "restart")
}

// Status reports the aggregate state and containers of a stack.
func (e *Executor) Status(ctx context.Context, stack *api.Stack) (api.StackStatus, []api.Container, error) {
	result, err := e.run(ctx, e.ProjectFor(stack), "ps", "--all", "--format", "json")
	if err != nil {
		return api.StatusDown, nil, err
	}

	containers, err := parsePS(result.Stdout)
	if err != nil {
		return api.StatusDown, nil, fmt.Errorf("parse compose ps output: %w", err)
	}
	return aggregateStatus(containers), containers, nil
}

// Logs returns the last tail lines of one service's logs with timestamps.
func (e *Executor) Logs(ctx context.Context, stack *api.Stack, service string, tail int) (string, error) {
	if tail <= 0 {
		tail = DefaultLogTail
	}
	result, err := e.run(ctx, e.ProjectFor(stack), "logs", "--tail", strconv.Itoa(tail), "--timestamps", service)
	if err != nil {
		return "", err
	}
	return result.Stdout, nil
}

func (e *Executor) run(ctx context.Context, project Project, args ...string) (Result, error) {
	full := []string{"compose", "-p", project.Name}
	if project.File != "" {
		full = append(full, "-f", project.File)
	}
	full = append(full, args...)
	return e.Runner.Run(ctx, project.Dir, full...)
}

func composeProjectName(name string) string {
	const fallback = "shipped-stack"
	raw := strings.ToLower(strings.TrimSpace(name))

	var b strings.Builder
	for _, r := range raw {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r), r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}

	project := strings.Trim(b.String(), "-_")
	if project == "" {
		return fallback
	}
	return project
}
