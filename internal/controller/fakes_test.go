package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/shipped/shipped/internal/api"
	"github.com/shipped/shipped/internal/compose"
	"github.com/shipped/shipped/internal/gitops"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// callLog records the order of primitive calls across fakes.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) has(call string) bool {
	for _, c := range l.all() {
		if c == call {
			return true
		}
	}
	return false
}

// fakeWorktree models a checkout whose HEAD moves on reset.
type fakeWorktree struct {
	log      *callLog
	baseDir  string
	mu       sync.Mutex
	head     gitops.Revision
	upstream gitops.Revision
	behind   int

	cloneErr    error
	reopenErr   error
	statusErr   error
	fetchErr    error
	resetErr    error
	revertErr   error
	removeErr   error
	clones      int
	removed     []string
	beforeClone func()
}

func newFakeWorktree(log *callLog) *fakeWorktree {
	return &fakeWorktree{
		log:      log,
		head:     "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		upstream: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		behind:   2,
	}
}

func (f *fakeWorktree) EnsureClone(_ context.Context, stack *api.Stack) (*gitops.Handle, error) {
	if f.beforeClone != nil {
		f.beforeClone()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clones++
	f.log.add("git.ensure_clone")
	if f.cloneErr != nil {
		return nil, f.cloneErr
	}
	if f.clones > 1 && f.reopenErr != nil {
		return nil, f.reopenErr
	}
	return &gitops.Handle{Name: stack.Name, Branch: stack.Branch, Dir: f.Dir(stack.Name)}, nil
}

func (f *fakeWorktree) Status(context.Context, *gitops.Handle) (gitops.Status, error) {
	f.log.add("git.status")
	if f.statusErr != nil {
		return gitops.Status{}, f.statusErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return gitops.Status{Behind: f.behind, Upstream: f.upstream}, nil
}

func (f *fakeWorktree) FetchAll(context.Context, *gitops.Handle) error {
	f.log.add("git.fetch")
	return f.fetchErr
}

func (f *fakeWorktree) HardReset(_ context.Context, h *gitops.Handle, ref string) error {
	f.log.add("git.reset %s", ref)
	f.mu.Lock()
	defer f.mu.Unlock()

	if ref == "origin/"+h.Branch {
		if f.resetErr != nil {
			return f.resetErr
		}
		f.head = f.upstream
		return nil
	}
	if f.revertErr != nil {
		return f.revertErr
	}
	f.head = gitops.Revision(ref)
	return nil
}

func (f *fakeWorktree) LatestCommit(_ *gitops.Handle, _ string) gitops.Revision {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head
}

func (f *fakeWorktree) CurrentCommit(string) gitops.Revision {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head
}

func (f *fakeWorktree) Dir(name string) string {
	return filepath.Join(f.baseDir, name)
}

func (f *fakeWorktree) Remove(name string) error {
	f.log.add("git.remove %s", name)
	if f.removeErr != nil {
		return f.removeErr
	}
	f.mu.Lock()
	f.removed = append(f.removed, name)
	f.mu.Unlock()
	if f.baseDir != "" {
		return os.RemoveAll(f.Dir(name))
	}
	return nil
}

// fakeStacks is a compose driver that fails calls by operation name.
type fakeStacks struct {
	log        *callLog
	mu         sync.Mutex
	fail       map[string][]error
	status     api.StackStatus
	containers []api.Container
	logs       string
	files      map[string][2]string
}

func newFakeStacks(log *callLog) *fakeStacks {
	return &fakeStacks{
		log:    log,
		fail:   map[string][]error{},
		status: api.StatusActive,
		files:  map[string][2]string{},
	}
}

// failNext queues errors returned by successive calls of op.
func (f *fakeStacks) failNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = append(f.fail[op], errs...)
}

func (f *fakeStacks) call(op string) (compose.Result, error) {
	f.log.add("compose.%s", op)
	f.mu.Lock()
	defer f.mu.Unlock()
	queue := f.fail[op]
	if len(queue) == 0 {
		return compose.Result{Stdout: op + " ok"}, nil
	}
	err := queue[0]
	f.fail[op] = queue[1:]
	if err == nil {
		return compose.Result{Stdout: op + " ok"}, nil
	}
	result := compose.Result{ExitCode: 1, Stderr: err.Error()}
	return result, &compose.CommandError{Command: "docker compose " + op, Result: result, Err: err}
}

func (f *fakeStacks) Pull(context.Context, *api.Stack) (compose.Result, error) {
	return f.call("pull")
}

func (f *fakeStacks) Up(context.Context, *api.Stack) (compose.Result, error) {
	return f.call("up")
}

func (f *fakeStacks) Down(_ context.Context, _ *api.Stack, removeVolumes bool) (compose.Result, error) {
	if removeVolumes {
		return f.call("down-volumes")
	}
	return f.call("down")
}

func (f *fakeStacks) Restart(context.Context, *api.Stack) (compose.Result, error) {
	return f.call("restart")
}

func (f *fakeStacks) Status(context.Context, *api.Stack) (api.StackStatus, []api.Container, error) {
	if _, err := f.call("ps"); err != nil {
		return api.StatusDown, nil, err
	}
	return f.status, f.containers, nil
}

func (f *fakeStacks) Logs(_ context.Context, _ *api.Stack, service string, tail int) (string, error) {
	if _, err := f.call(fmt.Sprintf("logs %s %d", service, tail)); err != nil {
		return "", err
	}
	return f.logs, nil
}

func (f *fakeStacks) WriteStackFiles(name string, composeFile, envFile *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	current := f.files[name]
	if composeFile != nil {
		current[0] = *composeFile
	}
	if envFile != nil {
		current[1] = *envFile
	}
	f.files[name] = current
	return nil
}

func (f *fakeStacks) ReadStackFiles(name string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.files[name]
	if !ok {
		return "", "", os.ErrNotExist
	}
	return current[0], current[1], nil
}

func (f *fakeStacks) Version(context.Context) (compose.Toolchain, error) {
	return compose.Toolchain{ClientVersion: "27.0.0", ComposeVersion: "2.29.0"}, nil
}

type notification struct {
	Stack   string
	Event   string
	Title   string
	Message string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *fakeNotifier) Notify(stack *api.Stack, event, title, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	name := ""
	if stack != nil {
		name = stack.Name
	}
	n.sent = append(n.sent, notification{Stack: name, Event: event, Title: title, Message: message})
}

func (n *fakeNotifier) all() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.sent...)
}

func (n *fakeNotifier) events() []string {
	var events []string
	for _, s := range n.all() {
		events = append(events, s.Event)
	}
	return events
}

var errBoom = errors.New("boom")

func gitStack(name string) *api.Stack {
	return &api.Stack{
		Name:          name,
		Kind:          api.StackKindGit,
		URL:           "https://example.com/org/" + name + ".git",
		Branch:        "main",
		FetchInterval: "15m",
	}
}
