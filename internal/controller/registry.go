package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/shipped/shipped/internal/api"
	"github.com/shipped/shipped/internal/compose"
	"github.com/shipped/shipped/internal/gitops"
	"github.com/shipped/shipped/internal/notify"
	"github.com/shipped/shipped/internal/repoauth"
	"github.com/shipped/shipped/internal/store"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBranch        = "main"
	defaultFetchInterval = "15m"
	statusConcurrency    = 8
)

var stackNamePattern = regexp.MustCompile(`^[a-z0-9_-]{3,30}$`)

// Checkouts is the part of the git primitive the registry needs.
type Checkouts interface {
	EnsureClone(ctx context.Context, stack *api.Stack) (*gitops.Handle, error)
	CurrentCommit(name string) gitops.Revision
	Dir(name string) string
	Remove(name string) error
}

// Stacks is the compose primitive as used by the registry and HTTP layer.
type Stacks interface {
	ContainerDriver
	Restart(ctx context.Context, stack *api.Stack) (compose.Result, error)
	Status(ctx context.Context, stack *api.Stack) (api.StackStatus, []api.Container, error)
	Logs(ctx context.Context, stack *api.Stack, service string, tail int) (string, error)
	WriteStackFiles(name string, composeFile, envFile *string) error
	ReadStackFiles(name string) (string, string, error)
	Version(ctx context.Context) (compose.Toolchain, error)
}

// GitStackInput is the request body for creating a git stack.
type GitStackInput struct {
	Name                 string `json:"name"`
	URL                  string `json:"url"`
	Branch               string `json:"branch"`
	CloneDepth           int    `json:"cloneDepth"`
	FetchInterval        string `json:"fetchInterval"`
	RevertOnFailure      bool   `json:"revertOnFailure"`
	ComposePath          string `json:"composePath"`
	RepoAuthMethod       string `json:"repoAuthMethod"`
	DeployKey            string `json:"deployKey"`
	NotificationURL      string `json:"notificationUrl"`
	NotificationProvider string `json:"notificationProvider"`
}

// FileStackInput is the request body for creating a file stack.
type FileStackInput struct {
	Name                 string `json:"name"`
	ComposeFile          string `json:"composeFile"`
	EnvFile              string `json:"envFile"`
	NotificationURL      string `json:"notificationUrl"`
	NotificationProvider string `json:"notificationProvider"`
}

// StackPatch holds the mutable fields of a stack. Nil fields are left unchanged.
type StackPatch struct {
	URL                  *string `json:"url"`
	Branch               *string `json:"branch"`
	CloneDepth           *int    `json:"cloneDepth"`
	FetchInterval        *string `json:"fetchInterval"`
	RevertOnFailure      *bool   `json:"revertOnFailure"`
	ComposePath          *string `json:"composePath"`
	NotificationURL      *string `json:"notificationUrl"`
	NotificationProvider *string `json:"notificationProvider"`
	ComposeFile          *string `json:"composeFile"`
	EnvFile              *string `json:"envFile"`
}

// ContainerUpdate is the captured output of a pull and up.
type ContainerUpdate struct {
	Pull compose.Result `json:"pull"`
	Up   compose.Result `json:"up"`
}

// ContainerDetail is a container together with its recent logs.
type ContainerDetail struct {
	api.Container
	Logs string `json:"logs"`
}

// Registry manages the lifecycle of stacks: records, checkouts, files and containers.
type Registry struct {
	store     store.Store
	keys      *DeployKeys
	checkouts Checkouts
	stacks    Stacks
	notifier  notify.Notifier
	locks     *StackLocks
	logger    *slog.Logger
}

// NewRegistry creates a stack registry.
func NewRegistry(s store.Store, keys *DeployKeys, checkouts Checkouts, stacks Stacks, notifier notify.Notifier, locks *StackLocks, logger *slog.Logger) *Registry {
	return &Registry{
		store:     s,
		keys:      keys,
		checkouts: checkouts,
		stacks:    stacks,
		notifier:  notifier,
		locks:     locks,
		logger:    logger,
	}
}

// ValidateName checks a stack name against the allowed pattern.
func ValidateName(name string) error {
	if !stackNamePattern.MatchString(name) {
		return &ConfigError{Field: "name", Reason: "must match ^[a-z0-9_-]{3,30}$"}
	}
	return nil
}

func validateNotification(url, provider string) error {
	if !notify.ValidProvider(provider) {
		return &ConfigError{Field: "notificationProvider", Reason: fmt.Sprintf("unsupported provider %q", provider)}
	}
	if (url == "") != (provider == "") {
		return &ConfigError{Field: "notificationUrl", Reason: "url and provider must be set together"}
	}
	return nil
}

func validateFetchInterval(spec string) error {
	_, err := ParseInterval(spec)
	return err
}

// CreateGitStack persists, clones and starts a git stack. When the stack was
// persisted and cloned but its containers failed to start, the stack is
// returned together with a *ContainerError.
func (r *Registry) CreateGitStack(ctx context.Context, in GitStackInput) (*api.Stack, error) {
	stack := &api.Stack{
		Name:                 strings.TrimSpace(in.Name),
		Kind:                 api.StackKindGit,
		URL:                  strings.TrimSpace(in.URL),
		Branch:               strings.TrimSpace(in.Branch),
		CloneDepth:           in.CloneDepth,
		FetchInterval:        strings.TrimSpace(in.FetchInterval),
		RevertOnFailure:      in.RevertOnFailure,
		ComposePath:          strings.TrimSpace(in.ComposePath),
		NotificationURL:      strings.TrimSpace(in.NotificationURL),
		NotificationProvider: strings.TrimSpace(in.NotificationProvider),
	}
	if stack.Branch == "" {
		stack.Branch = defaultBranch
	}
	if stack.FetchInterval == "" {
		stack.FetchInterval = defaultFetchInterval
	}

	deployKey := repoauth.NormalizeDeployKey(in.DeployKey)
	stack.RepoAuthMethod = repoauth.NormalizeMethod(in.RepoAuthMethod)
	if strings.TrimSpace(in.RepoAuthMethod) == "" && deployKey != "" {
		stack.RepoAuthMethod = repoauth.MethodDeployKey
	}

	if err := ValidateName(stack.Name); err != nil {
		return nil, err
	}
	if stack.RepoAuthMethod == "" {
		return nil, &ConfigError{Field: "repoAuthMethod", Reason: fmt.Sprintf("unsupported method %q", in.RepoAuthMethod)}
	}
	if stack.CloneDepth < -1 {
		return nil, &ConfigError{Field: "cloneDepth", Reason: "must be -1, 0 or positive"}
	}
	if err := validateFetchInterval(stack.FetchInterval); err != nil {
		return nil, err
	}
	if err := validateNotification(stack.NotificationURL, stack.NotificationProvider); err != nil {
		return nil, err
	}
	if err := repoauth.ValidateStackInput(stack.URL, stack.RepoAuthMethod, deployKey); err != nil {
		return nil, &ConfigError{Field: "url", Reason: err.Error()}
	}
	if stack.RepoAuthMethod == repoauth.MethodDeployKey && !r.keys.Enabled() {
		return nil, &ConfigError{Field: "deployKey", Reason: "deploy key support is unavailable"}
	}

	if err := r.locks.Lock(ctx, stack.Name); err != nil {
		return nil, err
	}
	defer r.locks.Unlock(stack.Name)

	if err := r.store.CreateStack(ctx, stack); err != nil {
		return nil, err
	}

	if stack.RepoAuthMethod == repoauth.MethodDeployKey {
		if err := r.keys.Save(ctx, stack.Name, deployKey); err != nil {
			r.rollbackCreate(stack.Name)
			return nil, err
		}
	}

	if _, err := r.checkouts.EnsureClone(ctx, stack); err != nil {
		r.rollbackCreate(stack.Name)
		return nil, &GitError{Op: "clone", Stack: stack.Name, Err: err}
	}

	if err := r.pullAndUp(ctx, stack); err != nil {
		return stack, err
	}

	r.logger.Info("Stack created", "stack", stack.Name, "type", stack.Kind, "repo", stack.URL, "branch", stack.Branch)
	r.notifier.Notify(nil, notify.EventStackCreated, "Stack created",
		fmt.Sprintf("Stack %s created from %s\nBranch: %s", stack.Name, stack.URL, stack.Branch))
	return stack, nil
}

// CreateFileStack persists a stack from an uploaded compose file and starts it.
func (r *Registry) CreateFileStack(ctx context.Context, in FileStackInput) (*api.Stack, error) {
	stack := &api.Stack{
		Name:                 strings.TrimSpace(in.Name),
		Kind:                 api.StackKindFile,
		FetchInterval:        defaultFetchInterval,
		NotificationURL:      strings.TrimSpace(in.NotificationURL),
		NotificationProvider: strings.TrimSpace(in.NotificationProvider),
	}

	if err := ValidateName(stack.Name); err != nil {
		return nil, err
	}
	if err := compose.ValidateComposeFile(in.ComposeFile); err != nil {
		return nil, &ConfigError{Field: "composeFile", Reason: err.Error()}
	}
	if err := validateNotification(stack.NotificationURL, stack.NotificationProvider); err != nil {
		return nil, err
	}

	if err := r.locks.Lock(ctx, stack.Name); err != nil {
		return nil, err
	}
	defer r.locks.Unlock(stack.Name)

	if err := r.store.CreateStack(ctx, stack); err != nil {
		return nil, err
	}

	if err := r.stacks.WriteStackFiles(stack.Name, &in.ComposeFile, &in.EnvFile); err != nil {
		r.rollbackCreate(stack.Name)
		return nil, err
	}

	if err := r.pullAndUp(ctx, stack); err != nil {
		return stack, err
	}

	r.logger.Info("Stack created", "stack", stack.Name, "type", stack.Kind)
	r.notifier.Notify(nil, notify.EventStackCreated, "Stack created", fmt.Sprintf("Stack %s created from file", stack.Name))
	return stack, nil
}

func (r *Registry) pullAndUp(ctx context.Context, stack *api.Stack) error {
	if _, err := r.stacks.Pull(ctx, stack); err != nil {
		return &ContainerError{Op: "pull", Stack: stack.Name, Err: err}
	}
	if _, err := r.stacks.Up(ctx, stack); err != nil {
		return &ContainerError{Op: "up", Stack: stack.Name, Err: err}
	}
	return nil
}

// rollbackCreate removes what a failed creation left behind.
func (r *Registry) rollbackCreate(name string) {
	ctx := context.Background()
	if err := r.store.DeleteStack(ctx, name); err != nil {
		r.logger.Warn("Failed to remove stack record after failed create", "stack", name, "error", err)
	}
	if err := r.checkouts.Remove(name); err != nil {
		r.logger.Warn("Failed to remove stack dir after failed create", "stack", name, "error", err)
	}
}

// Get returns a stack record.
func (r *Registry) Get(ctx context.Context, name string) (*api.Stack, error) {
	return r.store.GetStack(ctx, name)
}

// ListStacks returns every stack record.
func (r *Registry) ListStacks(ctx context.Context) ([]*api.Stack, error) {
	return r.store.ListStacks(ctx)
}

// List returns every stack with its container status and current commit.
func (r *Registry) List(ctx context.Context) ([]api.StackSummary, error) {
	stacks, err := r.store.ListStacks(ctx)
	if err != nil {
		return nil, err
	}

	summaries := make([]api.StackSummary, len(stacks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statusConcurrency)
	for i, stack := range stacks {
		i, stack := i, stack
		g.Go(func() error {
			summary := api.StackSummary{
				Name:        stack.Name,
				Kind:        stack.Kind,
				URL:         stack.URL,
				Branch:      stack.Branch,
				ComposePath: stack.ComposePath,
			}
			status, _, err := r.stacks.Status(gctx, stack)
			if err != nil {
				r.logger.Warn("Failed to read stack status", "stack", stack.Name, "error", err)
			}
			summary.Status = status
			if stack.IsGit() {
				if commit := r.checkouts.CurrentCommit(stack.Name); commit.Valid() {
					summary.Commit = string(commit)
				}
			}
			summaries[i] = summary
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return summaries, nil
}

// Detail returns a stack with its files, status, containers and current commit.
func (r *Registry) Detail(ctx context.Context, name string) (*api.StackDetail, error) {
	stack, err := r.store.GetStack(ctx, name)
	if err != nil {
		return nil, err
	}

	detail := &api.StackDetail{Stack: *stack}
	if stack.IsGit() {
		if commit := r.checkouts.CurrentCommit(name); commit.Valid() {
			detail.CurrentCommit = string(commit)
		}
	} else {
		composeFile, envFile, err := r.stacks.ReadStackFiles(name)
		if err != nil {
			return nil, err
		}
		detail.ComposeFile = composeFile
		detail.EnvFile = envFile
	}

	status, containers, err := r.stacks.Status(ctx, stack)
	if err != nil {
		r.logger.Warn("Failed to read stack status", "stack", name, "error", err)
	}
	detail.Status = status
	detail.Containers = containers
	if detail.Containers == nil {
		detail.Containers = []api.Container{}
	}
	return detail, nil
}

// Status returns the aggregate status and containers of a stack. A stack whose
// containers cannot be inspected is reported as down.
func (r *Registry) Status(ctx context.Context, name string) (api.StackStatus, []api.Container, error) {
	stack, err := r.store.GetStack(ctx, name)
	if err != nil {
		return "", nil, err
	}
	status, containers, err := r.stacks.Status(ctx, stack)
	if err != nil {
		r.logger.Warn("Failed to read stack status", "stack", name, "error", err)
		return api.StatusDown, nil, nil
	}
	return status, containers, nil
}

// Update applies a patch to a stack. Running containers are not restarted.
func (r *Registry) Update(ctx context.Context, name string, patch StackPatch) (*api.Stack, error) {
	stack, unlock, err := r.lockStack(ctx, name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if patch.NotificationURL != nil {
		stack.NotificationURL = strings.TrimSpace(*patch.NotificationURL)
	}
	if patch.NotificationProvider != nil {
		stack.NotificationProvider = strings.TrimSpace(*patch.NotificationProvider)
	}
	if err := validateNotification(stack.NotificationURL, stack.NotificationProvider); err != nil {
		return nil, err
	}

	if stack.IsGit() {
		if patch.URL != nil {
			stack.URL = strings.TrimSpace(*patch.URL)
		}
		if patch.Branch != nil {
			stack.Branch = strings.TrimSpace(*patch.Branch)
			if stack.Branch == "" {
				stack.Branch = defaultBranch
			}
		}
		if patch.CloneDepth != nil {
			if *patch.CloneDepth < -1 {
				return nil, &ConfigError{Field: "cloneDepth", Reason: "must be -1, 0 or positive"}
			}
			stack.CloneDepth = *patch.CloneDepth
		}
		if patch.FetchInterval != nil {
			if err := validateFetchInterval(*patch.FetchInterval); err != nil {
				return nil, err
			}
			stack.FetchInterval = strings.TrimSpace(*patch.FetchInterval)
		}
		if patch.RevertOnFailure != nil {
			stack.RevertOnFailure = *patch.RevertOnFailure
		}
		if patch.ComposePath != nil {
			stack.ComposePath = strings.TrimSpace(*patch.ComposePath)
		}
	} else {
		if patch.ComposeFile != nil {
			if err := compose.ValidateComposeFile(*patch.ComposeFile); err != nil {
				return nil, &ConfigError{Field: "composeFile", Reason: err.Error()}
			}
		}
		if err := r.stacks.WriteStackFiles(name, patch.ComposeFile, patch.EnvFile); err != nil {
			return nil, err
		}
	}

	if err := r.store.UpdateStack(ctx, stack); err != nil {
		return nil, err
	}
	r.logger.Info("Stack updated", "stack", name)
	return stack, nil
}

// Delete stops a stack, removes its volumes and directory, and deletes its record.
// Like every mutating operation it waits for other work on the stack to finish first.
func (r *Registry) Delete(ctx context.Context, name string) error {
	if err := r.locks.Lock(ctx, name); err != nil {
		return err
	}
	defer r.locks.Unlock(name)

	stack, err := r.store.GetStack(ctx, name)
	if err != nil {
		return err
	}

	if _, statErr := os.Stat(r.checkouts.Dir(name)); statErr == nil {
		if _, err := r.stacks.Down(ctx, stack, true); err != nil {
			return &ContainerError{Op: "down", Stack: name, Err: err}
		}
	} else if !errors.Is(statErr, os.ErrNotExist) {
		return statErr
	}

	if err := r.checkouts.Remove(name); err != nil {
		return err
	}
	if err := r.store.DeleteStack(ctx, name); err != nil {
		return err
	}

	r.logger.Info("Stack deleted", "stack", name, "type", stack.Kind)
	r.notifier.Notify(nil, notify.EventStackDeleted, "Stack deleted",
		fmt.Sprintf("Stack %s deleted\nType: %s", name, stack.Kind))
	return nil
}

// lockStack takes the stack lock and loads the stack. The caller must call
// unlock when err is nil.
func (r *Registry) lockStack(ctx context.Context, name string) (stack *api.Stack, unlock func(), err error) {
	if err := r.locks.Lock(ctx, name); err != nil {
		return nil, nil, err
	}
	stack, err = r.store.GetStack(ctx, name)
	if err != nil {
		r.locks.Unlock(name)
		return nil, nil, err
	}
	return stack, func() { r.locks.Unlock(name) }, nil
}

// Start brings a stack's containers up.
func (r *Registry) Start(ctx context.Context, name string) (compose.Result, error) {
	stack, unlock, err := r.lockStack(ctx, name)
	if err != nil {
		return compose.Result{}, err
	}
	defer unlock()
	return r.stacks.Up(ctx, stack)
}

// Stop takes a stack's containers down, keeping volumes.
func (r *Registry) Stop(ctx context.Context, name string) (compose.Result, error) {
	stack, unlock, err := r.lockStack(ctx, name)
	if err != nil {
		return compose.Result{}, err
	}
	defer unlock()
	return r.stacks.Down(ctx, stack, false)
}

// Restart restarts a stack's containers.
func (r *Registry) Restart(ctx context.Context, name string) (compose.Result, error) {
	stack, unlock, err := r.lockStack(ctx, name)
	if err != nil {
		return compose.Result{}, err
	}
	defer unlock()
	return r.stacks.Restart(ctx, stack)
}

// UpdateContainers pulls images and recreates containers without touching git.
func (r *Registry) UpdateContainers(ctx context.Context, name string) (ContainerUpdate, error) {
	stack, unlock, err := r.lockStack(ctx, name)
	if err != nil {
		return ContainerUpdate{}, err
	}
	defer unlock()

	var update ContainerUpdate
	failed := func(err error) (ContainerUpdate, error) {
		r.notifier.Notify(stack, notify.EventContainersUpdateFailed, "Failed to update containers", "Error: "+err.Error())
		return update, err
	}

	update.Pull, err = r.stacks.Pull(ctx, stack)
	if err != nil {
		return failed(&ContainerError{Op: "pull", Stack: name, Err: err})
	}
	update.Up, err = r.stacks.Up(ctx, stack)
	if err != nil {
		return failed(&ContainerError{Op: "up", Stack: name, Err: err})
	}

	r.notifier.Notify(stack, notify.EventContainersUpdated, "Stack updated", "Containers updated")
	return update, nil
}

// ErrContainerNotFound is returned when a stack has no container with the requested name.
var ErrContainerNotFound = errors.New("container not found")

// Containers lists a stack's containers.
func (r *Registry) Containers(ctx context.Context, name string) ([]api.Container, error) {
	_, containers, err := r.Status(ctx, name)
	if err != nil {
		return nil, err
	}
	if containers == nil {
		containers = []api.Container{}
	}
	return containers, nil
}

// Container returns one container, matched by container or service name, with its logs.
func (r *Registry) Container(ctx context.Context, name, container string, tail int) (*ContainerDetail, error) {
	stack, err := r.store.GetStack(ctx, name)
	if err != nil {
		return nil, err
	}
	_, containers, err := r.stacks.Status(ctx, stack)
	if err != nil {
		return nil, err
	}

	for _, c := range containers {
		if c.Name != container && c.Service != container {
			continue
		}
		service := c.Service
		if service == "" {
			service = c.Name
		}
		logs, err := r.stacks.Logs(ctx, stack, service, tail)
		if err != nil {
			return nil, err
		}
		return &ContainerDetail{Container: c, Logs: logs}, nil
	}
	return nil, ErrContainerNotFound
}
