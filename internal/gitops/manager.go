package gitops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/shipped/shipped/internal/api"
)

const remoteName = "origin"

// ErrMissingRemote is returned when a git stack has no remote URL to clone from.
var ErrMissingRemote = errors.New("remote URL is required")

// AuthFunc resolves transport auth for a stack. A nil method means anonymous access.
type AuthFunc func(ctx context.Context, stack *api.Stack) (transport.AuthMethod, error)

// Manager owns the local checkouts of git stacks under BaseDir/<name>.
type Manager struct {
	BaseDir           string
	DefaultCloneDepth int
	Auth              AuthFunc
	Logger            *slog.Logger
}

// Handle is an open checkout bound to one stack's branch.
type Handle struct {
	Name   string
	Branch string
	Dir    string

	repo  *git.Repository
	auth  transport.AuthMethod
	depth int
}

// Status is the divergence of a checkout from its upstream branch.
type Status struct {
	Behind   int
	Upstream Revision
}

// NewManager creates a checkout manager rooted at baseDir.
func NewManager(baseDir string, defaultCloneDepth int, auth AuthFunc, logger *slog.Logger) *Manager {
	return &Manager{
		BaseDir:           baseDir,
		DefaultCloneDepth: defaultCloneDepth,
		Auth:              auth,
		Logger:            logger,
	}
}

// Dir returns the checkout directory for a stack name.
func (m *Manager) Dir(name string) string {
	return filepath.Join(m.BaseDir, name)
}

// EnsureClone opens the stack's checkout, cloning it first if it does not exist yet.
func (m *Manager) EnsureClone(ctx context.Context, stack *api.Stack) (*Handle, error) {
	branch := strings.TrimSpace(stack.Branch)
	if branch == "" {
		branch = "main"
	}

	auth, err := m.authFor(ctx, stack)
	if err != nil {
		return nil, err
	}

	dir := m.Dir(stack.Name)
	handle := &Handle{
		Name:   stack.Name,
		Branch: branch,
		Dir:    dir,
		auth:   auth,
		depth:  m.cloneDepth(stack.CloneDepth),
	}

	repo, err := git.PlainOpen(dir)
	if err == nil {
		handle.repo = repo
		return handle, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open %s: %w", dir, err)
	}

	if strings.TrimSpace(stack.URL) == "" {
		return nil, ErrMissingRemote
	}

	m.Logger.Info("Cloning repo", "stack", stack.Name, "repo", stack.URL, "branch", branch, "depth", handle.depth)
	repo, err = git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:           stack.URL,
		Auth:          auth,
		RemoteName:    remoteName,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		Depth:         handle.depth,
		Tags:          git.NoTags,
	})
	if err != nil {
		// a half-written clone would be opened as a broken repo next time
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("clone %s: %w", stack.URL, err)
	}

	handle.repo = repo
	return handle, nil
}

// Status compares HEAD with the remote branch without touching local refs.
func (m *Manager) Status(ctx context.Context, h *Handle) (Status, error) {
	upstream, err := m.remoteHead(ctx, h)
	if err != nil {
		return Status{}, err
	}

	head, err := h.repo.Head()
	if err != nil {
		return Status{}, fmt.Errorf("resolve HEAD: %w", err)
	}

	behind, err := behindCount(h.repo, head.Hash(), upstream)
	if err != nil {
		return Status{}, fmt.Errorf("count commits behind: %w", err)
	}

	m.Logger.Debug("Checked upstream", "stack", h.Name, "branch", h.Branch, "head", head.Hash().String(), "upstream", upstream.String(), "behind", behind)
	return Status{Behind: behind, Upstream: Revision(upstream.String())}, nil
}

func (m *Manager) remoteHead(ctx context.Context, h *Handle) (plumbing.Hash, error) {
	remote, err := h.repo.Remote(remoteName)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("load remote: %w", err)
	}

	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: h.auth})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("list remote refs: %w", err)
	}

	want := plumbing.NewBranchReferenceName(h.Branch)
	for _, ref := range refs {
		if ref.Name() == want {
			return ref.Hash(), nil
		}
	}
	return plumbing.ZeroHash, fmt.Errorf("branch %s not found on remote", h.Branch)
}

// FetchAll updates every remote tracking ref.
func (m *Manager) FetchAll(ctx context.Context, h *Handle) error {
	err := h.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remoteName,
		RefSpecs:   []config.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
		Auth:       h.auth,
		Depth:      h.depth,
		Tags:       git.NoTags,
		Force:      true,
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		m.Logger.Debug("Fetch up to date", "stack", h.Name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	return nil
}

// HardReset moves HEAD and the worktree to ref, discarding local changes.
// ref may be a remote tracking ref such as origin/main or a commit hash.
func (m *Manager) HardReset(ctx context.Context, h *Handle, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	hash, err := h.repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return fmt.Errorf("resolve %s: %w", ref, err)
	}

	worktree, err := h.repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}

	if err := worktree.Reset(&git.ResetOptions{Commit: *hash, Mode: git.HardReset}); err != nil {
		return fmt.Errorf("reset to %s: %w", ref, err)
	}

	m.Logger.Debug("Reset worktree", "stack", h.Name, "ref", ref, "commit", hash.String())
	return nil
}

// LatestCommit resolves ref (HEAD when empty) to a commit. Failures yield RevisionNotFound.
func (m *Manager) LatestCommit(h *Handle, ref string) Revision {
	if ref == "" {
		ref = "HEAD"
	}
	hash, err := h.repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		m.Logger.Debug("Commit lookup failed", "stack", h.Name, "ref", ref, "error", err)
		return RevisionNotFound
	}
	return Revision(hash.String())
}

// CurrentCommit reads HEAD of a stack's checkout without requiring a handle.
func (m *Manager) CurrentCommit(name string) Revision {
	repo, err := git.PlainOpen(m.Dir(name))
	if err != nil {
		return RevisionNotFound
	}
	head, err := repo.Head()
	if err != nil {
		return RevisionNotFound
	}
	return Revision(head.Hash().String())
}

// Remove deletes a stack's checkout directory.
func (m *Manager) Remove(name string) error {
	if strings.TrimSpace(name) == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("invalid stack name %q", name)
	}
	if err := os.RemoveAll(m.Dir(name)); err != nil {
		return fmt.Errorf("remove checkout: %w", err)
	}
	return nil
}

func (m *Manager) authFor(ctx context.Context, stack *api.Stack) (transport.AuthMethod, error) {
	if m.Auth == nil {
		return nil, nil
	}
	return m.Auth(ctx, stack)
}

// cloneDepth maps a stack's depth setting onto go-git, where 0 means full history.
func (m *Manager) cloneDepth(depth int) int {
	switch {
	case depth < 0:
		return 0
	case depth == 0:
		if m.DefaultCloneDepth > 0 {
			return m.DefaultCloneDepth
		}
		return 1
	default:
		return depth
	}
}
