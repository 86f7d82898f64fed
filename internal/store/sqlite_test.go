package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shipped/shipped/internal/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "shipped.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func gitStack(name string) *api.Stack {
	return &api.Stack{
		Name:            name,
		Kind:            api.StackKindGit,
		URL:             "https://example.com/org/" + name + ".git",
		RepoAuthMethod:  "public",
		Branch:          "main",
		FetchInterval:   "15m",
		RevertOnFailure: true,
		ComposePath:     "deploy/compose.yaml",
	}
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	stack := gitStack("web-app")
	require.NoError(t, s.CreateStack(ctx, stack))
	assert.False(t, stack.CreatedAt.IsZero())

	got, err := s.GetStack(ctx, "web-app")
	require.NoError(t, err)
	assert.Equal(t, api.StackKindGit, got.Kind)
	assert.Equal(t, stack.URL, got.URL)
	assert.Equal(t, "main", got.Branch)
	assert.True(t, got.RevertOnFailure)
	assert.Equal(t, "deploy/compose.yaml", got.ComposePath)
}

func TestSQLiteStore_CreateDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateStack(ctx, gitStack("web-app")))
	assert.ErrorIs(t, s.CreateStack(ctx, gitStack("web-app")), ErrStackExists)
}

func TestSQLiteStore_GetMissing(t *testing.T) {
	_, err := newTestStore(t).GetStack(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrStackNotFound)
}

func TestSQLiteStore_ListOrdersByName(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateStack(ctx, gitStack("zeta")))
	require.NoError(t, s.CreateStack(ctx, &api.Stack{Name: "alpha", Kind: api.StackKindFile, FetchInterval: "15m"}))

	stacks, err := s.ListStacks(ctx)
	require.NoError(t, err)
	require.Len(t, stacks, 2)
	assert.Equal(t, "alpha", stacks[0].Name)
	assert.Equal(t, api.StackKindFile, stacks[0].Kind)
	assert.Equal(t, "zeta", stacks[1].Name)
}

func TestSQLiteStore_Update(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	stack := gitStack("web-app")
	require.NoError(t, s.CreateStack(ctx, stack))

	stack.Branch = "release"
	stack.FetchInterval = "1h"
	stack.RevertOnFailure = false
	require.NoError(t, s.UpdateStack(ctx, stack))

	got, err := s.GetStack(ctx, "web-app")
	require.NoError(t, err)
	assert.Equal(t, "release", got.Branch)
	assert.Equal(t, "1h", got.FetchInterval)
	assert.False(t, got.RevertOnFailure)

	assert.ErrorIs(t, s.UpdateStack(ctx, gitStack("ghost")), ErrStackNotFound)
}

func TestSQLiteStore_DeleteRemovesCredentials(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateStack(ctx, gitStack("web-app")))
	require.NoError(t, s.UpsertStackCredential(ctx, &StackCredential{
		StackName:           "web-app",
		DeployKeyCiphertext: []byte("cipher"),
		DeployKeyNonce:      []byte("nonce"),
	}))

	cred, err := s.GetStackCredential(ctx, "web-app")
	require.NoError(t, err)
	assert.Equal(t, []byte("cipher"), cred.DeployKeyCiphertext)

	require.NoError(t, s.DeleteStack(ctx, "web-app"))

	_, err = s.GetStack(ctx, "web-app")
	assert.ErrorIs(t, err, ErrStackNotFound)
	_, err = s.GetStackCredential(ctx, "web-app")
	assert.ErrorIs(t, err, ErrCredentialNotFound)

	assert.ErrorIs(t, s.DeleteStack(ctx, "web-app"), ErrStackNotFound)
}

func TestSQLiteStore_UpsertCredentialReplaces(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateStack(ctx, gitStack("web-app")))
	require.NoError(t, s.UpsertStackCredential(ctx, &StackCredential{StackName: "web-app", DeployKeyCiphertext: []byte("a"), DeployKeyNonce: []byte("1")}))
	require.NoError(t, s.UpsertStackCredential(ctx, &StackCredential{StackName: "web-app", DeployKeyCiphertext: []byte("b"), DeployKeyNonce: []byte("2")}))

	cred, err := s.GetStackCredential(ctx, "web-app")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), cred.DeployKeyCiphertext)
	assert.Equal(t, []byte("2"), cred.DeployKeyNonce)
}
