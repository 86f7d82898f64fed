package store

import (
	"context"
	"errors"

	"github.com/shipped/shipped/internal/api"
)

var (
	ErrStackNotFound      = errors.New("stack not found")
	ErrStackExists        = errors.New("a stack with the same name already exists")
	ErrCredentialNotFound = errors.New("stack credential not found")
)

// Store defines the interface for stack record persistence.
type Store interface {
	CreateStack(ctx context.Context, stack *api.Stack) error
	GetStack(ctx context.Context, name string) (*api.Stack, error)
	ListStacks(ctx context.Context) ([]*api.Stack, error)
	UpdateStack(ctx context.Context, stack *api.Stack) error
	DeleteStack(ctx context.Context, name string) error
	UpsertStackCredential(ctx context.Context, credential *StackCredential) error
	GetStackCredential(ctx context.Context, name string) (*StackCredential, error)
	DeleteStackCredential(ctx context.Context, name string) error
	Close()
}

// StackCredential stores encrypted stack-level credentials.
type StackCredential struct {
	StackName           string
	DeployKeyCiphertext []byte
	DeployKeyNonce      []byte
}
