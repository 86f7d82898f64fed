package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/shipped/shipped/internal/api"
	"github.com/shipped/shipped/internal/credentials"
	"github.com/shipped/shipped/internal/repoauth"
	"github.com/shipped/shipped/internal/store"
)

// DeployKeys stores encrypted deploy keys and turns them into git transport auth.
type DeployKeys struct {
	store          store.Store
	sealer         *credentials.Sealer
	knownHostsFile string
}

// NewDeployKeys creates a deploy key service. sealer may be nil, which disables deploy keys.
func NewDeployKeys(s store.Store, sealer *credentials.Sealer, knownHostsFile string) *DeployKeys {
	return &DeployKeys{
		store:          s,
		sealer:         sealer,
		knownHostsFile: knownHostsFile,
	}
}

// Enabled reports whether deploy keys can be stored.
func (k *DeployKeys) Enabled() bool {
	return k != nil && k.sealer.Enabled()
}

// Save encrypts and stores the deploy key of a stack.
func (k *DeployKeys) Save(ctx context.Context, name, deployKey string) error {
	if !k.Enabled() {
		return fmt.Errorf("deploy key support is unavailable: set %s", credentials.SecretEnv)
	}

	plaintext := []byte(repoauth.NormalizeDeployKey(deployKey))
	defer credentials.Wipe(plaintext)

	credential, err := k.sealer.Seal(name, plaintext)
	if err != nil {
		return err
	}
	return k.store.UpsertStackCredential(ctx, credential)
}

// Load returns the decrypted deploy key of a stack, or nil when none is stored.
func (k *DeployKeys) Load(ctx context.Context, name string) ([]byte, error) {
	credential, err := k.store.GetStackCredential(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrCredentialNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if !k.Enabled() {
		return nil, fmt.Errorf("deploy key support is unavailable: set %s", credentials.SecretEnv)
	}

	deployKey, err := k.sealer.Open(name, credential)
	if err != nil {
		return nil, err
	}

	normalized := []byte(repoauth.NormalizeDeployKey(string(deployKey)))
	credentials.Wipe(deployKey)
	return normalized, nil
}

// Auth resolves go-git auth for a stack. Public stacks clone anonymously.
func (k *DeployKeys) Auth(ctx context.Context, stack *api.Stack) (transport.AuthMethod, error) {
	if repoauth.NormalizeMethod(stack.RepoAuthMethod) != repoauth.MethodDeployKey {
		return nil, nil
	}

	deployKey, err := k.Load(ctx, stack.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to load deploy key: %w", err)
	}
	if len(deployKey) == 0 {
		return nil, fmt.Errorf("missing deploy key for stack %s", stack.Name)
	}
	defer credentials.Wipe(deployKey)

	knownHostsPath, err := repoauth.ResolveKnownHostsPath(k.knownHostsFile)
	if err != nil {
		return nil, err
	}
	return repoauth.PublicKeysAuth(deployKey, knownHostsPath)
}
