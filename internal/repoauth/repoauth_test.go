package repoauth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func testDeployKey(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	return string(pem.EncodeToMemory(block))
}

func TestNormalizeMethod(t *testing.T) {
	assert.Equal(t, MethodPublic, NormalizeMethod(""))
	assert.Equal(t, MethodPublic, NormalizeMethod(" Public "))
	assert.Equal(t, MethodDeployKey, NormalizeMethod("deploy-key"))
	assert.Equal(t, MethodDeployKey, NormalizeMethod("DEPLOY_KEY"))
	assert.Equal(t, "", NormalizeMethod("oauth"))
}

func TestNormalizeDeployKey(t *testing.T) {
	assert.Equal(t, "", NormalizeDeployKey("   "))
	assert.Equal(t, "a\nb\n", NormalizeDeployKey(`a\nb`))
	assert.Equal(t, "a\nb\n", NormalizeDeployKey("a\r\nb\r\n"))
}

func TestValidateStackInput(t *testing.T) {
	key := testDeployKey(t)

	tests := []struct {
		name    string
		url     string
		method  string
		key     string
		wantErr string
	}{
		{name: "public https", url: "https://github.com/org/repo.git", method: "public"},
		{name: "missing url", url: " ", method: "public", wantErr: "repo URL is required"},
		{name: "unknown method", url: "https://github.com/org/repo.git", method: "token", wantErr: "unsupported"},
		{name: "deploy key over https", url: "https://github.com/org/repo.git", method: "deploy_key", key: key, wantErr: "SSH repo URL"},
		{name: "deploy key missing", url: "git@github.com:org/repo.git", method: "deploy_key", wantErr: "deploy key is required"},
		{name: "deploy key garbage", url: "git@github.com:org/repo.git", method: "deploy_key", key: "not a key", wantErr: "invalid deploy key"},
		{name: "deploy key scp url", url: "git@gitea.internal:org/repo.git", method: "deploy_key", key: key},
		{name: "deploy key ssh url", url: "ssh://git@gitlab.com/org/repo.git", method: "deploy_key", key: key},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStackInput(tt.url, tt.method, tt.key)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestHostFromRepoURL(t *testing.T) {
	host, err := hostFromRepoURL("git@GitHub.com:org/repo.git")
	require.NoError(t, err)
	assert.Equal(t, "github.com", host)

	host, err = hostFromRepoURL("ssh://git@gitlab.com:2222/org/repo.git")
	require.NoError(t, err)
	assert.Equal(t, "gitlab.com", host)

	_, err = hostFromRepoURL("nohost")
	assert.Error(t, err)
}

func TestResolveKnownHostsPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(path, nil, 0600))

	got, err := ResolveKnownHostsPath(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	_, err = ResolveKnownHostsPath(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorContains(t, err, "does not exist")
}

func TestPublicKeysAuth(t *testing.T) {
	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(knownHosts, nil, 0600))

	auth, err := PublicKeysAuth([]byte(testDeployKey(t)), knownHosts)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(auth.Name(), "ssh-public-keys"))

	_, err = PublicKeysAuth(nil, knownHosts)
	assert.ErrorContains(t, err, "missing deploy key")
}
