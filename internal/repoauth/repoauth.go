package repoauth

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/transport"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	MethodPublic    = "public"
	MethodDeployKey = "deploy_key"
)

// systemKnownHosts is consulted after the configured file and ~/.ssh/known_hosts.
var systemKnownHosts = "/etc/ssh/ssh_known_hosts"

// NormalizeMethod canonicalizes repo auth methods. Unknown values return "".
func NormalizeMethod(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "public":
		return MethodPublic
	case "deploy_key", "deploy-key", "deploykey":
		return MethodDeployKey
	default:
		return ""
	}
}

// ValidateStackInput validates the git source of a stack before it is persisted.
func ValidateStackInput(repoURL, method, deployKey string) error {
	repoURL = strings.TrimSpace(repoURL)
	if repoURL == "" {
		return fmt.Errorf("repo URL is required")
	}

	method = NormalizeMethod(method)
	if method == "" {
		return fmt.Errorf("unsupported repo auth method")
	}
	if method != MethodDeployKey {
		return nil
	}

	if _, err := hostFromRepoURL(repoURL); err != nil {
		return err
	}
	if !isSSHRepoURL(repoURL) {
		return fmt.Errorf("deploy key mode requires an SSH repo URL")
	}
	return ValidateDeployKey(deployKey)
}

// ValidateDeployKey checks that key is an unencrypted private key.
func ValidateDeployKey(deployKey string) error {
	deployKey = NormalizeDeployKey(deployKey)
	if deployKey == "" {
		return fmt.Errorf("deploy key is required for private repositories")
	}
	if _, err := ssh.ParseRawPrivateKey([]byte(deployKey)); err != nil {
		var passErr *ssh.PassphraseMissingError
		if errors.As(err, &passErr) {
			return fmt.Errorf("passphrase-protected deploy keys are not supported")
		}
		return fmt.Errorf("invalid deploy key")
	}
	return nil
}

// NormalizeDeployKey normalizes copy-pasted private keys from forms and JSON payloads.
func NormalizeDeployKey(value string) string {
	normalized := strings.TrimSpace(value)
	normalized = strings.ReplaceAll(normalized, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	// literal "\n" sequences from single-line JSON strings
	if strings.Contains(normalized, `\n`) && !strings.Contains(normalized, "\n") {
		normalized = strings.ReplaceAll(normalized, `\n`, "\n")
	}
	normalized = strings.TrimSpace(normalized)
	if normalized == "" {
		return ""
	}
	return normalized + "\n"
}

// ResolveKnownHostsPath returns the known_hosts file used for strict host verification.
// An explicitly configured path must exist; otherwise the user and system files are tried.
func ResolveKnownHostsPath(configured string) (string, error) {
	if path := strings.TrimSpace(configured); path != "" {
		if isRegularFile(path) {
			return path, nil
		}
		return "", fmt.Errorf("known_hosts file %s does not exist", path)
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(homeDir, ".ssh", "known_hosts")
		if isRegularFile(userPath) {
			return userPath, nil
		}
	}

	if isRegularFile(systemKnownHosts) {
		return systemKnownHosts, nil
	}
	return "", fmt.Errorf("no known_hosts file found; set SHIPPED_KNOWN_HOSTS_FILE")
}

// PublicKeysAuth builds go-git SSH auth for a deploy key, verified against knownHostsPath.
func PublicKeysAuth(deployKey []byte, knownHostsPath string) (transport.AuthMethod, error) {
	if len(deployKey) == 0 {
		return nil, fmt.Errorf("missing deploy key")
	}

	callback, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed loading known_hosts: %w", err)
	}

	auth, err := gitssh.NewPublicKeys("git", deployKey, "")
	if err != nil {
		return nil, fmt.Errorf("invalid deploy key: %w", err)
	}
	auth.HostKeyCallbackHelper = gitssh.HostKeyCallbackHelper{
		HostKeyCallback: callback,
	}
	return auth, nil
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func isSSHRepoURL(repoURL string) bool {
	trimmed := strings.TrimSpace(repoURL)
	if strings.HasPrefix(strings.ToLower(trimmed), "ssh://") {
		return true
	}
	return !strings.Contains(trimmed, "://") && strings.Contains(trimmed, "@") && strings.Contains(trimmed, ":")
}

func hostFromRepoURL(repoURL string) (string, error) {
	trimmed := strings.TrimSpace(repoURL)
	if trimmed == "" {
		return "", fmt.Errorf("repo URL is required")
	}

	if strings.Contains(trimmed, "://") {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return "", fmt.Errorf("invalid repo URL: %w", err)
		}
		host := parsed.Hostname()
		if host == "" {
			return "", fmt.Errorf("invalid repo URL host")
		}
		return strings.ToLower(host), nil
	}

	// scp-like syntax: user@host:path
	_, hostAndPath, ok := strings.Cut(trimmed, "@")
	if !ok {
		return "", fmt.Errorf("invalid repo URL")
	}
	host, _, ok := strings.Cut(hostAndPath, ":")
	if !ok || host == "" {
		return "", fmt.Errorf("invalid SSH repo URL")
	}
	return strings.ToLower(host), nil
}
