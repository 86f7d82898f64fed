package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/shipped/shipped/internal/store"
	"golang.org/x/crypto/hkdf"
)

const (
	SecretEnv = "SHIPPED_ENCRYPTION_KEY"

	minSecretLen = 16
	keyInfo      = "shipped deploy key v1"
)

var (
	// ErrDisabled is returned by a nil Sealer.
	ErrDisabled = errors.New("deploy key encryption is disabled")
	// ErrStackMismatch means a credential record was sealed for another stack.
	ErrStackMismatch = errors.New("credential belongs to another stack")
)

// Sealer encrypts deploy keys into stack credential records. Each record is
// bound to its stack name, so a ciphertext copied onto another stack will not open.
type Sealer struct {
	aead   cipher.AEAD
	source string
}

// NewSealer derives the sealing key from secret, or from the secret stored in
// secretFile when secret is empty. A missing secretFile is generated.
func NewSealer(secret, secretFile string) (*Sealer, error) {
	material, source, err := resolveSecret(secret, secretFile)
	if err != nil {
		return nil, err
	}
	defer Wipe(material)

	if len(material) < minSecretLen {
		return nil, fmt.Errorf("%s must be at least %d bytes", source, minSecretLen)
	}

	key := make([]byte, 32)
	defer Wipe(key)
	if _, err := io.ReadFull(hkdf.New(sha256.New, material, nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead, source: source}, nil
}

func resolveSecret(secret, secretFile string) ([]byte, string, error) {
	if s := strings.TrimSpace(secret); s != "" {
		return []byte(s), "env:" + SecretEnv, nil
	}

	secretFile = strings.TrimSpace(secretFile)
	if secretFile == "" {
		return nil, "", fmt.Errorf("neither %s nor a secret file is configured", SecretEnv)
	}

	data, err := os.ReadFile(secretFile)
	if errors.Is(err, os.ErrNotExist) {
		if err := generateSecretFile(secretFile); err != nil {
			return nil, "", err
		}
		data, err = os.ReadFile(secretFile)
	}
	if err != nil {
		return nil, "", fmt.Errorf("reading secret file: %w", err)
	}
	return []byte(strings.TrimSpace(string(data))), "file:" + secretFile, nil
}

// generateSecretFile writes a random secret next to path and links it into
// place. Link fails on an existing file, so concurrent starts agree on one secret.
func generateSecretFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating secret dir: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generating secret: %w", err)
	}
	defer Wipe(raw)

	tmp, err := os.CreateTemp(dir, ".secret-*")
	if err != nil {
		return fmt.Errorf("creating secret file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.WriteString(base64.StdEncoding.EncodeToString(raw) + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("writing secret file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Link(tmp.Name(), path); err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("installing secret file: %w", err)
	}
	return nil
}

// Enabled reports whether s can seal.
func (s *Sealer) Enabled() bool {
	return s != nil && s.aead != nil
}

// Source names where the secret came from.
func (s *Sealer) Source() string {
	if s == nil {
		return ""
	}
	return s.source
}

// Seal encrypts the deploy key of stack into a credential record.
func (s *Sealer) Seal(stack string, deployKey []byte) (*store.StackCredential, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return &store.StackCredential{
		StackName:           stack,
		DeployKeyCiphertext: s.aead.Seal(nil, nonce, deployKey, []byte(stack)),
		DeployKeyNonce:      nonce,
	}, nil
}

// Open decrypts the deploy key held by credential, checking it was sealed for stack.
func (s *Sealer) Open(stack string, credential *store.StackCredential) ([]byte, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	if credential.StackName != stack {
		return nil, ErrStackMismatch
	}
	if len(credential.DeployKeyNonce) != s.aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length %d", len(credential.DeployKeyNonce))
	}

	deployKey, err := s.aead.Open(nil, credential.DeployKeyNonce, credential.DeployKeyCiphertext, []byte(stack))
	if err != nil {
		return nil, fmt.Errorf("opening deploy key of %s: %w", stack, err)
	}
	return deployKey, nil
}

// Wipe zeroes a secret buffer.
func Wipe(b []byte) {
	clear(b)
}
