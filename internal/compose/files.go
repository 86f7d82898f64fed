package compose

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	ComposeFileName = "docker-compose.yml"
	EnvFileName     = ".env"
)

// ErrNoServices is returned for compose files without any service.
var ErrNoServices = errors.New("compose file declares no services")

// ValidateComposeFile checks that content is YAML with a non-empty services mapping.
func ValidateComposeFile(content string) error {
	var doc struct {
		Services map[string]yaml.Node `yaml:"services"`
	}
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return fmt.Errorf("invalid compose file: %w", err)
	}
	if len(doc.Services) == 0 {
		return ErrNoServices
	}
	return nil
}

// WriteStackFiles writes the compose and env files of a file stack.
// A nil pointer leaves that file untouched.
func (e *Executor) WriteStackFiles(name string, composeFile, envFile *string) error {
	dir := filepath.Join(e.StacksDir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create stack dir: %w", err)
	}
	if composeFile != nil {
		if err := os.WriteFile(filepath.Join(dir, ComposeFileName), []byte(*composeFile), 0644); err != nil {
			return fmt.Errorf("write compose file: %w", err)
		}
	}
	if envFile != nil {
		if err := os.WriteFile(filepath.Join(dir, EnvFileName), []byte(*envFile), 0600); err != nil {
			return fmt.Errorf("write env file: %w", err)
		}
	}
	return nil
}

// ReadStackFiles returns the compose and env files of a file stack. A missing env file reads as empty.
func (e *Executor) ReadStackFiles(name string) (string, string, error) {
	dir := filepath.Join(e.StacksDir, name)
	composeFile, err := os.ReadFile(filepath.Join(dir, ComposeFileName))
	if err != nil {
		return "", "", fmt.Errorf("read compose file: %w", err)
	}
	envFile, err := os.ReadFile(filepath.Join(dir, EnvFileName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", "", fmt.Errorf("read env file: %w", err)
	}
	return string(composeFile), string(envFile), nil
}
