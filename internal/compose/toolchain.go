package compose

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Toolchain reports the docker engine and compose plugin versions.
type Toolchain struct {
	ClientVersion  string `json:"clientVersion"`
	ServerVersion  string `json:"serverVersion"`
	ServerAPI      string `json:"serverApiVersion"`
	ComposeVersion string `json:"composeVersion"`
}

type dockerVersionJSON struct {
	Client dockerVersionSection `json:"Client"`
	Server dockerVersionSection `json:"Server"`
}

type dockerVersionSection struct {
	Version    string `json:"Version"`
	APIVersion string `json:"ApiVersion"`
}

// Version probes the docker daemon and compose plugin. It fails when either is unreachable.
func (e *Executor) Version(ctx context.Context) (Toolchain, error) {
	result, err := e.Runner.Run(ctx, e.StacksDir, "version", "--format", "{{json .}}")
	if err != nil {
		return Toolchain{}, fmt.Errorf("docker version: %w", err)
	}

	var parsed dockerVersionJSON
	if err := json.Unmarshal([]byte(strings.TrimSpace(result.Stdout)), &parsed); err != nil {
		return Toolchain{}, fmt.Errorf("parse docker version output: %w", err)
	}

	composeVersion, err := e.composeVersion(ctx)
	if err != nil {
		return Toolchain{}, err
	}

	return Toolchain{
		ClientVersion:  strings.TrimSpace(parsed.Client.Version),
		ServerVersion:  strings.TrimSpace(parsed.Server.Version),
		ServerAPI:      strings.TrimSpace(parsed.Server.APIVersion),
		ComposeVersion: composeVersion,
	}, nil
}

func (e *Executor) composeVersion(ctx context.Context) (string, error) {
	result, err := e.Runner.Run(ctx, e.StacksDir, "compose", "version", "--short")
	if err == nil {
		if version := strings.TrimSpace(result.Stdout); version != "" {
			return version, nil
		}
	}

	// --short is missing on old plugins; fall back to the last field of the long form
	result, err = e.Runner.Run(ctx, e.StacksDir, "compose", "version")
	if err != nil {
		return "", fmt.Errorf("docker compose version: %w", err)
	}
	fields := strings.Fields(result.Stdout)
	if len(fields) == 0 {
		return "", fmt.Errorf("docker compose version returned empty output")
	}
	return strings.TrimPrefix(fields[len(fields)-1], "v"), nil
}
