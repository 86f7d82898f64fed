package api

import "time"

// StackKind distinguishes git-backed stacks from uploaded-file stacks.
type StackKind string

const (
	StackKindGit  StackKind = "git"
	StackKindFile StackKind = "file"
)

// Stack is a named docker compose deployment.
// Only git stacks take part in update checks.
type Stack struct {
	Name                 string    `json:"name"`
	Kind                 StackKind `json:"type"`
	URL                  string    `json:"url,omitempty"`
	RepoAuthMethod       string    `json:"repoAuthMethod,omitempty"`
	Branch               string    `json:"branch,omitempty"`
	CloneDepth           int       `json:"cloneDepth"`    // 0 = process default, -1 = full history
	FetchInterval        string    `json:"fetchInterval"` // e.g. "15m", "1h", "2d"
	RevertOnFailure      bool      `json:"revertOnFailure"`
	ComposePath          string    `json:"composePath,omitempty"`
	NotificationURL      string    `json:"notificationUrl,omitempty"`
	NotificationProvider string    `json:"notificationProvider,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// IsGit reports whether the stack is backed by a git checkout.
func (s *Stack) IsGit() bool {
	return s != nil && s.Kind == StackKindGit
}

// StackStatus is the aggregate container state of a stack.
type StackStatus string

const (
	StatusActive   StackStatus = "ACTIVE"
	StatusInactive StackStatus = "INACTIVE"
	StatusDown     StackStatus = "DOWN"
)

// PortMapping describes one published or exposed container port.
type PortMapping struct {
	Mapped  *MappedPort `json:"mapped,omitempty"`
	Exposed ExposedPort `json:"exposed"`
}

type MappedPort struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

type ExposedPort struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
}

// Container is the runtime view of one service container.
type Container struct {
	Name    string        `json:"name"`
	Service string        `json:"service"`
	Image   string        `json:"image"`
	Command string        `json:"command"`
	State   string        `json:"state"`
	Health  string        `json:"health,omitempty"`
	Ports   []PortMapping `json:"ports"`
}

// StackSummary is the list view of a stack.
type StackSummary struct {
	Name        string      `json:"name"`
	Kind        StackKind   `json:"type"`
	URL         string      `json:"url,omitempty"`
	Branch      string      `json:"branch,omitempty"`
	ComposePath string      `json:"composePath,omitempty"`
	Commit      string      `json:"commit,omitempty"`
	Status      StackStatus `json:"status"`
}

// StackDetail is the full view of a stack.
type StackDetail struct {
	Stack
	ComposeFile   string      `json:"composeFile,omitempty"`
	EnvFile       string      `json:"envFile,omitempty"`
	CurrentCommit string      `json:"currentCommit,omitempty"`
	Status        StackStatus `json:"status"`
	Containers    []Container `json:"containers"`
}

// APIResponse is a standard wrapper for API responses.
type APIResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}
