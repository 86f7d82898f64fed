package compose

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Result is the captured outcome of one docker command.
type Result struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"out"`
	Stderr   string `json:"err"`
}

// CommandError is returned when a docker command cannot start or exits non-zero.
type CommandError struct {
	Command string
	Result  Result
	Err     error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.Result.ExitCode)
	if detail := lastLine(e.Result.Stderr); detail != "" {
		return msg + ": " + detail
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Runner executes the docker CLI in a working directory.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (Result, error)
}

// ExecRunner runs the docker binary as a child process.
type ExecRunner struct {
	Binary string
	Logger *slog.Logger
}

// NewExecRunner returns a runner for the docker binary on PATH.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	return &ExecRunner{Binary: "docker", Logger: logger}
}

func (r *ExecRunner) Run(ctx context.Context, dir string, args ...string) (Result, error) {
	binary := r.Binary
	if binary == "" {
		binary = "docker"
	}

	start := time.Now()
	command := exec.CommandContext(ctx, binary, args...)
	command.Dir = dir

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	r.Logger.Debug("Executing command", "cmd", command.String(), "dir", dir)

	err := command.Run()
	result := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err == nil {
		r.Logger.Debug("Command succeeded", "cmd", command.String(), "elapsed_ms", time.Since(start).Milliseconds())
		return result, nil
	}

	result.ExitCode = -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		r.Logger.Error("Command context ended", "cmd", command.String(), "context_err", ctxErr)
	}
	r.Logger.Error(
		"Command failed",
		"cmd", command.String(),
		"dir", dir,
		"exit_code", result.ExitCode,
		"stderr", truncateOutput(strings.TrimSpace(result.Stderr)),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return result, &CommandError{Command: formatCommand(binary, args), Result: result, Err: err}
}

func formatCommand(cmd string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, cmd)
	for _, arg := range args {
		if strings.ContainsAny(arg, " \t") {
			parts = append(parts, fmt.Sprintf("%q", arg))
			continue
		}
		parts = append(parts, arg)
	}
	return strings.Join(parts, " ")
}

func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func truncateOutput(value string) string {
	const maxLen = 2000
	if len(value) <= maxLen {
		return value
	}
	return value[:maxLen] + "...(truncated)"
}
