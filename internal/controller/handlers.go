package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shipped/shipped/internal/api"
	"github.com/shipped/shipped/internal/compose"
	"github.com/shipped/shipped/internal/notify"
	"github.com/shipped/shipped/internal/store"
)

// Handler handles HTTP requests for stacks.
type Handler struct {
	Registry        *Registry
	Reconciler      StackReconciler
	Notifier        notify.Notifier
	RunCheckTimeout time.Duration
	Logger          *slog.Logger
}

// NewHandler creates a new stack handler.
func NewHandler(registry *Registry, reconciler StackReconciler, notifier notify.Notifier, runCheckTimeout time.Duration, logger *slog.Logger) *Handler {
	return &Handler{
		Registry:        registry,
		Reconciler:      reconciler,
		Notifier:        notifier,
		RunCheckTimeout: runCheckTimeout,
		Logger:          logger,
	}
}

// Routes mounts the health check and the /v1 stack API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.Health)

	r.Route("/v1/stacks", func(r chi.Router) {
		r.Get("/", h.ListStacks)
		r.Post("/git", h.CreateGitStack)
		r.Post("/file", h.CreateFileStack)

		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", h.GetStack)
			r.Patch("/", h.UpdateStack)
			r.Delete("/", h.DeleteStack)
			r.Get("/status", h.StackStatus)
			r.Get("/run-check", h.RunCheck)
			r.Get("/start", h.StartStack)
			r.Get("/stop", h.StopStack)
			r.Get("/restart", h.RestartStack)
			r.Get("/update", h.UpdateContainers)
			r.Get("/containers", h.ListContainers)
			r.Get("/containers/{container}", h.GetContainer)
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, resp api.APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// writeError maps err onto a status code and writes it with message.
func (h *Handler) writeError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError

	var configErr *ConfigError
	switch {
	case errors.Is(err, store.ErrStackNotFound), errors.Is(err, ErrContainerNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrStackExists), errors.Is(err, ErrNotGitStack), errors.As(err, &configErr):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	if status == http.StatusInternalServerError {
		h.Logger.Error(message, "error", err)
	}
	writeJSON(w, status, api.APIResponse{Message: message, Error: err.Error()})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	toolchain, err := h.Registry.stacks.Version(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, api.APIResponse{Message: "Docker is unavailable", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, api.APIResponse{Message: "OK", Data: toolchain})
}

// CreateGitStack handles POST /v1/stacks/git
func (h *Handler) CreateGitStack(w http.ResponseWriter, r *http.Request) {
	var in GitStackInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, api.APIResponse{Message: "Invalid request body", Error: err.Error()})
		return
	}

	stack, err := h.Registry.CreateGitStack(r.Context(), in)
	h.writeCreated(w, stack, err)
}

// CreateFileStack handles POST /v1/stacks/file
func (h *Handler) CreateFileStack(w http.ResponseWriter, r *http.Request) {
	var in FileStackInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, api.APIResponse{Message: "Invalid request body", Error: err.Error()})
		return
	}

	stack, err := h.Registry.CreateFileStack(r.Context(), in)
	h.writeCreated(w, stack, err)
}

// writeCreated reports a create result. A stack that was persisted but failed
// to start is still returned so the caller can inspect it.
func (h *Handler) writeCreated(w http.ResponseWriter, stack *api.Stack, err error) {
	if err != nil {
		if stack != nil {
			h.Logger.Error("Stack created but failed to start", "stack", stack.Name, "error", err)
			writeJSON(w, http.StatusInternalServerError, api.APIResponse{
				Message: "Stack created but failed to start",
				Error:   err.Error(),
				Data:    stack,
			})
			return
		}
		h.writeError(w, "Failed to create stack", err)
		return
	}
	writeJSON(w, http.StatusCreated, api.APIResponse{Message: "Stack created successfully", Data: stack})
}

// ListStacks handles GET /v1/stacks
func (h *Handler) ListStacks(w http.ResponseWriter, r *http.Request) {
	stacks, err := h.Registry.List(r.Context())
	if err != nil {
		h.writeError(w, "Failed to list stacks", err)
		return
	}
	writeJSON(w, http.StatusOK, api.APIResponse{Data: stacks})
}

// GetStack handles GET /v1/stacks/{name}
func (h *Handler) GetStack(w http.ResponseWriter, r *http.Request) {
	detail, err := h.Registry.Detail(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, "Failed to get stack", err)
		return
	}
	writeJSON(w, http.StatusOK, api.APIResponse{Data: detail})
}

// UpdateStack handles PATCH /v1/stacks/{name}
func (h *Handler) UpdateStack(w http.ResponseWriter, r *http.Request) {
	var patch StackPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, api.APIResponse{Message: "Invalid request body", Error: err.Error()})
		return
	}

	stack, err := h.Registry.Update(r.Context(), chi.URLParam(r, "name"), patch)
	if err != nil {
		h.writeError(w, "Failed to update stack", err)
		return
	}
	writeJSON(w, http.StatusOK, api.APIResponse{Message: "Stack updated successfully", Data: stack})
}

// DeleteStack handles DELETE /v1/stacks/{name}
func (h *Handler) DeleteStack(w http.ResponseWriter, r *http.Request) {
	if err := h.Registry.Delete(r.Context(), chi.URLParam(r, "name")); err != nil {
		h.writeError(w, "Failed to delete stack", err)
		return
	}
	writeJSON(w, http.StatusOK, api.APIResponse{Message: "Stack deleted successfully"})
}

// StackStatus handles GET /v1/stacks/{name}/status
func (h *Handler) StackStatus(w http.ResponseWriter, r *http.Request) {
	status, containers, err := h.Registry.Status(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, "Failed to get stack status", err)
		return
	}
	if containers == nil {
		containers = []api.Container{}
	}
	writeJSON(w, http.StatusOK, api.APIResponse{Data: map[string]interface{}{
		"status":     status,
		"containers": containers,
	}})
}

type checkResult struct {
	outcome Outcome
	err     error
}

// RunCheck handles GET /v1/stacks/{name}/run-check
//
// The wait is bounded by RunCheckTimeout. The reconciliation itself runs on a
// context detached from the request and finishes even after a 504.
func (h *Handler) RunCheck(w http.ResponseWriter, r *http.Request) {
	stack, err := h.Registry.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, "Failed to run check", err)
		return
	}
	if !stack.IsGit() {
		writeJSON(w, http.StatusBadRequest, api.APIResponse{Message: "Check only works on git type stacks", Error: ErrNotGitStack.Error()})
		return
	}

	done := make(chan checkResult, 1)
	go func() {
		outcome, err := h.Reconciler.Reconcile(context.WithoutCancel(r.Context()), stack)
		done <- checkResult{outcome: outcome, err: err}
	}()

	timer := time.NewTimer(h.RunCheckTimeout)
	defer timer.Stop()

	var res checkResult
	select {
	case res = <-done:
	case <-timer.C:
		h.Logger.Warn("Run check timed out, reconciliation continues in background", "stack", stack.Name, "timeout", h.RunCheckTimeout)
		writeJSON(w, http.StatusGatewayTimeout, api.APIResponse{
			Message: "Check timed out",
			Error:   fmt.Sprintf("check did not finish within %s", h.RunCheckTimeout),
		})
		return
	case <-r.Context().Done():
		h.Logger.Info("Run check abandoned by client, reconciliation continues in background", "stack", stack.Name)
		return
	}

	if res.err != nil {
		h.writeError(w, "Failed to run check", res.err)
		return
	}
	if !res.outcome.Updated {
		writeJSON(w, http.StatusOK, api.APIResponse{Message: "No updates found", Data: res.outcome})
		return
	}

	h.Notifier.Notify(stack, notify.EventStackUpdated, "Stack updated",
		fmt.Sprintf("Updated from %s to %s", res.outcome.FromRevision, res.outcome.ToRevision))
	writeJSON(w, http.StatusOK, api.APIResponse{Message: "Check ran successfully", Data: res.outcome})
}

// commandLog writes the captured output of a compose command.
func (h *Handler) commandLog(w http.ResponseWriter, name, action string, result compose.Result, err error) {
	var cmdErr *compose.CommandError
	if err != nil && !errors.As(err, &cmdErr) {
		h.writeError(w, fmt.Sprintf("Failed to %s stack", action), err)
		return
	}
	if cmdErr != nil {
		result = cmdErr.Result
	}

	if result.ExitCode != 0 {
		h.Logger.Error("Stack command failed", "stack", name, "action", action, "exit_code", result.ExitCode)
		writeJSON(w, http.StatusInternalServerError, api.APIResponse{
			Message: fmt.Sprintf("Failed to %s stack", action),
			Error:   fmt.Sprintf("exited with code %d", result.ExitCode),
			Data:    map[string]interface{}{"log": result},
		})
		return
	}
	writeJSON(w, http.StatusOK, api.APIResponse{
		Message: fmt.Sprintf("Stack %s ran successfully", action),
		Data:    map[string]interface{}{"log": result},
	})
}

// StartStack handles GET /v1/stacks/{name}/start
func (h *Handler) StartStack(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	result, err := h.Registry.Start(r.Context(), name)
	h.commandLog(w, name, "start", result, err)
}

// StopStack handles GET /v1/stacks/{name}/stop
func (h *Handler) StopStack(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	result, err := h.Registry.Stop(r.Context(), name)
	h.commandLog(w, name, "stop", result, err)
}

// RestartStack handles GET /v1/stacks/{name}/restart
func (h *Handler) RestartStack(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	result, err := h.Registry.Restart(r.Context(), name)
	h.commandLog(w, name, "restart", result, err)
}

// UpdateContainers handles GET /v1/stacks/{name}/update
func (h *Handler) UpdateContainers(w http.ResponseWriter, r *http.Request) {
	update, err := h.Registry.UpdateContainers(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, "Failed to update containers", err)
		return
	}
	writeJSON(w, http.StatusOK, api.APIResponse{Message: "Containers updated successfully", Data: update})
}

// ListContainers handles GET /v1/stacks/{name}/containers
func (h *Handler) ListContainers(w http.ResponseWriter, r *http.Request) {
	containers, err := h.Registry.Containers(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, "Failed to list containers", err)
		return
	}
	writeJSON(w, http.StatusOK, api.APIResponse{Data: containers})
}

// GetContainer handles GET /v1/stacks/{name}/containers/{container}
func (h *Handler) GetContainer(w http.ResponseWriter, r *http.Request) {
	tail := compose.DefaultLogTail
	if raw := r.URL.Query().Get("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, api.APIResponse{Message: "Invalid tail", Error: "tail must be a positive integer"})
			return
		}
		tail = n
	}

	detail, err := h.Registry.Container(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "container"), tail)
	if err != nil {
		h.writeError(w, "Failed to get container", err)
		return
	}
	writeJSON(w, http.StatusOK, api.APIResponse{Data: detail})
}
