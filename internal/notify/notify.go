package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shipped/shipped/internal/api"
)

// Providers understood by the dispatcher.
const (
	ProviderNtfy    = "ntfy"
	ProviderDiscord = "discord-webhook"
	ProviderWebhook = "webhook"
)

// Event kinds. Events prefixed with "global:" are not tied to a stack's own target.
const (
	EventStackCreated           = "global:stack-created"
	EventStackDeleted           = "global:stack-deleted"
	EventStackUpdated           = "stack:updated"
	EventUpdateFailed           = "stack:update-failed"
	EventRevertFailed           = "stack:revert-failed"
	EventCheckFailed            = "stack:check-failed"
	EventContainersUpdated      = "stack:containers-updated"
	EventContainersUpdateFailed = "stack:containers-update-failed"
)

const sendTimeout = 10 * time.Second

// Notifier delivers best-effort messages. Notify never blocks on delivery and never fails.
type Notifier interface {
	Notify(stack *api.Stack, event, title, message string)
}

// Target is where a message is delivered.
type Target struct {
	URL      string
	Provider string
}

// Message is one outbound notification.
type Message struct {
	Event   string `json:"event"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Dispatcher sends notifications over HTTP in the background.
type Dispatcher struct {
	DefaultURL      string
	DefaultProvider string
	Client          *http.Client
	Logger          *slog.Logger

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher with process-wide fallback target.
func NewDispatcher(defaultURL, defaultProvider string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		DefaultURL:      strings.TrimSpace(defaultURL),
		DefaultProvider: strings.TrimSpace(defaultProvider),
		Client:          &http.Client{Timeout: sendTimeout},
		Logger:          logger,
	}
}

// TargetFor resolves a stack's target, falling back field by field to the defaults.
func (d *Dispatcher) TargetFor(stack *api.Stack) (Target, bool) {
	target := Target{URL: d.DefaultURL, Provider: d.DefaultProvider}
	if stack != nil {
		if url := strings.TrimSpace(stack.NotificationURL); url != "" {
			target.URL = url
		}
		if provider := strings.TrimSpace(stack.NotificationProvider); provider != "" {
			target.Provider = provider
		}
	}
	return target, target.URL != "" && target.Provider != ""
}

// Notify delivers a message in the background. Failures are logged only.
func (d *Dispatcher) Notify(stack *api.Stack, event, title, message string) {
	target, ok := d.TargetFor(stack)
	if !ok {
		return
	}

	msg := Message{Event: event, Title: title, Message: message}
	if stack != nil {
		msg.Stack = stack.Name
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := d.Send(ctx, target, msg); err != nil {
			d.Logger.Warn("Failed to send notification", "event", event, "stack", msg.Stack, "provider", target.Provider, "error", err)
			return
		}
		d.Logger.Debug("Notification sent", "event", event, "stack", msg.Stack, "provider", target.Provider)
	}()
}

// Wait blocks until every in-flight notification has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Send delivers one message synchronously.
func (d *Dispatcher) Send(ctx context.Context, target Target, msg Message) error {
	req, err := buildRequest(ctx, target, msg)
	if err != nil {
		return err
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func buildRequest(ctx context.Context, target Target, msg Message) (*http.Request, error) {
	switch target.Provider {
	case ProviderNtfy:
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, strings.NewReader(msg.Message))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Title", msg.Title)
		return req, nil

	case ProviderDiscord:
		body, err := json.Marshal(map[string]string{
			"content": fmt.Sprintf("**%s**\n\r%s", msg.Title, msg.Message),
		})
		if err != nil {
			return nil, err
		}
		return jsonRequest(ctx, target.URL, body)

	case ProviderWebhook:
		body, err := json.Marshal(msg)
		if err != nil {
			return nil, err
		}
		return jsonRequest(ctx, target.URL, body)

	default:
		return nil, fmt.Errorf("unknown notification provider %q", target.Provider)
	}
}

func jsonRequest(ctx context.Context, url string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// ValidProvider reports whether provider is supported. Empty means unset.
func ValidProvider(provider string) bool {
	switch provider {
	case "", ProviderNtfy, ProviderDiscord, ProviderWebhook:
		return true
	default:
		return false
	}
}
