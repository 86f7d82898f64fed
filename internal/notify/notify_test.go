package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/shipped/shipped/internal/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	Header http.Header
	Body   string
}

func captureServer(t *testing.T, status int) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var got []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, capturedRequest{Header: r.Header.Clone(), Body: string(body)})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), got...)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatcher_TargetFor(t *testing.T) {
	d := NewDispatcher("https://ntfy.sh/default", ProviderNtfy, testLogger())

	target, ok := d.TargetFor(nil)
	require.True(t, ok)
	assert.Equal(t, Target{URL: "https://ntfy.sh/default", Provider: ProviderNtfy}, target)

	target, ok = d.TargetFor(&api.Stack{NotificationURL: "https://discord.com/api/webhooks/1"})
	require.True(t, ok)
	assert.Equal(t, "https://discord.com/api/webhooks/1", target.URL)
	assert.Equal(t, ProviderNtfy, target.Provider)

	_, ok = NewDispatcher("", "", testLogger()).TargetFor(&api.Stack{NotificationProvider: ProviderNtfy})
	assert.False(t, ok)
}

func TestDispatcher_Ntfy(t *testing.T) {
	srv, requests := captureServer(t, http.StatusOK)
	d := NewDispatcher(srv.URL, ProviderNtfy, testLogger())

	d.Notify(&api.Stack{Name: "web-app"}, EventStackUpdated, "Stack updated", "Updated from a to b")
	d.Wait()

	got := requests()
	require.Len(t, got, 1)
	assert.Equal(t, "Stack updated", got[0].Header.Get("Title"))
	assert.Equal(t, "Updated from a to b", got[0].Body)
}

func TestDispatcher_Discord(t *testing.T) {
	srv, requests := captureServer(t, http.StatusNoContent)
	d := NewDispatcher("", "", testLogger())

	stack := &api.Stack{Name: "web-app", NotificationURL: srv.URL, NotificationProvider: ProviderDiscord}
	d.Notify(stack, EventCheckFailed, "Failed to check for updates", "fetch: timeout")
	d.Wait()

	got := requests()
	require.Len(t, got, 1)
	assert.Equal(t, "application/json", got[0].Header.Get("Content-Type"))

	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(got[0].Body), &payload))
	assert.Equal(t, "**Failed to check for updates**\n\rfetch: timeout", payload["content"])
}

func TestDispatcher_Webhook(t *testing.T) {
	srv, requests := captureServer(t, http.StatusOK)
	d := NewDispatcher(srv.URL, ProviderWebhook, testLogger())

	d.Notify(nil, EventStackCreated, "Stack created", "Stack web-app created from file")
	d.Wait()

	got := requests()
	require.Len(t, got, 1)

	var payload Message
	require.NoError(t, json.Unmarshal([]byte(got[0].Body), &payload))
	assert.Equal(t, EventStackCreated, payload.Event)
	assert.Equal(t, "Stack created", payload.Title)
	assert.Empty(t, payload.Stack)
}

func TestDispatcher_SendErrors(t *testing.T) {
	srv, _ := captureServer(t, http.StatusInternalServerError)
	d := NewDispatcher("", "", testLogger())

	err := d.Send(context.Background(), Target{URL: srv.URL, Provider: ProviderNtfy}, Message{Title: "t"})
	assert.ErrorContains(t, err, "status 500")

	err = d.Send(context.Background(), Target{URL: srv.URL, Provider: "pager"}, Message{})
	assert.ErrorContains(t, err, "unknown notification provider")
}

func TestDispatcher_NotifySwallowsFailures(t *testing.T) {
	srv, requests := captureServer(t, http.StatusBadGateway)
	d := NewDispatcher(srv.URL, ProviderNtfy, testLogger())

	assert.NotPanics(t, func() {
		d.Notify(nil, EventStackDeleted, "Stack deleted", "gone")
		d.Wait()
	})
	assert.Len(t, requests(), 1)
}

func TestValidProvider(t *testing.T) {
	assert.True(t, ValidProvider(""))
	assert.True(t, ValidProvider(ProviderDiscord))
	assert.False(t, ValidProvider("slack"))
}
