package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shipped/shipped/internal/api"
	"github.com/shipped/shipped/internal/notify"
	"github.com/shipped/shipped/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerFixture struct {
	*registryFixture
	reconciler *scriptedReconciler
	handler    *Handler
	router     chi.Router
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	rf := newRegistryFixture(t, nil)
	reconciler := &scriptedReconciler{}
	h := NewHandler(rf.registry, reconciler, rf.notifier, time.Second, testLogger())

	r := chi.NewRouter()
	h.Routes(r)
	return &handlerFixture{registryFixture: rf, reconciler: reconciler, handler: h, router: r}
}

func (f *handlerFixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, api.APIResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var resp api.APIResponse
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestHandler_Health(t *testing.T) {
	f := newHandlerFixture(t)

	rec, resp := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", resp.Message)
}

func TestHandler_CreateGitStack(t *testing.T) {
	f := newHandlerFixture(t)
	body := `{"name":"web","url":"https://example.com/org/web.git","revertOnFailure":true}`

	rec, resp := f.do(t, http.MethodPost, "/v1/stacks/git", body)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "Stack created successfully", resp.Message)

	rec, resp = f.do(t, http.MethodPost, "/v1/stacks/git", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, store.ErrStackExists.Error(), resp.Error)

	rec, _ = f.do(t, http.MethodPost, "/v1/stacks/git", `{"name":"X"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/v1/stacks/git", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_CreateFileStack(t *testing.T) {
	f := newHandlerFixture(t)
	body, err := json.Marshal(FileStackInput{Name: "uploaded", ComposeFile: testComposeFile})
	require.NoError(t, err)

	rec, _ := f.do(t, http.MethodPost, "/v1/stacks/file", string(body))
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec, resp := f.do(t, http.MethodGet, "/v1/stacks/uploaded", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, testComposeFile, data["composeFile"])
	assert.Equal(t, "ACTIVE", data["status"])
}

func TestHandler_CreateStartFailureReturnsRecord(t *testing.T) {
	f := newHandlerFixture(t)
	f.containers.failNext("up", errBoom)

	rec, resp := f.do(t, http.MethodPost, "/v1/stacks/git", `{"name":"web","url":"https://example.com/r.git"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Stack created but failed to start", resp.Message)
	assert.NotNil(t, resp.Data)
}

func TestHandler_NotFound(t *testing.T) {
	f := newHandlerFixture(t)

	for _, path := range []string{
		"/v1/stacks/missing",
		"/v1/stacks/missing/status",
		"/v1/stacks/missing/run-check",
		"/v1/stacks/missing/start",
		"/v1/stacks/missing/containers",
	} {
		rec, _ := f.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}

	rec, _ := f.do(t, http.MethodDelete, "/v1/stacks/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_ListAndDelete(t *testing.T) {
	ctx := context.Background()
	f := newHandlerFixture(t)
	require.NoError(t, f.store.CreateStack(ctx, gitStack("web")))

	rec, resp := f.do(t, http.MethodGet, "/v1/stacks", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	list, ok := resp.Data.([]interface{})
	require.True(t, ok)
	assert.Len(t, list, 1)

	rec, _ = f.do(t, http.MethodDelete, "/v1/stacks/web", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{notify.EventStackDeleted}, f.notifier.events())
}

func TestHandler_UpdateStack(t *testing.T) {
	ctx := context.Background()
	f := newHandlerFixture(t)
	require.NoError(t, f.store.CreateStack(ctx, gitStack("web")))

	rec, _ := f.do(t, http.MethodPatch, "/v1/stacks/web", `{"fetchInterval":"2h"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodPatch, "/v1/stacks/web", `{"fetchInterval":"2 hours"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	got, err := f.store.GetStack(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, "2h", got.FetchInterval)
}

func TestHandler_RunCheck(t *testing.T) {
	ctx := context.Background()
	f := newHandlerFixture(t)
	require.NoError(t, f.store.CreateStack(ctx, gitStack("web")))
	require.NoError(t, f.store.CreateStack(ctx, &api.Stack{Name: "uploaded", Kind: api.StackKindFile, FetchInterval: "15m"}))

	rec, resp := f.do(t, http.MethodGet, "/v1/stacks/uploaded/run-check", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Check only works on git type stacks", resp.Message)

	rec, resp = f.do(t, http.MethodGet, "/v1/stacks/web/run-check", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "No updates found", resp.Message)
	assert.Empty(t, f.notifier.all())

	f.reconciler.outcomes = map[string]Outcome{"web": {Updated: true, FromRevision: fromRev, ToRevision: toRev}}
	rec, resp = f.do(t, http.MethodGet, "/v1/stacks/web/run-check", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Check ran successfully", resp.Message)
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, string(fromRev), data["from"])
	assert.Equal(t, string(toRev), data["to"])
	assert.Equal(t, []string{notify.EventStackUpdated}, f.notifier.events())

	f.reconciler.outcomes = nil
	f.reconciler.errs = map[string]error{"web": &ContainerError{Op: "up", Stack: "web", Err: errBoom}}
	rec, resp = f.do(t, http.MethodGet, "/v1/stacks/web/run-check", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Failed to run check", resp.Message)
}

func TestHandler_RunCheckTimeoutLeavesReconcileRunning(t *testing.T) {
	ctx := context.Background()
	f := newHandlerFixture(t)
	require.NoError(t, f.store.CreateStack(ctx, gitStack("web")))

	f.reconciler.block = make(chan struct{})
	f.handler.RunCheckTimeout = 20 * time.Millisecond

	rec, _ := f.do(t, http.MethodGet, "/v1/stacks/web/run-check", "")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)

	// The reconciliation is still in flight and finishes once unblocked.
	require.Eventually(t, func() bool { return len(f.reconciler.invoked()) == 1 }, time.Second, 5*time.Millisecond)
	close(f.reconciler.block)
}

func TestHandler_StackCommands(t *testing.T) {
	ctx := context.Background()
	f := newHandlerFixture(t)
	require.NoError(t, f.store.CreateStack(ctx, gitStack("web")))

	rec, resp := f.do(t, http.MethodGet, "/v1/stacks/web/restart", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	log, ok := data["log"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(0), log["exitCode"])
	assert.Equal(t, "restart ok", log["out"])

	f.containers.failNext("down", errBoom)
	rec, resp = f.do(t, http.MethodGet, "/v1/stacks/web/stop", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	data, ok = resp.Data.(map[string]interface{})
	require.True(t, ok)
	log, ok = data["log"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), log["exitCode"])
	assert.Equal(t, "boom", log["err"])

	rec, _ = f.do(t, http.MethodGet, "/v1/stacks/web/update", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{notify.EventContainersUpdated}, f.notifier.events())
}

func TestHandler_Containers(t *testing.T) {
	ctx := context.Background()
	f := newHandlerFixture(t)
	require.NoError(t, f.store.CreateStack(ctx, gitStack("web")))
	f.containers.containers = []api.Container{{Name: "web-app-1", Service: "app", State: "running"}}
	f.containers.logs = "line\n"

	rec, resp := f.do(t, http.MethodGet, "/v1/stacks/web/containers", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	list, ok := resp.Data.([]interface{})
	require.True(t, ok)
	assert.Len(t, list, 1)

	rec, resp = f.do(t, http.MethodGet, "/v1/stacks/web/containers/app?tail=20", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "line\n", data["logs"])
	assert.True(t, f.log.has("compose.logs app 20"))

	rec, _ = f.do(t, http.MethodGet, "/v1/stacks/web/containers/app?tail=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/v1/stacks/web/containers/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
