package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenproject/warden/internal/config"
	"github.com/wardenproject/warden/internal/kernel"
	"github.com/wardenproject/warden/internal/logging"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Path = ":memory:"
	k, err := kernel.New(cfg, kernel.WithLogger(logging.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { k.Shutdown(context.Background()) })
	return NewServer(k)
}

func doJSON(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w, body := doJSON(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["version"])
}

func TestValidateEndpoint(t *testing.T) {
	s := newTestServer(t)

	w, body := doJSON(t, s, http.MethodPost, "/v1/validate", `{"code": "var x = 1;"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["valid"])

	_, body = doJSON(t, s, http.MethodPost, "/v1/validate", `{"code": "eval(\"1\")"}`)
	assert.Equal(t, false, body["valid"])
}

func TestGrantExecuteAuditFlow(t *testing.T) {
	s := newTestServer(t)

	w, body := doJSON(t, s, http.MethodPost, "/v1/capabilities/grant", `{
		"principal": "agent:1",
		"operation": "**",
		"resource": "**",
		"tier": "T2_STATEFUL"
	}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, body["cap_id"])

	w, body = doJSON(t, s, http.MethodPost, "/v1/execute", `{
		"principal": "agent:1",
		"code": "browser.tabs.open(\"https://example.test/login\").id;"
	}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "completed", body["state"], "error: %v", body["error"])
	assert.Equal(t, "tab:1", body["value"])

	w, body = doJSON(t, s, http.MethodGet, "/v1/audit?op=tab.open", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.GreaterOrEqual(t, body["count"].(float64), float64(1))

	w, body = doJSON(t, s, http.MethodGet, "/v1/objects?type=tab", "")
	require.Equal(t, http.StatusOK, w.Code)
	objects := body["objects"].([]any)
	assert.Len(t, objects, 1)
}

func TestRevokeEndpoint(t *testing.T) {
	s := newTestServer(t)

	_, body := doJSON(t, s, http.MethodPost, "/v1/capabilities/grant", `{
		"principal": "agent:1",
		"operation": "tab.read",
		"resource": "tab:*",
		"tier": "T1_READ"
	}`)
	capID := body["cap_id"].(string)

	w, body := doJSON(t, s, http.MethodPost, "/v1/capabilities/revoke", `{"cap_id": "`+capID+`"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["revoked"])

	_, body = doJSON(t, s, http.MethodGet, "/v1/capabilities/agent:1", "")
	caps := body["capabilities"].([]any)
	assert.Empty(t, caps)
}

func TestExecuteMinKernelVersion(t *testing.T) {
	s := newTestServer(t)

	w, body := doJSON(t, s, http.MethodPost, "/v1/execute", `{
		"principal": "agent:1",
		"code": "1 + 1;",
		"min_kernel_version": "9.0.0"
	}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, body["error"], "incompatible")

	w, body = doJSON(t, s, http.MethodPost, "/v1/execute", `{
		"principal": "agent:1",
		"code": "1 + 1;",
		"min_kernel_version": "0.1.0"
	}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "completed", body["state"], "error: %v", body["error"])

	w, _ = doJSON(t, s, http.MethodPost, "/v1/execute", `{
		"principal": "agent:1",
		"code": "1 + 1;",
		"min_kernel_version": "not-a-version"
	}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBadRequests(t *testing.T) {
	s := newTestServer(t)

	w, _ := doJSON(t, s, http.MethodPost, "/v1/execute", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doJSON(t, s, http.MethodPost, "/v1/capabilities/grant", `{"principal":"a","operation":"x","resource":"y","tier":"T9"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doJSON(t, s, http.MethodPost, "/v1/capabilities/revoke", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
