package sandboxapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandbox-broker/internal/broker"
	"sandbox-broker/internal/session"
	"sandbox-broker/internal/toolbundle"
)

type fakeShell struct{}

func (fakeShell) Run(ctx context.Context, command string, timeoutSec int) (broker.RemoteResult, error) {
	if strings.Contains(command, "EXECUTION START") {
		return broker.RemoteResult{
			Status: broker.StatusSuccess,
			Stdout: "=== EXECUTION START ===\n4\n=== EXECUTION END ===\nEXIT_CODE: 0\n--- FILES_CREATED ---\n",
		}, nil
	}
	return broker.RemoteResult{Status: broker.StatusSuccess}, nil
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := broker.SandboxConfig{
		Region:          "us-east-1",
		InstanceID:      "i-" + t.Name(),
		BaseDir:         "/opt/sandbox",
		MaxExecTimeSec:  30,
		MaxMemoryMB:     512,
		RetentionHours:  24,
		AllowedRuntimes: broker.DefaultAllowedRuntimes,
	}
	env, err := broker.GetSandboxEnv(context.Background(), cfg, fakeShell{}, nil)
	require.NoError(t, err)
	t.Cleanup(env.Close)

	registry := session.NewRegistry()
	factory := toolbundle.NewFactory(env, registry, 16)

	engine := gin.New()
	NewServer(factory, registry).Register(engine)
	return engine
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestInvokeExecuteCode(t *testing.T) {
	router := newTestRouter(t)

	body := strings.NewReader(`{"code":"print(2+2)","runtime":"python3"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/s1/tools/execute_code_in_sandbox", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var envelope struct {
		Success bool `json:"success"`
		Data    struct {
			Stdout    string `json:"stdout"`
			SessionID string `json:"sessionId"`
			TaskCount int    `json:"taskCount"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.True(t, envelope.Success)
	assert.Equal(t, "4", envelope.Data.Stdout)
	assert.Equal(t, "s1", envelope.Data.SessionID)
	assert.Equal(t, 1, envelope.Data.TaskCount)
}

func TestInvokeUnknownTool(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/s1/tools/launch_missiles", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "launch_missiles")
}

func TestInvokeGetSessionFiles_NoArgs(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/s1/tools/get_session_files", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"success":false`)
	assert.Contains(t, w.Body.String(), "list_session_structure")
}

func TestInvokeInvalidJSONBody(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/s1/tools/execute_code_in_sandbox", strings.NewReader("{nope"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionsDoNotShareCounters(t *testing.T) {
	router := newTestRouter(t)

	run := func(sessionID string) int {
		body := strings.NewReader(`{"code":"print(1)"}`)
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+sessionID+"/tools/execute_code_in_sandbox", body)
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		var envelope struct {
			Data struct {
				TaskCount int `json:"taskCount"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
		return envelope.Data.TaskCount
	}

	assert.Equal(t, 1, run("alice"))
	assert.Equal(t, 2, run("alice"))
	assert.Equal(t, 1, run("bob"))
}
