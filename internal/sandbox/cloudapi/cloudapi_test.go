package cloudapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/sandbox"
	"github.com/taskforge/taskforge/internal/task/models"
)

func testLogger(t *testing.T) *logger.Logger {
	l, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return l
}

func TestVercelProvider_CreateAndDestroy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/sandboxes":
			require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
			_ = json.NewEncoder(w).Encode(vercelCreateResponse{SandboxID: "sbx_1", Domain: "sbx_1.vercel.app"})
		case r.Method == http.MethodDelete && r.URL.Path == "/v1/sandboxes/sbx_1":
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	p := NewVercelProvider(srv.URL, "test-token", testLogger(t))
	handle, err := p.Create(context.Background(), sandbox.CreateSpec{TaskID: "t1", RepoURL: "https://host/a/b", BranchName: "feature/x"})
	require.NoError(t, err)
	require.Equal(t, "sbx_1", handle.NativeRef)
	require.NotNil(t, handle.Domain)
	require.Equal(t, "sbx_1.vercel.app", *handle.Domain)

	require.NoError(t, p.Destroy(context.Background(), handle))
}

func TestVercelProvider_ExecuteAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/sandboxes/sbx_1/exec", r.URL.Path)
		var req vercelExecRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "claude", req.Command[0])
		_ = json.NewEncoder(w).Encode(vercelExecResponse{ExitCode: 0, Output: "line one\nline two\n"})
	}))
	defer srv.Close()

	p := NewVercelProvider(srv.URL, "", testLogger(t))
	result, err := p.ExecuteAgent(context.Background(), &models.SandboxHandle{NativeRef: "sbx_1"}, sandbox.AgentExecRequest{Agent: models.AgentClaude, Prompt: "do it"})
	require.NoError(t, err)
	require.Equal(t, 0, result.ExitCode)
	require.Len(t, result.Logs, 2)
}

func TestE2BProvider_CreateFailsOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewE2BProvider(srv.URL, "key", testLogger(t))
	_, err := p.Create(context.Background(), sandbox.CreateSpec{TaskID: "t1"})
	require.Error(t, err)
}

func TestDaytonaProvider_CreateAndExecuteAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/workspace":
			_ = json.NewEncoder(w).Encode(daytonaCreateResponse{WorkspaceID: "ws_1", WebURL: "https://ws1.daytona.io"})
		case r.Method == http.MethodPost && r.URL.Path == "/workspace/ws_1/toolbox/process/execute":
			var req daytonaExecRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			require.Contains(t, req.Command, "codex")
			_ = json.NewEncoder(w).Encode(daytonaExecResponse{Code: 0, Result: "ok"})
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	p := NewDaytonaProvider(srv.URL, "tok", testLogger(t))
	handle, err := p.Create(context.Background(), sandbox.CreateSpec{TaskID: "t2", RepoURL: "https://host/a/b"})
	require.NoError(t, err)
	require.Equal(t, "ws_1", handle.NativeRef)

	result, err := p.ExecuteAgent(context.Background(), handle, sandbox.AgentExecRequest{Agent: models.AgentCodex, Prompt: "fix bug"})
	require.NoError(t, err)
	require.Equal(t, 0, result.ExitCode)
}
