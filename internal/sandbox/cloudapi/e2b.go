package cloudapi

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/sandbox"
	"github.com/taskforge/taskforge/internal/task/models"
)

// E2BProvider drives E2B's sandbox API, modeled on its documented
// template-based sandbox lifecycle. Best-effort approximation; not
// validated against the live service.
type E2BProvider struct {
	http   *httpClient
	logger *logger.Logger
}

// NewE2BProvider constructs an E2BProvider against apiBase using apiKey for
// bearer authentication.
func NewE2BProvider(apiBase, apiKey string, log *logger.Logger) *E2BProvider {
	l := log.WithFields(zap.String("provider", "e2b"))
	return &E2BProvider{http: newHTTPClient(apiBase, apiKey, l), logger: l}
}

type e2bCreateRequest struct {
	TemplateID string `json:"templateID"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type e2bCreateResponse struct {
	SandboxID string `json:"sandboxID"`
}

// Create provisions an E2B sandbox from the default taskforge template.
func (p *E2BProvider) Create(ctx context.Context, spec sandbox.CreateSpec) (*models.SandboxHandle, error) {
	req := e2bCreateRequest{
		TemplateID: "taskforge-runtime",
		Metadata:   map[string]string{"taskId": spec.TaskID, "repoUrl": spec.RepoURL},
	}

	var resp e2bCreateResponse
	if err := p.http.doJSON(ctx, "POST", "/sandboxes", req, &resp); err != nil {
		return nil, fmt.Errorf("e2b sandbox create failed: %w", err)
	}

	return &models.SandboxHandle{TaskID: spec.TaskID, ProviderType: models.ProviderE2B, NativeRef: resp.SandboxID}, nil
}

type e2bProcessRequest struct {
	Cmd  string   `json:"cmd"`
	Args []string `json:"args"`
}

type e2bProcessResponse struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// ExecuteAgent runs the agent CLI via E2B's process API.
func (p *E2BProvider) ExecuteAgent(ctx context.Context, handle *models.SandboxHandle, req sandbox.AgentExecRequest) (*sandbox.AgentExecResult, error) {
	invocation := agentInvocation(req)
	var resp e2bProcessResponse
	path := fmt.Sprintf("/sandboxes/%s/process", handle.NativeRef)
	if err := p.http.doJSON(ctx, "POST", path, e2bProcessRequest{Cmd: invocation[0], Args: invocation[1:]}, &resp); err != nil {
		return nil, fmt.Errorf("e2b agent execution failed: %w", err)
	}
	return &sandbox.AgentExecResult{
		ExitCode: resp.ExitCode,
		Logs:     outputToLogEntries(resp.Stdout + resp.Stderr),
	}, nil
}

// Destroy terminates the E2B sandbox.
func (p *E2BProvider) Destroy(ctx context.Context, handle *models.SandboxHandle) error {
	path := fmt.Sprintf("/sandboxes/%s", handle.NativeRef)
	if err := p.http.doJSON(ctx, "DELETE", path, nil, nil); err != nil {
		p.logger.Warn("e2b sandbox destroy failed", zap.String("task_id", handle.TaskID), zap.Error(err))
		return err
	}
	return nil
}

var _ sandbox.Provider = (*E2BProvider)(nil)
