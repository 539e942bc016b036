package cloudapi

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/sandbox"
	"github.com/taskforge/taskforge/internal/task/models"
)

// VercelProvider drives Vercel's sandbox API. Field names follow Vercel's
// publicly documented sandbox-creation shape as of this writing; treat this
// as a best-effort approximation rather than a verified integration.
type VercelProvider struct {
	http   *httpClient
	logger *logger.Logger
}

// NewVercelProvider constructs a VercelProvider against apiBase using token
// for bearer authentication.
func NewVercelProvider(apiBase, token string, log *logger.Logger) *VercelProvider {
	l := log.WithFields(zap.String("provider", "vercel"))
	return &VercelProvider{http: newHTTPClient(apiBase, token, l), logger: l}
}

type vercelCreateRequest struct {
	Source struct {
		URL string `json:"url"`
		Ref string `json:"ref,omitempty"`
	} `json:"source"`
	Timeout int `json:"timeoutSeconds"`
}

type vercelCreateResponse struct {
	SandboxID string `json:"sandboxId"`
	Domain    string `json:"domain"`
}

// Create provisions a Vercel sandbox for the task's repository and branch.
func (p *VercelProvider) Create(ctx context.Context, spec sandbox.CreateSpec) (*models.SandboxHandle, error) {
	req := vercelCreateRequest{Timeout: int(spec.MaxDuration.Seconds())}
	req.Source.URL = spec.RepoURL
	req.Source.Ref = spec.BranchName

	var resp vercelCreateResponse
	if err := p.http.doJSON(ctx, "POST", "/v1/sandboxes", req, &resp); err != nil {
		return nil, fmt.Errorf("vercel sandbox create failed: %w", err)
	}

	handle := &models.SandboxHandle{TaskID: spec.TaskID, ProviderType: models.ProviderVercel, NativeRef: resp.SandboxID}
	if resp.Domain != "" {
		handle.Domain = &resp.Domain
	}
	return handle, nil
}

type vercelExecRequest struct {
	Command []string `json:"command"`
}

type vercelExecResponse struct {
	ExitCode int    `json:"exitCode"`
	Output   string `json:"output"`
}

// ExecuteAgent runs the agent CLI via Vercel's command-execution endpoint.
func (p *VercelProvider) ExecuteAgent(ctx context.Context, handle *models.SandboxHandle, req sandbox.AgentExecRequest) (*sandbox.AgentExecResult, error) {
	var resp vercelExecResponse
	cmd := vercelExecRequest{Command: agentInvocation(req)}
	path := fmt.Sprintf("/v1/sandboxes/%s/exec", handle.NativeRef)
	if err := p.http.doJSON(ctx, "POST", path, cmd, &resp); err != nil {
		return nil, fmt.Errorf("vercel agent execution failed: %w", err)
	}
	return &sandbox.AgentExecResult{
		ExitCode: resp.ExitCode,
		Logs:     outputToLogEntries(resp.Output),
	}, nil
}

// Destroy stops the Vercel sandbox.
func (p *VercelProvider) Destroy(ctx context.Context, handle *models.SandboxHandle) error {
	path := fmt.Sprintf("/v1/sandboxes/%s", handle.NativeRef)
	if err := p.http.doJSON(ctx, "DELETE", path, nil, nil); err != nil {
		p.logger.Warn("vercel sandbox destroy failed", zap.String("task_id", handle.TaskID), zap.Error(err))
		return err
	}
	return nil
}

var _ sandbox.Provider = (*VercelProvider)(nil)
