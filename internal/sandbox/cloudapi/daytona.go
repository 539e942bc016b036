package cloudapi

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/sandbox"
	"github.com/taskforge/taskforge/internal/task/models"
)

// DaytonaProvider drives Daytona's workspace API. Best-effort
// approximation; not validated against the live service.
type DaytonaProvider struct {
	http   *httpClient
	logger *logger.Logger
}

// NewDaytonaProvider constructs a DaytonaProvider against apiBase using
// token for bearer authentication.
func NewDaytonaProvider(apiBase, token string, log *logger.Logger) *DaytonaProvider {
	l := log.WithFields(zap.String("provider", "daytona"))
	return &DaytonaProvider{http: newHTTPClient(apiBase, token, l), logger: l}
}

type daytonaCreateRequest struct {
	GitRepository struct {
		URL    string `json:"url"`
		Branch string `json:"branch,omitempty"`
	} `json:"gitRepository"`
}

type daytonaCreateResponse struct {
	WorkspaceID string `json:"id"`
	WebURL      string `json:"webUrl"`
}

// Create provisions a Daytona workspace for the task's repository.
func (p *DaytonaProvider) Create(ctx context.Context, spec sandbox.CreateSpec) (*models.SandboxHandle, error) {
	req := daytonaCreateRequest{}
	req.GitRepository.URL = spec.RepoURL
	req.GitRepository.Branch = spec.BranchName

	var resp daytonaCreateResponse
	if err := p.http.doJSON(ctx, "POST", "/workspace", req, &resp); err != nil {
		return nil, fmt.Errorf("daytona workspace create failed: %w", err)
	}

	handle := &models.SandboxHandle{TaskID: spec.TaskID, ProviderType: models.ProviderDaytona, NativeRef: resp.WorkspaceID}
	if resp.WebURL != "" {
		handle.Domain = &resp.WebURL
	}
	return handle, nil
}

type daytonaExecRequest struct {
	Command string `json:"command"`
}

type daytonaExecResponse struct {
	Code   int    `json:"code"`
	Result string `json:"result"`
}

// ExecuteAgent runs the agent CLI via Daytona's command-execution endpoint.
func (p *DaytonaProvider) ExecuteAgent(ctx context.Context, handle *models.SandboxHandle, req sandbox.AgentExecRequest) (*sandbox.AgentExecResult, error) {
	invocation := agentInvocation(req)
	shell := invocation[0]
	for _, arg := range invocation[1:] {
		shell += " " + quoteShellArg(arg)
	}

	var resp daytonaExecResponse
	path := fmt.Sprintf("/workspace/%s/toolbox/process/execute", handle.NativeRef)
	if err := p.http.doJSON(ctx, "POST", path, daytonaExecRequest{Command: shell}, &resp); err != nil {
		return nil, fmt.Errorf("daytona agent execution failed: %w", err)
	}
	return &sandbox.AgentExecResult{
		ExitCode: resp.Code,
		Logs:     outputToLogEntries(resp.Result),
	}, nil
}

// Destroy removes the Daytona workspace.
func (p *DaytonaProvider) Destroy(ctx context.Context, handle *models.SandboxHandle) error {
	path := fmt.Sprintf("/workspace/%s", handle.NativeRef)
	if err := p.http.doJSON(ctx, "DELETE", path, nil, nil); err != nil {
		p.logger.Warn("daytona workspace destroy failed", zap.String("task_id", handle.TaskID), zap.Error(err))
		return err
	}
	return nil
}

func quoteShellArg(s string) string {
	return "'" + s + "'"
}

var _ sandbox.Provider = (*DaytonaProvider)(nil)
