package docker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/common/config"
	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/sandbox"
	"github.com/taskforge/taskforge/internal/task/models"
)

// Provider is the reference Sandbox Provider: one container per task,
// running a long-lived shell so the Executor's later stages can exec
// commands into it before the agent runs and after it finishes.
//
// The Docker client is created lazily on first use, the same way the
// teacher's runtime executors defer Docker availability checks until a
// sandbox is actually requested, so a taskforge process with no local
// Docker daemon can still serve tasks routed to other providers.
type Provider struct {
	cfg    config.DockerConfig
	logger *logger.Logger

	newClientFunc func(config.DockerConfig, *logger.Logger) (*Client, error)

	mu          sync.Mutex
	initialized bool
	client      *Client
}

// NewProvider constructs a docker sandbox Provider bound to cfg.
func NewProvider(cfg config.DockerConfig, log *logger.Logger) *Provider {
	return &Provider{
		cfg:           cfg,
		logger:        log.WithFields(zap.String("provider", "docker")),
		newClientFunc: NewClient,
	}
}

func (p *Provider) ensureClient() (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return p.client, nil
	}

	cli, err := p.newClientFunc(p.cfg, p.logger)
	if err != nil {
		return nil, fmt.Errorf("docker unavailable: %w", err)
	}
	p.client = cli
	p.initialized = true
	return cli, nil
}

// Create starts a container that idles on a shell and clones spec.RepoURL
// into its /workspace working directory, ready for the Executor's later
// stages to exec into via RunCommand.
func (p *Provider) Create(ctx context.Context, spec sandbox.CreateSpec) (*models.SandboxHandle, error) {
	cli, err := p.ensureClient()
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("taskforge-%s", spec.TaskID)
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	containerID, err := cli.CreateContainer(ctx, ContainerSpec{
		Name:        name,
		Image:       p.cfg.Image,
		Cmd:         []string{"sleep", "infinity"},
		Env:         env,
		WorkingDir:  "/workspace",
		NetworkMode: p.cfg.DefaultNetwork,
		Labels: map[string]string{
			"taskforge.taskId": spec.TaskID,
			"taskforge.agent":  string(spec.Agent),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox container: %w", err)
	}

	if err := cli.StartContainer(ctx, containerID); err != nil {
		return nil, fmt.Errorf("failed to start sandbox container: %w", err)
	}

	clone, err := cli.Exec(ctx, containerID, []string{"git", "clone", spec.RepoURL, "."}, nil)
	if err == nil && clone.ExitCode != 0 {
		err = fmt.Errorf("git clone exited %d", clone.ExitCode)
	}
	if err != nil {
		_ = cli.RemoveContainer(ctx, containerID, true)
		return nil, fmt.Errorf("failed to clone repository into sandbox: %w", err)
	}

	p.logger.Info("sandbox container started", zap.String("task_id", spec.TaskID), zap.String("container_id", containerID))

	return &models.SandboxHandle{
		TaskID:       spec.TaskID,
		ProviderType: models.ProviderDocker,
		NativeRef:    containerID,
	}, nil
}

// RunCommand implements sandbox.CommandRunner by exec'ing cmd inside the
// sandbox's container.
func (p *Provider) RunCommand(ctx context.Context, handle *models.SandboxHandle, cmd []string, env map[string]string) (*sandbox.CommandResult, error) {
	cli, err := p.ensureClient()
	if err != nil {
		return nil, err
	}

	envSlice := make([]string, 0, len(env))
	for k, v := range env {
		envSlice = append(envSlice, fmt.Sprintf("%s=%s", k, v))
	}

	result, err := cli.Exec(ctx, handle.NativeRef, cmd, envSlice)
	if err != nil {
		return nil, err
	}
	return &sandbox.CommandResult{ExitCode: result.ExitCode, Output: result.Output}, nil
}

// ExecuteAgent runs the selected agent CLI inside the sandbox, streaming
// each line of output to req.OnLogEntry as it's produced rather than
// buffering the whole run. The agent binary is assumed to already be on
// PATH in the sandbox image; which binary corresponds to which
// models.AgentType is a thin lookup table since every supported agent
// exposes a non-interactive CLI entry point. ctx is expected to carry the
// Executor's mid-run cancellation probe; canceling it stops streaming and
// returns early, leaving the process running in the container for Destroy
// to clean up.
func (p *Provider) ExecuteAgent(ctx context.Context, handle *models.SandboxHandle, req sandbox.AgentExecRequest) (*sandbox.AgentExecResult, error) {
	cli, err := p.ensureClient()
	if err != nil {
		return nil, err
	}

	emit := func(entry models.LogEntry) {
		if req.OnLogEntry != nil {
			req.OnLogEntry(entry)
		}
	}

	cmd := agentCommand(req)
	emit(models.LogEntry{Type: models.LogCommand, Message: strings.Join(cmd, " "), Timestamp: time.Now().UTC()})

	result, err := cli.ExecStream(ctx, handle.NativeRef, cmd, nil, func(line string) {
		emit(models.LogEntry{Type: models.LogInfo, Message: line, Timestamp: time.Now().UTC()})
	})
	if err != nil {
		return nil, fmt.Errorf("agent execution failed: %w", err)
	}

	if result.ExitCode == 0 {
		emit(models.LogEntry{Type: models.LogSuccess, Message: "agent process exited 0", Timestamp: time.Now().UTC()})
	} else {
		emit(models.LogEntry{Type: models.LogError, Message: fmt.Sprintf("agent process exited %d", result.ExitCode), Timestamp: time.Now().UTC()})
	}

	return &sandbox.AgentExecResult{ExitCode: result.ExitCode}, nil
}

// Destroy stops and removes the container. Safe to call more than once:
// Docker returns a normal error for an already-gone container, which is
// logged at debug level rather than propagated, matching the Executor's
// best-effort cleanup stage.
func (p *Provider) Destroy(ctx context.Context, handle *models.SandboxHandle) error {
	cli, err := p.ensureClient()
	if err != nil {
		return err
	}

	if err := cli.StopContainer(ctx, handle.NativeRef, 10*time.Second); err != nil {
		p.logger.Debug("stop container failed during destroy, proceeding to remove",
			zap.String("task_id", handle.TaskID), zap.Error(err))
	}
	if err := cli.RemoveContainer(ctx, handle.NativeRef, true); err != nil {
		p.logger.Debug("remove container failed during destroy",
			zap.String("task_id", handle.TaskID), zap.Error(err))
		return nil
	}
	return nil
}

var agentBinary = map[models.AgentType]string{
	models.AgentClaude:   "claude",
	models.AgentCodex:    "codex",
	models.AgentCursor:   "cursor-agent",
	models.AgentGemini:   "gemini",
	models.AgentOpenCode: "opencode",
}

func agentCommand(req sandbox.AgentExecRequest) []string {
	bin, ok := agentBinary[req.Agent]
	if !ok {
		bin = string(req.Agent)
	}
	cmd := []string{bin, "--prompt", req.Prompt}
	if req.Model != "" {
		cmd = append(cmd, "--model", req.Model)
	}
	for _, id := range req.MCPServerIDs {
		cmd = append(cmd, "--mcp-server", id)
	}
	return cmd
}

var _ sandbox.Provider = (*Provider)(nil)
var _ sandbox.CommandRunner = (*Provider)(nil)
