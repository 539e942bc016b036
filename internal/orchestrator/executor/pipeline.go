// Package executor implements the Executor: the orchestration pipeline that
// drives one Task from pending to a terminal state, stage by stage, the way
// the teacher's agent lifecycle manager drives one agent instance through
// create/run/stop.
package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/branchname"
	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/credentials"
	"github.com/taskforge/taskforge/internal/events/bus"
	"github.com/taskforge/taskforge/internal/logsink"
	"github.com/taskforge/taskforge/internal/redact"
	"github.com/taskforge/taskforge/internal/sandbox"
	"github.com/taskforge/taskforge/internal/task/errors"
	"github.com/taskforge/taskforge/internal/task/models"
	"github.com/taskforge/taskforge/internal/task/repository"
)

// ExecuteCommand is the parsed payload of a task.execute event.
type ExecuteCommand struct {
	TaskID               string
	Prompt               string
	RepoURL              string
	SelectedAgent        models.AgentType
	SandboxProvider      models.SandboxProviderType
	SelectedModel        string
	InstallDependencies  bool
	MaxDuration          time.Duration
	KeepAlive            bool
	MCPServerIDs         []string
	ExistingBranchName   string
	ConversationHistory  []models.TaskMessage
}

// ParseExecuteCommand decodes an event.Data map published by the Admission
// Layer, per the task.execute schema.
func ParseExecuteCommand(data map[string]interface{}) (*ExecuteCommand, error) {
	cmd := &ExecuteCommand{}
	cmd.TaskID, _ = data["taskId"].(string)
	cmd.Prompt, _ = data["prompt"].(string)
	cmd.RepoURL, _ = data["repoUrl"].(string)
	if a, ok := data["selectedAgent"].(string); ok {
		cmd.SelectedAgent = models.AgentType(a)
	}
	if p, ok := data["sandboxProvider"].(string); ok {
		cmd.SandboxProvider = models.SandboxProviderType(p)
	}
	cmd.SelectedModel, _ = data["selectedModel"].(string)
	cmd.InstallDependencies, _ = data["installDependencies"].(bool)
	cmd.KeepAlive, _ = data["keepAlive"].(bool)
	cmd.ExistingBranchName, _ = data["existingBranchName"].(string)

	if raw, ok := data["maxDuration"].(string); ok {
		d, err := time.ParseDuration(raw)
		if err == nil {
			cmd.MaxDuration = d
		}
	}
	if ids, ok := data["mcpServerIds"].([]string); ok {
		cmd.MCPServerIDs = ids
	}
	if history, ok := data["conversationHistory"].([]models.TaskMessage); ok {
		cmd.ConversationHistory = history
	}

	if cmd.TaskID == "" {
		return nil, fmt.Errorf("task.execute event missing taskId")
	}
	return cmd, nil
}

// pipelineState carries one run's accumulated context between stages.
type pipelineState struct {
	cmd  *ExecuteCommand
	task *models.Task

	hostToken   string
	agentAPIKey string
	connEnv     map[string]map[string]string

	handle *models.SandboxHandle

	logs []models.LogEntry
}

// defaultProviderMaxDuration is the hard ceiling applied when the caller
// never configured an explicit provider cap, matching spec.md §5's "e.g. 30
// minutes" example.
const defaultProviderMaxDuration = 30 * time.Minute

// Pipeline drives one Task through every stage described in the Executor's
// contract. One Pipeline instance is shared across all worker goroutines;
// per-run state lives in pipelineState, not on the Pipeline itself.
type Pipeline struct {
	repo        repository.Repository
	registry    *sandbox.Registry
	handles     *sandbox.HandleRegistry
	credentials credentials.Store
	sink        *logsink.Sink
	eventBus    bus.EventBus
	logger      *logger.Logger

	// providerMaxDuration is the hard wall-clock ceiling a sandbox's timeout
	// is capped at, regardless of what the task requested, per spec.md §5.
	providerMaxDuration time.Duration

	// runningTasks enforces at-most-one-execution-per-taskId independent of
	// whatever guarantee the event bus's queue group already provides.
	runningTasks sync.Map
}

// New constructs a Pipeline with the default 30-minute provider cap.
func New(
	repo repository.Repository,
	registry *sandbox.Registry,
	handles *sandbox.HandleRegistry,
	credStore credentials.Store,
	sink *logsink.Sink,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Pipeline {
	return NewWithMaxDuration(repo, registry, handles, credStore, sink, eventBus, log, defaultProviderMaxDuration)
}

// NewWithMaxDuration constructs a Pipeline with an explicit provider cap, for
// deployments that configure a ceiling other than the 30-minute default.
func NewWithMaxDuration(
	repo repository.Repository,
	registry *sandbox.Registry,
	handles *sandbox.HandleRegistry,
	credStore credentials.Store,
	sink *logsink.Sink,
	eventBus bus.EventBus,
	log *logger.Logger,
	providerMaxDuration time.Duration,
) *Pipeline {
	if providerMaxDuration <= 0 {
		providerMaxDuration = defaultProviderMaxDuration
	}
	return &Pipeline{
		repo:                repo,
		registry:            registry,
		handles:             handles,
		credentials:         credStore,
		sink:                sink,
		eventBus:            eventBus,
		logger:              log,
		providerMaxDuration: providerMaxDuration,
	}
}

// effectiveTimeout caps the task's requested maxDuration at the provider
// ceiling, per spec.md §4.2 stage 5 ("timeout = min(task.maxDuration,
// provider cap)").
func (p *Pipeline) effectiveTimeout(cmd *ExecuteCommand) time.Duration {
	if cmd.MaxDuration <= 0 || cmd.MaxDuration > p.providerMaxDuration {
		return p.providerMaxDuration
	}
	return cmd.MaxDuration
}

// Run executes cmd's task to completion. It is safe to call concurrently
// for different taskIds; a second concurrent call for the same taskId
// returns immediately without doing anything.
func (p *Pipeline) Run(ctx context.Context, cmd *ExecuteCommand) {
	if _, already := p.runningTasks.LoadOrStore(cmd.TaskID, struct{}{}); already {
		p.logger.Warn("ignoring duplicate task.execute delivery", zap.String("task_id", cmd.TaskID))
		return
	}
	defer p.runningTasks.Delete(cmd.TaskID)

	log := p.logger.WithTaskID(cmd.TaskID)
	state := &pipelineState{cmd: cmd}

	timeout := p.effectiveTimeout(cmd)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	log.Debug("running with sandbox wall-clock timeout", zap.Duration("timeout", timeout))

	if err := p.loadAndLock(ctx, state); err != nil {
		log.Warn("task not runnable, skipping", zap.Error(err))
		return
	}
	if state.task == nil {
		return
	}

	defer p.sink.Close(cmd.TaskID)

	stages := []struct {
		name string
		fn   func(context.Context, *pipelineState) error
	}{
		{"resolveCredentials", p.resolveCredentials},
		{"decideBranchName", p.decideBranchName},
		{"createSandbox", p.createSandbox},
		{"installDependencies", p.installDependencies},
		{"configureGit", p.configureGit},
		{"checkoutBranch", p.checkoutBranch},
		{"runAgent", p.runAgent},
		{"commitAndPush", p.commitAndPush},
	}

	for _, stage := range stages {
		if p.cancelled(ctx, state) {
			p.onCancelled(ctx, state)
			return
		}
		if err := stage.fn(ctx, state); err != nil {
			if classified, ok := err.(*errors.Error); ok && classified.Kind == errors.KindCancelled {
				p.onCancelled(ctx, state)
				return
			}
			if classified, ok := err.(*errors.Error); ok && !classified.Kind.Fatal() {
				log.Warn("non-fatal pipeline warning", zap.String("stage", stage.name), zap.Error(err))
				continue
			}
			p.onFatal(ctx, state, stage.name, err)
			return
		}
	}

	if p.cancelled(ctx, state) {
		p.onCancelled(ctx, state)
		return
	}

	p.finish(ctx, state)
	p.cleanup(ctx, state)
}

// cancelled re-reads the task's status from the Task Store. This is the
// stage-boundary probe called before and after every stage.
func (p *Pipeline) cancelled(ctx context.Context, state *pipelineState) bool {
	current, err := p.repo.GetByID(ctx, state.cmd.TaskID)
	if err != nil {
		return false
	}
	return current.Status == models.StatusStopped
}

// watchCancellation derives a context that is canceled as soon as the
// task's status flips to stopped, polled every 500ms. Every other stage is
// short enough that the stage-boundary cancelled() probe catches a
// cancellation between one stage and the next; runAgent is the one stage
// that can run for the full maxDuration, so it gets this finer-grained
// probe threaded into the provider call instead of waiting for it to
// return. The caller must invoke the returned cancel func to stop the
// polling goroutine once the stage is done, cancelled or not.
func (p *Pipeline) watchCancellation(ctx context.Context, state *pipelineState) (context.Context, context.CancelFunc) {
	watchCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
				if p.cancelled(ctx, state) {
					cancel()
					return
				}
			}
		}
	}()
	return watchCtx, cancel
}

func (p *Pipeline) appendLog(state *pipelineState, typ models.LogEntryType, message string) {
	entry := models.LogEntry{Type: typ, Message: p.redact(state, message), Timestamp: time.Now().UTC()}
	state.logs = append(state.logs, entry)
	p.sink.Append(state.cmd.TaskID, []models.LogEntry{entry})
}

func (p *Pipeline) redact(state *pipelineState, s string) string {
	return redact.Redactor(s, redact.Secrets{HostToken: state.hostToken, AgentAPIKey: state.agentAPIKey})
}

// loadAndLock implements stage 1: read the task, and refuse to run it if
// it is no longer in a runnable state.
func (p *Pipeline) loadAndLock(ctx context.Context, state *pipelineState) error {
	task, err := p.repo.GetByID(ctx, state.cmd.TaskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if task.Status != models.StatusPending && task.Status != models.StatusProcessing {
		state.task = nil
		return nil
	}

	task.Status = models.StatusProcessing
	task.Progress = 5
	if state.cmd.ExistingBranchName != "" {
		existing := state.cmd.ExistingBranchName
		task.ExistingBranchName = &existing
	}
	if err := p.repo.Update(ctx, task); err != nil {
		return fmt.Errorf("mark task processing: %w", err)
	}

	state.task = task
	return nil
}

// resolveCredentials implements stage 3.
func (p *Pipeline) resolveCredentials(ctx context.Context, state *pipelineState) error {
	token, err := p.credentials.GetHostAccessToken(ctx, state.task.UserID)
	if err != nil {
		return errors.Wrap(errors.KindCredentialMissing, "failed to resolve host access token", err)
	}
	apiKey, err := p.credentials.GetUserApiKey(ctx, state.task.UserID, string(state.task.SelectedAgent))
	if err != nil {
		return errors.Wrap(errors.KindCredentialMissing, "failed to resolve agent api key", err)
	}

	state.hostToken = token
	state.agentAPIKey = apiKey
	state.connEnv = make(map[string]map[string]string, len(state.cmd.MCPServerIDs))
	for _, connectorID := range state.cmd.MCPServerIDs {
		env, err := p.credentials.GetDecryptedConnectorEnv(ctx, connectorID)
		if err != nil {
			continue
		}
		state.connEnv[connectorID] = env
	}
	return nil
}

// decideBranchName implements stage 4: the single read-then-fallback that
// races the Branch-Name Synthesizer's asynchronous write.
func (p *Pipeline) decideBranchName(ctx context.Context, state *pipelineState) error {
	current, err := p.repo.GetByID(ctx, state.task.ID)
	if err != nil {
		return errors.Wrap(errors.KindSandboxCreateFailed, "failed to re-read task before branch decision", err)
	}

	if current.BranchName != nil {
		state.task.BranchName = current.BranchName
		return nil
	}

	name, err := branchname.FallbackName(time.Now().UTC())
	if err != nil {
		return errors.Wrap(errors.KindSandboxCreateFailed, "failed to generate fallback branch name", err)
	}

	won, err := p.repo.SetBranchNameIfNull(ctx, state.task.ID, name)
	if err != nil {
		return errors.Wrap(errors.KindSandboxCreateFailed, "failed to persist fallback branch name", err)
	}
	if won {
		state.task.BranchName = &name
	} else {
		refreshed, err := p.repo.GetByID(ctx, state.task.ID)
		if err == nil && refreshed.BranchName != nil {
			state.task.BranchName = refreshed.BranchName
		} else {
			state.task.BranchName = &name
		}
	}
	return nil
}

// createSandbox implements stage 5.
func (p *Pipeline) createSandbox(ctx context.Context, state *pipelineState) error {
	provider, ok := p.registry.For(state.task.SandboxProvider)
	if !ok {
		return errors.New(errors.KindSandboxCreateFailed, fmt.Sprintf("no provider registered for %q", state.task.SandboxProvider))
	}

	env := map[string]string{}
	if state.agentAPIKey != "" {
		env[agentEnvVar(state.task.SelectedAgent)] = state.agentAPIKey
	}
	for _, connEnv := range state.connEnv {
		for k, v := range connEnv {
			env[k] = v
		}
	}

	branch := ""
	if state.task.BranchName != nil {
		branch = *state.task.BranchName
	}

	handle, err := provider.Create(ctx, sandbox.CreateSpec{
		TaskID:      state.task.ID,
		RepoURL:     authenticatedCloneURL(state.task.RepoURL, state.hostToken),
		BranchName:  branch,
		Agent:       state.task.SelectedAgent,
		MaxDuration: state.task.MaxDuration,
		KeepAlive:   state.task.KeepAlive,
		Env:         env,
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return errors.Wrap(errors.KindSandboxCreateTimeout, "sandbox create timed out", err)
		}
		return errors.Wrap(errors.KindSandboxCreateFailed, "sandbox create failed", err)
	}

	state.handle = handle
	p.handles.Put(state.task.ID, handle)

	state.task.Progress = 30
	p.appendLog(state, models.LogInfo, "sandbox created")
	if err := p.repo.UpdateProgress(ctx, state.task.ID, state.task.Progress); err != nil {
		p.logger.Warn("failed to persist progress after sandbox create", zap.String("task_id", state.task.ID), zap.Error(err))
	}
	return nil
}

// authenticatedCloneURL embeds token into repoURL so the sandbox's clone
// step authenticates without a separate credential helper round trip. This
// string must never reach a log line unredacted; the Redactor masks token
// wherever it appears.
func authenticatedCloneURL(repoURL, token string) string {
	if token == "" {
		return repoURL
	}
	if strings.HasPrefix(repoURL, "https://") {
		return "https://" + token + ":x-oauth-basic@" + strings.TrimPrefix(repoURL, "https://")
	}
	return repoURL
}

func agentEnvVar(agent models.AgentType) string {
	switch agent {
	case models.AgentClaude:
		return "ANTHROPIC_API_KEY"
	case models.AgentCodex:
		return "OPENAI_API_KEY"
	case models.AgentCursor:
		return "CURSOR_API_KEY"
	case models.AgentGemini:
		return "GEMINI_API_KEY"
	case models.AgentOpenCode:
		return "OPENCODE_API_KEY"
	default:
		return "AGENT_API_KEY"
	}
}

// runAgent implements stage 9. It's the one stage long enough to outlast
// the next stage-boundary cancelled() probe, so it runs under a context
// that polls for cancellation independently (watchCancellation) and
// streams each log entry to the sink as the provider produces it instead
// of waiting for the whole run to finish.
func (p *Pipeline) runAgent(ctx context.Context, state *pipelineState) error {
	provider, ok := p.registry.For(state.task.SandboxProvider)
	if !ok {
		return errors.New(errors.KindSandboxCreateFailed, "provider disappeared before agent execution")
	}

	watchCtx, stopWatch := p.watchCancellation(ctx, state)
	defer stopWatch()

	var streamed bool
	result, err := provider.ExecuteAgent(watchCtx, state.handle, sandbox.AgentExecRequest{
		Prompt:              state.task.Prompt,
		Agent:               state.task.SelectedAgent,
		Model:               state.task.SelectedModel,
		MCPServerIDs:        state.cmd.MCPServerIDs,
		ConversationHistory: state.cmd.ConversationHistory,
		InstallDependencies: state.task.InstallDependencies,
		OnLogEntry: func(entry models.LogEntry) {
			streamed = true
			entry.Message = p.redact(state, entry.Message)
			state.logs = append(state.logs, entry)
			p.sink.Append(state.cmd.TaskID, []models.LogEntry{entry})
		},
	})
	if err != nil {
		switch {
		case ctx.Err() == context.DeadlineExceeded:
			return errors.Wrap(errors.KindAgentTimeout, "agent execution exceeded maxDuration", err)
		case ctx.Err() == nil && watchCtx.Err() != nil:
			return errors.Wrap(errors.KindCancelled, "agent execution cancelled", err)
		default:
			return errors.Wrap(errors.KindAgentExitNonZero, "agent execution failed", err)
		}
	}

	if !streamed {
		for i := range result.Logs {
			result.Logs[i].Message = p.redact(state, result.Logs[i].Message)
			state.logs = append(state.logs, result.Logs[i])
		}
		if len(result.Logs) > 0 {
			p.sink.Append(state.cmd.TaskID, result.Logs)
		}
	}

	state.task.Progress = 80
	if err := p.repo.UpdateProgress(ctx, state.task.ID, state.task.Progress); err != nil {
		p.logger.Warn("failed to persist progress after agent run", zap.String("task_id", state.task.ID), zap.Error(err))
	}

	if result.ExitCode != 0 {
		return errors.New(errors.KindAgentExitNonZero, fmt.Sprintf("agent exited with code %d", result.ExitCode))
	}
	return nil
}

// finish implements stage 11.
func (p *Pipeline) finish(ctx context.Context, state *pipelineState) {
	state.task.Status = models.StatusCompleted
	state.task.Progress = 100
	if err := p.repo.Update(ctx, state.task); err != nil {
		p.logger.Error("failed to persist terminal completed status", zap.String("task_id", state.task.ID), zap.Error(err))
	}
}

// cleanup implements stage 12.
func (p *Pipeline) cleanup(ctx context.Context, state *pipelineState) {
	if state.task.KeepAlive || state.handle == nil {
		return
	}
	provider, ok := p.registry.For(state.task.SandboxProvider)
	if !ok {
		return
	}
	if err := provider.Destroy(ctx, state.handle); err != nil {
		p.logger.Warn("provider destroy failed during cleanup", zap.String("task_id", state.task.ID), zap.Error(err))
	}
	p.handles.Remove(state.task.ID)
}

func (p *Pipeline) onFatal(ctx context.Context, state *pipelineState, stage string, err error) {
	p.logger.Error("pipeline stage failed fatally", zap.String("task_id", state.task.ID), zap.String("stage", stage), zap.Error(err))

	p.appendLog(state, models.LogError, fmt.Sprintf("%s failed: %s", stage, p.redact(state, err.Error())))

	state.task.Status = models.StatusError
	if err := p.repo.Update(ctx, state.task); err != nil {
		p.logger.Error("failed to persist error status", zap.String("task_id", state.task.ID), zap.Error(err))
	}

	if state.handle != nil {
		if provider, ok := p.registry.For(state.task.SandboxProvider); ok {
			if destroyErr := provider.Destroy(ctx, state.handle); destroyErr != nil {
				p.logger.Warn("provider destroy failed after fatal error", zap.String("task_id", state.task.ID), zap.Error(destroyErr))
			}
		}
		p.handles.Remove(state.task.ID)
	}
}

func (p *Pipeline) onCancelled(ctx context.Context, state *pipelineState) {
	p.appendLog(state, models.LogInfo, "task cancelled")

	state.task.Status = models.StatusStopped
	if err := p.repo.Update(ctx, state.task); err != nil {
		p.logger.Warn("failed to persist stopped status", zap.String("task_id", state.task.ID), zap.Error(err))
	}

	if state.handle != nil {
		if provider, ok := p.registry.For(state.task.SandboxProvider); ok {
			if err := provider.Destroy(ctx, state.handle); err != nil {
				p.logger.Warn("provider destroy failed after cancellation", zap.String("task_id", state.task.ID), zap.Error(err))
			}
		}
		p.handles.Remove(state.task.ID)
	}
}
