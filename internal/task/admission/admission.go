// Package admission implements the Admission Layer: it turns a validated
// task-creation request into a durable Task record and an execute event.
package admission

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/events"
	"github.com/taskforge/taskforge/internal/events/bus"
	"github.com/taskforge/taskforge/internal/ratelimit"
	"github.com/taskforge/taskforge/internal/task/errors"
	"github.com/taskforge/taskforge/internal/task/models"
	"github.com/taskforge/taskforge/internal/task/repository"
)

// Principal is the already-authenticated caller; the engine never resolves
// credentials itself.
type Principal struct {
	UserID string
	Email  string
}

// CreateTaskInput is the validated payload for CreateTask.
type CreateTaskInput struct {
	Prompt              string
	RepoURL             string
	SelectedAgent       models.AgentType
	SandboxProvider     models.SandboxProviderType
	SelectedModel       string
	KeepAlive           bool
	MaxDuration         time.Duration
	InstallDependencies bool
	MCPServerIDs        []string
	ExistingBranchName  string
}

func (in CreateTaskInput) validate() error {
	if strings.TrimSpace(in.Prompt) == "" {
		return errors.New(errors.KindInvalidInput, "prompt must not be empty")
	}
	if strings.TrimSpace(in.RepoURL) == "" {
		return errors.New(errors.KindInvalidInput, "repoUrl is required")
	}
	switch in.SelectedAgent {
	case models.AgentClaude, models.AgentCodex, models.AgentCursor, models.AgentGemini, models.AgentOpenCode:
	default:
		return errors.New(errors.KindInvalidInput, "selectedAgent is not a recognized agent")
	}
	switch in.SandboxProvider {
	case models.ProviderVercel, models.ProviderDocker, models.ProviderE2B, models.ProviderDaytona:
	default:
		return errors.New(errors.KindInvalidInput, "sandboxProvider is not a recognized provider")
	}
	return nil
}

// SandboxCanceller is the narrow capability CancelTask needs from the
// process-wide Sandbox Registry: look up any live handle for taskID and
// destroy it. It is optional — an Admission constructed without one (e.g.
// running in a process separate from the orchestrator worker pool) still
// marks the task stopped; the Executor's own stage-boundary cancellation
// probe reclaims the sandbox on its next check in that case.
type SandboxCanceller interface {
	CancelSandbox(ctx context.Context, taskID string) error
}

// Admission is the entry point for task creation, cancellation, and
// follow-up messages.
type Admission struct {
	repo    repository.Repository
	limiter ratelimit.Limiter
	bus     bus.EventBus
	logger  *logger.Logger
	sandbox SandboxCanceller

	// branchMutexes serializes concurrent follow-ups on the same
	// (userId, branchName) pair, since two pushes to one branch can
	// conflict; parallelism there is explicitly unsafe.
	branchMutexes *keyedMutex
}

// New constructs an Admission with no direct Sandbox Registry access;
// CancelTask relies on the Executor's own cancellation probe to reclaim
// the sandbox. Use WithSandboxCanceller to dispatch Destroy immediately.
func New(repo repository.Repository, limiter ratelimit.Limiter, eventBus bus.EventBus, log *logger.Logger) *Admission {
	return &Admission{
		repo:          repo,
		limiter:       limiter,
		bus:           eventBus,
		logger:        log,
		branchMutexes: newKeyedMutex(),
	}
}

// WithSandboxCanceller attaches the Sandbox Registry dispatch capability,
// letting CancelTask destroy a live sandbox immediately instead of waiting
// for the Executor's next stage-boundary probe.
func (a *Admission) WithSandboxCanceller(c SandboxCanceller) *Admission {
	a.sandbox = c
	return a
}

// CreateTask validates the request, enforces the Rate Limiter, writes the
// initial pending Task row, and emits task.execute. Branch-name synthesis is
// scheduled non-blocking: this call returns before synthesis completes.
func (a *Admission) CreateTask(ctx context.Context, principal *Principal, in CreateTaskInput) (*models.Task, error) {
	if principal == nil {
		return nil, errors.New(errors.KindUnauthorized, "no authenticated principal")
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	result, err := a.limiter.CheckAllowed(ctx, principal.UserID, principal.Email)
	if err != nil {
		// The limiter itself fails open; an error here means something
		// more fundamental went wrong constructing the check.
		return nil, errors.Wrap(errors.KindRateLimitExceeded, "rate limit check failed", err)
	}
	if !result.Allowed {
		return nil, &errors.Error{
			Kind:    errors.KindRateLimitExceeded,
			Message: fmt.Sprintf("daily quota of %d tasks exceeded, resets at %s", result.Total, result.ResetAt.Format(time.RFC3339)),
		}
	}

	now := time.Now().UTC()
	task := &models.Task{
		ID:                  generateTaskID(),
		UserID:              principal.UserID,
		Prompt:              in.Prompt,
		RepoURL:             in.RepoURL,
		SelectedAgent:       in.SelectedAgent,
		SelectedModel:       in.SelectedModel,
		SandboxProvider:     in.SandboxProvider,
		Status:              models.StatusPending,
		Progress:            0,
		Logs:                []models.LogEntry{},
		KeepAlive:           in.KeepAlive,
		MaxDuration:         in.MaxDuration,
		MCPServerIDs:        in.MCPServerIDs,
		InstallDependencies: in.InstallDependencies,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if in.ExistingBranchName != "" {
		existing := in.ExistingBranchName
		task.ExistingBranchName = &existing
		task.BranchName = &existing
	}

	if err := a.repo.Create(ctx, task); err != nil {
		if err == repository.ErrBranchNameConflict {
			return nil, errors.New(errors.KindInvalidInput, "a live task already owns this branch for this user")
		}
		return nil, errors.Wrap(errors.KindInvalidInput, "failed to persist task", err)
	}

	if err := a.publishExecute(ctx, task, nil); err != nil {
		a.logger.Error("failed to publish task.execute", zap.String("task_id", task.ID), zap.Error(err))
	}

	if task.ExistingBranchName == nil {
		if err := a.scheduleBranchNameSynthesis(ctx, task); err != nil {
			a.logger.Warn("failed to schedule branch-name synthesis", zap.String("task_id", task.ID), zap.Error(err))
		}
	}

	return task, nil
}

// CancelTask sets status=stopped. If a SandboxCanceller is attached it also
// dispatches Destroy immediately; otherwise a live sandbox is reclaimed by
// whatever the orchestrator process uses to notice the status change on its
// own (its cancellation watch loop, or the Executor's stage-boundary probe).
func (a *Admission) CancelTask(ctx context.Context, principal *Principal, taskID string) error {
	task, err := a.repo.GetByID(ctx, taskID)
	if err != nil {
		return errors.Wrap(errors.KindInvalidInput, "task not found", err)
	}
	if task.UserID != principal.UserID {
		return errors.New(errors.KindUnauthorized, "task does not belong to principal")
	}
	if task.Status != models.StatusPending && task.Status != models.StatusProcessing {
		return errors.New(errors.KindInvalidInput, "task is not cancellable in its current status")
	}

	if err := a.repo.UpdateStatus(ctx, taskID, models.StatusStopped); err != nil {
		return errors.Wrap(errors.KindInvalidInput, "failed to mark task stopped", err)
	}

	if a.sandbox != nil {
		if err := a.sandbox.CancelSandbox(ctx, taskID); err != nil {
			a.logger.Warn("failed to destroy sandbox on cancellation", zap.String("task_id", taskID), zap.Error(err))
		}
	}
	return nil
}

// AppendFollowUp appends a TaskMessage and emits a new task.execute event
// that reuses the task's existing branch. Concurrent follow-ups on the same
// (userId, branchName) are serialized in-process to avoid two pushes racing
// on one branch.
func (a *Admission) AppendFollowUp(ctx context.Context, principal *Principal, taskID, message string) error {
	task, err := a.repo.GetByID(ctx, taskID)
	if err != nil {
		return errors.Wrap(errors.KindInvalidInput, "task not found", err)
	}
	if task.UserID != principal.UserID {
		return errors.New(errors.KindUnauthorized, "task does not belong to principal")
	}
	if task.BranchName == nil {
		return errors.New(errors.KindInvalidInput, "task has no branch to continue")
	}

	key := task.UserID + "/" + *task.BranchName
	unlock := a.branchMutexes.lock(key)
	defer unlock()

	msg := &models.TaskMessage{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Role:      models.RoleUser,
		Content:   message,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.repo.AppendMessage(ctx, msg); err != nil {
		return errors.Wrap(errors.KindInvalidInput, "failed to record follow-up message", err)
	}

	history, err := a.repo.ListMessages(ctx, taskID)
	if err != nil {
		a.logger.Warn("failed to load conversation history for follow-up", zap.String("task_id", taskID), zap.Error(err))
	}

	existing := *task.BranchName
	task.ExistingBranchName = &existing
	return a.publishExecute(ctx, task, history)
}

func (a *Admission) publishExecute(ctx context.Context, task *models.Task, history []models.TaskMessage) error {
	data := map[string]interface{}{
		"taskId":              task.ID,
		"prompt":              task.Prompt,
		"repoUrl":             task.RepoURL,
		"selectedAgent":       string(task.SelectedAgent),
		"sandboxProvider":     string(task.SandboxProvider),
		"selectedModel":       task.SelectedModel,
		"installDependencies": task.InstallDependencies,
		"maxDuration":         task.MaxDuration.String(),
		"keepAlive":           task.KeepAlive,
		"mcpServerIds":        task.MCPServerIDs,
	}
	if task.ExistingBranchName != nil {
		data["existingBranchName"] = *task.ExistingBranchName
	}
	if len(history) > 0 {
		data["conversationHistory"] = history
	}

	event := bus.NewEvent(events.TaskExecute, "admission", data)
	return a.bus.Publish(ctx, events.TaskExecute, event)
}

func (a *Admission) scheduleBranchNameSynthesis(ctx context.Context, task *models.Task) error {
	event := bus.NewEvent(events.BranchNameSynthesize, "admission", map[string]interface{}{
		"taskId": task.ID,
		"prompt": task.Prompt,
		"repo":   task.RepoURL,
		"agent":  string(task.SelectedAgent),
	})
	return a.bus.Publish(ctx, events.BranchNameSynthesize, event)
}

func generateTaskID() string {
	return uuid.New().String()
}
