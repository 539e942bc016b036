package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/logsink"
	"github.com/taskforge/taskforge/internal/sandbox"
	"github.com/taskforge/taskforge/internal/task/models"
	"github.com/taskforge/taskforge/internal/task/repository"
)

func testLogger(t *testing.T) *logger.Logger {
	l, err := logger.New(logger.Config{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return l
}

type fakeRepo struct {
	mu    sync.Mutex
	tasks map[string]*models.Task
}

func newFakeRepo(tasks ...*models.Task) *fakeRepo {
	r := &fakeRepo{tasks: make(map[string]*models.Task)}
	for _, t := range tasks {
		r.tasks[t.ID] = t
	}
	return r
}

func (r *fakeRepo) Create(ctx context.Context, t *models.Task) error { return nil }

func (r *fakeRepo) GetByID(ctx context.Context, id string) (*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *fakeRepo) UpdateStatus(ctx context.Context, id string, status models.TaskStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return repository.ErrNotFound
	}
	t.Status = status
	return nil
}

func (r *fakeRepo) Update(ctx context.Context, t *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	r.tasks[t.ID] = &cp
	return nil
}

func (r *fakeRepo) UpdateProgress(ctx context.Context, id string, progress int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok || t.Status != models.StatusProcessing {
		return nil
	}
	t.Progress = progress
	return nil
}

func (r *fakeRepo) SetBranchNameIfNull(ctx context.Context, id, branchName string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if t.BranchName != nil {
		return false, nil
	}
	t.BranchName = &branchName
	return true, nil
}

func (r *fakeRepo) AppendLogs(ctx context.Context, id string, entries []models.LogEntry) error {
	return nil
}

func (r *fakeRepo) CountActiveSince(ctx context.Context, userID string, since time.Time) (int, time.Time, error) {
	return 0, time.Time{}, nil
}

func (r *fakeRepo) AppendMessage(ctx context.Context, msg *models.TaskMessage) error { return nil }

func (r *fakeRepo) ListMessages(ctx context.Context, taskID string) ([]models.TaskMessage, error) {
	return nil, nil
}

func (r *fakeRepo) ListStaleProcessing(ctx context.Context, olderThan time.Time) ([]*models.Task, error) {
	return nil, nil
}

type fakeCredentials struct{}

func (fakeCredentials) GetUserApiKey(ctx context.Context, userID, provider string) (string, error) {
	return "api-key-secret", nil
}

func (fakeCredentials) GetHostAccessToken(ctx context.Context, userID string) (string, error) {
	return "host-token-secret", nil
}

func (fakeCredentials) GetDecryptedConnectorEnv(ctx context.Context, connectorID string) (map[string]string, error) {
	return map[string]string{}, nil
}

type fakeLogWriter struct {
	mu      sync.Mutex
	entries []models.LogEntry
}

func (w *fakeLogWriter) AppendLogs(ctx context.Context, taskID string, entries []models.LogEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, entries...)
	return nil
}

// fakeProvider implements both sandbox.Provider and sandbox.CommandRunner
// so pipeline tests can exercise the shell-exec stages without Docker.
type fakeProvider struct {
	mu        sync.Mutex
	destroyed []string
	execCalls [][]string
	agentExit int
}

func (p *fakeProvider) Create(ctx context.Context, spec sandbox.CreateSpec) (*models.SandboxHandle, error) {
	return &models.SandboxHandle{TaskID: spec.TaskID, ProviderType: models.ProviderDocker, NativeRef: "container-" + spec.TaskID}, nil
}

func (p *fakeProvider) ExecuteAgent(ctx context.Context, handle *models.SandboxHandle, req sandbox.AgentExecRequest) (*sandbox.AgentExecResult, error) {
	return &sandbox.AgentExecResult{
		ExitCode: p.agentExit,
		Logs:     []models.LogEntry{{Type: models.LogInfo, Message: "agent output line", Timestamp: time.Now().UTC()}},
	}, nil
}

func (p *fakeProvider) Destroy(ctx context.Context, handle *models.SandboxHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyed = append(p.destroyed, handle.NativeRef)
	return nil
}

func (p *fakeProvider) RunCommand(ctx context.Context, handle *models.SandboxHandle, cmd []string, env map[string]string) (*sandbox.CommandResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.execCalls = append(p.execCalls, cmd)

	if len(cmd) >= 2 && cmd[0] == "test" && cmd[1] == "-f" {
		return &sandbox.CommandResult{ExitCode: 1}, nil
	}
	if len(cmd) >= 2 && cmd[0] == "git" && cmd[1] == "status" {
		return &sandbox.CommandResult{ExitCode: 0, Output: " M file.go\n"}, nil
	}
	return &sandbox.CommandResult{ExitCode: 0, Output: "ok"}, nil
}

func newPipeline(t *testing.T, repo repository.Repository, provider sandbox.Provider) (*Pipeline, *sandbox.HandleRegistry) {
	log := testLogger(t)
	registry := sandbox.NewRegistry(map[models.SandboxProviderType]sandbox.Provider{
		models.ProviderDocker: provider,
	})
	handles := sandbox.NewHandleRegistry(registry, repo, log)
	sink := logsink.New(&fakeLogWriter{}, log)
	pipeline := New(repo, registry, handles, fakeCredentials{}, sink, nil, log)
	return pipeline, handles
}

func baseTask(id string) *models.Task {
	return &models.Task{
		ID:              id,
		UserID:          "user-1",
		Prompt:          "fix the bug",
		RepoURL:         "https://github.com/acme/widgets",
		SelectedAgent:   models.AgentClaude,
		SandboxProvider: models.ProviderDocker,
		Status:          models.StatusPending,
		MaxDuration:     10 * time.Minute,
	}
}

func TestPipeline_RunCompletesSuccessfully(t *testing.T) {
	task := baseTask("task-1")
	repo := newFakeRepo(task)
	provider := &fakeProvider{}
	pipeline, _ := newPipeline(t, repo, provider)

	pipeline.Run(context.Background(), &ExecuteCommand{
		TaskID:          "task-1",
		Prompt:          task.Prompt,
		RepoURL:         task.RepoURL,
		SelectedAgent:   models.AgentClaude,
		SandboxProvider: models.ProviderDocker,
	})

	final, err := repo.GetByID(context.Background(), "task-1")
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, final.Status)
	require.Equal(t, 100, final.Progress)
	require.NotNil(t, final.BranchName)
	require.Len(t, provider.destroyed, 1)
}

func TestPipeline_AgentNonZeroExitMarksTaskError(t *testing.T) {
	task := baseTask("task-2")
	repo := newFakeRepo(task)
	provider := &fakeProvider{agentExit: 1}
	pipeline, _ := newPipeline(t, repo, provider)

	pipeline.Run(context.Background(), &ExecuteCommand{
		TaskID:          "task-2",
		SelectedAgent:   models.AgentClaude,
		SandboxProvider: models.ProviderDocker,
	})

	final, err := repo.GetByID(context.Background(), "task-2")
	require.NoError(t, err)
	require.Equal(t, models.StatusError, final.Status)
	require.Len(t, provider.destroyed, 1)
}

func TestPipeline_CancelledTaskShortCircuits(t *testing.T) {
	task := baseTask("task-3")
	task.Status = models.StatusStopped
	repo := newFakeRepo(task)
	provider := &fakeProvider{}
	pipeline, _ := newPipeline(t, repo, provider)

	pipeline.Run(context.Background(), &ExecuteCommand{
		TaskID:          "task-3",
		SelectedAgent:   models.AgentClaude,
		SandboxProvider: models.ProviderDocker,
	})

	final, err := repo.GetByID(context.Background(), "task-3")
	require.NoError(t, err)
	require.Equal(t, models.StatusStopped, final.Status)
	require.Empty(t, provider.execCalls)
}

func TestPipeline_DuplicateRunIgnored(t *testing.T) {
	task := baseTask("task-4")
	repo := newFakeRepo(task)
	provider := &fakeProvider{}
	pipeline, _ := newPipeline(t, repo, provider)

	pipeline.runningTasks.Store("task-4", struct{}{})
	pipeline.Run(context.Background(), &ExecuteCommand{TaskID: "task-4", SandboxProvider: models.ProviderDocker})

	final, err := repo.GetByID(context.Background(), "task-4")
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, final.Status)
}

func TestPipeline_ExistingBranchIsCheckedOutNotCreated(t *testing.T) {
	task := baseTask("task-5")
	existing := "agent/resume-me"
	task.ExistingBranchName = &existing
	repo := newFakeRepo(task)
	provider := &fakeProvider{}
	pipeline, _ := newPipeline(t, repo, provider)

	pipeline.Run(context.Background(), &ExecuteCommand{
		TaskID:             "task-5",
		SelectedAgent:      models.AgentClaude,
		SandboxProvider:    models.ProviderDocker,
		ExistingBranchName: existing,
	})

	var sawCheckoutExisting bool
	for _, call := range provider.execCalls {
		if len(call) == 3 && call[0] == "git" && call[1] == "checkout" && call[2] == existing {
			sawCheckoutExisting = true
		}
	}
	require.True(t, sawCheckoutExisting)
}
