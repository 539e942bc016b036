package sandbox

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/task/models"
)

// StaleTaskLister is the narrow Task Store slice the sweep loop needs:
// listing tasks stuck in "processing" past their allotted duration, and
// looking up one task's current status.
type StaleTaskLister interface {
	ListStaleProcessing(ctx context.Context, olderThan time.Time) ([]*models.Task, error)
	GetByID(ctx context.Context, id string) (*models.Task, error)
}

// HandleRegistry is the in-process map of live sandboxes, keyed by task ID.
// It is the single source of truth the orphan sweep and CancelTask dispatch
// both consult before calling Provider.Destroy.
type HandleRegistry struct {
	mu       sync.RWMutex
	handles  map[string]*models.SandboxHandle
	registry *Registry
	tasks    StaleTaskLister
	logger   *logger.Logger
}

// NewHandleRegistry constructs a HandleRegistry backed by reg for Destroy
// dispatch and tasks for the orphan sweep's staleness check.
func NewHandleRegistry(reg *Registry, tasks StaleTaskLister, log *logger.Logger) *HandleRegistry {
	return &HandleRegistry{
		handles:  make(map[string]*models.SandboxHandle),
		registry: reg,
		tasks:    tasks,
		logger:   log,
	}
}

// Put records the handle for taskID, replacing whatever was there before.
func (r *HandleRegistry) Put(taskID string, handle *models.SandboxHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[taskID] = handle
}

// Get returns the live handle for taskID, if any.
func (r *HandleRegistry) Get(taskID string) (*models.SandboxHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[taskID]
	return h, ok
}

// Remove drops taskID from the registry without destroying its sandbox;
// callers that own the teardown call Provider.Destroy first.
func (r *HandleRegistry) Remove(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, taskID)
}

// snapshot copies the current handle map for iteration without holding the
// lock across provider calls.
func (r *HandleRegistry) snapshot() map[string]*models.SandboxHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*models.SandboxHandle, len(r.handles))
	for k, v := range r.handles {
		out[k] = v
	}
	return out
}

// SweepOrphans cross-checks tasks still marked "processing" past maxAge
// against the live handle registry and destroys any sandbox whose task has
// gone stale. Only tasks still in processing are considered: the sandbox of
// a keepAlive task that finished as completed is not reclaimed here, and no
// other code path reclaims it either.
func (r *HandleRegistry) SweepOrphans(ctx context.Context, maxAge time.Duration) {
	stale, err := r.tasks.ListStaleProcessing(ctx, time.Now().UTC().Add(-maxAge))
	if err != nil {
		r.logger.Warn("orphan sweep failed to list stale tasks", zap.Error(err))
		return
	}
	if len(stale) == 0 {
		return
	}

	handles := r.snapshot()
	for _, task := range stale {
		handle, ok := handles[task.ID]
		if !ok {
			continue
		}
		provider, ok := r.registry.For(handle.ProviderType)
		if !ok {
			r.logger.Warn("orphan sweep found no provider for handle",
				zap.String("task_id", task.ID), zap.String("provider", string(handle.ProviderType)))
			continue
		}
		if err := provider.Destroy(ctx, handle); err != nil {
			r.logger.Warn("orphan sweep failed to destroy sandbox",
				zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		r.Remove(task.ID)
		r.logger.Info("orphan sweep destroyed stale sandbox", zap.String("task_id", task.ID))
	}
}

// CancelSandbox destroys the live sandbox registered for taskID, if any.
// It implements admission.SandboxCanceller so the Admission Layer's
// CancelTask can dispatch Destroy immediately rather than waiting for the
// Executor's next stage-boundary probe. A missing handle (already torn
// down, or never created) is not an error.
func (r *HandleRegistry) CancelSandbox(ctx context.Context, taskID string) error {
	handle, ok := r.Get(taskID)
	if !ok {
		return nil
	}
	provider, ok := r.registry.For(handle.ProviderType)
	if !ok {
		return nil
	}
	if err := provider.Destroy(ctx, handle); err != nil {
		return err
	}
	r.Remove(taskID)
	return nil
}

// SweepCancelled destroys sandboxes for tasks whose status has flipped to
// stopped since their handle was created. Admission.CancelTask writing
// "stopped" dispatches Destroy immediately when it's wired to a
// SandboxCanceller in the same process, but the live handle map only
// exists here in the orchestrator, so this sweep is what actually closes
// the cancel-to-destroy gap when Admission runs in some other process
// (the normal deployment, per this package's CancelTask caller). Bounded
// by the number of live handles, not the whole task table.
func (r *HandleRegistry) SweepCancelled(ctx context.Context) {
	for taskID, handle := range r.snapshot() {
		task, err := r.tasks.GetByID(ctx, taskID)
		if err != nil || task.Status != models.StatusStopped {
			continue
		}
		provider, ok := r.registry.For(handle.ProviderType)
		if !ok {
			continue
		}
		if err := provider.Destroy(ctx, handle); err != nil {
			r.logger.Warn("cancellation sweep failed to destroy sandbox", zap.String("task_id", taskID), zap.Error(err))
			continue
		}
		r.Remove(taskID)
		r.logger.Info("cancellation sweep destroyed sandbox for stopped task", zap.String("task_id", taskID))
	}
}

// RunCancellationWatchLoop runs SweepCancelled on a fast ticker until ctx is
// cancelled, so a task cancelled out-of-band has its sandbox torn down
// within one interval rather than waiting for the Executor's own
// stage-boundary probe or the much coarser orphan sweep.
func (r *HandleRegistry) RunCancellationWatchLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepCancelled(ctx)
		}
	}
}

// RunSweepLoop runs SweepOrphans on a ticker until ctx is cancelled.
func (r *HandleRegistry) RunSweepLoop(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepOrphans(ctx, maxAge)
		}
	}
}
