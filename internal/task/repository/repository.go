// Package repository implements the Task Store: the persistent record of
// each task's status, progress, branch, pull-request linkage, message
// history, and log transcript.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/taskforge/taskforge/internal/common/database"
	"github.com/taskforge/taskforge/internal/task/models"
)

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("task: not found")

// ErrBranchNameConflict is returned when inserting or updating a branch name
// would violate the unique (userId, branchName) constraint.
var ErrBranchNameConflict = errors.New("task: branch name already in use for this user")

// Repository is the Task Store's persistence contract.
type Repository interface {
	Create(ctx context.Context, t *models.Task) error
	GetByID(ctx context.Context, id string) (*models.Task, error)
	// UpdateStatus is the narrow write available to the cancellation path:
	// it may only ever be invoked with models.StatusStopped.
	UpdateStatus(ctx context.Context, id string, status models.TaskStatus) error
	Update(ctx context.Context, t *models.Task) error
	SetBranchNameIfNull(ctx context.Context, id, branchName string) (bool, error)
	// UpdateProgress persists a progress-percentage bump mid-pipeline without
	// touching status. It is guarded by `WHERE status = 'processing'` so a
	// stage's progress write can never clobber a `stopped` status the
	// cancellation path just set out-of-band — the Executor's own
	// stage-boundary probe, not this write, is what observes cancellation.
	UpdateProgress(ctx context.Context, id string, progress int) error
	AppendLogs(ctx context.Context, id string, entries []models.LogEntry) error
	CountActiveSince(ctx context.Context, userID string, since time.Time) (int, time.Time, error)
	AppendMessage(ctx context.Context, msg *models.TaskMessage) error
	ListMessages(ctx context.Context, taskID string) ([]models.TaskMessage, error)
	// ListStaleProcessing returns tasks still in `processing` whose updatedAt
	// is before olderThan, for the Sandbox Registry's orphan sweep.
	ListStaleProcessing(ctx context.Context, olderThan time.Time) ([]*models.Task, error)
}

// PostgresRepository is the pgx-backed Repository implementation.
type PostgresRepository struct {
	db *database.DB
}

// NewPostgresRepository constructs a PostgresRepository.
func NewPostgresRepository(db *database.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a new task row with status=pending, progress=0, logs=[].
func (r *PostgresRepository) Create(ctx context.Context, t *models.Task) error {
	logsJSON, err := json.Marshal(t.Logs)
	if err != nil {
		return fmt.Errorf("marshal logs: %w", err)
	}
	activityJSON, err := json.Marshal(t.SubAgentActivity)
	if err != nil {
		return fmt.Errorf("marshal sub-agent activity: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO tasks (
			id, "userId", prompt, "repoUrl", "selectedAgent", "selectedModel",
			"sandboxProvider", status, progress, "branchName", "existingBranchName",
			logs, "sandboxUrl", "prNumber", "prUrl", "keepAlive", "maxDuration",
			"mcpServerIds", "installDependencies", "subAgentActivity",
			"createdAt", "updatedAt"
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22
		)`,
		t.ID, t.UserID, t.Prompt, t.RepoURL, t.SelectedAgent, nullableString(t.SelectedModel),
		t.SandboxProvider, t.Status, t.Progress, t.BranchName, t.ExistingBranchName,
		logsJSON, t.SandboxURL, t.PRNumber, t.PRUrl, t.KeepAlive, t.MaxDuration,
		t.MCPServerIDs, t.InstallDependencies, activityJSON,
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrBranchNameConflict
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetByID loads a task by id, excluding soft-deleted rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.Task, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, "userId", prompt, "repoUrl", "selectedAgent", "selectedModel",
			"sandboxProvider", status, progress, "branchName", "existingBranchName",
			logs, "sandboxUrl", "prNumber", "prUrl", "keepAlive", "maxDuration",
			"mcpServerIds", "installDependencies", "currentSubAgent", "subAgentActivity",
			"lastHeartbeat", "createdAt", "updatedAt", "deletedAt"
		FROM tasks WHERE id = $1 AND "deletedAt" IS NULL`, id)

	return scanTask(row)
}

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	var selectedModel *string
	var logsJSON, activityJSON []byte

	err := row.Scan(
		&t.ID, &t.UserID, &t.Prompt, &t.RepoURL, &t.SelectedAgent, &selectedModel,
		&t.SandboxProvider, &t.Status, &t.Progress, &t.BranchName, &t.ExistingBranchName,
		&logsJSON, &t.SandboxURL, &t.PRNumber, &t.PRUrl, &t.KeepAlive, &t.MaxDuration,
		&t.MCPServerIDs, &t.InstallDependencies, &t.CurrentSubAgent, &activityJSON,
		&t.LastHeartbeat, &t.CreatedAt, &t.UpdatedAt, &t.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	if selectedModel != nil {
		t.SelectedModel = *selectedModel
	}
	if len(logsJSON) > 0 {
		if err := json.Unmarshal(logsJSON, &t.Logs); err != nil {
			return nil, fmt.Errorf("unmarshal logs: %w", err)
		}
	}
	if len(activityJSON) > 0 {
		if err := json.Unmarshal(activityJSON, &t.SubAgentActivity); err != nil {
			return nil, fmt.Errorf("unmarshal sub-agent activity: %w", err)
		}
	}

	return &t, nil
}

// UpdateStatus sets status and updatedAt. Used by the cancellation path,
// which is only ever permitted to write models.StatusStopped.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, id string, status models.TaskStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE tasks SET status = $1, "updatedAt" = now() WHERE id = $2 AND "deletedAt" IS NULL`,
		status, id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Update persists the full mutable task row. Called by the Executor, which
// is the sole owner of a task's status transitions while it runs.
func (r *PostgresRepository) Update(ctx context.Context, t *models.Task) error {
	activityJSON, err := json.Marshal(t.SubAgentActivity)
	if err != nil {
		return fmt.Errorf("marshal sub-agent activity: %w", err)
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE tasks SET
			status = $1, progress = $2, "branchName" = $3, "sandboxUrl" = $4,
			"prNumber" = $5, "prUrl" = $6, "currentSubAgent" = $7,
			"subAgentActivity" = $8, "lastHeartbeat" = $9, "updatedAt" = now()
		WHERE id = $10 AND "deletedAt" IS NULL`,
		t.Status, t.Progress, t.BranchName, t.SandboxURL,
		t.PRNumber, t.PRUrl, t.CurrentSubAgent, activityJSON, t.LastHeartbeat, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProgress bumps progress alone. It never writes status, and it only
// takes effect while status is still "processing" — so if the cancellation
// path has already written "stopped" for this task, this call becomes a
// no-op (RowsAffected 0) rather than resurrecting it. See §5's "no other
// writer updates status except the cancellation path."
func (r *PostgresRepository) UpdateProgress(ctx context.Context, id string, progress int) error {
	_, err := r.db.Exec(ctx,
		`UPDATE tasks SET progress = $1, "updatedAt" = now() WHERE id = $2 AND status = $3 AND "deletedAt" IS NULL`,
		progress, id, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// SetBranchNameIfNull performs the Executor stage-4 write: it only takes
// effect if branchName is still null, so a synthesizer write that loses the
// race against the Executor's read is silently discarded. Returns whether
// this call's value won.
func (r *PostgresRepository) SetBranchNameIfNull(ctx context.Context, id, branchName string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE tasks SET "branchName" = $1, "updatedAt" = now() WHERE id = $2 AND "branchName" IS NULL`,
		branchName, id)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("set branch name: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// AppendLogs merges entries into the task's logs column. Callers (the Log
// Sink's per-task flush goroutine) serialize calls for one taskId, so this
// read-modify-write is race-free in practice; WithTx is used regardless to
// make the row lock explicit against concurrent writers.
func (r *PostgresRepository) AppendLogs(ctx context.Context, id string, entries []models.LogEntry) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		var existingJSON []byte
		if err := tx.QueryRow(ctx,
			`SELECT logs FROM tasks WHERE id = $1 FOR UPDATE`, id,
		).Scan(&existingJSON); err != nil {
			return fmt.Errorf("select logs for update: %w", err)
		}

		var existing []models.LogEntry
		if len(existingJSON) > 0 {
			if err := json.Unmarshal(existingJSON, &existing); err != nil {
				return fmt.Errorf("unmarshal existing logs: %w", err)
			}
		}

		merged := append(existing, entries...)
		mergedJSON, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("marshal merged logs: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE tasks SET logs = $1, "updatedAt" = now() WHERE id = $2`,
			mergedJSON, id,
		); err != nil {
			return fmt.Errorf("update logs: %w", err)
		}
		return nil
	})
}

// CountActiveSince counts non-soft-deleted tasks created by userID strictly
// after since, and reports the oldest qualifying creation time.
func (r *PostgresRepository) CountActiveSince(ctx context.Context, userID string, since time.Time) (int, time.Time, error) {
	var count int
	var oldest *time.Time

	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*), MIN("createdAt") FROM tasks
		 WHERE "userId" = $1 AND "createdAt" > $2 AND "deletedAt" IS NULL`,
		userID, since,
	).Scan(&count, &oldest)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("count active tasks: %w", err)
	}

	if oldest == nil {
		return count, time.Time{}, nil
	}
	return count, *oldest, nil
}

// AppendMessage records a follow-up TaskMessage.
func (r *PostgresRepository) AppendMessage(ctx context.Context, msg *models.TaskMessage) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO "taskMessages" (id, "taskId", role, content, "createdAt") VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.TaskID, msg.Role, msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert task message: %w", err)
	}
	return nil
}

// ListMessages returns a task's follow-up conversation history in arrival order.
func (r *PostgresRepository) ListMessages(ctx context.Context, taskID string) ([]models.TaskMessage, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, "taskId", role, content, "createdAt" FROM "taskMessages" WHERE "taskId" = $1 ORDER BY "createdAt" ASC`,
		taskID)
	if err != nil {
		return nil, fmt.Errorf("list task messages: %w", err)
	}
	defer rows.Close()

	var messages []models.TaskMessage
	for rows.Next() {
		var m models.TaskMessage
		if err := rows.Scan(&m.ID, &m.TaskID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// ListStaleProcessing returns tasks still `processing` whose updatedAt
// predates olderThan, for the orphan sandbox sweep.
func (r *PostgresRepository) ListStaleProcessing(ctx context.Context, olderThan time.Time) ([]*models.Task, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, "userId", prompt, "repoUrl", "selectedAgent", "selectedModel",
			"sandboxProvider", status, progress, "branchName", "existingBranchName",
			logs, "sandboxUrl", "prNumber", "prUrl", "keepAlive", "maxDuration",
			"mcpServerIds", "installDependencies", "currentSubAgent", "subAgentActivity",
			"lastHeartbeat", "createdAt", "updatedAt", "deletedAt"
		FROM tasks WHERE status = $1 AND "updatedAt" < $2 AND "deletedAt" IS NULL`,
		models.StatusProcessing, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list stale processing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// isUniqueViolation checks for Postgres SQLSTATE 23505. A substring check on
// the wrapped message is sufficient here and avoids importing pgconn solely
// for one error code.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") || strings.Contains(msg, "duplicate key")
}
