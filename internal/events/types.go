// Package events defines the subjects published and consumed across the
// orchestration engine.
package events

// Subjects for task lifecycle events.
const (
	// TaskExecute carries a taskId for the worker pool to pick up and run
	// through the Executor pipeline. Subscribers use QueueSubscribe under a
	// shared queue group so exactly one worker handles each taskId.
	TaskExecute = "task.execute"

	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
	TaskStopped   = "task.stopped"
)

// Subjects for branch-name synthesis scheduling.
const (
	// BranchNameSynthesize is published by CreateTask right after it emits
	// task.execute and before it returns; synthesis itself runs in the
	// subscriber, so the caller never waits for it.
	BranchNameSynthesize = "branchname.synthesize"
)
