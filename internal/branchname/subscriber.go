package branchname

import (
	"context"

	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/events"
	"github.com/taskforge/taskforge/internal/events/bus"
)

// BranchWriter is the narrow slice of the Task Store the subscriber needs:
// a conditional write that only takes effect if branchName is still null.
type BranchWriter interface {
	SetBranchNameIfNull(ctx context.Context, id, branchName string) (bool, error)
}

// Subscriber consumes branchname.synthesize events scheduled by the
// Admission Layer and races the Executor's stage-4 fallback. It never
// blocks the Admission response: it runs on its own event-bus subscription,
// entirely decoupled from CreateTask's return.
type Subscriber struct {
	synth  Synthesizer
	writer BranchWriter
	logger *logger.Logger
}

// NewSubscriber constructs a Subscriber.
func NewSubscriber(synth Synthesizer, writer BranchWriter, log *logger.Logger) *Subscriber {
	return &Subscriber{synth: synth, writer: writer, logger: log}
}

// Start subscribes to events.BranchNameSynthesize on eventBus.
func (s *Subscriber) Start(eventBus bus.EventBus) (bus.Subscription, error) {
	return eventBus.Subscribe(events.BranchNameSynthesize, s.handle)
}

func (s *Subscriber) handle(ctx context.Context, event *bus.Event) error {
	data := event.Data
	if data == nil {
		return nil
	}

	taskID, _ := data["taskId"].(string)
	prompt, _ := data["prompt"].(string)
	repo, _ := data["repo"].(string)
	agent, _ := data["agent"].(string)
	if taskID == "" {
		return nil
	}

	name, err := s.synth.Synthesize(ctx, prompt, repo, agent)
	if err != nil {
		// On failure or timeout: write nothing. The Executor's stage-4
		// fallback takes over unconditionally.
		s.logger.Debug("branch-name synthesis failed, leaving branch name unset",
			zap.String("task_id", taskID), zap.Error(err))
		return nil
	}

	won, err := s.writer.SetBranchNameIfNull(ctx, taskID, name)
	if err != nil {
		s.logger.Warn("failed to write synthesized branch name",
			zap.String("task_id", taskID), zap.Error(err))
		return nil
	}
	if !won {
		// The Executor's stage-4 read already happened; this value is
		// discarded by design (see repository.SetBranchNameIfNull).
		s.logger.Debug("synthesized branch name lost the race to the Executor fallback",
			zap.String("task_id", taskID))
	}
	return nil
}
