// Package worker runs the orchestrator's consumer side: a pool of workers
// all subscribed to the same task.execute queue group, so the event bus
// hands each task to exactly one of them.
package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/events"
	"github.com/taskforge/taskforge/internal/events/bus"
	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/orchestrator/executor"
)

const queueGroup = "orchestrator-workers"

// Runner is the narrow slice of Pipeline the pool depends on.
type Runner interface {
	Run(ctx context.Context, cmd *executor.ExecuteCommand)
}

// Pool subscribes N handlers to task.execute under a shared queue group.
// Task execution contracts retries:0: a handler that returns an error here
// is logged and dropped, never redelivered, because the Executor pipeline
// itself already carries every task of a partial run to a terminal status.
type Pool struct {
	bus      bus.EventBus
	pipeline Runner
	logger   *logger.Logger

	subscriptions []bus.Subscription
}

// New constructs a Pool. Call Start to begin consuming.
func New(eventBus bus.EventBus, pipeline Runner, log *logger.Logger) *Pool {
	return &Pool{bus: eventBus, pipeline: pipeline, logger: log}
}

// Start registers n concurrent subscriptions to task.execute under the
// shared queue group. n controls how many tasks this process can run
// concurrently; the bus fans events out across whatever workers, in
// whatever processes, are currently subscribed.
func (p *Pool) Start(ctx context.Context, n int) error {
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		sub, err := p.bus.QueueSubscribe(events.TaskExecute, queueGroup, p.handle(ctx))
		if err != nil {
			p.Stop()
			return err
		}
		p.subscriptions = append(p.subscriptions, sub)
	}
	p.logger.Info("worker pool started", zap.Int("workers", n))
	return nil
}

// Stop unsubscribes every worker. It does not wait for in-flight task runs
// to finish; the caller's shutdown sequence should drain those separately.
func (p *Pool) Stop() {
	for _, sub := range p.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			p.logger.Warn("failed to unsubscribe worker", zap.Error(err))
		}
	}
	p.subscriptions = nil
}

func (p *Pool) handle(ctx context.Context) bus.EventHandler {
	return func(_ context.Context, event *bus.Event) error {
		cmd, err := executor.ParseExecuteCommand(event.Data)
		if err != nil {
			p.logger.Error("dropping malformed task.execute event", zap.Error(err))
			return nil
		}
		p.pipeline.Run(ctx, cmd)
		return nil
	}
}
