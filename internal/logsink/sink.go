// Package logsink implements the Log Sink: an append-only, ordered
// transcript writer that coalesces bursts of agent output before hitting
// the Task Store, the same way the teacher's WebSocket hub coalesces
// outbound broadcasts through a buffered channel and select loop — except
// this sink's destination is Postgres, not a browser socket.
package logsink

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/task/models"
)

const (
	flushInterval  = 500 * time.Millisecond
	flushBatchSize = 10
	channelBuffer  = 256
)

// LogWriter is the narrow Task Store slice the sink needs.
type LogWriter interface {
	AppendLogs(ctx context.Context, taskID string, entries []models.LogEntry) error
}

// Sink batches LogEntry appends per task and flushes them to a LogWriter on
// a coalescing timer, so a chatty agent process doesn't issue one database
// write per line of output.
type Sink struct {
	writer LogWriter
	logger *logger.Logger

	mu      sync.Mutex
	workers map[string]*taskWorker
}

// New constructs a Sink writing through writer.
func New(writer LogWriter, log *logger.Logger) *Sink {
	return &Sink{
		writer:  writer,
		logger:  log,
		workers: make(map[string]*taskWorker),
	}
}

// Append enqueues entries for taskID. It does not block on the database
// write; entries are delivered to the task's worker goroutine and flushed
// according to the coalescing policy.
func (s *Sink) Append(taskID string, entries []models.LogEntry) {
	if len(entries) == 0 {
		return
	}
	worker := s.workerFor(taskID)
	worker.enqueue(entries)
}

// Close flushes and stops the worker for taskID. Call this once the
// Executor pipeline for that task has reached a terminal stage so the
// goroutine isn't left running after the task is done.
func (s *Sink) Close(taskID string) {
	s.mu.Lock()
	worker, ok := s.workers[taskID]
	if ok {
		delete(s.workers, taskID)
	}
	s.mu.Unlock()

	if ok {
		worker.stop()
	}
}

func (s *Sink) workerFor(taskID string) *taskWorker {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[taskID]
	if ok {
		return w
	}
	w = newTaskWorker(taskID, s.writer, s.logger)
	s.workers[taskID] = w
	go w.run()
	return w
}

type taskWorker struct {
	taskID string
	writer LogWriter
	logger *logger.Logger

	entries chan []models.LogEntry
	done    chan struct{}
	stopped chan struct{}
}

func newTaskWorker(taskID string, writer LogWriter, log *logger.Logger) *taskWorker {
	return &taskWorker{
		taskID:  taskID,
		writer:  writer,
		logger:  log,
		entries: make(chan []models.LogEntry, channelBuffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (w *taskWorker) enqueue(entries []models.LogEntry) {
	select {
	case w.entries <- entries:
	case <-w.stopped:
		// Worker already torn down; drop rather than block the caller.
		w.logger.Warn("dropped log entries after sink closed", zap.String("task_id", w.taskID))
	}
}

func (w *taskWorker) stop() {
	close(w.done)
	<-w.stopped
}

func (w *taskWorker) run() {
	defer close(w.stopped)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	var batch []models.LogEntry

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w.writer.AppendLogs(ctx, w.taskID, batch); err != nil {
			w.logger.Warn("log sink flush failed", zap.String("task_id", w.taskID), zap.Error(err))
		}
		cancel()
		batch = nil
	}

	for {
		select {
		case <-w.done:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case e := <-w.entries:
					batch = append(batch, e...)
				default:
					flush()
					return
				}
			}

		case e := <-w.entries:
			batch = append(batch, e...)
			if len(batch) >= flushBatchSize {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}
