package logsink

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/task/models"
)

type fakeWriter struct {
	mu      sync.Mutex
	batches [][]models.LogEntry
}

func (f *fakeWriter) AppendLogs(ctx context.Context, taskID string, entries []models.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]models.LogEntry, len(entries))
	copy(cp, entries)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeWriter) totalEntries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, b := range f.batches {
		total += len(b)
	}
	return total
}

func testLogger(t *testing.T) *logger.Logger {
	l, err := logger.New(logger.Config{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return l
}

func TestSink_FlushesOnBatchSize(t *testing.T) {
	writer := &fakeWriter{}
	sink := New(writer, testLogger(t))
	defer sink.Close("t1")

	entries := make([]models.LogEntry, flushBatchSize)
	for i := range entries {
		entries[i] = models.LogEntry{Type: models.LogInfo, Message: "line", Timestamp: time.Now().UTC()}
	}
	sink.Append("t1", entries)

	require.Eventually(t, func() bool {
		return writer.totalEntries() == flushBatchSize
	}, time.Second, 10*time.Millisecond)
}

func TestSink_FlushesOnTimer(t *testing.T) {
	writer := &fakeWriter{}
	sink := New(writer, testLogger(t))
	defer sink.Close("t2")

	sink.Append("t2", []models.LogEntry{{Type: models.LogInfo, Message: "one"}})

	require.Eventually(t, func() bool {
		return writer.totalEntries() == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSink_CloseFlushesRemainder(t *testing.T) {
	writer := &fakeWriter{}
	sink := New(writer, testLogger(t))

	sink.Append("t3", []models.LogEntry{{Type: models.LogInfo, Message: "a"}, {Type: models.LogInfo, Message: "b"}})
	sink.Close("t3")

	require.Equal(t, 2, writer.totalEntries())
}
