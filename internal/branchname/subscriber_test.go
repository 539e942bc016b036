package branchname

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/events"
	"github.com/taskforge/taskforge/internal/events/bus"
)

type stubSynthesizer struct {
	name string
	err  error
}

func (s stubSynthesizer) Synthesize(ctx context.Context, prompt, repoName, agent string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.name, nil
}

type fakeWriter struct {
	written map[string]string
	calls   chan string
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{written: map[string]string{}, calls: make(chan string, 8)}
}

func (f *fakeWriter) SetBranchNameIfNull(ctx context.Context, id, branchName string) (bool, error) {
	if _, exists := f.written[id]; exists {
		return false, nil
	}
	f.written[id] = branchName
	f.calls <- id
	return true, nil
}

func testLogger(t *testing.T) *logger.Logger {
	l, err := logger.New(logger.Config{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return l
}

func TestSubscriber_WritesSynthesizedName(t *testing.T) {
	memBus := bus.NewMemoryEventBus(testLogger(t))
	defer memBus.Close()

	writer := newFakeWriter()
	sub := NewSubscriber(stubSynthesizer{name: "feature/add-readme-section-ab12cd"}, writer, testLogger(t))
	_, err := sub.Start(memBus)
	require.NoError(t, err)

	event := bus.NewEvent(events.BranchNameSynthesize, "admission", map[string]interface{}{
		"taskId": "task-1",
		"prompt": "Add a README section",
		"repo":   "acme/widgets",
		"agent":  "claude",
	})
	require.NoError(t, memBus.Publish(context.Background(), events.BranchNameSynthesize, event))

	select {
	case id := <-writer.calls:
		require.Equal(t, "task-1", id)
		require.Equal(t, "feature/add-readme-section-ab12cd", writer.written["task-1"])
	case <-time.After(time.Second):
		t.Fatal("expected SetBranchNameIfNull to be called")
	}
}

func TestSubscriber_SynthesisFailureWritesNothing(t *testing.T) {
	memBus := bus.NewMemoryEventBus(testLogger(t))
	defer memBus.Close()

	writer := newFakeWriter()
	sub := NewSubscriber(stubSynthesizer{err: fmt.Errorf("gateway unreachable")}, writer, testLogger(t))
	_, err := sub.Start(memBus)
	require.NoError(t, err)

	event := bus.NewEvent(events.BranchNameSynthesize, "admission", map[string]interface{}{
		"taskId": "task-2",
		"prompt": "fix the crash on startup",
		"repo":   "acme/widgets",
		"agent":  "codex",
	})
	require.NoError(t, memBus.Publish(context.Background(), events.BranchNameSynthesize, event))

	select {
	case <-writer.calls:
		t.Fatal("did not expect a write when synthesis fails")
	case <-time.After(200 * time.Millisecond):
	}
	require.Empty(t, writer.written)
}

func TestSubscriber_IgnoresEventsWithoutTaskID(t *testing.T) {
	memBus := bus.NewMemoryEventBus(testLogger(t))
	defer memBus.Close()

	writer := newFakeWriter()
	sub := NewSubscriber(stubSynthesizer{name: "feature/x-aa11bb"}, writer, testLogger(t))
	_, err := sub.Start(memBus)
	require.NoError(t, err)

	event := bus.NewEvent(events.BranchNameSynthesize, "admission", map[string]interface{}{
		"prompt": "no task id here",
	})
	require.NoError(t, memBus.Publish(context.Background(), events.BranchNameSynthesize, event))

	select {
	case <-writer.calls:
		t.Fatal("did not expect a write for an event missing taskId")
	case <-time.After(200 * time.Millisecond):
	}
}
