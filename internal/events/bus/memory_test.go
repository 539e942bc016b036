package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.New(logger.Config{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestNewMemoryEventBus(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	require.True(t, b.IsConnected())
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	received := make(chan *Event, 1)

	sub, err := b.Subscribe("test.subject", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("test.type", "test-source", map[string]interface{}{"key": "value"})
	require.NoError(t, b.Publish(ctx, "test.subject", event))

	select {
	case e := <-received:
		require.Equal(t, event.ID, e.ID)
		require.Equal(t, event.Type, e.Type)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestMemoryEventBus_MultipleSubscribers(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	var count int32

	for i := 0; i < 3; i++ {
		sub, err := b.Subscribe("test.multi", func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		require.NoError(t, err)
		defer func() { _ = sub.Unsubscribe() }()
	}

	require.NoError(t, b.Publish(ctx, "test.multi", NewEvent("test.type", "test-source", nil)))
	time.Sleep(100 * time.Millisecond)

	require.EqualValues(t, 3, atomic.LoadInt32(&count))
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	var count int32

	sub, err := b.Subscribe("test.unsub", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "test.unsub", NewEvent("test.type", "test-source", nil)))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, sub.Unsubscribe())
	require.False(t, sub.IsValid())

	require.NoError(t, b.Publish(ctx, "test.unsub", NewEvent("test.type", "test-source", nil)))
	time.Sleep(50 * time.Millisecond)

	require.EqualValues(t, 1, atomic.LoadInt32(&count))
}

func TestMemoryEventBus_SingleTokenWildcard(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	var count int32

	sub, err := b.Subscribe("events.*.created", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	require.NoError(t, b.Publish(ctx, "events.user.created", NewEvent("user.created", "test", nil)))
	require.NoError(t, b.Publish(ctx, "events.order.created", NewEvent("order.created", "test", nil)))

	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 2, atomic.LoadInt32(&count))
}

func TestMemoryEventBus_WildcardNoMatch(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	var count int32

	sub, err := b.Subscribe("events.*.created", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	require.NoError(t, b.Publish(ctx, "events.created", NewEvent("test", "test", nil)))
	time.Sleep(100 * time.Millisecond)

	require.EqualValues(t, 0, atomic.LoadInt32(&count))
}

func TestMemoryEventBus_QueueSubscribe_AtMostOnePerEvent(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	var count int32

	for i := 0; i < 3; i++ {
		sub, err := b.QueueSubscribe("test.queue", "workers", func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		require.NoError(t, err)
		defer func() { _ = sub.Unsubscribe() }()
	}

	for i := 0; i < 6; i++ {
		require.NoError(t, b.Publish(ctx, "test.queue", NewEvent("test.type", "test-source", nil)))
	}

	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 6, atomic.LoadInt32(&count))
}

func TestMemoryEventBus_ConcurrentAccess(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	var receivedCount int32
	var wg sync.WaitGroup

	sub, err := b.Subscribe("test.concurrent", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&receivedCount, 1)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	const goroutines, perGoroutine = 10, 100
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				require.NoError(t, b.Publish(ctx, "test.concurrent", NewEvent("test.type", "test-source", nil)))
			}
		}()
	}
	wg.Wait()
	time.Sleep(200 * time.Millisecond)

	require.EqualValues(t, goroutines*perGoroutine, atomic.LoadInt32(&receivedCount))
}

func TestMemoryEventBus_Close(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	require.True(t, b.IsConnected())

	b.Close()
	require.False(t, b.IsConnected())

	ctx := context.Background()
	require.Error(t, b.Publish(ctx, "test.subject", NewEvent("test.type", "test-source", nil)))

	_, err := b.Subscribe("test.subject", func(ctx context.Context, event *Event) error { return nil })
	require.Error(t, err)
}

func TestMemoryEventBus_Request(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()

	sub, err := b.Subscribe("service.echo", func(ctx context.Context, event *Event) error {
		data := event.Data
		if data == nil {
			return nil
		}
		replySubject, ok := data["_reply"].(string)
		if !ok {
			return nil
		}
		response := NewEvent("echo.response", "responder", map[string]interface{}{"echo": data["message"]})
		return b.Publish(ctx, replySubject, response)
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	request := NewEvent("echo.request", "requester", map[string]interface{}{"message": "hello"})
	response, err := b.Request(ctx, "service.echo", request, 2*time.Second)
	require.NoError(t, err)

	responseData := response.Data
	require.NotNil(t, responseData)
	require.Equal(t, "hello", responseData["echo"])
}

func TestMemoryEventBus_RequestTimeout(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	request := NewEvent("service.nonexistent", "requester", map[string]interface{}{})

	_, err := b.Request(ctx, "service.nonexistent", request, 100*time.Millisecond)
	require.Error(t, err)
}

func TestNewEvent(t *testing.T) {
	before := time.Now().UTC()
	event := NewEvent("user.created", "user-service", map[string]interface{}{"user_id": 123})
	after := time.Now().UTC()

	require.NotEmpty(t, event.ID)
	require.Equal(t, "user.created", event.Type)
	require.Equal(t, "user-service", event.Source)
	require.False(t, event.Timestamp.Before(before))
	require.False(t, event.Timestamp.After(after))
}
