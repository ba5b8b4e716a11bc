package services

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/manthysbr/aule-dispatcher/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_PubSub(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)

	taskID := domain.TaskID("task-123")

	ch, unsub := bus.Subscribe(taskID)
	defer unsub()

	event := domain.TaskEvent{
		TaskID:    taskID,
		Status:    domain.TaskStatusAssigned,
		WorkerID:  "organelle-1",
		Timestamp: time.Now(),
	}
	bus.Publish(event)

	select {
	case received := <-ch:
		assert.Equal(t, event.TaskID, received.TaskID)
		assert.Equal(t, event.WorkerID, received.WorkerID)
		assert.Equal(t, domain.TaskStatusAssigned, received.Status)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEventBus_OtherTaskNotDelivered(t *testing.T) {
	bus := NewEventBus(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	ch, unsub := bus.Subscribe("task-a")
	defer unsub()

	bus.Publish(domain.TaskEvent{TaskID: "task-b", Status: domain.TaskStatusPending})

	select {
	case e := <-ch:
		t.Fatalf("received event for another task: %v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	taskID := domain.TaskID("task-456")

	ch, unsub := bus.Subscribe(taskID)
	unsub()
	unsub() // second call is a no-op

	bus.Publish(domain.TaskEvent{TaskID: taskID, Status: domain.TaskStatusRunning})

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestEventBus_SubscribeAll(t *testing.T) {
	bus := NewEventBus(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	all, unsubAll := bus.SubscribeAll()
	defer unsubAll()
	one, unsubOne := bus.Subscribe("task-1")
	defer unsubOne()

	bus.Publish(domain.TaskEvent{TaskID: "task-1", Status: domain.TaskStatusCompleted})
	bus.Publish(domain.TaskEvent{TaskID: "task-2", Status: domain.TaskStatusFailed})

	require.Len(t, one, 1)
	require.Len(t, all, 2)
	assert.Equal(t, domain.TaskID("task-1"), (<-all).TaskID)
	assert.Equal(t, domain.TaskID("task-2"), (<-all).TaskID)
}

func TestEventBus_FullSubscriberDoesNotBlock(t *testing.T) {
	bus := NewEventBus(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	ch, unsub := bus.Subscribe("task-slow")
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			bus.Publish(domain.TaskEvent{TaskID: "task-slow"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, subscriberBuffer)
}
