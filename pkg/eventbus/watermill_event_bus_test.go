package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postflow/postflow/pkg/channels/gochannel"
	"github.com/postflow/postflow/pkg/eventbus"
	"github.com/postflow/postflow/pkg/events"
)

func setupTestBus(t *testing.T) eventbus.EventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	t.Cleanup(func() {
		_ = bus.Close()
	})

	return bus
}

func TestWatermillEventBus_PublishAndHandle(t *testing.T) {
	t.Parallel()

	bus := setupTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *events.ExecutionCompleted, 1)

	err := bus.Handle(events.ExecutionCompletedEvent, func(ctx context.Context, event any) error {
		completed, ok := event.(*events.ExecutionCompleted)
		require.True(t, ok)
		received <- completed

		return nil
	})
	require.NoError(t, err)
	require.NoError(t, bus.Subscribe(ctx))

	err = bus.Publish(ctx, "asset-1", events.ExecutionCompleted{
		BaseEvent: events.BaseEvent{
			ID:          bus.GenerateID(),
			Type:        events.ExecutionCompletedEvent,
			Timestamp:   time.Now().UTC(),
			AssetID:     "asset-1",
			ExecutionID: "exec-1",
		},
		ExternalRunID: "run-1",
		DurationMS:    1500,
	})
	require.NoError(t, err)

	select {
	case event := <-received:
		assert.Equal(t, "asset-1", event.AssetID)
		assert.Equal(t, "run-1", event.ExternalRunID)
		assert.Equal(t, int64(1500), event.DurationMS)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestWatermillEventBus_UnhandledTypeIsAcked(t *testing.T) {
	t.Parallel()

	bus := setupTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))

	// No handler registered; publishing must not block or error.
	err := bus.Publish(ctx, "asset-2", events.DispatchFailed{
		BaseEvent: events.BaseEvent{ID: bus.GenerateID(), Type: events.DispatchFailedEvent},
		Error:     "engine unreachable",
	})
	assert.NoError(t, err)
}

func TestWatermillEventBus_GenerateID(t *testing.T) {
	t.Parallel()

	bus := setupTestBus(t)

	assert.NotEmpty(t, bus.GenerateID())
	assert.NotEqual(t, bus.GenerateID(), bus.GenerateID())
}
