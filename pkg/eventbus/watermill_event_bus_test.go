package eventbus_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/repokeeper/pkg/channels/gochannel"
	"github.com/dukex/repokeeper/pkg/eventbus"
	"github.com/dukex/repokeeper/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBus(t *testing.T) *eventbus.WatermillEventBus {
	t.Helper()

	pub, sub := gochannel.CreateChannel(watermill.NopLogger{})
	bus := eventbus.NewWatermillEventBus(slog.New(slog.DiscardHandler), pub, sub)

	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestWatermillEventBus_DeliversRepositoryEvents(t *testing.T) {
	bus := newBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *events.RepositoryEvent, 1)

	require.NoError(t, bus.Handle(events.RepositoryEventEvent, func(_ context.Context, event any) error {
		received <- event.(*events.RepositoryEvent)

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	require.NoError(t, bus.Publish(ctx, "main", events.RepositoryEvent{
		BaseEvent: events.NewBaseEvent(events.RepositoryEventEvent),
		Event:     "push",
		Ref:       "refs/heads/main",
	}))

	select {
	case event := <-received:
		assert.Equal(t, "push", event.Event)
		assert.Equal(t, "refs/heads/main", event.Ref)
	case <-time.After(5 * time.Second):
		t.Fatal("repository event was not delivered")
	}
}

func TestWatermillEventBus_LifecycleEventsUseLifecycleTopic(t *testing.T) {
	bus := newBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *events.BackupCreated, 1)

	require.NoError(t, bus.Handle(events.BackupCreatedEvent, func(_ context.Context, event any) error {
		received <- event.(*events.BackupCreated)

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	require.NoError(t, bus.Publish(ctx, "b-1", events.BackupCreated{
		BaseEvent: events.NewBaseEvent(events.BackupCreatedEvent),
		BackupID:  "b-1",
		Size:      42,
	}))

	select {
	case event := <-received:
		assert.Equal(t, "b-1", event.BackupID)
		assert.Equal(t, int64(42), event.Size)
	case <-time.After(5 * time.Second):
		t.Fatal("backup event was not delivered")
	}
}

func TestWatermillEventBus_HandleRejectsUnknownType(t *testing.T) {
	bus := newBus(t)

	err := bus.Handle("nope", func(context.Context, any) error { return nil })
	assert.Error(t, err)
}
