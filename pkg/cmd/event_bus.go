package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/repokeeper/pkg/channels/gochannel"
	"github.com/dukex/repokeeper/pkg/channels/kafka"
	"github.com/dukex/repokeeper/pkg/eventbus"
	"github.com/dukex/repokeeper/pkg/events"
	"github.com/dukex/repokeeper/pkg/workflow"
)

const serviceName = "repokeeper"

// NewEventBus creates the bus for provider: "gochannel" (in-process) or "kafka".
func NewEventBus(provider string, logger *slog.Logger) (eventbus.EventBus, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "", "gochannel":
		pub, sub := gochannel.CreateChannel(wmLogger)

		return eventbus.NewWatermillEventBus(logger, pub, sub), nil
	case "kafka":
		pub, sub, err := kafka.CreateChannel(wmLogger, serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(logger, pub, sub), nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider %q", provider)
	}
}

// SubscribeRepositoryEvents dispatches every workflow declaring the event carried by
// an inbound repository event. Only a shutdown is reported back to the bus, so the
// message is redelivered to another consumer; partial start failures are logged
// because redelivery would duplicate the runs that did start.
func SubscribeRepositoryEvents(ctx context.Context, logger *slog.Logger, bus eventbus.EventSubscriber, orchestrator *workflow.Orchestrator) error {
	logger = logger.With("module", "repository_events")

	err := bus.Handle(events.RepositoryEventEvent, func(ctx context.Context, event any) error {
		repoEvent, ok := event.(*events.RepositoryEvent)
		if !ok {
			return fmt.Errorf("unexpected payload %T", event)
		}

		runIDs, err := orchestrator.DispatchEvent(ctx, repoEvent.Event)
		if errors.Is(err, workflow.ErrShuttingDown) {
			return err
		}

		if err != nil {
			logger.WarnContext(ctx, "some workflows did not start", "event", repoEvent.Event, "error", err)
		}

		logger.InfoContext(ctx, "repository event dispatched",
			"event", repoEvent.Event, "ref", repoEvent.Ref, "runs", len(runIDs))

		return nil
	})
	if err != nil {
		return err
	}

	return bus.Subscribe(ctx)
}
