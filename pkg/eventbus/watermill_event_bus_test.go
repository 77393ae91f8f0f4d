package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/phasor/pkg/channels/gochannel"
	"github.com/forgeline/phasor/pkg/eventbus"
	"github.com/forgeline/phasor/pkg/events"
)

func TestWatermillEventBus_PublishAndHandle(t *testing.T) {
	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	received := make(chan *events.PhaseStarted, 1)

	require.NoError(t, bus.Handle(events.PhaseStartedEvent, func(_ context.Context, event any) error {
		started, ok := event.(*events.PhaseStarted)
		if ok {
			received <- started
		}

		return nil
	}))
	require.NoError(t, bus.Subscribe(t.Context()))

	require.NoError(t, bus.Publish(t.Context(), "job-1", events.PhaseStarted{
		BaseEvent: events.NewBaseEvent(events.PhaseStartedEvent, "job-1"),
		PhaseID:   "implement",
		Attempt:   1,
	}))

	select {
	case started := <-received:
		assert.Equal(t, "implement", started.PhaseID)
		assert.Equal(t, "job-1", started.JobID)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never received the event")
	}

	require.NoError(t, bus.Close())
}

func TestWatermillEventBus_GenerateID(t *testing.T) {
	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	assert.NotEqual(t, bus.GenerateID(), bus.GenerateID())
}
