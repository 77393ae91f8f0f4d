package eventbus_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/phasor/pkg/eventbus"
	"github.com/forgeline/phasor/pkg/events"
	"github.com/forgeline/phasor/pkg/persistence/file"
)

func newTestStream(t *testing.T) *eventbus.Stream {
	t.Helper()

	repo := file.NewEventLogRepository(t.TempDir())

	return eventbus.NewStream(repo, nil, slog.Default())
}

func collect(t *testing.T, ch <-chan eventbus.StreamEvent, n int) []eventbus.StreamEvent {
	t.Helper()

	out := make([]eventbus.StreamEvent, 0, n)

	for len(out) < n {
		select {
		case event, ok := <-ch:
			require.True(t, ok, "stream closed early")

			out = append(out, event)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d of %d", len(out)+1, n)
		}
	}

	return out
}

func TestStream_PublishAssignsSequence(t *testing.T) {
	stream := newTestStream(t)
	ctx := t.Context()

	require.NoError(t, stream.Publish(ctx, "job-1", events.PhaseStarted{
		BaseEvent: events.NewBaseEvent(events.PhaseStartedEvent, "job-1"),
		PhaseID:   "implement",
		Attempt:   1,
	}))
	require.NoError(t, stream.Publish(ctx, "job-1", events.PhaseCompleted{
		BaseEvent: events.NewBaseEvent(events.PhaseCompletedEvent, "job-1"),
		PhaseID:   "implement",
		Attempt:   1,
	}))

	ch, cancel, err := stream.SubscribeFrom(ctx, "job-1", 0)
	require.NoError(t, err)
	defer cancel()

	got := collect(t, ch, 2)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, events.PhaseStartedEvent, got[0].Type)
	assert.Equal(t, uint64(2), got[1].Seq)
	assert.Equal(t, events.PhaseCompletedEvent, got[1].Type)
}

func TestStream_ResumeFromOffsetSkipsReplayed(t *testing.T) {
	stream := newTestStream(t)
	ctx := t.Context()

	for range 5 {
		require.NoError(t, stream.Publish(ctx, "job-1", events.Heartbeat{
			BaseEvent: events.NewBaseEvent(events.HeartbeatEvent, "job-1"),
			PhaseID:   "implement",
		}))
	}

	ch, cancel, err := stream.SubscribeFrom(ctx, "job-1", 3)
	require.NoError(t, err)
	defer cancel()

	got := collect(t, ch, 2)
	assert.Equal(t, uint64(4), got[0].Seq)
	assert.Equal(t, uint64(5), got[1].Seq)
}

func TestStream_ReplayThenLiveWithoutGapsOrDuplicates(t *testing.T) {
	stream := newTestStream(t)
	ctx := t.Context()

	require.NoError(t, stream.Publish(ctx, "job-1", events.JobStarted{
		BaseEvent: events.NewBaseEvent(events.JobStartedEvent, "job-1"),
	}))

	ch, cancel, err := stream.SubscribeFrom(ctx, "job-1", 0)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, stream.Publish(ctx, "job-1", events.JobReady{
		BaseEvent: events.NewBaseEvent(events.JobReadyEvent, "job-1"),
	}))

	got := collect(t, ch, 2)
	assert.Equal(t, []uint64{1, 2}, []uint64{got[0].Seq, got[1].Seq})
	assert.Equal(t, events.JobStartedEvent, got[0].Type)
	assert.Equal(t, events.JobReadyEvent, got[1].Type)
}

func TestStream_SubscribersAreIsolatedByJob(t *testing.T) {
	stream := newTestStream(t)
	ctx := t.Context()

	ch, cancel, err := stream.SubscribeFrom(ctx, "job-a", 0)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, stream.Publish(ctx, "job-b", events.JobStarted{
		BaseEvent: events.NewBaseEvent(events.JobStartedEvent, "job-b"),
	}))
	require.NoError(t, stream.Publish(ctx, "job-a", events.JobStarted{
		BaseEvent: events.NewBaseEvent(events.JobStartedEvent, "job-a"),
	}))

	got := collect(t, ch, 1)
	assert.Equal(t, uint64(1), got[0].Seq)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected cross-job event: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStream_ReplayDecodesTypedEvents(t *testing.T) {
	stream := newTestStream(t)
	ctx := t.Context()

	require.NoError(t, stream.Publish(ctx, "job-1", events.StatusTransition{
		BaseEvent: events.NewBaseEvent(events.StatusTransitionEvent, "job-1"),
		PhaseID:   "implement",
		From:      "pending",
		To:        "running",
	}))

	decoded, err := stream.Replay(ctx, "job-1", 0)
	require.NoError(t, err)
	require.Len(t, decoded, 1)

	transition, ok := decoded[0].(*events.StatusTransition)
	require.True(t, ok)
	assert.Equal(t, "running", transition.To)
}
