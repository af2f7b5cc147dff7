package progress

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/amtsauskunft/orchestrator/internal/models"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	return NewBus(Options{ReplayBufferSize: 16, ReplayTTL: time.Minute}, zaptest.NewLogger(t))
}

func publishN(b *Bus, session string, n int) {
	for i := 0; i < n; i++ {
		b.Publish(models.ProgressEvent{
			SessionID: session,
			Stage:     models.StageRetrieving,
			Kind:      models.EventRetrievalProgress,
			Status:    models.EventProgress,
		})
	}
}

func TestPublishAssignsMonotonicIDs(t *testing.T) {
	b := newTestBus(t)
	defer b.Shutdown()

	var last uint64
	var lastTs time.Time
	for i := 0; i < 10; i++ {
		evt := b.Publish(models.ProgressEvent{SessionID: "s1", Kind: "x"})
		assert.Greater(t, evt.EventID, last)
		assert.False(t, evt.Ts.Before(lastTs), "timestamps follow event ids")
		last = evt.EventID
		lastTs = evt.Ts
	}
}

func TestSubscribeDeliversFIFO(t *testing.T) {
	b := newTestBus(t)
	defer b.Shutdown()

	ch, cancel := b.Subscribe("s1", 0)
	defer cancel()

	publishN(b, "s1", 5)

	for want := uint64(1); want <= 5; want++ {
		select {
		case evt := <-ch:
			assert.Equal(t, want, evt.EventID)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", want)
		}
	}
}

func TestReplaySinceEventID(t *testing.T) {
	b := newTestBus(t)
	defer b.Shutdown()

	publishN(b, "s1", 8)

	events := b.Replay("s1", 5)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(6), events[0].EventID)
	assert.Equal(t, uint64(8), events[2].EventID)
}

func TestSubscribeReplaysThenStreams(t *testing.T) {
	b := newTestBus(t)
	defer b.Shutdown()

	publishN(b, "s1", 4)
	ch, cancel := b.Subscribe("s1", 2)
	defer cancel()
	publishN(b, "s1", 1)

	var got []uint64
	for i := 0; i < 3; i++ {
		select {
		case evt := <-ch:
			got = append(got, evt.EventID)
		case <-time.After(time.Second):
			t.Fatal("timed out")
		}
	}
	assert.Equal(t, []uint64{3, 4, 5}, got)
}

func TestRingRetentionCapped(t *testing.T) {
	b := newTestBus(t)
	defer b.Shutdown()

	publishN(b, "s1", 40) // ring capacity is 16

	events := b.Replay("s1", 0)
	require.Len(t, events, 16)
	assert.Equal(t, uint64(25), events[0].EventID)
	assert.Equal(t, uint64(40), events[15].EventID)
}

func TestSlowSubscriberDropsOldestNotPublisher(t *testing.T) {
	b := NewBus(Options{
		ReplayBufferSize: 8,
		ReplayTTL:        time.Minute,
		SubscriberBuffer: 4,
	}, zaptest.NewLogger(t))
	defer b.Shutdown()

	ch, cancel := b.Subscribe("s1", 0)
	defer cancel()

	done := make(chan struct{})
	go func() {
		publishN(b, "s1", 20) // never reads -> must not block
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}

	// The buffer holds the most recent events; the oldest were dropped.
	evt := <-ch
	assert.Greater(t, evt.EventID, uint64(1))
}

func TestSessionsAreIndependent(t *testing.T) {
	b := newTestBus(t)
	defer b.Shutdown()

	publishN(b, "a", 3)
	publishN(b, "b", 1)

	assert.Len(t, b.Replay("a", 0), 3)
	assert.Len(t, b.Replay("b", 0), 1)
	assert.Equal(t, uint64(1), b.Replay("b", 0)[0].EventID)
}

func TestCancelIdempotent(t *testing.T) {
	b := newTestBus(t)
	defer b.Shutdown()

	_, cancel := b.Subscribe("s1", 0)
	cancel()
	cancel() // second cancel must not panic
}

func TestRedisMirrorAndReplay(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	b := NewBus(Options{
		ReplayBufferSize: 16,
		ReplayTTL:        time.Minute,
		Redis:            client,
	}, zaptest.NewLogger(t))
	defer b.Shutdown()

	b.Publish(models.ProgressEvent{
		SessionID: "s1",
		Stage:     models.StageSynthesis,
		Kind:      models.EventSynthesisChunk,
		Status:    models.EventProgress,
		Payload:   map[string]interface{}{"text": "Hallo"},
	})
	b.Publish(models.ProgressEvent{
		SessionID: "s1",
		Kind:      models.EventPipelineDone,
		Status:    models.EventDone,
	})

	events := b.ReplayFromRedis(context.Background(), "s1", 0)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventSynthesisChunk, events[0].Kind)
	assert.Equal(t, "Hallo", events[0].Payload["text"])
	assert.Equal(t, uint64(2), events[1].EventID)

	// Resume after the first event.
	events = b.ReplayFromRedis(context.Background(), "s1", 1)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventPipelineDone, events[0].Kind)
}
