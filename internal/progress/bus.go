package progress

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/amtsauskunft/orchestrator/internal/metrics"
	"github.com/amtsauskunft/orchestrator/internal/models"
)

// Bus is the in-process progress event plane, keyed by session. Events
// are delivered FIFO per session; a publisher never blocks on a slow
// subscriber. An optional Redis Streams mirror makes events visible to
// other processes and survives restarts within the stream TTL.
//
// Lifecycle: Subscribe returns a channel owned by the bus. Callers must
// not close it; always call the returned cancel function.
type Bus struct {
	mu       sync.RWMutex // guards the sessions map only
	sessions map[string]*sessionState

	capacity int
	ttl      time.Duration
	buffer   int

	redis  *redis.Client
	logger *zap.Logger

	stopCh  chan struct{}
	stopped sync.Once
}

type subscriber struct {
	ch        chan models.ProgressEvent
	dropped   uint64
	closeOnce sync.Once
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.ch)
		metrics.BusSubscribers.Dec()
	})
}

// sessionState is guarded by its own mutex; cross-session operations
// need no synchronisation beyond the sessions map lock.
type sessionState struct {
	mu         sync.Mutex
	nextID     uint64
	ring       []models.ProgressEvent
	subs       map[*subscriber]struct{}
	lastActive time.Time
}

// Options configure the bus.
type Options struct {
	ReplayBufferSize int           // ring capacity per session (default 256)
	ReplayTTL        time.Duration // session retention (default 600s)
	SubscriberBuffer int           // per-subscriber channel buffer
	Redis            *redis.Client // optional mirror
}

// NewBus builds a bus and starts its retention janitor.
func NewBus(opts Options, logger *zap.Logger) *Bus {
	if opts.ReplayBufferSize <= 0 {
		opts.ReplayBufferSize = 256
	}
	if opts.ReplayTTL <= 0 {
		opts.ReplayTTL = 600 * time.Second
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = opts.ReplayBufferSize + 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		sessions: make(map[string]*sessionState),
		capacity: opts.ReplayBufferSize,
		ttl:      opts.ReplayTTL,
		buffer:   opts.SubscriberBuffer,
		redis:    opts.Redis,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	go b.janitor()
	return b
}

func (b *Bus) session(sessionID string) *sessionState {
	b.mu.RLock()
	s, ok := b.sessions[sessionID]
	b.mu.RUnlock()
	if ok {
		return s
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok = b.sessions[sessionID]; ok {
		return s
	}
	s = &sessionState{
		subs:       make(map[*subscriber]struct{}),
		lastActive: time.Now(),
	}
	b.sessions[sessionID] = s
	return s
}

// Publish assigns the monotonic event id and timestamp, retains the
// event, fans it out and mirrors it to Redis when configured.
func (b *Bus) Publish(evt models.ProgressEvent) models.ProgressEvent {
	s := b.session(evt.SessionID)

	s.mu.Lock()
	s.nextID++
	evt.EventID = s.nextID
	if evt.Ts.IsZero() {
		evt.Ts = time.Now()
	}
	s.lastActive = evt.Ts

	s.ring = append(s.ring, evt)
	if len(s.ring) > b.capacity {
		s.ring = s.ring[len(s.ring)-b.capacity:]
	}

	for sub := range s.subs {
		select {
		case sub.ch <- evt:
		default:
			// Bounded buffer full: drop the oldest queued event to make
			// room, so the subscriber falls behind instead of stalling
			// the publisher.
			select {
			case <-sub.ch:
				sub.dropped++
				metrics.BusEventsDropped.WithLabelValues(evt.Kind).Inc()
			default:
			}
			select {
			case sub.ch <- evt:
			default:
				sub.dropped++
				metrics.BusEventsDropped.WithLabelValues(evt.Kind).Inc()
			}
		}
	}
	s.mu.Unlock()

	metrics.BusEventsPublished.Inc()
	if b.redis != nil {
		b.mirror(evt)
	}
	return evt
}

// Subscribe returns a channel of events with id > sinceEventID, replayed
// from the retention ring, followed by live events. Cancel detaches the
// subscriber and closes the channel.
func (b *Bus) Subscribe(sessionID string, sinceEventID uint64) (<-chan models.ProgressEvent, func()) {
	s := b.session(sessionID)
	sub := &subscriber{ch: make(chan models.ProgressEvent, b.buffer)}

	// Replay and registration under one lock: no gap, no duplicate.
	s.mu.Lock()
	for _, evt := range s.ring {
		if evt.EventID > sinceEventID {
			select {
			case sub.ch <- evt:
			default:
				// Replay larger than the buffer only happens when
				// SubscriberBuffer is set below the ring capacity.
				sub.dropped++
			}
		}
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	metrics.BusSubscribers.Inc()
	cancel := func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
		sub.close()
		if sub.dropped > 0 {
			b.logger.Warn("Subscriber dropped events",
				zap.String("session_id", sessionID),
				zap.Uint64("dropped", sub.dropped))
		}
	}
	return sub.ch, cancel
}

// Replay returns the retained events with id > sinceEventID without
// subscribing.
func (b *Bus) Replay(sessionID string, sinceEventID uint64) []models.ProgressEvent {
	s := b.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ProgressEvent
	for _, evt := range s.ring {
		if evt.EventID > sinceEventID {
			out = append(out, evt)
		}
	}
	return out
}

func (b *Bus) streamKey(sessionID string) string {
	return "auskunft:session:events:" + sessionID
}

// mirror best-effort copies the event into a Redis stream.
func (b *Bus) mirror(evt models.ProgressEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payload := ""
	if evt.Payload != nil {
		if raw, err := json.Marshal(evt.Payload); err == nil {
			payload = string(raw)
		}
	}
	key := b.streamKey(evt.SessionID)
	err := b.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: int64(b.capacity),
		Approx: true,
		Values: map[string]interface{}{
			"event_id": strconv.FormatUint(evt.EventID, 10),
			"stage":    string(evt.Stage),
			"kind":     evt.Kind,
			"status":   string(evt.Status),
			"payload":  payload,
			"ts_nano":  strconv.FormatInt(evt.Ts.UnixNano(), 10),
		},
	}).Err()
	if err != nil {
		b.logger.Warn("Redis mirror failed",
			zap.String("session_id", evt.SessionID), zap.Error(err))
		return
	}
	b.redis.Expire(ctx, key, b.ttl)
}

// ReplayFromRedis reads mirrored events for sessions this process has no
// ring for (e.g. after a restart).
func (b *Bus) ReplayFromRedis(ctx context.Context, sessionID string, sinceEventID uint64) []models.ProgressEvent {
	if b.redis == nil {
		return nil
	}
	msgs, err := b.redis.XRange(ctx, b.streamKey(sessionID), "-", "+").Result()
	if err != nil {
		b.logger.Warn("Redis replay failed", zap.String("session_id", sessionID), zap.Error(err))
		return nil
	}
	var out []models.ProgressEvent
	for _, msg := range msgs {
		evt := models.ProgressEvent{SessionID: sessionID}
		if v, ok := msg.Values["event_id"].(string); ok {
			if id, err := strconv.ParseUint(v, 10, 64); err == nil {
				evt.EventID = id
			}
		}
		if evt.EventID <= sinceEventID {
			continue
		}
		if v, ok := msg.Values["stage"].(string); ok {
			evt.Stage = models.Stage(v)
		}
		if v, ok := msg.Values["kind"].(string); ok {
			evt.Kind = v
		}
		if v, ok := msg.Values["status"].(string); ok {
			evt.Status = models.EventStatus(v)
		}
		if v, ok := msg.Values["payload"].(string); ok && v != "" {
			var p map[string]interface{}
			if err := json.Unmarshal([]byte(v), &p); err == nil {
				evt.Payload = p
			}
		}
		if v, ok := msg.Values["ts_nano"].(string); ok {
			if nano, err := strconv.ParseInt(v, 10, 64); err == nil {
				evt.Ts = time.Unix(0, nano)
			}
		}
		out = append(out, evt)
	}
	return out
}

// janitor prunes idle sessions past the replay TTL.
func (b *Bus) janitor() {
	ticker := time.NewTicker(b.ttl / 4)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-b.ttl)
			b.mu.Lock()
			for id, s := range b.sessions {
				s.mu.Lock()
				idle := s.lastActive.Before(cutoff) && len(s.subs) == 0
				s.mu.Unlock()
				if idle {
					delete(b.sessions, id)
				}
			}
			b.mu.Unlock()
		}
	}
}

// Shutdown detaches all subscribers and stops the janitor.
func (b *Bus) Shutdown() {
	b.stopped.Do(func() {
		close(b.stopCh)
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, s := range b.sessions {
			s.mu.Lock()
			for sub := range s.subs {
				delete(s.subs, sub)
				sub.close()
			}
			s.mu.Unlock()
		}
	})
}
