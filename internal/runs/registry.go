// Package runs implements the streaming run registry: per-run event rings
// with monotonic ids, multi-subscriber fan-out, and a durable mirror so an
// unfinished run survives restart.
package runs

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// DefaultRingCapacity bounds the per-run replay buffer; oldest events are
// evicted first.
const DefaultRingCapacity = 1024

const subscriberBuffer = 256

// Event is one frame of a run's stream.
type Event struct {
	RunID     string          `json:"run_id"`
	EventID   uint64          `json:"event_id"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// ReplayMeta is the first frame every subscriber receives.
type ReplayMeta struct {
	RunID           string `json:"run_id"`
	ReplayTruncated bool   `json:"replay_truncated"`
	OldestEventID   uint64 `json:"oldest_event_id"`
	Finished        bool   `json:"finished"`
}

// EventSink mirrors events to durable storage. Implemented by the storage
// package; nil disables mirroring.
type EventSink interface {
	AppendSSEEvent(ctx context.Context, runID string, eventID uint64, name, payloadJSON string) error
	SSEEventsForRun(ctx context.Context, runID string) ([]Event, error)
}

type run struct {
	chatID   int64
	ring     []Event // ring[0] is the oldest retained event
	nextID   uint64  // next event id to assign (ids start at 1)
	evicted  bool
	finished bool
	subs     map[int]chan Event
	nextSub  int
}

type Registry struct {
	mu       sync.Mutex
	runs     map[string]*run
	capacity int
	sink     EventSink
	logger   *slog.Logger

	finishedAt map[string]time.Time
	retention  time.Duration
}

type Option func(*Registry)

// WithRingCapacity overrides the per-run ring size.
func WithRingCapacity(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// WithSink enables the durable event mirror.
func WithSink(sink EventSink) Option {
	return func(r *Registry) { r.sink = sink }
}

// WithRetention controls how long finished runs stay replayable in memory.
func WithRetention(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.retention = d
		}
	}
}

func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		runs:       make(map[string]*run),
		capacity:   DefaultRingCapacity,
		logger:     logger,
		finishedAt: make(map[string]time.Time),
		retention:  15 * time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open registers a new run. Publishing to an unopened run opens it lazily,
// so Open mainly records the chat association.
func (r *Registry) Open(runID string, chatID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[runID]; ok {
		return
	}
	r.runs[runID] = &run{chatID: chatID, nextID: 1, subs: make(map[int]chan Event)}
}

// ChatID returns the chat a run belongs to (0 if unknown).
func (r *Registry) ChatID(runID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rn, ok := r.runs[runID]; ok {
		return rn.chatID
	}
	return 0
}

// Publish appends an event to the run's ring, assigns its id, mirrors it,
// and fans it out. A "done" or "error" event finishes the run and closes all
// subscriber channels after delivery.
func (r *Registry) Publish(ctx context.Context, runID, name string, payload any) Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(`{}`)
		r.logger.Error("marshal run event payload", "run_id", runID, "event", name, "error", err)
	}

	r.mu.Lock()
	rn, ok := r.runs[runID]
	if !ok {
		rn = &run{nextID: 1, subs: make(map[int]chan Event)}
		r.runs[runID] = rn
	}
	ev := Event{
		RunID:     runID,
		EventID:   rn.nextID,
		Name:      name,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}
	rn.nextID++
	rn.ring = append(rn.ring, ev)
	if len(rn.ring) > r.capacity {
		rn.ring = rn.ring[len(rn.ring)-r.capacity:]
		rn.evicted = true
	}
	terminal := name == "done" || name == "error"
	if terminal {
		rn.finished = true
		r.finishedAt[runID] = time.Now()
	}

	// Fan out under the lock; a subscriber that cannot keep up is dropped and
	// must resubscribe to replay from the ring.
	for id, ch := range rn.subs {
		select {
		case ch <- ev:
		default:
			r.logger.Warn("dropping lagging run subscriber", "run_id", runID, "subscriber", id)
			delete(rn.subs, id)
			close(ch)
		}
	}
	if terminal {
		for id, ch := range rn.subs {
			delete(rn.subs, id)
			close(ch)
		}
	}
	r.mu.Unlock()

	if r.sink != nil {
		if err := r.sink.AppendSSEEvent(ctx, runID, ev.EventID, name, string(raw)); err != nil {
			r.logger.Error("mirror run event", "run_id", runID, "event_id", ev.EventID, "error", err)
		}
	}
	return ev
}

// Subscribe returns the replay snapshot, its meta frame, and a live channel.
// The channel closes when the run finishes or cancel is called. Subscribing
// to an unknown run consults the durable mirror before failing.
func (r *Registry) Subscribe(ctx context.Context, runID string) (ReplayMeta, []Event, <-chan Event, func(), bool) {
	r.mu.Lock()
	rn, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		rn = r.recover(ctx, runID)
		if rn == nil {
			return ReplayMeta{}, nil, nil, nil, false
		}
		r.mu.Lock()
		if existing, raced := r.runs[runID]; raced {
			rn = existing
		} else {
			r.runs[runID] = rn
		}
	}

	replay := make([]Event, len(rn.ring))
	copy(replay, rn.ring)
	meta := ReplayMeta{
		RunID:           runID,
		ReplayTruncated: rn.evicted,
		Finished:        rn.finished,
	}
	if len(replay) > 0 {
		meta.OldestEventID = replay[0].EventID
	}

	if rn.finished {
		r.mu.Unlock()
		ch := make(chan Event)
		close(ch)
		return meta, replay, ch, func() {}, true
	}

	ch := make(chan Event, subscriberBuffer)
	id := rn.nextSub
	rn.nextSub++
	rn.subs[id] = ch
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if c, ok := rn.subs[id]; ok {
			delete(rn.subs, id)
			close(c)
		}
	}
	return meta, replay, ch, cancel, true
}

// recover rebuilds a run from the durable mirror (post-restart subscribe).
func (r *Registry) recover(ctx context.Context, runID string) *run {
	if r.sink == nil {
		return nil
	}
	events, err := r.sink.SSEEventsForRun(ctx, runID)
	if err != nil {
		r.logger.Error("recover run from mirror", "run_id", runID, "error", err)
		return nil
	}
	if len(events) == 0 {
		return nil
	}
	rn := &run{nextID: events[len(events)-1].EventID + 1, subs: make(map[int]chan Event)}
	start := 0
	if len(events) > r.capacity {
		start = len(events) - r.capacity
		rn.evicted = true
	}
	rn.ring = append(rn.ring, events[start:]...)
	if events[0].EventID > 1 {
		rn.evicted = true
	}
	for _, e := range events {
		if e.Name == "done" || e.Name == "error" {
			rn.finished = true
		}
	}
	return rn
}

// Finished reports whether a run has emitted its terminal event.
func (r *Registry) Finished(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rn, ok := r.runs[runID]; ok {
		return rn.finished
	}
	return false
}

// Prune drops finished runs past the retention window. Returns the number
// of runs removed.
func (r *Registry) Prune(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for runID, at := range r.finishedAt {
		if now.Sub(at) >= r.retention {
			delete(r.runs, runID)
			delete(r.finishedAt, runID)
			removed++
		}
	}
	return removed
}
