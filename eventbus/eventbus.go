// Package eventbus implements the in-process, per-job topic fan-out:
// live subscribers receive a seamless catch-up (from durable storage)
// followed by a live feed (from an in-memory ring), back-pressured so a
// slow subscriber is dropped and disconnected rather than ever blocking
// the publisher.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/researchmcp/orchestrator/internal/telemetry"
	"github.com/researchmcp/orchestrator/jobs"
)

const (
	// defaultRingSize is the replay window held in memory per job.
	defaultRingSize = 512
	// defaultQueueSize bounds each subscriber's delivery queue.
	defaultQueueSize = 256
)

type (
	// History reads durably persisted events for catch-up replay. It is
	// satisfied by store.JobStore.ReadEvents.
	History interface {
		ReadEvents(ctx context.Context, jobID string, sinceEventID int64, limit int) ([]jobs.Event, error)
	}

	// Bus is the per-job event fan-out.
	Bus struct {
		mu      sync.Mutex
		topics  map[string]*topic
		history History
		logger  telemetry.Logger
		ringLen int
		queueSz int
	}

	// Subscription is returned by Subscribe; Close stops delivery and
	// releases the subscriber's queue.
	Subscription struct {
		bus   *Bus
		jobID string
		sub   *subscriber
		once  sync.Once
	}

	topic struct {
		mu          sync.Mutex
		ring        []jobs.Event // circular buffer of the most recent events
		ringHead    int          // index of the next write
		ringFilled  bool
		maxEventID  int64
		subscribers map[*subscriber]struct{}
	}

	subscriber struct {
		ch      chan jobs.Event
		dropped atomic.Int64
		closed  atomic.Bool
	}
)

// New constructs a Bus that replays catch-up history from h. Pass nil for h
// to disable durable catch-up (subscribers then see only what the in-memory
// ring still holds past their cursor, plus live events); production wiring
// always supplies the Job Store.
func New(h History, logger telemetry.Logger) *Bus {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Bus{
		topics:  make(map[string]*topic),
		history: h,
		logger:  logger,
		ringLen: defaultRingSize,
		queueSz: defaultQueueSize,
	}
}

func (b *Bus) topicFor(jobID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[jobID]
	if !ok {
		t = &topic{
			ring:        make([]jobs.Event, b.ringLen),
			subscribers: make(map[*subscriber]struct{}),
		}
		b.topics[jobID] = t
	}
	return t
}

// Publish delivers event to every live subscriber of its job and records it
// in the in-memory ring for future catch-up. Publish is non-blocking: a
// subscriber whose queue is full is disconnected (its queue closed and the
// disconnect logged) rather than stalling the publisher. Only the
// job's own worker should call Publish.
func (b *Bus) Publish(ctx context.Context, event jobs.Event) {
	t := b.topicFor(event.JobID)
	t.mu.Lock()
	t.ring[t.ringHead] = event
	t.ringHead = (t.ringHead + 1) % len(t.ring)
	if t.ringHead == 0 {
		t.ringFilled = true
	}
	t.maxEventID = event.EventID
	subs := make([]*subscriber, 0, len(t.subscribers))
	for s := range t.subscribers {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- event:
		default:
			b.disconnect(t, s, "queue full")
		}
	}
}

// Subscribe attaches a new subscriber to jobID's event stream. The returned
// channel first yields the catch-up batch (events with id > sinceEventID
// read from durable storage, in ascending order) and then switches
// seamlessly to live delivery with no gap and no duplicate. The channel is
// closed when the subscriber is disconnected for falling behind, when ctx
// ends during catch-up, or when a catch-up read fails; Subscription.Close
// stops delivery but leaves the channel open.
func (b *Bus) Subscribe(ctx context.Context, jobID string, sinceEventID int64) (*Subscription, <-chan jobs.Event, error) {
	t := b.topicFor(jobID)
	sub := &subscriber{ch: make(chan jobs.Event, b.queueSz)}
	subscription := &Subscription{bus: b, jobID: jobID, sub: sub}
	go b.attach(ctx, t, sub, jobID, sinceEventID)
	return subscription, sub.ch, nil
}

// attach streams durable history to the subscriber, then, under the topic
// lock, drains the in-memory ring past the catch-up cursor and registers
// the subscriber for live delivery. Any event published while catch-up was
// in flight is covered either by a subsequent store page (it was appended
// before the final read) or by the ring drain (it was appended after); a
// subscriber whose cursor has fallen further behind than the ring holds is
// disconnected the same way a slow live subscriber is.
func (b *Bus) attach(ctx context.Context, t *topic, sub *subscriber, jobID string, sinceEventID int64) {
	cursor := sinceEventID
	if b.history != nil {
		const pageSize = 256
		for {
			if sub.closed.Load() {
				return
			}
			batch, err := b.history.ReadEvents(ctx, jobID, cursor, pageSize)
			if err != nil {
				b.logger.Warn(ctx, "eventbus: catch-up read failed", "job", jobID, "error", err)
				b.disconnect(t, sub, "catch-up read failed")
				return
			}
			if len(batch) == 0 {
				break
			}
			for _, e := range batch {
				if ctx.Err() != nil {
					b.disconnect(t, sub, "context canceled during catch-up")
					return
				}
				select {
				case sub.ch <- e:
					cursor = e.EventID
				default:
					// Same policy as the ring drain and live delivery: a
					// full queue disconnects the subscriber.
					b.disconnect(t, sub, "queue full during catch-up")
					return
				}
			}
		}
	}

	t.mu.Lock()
	if sub.closed.Load() {
		t.mu.Unlock()
		return
	}
	ring := ringSnapshotAfter(t, cursor)
	if len(ring) > 0 && ring[0].EventID > cursor+1 && cursor > 0 {
		// The ring has already evicted events between the catch-up cursor
		// and its oldest entry; the subscriber cannot be caught up without
		// gaps.
		t.mu.Unlock()
		b.disconnect(t, sub, "fell behind replay window during catch-up")
		return
	}
	for _, e := range ring {
		select {
		case sub.ch <- e:
		default:
			// Ring drain must not block registration; a full queue here
			// means the subscriber is already too slow to keep up.
			t.mu.Unlock()
			b.disconnect(t, sub, "queue full during catch-up")
			return
		}
	}
	t.subscribers[sub] = struct{}{}
	t.mu.Unlock()
}

// ringSnapshotAfter returns ring entries with EventID > after, in ascending
// order. Caller must hold t.mu.
func ringSnapshotAfter(t *topic, after int64) []jobs.Event {
	n := len(t.ring)
	count := n
	if !t.ringFilled {
		count = t.ringHead
	}
	out := make([]jobs.Event, 0, count)
	start := t.ringHead
	if !t.ringFilled {
		start = 0
	}
	for i := 0; i < count; i++ {
		idx := (start + i) % n
		e := t.ring[idx]
		if e.EventID > after {
			out = append(out, e)
		}
	}
	return out
}

func (b *Bus) disconnect(t *topic, s *subscriber, reason string) {
	t.mu.Lock()
	delete(t.subscribers, s)
	t.mu.Unlock()
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.ch)
	b.logger.Warn(context.Background(), "eventbus: subscriber disconnected", "reason", reason, "dropped", s.dropped.Load())
}

// Close unregisters the subscription, stopping further delivery. The
// channel itself is only ever closed by the delivery side (catch-up or
// publisher), so a consumer closing mid-catch-up never races an in-flight
// send; after Close the consumer simply stops reading.
func (s *Subscription) Close() {
	s.once.Do(func() {
		t := s.bus.topicFor(s.jobID)
		t.mu.Lock()
		delete(t.subscribers, s.sub)
		t.mu.Unlock()
		s.sub.closed.Store(true)
	})
}
