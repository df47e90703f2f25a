// Package eventbus implements the per-run event bus (spec.md 4.B): an
// append-only, totally ordered log of RunEvents held in a bounded ring per
// run, with Last-Event-ID replay for reconnecting subscribers and an
// optional Redis fanout so multiple control-plane processes can share one
// run's event stream.
package eventbus

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentctl/runctl/internal/domain"
)

// Subscriber receives events for one run starting after a given sequence.
type Subscriber struct {
	Events chan *domain.RunEvent
	done   chan struct{}
}

// Close marks the subscriber done so no further events are sent to it. It
// does not remove it from its run's subscriber set; Unsubscribe does that.
// Safe to call more than once.
func (s *Subscriber) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

type runStream struct {
	mu          sync.Mutex
	events      *list.List // ordered domain.RunEvent, bounded to ringSize
	nextSeq     int64
	subscribers map[*Subscriber]struct{}
	closed      bool
	closedAt    time.Time
}

// Bus holds one runStream per active run.
type Bus struct {
	mu        sync.RWMutex
	streams   map[string]*runStream
	ringSize  int
	closeGrace time.Duration
	highWater int
	fanout    fanout // nil when running single-process
}

// fanout is the subset of Redis pub/sub the bus needs for cross-process
// delivery; nil means in-process only.
type fanout interface {
	Publish(ctx context.Context, runID string, ev *domain.RunEvent) error
	Subscribe(ctx context.Context, runID string, deliver func(*domain.RunEvent))
}

// New builds a Bus. ringSize bounds how many events are retained per run for
// replay; closeGrace is how long a run's stream survives after run.closed
// before it is pruned, to give slow subscribers a chance to catch up.
func New(ringSize int, closeGrace time.Duration, highWater int) *Bus {
	if ringSize <= 0 {
		ringSize = 2048
	}
	return &Bus{
		streams:    make(map[string]*runStream),
		ringSize:   ringSize,
		closeGrace: closeGrace,
		highWater:  highWater,
	}
}

// WithFanout attaches a cross-process fanout backend (e.g. Redis pub/sub).
func (b *Bus) WithFanout(f fanout) *Bus {
	b.fanout = f
	return b
}

func (b *Bus) streamFor(runID string) *runStream {
	b.mu.RLock()
	s, ok := b.streams[runID]
	b.mu.RUnlock()
	if ok {
		return s
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok = b.streams[runID]; ok {
		return s
	}
	s = &runStream{
		events:      list.New(),
		subscribers: make(map[*Subscriber]struct{}),
	}
	b.streams[runID] = s

	if b.fanout != nil {
		b.fanout.Subscribe(context.Background(), runID, func(ev *domain.RunEvent) {
			b.deliverLocal(s, ev)
		})
	}
	return s
}

// Publish appends ev to runID's stream (assigning the next sequence number)
// and delivers it to every live subscriber, then to the fanout backend if
// one is configured.
func (b *Bus) Publish(ctx context.Context, runID string, ev *domain.RunEvent) (*domain.RunEvent, error) {
	s := b.streamFor(runID)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errStreamClosed(runID)
	}
	s.nextSeq++
	ev.RunID = runID
	ev.Seq = s.nextSeq
	s.events.PushBack(ev)
	for s.events.Len() > b.ringSize {
		s.events.Remove(s.events.Front())
	}
	subs := make([]*Subscriber, 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	isClose := ev.Kind == domain.EventRunClosed
	s.mu.Unlock()

	for _, sub := range subs {
		b.deliverToSubscriber(s, sub, ev)
	}

	if b.fanout != nil {
		if err := b.fanout.Publish(ctx, runID, ev); err != nil {
			slog.Warn("eventbus fanout publish failed", "run_id", runID, "error", err)
		}
	}

	if isClose {
		b.scheduleClose(runID, s)
	}

	return ev, nil
}

func (b *Bus) deliverLocal(s *runStream, ev *domain.RunEvent) {
	s.mu.Lock()
	if ev.Seq > s.nextSeq {
		s.nextSeq = ev.Seq
		s.events.PushBack(ev)
		for s.events.Len() > b.ringSize {
			s.events.Remove(s.events.Front())
		}
	}
	subs := make([]*Subscriber, 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		b.deliverToSubscriber(s, sub, ev)
	}
}

func (b *Bus) deliverToSubscriber(s *runStream, sub *Subscriber, ev *domain.RunEvent) {
	select {
	case sub.Events <- ev:
	case <-sub.done:
	default:
		// Subscriber is behind the high-water mark; drop it rather than
		// block the publisher or grow memory without bound. It will
		// reconnect with Last-Event-ID and replay from the ring.
		slog.Warn("eventbus subscriber too slow, disconnecting", "run_id", ev.RunID)
		sub.Close()
		s.mu.Lock()
		delete(s.subscribers, sub)
		s.mu.Unlock()
	}
}

// Subscribe registers a new subscriber for runID and replays any buffered
// events with Seq > afterSeq before returning, mirroring Last-Event-ID
// reconnect semantics.
func (b *Bus) Subscribe(runID string, afterSeq int64) *Subscriber {
	s := b.streamFor(runID)
	sub := &Subscriber{
		Events: make(chan *domain.RunEvent, b.highWater),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[sub] = struct{}{}
	for e := s.events.Front(); e != nil; e = e.Next() {
		ev := e.Value.(*domain.RunEvent)
		if ev.Seq > afterSeq {
			select {
			case sub.Events <- ev:
			default:
			}
		}
	}
	return sub
}

// Unsubscribe removes sub from runID's stream.
func (b *Bus) Unsubscribe(runID string, sub *Subscriber) {
	b.mu.RLock()
	s, ok := b.streams[runID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	sub.Close()
	s.mu.Lock()
	delete(s.subscribers, sub)
	s.mu.Unlock()
}

func (b *Bus) scheduleClose(runID string, s *runStream) {
	s.mu.Lock()
	s.closed = true
	s.closedAt = time.Now()
	s.mu.Unlock()

	if b.closeGrace <= 0 {
		b.prune(runID)
		return
	}
	time.AfterFunc(b.closeGrace, func() { b.prune(runID) })
}

func (b *Bus) prune(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[runID]
	if !ok {
		return
	}
	s.mu.Lock()
	for sub := range s.subscribers {
		sub.Close()
	}
	s.mu.Unlock()
	delete(b.streams, runID)
}

type streamClosedError string

func (e streamClosedError) Error() string { return string(e) }

func errStreamClosed(runID string) error {
	return streamClosedError("eventbus: run " + runID + " stream is closed")
}
