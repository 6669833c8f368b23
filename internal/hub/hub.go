// Package hub fans snapshots out to subscribers. Every subscriber owns a
// bounded queue; when it falls behind, the oldest queued message is dropped
// so that Publish never waits on a slow consumer.
package hub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"signalbox/internal/domain"
)

type Topic string

const (
	TopicSnapshot        Topic = "snapshot"
	TopicPositions       Topic = "positions"
	TopicTracks          Topic = "tracks"
	TopicConflicts       Topic = "conflicts"
	TopicRecommendations Topic = "recommendations"
	TopicTickets         Topic = "tickets"
	TopicAudit           Topic = "audit"
	TopicKPIs            Topic = "kpis"
)

var topics = []Topic{
	TopicSnapshot, TopicPositions, TopicTracks, TopicConflicts,
	TopicRecommendations, TopicTickets, TopicAudit, TopicKPIs,
}

const DefaultQueueSize = 8

// ErrClosed is returned by Next once the subscription has been closed.
var ErrClosed = errors.New("subscription closed")

// Message is one queued delivery. Seq is the tick of the snapshot it was cut
// from, so a subscriber never sees Seq decrease.
type Message struct {
	Type  Topic `json:"type"`
	Seq   int64 `json:"seq"`
	Stale bool  `json:"stale,omitempty"`
	Data  any   `json:"payload"`
}

// ParseTopics validates topic names. An empty list means everything.
func ParseTopics(names []string) ([]Topic, error) {
	var out []Topic
	seen := map[Topic]bool{}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		t := Topic(n)
		if !known(t) {
			return nil, domain.ValidationError{Field: "topics", Message: fmt.Sprintf("unknown topic %q", n)}
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		out = []Topic{TopicSnapshot}
	}
	return out, nil
}

func known(t Topic) bool {
	for _, k := range topics {
		if k == t {
			return true
		}
	}
	return false
}

// Cut projects a snapshot onto one topic.
func Cut(s domain.Snapshot, t Topic) Message {
	m := Message{Type: t, Seq: s.Tick, Stale: s.Stale}
	switch t {
	case TopicPositions:
		m.Data = s.Positions
	case TopicTracks:
		m.Data = s.Tracks
	case TopicConflicts:
		m.Data = s.Conflicts
	case TopicRecommendations:
		m.Data = s.Recommendations
	case TopicTickets:
		m.Data = s.Tickets
	case TopicAudit:
		m.Data = s.Audit
	case TopicKPIs:
		m.Data = s.KPIs
	default:
		m.Data = s
	}
	return m
}

type Hub struct {
	queueSize int

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	latest *domain.Snapshot
}

func New(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{queueSize: queueSize, subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber. The latest snapshot, if any, is queued
// before anything published afterwards.
func (h *Hub) Subscribe(ts ...Topic) *Subscription {
	if len(ts) == 0 {
		ts = []Topic{TopicSnapshot}
	}
	s := &Subscription{
		hub:    h,
		topics: ts,
		limit:  h.queueSize,
		queue:  make([]domain.Snapshot, 0, h.queueSize),
		signal: make(chan struct{}, 1),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest != nil {
		s.offer(*h.latest)
	}
	h.subs[s] = struct{}{}
	return s
}

// Publish records s as the latest snapshot and queues it for every
// subscriber. It never blocks on a subscriber.
func (h *Hub) Publish(s domain.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest != nil && s.Tick < h.latest.Tick {
		return
	}
	h.latest = &s
	for sub := range h.subs {
		sub.offer(s)
	}
}

// Latest returns the most recently published snapshot.
func (h *Hub) Latest() (domain.Snapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest == nil {
		return domain.Snapshot{}, false
	}
	return *h.latest, true
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// Subscription is a handle on one subscriber's queue.
type Subscription struct {
	hub    *Hub
	topics []Topic
	limit  int

	// queue holds whole ticks; topics are cut on dequeue so the bound
	// counts snapshots, not messages. next indexes the head's next topic.
	mu      sync.Mutex
	queue   []domain.Snapshot
	next    int
	dropped int64
	closed  bool
	signal  chan struct{}
}

func (s *Subscription) Topics() []Topic { return s.topics }

func (s *Subscription) offer(snap domain.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.queue) >= s.limit {
		s.queue[0] = domain.Snapshot{}
		s.queue = s.queue[1:]
		s.next = 0
		s.dropped++
	}
	s.queue = append(s.queue, snap)
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// TryNext pops the oldest queued message without waiting.
func (s *Subscription) TryNext() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Message{}, false
	}
	m := Cut(s.queue[0], s.topics[s.next])
	s.next++
	if s.next < len(s.topics) {
		return m, true
	}
	s.next = 0
	s.queue[0] = domain.Snapshot{}
	if len(s.queue) == 1 {
		s.queue = s.queue[:0]
	} else {
		s.queue = s.queue[1:]
	}
	return m, true
}

// Wait signals that messages may be available. It is closed by Close.
func (s *Subscription) Wait() <-chan struct{} {
	return s.signal
}

// Next blocks until a message is available, ctx is done, or the
// subscription is closed.
func (s *Subscription) Next(ctx context.Context) (Message, error) {
	for {
		if m, ok := s.TryNext(); ok {
			return m, nil
		}
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Message{}, ErrClosed
		}
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-s.signal:
		}
	}
}

// Dropped counts ticks discarded because the queue was full.
func (s *Subscription) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Len reports how many ticks are queued, including a partly delivered one.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close unsubscribes and releases the queue. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	close(s.signal)
}
