package session

import (
	"sync"
	"time"

	"github.com/banshee-data/rfbench/internal/result"
)

// EventType names what an Event reports.
type EventType string

const (
	// EventPoint is published once per raw point, before the sweep moves
	// to the next coordinate.
	EventPoint    EventType = "point"
	EventStarted  EventType = "started"
	EventFinished EventType = "finished"
	EventState    EventType = "state"
	EventParams   EventType = "params"
)

// Event is one notification from the session. Seq increases by one per
// published event and is the same for every subscriber.
type Event struct {
	Seq       uint64           `json:"seq"`
	Type      EventType        `json:"type"`
	Time      time.Time        `json:"time"`
	Operation Operation        `json:"operation,omitempty"`
	RunID     string           `json:"run_id,omitempty"`
	Index     int              `json:"index,omitempty"`
	Point     *result.RawPoint `json:"point,omitempty"`
	Status    string           `json:"status,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Hub fans events out to subscribers. Publish never blocks: every
// subscriber has its own unbounded queue drained by a goroutine, so a slow
// reader delays only itself and still sees every event in order.
type Hub struct {
	mu   sync.Mutex
	seq  uint64
	subs map[*subscriber]struct{}
}

type subscriber struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
	done   chan struct{}
	out    chan Event
}

// NewHub returns a hub with no subscribers.
func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// Subscribe returns a channel of every event published from now on, and a
// function that ends the subscription and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	s := &subscriber{
		done: make(chan struct{}),
		out:  make(chan Event),
	}
	s.cond = sync.NewCond(&s.mu)

	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	go s.pump()

	var once sync.Once
	return s.out, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, s)
			h.mu.Unlock()
			s.close()
		})
	}
}

// Publish stamps e with the next sequence number and queues it for every
// subscriber.
func (h *Hub) Publish(e Event) Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	e.Seq = h.seq
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	for s := range h.subs {
		s.push(e)
	}
	return e
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*subscriber]struct{})
	h.mu.Unlock()
	for s := range subs {
		s.close()
	}
}

func (s *subscriber) push(e Event) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, e)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
		s.cond.Broadcast()
	}
	s.mu.Unlock()
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		e := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- e:
		case <-s.done:
			return
		}
	}
}
