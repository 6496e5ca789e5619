package events

import (
	"log/slog"
	"sync"
)

// queue is the shared state behind a Sender/Receiver pair.
type queue struct {
	mu      sync.Mutex
	items   []Event
	senders int
	closed  bool // every sender closed
	dropped bool // receiver closed

	notify chan struct{}
	done   chan struct{}
	out    chan Event
}

// New returns a connected Sender and Receiver. Sends are unbounded and never block.
// The receiver's channel is closed once every sender clone has been closed and
// the queue has drained.
func New() (*Sender, *Receiver) {
	q := &queue{
		senders: 1,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		out:     make(chan Event),
	}
	go q.pump()
	return &Sender{q: q}, &Receiver{q: q}
}

func (q *queue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			finished := q.closed || q.dropped
			q.mu.Unlock()
			if finished {
				return
			}
			select {
			case <-q.notify:
			case <-q.done:
				return
			}
			continue
		}
		ev := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- ev:
		case <-q.done:
			return
		}
	}
}

func (q *queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) push(ev Event) {
	q.mu.Lock()
	if q.dropped || q.closed {
		q.mu.Unlock()
		slog.Debug("startup event dropped", "kind", ev.Kind())
		return
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()
	q.wake()
}

// Sender publishes events. A nil *Sender is valid and discards everything,
// so producers never need to know whether anyone is listening.
type Sender struct {
	q    *queue
	once sync.Once
}

// Send enqueues ev. It never blocks and never fails.
func (s *Sender) Send(ev Event) {
	if s == nil || s.q == nil || ev == nil {
		return
	}
	s.q.push(ev)
}

// Clone returns an additional handle on the same channel. Each clone must be closed.
func (s *Sender) Clone() *Sender {
	if s == nil || s.q == nil {
		return nil
	}
	s.q.mu.Lock()
	s.q.senders++
	s.q.mu.Unlock()
	return &Sender{q: s.q}
}

// Close releases this handle. Closing twice is a no-op.
func (s *Sender) Close() {
	if s == nil || s.q == nil {
		return
	}
	s.once.Do(func() {
		s.q.mu.Lock()
		s.q.senders--
		if s.q.senders <= 0 {
			s.q.closed = true
		}
		s.q.mu.Unlock()
		s.q.wake()
	})
}

// Receiver is the consuming end.
type Receiver struct {
	q    *queue
	once sync.Once
}

// C returns the ordered event stream.
func (r *Receiver) C() <-chan Event { return r.q.out }

// Close drops the receiver; later sends become no-ops and pending events are discarded.
func (r *Receiver) Close() {
	r.once.Do(func() {
		r.q.mu.Lock()
		r.q.dropped = true
		r.q.items = nil
		r.q.mu.Unlock()
		close(r.q.done)
	})
}

// Collect drains the stream into a slice until it is closed.
func (r *Receiver) Collect() []Event {
	var out []Event
	for ev := range r.C() {
		out = append(out, ev)
	}
	return out
}
