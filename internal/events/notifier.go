package events

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/austinkregel/codemd/internal/logging"
)

// DefaultBuffer is the per-subscriber queue length
const DefaultBuffer = 64

// Notifier delivers published events to every matching subscriber. A full
// subscriber queue drops the event for that subscriber only.
type Notifier struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	closed bool
	logger *logrus.Entry
}

// NewNotifier creates a notifier whose subscribers buffer up to buffer events
func NewNotifier(buffer int) *Notifier {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Notifier{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		logger: logging.NewLogger("events"),
	}
}

// Subscribe registers a subscriber for the given kinds, or all kinds when none are given
func (n *Notifier) Subscribe(kinds ...Kind) *Subscription {
	sub := &Subscription{
		ch:       make(chan Event, n.buffer),
		last:     make(map[string]float64),
		notifier: n,
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	n.nextID++
	sub.id = n.nextID
	n.subs[sub.id] = sub
	return sub
}

// Publish never blocks
func (n *Notifier) Publish(e Event) {
	n.mu.RLock()
	subs := make([]*Subscription, 0, len(n.subs))
	for _, s := range n.subs {
		subs = append(subs, s)
	}
	n.mu.RUnlock()

	for _, s := range subs {
		if !s.deliver(e) {
			n.logger.WithFields(logrus.Fields{"kind": e.Kind, "subscriber": s.id}).Debug("Dropped event for slow subscriber")
		}
	}
}

// SubscriberCount returns the number of live subscriptions
func (n *Notifier) SubscriberCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}

// Close ends every subscription
func (n *Notifier) Close() {
	n.mu.Lock()
	subs := n.subs
	n.subs = make(map[uint64]*Subscription)
	n.closed = true
	n.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

func (n *Notifier) remove(id uint64) {
	n.mu.Lock()
	delete(n.subs, id)
	n.mu.Unlock()
}

// Subscription is one subscriber's view of the event stream
type Subscription struct {
	id       uint64
	ch       chan Event
	kinds    map[Kind]bool
	notifier *Notifier

	mu      sync.Mutex
	last    map[string]float64
	closed  bool
	dropped atomic.Uint64
}

// deliver reports false only when a queue overflow dropped the event
func (s *Subscription) deliver(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || (s.kinds != nil && !s.kinds[e.Kind]) {
		return true
	}
	if e.Key != "" {
		if last, ok := s.last[e.Key]; ok && e.Seq < last {
			return true
		}
		if e.Kind == JobCompleted {
			delete(s.last, e.Key)
		} else {
			s.last[e.Key] = e.Seq
		}
	}

	select {
	case s.ch <- e:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// C returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Events yields events until ctx is done or the subscription is closed.
// Breaking out of the loop leaves the subscription open, so iteration can
// be resumed later from where it stopped.
func (s *Subscription) Events(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-s.ch:
				if !ok || !yield(e) {
					return
				}
			}
		}
	}
}

// Dropped returns how many events overflowed this subscriber's queue
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.notifier.remove(s.id)
	s.close()
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
