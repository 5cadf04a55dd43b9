// Package fanout delivers published values to every current subscriber.
//
// Each subscriber owns a bounded queue. When the queue is full the oldest
// value is discarded to make room, so a slow reader never blocks Publish.
// Delivery is at-most-once and nothing is replayed after Close.
package fanout

import (
	"sync"
	"sync/atomic"
)

// DropFunc is invoked once for every value discarded on overflow.
type DropFunc func()

type Topic[T any] struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription[T]
	nextID  uint64
	buffer  int
	onDrop  DropFunc
	onEmpty func()
}

func NewTopic[T any](buffer int, onDrop DropFunc) *Topic[T] {
	if buffer <= 0 {
		buffer = 1
	}
	return &Topic[T]{subs: make(map[uint64]*Subscription[T]), buffer: buffer, onDrop: onDrop}
}

// Subscribe registers a new subscriber. seed is queued before any value
// published after this call.
func (t *Topic[T]) Subscribe(seed ...T) *Subscription[T] {
	s := &Subscription[T]{ch: make(chan T, t.buffer), topic: t, onDrop: t.onDrop}
	for _, v := range seed {
		s.offer(v)
	}
	t.mu.Lock()
	t.nextID++
	s.id = t.nextID
	t.subs[s.id] = s
	t.mu.Unlock()
	return s
}

// Publish hands v to every subscriber without blocking.
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	subs := make([]*Subscription[T], 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.RUnlock()
	for _, s := range subs {
		s.offer(v)
	}
}

// Len returns the number of live subscribers.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// OnEmpty registers fn to run, outside the topic lock, whenever the last
// subscriber leaves.
func (t *Topic[T]) OnEmpty(fn func()) {
	t.mu.Lock()
	t.onEmpty = fn
	t.mu.Unlock()
}

func (t *Topic[T]) remove(id uint64) {
	t.mu.Lock()
	_, ok := t.subs[id]
	delete(t.subs, id)
	fn := t.onEmpty
	emptied := ok && len(t.subs) == 0
	t.mu.Unlock()
	if emptied && fn != nil {
		fn()
	}
}

type Subscription[T any] struct {
	id      uint64
	topic   *Topic[T]
	mu      sync.Mutex
	ch      chan T
	closed  bool
	dropped atomic.Uint64
	onDrop  DropFunc
}

// C returns the receive side of the queue. It is closed by Close.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Dropped reports how many values were discarded on overflow.
func (s *Subscription[T]) Dropped() uint64 { return s.dropped.Load() }

// Close stops delivery and closes C. It is safe to call more than once.
func (s *Subscription[T]) Close() {
	s.topic.remove(s.id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func (s *Subscription[T]) offer(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- v:
			return
		default:
		}
		// full: evict the oldest entry and retry
		select {
		case <-s.ch:
			s.dropped.Add(1)
			if s.onDrop != nil {
				s.onDrop()
			}
		default:
		}
	}
}
