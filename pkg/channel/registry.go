package channel

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/smazurov/workerctl/internal/metrics"
)

// Notification outcomes reported to metrics.
const (
	outcomeDelivered = "delivered"
	outcomeBuffered  = "buffered"
	outcomeDropped   = "dropped"
)

// Subscription is a registered notification callback. Release removes
// exactly this entry; other subscribers of the same target are untouched.
type Subscription struct {
	once    sync.Once
	release func()
}

// Release detaches the callback. Safe to call more than once.
func (s *Subscription) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

// BufferGuard holds notification buffering open for one target.
type BufferGuard struct {
	once    sync.Once
	release func()
}

// Release ends buffering. Queued notifications go to the current
// subscribers, or are dropped when there are none.
func (g *BufferGuard) Release() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		if g.release != nil {
			g.release()
		}
	})
}

type entry[T any] struct {
	id   uint64
	fn   func(T)
	once bool
}

type target[T any] struct {
	entries   []entry[T]
	buffering int
	flushing  bool
	queue     []T
}

func (t *target[T]) idle() bool {
	return len(t.entries) == 0 && t.buffering == 0 && !t.flushing && len(t.queue) == 0
}

// registry routes notifications to per-target subscriber lists.
type registry[T any] struct {
	name    string
	logger  *slog.Logger
	mu      sync.Mutex
	nextID  uint64
	targets map[string]*target[T]
}

func newRegistry[T any](name string, logger *slog.Logger) *registry[T] {
	return &registry[T]{
		name:    name,
		logger:  logger,
		targets: make(map[string]*target[T]),
	}
}

func (r *registry[T]) lookup(targetID string) *target[T] {
	t, ok := r.targets[targetID]
	if !ok {
		t = &target[T]{}
		r.targets[targetID] = t
	}
	return t
}

func (r *registry[T]) subscribe(targetID string, fn func(T), once bool) *Subscription {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	t := r.lookup(targetID)
	t.entries = append(t.entries, entry[T]{id: id, fn: fn, once: once})
	flush := len(t.queue) > 0 && !t.flushing
	if flush {
		t.flushing = true
	}
	r.mu.Unlock()

	if flush {
		r.drain(targetID)
	}

	return &Subscription{release: func() { r.unsubscribe(targetID, id) }}
}

func (r *registry[T]) unsubscribe(targetID string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.targets[targetID]
	if !ok {
		return
	}
	t.entries = slices.DeleteFunc(t.entries, func(e entry[T]) bool { return e.id == id })
	if t.idle() {
		delete(r.targets, targetID)
	}
}

// bufferFor starts buffering notifications for targetID until the guard is released.
func (r *registry[T]) bufferFor(targetID string) *BufferGuard {
	r.mu.Lock()
	r.lookup(targetID).buffering++
	r.mu.Unlock()

	return &BufferGuard{release: func() { r.endBuffering(targetID) }}
}

func (r *registry[T]) endBuffering(targetID string) {
	r.mu.Lock()
	t, ok := r.targets[targetID]
	if !ok {
		r.mu.Unlock()
		return
	}
	t.buffering--
	if t.buffering > 0 || t.flushing {
		r.mu.Unlock()
		return
	}

	if len(t.queue) > 0 && len(t.entries) == 0 {
		dropped := len(t.queue)
		t.queue = nil
		delete(r.targets, targetID)
		r.mu.Unlock()
		r.logger.Warn("Dropping buffered notifications without subscribers", "target_id", targetID, "count", dropped)
		for range dropped {
			metrics.ObserveNotification(r.name, outcomeDropped)
		}
		return
	}

	flush := len(t.queue) > 0
	if flush {
		t.flushing = true
	} else if t.idle() {
		delete(r.targets, targetID)
	}
	r.mu.Unlock()

	if flush {
		r.drain(targetID)
	}
}

// drain delivers queued notifications in arrival order. Notifications that
// arrive while draining are appended to the queue and delivered by the same
// loop, so ordering holds across the flush.
func (r *registry[T]) drain(targetID string) {
	for {
		r.mu.Lock()
		t, ok := r.targets[targetID]
		if !ok {
			r.mu.Unlock()
			return
		}
		if len(t.queue) == 0 {
			t.flushing = false
			if t.idle() {
				delete(r.targets, targetID)
			}
			r.mu.Unlock()
			return
		}
		if len(t.entries) == 0 && t.buffering == 0 {
			dropped := len(t.queue)
			t.queue = nil
			t.flushing = false
			delete(r.targets, targetID)
			r.mu.Unlock()
			r.logger.Warn("Dropping buffered notifications without subscribers", "target_id", targetID, "count", dropped)
			return
		}
		if len(t.entries) == 0 {
			// Still buffering and every subscriber left; wait for the next one.
			t.flushing = false
			r.mu.Unlock()
			return
		}
		item := t.queue[0]
		t.queue = t.queue[1:]
		fns := t.take()
		r.mu.Unlock()

		for _, fn := range fns {
			fn(item)
		}
		metrics.ObserveNotification(r.name, outcomeDelivered)
	}
}

// take snapshots the callbacks and removes single-fire entries. Caller holds r.mu.
func (t *target[T]) take() []func(T) {
	fns := make([]func(T), 0, len(t.entries))
	kept := t.entries[:0]
	for _, e := range t.entries {
		fns = append(fns, e.fn)
		if !e.once {
			kept = append(kept, e)
		}
	}
	clear(t.entries[len(kept):])
	t.entries = kept
	return fns
}

// dispatch routes one notification. It reports false when the notification
// was dropped for lack of subscribers.
func (r *registry[T]) dispatch(targetID string, item T) bool {
	r.mu.Lock()
	t, ok := r.targets[targetID]
	if !ok {
		r.mu.Unlock()
		metrics.ObserveNotification(r.name, outcomeDropped)
		return false
	}
	if t.flushing || (t.buffering > 0 && len(t.entries) == 0) {
		t.queue = append(t.queue, item)
		r.mu.Unlock()
		metrics.ObserveNotification(r.name, outcomeBuffered)
		return true
	}
	if len(t.entries) == 0 {
		r.mu.Unlock()
		metrics.ObserveNotification(r.name, outcomeDropped)
		return false
	}
	fns := t.take()
	if t.idle() {
		delete(r.targets, targetID)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(item)
	}
	metrics.ObserveNotification(r.name, outcomeDelivered)
	return true
}

func (r *registry[T]) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.targets)
}
