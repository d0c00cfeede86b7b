package sfu

import "sync"

// HandlerID detaches the callback it was returned for.
type HandlerID struct {
	remove func()
}

// Remove detaches the callback. Calling it more than once is a no-op.
func (h HandlerID) Remove() {
	if h.remove != nil {
		h.remove()
	}
}

type bagEntry[F any] struct {
	id uint64
	fn F
}

// bag holds multi-fire callbacks in registration order.
type bag[F any] struct {
	mu      sync.Mutex
	next    uint64
	entries []bagEntry[F]
}

func (b *bag[F]) add(fn F) HandlerID {
	b.mu.Lock()
	b.next++
	id := b.next
	b.entries = append(b.entries, bagEntry[F]{id: id, fn: fn})
	b.mu.Unlock()
	return HandlerID{remove: func() { b.remove(id) }}
}

func (b *bag[F]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.entries {
		if e.id == id {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return
		}
	}
}

// snapshot copies the callbacks so they run without the lock held.
func (b *bag[F]) snapshot() []F {
	b.mu.Lock()
	defer b.mu.Unlock()
	fns := make([]F, len(b.entries))
	for i, e := range b.entries {
		fns[i] = e.fn
	}
	return fns
}

func (b *bag[F]) call(invoke func(F)) {
	for _, fn := range b.snapshot() {
		invoke(fn)
	}
}

// bagOnce holds single-fire callbacks. take removes every callback it returns.
type bagOnce[F any] struct {
	bag[F]
}

func (b *bagOnce[F]) take() []F {
	b.mu.Lock()
	defer b.mu.Unlock()
	fns := make([]F, len(b.entries))
	for i, e := range b.entries {
		fns[i] = e.fn
	}
	b.entries = nil
	return fns
}

func (b *bagOnce[F]) call(invoke func(F)) {
	for _, fn := range b.take() {
		invoke(fn)
	}
}

// fire runs and removes every callback of a parameterless bag.
func fire(b *bagOnce[func()]) {
	for _, fn := range b.take() {
		fn()
	}
}
