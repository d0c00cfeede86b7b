package sfu

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/smazurov/workerctl/internal/metrics"
	"github.com/smazurov/workerctl/pkg/channel"
)

// lifecycle is the close state every resource shares.
//
// Closing runs exactly once, in this order: the closed flag flips, the
// close reason fires its type specific events, consumers close by cascade,
// then the remaining children, close handlers fire, the close request (local closes only) is sent from
// a separate goroutine, and finally subscriptions and parent hooks are
// released.
type lifecycle struct {
	kind   string
	logger *slog.Logger

	closed    atomic.Bool
	consumers bagOnce[func()]
	children  bagOnce[func()]
	onClose  bagOnce[func()]

	mu       sync.Mutex
	released bool
	releases []func()
}

func (l *lifecycle) init(kind string, logger *slog.Logger) {
	l.kind = kind
	l.logger = logger
	metrics.ResourceOpened(kind)
}

func (l *lifecycle) isClosed() bool {
	return l.closed.Load()
}

// addChild registers a cascade hook run when this resource closes. A hook
// added after closing runs immediately.
func (l *lifecycle) addChild(fn func()) HandlerID {
	id := l.children.add(fn)
	if l.closed.Load() {
		fire(&l.children)
	}
	return id
}

// addConsumer registers a cascade hook that runs before any addChild hook.
// A consumer on the same transport as its producer must see the transport
// close before the producer cascade reaches it.
func (l *lifecycle) addConsumer(fn func()) HandlerID {
	id := l.consumers.add(fn)
	if l.closed.Load() {
		fire(&l.consumers)
	}
	return id
}

// addCloseHandler registers fn for the close event, calling it in place if
// the resource is already closed.
func (l *lifecycle) addCloseHandler(fn func()) HandlerID {
	id := l.onClose.add(fn)
	if l.closed.Load() {
		fire(&l.onClose)
	}
	return id
}

// deferRelease runs fn once the resource has closed, or now if it already has.
func (l *lifecycle) deferRelease(fn func()) {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		fn()
		return
	}
	l.releases = append(l.releases, fn)
	l.mu.Unlock()
}

// holdSubscription releases s when the resource closes.
func (l *lifecycle) holdSubscription(s *channel.Subscription) {
	l.deferRelease(s.Release)
}

// shutdown runs the close algorithm. It reports false when the resource was
// already closed, in which case neither reason nor request runs.
func (l *lifecycle) shutdown(reason func(), request func()) bool {
	if !l.closed.CompareAndSwap(false, true) {
		return false
	}
	l.logger.Debug("Closing", "kind", l.kind, "local", request != nil)

	if reason != nil {
		reason()
	}
	fire(&l.consumers)
	fire(&l.children)
	fire(&l.onClose)
	if request != nil {
		go request()
	}

	l.mu.Lock()
	releases := l.releases
	l.releases = nil
	l.released = true
	l.mu.Unlock()
	for _, fn := range releases {
		fn()
	}

	metrics.ResourceClosed(l.kind)
	return true
}

// closeRequest builds the detached close request for a local close.
func closeRequest(ch *channel.Channel, logger *slog.Logger, method string, internal any) func() {
	return func() {
		if err := ch.Request(context.Background(), method, internal, nil, nil); err != nil {
			logger.Error("Close request failed", "method", method, "error", err)
		}
	}
}
