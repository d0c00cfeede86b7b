// Package channel implements the framed control and payload channels used to
// talk to a worker subprocess over a pair of pipes.
//
// Each direction is a stream of netstring frames. Control frames carry JSON
// requests, responses and notifications, plus worker log lines marked by a
// leading 'D', 'W', 'E' or 'X' byte. Requests are correlated with responses
// by a numeric id; notifications are routed by target id to subscribers.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
)

// Notification is an event emitted by the worker for one target.
type Notification struct {
	Event string
	Data  json.RawMessage
}

// Channel is the control channel to a worker.
type Channel struct {
	*conn
	registry *registry[Notification]
}

// New creates a control channel reading worker output from r and writing
// requests to w. Call Start once subscriptions that must not miss early
// notifications are in place.
func New(r io.ReadCloser, w io.WriteCloser, opts Options) *Channel {
	opts = opts.withDefaults("channel")
	c := &Channel{
		conn:     newConn(r, w, opts),
		registry: newRegistry[Notification](opts.Name, opts.Logger),
	}
	c.onClose = c.registry.close
	return c
}

// Start launches the dispatch loop.
func (c *Channel) Start() {
	go c.readLoop()
}

// Request sends method to the worker and waits for its response. When out
// is non-nil the accepted response body is decoded into it.
func (c *Channel) Request(ctx context.Context, method string, internal, data, out any) error {
	return c.roundTrip(ctx, method, internal, data, nil, out)
}

// Notify sends a fire-and-forget message to the worker.
func (c *Channel) Notify(event string, internal, data any) error {
	return c.notify(event, internal, data, nil)
}

// Subscribe registers fn for every notification addressed to targetID.
func (c *Channel) Subscribe(targetID string, fn func(Notification)) *Subscription {
	return c.registry.subscribe(targetID, fn, false)
}

// SubscribeOnce registers fn for the next notification addressed to targetID.
func (c *Channel) SubscribeOnce(targetID string, fn func(Notification)) *Subscription {
	return c.registry.subscribe(targetID, fn, true)
}

// BufferMessagesFor queues notifications for targetID while it has no
// subscriber, until the returned guard is released.
func (c *Channel) BufferMessagesFor(targetID string) *BufferGuard {
	return c.registry.bufferFor(targetID)
}

// Closed reports whether the channel has shut down.
func (c *Channel) Closed() bool {
	return c.closed.Load()
}

// Done is closed once the channel has shut down.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Close shuts the channel down and closes both pipe ends. Pending requests
// fail with ErrChannelClosed.
func (c *Channel) Close() error {
	return c.closeStreams()
}

func (c *Channel) readLoop() {
	defer c.shutdown()

	reader := NewFrameReader(c.reader, c.opts.MaxMessageSize)
	for {
		body, err := reader.Next()
		if err != nil {
			var frameErr *FrameError
			if errors.As(err, &frameErr) {
				c.logger.Error("Discarding malformed frame", "error", frameErr)
				continue
			}
			if !errors.Is(err, io.EOF) && !c.closed.Load() {
				c.logger.Debug("Read loop ended", "error", err)
			}
			return
		}
		c.handleFrame(body)
	}
}

func (c *Channel) handleFrame(body []byte) {
	frame := Classify(body)
	observeFrame(c.opts.Name, frame.Kind)
	if frame.Kind != FrameJSON {
		c.logDiagnostic(frame)
		return
	}

	var msg inboundMessage
	if err := json.Unmarshal(frame.Data, &msg); err != nil {
		c.logger.Error("Received invalid message", "error", err, "data", string(frame.Data))
		return
	}

	if msg.ID != nil {
		c.handleResponse(&msg)
		return
	}
	if targetID, ok := msg.targetID(); ok && msg.Event != "" {
		if !c.registry.dispatch(targetID, Notification{Event: msg.Event, Data: msg.Data}) {
			c.logger.Debug("Notification without subscribers", "target_id", targetID, "event", msg.Event)
		}
		return
	}
	c.logger.Error("Received message of unknown shape", "data", string(frame.Data))
}
