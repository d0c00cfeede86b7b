package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
)

// PayloadNotification is a notification followed by its binary payload.
type PayloadNotification struct {
	Event   string
	Data    json.RawMessage
	Payload []byte
}

// PayloadChannel carries messages made of a JSON header frame followed by a
// raw binary payload frame.
type PayloadChannel struct {
	*conn
	registry *registry[PayloadNotification]
}

// NewPayload creates a payload channel over r and w. Call Start to begin
// dispatching.
func NewPayload(r io.ReadCloser, w io.WriteCloser, opts Options) *PayloadChannel {
	opts = opts.withDefaults("payload")
	c := &PayloadChannel{
		conn:     newConn(r, w, opts),
		registry: newRegistry[PayloadNotification](opts.Name, opts.Logger),
	}
	c.onClose = c.registry.close
	return c
}

// Start launches the dispatch loop.
func (c *PayloadChannel) Start() {
	go c.readLoop()
}

// Request sends method with payload and waits for the response.
func (c *PayloadChannel) Request(ctx context.Context, method string, internal, data any, payload []byte, out any) error {
	if payload == nil {
		payload = []byte{}
	}
	return c.roundTrip(ctx, method, internal, data, payload, out)
}

// Notify sends a fire-and-forget message with payload.
func (c *PayloadChannel) Notify(event string, internal, data any, payload []byte) error {
	if payload == nil {
		payload = []byte{}
	}
	return c.notify(event, internal, data, payload)
}

// Subscribe registers fn for every payload notification addressed to targetID.
func (c *PayloadChannel) Subscribe(targetID string, fn func(PayloadNotification)) *Subscription {
	return c.registry.subscribe(targetID, fn, false)
}

// SubscribeOnce registers fn for the next payload notification addressed to targetID.
func (c *PayloadChannel) SubscribeOnce(targetID string, fn func(PayloadNotification)) *Subscription {
	return c.registry.subscribe(targetID, fn, true)
}

// BufferMessagesFor queues notifications for targetID while it has no
// subscriber, until the returned guard is released.
func (c *PayloadChannel) BufferMessagesFor(targetID string) *BufferGuard {
	return c.registry.bufferFor(targetID)
}

// Closed reports whether the channel has shut down.
func (c *PayloadChannel) Closed() bool {
	return c.closed.Load()
}

// Done is closed once the channel has shut down.
func (c *PayloadChannel) Done() <-chan struct{} {
	return c.done
}

// Close shuts the channel down and closes both pipe ends.
func (c *PayloadChannel) Close() error {
	return c.closeStreams()
}

// pendingHeader is a notification header waiting for its payload frame.
type pendingHeader struct {
	targetID string
	event    string
	data     json.RawMessage
}

func (c *PayloadChannel) readLoop() {
	defer c.shutdown()

	reader := NewFrameReader(c.reader, max(c.opts.MaxMessageSize, c.opts.MaxPayloadSize))
	var header *pendingHeader
	for {
		body, err := reader.Next()
		if err != nil {
			var frameErr *FrameError
			if errors.As(err, &frameErr) {
				c.logger.Error("Discarding malformed frame", "error", frameErr)
				// The payload half of a message is lost; do not pair the
				// header with the next frame.
				header = nil
				continue
			}
			return
		}

		if header != nil {
			observeFrame(c.opts.Name, FramePayload)
			c.deliver(header, body)
			header = nil
			continue
		}
		header = c.handleHeader(body)
	}
}

// handleHeader processes a JSON header frame. It returns a non-nil header
// when the next frame is the payload of a notification.
func (c *PayloadChannel) handleHeader(body []byte) *pendingHeader {
	frame := Classify(body)
	observeFrame(c.opts.Name, frame.Kind)
	if frame.Kind != FrameJSON {
		c.logDiagnostic(frame)
		return nil
	}

	var msg inboundMessage
	if err := json.Unmarshal(frame.Data, &msg); err != nil {
		c.logger.Error("Received invalid message", "error", err, "data", string(frame.Data))
		return nil
	}
	if msg.ID != nil {
		c.handleResponse(&msg)
		return nil
	}
	if targetID, ok := msg.targetID(); ok && msg.Event != "" {
		return &pendingHeader{targetID: targetID, event: msg.Event, data: msg.Data}
	}
	c.logger.Error("Received message of unknown shape", "data", string(frame.Data))
	return nil
}

func (c *PayloadChannel) deliver(h *pendingHeader, payload []byte) {
	n := PayloadNotification{Event: h.event, Data: h.data, Payload: payload}
	if !c.registry.dispatch(h.targetID, n) {
		c.logger.Debug("Notification without subscribers", "target_id", h.targetID, "event", h.event)
	}
}
