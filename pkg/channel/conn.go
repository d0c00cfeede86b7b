package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/workerctl/internal/logging"
	"github.com/smazurov/workerctl/internal/metrics"
)

// DefaultRequestTimeout bounds how long a request waits for its response.
const DefaultRequestTimeout = 15 * time.Second

// Options configures a Channel or PayloadChannel.
type Options struct {
	// Name labels log lines and metrics ("channel", "payload").
	Name string
	// PID of the worker on the other end, used as log context.
	PID int
	// Logger defaults to the "channel" module logger.
	Logger *slog.Logger
	// RequestTimeout defaults to DefaultRequestTimeout.
	RequestTimeout time.Duration
	// MaxMessageSize defaults to MessageMaxLen.
	MaxMessageSize int
	// MaxPayloadSize defaults to PayloadMaxLen. Payload channels only.
	MaxPayloadSize int
}

func (o Options) withDefaults(name string) Options {
	if o.Name == "" {
		o.Name = name
	}
	if o.Logger == nil {
		o.Logger = logging.GetLogger("channel")
	}
	if o.PID != 0 {
		o.Logger = o.Logger.With("pid", o.PID)
	}
	o.Logger = o.Logger.With("channel", o.Name)
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = MessageMaxLen
	}
	if o.MaxPayloadSize <= 0 {
		o.MaxPayloadSize = PayloadMaxLen
	}
	return o
}

// requestMessage is the outbound request envelope.
type requestMessage struct {
	ID       uint32 `json:"id"`
	Method   string `json:"method"`
	Internal any    `json:"internal,omitempty"`
	Data     any    `json:"data,omitempty"`
}

// notificationMessage is the outbound notification envelope.
type notificationMessage struct {
	Event    string `json:"event"`
	Internal any    `json:"internal,omitempty"`
	Data     any    `json:"data,omitempty"`
}

// inboundMessage covers both responses and notifications.
type inboundMessage struct {
	ID       *uint32         `json:"id"`
	Accepted bool            `json:"accepted"`
	Error    string          `json:"error"`
	Reason   string          `json:"reason"`
	TargetID json.RawMessage `json:"targetId"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
}

// targetID normalizes a string or numeric targetId.
func (m *inboundMessage) targetID() (string, bool) {
	if len(m.TargetID) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(m.TargetID, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(m.TargetID, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

type response struct {
	accepted bool
	kind     string
	reason   string
	data     json.RawMessage
}

// conn is the request/response core shared by both channel flavors.
type conn struct {
	opts   Options
	logger *slog.Logger

	reader io.ReadCloser
	writer io.WriteCloser
	wmu    sync.Mutex

	pmu     sync.Mutex
	nextID  uint32
	pending map[uint32]chan response

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	onClose   func()
}

func newConn(r io.ReadCloser, w io.WriteCloser, opts Options) *conn {
	return &conn{
		opts:    opts,
		logger:  opts.Logger,
		reader:  r,
		writer:  w,
		pending: make(map[uint32]chan response),
		done:    make(chan struct{}),
	}
}

// allocate reserves the next free correlation id. Ids wrap around and skip
// zero and any id still waiting for its response.
func (c *conn) allocate() (uint32, chan response) {
	c.pmu.Lock()
	defer c.pmu.Unlock()

	for {
		c.nextID++
		if c.nextID == 0 {
			continue
		}
		if _, busy := c.pending[c.nextID]; busy {
			continue
		}
		ch := make(chan response, 1)
		c.pending[c.nextID] = ch
		metrics.PendingRequestsInc(c.opts.Name)
		return c.nextID, ch
	}
}

func (c *conn) forget(id uint32) {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	if _, ok := c.pending[id]; ok {
		delete(c.pending, id)
		metrics.PendingRequestsDec(c.opts.Name)
	}
}

// resolve hands a response to its waiter. Unknown ids are logged and dropped.
func (c *conn) resolve(id uint32, resp response) {
	c.pmu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		metrics.PendingRequestsDec(c.opts.Name)
	}
	c.pmu.Unlock()

	if !ok {
		c.logger.Warn("Received response for unknown request", "id", id)
		return
	}
	ch <- resp
}

func (c *conn) pendingCount() int {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	return len(c.pending)
}

// write sends one or more frames atomically with respect to other writers.
func (c *conn) write(frames ...[]byte) error {
	var buf []byte
	for _, f := range frames {
		buf = AppendFrame(buf, f)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed.Load() {
		return ErrChannelClosed
	}
	if _, err := c.writer.Write(buf); err != nil {
		c.logger.Debug("Write failed", "error", err)
		return ErrChannelClosed
	}
	return nil
}

// roundTrip performs one request and decodes the accepted body into out.
func (c *conn) roundTrip(ctx context.Context, method string, internal, data any, payload []byte, out any) error {
	start := time.Now()
	err := c.doRoundTrip(ctx, method, internal, data, payload, out)
	metrics.ObserveRequest(c.opts.Name, method, resultLabel(err), time.Since(start))
	if err != nil {
		return &RequestError{Method: method, Err: err}
	}
	return nil
}

func (c *conn) doRoundTrip(ctx context.Context, method string, internal, data any, payload []byte, out any) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}
	if payload != nil && len(payload) > c.opts.MaxPayloadSize {
		return ErrPayloadTooLong
	}

	id, ch := c.allocate()
	body, err := json.Marshal(requestMessage{ID: id, Method: method, Internal: internal, Data: data})
	if err != nil {
		c.forget(id)
		return err
	}
	if len(body) > c.opts.MaxMessageSize {
		c.forget(id)
		return ErrMessageTooLong
	}

	frames := [][]byte{body}
	if payload != nil {
		frames = append(frames, payload)
	}
	c.logger.Debug("request()", "method", method, "id", id)
	if err := c.write(frames...); err != nil {
		c.forget(id)
		return err
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return decodeResponse(resp, out)
	case <-timer.C:
		c.forget(id)
		c.logger.Warn("Request timed out", "method", method, "id", id, "timeout", c.opts.RequestTimeout)
		return ErrTimedOut
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case <-c.done:
		// A response may have raced with closure.
		select {
		case resp := <-ch:
			return decodeResponse(resp, out)
		default:
			return ErrChannelClosed
		}
	}
}

func decodeResponse(resp response, out any) error {
	if !resp.accepted {
		return &ResponseError{Kind: resp.kind, Reason: resp.reason}
	}
	if out == nil {
		return nil
	}
	if len(resp.data) == 0 || string(resp.data) == "null" {
		return ErrNoData
	}
	if err := json.Unmarshal(resp.data, out); err != nil {
		return &ParseError{Err: err}
	}
	return nil
}

func (c *conn) notify(event string, internal, data any, payload []byte) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}
	if payload != nil && len(payload) > c.opts.MaxPayloadSize {
		return ErrPayloadTooLong
	}
	body, err := json.Marshal(notificationMessage{Event: event, Internal: internal, Data: data})
	if err != nil {
		return err
	}
	if len(body) > c.opts.MaxMessageSize {
		return ErrMessageTooLong
	}
	frames := [][]byte{body}
	if payload != nil {
		frames = append(frames, payload)
	}
	c.logger.Debug("notify()", "event", event)
	return c.write(frames...)
}

// handleResponse routes a decoded response to its pending request.
func (c *conn) handleResponse(msg *inboundMessage) {
	resp := response{
		accepted: msg.Accepted,
		kind:     msg.Error,
		reason:   msg.Reason,
		data:     msg.Data,
	}
	if !msg.Accepted && msg.Error == "" && msg.Reason == "" {
		resp.reason = "request rejected without reason"
	}
	c.resolve(*msg.ID, resp)
}

// logDiagnostic forwards worker log lines to the logger by severity.
func (c *conn) logDiagnostic(frame Frame) {
	text := string(frame.Data)
	switch frame.Kind {
	case FrameDebug:
		c.logger.Debug(text)
	case FrameWarn:
		c.logger.Warn(text)
	case FrameLogError:
		c.logger.Error(text)
	case FrameDump:
		c.logger.Info("dump", "data", text)
	default:
		c.logger.Error("Unexpected data", "data", text)
	}
}

// shutdown marks the conn closed exactly once and fails all pending requests.
func (c *conn) shutdown() {
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		c.closed.Store(true)
		c.wmu.Unlock()

		c.pmu.Lock()
		n := len(c.pending)
		clear(c.pending)
		c.pmu.Unlock()
		for range n {
			metrics.PendingRequestsDec(c.opts.Name)
		}

		close(c.done)
		if c.onClose != nil {
			c.onClose()
		}
		c.logger.Debug("Channel closed", "failed_pending", n)
	})
}

// closeStreams closes both pipe ends, ending the read loop.
func (c *conn) closeStreams() error {
	c.shutdown()
	werr := c.writer.Close()
	rerr := c.reader.Close()
	return errors.Join(werr, rerr)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimedOut):
		return "timeout"
	case errors.Is(err, ErrChannelClosed):
		return "closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		var respErr *ResponseError
		if errors.As(err, &respErr) {
			return "rejected"
		}
		return "error"
	}
}

func observeFrame(name string, kind FrameKind) {
	metrics.ObserveFrame(name, kind.String())
}
