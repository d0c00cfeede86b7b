package sfu

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"weak"

	"github.com/pion/rtp"

	"github.com/smazurov/workerctl/pkg/channel"
)

// MediaKind is audio or video.
type MediaKind string

// Media kinds.
const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// ProducerType describes the RTP layout a producer sends.
type ProducerType string

// Producer types.
const (
	ProducerTypeSimple    ProducerType = "simple"
	ProducerTypeSimulcast ProducerType = "simulcast"
	ProducerTypeSvc       ProducerType = "svc"
)

// ProducerOptions configure Transport.Produce. RTP parameters and the
// mapping computed from the router capabilities are passed through opaquely.
type ProducerOptions struct {
	// ID is only set when piping a producer that already exists elsewhere.
	ID                     *ProducerID
	Kind                   MediaKind
	RtpParameters          json.RawMessage
	RtpMapping             json.RawMessage
	ConsumableRtpEncodings json.RawMessage
	Paused                 bool
	KeyFrameRequestDelay   uint32
	AppData                any
}

type produceData struct {
	Kind                 MediaKind       `json:"kind"`
	RtpParameters        json.RawMessage `json:"rtpParameters"`
	RtpMapping           json.RawMessage `json:"rtpMapping"`
	KeyFrameRequestDelay uint32          `json:"keyFrameRequestDelay"`
	Paused               bool            `json:"paused"`
}

// ProducerScore is the score of one RTP stream of a producer.
type ProducerScore struct {
	EncodingIdx uint32 `json:"encodingIdx"`
	Ssrc        uint32 `json:"ssrc"`
	Rid         string `json:"rid,omitempty"`
	Score       uint8  `json:"score"`
}

// VideoOrientation as signalled by the sender.
type VideoOrientation struct {
	Camera   bool   `json:"camera"`
	Flip     bool   `json:"flip"`
	Rotation uint16 `json:"rotation"`
}

// Producer is a media source injected into a router. It keeps its
// transport alive.
type Producer struct {
	state     *producerState
	transport *Transport
}

type producerState struct {
	lifecycle

	id                     ProducerID
	kind                   MediaKind
	typ                    ProducerType
	rtpParameters          json.RawMessage
	consumableRtpEncodings json.RawMessage
	appData                any
	transport              *transportState
	ch                     *channel.Channel
	pch                    *channel.PayloadChannel

	mu     sync.RWMutex
	paused bool
	score  []ProducerScore

	scoreHandlers    bag[func([]ProducerScore)]
	videoOrientation bag[func(VideoOrientation)]
	pause            bag[func()]
	resume           bag[func()]
	trace            bag[func(TraceEvent)]
	transportClose   bagOnce[func()]
}

// Produce injects a media source into the router.
func (t *Transport) Produce(ctx context.Context, opts ProducerOptions) (*Producer, error) {
	s := t.state
	if s.isClosed() {
		return nil, ErrClosed
	}
	if opts.Kind != MediaKindAudio && opts.Kind != MediaKindVideo {
		return nil, fmt.Errorf("invalid media kind %q", opts.Kind)
	}
	id := newProducerID()
	if opts.ID != nil {
		id = *opts.ID
	}

	guard := s.ch.BufferMessagesFor(id.String())
	defer guard.Release()

	var resp struct {
		Type ProducerType `json:"type"`
	}
	internal := producerInternal{RouterID: s.router.id, TransportID: s.id, ProducerID: id}
	data := produceData{
		Kind:                 opts.Kind,
		RtpParameters:        opts.RtpParameters,
		RtpMapping:           opts.RtpMapping,
		KeyFrameRequestDelay: opts.KeyFrameRequestDelay,
		Paused:               opts.Paused,
	}
	if err := s.ch.Request(ctx, "transport.produce", internal, data, &resp); err != nil {
		return nil, err
	}
	if resp.Type == "" {
		resp.Type = ProducerTypeSimple
	}

	p := newProducer(t, id, opts, resp.Type)
	s.router.registerProducer(p)
	s.newProducer.call(func(fn func(*Producer)) { fn(p) })
	return p, nil
}

func newProducer(t *Transport, id ProducerID, opts ProducerOptions, typ ProducerType) *Producer {
	ts := t.state
	s := &producerState{
		id:                     id,
		kind:                   opts.Kind,
		typ:                    typ,
		rtpParameters:          opts.RtpParameters,
		consumableRtpEncodings: opts.ConsumableRtpEncodings,
		appData:                opts.AppData,
		transport:              ts,
		ch:                     ts.ch,
		pch:                    ts.pch,
		paused:                 opts.Paused,
	}
	s.init("producer", ts.logger.With("producer_id", id.String()))

	s.holdSubscription(s.ch.Subscribe(id.String(), s.handleNotification))
	hook := ts.addChild(func() {
		s.shutdown(func() { fire(&s.transportClose) }, nil)
	})
	s.deferRelease(hook.Remove)

	p := &Producer{state: s, transport: t}
	runtime.AddCleanup(p, (*producerState).closeLocal, s)
	return p
}

func (s *producerState) internal() producerInternal {
	return producerInternal{RouterID: s.transport.router.id, TransportID: s.transport.id, ProducerID: s.id}
}

func (s *producerState) closeLocal() {
	s.shutdown(nil, closeRequest(s.ch, s.logger, "producer.close", s.internal()))
}

func (s *producerState) handleNotification(n channel.Notification) {
	switch n.Event {
	case "score":
		var score []ProducerScore
		if decodeNotification(s.logger, n, &score) {
			s.mu.Lock()
			s.score = score
			s.mu.Unlock()
			s.scoreHandlers.call(func(fn func([]ProducerScore)) { fn(score) })
		}
	case "videoorientationchange":
		var o VideoOrientation
		if decodeNotification(s.logger, n, &o) {
			s.videoOrientation.call(func(fn func(VideoOrientation)) { fn(o) })
		}
	case "trace":
		var ev TraceEvent
		if decodeNotification(s.logger, n, &ev) {
			s.trace.call(func(fn func(TraceEvent)) { fn(ev) })
		}
	default:
		s.logger.Error("Ignoring unknown event", "event", n.Event)
	}
}

// ID is the producer identifier.
func (p *Producer) ID() ProducerID { return p.state.id }

// Kind is the media kind.
func (p *Producer) Kind() MediaKind { return p.state.kind }

// Type is the RTP layout reported by the worker.
func (p *Producer) Type() ProducerType { return p.state.typ }

// RtpParameters are the parameters given at creation.
func (p *Producer) RtpParameters() json.RawMessage { return p.state.rtpParameters }

// AppData is the application data given at creation.
func (p *Producer) AppData() any { return p.state.appData }

// Transport returns the transport the producer was created on.
func (p *Producer) Transport() *Transport { return p.transport }

// Closed reports whether the producer is closed.
func (p *Producer) Closed() bool { return p.state.isClosed() }

// Close closes the producer and every consumer bound to it.
func (p *Producer) Close() { p.state.closeLocal() }

// Downgrade returns a weak reference that does not keep the producer open.
func (p *Producer) Downgrade() Weak[Producer] {
	return Weak[Producer]{p: weak.Make(p)}
}

// Paused reports whether the producer is paused.
func (p *Producer) Paused() bool {
	p.state.mu.RLock()
	defer p.state.mu.RUnlock()
	return p.state.paused
}

// Score is the last reported score of each RTP stream.
func (p *Producer) Score() []ProducerScore {
	p.state.mu.RLock()
	defer p.state.mu.RUnlock()
	return append([]ProducerScore(nil), p.state.score...)
}

// Dump returns the worker's view of the producer.
func (p *Producer) Dump(ctx context.Context) (json.RawMessage, error) {
	return p.state.rawRequest(ctx, "producer.dump")
}

// GetStats returns the producer statistics.
func (p *Producer) GetStats(ctx context.Context) (json.RawMessage, error) {
	return p.state.rawRequest(ctx, "producer.getStats")
}

func (s *producerState) rawRequest(ctx context.Context, method string) (json.RawMessage, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	var out json.RawMessage
	if err := s.ch.Request(ctx, method, s.internal(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Pause stops forwarding the producer's media.
func (p *Producer) Pause(ctx context.Context) error {
	s := p.state
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.ch.Request(ctx, "producer.pause", s.internal(), nil, nil); err != nil {
		return err
	}
	s.mu.Lock()
	wasPaused := s.paused
	s.paused = true
	s.mu.Unlock()
	if !wasPaused {
		s.pause.call(func(fn func()) { fn() })
	}
	return nil
}

// Resume resumes forwarding the producer's media.
func (p *Producer) Resume(ctx context.Context) error {
	s := p.state
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.ch.Request(ctx, "producer.resume", s.internal(), nil, nil); err != nil {
		return err
	}
	s.mu.Lock()
	wasPaused := s.paused
	s.paused = false
	s.mu.Unlock()
	if wasPaused {
		s.resume.call(func(fn func()) { fn() })
	}
	return nil
}

// EnableTraceEvent selects the trace event types ("rtp", "keyframe", "nack",
// "pli", "fir") to emit.
func (p *Producer) EnableTraceEvent(ctx context.Context, types []string) error {
	s := p.state
	if s.isClosed() {
		return ErrClosed
	}
	return s.ch.Request(ctx, "producer.enableTraceEvent", s.internal(), traceEventData{Types: nonNil(types)}, nil)
}

// Send injects an RTP packet. Only producers on a direct transport can send.
func (p *Producer) Send(packet *rtp.Packet) error {
	s := p.state
	if err := s.transport.require(TransportKindDirect); err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}
	raw, err := packet.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal RTP: %w", err)
	}
	return s.pch.Notify("producer.send", s.internal(), nil, raw)
}

// OnScore registers fn for score updates.
func (p *Producer) OnScore(fn func([]ProducerScore)) HandlerID {
	return p.state.scoreHandlers.add(fn)
}

// OnVideoOrientationChange registers fn for video orientation changes.
func (p *Producer) OnVideoOrientationChange(fn func(VideoOrientation)) HandlerID {
	return p.state.videoOrientation.add(fn)
}

// OnPause registers fn for the producer being paused.
func (p *Producer) OnPause(fn func()) HandlerID {
	return p.state.pause.add(fn)
}

// OnResume registers fn for the producer being resumed.
func (p *Producer) OnResume(fn func()) HandlerID {
	return p.state.resume.add(fn)
}

// OnTrace registers fn for trace events.
func (p *Producer) OnTrace(fn func(TraceEvent)) HandlerID {
	return p.state.trace.add(fn)
}

// OnTransportClose registers fn for the producer being closed by its transport.
func (p *Producer) OnTransportClose(fn func()) HandlerID {
	return p.state.transportClose.add(fn)
}

// OnClose registers fn for the producer close, calling it in place if the
// producer is already closed.
func (p *Producer) OnClose(fn func()) HandlerID {
	return p.state.addCloseHandler(fn)
}
