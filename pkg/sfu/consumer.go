package sfu

import (
	"context"
	"encoding/json"
	"runtime"
	"sync"
	"weak"

	"github.com/pion/rtp"

	"github.com/smazurov/workerctl/pkg/channel"
)

// ConsumerType describes the RTP layout a consumer receives.
type ConsumerType string

// Consumer types.
const (
	ConsumerTypeSimple    ConsumerType = "simple"
	ConsumerTypeSimulcast ConsumerType = "simulcast"
	ConsumerTypeSvc       ConsumerType = "svc"
	ConsumerTypePipe      ConsumerType = "pipe"
)

// ConsumerLayers select spatial and temporal layers.
type ConsumerLayers struct {
	SpatialLayer  uint8  `json:"spatialLayer"`
	TemporalLayer *uint8 `json:"temporalLayer,omitempty"`
}

// ConsumerScore reports the quality of the consumer and its producer.
type ConsumerScore struct {
	Score          uint8   `json:"score"`
	ProducerScore  uint8   `json:"producerScore"`
	ProducerScores []uint8 `json:"producerScores"`
}

// ConsumerOptions configure Transport.Consume. RtpParameters are the
// consumer parameters already negotiated against the remote capabilities.
type ConsumerOptions struct {
	ProducerID      ProducerID
	RtpParameters   json.RawMessage
	Paused          bool
	PreferredLayers *ConsumerLayers
	AppData         any
}

type consumeData struct {
	Kind                   MediaKind       `json:"kind"`
	RtpParameters          json.RawMessage `json:"rtpParameters"`
	Type                   ConsumerType    `json:"type"`
	ConsumableRtpEncodings json.RawMessage `json:"consumableRtpEncodings,omitempty"`
	Paused                 bool            `json:"paused"`
	PreferredLayers        *ConsumerLayers `json:"preferredLayers,omitempty"`
}

// Consumer forwards one producer's media to an endpoint. It keeps its
// transport alive and closes when its producer closes.
type Consumer struct {
	state     *consumerState
	transport *Transport
}

type consumerState struct {
	lifecycle

	id            ConsumerID
	producerID    ProducerID
	kind          MediaKind
	typ           ConsumerType
	rtpParameters json.RawMessage
	appData       any
	transport     *transportState
	ch            *channel.Channel
	pch           *channel.PayloadChannel

	mu              sync.RWMutex
	paused          bool
	producerPaused  bool
	priority        uint8
	score           ConsumerScore
	preferredLayers *ConsumerLayers
	currentLayers   *ConsumerLayers

	pause          bag[func()]
	resume         bag[func()]
	producerPause  bag[func()]
	producerResume bag[func()]
	scoreHandlers  bag[func(ConsumerScore)]
	layersChange   bag[func(*ConsumerLayers)]
	trace          bag[func(TraceEvent)]
	rtp            bag[func(*rtp.Packet)]
	producerClose  bagOnce[func()]
	transportClose bagOnce[func()]
}

// Consume creates a consumer of a producer of the same router.
func (t *Transport) Consume(ctx context.Context, opts ConsumerOptions) (*Consumer, error) {
	s := t.state
	if s.isClosed() {
		return nil, ErrClosed
	}
	producer := s.router.producer(opts.ProducerID)
	if producer == nil || producer.Closed() {
		return nil, ErrProducerNotFound
	}
	defer runtime.KeepAlive(producer)

	typ := ConsumerType(producer.state.typ)
	if s.kind == TransportKindPipe {
		typ = ConsumerTypePipe
	}
	id := newConsumerID()

	guard := s.ch.BufferMessagesFor(id.String())
	defer guard.Release()
	payloadGuard := s.pch.BufferMessagesFor(id.String())
	defer payloadGuard.Release()

	var resp consumeResponse
	internal := consumerInternal{RouterID: s.router.id, TransportID: s.id, ConsumerID: id, ProducerID: opts.ProducerID}
	data := consumeData{
		Kind:                   producer.state.kind,
		RtpParameters:          opts.RtpParameters,
		Type:                   typ,
		ConsumableRtpEncodings: producer.state.consumableRtpEncodings,
		Paused:                 opts.Paused,
		PreferredLayers:        opts.PreferredLayers,
	}
	if err := s.ch.Request(ctx, "transport.consume", internal, data, &resp); err != nil {
		return nil, err
	}

	c := newConsumer(t, producer, id, typ, opts, resp)
	s.newConsumer.call(func(fn func(*Consumer)) { fn(c) })
	return c, nil
}

type consumeResponse struct {
	Paused         bool          `json:"paused"`
	ProducerPaused bool          `json:"producerPaused"`
	Score          ConsumerScore `json:"score"`
}

func newConsumer(t *Transport, producer *Producer, id ConsumerID, typ ConsumerType, opts ConsumerOptions, resp consumeResponse) *Consumer {
	ts := t.state
	ps := producer.state
	s := &consumerState{
		id:              id,
		producerID:      ps.id,
		kind:            ps.kind,
		typ:             typ,
		rtpParameters:   opts.RtpParameters,
		appData:         opts.AppData,
		transport:       ts,
		ch:              ts.ch,
		pch:             ts.pch,
		paused:          resp.Paused,
		producerPaused:  resp.ProducerPaused,
		score:           resp.Score,
		priority:        1,
		preferredLayers: opts.PreferredLayers,
	}
	s.init("consumer", ts.logger.With("consumer_id", id.String(), "producer_id", ps.id.String()))

	s.holdSubscription(s.ch.Subscribe(id.String(), s.handleNotification))
	if ts.kind == TransportKindDirect {
		s.holdSubscription(s.pch.Subscribe(id.String(), s.handlePayloadNotification))
	}

	transportHook := ts.addConsumer(func() {
		s.shutdown(func() { fire(&s.transportClose) }, nil)
	})
	s.deferRelease(transportHook.Remove)
	producerHook := ps.addChild(s.closeByProducer)
	s.deferRelease(producerHook.Remove)

	c := &Consumer{state: s, transport: t}
	runtime.AddCleanup(c, (*consumerState).closeLocal, s)
	return c
}

func (s *consumerState) internal() consumerInternal {
	return consumerInternal{
		RouterID:    s.transport.router.id,
		TransportID: s.transport.id,
		ConsumerID:  s.id,
		ProducerID:  s.producerID,
	}
}

func (s *consumerState) closeLocal() {
	s.shutdown(nil, closeRequest(s.ch, s.logger, "consumer.close", s.internal()))
}

func (s *consumerState) closeByProducer() {
	s.shutdown(func() { fire(&s.producerClose) }, nil)
}

func (s *consumerState) handleNotification(n channel.Notification) {
	switch n.Event {
	case "producerclose":
		s.closeByProducer()
	case "producerpause":
		s.setProducerPaused(true)
	case "producerresume":
		s.setProducerPaused(false)
	case "score":
		var score ConsumerScore
		if decodeNotification(s.logger, n, &score) {
			s.mu.Lock()
			s.score = score
			s.mu.Unlock()
			s.scoreHandlers.call(func(fn func(ConsumerScore)) { fn(score) })
		}
	case "layerschange":
		// null data means no layer is being forwarded.
		var layers *ConsumerLayers
		if decodeNotification(s.logger, n, &layers) {
			s.mu.Lock()
			s.currentLayers = layers
			s.mu.Unlock()
			s.layersChange.call(func(fn func(*ConsumerLayers)) { fn(layers) })
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

func (s *consumerState) setProducerPaused(paused bool) {
	s.mu.Lock()
	changed := s.producerPaused != paused
	s.producerPaused = paused
	s.mu.Unlock()
	if !changed {
		return
	}
	if paused {
		s.producerPause.call(func(fn func()) { fn() })
	} else {
		s.producerResume.call(func(fn func()) { fn() })
	}
}

func (s *consumerState) handlePayloadNotification(n channel.PayloadNotification) {
	if n.Event != "rtp" {
		s.logger.Error("Ignoring unknown payload event", "event", n.Event)
		return
	}
	packet := &rtp.Packet{}
	if err := packet.Unmarshal(n.Payload); err != nil {
		s.logger.Warn("Dropping malformed RTP", "error", err)
		return
	}
	s.rtp.call(func(fn func(*rtp.Packet)) { fn(packet) })
}

// ID is the consumer identifier.
func (c *Consumer) ID() ConsumerID { return c.state.id }

// ProducerID is the identifier of the consumed producer.
func (c *Consumer) ProducerID() ProducerID { return c.state.producerID }

// Kind is the media kind.
func (c *Consumer) Kind() MediaKind { return c.state.kind }

// Type is the RTP layout of the consumer.
func (c *Consumer) Type() ConsumerType { return c.state.typ }

// RtpParameters are the parameters given at creation.
func (c *Consumer) RtpParameters() json.RawMessage { return c.state.rtpParameters }

// AppData is the application data given at creation.
func (c *Consumer) AppData() any { return c.state.appData }

// Transport returns the transport the consumer was created on.
func (c *Consumer) Transport() *Transport { return c.transport }

// Closed reports whether the consumer is closed.
func (c *Consumer) Closed() bool { return c.state.isClosed() }

// Close closes the consumer.
func (c *Consumer) Close() { c.state.closeLocal() }

// Downgrade returns a weak reference that does not keep the consumer open.
func (c *Consumer) Downgrade() Weak[Consumer] {
	return Weak[Consumer]{p: weak.Make(c)}
}

// Paused reports whether the consumer itself is paused.
func (c *Consumer) Paused() bool {
	c.state.mu.RLock()
	defer c.state.mu.RUnlock()
	return c.state.paused
}

// ProducerPaused reports whether the consumed producer is paused.
func (c *Consumer) ProducerPaused() bool {
	c.state.mu.RLock()
	defer c.state.mu.RUnlock()
	return c.state.producerPaused
}

// Priority is the consumer priority (1 unless set).
func (c *Consumer) Priority() uint8 {
	c.state.mu.RLock()
	defer c.state.mu.RUnlock()
	return c.state.priority
}

// Score is the last reported score.
func (c *Consumer) Score() ConsumerScore {
	c.state.mu.RLock()
	defer c.state.mu.RUnlock()
	return c.state.score
}

// PreferredLayers are the layers last requested with SetPreferredLayers.
func (c *Consumer) PreferredLayers() *ConsumerLayers {
	c.state.mu.RLock()
	defer c.state.mu.RUnlock()
	return c.state.preferredLayers
}

// CurrentLayers are the layers currently forwarded, nil when none.
func (c *Consumer) CurrentLayers() *ConsumerLayers {
	c.state.mu.RLock()
	defer c.state.mu.RUnlock()
	return c.state.currentLayers
}

// Dump returns the worker's view of the consumer.
func (c *Consumer) Dump(ctx context.Context) (json.RawMessage, error) {
	return c.state.rawRequest(ctx, "consumer.dump")
}

// GetStats returns the consumer statistics.
func (c *Consumer) GetStats(ctx context.Context) (json.RawMessage, error) {
	return c.state.rawRequest(ctx, "consumer.getStats")
}

func (s *consumerState) rawRequest(ctx context.Context, method string) (json.RawMessage, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	var out json.RawMessage
	if err := s.ch.Request(ctx, method, s.internal(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Pause stops forwarding media to the endpoint.
func (c *Consumer) Pause(ctx context.Context) error {
	return c.state.setPaused(ctx, true)
}

// Resume resumes forwarding media to the endpoint.
func (c *Consumer) Resume(ctx context.Context) error {
	return c.state.setPaused(ctx, false)
}

func (s *consumerState) setPaused(ctx context.Context, paused bool) error {
	if s.isClosed() {
		return ErrClosed
	}
	method := "consumer.resume"
	if paused {
		method = "consumer.pause"
	}
	if err := s.ch.Request(ctx, method, s.internal(), nil, nil); err != nil {
		return err
	}

	s.mu.Lock()
	changed := s.paused != paused
	s.paused = paused
	s.mu.Unlock()
	if !changed {
		return nil
	}
	if paused {
		s.pause.call(func(fn func()) { fn() })
	} else {
		s.resume.call(func(fn func()) { fn() })
	}
	return nil
}

// SetPreferredLayers asks the worker to forward the given layers.
func (c *Consumer) SetPreferredLayers(ctx context.Context, layers ConsumerLayers) error {
	s := c.state
	if s.isClosed() {
		return ErrClosed
	}
	var resp *ConsumerLayers
	err := s.ch.Request(ctx, "consumer.setPreferredLayers", s.internal(), layers, &resp)
	if err != nil && !isNoData(err) {
		return err
	}
	s.mu.Lock()
	s.preferredLayers = resp
	s.mu.Unlock()
	return nil
}

// SetPriority sets the consumer priority for bandwidth allocation.
func (c *Consumer) SetPriority(ctx context.Context, priority uint8) error {
	s := c.state
	if s.isClosed() {
		return ErrClosed
	}
	data := struct {
		Priority uint8 `json:"priority"`
	}{priority}
	var resp struct {
		Priority uint8 `json:"priority"`
	}
	if err := s.ch.Request(ctx, "consumer.setPriority", s.internal(), data, &resp); err != nil {
		return err
	}
	s.mu.Lock()
	s.priority = resp.Priority
	s.mu.Unlock()
	return nil
}

// UnsetPriority restores the default priority.
func (c *Consumer) UnsetPriority(ctx context.Context) error {
	return c.SetPriority(ctx, 1)
}

// RequestKeyFrame asks the producer endpoint for a key frame. Video only.
func (c *Consumer) RequestKeyFrame(ctx context.Context) error {
	s := c.state
	if s.isClosed() {
		return ErrClosed
	}
	return s.ch.Request(ctx, "consumer.requestKeyFrame", s.internal(), nil, nil)
}

// EnableTraceEvent selects the trace event types ("rtp", "keyframe", "nack",
// "pli", "fir") to emit.
func (c *Consumer) EnableTraceEvent(ctx context.Context, types []string) error {
	s := c.state
	if s.isClosed() {
		return ErrClosed
	}
	return s.ch.Request(ctx, "consumer.enableTraceEvent", s.internal(), traceEventData{Types: nonNil(types)}, nil)
}

// OnPause registers fn for the consumer being paused.
func (c *Consumer) OnPause(fn func()) HandlerID { return c.state.pause.add(fn) }

// OnResume registers fn for the consumer being resumed.
func (c *Consumer) OnResume(fn func()) HandlerID { return c.state.resume.add(fn) }

// OnProducerPause registers fn for the producer being paused.
func (c *Consumer) OnProducerPause(fn func()) HandlerID { return c.state.producerPause.add(fn) }

// OnProducerResume registers fn for the producer being resumed.
func (c *Consumer) OnProducerResume(fn func()) HandlerID { return c.state.producerResume.add(fn) }

// OnScore registers fn for score updates.
func (c *Consumer) OnScore(fn func(ConsumerScore)) HandlerID {
	return c.state.scoreHandlers.add(fn)
}

// OnLayersChange registers fn for changes of the forwarded layers.
func (c *Consumer) OnLayersChange(fn func(*ConsumerLayers)) HandlerID {
	return c.state.layersChange.add(fn)
}

// OnTrace registers fn for trace events.
func (c *Consumer) OnTrace(fn func(TraceEvent)) HandlerID { return c.state.trace.add(fn) }

// OnRtp registers fn for RTP packets received on a direct transport.
func (c *Consumer) OnRtp(fn func(*rtp.Packet)) HandlerID { return c.state.rtp.add(fn) }

// OnProducerClose registers fn for the consumer being closed because its
// producer closed.
func (c *Consumer) OnProducerClose(fn func()) HandlerID {
	return c.state.producerClose.add(fn)
}

// OnTransportClose registers fn for the consumer being closed by its transport.
func (c *Consumer) OnTransportClose(fn func()) HandlerID {
	return c.state.transportClose.add(fn)
}

// OnClose registers fn for the consumer close, calling it in place if the
// consumer is already closed.
func (c *Consumer) OnClose(fn func()) HandlerID {
	return c.state.addCloseHandler(fn)
}
