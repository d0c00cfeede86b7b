package sfu

import (
	"context"
	"encoding/json"
	"runtime"
	"weak"

	"github.com/smazurov/workerctl/pkg/channel"
)

// DataConsumerOptions configure Transport.ConsumeData. On SCTP transports
// the stream reliability fields default to the data producer's.
type DataConsumerOptions struct {
	DataProducerID    DataProducerID
	Ordered           *bool
	MaxPacketLifeTime *uint16
	MaxRetransmits    *uint16
	AppData           any
}

type consumeDataData struct {
	DataProducerID       DataProducerID        `json:"dataProducerId"`
	Type                 DataType              `json:"type"`
	SctpStreamParameters *SctpStreamParameters `json:"sctpStreamParameters,omitempty"`
	Label                string                `json:"label"`
	Protocol             string                `json:"protocol"`
}

// DataConsumer delivers a data producer's messages to an endpoint. It keeps
// its transport alive and closes when its data producer closes.
type DataConsumer struct {
	state     *dataConsumerState
	transport *Transport
}

type dataConsumerState struct {
	lifecycle

	id                   DataConsumerID
	dataProducerID       DataProducerID
	typ                  DataType
	sctpStreamParameters *SctpStreamParameters
	label                string
	protocol             string
	appData              any
	transport            *transportState
	ch                   *channel.Channel
	pch                  *channel.PayloadChannel

	message            bag[func(WebRtcMessage)]
	sctpSendBufferFull bag[func()]
	bufferedAmountLow  bag[func(uint32)]
	dataProducerClose  bagOnce[func()]
	transportClose     bagOnce[func()]
}

// ConsumeData creates a data consumer of a data producer of the same router.
func (t *Transport) ConsumeData(ctx context.Context, opts DataConsumerOptions) (*DataConsumer, error) {
	s := t.state
	if s.isClosed() {
		return nil, ErrClosed
	}
	producer := s.router.dataProducer(opts.DataProducerID)
	if producer == nil || producer.Closed() {
		return nil, ErrDataProducerNotFound
	}
	defer runtime.KeepAlive(producer)
	ps := producer.state

	data := consumeDataData{
		DataProducerID: ps.id,
		Type:           DataTypeSctp,
		Label:          ps.label,
		Protocol:       ps.protocol,
	}
	if s.kind == TransportKindDirect {
		data.Type = DataTypeDirect
	} else {
		data.SctpStreamParameters = consumerStreamParameters(ps.sctpStreamParameters, opts)
	}

	id := newDataConsumerID()
	guard := s.ch.BufferMessagesFor(id.String())
	defer guard.Release()
	payloadGuard := s.pch.BufferMessagesFor(id.String())
	defer payloadGuard.Release()

	internal := dataConsumerInternal{RouterID: s.router.id, TransportID: s.id, DataConsumerID: id, DataProducerID: ps.id}
	var resp struct {
		SctpStreamParameters *SctpStreamParameters `json:"sctpStreamParameters"`
	}
	err := s.ch.Request(ctx, "transport.consumeData", internal, data, &resp)
	if err != nil && !isNoData(err) {
		return nil, err
	}
	if resp.SctpStreamParameters != nil {
		data.SctpStreamParameters = resp.SctpStreamParameters
	}

	c := newDataConsumer(t, producer, id, data, opts.AppData)
	s.newDataConsumer.call(func(fn func(*DataConsumer)) { fn(c) })
	return c, nil
}

// consumerStreamParameters derives the consumer stream from the producer's,
// letting opts override the reliability settings.
func consumerStreamParameters(producer *SctpStreamParameters, opts DataConsumerOptions) *SctpStreamParameters {
	params := SctpStreamParameters{}
	if producer != nil {
		params = *producer
	}
	if opts.Ordered != nil {
		params.Ordered = opts.Ordered
	}
	if opts.MaxPacketLifeTime != nil {
		params.MaxPacketLifeTime = opts.MaxPacketLifeTime
		params.MaxRetransmits = nil
	}
	if opts.MaxRetransmits != nil {
		params.MaxRetransmits = opts.MaxRetransmits
		params.MaxPacketLifeTime = nil
	}
	return &params
}

func newDataConsumer(t *Transport, producer *DataProducer, id DataConsumerID, data consumeDataData, appData any) *DataConsumer {
	ts := t.state
	ps := producer.state
	s := &dataConsumerState{
		id:                   id,
		dataProducerID:       ps.id,
		typ:                  data.Type,
		sctpStreamParameters: data.SctpStreamParameters,
		label:                data.Label,
		protocol:             data.Protocol,
		appData:              appData,
		transport:            ts,
		ch:                   ts.ch,
		pch:                  ts.pch,
	}
	s.init("data_consumer", ts.logger.With("data_consumer_id", id.String(), "data_producer_id", ps.id.String()))

	s.holdSubscription(s.ch.Subscribe(id.String(), s.handleNotification))
	s.holdSubscription(s.pch.Subscribe(id.String(), s.handlePayloadNotification))

	transportHook := ts.addConsumer(func() {
		s.shutdown(func() { fire(&s.transportClose) }, nil)
	})
	s.deferRelease(transportHook.Remove)
	producerHook := ps.addChild(s.closeByDataProducer)
	s.deferRelease(producerHook.Remove)

	c := &DataConsumer{state: s, transport: t}
	runtime.AddCleanup(c, (*dataConsumerState).closeLocal, s)
	return c
}

func (s *dataConsumerState) internal() dataConsumerInternal {
	return dataConsumerInternal{
		RouterID:       s.transport.router.id,
		TransportID:    s.transport.id,
		DataConsumerID: s.id,
		DataProducerID: s.dataProducerID,
	}
}

func (s *dataConsumerState) closeLocal() {
	s.shutdown(nil, closeRequest(s.ch, s.logger, "dataConsumer.close", s.internal()))
}

func (s *dataConsumerState) closeByDataProducer() {
	s.shutdown(func() { fire(&s.dataProducerClose) }, nil)
}

func (s *dataConsumerState) handleNotification(n channel.Notification) {
	switch n.Event {
	case "dataproducerclose":
		s.closeByDataProducer()
	case "sctpsendbufferfull":
		s.sctpSendBufferFull.call(func(fn func()) { fn() })
	case "bufferedamountlow":
		var d struct {
			BufferedAmount uint32 `json:"bufferedAmount"`
		}
		if decodeNotification(s.logger, n, &d) {
			s.bufferedAmountLow.call(func(fn func(uint32)) { fn(d.BufferedAmount) })
		}
	default:
		s.logger.Error("Ignoring unknown event", "event", n.Event)
	}
}

func (s *dataConsumerState) handlePayloadNotification(n channel.PayloadNotification) {
	if n.Event != "message" {
		s.logger.Error("Ignoring unknown payload event", "event", n.Event)
		return
	}
	var d struct {
		PPID uint32 `json:"ppid"`
	}
	if err := json.Unmarshal(n.Data, &d); err != nil {
		s.logger.Error("Failed to parse payload notification", "event", n.Event, "error", err)
		return
	}
	msg, err := messageFromWire(d.PPID, n.Payload)
	if err != nil {
		s.logger.Warn("Dropping data message", "error", err)
		return
	}
	s.message.call(func(fn func(WebRtcMessage)) { fn(msg) })
}

// ID is the data consumer identifier.
func (c *DataConsumer) ID() DataConsumerID { return c.state.id }

// DataProducerID is the identifier of the consumed data producer.
func (c *DataConsumer) DataProducerID() DataProducerID { return c.state.dataProducerID }

// Type is sctp or direct.
func (c *DataConsumer) Type() DataType { return c.state.typ }

// SctpStreamParameters are set for SCTP data consumers.
func (c *DataConsumer) SctpStreamParameters() *SctpStreamParameters {
	return c.state.sctpStreamParameters
}

// Label of the data channel.
func (c *DataConsumer) Label() string { return c.state.label }

// Protocol is the data channel sub-protocol.
func (c *DataConsumer) Protocol() string { return c.state.protocol }

// AppData is the application data given at creation.
func (c *DataConsumer) AppData() any { return c.state.appData }

// Transport returns the transport the data consumer was created on.
func (c *DataConsumer) Transport() *Transport { return c.transport }

// Closed reports whether the data consumer is closed.
func (c *DataConsumer) Closed() bool { return c.state.isClosed() }

// Close closes the data consumer.
func (c *DataConsumer) Close() { c.state.closeLocal() }

// Downgrade returns a weak reference that does not keep the data consumer open.
func (c *DataConsumer) Downgrade() Weak[DataConsumer] {
	return Weak[DataConsumer]{p: weak.Make(c)}
}

// Dump returns the worker's view of the data consumer.
func (c *DataConsumer) Dump(ctx context.Context) (json.RawMessage, error) {
	return c.state.rawRequest(ctx, "dataConsumer.dump")
}

// GetStats returns the data consumer statistics.
func (c *DataConsumer) GetStats(ctx context.Context) (json.RawMessage, error) {
	return c.state.rawRequest(ctx, "dataConsumer.getStats")
}

func (s *dataConsumerState) rawRequest(ctx context.Context, method string) (json.RawMessage, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	var out json.RawMessage
	if err := s.ch.Request(ctx, method, s.internal(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetBufferedAmount returns the bytes buffered in the SCTP association.
// The buffer is shared by every data consumer of the transport.
func (c *DataConsumer) GetBufferedAmount(ctx context.Context) (uint32, error) {
	s := c.state
	if s.isClosed() {
		return 0, ErrClosed
	}
	var resp struct {
		BufferedAmount uint32 `json:"bufferedAmount"`
	}
	if err := s.ch.Request(ctx, "dataConsumer.getBufferedAmount", s.internal(), nil, &resp); err != nil {
		return 0, err
	}
	return resp.BufferedAmount, nil
}

// SetBufferedAmountLowThreshold sets the level at which OnBufferedAmountLow fires.
func (c *DataConsumer) SetBufferedAmountLowThreshold(ctx context.Context, threshold uint32) error {
	s := c.state
	if s.isClosed() {
		return ErrClosed
	}
	data := struct {
		Threshold uint32 `json:"threshold"`
	}{threshold}
	return s.ch.Request(ctx, "dataConsumer.setBufferedAmountLowThreshold", s.internal(), data, nil)
}

// Send delivers a message to the endpoint. Direct data consumers only.
func (c *DataConsumer) Send(ctx context.Context, msg WebRtcMessage) error {
	s := c.state
	if err := s.transport.require(TransportKindDirect); err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}
	ppid, payload := msg.wire()
	data := struct {
		PPID uint32 `json:"ppid"`
	}{ppid}
	return s.pch.Request(ctx, "dataConsumer.send", s.internal(), data, payload, nil)
}

// OnMessage registers fn for messages received on a direct transport.
func (c *DataConsumer) OnMessage(fn func(WebRtcMessage)) HandlerID {
	return c.state.message.add(fn)
}

// OnSctpSendBufferFull registers fn for messages dropped on a full SCTP buffer.
func (c *DataConsumer) OnSctpSendBufferFull(fn func()) HandlerID {
	return c.state.sctpSendBufferFull.add(fn)
}

// OnBufferedAmountLow registers fn for the buffered amount dropping to the threshold.
func (c *DataConsumer) OnBufferedAmountLow(fn func(uint32)) HandlerID {
	return c.state.bufferedAmountLow.add(fn)
}

// OnDataProducerClose registers fn for the data consumer being closed because
// its data producer closed.
func (c *DataConsumer) OnDataProducerClose(fn func()) HandlerID {
	return c.state.dataProducerClose.add(fn)
}

// OnTransportClose registers fn for the data consumer being closed by its transport.
func (c *DataConsumer) OnTransportClose(fn func()) HandlerID {
	return c.state.transportClose.add(fn)
}

// OnClose registers fn for the data consumer close, calling it in place if
// it is already closed.
func (c *DataConsumer) OnClose(fn func()) HandlerID {
	return c.state.addCloseHandler(fn)
}
