package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"weak"

	"github.com/smazurov/workerctl/pkg/channel"
)

// DataType tells SCTP data endpoints from direct ones.
type DataType string

// Data producer and consumer types.
const (
	DataTypeSctp   DataType = "sctp"
	DataTypeDirect DataType = "direct"
)

// SctpStreamParameters describe an SCTP stream.
type SctpStreamParameters struct {
	StreamID          uint16  `json:"streamId"`
	Ordered           *bool   `json:"ordered,omitempty"`
	MaxPacketLifeTime *uint16 `json:"maxPacketLifeTime,omitempty"`
	MaxRetransmits    *uint16 `json:"maxRetransmits,omitempty"`
}

// DataProducerOptions configure Transport.ProduceData. SCTP transports
// require SctpStreamParameters; direct transports ignore them.
type DataProducerOptions struct {
	SctpStreamParameters *SctpStreamParameters
	Label                string
	Protocol             string
	AppData              any
}

type produceDataData struct {
	Type                 DataType              `json:"type"`
	SctpStreamParameters *SctpStreamParameters `json:"sctpStreamParameters,omitempty"`
	Label                string                `json:"label"`
	Protocol             string                `json:"protocol"`
}

// DataProducer injects data messages into a router. It keeps its
// transport alive.
type DataProducer struct {
	state     *dataProducerState
	transport *Transport
}

type dataProducerState struct {
	lifecycle

	id                   DataProducerID
	typ                  DataType
	sctpStreamParameters *SctpStreamParameters
	label                string
	protocol             string
	appData              any
	transport            *transportState
	ch                   *channel.Channel
	pch                  *channel.PayloadChannel

	transportClose bagOnce[func()]
}

// ProduceData creates a data producer.
func (t *Transport) ProduceData(ctx context.Context, opts DataProducerOptions) (*DataProducer, error) {
	s := t.state
	if s.isClosed() {
		return nil, ErrClosed
	}
	data := produceDataData{
		Type:                 DataTypeSctp,
		SctpStreamParameters: opts.SctpStreamParameters,
		Label:                opts.Label,
		Protocol:             opts.Protocol,
	}
	if s.kind == TransportKindDirect {
		data.Type = DataTypeDirect
		data.SctpStreamParameters = nil
	} else if opts.SctpStreamParameters == nil {
		return nil, errors.New("sctp data producer requires stream parameters")
	}

	id := newDataProducerID()
	guard := s.ch.BufferMessagesFor(id.String())
	defer guard.Release()

	internal := dataProducerInternal{RouterID: s.router.id, TransportID: s.id, DataProducerID: id}
	if err := s.ch.Request(ctx, "transport.produceData", internal, data, nil); err != nil {
		return nil, err
	}

	p := newDataProducer(t, id, data, opts.AppData)
	s.router.registerDataProducer(p)
	s.newDataProducer.call(func(fn func(*DataProducer)) { fn(p) })
	return p, nil
}

func newDataProducer(t *Transport, id DataProducerID, data produceDataData, appData any) *DataProducer {
	ts := t.state
	s := &dataProducerState{
		id:                   id,
		typ:                  data.Type,
		sctpStreamParameters: data.SctpStreamParameters,
		label:                data.Label,
		protocol:             data.Protocol,
		appData:              appData,
		transport:            ts,
		ch:                   ts.ch,
		pch:                  ts.pch,
	}
	s.init("data_producer", ts.logger.With("data_producer_id", id.String()))

	hook := ts.addChild(func() {
		s.shutdown(func() { fire(&s.transportClose) }, nil)
	})
	s.deferRelease(hook.Remove)

	p := &DataProducer{state: s, transport: t}
	runtime.AddCleanup(p, (*dataProducerState).closeLocal, s)
	return p
}

func (s *dataProducerState) internal() dataProducerInternal {
	return dataProducerInternal{RouterID: s.transport.router.id, TransportID: s.transport.id, DataProducerID: s.id}
}

func (s *dataProducerState) closeLocal() {
	s.shutdown(nil, closeRequest(s.ch, s.logger, "dataProducer.close", s.internal()))
}

// ID is the data producer identifier.
func (p *DataProducer) ID() DataProducerID { return p.state.id }

// Type is sctp or direct.
func (p *DataProducer) Type() DataType { return p.state.typ }

// SctpStreamParameters are set for SCTP data producers.
func (p *DataProducer) SctpStreamParameters() *SctpStreamParameters {
	return p.state.sctpStreamParameters
}

// Label of the data channel.
func (p *DataProducer) Label() string { return p.state.label }

// Protocol is the data channel sub-protocol.
func (p *DataProducer) Protocol() string { return p.state.protocol }

// AppData is the application data given at creation.
func (p *DataProducer) AppData() any { return p.state.appData }

// Transport returns the transport the data producer was created on.
func (p *DataProducer) Transport() *Transport { return p.transport }

// Closed reports whether the data producer is closed.
func (p *DataProducer) Closed() bool { return p.state.isClosed() }

// Close closes the data producer and every data consumer bound to it.
func (p *DataProducer) Close() { p.state.closeLocal() }

// Downgrade returns a weak reference that does not keep the data producer open.
func (p *DataProducer) Downgrade() Weak[DataProducer] {
	return Weak[DataProducer]{p: weak.Make(p)}
}

// Dump returns the worker's view of the data producer.
func (p *DataProducer) Dump(ctx context.Context) (json.RawMessage, error) {
	return p.state.rawRequest(ctx, "dataProducer.dump")
}

// GetStats returns the data producer statistics.
func (p *DataProducer) GetStats(ctx context.Context) (json.RawMessage, error) {
	return p.state.rawRequest(ctx, "dataProducer.getStats")
}

func (s *dataProducerState) rawRequest(ctx context.Context, method string) (json.RawMessage, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	var out json.RawMessage
	if err := s.ch.Request(ctx, method, s.internal(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Send injects a message into the router. Direct data producers only.
func (p *DataProducer) Send(msg WebRtcMessage) error {
	s := p.state
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
	return s.pch.Notify("dataProducer.send", s.internal(), data, payload)
}

// OnTransportClose registers fn for the data producer being closed by its transport.
func (p *DataProducer) OnTransportClose(fn func()) HandlerID {
	return p.state.transportClose.add(fn)
}

// OnClose registers fn for the data producer close, calling it in place if
// it is already closed.
func (p *DataProducer) OnClose(fn func()) HandlerID {
	return p.state.addCloseHandler(fn)
}
