package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"weak"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/smazurov/workerctl/pkg/channel"
)

// Transport connects an endpoint to a router. Operations that do not apply
// to the transport kind return errors.ErrUnsupported.
type Transport struct {
	state  *transportState
	router *Router
}

type transportState struct {
	lifecycle

	id      TransportID
	kind    TransportKind
	appData any
	router  *routerState
	ch      *channel.Channel
	pch     *channel.PayloadChannel

	mu   sync.RWMutex
	data transportData

	newProducer            bag[func(*Producer)]
	newConsumer            bag[func(*Consumer)]
	newDataProducer        bag[func(*DataProducer)]
	newDataConsumer        bag[func(*DataConsumer)]
	iceStateChange         bag[func(IceState)]
	iceSelectedTupleChange bag[func(TransportTuple)]
	dtlsStateChange        bag[func(DtlsState)]
	sctpStateChange        bag[func(SctpState)]
	tuple                  bag[func(TransportTuple)]
	rtcpTuple              bag[func(TransportTuple)]
	trace                  bag[func(TraceEvent)]
	rtcp                   bag[func([]rtcp.Packet)]
	routerClose            bagOnce[func()]
}

func newTransport(r *Router, id TransportID, kind TransportKind, data transportData, appData any) *Transport {
	rs := r.state
	s := &transportState{
		id:      id,
		kind:    kind,
		appData: appData,
		router:  rs,
		ch:      rs.ch,
		pch:     rs.pch,
		data:    data,
	}
	s.init("transport", rs.logger.With("transport_id", id.String(), "transport_kind", string(kind)))

	s.holdSubscription(s.ch.Subscribe(id.String(), s.handleNotification))
	if kind == TransportKindDirect {
		s.holdSubscription(s.pch.Subscribe(id.String(), s.handlePayloadNotification))
	}
	hook := rs.addChild(func() {
		s.shutdown(func() { fire(&s.routerClose) }, nil)
	})
	s.deferRelease(hook.Remove)

	t := &Transport{state: s, router: r}
	runtime.AddCleanup(t, (*transportState).closeLocal, s)
	return t
}

func (s *transportState) internal() transportInternal {
	return transportInternal{RouterID: s.router.id, TransportID: s.id}
}

func (s *transportState) closeLocal() {
	s.shutdown(nil, closeRequest(s.ch, s.logger, "transport.close", s.internal()))
}

func (s *transportState) handleNotification(n channel.Notification) {
	switch n.Event {
	case "icestatechange":
		var d struct {
			IceState IceState `json:"iceState"`
		}
		if decodeNotification(s.logger, n, &d) {
			s.mu.Lock()
			s.data.IceState = d.IceState
			s.mu.Unlock()
			s.iceStateChange.call(func(fn func(IceState)) { fn(d.IceState) })
		}
	case "iceselectedtuplechange":
		var d struct {
			IceSelectedTuple TransportTuple `json:"iceSelectedTuple"`
		}
		if decodeNotification(s.logger, n, &d) {
			s.mu.Lock()
			s.data.IceSelectedTuple = &d.IceSelectedTuple
			s.mu.Unlock()
			s.iceSelectedTupleChange.call(func(fn func(TransportTuple)) { fn(d.IceSelectedTuple) })
		}
	case "dtlsstatechange":
		var d struct {
			DtlsState      DtlsState `json:"dtlsState"`
			DtlsRemoteCert string    `json:"dtlsRemoteCert"`
		}
		if decodeNotification(s.logger, n, &d) {
			s.mu.Lock()
			s.data.DtlsState = d.DtlsState
			if d.DtlsState == DtlsStateConnected {
				s.data.DtlsRemoteCert = d.DtlsRemoteCert
			}
			s.mu.Unlock()
			s.dtlsStateChange.call(func(fn func(DtlsState)) { fn(d.DtlsState) })
		}
	case "sctpstatechange":
		var d struct {
			SctpState SctpState `json:"sctpState"`
		}
		if decodeNotification(s.logger, n, &d) {
			s.mu.Lock()
			s.data.SctpState = d.SctpState
			s.mu.Unlock()
			s.sctpStateChange.call(func(fn func(SctpState)) { fn(d.SctpState) })
		}
	case "tuple":
		var d struct {
			Tuple TransportTuple `json:"tuple"`
		}
		if decodeNotification(s.logger, n, &d) {
			s.mu.Lock()
			s.data.Tuple = &d.Tuple
			s.mu.Unlock()
			s.tuple.call(func(fn func(TransportTuple)) { fn(d.Tuple) })
		}
	case "rtcptuple":
		var d struct {
			RtcpTuple TransportTuple `json:"rtcpTuple"`
		}
		if decodeNotification(s.logger, n, &d) {
			s.mu.Lock()
			s.data.RtcpTuple = &d.RtcpTuple
			s.mu.Unlock()
			s.rtcpTuple.call(func(fn func(TransportTuple)) { fn(d.RtcpTuple) })
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

func (s *transportState) handlePayloadNotification(n channel.PayloadNotification) {
	if n.Event != "rtcp" {
		s.logger.Error("Ignoring unknown payload event", "event", n.Event)
		return
	}
	packets, err := rtcp.Unmarshal(n.Payload)
	if err != nil {
		s.logger.Warn("Dropping malformed RTCP", "error", err)
		return
	}
	s.rtcp.call(func(fn func([]rtcp.Packet)) { fn(packets) })
}

// decodeNotification unmarshals notification data into v, logging failures.
func decodeNotification(logger *slog.Logger, n channel.Notification, v any) bool {
	data := n.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	if err := json.Unmarshal(data, v); err != nil {
		logger.Error("Failed to parse notification", "event", n.Event, "error", err)
		return false
	}
	return true
}

func (s *transportState) require(kinds ...TransportKind) error {
	if s.isClosed() {
		return ErrClosed
	}
	for _, k := range kinds {
		if s.kind == k {
			return nil
		}
	}
	return fmt.Errorf("%s transport: %w", s.kind, errors.ErrUnsupported)
}

// ID is the transport identifier.
func (t *Transport) ID() TransportID { return t.state.id }

// RouterID is the identifier of the owning router.
func (t *Transport) RouterID() RouterID { return t.state.router.id }

// Router returns the owning router.
func (t *Transport) Router() *Router { return t.router }

// Kind is the transport flavour.
func (t *Transport) Kind() TransportKind { return t.state.kind }

// AppData is the application data given at creation.
func (t *Transport) AppData() any { return t.state.appData }

// Closed reports whether the transport is closed.
func (t *Transport) Closed() bool { return t.state.isClosed() }

// Close closes the transport and every producer and consumer on it.
func (t *Transport) Close() { t.state.closeLocal() }

// Downgrade returns a weak reference that does not keep the transport open.
func (t *Transport) Downgrade() Weak[Transport] {
	return Weak[Transport]{p: weak.Make(t)}
}

// IceRole is always controlled (the worker is ICE-Lite). WebRTC only.
func (t *Transport) IceRole() IceRole {
	t.state.mu.RLock()
	defer t.state.mu.RUnlock()
	return t.state.data.IceRole
}

// IceParameters are the local ICE parameters. WebRTC only.
func (t *Transport) IceParameters() webrtc.ICEParameters {
	t.state.mu.RLock()
	defer t.state.mu.RUnlock()
	return t.state.data.IceParameters
}

// IceCandidates are the local ICE candidates. WebRTC only.
func (t *Transport) IceCandidates() []IceCandidate {
	t.state.mu.RLock()
	defer t.state.mu.RUnlock()
	return append([]IceCandidate(nil), t.state.data.IceCandidates...)
}

// IceState is the last reported ICE state.
func (t *Transport) IceState() IceState {
	t.state.mu.RLock()
	defer t.state.mu.RUnlock()
	return t.state.data.IceState
}

// IceSelectedTuple is the selected ICE tuple, if any.
func (t *Transport) IceSelectedTuple() *TransportTuple {
	t.state.mu.RLock()
	defer t.state.mu.RUnlock()
	return t.state.data.IceSelectedTuple
}

// DtlsParameters are the local DTLS parameters. WebRTC only.
func (t *Transport) DtlsParameters() DtlsParameters {
	t.state.mu.RLock()
	defer t.state.mu.RUnlock()
	return t.state.data.DtlsParameters
}

// DtlsState is the last reported DTLS state.
func (t *Transport) DtlsState() DtlsState {
	t.state.mu.RLock()
	defer t.state.mu.RUnlock()
	return t.state.data.DtlsState
}

// DtlsRemoteCert is the remote certificate in PEM, once connected.
func (t *Transport) DtlsRemoteCert() string {
	t.state.mu.RLock()
	defer t.state.mu.RUnlock()
	return t.state.data.DtlsRemoteCert
}

// SctpParameters are the local SCTP parameters, if SCTP is enabled.
func (t *Transport) SctpParameters() json.RawMessage {
	t.state.mu.RLock()
	defer t.state.mu.RUnlock()
	return t.state.data.SctpParameters
}

// SctpState is the last reported SCTP state.
func (t *Transport) SctpState() SctpState {
	t.state.mu.RLock()
	defer t.state.mu.RUnlock()
	return t.state.data.SctpState
}

// Tuple is the transport tuple. Plain and pipe only.
func (t *Transport) Tuple() *TransportTuple {
	t.state.mu.RLock()
	defer t.state.mu.RUnlock()
	return t.state.data.Tuple
}

// RtcpTuple is the RTCP tuple when RTCP is not multiplexed. Plain only.
func (t *Transport) RtcpTuple() *TransportTuple {
	t.state.mu.RLock()
	defer t.state.mu.RUnlock()
	return t.state.data.RtcpTuple
}

// SrtpParameters are the local SRTP parameters, if SRTP is enabled.
func (t *Transport) SrtpParameters() json.RawMessage {
	t.state.mu.RLock()
	defer t.state.mu.RUnlock()
	return t.state.data.SrtpParameters
}

// Dump returns the worker's view of the transport.
func (t *Transport) Dump(ctx context.Context) (json.RawMessage, error) {
	s := t.state
	if s.isClosed() {
		return nil, ErrClosed
	}
	var dump json.RawMessage
	if err := s.ch.Request(ctx, "transport.dump", s.internal(), nil, &dump); err != nil {
		return nil, err
	}
	return dump, nil
}

// GetStats returns the transport statistics.
func (t *Transport) GetStats(ctx context.Context) (json.RawMessage, error) {
	s := t.state
	if s.isClosed() {
		return nil, ErrClosed
	}
	var stats json.RawMessage
	if err := s.ch.Request(ctx, "transport.getStats", s.internal(), nil, &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// Connect provides the remote parameters of the transport.
func (t *Transport) Connect(ctx context.Context, opts TransportConnectOptions) error {
	s := t.state
	if err := s.require(TransportKindWebRtc, TransportKindPlain, TransportKindPipe); err != nil {
		return err
	}
	if s.kind == TransportKindWebRtc && opts.DtlsParameters == nil {
		return errors.New("webrtc transport connect requires DTLS parameters")
	}

	var resp struct {
		DtlsLocalRole  DtlsRole        `json:"dtlsLocalRole"`
		Tuple          *TransportTuple `json:"tuple"`
		RtcpTuple      *TransportTuple `json:"rtcpTuple"`
		SrtpParameters json.RawMessage `json:"srtpParameters"`
	}
	err := s.ch.Request(ctx, "transport.connect", s.internal(), opts, &resp)
	if err != nil && !isNoData(err) {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if resp.DtlsLocalRole != "" {
		s.data.DtlsParameters.Role = resp.DtlsLocalRole
	}
	if resp.Tuple != nil {
		s.data.Tuple = resp.Tuple
	}
	if resp.RtcpTuple != nil {
		s.data.RtcpTuple = resp.RtcpTuple
	}
	if resp.SrtpParameters != nil {
		s.data.SrtpParameters = resp.SrtpParameters
	}
	return nil
}

// RestartIce generates new local ICE parameters. WebRTC only.
func (t *Transport) RestartIce(ctx context.Context) (webrtc.ICEParameters, error) {
	s := t.state
	if err := s.require(TransportKindWebRtc); err != nil {
		return webrtc.ICEParameters{}, err
	}
	var resp struct {
		IceParameters webrtc.ICEParameters `json:"iceParameters"`
	}
	if err := s.ch.Request(ctx, "transport.restartIce", s.internal(), nil, &resp); err != nil {
		return webrtc.ICEParameters{}, err
	}
	s.mu.Lock()
	s.data.IceParameters = resp.IceParameters
	s.mu.Unlock()
	return resp.IceParameters, nil
}

// SetMaxIncomingBitrate limits the incoming bitrate. Not for direct transports.
func (t *Transport) SetMaxIncomingBitrate(ctx context.Context, bitrate uint32) error {
	s := t.state
	if err := s.require(TransportKindWebRtc, TransportKindPlain, TransportKindPipe); err != nil {
		return err
	}
	data := struct {
		Bitrate uint32 `json:"bitrate"`
	}{bitrate}
	return s.ch.Request(ctx, "transport.setMaxIncomingBitrate", s.internal(), data, nil)
}

// SetMaxOutgoingBitrate limits the outgoing bitrate. WebRTC only.
func (t *Transport) SetMaxOutgoingBitrate(ctx context.Context, bitrate uint32) error {
	s := t.state
	if err := s.require(TransportKindWebRtc); err != nil {
		return err
	}
	data := struct {
		Bitrate uint32 `json:"bitrate"`
	}{bitrate}
	return s.ch.Request(ctx, "transport.setMaxOutgoingBitrate", s.internal(), data, nil)
}

// EnableTraceEvent selects the trace event types ("probation", "bwe") to emit.
func (t *Transport) EnableTraceEvent(ctx context.Context, types []string) error {
	s := t.state
	if s.isClosed() {
		return ErrClosed
	}
	return s.ch.Request(ctx, "transport.enableTraceEvent", s.internal(), traceEventData{Types: nonNil(types)}, nil)
}

type traceEventData struct {
	Types []string `json:"types"`
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// SendRtcp sends RTCP packets into the router. Direct only.
func (t *Transport) SendRtcp(packets ...rtcp.Packet) error {
	s := t.state
	if err := s.require(TransportKindDirect); err != nil {
		return err
	}
	raw, err := rtcp.Marshal(packets)
	if err != nil {
		return fmt.Errorf("failed to marshal RTCP: %w", err)
	}
	return s.pch.Notify("transport.sendRtcp", s.internal(), nil, raw)
}

// OnNewProducer registers fn for every producer created on the transport.
func (t *Transport) OnNewProducer(fn func(*Producer)) HandlerID {
	return t.state.newProducer.add(fn)
}

// OnNewConsumer registers fn for every consumer created on the transport.
func (t *Transport) OnNewConsumer(fn func(*Consumer)) HandlerID {
	return t.state.newConsumer.add(fn)
}

// OnNewDataProducer registers fn for every data producer created on the transport.
func (t *Transport) OnNewDataProducer(fn func(*DataProducer)) HandlerID {
	return t.state.newDataProducer.add(fn)
}

// OnNewDataConsumer registers fn for every data consumer created on the transport.
func (t *Transport) OnNewDataConsumer(fn func(*DataConsumer)) HandlerID {
	return t.state.newDataConsumer.add(fn)
}

// OnIceStateChange registers fn for ICE state changes.
func (t *Transport) OnIceStateChange(fn func(IceState)) HandlerID {
	return t.state.iceStateChange.add(fn)
}

// OnIceSelectedTupleChange registers fn for ICE selected tuple changes.
func (t *Transport) OnIceSelectedTupleChange(fn func(TransportTuple)) HandlerID {
	return t.state.iceSelectedTupleChange.add(fn)
}

// OnDtlsStateChange registers fn for DTLS state changes.
func (t *Transport) OnDtlsStateChange(fn func(DtlsState)) HandlerID {
	return t.state.dtlsStateChange.add(fn)
}

// OnSctpStateChange registers fn for SCTP state changes.
func (t *Transport) OnSctpStateChange(fn func(SctpState)) HandlerID {
	return t.state.sctpStateChange.add(fn)
}

// OnTuple registers fn for the tuple being learned (plain transports with comedia).
func (t *Transport) OnTuple(fn func(TransportTuple)) HandlerID {
	return t.state.tuple.add(fn)
}

// OnRtcpTuple registers fn for the RTCP tuple being learned.
func (t *Transport) OnRtcpTuple(fn func(TransportTuple)) HandlerID {
	return t.state.rtcpTuple.add(fn)
}

// OnTrace registers fn for trace events.
func (t *Transport) OnTrace(fn func(TraceEvent)) HandlerID {
	return t.state.trace.add(fn)
}

// OnRtcp registers fn for RTCP received by a direct transport.
func (t *Transport) OnRtcp(fn func([]rtcp.Packet)) HandlerID {
	return t.state.rtcp.add(fn)
}

// OnRouterClose registers fn for the transport being closed by its router.
func (t *Transport) OnRouterClose(fn func()) HandlerID {
	return t.state.routerClose.add(fn)
}

// OnClose registers fn for the transport close, calling it in place if the
// transport is already closed.
func (t *Transport) OnClose(fn func()) HandlerID {
	return t.state.addCloseHandler(fn)
}
