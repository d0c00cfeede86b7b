package sfu

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

func routerForTest(t *testing.T) (*Router, *fakeWorker) {
	t.Helper()
	w, fw := startWorker(t)
	r, err := w.CreateRouter(testCtx(t), RouterOptions{})
	if err != nil {
		t.Fatalf("CreateRouter failed: %v", err)
	}
	return r, fw
}

func TestWebRtcTransportState(t *testing.T) {
	r, fw := routerForTest(t)
	fw.respondWith("router.createWebRtcTransport", map[string]any{
		"iceRole":       "controlled",
		"iceParameters": map[string]any{"usernameFragment": "ufrag", "password": "pwd", "iceLite": true},
		"iceCandidates": []map[string]any{{"foundation": "udpcandidate", "priority": 1076302079, "ip": "127.0.0.1", "protocol": "udp", "port": 40000, "type": "host"}},
		"iceState":      "new",
		"dtlsParameters": map[string]any{
			"role":         "auto",
			"fingerprints": []map[string]any{{"algorithm": "sha-256", "value": "AB:CD"}},
		},
		"dtlsState": "new",
	})

	tr, err := r.CreateWebRtcTransport(testCtx(t), NewWebRtcTransportOptions(ListenIP{IP: "127.0.0.1"}))
	if err != nil {
		t.Fatalf("CreateWebRtcTransport failed: %v", err)
	}

	req := fw.waitMessage(t, "router.createWebRtcTransport")
	if req.internalField("transportId") != tr.ID().String() {
		t.Errorf("transportId = %q", req.internalField("transportId"))
	}
	var opts WebRtcTransportOptions
	if err := json.Unmarshal(req.Data, &opts); err != nil {
		t.Fatalf("invalid request data: %v", err)
	}
	if !opts.EnableUDP || opts.InitialAvailableOutgoingBitrate != 600000 || len(opts.ListenIPs) != 1 {
		t.Errorf("unexpected options on the wire: %+v", opts)
	}

	if tr.IceRole() != IceRoleControlled || tr.IceState() != IceStateNew || tr.DtlsState() != DtlsStateNew {
		t.Error("unexpected initial states")
	}
	if ice := tr.IceParameters(); ice.UsernameFragment != "ufrag" || !ice.ICELite {
		t.Errorf("unexpected ICE parameters: %+v", ice)
	}
	if c := tr.IceCandidates(); len(c) != 1 || c[0].Port != 40000 {
		t.Errorf("unexpected candidates: %+v", c)
	}
	if fp := tr.DtlsParameters().Fingerprints; len(fp) != 1 || fp[0].Algorithm != "sha-256" {
		t.Errorf("unexpected fingerprints: %+v", fp)
	}

	var states []IceState
	tr.OnIceStateChange(func(s IceState) { states = append(states, s) })
	var dtls []DtlsState
	tr.OnDtlsStateChange(func(s DtlsState) { dtls = append(dtls, s) })

	id := tr.ID().String()
	fw.notify(id, "icestatechange", map[string]any{"iceState": "connected"})
	fw.notify(id, "iceselectedtuplechange", map[string]any{"iceSelectedTuple": map[string]any{
		"localIp": "127.0.0.1", "localPort": 40000, "remoteIp": "10.0.0.2", "remotePort": 5000, "protocol": "udp",
	}})
	fw.notify(id, "dtlsstatechange", map[string]any{"dtlsState": "connected", "dtlsRemoteCert": "PEM"})
	fw.notify(id, "sctpstatechange", map[string]any{"sctpState": "connected"})

	waitUntil(t, "sctp connected", func() bool { return tr.SctpState() == SctpStateConnected })
	if tr.IceState() != IceStateConnected || tr.DtlsState() != DtlsStateConnected || tr.DtlsRemoteCert() != "PEM" {
		t.Error("states not updated from notifications")
	}
	if tuple := tr.IceSelectedTuple(); tuple == nil || tuple.RemotePort != 5000 {
		t.Errorf("unexpected selected tuple: %+v", tuple)
	}
	if len(states) != 1 || states[0] != IceStateConnected || len(dtls) != 1 {
		t.Errorf("events: ice=%v dtls=%v", states, dtls)
	}
}

func TestWebRtcTransportConnect(t *testing.T) {
	r, fw := routerForTest(t)
	tr, err := r.CreateWebRtcTransport(testCtx(t), NewWebRtcTransportOptions(ListenIP{IP: "127.0.0.1"}))
	if err != nil {
		t.Fatalf("CreateWebRtcTransport failed: %v", err)
	}

	if err := tr.Connect(testCtx(t), TransportConnectOptions{}); err == nil {
		t.Fatal("expected error without DTLS parameters")
	}

	fw.respondWith("transport.connect", map[string]any{"dtlsLocalRole": "server"})
	err = tr.Connect(testCtx(t), TransportConnectOptions{DtlsParameters: &DtlsParameters{
		Role:         DtlsRoleClient,
		Fingerprints: []webrtc.DTLSFingerprint{{Algorithm: "sha-256", Value: "AB:CD"}},
	}})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if tr.DtlsParameters().Role != DtlsRoleServer {
		t.Errorf("local DTLS role = %q, want server", tr.DtlsParameters().Role)
	}

	fw.respondWith("transport.restartIce", map[string]any{"iceParameters": map[string]any{"usernameFragment": "new", "password": "new"}})
	ice, err := tr.RestartIce(testCtx(t))
	if err != nil {
		t.Fatalf("RestartIce failed: %v", err)
	}
	if ice.UsernameFragment != "new" || tr.IceParameters().Password != "new" {
		t.Errorf("ICE parameters not updated: %+v", ice)
	}

	if err := tr.SetMaxOutgoingBitrate(testCtx(t), 1500000); err != nil {
		t.Fatalf("SetMaxOutgoingBitrate failed: %v", err)
	}
	req := fw.waitMessage(t, "transport.setMaxOutgoingBitrate")
	if string(req.Data) != `{"bitrate":1500000}` {
		t.Errorf("data = %s", req.Data)
	}
}

func TestPlainTransportConnect(t *testing.T) {
	r, fw := routerForTest(t)
	fw.respondWith("router.createPlainTransport", map[string]any{
		"tuple": map[string]any{"localIp": "127.0.0.1", "localPort": 20000, "protocol": "udp"},
	})
	tr, err := r.CreatePlainTransport(testCtx(t), PlainTransportOptions{ListenIP: ListenIP{IP: "127.0.0.1"}})
	if err != nil {
		t.Fatalf("CreatePlainTransport failed: %v", err)
	}
	if tuple := tr.Tuple(); tuple == nil || tuple.LocalPort != 20000 {
		t.Fatalf("unexpected tuple: %+v", tuple)
	}

	fw.respondWith("transport.connect", map[string]any{
		"tuple":     map[string]any{"localIp": "127.0.0.1", "localPort": 20000, "remoteIp": "10.0.0.9", "remotePort": 6000, "protocol": "udp"},
		"rtcpTuple": map[string]any{"localIp": "127.0.0.1", "localPort": 20001, "remoteIp": "10.0.0.9", "remotePort": 6001, "protocol": "udp"},
	})
	if err := tr.Connect(testCtx(t), TransportConnectOptions{IP: "10.0.0.9", Port: 6000, RtcpPort: 6001}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if tr.Tuple().RemotePort != 6000 || tr.RtcpTuple() == nil || tr.RtcpTuple().RemotePort != 6001 {
		t.Error("tuples not updated from the connect response")
	}

	learned := make(chan TransportTuple, 1)
	tr.OnTuple(func(tuple TransportTuple) { learned <- tuple })
	fw.notify(tr.ID().String(), "tuple", map[string]any{"tuple": map[string]any{"localIp": "127.0.0.1", "localPort": 20000, "remoteIp": "10.0.0.10", "remotePort": 7000, "protocol": "udp"}})
	select {
	case tuple := <-learned:
		if tuple.RemoteIP != "10.0.0.10" || tr.Tuple().RemotePort != 7000 {
			t.Errorf("unexpected tuple: %+v", tuple)
		}
	case <-testCtx(t).Done():
		t.Fatal("tuple not delivered")
	}
}

func TestTransportKindChecks(t *testing.T) {
	r, fw := routerForTest(t)
	plain, err := r.CreatePlainTransport(testCtx(t), PlainTransportOptions{ListenIP: ListenIP{IP: "127.0.0.1"}})
	if err != nil {
		t.Fatalf("CreatePlainTransport failed: %v", err)
	}
	direct, err := r.CreateDirectTransport(testCtx(t), DirectTransportOptions{})
	if err != nil {
		t.Fatalf("CreateDirectTransport failed: %v", err)
	}

	if _, err := plain.RestartIce(testCtx(t)); !errors.Is(err, errors.ErrUnsupported) {
		t.Errorf("RestartIce on plain: %v", err)
	}
	if err := plain.SetMaxOutgoingBitrate(testCtx(t), 1); !errors.Is(err, errors.ErrUnsupported) {
		t.Errorf("SetMaxOutgoingBitrate on plain: %v", err)
	}
	if err := plain.SendRtcp(&rtcp.PictureLossIndication{SenderSSRC: 1, MediaSSRC: 2}); !errors.Is(err, errors.ErrUnsupported) {
		t.Errorf("SendRtcp on plain: %v", err)
	}
	if err := direct.Connect(testCtx(t), TransportConnectOptions{}); !errors.Is(err, errors.ErrUnsupported) {
		t.Errorf("Connect on direct: %v", err)
	}
	if err := direct.SetMaxIncomingBitrate(testCtx(t), 1); !errors.Is(err, errors.ErrUnsupported) {
		t.Errorf("SetMaxIncomingBitrate on direct: %v", err)
	}
	for _, m := range []string{"transport.restartIce", "transport.setMaxOutgoingBitrate", "transport.connect", "transport.setMaxIncomingBitrate"} {
		if fw.count(m) != 0 {
			t.Errorf("%s must not reach the worker", m)
		}
	}

	req := fw.waitMessage(t, "router.createDirectTransport")
	if string(req.Data) != `{"direct":true,"maxMessageSize":262144}` {
		t.Errorf("direct transport data = %s", req.Data)
	}

	plain.Close()
	if _, err := plain.RestartIce(testCtx(t)); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}
}

func TestEnableTraceEvent(t *testing.T) {
	r, fw := routerForTest(t)
	tr, err := r.CreateWebRtcTransport(testCtx(t), NewWebRtcTransportOptions(ListenIP{IP: "127.0.0.1"}))
	if err != nil {
		t.Fatalf("CreateWebRtcTransport failed: %v", err)
	}
	if err := tr.EnableTraceEvent(testCtx(t), nil); err != nil {
		t.Fatalf("EnableTraceEvent failed: %v", err)
	}
	req := fw.waitMessage(t, "transport.enableTraceEvent")
	if string(req.Data) != `{"types":[]}` {
		t.Errorf("data = %s", req.Data)
	}

	traces := make(chan TraceEvent, 1)
	tr.OnTrace(func(ev TraceEvent) { traces <- ev })
	fw.notify(tr.ID().String(), "trace", map[string]any{"type": "bwe", "timestamp": 1234, "direction": "out", "info": map[string]any{"desiredBitrate": 1}})
	select {
	case ev := <-traces:
		if ev.Type != "bwe" || ev.Timestamp != 1234 || ev.Direction != "out" {
			t.Errorf("unexpected trace: %+v", ev)
		}
	case <-testCtx(t).Done():
		t.Fatal("trace not delivered")
	}
}

func TestDirectTransportRtp(t *testing.T) {
	r, fw := routerForTest(t)
	tr, err := r.CreateDirectTransport(testCtx(t), DirectTransportOptions{})
	if err != nil {
		t.Fatalf("CreateDirectTransport failed: %v", err)
	}
	p, err := tr.Produce(testCtx(t), ProducerOptions{Kind: MediaKindVideo, RtpParameters: testRtpParameters})
	if err != nil {
		t.Fatalf("Produce failed: %v", err)
	}
	c, err := tr.Consume(testCtx(t), ConsumerOptions{ProducerID: p.ID(), RtpParameters: testRtpParameters})
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	packet := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: 7, Timestamp: 90000, SSRC: 1234},
		Payload: []byte{0x01, 0x02, 0x03},
	}
	if err := p.Send(packet); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	sent := fw.waitMessage(t, "producer.send")
	if sent.internalField("producerId") != p.ID().String() {
		t.Errorf("producer.send internal = %s", sent.Internal)
	}
	var got rtp.Packet
	if err := got.Unmarshal(sent.Payload); err != nil {
		t.Fatalf("invalid RTP on the wire: %v", err)
	}
	if got.SSRC != 1234 || got.SequenceNumber != 7 || !bytes.Equal(got.Payload, packet.Payload) {
		t.Errorf("unexpected packet: %+v", got.Header)
	}

	received := make(chan *rtp.Packet, 1)
	c.OnRtp(func(pkt *rtp.Packet) { received <- pkt })
	raw, err := packet.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	fw.notifyPayload(c.ID().String(), "rtp", nil, raw)
	select {
	case pkt := <-received:
		if pkt.SSRC != 1234 || !bytes.Equal(pkt.Payload, packet.Payload) {
			t.Errorf("unexpected received packet: %+v", pkt.Header)
		}
	case <-testCtx(t).Done():
		t.Fatal("RTP not delivered")
	}
}

func TestDirectTransportRtcp(t *testing.T) {
	r, fw := routerForTest(t)
	tr, err := r.CreateDirectTransport(testCtx(t), DirectTransportOptions{})
	if err != nil {
		t.Fatalf("CreateDirectTransport failed: %v", err)
	}

	if err := tr.SendRtcp(&rtcp.PictureLossIndication{SenderSSRC: 1, MediaSSRC: 2}); err != nil {
		t.Fatalf("SendRtcp failed: %v", err)
	}
	sent := fw.waitMessage(t, "transport.sendRtcp")
	packets, err := rtcp.Unmarshal(sent.Payload)
	if err != nil {
		t.Fatalf("invalid RTCP on the wire: %v", err)
	}
	if pli, ok := packets[0].(*rtcp.PictureLossIndication); !ok || pli.MediaSSRC != 2 {
		t.Errorf("unexpected packet: %#v", packets[0])
	}

	received := make(chan []rtcp.Packet, 1)
	tr.OnRtcp(func(p []rtcp.Packet) { received <- p })
	raw, err := rtcp.Marshal([]rtcp.Packet{&rtcp.ReceiverEstimatedMaximumBitrate{SenderSSRC: 5, Bitrate: 300000, SSRCs: []uint32{7}}})
	if err != nil {
		t.Fatal(err)
	}
	fw.notifyPayload(tr.ID().String(), "rtcp", nil, raw)
	select {
	case got := <-received:
		remb, ok := got[0].(*rtcp.ReceiverEstimatedMaximumBitrate)
		if !ok || remb.SenderSSRC != 5 {
			t.Errorf("unexpected packet: %#v", got[0])
		}
	case <-testCtx(t).Done():
		t.Fatal("RTCP not delivered")
	}
}

func TestProducerSendOnNonDirectTransport(t *testing.T) {
	g := newGraph(t)
	err := g.p.Send(&rtp.Packet{Header: rtp.Header{Version: 2}})
	if !errors.Is(err, errors.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}
