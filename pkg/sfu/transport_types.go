package sfu

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// TransportKind tells the transport flavours apart.
type TransportKind string

// Transport kinds.
const (
	TransportKindWebRtc TransportKind = "webrtc"
	TransportKindPlain  TransportKind = "plain"
	TransportKindPipe   TransportKind = "pipe"
	TransportKindDirect TransportKind = "direct"
)

// IceRole of a WebRTC transport. The worker is always ICE-Lite, hence controlled.
type IceRole string

// ICE roles.
const (
	IceRoleControlled  IceRole = "controlled"
	IceRoleControlling IceRole = "controlling"
)

// IceState of a WebRTC transport.
type IceState string

// ICE states.
const (
	IceStateNew          IceState = "new"
	IceStateConnected    IceState = "connected"
	IceStateCompleted    IceState = "completed"
	IceStateDisconnected IceState = "disconnected"
	IceStateClosed       IceState = "closed"
)

// DtlsRole of a WebRTC transport.
type DtlsRole string

// DTLS roles.
const (
	DtlsRoleAuto   DtlsRole = "auto"
	DtlsRoleClient DtlsRole = "client"
	DtlsRoleServer DtlsRole = "server"
)

// DtlsState of a WebRTC transport.
type DtlsState string

// DTLS states.
const (
	DtlsStateNew        DtlsState = "new"
	DtlsStateConnecting DtlsState = "connecting"
	DtlsStateConnected  DtlsState = "connected"
	DtlsStateFailed     DtlsState = "failed"
	DtlsStateClosed     DtlsState = "closed"
)

// SctpState of the SCTP association, if any.
type SctpState string

// SCTP states.
const (
	SctpStateNew        SctpState = "new"
	SctpStateConnecting SctpState = "connecting"
	SctpStateConnected  SctpState = "connected"
	SctpStateFailed     SctpState = "failed"
	SctpStateClosed     SctpState = "closed"
)

// Protocol is the transport protocol of a tuple or candidate.
type Protocol string

// Protocols.
const (
	ProtocolUDP Protocol = "udp"
	ProtocolTCP Protocol = "tcp"
)

// ListenIP is a local address to listen on, with an optional public address
// announced in candidates.
type ListenIP struct {
	IP          string `json:"ip"`
	AnnouncedIP string `json:"announcedIp,omitempty"`
}

// NumSctpStreams bounds the outgoing and incoming SCTP streams.
type NumSctpStreams struct {
	OS  uint16 `json:"OS"`
	MIS uint16 `json:"MIS"`
}

// IceCandidate is a local ICE candidate of a WebRTC transport.
type IceCandidate struct {
	Foundation string   `json:"foundation"`
	Priority   uint32   `json:"priority"`
	IP         string   `json:"ip"`
	Protocol   Protocol `json:"protocol"`
	Port       uint16   `json:"port"`
	Type       string   `json:"type"`
	TCPType    string   `json:"tcpType,omitempty"`
}

// TransportTuple is a local/remote address pair.
type TransportTuple struct {
	LocalIP    string   `json:"localIp"`
	LocalPort  uint16   `json:"localPort"`
	RemoteIP   string   `json:"remoteIp,omitempty"`
	RemotePort uint16   `json:"remotePort,omitempty"`
	Protocol   Protocol `json:"protocol"`
}

// DtlsParameters are exchanged with the remote endpoint.
type DtlsParameters struct {
	Role         DtlsRole                 `json:"role,omitempty"`
	Fingerprints []webrtc.DTLSFingerprint `json:"fingerprints"`
}

// TraceEvent is emitted when tracing is enabled with EnableTraceEvent.
type TraceEvent struct {
	Type      string          `json:"type"`
	Timestamp uint64          `json:"timestamp"`
	Direction string          `json:"direction"`
	Info      json.RawMessage `json:"info,omitempty"`
}

// WebRtcTransportOptions configure CreateWebRtcTransport.
type WebRtcTransportOptions struct {
	ListenIPs                       []ListenIP      `json:"listenIps"`
	EnableUDP                       bool            `json:"enableUdp"`
	EnableTCP                       bool            `json:"enableTcp"`
	PreferUDP                       bool            `json:"preferUdp"`
	PreferTCP                       bool            `json:"preferTcp"`
	InitialAvailableOutgoingBitrate uint32          `json:"initialAvailableOutgoingBitrate"`
	EnableSctp                      bool            `json:"enableSctp"`
	NumSctpStreams                  *NumSctpStreams `json:"numSctpStreams,omitempty"`
	MaxSctpMessageSize              uint32          `json:"maxSctpMessageSize"`
	SctpSendBufferSize              uint32          `json:"sctpSendBufferSize"`
	AppData                         any             `json:"-"`
}

// NewWebRtcTransportOptions returns UDP-enabled options with the worker defaults.
func NewWebRtcTransportOptions(listenIPs ...ListenIP) WebRtcTransportOptions {
	return WebRtcTransportOptions{
		ListenIPs:                       listenIPs,
		EnableUDP:                       true,
		InitialAvailableOutgoingBitrate: 600000,
		NumSctpStreams:                  &NumSctpStreams{OS: 1024, MIS: 1024},
		MaxSctpMessageSize:              262144,
		SctpSendBufferSize:              262144,
	}
}

// PlainTransportOptions configure CreatePlainTransport.
type PlainTransportOptions struct {
	ListenIP           ListenIP        `json:"listenIp"`
	RtcpMux            bool            `json:"rtcpMux"`
	Comedia            bool            `json:"comedia"`
	EnableSctp         bool            `json:"enableSctp"`
	NumSctpStreams     *NumSctpStreams `json:"numSctpStreams,omitempty"`
	MaxSctpMessageSize uint32          `json:"maxSctpMessageSize"`
	SctpSendBufferSize uint32          `json:"sctpSendBufferSize"`
	EnableSrtp         bool            `json:"enableSrtp"`
	SrtpCryptoSuite    string          `json:"srtpCryptoSuite,omitempty"`
	AppData            any             `json:"-"`
}

// PipeTransportOptions configure CreatePipeTransport.
type PipeTransportOptions struct {
	ListenIP           ListenIP        `json:"listenIp"`
	EnableSctp         bool            `json:"enableSctp"`
	NumSctpStreams     *NumSctpStreams `json:"numSctpStreams,omitempty"`
	MaxSctpMessageSize uint32          `json:"maxSctpMessageSize"`
	SctpSendBufferSize uint32          `json:"sctpSendBufferSize"`
	EnableRtx          bool            `json:"enableRtx"`
	EnableSrtp         bool            `json:"enableSrtp"`
	AppData            any             `json:"-"`
}

// DirectTransportOptions configure CreateDirectTransport.
type DirectTransportOptions struct {
	MaxMessageSize uint32 `json:"maxMessageSize"`
	AppData        any    `json:"-"`
}

// TransportConnectOptions carry the remote parameters. WebRTC transports
// use DtlsParameters; plain and pipe transports use the address fields.
type TransportConnectOptions struct {
	DtlsParameters *DtlsParameters `json:"dtlsParameters,omitempty"`
	IP             string          `json:"ip,omitempty"`
	Port           uint16          `json:"port,omitempty"`
	RtcpPort       uint16          `json:"rtcpPort,omitempty"`
	SrtpParameters json.RawMessage `json:"srtpParameters,omitempty"`
}

// transportData is the worker's description of a transport, returned on
// creation and kept up to date from notifications. Fields not used by a
// transport kind stay zero.
type transportData struct {
	IceRole          IceRole              `json:"iceRole,omitempty"`
	IceParameters    webrtc.ICEParameters `json:"iceParameters"`
	IceCandidates    []IceCandidate       `json:"iceCandidates,omitempty"`
	IceState         IceState             `json:"iceState,omitempty"`
	IceSelectedTuple *TransportTuple      `json:"iceSelectedTuple,omitempty"`
	DtlsParameters   DtlsParameters       `json:"dtlsParameters"`
	DtlsState        DtlsState            `json:"dtlsState,omitempty"`
	DtlsRemoteCert   string               `json:"dtlsRemoteCert,omitempty"`
	SctpParameters   json.RawMessage      `json:"sctpParameters,omitempty"`
	SctpState        SctpState            `json:"sctpState,omitempty"`
	Tuple            *TransportTuple      `json:"tuple,omitempty"`
	RtcpTuple        *TransportTuple      `json:"rtcpTuple,omitempty"`
	SrtpParameters   json.RawMessage      `json:"srtpParameters,omitempty"`
}
