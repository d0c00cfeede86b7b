package sfu

import (
	"fmt"

	"github.com/pion/sctp"
)

// WebRtcMessage is a data channel message. The PPID tells strings from
// binary data; empty messages have their own PPIDs and carry a one byte
// placeholder on the wire.
type WebRtcMessage struct {
	PPID sctp.PayloadProtocolIdentifier
	Data []byte
}

// StringMessage builds a text message.
func StringMessage(s string) WebRtcMessage {
	if s == "" {
		return WebRtcMessage{PPID: sctp.PayloadTypeWebRTCStringEmpty}
	}
	return WebRtcMessage{PPID: sctp.PayloadTypeWebRTCString, Data: []byte(s)}
}

// BinaryMessage builds a binary message.
func BinaryMessage(b []byte) WebRtcMessage {
	if len(b) == 0 {
		return WebRtcMessage{PPID: sctp.PayloadTypeWebRTCBinaryEmpty}
	}
	return WebRtcMessage{PPID: sctp.PayloadTypeWebRTCBinary, Data: b}
}

// IsString reports whether the message carries text.
func (m WebRtcMessage) IsString() bool {
	return m.PPID == sctp.PayloadTypeWebRTCString || m.PPID == sctp.PayloadTypeWebRTCStringEmpty
}

func (m WebRtcMessage) String() string {
	if m.IsString() {
		return string(m.Data)
	}
	return fmt.Sprintf("binary(%d bytes)", len(m.Data))
}

// wire returns the PPID and payload as sent to the worker.
func (m WebRtcMessage) wire() (uint32, []byte) {
	switch m.PPID {
	case sctp.PayloadTypeWebRTCStringEmpty:
		return uint32(m.PPID), []byte{' '}
	case sctp.PayloadTypeWebRTCBinaryEmpty:
		return uint32(m.PPID), []byte{0}
	default:
		return uint32(m.PPID), m.Data
	}
}

func messageFromWire(ppid uint32, payload []byte) (WebRtcMessage, error) {
	switch p := sctp.PayloadProtocolIdentifier(ppid); p {
	case sctp.PayloadTypeWebRTCString, sctp.PayloadTypeWebRTCBinary:
		return WebRtcMessage{PPID: p, Data: payload}, nil
	case sctp.PayloadTypeWebRTCStringEmpty, sctp.PayloadTypeWebRTCBinaryEmpty:
		return WebRtcMessage{PPID: p}, nil
	default:
		return WebRtcMessage{}, fmt.Errorf("unsupported ppid %d", ppid)
	}
}
