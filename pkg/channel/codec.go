package channel

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Frame size limits shared with the worker.
const (
	MessageMaxLen = 4194308
	PayloadMaxLen = 4194304
)

// maxHeaderDigits bounds the length prefix; MessageMaxLen has 7 digits.
const maxHeaderDigits = 10

// FrameKind classifies an inbound frame by its leading byte.
type FrameKind int

// Frame kinds.
const (
	FrameJSON FrameKind = iota
	FrameDebug
	FrameWarn
	FrameLogError
	FrameDump
	FrameUnexpected
	// FramePayload marks the binary half of a payload channel message. It
	// is assigned by position, never by Classify.
	FramePayload
)

func (k FrameKind) String() string {
	switch k {
	case FrameJSON:
		return "json"
	case FrameDebug:
		return "debug"
	case FrameWarn:
		return "warn"
	case FrameLogError:
		return "error"
	case FrameDump:
		return "dump"
	case FramePayload:
		return "payload"
	default:
		return "unexpected"
	}
}

// Frame is a classified inbound frame. For diagnostic kinds Data holds the
// text after the leading marker byte.
type Frame struct {
	Kind FrameKind
	Data []byte
}

// Classify inspects the first byte of a frame body.
func Classify(body []byte) Frame {
	if len(body) == 0 {
		return Frame{Kind: FrameUnexpected, Data: body}
	}
	switch body[0] {
	case '{':
		return Frame{Kind: FrameJSON, Data: body}
	case 'D':
		return Frame{Kind: FrameDebug, Data: body[1:]}
	case 'W':
		return Frame{Kind: FrameWarn, Data: body[1:]}
	case 'E':
		return Frame{Kind: FrameLogError, Data: body[1:]}
	case 'X':
		return Frame{Kind: FrameDump, Data: body[1:]}
	default:
		return Frame{Kind: FrameUnexpected, Data: body}
	}
}

// AppendFrame appends the netstring encoding of data to dst.
func AppendFrame(dst, data []byte) []byte {
	dst = strconv.AppendInt(dst, int64(len(data)), 10)
	dst = append(dst, ':')
	dst = append(dst, data...)
	return append(dst, ',')
}

// WriteFrame writes data as a single netstring using one Write call.
func WriteFrame(w io.Writer, data []byte) error {
	_, err := w.Write(AppendFrame(make([]byte, 0, len(data)+maxHeaderDigits+2), data))
	return err
}

// FrameError reports a malformed frame. The reader has already skipped past
// the damaged bytes and can continue.
type FrameError struct {
	Reason    string
	Discarded []byte
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("malformed frame: %s (%d bytes discarded)", e.Reason, len(e.Discarded))
}

// FrameReader splits a byte stream into netstring frame bodies.
type FrameReader struct {
	r   *bufio.Reader
	max int
}

// NewFrameReader returns a reader that rejects frames longer than max bytes.
func NewFrameReader(r io.Reader, max int) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 64*1024), max: max}
}

// Next returns the next frame body. A *FrameError is returned for malformed
// input and the stream stays usable; any other error ends the stream.
func (fr *FrameReader) Next() ([]byte, error) {
	length, header, err := fr.readLength()
	if err != nil {
		return nil, err
	}
	if length > fr.max {
		return nil, fr.skipOversized(length, header)
	}

	body := make([]byte, length+1)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return nil, unexpectedEOF(err)
	}
	if body[length] != ',' {
		rest, skipErr := fr.resync()
		if skipErr != nil {
			return nil, skipErr
		}
		return nil, &FrameError{Reason: "missing trailing comma", Discarded: append(append(header, body...), rest...)}
	}
	return body[:length], nil
}

// skipOversized drops a frame longer than the limit. A length far beyond
// the limit is treated as a corrupted prefix, and the reader resyncs at the
// next ',' rather than discarding that many bytes of later frames.
func (fr *FrameReader) skipOversized(length int, header []byte) error {
	if length/2 > fr.max {
		rest, err := fr.resync()
		if err != nil {
			return unexpectedEOF(err)
		}
		return &FrameError{Reason: "length prefix out of range", Discarded: append(header, rest...)}
	}

	if _, err := io.CopyN(io.Discard, fr.r, int64(length)); err != nil {
		return unexpectedEOF(err)
	}
	b, err := fr.r.ReadByte()
	if err != nil {
		return unexpectedEOF(err)
	}
	if b != ',' {
		rest, err := fr.resync()
		if err != nil {
			return err
		}
		return &FrameError{Reason: "missing trailing comma", Discarded: append(append(header, b), rest...)}
	}
	return &FrameError{Reason: "frame exceeds size limit", Discarded: header}
}

// readLength parses the "<digits>:" prefix.
func (fr *FrameReader) readLength() (int, []byte, error) {
	var header []byte
	length := 0
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			if len(header) > 0 {
				return 0, nil, unexpectedEOF(err)
			}
			return 0, nil, err
		}
		header = append(header, b)

		switch {
		case b == ':' && len(header) > 1:
			return length, header, nil
		case b >= '0' && b <= '9' && len(header) <= maxHeaderDigits:
			length = length*10 + int(b-'0')
		case b == ',':
			return 0, nil, &FrameError{Reason: "invalid length prefix", Discarded: header}
		default:
			rest, skipErr := fr.resync()
			if skipErr != nil {
				return 0, nil, skipErr
			}
			return 0, nil, &FrameError{Reason: "invalid length prefix", Discarded: append(header, rest...)}
		}
	}
}

// resync drops bytes up to and including the next frame terminator.
func (fr *FrameReader) resync() ([]byte, error) {
	rest, err := fr.r.ReadBytes(',')
	if err != nil {
		return nil, err
	}
	return rest, nil
}

func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
