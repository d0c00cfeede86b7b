package channel

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		body string
		kind FrameKind
		data string
	}{
		{"json", `{"id":1}`, FrameJSON, `{"id":1}`},
		{"debug", "Dchannel ready", FrameDebug, "channel ready"},
		{"warn", "Wslow consumer", FrameWarn, "slow consumer"},
		{"error", "Eboom", FrameLogError, "boom"},
		{"dump", "Xstate", FrameDump, "state"},
		{"unexpected", "?what", FrameUnexpected, "?what"},
		{"empty", "", FrameUnexpected, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify([]byte(tt.body))
			if got.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if string(got.Data) != tt.data {
				t.Errorf("Data = %q, want %q", got.Data, tt.data)
			}
		})
	}
}

func TestAppendFrame(t *testing.T) {
	got := string(AppendFrame(nil, []byte("hello")))
	if got != "5:hello," {
		t.Errorf("AppendFrame = %q, want %q", got, "5:hello,")
	}
	if got := string(AppendFrame(nil, nil)); got != "0:," {
		t.Errorf("AppendFrame(empty) = %q, want %q", got, "0:,")
	}
}

func TestFrameReaderSequence(t *testing.T) {
	var buf bytes.Buffer
	for _, s := range []string{`{"a":1}`, "Dlog line", "", "tail"} {
		if err := WriteFrame(&buf, []byte(s)); err != nil {
			t.Fatal(err)
		}
	}

	fr := NewFrameReader(&buf, MessageMaxLen)
	want := []string{`{"a":1}`, "Dlog line", "", "tail"}
	for i, w := range want {
		got, err := fr.Next()
		if err != nil {
			t.Fatalf("frame %d: unexpected error: %v", i, err)
		}
		if string(got) != w {
			t.Errorf("frame %d = %q, want %q", i, got, w)
		}
	}
	if _, err := fr.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestFrameReaderRecoversFromMalformedInput(t *testing.T) {
	tests := []struct {
		name   string
		stream string
	}{
		{"non-digit prefix", "abc,5:hello,"},
		{"missing colon", "12,5:hello,"},
		{"missing trailing comma", "3:abcX,5:hello,"},
		{"bare comma", ",5:hello,"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fr := NewFrameReader(strings.NewReader(tt.stream), MessageMaxLen)

			_, err := fr.Next()
			var frameErr *FrameError
			if !errors.As(err, &frameErr) {
				t.Fatalf("expected *FrameError, got %v", err)
			}

			got, err := fr.Next()
			if err != nil {
				t.Fatalf("expected recovery, got error: %v", err)
			}
			if string(got) != "hello" {
				t.Errorf("frame after recovery = %q, want %q", got, "hello")
			}
		})
	}
}

func TestFrameReaderRejectsOversizedFrame(t *testing.T) {
	stream := "10:0123456789,2:ok,"
	fr := NewFrameReader(strings.NewReader(stream), 4)

	_, err := fr.Next()
	var frameErr *FrameError
	if !errors.As(err, &frameErr) {
		t.Fatalf("expected *FrameError for oversized frame, got %v", err)
	}

	got, err := fr.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != "ok" {
		t.Errorf("got %q, want %q", got, "ok")
	}
}

func TestFrameReaderOversizedRecovery(t *testing.T) {
	tests := []struct {
		name   string
		stream string
		reason string
	}{
		// Within twice the limit the declared length is trusted.
		{"slightly over", "6:abcdef,2:ok,", "frame exceeds size limit"},
		{"slightly over without comma", "6:abcdefgh,2:ok,", "missing trailing comma"},
		// A corrupted prefix must not swallow the frames behind it.
		{"corrupted prefix", "9999999999:abc,2:ok,", "length prefix out of range"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fr := NewFrameReader(strings.NewReader(tt.stream), 4)

			_, err := fr.Next()
			var frameErr *FrameError
			if !errors.As(err, &frameErr) {
				t.Fatalf("expected *FrameError, got %v", err)
			}
			if frameErr.Reason != tt.reason {
				t.Errorf("reason = %q, want %q", frameErr.Reason, tt.reason)
			}

			got, err := fr.Next()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != "ok" {
				t.Errorf("got %q, want %q", got, "ok")
			}
		})
	}
}

func TestFrameReaderTruncatedStream(t *testing.T) {
	fr := NewFrameReader(strings.NewReader("10:short"), MessageMaxLen)
	if _, err := fr.Next(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}
