package channel

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func newTestPayloadChannel(t *testing.T, opts Options) (*PayloadChannel, *fakeWorker) {
	t.Helper()
	cr, cw, fw := newPipes(t)
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	ch := NewPayload(cr, cw, opts)
	ch.Start()
	t.Cleanup(func() { ch.Close() })
	return ch, fw
}

func TestPayloadRequestWritesHeaderThenPayload(t *testing.T) {
	ch, fw := newTestPayloadChannel(t, Options{})

	payload := []byte{0x00, 0x01, '{', 0xff}
	errCh := make(chan error, 1)
	go func() {
		errCh <- ch.Request(context.Background(), "dataConsumer.send", map[string]string{"dataConsumerId": "dc1"}, map[string]int{"ppid": 53}, payload, nil)
	}()

	req := fw.readRequest()
	if req.Method != "dataConsumer.send" {
		t.Errorf("method = %q", req.Method)
	}
	if string(req.Data) != `{"ppid":53}` {
		t.Errorf("data = %s", req.Data)
	}
	if got := fw.readRaw(); !bytes.Equal(got, payload) {
		t.Errorf("payload = %v, want %v", got, payload)
	}
	fw.accept(req.ID, nil)

	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPayloadNotifyEmptyPayload(t *testing.T) {
	ch, fw := newTestPayloadChannel(t, Options{})

	errCh := make(chan error, 1)
	go func() { errCh <- ch.Notify("producer.send", map[string]string{"producerId": "p1"}, nil, nil) }()

	req := fw.readRequest()
	if req.Event != "producer.send" {
		t.Errorf("event = %q", req.Event)
	}
	if got := fw.readRaw(); len(got) != 0 {
		t.Errorf("payload = %v, want empty", got)
	}
	if err := waitErr(t, errCh); err != nil {
		t.Errorf("notify: %v", err)
	}
}

func TestPayloadNotificationDelivery(t *testing.T) {
	ch, fw := newTestPayloadChannel(t, Options{})

	got := make(chan PayloadNotification, 2)
	ch.Subscribe("dc1", func(n PayloadNotification) { got <- n })

	// The payload looks like JSON but must be paired with the header.
	fw.notify("dc1", "message", map[string]int{"ppid": 51})
	fw.sendRaw([]byte(`{"not":"a header"}`))
	fw.notify("dc1", "message", map[string]int{"ppid": 53})
	fw.sendRaw([]byte{0xde, 0xad})

	for i, want := range [][]byte{[]byte(`{"not":"a header"}`), {0xde, 0xad}} {
		select {
		case n := <-got:
			if n.Event != "message" {
				t.Errorf("notification %d event = %q", i, n.Event)
			}
			if !bytes.Equal(n.Payload, want) {
				t.Errorf("notification %d payload = %q, want %q", i, n.Payload, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("notification %d not delivered", i)
		}
	}
}

func TestPayloadResponsesHaveNoPayload(t *testing.T) {
	ch, fw := newTestPayloadChannel(t, Options{})

	errCh := make(chan error, 1)
	var out struct {
		BufferedAmount int `json:"bufferedAmount"`
	}
	go func() {
		errCh <- ch.Request(context.Background(), "dataConsumer.send", nil, nil, []byte("x"), &out)
	}()
	req := fw.readRequest()
	fw.readRaw()
	fw.accept(req.ID, map[string]int{"bufferedAmount": 7})

	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.BufferedAmount != 7 {
		t.Errorf("bufferedAmount = %d, want 7", out.BufferedAmount)
	}

	// The next header must still be parsed as a header.
	got := make(chan PayloadNotification, 1)
	ch.SubscribeOnce("c1", func(n PayloadNotification) { got <- n })
	fw.notify("c1", "rtp", nil)
	fw.sendRaw([]byte{0x80})
	select {
	case n := <-got:
		if n.Event != "rtp" || !bytes.Equal(n.Payload, []byte{0x80}) {
			t.Errorf("unexpected notification: %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("notification after response not delivered")
	}
}

func TestPayloadSizeLimitsAreDistinct(t *testing.T) {
	ch, _ := newTestPayloadChannel(t, Options{MaxMessageSize: 64, MaxPayloadSize: 8})

	err := ch.Request(context.Background(), "dataConsumer.send", nil, nil, make([]byte, 9), nil)
	if !errors.Is(err, ErrPayloadTooLong) {
		t.Errorf("expected ErrPayloadTooLong, got %v", err)
	}
	if errors.Is(err, ErrMessageTooLong) {
		t.Error("payload overflow must not report ErrMessageTooLong")
	}

	err = ch.Notify("dataProducer.send", nil, string(make([]byte, 100)), []byte("ok"))
	if !errors.Is(err, ErrMessageTooLong) {
		t.Errorf("expected ErrMessageTooLong, got %v", err)
	}
}

func TestPayloadChannelCloseFailsPending(t *testing.T) {
	ch, fw := newTestPayloadChannel(t, Options{})

	errCh := make(chan error, 1)
	go func() {
		errCh <- ch.Request(context.Background(), "dataConsumer.send", nil, nil, []byte("x"), nil)
	}()
	fw.readRequest()
	fw.readRaw()
	fw.out.Close()

	if err := waitErr(t, errCh); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("expected ErrChannelClosed, got %v", err)
	}
}
