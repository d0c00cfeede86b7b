package sfu

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/workerctl/pkg/channel"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// wireMessage is a request or notification as the worker reads it.
type wireMessage struct {
	ID       uint32          `json:"id"`
	Method   string          `json:"method"`
	Event    string          `json:"event"`
	Internal json.RawMessage `json:"internal"`
	Data     json.RawMessage `json:"data"`
	Payload  []byte          `json:"-"`
}

func (m wireMessage) name() string {
	if m.Method != "" {
		return m.Method
	}
	return m.Event
}

// internalField returns one field of the internal address.
func (m wireMessage) internalField(key string) string {
	var fields map[string]string
	_ = json.Unmarshal(m.Internal, &fields)
	return fields[key]
}

// rejection makes the fake worker answer a method with an error.
type rejection struct {
	kind, reason string
}

// noData makes the fake worker accept a method without a body.
var noData = struct{}{}

// fakeWorker plays the worker side of both channels over in-memory pipes.
// Requests are accepted with an empty object unless configured otherwise.
type fakeWorker struct {
	pid    int
	parent WorkerPipes

	ctlOut *io.PipeWriter
	ctlIn  *io.PipeReader
	payOut *io.PipeWriter
	payIn  *io.PipeReader
	ctlMu  sync.Mutex
	payMu  sync.Mutex

	startOnce sync.Once
	exitOnce  sync.Once
	done      chan struct{}

	mu        sync.Mutex
	status    ExitStatus
	stops     int
	received  []wireMessage
	responses map[string]any
	hooks     map[string]func(wireMessage)
	holds     map[string]bool
	held      []wireMessage
}

func newFakeWorker(t *testing.T, pid int) *fakeWorker {
	t.Helper()
	ctlParentR, ctlOut := io.Pipe()
	ctlIn, ctlParentW := io.Pipe()
	payParentR, payOut := io.Pipe()
	payIn, payParentW := io.Pipe()

	fw := &fakeWorker{
		pid: pid,
		parent: WorkerPipes{
			ChannelReader: ctlParentR,
			ChannelWriter: ctlParentW,
			PayloadReader: payParentR,
			PayloadWriter: payParentW,
		},
		ctlOut:    ctlOut,
		ctlIn:     ctlIn,
		payOut:    payOut,
		payIn:     payIn,
		done:      make(chan struct{}),
		responses: make(map[string]any),
		hooks:     make(map[string]func(wireMessage)),
		holds:     make(map[string]bool),
	}
	t.Cleanup(func() { fw.exit(ExitStatus{}) })
	return fw
}

func (fw *fakeWorker) start() {
	fw.startOnce.Do(func() {
		go fw.serveControl()
		go fw.servePayload()
	})
}

func (fw *fakeWorker) serveControl() {
	frames := channel.NewFrameReader(fw.ctlIn, math.MaxInt32)
	for {
		body, err := frames.Next()
		if err != nil {
			return
		}
		var msg wireMessage
		if json.Unmarshal(body, &msg) != nil {
			continue
		}
		if fw.record(msg) {
			fw.respond(fw.ctlOut, &fw.ctlMu, msg)
		}
	}
}

func (fw *fakeWorker) servePayload() {
	frames := channel.NewFrameReader(fw.payIn, math.MaxInt32)
	for {
		header, err := frames.Next()
		if err != nil {
			return
		}
		payload, err := frames.Next()
		if err != nil {
			return
		}
		var msg wireMessage
		if json.Unmarshal(header, &msg) != nil {
			continue
		}
		msg.Payload = payload
		if fw.record(msg) {
			fw.respond(fw.payOut, &fw.payMu, msg)
		}
	}
}

// record stores msg and reports whether it needs a response now.
func (fw *fakeWorker) record(msg wireMessage) bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.received = append(fw.received, msg)
	if msg.Method == "" {
		return false
	}
	if fw.holds[msg.Method] {
		fw.held = append(fw.held, msg)
		return false
	}
	return true
}

func (fw *fakeWorker) respond(w io.Writer, mu *sync.Mutex, req wireMessage) {
	fw.mu.Lock()
	hook := fw.hooks[req.Method]
	resp, ok := fw.responses[req.Method]
	fw.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	msg := map[string]any{"id": req.ID, "accepted": true}
	switch {
	case !ok:
		msg["data"] = map[string]any{}
	case resp == noData:
	default:
		if rej, isRej := resp.(rejection); isRej {
			msg = map[string]any{"id": req.ID, "error": rej.kind, "reason": rej.reason}
		} else {
			msg["data"] = resp
		}
	}
	_ = fw.write(w, mu, msg, nil)
}

func (fw *fakeWorker) write(w io.Writer, mu *sync.Mutex, v any, payload []byte) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	if err := channel.WriteFrame(w, body); err != nil {
		return err
	}
	if payload != nil {
		return channel.WriteFrame(w, payload)
	}
	return nil
}

// respondWith sets the response body of a method.
func (fw *fakeWorker) respondWith(method string, data any) {
	fw.mu.Lock()
	fw.responses[method] = data
	fw.mu.Unlock()
}

// beforeResponse runs fn on the serving goroutine before a method is answered.
func (fw *fakeWorker) beforeResponse(method string, fn func(wireMessage)) {
	fw.mu.Lock()
	fw.hooks[method] = fn
	fw.mu.Unlock()
}

// hold leaves requests of a method unanswered.
func (fw *fakeWorker) hold(method string) {
	fw.mu.Lock()
	fw.holds[method] = true
	fw.mu.Unlock()
}

func (fw *fakeWorker) heldCount() int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return len(fw.held)
}

// notify sends a control channel notification.
func (fw *fakeWorker) notify(target, event string, data any) {
	msg := map[string]any{"targetId": target, "event": event}
	if data != nil {
		msg["data"] = data
	}
	_ = fw.write(fw.ctlOut, &fw.ctlMu, msg, nil)
}

// notifyPayload sends a payload channel notification.
func (fw *fakeWorker) notifyPayload(target, event string, data any, payload []byte) {
	msg := map[string]any{"targetId": target, "event": event}
	if data != nil {
		msg["data"] = data
	}
	_ = fw.write(fw.payOut, &fw.payMu, msg, payload)
}

// messages returns everything received under a method or event name.
func (fw *fakeWorker) messages(name string) []wireMessage {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	var out []wireMessage
	for _, m := range fw.received {
		if m.name() == name {
			out = append(out, m)
		}
	}
	return out
}

func (fw *fakeWorker) count(name string) int {
	return len(fw.messages(name))
}

// waitMessage waits for the first message with the given name.
func (fw *fakeWorker) waitMessage(t *testing.T, name string) wireMessage {
	t.Helper()
	waitUntil(t, name, func() bool { return fw.count(name) > 0 })
	return fw.messages(name)[0]
}

// exit ends the fake process with status. Both channels see EOF.
func (fw *fakeWorker) exit(status ExitStatus) {
	fw.exitOnce.Do(func() {
		fw.mu.Lock()
		fw.status = status
		fw.mu.Unlock()
		close(fw.done)
		fw.ctlOut.Close()
		fw.payOut.Close()
		fw.ctlIn.Close()
		fw.payIn.Close()
	})
}

func (fw *fakeWorker) Pid() int { return fw.pid }

func (fw *fakeWorker) Pipes() WorkerPipes { return fw.parent }

func (fw *fakeWorker) Done() <-chan struct{} { return fw.done }

func (fw *fakeWorker) ExitStatus() ExitStatus {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.status
}

func (fw *fakeWorker) Stop() {
	fw.mu.Lock()
	fw.stops++
	fw.mu.Unlock()
	fw.exit(ExitStatus{})
}

func (fw *fakeWorker) stopCount() int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.stops
}

// fakeSpawner hands out one fake worker. By default the worker announces
// running as soon as it is spawned.
type fakeSpawner struct {
	fw *fakeWorker
	// firstEvent replaces "running"; "-" sends nothing.
	firstEvent string
	// exitStatus makes the worker exit instead of announcing anything.
	exitStatus *ExitStatus

	mu     sync.Mutex
	args   []string
	spawns int
}

func (s *fakeSpawner) Spawn(_ context.Context, args []string) (Subprocess, error) {
	s.mu.Lock()
	s.args = args
	s.spawns++
	s.mu.Unlock()
	announce(s.fw, s.firstEvent, s.exitStatus)
	return s.fw, nil
}

func announce(fw *fakeWorker, firstEvent string, exitStatus *ExitStatus) {
	fw.start()
	switch {
	case exitStatus != nil:
		go fw.exit(*exitStatus)
	case firstEvent == "-":
	case firstEvent == "":
		go fw.notify(strconv.Itoa(fw.pid), "running", nil)
	default:
		go fw.notify(strconv.Itoa(fw.pid), firstEvent, nil)
	}
}

func startWorker(t *testing.T) (*Worker, *fakeWorker) {
	t.Helper()
	fw := newFakeWorker(t, 4242)
	w, err := NewWorker(context.Background(), &fakeSpawner{fw: fw}, DefaultWorkerSettings(),
		WithWorkerLogger(testLogger()), WithWorkerRequestTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("NewWorker failed: %v", err)
	}
	t.Cleanup(w.Close)
	return w, fw
}

// waitUntil polls cond for up to two seconds.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// recorder collects event names from callbacks on any goroutine.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	r.events = append(r.events, name)
	r.mu.Unlock()
}

func (r *recorder) fn(name string) func() {
	return func() { r.add(name) }
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) count(name string) int {
	n := 0
	for _, e := range r.list() {
		if e == name {
			n++
		}
	}
	return n
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return c
}
