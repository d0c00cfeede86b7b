package sfu

import (
	"context"
	"encoding/json"
	"runtime"
	"sync"
	"weak"

	"github.com/smazurov/workerctl/pkg/channel"
)

// RouterOptions configure CreateRouter.
type RouterOptions struct {
	// RtpCapabilities advertised by the router, kept opaque.
	RtpCapabilities json.RawMessage
	AppData         any
}

// RouterDump is the worker's view of a router.
type RouterDump struct {
	ID                               RouterID            `json:"id"`
	TransportIDs                     []TransportID       `json:"transportIds"`
	RtpObserverIDs                   []RtpObserverID     `json:"rtpObserverIds"`
	MapProducerIDConsumerIDs         map[string][]string `json:"mapProducerIdConsumerIds"`
	MapConsumerIDProducerID          map[string]string   `json:"mapConsumerIdProducerId"`
	MapProducerIDObserverIDs         map[string][]string `json:"mapProducerIdObserverIds"`
	MapDataProducerIDDataConsumerIDs map[string][]string `json:"mapDataProducerIdDataConsumerIds"`
	MapDataConsumerIDDataProducerID  map[string]string   `json:"mapDataConsumerIdDataProducerId"`
}

// Router routes media between transports. It keeps its worker alive.
type Router struct {
	state  *routerState
	worker *Worker
}

type routerState struct {
	lifecycle

	id              RouterID
	workerPid       int
	rtpCapabilities json.RawMessage
	appData         any
	ch              *channel.Channel
	pch             *channel.PayloadChannel

	newTransport   bag[func(*Transport)]
	newRtpObserver bag[func(*RtpObserver)]
	workerClose    bagOnce[func()]

	mu            sync.Mutex
	producers     map[ProducerID]weak.Pointer[Producer]
	dataProducers map[DataProducerID]weak.Pointer[DataProducer]
}

func newRouter(w *Worker, id RouterID, opts RouterOptions) *Router {
	ws := w.state
	s := &routerState{
		id:              id,
		workerPid:       ws.pid,
		rtpCapabilities: opts.RtpCapabilities,
		appData:         opts.AppData,
		ch:              ws.ch,
		pch:             ws.pch,
		producers:       make(map[ProducerID]weak.Pointer[Producer]),
		dataProducers:   make(map[DataProducerID]weak.Pointer[DataProducer]),
	}
	s.init("router", ws.logger.With("router_id", id.String()))

	hook := ws.addChild(func() {
		s.shutdown(func() { fire(&s.workerClose) }, nil)
	})
	s.deferRelease(hook.Remove)

	r := &Router{state: s, worker: w}
	runtime.AddCleanup(r, (*routerState).closeLocal, s)
	return r
}

func (s *routerState) closeLocal() {
	s.shutdown(nil, closeRequest(s.ch, s.logger, "router.close", routerInternal{RouterID: s.id}))
}

func (s *routerState) registerProducer(p *Producer) {
	id := p.state.id
	s.mu.Lock()
	s.producers[id] = weak.Make(p)
	s.mu.Unlock()
	p.state.deferRelease(func() {
		s.mu.Lock()
		delete(s.producers, id)
		s.mu.Unlock()
	})
}

func (s *routerState) registerDataProducer(p *DataProducer) {
	id := p.state.id
	s.mu.Lock()
	s.dataProducers[id] = weak.Make(p)
	s.mu.Unlock()
	p.state.deferRelease(func() {
		s.mu.Lock()
		delete(s.dataProducers, id)
		s.mu.Unlock()
	})
}

func (s *routerState) producer(id ProducerID) *Producer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.producers[id].Value()
}

func (s *routerState) dataProducer(id DataProducerID) *DataProducer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataProducers[id].Value()
}

// ID is the router identifier.
func (r *Router) ID() RouterID {
	return r.state.id
}

// WorkerPid is the pid of the worker hosting the router.
func (r *Router) WorkerPid() int {
	return r.state.workerPid
}

// Worker returns the worker hosting the router.
func (r *Router) Worker() *Worker {
	return r.worker
}

// RtpCapabilities returns the capabilities given at creation.
func (r *Router) RtpCapabilities() json.RawMessage {
	return r.state.rtpCapabilities
}

// AppData is the application data given at creation.
func (r *Router) AppData() any {
	return r.state.appData
}

// Closed reports whether the router is closed.
func (r *Router) Closed() bool {
	return r.state.isClosed()
}

// Close closes the router and everything created on it.
func (r *Router) Close() {
	r.state.closeLocal()
}

// Producer returns a live producer of this router, or nil.
func (r *Router) Producer(id ProducerID) *Producer {
	return r.state.producer(id)
}

// DataProducer returns a live data producer of this router, or nil.
func (r *Router) DataProducer(id DataProducerID) *DataProducer {
	return r.state.dataProducer(id)
}

// Downgrade returns a weak reference that does not keep the router open.
func (r *Router) Downgrade() Weak[Router] {
	return Weak[Router]{p: weak.Make(r)}
}

// Dump returns the worker's view of the router.
func (r *Router) Dump(ctx context.Context) (*RouterDump, error) {
	s := r.state
	if s.isClosed() {
		return nil, ErrClosed
	}
	var dump RouterDump
	if err := s.ch.Request(ctx, "router.dump", routerInternal{RouterID: s.id}, nil, &dump); err != nil {
		return nil, err
	}
	return &dump, nil
}

// CreateWebRtcTransport creates an ICE/DTLS transport.
func (r *Router) CreateWebRtcTransport(ctx context.Context, opts WebRtcTransportOptions) (*Transport, error) {
	return r.createTransport(ctx, TransportKindWebRtc, "router.createWebRtcTransport", opts, opts.AppData)
}

// CreatePlainTransport creates a plain RTP transport.
func (r *Router) CreatePlainTransport(ctx context.Context, opts PlainTransportOptions) (*Transport, error) {
	return r.createTransport(ctx, TransportKindPlain, "router.createPlainTransport", opts, opts.AppData)
}

// CreatePipeTransport creates a transport for piping media between routers.
func (r *Router) CreatePipeTransport(ctx context.Context, opts PipeTransportOptions) (*Transport, error) {
	return r.createTransport(ctx, TransportKindPipe, "router.createPipeTransport", opts, opts.AppData)
}

// CreateDirectTransport creates a transport whose media is exchanged with
// this process over the payload channel.
func (r *Router) CreateDirectTransport(ctx context.Context, opts DirectTransportOptions) (*Transport, error) {
	if opts.MaxMessageSize == 0 {
		opts.MaxMessageSize = 262144
	}
	return r.createTransport(ctx, TransportKindDirect, "router.createDirectTransport", directTransportData{
		Direct:         true,
		MaxMessageSize: opts.MaxMessageSize,
	}, opts.AppData)
}

type directTransportData struct {
	Direct         bool   `json:"direct"`
	MaxMessageSize uint32 `json:"maxMessageSize"`
}

func (r *Router) createTransport(ctx context.Context, kind TransportKind, method string, data, appData any) (*Transport, error) {
	s := r.state
	if s.isClosed() {
		return nil, ErrClosed
	}
	id := newTransportID()

	// Hold early notifications until the transport has subscribed.
	guard := s.ch.BufferMessagesFor(id.String())
	defer guard.Release()
	payloadGuard := s.pch.BufferMessagesFor(id.String())
	defer payloadGuard.Release()

	var resp transportData
	internal := transportInternal{RouterID: s.id, TransportID: id}
	if err := s.ch.Request(ctx, method, internal, data, &resp); err != nil {
		return nil, err
	}

	t := newTransport(r, id, kind, resp, appData)
	s.newTransport.call(func(fn func(*Transport)) { fn(t) })
	return t, nil
}

// OnNewTransport registers fn for every transport created on the router.
func (r *Router) OnNewTransport(fn func(*Transport)) HandlerID {
	return r.state.newTransport.add(fn)
}

// OnNewRtpObserver registers fn for every RTP observer created on the router.
func (r *Router) OnNewRtpObserver(fn func(*RtpObserver)) HandlerID {
	return r.state.newRtpObserver.add(fn)
}

// OnWorkerClose registers fn for the router being closed by its worker.
func (r *Router) OnWorkerClose(fn func()) HandlerID {
	return r.state.workerClose.add(fn)
}

// OnClose registers fn for the router close, calling it in place if the
// router is already closed.
func (r *Router) OnClose(fn func()) HandlerID {
	return r.state.addCloseHandler(fn)
}

// Weak is a reference to a resource handle that does not keep it open.
type Weak[T any] struct {
	p weak.Pointer[T]
}

// Upgrade returns the handle, or nil once every strong handle is gone.
func (w Weak[T]) Upgrade() *T {
	return w.p.Value()
}
