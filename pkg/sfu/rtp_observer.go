package sfu

import (
	"context"
	"runtime"
	"sync"
	"weak"

	"github.com/smazurov/workerctl/pkg/channel"
)

// RtpObserverType tells audio level observers from active speaker observers.
type RtpObserverType string

// RTP observer types.
const (
	RtpObserverTypeAudioLevel    RtpObserverType = "audiolevel"
	RtpObserverTypeActiveSpeaker RtpObserverType = "activespeaker"
)

// AudioLevelObserverOptions configure CreateAudioLevelObserver. Zero
// values take the defaults: 1 entry, -80 dBov, 1000 ms.
type AudioLevelObserverOptions struct {
	MaxEntries uint16
	Threshold  int8
	Interval   uint16
	AppData    any
}

// ActiveSpeakerObserverOptions configure CreateActiveSpeakerObserver. A zero
// Interval means 300 ms.
type ActiveSpeakerObserverOptions struct {
	Interval uint16
	AppData  any
}

// AudioLevelVolume is the average volume of one producer over the interval.
type AudioLevelVolume struct {
	Producer *Producer
	Volume   int8
}

// DominantSpeaker is the producer of the current dominant speaker.
type DominantSpeaker struct {
	Producer *Producer
}

type audioLevelObserverData struct {
	MaxEntries uint16 `json:"maxEntries"`
	Threshold  int8   `json:"threshold"`
	Interval   uint16 `json:"interval"`
}

type activeSpeakerObserverData struct {
	Interval uint16 `json:"interval"`
}

type producerIDData struct {
	ProducerID ProducerID `json:"producerId"`
}

// RtpObserver inspects the media of the producers added to it. It keeps
// its router alive.
type RtpObserver struct {
	state  *rtpObserverState
	router *Router
}

type rtpObserverState struct {
	lifecycle

	id      RtpObserverID
	typ     RtpObserverType
	appData any
	router  *routerState
	ch      *channel.Channel

	mu     sync.RWMutex
	paused bool

	volumes         bag[func([]AudioLevelVolume)]
	silence         bag[func()]
	dominantSpeaker bag[func(DominantSpeaker)]
	pause           bag[func()]
	resume          bag[func()]
	addProducer     bag[func(*Producer)]
	removeProducer  bag[func(*Producer)]
	routerClose     bagOnce[func()]
}

// CreateAudioLevelObserver creates an observer reporting the volume of the
// loudest audio producers.
func (r *Router) CreateAudioLevelObserver(ctx context.Context, opts AudioLevelObserverOptions) (*RtpObserver, error) {
	data := audioLevelObserverData{MaxEntries: opts.MaxEntries, Threshold: opts.Threshold, Interval: opts.Interval}
	if data.MaxEntries == 0 {
		data.MaxEntries = 1
	}
	if data.Threshold == 0 {
		data.Threshold = -80
	}
	if data.Interval == 0 {
		data.Interval = 1000
	}
	return r.createRtpObserver(ctx, RtpObserverTypeAudioLevel, "router.createAudioLevelObserver", data, opts.AppData)
}

// CreateActiveSpeakerObserver creates an observer reporting the dominant speaker.
func (r *Router) CreateActiveSpeakerObserver(ctx context.Context, opts ActiveSpeakerObserverOptions) (*RtpObserver, error) {
	data := activeSpeakerObserverData{Interval: opts.Interval}
	if data.Interval == 0 {
		data.Interval = 300
	}
	return r.createRtpObserver(ctx, RtpObserverTypeActiveSpeaker, "router.createActiveSpeakerObserver", data, opts.AppData)
}

func (r *Router) createRtpObserver(ctx context.Context, typ RtpObserverType, method string, data, appData any) (*RtpObserver, error) {
	s := r.state
	if s.isClosed() {
		return nil, ErrClosed
	}
	id := newRtpObserverID()
	guard := s.ch.BufferMessagesFor(id.String())
	defer guard.Release()

	internal := rtpObserverInternal{RouterID: s.id, RtpObserverID: id}
	if err := s.ch.Request(ctx, method, internal, data, nil); err != nil {
		return nil, err
	}

	o := newRtpObserver(r, id, typ, appData)
	s.newRtpObserver.call(func(fn func(*RtpObserver)) { fn(o) })
	return o, nil
}

func newRtpObserver(r *Router, id RtpObserverID, typ RtpObserverType, appData any) *RtpObserver {
	rs := r.state
	s := &rtpObserverState{
		id:      id,
		typ:     typ,
		appData: appData,
		router:  rs,
		ch:      rs.ch,
	}
	s.init("rtp_observer", rs.logger.With("rtp_observer_id", id.String(), "rtp_observer_type", string(typ)))

	s.holdSubscription(s.ch.Subscribe(id.String(), s.handleNotification))
	hook := rs.addChild(func() {
		s.shutdown(func() { fire(&s.routerClose) }, nil)
	})
	s.deferRelease(hook.Remove)

	o := &RtpObserver{state: s, router: r}
	runtime.AddCleanup(o, (*rtpObserverState).closeLocal, s)
	return o
}

func (s *rtpObserverState) internal() rtpObserverInternal {
	return rtpObserverInternal{RouterID: s.router.id, RtpObserverID: s.id}
}

func (s *rtpObserverState) closeLocal() {
	s.shutdown(nil, closeRequest(s.ch, s.logger, "rtpObserver.close", s.internal()))
}

func (s *rtpObserverState) handleNotification(n channel.Notification) {
	switch n.Event {
	case "volumes":
		var entries []struct {
			ProducerID ProducerID `json:"producerId"`
			Volume     int8       `json:"volume"`
		}
		if !decodeNotification(s.logger, n, &entries) {
			return
		}
		volumes := make([]AudioLevelVolume, 0, len(entries))
		for _, e := range entries {
			if p := s.router.producer(e.ProducerID); p != nil {
				volumes = append(volumes, AudioLevelVolume{Producer: p, Volume: e.Volume})
			}
		}
		if len(volumes) > 0 {
			s.volumes.call(func(fn func([]AudioLevelVolume)) { fn(volumes) })
		}
	case "silence":
		s.silence.call(func(fn func()) { fn() })
	case "dominantspeaker":
		var d producerIDData
		if !decodeNotification(s.logger, n, &d) {
			return
		}
		p := s.router.producer(d.ProducerID)
		if p == nil {
			s.logger.Debug("Dominant speaker producer is gone", "producer_id", d.ProducerID.String())
			return
		}
		s.dominantSpeaker.call(func(fn func(DominantSpeaker)) { fn(DominantSpeaker{Producer: p}) })
	default:
		s.logger.Error("Ignoring unknown event", "event", n.Event)
	}
}

// ID is the observer identifier.
func (o *RtpObserver) ID() RtpObserverID { return o.state.id }

// Type is audiolevel or activespeaker.
func (o *RtpObserver) Type() RtpObserverType { return o.state.typ }

// AppData is the application data given at creation.
func (o *RtpObserver) AppData() any { return o.state.appData }

// Router returns the router the observer was created on.
func (o *RtpObserver) Router() *Router { return o.router }

// Closed reports whether the observer is closed.
func (o *RtpObserver) Closed() bool { return o.state.isClosed() }

// Close closes the observer.
func (o *RtpObserver) Close() { o.state.closeLocal() }

// Downgrade returns a weak reference that does not keep the observer open.
func (o *RtpObserver) Downgrade() Weak[RtpObserver] {
	return Weak[RtpObserver]{p: weak.Make(o)}
}

// Paused reports whether the observer is paused.
func (o *RtpObserver) Paused() bool {
	o.state.mu.RLock()
	defer o.state.mu.RUnlock()
	return o.state.paused
}

// Pause stops the observer.
func (o *RtpObserver) Pause(ctx context.Context) error {
	return o.state.setPaused(ctx, true)
}

// Resume restarts the observer.
func (o *RtpObserver) Resume(ctx context.Context) error {
	return o.state.setPaused(ctx, false)
}

func (s *rtpObserverState) setPaused(ctx context.Context, paused bool) error {
	if s.isClosed() {
		return ErrClosed
	}
	method := "rtpObserver.resume"
	if paused {
		method = "rtpObserver.pause"
	}
	if err := s.ch.Request(ctx, method, s.internal(), nil, nil); err != nil {
		return err
	}
	s.mu.Lock()
	changed := s.paused != paused
	s.paused = paused
	s.mu.Unlock()
	if !changed {
		return nil
	}
	if paused {
		s.pause.call(func(fn func()) { fn() })
	} else {
		s.resume.call(func(fn func()) { fn() })
	}
	return nil
}

// AddProducer starts observing the producer.
func (o *RtpObserver) AddProducer(ctx context.Context, id ProducerID) error {
	s := o.state
	if s.isClosed() {
		return ErrClosed
	}
	p := s.router.producer(id)
	if p == nil {
		return ErrProducerNotFound
	}
	if err := s.ch.Request(ctx, "rtpObserver.addProducer", s.internal(), producerIDData{ProducerID: id}, nil); err != nil {
		return err
	}
	s.addProducer.call(func(fn func(*Producer)) { fn(p) })
	return nil
}

// RemoveProducer stops observing the producer.
func (o *RtpObserver) RemoveProducer(ctx context.Context, id ProducerID) error {
	s := o.state
	if s.isClosed() {
		return ErrClosed
	}
	p := s.router.producer(id)
	if p == nil {
		return ErrProducerNotFound
	}
	if err := s.ch.Request(ctx, "rtpObserver.removeProducer", s.internal(), producerIDData{ProducerID: id}, nil); err != nil {
		return err
	}
	s.removeProducer.call(func(fn func(*Producer)) { fn(p) })
	return nil
}

// OnVolumes registers fn for audio level reports.
func (o *RtpObserver) OnVolumes(fn func([]AudioLevelVolume)) HandlerID {
	return o.state.volumes.add(fn)
}

// OnSilence registers fn for intervals without audio above the threshold.
func (o *RtpObserver) OnSilence(fn func()) HandlerID {
	return o.state.silence.add(fn)
}

// OnDominantSpeaker registers fn for dominant speaker changes.
func (o *RtpObserver) OnDominantSpeaker(fn func(DominantSpeaker)) HandlerID {
	return o.state.dominantSpeaker.add(fn)
}

// OnPause registers fn for the observer being paused.
func (o *RtpObserver) OnPause(fn func()) HandlerID {
	return o.state.pause.add(fn)
}

// OnResume registers fn for the observer being resumed.
func (o *RtpObserver) OnResume(fn func()) HandlerID {
	return o.state.resume.add(fn)
}

// OnAddProducer registers fn for producers added to the observer.
func (o *RtpObserver) OnAddProducer(fn func(*Producer)) HandlerID {
	return o.state.addProducer.add(fn)
}

// OnRemoveProducer registers fn for producers removed from the observer.
func (o *RtpObserver) OnRemoveProducer(fn func(*Producer)) HandlerID {
	return o.state.removeProducer.add(fn)
}

// OnRouterClose registers fn for the observer being closed by its router.
func (o *RtpObserver) OnRouterClose(fn func()) HandlerID {
	return o.state.routerClose.add(fn)
}

// OnClose registers fn for the observer close, calling it in place if it is
// already closed.
func (o *RtpObserver) OnClose(fn func()) HandlerID {
	return o.state.addCloseHandler(fn)
}
