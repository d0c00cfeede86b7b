// Package sfu controls a media worker subprocess through typed resource
// handles.
//
// # Resource graph
//
//	Worker
//	└── Router
//	    ├── Transport (webrtc, plain, pipe, direct)
//	    │   ├── Producer
//	    │   ├── Consumer       bound to a Producer
//	    │   ├── DataProducer
//	    │   └── DataConsumer   bound to a DataProducer
//	    └── RtpObserver (audio level, active speaker)
//
// Every handle keeps its parent alive. A parent never references its
// children's handles, only removable callbacks over their state, so a
// resource nobody holds any more is garbage and its cleanup closes it in
// the worker. Use Downgrade for a reference that does not keep a resource
// open.
//
// # Closing
//
// Close is idempotent and safe from any goroutine. Closing a resource
// closes its descendants first and then fires its own close event exactly
// once. Only the resource Close was called on sends a close request to the
// worker; descendants are torn down locally because the worker removes
// them along with their parent. A consumer also closes when its producer
// closes, reporting it through OnProducerClose.
//
// When the subprocess exits without Close, the worker fires OnDied with
// the exit status and then closes everything. Pending requests fail with
// channel.ErrChannelClosed. Operations on closed handles return ErrClosed
// without contacting the worker.
//
// # Events
//
// Callbacks registered with the On methods run on the channel's dispatch
// goroutine or on the goroutine that triggered a close. They must not
// block on requests to the same worker. Each On method returns a
// HandlerID whose Remove detaches the callback.
//
// # Direct transports
//
// Direct transports exchange media and data with this process over the
// payload channel: Producer.Send and Consumer.OnRtp carry RTP packets,
// Transport.SendRtcp and Transport.OnRtcp carry RTCP, DataProducer.Send
// and DataConsumer.OnMessage carry data channel messages.
package sfu
