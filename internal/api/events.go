package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/smazurov/workerctl/internal/events"
)

// workerEventTypes maps SSE event names to payloads of the worker lifecycle stream.
var workerEventTypes = map[string]any{
	"worker-started":   events.WorkerStartedEvent{},
	"worker-died":      events.WorkerDiedEvent{},
	"worker-closed":    events.WorkerClosedEvent{},
	"router-created":   events.RouterCreatedEvent{},
	"settings-applied": events.SettingsAppliedEvent{},
}

// streamEvents forwards events from eventCh until the client goes away.
func streamEvents(ctx context.Context, eventCh <-chan any, send sse.Sender) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-eventCh:
			if err := send.Data(ev); err != nil {
				return
			}
		}
	}
}

// registerSSERoutes registers the worker lifecycle event stream.
func (s *Server) registerSSERoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Server-Sent Events Stream",
		Description: "Real-time stream of worker starts, deaths, closes, new routers and settings updates",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, workerEventTypes, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		eventCh := make(chan any, 32)

		unsubscribers := []func(){
			events.SubscribeToChannel[events.WorkerStartedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.WorkerDiedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.WorkerClosedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.RouterCreatedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.SettingsAppliedEvent](s.eventBus, eventCh),
		}
		defer func() {
			for _, unsub := range unsubscribers {
				unsub()
			}
		}()

		streamEvents(ctx, eventCh, send)
	})
}
