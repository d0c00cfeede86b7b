package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/smazurov/workerctl/internal/events"
)

// registerMetricsRoutes registers the worker usage SSE endpoint.
func (s *Server) registerMetricsRoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "metrics-stream",
		Method:      http.MethodGet,
		Path:        "/api/metrics",
		Summary:     "Worker Usage Stream",
		Description: "Periodic resource usage samples of every worker",
		Tags:        []string{"metrics"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"worker-usage": events.WorkerUsageEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		eventCh := make(chan any, 10)
		unsubscribe := events.SubscribeToChannel[events.WorkerUsageEvent](s.eventBus, eventCh)
		defer unsubscribe()

		streamEvents(ctx, eventCh, send)
	})
}
