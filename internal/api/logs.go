package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/smazurov/workerctl/internal/api/models"
	"github.com/smazurov/workerctl/internal/events"
	"github.com/smazurov/workerctl/internal/logging"
)

var levelRank = map[string]int{"debug": 0, "info": 1, "warn": 2, "error": 3}

func logEntryModel(e logging.LogEntry) models.LogEntry {
	return models.LogEntry{
		Seq:        e.Seq,
		Timestamp:  e.Timestamp.Format(time.RFC3339Nano),
		Level:      e.Level,
		Module:     e.Module,
		Message:    e.Message,
		Attributes: e.Attributes,
	}
}

func logEntryEvent(e logging.LogEntry) events.LogEntryEvent {
	return events.LogEntryEvent{
		Seq:        e.Seq,
		Timestamp:  e.Timestamp.Format(time.RFC3339Nano),
		Level:      e.Level,
		Module:     e.Module,
		Message:    e.Message,
		Attributes: e.Attributes,
	}
}

// PublishLogs returns a log callback that republishes entries on bus for
// the log stream.
func PublishLogs(bus *events.Bus) logging.LogCallback {
	return func(e logging.LogEntry) {
		bus.Publish(logEntryEvent(e))
	}
}

func matchLog(e logging.LogEntry, module, level string) bool {
	if module != "" && e.Module != module {
		return false
	}
	if level != "" && levelRank[e.Level] < levelRank[level] {
		return false
	}
	return true
}

// registerLogRoutes registers the buffered log query and the log stream.
func (s *Server) registerLogRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-logs",
		Method:      http.MethodGet,
		Path:        "/api/logs",
		Summary:     "Logs",
		Description: "Return buffered log entries, optionally filtered by sequence, module and level",
		Tags:        []string{"logs"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, input *models.LogsInput) (*models.LogsResponse, error) {
		entries := []models.LogEntry{}
		if buffer := logging.GetBuffer(); buffer != nil {
			for _, e := range buffer.Since(input.Since) {
				if matchLog(e, input.Module, input.Level) {
					entries = append(entries, logEntryModel(e))
				}
			}
		}
		return &models.LogsResponse{
			Body: models.LogsData{Entries: entries, Count: len(entries)},
		}, nil
	})

	sse.Register(s.api, huma.Operation{
		OperationID: "logs-stream",
		Method:      http.MethodGet,
		Path:        "/api/logs/stream",
		Summary:     "Log Stream",
		Description: "Real-time log streaming via Server-Sent Events. Sends buffered logs first, then streams new ones.",
		Tags:        []string{"logs"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"message": events.LogEntryEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		// Subscribe before reading the buffer; seq drops the overlap.
		eventCh := make(chan any, 100)
		unsubscribe := events.SubscribeToChannel[events.LogEntryEvent](s.eventBus, eventCh)
		defer unsubscribe()

		var last uint64
		if buffer := logging.GetBuffer(); buffer != nil {
			for _, entry := range buffer.ReadAll() {
				if err := send.Data(logEntryEvent(entry)); err != nil {
					return
				}
				last = entry.Seq
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-eventCh:
				if e, ok := ev.(events.LogEntryEvent); ok && e.Seq <= last {
					continue
				}
				if err := send.Data(ev); err != nil {
					return
				}
			}
		}
	})
}
