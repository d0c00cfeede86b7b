package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/workerctl/internal/api/models"
	"github.com/smazurov/workerctl/internal/metrics"
	"github.com/smazurov/workerctl/pkg/sfu"
)

// Worker is the part of *sfu.Worker the API needs.
type Worker interface {
	Pid() int
	Closed() bool
	Dump(ctx context.Context) (*sfu.WorkerDump, error)
	GetResourceUsage(ctx context.Context) (*sfu.WorkerResourceUsage, error)
	Close()
}

// WorkerService lists workers and applies settings to all of them.
type WorkerService interface {
	Workers() []Worker
	Worker(pid int) Worker
	UpdateSettings(ctx context.Context, settings sfu.WorkerUpdateSettings) error
}

type managerService struct {
	m *sfu.WorkerManager
}

// ManagerService exposes m to the API.
func ManagerService(m *sfu.WorkerManager) WorkerService {
	return managerService{m}
}

func (s managerService) Workers() []Worker {
	ws := s.m.Workers()
	out := make([]Worker, len(ws))
	for i, w := range ws {
		out[i] = w
	}
	return out
}

func (s managerService) Worker(pid int) Worker {
	if w := s.m.Worker(pid); w != nil {
		return w
	}
	return nil
}

func (s managerService) UpdateSettings(ctx context.Context, settings sfu.WorkerUpdateSettings) error {
	return s.m.UpdateSettings(ctx, settings)
}

func (s *Server) lookupWorker(pid int) (Worker, error) {
	if s.workers == nil {
		return nil, huma.Error404NotFound("no workers configured")
	}
	w := s.workers.Worker(pid)
	if w == nil {
		return nil, huma.Error404NotFound("worker not found")
	}
	return w, nil
}

// workerError maps channel failures to HTTP statuses.
func workerError(err error) error {
	switch {
	case errors.Is(err, sfu.ErrClosed):
		return huma.Error410Gone("worker closed", err)
	case errors.Is(err, context.DeadlineExceeded):
		return huma.Error504GatewayTimeout("worker did not respond", err)
	default:
		return huma.Error502BadGateway("worker request failed", err)
	}
}

func (s *Server) registerWorkerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-workers",
		Method:      http.MethodGet,
		Path:        "/api/workers",
		Summary:     "List Workers",
		Description: "List running workers and the resources open on them",
		Tags:        []string{"workers"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.WorkerListResponse, error) {
		list := []models.WorkerInfo{}
		if s.workers != nil {
			for _, w := range s.workers.Workers() {
				list = append(list, models.WorkerInfo{Pid: w.Pid(), Closed: w.Closed()})
			}
		}
		return &models.WorkerListResponse{
			Body: models.WorkerListData{
				Workers:   list,
				Count:     len(list),
				Resources: metrics.OpenResources(),
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-worker-dump",
		Method:      http.MethodGet,
		Path:        "/api/workers/{pid}/dump",
		Summary:     "Dump Worker",
		Description: "Ask the worker for its internal state",
		Tags:        []string{"workers"},
		Security:    withAuth(),
		Errors:      []int{401, 404, 410, 502, 504},
	}, func(ctx context.Context, input *models.WorkerPathInput) (*models.WorkerDumpResponse, error) {
		w, err := s.lookupWorker(input.Pid)
		if err != nil {
			return nil, err
		}
		dump, err := w.Dump(ctx)
		if err != nil {
			return nil, workerError(err)
		}
		ids := make([]string, len(dump.RouterIDs))
		for i, id := range dump.RouterIDs {
			ids[i] = id.String()
		}
		return &models.WorkerDumpResponse{
			Body: models.WorkerDumpData{Pid: dump.Pid, RouterIDs: ids},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-worker-resource-usage",
		Method:      http.MethodGet,
		Path:        "/api/workers/{pid}/resource-usage",
		Summary:     "Worker Resource Usage",
		Description: "Ask the worker for its getrusage(2) counters",
		Tags:        []string{"workers"},
		Security:    withAuth(),
		Errors:      []int{401, 404, 410, 502, 504},
	}, func(ctx context.Context, input *models.WorkerPathInput) (*models.WorkerUsageResponse, error) {
		w, err := s.lookupWorker(input.Pid)
		if err != nil {
			return nil, err
		}
		usage, err := w.GetResourceUsage(ctx)
		if err != nil {
			return nil, workerError(err)
		}
		return &models.WorkerUsageResponse{Body: usage}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "close-worker",
		Method:        http.MethodDelete,
		Path:          "/api/workers/{pid}",
		Summary:       "Close Worker",
		Description:   "Close a worker and every router on it",
		Tags:          []string{"workers"},
		Security:      withAuth(),
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{401, 404},
	}, func(_ context.Context, input *models.WorkerPathInput) (*struct{}, error) {
		w, err := s.lookupWorker(input.Pid)
		if err != nil {
			return nil, err
		}
		w.Close()
		return nil, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "update-worker-settings",
		Method:      http.MethodPut,
		Path:        "/api/workers/settings",
		Summary:     "Update Worker Settings",
		Description: "Apply a log level and log tags to every running worker",
		Tags:        []string{"workers"},
		Security:    withAuth(),
		Errors:      []int{401, 422},
	}, func(ctx context.Context, input *models.WorkerSettingsRequest) (*models.WorkerSettingsResponse, error) {
		level, err := sfu.ParseWorkerLogLevel(input.Body.LogLevel)
		if err != nil {
			return nil, huma.Error422UnprocessableEntity(err.Error())
		}
		tags := make([]sfu.WorkerLogTag, len(input.Body.LogTags))
		for i, t := range input.Body.LogTags {
			tags[i] = sfu.WorkerLogTag(t)
		}

		var result models.WorkerSettingsResult
		if s.workers == nil {
			return &models.WorkerSettingsResponse{Body: result}, nil
		}
		total := len(s.workers.Workers())
		err = s.workers.UpdateSettings(ctx, sfu.WorkerUpdateSettings{LogLevel: level, LogTags: tags})
		result.Applied = total - countJoined(err)
		if err != nil {
			result.Error = err.Error()
		}
		return &models.WorkerSettingsResponse{Body: result}, nil
	})
}

// countJoined counts the errors inside an errors.Join result.
func countJoined(err error) int {
	if err == nil {
		return 0
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return len(joined.Unwrap())
	}
	return 1
}
