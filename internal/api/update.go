package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/workerctl/internal/api/models"
	"github.com/smazurov/workerctl/internal/updater"
)

// UpdateService replaces the workerctl binary. *updater.Updater implements it.
type UpdateService interface {
	Enabled() bool
	DisabledReason() string
	Check(ctx context.Context) (*updater.Release, error)
	Apply(ctx context.Context) error
	Rollback(ctx context.Context) error
	Restart(ctx context.Context) error
	Status() updater.Status
}

func (s *Server) registerUpdateRoutes() {
	svc := s.options.Updates
	if svc == nil {
		return
	}
	if !svc.Enabled() {
		s.registerDisabledUpdateRoutes(svc.DisabledReason())
		return
	}

	huma.Register(s.api, huma.Operation{
		OperationID: "check-updates",
		Method:      http.MethodGet,
		Path:        "/api/update/check",
		Summary:     "Check for Updates",
		Description: "Look up the latest release without installing it",
		Tags:        []string{"update"},
		Errors:      []int{401, 404, 409, 500},
		Security:    withAuth(),
	}, func(ctx context.Context, _ *struct{}) (*models.UpdateCheckResponse, error) {
		rel, err := svc.Check(ctx)
		if err != nil {
			return nil, updateError(err)
		}
		return &models.UpdateCheckResponse{Body: models.UpdateCheckData{
			CurrentVersion:  svc.Status().CurrentVersion,
			LatestVersion:   rel.Version,
			ReleaseNotes:    rel.Notes,
			ReleaseURL:      rel.URL,
			PublishedAt:     rel.PublishedAt,
			AssetSize:       rel.Size,
			UpdateAvailable: rel.Newer,
		}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-update-status",
		Method:      http.MethodGet,
		Path:        "/api/update/status",
		Summary:     "Update Status",
		Description: "Current update state and backup availability",
		Tags:        []string{"update"},
		Errors:      []int{401},
		Security:    withAuth(),
	}, func(_ context.Context, _ *struct{}) (*models.UpdateStatusResponse, error) {
		return &models.UpdateStatusResponse{Body: svc.Status()}, nil
	})

	s.registerUpdateAction("apply-update", "/api/update/apply", "Apply Update",
		"Install the latest release and restart the service", "Update applied, restarting...", svc.Apply)
	s.registerUpdateAction("rollback-update", "/api/update/rollback", "Rollback Update",
		"Put back the binary replaced by the last update and restart", "Rollback complete, restarting...", svc.Rollback)
	s.registerUpdateAction("restart-service", "/api/update/restart", "Restart Service",
		"Restart the service, which also restarts every worker", "Restarting...", svc.Restart)
}

func (s *Server) registerUpdateAction(id, path, summary, description, message string, run func(context.Context) error) {
	huma.Register(s.api, huma.Operation{
		OperationID: id,
		Method:      http.MethodPost,
		Path:        path,
		Summary:     summary,
		Description: description,
		Tags:        []string{"update"},
		Errors:      []int{400, 401, 404, 409, 500},
		Security:    withAuth(),
	}, func(ctx context.Context, _ *struct{}) (*models.MessageResponse, error) {
		if err := run(ctx); err != nil {
			return nil, updateError(err)
		}
		return &models.MessageResponse{Body: models.MessageData{Message: message}}, nil
	})
}

// registerDisabledUpdateRoutes answers every update route with 503.
func (s *Server) registerDisabledUpdateRoutes(reason string) {
	disabled := func(_ context.Context, _ *struct{}) (*struct{}, error) {
		return nil, huma.Error503ServiceUnavailable("Update service disabled: " + reason)
	}
	routes := []struct{ id, method, path string }{
		{"check-updates", http.MethodGet, "/api/update/check"},
		{"get-update-status", http.MethodGet, "/api/update/status"},
		{"apply-update", http.MethodPost, "/api/update/apply"},
		{"rollback-update", http.MethodPost, "/api/update/rollback"},
		{"restart-service", http.MethodPost, "/api/update/restart"},
	}
	for _, r := range routes {
		huma.Register(s.api, huma.Operation{
			OperationID: r.id,
			Method:      r.method,
			Path:        r.path,
			Summary:     "Update (disabled)",
			Tags:        []string{"update"},
			Errors:      []int{401, 503},
			Security:    withAuth(),
		}, disabled)
	}
}

// updateError maps updater failure codes to HTTP errors.
func updateError(err error) error {
	switch updater.CodeOf(err) {
	case updater.CodeBusy:
		return huma.Error409Conflict(err.Error())
	case updater.CodeNoUpdate:
		return huma.Error400BadRequest(err.Error())
	case updater.CodeNotFound, updater.CodeNoBackup:
		return huma.Error404NotFound(err.Error())
	case updater.CodeDisabled:
		return huma.Error503ServiceUnavailable(err.Error())
	default:
		return huma.Error500InternalServerError(err.Error())
	}
}
