package models

import (
	"time"

	"github.com/smazurov/workerctl/internal/updater"
	"github.com/smazurov/workerctl/pkg/sfu"
)

// Health check models
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Message string `json:"message" example:"2 workers running" doc:"Status message"`
	Workers int    `json:"workers" example:"2" doc:"Number of running workers"`
}

type HealthResponse struct {
	Body HealthData
}

// Version models
type VersionData struct {
	Version       string `json:"version" example:"1.0.0" doc:"Application version"`
	GitCommit     string `json:"git_commit" example:"abc1234" doc:"Git commit hash"`
	BuildDate     string `json:"build_date" example:"2025-01-27T10:30:00Z" doc:"Build timestamp"`
	WorkerVersion string `json:"worker_version" example:"3.14.6" doc:"Worker protocol version"`
	GoVersion     string `json:"go_version" example:"go1.24.11" doc:"Go toolchain version"`
	Platform      string `json:"platform" example:"linux/arm64" doc:"Target platform"`
}

type VersionResponse struct {
	Body VersionData
}

// Worker models
type WorkerInfo struct {
	Pid    int  `json:"pid" example:"4242" doc:"Worker process id"`
	Closed bool `json:"closed" example:"false" doc:"Whether the worker has been closed"`
}

type WorkerListData struct {
	Workers   []WorkerInfo   `json:"workers" doc:"Running workers"`
	Count     int            `json:"count" example:"2" doc:"Number of workers"`
	Resources map[string]int `json:"resources" doc:"Open resources by kind across all workers"`
}

type WorkerListResponse struct {
	Body WorkerListData
}

type WorkerPathInput struct {
	Pid int `path:"pid" minimum:"1" example:"4242" doc:"Worker process id"`
}

type WorkerDumpData struct {
	Pid       int      `json:"pid" example:"4242" doc:"Worker process id"`
	RouterIDs []string `json:"router_ids" doc:"Routers open on the worker"`
}

type WorkerDumpResponse struct {
	Body WorkerDumpData
}

type WorkerUsageResponse struct {
	Body *sfu.WorkerResourceUsage
}

type WorkerSettingsData struct {
	LogLevel string   `json:"log_level" enum:"debug,warn,error,none" example:"warn" doc:"Worker log level"`
	LogTags  []string `json:"log_tags,omitempty" example:"[\"ice\",\"dtls\"]" doc:"Worker log tags"`
}

type WorkerSettingsRequest struct {
	Body WorkerSettingsData
}

type WorkerSettingsResult struct {
	Applied int    `json:"applied" example:"2" doc:"Workers that accepted the settings"`
	Error   string `json:"error,omitempty" doc:"Combined error of workers that rejected them"`
}

type WorkerSettingsResponse struct {
	Body WorkerSettingsResult
}

// Log models
type LogsInput struct {
	Since  uint64 `query:"since" example:"120" doc:"Only return entries with a higher sequence number"`
	Module string `query:"module" example:"channel" doc:"Only return entries of this module"`
	Level  string `query:"level" enum:"debug,info,warn,error" doc:"Minimum level"`
}

type LogEntry struct {
	Seq        uint64         `json:"seq" example:"42" doc:"Sequence number"`
	Timestamp  string         `json:"timestamp" example:"2025-01-09T10:30:00.123Z" doc:"Log timestamp"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"worker" doc:"Source module"`
	Message    string         `json:"message" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured log attributes"`
}

type LogsData struct {
	Entries []LogEntry `json:"entries" doc:"Buffered log entries, oldest first"`
	Count   int        `json:"count" example:"100" doc:"Number of entries returned"`
}

type LogsResponse struct {
	Body LogsData
}

// Update models
type UpdateCheckData struct {
	CurrentVersion  string    `json:"current_version" example:"1.0.0" doc:"Running version"`
	LatestVersion   string    `json:"latest_version" example:"1.1.0" doc:"Latest published version"`
	ReleaseNotes    string    `json:"release_notes,omitempty" doc:"Markdown release notes"`
	ReleaseURL      string    `json:"release_url,omitempty" doc:"Release page"`
	PublishedAt     time.Time `json:"published_at,omitzero" doc:"When the release was published"`
	AssetSize       int       `json:"asset_size,omitempty" example:"9437184" doc:"Download size in bytes"`
	UpdateAvailable bool      `json:"update_available" example:"true" doc:"Whether the release is newer than the running build"`
}

type UpdateCheckResponse struct {
	Body UpdateCheckData
}

type UpdateStatusResponse struct {
	Body updater.Status
}

type MessageData struct {
	Message string `json:"message" example:"Restarting..." doc:"Status message"`
}

type MessageResponse struct {
	Body MessageData
}
