package catalog

import (
	"errors"
	"time"
)

// Entry lifecycles. Entries never leave the table; removal is a
// lifecycle state so grants referencing them stay explainable.
const (
	LifecycleActive     = "active"
	LifecycleDeprecated = "deprecated"
	LifecycleRemoved    = "removed"
)

// Sync run types.
const (
	RunTypeManual    = "manual"
	RunTypeScheduled = "scheduled"
	RunTypePush      = "push"
)

// Sync run statuses.
const (
	RunInProgress = "in_progress"
	RunSuccess    = "success"
	RunError      = "error"
)

var (
	ErrInvalidManifest = errors.New("catalog: invalid manifest")
	ErrSyncInProgress  = errors.New("catalog: sync already in progress")
)

// Entry is one discovered permission of an application. The permission
// key is "<feature_id>:<action>" and is unique per application.
type Entry struct {
	ID               string
	ApplicationID    string
	ModuleKey        string
	ModuleName       string
	PermissionKey    string
	Description      string
	Lifecycle        string
	FirstSeenVersion string
	LastSeenVersion  string
	DiscoveredAt     time.Time
	LastSeenAt       time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SyncSummary counts what one sync run did.
type SyncSummary struct {
	Added      int `json:"added"`
	Updated    int `json:"updated"`
	Deprecated int `json:"deprecated"`
	Removed    int `json:"removed"`
	Unchanged  int `json:"unchanged"`
}

// SyncRun records one sync attempt, including failed ones.
type SyncRun struct {
	ID            string
	ApplicationID string
	RunType       string
	RequestedBy   string
	AppVersion    string
	Status        string
	Summary       SyncSummary
	ErrorMessage  string
	StartedAt     time.Time
	FinishedAt    *time.Time
}

// SyncResult is what a sync call reports back.
type SyncResult struct {
	RunID        string      `json:"run_id"`
	Status       string      `json:"status"`
	AppVersion   string      `json:"app_version,omitempty"`
	Summary      SyncSummary `json:"summary"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// BulkSyncResult aggregates a bulk sync across applications.
type BulkSyncResult struct {
	TotalApps  int             `json:"total_apps"`
	Successful int             `json:"successful"`
	Failed     int             `json:"failed"`
	Skipped    int             `json:"skipped"`
	Results    []AppSyncResult `json:"results"`
}

// AppSyncResult is the per-application slice of a bulk sync.
type AppSyncResult struct {
	ApplicationID   string      `json:"application_id"`
	ApplicationName string      `json:"application_name"`
	Status          string      `json:"status"`
	AppVersion      string      `json:"app_version,omitempty"`
	Summary         SyncSummary `json:"summary"`
	ErrorMessage    string      `json:"error_message,omitempty"`
}

// Manifest is the feature manifest an application publishes.
type Manifest struct {
	Version  string            `json:"version"`
	Modules  []ManifestModule  `json:"modules"`
	Features []ManifestFeature `json:"features"`
}

// ManifestModule names a module for display grouping.
type ManifestModule struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ManifestFeature declares one feature and the actions it supports.
// Each action becomes one catalog entry with key "<id>:<action>".
type ManifestFeature struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Module      string   `json:"module"`
	Actions     []string `json:"actions"`
}
