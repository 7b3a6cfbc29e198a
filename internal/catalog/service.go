package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tahplatform/accesshub/internal/audit"
	"github.com/tahplatform/accesshub/internal/iam"
	"github.com/tahplatform/accesshub/internal/ids"
	"github.com/tahplatform/accesshub/internal/obs"
)

const (
	defaultRetention    = 30 * 24 * time.Hour
	defaultBulkParallel = 4
)

// Store is the persistence surface of the sync engine. Apply runs the
// diff callback inside one transaction holding the per-application
// advisory lock; a held lock surfaces as ErrSyncInProgress.
type Store interface {
	Application(ctx context.Context, id string) (*iam.Application, error)
	ActiveApplications(ctx context.Context) ([]iam.Application, error)
	SetApplicationVersion(ctx context.Context, appID, version string) error

	Apply(ctx context.Context, appID string, fn func(existing []Entry) (*Diff, error)) (*Diff, error)
	EntriesByApplication(ctx context.Context, appID string) ([]Entry, error)

	CreateRun(ctx context.Context, run *SyncRun) error
	FinishRun(ctx context.Context, run *SyncRun) error
	Runs(ctx context.Context, appID string, limit int) ([]SyncRun, error)
	Run(ctx context.Context, id string) (*SyncRun, error)
}

// Service drives manifest synchronization.
type Service struct {
	store     Store
	source    ManifestSource
	audit     *audit.Recorder
	log       zerolog.Logger
	retention time.Duration
	parallel  int
	now       func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithRetention sets how long deprecated entries survive without being
// seen before a sync transitions them to removed.
func WithRetention(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithBulkParallelism bounds concurrent applications in a bulk sync.
func WithBulkParallelism(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.parallel = n
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the sync engine.
func NewService(store Store, source ManifestSource, rec *audit.Recorder, log zerolog.Logger, opts ...ServiceOption) *Service {
	svc := &Service{
		store:     store,
		source:    source,
		audit:     rec,
		log:       log,
		retention: defaultRetention,
		parallel:  defaultBulkParallel,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Sync fetches the application's manifest and reconciles the catalog.
// Every attempt is recorded as a sync run; fetch and validation
// failures finish the run with status=error and mutate nothing.
func (s *Service) Sync(ctx context.Context, appID, runType, requestedBy string) (*SyncResult, error) {
	app, err := s.store.Application(ctx, appID)
	if err != nil {
		return nil, err
	}
	run := s.beginRun(ctx, app.ID, runType, requestedBy)

	manifest, err := s.source.Fetch(ctx, app)
	if err != nil {
		return s.failRun(ctx, run, fmt.Errorf("failed to fetch manifest: %w", err)), nil
	}
	return s.reconcile(ctx, app, run, manifest)
}

// SyncManifest reconciles a caller-supplied manifest (push mode).
func (s *Service) SyncManifest(ctx context.Context, appID string, manifest *Manifest, requestedBy string) (*SyncResult, error) {
	app, err := s.store.Application(ctx, appID)
	if err != nil {
		return nil, err
	}
	run := s.beginRun(ctx, app.ID, RunTypePush, requestedBy)
	if err := validateManifest(manifest); err != nil {
		return s.failRun(ctx, run, err), nil
	}
	return s.reconcile(ctx, app, run, manifest)
}

func (s *Service) beginRun(ctx context.Context, appID, runType, requestedBy string) *SyncRun {
	run := &SyncRun{
		ID:            ids.New(),
		ApplicationID: appID,
		RunType:       runType,
		RequestedBy:   requestedBy,
		Status:        RunInProgress,
		StartedAt:     s.now().UTC(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		// The run record is observability, not a precondition.
		s.log.Error().Err(err).Str("application_id", appID).Msg("create sync run failed")
	}
	return run
}

func (s *Service) reconcile(ctx context.Context, app *iam.Application, run *SyncRun, manifest *Manifest) (*SyncResult, error) {
	if app.CurrentVersion != "" && versionLess(manifest.Version, app.CurrentVersion) {
		err := fmt.Errorf("%w: manifest version %s is older than current %s",
			ErrInvalidManifest, manifest.Version, app.CurrentVersion)
		return s.failRun(ctx, run, err), nil
	}

	now := s.now().UTC()
	diff, err := s.store.Apply(ctx, app.ID, func(existing []Entry) (*Diff, error) {
		return computeDiff(existing, manifest, app.ID, now, s.retention), nil
	})
	if err != nil {
		res := s.failRun(ctx, run, err)
		if errors.Is(err, ErrSyncInProgress) {
			return res, err
		}
		return res, nil
	}

	run.Status = RunSuccess
	run.AppVersion = manifest.Version
	run.Summary = diff.Summary()
	finished := s.now().UTC()
	run.FinishedAt = &finished
	if err := s.store.FinishRun(ctx, run); err != nil {
		s.log.Error().Err(err).Str("run_id", run.ID).Msg("finish sync run failed")
	}
	if err := s.store.SetApplicationVersion(ctx, app.ID, manifest.Version); err != nil {
		s.log.Error().Err(err).Str("application_id", app.ID).Msg("update application version failed")
	}

	obs.ObserveSyncRun(RunSuccess)
	s.audit.Record(ctx, audit.Event{
		Action: audit.ActionSync, EntityType: "application",
		EntityID: app.ID, EntityRef: app.Name,
		Changes: map[string]any{
			"run_id":  run.ID,
			"version": manifest.Version,
			"summary": run.Summary,
		},
	})
	s.log.Info().
		Str("application_id", app.ID).
		Str("version", manifest.Version).
		Int("added", run.Summary.Added).
		Int("updated", run.Summary.Updated).
		Int("deprecated", run.Summary.Deprecated).
		Int("removed", run.Summary.Removed).
		Int("unchanged", run.Summary.Unchanged).
		Msg("catalog sync complete")

	return &SyncResult{
		RunID:      run.ID,
		Status:     RunSuccess,
		AppVersion: manifest.Version,
		Summary:    run.Summary,
	}, nil
}

func (s *Service) failRun(ctx context.Context, run *SyncRun, cause error) *SyncResult {
	run.Status = RunError
	run.ErrorMessage = cause.Error()
	finished := s.now().UTC()
	run.FinishedAt = &finished
	if err := s.store.FinishRun(ctx, run); err != nil {
		s.log.Error().Err(err).Str("run_id", run.ID).Msg("finish sync run failed")
	}
	obs.ObserveSyncRun(RunError)
	s.log.Warn().
		Str("application_id", run.ApplicationID).
		Str("run_id", run.ID).
		Str("error", run.ErrorMessage).
		Msg("catalog sync failed")
	return &SyncResult{
		RunID:        run.ID,
		Status:       RunError,
		Summary:      SyncSummary{},
		ErrorMessage: run.ErrorMessage,
	}
}

// BulkSync syncs the given applications, or every active application
// when ids is empty. Applications run concurrently with bounded
// parallelism; one failing application never aborts the rest.
func (s *Service) BulkSync(ctx context.Context, appIDs []string, runType, requestedBy string) (*BulkSyncResult, error) {
	var apps []iam.Application
	if len(appIDs) > 0 {
		for _, id := range appIDs {
			app, err := s.store.Application(ctx, id)
			if err != nil {
				if errors.Is(err, iam.ErrNotFound) {
					apps = append(apps, iam.Application{ID: id, Status: "missing"})
					continue
				}
				return nil, err
			}
			apps = append(apps, *app)
		}
	} else {
		var err error
		apps, err = s.store.ActiveApplications(ctx)
		if err != nil {
			return nil, err
		}
	}

	results := make([]AppSyncResult, len(apps))
	var mu sync.Mutex
	out := &BulkSyncResult{TotalApps: len(apps)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel)
	for i := range apps {
		i, app := i, apps[i]
		g.Go(func() error {
			res := s.syncOne(gctx, &app, runType, requestedBy)
			results[i] = res
			mu.Lock()
			switch res.Status {
			case RunSuccess:
				out.Successful++
			case "skipped":
				out.Skipped++
			default:
				out.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out.Results = results
	return out, nil
}

func (s *Service) syncOne(ctx context.Context, app *iam.Application, runType, requestedBy string) AppSyncResult {
	res := AppSyncResult{ApplicationID: app.ID, ApplicationName: app.Name}
	if app.Status == "missing" {
		res.Status = RunError
		res.ErrorMessage = "application not found"
		return res
	}
	if ManifestURL(app) == "" {
		res.Status = "skipped"
		res.ErrorMessage = "no manifest URL or base URL configured"
		return res
	}
	sync, err := s.Sync(ctx, app.ID, runType, requestedBy)
	if err != nil {
		res.Status = RunError
		res.ErrorMessage = err.Error()
		return res
	}
	res.Status = sync.Status
	res.AppVersion = sync.AppVersion
	res.Summary = sync.Summary
	res.ErrorMessage = sync.ErrorMessage
	return res
}

// Entries lists the catalog of one application.
func (s *Service) Entries(ctx context.Context, appID string) ([]Entry, error) {
	if _, err := s.store.Application(ctx, appID); err != nil {
		return nil, err
	}
	return s.store.EntriesByApplication(ctx, appID)
}

// ListRuns returns recent sync runs for an application, newest first.
func (s *Service) ListRuns(ctx context.Context, appID string, limit int) ([]SyncRun, error) {
	if _, err := s.store.Application(ctx, appID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.store.Runs(ctx, appID, limit)
}

// GetRun loads one sync run by id.
func (s *Service) GetRun(ctx context.Context, runID string) (*SyncRun, error) {
	return s.store.Run(ctx, runID)
}
