package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tahplatform/accesshub/internal/catalog"
	"github.com/tahplatform/accesshub/internal/iam"
)

func (s *Store) Application(ctx context.Context, id string) (*iam.Application, error) {
	return s.findApplication(ctx, id)
}

func (s *Store) ActiveApplications(ctx context.Context) ([]iam.Application, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, base_url, coalesce(features_manifest_url,''), coalesce(launch_url,''),
		       callback_path, status, coalesce(current_version,''), auth_mode, created_at, updated_at
		from applications
		where status = 'active'
		order by id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apps []iam.Application
	for rows.Next() {
		var a iam.Application
		if err := rows.Scan(&a.ID, &a.Name, &a.BaseURL, &a.FeaturesManifestURL, &a.LaunchURL,
			&a.CallbackPath, &a.Status, &a.CurrentVersion, &a.AuthMode, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

func (s *Store) SetApplicationVersion(ctx context.Context, appID, version string) error {
	res, err := s.db.ExecContext(ctx, `
		update applications
		set current_version = $2, updated_at = now()
		where id = $1
	`, appID, version)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// Apply runs the diff callback inside one transaction holding a
// per-application advisory lock, so concurrent syncs of the same
// application cannot interleave their writes.
func (s *Store) Apply(ctx context.Context, appID string, fn func(existing []catalog.Entry) (*catalog.Diff, error)) (*catalog.Diff, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var locked bool
	if err := tx.QueryRowContext(ctx, `
		select pg_try_advisory_xact_lock(hashtext($1))
	`, appID).Scan(&locked); err != nil {
		return nil, err
	}
	if !locked {
		return nil, catalog.ErrSyncInProgress
	}

	existing, err := queryEntries(ctx, tx, `
		select id, application_id, module_key, coalesce(module_name,''), permission_key,
		       coalesce(description,''), lifecycle, coalesce(first_seen_version,''),
		       coalesce(last_seen_version,''), discovered_at, last_seen_at, created_at, updated_at
		from catalog_entries
		where application_id = $1
	`, appID)
	if err != nil {
		return nil, err
	}

	diff, err := fn(existing)
	if err != nil {
		return nil, err
	}

	for _, e := range diff.Add {
		if _, err := tx.ExecContext(ctx, `
			insert into catalog_entries (id, application_id, module_key, module_name, permission_key,
			                             description, lifecycle, first_seen_version, last_seen_version,
			                             discovered_at, last_seen_at)
			values ($1, $2, $3, nullif($4,''), $5, nullif($6,''), $7, nullif($8,''), nullif($9,''), $10, $11)
		`, e.ID, e.ApplicationID, e.ModuleKey, e.ModuleName, e.PermissionKey,
			e.Description, e.Lifecycle, e.FirstSeenVersion, e.LastSeenVersion,
			e.DiscoveredAt, e.LastSeenAt); err != nil {
			return nil, mapWriteError(err)
		}
	}
	for _, group := range [][]catalog.Entry{diff.Update, diff.Refresh} {
		for _, e := range group {
			if _, err := tx.ExecContext(ctx, `
				update catalog_entries
				set module_key = $2, module_name = nullif($3,''), description = nullif($4,''),
				    lifecycle = $5, last_seen_version = nullif($6,''), last_seen_at = $7,
				    updated_at = now()
				where id = $1
			`, e.ID, e.ModuleKey, e.ModuleName, e.Description,
				e.Lifecycle, e.LastSeenVersion, e.LastSeenAt); err != nil {
				return nil, err
			}
		}
	}
	if err := setLifecycle(ctx, tx, diff.Deprecate, catalog.LifecycleDeprecated); err != nil {
		return nil, err
	}
	if err := setLifecycle(ctx, tx, diff.Remove, catalog.LifecycleRemoved); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return diff, nil
}

func setLifecycle(ctx context.Context, tx *sql.Tx, ids []string, lifecycle string) error {
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			update catalog_entries
			set lifecycle = $2, updated_at = now()
			where id = $1
		`, id, lifecycle); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) EntriesByApplication(ctx context.Context, appID string) ([]catalog.Entry, error) {
	return queryEntries(ctx, s.db, `
		select id, application_id, module_key, coalesce(module_name,''), permission_key,
		       coalesce(description,''), lifecycle, coalesce(first_seen_version,''),
		       coalesce(last_seen_version,''), discovered_at, last_seen_at, created_at, updated_at
		from catalog_entries
		where application_id = $1
		order by module_key, permission_key
	`, appID)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryEntries(ctx context.Context, q queryer, query string, args ...any) ([]catalog.Entry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []catalog.Entry
	for rows.Next() {
		var e catalog.Entry
		if err := rows.Scan(&e.ID, &e.ApplicationID, &e.ModuleKey, &e.ModuleName, &e.PermissionKey,
			&e.Description, &e.Lifecycle, &e.FirstSeenVersion, &e.LastSeenVersion,
			&e.DiscoveredAt, &e.LastSeenAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) CreateRun(ctx context.Context, run *catalog.SyncRun) error {
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into sync_runs (id, application_id, run_type, requested_by, app_version,
		                       status, summary, error_message, started_at)
		values ($1, $2, $3, nullif($4,''), nullif($5,''), $6, $7, nullif($8,''), $9)
	`, run.ID, run.ApplicationID, run.RunType, run.RequestedBy, run.AppVersion,
		run.Status, summary, run.ErrorMessage, run.StartedAt)
	return mapWriteError(err)
}

func (s *Store) FinishRun(ctx context.Context, run *catalog.SyncRun) error {
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		update sync_runs
		set status = $2, app_version = nullif($3,''), summary = $4,
		    error_message = nullif($5,''), finished_at = $6
		where id = $1
	`, run.ID, run.Status, run.AppVersion, summary, run.ErrorMessage, nullTime(run.FinishedAt))
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) Runs(ctx context.Context, appID string, limit int) ([]catalog.SyncRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, application_id, run_type, coalesce(requested_by,''), coalesce(app_version,''),
		       status, summary, coalesce(error_message,''), started_at, finished_at
		from sync_runs
		where application_id = $1
		order by started_at desc
		limit $2
	`, appID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []catalog.SyncRun
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func (s *Store) Run(ctx context.Context, id string) (*catalog.SyncRun, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, application_id, run_type, coalesce(requested_by,''), coalesce(app_version,''),
		       status, summary, coalesce(error_message,''), started_at, finished_at
		from sync_runs
		where id = $1
	`, id)
	run, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, iam.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func scanRun(scan func(...any) error) (*catalog.SyncRun, error) {
	var (
		run      catalog.SyncRun
		summary  []byte
		finished sql.NullTime
	)
	if err := scan(&run.ID, &run.ApplicationID, &run.RunType, &run.RequestedBy, &run.AppVersion,
		&run.Status, &summary, &run.ErrorMessage, &run.StartedAt, &finished); err != nil {
		return nil, err
	}
	if len(summary) > 0 {
		if err := json.Unmarshal(summary, &run.Summary); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
	}
	run.FinishedAt = timePtr(finished)
	return &run, nil
}
