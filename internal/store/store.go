package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/inboxpilot/labelsync/internal/labels"
)

//go:embed schema.sql
var schemaSQL string

// Store is the LabelRecord system-of-record backed by SQLite.
type Store struct {
	DB *sql.DB
}

// Run is one persisted reconciliation run summary.
type Run struct {
	RunID        string    `json:"run_id"`
	TenantID     string    `json:"tenant_id"`
	Provider     string    `json:"provider"`
	DryRun       bool      `json:"dry_run"`
	Outcome      string    `json:"outcome"`
	SyncUpserted int       `json:"sync_upserted"`
	SyncDeleted  int       `json:"sync_deleted"`
	Created      int       `json:"created"`
	Adopted      int       `json:"adopted"`
	Existing     int       `json:"existing"`
	Failed       int       `json:"failed"`
	Blocked      int       `json:"blocked"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Open opens or creates the record database at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Upsert inserts or updates a record keyed by (provider, provider_id).
// Concurrent writers for distinct provider IDs are safe; the same key always
// converges to the last write.
func (s *Store) Upsert(ctx context.Context, rec labels.Record) error {
	var parent sql.NullString
	if rec.ParentProviderID != "" {
		parent = sql.NullString{String: rec.ParentProviderID, Valid: true}
	}

	deleted := 0
	if rec.Deleted {
		deleted = 1
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO label_records (provider, provider_id, tenant_id, name, parent_provider_id, synced_at, deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, provider_id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			name = excluded.name,
			parent_provider_id = excluded.parent_provider_id,
			synced_at = excluded.synced_at,
			deleted = excluded.deleted
	`, string(rec.Provider), rec.ProviderID, rec.TenantID, rec.Name, parent,
		rec.SyncedAt.Unix(), deleted, time.Now().Unix())

	if err != nil {
		return fmt.Errorf("failed to upsert label record: %w", err)
	}

	return nil
}

// ListActive returns every non-deleted record for a tenant and provider,
// ordered by provider ID for deterministic iteration.
func (s *Store) ListActive(ctx context.Context, tenantID string, provider labels.ProviderName) ([]labels.Record, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT provider, provider_id, tenant_id, name, parent_provider_id, synced_at, deleted
		FROM label_records
		WHERE tenant_id = ? AND provider = ? AND deleted = 0
		ORDER BY provider_id
	`, tenantID, string(provider))

	if err != nil {
		return nil, fmt.Errorf("failed to query label records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// ListAllForTenant returns every record for a tenant and provider including
// soft-deleted rows, for audit surfaces.
func (s *Store) ListAllForTenant(ctx context.Context, tenantID string, provider labels.ProviderName) ([]labels.Record, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT provider, provider_id, tenant_id, name, parent_provider_id, synced_at, deleted
		FROM label_records
		WHERE tenant_id = ? AND provider = ?
		ORDER BY provider_id
	`, tenantID, string(provider))

	if err != nil {
		return nil, fmt.Errorf("failed to query label records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// MarkDeleted flips the soft-delete flag for one record. The row is kept
// for audit history.
func (s *Store) MarkDeleted(ctx context.Context, provider labels.ProviderName, providerID string, now time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE label_records SET deleted = 1, synced_at = ? WHERE provider = ? AND provider_id = ?
	`, now.Unix(), string(provider), providerID)

	if err != nil {
		return fmt.Errorf("failed to mark record deleted: %w", err)
	}

	return nil
}

// SaveRun persists a reconciliation run summary.
func (s *Store) SaveRun(ctx context.Context, run Run) error {
	dryRun := 0
	if run.DryRun {
		dryRun = 1
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO reconcile_runs
		(run_id, tenant_id, provider, dry_run, outcome, sync_upserted, sync_deleted,
		 created, adopted, existing, failed, blocked, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.RunID, run.TenantID, run.Provider, dryRun, run.Outcome,
		run.SyncUpserted, run.SyncDeleted, run.Created, run.Adopted, run.Existing,
		run.Failed, run.Blocked, run.Error, run.StartedAt.Unix(), run.FinishedAt.Unix())

	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	return nil
}

// ListRuns returns the most recent run summaries for a tenant and provider.
func (s *Store) ListRuns(ctx context.Context, tenantID string, provider labels.ProviderName, limit int) ([]Run, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT run_id, tenant_id, provider, dry_run, outcome, sync_upserted, sync_deleted,
		       created, adopted, existing, failed, blocked, error, started_at, finished_at
		FROM reconcile_runs
		WHERE tenant_id = ? AND provider = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, tenantID, string(provider), limit)

	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var dryRun int
		var started, finished int64
		if err := rows.Scan(&run.RunID, &run.TenantID, &run.Provider, &dryRun, &run.Outcome,
			&run.SyncUpserted, &run.SyncDeleted, &run.Created, &run.Adopted, &run.Existing,
			&run.Failed, &run.Blocked, &run.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.DryRun = dryRun != 0
		run.StartedAt = time.Unix(started, 0)
		run.FinishedAt = time.Unix(finished, 0)
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

func scanRecords(rows *sql.Rows) ([]labels.Record, error) {
	var records []labels.Record
	for rows.Next() {
		var rec labels.Record
		var provider string
		var parent sql.NullString
		var syncedAt int64
		var deleted int
		if err := rows.Scan(&provider, &rec.ProviderID, &rec.TenantID, &rec.Name,
			&parent, &syncedAt, &deleted); err != nil {
			return nil, fmt.Errorf("failed to scan label record: %w", err)
		}
		rec.Provider = labels.ProviderName(provider)
		rec.ParentProviderID = parent.String
		rec.SyncedAt = time.Unix(syncedAt, 0)
		rec.Deleted = deleted != 0
		records = append(records, rec)
	}

	return records, rows.Err()
}
