package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/goshawk-habitat/internal/db"
	"github.com/sells-group/goshawk-habitat/internal/model"
	"github.com/sells-group/goshawk-habitat/internal/resilience"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrationLockID keys the advisory lock held while migrating.
const migrationLockID = 7312048

const patchTable = "goshawk.run_patches"

var patchColumns = []string{
	"run_id", "patch_id", "cells", "area_ha", "suitable_cells",
	"suitable_ha", "mean_rank", "anchor_row", "anchor_col",
}

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	retry   resilience.RetryConfig
}

// NewPostgres connects to connString and returns a PostgresStore.
func NewPostgres(ctx context.Context, connString string, poolCfg *db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, retry: resilience.DefaultRetryConfig()}, nil
}

// NewPostgresWithPool wraps an existing pool. The caller owns its lifetime.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, retry: resilience.DefaultRetryConfig()}
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

// Migrate applies every embedded migration not yet recorded in
// goshawk.schema_migrations, in filename order.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "store.migrate"))

	if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return eris.Wrap(err, "postgres: acquire migration lock")
	}
	defer func() {
		if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			log.Warn("postgres: failed to release migration lock", zap.Error(err))
		}
	}()

	if _, err := s.pool.Exec(ctx, `
		CREATE SCHEMA IF NOT EXISTS goshawk;
		CREATE TABLE IF NOT EXISTS goshawk.schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`); err != nil {
		return eris.Wrap(err, "postgres: ensure migration table")
	}

	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	names, err := migrationNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		if applied[name] {
			continue
		}
		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return eris.Wrapf(err, "postgres: read migration %s", name)
		}
		if _, err := s.pool.Exec(ctx, string(data)); err != nil {
			return eris.Wrapf(err, "postgres: apply migration %s", name)
		}
		if _, err := s.pool.Exec(ctx,
			"INSERT INTO goshawk.schema_migrations (filename, applied_at) VALUES ($1, now())", name,
		); err != nil {
			return eris.Wrapf(err, "postgres: record migration %s", name)
		}
		log.Info("migration applied", zap.String("file", name))
	}
	return nil
}

func migrationNames() ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, eris.Wrap(err, "postgres: read migration dir")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *PostgresStore) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, "SELECT filename FROM goshawk.schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "postgres: scan migration row")
		}
		applied[name] = true
	}
	return applied, eris.Wrap(rows.Err(), "postgres: iterate migrations")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, region string, config json.RawMessage) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	err := resilience.Do(ctx, s.op("create run"), func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO goshawk.runs (id, region, status, config, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
			id, region, string(model.RunStatusRunning), nullJSON(config), now, now,
		)
		return err
	})
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:        id,
		Region:    region,
		Status:    model.RunStatusRunning,
		Config:    config,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, summary *model.RunSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal summary")
	}
	return s.finish(ctx, runID,
		`UPDATE goshawk.runs SET status = $1, summary = $2, updated_at = $3 WHERE id = $4`,
		string(model.RunStatusComplete), summaryJSON, time.Now().UTC(), runID,
	)
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, reason string) error {
	return s.finish(ctx, runID,
		`UPDATE goshawk.runs SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
		string(model.RunStatusFailed), reason, time.Now().UTC(), runID,
	)
}

func (s *PostgresStore) finish(ctx context.Context, runID, sql string, args ...any) error {
	var affected int64
	err := resilience.Do(ctx, s.op("finish run"), func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, sql, args...)
		affected = tag.RowsAffected()
		return err
	})
	if err != nil {
		return eris.Wrapf(err, "postgres: update run %s", runID)
	}
	if affected == 0 {
		return eris.Wrapf(ErrRunNotFound, "postgres: update run %s", runID)
	}
	return nil
}

const runColumns = `id, region, status, config, summary, COALESCE(error, ''), created_at, updated_at`

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM goshawk.runs WHERE id = $1`, runID)
	r, err := scanPostgresRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrRunNotFound, "postgres: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM goshawk.runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Region != "" {
		query += fmt.Sprintf(` AND region = $%d`, argIdx)
		args = append(args, filter.Region)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter))
	argIdx++
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPostgresRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// SavePatches replaces the stored patches of runID with patches.
func (s *PostgresStore) SavePatches(ctx context.Context, runID string, patches []model.PatchRecord) error {
	rows := make([][]any, len(patches))
	for i, p := range patches {
		rows[i] = []any{
			runID, p.PatchID, p.Cells, p.AreaHa, p.SuitableCells,
			p.SuitableHa, p.MeanRank, p.AnchorRow, p.AnchorCol,
		}
	}
	err := resilience.Do(ctx, s.op("save patches"), func(ctx context.Context) error {
		_, err := db.ReplaceRows(ctx, s.pool, patchTable, "run_id", runID, patchColumns, rows)
		return err
	})
	return eris.Wrapf(err, "postgres: save patches for run %s", runID)
}

func (s *PostgresStore) ListPatches(ctx context.Context, runID string) ([]model.PatchRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT patch_id, cells, area_ha, suitable_cells, suitable_ha, mean_rank, anchor_row, anchor_col
		 FROM goshawk.run_patches WHERE run_id = $1 ORDER BY mean_rank DESC, patch_id`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list patches for run %s", runID)
	}
	defer rows.Close()

	var out []model.PatchRecord
	for rows.Next() {
		p := model.PatchRecord{RunID: runID}
		if err := rows.Scan(&p.PatchID, &p.Cells, &p.AreaHa, &p.SuitableCells, &p.SuitableHa, &p.MeanRank, &p.AnchorRow, &p.AnchorCol); err != nil {
			return nil, eris.Wrap(err, "postgres: scan patch")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list patches iterate")
}

func (s *PostgresStore) op(name string) resilience.RetryConfig {
	cfg := s.retry
	cfg.Operation = "store." + name
	return cfg
}

func scanPostgresRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var status string
	var configJSON, summaryJSON []byte

	if err := row.Scan(&r.ID, &r.Region, &status, &configJSON, &summaryJSON, &r.Error, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	if len(configJSON) > 0 {
		r.Config = json.RawMessage(configJSON)
	}
	if len(summaryJSON) > 0 {
		r.Summary = &model.RunSummary{}
		if err := json.Unmarshal(summaryJSON, r.Summary); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal summary")
		}
	}
	return &r, nil
}

// nullJSON maps an empty document to SQL NULL.
func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
