package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/goshawk-habitat/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	region     TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	config     TEXT,
	summary    TEXT,
	error      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS run_patches (
	run_id         TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	patch_id       INTEGER NOT NULL,
	cells          INTEGER NOT NULL,
	area_ha        REAL NOT NULL,
	suitable_cells INTEGER NOT NULL DEFAULT 0,
	suitable_ha    REAL NOT NULL DEFAULT 0,
	mean_rank      REAL NOT NULL DEFAULT 0,
	anchor_row     INTEGER NOT NULL,
	anchor_col     INTEGER NOT NULL,
	PRIMARY KEY (run_id, patch_id)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_region ON runs(region);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, region string, config json.RawMessage) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	var configText sql.NullString
	if len(config) > 0 {
		configText = sql.NullString{String: string(config), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, region, status, config, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, region, string(model.RunStatusRunning), configText, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
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

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, summary *model.RunSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal summary")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, summary = ?, updated_at = ? WHERE id = ?`,
		string(model.RunStatusComplete), string(summaryJSON), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return checkRowsAffected(res, runID)
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(model.RunStatusFailed), reason, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail run %s", runID)
	}
	return checkRowsAffected(res, runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, region, status, config, summary, error, created_at, updated_at FROM runs WHERE id = ?`,
		runID,
	)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrRunNotFound, "sqlite: get run %s", runID)
	}
	return r, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, region, status, config, summary, error, created_at, updated_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Region != "" {
		query += ` AND region = ?`
		args = append(args, filter.Region)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, listLimit(filter))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// SavePatches replaces the stored patches of runID with patches.
func (s *SQLiteStore) SavePatches(ctx context.Context, runID string, patches []model.PatchRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save patches")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_patches WHERE run_id = ?`, runID); err != nil {
		return eris.Wrapf(err, "sqlite: clear patches for run %s", runID)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO run_patches (run_id, patch_id, cells, area_ha, suitable_cells, suitable_ha, mean_rank, anchor_row, anchor_col)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare patch insert")
	}
	defer stmt.Close() //nolint:errcheck

	for _, p := range patches {
		if _, err := stmt.ExecContext(ctx, runID, p.PatchID, p.Cells, p.AreaHa, p.SuitableCells, p.SuitableHa, p.MeanRank, p.AnchorRow, p.AnchorCol); err != nil {
			return eris.Wrapf(err, "sqlite: insert patch %d for run %s", p.PatchID, runID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit patches")
}

func (s *SQLiteStore) ListPatches(ctx context.Context, runID string) ([]model.PatchRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT patch_id, cells, area_ha, suitable_cells, suitable_ha, mean_rank, anchor_row, anchor_col
		 FROM run_patches WHERE run_id = ? ORDER BY mean_rank DESC, patch_id`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list patches for run %s", runID)
	}
	defer rows.Close()

	var out []model.PatchRecord
	for rows.Next() {
		p := model.PatchRecord{RunID: runID}
		if err := rows.Scan(&p.PatchID, &p.Cells, &p.AreaHa, &p.SuitableCells, &p.SuitableHa, &p.MeanRank, &p.AnchorRow, &p.AnchorCol); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan patch")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list patches iterate")
}

// helpers

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrRunNotFound, "sqlite: run %s", id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var status string
	var configText, summaryText sql.NullString

	err := row.Scan(&r.ID, &r.Region, &status, &configText, &summaryText, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	r.Status = model.RunStatus(status)

	if configText.Valid {
		r.Config = json.RawMessage(configText.String)
	}
	if summaryText.Valid {
		r.Summary = &model.RunSummary{}
		if err := json.Unmarshal([]byte(summaryText.String), r.Summary); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal summary")
		}
	}
	return &r, nil
}
