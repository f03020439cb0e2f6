package main

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/goshawk-habitat/internal/db"
	"github.com/sells-group/goshawk-habitat/internal/store"
)

// initStore opens and migrates the configured run store.
func initStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// extractPool connects to the inventory database.
func extractPool(ctx context.Context) (*pgxpool.Pool, error) {
	if err := cfg.Validate("extract"); err != nil {
		return nil, err
	}
	pool, err := db.Connect(ctx, cfg.Extract.DatabaseURL, cfg.PoolConfig())
	if err != nil {
		return nil, eris.Wrap(err, "connect to inventory database")
	}
	return pool, nil
}

// splitAndTrim splits a comma-separated flag value, dropping blanks.
func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
