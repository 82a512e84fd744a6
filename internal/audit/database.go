// Package audit is the optional, write-behind diagnostic trail for
// device commands and voice sessions (spec SPEC_FULL §9.2). It is
// never the authoritative state: the in-memory device registry,
// session store, and the broker's retained messages remain the
// source of truth. A service runs with audit disabled (no
// AUDIT_DATABASE_URL configured) exactly as well as with it enabled;
// every write here is best-effort and logged, never blocking.
package audit

import (
	"context"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the pgx connection pool backing the audit trail.
type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

// Connect opens the pool and ensures the audit schema exists.
func Connect(ctx context.Context, databaseURL string, log zerolog.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = 10
	cfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	db := &DB{Pool: pool, log: log}
	if err := db.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Str("url", maskDSN(databaseURL)).
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("audit database connected")

	return db, nil
}

// HealthCheck reports whether the pool can still reach Postgres.
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return db.Pool.Ping(ctx)
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPass := u.User.Password(); hasPass {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}

// Close releases the pool. Safe to call on a nil *DB.
func (db *DB) Close() {
	if db == nil {
		return
	}
	db.log.Info().Msg("closing audit database pool")
	db.Pool.Close()
}
