package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/Iotistica/iotistic-sub002/internal/config"
	"github.com/Iotistica/iotistic-sub002/internal/logging"
)

// Store is the durable substrate described by spec §4.1: scoped
// transactions, a per-device advisory lock, and strongly typed accessors
// for every persisted entity.
type Store struct {
	db     *sql.DB
	logger *logging.Logger
}

// Open connects to Postgres per cfg and configures the pool. It does not
// run migrations; callers that want schema migrations applied call
// Migrate separately (see migrate.go), typically gated by
// cfg.MigrateOnStart.
func Open(cfg config.DatabaseConfig, logger *logging.Logger) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetimeDuration())

	return &Store{db: db, logger: logger}, nil
}

// NewWithDB wraps an already-open *sql.DB, bypassing connection-string
// resolution. Used by tests to inject a sqlmock-backed DB.
func NewWithDB(db *sql.DB, logger *logging.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies connectivity, used by health checks.
func (s *Store) Ping() error {
	return s.db.Ping()
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

func nullTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *p, Valid: true}
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	v := n.Time
	return &v
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
