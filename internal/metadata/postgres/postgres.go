// Package postgres provides the PostgreSQL-backed metadata store for
// archived documents and their classification hierarchy.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/annales/annales/internal/logging"
	"github.com/annales/annales/internal/metrics"
)

// Connection pool sizing. The archive server is the only client of this
// database, so the pool stays small.
const (
	maxOpenConns    = 25
	maxIdleConns    = 5
	connMaxLifetime = 5 * time.Minute
	connectTimeout  = 10 * time.Second
)

// Store is a PostgreSQL metadata store.
type Store struct {
	db *sql.DB
}

// New opens a connection pool and verifies the database is reachable.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the pool for packages that share this database, such as
// the chunked blob backend.
func (s *Store) DB() *sql.DB {
	return s.db
}

// UpdateConnectionMetrics publishes current pool statistics.
func (s *Store) UpdateConnectionMetrics() {
	metrics.SetDBConnectionsOpen(s.db.Stats().OpenConnections)
}

// Migrate applies every *.up.sql file in dir in name order, each file
// in its own transaction. Migrations are written to be re-runnable, so
// no version bookkeeping table is kept.
func (s *Store) Migrate(dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)

	for _, file := range files {
		name := filepath.Base(file)
		sqlText, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin %s: %w", name, err)
		}
		if _, err := tx.Exec(string(sqlText)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s: %w", name, err)
		}
		logging.Info("migration applied", zap.String("file", name))
	}
	return nil
}
