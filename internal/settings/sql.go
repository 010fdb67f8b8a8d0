package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/jun/drivesync/internal/metrics"
)

const (
	sqlTableName        = "sync_settings"
	sqlOperationTimeout = 5 * time.Second
)

// SQL stores settings in a single table on Postgres (lib/pq) or SQLite.
type SQL struct {
	driver string
	dsn    string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewSQL returns a store for a "postgres://", "postgresql://" or "sqlite://" DSN.
// The table is created on first use.
func NewSQL(dsn string) (*SQL, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return &SQL{driver: "postgres", dsn: dsn}, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		path := strings.TrimPrefix(dsn, "sqlite://")
		if path == "" {
			return nil, fmt.Errorf("sqlite dsn has no path")
		}
		return &SQL{driver: "sqlite3", dsn: path}, nil
	default:
		return nil, fmt.Errorf("unsupported settings dsn %q", dsn)
	}
}

// rebind turns $n placeholders into ?n for SQLite.
func (s *SQL) rebind(query string) string {
	if s.driver == "sqlite3" {
		return strings.ReplaceAll(query, "$", "?")
	}
	return query
}

func (s *SQL) ensureReady(ctx context.Context) error {
	s.initOnce.Do(func() {
		dsn := s.dsn
		if s.driver == "sqlite3" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				s.initErr = fmt.Errorf("failed to create database directory: %w", err)
				return
			}
			dsn = "file:" + dsn
		}
		db, err := sql.Open(s.driver, dsn)
		if err != nil {
			s.initErr = fmt.Errorf("failed to open settings database: %w", err)
			return
		}
		if s.driver == "sqlite3" {
			db.SetMaxOpenConns(1)
		}

		ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
		defer cancel()
		ddl := `CREATE TABLE IF NOT EXISTS ` + sqlTableName + ` (
			setting_key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			_ = db.Close()
			s.initErr = fmt.Errorf("failed to create settings table: %w", err)
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQL) Get(ctx context.Context, key string) ([]byte, error) {
	defer metrics.ObserveStoreLatency(s.driver, "settings.get", time.Now())
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	var value string
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT value FROM `+sqlTableName+` WHERE setting_key = $1`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get setting %q: %w", key, err)
	}
	return []byte(value), nil
}

func (s *SQL) Put(ctx context.Context, key string, value []byte) error {
	defer metrics.ObserveStoreLatency(s.driver, "settings.put", time.Now())
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := `INSERT INTO ` + sqlTableName + ` (setting_key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (setting_key)
		DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, s.rebind(query), key, string(value), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save setting %q: %w", key, err)
	}
	return nil
}

func (s *SQL) Delete(ctx context.Context, key string) error {
	defer metrics.ObserveStoreLatency(s.driver, "settings.delete", time.Now())
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM `+sqlTableName+` WHERE setting_key = $1`), key); err != nil {
		return fmt.Errorf("failed to delete setting %q: %w", key, err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQL) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
