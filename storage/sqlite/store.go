// Package sqlite provides a SQLite-backed implementation of the cart
// persistence seam. Unacknowledged optimistic cart entries are written
// here so a restarted client can seed its cache before the first resync.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	storesync "github.com/c0deZ3R0/go-storefront-kit"
	kiterr "github.com/c0deZ3R0/go-storefront-kit/errors"

	// SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("store is closed")

// Config holds store options. WAL mode is recommended and enabled by the
// default config; the connection pool defaults suit a single client
// process.
type Config struct {
	// DataSourceName is the SQLite connection string, e.g. "file:cart.db".
	DataSourceName string

	// EnableWAL enables write-ahead logging. When true,
	// "?_journal_mode=WAL" is appended to DataSourceName unless a journal
	// mode is already set.
	EnableWAL bool

	// TableName defaults to "cart_state".
	TableName string

	// Connection pool settings.
	MaxOpenConns    int           // Default: 4
	MaxIdleConns    int           // Default: 2
	ConnMaxLifetime time.Duration // Default: 1h
	ConnMaxIdleTime time.Duration // Default: 5m
}

// DefaultConfig returns a production-ready configuration for path.
func DefaultConfig(path string) Config {
	return Config{
		DataSourceName: path,
		EnableWAL:      true,
	}
}

func (c *Config) setDefaults() {
	if c.TableName == "" {
		c.TableName = "cart_state"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 4
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 2
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		sep := "?"
		if strings.Contains(c.DataSourceName, "?") {
			sep = "&"
		}
		c.DataSourceName += sep + "_journal_mode=WAL"
	}
}

// Store implements storesync.CartStore over a SQLite database.
type Store struct {
	db        *sql.DB
	tableName string

	mu     sync.Mutex
	closed bool
}

// NewStore opens (and if needed bootstraps) the store.
func NewStore(cfg Config) (*Store, error) {
	cfg.setDefaults()

	db, err := sql.Open("sqlite3", cfg.DataSourceName)
	if err != nil {
		return nil, kiterr.NewStorageError(kiterr.OpPersist, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	s := &Store{db: db, tableName: cfg.TableName}
	if err := s.bootstrap(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) bootstrap() error {
	schema := `CREATE TABLE IF NOT EXISTS ` + s.tableName + ` (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		version INTEGER NOT NULL,
		payload BLOB,
		saved_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := s.db.Exec(schema); err != nil {
		return kiterr.E(kiterr.OpPersist, kiterr.Component("storage/sqlite"),
			kiterr.ErrCodeStorageFailure, err, "bootstrap schema")
	}
	return nil
}

// Load returns every persisted entry ordered by id.
func (s *Store) Load(ctx context.Context) ([]storesync.Entity, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_type, version, payload FROM `+s.tableName+` ORDER BY id`)
	if err != nil {
		return nil, kiterr.NewStorageError(kiterr.OpPersist, err)
	}
	defer rows.Close()

	var out []storesync.Entity
	for rows.Next() {
		var (
			e          storesync.Entity
			entityType string
			payload    []byte
		)
		if err := rows.Scan(&e.ID, &entityType, &e.Version, &payload); err != nil {
			return nil, kiterr.NewStorageError(kiterr.OpPersist, err)
		}
		e.Type = storesync.EntityType(entityType)
		if payload != nil {
			e.Payload = json.RawMessage(payload)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, kiterr.NewStorageError(kiterr.OpPersist, err)
	}
	return out, nil
}

// Save upserts one entry.
func (s *Store) Save(ctx context.Context, entity storesync.Entity) error {
	if err := s.check(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.tableName+` (id, entity_type, version, payload, saved_at)
		 VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET
		   entity_type = excluded.entity_type,
		   version = excluded.version,
		   payload = excluded.payload,
		   saved_at = excluded.saved_at`,
		entity.ID, string(entity.Type), entity.Version, []byte(entity.Payload))
	return kiterr.WrapOpComponent(err, kiterr.OpPersist, "storage/sqlite")
}

// Delete removes one entry. Deleting an absent id is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.check(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM `+s.tableName+` WHERE id = ?`, id)
	return kiterr.WrapOpComponent(err, kiterr.OpPersist, "storage/sqlite")
}

// Clear removes every entry.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM `+s.tableName)
	return kiterr.WrapOpComponent(err, kiterr.OpPersist, "storage/sqlite")
}

// Close closes the underlying database. Further calls are no-ops.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return kiterr.WrapOpComponent(s.db.Close(), kiterr.OpClose, "storage/sqlite")
}

func (s *Store) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kiterr.E(kiterr.OpPersist, kiterr.Component("storage/sqlite"),
			kiterr.ErrCodeStorageFailure, ErrStoreClosed)
	}
	return nil
}
