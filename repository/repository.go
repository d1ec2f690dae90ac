// Package repository persists cache definitions in a local SQLite database.
// The engine never reads this store directly; definitions are loaded here
// and handed to the engine by the server.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/pacmano1/the-cache/cachedef"
	"github.com/pacmano1/the-cache/logger"
)

var (
	// ErrNotFound is returned when no definition exists for an id.
	ErrNotFound = errors.New("cache definition not found")
	// ErrDuplicateName is returned when another definition already uses the
	// name.
	ErrDuplicateName = errors.New("cache definition name already exists")
)

// Repository is the definition store. Safe for concurrent use.
type Repository struct {
	db     *sql.DB
	log    logger.Logger
	cipher *Cipher
}

// Option configures a Repository.
type Option func(*Repository)

// WithCipher enables password encryption-at-rest.
func WithCipher(c *Cipher) Option {
	return func(r *Repository) { r.cipher = c }
}

// Open opens (and migrates) the definition database at path. An empty path
// or ":memory:" uses an in-memory database.
func Open(ctx context.Context, path string, log logger.Logger, opts ...Option) (*Repository, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open definition database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	r := &Repository{db: db, log: log.WithPrefix("[repository]")}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// migrate creates the schema and brings older tables forward.
func (r *Repository) migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS cache_definition (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		enabled INTEGER NOT NULL DEFAULT 1,
		driver TEXT NOT NULL,
		url TEXT NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		password TEXT NOT NULL DEFAULT '',
		query TEXT NOT NULL,
		key_column TEXT NOT NULL DEFAULT '',
		value_column TEXT NOT NULL,
		max_size INTEGER NOT NULL DEFAULT 0,
		eviction_duration_minutes INTEGER NOT NULL DEFAULT 0,
		max_connections INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	// Tables created before pooling was configurable lack max_connections.
	has, err := r.hasColumn(ctx, "max_connections")
	if err != nil {
		return err
	}
	if !has {
		if _, err := r.db.ExecContext(ctx,
			`ALTER TABLE cache_definition ADD COLUMN max_connections INTEGER NOT NULL DEFAULT 1`); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
		r.log.Info("migrated cache_definition: added max_connections")
	}
	return nil
}

func (r *Repository) hasColumn(ctx context.Context, column string) (bool, error) {
	rows, err := r.db.QueryContext(ctx, `PRAGMA table_info(cache_definition)`)
	if err != nil {
		return false, fmt.Errorf("failed to inspect schema: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

const definitionColumns = `id, name, enabled, driver, url, username, password, query,
	key_column, value_column, max_size, eviction_duration_minutes, max_connections,
	created_at, updated_at`

// List returns all definitions ordered by name.
func (r *Repository) List(ctx context.Context) ([]cachedef.Definition, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+definitionColumns+` FROM cache_definition ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache definitions: %w", err)
	}
	defer rows.Close()
	var defs []cachedef.Definition
	for rows.Next() {
		def, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// Get returns the definition for id, or ErrNotFound.
func (r *Repository) Get(ctx context.Context, id string) (cachedef.Definition, error) {
	return r.getWhere(ctx, "id", id)
}

// GetByName returns the definition using name, or ErrNotFound.
func (r *Repository) GetByName(ctx context.Context, name string) (cachedef.Definition, error) {
	return r.getWhere(ctx, "name", name)
}

func (r *Repository) getWhere(ctx context.Context, column, value string) (cachedef.Definition, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+definitionColumns+` FROM cache_definition WHERE `+column+` = ?`, value)
	if err != nil {
		return cachedef.Definition{}, fmt.Errorf("failed to get cache definition: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return cachedef.Definition{}, err
		}
		return cachedef.Definition{}, ErrNotFound
	}
	return r.scan(rows)
}

// Create inserts def, assigning an id when absent, and returns the stored
// record.
func (r *Repository) Create(ctx context.Context, def cachedef.Definition) (cachedef.Definition, error) {
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now

	password, err := r.storedPassword(def.Password)
	if err != nil {
		return cachedef.Definition{}, err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO cache_definition (`+definitionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.Name, boolToInt(def.Enabled), def.Driver, def.URL, def.Username, password,
		def.Query, def.KeyColumn, def.ValueColumn, def.MaxSize, def.EvictionMinutes,
		def.MaxConnections, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return cachedef.Definition{}, fmt.Errorf("%q: %w", def.Name, ErrDuplicateName)
		}
		return cachedef.Definition{}, fmt.Errorf("failed to create cache definition: %w", err)
	}
	return def, nil
}

// Update rewrites the record for def.ID and returns the stored record, or
// ErrNotFound.
func (r *Repository) Update(ctx context.Context, def cachedef.Definition) (cachedef.Definition, error) {
	now := time.Now().UTC()
	def.UpdatedAt = now

	password, err := r.storedPassword(def.Password)
	if err != nil {
		return cachedef.Definition{}, err
	}
	res, err := r.db.ExecContext(ctx, `UPDATE cache_definition SET
		name = ?, enabled = ?, driver = ?, url = ?, username = ?, password = ?,
		query = ?, key_column = ?, value_column = ?, max_size = ?,
		eviction_duration_minutes = ?, max_connections = ?, updated_at = ?
		WHERE id = ?`,
		def.Name, boolToInt(def.Enabled), def.Driver, def.URL, def.Username, password,
		def.Query, def.KeyColumn, def.ValueColumn, def.MaxSize, def.EvictionMinutes,
		def.MaxConnections, now.UnixMilli(), def.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return cachedef.Definition{}, fmt.Errorf("%q: %w", def.Name, ErrDuplicateName)
		}
		return cachedef.Definition{}, fmt.Errorf("failed to update cache definition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return cachedef.Definition{}, err
	}
	if affected == 0 {
		return cachedef.Definition{}, ErrNotFound
	}
	return def, nil
}

// Delete removes the record for id, or returns ErrNotFound.
func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM cache_definition WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete cache definition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the underlying database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// storedPassword encrypts the password when a cipher is configured.
func (r *Repository) storedPassword(password string) (string, error) {
	if r.cipher == nil {
		return password, nil
	}
	return r.cipher.Encrypt(password)
}

func (r *Repository) scan(rows *sql.Rows) (cachedef.Definition, error) {
	var def cachedef.Definition
	var enabled, createdAt, updatedAt int64
	if err := rows.Scan(&def.ID, &def.Name, &enabled, &def.Driver, &def.URL,
		&def.Username, &def.Password, &def.Query, &def.KeyColumn, &def.ValueColumn,
		&def.MaxSize, &def.EvictionMinutes, &def.MaxConnections,
		&createdAt, &updatedAt); err != nil {
		return cachedef.Definition{}, fmt.Errorf("failed to read cache definition: %w", err)
	}
	def.Enabled = enabled != 0
	def.CreatedAt = time.UnixMilli(createdAt).UTC()
	def.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if r.cipher != nil && IsEncrypted(def.Password) {
		plain, err := r.cipher.Decrypt(def.Password)
		if err != nil {
			return cachedef.Definition{}, err
		}
		def.Password = plain
	}
	return def, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
