package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pacmano1/the-cache/cachedef"
)

// DefaultBorrowTimeout bounds how long a lookup waits for a pooled
// connection before failing with ErrPoolExhausted.
const DefaultBorrowTimeout = 30 * time.Second

// Pool is a bounded, lazily connecting pool of database connections scoped
// to one cache registration. Replacing a registration builds a fresh pool;
// pools are never shared across caches, even when two caches point at the
// same URL.
type Pool struct {
	name          string
	db            *sql.DB
	borrowTimeout time.Duration
	closed        atomic.Bool
}

// NewPool opens a pool for the definition's datasource. Opening does not
// touch the network; the first borrow connects.
func NewPool(def cachedef.Definition, borrowTimeout time.Duration) (*Pool, error) {
	db, err := sql.Open(def.Driver, dsn(def))
	if err != nil {
		return nil, &ConnectionError{Cache: def.Name, Err: err}
	}
	db.SetMaxOpenConns(def.MaxConnections)
	db.SetMaxIdleConns(def.MaxConnections)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if borrowTimeout <= 0 {
		borrowTimeout = DefaultBorrowTimeout
	}
	return &Pool{
		name:          "cache-" + def.Name,
		db:            db,
		borrowTimeout: borrowTimeout,
	}, nil
}

// Name returns the pool's observability name, "cache-<name>".
func (p *Pool) Name() string {
	return p.name
}

// Borrow blocks up to the configured timeout for a connection. The caller's
// context cancels the wait; a cancelled or timed-out wait releases the slot.
func (p *Pool) Borrow(ctx context.Context) (*sql.Conn, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("%s: %w", p.name, ErrPoolClosed)
	}
	ctx, cancel := context.WithTimeout(ctx, p.borrowTimeout)
	defer cancel()
	conn, err := p.db.Conn(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", p.name, ErrPoolExhausted)
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		if errors.Is(err, sql.ErrConnDone) || p.closed.Load() {
			return nil, fmt.Errorf("%s: %w", p.name, ErrPoolClosed)
		}
		return nil, &ConnectionError{Cache: p.name, Err: err}
	}
	return conn, nil
}

// Release returns the connection to the pool. Broken connections are dropped
// by the database/sql runtime rather than reused.
func (p *Pool) Release(conn *sql.Conn) {
	if conn != nil {
		_ = conn.Close()
	}
}

// Close drains idle connections and fails further borrows. In-flight queries
// holding a connection complete before their connection is torn down, which
// makes Close safe to call from the registration-swap path.
func (p *Pool) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.db.Close()
}

// Stats exposes the underlying pool counters.
func (p *Pool) Stats() sql.DBStats {
	return p.db.Stats()
}

// dsn renders the datasource string for sql.Open. Credentials are passed
// through the URL form the driver expects; drivers that take user/password
// inline (sqlite and friends) ignore the extra fields.
func dsn(def cachedef.Definition) string {
	if def.Username == "" && def.Password == "" {
		return def.URL
	}
	switch def.Driver {
	case "sqlite", "sqlite3":
		return def.URL
	case "mysql":
		return fmt.Sprintf("%s:%s@%s", def.Username, def.Password, def.URL)
	default:
		// Other drivers take credentials inside the URL itself.
		return def.URL
	}
}
