package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pacmano1/the-cache/cachedef"
	"github.com/pacmano1/the-cache/logger"
)

// Loader executes the definition's parameterized query for one key. A loader
// is bound to the pool of the registration that created it, so in-flight
// loads are insulated from later re-registrations.
type Loader struct {
	def  cachedef.Definition
	pool *Pool
	log  logger.Logger
}

// NewLoader builds a loader over the given pool. The definition is captured
// by value.
func NewLoader(def cachedef.Definition, pool *Pool, log logger.Logger) *Loader {
	return &Loader{def: def, pool: pool, log: log}
}

// Load runs the query with key bound to the single positional parameter.
// Zero rows and a SQL NULL in the value column both return ErrNotFound; a
// NULL mapping is indistinguishable from a missing one and must not be
// memoized as an empty string.
func (l *Loader) Load(ctx context.Context, key string) (string, error) {
	conn, err := l.pool.Borrow(ctx)
	if err != nil {
		return "", err
	}
	defer l.pool.Release(conn)

	rows, err := conn.QueryContext(ctx, l.def.Query, key)
	if err != nil {
		l.log.Debug("query failed for cache %q key %q: %v", l.def.Name, key, err)
		return "", &QueryError{Cache: l.def.Name, Err: err}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", &QueryError{Cache: l.def.Name, Err: err}
	}

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return "", &QueryError{Cache: l.def.Name, Err: err}
		}
		return "", ErrNotFound
	}

	idx := columnIndex(cols, l.def.ValueColumn)
	if idx < 0 {
		return "", fmt.Errorf("cache %q: value column %q: %w (available: %s)",
			l.def.Name, l.def.ValueColumn, ErrColumnMissing, strings.Join(cols, ", "))
	}

	values := make([]sql.NullString, len(cols))
	scan := make([]interface{}, len(cols))
	for i := range values {
		scan[i] = &values[i]
	}
	if err := rows.Scan(scan...); err != nil {
		return "", &QueryError{Cache: l.def.Name, Err: err}
	}

	if !values[idx].Valid {
		// Row found but the value column is NULL. Treated as not found.
		return "", ErrNotFound
	}
	return values[idx].String, nil
}

// columnIndex resolves name case-insensitively against the driver-reported
// column labels, falling back to an exact match on the raw label.
func columnIndex(cols []string, name string) int {
	for i, c := range cols {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	for i, c := range cols {
		if c == name {
			return i
		}
	}
	return -1
}
