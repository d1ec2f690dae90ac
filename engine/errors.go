package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownCache is returned when an id or name is not registered.
	ErrUnknownCache = errors.New("no cache registered")
	// ErrNotFound is returned when the query produced no row (or a SQL NULL
	// value) for the key. It is never memoized.
	ErrNotFound = errors.New("key not found")
	// ErrDuplicateName is returned when another registration already binds
	// the definition name.
	ErrDuplicateName = errors.New("cache name already registered")
	// ErrPoolExhausted is returned when the pool cannot honor a borrow
	// within its timeout.
	ErrPoolExhausted = errors.New("connection pool exhausted")
	// ErrPoolClosed is returned when borrowing from a closed pool.
	ErrPoolClosed = errors.New("connection pool closed")
	// ErrColumnMissing is returned when the configured value column does not
	// match any column of the result set.
	ErrColumnMissing = errors.New("column not found in result set")
)

// QueryError wraps a driver failure during statement execution with enough
// context to identify the cache.
type QueryError struct {
	Cache string
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("cache %q: query failed: %v", e.Cache, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// ConnectionError wraps a driver failure while opening or borrowing a
// connection.
type ConnectionError struct {
	Cache string
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("cache %q: connection failed: %v", e.Cache, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
