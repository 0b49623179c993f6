package store

import (
	"errors"
	"fmt"
)

// ErrStoreUnavailable is returned by Connect when no DSN is configured or the
// database cannot be reached. Callers degrade to running without a store.
var ErrStoreUnavailable = errors.New("store: unavailable")

// SchemaError reports a failed DDL statement during EnsureSchema.
type SchemaError struct {
	Index     int
	Statement string
	Err       error
}

func (e *SchemaError) Error() string {
	if e == nil {
		return ""
	}

	return fmt.Sprintf("store: schema statement %d: %v", e.Index, e.Err)
}

func (e *SchemaError) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// QueryError reports a failed parameterized query. Query holds the statement
// text only; bound values are never included.
type QueryError struct {
	Query string
	Err   error
}

func (e *QueryError) Error() string {
	if e == nil {
		return ""
	}

	return fmt.Sprintf("store: query %q: %v", compactQuery(e.Query), e.Err)
}

func (e *QueryError) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

func queryError(query string, err error) error {
	if err == nil {
		return nil
	}

	return &QueryError{Query: query, Err: err}
}
