package store

import (
	"context"
	"database/sql"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Conn is a borrowed connection (or open transaction). It is only valid
// inside the Acquire or WithTx callback that produced it.
type Conn struct {
	q querier
}

// Execute runs a statement that returns no rows and reports rows affected.
func (c *Conn) Execute(ctx context.Context, query string, args ...any) (int64, error) {
	result, err := c.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, queryError(query, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, queryError(query, err)
	}

	return affected, nil
}

// FetchOne returns the first matching row, or nil when none match.
func (c *Conn) FetchOne(ctx context.Context, query string, args ...any) (Row, error) {
	rows, err := c.query(ctx, query, 1, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	return rows[0], nil
}

// FetchAll returns every matching row.
func (c *Conn) FetchAll(ctx context.Context, query string, args ...any) ([]Row, error) {
	return c.query(ctx, query, 0, args...)
}

// FetchScalar returns the first column of the first row, or nil when none match.
func (c *Conn) FetchScalar(ctx context.Context, query string, args ...any) (any, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, queryError(query, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, queryError(query, rows.Err())
	}

	columns, err := rows.Columns()
	if err != nil {
		return nil, queryError(query, err)
	}

	values := make([]any, len(columns))
	targets := make([]any, len(columns))
	for i := range values {
		targets[i] = &values[i]
	}
	if err := rows.Scan(targets...); err != nil {
		return nil, queryError(query, err)
	}
	if len(values) == 0 {
		return nil, nil
	}

	return normalizeValue(values[0]), nil
}

// query scans up to limit rows (0 means all) into Row maps.
func (c *Conn) query(ctx context.Context, query string, limit int, args ...any) ([]Row, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, queryError(query, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, queryError(query, err)
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(columns))
		targets := make([]any, len(columns))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, queryError(query, err)
		}

		row := make(Row, len(columns))
		for i, column := range columns {
			row[column] = normalizeValue(values[i])
		}
		out = append(out, row)

		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, queryError(query, err)
	}

	return out, nil
}

// normalizeValue copies driver-owned byte slices so rows stay valid after the
// connection is returned.
func normalizeValue(value any) any {
	if raw, ok := value.([]byte); ok {
		return append([]byte(nil), raw...)
	}

	return value
}
