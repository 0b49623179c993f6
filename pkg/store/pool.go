package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	_ "modernc.org/sqlite"
)

const (
	driverName      = "sqlite"
	defaultPoolSize = 4
)

// connectionPragmas are applied by the driver to every connection it opens,
// so pooled connections behave identically.
var connectionPragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
}

// Config holds the parameters for connecting a Pool.
type Config struct {
	// DSN locates the database: a file path, a file: URI, or sqlite://path.
	// Empty means no store.
	DSN string

	// PoolSize bounds the number of open connections. Defaults to 4.
	PoolSize int

	// Logger receives pool lifecycle messages. Defaults to a discard logger.
	Logger *slog.Logger
}

// Row is one result row keyed by column name.
type Row map[string]any

// Pool is a bounded pool of connections to the relational store.
//
// Pool is safe for concurrent use. Connections are only reachable through
// Acquire, which returns them to the pool on every exit path.
type Pool struct {
	db   *sql.DB
	log  *slog.Logger
	path string

	acquired atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// Connect opens a bounded pool and verifies it with a ping. A missing DSN or
// any failure to reach the database yields ErrStoreUnavailable (wrapping the
// cause); Connect never panics past this boundary.
func Connect(ctx context.Context, cfg Config) (*Pool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "store.pool")

	path := normalizeDSN(cfg.DSN)
	if path == "" {
		return nil, fmt.Errorf("%w: no dsn configured", ErrStoreUnavailable)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}

	db, err := sql.Open(driverName, withPragmas(path))
	if err != nil {
		return nil, fmt.Errorf("%w: open: %w", ErrStoreUnavailable, err)
	}

	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping: %w", ErrStoreUnavailable, err)
	}

	logger.Info("Store pool opened", "path", path, "pool_size", poolSize)

	return &Pool{db: db, log: logger, path: path}, nil
}

// Acquire borrows one connection for the duration of fn. The connection is
// returned to the pool when fn returns, fails, panics, or ctx is cancelled.
func (p *Pool) Acquire(ctx context.Context, fn func(*Conn) error) (err error) {
	if p == nil || p.db == nil {
		return ErrStoreUnavailable
	}
	if ctx == nil {
		ctx = context.Background()
	}

	raw, err := p.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("store: acquire connection: %w", err)
	}
	p.acquired.Add(1)
	defer func() {
		if closeErr := raw.Close(); closeErr != nil && err == nil && !errors.Is(closeErr, sql.ErrConnDone) {
			err = fmt.Errorf("store: release connection: %w", closeErr)
		}
	}()

	return fn(&Conn{q: raw})
}

// WithTx runs fn inside a transaction on one borrowed connection. The
// transaction commits when fn returns nil and rolls back otherwise.
func (p *Pool) WithTx(ctx context.Context, fn func(*Conn) error) error {
	return p.Acquire(ctx, func(conn *Conn) error {
		raw, ok := conn.q.(*sql.Conn)
		if !ok {
			return errors.New("store: nested transaction")
		}

		tx, err := raw.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin transaction: %w", err)
		}

		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback()
			}
		}()

		if err := fn(&Conn{q: tx}); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit transaction: %w", err)
		}
		committed = true
		return nil
	})
}

// EnsureSchema executes each statement in order on one borrowed connection.
// Statements must be idempotent (CREATE ... IF NOT EXISTS) so the schema can be
// ensured on every startup.
func (p *Pool) EnsureSchema(ctx context.Context, statements []string) error {
	return p.Acquire(ctx, func(conn *Conn) error {
		for index, statement := range statements {
			if strings.TrimSpace(statement) == "" {
				continue
			}
			if _, err := conn.q.ExecContext(ctx, statement); err != nil {
				return &SchemaError{Index: index, Statement: statement, Err: err}
			}
		}
		return nil
	})
}

// Execute runs a statement that returns no rows and reports rows affected.
func (p *Pool) Execute(ctx context.Context, query string, args ...any) (affected int64, err error) {
	err = p.Acquire(ctx, func(conn *Conn) error {
		affected, err = conn.Execute(ctx, query, args...)
		return err
	})
	return affected, err
}

// FetchOne returns the first matching row, or nil when none match.
func (p *Pool) FetchOne(ctx context.Context, query string, args ...any) (row Row, err error) {
	err = p.Acquire(ctx, func(conn *Conn) error {
		row, err = conn.FetchOne(ctx, query, args...)
		return err
	})
	return row, err
}

// FetchAll returns every matching row.
func (p *Pool) FetchAll(ctx context.Context, query string, args ...any) (rows []Row, err error) {
	err = p.Acquire(ctx, func(conn *Conn) error {
		rows, err = conn.FetchAll(ctx, query, args...)
		return err
	})
	return rows, err
}

// FetchScalar returns the first column of the first row, or nil when none match.
func (p *Pool) FetchScalar(ctx context.Context, query string, args ...any) (value any, err error) {
	err = p.Acquire(ctx, func(conn *Conn) error {
		value, err = conn.FetchScalar(ctx, query, args...)
		return err
	})
	return value, err
}

// InUse reports how many connections are currently borrowed.
func (p *Pool) InUse() int {
	if p == nil || p.db == nil {
		return 0
	}

	return p.db.Stats().InUse
}

// Acquired reports how many connections have been borrowed since Connect.
func (p *Pool) Acquired() uint64 {
	if p == nil {
		return 0
	}

	return p.acquired.Load()
}

// Stats exposes the underlying pool statistics.
func (p *Pool) Stats() sql.DBStats {
	if p == nil || p.db == nil {
		return sql.DBStats{}
	}

	return p.db.Stats()
}

// Close drains and closes every connection. Safe on a nil Pool and safe to
// call more than once.
func (p *Pool) Close() error {
	if p == nil || p.db == nil {
		return nil
	}

	p.closeOnce.Do(func() {
		if err := p.db.Close(); err != nil {
			p.log.Error("Store pool close failed", "path", p.path, "error", err)
			p.closeErr = fmt.Errorf("store: close %s: %w", p.path, err)
			return
		}
		p.log.Info("Store pool closed", "path", p.path)
	})

	return p.closeErr
}

// normalizeDSN strips the sqlite:// scheme so plain paths and file: URIs reach
// the driver unchanged.
func normalizeDSN(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	for _, prefix := range []string{"sqlite://", "sqlite3://"} {
		if strings.HasPrefix(strings.ToLower(dsn), prefix) {
			return dsn[len(prefix):]
		}
	}

	return dsn
}

func withPragmas(path string) string {
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}

	params := make([]string, 0, len(connectionPragmas))
	for _, pragma := range connectionPragmas {
		params = append(params, "_pragma="+pragma)
	}

	return path + separator + strings.Join(params, "&")
}

func compactQuery(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
