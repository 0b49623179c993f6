package logger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logfmt/logfmt"

	"cogbot/pkg/metrics"
	"cogbot/pkg/store"
)

const (
	defaultQueueSize  = 1024
	defaultLoggerName = "cogbot"
	writeTimeout      = 5 * time.Second
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ErrInvalidTable is returned when the log table name is not a plain identifier.
var ErrInvalidTable = errors.New("logger: invalid log table name")

// Record is one persisted log row.
type Record struct {
	Time    time.Time
	Logger  string
	Level   string
	Message string
}

// BridgeStats counts what happened to records handed to the bridge.
type BridgeStats struct {
	Persisted uint64
	Dropped   uint64
	Failed    uint64
}

// BridgeOption configures a Bridge.
type BridgeOption func(*bridgeState)

// WithQueueSize bounds the number of records waiting for the writer.
func WithQueueSize(size int) BridgeOption {
	return func(s *bridgeState) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithLevel sets the minimum level that is persisted, independent of the
// local handler's level. Defaults to debug, so every record is kept.
func WithLevel(level slog.Leveler) BridgeOption {
	return func(s *bridgeState) {
		if level != nil {
			s.level = level
		}
	}
}

// WithLoggerName sets the logger name used when a record carries no
// component attribute.
func WithLoggerName(name string) BridgeOption {
	return func(s *bridgeState) {
		if name = strings.TrimSpace(name); name != "" {
			s.defaultName = name
		}
	}
}

// Bridge is a slog.Handler that writes records to a local handler and
// mirrors every record at or above its persistence level into the store's
// log table. The two levels are independent: a record the local handler
// filters out is still persisted.
//
// Emission never blocks on the store: records are queued and a single writer
// goroutine started by Start inserts them. A full queue drops the record. A
// failed insert is reported once to the local handler and the record is
// dropped. With a nil pool the bridge is a pass-through to the local handler.
type Bridge struct {
	local  slog.Handler
	state  *bridgeState
	attrs  []boundAttr
	groups []string
	name   string
}

type bridgeState struct {
	pool        *store.Pool
	local       slog.Handler
	table       string
	insert      string
	queueSize   int
	defaultName string
	level       slog.Leveler

	// intake guards the closed flag against in-flight enqueues, so no
	// record can land in the queue after the writer's final drain.
	intake sync.RWMutex

	queue   chan Record
	done    chan struct{}
	stopped chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	started   atomic.Bool
	closed    atomic.Bool
	disabled  atomic.Bool
	dropNoted atomic.Bool

	persisted atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewBridge returns a bridge that persists into table through pool. The
// table name must be a plain SQL identifier.
func NewBridge(pool *store.Pool, local slog.Handler, table string, opts ...BridgeOption) (*Bridge, error) {
	if local == nil {
		local = slog.DiscardHandler
	}

	table = strings.TrimSpace(table)
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}

	state := &bridgeState{
		pool:        pool,
		local:       local,
		table:       table,
		insert:      fmt.Sprintf("INSERT INTO %s (timestamp, logger, level, message) VALUES (?, ?, ?, ?)", table),
		queueSize:   defaultQueueSize,
		defaultName: defaultLoggerName,
		level:       slog.LevelDebug,
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(state)
	}
	state.queue = make(chan Record, state.queueSize)

	return &Bridge{local: local, state: state, name: state.defaultName}, nil
}

// SchemaStatements returns the idempotent DDL for the log table.
func SchemaStatements(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			logger    TEXT NOT NULL,
			level     TEXT NOT NULL,
			message   TEXT NOT NULL
		)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_timestamp ON %s(timestamp)`, table, table),
	}
}

// EnsureSchema creates the log table. On failure persistence is switched
// off for the life of the bridge and the error is returned for reporting.
func (b *Bridge) EnsureSchema(ctx context.Context) error {
	s := b.state
	if s.pool == nil {
		return store.ErrStoreUnavailable
	}

	if err := s.pool.EnsureSchema(ctx, SchemaStatements(s.table)); err != nil {
		s.disabled.Store(true)
		return err
	}

	return nil
}

// Start launches the writer goroutine. Only the first call has any effect.
// The writer stops when ctx is cancelled or Close is called.
func (b *Bridge) Start(ctx context.Context) {
	s := b.state
	if s.pool == nil {
		return
	}

	s.startOnce.Do(func() {
		s.started.Store(true)
		go s.run(ctx)
	})
}

// Close stops accepting records, drains the queue into the store, and waits
// for the writer to exit or ctx to expire. Safe to call more than once.
func (b *Bridge) Close(ctx context.Context) error {
	s := b.state

	s.closeOnce.Do(func() {
		s.shutIntake()
		close(s.done)
	})

	if !s.started.Load() {
		s.discard()
		return nil
	}

	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("logger: drain log bridge: %w", ctx.Err())
	}
}

// Persisting reports whether records are currently mirrored into the store.
func (b *Bridge) Persisting() bool {
	s := b.state
	return s.pool != nil && !s.disabled.Load() && !s.closed.Load()
}

// Stats returns a snapshot of the bridge counters.
func (b *Bridge) Stats() BridgeStats {
	s := b.state
	return BridgeStats{
		Persisted: s.persisted.Load(),
		Dropped:   s.dropped.Load(),
		Failed:    s.failed.Load(),
	}
}

func (b *Bridge) Enabled(ctx context.Context, level slog.Level) bool {
	return b.local.Enabled(ctx, level) || b.persists(level)
}

func (b *Bridge) Handle(ctx context.Context, record slog.Record) error {
	var err error
	if b.local.Enabled(ctx, record.Level) {
		err = b.local.Handle(ctx, record)
	}

	if !b.persists(record.Level) {
		return err
	}

	s := b.state
	rec := b.record(record)

	s.intake.RLock()
	defer s.intake.RUnlock()
	if s.closed.Load() {
		return err
	}

	select {
	case s.queue <- rec:
	default:
		s.dropped.Add(1)
		metrics.LogRecords.WithLabelValues("dropped").Inc()
		if s.dropNoted.CompareAndSwap(false, true) {
			s.report(ctx, "Log bridge queue full, dropping records", "queue_size", s.queueSize)
		}
	}

	return err
}

func (b *Bridge) persists(level slog.Level) bool {
	return b.Persisting() && level >= b.state.level.Level()
}

func (b *Bridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *b
	next.local = b.local.WithAttrs(attrs)
	next.attrs = bindAttrs(b.attrs, b.groups, attrs)
	if len(b.groups) == 0 {
		for _, attr := range attrs {
			if attr.Key == LoggerKey && attr.Value.Kind() == slog.KindString {
				next.name = attr.Value.String()
			}
		}
	}
	return &next
}

func (b *Bridge) WithGroup(name string) slog.Handler {
	if name == "" {
		return b
	}

	next := *b
	next.local = b.local.WithGroup(name)
	next.groups = append(append([]string{}, b.groups...), name)
	return &next
}

// record flattens a slog record into a row. Attributes are appended to the
// message in logfmt.
func (b *Bridge) record(r slog.Record) Record {
	rec := Record{
		Time:   r.Time,
		Logger: b.name,
		Level:  r.Level.String(),
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}

	var keyvals []any
	collect := func(key string, value slog.Value) {
		if key == LoggerKey && value.Kind() == slog.KindString {
			rec.Logger = value.String()
			return
		}
		keyvals = append(keyvals, key, attrValue(value))
	}

	for _, bound := range b.attrs {
		walkAttr(bound.groups, bound.attr, func(key string, value slog.Value) {
			if key == LoggerKey {
				return
			}
			collect(key, value)
		})
	}
	r.Attrs(func(attr slog.Attr) bool {
		walkAttr(b.groups, attr, collect)
		return true
	})

	rec.Message = r.Message
	if len(keyvals) > 0 {
		encoded, err := logfmt.MarshalKeyvals(keyvals...)
		if err != nil {
			encoded = []byte(fmt.Sprint(keyvals...))
		}
		rec.Message = strings.TrimSpace(r.Message + " " + string(encoded))
	}

	return rec
}

func (s *bridgeState) run(ctx context.Context) {
	defer close(s.stopped)

	for {
		select {
		case rec := <-s.queue:
			s.write(ctx, rec)
		case <-s.done:
			s.drain(ctx)
			return
		case <-ctx.Done():
			s.shutIntake()
			s.discard()
			return
		}
	}
}

// shutIntake stops Handle from queueing. Once it returns the queue only
// shrinks.
func (s *bridgeState) shutIntake() {
	s.intake.Lock()
	s.closed.Store(true)
	s.intake.Unlock()
}

// discard counts whatever is still queued as dropped.
func (s *bridgeState) discard() {
	for {
		select {
		case <-s.queue:
			s.dropped.Add(1)
			metrics.LogRecords.WithLabelValues("dropped").Inc()
		default:
			return
		}
	}
}

func (s *bridgeState) drain(ctx context.Context) {
	for {
		select {
		case rec := <-s.queue:
			s.write(ctx, rec)
		default:
			return
		}
	}
}

func (s *bridgeState) write(ctx context.Context, rec Record) {
	if s.disabled.Load() {
		s.dropped.Add(1)
		metrics.LogRecords.WithLabelValues("dropped").Inc()
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	_, err := s.pool.Execute(writeCtx, s.insert,
		rec.Time.UTC().Format(time.RFC3339Nano),
		rec.Logger,
		rec.Level,
		rec.Message,
	)
	if err != nil {
		s.failed.Add(1)
		metrics.LogRecords.WithLabelValues("failed").Inc()
		s.report(ctx, "Failed to persist log record", "logger", rec.Logger, "error", err)
		return
	}

	s.persisted.Add(1)
	metrics.LogRecords.WithLabelValues("persisted").Inc()
}

// report writes straight to the local handler so a persistence failure can
// never re-enter the bridge.
func (s *bridgeState) report(ctx context.Context, msg string, args ...any) {
	record := slog.NewRecord(time.Now(), slog.LevelWarn, msg, 0)
	record.AddAttrs(slog.String(LoggerKey, "logger.bridge"))
	record.Add(args...)
	if s.local.Enabled(ctx, slog.LevelWarn) {
		_ = s.local.Handle(ctx, record)
	}
}
