// Package bot owns the runtime lifecycle: store, log bridge, extensions,
// and the inbound dispatch loop.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cogbot/pkg/bus"
	"cogbot/pkg/config"
	"cogbot/pkg/dispatch"
	"cogbot/pkg/extension"
	"cogbot/pkg/logger"
	"cogbot/pkg/store"
)

const defaultLogTable = "logs"

// Options wires the runtime's collaborators.
type Options struct {
	// Registry supplies extension constructors. Defaults to an empty registry.
	Registry *extension.Registry
	// Bus carries inbound and outbound messages. Defaults to a new bus.
	Bus *bus.MessageBus
	// Local is the process-local log sink. Defaults to slog.Default's handler.
	Local slog.Handler
	// Latency reports the gateway round trip. Defaults to zero.
	Latency func() time.Duration
}

// Runtime is the explicit runtime object handed to extensions as their Host.
//
// Lifecycle: New → Start → Run → Close. Start moves Unconfigured through
// Connecting to Ready; Close moves Ready through ShuttingDown to Closed.
type Runtime struct {
	cfg      config.Config
	registry *extension.Registry
	bus      *bus.MessageBus
	local    slog.Handler
	latency  func() time.Duration

	lifecycle sync.Mutex
	admit     sync.RWMutex
	state     atomic.Int32
	inflight  sync.WaitGroup
	sem       chan struct{}

	baseCtx      context.Context
	cancel       context.CancelFunc
	bridgeCancel context.CancelFunc

	pool       *store.Pool
	bridge     *logger.Bridge
	log        *slog.Logger
	dispatcher *dispatch.Dispatcher
	extensions []extension.Extension
	loadErrors []*extension.LoadError
}

var _ extension.Host = (*Runtime)(nil)

// New returns an Unconfigured runtime.
func New(cfg config.Config, opts Options) *Runtime {
	if opts.Registry == nil {
		opts.Registry = extension.NewRegistry()
	}
	if opts.Bus == nil {
		opts.Bus = bus.NewMessageBus()
	}
	if opts.Local == nil {
		opts.Local = slog.Default().Handler()
	}

	maxConcurrent := cfg.Bot.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	r := &Runtime{
		cfg:      cfg,
		registry: opts.Registry,
		bus:      opts.Bus,
		local:    opts.Local,
		latency:  opts.Latency,
		sem:      make(chan struct{}, maxConcurrent),
		log:      slog.New(opts.Local).With("component", "bot.runtime"),
	}
	r.state.Store(int32(Unconfigured))

	return r
}

// Start brings the runtime to Ready. A store that cannot be reached, a log
// schema that cannot be created, and extensions that fail to load are all
// reported and tolerated; Start only fails when called twice.
func (r *Runtime) Start(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if !r.state.CompareAndSwap(int32(Unconfigured), int32(Connecting)) {
		return ErrAlreadyStarted
	}

	localLog := slog.New(r.local).With("component", "bot.runtime")

	pool, err := store.Connect(ctx, store.Config{
		DSN:      r.cfg.Store.DSN,
		PoolSize: r.cfg.Store.PoolSize,
		Logger:   slog.New(r.local),
	})
	if err != nil {
		localLog.Warn("Store unavailable, continuing without persistence", "error", err)
		pool = nil
	}
	r.pool = pool

	r.bridge = r.newBridge(localLog)
	if pool != nil {
		if err := r.bridge.EnsureSchema(ctx); err != nil {
			localLog.Error("Log table setup failed, log persistence disabled", "error", err)
		}
	}

	bridgeCtx, bridgeCancel := context.WithCancel(context.Background())
	r.bridgeCancel = bridgeCancel
	r.bridge.Start(bridgeCtx)

	r.baseCtx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))

	bridged := slog.New(r.bridge)
	r.log = bridged.With("component", "bot.runtime")

	outcomes := r.registry.Resolve(extension.Deps{
		Host:   r,
		Logger: bridged,
		Config: r.cfg,
	}, r.cfg.Bot.Extensions)
	for _, outcome := range outcomes {
		if outcome.Err != nil {
			loadErr := asLoadError(outcome)
			r.loadErrors = append(r.loadErrors, loadErr)
			r.log.Error("Extension failed to load", "extension", outcome.Name, "error", loadErr.Err)
			continue
		}
		r.log.Debug("Extension loaded", "extension", outcome.Name)
	}
	r.extensions = extension.Loaded(outcomes)

	r.dispatcher = dispatch.New(r.extensions, dispatch.Options{
		Logger: bridged,
		Prefix: r.cfg.Bot.Prefix,
	})

	r.state.Store(int32(Ready))
	r.log.Info("Runtime ready",
		"extensions", len(r.extensions),
		"load_errors", len(r.loadErrors),
		"persisting_logs", r.bridge.Persisting(),
	)
	r.bus.PublishEvent(r.baseCtx, bus.Event{Type: bus.EventRuntimeReady})

	for _, ext := range r.extensions {
		if listener, ok := ext.(extension.ReadyListener); ok {
			r.safely(ext.Name(), "ready", func() { listener.OnReady(r.baseCtx) })
		}
	}

	return nil
}

// Run consumes inbound messages in arrival order and dispatches each on
// its own goroutine, at most Bot.MaxConcurrent at a time. It returns when
// ctx is cancelled, the bus closes, or the runtime shuts down.
func (r *Runtime) Run(ctx context.Context) error {
	if r.State() != Ready {
		return ErrNotReady
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.baseCtx, cancel)
	defer stop()

	for {
		msg, ok := r.bus.ConsumeInbound(runCtx)
		if !ok {
			return nil
		}

		select {
		case r.sem <- struct{}{}:
		case <-runCtx.Done():
			return nil
		}

		go func() {
			defer func() { <-r.sem }()
			if _, err := r.HandleInbound(r.baseCtx, msg); err != nil {
				r.log.Debug("Inbound message dropped", "error", err)
			}
		}()
	}
}

// HandleInbound parses msg and dispatches it when it is a command. Text
// that is not a command yields a NotFound result. The dispatch context is
// cancelled when the runtime shuts down.
func (r *Runtime) HandleInbound(ctx context.Context, msg bus.InboundMessage) (dispatch.Result, error) {
	r.admit.RLock()
	if r.State() != Ready {
		r.admit.RUnlock()
		return dispatch.Result{}, ErrNotReady
	}
	r.inflight.Add(1)
	r.admit.RUnlock()
	defer r.inflight.Done()

	name, args, ok := dispatch.Parse(r.cfg.Bot.Prefix, msg.Content)
	if !ok {
		return dispatch.Result{Outcome: dispatch.NotFound}, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.baseCtx, cancel)
	defer stop()

	inv := extension.NewInvocation(msg, name, args, extension.SenderFunc(r.send))
	event := bus.Event{
		Channel:   msg.Channel,
		ChatID:    msg.ChatID,
		UserID:    msg.SenderID,
		Command:   name,
		RequestID: inv.ID,
	}

	received := event
	received.Type = bus.EventCommandReceived
	r.bus.PublishEvent(r.baseCtx, received)

	result := r.dispatcher.Dispatch(ctx, inv)
	switch result.Outcome {
	case dispatch.Handled:
		event.Type = bus.EventCommandCompleted
		r.bus.PublishEvent(r.baseCtx, event)
	case dispatch.Failed:
		event.Type = bus.EventCommandFailed
		event.Error = result.Err.Error()
		r.bus.PublishEvent(r.baseCtx, event)
	}

	return result, nil
}

// Close shuts the runtime down: in-flight dispatches are cancelled and
// awaited (bounded by ctx), extensions are closed, the log bridge is
// drained, and the pool is closed. Calling Close again returns nil.
func (r *Runtime) Close(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	switch r.State() {
	case Closed:
		return nil
	case Unconfigured:
		r.state.Store(int32(Closed))
		return nil
	}

	r.admit.Lock()
	r.state.Store(int32(ShuttingDown))
	r.admit.Unlock()

	r.log.Info("Runtime shutting down")
	r.cancel()

	waited := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		r.log.Warn("Timed out waiting for in-flight commands", "error", ctx.Err())
	}

	for i := len(r.extensions) - 1; i >= 0; i-- {
		ext := r.extensions[i]
		closer, ok := ext.(extension.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(ctx); err != nil {
			r.log.Error("Extension close failed", "extension", ext.Name(), "error", err)
		}
	}

	r.bus.PublishEvent(context.Background(), bus.Event{Type: bus.EventRuntimeClosed})

	if r.pool != nil {
		r.log.Info("Closing database connection")
	}

	localLog := slog.New(r.local).With("component", "bot.runtime")
	if err := r.bridge.Close(ctx); err != nil {
		localLog.Warn("Log bridge did not drain", "error", err)
	}
	r.bridgeCancel()

	var closeErr error
	if err := r.pool.Close(); err != nil {
		closeErr = fmt.Errorf("close store: %w", err)
	}

	r.state.Store(int32(Closed))
	localLog.Info("Runtime closed")

	return closeErr
}

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	return State(r.state.Load())
}

// Latency implements extension.Host.
func (r *Runtime) Latency() time.Duration {
	if r.latency == nil {
		return 0
	}
	return r.latency()
}

// Store implements extension.Host. It is nil when the store is unavailable.
func (r *Runtime) Store() *store.Pool {
	return r.pool
}

// Logger returns the runtime logger, bridged into the store once Ready.
func (r *Runtime) Logger() *slog.Logger {
	return r.log
}

// Bridge returns the log bridge, or nil before Start.
func (r *Runtime) Bridge() *logger.Bridge {
	return r.bridge
}

// Dispatcher returns the command table, or nil before Start.
func (r *Runtime) Dispatcher() *dispatch.Dispatcher {
	return r.dispatcher
}

// Extensions returns the loaded extensions in load order.
func (r *Runtime) Extensions() []extension.Extension {
	return append([]extension.Extension(nil), r.extensions...)
}

// LoadErrors returns the extensions that failed to load at Start.
func (r *Runtime) LoadErrors() []*extension.LoadError {
	return append([]*extension.LoadError(nil), r.loadErrors...)
}

func (r *Runtime) newBridge(localLog *slog.Logger) *logger.Bridge {
	table := r.cfg.Store.LogTable
	if table == "" {
		table = defaultLogTable
	}

	var opts []logger.BridgeOption
	if text := r.cfg.Store.LogLevel; text != "" {
		level, err := logger.ParseLevel(text)
		if err != nil {
			localLog.Warn("Invalid persisted log level, persisting everything", "level", text, "error", err)
		} else {
			opts = append(opts, logger.WithLevel(level))
		}
	}

	bridge, err := logger.NewBridge(r.pool, r.local, table, opts...)
	if err == nil {
		return bridge
	}

	localLog.Error("Invalid log table, log persistence disabled", "table", table, "error", err)
	bridge, _ = logger.NewBridge(nil, r.local, defaultLogTable)
	return bridge
}

func (r *Runtime) send(ctx context.Context, msg bus.OutboundMessage) error {
	if !r.bus.PublishOutbound(ctx, msg) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrOutboundClosed
	}
	return nil
}

func (r *Runtime) safely(name, hook string, fn func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.log.Error("Extension hook panicked", "extension", name, "hook", hook, "panic", recovered)
		}
	}()
	fn()
}

func asLoadError(outcome extension.Outcome) *extension.LoadError {
	if loadErr, ok := outcome.Err.(*extension.LoadError); ok {
		return loadErr
	}
	return &extension.LoadError{Name: outcome.Name, Err: outcome.Err}
}
