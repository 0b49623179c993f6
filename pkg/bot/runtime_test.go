package bot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cogbot/pkg/bus"
	"cogbot/pkg/config"
	"cogbot/pkg/dispatch"
	"cogbot/pkg/extension"
	"cogbot/pkg/extension/general"
	"cogbot/pkg/logger"
	"cogbot/pkg/store"
)

type recordingExtension struct {
	name     string
	commands []extension.Command

	ready     atomic.Int32
	closed    atomic.Int32
	completed atomic.Int32
	failed    atomic.Int32
}

func (p *recordingExtension) Name() string                  { return p.name }
func (p *recordingExtension) Commands() []extension.Command { return p.commands }
func (p *recordingExtension) OnReady(context.Context)       { p.ready.Add(1) }

func (p *recordingExtension) OnCommandCompleted(context.Context, *extension.Invocation) {
	p.completed.Add(1)
}

func (p *recordingExtension) OnCommandFailed(context.Context, *extension.Invocation, error) {
	p.failed.Add(1)
}

func (p *recordingExtension) Close(context.Context) error {
	p.closed.Add(1)
	return nil
}

func registerRecorder(registry *extension.Registry, p *recordingExtension) {
	registry.Register(p.name, func(extension.Deps) (extension.Extension, error) { return p, nil })
}

func testConfig(dsn string, extensions ...string) config.Config {
	return config.Config{
		Bot:   config.BotConfig{Prefix: "!", Extensions: extensions, MaxConcurrent: 8},
		Store: config.StoreConfig{DSN: dsn, PoolSize: 4, LogTable: "logs"},
	}
}

func startRuntime(t *testing.T, cfg config.Config, opts Options) *Runtime {
	t.Helper()

	if opts.Local == nil {
		opts.Local = slog.DiscardHandler
	}
	if opts.Bus == nil {
		opts.Bus = bus.NewMessageBus()
	}
	t.Cleanup(opts.Bus.Close)

	r := New(cfg, opts)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Close(context.Background()) })

	return r
}

func nextOutbound(t *testing.T, mb *bus.MessageBus) (bus.OutboundMessage, bool) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	return mb.SubscribeOutbound(ctx)
}

func command(text string) bus.InboundMessage {
	return bus.InboundMessage{Channel: "telegram", ChatID: "100", SenderID: "42", Content: text}
}

func TestStartWithoutStoreReachesReady(t *testing.T) {
	var local bytes.Buffer
	handler, err := logger.NewHandler(config.LoggingConfig{Format: "json"}, &local)
	require.NoError(t, err)

	r := startRuntime(t, testConfig(""), Options{Local: handler})

	require.Equal(t, Ready, r.State())
	require.Nil(t, r.Store())
	require.False(t, r.Bridge().Persisting())

	r.Logger().Info("accepted without a store")
	require.Contains(t, local.String(), "accepted without a store")
	require.Contains(t, local.String(), "Store unavailable")
	require.Equal(t, logger.BridgeStats{}, r.Bridge().Stats())
}

func TestMissingExtensionDoesNotAbortStartup(t *testing.T) {
	registry := extension.NewRegistry()
	registry.Register(general.Name, general.New)
	mb := bus.NewMessageBus()

	r := startRuntime(t, testConfig("", "general", "bogus"), Options{
		Registry: registry,
		Bus:      mb,
		Latency:  func() time.Duration { return 5 * time.Millisecond },
	})

	require.Equal(t, Ready, r.State())
	require.Len(t, r.Extensions(), 1)
	require.Equal(t, "general", r.Extensions()[0].Name())

	loadErrors := r.LoadErrors()
	require.Len(t, loadErrors, 1)
	require.Equal(t, "bogus", loadErrors[0].Name)
	require.ErrorIs(t, loadErrors[0], extension.ErrNotRegistered)

	result, err := r.HandleInbound(context.Background(), command("!ping"))
	require.NoError(t, err)
	require.Equal(t, dispatch.Handled, result.Outcome)

	out, ok := nextOutbound(t, mb)
	require.True(t, ok)
	require.Equal(t, "Pong! 5ms", out.Content)
	require.Equal(t, bus.KindReply, out.Kind)
	require.Equal(t, "100", out.ChatID)

	_, ok = nextOutbound(t, mb)
	require.False(t, ok, "ping must send exactly one message")
}

func TestPingLeavesReachableStoreUntouched(t *testing.T) {
	registry := extension.NewRegistry()
	registry.Register(general.Name, general.New)
	mb := bus.NewMessageBus()

	cfg := testConfig(filepath.Join(t.TempDir(), "bot.db"), "general")
	cfg.Store.LogLevel = "error"
	r := startRuntime(t, cfg, Options{
		Registry: registry,
		Bus:      mb,
		Latency:  func() time.Duration { return 5 * time.Millisecond },
	})
	require.NotNil(t, r.Store())

	tables := func() []string {
		rows, err := r.Store().FetchAll(context.Background(), "SELECT name FROM sqlite_master ORDER BY name")
		require.NoError(t, err)
		names := make([]string, 0, len(rows))
		for _, row := range rows {
			names = append(names, fmt.Sprint(row["name"]))
		}
		return names
	}
	tablesBefore := tables()
	acquiredBefore := r.Store().Acquired()

	result, err := r.HandleInbound(context.Background(), command("!ping"))
	require.NoError(t, err)
	require.Equal(t, dispatch.Handled, result.Outcome)

	out, ok := nextOutbound(t, mb)
	require.True(t, ok)
	require.Equal(t, "Pong! 5ms", out.Content)
	_, ok = nextOutbound(t, mb)
	require.False(t, ok, "ping must send exactly one message")

	require.Equal(t, acquiredBefore, r.Store().Acquired(), "ping must not borrow a store connection")
	require.Equal(t, tablesBefore, tables())
}

func TestFailingHandlerIsContained(t *testing.T) {
	registry := extension.NewRegistry()
	faulty := &recordingExtension{name: "faulty", commands: []extension.Command{{
		Name:    "explode",
		Handler: func(context.Context, *extension.Invocation) error { return errors.New("kaboom") },
	}}}
	registerRecorder(registry, faulty)
	mb := bus.NewMessageBus()

	events, unsubscribe := mb.SubscribeEvents(context.Background(), 8)
	defer unsubscribe()

	r := startRuntime(t, testConfig("", "faulty"), Options{Registry: registry, Bus: mb})

	result, err := r.HandleInbound(context.Background(), command("!explode"))
	require.NoError(t, err)
	require.Equal(t, dispatch.Failed, result.Outcome)

	var dispatchErr *dispatch.DispatchError
	require.ErrorAs(t, result.Err, &dispatchErr)
	require.Equal(t, "explode", dispatchErr.Command)

	require.EqualValues(t, 1, faulty.failed.Load())
	require.EqualValues(t, 0, faulty.completed.Load())
	require.Equal(t, Ready, r.State())

	out, ok := nextOutbound(t, mb)
	require.True(t, ok)
	require.Equal(t, dispatch.DefaultNotice, out.Content)

	sawFailure := false
	for !sawFailure {
		select {
		case event := <-events:
			if event.Type == bus.EventCommandFailed {
				require.Equal(t, "explode", event.Command)
				require.Contains(t, event.Error, "kaboom")
				sawFailure = true
			}
		case <-time.After(time.Second):
			t.Fatal("expected command_failed event")
		}
	}
}

func TestUnknownCommandIsSilent(t *testing.T) {
	registry := extension.NewRegistry()
	listener := &recordingExtension{name: "listener"}
	registerRecorder(registry, listener)
	mb := bus.NewMessageBus()

	r := startRuntime(t, testConfig("", "listener"), Options{Registry: registry, Bus: mb})

	for _, text := range []string{"!nope", "just chatting", "!"} {
		result, err := r.HandleInbound(context.Background(), command(text))
		require.NoError(t, err)
		require.Equal(t, dispatch.NotFound, result.Outcome, text)
		require.NoError(t, result.Err)
	}

	_, ok := nextOutbound(t, mb)
	require.False(t, ok)
	require.Zero(t, listener.completed.Load()+listener.failed.Load())
}

func TestLifecycleHooksAndIdempotentClose(t *testing.T) {
	registry := extension.NewRegistry()
	p := &recordingExtension{name: "recorder"}
	registerRecorder(registry, p)

	r := New(testConfig("", "recorder"), Options{Registry: registry, Local: slog.DiscardHandler})
	require.Equal(t, Unconfigured, r.State())

	_, err := r.HandleInbound(context.Background(), command("!help"))
	require.ErrorIs(t, err, ErrNotReady)
	require.ErrorIs(t, r.Run(context.Background()), ErrNotReady)

	require.NoError(t, r.Start(context.Background()))
	require.ErrorIs(t, r.Start(context.Background()), ErrAlreadyStarted)
	require.EqualValues(t, 1, p.ready.Load())

	require.NoError(t, r.Close(context.Background()))
	require.Equal(t, Closed, r.State())
	require.EqualValues(t, 1, p.closed.Load())

	require.NoError(t, r.Close(context.Background()))
	require.EqualValues(t, 1, p.closed.Load())

	_, err = r.HandleInbound(context.Background(), command("!help"))
	require.ErrorIs(t, err, ErrNotReady)
}

func TestCloseBeforeStart(t *testing.T) {
	r := New(testConfig(""), Options{Local: slog.DiscardHandler})
	require.NoError(t, r.Close(context.Background()))
	require.Equal(t, Closed, r.State())
	require.ErrorIs(t, r.Start(context.Background()), ErrAlreadyStarted)
}

func TestLogsArePersistedThroughBridge(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "bot.db")

	var local bytes.Buffer
	handler, err := logger.NewHandler(config.LoggingConfig{Format: "json", Level: "info"}, &local)
	require.NoError(t, err)

	r := New(testConfig(dsn), Options{Local: handler})
	require.NoError(t, r.Start(context.Background()))
	require.NotNil(t, r.Store())
	require.True(t, r.Bridge().Persisting())

	r.Logger().Info("persist me", "k", "v")
	require.NoError(t, r.Close(context.Background()))

	pool, err := store.Connect(context.Background(), store.Config{DSN: dsn})
	require.NoError(t, err)
	defer pool.Close()

	rows, err := pool.FetchAll(context.Background(), "SELECT logger, level, message FROM logs ORDER BY id")
	require.NoError(t, err)

	var messages []string
	for _, row := range rows {
		messages = append(messages, fmt.Sprint(row["message"]))
	}
	joined := strings.Join(messages, "\n")
	require.Contains(t, joined, "Runtime ready")
	require.Contains(t, joined, "persist me k=v")
	require.Contains(t, joined, "Closing database connection")
	require.Equal(t, "bot.runtime", rows[0]["logger"])
}

func TestConcurrentDispatchReturnsConnections(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "bot.db")
	registry := extension.NewRegistry()

	var host extension.Host
	registry.Register("writer", func(deps extension.Deps) (extension.Extension, error) {
		host = deps.Host
		return &recordingExtension{name: "writer", commands: []extension.Command{{
			Name: "touch",
			Handler: func(ctx context.Context, inv *extension.Invocation) error {
				_, err := host.Store().Execute(ctx, "INSERT INTO touches (user_id) VALUES (?)", inv.AuthorID)
				return err
			},
		}}}, nil
	})

	mb := bus.NewMessageBus()
	events, unsubscribe := mb.SubscribeEvents(context.Background(), 64)
	defer unsubscribe()

	r := startRuntime(t, testConfig(dsn, "writer"), Options{Registry: registry, Bus: mb})
	require.NoError(t, r.Store().EnsureSchema(context.Background(), []string{
		`CREATE TABLE IF NOT EXISTS touches (id INTEGER PRIMARY KEY AUTOINCREMENT, user_id TEXT)`,
	}))
	before := r.Store().InUse()

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go func() { _ = r.Run(runCtx) }()

	const total = 20
	for i := 0; i < total; i++ {
		require.True(t, mb.PublishInbound(context.Background(), command("!touch")))
	}

	completed := 0
	for completed < total {
		select {
		case event := <-events:
			switch event.Type {
			case bus.EventCommandCompleted:
				completed++
			case bus.EventCommandFailed:
				t.Fatalf("touch failed: %s", event.Error)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("completed %d of %d dispatches", completed, total)
		}
	}

	require.Equal(t, before, r.Store().InUse())
	count, err := r.Store().FetchScalar(context.Background(), "SELECT COUNT(*) FROM touches")
	require.NoError(t, err)
	require.EqualValues(t, total, count)
}

func TestCloseCancelsInFlightDispatch(t *testing.T) {
	registry := extension.NewRegistry()
	started := make(chan struct{})
	var once sync.Once
	slow := &recordingExtension{name: "slow", commands: []extension.Command{{
		Name: "wait",
		Handler: func(ctx context.Context, inv *extension.Invocation) error {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return ctx.Err()
		},
	}}}
	registerRecorder(registry, slow)
	mb := bus.NewMessageBus()

	r := New(testConfig("", "slow"), Options{Registry: registry, Bus: mb, Local: slog.DiscardHandler})
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(mb.Close)

	go func() { _ = r.Run(context.Background()) }()
	require.True(t, mb.PublishInbound(context.Background(), command("!wait")))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))
	require.Equal(t, Closed, r.State())
	require.Zero(t, slow.failed.Load())
	require.Zero(t, slow.completed.Load())

	_, ok := nextOutbound(t, mb)
	require.False(t, ok, "shutdown must not send a failure notice")
}
