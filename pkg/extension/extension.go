// Package extension defines pluggable command modules and the registry the
// runtime resolves them from.
package extension

import (
	"context"
	"log/slog"
	"time"

	"cogbot/pkg/config"
	"cogbot/pkg/store"
)

// Handler runs one command invocation.
type Handler func(ctx context.Context, inv *Invocation) error

// Command is one named entry point contributed by an extension.
type Command struct {
	Name    string
	Help    string
	Handler Handler
}

// Extension is a loaded command module.
type Extension interface {
	Name() string
	Commands() []Command
}

// ReadyListener is implemented by extensions that want a callback once the
// runtime is Ready.
type ReadyListener interface {
	OnReady(ctx context.Context)
}

// CompletionListener observes every dispatched command after its handler
// returns. Unknown commands are never reported.
type CompletionListener interface {
	OnCommandCompleted(ctx context.Context, inv *Invocation)
	OnCommandFailed(ctx context.Context, inv *Invocation, err error)
}

// Closer is implemented by extensions holding resources released at shutdown.
type Closer interface {
	Close(ctx context.Context) error
}

// Host is the runtime surface extensions may use.
type Host interface {
	// Latency is the most recent round trip to the chat service.
	Latency() time.Duration
	// Store returns the shared pool, or nil when the store is unavailable.
	Store() *store.Pool
}

// Deps is handed to every constructor.
type Deps struct {
	Host   Host
	Logger *slog.Logger
	Config config.Config
}
