// Package audit records every dispatched command in the command_log table.
package audit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"cogbot/pkg/extension"
	"cogbot/pkg/store"
)

const (
	Name  = "audit"
	Table = "command_log"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS command_log (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id   TEXT NOT NULL,
		command   TEXT NOT NULL,
		succeeded INTEGER NOT NULL,
		error     TEXT,
		timestamp TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_command_log_user ON command_log(user_id, timestamp)`,
}

const insertEntry = `INSERT INTO command_log (user_id, command, succeeded, error, timestamp) VALUES (?, ?, ?, ?, ?)`

type Audit struct {
	host    extension.Host
	log     *slog.Logger
	enabled atomic.Bool
	now     func() time.Time
}

// New is the registry constructor. The extension contributes no commands;
// it only listens for completions.
func New(deps extension.Deps) (extension.Extension, error) {
	log := deps.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	return &Audit{
		host: deps.Host,
		log:  log,
		now:  time.Now,
	}, nil
}

func (a *Audit) Name() string {
	return Name
}

func (a *Audit) Commands() []extension.Command {
	return nil
}

// OnReady ensures the command_log table. Without a store, or when the
// schema cannot be created, auditing stays off.
func (a *Audit) OnReady(ctx context.Context) {
	pool := a.pool()
	if pool == nil {
		a.log.Info("Command audit disabled, store unavailable")
		return
	}

	if err := pool.EnsureSchema(ctx, schema); err != nil {
		a.log.Error("Command audit disabled, schema failed", "error", err)
		return
	}

	a.enabled.Store(true)
}

func (a *Audit) OnCommandCompleted(ctx context.Context, inv *extension.Invocation) {
	a.record(ctx, inv, nil)
}

func (a *Audit) OnCommandFailed(ctx context.Context, inv *extension.Invocation, err error) {
	a.record(ctx, inv, err)
}

func (a *Audit) record(ctx context.Context, inv *extension.Invocation, failure error) {
	if !a.enabled.Load() {
		return
	}

	succeeded := 1
	var message any
	if failure != nil {
		succeeded = 0
		message = failure.Error()
	}

	_, err := a.pool().Execute(context.WithoutCancel(ctx), insertEntry,
		inv.AuthorID,
		inv.Command,
		succeeded,
		message,
		a.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		a.log.Error("Failed to record command", "command", inv.Command, "error", err)
	}
}

func (a *Audit) pool() *store.Pool {
	if a.host == nil {
		return nil
	}
	return a.host.Store()
}
