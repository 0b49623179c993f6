// Package dispatch routes parsed commands to extension handlers and contains
// their failures.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cogbot/pkg/extension"
	"cogbot/pkg/metrics"
)

const (
	DefaultNotice = "Something went wrong while running that command."
	helpCommand   = "help"
	tracerName    = "cogbot/dispatch"
)

// Outcome classifies a dispatch.
type Outcome int

const (
	Handled Outcome = iota
	NotFound
	Failed
	// Cancelled means the handler gave up because its context ended, for
	// example at shutdown. It is not reported as a failure.
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Handled:
		return "handled"
	case NotFound:
		return "not_found"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result describes one dispatch. Err is a *DispatchError when Outcome is
// Failed or Cancelled.
type Result struct {
	Outcome  Outcome
	Command  string
	Err      error
	Duration time.Duration
}

// Entry is one row of the command table.
type Entry struct {
	Extension string
	Command   extension.Command
}

// Options configures a Dispatcher.
type Options struct {
	Logger *slog.Logger
	// Prefix is shown in help output.
	Prefix string
	// Notice is the reply sent when a handler fails. Defaults to DefaultNotice.
	Notice string
	// Tracer defaults to the global OpenTelemetry tracer provider.
	Tracer trace.Tracer
}

// Dispatcher owns the command table built from the loaded extensions. The
// table is fixed at construction and safe for concurrent dispatch.
type Dispatcher struct {
	table     map[string]Entry
	entries   []Entry
	listeners []extension.CompletionListener
	prefix    string
	notice    string
	tracer    trace.Tracer
	log       *slog.Logger
}

// New builds the command table. When two extensions claim the same command
// name the first one keeps it and the later one is skipped with a warning.
// A help command is added unless an extension provides one.
func New(extensions []extension.Extension, opts Options) *Dispatcher {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	d := &Dispatcher{
		table:  make(map[string]Entry),
		prefix: opts.Prefix,
		notice: strings.TrimSpace(opts.Notice),
		tracer: opts.Tracer,
		log:    log.With("component", "dispatch"),
	}
	if d.notice == "" {
		d.notice = DefaultNotice
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer(tracerName)
	}

	for _, ext := range extensions {
		if ext == nil {
			continue
		}
		for _, cmd := range ext.Commands() {
			name := strings.TrimSpace(cmd.Name)
			if name == "" || cmd.Handler == nil {
				d.log.Warn("Skipping invalid command", "extension", ext.Name(), "command", cmd.Name)
				continue
			}
			if existing, ok := d.table[name]; ok {
				d.log.Warn("Skipping duplicate command", "command", name, "extension", ext.Name(), "owner", existing.Extension)
				continue
			}

			cmd.Name = name
			entry := Entry{Extension: ext.Name(), Command: cmd}
			d.table[name] = entry
			d.entries = append(d.entries, entry)
		}

		if listener, ok := ext.(extension.CompletionListener); ok {
			d.listeners = append(d.listeners, listener)
		}
	}

	if _, ok := d.table[helpCommand]; !ok {
		entry := Entry{Extension: "dispatch", Command: extension.Command{
			Name:    helpCommand,
			Help:    "List available commands",
			Handler: d.help,
		}}
		d.table[helpCommand] = entry
		d.entries = append(d.entries, entry)
	}

	return d
}

// Parse splits text into a command name and its arguments when it starts
// with prefix.
func Parse(prefix, text string) (name, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, prefix) {
		return "", "", false
	}

	rest := text[len(prefix):]
	if rest == "" || unicode.IsSpace(rune(rest[0])) {
		return "", "", false
	}

	name, args, _ = strings.Cut(rest, " ")
	if i := strings.IndexFunc(name, unicode.IsSpace); i >= 0 {
		args = name[i:] + " " + args
		name = name[:i]
	}

	return name, strings.TrimSpace(args), true
}

// Commands returns the command table in registration order.
func (d *Dispatcher) Commands() []Entry {
	return append([]Entry(nil), d.entries...)
}

// Lookup returns the table entry for name.
func (d *Dispatcher) Lookup(name string) (Entry, bool) {
	entry, ok := d.table[name]
	return entry, ok
}

// Dispatch runs the handler for inv.Command. Unknown commands return
// NotFound without logging above debug or replying. Handler errors and
// panics are contained: they are logged once, reported to completion
// listeners, and answered with the generic notice.
func (d *Dispatcher) Dispatch(ctx context.Context, inv *extension.Invocation) Result {
	entry, ok := d.table[inv.Command]
	if !ok {
		d.log.Debug("Unknown command", "command", inv.Command, "invocation_id", inv.ID)
		metrics.DispatchTotal.WithLabelValues("", NotFound.String()).Inc()
		return Result{Outcome: NotFound, Command: inv.Command}
	}

	ctx, span := d.tracer.Start(ctx, "dispatch "+entry.Command.Name,
		trace.WithAttributes(
			attribute.String("command.name", entry.Command.Name),
			attribute.String("command.extension", entry.Extension),
			attribute.String("invocation.id", inv.ID),
			attribute.String("chat.channel", inv.Channel),
		),
	)
	defer span.End()

	started := time.Now()
	err := d.run(ctx, entry, inv)
	duration := time.Since(started)
	metrics.DispatchDuration.WithLabelValues(entry.Command.Name).Observe(duration.Seconds())

	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		metrics.DispatchTotal.WithLabelValues(entry.Command.Name, Cancelled.String()).Inc()
		span.SetAttributes(attribute.Bool("command.cancelled", true))

		d.log.Debug("Command cancelled", "command", entry.Command.Name, "invocation_id", inv.ID, "duration", duration)
		return Result{Outcome: Cancelled, Command: entry.Command.Name, Err: err, Duration: duration}
	}

	if err != nil {
		metrics.DispatchTotal.WithLabelValues(entry.Command.Name, Failed.String()).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		d.log.Error("Command failed", "command", entry.Command.Name, "extension", entry.Extension, "invocation_id", inv.ID, "error", err)
		d.notifyFailed(ctx, inv, err)

		if replyErr := inv.Reply(ctx, d.notice); replyErr != nil {
			d.log.Warn("Failed to send failure notice", "command", entry.Command.Name, "error", replyErr)
		}

		return Result{Outcome: Failed, Command: entry.Command.Name, Err: err, Duration: duration}
	}

	metrics.DispatchTotal.WithLabelValues(entry.Command.Name, Handled.String()).Inc()
	d.log.Debug("Command completed", "command", entry.Command.Name, "invocation_id", inv.ID, "duration", duration)
	d.notifyCompleted(ctx, inv)

	return Result{Outcome: Handled, Command: entry.Command.Name, Duration: duration}
}

// run invokes the handler, turning an error or panic into *DispatchError.
func (d *Dispatcher) run(ctx context.Context, entry Entry, inv *extension.Invocation) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &DispatchError{
				Command:      entry.Command.Name,
				Extension:    entry.Extension,
				InvocationID: inv.ID,
				Panicked:     true,
				Err:          fmt.Errorf("%v", recovered),
			}
		}
	}()

	if handlerErr := entry.Command.Handler(ctx, inv); handlerErr != nil {
		return &DispatchError{
			Command:      entry.Command.Name,
			Extension:    entry.Extension,
			InvocationID: inv.ID,
			Err:          handlerErr,
		}
	}

	return nil
}

func (d *Dispatcher) notifyCompleted(ctx context.Context, inv *extension.Invocation) {
	for _, listener := range d.listeners {
		d.safely("completed", func() { listener.OnCommandCompleted(ctx, inv) })
	}
}

func (d *Dispatcher) notifyFailed(ctx context.Context, inv *extension.Invocation, err error) {
	for _, listener := range d.listeners {
		d.safely("failed", func() { listener.OnCommandFailed(ctx, inv, err) })
	}
}

func (d *Dispatcher) safely(event string, fn func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			d.log.Error("Completion listener panicked", "event", event, "panic", recovered)
		}
	}()
	fn()
}

func (d *Dispatcher) help(ctx context.Context, inv *extension.Invocation) error {
	var b strings.Builder
	b.WriteString("Available commands:")
	for _, entry := range d.entries {
		b.WriteString("\n")
		b.WriteString(d.prefix)
		b.WriteString(entry.Command.Name)
		if entry.Command.Help != "" {
			b.WriteString(" - ")
			b.WriteString(entry.Command.Help)
		}
	}

	return inv.Reply(ctx, b.String())
}
