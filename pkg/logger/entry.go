package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// LoggerKey is the attribute that names the logger a record came from.
const LoggerKey = "component"

// LogEntry is one line of JSON output.
type LogEntry struct {
	Level     string         `json:"level"`
	Timestamp string         `json:"timestamp"`
	Logger    string         `json:"logger,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Caller    string         `json:"caller,omitempty"`
}

type entryHandler struct {
	level     slog.Level
	addSource bool
	writer    io.Writer
	attrs     []boundAttr
	groups    []string
	mu        *sync.Mutex
}

func (h *entryHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *entryHandler) Handle(_ context.Context, record slog.Record) error {
	entry := LogEntry{
		Level:     strings.ToLower(record.Level.String()),
		Timestamp: formatTime(record.Time),
		Message:   record.Message,
	}

	fields := make(map[string]any)
	collect := func(key string, value slog.Value) {
		if key == LoggerKey && value.Kind() == slog.KindString {
			entry.Logger = value.String()
			return
		}
		fields[key] = attrValue(value)
	}

	for _, bound := range h.attrs {
		walkAttr(bound.groups, bound.attr, collect)
	}
	record.Attrs(func(attr slog.Attr) bool {
		walkAttr(h.groups, attr, collect)
		return true
	})

	if len(fields) > 0 {
		entry.Fields = fields
	}
	if h.addSource {
		entry.Caller = callerFromRecord(record)
	}

	line, err := sonic.ConfigStd.Marshal(entry)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.writer.Write(append(line, '\n'))
	return err
}

func (h *entryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = bindAttrs(h.attrs, h.groups, attrs)
	return &next
}

func (h *entryHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.groups = append(append([]string{}, h.groups...), name)
	return &next
}

// boundAttr is an attribute added with WithAttrs, together with the groups
// that were open when it was added.
type boundAttr struct {
	groups []string
	attr   slog.Attr
}

func bindAttrs(existing []boundAttr, groups []string, attrs []slog.Attr) []boundAttr {
	bound := make([]boundAttr, 0, len(existing)+len(attrs))
	bound = append(bound, existing...)
	for _, attr := range attrs {
		bound = append(bound, boundAttr{groups: groups, attr: attr})
	}
	return bound
}

// walkAttr resolves attr and reports it under its dotted group key. Empty
// attributes are skipped.
func walkAttr(groups []string, attr slog.Attr, fn func(key string, value slog.Value)) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}

	key := attr.Key
	if len(groups) > 0 {
		key = strings.Join(append(append([]string{}, groups...), attr.Key), ".")
	}

	fn(key, attr.Value)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}

	return t.UTC().Format(time.RFC3339Nano)
}

func callerFromRecord(record slog.Record) string {
	if record.PC == 0 {
		return ""
	}

	frame, _ := runtime.CallersFrames([]uintptr{record.PC}).Next()
	if frame.File == "" {
		return ""
	}

	return fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
}

func attrValue(value slog.Value) any {
	switch value.Kind() {
	case slog.KindString:
		return value.String()
	case slog.KindInt64:
		return value.Int64()
	case slog.KindUint64:
		return value.Uint64()
	case slog.KindFloat64:
		return value.Float64()
	case slog.KindBool:
		return value.Bool()
	case slog.KindDuration:
		return value.Duration().String()
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindGroup:
		group := value.Group()
		result := make(map[string]any, len(group))
		for _, item := range group {
			result[item.Key] = attrValue(item.Value.Resolve())
		}
		return result
	case slog.KindAny:
		if err, ok := value.Any().(error); ok {
			return err.Error()
		}
		return value.Any()
	default:
		return value.String()
	}
}
