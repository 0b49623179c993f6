package logger

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"cogbot/pkg/store"
)

// Recent returns up to limit persisted records from table, oldest first.
// A non-empty level keeps only records at that level.
func Recent(ctx context.Context, pool *store.Pool, table string, limit int, level string) ([]Record, error) {
	if pool == nil {
		return nil, store.ErrStoreUnavailable
	}

	table = strings.TrimSpace(table)
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	if limit <= 0 {
		limit = 20
	}

	query := fmt.Sprintf("SELECT timestamp, logger, level, message FROM %s", table)
	args := []any{}
	if level = strings.ToUpper(strings.TrimSpace(level)); level != "" {
		query += " WHERE level = ?"
		args = append(args, level)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := pool.FetchAll(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch log records: %w", err)
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, Record{
			Time:    parseRecordTime(text(row["timestamp"])),
			Logger:  text(row["logger"]),
			Level:   text(row["level"]),
			Message: text(row["message"]),
		})
	}
	slices.Reverse(records)

	return records, nil
}

func parseRecordTime(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

func text(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
