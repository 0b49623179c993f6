package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"cogbot/pkg/config"
	"cogbot/pkg/logger"
	"cogbot/pkg/store"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	logsLimit int
	logsLevel string
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print recent persisted log records",
	Long:  "Reads the most recent rows of the configured log table from the store and prints them oldest first.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		pool, err := store.Connect(ctx, store.Config{DSN: cfg.Store.DSN, PoolSize: 1})
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer pool.Close()

		records, err := logger.Recent(ctx, pool, cfg.Store.LogTable, logsLimit, logsLevel)
		if err != nil {
			return err
		}

		renderRecords(cmd.OutOrStdout(), records, defaultLogStyles())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().IntVarP(&logsLimit, "limit", "n", 20, "number of records to print")
	logsCmd.Flags().StringVarP(&logsLevel, "level", "l", "", "only print records at this level (debug, info, warn, error)")
}

type logStyles struct {
	timestamp lipgloss.Style
	logger    lipgloss.Style
	levels    map[string]lipgloss.Style
	fallback  lipgloss.Style
	empty     lipgloss.Style
}

func defaultLogStyles() logStyles {
	badge := lipgloss.NewStyle().Bold(true).Width(5)

	return logStyles{
		timestamp: lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		logger:    lipgloss.NewStyle().Foreground(lipgloss.Color("110")),
		levels: map[string]lipgloss.Style{
			"DEBUG": badge.Foreground(lipgloss.Color("246")),
			"INFO":  badge.Foreground(lipgloss.Color("114")),
			"WARN":  badge.Foreground(lipgloss.Color("214")),
			"ERROR": badge.Foreground(lipgloss.Color("203")),
		},
		fallback: badge,
		empty:    lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("244")),
	}
}

func (s logStyles) level(level string) lipgloss.Style {
	if style, ok := s.levels[strings.ToUpper(level)]; ok {
		return style
	}
	return s.fallback
}

func renderRecords(out io.Writer, records []logger.Record, styles logStyles) {
	if len(records) == 0 {
		fmt.Fprintln(out, styles.empty.Render("no log records"))
		return
	}

	for _, record := range records {
		stamp := "-"
		if !record.Time.IsZero() {
			stamp = record.Time.Local().Format(time.DateTime)
		}

		fmt.Fprintf(out, "[%s] %s %s %s\n",
			styles.timestamp.Render(stamp),
			styles.level(record.Level).Render(record.Level),
			styles.logger.Render(record.Logger),
			record.Message,
		)
	}
}
