package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cogbot/pkg/agentapi"
	"cogbot/pkg/config"
	"cogbot/pkg/extension/agent"

	"github.com/spf13/cobra"
)

var (
	promptText   string
	showThoughts bool
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask the agent service a question or start an interactive session",
	Long:  "Loads cogbot configuration and sends one question to the agent service, or reads questions line by line when none is given.",
	RunE: func(cmd *cobra.Command, args []string) error {
		question := resolvePrompt(args)

		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		client, err := agentapi.New(agentapi.Config{
			BaseURL: cfg.Agent.BaseURL,
			Timeout: time.Duration(cfg.Agent.RequestTimeoutSeconds) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("initialize agent client: %w", err)
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		if question != "" {
			fmt.Fprintln(cmd.OutOrStdout(), answer(ctx, client, question))
			return nil
		}

		return runInteractive(ctx, client, os.Stdin, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(askCmd)
	askCmd.Flags().StringVarP(&promptText, "prompt", "p", "", "question to send")
	askCmd.Flags().BoolVar(&showThoughts, "thoughts", false, "ask the agent to include its reasoning")
}

func resolvePrompt(args []string) string {
	if value := strings.TrimSpace(promptText); value != "" {
		return value
	}

	if len(args) == 0 {
		return ""
	}

	return strings.TrimSpace(strings.Join(args, " "))
}

// answer renders a reply the same way the chat command does.
func answer(ctx context.Context, asker agent.Asker, question string) string {
	result, err := asker.Ask(ctx, question, showThoughts)
	if err != nil {
		return "Error: " + err.Error()
	}

	text := result.Text()
	if strings.TrimSpace(text) == "" {
		return "Sorry, I didn't get a response from the API."
	}
	return text
}

func runInteractive(ctx context.Context, asker agent.Asker, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)

	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			return nil
		}

		question := strings.TrimSpace(scanner.Text())
		if question == "" {
			continue
		}
		if isExitCommand(question) {
			return nil
		}

		printAssistantMessage(out, answer(ctx, asker, question))
	}
}

func printAssistantMessage(out io.Writer, message string) {
	lines := assistantLines(message)
	for _, line := range lines {
		fmt.Fprintf(out, "agent: %s\n", line)
	}
	if len(lines) > 0 {
		fmt.Fprintln(out)
	}
}

func assistantLines(message string) []string {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return nil
	}

	return strings.Split(trimmed, "\n")
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "quit", ":q":
		return true
	default:
		return false
	}
}
