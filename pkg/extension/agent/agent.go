// Package agent forwards questions to the agent service.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"cogbot/pkg/agentapi"
	"cogbot/pkg/extension"
)

const (
	Name = "agent"

	promptMissing = "Please provide a question to ask."
	noResponse    = "Sorry, I didn't get a response from the API."
	notConfigured = "The agent service is not configured."
)

// Asker is the agent service collaborator.
type Asker interface {
	Ask(ctx context.Context, query string, showThoughts bool) (agentapi.Result, error)
}

type Agent struct {
	asker Asker
	log   *slog.Logger
}

// New is the registry constructor. Without a base URL the extension still
// loads and answers that the service is not configured.
func New(deps extension.Deps) (extension.Extension, error) {
	log := deps.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	client, err := agentapi.New(agentapi.Config{
		BaseURL: deps.Config.Agent.BaseURL,
		Timeout: time.Duration(deps.Config.Agent.RequestTimeoutSeconds) * time.Second,
		Logger:  log,
	})
	if errors.Is(err, agentapi.ErrNotConfigured) {
		log.Warn("Agent service not configured, ask is disabled")
		return NewWithAsker(nil, log), nil
	}
	if err != nil {
		return nil, err
	}

	return NewWithAsker(client, log), nil
}

// NewWithAsker builds the extension around asker. A nil asker disables ask.
func NewWithAsker(asker Asker, log *slog.Logger) *Agent {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	return &Agent{asker: asker, log: log}
}

func (a *Agent) Name() string {
	return Name
}

func (a *Agent) Commands() []extension.Command {
	return []extension.Command{
		{Name: "ask", Help: "Query the agent with a question.", Handler: a.ask},
	}
}

func (a *Agent) OnReady(context.Context) {
	a.log.Debug("Agent extension ready", "configured", a.asker != nil)
}

func (a *Agent) ask(ctx context.Context, inv *extension.Invocation) error {
	query := strings.TrimSpace(inv.Args)
	if query == "" {
		return inv.Reply(ctx, promptMissing)
	}
	if a.asker == nil {
		return inv.Reply(ctx, notConfigured)
	}

	stopTyping := inv.Typing(ctx)
	result, err := a.asker.Ask(ctx, query, false)
	stopTyping()

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		a.log.Error("Agent query failed", "invocation_id", inv.ID, "error", err)
		return inv.Reply(ctx, "Error: "+err.Error())
	}

	text := result.Text()
	if text == "" {
		return inv.Reply(ctx, noResponse)
	}

	return inv.Reply(ctx, text)
}
