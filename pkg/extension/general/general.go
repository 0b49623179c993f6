// Package general provides the ping and greet commands.
package general

import (
	"context"
	"fmt"
	"time"

	"cogbot/pkg/extension"
)

const Name = "general"

type General struct {
	host extension.Host
}

// New is the registry constructor.
func New(deps extension.Deps) (extension.Extension, error) {
	return &General{host: deps.Host}, nil
}

func (g *General) Name() string {
	return Name
}

func (g *General) Commands() []extension.Command {
	return []extension.Command{
		{Name: "ping", Help: "Show gateway latency", Handler: g.ping},
		{Name: "greet", Help: "Say hello", Handler: g.greet},
	}
}

func (g *General) ping(ctx context.Context, inv *extension.Invocation) error {
	var latency time.Duration
	if g.host != nil {
		latency = g.host.Latency()
	}

	return inv.Reply(ctx, fmt.Sprintf("Pong! %dms", latency.Round(time.Millisecond).Milliseconds()))
}

func (g *General) greet(ctx context.Context, inv *extension.Invocation) error {
	return inv.Reply(ctx, "Hello!")
}
