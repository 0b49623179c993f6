// Package channel defines the chat transports the runtime listens on.
package channel

import (
	"context"
	"time"

	"cogbot/pkg/bus"
)

// Publisher accepts inbound messages from an adapter.
type Publisher interface {
	PublishInbound(context.Context, bus.InboundMessage) bool
}

// Adapter bridges one external chat transport (for example Telegram) into
// the runtime. Run receives messages until ctx is cancelled; Send delivers
// outbound messages addressed to the adapter.
type Adapter interface {
	Name() string
	Run(context.Context, Publisher) error
	Send(context.Context, bus.OutboundMessage) error
}

// LatencyReporter is implemented by adapters that measure round-trip time
// to their chat service.
type LatencyReporter interface {
	Latency() time.Duration
}
