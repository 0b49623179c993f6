package bot

import "errors"

// State is the runtime lifecycle position. It only moves forward.
type State int32

const (
	Unconfigured State = iota
	Connecting
	Ready
	ShuttingDown
	Closed
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case ShuttingDown:
		return "shutting_down"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	ErrAlreadyStarted = errors.New("bot: runtime already started")
	ErrNotReady       = errors.New("bot: runtime not ready")
	ErrOutboundClosed = errors.New("bot: outbound queue closed")
)
