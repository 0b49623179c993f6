// Package bus connects chat adapters to the runtime through buffered
// inbound and outbound queues.
package bus

import (
	"context"
	"sync"
)

const defaultBufferSize = 100

type MessageBus struct {
	inbound    chan InboundMessage
	outbound   chan OutboundMessage
	bufferSize int

	eventSubscribers      map[uint64]chan Event
	nextEventSubscriberID uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

// Option configures a MessageBus.
type Option func(*MessageBus)

// WithBufferSize sets the capacity of the inbound and outbound queues.
func WithBufferSize(size int) Option {
	return func(mb *MessageBus) {
		if size > 0 {
			mb.bufferSize = size
		}
	}
}

func NewMessageBus(opts ...Option) *MessageBus {
	mb := &MessageBus{
		bufferSize:       defaultBufferSize,
		eventSubscribers: make(map[uint64]chan Event),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(mb)
	}

	mb.inbound = make(chan InboundMessage, mb.bufferSize)
	mb.outbound = make(chan OutboundMessage, mb.bufferSize)

	return mb
}

func (mb *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) bool {
	return publish(ctx, mb.done, mb.inbound, msg)
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	return consume(ctx, mb.done, mb.inbound)
}

func (mb *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) bool {
	return publish(ctx, mb.done, mb.outbound, msg)
}

func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	return consume(ctx, mb.done, mb.outbound)
}

// Done is closed when the bus is closed.
func (mb *MessageBus) Done() <-chan struct{} {
	return mb.done
}

func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		close(mb.done)

		mb.mu.Lock()
		for id, ch := range mb.eventSubscribers {
			close(ch)
			delete(mb.eventSubscribers, id)
		}
		mb.mu.Unlock()
	})
}

func publish[T any](ctx context.Context, done <-chan struct{}, ch chan<- T, msg T) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return false
	case <-done:
		return false
	default:
	}

	select {
	case <-ctx.Done():
		return false
	case <-done:
		return false
	case ch <- msg:
		return true
	}
}

func consume[T any](ctx context.Context, done <-chan struct{}, ch <-chan T) (T, bool) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return zero, false
	case <-done:
		return zero, false
	case msg := <-ch:
		return msg, true
	}
}
