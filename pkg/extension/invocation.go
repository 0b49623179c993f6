package extension

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"cogbot/pkg/bus"
	"cogbot/pkg/ids"
)

const typingRefreshInterval = 4 * time.Second

// ErrNoSender is returned when an invocation has nowhere to send replies.
var ErrNoSender = errors.New("invocation has no sender")

// Sender delivers outbound messages to the gateway.
type Sender interface {
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg bus.OutboundMessage) error

func (f SenderFunc) Send(ctx context.Context, msg bus.OutboundMessage) error {
	return f(ctx, msg)
}

// Invocation carries one parsed command and the message it came from.
type Invocation struct {
	ID         string
	Command    string
	Args       string
	Channel    string
	ChatID     string
	MessageID  string
	AuthorID   string
	AuthorName string
	Raw        string
	ReceivedAt time.Time

	sender Sender
}

// NewInvocation builds an invocation for command parsed out of msg.
func NewInvocation(msg bus.InboundMessage, command, args string, sender Sender) *Invocation {
	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	return &Invocation{
		ID:         ids.New(),
		Command:    command,
		Args:       strings.TrimSpace(args),
		Channel:    msg.Channel,
		ChatID:     msg.ChatID,
		MessageID:  msg.MessageID,
		AuthorID:   msg.SenderID,
		AuthorName: msg.SenderName,
		Raw:        msg.Content,
		ReceivedAt: receivedAt,
		sender:     sender,
	}
}

// Reply posts text into the chat the command came from.
func (inv *Invocation) Reply(ctx context.Context, text string) error {
	return inv.send(ctx, bus.OutboundMessage{
		Kind:    bus.KindReply,
		ChatID:  inv.ChatID,
		ReplyTo: inv.MessageID,
		Content: text,
	})
}

// DirectMessage sends text privately to the author.
func (inv *Invocation) DirectMessage(ctx context.Context, text string) error {
	return inv.send(ctx, bus.OutboundMessage{
		Kind:        bus.KindDirect,
		ChatID:      inv.ChatID,
		RecipientID: inv.AuthorID,
		Content:     text,
	})
}

// Typing shows a typing indicator in the chat until stop is called or ctx
// ends. Indicator failures are ignored.
func (inv *Invocation) Typing(ctx context.Context) (stop func()) {
	typingCtx, cancel := context.WithCancel(ctx)

	send := func() {
		_ = inv.send(typingCtx, bus.OutboundMessage{Kind: bus.KindTyping, ChatID: inv.ChatID})
	}
	send()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-typingCtx.Done():
				return
			case <-ticker.C:
				send()
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}

func (inv *Invocation) send(ctx context.Context, msg bus.OutboundMessage) error {
	if inv.sender == nil {
		return ErrNoSender
	}

	msg.Channel = inv.Channel
	msg.RequestID = inv.ID
	return inv.sender.Send(ctx, msg)
}
