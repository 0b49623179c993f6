package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"cogbot/pkg/bus"
	"cogbot/pkg/channel"
	"cogbot/pkg/config"
)

const (
	channelName         = "telegram"
	messagePreviewLimit = 240
	maxMessageRunes     = 4096
)

// ErrNotRunning is returned by Send before Run has connected the bot.
var ErrNotRunning = errors.New("telegram adapter is not running")

type botAPI interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	SendChatAction(ctx context.Context, params *telego.SendChatActionParams) error
}

// Adapter bridges Telegram long polling into the message bus.
type Adapter struct {
	cfg       config.TelegramConfig
	allowFrom map[string]struct{}
	log       *slog.Logger

	mu       sync.RWMutex
	api      botAPI
	username string

	latency atomic.Int64
}

var _ channel.Adapter = (*Adapter)(nil)
var _ channel.LatencyReporter = (*Adapter)(nil)

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, log *slog.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}

	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg:       cfg,
		allowFrom: allowFromSet(cfg.AllowFrom),
		log:       log.With("component", "channel.telegram"),
	}, nil
}

// Name returns the channel identifier used in bus messages and logs.
func (a *Adapter) Name() string {
	return channelName
}

// Latency reports the duration of the most recent Telegram API round trip.
func (a *Adapter) Latency() time.Duration {
	return time.Duration(a.latency.Load())
}

// Run starts long polling and publishes every accepted text message.
func (a *Adapter) Run(ctx context.Context, inbound channel.Publisher) error {
	if inbound == nil {
		return errors.New("inbound publisher is required")
	}

	bot, err := telego.NewBot(strings.TrimSpace(a.cfg.Token))
	if err != nil {
		return fmt.Errorf("initialize telegram bot: %w", err)
	}

	started := time.Now()
	me, err := bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("identify telegram bot: %w", err)
	}
	a.latency.Store(int64(time.Since(started)))

	a.mu.Lock()
	a.api = bot
	a.username = me.Username
	a.mu.Unlock()

	updates, err := bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	a.log.Info("Logged in as "+me.Username, "user_id", me.ID, "latency", a.Latency())

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}

			msg, ok := a.inboundFromMessage(update.Message)
			if !ok {
				continue
			}

			a.log.Debug("Received message", "chat_id", msg.ChatID, "sender_id", msg.SenderID, "content", previewText(msg.Content))
			if !inbound.PublishInbound(ctx, msg) {
				return nil
			}
		}
	}
}

// Send delivers one outbound message. Long replies are split to fit
// Telegram's message size limit.
func (a *Adapter) Send(ctx context.Context, msg bus.OutboundMessage) error {
	a.mu.RLock()
	api := a.api
	a.mu.RUnlock()
	if api == nil {
		return ErrNotRunning
	}

	target := msg.ChatID
	if msg.Kind == bus.KindDirect {
		target = msg.RecipientID
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(target), 10, 64)
	if err != nil {
		return fmt.Errorf("parse telegram chat id %q: %w", target, err)
	}

	if msg.Kind == bus.KindTyping {
		return api.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))
	}

	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return nil
	}

	a.log.Debug("Sending message", "chat_id", chatID, "kind", msg.Kind, "content", previewText(text))
	replyTo, _ := strconv.Atoi(msg.ReplyTo)
	for i, chunk := range splitMessage(text, maxMessageRunes) {
		params := tu.Message(tu.ID(chatID), chunk)
		if i == 0 && replyTo > 0 && msg.Kind == bus.KindReply {
			params = params.WithReplyParameters(&telego.ReplyParameters{MessageID: replyTo, AllowSendingWithoutReply: true})
		}

		started := time.Now()
		if _, err := api.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
		a.latency.Store(int64(time.Since(started)))
	}

	return nil
}

func (a *Adapter) inboundFromMessage(message *telego.Message) (bus.InboundMessage, bool) {
	if message == nil {
		return bus.InboundMessage{}, false
	}

	content := strings.TrimSpace(message.Text)
	if content == "" {
		return bus.InboundMessage{}, false
	}
	if message.From == nil {
		a.log.Debug("Ignoring message without sender")
		return bus.InboundMessage{}, false
	}

	senderID := strconv.FormatInt(message.From.ID, 10)
	if !a.senderAllowed(senderID) {
		a.log.Debug("Ignoring message from unauthorized sender", "sender_id", senderID)
		return bus.InboundMessage{}, false
	}

	a.mu.RLock()
	username := a.username
	a.mu.RUnlock()

	name := message.From.Username
	if name == "" {
		name = strings.TrimSpace(message.From.FirstName + " " + message.From.LastName)
	}

	return bus.InboundMessage{
		Channel:    channelName,
		SenderID:   senderID,
		SenderName: name,
		ChatID:     strconv.FormatInt(message.Chat.ID, 10),
		MessageID:  strconv.Itoa(message.MessageID),
		Content:    stripMention(content, username),
		ReceivedAt: time.Unix(message.Date, 0).UTC(),
	}, true
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (a *Adapter) senderAllowed(senderID string) bool {
	if len(a.allowFrom) == 0 {
		return true
	}

	_, ok := a.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// stripMention removes the "@botname" suffix Telegram appends to commands
// in group chats, so "/ping@cogbot now" becomes "/ping now".
func stripMention(content, username string) string {
	if username == "" {
		return content
	}

	first, rest, _ := strings.Cut(content, " ")
	suffix := "@" + username
	if len(first) > len(suffix) && strings.EqualFold(first[len(first)-len(suffix):], suffix) {
		first = first[:len(first)-len(suffix)]
		if rest == "" {
			return first
		}
		return first + " " + rest
	}

	return content
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// splitMessage cuts text into chunks of at most limit runes, preferring to
// break at a newline.
func splitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var chunks []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}

	return chunks
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}
