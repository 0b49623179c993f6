package telegram

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/mymmrac/telego"

	"cogbot/pkg/bus"
	"cogbot/pkg/config"
)

type fakeBotAPI struct {
	mu       sync.Mutex
	messages []*telego.SendMessageParams
	actions  []*telego.SendChatActionParams
	err      error
}

func (f *fakeBotAPI) SendMessage(_ context.Context, params *telego.SendMessageParams) (*telego.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.messages = append(f.messages, params)
	return &telego.Message{}, nil
}

func (f *fakeBotAPI) SendChatAction(_ context.Context, params *telego.SendChatActionParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, params)
	return f.err
}

func newTestAdapter(t *testing.T, allowFrom ...string) (*Adapter, *fakeBotAPI) {
	t.Helper()

	adapter, err := NewAdapter(config.TelegramConfig{Token: "123:abc", AllowFrom: allowFrom}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewAdapter error: %v", err)
	}

	api := &fakeBotAPI{}
	adapter.api = api
	adapter.username = "cogbot"
	return adapter, api
}

func TestNewAdapterRequiresToken(t *testing.T) {
	if _, err := NewAdapter(config.TelegramConfig{Token: "  "}, nil); err == nil {
		t.Fatal("expected error without token")
	}
}

func TestSendReplyAndDirect(t *testing.T) {
	adapter, api := newTestAdapter(t)

	if err := adapter.Send(context.Background(), bus.OutboundMessage{Kind: bus.KindReply, ChatID: "-100", Content: "Pong! 5ms"}); err != nil {
		t.Fatalf("Send reply error: %v", err)
	}
	if err := adapter.Send(context.Background(), bus.OutboundMessage{Kind: bus.KindDirect, ChatID: "-100", RecipientID: "42", Content: "subjects"}); err != nil {
		t.Fatalf("Send direct error: %v", err)
	}

	if len(api.messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(api.messages))
	}
	if got := api.messages[0].ChatID.ID; got != -100 {
		t.Fatalf("reply chat id = %d, want -100", got)
	}
	if got := api.messages[1].ChatID.ID; got != 42 {
		t.Fatalf("direct chat id = %d, want 42", got)
	}
	if api.messages[0].Text != "Pong! 5ms" {
		t.Fatalf("reply text = %q", api.messages[0].Text)
	}
}

func TestSendTypingUsesChatAction(t *testing.T) {
	adapter, api := newTestAdapter(t)

	if err := adapter.Send(context.Background(), bus.OutboundMessage{Kind: bus.KindTyping, ChatID: "7"}); err != nil {
		t.Fatalf("Send typing error: %v", err)
	}
	if len(api.actions) != 1 || api.actions[0].Action != telego.ChatActionTyping {
		t.Fatalf("actions = %+v, want one typing action", api.actions)
	}
	if len(api.messages) != 0 {
		t.Fatalf("messages = %d, want 0", len(api.messages))
	}
}

func TestSendErrors(t *testing.T) {
	adapter, api := newTestAdapter(t)

	if err := adapter.Send(context.Background(), bus.OutboundMessage{Kind: bus.KindReply, ChatID: "abc", Content: "x"}); err == nil {
		t.Fatal("expected error for invalid chat id")
	}

	api.err = errors.New("forbidden")
	if err := adapter.Send(context.Background(), bus.OutboundMessage{Kind: bus.KindReply, ChatID: "1", Content: "x"}); err == nil {
		t.Fatal("expected send error to propagate")
	}

	idle, err := NewAdapter(config.TelegramConfig{Token: "t"}, nil)
	if err != nil {
		t.Fatalf("NewAdapter error: %v", err)
	}
	if err := idle.Send(context.Background(), bus.OutboundMessage{ChatID: "1", Content: "x"}); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("error = %v, want ErrNotRunning", err)
	}
}

func TestInboundFromMessage(t *testing.T) {
	adapter, _ := newTestAdapter(t, "42")

	msg, ok := adapter.inboundFromMessage(&telego.Message{
		MessageID: 9,
		Date:      1700000000,
		Text:      " /ping@cogbot now ",
		Chat:      telego.Chat{ID: -100},
		From:      &telego.User{ID: 42, FirstName: "Ada", LastName: "L"},
	})
	if !ok {
		t.Fatal("expected message to be accepted")
	}
	if msg.Content != "/ping now" {
		t.Fatalf("content = %q, want %q", msg.Content, "/ping now")
	}
	if msg.SenderName != "Ada L" || msg.ChatID != "-100" || msg.MessageID != "9" {
		t.Fatalf("unexpected inbound message %+v", msg)
	}

	if _, ok := adapter.inboundFromMessage(&telego.Message{Text: "hi", From: &telego.User{ID: 7}}); ok {
		t.Fatal("expected unauthorized sender to be ignored")
	}
	if _, ok := adapter.inboundFromMessage(&telego.Message{Text: "   ", From: &telego.User{ID: 42}}); ok {
		t.Fatal("expected empty text to be ignored")
	}
	if _, ok := adapter.inboundFromMessage(nil); ok {
		t.Fatal("expected nil message to be ignored")
	}
}

func TestAllowFromSet(t *testing.T) {
	allowed := allowFromSet([]string{" 123 ", "", "456", "123"})
	if len(allowed) != 2 {
		t.Fatalf("allowFromSet len = %d, want 2", len(allowed))
	}
	if _, ok := allowed["123"]; !ok {
		t.Fatal("allowFromSet missing 123")
	}
	if allowFromSet([]string{" "}) != nil {
		t.Fatal("expected nil set for blank entries")
	}
}

func TestSenderAllowed(t *testing.T) {
	adapter := &Adapter{allowFrom: map[string]struct{}{"1": {}}}
	if !adapter.senderAllowed("1") {
		t.Fatal("expected sender 1 to be allowed")
	}
	if adapter.senderAllowed("2") {
		t.Fatal("expected sender 2 to be denied")
	}

	adapter.allowFrom = nil
	if !adapter.senderAllowed("any") {
		t.Fatal("expected sender to be allowed when allowlist empty")
	}
}

func TestStripMention(t *testing.T) {
	tests := []struct {
		content string
		want    string
	}{
		{content: "/ping@cogbot", want: "/ping"},
		{content: "/ask@CogBot what is go", want: "/ask what is go"},
		{content: "/ping@otherbot", want: "/ping@otherbot"},
		{content: "@cogbot", want: "@cogbot"},
		{content: "hello", want: "hello"},
	}

	for _, tt := range tests {
		if got := stripMention(tt.content, "cogbot"); got != tt.want {
			t.Fatalf("stripMention(%q) = %q, want %q", tt.content, got, tt.want)
		}
	}
}

func TestSplitMessage(t *testing.T) {
	if got := splitMessage("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("splitMessage short = %q", got)
	}

	text := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitMessage(text, 10)
	if len(got) != 2 || got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("splitMessage newline = %q", got)
	}

	got = splitMessage(strings.Repeat("é", 25), 10)
	if len(got) != 3 {
		t.Fatalf("splitMessage runes = %d chunks, want 3", len(got))
	}
}

func TestPreviewText(t *testing.T) {
	long := strings.Repeat("a", messagePreviewLimit+20)
	got := previewText(long)
	if len(got) != messagePreviewLimit+3 || !strings.HasSuffix(got, "...") {
		t.Fatalf("previewText long = %q", got)
	}
}
