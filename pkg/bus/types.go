package bus

import "time"

// OutboundKind selects how an adapter delivers an outbound message.
type OutboundKind string

const (
	// KindReply posts into the chat the command came from.
	KindReply OutboundKind = "reply"
	// KindDirect sends a private message to RecipientID.
	KindDirect OutboundKind = "direct"
	// KindTyping shows a typing indicator in the chat. Content is ignored.
	KindTyping OutboundKind = "typing"
)

// InboundMessage is one chat message received by an adapter.
type InboundMessage struct {
	Channel    string    `json:"channel"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	ChatID     string    `json:"chat_id"`
	MessageID  string    `json:"message_id,omitempty"`
	Content    string    `json:"content"`
	ReceivedAt time.Time `json:"received_at"`
}

// OutboundMessage is a reply, direct message, or typing indicator to be
// delivered by the adapter named in Channel.
type OutboundMessage struct {
	Channel     string       `json:"channel"`
	Kind        OutboundKind `json:"kind"`
	ChatID      string       `json:"chat_id,omitempty"`
	RecipientID string       `json:"recipient_id,omitempty"`
	ReplyTo     string       `json:"reply_to,omitempty"`
	Content     string       `json:"content,omitempty"`
	RequestID   string       `json:"request_id,omitempty"`
}
