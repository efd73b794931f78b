package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// EventKind tags the payload carried by an Event.
type EventKind string

const (
	KindChatMessage EventKind = "chat_message"
	KindNewMessage  EventKind = "new_message"
	KindPresence    EventKind = "presence_update"
	KindOrderUpdate EventKind = "order_update"
	KindReadReceipt EventKind = "read_receipt_update"
)

// ChatGroup names the broadcast group of a conversation.
func ChatGroup(conversationID int64) string {
	return "chat_" + strconv.FormatInt(conversationID, 10)
}

// NotificationGroup names the private notification group of a user.
func NotificationGroup(username string) string {
	return "notifications_" + username
}

// ChatMessagePayload is relayed verbatim to chat clients.
type ChatMessagePayload struct {
	MessageID       int64  `json:"message_id"`
	Message         string `json:"message"`
	Sender          string `json:"sender"`
	Timestamp       string `json:"timestamp"`
	IsSystemMessage bool   `json:"is_system_message"`
}

type NewMessagePayload struct {
	UnreadConversationsCount int `json:"unread_conversations_count"`
}

type PresencePayload struct {
	Username    string  `json:"username"`
	IsOnline    bool    `json:"is_online"`
	LastSeenISO *string `json:"last_seen_iso"`
}

type ReadReceiptPayload struct {
	UnreadConversationsCount int   `json:"unread_conversations_count"`
	ConversationID           int64 `json:"conversation_id"`
}

// OrderUpdatePayload serializes as a flat object: Context keys plus "message".
type OrderUpdatePayload struct {
	Message string
	Context map[string]any
}

func (p OrderUpdatePayload) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Context)+1)
	for k, v := range p.Context {
		out[k] = v
	}
	out["message"] = p.Message
	return json.Marshal(out)
}

func (p *OrderUpdatePayload) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	msg, _ := raw["message"].(string)
	delete(raw, "message")
	p.Message = msg
	p.Context = raw
	return nil
}

// Event is the unit carried by the broadcast bus. Exactly one payload field,
// the one matching Kind, is set.
type Event struct {
	Kind        EventKind           `json:"kind"`
	ChatMessage *ChatMessagePayload `json:"chat_message,omitempty"`
	NewMessage  *NewMessagePayload  `json:"new_message,omitempty"`
	Presence    *PresencePayload    `json:"presence_update,omitempty"`
	OrderUpdate *OrderUpdatePayload `json:"order_update,omitempty"`
	ReadReceipt *ReadReceiptPayload `json:"read_receipt_update,omitempty"`
}

// Validate checks that the payload matches the kind.
func (e Event) Validate() error {
	if _, err := e.Data(); err != nil {
		return err
	}
	return nil
}

// Data returns the typed payload for the event kind.
func (e Event) Data() (any, error) {
	var data any
	switch e.Kind {
	case KindChatMessage:
		if e.ChatMessage != nil {
			data = e.ChatMessage
		}
	case KindNewMessage:
		if e.NewMessage != nil {
			data = e.NewMessage
		}
	case KindPresence:
		if e.Presence != nil {
			data = e.Presence
		}
	case KindOrderUpdate:
		if e.OrderUpdate != nil {
			data = e.OrderUpdate
		}
	case KindReadReceipt:
		if e.ReadReceipt != nil {
			data = e.ReadReceipt
		}
	default:
		return nil, fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if data == nil {
		return nil, fmt.Errorf("event %q has no payload", e.Kind)
	}
	return data, nil
}

// NotificationFrame is the wire shape of the notification channel.
type NotificationFrame struct {
	Type EventKind `json:"type"`
	Data any       `json:"data"`
}

// FormatTimestamp renders times the way clients expect them.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func NewChatMessageEvent(msg Message, sender string) Event {
	return Event{Kind: KindChatMessage, ChatMessage: &ChatMessagePayload{
		MessageID:       msg.ID,
		Message:         msg.Content,
		Sender:          sender,
		Timestamp:       FormatTimestamp(msg.CreatedAt),
		IsSystemMessage: msg.IsSystemMessage,
	}}
}

func NewUnreadCountEvent(count int) Event {
	return Event{Kind: KindNewMessage, NewMessage: &NewMessagePayload{UnreadConversationsCount: count}}
}

func NewPresenceEvent(username string, online bool, lastSeen *time.Time) Event {
	payload := &PresencePayload{Username: username, IsOnline: online}
	if lastSeen != nil {
		iso := FormatTimestamp(*lastSeen)
		payload.LastSeenISO = &iso
	}
	return Event{Kind: KindPresence, Presence: payload}
}

func NewOrderUpdateEvent(message string, context map[string]any) Event {
	return Event{Kind: KindOrderUpdate, OrderUpdate: &OrderUpdatePayload{Message: message, Context: context}}
}

func NewReadReceiptEvent(count int, conversationID int64) Event {
	return Event{Kind: KindReadReceipt, ReadReceipt: &ReadReceiptPayload{
		UnreadConversationsCount: count,
		ConversationID:           conversationID,
	}}
}
