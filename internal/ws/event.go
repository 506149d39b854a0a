package ws

import (
	"encoding/json"
	"fmt"

	"github.com/pliu/chattysync/internal/models"
	"github.com/pliu/chattysync/internal/syncerr"
	"github.com/tidwall/gjson"
)

type EventType string

const (
	EventMessage        EventType = "MESSAGE"
	EventMessageUpdated EventType = "MESSAGE_UPDATED"
	EventMessageDeleted EventType = "MESSAGE_DELETED"
	EventReaction       EventType = "REACTION"
	EventTyping         EventType = "TYPING"
)

// Event is one decoded push frame. Exactly one of Message, MessageID (for
// deletes) or Typing is meaningful, depending on Type.
type Event struct {
	Type           EventType
	ConversationID string
	Message        *models.Message
	MessageID      string
	Typing         *Typing
}

type Typing struct {
	ConversationID string `json:"channelId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// DecodeEvent parses a frame of the form {"type": ..., "payload": {...}}.
// A bare message object without an envelope is accepted as MESSAGE. Every
// failure wraps syncerr.ErrProtocolMalformed.
func DecodeEvent(data []byte) (Event, error) {
	if !gjson.ValidBytes(data) {
		return Event{}, malformed("invalid json")
	}
	typ := gjson.GetBytes(data, "type")
	payload := gjson.GetBytes(data, "payload")
	if !typ.Exists() {
		if gjson.GetBytes(data, "messageId").Exists() {
			return decodeMessage(EventMessage, data)
		}
		return Event{}, malformed("missing type")
	}
	if !payload.IsObject() {
		return Event{}, malformed("missing payload")
	}
	raw := []byte(payload.Raw)

	switch t := EventType(typ.String()); t {
	case EventMessage, EventMessageUpdated, EventReaction:
		return decodeMessage(t, raw)
	case EventMessageDeleted:
		id := gjson.GetBytes(raw, "messageId").String()
		if id == "" {
			return Event{}, malformed("delete without messageId")
		}
		return Event{Type: t, MessageID: id, ConversationID: gjson.GetBytes(raw, "channelId").String()}, nil
	case EventTyping:
		var ty Typing
		if err := json.Unmarshal(raw, &ty); err != nil {
			return Event{}, malformed(err.Error())
		}
		return Event{Type: t, ConversationID: ty.ConversationID, Typing: &ty}, nil
	default:
		return Event{}, malformed(fmt.Sprintf("unknown type %q", t))
	}
}

func decodeMessage(t EventType, raw []byte) (Event, error) {
	var msg models.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Event{}, malformed(err.Error())
	}
	if msg.ID == "" || msg.ConversationID == "" {
		return Event{}, malformed("message without messageId or channelId")
	}
	if msg.SentAt.IsZero() && t == EventMessage {
		return Event{}, malformed("message without sentAt")
	}
	if msg.Kind == "" {
		msg.Kind = models.KindText
	}
	return Event{Type: t, ConversationID: msg.ConversationID, Message: &msg, MessageID: msg.ID}, nil
}

type typingPayload struct {
	ConversationID string `json:"channelId"`
	IsTyping       bool   `json:"isTyping"`
}

// EncodeTyping builds the outbound TYPING frame. The server fills in the
// sender.
func EncodeTyping(conversationID string, isTyping bool) ([]byte, error) {
	return json.Marshal(struct {
		Type    EventType     `json:"type"`
		Payload typingPayload `json:"payload"`
	}{EventTyping, typingPayload{ConversationID: conversationID, IsTyping: isTyping}})
}

func malformed(reason string) error {
	return &syncerr.Error{Kind: syncerr.ErrProtocolMalformed, Op: "decode_event", Message: reason}
}
