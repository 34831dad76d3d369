package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a relay → client event.
type EventType string

const (
	EventMessage       EventType = "message"
	EventComment       EventType = "comment"
	EventTyping        EventType = "typing"
	EventPresence      EventType = "presence"
	EventDeliveryState EventType = "delivery_state"
	EventMessageRead   EventType = "message_read"
	EventRoomUpdated   EventType = "room_updated"
	EventMessagePosted EventType = "message_posted"
	EventCommentPosted EventType = "comment_posted"
	EventError         EventType = "error"
)

// CommandType identifies a client → relay command.
type CommandType string

const (
	CmdJoinRoom    CommandType = "join_room"
	CmdLeaveRoom   CommandType = "leave_room"
	CmdSendMessage CommandType = "send_message"
	CmdSendComment CommandType = "send_comment"
	CmdSetTyping   CommandType = "set_typing"
	CmdMarkRead    CommandType = "mark_read"
)

// Envelope wraps every event sent to a client. ID is stable per logical
// event so clients can deduplicate deliveries that overlap a history fetch
// after reconnecting.
type Envelope struct {
	ID      string          `json:"id"`
	Type    EventType       `json:"type"`
	RoomID  int64           `json:"room_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Command is a client request. Fields beyond Type are populated per command;
// unused fields are omitted on the wire.
type Command struct {
	Type        CommandType `json:"type"`
	RoomID      int64       `json:"room_id,omitempty"`
	MessageID   int64       `json:"message_id,omitempty"`
	Content     string      `json:"content,omitempty"`
	MessageType string      `json:"message_type,omitempty"`
	IsTyping    bool        `json:"is_typing,omitempty"`
}

// Message is a persisted chat message as it appears on the wire.
type Message struct {
	ID          int64     `json:"id"`
	RoomID      int64     `json:"room_id"`
	SenderID    int64     `json:"sender_id"`
	SenderName  string    `json:"sender_name,omitempty"`
	Content     string    `json:"content"`
	MessageType string    `json:"message_type"`
	CreatedAt   time.Time `json:"created_at"`
}

// Comment is a persisted comment on a message.
type Comment struct {
	ID         int64     `json:"id"`
	MessageID  int64     `json:"message_id"`
	SenderID   int64     `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// DeliveryState is the per-message delivery progression. States are ordered;
// a message never moves backwards.
type DeliveryState string

const (
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRead      DeliveryState = "read"
)

// Rank returns the ordinal position of a state in the progression, or -1
// for an unknown state.
func (s DeliveryState) Rank() int {
	switch s {
	case DeliverySent:
		return 0
	case DeliveryDelivered:
		return 1
	case DeliveryRead:
		return 2
	}
	return -1
}

// TypingEvent signals that an identity started or stopped typing in a room.
type TypingEvent struct {
	IdentityID  int64  `json:"identity_id"`
	DisplayName string `json:"display_name,omitempty"`
	RoomID      int64  `json:"room_id"`
	IsTyping    bool   `json:"is_typing"`
}

// PresenceEvent is a global online/offline delta for one identity.
type PresenceEvent struct {
	IdentityID  int64     `json:"identity_id"`
	DisplayName string    `json:"display_name,omitempty"`
	IsOnline    bool      `json:"is_online"`
	LastSeen    time.Time `json:"last_seen"`
}

// DeliveryStateEvent reports a message advancing through the delivery
// progression.
type DeliveryStateEvent struct {
	MessageID int64         `json:"message_id"`
	State     DeliveryState `json:"state"`
}

// MessageReadEvent is a per-recipient read receipt.
type MessageReadEvent struct {
	MessageID int64 `json:"message_id"`
	ReaderID  int64 `json:"reader_id"`
}

// RoomUpdatedEvent carries conversation metadata changed by a collaborator.
type RoomUpdatedEvent struct {
	RoomID   int64          `json:"room_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ErrorEvent reports a failed command back to the issuing client only.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried in ErrorEvent.
const (
	CodeBadCommand   = "bad_command"
	CodeUnauthorized = "unauthorized"
	CodeNotFound     = "not_found"
	CodeTimeout      = "timeout"
	CodeInternal     = "internal"
)

// NewEvent builds an envelope with a fresh stable ID and the payload
// marshalled to JSON.
func NewEvent(eventType EventType, roomID int64, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
		}
		raw = data
	}

	return &Envelope{
		ID:      uuid.NewString(),
		Type:    eventType,
		RoomID:  roomID,
		Payload: raw,
	}, nil
}

// MustEvent is NewEvent for payloads that cannot fail to marshal.
func MustEvent(eventType EventType, roomID int64, payload any) *Envelope {
	env, err := NewEvent(eventType, roomID, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// DecodePayload unmarshals the envelope payload into dst.
func (e *Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s has no payload", e.Type)
	}
	return json.Unmarshal(e.Payload, dst)
}

// DecodeCommand parses a client command frame.
func DecodeCommand(data []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	if cmd.Type == "" {
		return nil, fmt.Errorf("command missing type")
	}
	return &cmd, nil
}
