package chat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	appErrors "convsync/pkg/errors"
)

// ---------------------------------------------
// 🗄️ Domain Models
// ---------------------------------------------

type ContentType string

const (
	ContentText  ContentType = "TEXT"
	ContentImage ContentType = "IMAGE"
	ContentFile  ContentType = "FILE"
)

func (t ContentType) Valid() bool {
	switch t {
	case ContentText, ContentImage, ContentFile:
		return true
	}
	return false
}

// Status tags a cached message as Pending (optimistic, no server id yet),
// Confirmed (server echo or history) or Failed (publish rejected).
type Status int

const (
	StatusConfirmed Status = iota
	StatusPending
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFailed:
		return "failed"
	default:
		return "confirmed"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pending":
		*s = StatusPending
	case "failed":
		*s = StatusFailed
	case "confirmed", "":
		*s = StatusConfirmed
	default:
		return fmt.Errorf("unknown status %q", b)
	}
	return nil
}

type Message struct {
	ID             int64       `json:"id,omitempty"`       // server-assigned, 0 until confirmed
	ClientID       string      `json:"clientId,omitempty"` // correlation id for optimistic sends
	ConversationID int64       `json:"conversationId"`
	SenderID       int64       `json:"senderId"`
	Content        string      `json:"content"`
	Type           ContentType `json:"type"`
	IsRead         bool        `json:"isRead"`
	CreatedAt      time.Time   `json:"createdAt"`
	Status         Status      `json:"status"`
}

func (m Message) Pending() bool   { return m.Status == StatusPending }
func (m Message) Failed() bool    { return m.Status == StatusFailed }
func (m Message) Confirmed() bool { return m.Status == StatusConfirmed }

type Conversation struct {
	ID           int64    `json:"id"`
	Participants []int64  `json:"participants"`
	LastMessage  *Message `json:"lastMessage,omitempty"`
	UnreadCount  int      `json:"unreadCount"`
}

// Key scopes caches and subscriptions to one viewer of one conversation.
type Key struct {
	ConversationID int64
	ViewerID       int64
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d", k.ConversationID, k.ViewerID)
}

// ---------------------------------------------
// ⚡ Wire Models
// ---------------------------------------------

// SendDestination is the command destination outbound envelopes are published to.
const SendDestination = "/app/chat.send"

const topicPrefix = "conversation/"

func Topic(conversationID int64) string {
	return fmt.Sprintf("%s%d", topicPrefix, conversationID)
}

// Envelope is what the client publishes. The server assigns id and createdAt.
type Envelope struct {
	ConversationID int64       `json:"conversationId"`
	SenderID       int64       `json:"senderId"`
	Content        string      `json:"content"`
	Type           ContentType `json:"type"`
	ClientID       string      `json:"clientId,omitempty"`
}

// inboundFrame mirrors the message event received on a conversation topic.
type inboundFrame struct {
	ID             int64       `json:"id"`
	ConversationID int64       `json:"conversationId"`
	SenderID       int64       `json:"senderId"`
	Content        string      `json:"content"`
	Type           ContentType `json:"type"`
	IsRead         bool        `json:"isRead"`
	CreatedAt      time.Time   `json:"createdAt"`
	ClientID       string      `json:"clientId,omitempty"`
}

// ParseFrame decodes an inbound topic frame into a confirmed Message. Any
// failure is reported as MalformedFrame.
func ParseFrame(body []byte) (Message, error) {
	m, err := decodeFrame(body)
	if err != nil {
		return Message{}, appErrors.MalformedFrame(err)
	}
	return m, nil
}

func decodeFrame(body []byte) (Message, error) {
	var f inboundFrame
	if err := json.Unmarshal(body, &f); err != nil {
		return Message{}, err
	}
	switch {
	case f.ID <= 0:
		return Message{}, fmt.Errorf("missing id")
	case f.ConversationID <= 0:
		return Message{}, fmt.Errorf("missing conversationId")
	case f.SenderID <= 0:
		return Message{}, fmt.Errorf("missing senderId")
	case !ContentType(strings.ToUpper(string(f.Type))).Valid():
		return Message{}, fmt.Errorf("unknown type %q", f.Type)
	}
	return Message{
		ID:             f.ID,
		ClientID:       f.ClientID,
		ConversationID: f.ConversationID,
		SenderID:       f.SenderID,
		Content:        f.Content,
		Type:           ContentType(strings.ToUpper(string(f.Type))),
		IsRead:         f.IsRead,
		CreatedAt:      f.CreatedAt,
		Status:         StatusConfirmed,
	}, nil
}
