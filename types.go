package inbox

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is the error body returned by the inbox HTTP endpoints.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ============================================================================
// Messages
// ============================================================================

// SenderType distinguishes who wrote a message.
type SenderType string

const (
	SenderAgent    SenderType = "agent"
	SenderCustomer SenderType = "customer"
	SenderSystem   SenderType = "system"
)

// Sender identifies the author of a message.
type Sender struct {
	ID   string     `json:"id"`
	Name string     `json:"name"`
	Type SenderType `json:"type"`
}

// MessageStatus is only set on locally originated messages awaiting confirmation.
type MessageStatus string

const (
	StatusQueued  MessageStatus = "queued"
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

// ExtrasType marks customer-visible messages apart from internal notes.
type ExtrasType string

const (
	ExtrasMessage      ExtrasType = "message"
	ExtrasInternalNote ExtrasType = "internal_note"
)

// MessageExtras carries optional routing data next to the text.
type MessageExtras struct {
	Type   ExtrasType `json:"type,omitempty"`
	ReadBy []string   `json:"readBy,omitempty"`
}

// Attachment references an uploaded file.
type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is a chat message. It is immutable once delivered.
type Message struct {
	ID          string         `json:"id"`
	Text        string         `json:"text"`
	Sender      Sender         `json:"sender"`
	Timestamp   time.Time      `json:"timestamp"`
	Status      MessageStatus  `json:"status,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Extras      *MessageExtras `json:"extras,omitempty"`
}

// IsInternalNote reports whether the message is hidden from customers.
func (m Message) IsInternalNote() bool {
	return m.Extras != nil && m.Extras.Type == ExtrasInternalNote
}

// ============================================================================
// Presence
// ============================================================================

// ParticipantType is either a customer or a support agent.
type ParticipantType string

const (
	ParticipantCustomer ParticipantType = "customer"
	ParticipantAgent    ParticipantType = "agent"
)

// PresenceStatus is the availability a participant advertises.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// Location says what a participant is looking at.
type Location struct {
	TicketID string `json:"ticketId,omitempty"`
	Area     string `json:"area,omitempty"`
}

// PresenceData is the presence payload exchanged with the backend.
// Every field except UserID is optional on the wire.
type PresenceData struct {
	UserID     string          `json:"userId"`
	Name       string          `json:"name"`
	Type       ParticipantType `json:"type,omitempty"`
	Status     PresenceStatus  `json:"status,omitempty"`
	IsTyping   bool            `json:"isTyping,omitempty"`
	LastActive *time.Time      `json:"lastActive,omitempty"`
	Location   *Location       `json:"location,omitempty"`
}

// PresenceMember is the tracker's view of one participant on a channel.
type PresenceMember struct {
	ParticipantID string          `json:"participantId"`
	Name          string          `json:"name"`
	Type          ParticipantType `json:"type"`
	Status        PresenceStatus  `json:"status"`
	IsTyping      bool            `json:"isTyping"`
	LastActive    time.Time       `json:"lastActive"`
	Location      *Location       `json:"location,omitempty"`
}

func memberFromData(d PresenceData, now time.Time) PresenceMember {
	m := PresenceMember{
		ParticipantID: d.UserID,
		Name:          d.Name,
		Type:          d.Type,
		Status:        d.Status,
		IsTyping:      d.IsTyping,
		LastActive:    now,
		Location:      d.Location,
	}
	if m.Type == "" {
		m.Type = ParticipantCustomer
	}
	if m.Status == "" {
		m.Status = PresenceOnline
	}
	if d.LastActive != nil {
		m.LastActive = *d.LastActive
	}
	return m
}

// ============================================================================
// Transport events
// ============================================================================

// EventKind names what happened on a channel.
type EventKind string

const (
	KindMessage         EventKind = "message.new"
	KindPresenceEnter   EventKind = "presence.enter"
	KindPresenceUpdate  EventKind = "presence.update"
	KindPresenceLeave   EventKind = "presence.leave"
	KindPresenceChanged EventKind = "presence.changed"
	KindMessageStatus   EventKind = "message.status"
	KindStateChange     EventKind = "connection.state"
)

// Event is what a Link reports for a channel it is attached to.
type Event struct {
	Kind     EventKind
	Channel  string
	Message  *Message
	Presence *PresenceData
}

// StatusUpdate reports the definitive outcome of a locally originated message.
type StatusUpdate struct {
	ConversationID string
	MessageID      string
	Status         MessageStatus
	Err            error
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
