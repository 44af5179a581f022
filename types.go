package chatsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic REST response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Err returns the envelope error, or nil when the call succeeded.
func (r *Result) Err() error {
	if r.OK {
		return nil
	}
	if r.Error != nil {
		return r.Error
	}
	return &APIError{Code: "UNKNOWN", Message: "API returned an error (no details)"}
}

// ============================================================================
// Chat Types
// ============================================================================

// MessageStatus is the client-side delivery state of a message.
type MessageStatus string

const (
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

type Attachment struct {
	ID       string `json:"id"`
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
	URL      string `json:"url,omitempty"`
}

// ReadReceipt records that a user has seen a message.
type ReadReceipt struct {
	UserID string    `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

type Reaction struct {
	Emoji  string `json:"emoji"`
	UserID string `json:"userId"`
}

// Message is a single chat message. ID is empty until the server has
// acknowledged it; PendingToken is set only on locally originated sends.
type Message struct {
	ID             string        `json:"id,omitempty"`
	PendingToken   string        `json:"pendingToken,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Content        string        `json:"content"`
	CreatedAt      time.Time     `json:"createdAt"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	ReadReceipts   []ReadReceipt `json:"readReceipts,omitempty"`
	Reactions      []Reaction    `json:"reactions,omitempty"`
	Status         MessageStatus `json:"-"`
}

// Pending reports whether the message is still an unacknowledged placeholder.
func (m *Message) Pending() bool {
	return m.ID == ""
}

// clone returns a deep copy so snapshots never alias engine state.
func (m Message) clone() Message {
	m.Attachments = append([]Attachment(nil), m.Attachments...)
	m.ReadReceipts = append([]ReadReceipt(nil), m.ReadReceipts...)
	m.Reactions = append([]Reaction(nil), m.Reactions...)
	return m
}

type Participant struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Role        string `json:"role,omitempty"`
}

// Conversation is the conversation-list entry kept by the engine.
type Conversation struct {
	ID             string        `json:"id"`
	Title          string        `json:"title,omitempty"`
	Participants   []Participant `json:"participants,omitempty"`
	LastMessage    *Message      `json:"lastMessage,omitempty"`
	LastActivityAt time.Time     `json:"lastActivityAt"`
	UnreadCount    int           `json:"unreadCount"`
}

func (c Conversation) clone() Conversation {
	c.Participants = append([]Participant(nil), c.Participants...)
	if c.LastMessage != nil {
		m := c.LastMessage.clone()
		c.LastMessage = &m
	}
	return c
}

// MessagePage is one page of a conversation's history, newest last.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"nextCursor,omitempty"`
}

// ============================================================================
// REST Option Types
// ============================================================================

type CreateConversationOptions struct {
	Title          string   `json:"title,omitempty"`
	ParticipantIDs []string `json:"participantIds"`
}

type PageOptions struct {
	Cursor string
	Limit  int
}

// UploadOptions configures an attachment upload.
type UploadOptions struct {
	FileName string
	MimeType string
	Content  string
}

// SignedURL is a time-limited download link for an attachment.
type SignedURL struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}
