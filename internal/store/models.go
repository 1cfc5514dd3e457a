package store

import "time"

type Direction string

const (
	DirectionUser      Direction = "user"
	DirectionAssistant Direction = "assistant"
)

type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindPDF   MessageKind = "pdf"
	KindVideo MessageKind = "video"
	KindAudio MessageKind = "audio"
)

type Conversation struct {
	ID        string    `json:"id"` // UUID
	UserID    string    `json:"user_id"`
	ToolID    string    `json:"tool_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MediaRef is the persisted reference to a turn's media. Inline bytes are
// never stored, only where the payload lived.
type MediaRef struct {
	Kind      string `json:"kind"`
	URI       string `json:"uri,omitempty"`
	MIMEType  string `json:"mime_type,omitempty"`
	SizeBytes int64  `json:"size_bytes"`
}

type Message struct {
	ID             string      `json:"id"` // UUID
	ConversationID string      `json:"conversation_id"`
	Direction      Direction   `json:"direction"`
	Content        string      `json:"content"`
	Kind           MessageKind `json:"kind"`
	Media          *MediaRef   `json:"media,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}

type Tool struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	APIType       string    `json:"api_type"`
	ModelName     string    `json:"model_name"`
	CredentialRef string    `json:"credential_ref,omitempty"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	Category      string    `json:"category,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}
