package models

import "time"

// MemoryChunk is a bounded, content-addressed slice of a document.
// Chunks are immutable after creation.
type MemoryChunk struct {
	// Key is "<docID>_chunk_<index>".
	Key string `json:"key"`

	// DocID identifies the source document.
	DocID string `json:"doc_id"`

	// Index is the ordinal position within the document.
	Index int `json:"index"`

	// Text is the chunk content, bounded to roughly the configured word
	// count.
	Text string `json:"text"`

	// Fingerprint is the content address: the first 16 bytes of
	// SHA-256(Text), big-endian.
	Fingerprint [16]byte `json:"-"`

	// FingerprintHex is the hex rendering persisted alongside the chunk.
	FingerprintHex string `json:"fingerprint"`

	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Role indicates the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ConversationTurn is one stored message of a conversation. Within a
// (channel, user) pair timestamps are monotonically non-decreasing.
type ConversationTurn struct {
	// Key is "<sessionID>_<timestamp>".
	Key       string      `json:"key"`
	Channel   ChannelType `json:"channel"`
	ChannelID string      `json:"channel_id"`
	UserID    string      `json:"user_id"`
	Role      Role        `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// VerifyReport summarizes an integrity sweep over stored chunks.
type VerifyReport struct {
	Total   int           `json:"total"`
	Valid   int           `json:"valid"`
	Invalid int           `json:"invalid"`
	Errors  []VerifyError `json:"errors,omitempty"`
}

// VerifyError identifies one chunk whose stored fingerprint no longer
// matches its text.
type VerifyError struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}
