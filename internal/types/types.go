package types

import "strings"

// ConnectionState describes the single chat session shared by all rooms.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ChatMessage is a single message in a room's timeline. Messages are
// never mutated after creation; a redelivered id does not replace the
// copy already held.
type ChatMessage struct {
	Id        string `json:"id"`
	RoomId    string `json:"room_id"`
	UserId    string `json:"user_id"`
	Timestamp int64  `json:"timestamp"`
	Content   string `json:"content,omitempty"`
	System    bool   `json:"system,omitempty"`
}

// ReadReceipt marks the newest message a user has read in a room.
type ReadReceipt struct {
	RoomId    string `json:"room_id"`
	UserId    string `json:"user_id"`
	MessageId string `json:"message_id"`
	Timestamp int64  `json:"timestamp"`
}

// ConversationSummary is one row of the multi-room inbox view.
type ConversationSummary struct {
	RoomId      string       `json:"room_id"`
	LastMessage *ChatMessage `json:"last_message,omitempty"`
	UnreadCount int          `json:"unread_count"`
}

// Normalizer maps an environment-qualified identifier to its canonical
// form before any equality comparison.
type Normalizer func(id string) string

// NoopNormalizer returns identifiers unchanged.
func NoopNormalizer(id string) string { return id }

// SuffixNormalizer strips everything from the first occurrence of sep,
// e.g. SuffixNormalizer("@")("alice@staging") == "alice".
func SuffixNormalizer(sep string) Normalizer {
	if sep == "" {
		return NoopNormalizer
	}
	return func(id string) string {
		if i := strings.Index(id, sep); i >= 0 {
			return id[:i]
		}
		return id
	}
}

// SameId reports whether two identifiers are equal after normalization.
func SameId(n Normalizer, a, b string) bool {
	if n == nil {
		return a == b
	}
	return n(a) == n(b)
}
