package client

import (
	"strconv"
	"time"

	"github.com/caretrack/go-chatclient/internal/types"
	"github.com/teris-io/shortid"
)

// PayloadKind tags an inbound frame on the shared multiplexed stream.
type PayloadKind string

const (
	KindHistory      PayloadKind = "history"
	KindLive         PayloadKind = "live"
	KindSystem       PayloadKind = "system_routable"
	KindMessageRead  PayloadKind = "message_read"
	KindMessagesRead PayloadKind = "messages_read"
	KindUnread       PayloadKind = "unread_messages"
	KindError        PayloadKind = "error"
)

// ServerPayload is one inbound frame, tagged by room and kind. Only the
// fields relevant to the kind are populated.
type ServerPayload struct {
	RoomId      string              `json:"room_id"`
	Kind        PayloadKind         `json:"kind"`
	Message     *types.ChatMessage  `json:"message,omitempty"`
	Messages    []types.ChatMessage `json:"messages,omitempty"`
	Receipts    []types.ReadReceipt `json:"receipts,omitempty"`
	UnreadCount *int                `json:"unread_count,omitempty"`
	Error       string              `json:"error,omitempty"`
	Timestamp   time.Time           `json:"timestamp"`
}

// ClientCommand is one outbound frame addressed to a room. Exactly one
// of the operation fields is set.
type ClientCommand struct {
	Id          string       `json:"id"`
	RoomId      string       `json:"room_id"`
	GetHistory  *GetHistory  `json:"get_history,omitempty"`
	GetLastRead *GetLastRead `json:"get_last_read,omitempty"`
	Publish     *Publish     `json:"publish,omitempty"`
}

// GetHistory requests up to Limit messages older than the Anchor
// timestamp (unix milliseconds).
type GetHistory struct {
	Anchor int64 `json:"anchor"`
	Limit  int   `json:"limit"`
}

type GetLastRead struct{}

type Publish struct {
	Content string `json:"content"`
}

func NewGetHistory(roomId string, anchor int64, limit int) *ClientCommand {
	return &ClientCommand{
		Id:         nextCommandId(),
		RoomId:     roomId,
		GetHistory: &GetHistory{Anchor: anchor, Limit: limit},
	}
}

func NewGetLastRead(roomId string) *ClientCommand {
	return &ClientCommand{
		Id:          nextCommandId(),
		RoomId:      roomId,
		GetLastRead: &GetLastRead{},
	}
}

func NewPublish(roomId, content string) *ClientCommand {
	return &ClientCommand{
		Id:      nextCommandId(),
		RoomId:  roomId,
		Publish: &Publish{Content: content},
	}
}

func nextCommandId() string {
	id, err := shortid.Generate()
	if err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return id
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
