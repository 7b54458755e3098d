package client

import (
	"log"
	"sync"

	"github.com/caretrack/go-chatclient/internal/types"
)

// InboxReconciler maintains per-room most-recent-message and
// unread-count summaries for the multi-room inbox view. It consumes
// the coordinator-level payload stream, so it stays current whether or
// not any individual room timeline is open.
type InboxReconciler struct {
	log       *log.Logger
	normalize types.Normalizer

	mu        sync.Mutex
	summaries map[string]*types.ConversationSummary

	payloads chan *ServerPayload
	updates  chan types.ConversationSummary
	stop     chan struct{}
	done     chan struct{}
}

func NewInboxReconciler(logger *log.Logger, normalize types.Normalizer) *InboxReconciler {
	if normalize == nil {
		normalize = types.NoopNormalizer
	}
	return &InboxReconciler{
		log:       logger,
		normalize: normalize,
		summaries: make(map[string]*types.ConversationSummary),
		payloads:  make(chan *ServerPayload, 256),
		updates:   make(chan types.ConversationSummary, 64),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Updates streams a copy of each summary as it changes.
func (ib *InboxReconciler) Updates() <-chan types.ConversationSummary { return ib.updates }

func (ib *InboxReconciler) Run() {
	for {
		select {
		case payload := <-ib.payloads:
			ib.handlePayload(payload)
		case <-ib.stop:
			close(ib.done)
			return
		}
	}
}

func (ib *InboxReconciler) Close() {
	close(ib.stop)
	<-ib.done
}

// Summaries returns a copy of every room's current summary.
func (ib *InboxReconciler) Summaries() map[string]types.ConversationSummary {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	out := make(map[string]types.ConversationSummary, len(ib.summaries))
	for roomId, summary := range ib.summaries {
		out[roomId] = *summary
	}
	return out
}

// Summary returns one room's summary, if any payload has been seen for
// it.
func (ib *InboxReconciler) Summary(roomId string) (types.ConversationSummary, bool) {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	summary, ok := ib.summaries[ib.normalize(roomId)]
	if !ok {
		return types.ConversationSummary{}, false
	}
	return *summary, true
}

func (ib *InboxReconciler) handlePayload(payload *ServerPayload) {
	if payload == nil {
		return
	}

	roomId := ib.normalize(payload.RoomId)
	if roomId == "" {
		// background noise on the shared stream, not an error
		return
	}

	switch payload.Kind {
	case KindHistory:
		if len(payload.Messages) == 0 {
			return
		}
		ib.observeMessage(roomId, payload.Messages[0])
	case KindLive:
		if payload.Message == nil {
			return
		}
		ib.observeMessage(roomId, *payload.Message)
	case KindUnread:
		if payload.UnreadCount == nil {
			return
		}
		ib.setUnreadCount(roomId, *payload.UnreadCount)
	}
}

// observeMessage replaces the cached most-recent message only when the
// candidate is strictly newer; late-arriving stale history pages never
// regress the summary.
func (ib *InboxReconciler) observeMessage(roomId string, msg types.ChatMessage) {
	ib.mu.Lock()
	summary := ib.summary(roomId)
	if summary.LastMessage != nil && msg.Timestamp <= summary.LastMessage.Timestamp {
		ib.mu.Unlock()
		return
	}
	summary.LastMessage = &msg
	changed := *summary
	ib.mu.Unlock()

	ib.publish(changed)
}

// setUnreadCount replaces the room's unread count wholesale; the server
// count is authoritative.
func (ib *InboxReconciler) setUnreadCount(roomId string, count int) {
	ib.mu.Lock()
	summary := ib.summary(roomId)
	summary.UnreadCount = count
	changed := *summary
	ib.mu.Unlock()

	ib.publish(changed)
}

func (ib *InboxReconciler) summary(roomId string) *types.ConversationSummary {
	summary, ok := ib.summaries[roomId]
	if !ok {
		summary = &types.ConversationSummary{RoomId: roomId}
		ib.summaries[roomId] = summary
	}
	return summary
}

func (ib *InboxReconciler) publish(summary types.ConversationSummary) {
	select {
	case ib.updates <- summary:
	default:
		ib.log.Println("inbox update buffer full, dropping summary for room", summary.RoomId)
	}
}
