package client

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/caretrack/go-chatclient/internal/types"
)

// HistoryEvent is a lifecycle pingback for a history request.
type HistoryEvent int

const (
	HistoryRequested HistoryEvent = iota
	HistoryPayloadAvailable
	HistoryPayloadMissing
)

func (e HistoryEvent) String() string {
	switch e {
	case HistoryRequested:
		return "history_requested"
	case HistoryPayloadAvailable:
		return "history_payload_available"
	case HistoryPayloadMissing:
		return "history_payload_missing"
	default:
		return "unknown"
	}
}

// TimelineSnapshot is a point-in-time copy of a room's reconciled
// state. The Messages slice is owned by the receiver.
type TimelineSnapshot struct {
	RoomId           string
	Messages         []types.ChatMessage
	HasMoreHistory   bool
	IsLoadingHistory bool
	LastReadMessage  *types.ChatMessage
}

// RoomTimeline owns exactly one room's ordered message list. It merges
// history, live and system payloads into a deduplicated, time-ordered
// sequence and drives history backfill. Created via
// SessionCoordinator.OpenRoom, torn down with Close when the room's
// surface goes away.
type RoomTimeline struct {
	sc        *SessionCoordinator
	log       *log.Logger
	roomId    string
	localUser string

	pageSize       int
	historyTimeout time.Duration
	nowFn          func() time.Time

	mu           sync.Mutex
	messages     []types.ChatMessage
	hasMore      bool
	loading      bool
	lastRead     *types.ChatMessage
	refetched    bool
	historyTimer *time.Timer

	payloads     chan *ServerPayload
	states       chan types.ConnectionState
	cancelStates func()
	snapshots    chan TimelineSnapshot
	events       chan HistoryEvent
	timeoutCh    chan struct{}
	stop         chan struct{}
	done         chan struct{}
	closeOnce    sync.Once
}

func newRoomTimeline(sc *SessionCoordinator, roomId, localUser string) *RoomTimeline {
	states, cancelStates := sc.subscribeStates()

	return &RoomTimeline{
		sc:             sc,
		log:            sc.log,
		roomId:         roomId,
		localUser:      localUser,
		pageSize:       sc.pageSize,
		historyTimeout: sc.historyTimeout,
		nowFn:          Now,
		hasMore:        true,
		payloads:       make(chan *ServerPayload, 256),
		states:         states,
		cancelStates:   cancelStates,
		snapshots:      make(chan TimelineSnapshot, 64),
		events:         make(chan HistoryEvent, 16),
		timeoutCh:      make(chan struct{}, 1),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Snapshots streams a copy of the room state after every mutation.
func (rt *RoomTimeline) Snapshots() <-chan TimelineSnapshot { return rt.snapshots }

// Events streams history-request lifecycle pingbacks.
func (rt *RoomTimeline) Events() <-chan HistoryEvent { return rt.events }

func (rt *RoomTimeline) RoomId() string { return rt.roomId }

func (rt *RoomTimeline) run() {
	for {
		select {
		case payload := <-rt.payloads:
			rt.handlePayload(payload)
		case state := <-rt.states:
			rt.handleConnectionState(state)
		case <-rt.timeoutCh:
			rt.handleHistoryTimeout()
		case <-rt.stop:
			close(rt.done)
			return
		}
	}
}

// Close detaches the timeline from the coordinator and stops its loop.
func (rt *RoomTimeline) Close() {
	rt.closeOnce.Do(func() {
		rt.sc.closeRoom(rt.roomId)
		rt.cancelStates()
		close(rt.stop)
		<-rt.done
	})
}

// FetchMostRecentMessages requests the newest page of history anchored
// at the current wall-clock time, plus the room's last-read marker.
// Used on initial room open and on app-foreground. Fire-and-forget:
// results arrive on the payload stream.
func (rt *RoomTimeline) FetchMostRecentMessages() {
	anchor := rt.nowFn().UnixMilli()
	rt.sc.SendMessage(NewGetHistory(rt.roomId, anchor, rt.pageSize))
	rt.sc.SendMessage(NewGetLastRead(rt.roomId))
}

// UpdateMessagesHistory requests an older-history page anchored at the
// oldest known message. The historyRequested event fires before the
// command is dispatched.
func (rt *RoomTimeline) UpdateMessagesHistory() {
	rt.mu.Lock()
	anchor := rt.nowFn().UnixMilli()
	if len(rt.messages) > 0 {
		anchor = rt.messages[0].Timestamp
	}
	rt.loading = true
	rt.armHistoryTimeoutLocked()
	rt.mu.Unlock()

	rt.emitEvent(HistoryRequested)
	rt.publishSnapshot()

	rt.sc.SendMessage(NewGetHistory(rt.roomId, anchor, rt.pageSize))
}

// SendMessage publishes a user message to this room through the
// coordinator's queue.
func (rt *RoomTimeline) SendMessage(content string) {
	rt.sc.SendMessage(NewPublish(rt.roomId, content))
}

// Snapshot returns a copy of the current room state.
func (rt *RoomTimeline) Snapshot() TimelineSnapshot {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	snap := TimelineSnapshot{
		RoomId:           rt.roomId,
		Messages:         make([]types.ChatMessage, len(rt.messages)),
		HasMoreHistory:   rt.hasMore,
		IsLoadingHistory: rt.loading,
	}
	copy(snap.Messages, rt.messages)
	if rt.lastRead != nil {
		lastRead := *rt.lastRead
		snap.LastReadMessage = &lastRead
	}
	return snap
}

func (rt *RoomTimeline) handlePayload(payload *ServerPayload) {
	switch payload.Kind {
	case KindHistory:
		rt.handleHistory(payload)
	case KindLive:
		rt.handleLive(payload)
	case KindSystem:
		rt.handleSystem(payload)
	case KindMessageRead, KindMessagesRead:
		rt.handleRead(payload)
	default:
		rt.log.Printf("dropping %s payload for room %q", payload.Kind, rt.roomId)
	}
}

func (rt *RoomTimeline) handleHistory(payload *ServerPayload) {
	batch := rt.filterRoom(payload.Messages)

	rt.mu.Lock()
	rt.loading = false
	rt.disarmHistoryTimeoutLocked()
	// a short page means the backend has nothing older
	if len(payload.Messages) < rt.pageSize {
		rt.hasMore = false
	}
	rt.messages = mergeTimeline(rt.messages, batch)
	rt.mu.Unlock()

	if len(batch) > 0 {
		rt.emitEvent(HistoryPayloadAvailable)
	} else {
		rt.emitEvent(HistoryPayloadMissing)
	}
	rt.publishSnapshot()
}

func (rt *RoomTimeline) handleLive(payload *ServerPayload) {
	if payload.Message == nil {
		return
	}

	batch := rt.filterRoom([]types.ChatMessage{*payload.Message})
	if len(batch) == 0 {
		return
	}

	rt.mu.Lock()
	rt.messages = mergeTimeline(rt.messages, batch)
	rt.mu.Unlock()

	// the local user's first outbound message retires the greeting prompt
	if types.SameId(rt.sc.normalize, batch[0].UserId, rt.localUser) {
		if err := rt.sc.ResetPendingGreeting(rt.roomId); err != nil {
			rt.log.Println("reset pending greeting:", err)
		}
	}

	rt.publishSnapshot()
}

func (rt *RoomTimeline) handleSystem(payload *ServerPayload) {
	msgs := make([]types.ChatMessage, len(payload.Messages))
	for i, m := range payload.Messages {
		m.System = true
		msgs[i] = m
	}

	batch := rt.filterRoom(msgs)
	if len(batch) == 0 {
		return
	}

	rt.mu.Lock()
	rt.messages = mergeTimeline(rt.messages, batch)
	rt.mu.Unlock()

	rt.publishSnapshot()
}

// handleRead updates the last-read marker from receipts authored by the
// local user in this room. Monotonic: only a strictly newer receipt is
// accepted.
func (rt *RoomTimeline) handleRead(payload *ServerPayload) {
	var best *types.ReadReceipt
	for i, r := range payload.Receipts {
		if !types.SameId(rt.sc.normalize, r.RoomId, rt.roomId) {
			continue
		}
		if !types.SameId(rt.sc.normalize, r.UserId, rt.localUser) {
			continue
		}
		if best == nil || r.Timestamp > best.Timestamp {
			best = &payload.Receipts[i]
		}
	}
	if best == nil {
		return
	}

	rt.mu.Lock()
	updated := rt.lastRead == nil || best.Timestamp > rt.lastRead.Timestamp
	if updated {
		rt.lastRead = &types.ChatMessage{
			Id:        best.MessageId,
			RoomId:    rt.roomId,
			UserId:    best.UserId,
			Timestamp: best.Timestamp,
		}
	}
	rt.mu.Unlock()

	if updated {
		rt.publishSnapshot()
	}
}

// handleConnectionState refetches the newest page when a reconnect
// finds the room empty, once per connected transition.
func (rt *RoomTimeline) handleConnectionState(state types.ConnectionState) {
	fetch := false

	rt.mu.Lock()
	if state == types.StateConnected {
		if !rt.refetched && len(rt.messages) == 0 {
			rt.refetched = true
			fetch = true
		}
	} else {
		rt.refetched = false
	}
	rt.mu.Unlock()

	if fetch {
		rt.FetchMostRecentMessages()
	}
}

func (rt *RoomTimeline) handleHistoryTimeout() {
	rt.mu.Lock()
	if !rt.loading {
		rt.mu.Unlock()
		return
	}
	rt.loading = false
	rt.mu.Unlock()

	rt.log.Printf("history request timed out for room %q", rt.roomId)
	rt.emitEvent(HistoryPayloadMissing)
	rt.publishSnapshot()
}

func (rt *RoomTimeline) armHistoryTimeoutLocked() {
	if rt.historyTimeout <= 0 {
		return
	}
	rt.disarmHistoryTimeoutLocked()
	rt.historyTimer = time.AfterFunc(rt.historyTimeout, func() {
		select {
		case rt.timeoutCh <- struct{}{}:
		default:
		}
	})
}

func (rt *RoomTimeline) disarmHistoryTimeoutLocked() {
	if rt.historyTimer != nil {
		rt.historyTimer.Stop()
		rt.historyTimer = nil
	}
}

func (rt *RoomTimeline) filterRoom(msgs []types.ChatMessage) []types.ChatMessage {
	filtered := msgs[:0:0]
	for _, m := range msgs {
		if types.SameId(rt.sc.normalize, m.RoomId, rt.roomId) {
			filtered = append(filtered, m)
		}
	}
	return filtered
}

func (rt *RoomTimeline) emitEvent(event HistoryEvent) {
	select {
	case rt.events <- event:
	default:
		rt.log.Printf("event buffer full for room %q, dropping %s", rt.roomId, event)
	}
}

// publishSnapshot pushes the latest state, displacing the oldest
// buffered snapshot when the consumer lags.
func (rt *RoomTimeline) publishSnapshot() {
	snap := rt.Snapshot()
	for {
		select {
		case rt.snapshots <- snap:
			return
		default:
			select {
			case <-rt.snapshots:
			default:
			}
		}
	}
}

// mergeTimeline forms the union of the current list and a new batch,
// deduplicated by message id and sorted ascending by timestamp. When an
// id appears in both, the copy already held wins: redeliveries never
// overwrite known content. The result is independent of arrival order
// given the same eventual set of messages.
func mergeTimeline(current, batch []types.ChatMessage) []types.ChatMessage {
	merged := make([]types.ChatMessage, 0, len(current)+len(batch))
	seen := make(map[string]struct{}, len(current)+len(batch))

	for _, list := range [][]types.ChatMessage{current, batch} {
		for _, m := range list {
			if _, ok := seen[m.Id]; ok {
				continue
			}
			seen[m.Id] = struct{}{}
			merged = append(merged, m)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
