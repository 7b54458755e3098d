package client

import (
	"testing"
	"time"

	"github.com/caretrack/go-chatclient/internal/greeting"
	"github.com/caretrack/go-chatclient/internal/stats"
	"github.com/caretrack/go-chatclient/internal/testutil"
	"github.com/caretrack/go-chatclient/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestStats() *stats.MockStatsUpdater {
	ms := &stats.MockStatsUpdater{}
	ms.On("RegisterMetric", mock.Anything)
	ms.On("Incr", mock.Anything)
	ms.On("Decr", mock.Anything)
	return ms
}

func newTestCoordinator(t *testing.T, conn ConnectionManager, opts Options) *SessionCoordinator {
	t.Helper()
	return NewSessionCoordinator(testutil.TestLogger(t), conn, nil, newTestStats(), opts)
}

// newConnectedTimeline returns a timeline for room-1 whose coordinator
// believes it is connected; every forwarded command is recorded in the
// returned slice.
func newConnectedTimeline(t *testing.T, opts Options) (*RoomTimeline, *[]*ClientCommand) {
	t.Helper()

	var sent []*ClientCommand
	conn := NewMockConnectionManager()
	conn.On("Send", mock.Anything).Run(func(args mock.Arguments) {
		sent = append(sent, args.Get(0).(*ClientCommand))
	}).Return(nil)

	sc := newTestCoordinator(t, conn, opts)
	sc.handleState(types.StateConnected)

	rt := sc.OpenRoom("room-1", "alice")
	t.Cleanup(rt.Close)
	return rt, &sent
}

func msg(id, roomId, userId string, ts int64) types.ChatMessage {
	return types.ChatMessage{Id: id, RoomId: roomId, UserId: userId, Timestamp: ts, Content: "msg " + id}
}

func TestMergeTimeline(t *testing.T) {
	t.Run("dedups and sorts ascending", func(t *testing.T) {
		current := []types.ChatMessage{msg("m2", "r", "u", 20), msg("m4", "r", "u", 40)}
		batch := []types.ChatMessage{msg("m3", "r", "u", 30), msg("m1", "r", "u", 10), msg("m2", "r", "u", 20)}

		merged := mergeTimeline(current, batch)
		require.Len(t, merged, 4, "expected union of unique ids")
		assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, messageIds(merged), "expected ascending timestamp order")
	})

	t.Run("first-seen copy wins on duplicate ids", func(t *testing.T) {
		known := msg("m1", "r", "u", 10)
		redelivered := msg("m1", "r", "u", 10)
		redelivered.Content = "edited"

		merged := mergeTimeline([]types.ChatMessage{known}, []types.ChatMessage{redelivered})
		require.Len(t, merged, 1)
		assert.Equal(t, known.Content, merged[0].Content, "expected the already-known copy to be kept")
	})
}

func Test_merge_convergence(t *testing.T) {
	// The same set of payloads, in any delivery order and with repeated
	// delivery, must yield an identical final timeline.
	makePayloads := func() []*ServerPayload {
		return []*ServerPayload{
			{RoomId: "room-1", Kind: KindHistory, Messages: []types.ChatMessage{
				msg("m1", "room-1", "bob", 10),
				msg("m2", "room-1", "alice", 20),
			}},
			{RoomId: "room-1", Kind: KindLive, Message: ptrMsg(msg("m3", "room-1", "bob", 30))},
			{RoomId: "room-1", Kind: KindSystem, Messages: []types.ChatMessage{
				msg("s1", "room-1", "server", 25),
			}},
		}
	}

	orders := [][]int{
		{0, 1, 2},
		{0, 2, 1},
		{1, 0, 2},
		{1, 2, 0},
		{2, 0, 1},
		{2, 1, 0},
		{2, 1, 0, 0, 1, 2}, // repeated delivery
	}

	want := []string{"m1", "m2", "s1", "m3"}
	for _, order := range orders {
		rt, _ := newConnectedTimeline(t, Options{})
		payloads := makePayloads()
		for _, i := range order {
			rt.handlePayload(payloads[i])
		}

		snap := rt.Snapshot()
		assert.Equalf(t, want, messageIds(snap.Messages), "expected identical timeline for delivery order %v", order)
		assert.True(t, snap.Messages[2].System, "expected system message to be marked")
	}
}

func Test_handleRead_monotonic(t *testing.T) {
	rt, _ := newConnectedTimeline(t, Options{})

	rt.handleRead(&ServerPayload{RoomId: "room-1", Kind: KindMessagesRead, Receipts: []types.ReadReceipt{
		{RoomId: "room-1", UserId: "alice", MessageId: "m2", Timestamp: 20},
		{RoomId: "room-1", UserId: "alice", MessageId: "m1", Timestamp: 10},
		{RoomId: "room-1", UserId: "bob", MessageId: "m9", Timestamp: 90}, // other user, ignored
	}})

	snap := rt.Snapshot()
	require.NotNil(t, snap.LastReadMessage)
	assert.Equal(t, "m2", snap.LastReadMessage.Id, "expected the newest local receipt to win")

	// a stale receipt must not regress the marker
	rt.handleRead(&ServerPayload{RoomId: "room-1", Kind: KindMessagesRead, Receipts: []types.ReadReceipt{
		{RoomId: "room-1", UserId: "alice", MessageId: "m1", Timestamp: 10},
	}})

	snap = rt.Snapshot()
	assert.Equal(t, "m2", snap.LastReadMessage.Id, "expected stale receipt to be ignored")
	assert.EqualValues(t, 20, snap.LastReadMessage.Timestamp)
}

func Test_roomOpen_fetchAndLiveFlow(t *testing.T) {
	greetings, err := greeting.Open(t.TempDir()+"/greetings.db", testutil.TestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { greetings.Close() })

	var sent []*ClientCommand
	conn := NewMockConnectionManager()
	conn.On("Send", mock.Anything).Run(func(args mock.Arguments) {
		sent = append(sent, args.Get(0).(*ClientCommand))
	}).Return(nil)

	sc := NewSessionCoordinator(testutil.TestLogger(t), conn, greetings, newTestStats(), Options{})
	sc.handleState(types.StateConnected)
	require.NoError(t, sc.RegisterPendingGreeting("room-1"))

	rt := sc.OpenRoom("room-1", "alice")
	t.Cleanup(rt.Close)

	rt.FetchMostRecentMessages()
	require.Len(t, sent, 2, "expected a history request and a last-read request")
	assert.NotNil(t, sent[0].GetHistory, "expected first command to be a history request")
	assert.NotNil(t, sent[1].GetLastRead, "expected second command to be a last-read request")

	rt.handleHistory(&ServerPayload{RoomId: "room-1", Kind: KindHistory, Messages: []types.ChatMessage{
		msg("m1", "room-1", "bob", 10),
		msg("m2", "room-1", "bob", 20),
		msg("m3", "room-1", "alice", 30),
	}})

	snap := rt.Snapshot()
	assert.Equal(t, []string{"m1", "m2", "m3"}, messageIds(snap.Messages))
	assert.False(t, snap.IsLoadingHistory)
	assert.Equal(t, HistoryPayloadAvailable, <-rt.Events(), "expected available lifecycle event")

	// a live message from the local user retires the greeting prompt
	rt.handleLive(&ServerPayload{RoomId: "room-1", Kind: KindLive, Message: ptrMsg(msg("m4", "room-1", "alice", 40))})

	snap = rt.Snapshot()
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, messageIds(snap.Messages))
	assert.False(t, sc.IsPendingGreeting("room-1"), "expected pending greeting to be cleared")
}

func Test_updateMessagesHistory_emptyPage(t *testing.T) {
	rt, sent := newConnectedTimeline(t, Options{})

	rt.handleHistory(&ServerPayload{RoomId: "room-1", Kind: KindHistory, Messages: []types.ChatMessage{
		msg("m5", "room-1", "bob", 50),
	}})
	<-rt.Events()
	*sent = nil

	rt.UpdateMessagesHistory()
	assert.Equal(t, HistoryRequested, <-rt.Events(), "expected requested event before dispatch")
	assert.True(t, rt.Snapshot().IsLoadingHistory)

	require.Len(t, *sent, 1)
	require.NotNil(t, (*sent)[0].GetHistory)
	assert.EqualValues(t, 50, (*sent)[0].GetHistory.Anchor, "expected backfill anchored at oldest known message")

	rt.handleHistory(&ServerPayload{RoomId: "room-1", Kind: KindHistory})

	snap := rt.Snapshot()
	assert.Equal(t, HistoryPayloadMissing, <-rt.Events())
	assert.False(t, snap.HasMoreHistory, "expected empty page to exhaust history")
	assert.False(t, snap.IsLoadingHistory)
	assert.Equal(t, []string{"m5"}, messageIds(snap.Messages), "expected timeline unchanged")
}

func Test_handleConnectionState_refetchOnce(t *testing.T) {
	rt, sent := newConnectedTimeline(t, Options{})

	rt.handleConnectionState(types.StateConnected)
	assert.Len(t, *sent, 2, "expected refetch on connect while empty")

	rt.handleConnectionState(types.StateConnected)
	assert.Len(t, *sent, 2, "expected no refetch storm on repeated connected state")

	rt.handleConnectionState(types.StateDisconnected)
	rt.handleConnectionState(types.StateConnected)
	assert.Len(t, *sent, 4, "expected one refetch per reconnect transition")

	// a populated room does not refetch
	rt.handleHistory(&ServerPayload{RoomId: "room-1", Kind: KindHistory, Messages: []types.ChatMessage{
		msg("m1", "room-1", "bob", 10),
	}})
	*sent = nil
	rt.handleConnectionState(types.StateDisconnected)
	rt.handleConnectionState(types.StateConnected)
	assert.Empty(t, *sent, "expected no refetch when messages are cached")
}

func Test_historyTimeout(t *testing.T) {
	rt, _ := newConnectedTimeline(t, Options{HistoryTimeout: 25 * time.Millisecond})

	rt.UpdateMessagesHistory()
	assert.Equal(t, HistoryRequested, <-rt.Events())

	select {
	case event := <-rt.Events():
		assert.Equal(t, HistoryPayloadMissing, event, "expected timeout to surface as a missing payload")
	case <-time.After(time.Second):
		t.Fatal("timeout: history timeout never fired")
	}

	assert.False(t, rt.Snapshot().IsLoadingHistory, "expected timeout to clear the loading flag")
}

func Test_filterRoom_suffixNormalization(t *testing.T) {
	rt, _ := newConnectedTimeline(t, Options{Normalizer: types.SuffixNormalizer("#")})

	rt.handleHistory(&ServerPayload{RoomId: "room-1#staging", Kind: KindHistory, Messages: []types.ChatMessage{
		msg("m1", "room-1#staging", "bob", 10),
		msg("x1", "room-2#staging", "bob", 15), // other room, filtered out
	}})

	assert.Equal(t, []string{"m1"}, messageIds(rt.Snapshot().Messages),
		"expected suffixed identifiers to compare equal after normalization")
}

func messageIds(msgs []types.ChatMessage) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.Id
	}
	return ids
}

func ptrMsg(m types.ChatMessage) *types.ChatMessage { return &m }
