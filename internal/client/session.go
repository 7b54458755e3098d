package client

import (
	"log"
	"sync"
	"time"

	"github.com/caretrack/go-chatclient/internal/greeting"
	"github.com/caretrack/go-chatclient/internal/stats"
	"github.com/caretrack/go-chatclient/internal/types"
)

const defaultHistoryPageSize = 50

// Metric names exported by the coordinator.
const (
	MetricCommandsSent    = "CommandsSent"
	MetricCommandsQueued  = "CommandsQueued"
	MetricPayloadsRouted  = "PayloadsRouted"
	MetricPayloadsDropped = "PayloadsDropped"
)

// Options tune a SessionCoordinator. The zero value is usable.
type Options struct {
	// Normalizer strips environment-specific suffixes before identifier
	// comparison. Defaults to the identity function.
	Normalizer types.Normalizer
	// HistoryPageSize is the limit sent on history requests.
	HistoryPageSize int
	// HistoryTimeout force-clears a history request that never received
	// a response. Zero disables the timeout.
	HistoryTimeout time.Duration
}

// SessionCoordinator is the process-wide owner of the connection
// manager: the source of truth for connection state, the outbound
// command queue, the payload router and the pending-greeting
// bookkeeping. Construct one at app-session start, pass it to
// consumers, and Shutdown it at logout.
type SessionCoordinator struct {
	log       *log.Logger
	conn      ConnectionManager
	greetings *greeting.Store
	stats     stats.StatsProvider
	normalize types.Normalizer

	pageSize       int
	historyTimeout time.Duration

	mu              sync.Mutex
	state           types.ConnectionState
	pending         []*ClientCommand
	systemListening bool
	timelines       map[string]chan *ServerPayload
	inbox           chan *ServerPayload
	roomUpdateSubs  map[chan string]struct{}
	greetingSubs    map[chan string]struct{}
	stateSubs       map[chan types.ConnectionState]struct{}

	stop chan struct{}
	done chan struct{}
}

func NewSessionCoordinator(logger *log.Logger, conn ConnectionManager, greetings *greeting.Store,
	statsProvider stats.StatsProvider, opts Options) *SessionCoordinator {
	normalize := opts.Normalizer
	if normalize == nil {
		normalize = types.NoopNormalizer
	}
	pageSize := opts.HistoryPageSize
	if pageSize <= 0 {
		pageSize = defaultHistoryPageSize
	}

	sc := &SessionCoordinator{
		log:            logger,
		conn:           conn,
		greetings:      greetings,
		stats:          statsProvider,
		normalize:      normalize,
		pageSize:       pageSize,
		historyTimeout: opts.HistoryTimeout,
		state:          types.StateIdle,
		timelines:      make(map[string]chan *ServerPayload),
		roomUpdateSubs: make(map[chan string]struct{}),
		greetingSubs:   make(map[chan string]struct{}),
		stateSubs:      make(map[chan types.ConnectionState]struct{}),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}

	sc.stats.RegisterMetric(MetricCommandsSent)
	sc.stats.RegisterMetric(MetricCommandsQueued)
	sc.stats.RegisterMetric(MetricPayloadsRouted)
	sc.stats.RegisterMetric(MetricPayloadsDropped)

	return sc
}

// Run consumes the connection manager's streams until Shutdown.
func (sc *SessionCoordinator) Run() {
	for {
		select {
		case state := <-sc.conn.States():
			sc.handleState(state)
		case payload := <-sc.conn.Incoming():
			sc.route(payload)
		case <-sc.stop:
			close(sc.done)
			return
		}
	}
}

// Shutdown closes the session without purging the cached token and
// stops the run loop.
func (sc *SessionCoordinator) Shutdown() {
	sc.Disconnect(false)
	close(sc.stop)
	<-sc.done
}

// State returns the last observed connection state.
func (sc *SessionCoordinator) State() types.ConnectionState {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state
}

// Connect opens the underlying session unless one is already open or
// opening. Safe to call repeatedly.
func (sc *SessionCoordinator) Connect() {
	sc.mu.Lock()
	state := sc.state
	sc.mu.Unlock()

	if state != types.StateIdle && state != types.StateDisconnected {
		return
	}
	sc.open()
}

func (sc *SessionCoordinator) open() {
	go func() {
		if err := sc.conn.OpenSessionIfNecessary(); err != nil {
			sc.log.Println("open session:", err)
		}
	}()
}

// Disconnect tears down the system-message subscription and closes the
// session. With purgeSession the cached session token is discarded so
// the next Connect performs a full handshake.
func (sc *SessionCoordinator) Disconnect(purgeSession bool) {
	sc.mu.Lock()
	sc.systemListening = false
	sc.mu.Unlock()

	sc.conn.CloseExistingSession(purgeSession)
}

// Reconnect cycles the session, but only if it is currently connected;
// an idle or dropped session is left alone.
func (sc *SessionCoordinator) Reconnect() {
	sc.mu.Lock()
	connected := sc.state == types.StateConnected
	sc.mu.Unlock()

	if !connected {
		return
	}

	sc.Disconnect(true)
	sc.open()
}

// SendMessage forwards the command immediately when connected.
// Otherwise it joins an in-memory FIFO queue, drained in submission
// order on the next connected transition; submitting while idle also
// triggers Connect. The queue is deliberately unbounded, matching the
// backend contract; its depth is visible via the CommandsQueued metric.
func (sc *SessionCoordinator) SendMessage(cmd *ClientCommand) {
	sc.mu.Lock()
	if sc.state == types.StateConnected {
		sc.mu.Unlock()
		if err := sc.conn.Send(cmd); err == nil {
			sc.stats.Incr(MetricCommandsSent)
			return
		}
		// the session dropped under us, fall through to queueing
		sc.mu.Lock()
	}

	sc.pending = append(sc.pending, cmd)
	idle := sc.state == types.StateIdle
	sc.mu.Unlock()

	sc.stats.Incr(MetricCommandsQueued)
	if idle {
		sc.open()
	}
}

// ListenToSystemMessages enables forwarding of systemRoutable payloads
// to the room-updates stream. Idempotent.
func (sc *SessionCoordinator) ListenToSystemMessages() {
	sc.mu.Lock()
	sc.systemListening = true
	sc.mu.Unlock()
}

// SubscribeRoomUpdates returns a stream of room identifiers that
// received a system update, and a cancel func.
func (sc *SessionCoordinator) SubscribeRoomUpdates() (<-chan string, func()) {
	ch := make(chan string, 16)
	sc.mu.Lock()
	sc.roomUpdateSubs[ch] = struct{}{}
	sc.mu.Unlock()

	return ch, func() {
		sc.mu.Lock()
		delete(sc.roomUpdateSubs, ch)
		sc.mu.Unlock()
	}
}

// SubscribeGreetingChanges returns a stream of room identifiers whose
// pending-greeting flag changed, and a cancel func.
func (sc *SessionCoordinator) SubscribeGreetingChanges() (<-chan string, func()) {
	ch := make(chan string, 16)
	sc.mu.Lock()
	sc.greetingSubs[ch] = struct{}{}
	sc.mu.Unlock()

	return ch, func() {
		sc.mu.Lock()
		delete(sc.greetingSubs, ch)
		sc.mu.Unlock()
	}
}

func (sc *SessionCoordinator) subscribeStates() (chan types.ConnectionState, func()) {
	ch := make(chan types.ConnectionState, 16)
	sc.mu.Lock()
	sc.stateSubs[ch] = struct{}{}
	sc.mu.Unlock()

	return ch, func() {
		sc.mu.Lock()
		delete(sc.stateSubs, ch)
		sc.mu.Unlock()
	}
}

// RegisterPendingGreeting marks a newly joined room as awaiting the
// local user's first message.
func (sc *SessionCoordinator) RegisterPendingGreeting(roomId string) error {
	if sc.greetings == nil {
		return nil
	}

	roomId = sc.normalize(roomId)
	if err := sc.greetings.Register(roomId); err != nil {
		return err
	}
	sc.notifyGreetingChanged(roomId)
	return nil
}

// ResetPendingGreeting clears the flag. Idempotent.
func (sc *SessionCoordinator) ResetPendingGreeting(roomId string) error {
	if sc.greetings == nil {
		return nil
	}

	roomId = sc.normalize(roomId)
	if err := sc.greetings.Reset(roomId); err != nil {
		return err
	}
	sc.notifyGreetingChanged(roomId)
	return nil
}

// IsPendingGreeting reports whether the flag is set and younger than
// the expiry window. Expiry is evaluated on every read.
func (sc *SessionCoordinator) IsPendingGreeting(roomId string) bool {
	if sc.greetings == nil {
		return false
	}
	return sc.greetings.IsPending(sc.normalize(roomId))
}

func (sc *SessionCoordinator) notifyGreetingChanged(roomId string) {
	sc.mu.Lock()
	subs := make([]chan string, 0, len(sc.greetingSubs))
	for ch := range sc.greetingSubs {
		subs = append(subs, ch)
	}
	sc.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- roomId:
		default:
		}
	}
}

// OpenRoom creates the timeline engine for a room and wires it to the
// payload router. The returned timeline owns the room's state until
// Close.
func (sc *SessionCoordinator) OpenRoom(roomId, localUser string) *RoomTimeline {
	roomId = sc.normalize(roomId)
	rt := newRoomTimeline(sc, roomId, localUser)

	sc.mu.Lock()
	sc.timelines[roomId] = rt.payloads
	sc.mu.Unlock()

	go rt.run()
	return rt
}

func (sc *SessionCoordinator) closeRoom(roomId string) {
	sc.mu.Lock()
	delete(sc.timelines, roomId)
	sc.mu.Unlock()
}

// AttachInbox registers the conversation-list reconciler as a
// coordinator-level consumer of every inbound payload.
func (sc *SessionCoordinator) AttachInbox(ib *InboxReconciler) {
	sc.mu.Lock()
	sc.inbox = ib.payloads
	sc.mu.Unlock()
}

func (sc *SessionCoordinator) handleState(state types.ConnectionState) {
	sc.log.Println("connection state:", state)

	sc.mu.Lock()
	sc.state = state
	var toFlush []*ClientCommand
	if state == types.StateConnected && len(sc.pending) > 0 {
		toFlush = sc.pending
		sc.pending = nil
	}
	subs := make([]chan types.ConnectionState, 0, len(sc.stateSubs))
	for ch := range sc.stateSubs {
		subs = append(subs, ch)
	}
	sc.mu.Unlock()

	for i, cmd := range toFlush {
		if err := sc.conn.Send(cmd); err != nil {
			sc.log.Println("flush queued command:", err)
			// keep the unsent tail for the next connected transition
			sc.mu.Lock()
			sc.pending = append(toFlush[i:], sc.pending...)
			sc.mu.Unlock()
			break
		}
		sc.stats.Incr(MetricCommandsSent)
		sc.stats.Decr(MetricCommandsQueued)
	}

	for _, ch := range subs {
		select {
		case ch <- state:
		default:
			sc.log.Println("state subscriber full, dropping transition", state)
		}
	}
}

// route fans one inbound payload out to the open room's timeline, the
// inbox reconciler and, for system payloads, the room-updates stream.
// Payloads for rooms without an open timeline are expected background
// noise and are not an error.
func (sc *SessionCoordinator) route(payload *ServerPayload) {
	if payload == nil {
		return
	}

	if payload.Kind == KindError {
		sc.log.Printf("transport error for room %q: %s", payload.RoomId, payload.Error)
		return
	}

	roomId := sc.normalize(payload.RoomId)
	if roomId == "" {
		sc.stats.Incr(MetricPayloadsDropped)
		return
	}

	sc.mu.Lock()
	timeline := sc.timelines[roomId]
	inbox := sc.inbox
	listening := sc.systemListening
	var updateSubs []chan string
	if payload.Kind == KindSystem && listening {
		updateSubs = make([]chan string, 0, len(sc.roomUpdateSubs))
		for ch := range sc.roomUpdateSubs {
			updateSubs = append(updateSubs, ch)
		}
	}
	sc.mu.Unlock()

	routed := false
	if inbox != nil {
		select {
		case inbox <- payload:
			routed = true
		default:
			sc.log.Println("inbox buffer full, dropping payload for room", roomId)
		}
	}

	if timeline != nil {
		select {
		case timeline <- payload:
			routed = true
		default:
			sc.log.Printf("timeline buffer full for room %q", roomId)
		}
	}

	for _, ch := range updateSubs {
		select {
		case ch <- roomId:
		default:
		}
	}

	if routed {
		sc.stats.Incr(MetricPayloadsRouted)
	} else {
		sc.stats.Incr(MetricPayloadsDropped)
	}
}
