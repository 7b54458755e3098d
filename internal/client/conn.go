package client

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/caretrack/go-chatclient/internal/types"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var ErrNotConnected = errors.New("session not open")

// ConnectionManager maintains the one physical session to the chat
// backend: a stream of connection-state transitions, a single
// multiplexed inbound stream tagged by room and kind, and an outbound
// command sink.
type ConnectionManager interface {
	OpenSessionIfNecessary() error
	CloseExistingSession(purgeTokenData bool)
	States() <-chan types.ConnectionState
	Incoming() <-chan *ServerPayload
	Send(cmd *ClientCommand) error
}

// WSConnectionManager implements ConnectionManager over a websocket.
type WSConnectionManager struct {
	url   string
	token *TokenCache
	log   *log.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	opening bool
	sendCh  chan *ClientCommand
	stop    chan struct{}

	states   chan types.ConnectionState
	incoming chan *ServerPayload
}

func NewWSConnectionManager(url string, token *TokenCache, logger *log.Logger) *WSConnectionManager {
	return &WSConnectionManager{
		url:      url,
		token:    token,
		log:      logger,
		states:   make(chan types.ConnectionState, 16),
		incoming: make(chan *ServerPayload, 256),
	}
}

func (cm *WSConnectionManager) States() <-chan types.ConnectionState { return cm.states }

func (cm *WSConnectionManager) Incoming() <-chan *ServerPayload { return cm.incoming }

// OpenSessionIfNecessary dials the backend unless a session is already
// open or being opened. A cached, unexpired session token is presented
// on the handshake; the backend may rotate it via a response header.
func (cm *WSConnectionManager) OpenSessionIfNecessary() error {
	cm.mu.Lock()
	if cm.conn != nil || cm.opening {
		cm.mu.Unlock()
		return nil
	}
	cm.opening = true
	cm.mu.Unlock()

	cm.emitState(types.StateConnecting)

	header := http.Header{}
	if cm.token != nil && cm.token.Valid(time.Now()) {
		header.Set("Authorization", "Bearer "+cm.token.Token())
	}

	conn, resp, err := websocket.DefaultDialer.Dial(cm.url, header)
	if err != nil {
		cm.mu.Lock()
		cm.opening = false
		cm.mu.Unlock()
		cm.emitState(types.StateDisconnected)
		return fmt.Errorf("dial %s: %w", cm.url, err)
	}

	if cm.token != nil {
		if tok := resp.Header.Get("X-Session-Token"); tok != "" {
			if err := cm.token.Store(tok); err != nil {
				cm.log.Println("store session token:", err)
			}
		}
	}

	stop := make(chan struct{})
	sendCh := make(chan *ClientCommand, 256)

	cm.mu.Lock()
	cm.conn = conn
	cm.opening = false
	cm.stop = stop
	cm.sendCh = sendCh
	cm.mu.Unlock()

	go cm.readPump(conn)
	go cm.writePump(conn, sendCh, stop)

	cm.emitState(types.StateConnected)
	return nil
}

// CloseExistingSession tears down the session if one is open. With
// purgeTokenData the cached session token is discarded so the next open
// performs a full handshake.
func (cm *WSConnectionManager) CloseExistingSession(purgeTokenData bool) {
	cm.mu.Lock()
	conn := cm.conn
	if conn != nil {
		cm.conn = nil
		close(cm.stop)
	}
	cm.mu.Unlock()

	if purgeTokenData && cm.token != nil {
		cm.token.Purge()
	}

	if conn != nil {
		conn.Close()
		cm.emitState(types.StateIdle)
	}
}

func (cm *WSConnectionManager) Send(cmd *ClientCommand) error {
	cm.mu.Lock()
	sendCh := cm.sendCh
	open := cm.conn != nil
	cm.mu.Unlock()

	if !open {
		return ErrNotConnected
	}

	select {
	case sendCh <- cmd:
		return nil
	default:
		return fmt.Errorf("send buffer full for room %q", cmd.RoomId)
	}
}

func (cm *WSConnectionManager) readPump(conn *websocket.Conn) {
	defer cm.log.Println("read pump exiting")

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		var payload ServerPayload
		if err := conn.ReadJSON(&payload); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				cm.log.Printf("ws: read: %v", err)
			}
			cm.dropConn(conn)
			return
		}

		select {
		case cm.incoming <- &payload:
		default:
			cm.log.Printf("incoming buffer full, dropping %s payload for room %q", payload.Kind, payload.RoomId)
		}
	}
}

func (cm *WSConnectionManager) writePump(conn *websocket.Conn, sendCh chan *ClientCommand, stop chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
		cm.log.Println("write pump exiting")
	}()

	for {
		select {
		case cmd := <-sendCh:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(cmd); err != nil {
				cm.log.Println("write command:", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// dropConn handles an involuntary connection loss. A deliberate close
// clears cm.conn first, so only a live session surfaces disconnected.
func (cm *WSConnectionManager) dropConn(conn *websocket.Conn) {
	cm.mu.Lock()
	if cm.conn != conn {
		cm.mu.Unlock()
		return
	}
	cm.conn = nil
	close(cm.stop)
	cm.mu.Unlock()

	conn.Close()
	cm.emitState(types.StateDisconnected)
}

func (cm *WSConnectionManager) emitState(state types.ConnectionState) {
	select {
	case cm.states <- state:
	default:
		cm.log.Println("state buffer full, dropping transition", state)
	}
}
