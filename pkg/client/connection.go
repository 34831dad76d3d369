package client

import (
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleychat/relay/pkg/protocol"
)

// dedupeWindow bounds how many recently seen event IDs are remembered.
// Redelivery after a reconnect overlaps the history fetch by at most a few
// seconds of traffic, so a small window is plenty.
const dedupeWindow = 512

// ConnectionStateType represents the connection status
type ConnectionStateType int

const (
	StateTypeConnected ConnectionStateType = iota
	StateTypeDisconnected
	StateTypeReconnecting
)

// ConnectionStateUpdate represents a connection state change
type ConnectionStateUpdate struct {
	State   ConnectionStateType
	Attempt int
	Err     error
}

// Connection maintains a client session against the relay. It reconnects
// automatically with exponential backoff, re-presents the credential, rejoins
// every previously joined room, and invokes the reconciliation hook so the
// application can fetch the history it missed while disconnected.
type Connection struct {
	url        string
	credential string

	ws           *websocket.Conn
	mu           sync.RWMutex
	connected    bool
	reconnecting bool

	// Channels for communication
	incoming    chan *protocol.Envelope
	outgoing    chan *protocol.Command
	errors      chan error
	stateChange chan ConnectionStateUpdate

	// Auto-reconnect settings
	autoReconnect     bool
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	maxAttempts       int // 0 = unbounded

	// Rooms to rejoin after a reconnect
	joined map[int64]struct{}

	// Redelivery suppression: recently seen event IDs in arrival order
	seen      map[string]struct{}
	seenOrder []string

	onReconnect func(roomIDs []int64)

	// Logging
	logger *log.Logger

	// Shutdown
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewConnection creates a client connection. url is the websocket endpoint
// (ws://host:port/ws); credential is the bearer token presented on every
// dial, including redials.
func NewConnection(url, credential string) *Connection {
	return &Connection{
		url:               url,
		credential:        credential,
		incoming:          make(chan *protocol.Envelope, 100),
		outgoing:          make(chan *protocol.Command, 100),
		errors:            make(chan error, 10),
		stateChange:       make(chan ConnectionStateUpdate, 10),
		autoReconnect:     true,
		reconnectDelay:    1 * time.Second,
		maxReconnectDelay: 30 * time.Second,
		joined:            make(map[int64]struct{}),
		seen:              make(map[string]struct{}),
		shutdown:          make(chan struct{}),
	}
}

// SetLogger sets a logger for debugging connection events
func (c *Connection) SetLogger(logger *log.Logger) {
	c.logger = logger
}

// OnReconnect registers the reconciliation hook. It runs after a successful
// redial and rejoin, with the rooms that were re-subscribed; the application
// should fetch history for its active room there.
func (c *Connection) OnReconnect(fn func(roomIDs []int64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = fn
}

// DisableAutoReconnect disables automatic reconnection on connection loss
func (c *Connection) DisableAutoReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoReconnect = false
}

// SetMaxReconnectAttempts bounds the redial loop. After n failed attempts the
// connection settles in the disconnected state and reports the final error.
// 0 (the default) retries forever.
func (c *Connection) SetMaxReconnectAttempts(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxAttempts = n
}

func (c *Connection) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Connect establishes the connection to the relay
func (c *Connection) Connect() error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.credential)

	ws, resp, err := websocket.DefaultDialer.Dial(c.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("credential rejected: %w", err)
		}
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	done := make(chan struct{})

	c.mu.Lock()
	c.ws = ws
	c.connected = true
	c.mu.Unlock()

	c.wg.Add(2)
	go c.readLoop(ws, done)
	go c.writeLoop(ws, done)

	c.logf("Connected to %s", c.url)
	return nil
}

// Disconnect closes the connection without shutting down the channels
func (c *Connection) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	c.connected = false
}

// Close shuts down the connection and all loops
func (c *Connection) Close() {
	close(c.shutdown)
	c.Disconnect()
	c.wg.Wait()
}

// Incoming returns the channel of events from the relay. Redelivered events
// (same envelope ID) are suppressed.
func (c *Connection) Incoming() <-chan *protocol.Envelope {
	return c.incoming
}

// Errors returns the channel for connection errors
func (c *Connection) Errors() <-chan error {
	return c.errors
}

// StateChanges returns the channel for connection state updates
func (c *Connection) StateChanges() <-chan ConnectionStateUpdate {
	return c.stateChange
}

// IsConnected returns whether the connection is currently established
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// JoinRoom subscribes to a room. The subscription is remembered and restored
// automatically after a reconnect.
func (c *Connection) JoinRoom(roomID int64) error {
	c.mu.Lock()
	c.joined[roomID] = struct{}{}
	c.mu.Unlock()
	return c.send(&protocol.Command{Type: protocol.CmdJoinRoom, RoomID: roomID})
}

// LeaveRoom unsubscribes from a room and forgets it for reconnect purposes.
func (c *Connection) LeaveRoom(roomID int64) error {
	c.mu.Lock()
	delete(c.joined, roomID)
	c.mu.Unlock()
	return c.send(&protocol.Command{Type: protocol.CmdLeaveRoom, RoomID: roomID})
}

// SendMessage posts a message to a joined room.
func (c *Connection) SendMessage(roomID int64, content, messageType string) error {
	return c.send(&protocol.Command{
		Type:        protocol.CmdSendMessage,
		RoomID:      roomID,
		Content:     content,
		MessageType: messageType,
	})
}

// SendComment posts a comment on an existing message.
func (c *Connection) SendComment(messageID int64, content string) error {
	return c.send(&protocol.Command{
		Type:      protocol.CmdSendComment,
		MessageID: messageID,
		Content:   content,
	})
}

// SetTyping reports the local typing state for a room.
func (c *Connection) SetTyping(roomID int64, isTyping bool) error {
	return c.send(&protocol.Command{
		Type:     protocol.CmdSetTyping,
		RoomID:   roomID,
		IsTyping: isTyping,
	})
}

// MarkRead records a read receipt for a message.
func (c *Connection) MarkRead(messageID int64) error {
	return c.send(&protocol.Command{Type: protocol.CmdMarkRead, MessageID: messageID})
}

func (c *Connection) send(cmd *protocol.Command) error {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	if !connected {
		return fmt.Errorf("not connected")
	}

	select {
	case c.outgoing <- cmd:
		return nil
	case <-c.shutdown:
		return fmt.Errorf("connection closed")
	default:
		return fmt.Errorf("outgoing queue full")
	}
}

// readLoop reads events from the relay until the connection drops. Closing
// done retires this dial's write loop so a replacement socket gets sole
// ownership of the outgoing queue.
func (c *Connection) readLoop(ws *websocket.Conn, done chan struct{}) {
	defer c.wg.Done()

	for {
		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			close(done)
			select {
			case <-c.shutdown:
			default:
				c.logf("Read error: %v", err)
				select {
				case c.errors <- err:
				default:
				}
				c.handleDisconnect(ws)
			}
			return
		}

		if c.isDuplicate(env.ID) {
			c.logf("Suppressed redelivered event %s", env.ID)
			continue
		}

		select {
		case c.incoming <- &env:
		case <-c.shutdown:
			return
		}
	}
}

// writeLoop drains the outgoing queue onto this websocket. When the socket
// dies the loop retires, handing any command it pulled back to the queue for
// the replacement socket's loop.
func (c *Connection) writeLoop(ws *websocket.Conn, done chan struct{}) {
	defer c.wg.Done()

	for {
		select {
		case <-c.shutdown:
			return
		case <-done:
			return
		case cmd := <-c.outgoing:
			select {
			case <-done:
				c.requeue(cmd)
				return
			default:
			}
			if err := ws.WriteJSON(cmd); err != nil {
				c.logf("Write error: %v", err)
				c.requeue(cmd)
				select {
				case c.errors <- err:
				default:
				}
				return
			}
		}
	}
}

func (c *Connection) requeue(cmd *protocol.Command) {
	select {
	case c.outgoing <- cmd:
	default:
		c.logf("Dropped %s command: outgoing queue full during reconnect", cmd.Type)
	}
}

// isDuplicate records an event ID and reports whether it was already seen.
// The window is bounded; the oldest remembered ID is evicted first.
func (c *Connection) isDuplicate(id string) bool {
	if id == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[id]; ok {
		return true
	}
	c.seen[id] = struct{}{}
	c.seenOrder = append(c.seenOrder, id)
	if len(c.seenOrder) > dedupeWindow {
		delete(c.seen, c.seenOrder[0])
		c.seenOrder = c.seenOrder[1:]
	}
	return false
}

// handleDisconnect transitions to disconnected and, if enabled, starts the
// redial loop. Called from the read loop that observed the failure.
func (c *Connection) handleDisconnect(ws *websocket.Conn) {
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
		c.connected = false
	}
	autoReconnect := c.autoReconnect
	c.mu.Unlock()

	select {
	case c.stateChange <- ConnectionStateUpdate{State: StateTypeDisconnected}:
	default:
	}

	if autoReconnect {
		go c.reconnectLoop()
	}
}

// reconnectLoop attempts to reconnect with exponential backoff
func (c *Connection) reconnectLoop() {
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	maxAttempts := c.maxAttempts
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	delay := c.reconnectDelay
	attempt := 1

	for {
		select {
		case <-c.shutdown:
			c.logf("Reconnect loop cancelled (shutdown)")
			return
		case <-time.After(delay):
			c.logf("Reconnect attempt %d to %s", attempt, c.url)

			select {
			case c.stateChange <- ConnectionStateUpdate{State: StateTypeReconnecting, Attempt: attempt}:
			default:
			}

			err := c.Connect()
			if err == nil {
				c.logf("Reconnected after %d attempts", attempt)
				c.restoreSession()

				select {
				case c.stateChange <- ConnectionStateUpdate{State: StateTypeConnected, Attempt: attempt}:
				default:
				}
				return
			}

			c.logf("Reconnect attempt %d failed: %v", attempt, err)
			if maxAttempts > 0 && attempt >= maxAttempts {
				c.logf("Giving up after %d attempts", attempt)
				select {
				case c.stateChange <- ConnectionStateUpdate{State: StateTypeDisconnected, Attempt: attempt, Err: err}:
				default:
				}
				return
			}

			// Exponential backoff
			delay = delay * 2
			if delay > c.maxReconnectDelay {
				delay = c.maxReconnectDelay
			}
			attempt++
		}
	}
}

// restoreSession rejoins every previously joined room on the fresh socket and
// then runs the reconciliation hook. Join commands go out first so room
// traffic resumes before the history fetch fills the gap.
func (c *Connection) restoreSession() {
	c.mu.RLock()
	rooms := make([]int64, 0, len(c.joined))
	for roomID := range c.joined {
		rooms = append(rooms, roomID)
	}
	hook := c.onReconnect
	c.mu.RUnlock()

	for _, roomID := range rooms {
		if err := c.send(&protocol.Command{Type: protocol.CmdJoinRoom, RoomID: roomID}); err != nil {
			c.logf("Rejoin room %d failed: %v", roomID, err)
		}
	}

	if hook != nil {
		hook(rooms)
	}
}
