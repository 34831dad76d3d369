package relay

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleychat/relay/pkg/auth"
	"github.com/parleychat/relay/pkg/protocol"
)

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Cross-origin policy is enforced by the fronting REST layer.
		return true
	},
}

// HandleWebSocket authenticates the bearer credential, upgrades the
// connection, and admits the session. Authentication happens before the
// upgrade: no session exists for an unverified identity.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	credential := bearerCredential(r)

	identity, err := s.verifier.Verify(r.Context(), credential)
	if err != nil {
		debugLog.Printf("Connection from %s refused: %v", r.RemoteAddr, err)
		status := http.StatusUnauthorized
		if !errors.Is(err, auth.ErrInvalidToken) && !errors.Is(err, auth.ErrExpiredToken) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		debugLog.Printf("WebSocket upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	sess := s.sessions.Admit(identity, newWSTransport(ws))

	s.wg.Add(1)
	go s.readLoop(sess, ws)
}

// bearerCredential extracts the credential from the Authorization header or,
// for browser clients that cannot set headers on websocket dials, the token
// query parameter.
func bearerCredential(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// readLoop consumes client commands until the transport closes. Closing the
// transport cancels only this session's work.
func (s *Server) readLoop(sess *Session, ws *websocket.Conn) {
	defer s.wg.Done()
	defer s.sessions.Dismiss(sess.ID)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				debugLog.Printf("Session %s read error: %v", sess.ID, err)
			}
			return
		}

		cmd, err := protocol.DecodeCommand(data)
		if err != nil {
			s.sendError(sess, protocol.CodeBadCommand, "invalid command format")
			continue
		}

		if s.metrics != nil {
			s.metrics.RecordCommandReceived(string(cmd.Type))
		}

		s.handleCommand(sess, cmd)
	}
}

// wsTransport adapts a gorilla websocket connection to the Transport
// interface. Writes come only from the session's write pump, but Close may
// race with a write, so both are guarded.
type wsTransport struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	closeMu sync.Mutex
	closed  bool
}

func newWSTransport(ws *websocket.Conn) *wsTransport {
	return &wsTransport{ws: ws}
}

func (t *wsTransport) WriteEvent(env *protocol.Envelope) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.ws.WriteJSON(env)
}

func (t *wsTransport) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	return t.ws.Close()
}

func (t *wsTransport) RemoteAddr() string {
	return t.ws.RemoteAddr().String()
}
