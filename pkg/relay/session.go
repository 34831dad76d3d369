package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/parleychat/relay/pkg/auth"
	"github.com/parleychat/relay/pkg/protocol"
)

// Transport is one client connection as seen by the registry. Writes must be
// safe for use from the session's write pump only.
type Transport interface {
	WriteEvent(env *protocol.Envelope) error
	Close() error
	RemoteAddr() string
}

// Session represents one live, authenticated client connection. A single
// identity may hold several concurrent sessions (multi-device).
type Session struct {
	ID          string
	Identity    auth.Identity
	ConnectedAt time.Time

	transport Transport
	sendq     chan *protocol.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// enqueue places an event on the session's send queue without blocking.
// Returns false when the queue is full or the session is closed.
func (s *Session) enqueue(env *protocol.Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.sendq <- env:
		return true
	default:
		return false
	}
}

// SessionRegistry owns the set of live sessions and the identity index used
// for multi-device fan-out. Dismissal side effects (room cleanup, presence)
// are registered as hooks by the server, so a dismissal triggered anywhere
// runs the same teardown exactly once.
type SessionRegistry struct {
	queueSize int
	metrics   *Metrics

	mu         sync.RWMutex
	sessions   map[string]*Session
	byIdentity map[int64]map[string]*Session

	hookMu    sync.Mutex
	onAdmit   []func(*Session)
	onDismiss []func(*Session)

	wg sync.WaitGroup
}

// NewSessionRegistry creates a session registry. queueSize is the per-session
// send queue depth; a session that falls that far behind is dismissed.
func NewSessionRegistry(queueSize int, metrics *Metrics) *SessionRegistry {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &SessionRegistry{
		queueSize:  queueSize,
		metrics:    metrics,
		sessions:   make(map[string]*Session),
		byIdentity: make(map[int64]map[string]*Session),
	}
}

// OnAdmit registers a hook run after every admission.
func (r *SessionRegistry) OnAdmit(fn func(*Session)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onAdmit = append(r.onAdmit, fn)
}

// OnDismiss registers a hook run exactly once per dismissed session.
func (r *SessionRegistry) OnDismiss(fn func(*Session)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onDismiss = append(r.onDismiss, fn)
}

// Admit records a new session for a verified identity and starts its write
// pump. Always succeeds: authentication happened before this point.
func (r *SessionRegistry) Admit(identity auth.Identity, transport Transport) *Session {
	sess := &Session{
		ID:          uuid.NewString(),
		Identity:    identity,
		ConnectedAt: time.Now(),
		transport:   transport,
		sendq:       make(chan *protocol.Envelope, r.queueSize),
		done:        make(chan struct{}),
	}

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	devices, ok := r.byIdentity[identity.ID]
	if !ok {
		devices = make(map[string]*Session)
		r.byIdentity[identity.ID] = devices
	}
	devices[sess.ID] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(count)
		r.metrics.RecordSessionCreated()
	}

	r.wg.Add(1)
	go r.writePump(sess)

	for _, fn := range r.admitHooks() {
		fn(sess)
	}

	debugLog.Printf("Session %s admitted for identity %d (%s)", sess.ID, identity.ID, transport.RemoteAddr())
	return sess
}

// Dismiss removes a session and runs teardown hooks. Idempotent: duplicate
// close signals for the same session are absorbed here.
func (r *SessionRegistry) Dismiss(sessionID string) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	if devices, ok := r.byIdentity[sess.Identity.ID]; ok {
		delete(devices, sessionID)
		if len(devices) == 0 {
			delete(r.byIdentity, sess.Identity.ID)
		}
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(count)
		r.metrics.RecordSessionDisconnected()
	}

	for _, fn := range r.dismissHooks() {
		fn(sess)
	}

	sess.close()
	sess.transport.Close()

	debugLog.Printf("Session %s dismissed (identity %d)", sess.ID, sess.Identity.ID)
}

// Get returns a session by id.
func (r *SessionRegistry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sessionID]
	return sess, ok
}

// SessionsFor returns every live session held by an identity.
func (r *SessionRegistry) SessionsFor(identityID int64) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.byIdentity[identityID])
}

// All returns every live session.
func (r *SessionRegistry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.sessions)
}

// Count returns the number of live sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Online reports whether an identity holds at least one live session.
func (r *SessionRegistry) Online(identityID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity[identityID]) > 0
}

// Deliver pushes one event to a session. Failure is local: the session is
// treated as gone and dismissed, never retried.
func (r *SessionRegistry) Deliver(sess *Session, env *protocol.Envelope) error {
	if !sess.enqueue(env) {
		debugLog.Printf("Session %s: send queue full or closed, dismissing", sess.ID)
		go r.Dismiss(sess.ID)
		return ErrSlowConsumer
	}
	if r.metrics != nil {
		r.metrics.RecordEventDelivered(string(env.Type))
	}
	return nil
}

// CloseAll dismisses every session and waits for write pumps to drain.
func (r *SessionRegistry) CloseAll() {
	for _, sess := range r.All() {
		r.Dismiss(sess.ID)
	}
	r.wg.Wait()
}

func (r *SessionRegistry) admitHooks() []func(*Session) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	return r.onAdmit
}

func (r *SessionRegistry) dismissHooks() []func(*Session) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	return r.onDismiss
}

// writePump serializes all writes to one transport. Ordering within the
// session is the order events were enqueued.
func (r *SessionRegistry) writePump(sess *Session) {
	defer r.wg.Done()

	for {
		select {
		case env := <-sess.sendq:
			if err := sess.transport.WriteEvent(env); err != nil {
				debugLog.Printf("Session %s: write failed (%s): %v", sess.ID, env.Type, err)
				go r.Dismiss(sess.ID)
				return
			}
		case <-sess.done:
			return
		}
	}
}
