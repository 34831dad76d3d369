package relay

import (
	"sync"
	"time"

	"github.com/parleychat/relay/pkg/auth"
)

// PresenceDelta is a confirmed online/offline transition for one identity.
type PresenceDelta struct {
	Identity auth.Identity
	IsOnline bool
	LastSeen time.Time
}

type presenceState struct {
	identity auth.Identity
	sessions int
	online   bool
	pending  *time.Timer
	lastSeen time.Time
}

// PresenceTracker derives online/offline state from session registry
// transitions. Coming online is always immediate; going offline is
// committed only after the debounce window passes with no new session, so
// rapid reconnect cycles emit no events at all.
type PresenceTracker struct {
	window  time.Duration
	emit    func(PresenceDelta)
	metrics *Metrics

	mu      sync.Mutex
	states  map[int64]*presenceState
	stopped bool
}

// NewPresenceTracker creates a presence tracker. emit is called outside the
// tracker's lock for every confirmed transition.
func NewPresenceTracker(window time.Duration, metrics *Metrics, emit func(PresenceDelta)) *PresenceTracker {
	return &PresenceTracker{
		window:  window,
		emit:    emit,
		metrics: metrics,
		states:  make(map[int64]*presenceState),
	}
}

// SessionOpened records a new session for an identity. The first live
// session flips the identity online immediately; a session arriving inside
// a pending debounce window cancels the offline transition silently.
func (t *PresenceTracker) SessionOpened(identity auth.Identity) {
	t.mu.Lock()
	st, ok := t.states[identity.ID]
	if !ok {
		st = &presenceState{identity: identity}
		t.states[identity.ID] = st
	}
	st.identity = identity
	st.sessions++

	if st.pending != nil {
		st.pending.Stop()
		st.pending = nil
	}

	var delta *PresenceDelta
	if !st.online {
		st.online = true
		delta = &PresenceDelta{Identity: st.identity, IsOnline: true, LastSeen: time.Now()}
	}
	t.mu.Unlock()

	if delta != nil {
		if t.metrics != nil {
			t.metrics.RecordPresenceTransition("online")
		}
		t.emit(*delta)
	}
}

// SessionClosed records a session ending. When the identity's count reaches
// zero the offline transition is armed behind the debounce window.
func (t *PresenceTracker) SessionClosed(identity auth.Identity) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[identity.ID]
	if !ok || st.sessions == 0 {
		return
	}
	st.sessions--
	if st.sessions > 0 || !st.online || t.stopped {
		return
	}

	// last_seen is the moment the final session went away, not the moment
	// the debounce window fires.
	st.lastSeen = time.Now()
	if st.pending != nil {
		st.pending.Stop()
	}
	identityID := identity.ID
	st.pending = time.AfterFunc(t.window, func() {
		t.confirmOffline(identityID)
	})
}

func (t *PresenceTracker) confirmOffline(identityID int64) {
	t.mu.Lock()
	st, ok := t.states[identityID]
	if !ok || st.sessions > 0 || !st.online || t.stopped {
		t.mu.Unlock()
		return
	}
	st.online = false
	st.pending = nil
	delta := PresenceDelta{Identity: st.identity, IsOnline: false, LastSeen: st.lastSeen}
	delete(t.states, identityID)
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.RecordPresenceTransition("offline")
	}
	t.emit(delta)
}

// Online reports the tracked state for an identity.
func (t *PresenceTracker) Online(identityID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[identityID]
	return ok && st.online
}

// Stop cancels all pending offline timers. No further events are emitted.
func (t *PresenceTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for _, st := range t.states {
		if st.pending != nil {
			st.pending.Stop()
			st.pending = nil
		}
	}
}
