package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
)

// RoomRegistry owns conversation-room membership: which sessions are
// subscribed to which room's event stream. Joins are authorized against the
// persistence collaborator; everything else is local state.
type RoomRegistry struct {
	store   Store
	timeout time.Duration
	metrics *Metrics

	mu        sync.RWMutex
	byRoom    map[int64]map[string]*Session
	bySession map[string]map[int64]struct{}
}

// NewRoomRegistry creates a room registry. timeout bounds the authorization
// lookup per join; an overdue lookup fails the join closed.
func NewRoomRegistry(store Store, timeout time.Duration, metrics *Metrics) *RoomRegistry {
	return &RoomRegistry{
		store:     store,
		timeout:   timeout,
		metrics:   metrics,
		byRoom:    make(map[int64]map[string]*Session),
		bySession: make(map[string]map[int64]struct{}),
	}
}

// Join subscribes a session to a room after verifying the identity is a
// current participant. Idempotent: re-joining an already-joined room is a
// no-op. An unauthorized join is denied but does not disconnect the session.
func (r *RoomRegistry) Join(ctx context.Context, sess *Session, roomID int64) error {
	authCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ok, err := r.store.IsParticipant(authCtx, sess.Identity.ID, roomID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			if r.metrics != nil {
				r.metrics.RecordCollaboratorTimeout("is_participant")
			}
			return fmt.Errorf("join authorization for room %d: %w", roomID, ErrCollaboratorTimeout)
		}
		return fmt.Errorf("join authorization for room %d: %w", roomID, err)
	}
	if !ok {
		if r.metrics != nil {
			r.metrics.RecordJoinDenied()
		}
		return &AuthzError{IdentityID: sess.Identity.ID, RoomID: roomID}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rooms, exists := r.bySession[sess.ID]
	if !exists {
		rooms = make(map[int64]struct{})
		r.bySession[sess.ID] = rooms
	}
	if _, joined := rooms[roomID]; joined {
		return nil
	}
	rooms[roomID] = struct{}{}

	subs, exists := r.byRoom[roomID]
	if !exists {
		subs = make(map[string]*Session)
		r.byRoom[roomID] = subs
	}
	subs[sess.ID] = sess

	if r.metrics != nil {
		r.metrics.RecordRoomSubscribers(roomID, len(subs))
	}

	debugLog.Printf("Session %s joined room %d (%d subscribers)", sess.ID, roomID, len(subs))
	return nil
}

// Leave removes a session's subscription to a room. Idempotent.
func (r *RoomRegistry) Leave(sess *Session, roomID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(sess.ID, roomID)
}

// Subscribers returns the sessions currently subscribed to a room.
func (r *RoomRegistry) Subscribers(roomID int64) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.byRoom[roomID])
}

// Rooms returns the room ids a session is subscribed to.
func (r *RoomRegistry) Rooms(sess *Session) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.bySession[sess.ID])
}

// IsSubscribed reports whether a session is subscribed to a room.
func (r *RoomRegistry) IsSubscribed(sess *Session, roomID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.bySession[sess.ID][roomID]
	return ok
}

// DropSession removes all of a session's subscriptions as one atomic step;
// no partial removal is visible to concurrent broadcasts.
func (r *RoomRegistry) DropSession(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for roomID := range r.bySession[sess.ID] {
		r.removeLocked(sess.ID, roomID)
	}
	delete(r.bySession, sess.ID)
}

func (r *RoomRegistry) removeLocked(sessionID string, roomID int64) {
	if rooms, ok := r.bySession[sessionID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(r.bySession, sessionID)
		}
	}
	if subs, ok := r.byRoom[roomID]; ok {
		delete(subs, sessionID)
		if len(subs) == 0 {
			delete(r.byRoom, roomID)
		}
		if r.metrics != nil {
			r.metrics.RecordRoomSubscribers(roomID, len(subs))
		}
	}
}
