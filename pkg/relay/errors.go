package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrCollaboratorTimeout indicates a persistence or identity lookup
	// exceeded its bound; the triggering operation fails closed.
	ErrCollaboratorTimeout = errors.New("collaborator timed out")

	// ErrSessionClosed indicates a delivery was attempted on a session that
	// is already gone.
	ErrSessionClosed = errors.New("session closed")

	// ErrSlowConsumer indicates a session's send queue was full. The session
	// is treated as disconnected; the client recovers via its history fetch.
	ErrSlowConsumer = errors.New("session send queue full")

	// ErrNotFound is wrapped by collaborator errors for missing records, so
	// the core can distinguish them from infrastructure failures.
	ErrNotFound = errors.New("not found")
)

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// AuthzError denies a room join for a non-participant. The session survives;
// only the join is rejected.
type AuthzError struct {
	IdentityID int64
	RoomID     int64
}

func (e *AuthzError) Error() string {
	return fmt.Sprintf("identity %d is not a participant of room %d", e.IdentityID, e.RoomID)
}
