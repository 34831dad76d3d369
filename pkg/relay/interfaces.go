package relay

import (
	"context"

	"github.com/parleychat/relay/pkg/protocol"
)

// Store is the persistence collaborator consumed by the relay core. All
// calls are made with a bounded context; implementations must respect
// cancellation.
type Store interface {
	// IsParticipant reports whether an identity currently participates in a room.
	IsParticipant(ctx context.Context, identityID, roomID int64) (bool, error)

	// CreateMessage persists a message and returns the stored record.
	CreateMessage(ctx context.Context, roomID, senderID int64, content, messageType string) (*protocol.Message, error)

	// CreateComment persists a comment on a message.
	CreateComment(ctx context.Context, messageID, senderID int64, content string) (*protocol.Comment, error)

	// RoomForMessage returns the room a message belongs to.
	RoomForMessage(ctx context.Context, messageID int64) (int64, error)

	// RecordRead records a read receipt. Idempotent, never reverted.
	RecordRead(ctx context.Context, messageID, identityID int64) error
}
