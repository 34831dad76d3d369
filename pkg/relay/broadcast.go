package relay

import (
	"sync"

	"github.com/parleychat/relay/pkg/protocol"
)

// Broadcaster fans one logical event out to every session subscribed to a
// room. Per-room ordering is preserved by enqueuing to all subscribers under
// that room's order lock; each session's send queue is FIFO, so two events
// published to the same room arrive at every subscriber in publish order.
// Cross-room ordering is not guaranteed.
type Broadcaster struct {
	sessions *SessionRegistry
	rooms    *RoomRegistry
	metrics  *Metrics

	mu        sync.Mutex
	roomOrder map[int64]*sync.Mutex
}

// NewBroadcaster creates a broadcaster over the given registries.
func NewBroadcaster(sessions *SessionRegistry, rooms *RoomRegistry, metrics *Metrics) *Broadcaster {
	return &Broadcaster{
		sessions:  sessions,
		rooms:     rooms,
		metrics:   metrics,
		roomOrder: make(map[int64]*sync.Mutex),
	}
}

// Publish delivers an event to every session subscribed to the room.
// Returns the number of delivery attempts. Best-effort: a dead or slow
// session misses the event and is dismissed; recovery is the client's
// history fetch, not retransmission.
func (b *Broadcaster) Publish(roomID int64, env *protocol.Envelope) int {
	return b.PublishExcept(roomID, "", env)
}

// PublishExcept is Publish minus one session, used to skip the originator
// of a client-issued event.
func (b *Broadcaster) PublishExcept(roomID int64, exceptSessionID string, env *protocol.Envelope) int {
	order := b.orderLock(roomID)
	order.Lock()
	defer order.Unlock()

	delivered := 0
	for _, sess := range b.rooms.Subscribers(roomID) {
		if sess.ID == exceptSessionID {
			continue
		}
		if err := b.sessions.Deliver(sess, env); err == nil {
			delivered++
		}
	}

	if b.metrics != nil {
		b.metrics.RecordBroadcastFanout(string(env.Type), delivered)
	}
	return delivered
}

// Global delivers an event to every live session regardless of room
// subscriptions. Used for presence deltas, which any conversation list view
// may depend on.
func (b *Broadcaster) Global(env *protocol.Envelope) int {
	delivered := 0
	for _, sess := range b.sessions.All() {
		if err := b.sessions.Deliver(sess, env); err == nil {
			delivered++
		}
	}

	if b.metrics != nil {
		b.metrics.RecordBroadcastFanout(string(env.Type), delivered)
	}
	return delivered
}

func (b *Broadcaster) orderLock(roomID int64) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.roomOrder[roomID]
	if !ok {
		order = &sync.Mutex{}
		b.roomOrder[roomID] = order
	}
	return order
}
