package relay

import (
	"sync"

	"github.com/parleychat/relay/pkg/protocol"
)

// DeliveryTracker tracks each message's progression through
// sent → delivered → read. The state is monotone: it only ever advances,
// and a recipient's read receipt is never reverted.
type DeliveryTracker struct {
	mu     sync.Mutex
	states map[int64]protocol.DeliveryState
	reads  map[int64]map[int64]struct{}
}

// NewDeliveryTracker creates a delivery tracker.
func NewDeliveryTracker() *DeliveryTracker {
	return &DeliveryTracker{
		states: make(map[int64]protocol.DeliveryState),
		reads:  make(map[int64]map[int64]struct{}),
	}
}

// State returns the current delivery state of a message. A message with no
// recorded transitions is "sent" (set at creation, before broadcast).
func (t *DeliveryTracker) State(messageID int64) protocol.DeliveryState {
	t.mu.Lock()
	defer t.mu.Unlock()

	if state, ok := t.states[messageID]; ok {
		return state
	}
	return protocol.DeliverySent
}

// Advance moves a message to the given state if it is further along the
// progression. Returns true when the state actually changed.
func (t *DeliveryTracker) Advance(messageID int64, state protocol.DeliveryState) bool {
	if state.Rank() < 0 {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.states[messageID]
	if !ok {
		current = protocol.DeliverySent
	}
	if state.Rank() <= current.Rank() {
		return false
	}
	t.states[messageID] = state
	return true
}

// MarkRead records a per-recipient read receipt. Returns true the first
// time this recipient reads this message; repeats are no-ops.
func (t *DeliveryTracker) MarkRead(messageID, identityID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	readers, ok := t.reads[messageID]
	if !ok {
		readers = make(map[int64]struct{})
		t.reads[messageID] = readers
	}
	if _, seen := readers[identityID]; seen {
		return false
	}
	readers[identityID] = struct{}{}
	return true
}

// HasRead reports whether a recipient has read a message.
func (t *DeliveryTracker) HasRead(messageID, identityID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.reads[messageID][identityID]
	return ok
}

// Forget drops all tracked state for a message once its room no longer
// needs live updates. The persisted receipts in the store remain the source
// of truth.
func (t *DeliveryTracker) Forget(messageID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.states, messageID)
	delete(t.reads, messageID)
}
