package relay

import (
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/parleychat/relay/pkg/auth"
)

type typingKey struct {
	roomID     int64
	identityID int64
}

type typingEntry struct {
	identity  auth.Identity
	origin    *Session
	expiresAt time.Time
}

// TypingAggregator tracks short-lived "identity X is typing in room Y"
// state. Entries expire TTL after the last renewal; expired entries are
// never visible to observers and never persisted.
type TypingAggregator struct {
	ttl     time.Duration
	sweep   time.Duration
	emit    func(origin *Session, roomID int64, identity auth.Identity, isTyping bool)
	metrics *Metrics

	mu      sync.Mutex
	entries map[typingKey]*typingEntry

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewTypingAggregator creates a typing aggregator. emit broadcasts a typing
// delta to the affected room, excluding the origin session when non-nil.
func NewTypingAggregator(ttl, sweepInterval time.Duration, metrics *Metrics, emit func(origin *Session, roomID int64, identity auth.Identity, isTyping bool)) *TypingAggregator {
	if sweepInterval <= 0 {
		sweepInterval = ttl / 2
	}
	return &TypingAggregator{
		ttl:     ttl,
		sweep:   sweepInterval,
		emit:    emit,
		metrics: metrics,
		entries: make(map[typingKey]*typingEntry),
		stop:    make(chan struct{}),
	}
}

// Run starts the background sweep loop.
func (a *TypingAggregator) Run() {
	a.wg.Add(1)
	go a.sweepLoop()
}

// Stop terminates the sweep loop.
func (a *TypingAggregator) Stop() {
	a.stopOnce.Do(func() {
		close(a.stop)
	})
	a.wg.Wait()
}

// SetTyping records or clears a typing signal from a session. A repeated
// start renews the expiry without re-broadcasting; a stop (explicit or by
// expiry) broadcasts exactly one stopped event.
func (a *TypingAggregator) SetTyping(origin *Session, roomID int64, isTyping bool) {
	key := typingKey{roomID: roomID, identityID: origin.Identity.ID}

	a.mu.Lock()
	entry, exists := a.entries[key]

	if isTyping {
		if exists {
			entry.expiresAt = time.Now().Add(a.ttl)
			a.mu.Unlock()
			return
		}
		a.entries[key] = &typingEntry{
			identity:  origin.Identity,
			origin:    origin,
			expiresAt: time.Now().Add(a.ttl),
		}
		count := len(a.entries)
		a.mu.Unlock()

		if a.metrics != nil {
			a.metrics.RecordTypingActive(count)
		}
		a.emit(origin, roomID, origin.Identity, true)
		return
	}

	if !exists {
		a.mu.Unlock()
		return
	}
	delete(a.entries, key)
	count := len(a.entries)
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.RecordTypingActive(count)
	}
	a.emit(origin, roomID, origin.Identity, false)
}

// Typists returns the identities currently typing in a room. Entries past
// their expiry are treated as absent even before the sweep removes them.
func (a *TypingAggregator) Typists(roomID int64) []auth.Identity {
	now := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	var typists []auth.Identity
	for key, entry := range a.entries {
		if key.roomID != roomID || !now.Before(entry.expiresAt) {
			continue
		}
		typists = append(typists, entry.identity)
	}
	return typists
}

func (a *TypingAggregator) sweepLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.sweepExpired()
		}
	}
}

func (a *TypingAggregator) sweepExpired() {
	now := time.Now()

	a.mu.Lock()
	expired := lo.PickBy(a.entries, func(_ typingKey, entry *typingEntry) bool {
		return !now.Before(entry.expiresAt)
	})
	for key := range expired {
		delete(a.entries, key)
	}
	count := len(a.entries)
	a.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	if a.metrics != nil {
		a.metrics.RecordTypingActive(count)
	}
	for key, entry := range expired {
		a.emit(entry.origin, key.roomID, entry.identity, false)
	}
}
