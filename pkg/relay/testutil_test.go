package relay

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/parleychat/relay/pkg/auth"
	"github.com/parleychat/relay/pkg/protocol"
)

// mockStore is an in-memory persistence collaborator. Participants are
// seeded per room; blockUntilCancel simulates an overloaded backend.
type mockStore struct {
	mu               sync.Mutex
	participants     map[int64]map[int64]bool // roomID -> identityID
	messageRooms     map[int64]int64          // messageID -> roomID
	nextMessageID    int64
	reads            map[string]int
	blockUntilCancel bool
	failErr          error
}

func newMockStore() *mockStore {
	return &mockStore{
		participants:  make(map[int64]map[int64]bool),
		messageRooms:  make(map[int64]int64),
		nextMessageID: 1000,
		reads:         make(map[string]int),
	}
}

func (m *mockStore) addParticipant(roomID, identityID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.participants[roomID] == nil {
		m.participants[roomID] = make(map[int64]bool)
	}
	m.participants[roomID][identityID] = true
}

func (m *mockStore) addMessage(messageID, roomID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messageRooms[messageID] = roomID
}

func (m *mockStore) gate(ctx context.Context) error {
	m.mu.Lock()
	block := m.blockUntilCancel
	err := m.failErr
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (m *mockStore) IsParticipant(ctx context.Context, identityID, roomID int64) (bool, error) {
	if err := m.gate(ctx); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.participants[roomID][identityID], nil
}

func (m *mockStore) CreateMessage(ctx context.Context, roomID, senderID int64, content, messageType string) (*protocol.Message, error) {
	if err := m.gate(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextMessageID++
	m.messageRooms[m.nextMessageID] = roomID
	return &protocol.Message{
		ID:          m.nextMessageID,
		RoomID:      roomID,
		SenderID:    senderID,
		Content:     content,
		MessageType: messageType,
		CreatedAt:   time.Now(),
	}, nil
}

func (m *mockStore) CreateComment(ctx context.Context, messageID, senderID int64, content string) (*protocol.Comment, error) {
	if err := m.gate(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messageRooms[messageID]; !ok {
		return nil, fmt.Errorf("message %w", ErrNotFound)
	}
	return &protocol.Comment{
		ID:        messageID*10 + 1,
		MessageID: messageID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: time.Now(),
	}, nil
}

func (m *mockStore) RoomForMessage(ctx context.Context, messageID int64) (int64, error) {
	if err := m.gate(ctx); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	roomID, ok := m.messageRooms[messageID]
	if !ok {
		return 0, fmt.Errorf("message %w", ErrNotFound)
	}
	return roomID, nil
}

func (m *mockStore) RecordRead(ctx context.Context, messageID, identityID int64) error {
	if err := m.gate(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads[fmt.Sprintf("%d/%d", messageID, identityID)]++
	return nil
}

func (m *mockStore) readCount(messageID, identityID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads[fmt.Sprintf("%d/%d", messageID, identityID)]
}

// mockTransport records every event written through it. A non-nil
// writeGate stalls writes until the gate closes, simulating a consumer
// that stopped reading.
type mockTransport struct {
	writeGate chan struct{}

	mu       sync.Mutex
	events   []*protocol.Envelope
	closed   bool
	writeErr error
}

func newMockTransport() *mockTransport {
	return &mockTransport{}
}

func (t *mockTransport) WriteEvent(env *protocol.Envelope) error {
	if t.writeGate != nil {
		<-t.writeGate
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeErr != nil {
		return t.writeErr
	}
	t.events = append(t.events, env)
	return nil
}

func (t *mockTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *mockTransport) RemoteAddr() string {
	return "test:0"
}

func (t *mockTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *mockTransport) written() []*protocol.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*protocol.Envelope, len(t.events))
	copy(out, t.events)
	return out
}

func (t *mockTransport) writtenOfType(eventType protocol.EventType) []*protocol.Envelope {
	var out []*protocol.Envelope
	for _, env := range t.written() {
		if env.Type == eventType {
			out = append(out, env)
		}
	}
	return out
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testIdentity(id int64, name string) auth.Identity {
	return auth.Identity{ID: id, DisplayName: name}
}
