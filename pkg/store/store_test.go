package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/parleychat/relay/pkg/relay"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedRoom(t *testing.T, db *DB, roomID int64, identityIDs ...int64) {
	t.Helper()
	ctx := context.Background()
	if err := db.CreateRoom(ctx, roomID, "test room"); err != nil {
		t.Fatalf("create room: %v", err)
	}
	for _, id := range identityIDs {
		if err := db.CreateIdentity(ctx, id, "user"); err != nil {
			t.Fatalf("create identity %d: %v", id, err)
		}
		if err := db.AddParticipant(ctx, roomID, id); err != nil {
			t.Fatalf("add participant %d: %v", id, err)
		}
	}
}

func TestResolveIdentity(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.CreateIdentity(ctx, 1, "alice"); err != nil {
		t.Fatalf("create identity: %v", err)
	}

	identity, err := db.ResolveIdentity(ctx, 1)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if identity.ID != 1 || identity.DisplayName != "alice" {
		t.Fatalf("unexpected identity: %+v", identity)
	}

	_, err = db.ResolveIdentity(ctx, 999)
	if !errors.Is(err, ErrIdentityNotFound) {
		t.Fatalf("expected ErrIdentityNotFound, got %v", err)
	}
	if !errors.Is(err, relay.ErrNotFound) {
		t.Fatal("identity lookup failure should wrap the core not-found sentinel")
	}
}

func TestIsParticipant(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedRoom(t, db, 7, 1)

	ok, err := db.IsParticipant(ctx, 1, 7)
	if err != nil || !ok {
		t.Fatalf("expected participant, got ok=%v err=%v", ok, err)
	}

	ok, err = db.IsParticipant(ctx, 2, 7)
	if err != nil || ok {
		t.Fatalf("expected non-participant, got ok=%v err=%v", ok, err)
	}

	if err := db.RemoveParticipant(ctx, 7, 1); err != nil {
		t.Fatalf("remove participant: %v", err)
	}
	ok, err = db.IsParticipant(ctx, 1, 7)
	if err != nil || ok {
		t.Fatalf("expected removed participant to be denied, got ok=%v err=%v", ok, err)
	}
}

func TestCreateAndListMessages(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedRoom(t, db, 7, 1)

	var lastID int64
	for _, content := range []string{"first", "second", "third"} {
		msg, err := db.CreateMessage(ctx, 7, 1, content, "")
		if err != nil {
			t.Fatalf("create message: %v", err)
		}
		if msg.ID <= lastID {
			t.Fatalf("message ids must increase: %d after %d", msg.ID, lastID)
		}
		if msg.MessageType != "text" {
			t.Fatalf("empty message type should default to text, got %q", msg.MessageType)
		}
		lastID = msg.ID
	}

	messages, err := db.ListMessages(ctx, 7, 0, 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	// Oldest first for replay.
	for i, want := range []string{"first", "second", "third"} {
		if messages[i].Content != want {
			t.Fatalf("message %d: got %q want %q", i, messages[i].Content, want)
		}
	}

	// Pagination: only messages before the last id.
	older, err := db.ListMessages(ctx, 7, lastID, 10)
	if err != nil {
		t.Fatalf("list older: %v", err)
	}
	if len(older) != 2 || older[1].Content != "second" {
		t.Fatalf("unexpected older page: %+v", older)
	}
}

func TestListMessagesRespectsLimit(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedRoom(t, db, 7, 1)

	for i := 0; i < 5; i++ {
		if _, err := db.CreateMessage(ctx, 7, 1, "msg", "text"); err != nil {
			t.Fatalf("create message: %v", err)
		}
	}

	messages, err := db.ListMessages(ctx, 7, 0, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	// The newest two, oldest first.
	if messages[0].ID >= messages[1].ID {
		t.Fatal("expected ascending order")
	}
}

func TestCommentsRequireExistingMessage(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedRoom(t, db, 7, 1)

	msg, err := db.CreateMessage(ctx, 7, 1, "hello", "text")
	if err != nil {
		t.Fatalf("create message: %v", err)
	}

	comment, err := db.CreateComment(ctx, msg.ID, 1, "a comment")
	if err != nil {
		t.Fatalf("create comment: %v", err)
	}
	if comment.MessageID != msg.ID || comment.Content != "a comment" {
		t.Fatalf("unexpected comment: %+v", comment)
	}

	_, err = db.CreateComment(ctx, 9999, 1, "orphan")
	if !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestRoomForMessage(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedRoom(t, db, 7, 1)

	msg, err := db.CreateMessage(ctx, 7, 1, "hello", "text")
	if err != nil {
		t.Fatalf("create message: %v", err)
	}

	roomID, err := db.RoomForMessage(ctx, msg.ID)
	if err != nil || roomID != 7 {
		t.Fatalf("expected room 7, got %d err=%v", roomID, err)
	}

	_, err = db.RoomForMessage(ctx, 9999)
	if !errors.Is(err, relay.ErrNotFound) {
		t.Fatalf("expected not-found sentinel, got %v", err)
	}
}

func TestRecordReadIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedRoom(t, db, 7, 1, 2)

	msg, err := db.CreateMessage(ctx, 7, 1, "hello", "text")
	if err != nil {
		t.Fatalf("create message: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := db.RecordRead(ctx, msg.ID, 2); err != nil {
			t.Fatalf("record read %d: %v", i, err)
		}
	}

	count, err := db.ReadCount(ctx, msg.ID)
	if err != nil {
		t.Fatalf("read count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 distinct reader, got %d", count)
	}

	if err := db.RecordRead(ctx, msg.ID, 1); err != nil {
		t.Fatalf("record read by sender: %v", err)
	}
	count, err = db.ReadCount(ctx, msg.ID)
	if err != nil {
		t.Fatalf("read count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 distinct readers, got %d", count)
	}
}

func TestAddParticipantIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedRoom(t, db, 7, 1)

	for i := 0; i < 3; i++ {
		if err := db.AddParticipant(ctx, 7, 1); err != nil {
			t.Fatalf("add participant %d: %v", i, err)
		}
	}

	ok, err := db.IsParticipant(ctx, 1, 7)
	if err != nil || !ok {
		t.Fatalf("expected participant, got ok=%v err=%v", ok, err)
	}
}
