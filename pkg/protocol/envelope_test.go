package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNewEventAssignsUniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		env, err := NewEvent(EventMessage, 7, Message{ID: int64(i)})
		require.NoError(t, err)
		require.NotEmpty(t, env.ID)
		assert.False(t, seen[env.ID], "duplicate envelope id %s", env.ID)
		seen[env.ID] = true
	}
}

func TestEnvelopePayloadRoundTrip(t *testing.T) {
	original := TypingEvent{IdentityID: 3, DisplayName: "carol", RoomID: 7, IsTyping: true}
	env, err := NewEvent(EventTyping, 7, original)
	require.NoError(t, err)

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, EventTyping, decoded.Type)
	assert.Equal(t, int64(7), decoded.RoomID)

	var payload TypingEvent
	require.NoError(t, decoded.DecodePayload(&payload))
	assert.Equal(t, original, payload)
}

func TestDecodePayloadWithoutPayload(t *testing.T) {
	env := &Envelope{Type: EventError}
	var payload ErrorEvent
	assert.Error(t, env.DecodePayload(&payload))
}

func TestDecodeCommand(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		cmd, err := DecodeCommand([]byte(`{"type":"send_message","room_id":7,"content":"hi"}`))
		require.NoError(t, err)
		assert.Equal(t, CmdSendMessage, cmd.Type)
		assert.Equal(t, int64(7), cmd.RoomID)
		assert.Equal(t, "hi", cmd.Content)
	})

	t.Run("missing type", func(t *testing.T) {
		_, err := DecodeCommand([]byte(`{"room_id":7}`))
		assert.Error(t, err)
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := DecodeCommand([]byte(`{"type":`))
		assert.Error(t, err)
	})
}

func TestDeliveryStateRankOrdering(t *testing.T) {
	assert.Less(t, DeliverySent.Rank(), DeliveryDelivered.Rank())
	assert.Less(t, DeliveryDelivered.Rank(), DeliveryRead.Rank())
	assert.Equal(t, -1, DeliveryState("bogus").Rank())
}

func TestCommandRoundTripProperty(t *testing.T) {
	commandTypes := []CommandType{CmdJoinRoom, CmdLeaveRoom, CmdSendMessage, CmdSendComment, CmdSetTyping, CmdMarkRead}

	rapid.Check(t, func(t *rapid.T) {
		original := Command{
			Type:        commandTypes[rapid.IntRange(0, len(commandTypes)-1).Draw(t, "type")],
			RoomID:      rapid.Int64Range(0, 1<<40).Draw(t, "roomID"),
			MessageID:   rapid.Int64Range(0, 1<<40).Draw(t, "messageID"),
			Content:     rapid.String().Draw(t, "content"),
			MessageType: rapid.SampledFrom([]string{"", "text", "image", "system"}).Draw(t, "messageType"),
			IsTyping:    rapid.Bool().Draw(t, "isTyping"),
		}

		data, err := json.Marshal(original)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		decoded, err := DecodeCommand(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if *decoded != original {
			t.Fatalf("round trip mismatch: %+v != %+v", *decoded, original)
		}
	})
}
