package relay

import (
	"context"
	"errors"
	"log"

	"github.com/parleychat/relay/pkg/protocol"
)

// handleCommand dispatches a decoded client command. A failed command is
// terminal for that request only; the session always survives everything
// except transport loss.
func (s *Server) handleCommand(sess *Session, cmd *protocol.Command) {
	switch cmd.Type {
	case protocol.CmdJoinRoom:
		s.handleJoinRoom(sess, cmd)
	case protocol.CmdLeaveRoom:
		s.handleLeaveRoom(sess, cmd)
	case protocol.CmdSendMessage:
		s.handleSendMessage(sess, cmd)
	case protocol.CmdSendComment:
		s.handleSendComment(sess, cmd)
	case protocol.CmdSetTyping:
		s.handleSetTyping(sess, cmd)
	case protocol.CmdMarkRead:
		s.handleMarkRead(sess, cmd)
	default:
		s.sendError(sess, protocol.CodeBadCommand, "unsupported command type")
	}
}

func (s *Server) handleJoinRoom(sess *Session, cmd *protocol.Command) {
	if cmd.RoomID == 0 {
		s.sendError(sess, protocol.CodeBadCommand, "join_room requires room_id")
		return
	}

	err := s.rooms.Join(context.Background(), sess, cmd.RoomID)
	if err == nil {
		return
	}

	var authzErr *AuthzError
	switch {
	case errors.As(err, &authzErr):
		log.Printf("Session %s: denied join to room %d (identity %d not a participant)", sess.ID, cmd.RoomID, sess.Identity.ID)
		s.sendError(sess, protocol.CodeUnauthorized, "not a participant of this room")
	case errors.Is(err, ErrCollaboratorTimeout):
		s.sendError(sess, protocol.CodeTimeout, "authorization check timed out")
	default:
		log.Printf("Session %s: join room %d failed: %v", sess.ID, cmd.RoomID, err)
		s.sendError(sess, protocol.CodeInternal, "join failed")
	}
}

func (s *Server) handleLeaveRoom(sess *Session, cmd *protocol.Command) {
	if cmd.RoomID == 0 {
		s.sendError(sess, protocol.CodeBadCommand, "leave_room requires room_id")
		return
	}
	s.rooms.Leave(sess, cmd.RoomID)
}

func (s *Server) handleSendMessage(sess *Session, cmd *protocol.Command) {
	if cmd.RoomID == 0 || cmd.Content == "" {
		s.sendError(sess, protocol.CodeBadCommand, "send_message requires room_id and content")
		return
	}
	if len(cmd.Content) > s.config.MaxMessageLength {
		s.sendError(sess, protocol.CodeBadCommand, "message too long")
		return
	}
	if !s.rooms.IsSubscribed(sess, cmd.RoomID) {
		s.sendError(sess, protocol.CodeUnauthorized, "join the room before sending")
		return
	}

	ctx, cancel := s.collaboratorContext()
	msg, err := s.store.CreateMessage(ctx, cmd.RoomID, sess.Identity.ID, cmd.Content, cmd.MessageType)
	cancel()
	if err != nil {
		s.failCollaborator(sess, "create_message", err)
		return
	}
	msg.SenderName = sess.Identity.DisplayName

	// The originator gets the stored record synchronously; the broadcast
	// below deliberately excludes it.
	s.deliverEvent(sess, protocol.EventMessagePosted, cmd.RoomID, msg)

	env, err := protocol.NewEvent(protocol.EventMessage, cmd.RoomID, msg)
	if err != nil {
		log.Printf("Session %s: encode message event: %v", sess.ID, err)
		return
	}
	delivered := s.broadcast.PublishExcept(cmd.RoomID, sess.ID, env)

	if delivered > 0 && s.delivery.Advance(msg.ID, protocol.DeliveryDelivered) {
		s.publishDeliveryState(msg.ID, protocol.DeliveryDelivered, cmd.RoomID)
	}
}

func (s *Server) handleSendComment(sess *Session, cmd *protocol.Command) {
	if cmd.MessageID == 0 || cmd.Content == "" {
		s.sendError(sess, protocol.CodeBadCommand, "send_comment requires message_id and content")
		return
	}
	if len(cmd.Content) > s.config.MaxMessageLength {
		s.sendError(sess, protocol.CodeBadCommand, "comment too long")
		return
	}

	ctx, cancel := s.collaboratorContext()
	roomID, err := s.store.RoomForMessage(ctx, cmd.MessageID)
	cancel()
	if err != nil {
		s.failCollaborator(sess, "room_for_message", err)
		return
	}
	if !s.rooms.IsSubscribed(sess, roomID) {
		s.sendError(sess, protocol.CodeUnauthorized, "join the room before commenting")
		return
	}

	ctx, cancel = s.collaboratorContext()
	comment, err := s.store.CreateComment(ctx, cmd.MessageID, sess.Identity.ID, cmd.Content)
	cancel()
	if err != nil {
		s.failCollaborator(sess, "create_comment", err)
		return
	}
	comment.SenderName = sess.Identity.DisplayName

	s.deliverEvent(sess, protocol.EventCommentPosted, roomID, comment)

	env, err := protocol.NewEvent(protocol.EventComment, roomID, comment)
	if err != nil {
		log.Printf("Session %s: encode comment event: %v", sess.ID, err)
		return
	}
	s.broadcast.PublishExcept(roomID, sess.ID, env)
}

func (s *Server) handleSetTyping(sess *Session, cmd *protocol.Command) {
	if cmd.RoomID == 0 {
		s.sendError(sess, protocol.CodeBadCommand, "set_typing requires room_id")
		return
	}
	if !s.rooms.IsSubscribed(sess, cmd.RoomID) {
		s.sendError(sess, protocol.CodeUnauthorized, "join the room before typing")
		return
	}
	s.typing.SetTyping(sess, cmd.RoomID, cmd.IsTyping)
}

func (s *Server) handleMarkRead(sess *Session, cmd *protocol.Command) {
	if cmd.MessageID == 0 {
		s.sendError(sess, protocol.CodeBadCommand, "mark_read requires message_id")
		return
	}

	ctx, cancel := s.collaboratorContext()
	roomID, err := s.store.RoomForMessage(ctx, cmd.MessageID)
	cancel()
	if err != nil {
		s.failCollaborator(sess, "room_for_message", err)
		return
	}

	ctx, cancel = s.collaboratorContext()
	err = s.store.RecordRead(ctx, cmd.MessageID, sess.Identity.ID)
	cancel()
	if err != nil {
		s.failCollaborator(sess, "record_read", err)
		return
	}

	// First receipt from this recipient fans out to the room; repeats are
	// absorbed (read is monotone per recipient).
	if s.delivery.MarkRead(cmd.MessageID, sess.Identity.ID) {
		env, err := protocol.NewEvent(protocol.EventMessageRead, roomID, protocol.MessageReadEvent{
			MessageID: cmd.MessageID,
			ReaderID:  sess.Identity.ID,
		})
		if err == nil {
			s.broadcast.PublishExcept(roomID, sess.ID, env)
		}
	}

	if s.delivery.Advance(cmd.MessageID, protocol.DeliveryRead) {
		s.publishDeliveryState(cmd.MessageID, protocol.DeliveryRead, roomID)
	}
}

// failCollaborator translates a store failure into the per-request error
// event. Timeouts fail closed; nothing here escalates past the session.
func (s *Server) failCollaborator(sess *Session, op string, err error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		if s.metrics != nil {
			s.metrics.RecordCollaboratorTimeout(op)
		}
		log.Printf("Session %s: %s timed out", sess.ID, op)
		s.sendError(sess, protocol.CodeTimeout, "persistence unavailable, try again")
	case isNotFound(err):
		s.sendError(sess, protocol.CodeNotFound, "no such message")
	default:
		log.Printf("Session %s: %s failed: %v", sess.ID, op, err)
		s.sendError(sess, protocol.CodeInternal, "operation failed")
	}
}

func (s *Server) sendError(sess *Session, code, message string) {
	s.deliverEvent(sess, protocol.EventError, 0, protocol.ErrorEvent{Code: code, Message: message})
}

func (s *Server) deliverEvent(sess *Session, eventType protocol.EventType, roomID int64, payload any) {
	env, err := protocol.NewEvent(eventType, roomID, payload)
	if err != nil {
		log.Printf("Session %s: encode %s: %v", sess.ID, eventType, err)
		return
	}
	s.sessions.Deliver(sess, env)
}

func (s *Server) publishDeliveryState(messageID int64, state protocol.DeliveryState, roomID int64) {
	env, err := protocol.NewEvent(protocol.EventDeliveryState, roomID, protocol.DeliveryStateEvent{
		MessageID: messageID,
		State:     state,
	})
	if err != nil {
		log.Printf("encode delivery_state: %v", err)
		return
	}
	if roomID != 0 {
		s.broadcast.Publish(roomID, env)
	} else {
		s.broadcast.Global(env)
	}
}

func (s *Server) collaboratorContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.config.CollaboratorTimeout)
}
