package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parleychat/relay/pkg/auth"
	"github.com/parleychat/relay/pkg/protocol"
)

// Server is the relay: it owns the session and room registries, the
// presence tracker, the typing aggregator and the broadcast pipeline, and
// exposes the websocket endpoint plus the publish API consumed by REST
// handlers after a write completes. Constructed explicitly and torn down at
// shutdown; there is no ambient global instance.
type Server struct {
	config   Config
	store    Store
	verifier *auth.Verifier
	metrics  *Metrics

	sessions  *SessionRegistry
	rooms     *RoomRegistry
	presence  *PresenceTracker
	typing    *TypingAggregator
	broadcast *Broadcaster
	delivery  *DeliveryTracker

	httpServer *http.Server
	startTime  time.Time
	shutdown   chan struct{}
	wg         sync.WaitGroup
}

// NewServer wires the relay components together. metrics may be nil (tests).
func NewServer(store Store, verifier *auth.Verifier, config Config, metrics *Metrics) *Server {
	s := &Server{
		config:   config,
		store:    store,
		verifier: verifier,
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	s.sessions = NewSessionRegistry(config.SendQueueSize, metrics)
	s.rooms = NewRoomRegistry(store, config.CollaboratorTimeout, metrics)
	s.broadcast = NewBroadcaster(s.sessions, s.rooms, metrics)
	s.delivery = NewDeliveryTracker()

	s.presence = NewPresenceTracker(config.PresenceDebounce, metrics, s.emitPresence)
	s.typing = NewTypingAggregator(config.TypingTTL, config.TypingSweepInterval, metrics, s.emitTyping)

	// Registry transitions drive presence and room cleanup. Dismiss runs
	// these exactly once per session, whatever triggered it.
	s.sessions.OnAdmit(func(sess *Session) {
		s.presence.SessionOpened(sess.Identity)
	})
	s.sessions.OnDismiss(func(sess *Session) {
		s.rooms.DropSession(sess)
		s.presence.SessionClosed(sess.Identity)
	})

	return s
}

// Start begins serving the websocket endpoint.
func (s *Server) Start() error {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	router.Get("/ws", s.HandleWebSocket)
	router.Get("/healthz", s.HealthHandler)
	router.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: router,
	}
	s.startTime = time.Now()

	s.typing.Run()

	ln := s.httpServer
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := ln.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	log.Printf("Relay listening on %s", s.config.ListenAddr)
	return nil
}

// Stop gracefully stops the relay.
func (s *Server) Stop() error {
	close(s.shutdown)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
	}

	s.typing.Stop()
	s.presence.Stop()
	s.sessions.CloseAll()
	s.wg.Wait()

	return nil
}

// Sessions exposes the session registry to the embedding process.
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

// Publish fans a room-scoped event out to current subscribers. Called by
// REST handlers after a write completes.
func (s *Server) Publish(roomID int64, eventType protocol.EventType, payload any) error {
	env, err := protocol.NewEvent(eventType, roomID, payload)
	if err != nil {
		return err
	}
	s.broadcast.Publish(roomID, env)
	return nil
}

// NotifyDeliveryState advances a message's delivery state and, when the
// state actually changed, fans the delta out. roomID 0 broadcasts globally.
func (s *Server) NotifyDeliveryState(messageID int64, state protocol.DeliveryState, roomID int64) {
	if !s.delivery.Advance(messageID, state) {
		return
	}
	s.publishDeliveryState(messageID, state, roomID)
}

// NotifyRoomUpdated fans conversation-metadata changes out to the room.
func (s *Server) NotifyRoomUpdated(roomID int64, metadata map[string]any) {
	env, err := protocol.NewEvent(protocol.EventRoomUpdated, roomID, protocol.RoomUpdatedEvent{
		RoomID:   roomID,
		Metadata: metadata,
	})
	if err != nil {
		log.Printf("encode room_updated: %v", err)
		return
	}
	s.broadcast.Publish(roomID, env)
}

// emitPresence broadcasts a confirmed presence transition to every session.
// Presence is global scope: any conversation list may show any participant.
func (s *Server) emitPresence(delta PresenceDelta) {
	env, err := protocol.NewEvent(protocol.EventPresence, 0, protocol.PresenceEvent{
		IdentityID:  delta.Identity.ID,
		DisplayName: delta.Identity.DisplayName,
		IsOnline:    delta.IsOnline,
		LastSeen:    delta.LastSeen,
	})
	if err != nil {
		log.Printf("encode presence: %v", err)
		return
	}
	s.broadcast.Global(env)
}

// emitTyping broadcasts a typing delta to the room, excluding the
// originating session when known.
func (s *Server) emitTyping(origin *Session, roomID int64, identity auth.Identity, isTyping bool) {
	env, err := protocol.NewEvent(protocol.EventTyping, roomID, protocol.TypingEvent{
		IdentityID:  identity.ID,
		DisplayName: identity.DisplayName,
		RoomID:      roomID,
		IsTyping:    isTyping,
	})
	if err != nil {
		log.Printf("encode typing: %v", err)
		return
	}

	exceptID := ""
	if origin != nil {
		exceptID = origin.ID
	}
	s.broadcast.PublishExcept(roomID, exceptID, env)
}

// HealthHandler serves health check status.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":          "healthy",
		"uptime_seconds":  int64(time.Since(s.startTime).Seconds()),
		"active_sessions": s.sessions.Count(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		log.Printf("Error encoding health JSON: %v", err)
	}
}
