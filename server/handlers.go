package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"pairchat/auth"
	"pairchat/chat"
	"pairchat/metrics"
	"pairchat/models"
	"pairchat/protocol"
	"pairchat/realtime"
)

// Session is one authenticated websocket. The identity is fixed for the
// lifetime of the connection.
type Session struct {
	UserID    string
	Conn      *realtime.Connection
	Connected time.Time
	log       zerolog.Logger
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	identity, err := s.authenticate(r.Context(), tokenFromRequest(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrader уже отправил ответ клиенту
		s.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	conn := realtime.NewConnection(*identity, ws)
	session := &Session{
		UserID:    identity.ID,
		Conn:      conn,
		Connected: time.Now(),
		log: s.log.With().
			Str("conn_id", conn.ID).
			Str("user_id", identity.ID).
			Logger(),
	}
	session.log.Info().Str("remote_addr", r.RemoteAddr).Msg("client connected")

	conn.Start()
	s.attach(session)

	err = conn.Listen(s.config.MaxMessageBytes, s.config.ReadTimeout, func(raw []byte) {
		s.handleFrame(session, raw)
	})
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		session.log.Debug().Err(err).Msg("read loop ended")
	}

	s.detach(session)
	session.log.Info().Dur("duration", time.Since(session.Connected)).Msg("client disconnected")
}

// authenticate verifies token and records the failure reason.
func (s *Server) authenticate(ctx context.Context, token string) (*models.Identity, error) {
	if token == "" {
		metrics.AuthFailures.WithLabelValues("missing").Inc()
		return nil, auth.ErrInvalidToken
	}

	identity, err := s.verifier.Verify(ctx, token)
	if err != nil {
		reason := "error"
		var authErr *auth.Error
		if errors.As(err, &authErr) {
			reason = authErr.Reason
		}
		metrics.AuthFailures.WithLabelValues(reason).Inc()
		s.log.Debug().Err(err).Msg("authentication failed")
		return nil, err
	}
	return identity, nil
}

func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return ""
}

func (s *Server) attach(session *Session) {
	s.hub.Add(session.Conn)
	s.presence.Register(session.UserID, session.Conn)

	metrics.ActiveConnections.Inc()
	metrics.OnlineUsers.Set(float64(s.presence.Len()))
	s.broadcastPresence()

	// Обновляем время последнего подключения
	ctx, cancel := s.storeContext()
	defer cancel()
	if err := s.store.UpdateLastOnline(ctx, session.UserID, time.Now().UTC()); err != nil {
		session.log.Warn().Err(err).Msg("failed to update last_online")
	}
}

// detach drops the connection from every room right away but keeps the
// user present until the grace period ends.
func (s *Server) detach(session *Session) {
	s.hub.Remove(session.Conn)
	session.Conn.Close(websocket.CloseNormalClosure, "")
	metrics.ActiveConnections.Dec()

	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if s.ctx.Err() != nil {
		return
	}

	connID := session.Conn.ID
	s.timers[connID] = time.AfterFunc(s.config.GracePeriod, func() {
		s.timersMu.Lock()
		delete(s.timers, connID)
		s.timersMu.Unlock()

		s.expirePresence(session)
	})
}

func (s *Server) expirePresence(session *Session) {
	if !s.presence.RemoveIfCurrent(session.UserID, session.Conn) {
		session.log.Debug().Msg("user reconnected within grace period")
		return
	}

	metrics.OnlineUsers.Set(float64(s.presence.Len()))
	s.broadcastPresence()

	// Обновляем время последнего отключения
	ctx, cancel := s.storeContext()
	defer cancel()
	if err := s.store.UpdateLastOffline(ctx, session.UserID, time.Now().UTC()); err != nil {
		session.log.Warn().Err(err).Msg("failed to update last_offline")
	}
}

func (s *Server) broadcastPresence() {
	payload, err := protocol.Encode(protocol.EventOnlineUsers, s.presence.Snapshot())
	if err != nil {
		s.log.Error().Err(err).Msg("encode presence")
		return
	}
	s.hub.BroadcastAll(payload)
}

func (s *Server) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.config.WriteTimeout)
}

func (s *Server) handleFrame(session *Session, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		s.drop(session, "", "malformed", err)
		return
	}

	ctx, cancel := s.storeContext()
	defer cancel()

	switch env.Event {
	case protocol.EventRegisterUsers:
		s.handleRegisterUsers(session, env)
	case protocol.EventJoinRoom:
		s.handleJoinRoom(session, env)
	case protocol.EventChatMessage:
		s.handleChatMessage(ctx, session, env)
	case protocol.EventTyping, protocol.EventStopTyping:
		s.handleTyping(session, env)
	case protocol.EventDeleteMessage:
		s.handleDeleteMessage(ctx, session, env)
	case protocol.EventEditMessage:
		s.handleEditMessage(ctx, session, env)
	default:
		s.drop(session, env.Event, "unknown", nil)
		return
	}
	metrics.EventsReceived.WithLabelValues(env.Event).Inc()
}

func (s *Server) handleRegisterUsers(session *Session, env *protocol.Envelope) {
	var userID string
	if err := env.Bind(&userID); err != nil {
		s.drop(session, env.Event, "malformed", err)
		return
	}
	if userID != session.UserID {
		s.drop(session, env.Event, "forbidden", errors.New("identity mismatch"))
		return
	}

	s.presence.Register(session.UserID, session.Conn)
	metrics.OnlineUsers.Set(float64(s.presence.Len()))
	s.broadcastPresence()
}

func (s *Server) handleJoinRoom(session *Session, env *protocol.Envelope) {
	var roomID string
	if err := env.Bind(&roomID); err != nil {
		s.drop(session, env.Event, "malformed", err)
		return
	}
	if !realtime.InRoom(roomID, session.UserID) {
		s.drop(session, env.Event, "forbidden", errors.New("not a participant of "+roomID))
		return
	}

	s.hub.Join(roomID, session.Conn)
	session.log.Debug().Str("room", roomID).Msg("joined room")
}

func (s *Server) handleChatMessage(ctx context.Context, session *Session, env *protocol.Envelope) {
	var p protocol.ChatMessage
	if err := env.Bind(&p); err != nil {
		s.drop(session, env.Event, "malformed", err)
		return
	}
	if p.Sender != session.UserID {
		s.drop(session, env.Event, "forbidden", errors.New("sender does not match connection identity"))
		return
	}

	in := chat.SendInput{Sender: p.Sender, Receiver: p.Receiver, Content: p.Content}
	if p.ImageBase64 != "" {
		data, contentType, err := protocol.DecodeImage(p.ImageBase64, p.ImageType)
		if err != nil {
			s.drop(session, env.Event, "invalid", err)
			return
		}
		in.Image = &models.Attachment{Data: data, ContentType: contentType}
	}

	view, err := s.chat.Send(ctx, in)
	if err != nil {
		s.dropErr(session, env.Event, err)
		return
	}
	s.emit(realtime.RoomFor(p.Sender, p.Receiver), protocol.EventChatMessage, view, "")
}

// handleTyping relays typing state to the other members of a room the
// connection has joined. The relayed payload is the bound identity.
func (s *Server) handleTyping(session *Session, env *protocol.Envelope) {
	var p protocol.Typing
	if err := env.Bind(&p); err != nil {
		s.drop(session, env.Event, "malformed", err)
		return
	}
	if !s.hub.Subscribed(p.RoomID, session.Conn) {
		s.drop(session, env.Event, "forbidden", errors.New("room not joined"))
		return
	}
	s.emit(p.RoomID, env.Event, session.UserID, session.Conn.ID)
}

func (s *Server) handleDeleteMessage(ctx context.Context, session *Session, env *protocol.Envelope) {
	var p protocol.DeleteMessage
	if err := env.Bind(&p); err != nil {
		s.drop(session, env.Event, "malformed", err)
		return
	}
	if !realtime.InRoom(p.RoomID, session.UserID) {
		s.drop(session, env.Event, "forbidden", errors.New("not a participant of "+p.RoomID))
		return
	}

	if err := s.chat.Delete(ctx, p.MessageID, session.UserID); err != nil {
		s.dropErr(session, env.Event, err)
		return
	}
	s.emit(p.RoomID, protocol.EventMessageDeleted, protocol.MessageDeleted{MessageID: p.MessageID}, "")
}

func (s *Server) handleEditMessage(ctx context.Context, session *Session, env *protocol.Envelope) {
	var p protocol.EditMessage
	if err := env.Bind(&p); err != nil {
		s.drop(session, env.Event, "malformed", err)
		return
	}
	if !realtime.InRoom(p.RoomID, session.UserID) {
		s.drop(session, env.Event, "forbidden", errors.New("not a participant of "+p.RoomID))
		return
	}

	view, err := s.chat.Edit(ctx, p.MessageID, session.UserID, p.NewContent)
	if err != nil {
		s.dropErr(session, env.Event, err)
		return
	}
	s.emit(p.RoomID, protocol.EventMessageEdited, view, "")
}

func (s *Server) emit(roomID, event string, data any, excludeConnID string) {
	payload, err := protocol.Encode(event, data)
	if err != nil {
		s.log.Error().Err(err).Str("event", event).Msg("encode event")
		return
	}
	s.hub.Broadcast(roomID, payload, excludeConnID)
}

func (s *Server) dropErr(session *Session, event string, err error) {
	reason := "error"
	switch {
	case errors.Is(err, chat.ErrValidation):
		reason = "invalid"
	case errors.Is(err, chat.ErrForbidden):
		reason = "forbidden"
	case errors.Is(err, chat.ErrNotFound):
		reason = "not_found"
	case errors.Is(err, chat.ErrStore):
		reason = "store"
	}
	s.drop(session, event, reason, err)
}

// drop logs an event that had no effect. The connection stays open.
func (s *Server) drop(session *Session, event, reason string, err error) {
	metrics.DroppedEvents.WithLabelValues(reason).Inc()

	level := zerolog.InfoLevel
	switch reason {
	case "forbidden":
		level = zerolog.WarnLevel
	case "store", "error":
		level = zerolog.ErrorLevel
	}
	session.log.WithLevel(level).Err(err).Str("event", event).Str("reason", reason).Msg("event dropped")
}
