package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pairchat/auth"
	"pairchat/chat"
	"pairchat/db"
	"pairchat/metrics"
	"pairchat/models"
)

type contextKey string

const identityContextKey contextKey = "identity"

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)
	r.Use(recordMetrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebsocket)

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Get("/users", s.handleListUsers)
			r.Get("/profile", s.handleGetProfile)
			r.Put("/profile", s.handleUpdateProfile)
			r.Post("/link", s.handleLinkFederated)
		})
	})

	r.Route("/chat", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/messages", s.handleGetMessages)
		r.Post("/mark-read", s.handleMarkRead)
		r.Get("/unread-counts", s.handleUnreadCounts)
	})

	return r
}

// Middleware

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("latency", time.Since(start)).
				Str("request_id", chimw.GetReqID(r.Context())).
				Str("remote_addr", r.RemoteAddr).
				Msg("request completed")
		}()

		next.ServeHTTP(ww, r)
	})
}

// recordMetrics labels requests by route pattern to keep cardinality bounded.
func recordMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.authenticate(r.Context(), tokenFromRequest(r))
		if err != nil {
			if errors.Is(err, auth.ErrUserNotFound) {
				writeError(w, http.StatusUnauthorized, "user not found")
				return
			}
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), identityContextKey, *identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFrom(ctx context.Context) models.Identity {
	identity, _ := ctx.Value(identityContextKey).(models.Identity)
	return identity
}

// Views

type accountView struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type authResponse struct {
	User  accountView `json:"user"`
	Token string      `json:"token"`
}

type contactView struct {
	ID     string `json:"_id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Online bool   `json:"online"`
}

type profileView struct {
	ID          string    `json:"_id"`
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	Avatar      string    `json:"avatar,omitempty"`
	Online      bool      `json:"online"`
	LastOnline  time.Time `json:"lastOnline"`
	LastOffline time.Time `json:"lastOffline"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type unreadCount struct {
	Sender string `json:"_id"`
	Count  int    `json:"count"`
}

func (s *Server) profile(u *models.User) profileView {
	_, online := s.presence.Lookup(u.ID)
	return profileView{
		ID:          u.ID,
		Name:        u.Name,
		Email:       u.Email,
		Avatar:      u.Avatar,
		Online:      online,
		LastOnline:  u.LastOnline,
		LastOffline: u.LastOffline,
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,
	}
}

// Handlers

type healthCheck struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]healthCheck)
	status, code := "OK", http.StatusOK

	start := time.Now()
	if err := s.store.Ping(ctx); err != nil {
		checks["store"] = healthCheck{Status: "fail", Message: "connection failed"}
		status, code = "degraded", http.StatusServiceUnavailable
	} else {
		checks["store"] = healthCheck{Status: "pass", Latency: time.Since(start).String()}
	}

	writeJSON(w, code, map[string]any{
		"status":      status,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"connections": s.hub.Len(),
		"online":      s.presence.Len(),
		"checks":      checks,
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	if req.Name == "" || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "name, email and password are required")
		return
	}

	u := &models.User{Name: req.Name, Email: req.Email, Password: req.Password}
	if err := s.store.CreateUser(r.Context(), u); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			writeError(w, http.StatusBadRequest, "Email already exists")
			return
		}
		s.log.Error().Err(err).Msg("register failed")
		writeError(w, http.StatusInternalServerError, "Error registering user")
		return
	}

	s.respondWithToken(w, http.StatusCreated, u)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	u, err := s.store.AuthenticateUser(r.Context(), strings.TrimSpace(req.Email), req.Password)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			metrics.AuthFailures.WithLabelValues("bad password").Inc()
			writeError(w, http.StatusBadRequest, "Invalid email or password")
			return
		}
		s.log.Error().Err(err).Msg("login failed")
		writeError(w, http.StatusInternalServerError, "Error logging in user")
		return
	}

	s.respondWithToken(w, http.StatusOK, u)
}

func (s *Server) respondWithToken(w http.ResponseWriter, status int, u *models.User) {
	token, err := s.issuer.Issue(u.ID)
	if err != nil {
		s.log.Error().Err(err).Msg("issue token")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, status, authResponse{
		User:  accountView{ID: u.ID, Name: u.Name, Email: u.Email},
		Token: token,
	})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	exclude := r.URL.Query().Get("exclude")
	if exclude == "" {
		exclude = identityFrom(r.Context()).ID
	}

	users, err := s.store.ListUsers(r.Context(), exclude)
	if err != nil {
		s.log.Error().Err(err).Msg("list users")
		writeError(w, http.StatusInternalServerError, "Error fetching users")
		return
	}

	out := make([]contactView, 0, len(users))
	for _, u := range users {
		_, online := s.presence.Lookup(u.ID)
		out = append(out, contactView{ID: u.ID, Name: u.Name, Avatar: u.Avatar, Online: online})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		id = identityFrom(r.Context()).ID
	}

	u, err := s.store.GetUserByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		s.log.Error().Err(err).Msg("get profile")
		writeError(w, http.StatusInternalServerError, "Error fetching user profile")
		return
	}
	writeJSON(w, http.StatusOK, s.profile(u))
}

// handleUpdateProfile always updates the caller; ids in the body are ignored.
func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string `json:"name"`
		Email  string `json:"email"`
		Avatar string `json:"avatar"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	caller := identityFrom(r.Context())
	u, err := s.store.UpdateProfile(r.Context(), caller.ID,
		strings.TrimSpace(req.Name), strings.TrimSpace(req.Email), strings.TrimSpace(req.Avatar))
	if err != nil {
		switch {
		case errors.Is(err, db.ErrNoRows):
			writeError(w, http.StatusNotFound, "User not found")
		case errors.Is(err, db.ErrDuplicate):
			writeError(w, http.StatusBadRequest, "Email already exists")
		default:
			s.log.Error().Err(err).Msg("update profile")
			writeError(w, http.StatusInternalServerError, "Error updating user profile")
		}
		return
	}
	writeJSON(w, http.StatusOK, s.profile(u))
}

// handleLinkFederated attaches a federated account to the caller so that
// provider tokens resolve to this user.
func (s *Server) handleLinkFederated(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDToken string `json:"idToken"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	subject, err := s.verifier.VerifyFederated(r.Context(), req.IDToken)
	if err != nil {
		if errors.Is(err, auth.ErrNoFederation) {
			writeError(w, http.StatusNotImplemented, "federated login is not configured")
			return
		}
		writeError(w, http.StatusUnauthorized, "invalid federated token")
		return
	}

	caller := identityFrom(r.Context())
	current, err := s.store.GetUserByID(r.Context(), caller.ID)
	if err != nil {
		s.log.Error().Err(err).Msg("link federated account")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := s.store.LinkExternalSubject(r.Context(), caller.ID, subject); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			writeError(w, http.StatusConflict, "account already linked to another user")
			return
		}
		s.log.Error().Err(err).Msg("link federated account")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.verifier.ForgetSubjects(r.Context(), current.ExternalSubject, subject)
	writeJSON(w, http.StatusOK, map[string]string{"msg": "account linked"})
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	user1, user2 := r.URL.Query().Get("user1"), r.URL.Query().Get("user2")
	if user1 == "" || user2 == "" {
		writeError(w, http.StatusBadRequest, "Both user IDs are required")
		return
	}
	caller := identityFrom(r.Context())
	if caller.ID != user1 && caller.ID != user2 {
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}

	views, err := s.chat.List(r.Context(), user1, user2)
	if err != nil {
		s.chatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Sender   string `json:"sender"`
		Receiver string `json:"receiver"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Sender == "" || req.Receiver == "" {
		writeError(w, http.StatusBadRequest, "Both sender and receiver IDs are required")
		return
	}
	if req.Receiver != identityFrom(r.Context()).ID {
		writeError(w, http.StatusForbidden, "only the receiver can mark messages read")
		return
	}

	n, err := s.chat.MarkRead(r.Context(), req.Sender, req.Receiver)
	if err != nil {
		s.chatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"msg": "Messages marked as read", "count": n})
}

func (s *Server) handleUnreadCounts(w http.ResponseWriter, r *http.Request) {
	caller := identityFrom(r.Context())
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = caller.ID
	}
	if userID != caller.ID {
		writeError(w, http.StatusForbidden, "cannot read another user's counts")
		return
	}

	counts, err := s.chat.UnreadCounts(r.Context(), userID)
	if err != nil {
		s.chatError(w, err)
		return
	}

	out := make([]unreadCount, 0, len(counts))
	for sender, n := range counts {
		out = append(out, unreadCount{Sender: sender, Count: n})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) chatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, chat.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		s.log.Error().Err(err).Msg("chat request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decode reads a JSON body capped at the configured message size. It writes
// the error response itself and reports whether decoding succeeded.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, s.config.MaxMessageBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
