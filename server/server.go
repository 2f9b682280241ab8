package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"pairchat/auth"
	"pairchat/chat"
	"pairchat/db"
	"pairchat/presence"
	"pairchat/realtime"
)

type Server struct {
	store    db.Store
	verifier *auth.Verifier
	issuer   *auth.TokenIssuer
	chat     *chat.Pipeline
	hub      *realtime.Hub
	presence *presence.Registry
	config   *ServerConfig
	log      zerolog.Logger

	upgrader websocket.Upgrader
	handler  http.Handler
	httpSrv  *http.Server

	ctx    context.Context
	cancel context.CancelFunc

	timersMu sync.Mutex
	timers   map[string]*time.Timer // connID -> pending presence removal
}

type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	GracePeriod     time.Duration
	MaxMessageBytes int64
}

// Deps are the collaborators a Server is built from.
type Deps struct {
	Store    db.Store
	Verifier *auth.Verifier
	Issuer   *auth.TokenIssuer
	Chat     *chat.Pipeline
}

func New(deps Deps, config *ServerConfig, logger zerolog.Logger) *Server {
	// Значения по умолчанию
	if config.GracePeriod <= 0 {
		config.GracePeriod = 5 * time.Second
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 60 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.MaxMessageBytes <= 0 {
		config.MaxMessageBytes = 10 << 20
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		store:    deps.Store,
		verifier: deps.Verifier,
		issuer:   deps.Issuer,
		chat:     deps.Chat,
		hub:      realtime.NewHub(),
		presence: presence.NewRegistry(),
		config:   config,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[string]*time.Timer),
	}
	s.handler = s.routes()
	s.httpSrv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       config.ReadTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       2 * config.ReadTimeout,
	}
	return s
}

// Handler exposes the HTTP and websocket routes.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured port and blocks until Shutdown.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve accepts connections on listener until Shutdown. It returns nil
// when stopped by Shutdown, even if Shutdown ran first.
func (s *Server) Serve(listener net.Listener) error {
	s.log.Info().Str("addr", listener.Addr().String()).Msg("pairchat server started")

	err := s.httpSrv.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown closes every websocket with a going-away frame carrying reason,
// then stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context, reason string) error {
	if reason == "" {
		reason = "server shutdown"
	}
	s.log.Info().Str("reason", reason).Int("connections", s.hub.Len()).Msg("shutting down")

	s.cancel()

	s.timersMu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.timersMu.Unlock()

	s.hub.Close(reason)
	return s.httpSrv.Shutdown(ctx)
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() string {
	users := s.presence.Snapshot()
	return "connections=" + strconv.Itoa(s.hub.Len()) +
		",online=" + strconv.Itoa(len(users)) +
		",users=" + strings.Join(users, ";")
}
