package main

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"pairchat/auth"
	"pairchat/cache"
	"pairchat/chat"
	"pairchat/config"
	"pairchat/crypto"
	"pairchat/db"
	"pairchat/server"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)

	ctx := context.Background()

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer store.Close()

	var subjectCache cache.Cache
	if cfg.RedisURL != "" {
		rc, err := cache.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rc.Close()
		subjectCache = rc
		logger.Info().Msg("redis subject cache enabled")
	}

	var cipher *crypto.Cipher
	if cfg.MessageEncryptionKey != "" {
		cipher, err = crypto.New(cfg.MessageEncryptionKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize message cipher")
		}
	} else {
		logger.Warn().Msg("MESSAGE_ENCRYPTION_KEY not set, messages are stored in plaintext")
	}

	var federated auth.FederatedVerifier
	if cfg.FirebaseCredentials != "" {
		fv, err := auth.NewFirebaseVerifier(ctx, cfg.FirebaseCredentials)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize firebase auth")
		}
		federated = fv
		logger.Info().Msg("federated login enabled")
	}

	issuer := auth.NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL)
	srv := server.New(server.Deps{
		Store:    store,
		Verifier: auth.NewVerifier(issuer, federated, store, subjectCache, logger),
		Issuer:   issuer,
		Chat:     chat.New(store, cipher, logger),
	}, &server.ServerConfig{
		Port:            cfg.Port,
		ReadTimeout:     time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout:    time.Duration(cfg.WriteTimeout) * time.Second,
		GracePeriod:     cfg.GracePeriod(),
		MaxMessageBytes: cfg.MaxMessageLen,
	}, logger)

	// Start control socket for management commands
	shutdown := make(chan string, 1)
	go startControlSocket(cfg.ControlSocket, srv, shutdown, logger)

	// Handle signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)

		var reason string
		select {
		case sig := <-sigChan:
			logger.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
			reason = "maintenance"
		case reason = <-shutdown:
			logger.Info().Str("reason", reason).Msg("shutdown requested")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx, reason); err != nil {
			logger.Error().Err(err).Msg("shutdown did not complete cleanly")
		}
	}()

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
	<-stopped
	os.Remove(cfg.ControlSocket)
	logger.Info().Msg("server stopped")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.IsDevelopment() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", "pairchat").Logger()
}

func openStore(ctx context.Context, cfg *config.Config) (db.Store, error) {
	if cfg.DatabaseURL != "" {
		return db.NewPostgres(ctx, cfg.DatabaseURL)
	}
	return db.New(cfg.DBPath)
}

func startControlSocket(path string, srv *server.Server, shutdown chan<- string, logger zerolog.Logger) {
	// Remove existing socket file
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("failed to create control socket")
		return
	}
	defer listener.Close()
	defer os.Remove(path)

	logger.Info().Str("path", path).Msg("control socket listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		go handleControlCommand(conn, srv, shutdown)
	}
}

// handleControlCommand serves one "cmd|arg" line:
//
//	stats
//	shutdown|reason
func handleControlCommand(conn net.Conn, srv *server.Server, shutdown chan<- string) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	parts := strings.SplitN(strings.TrimSpace(line), "|", 2)

	switch parts[0] {
	case "stats":
		conn.Write([]byte("OK|" + srv.GetStats() + "\n"))

	case "shutdown":
		reason := "maintenance"
		if len(parts) == 2 && parts[1] != "" {
			reason = parts[1]
		}
		conn.Write([]byte("OK|Shutting down\n"))

		select {
		case shutdown <- reason:
		default:
		}

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
