package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const devJWTSecret = "pairchat-dev-secret"

type Config struct {
	Port          int
	Env           string
	DBPath        string
	DatabaseURL   string
	RedisURL      string
	ReadTimeout   int // seconds
	WriteTimeout  int // seconds
	GraceSeconds  int
	MaxMessageLen int64 // bytes

	JWTSecret            string
	TokenTTL             time.Duration
	MessageEncryptionKey string
	FirebaseCredentials  string

	LogLevel      string
	ControlSocket string
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Port:          5000,
		Env:           getEnv("ENV", "development"),
		DBPath:        getEnv("DB_PATH", "pairchat.db"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		ReadTimeout:   60,
		WriteTimeout:  10,
		GraceSeconds:  5,
		MaxMessageLen: 10 << 20,

		JWTSecret:            os.Getenv("JWT_SECRET"),
		TokenTTL:             7 * 24 * time.Hour,
		MessageEncryptionKey: os.Getenv("MESSAGE_ENCRYPTION_KEY"),
		FirebaseCredentials:  os.Getenv("FIREBASE_CREDENTIALS"),

		LogLevel:      getEnv("LOG_LEVEL", "info"),
		ControlSocket: getEnv("CONTROL_SOCKET", "/tmp/pairchat.sock"),
	}

	if port, ok := getInt("PORT"); ok {
		cfg.Port = port
	}
	if timeout, ok := getInt("READ_TIMEOUT"); ok {
		cfg.ReadTimeout = timeout
	}
	if timeout, ok := getInt("WRITE_TIMEOUT"); ok {
		cfg.WriteTimeout = timeout
	}
	if grace, ok := getInt("PRESENCE_GRACE_SECONDS"); ok && grace >= 0 {
		cfg.GraceSeconds = grace
	}
	if size, ok := getInt("MAX_MESSAGE_BYTES"); ok && size > 0 {
		cfg.MaxMessageLen = int64(size)
	}
	if hours, ok := getInt("TOKEN_TTL_HOURS"); ok && hours > 0 {
		cfg.TokenTTL = time.Duration(hours) * time.Hour
	}

	if cfg.JWTSecret == "" {
		if cfg.IsProduction() {
			panic("JWT_SECRET is required in production")
		}
		cfg.JWTSecret = devJWTSecret
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// GracePeriod is how long a disconnected user stays in the online list.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.GraceSeconds) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}
