package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"pairchat/models"
)

var (
	ErrNoRows    = errors.New("no rows found")
	ErrDuplicate = errors.New("duplicate record")
)

// Store is the durable storage for users and messages. SQLite and Postgres
// both implement it.
type Store interface {
	Close() error
	Ping(ctx context.Context) error

	// Users
	CreateUser(ctx context.Context, u *models.User) error
	AuthenticateUser(ctx context.Context, email, password string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByExternalSubject(ctx context.Context, subject string) (*models.User, error)
	LinkExternalSubject(ctx context.Context, userID, subject string) error
	ListUsers(ctx context.Context, excludeID string) ([]models.User, error)
	UpdateProfile(ctx context.Context, id, name, email, avatar string) (*models.User, error)
	UpdateLastOnline(ctx context.Context, id string, t time.Time) error
	UpdateLastOffline(ctx context.Context, id string, t time.Time) error

	// Messages
	CreateMessage(ctx context.Context, m *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	UpdateMessageContent(ctx context.Context, id, content string) error
	DeleteMessage(ctx context.Context, id string) error
	GetMessages(ctx context.Context, userA, userB string) ([]models.Message, error)
	MarkRead(ctx context.Context, sender, receiver string) (int64, error)
	UnreadCounts(ctx context.Context, receiver string) (map[string]int, error)
}

func newUserID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func newMessageID() string {
	return ulid.Make().String()
}

// prepareMessage assigns id and timestamp if unset and resets the read flag.
func prepareMessage(m *models.Message) {
	if m.ID == "" {
		m.ID = newMessageID()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	// Postgres stores microseconds.
	m.Timestamp = m.Timestamp.Truncate(time.Microsecond)
	m.IsRead = false
}
