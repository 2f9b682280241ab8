package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"pairchat/models"
)

// Postgres is the PostgreSQL backed Store.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	email TEXT UNIQUE NOT NULL,
	password TEXT NOT NULL DEFAULT '',
	avatar TEXT NOT NULL DEFAULT '',
	external_subject TEXT UNIQUE,
	last_online TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_offline TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	sender TEXT NOT NULL,
	receiver TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	image BYTEA,
	image_type TEXT NOT NULL DEFAULT '',
	is_read BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender, receiver, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(receiver) WHERE NOT is_read;
`

// NewPostgres creates a connection pool, verifies it and applies the schema.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	cfg, err := poolConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: schema: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// poolConfig parses databaseURL. Pool settings given in the URL win over
// the defaults applied here.
func poolConfig(databaseURL string) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if !strings.Contains(databaseURL, "pool_max_conns") {
		cfg.MaxConns = 8
	}
	if !strings.Contains(databaseURL, "pool_max_conn_idle_time") {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	return cfg, nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const pgUserColumns = `id, name, email, password, avatar, COALESCE(external_subject, ''),
	last_online, last_offline, created_at, updated_at`

func (s *Postgres) CreateUser(ctx context.Context, u *models.User) error {
	hashed := ""
	if u.Password != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		hashed = string(h)
	}
	if u.ID == "" {
		u.ID = newUserID()
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, name, email, password, avatar, external_subject)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
		RETURNING `+pgUserColumns,
		u.ID, u.Name, strings.ToLower(u.Email), hashed, u.Avatar, u.ExternalSubject,
	)
	created, err := scanPgUser(row)
	if err != nil {
		return mapPgError(err)
	}
	*u = *created
	return nil
}

func (s *Postgres) AuthenticateUser(ctx context.Context, email, password string) (*models.User, error) {
	u, err := s.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if u.Password == "" {
		return nil, ErrNoRows
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(password)); err != nil {
		return nil, ErrNoRows
	}
	return u, nil
}

func (s *Postgres) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return s.getUser(ctx, "id = $1", id)
}

func (s *Postgres) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.getUser(ctx, "email = $1", strings.ToLower(email))
}

func (s *Postgres) GetUserByExternalSubject(ctx context.Context, subject string) (*models.User, error) {
	if subject == "" {
		return nil, ErrNoRows
	}
	return s.getUser(ctx, "external_subject = $1", subject)
}

func (s *Postgres) getUser(ctx context.Context, where string, arg any) (*models.User, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+pgUserColumns+" FROM users WHERE "+where, arg)
	u, err := scanPgUser(row)
	if err != nil {
		return nil, mapPgError(err)
	}
	return u, nil
}

func (s *Postgres) LinkExternalSubject(ctx context.Context, userID, subject string) error {
	ct, err := s.pool.Exec(ctx,
		"UPDATE users SET external_subject = NULLIF($2, ''), updated_at = now() WHERE id = $1",
		userID, subject,
	)
	if err != nil {
		return mapPgError(err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNoRows
	}
	return nil
}

func (s *Postgres) ListUsers(ctx context.Context, excludeID string) ([]models.User, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+pgUserColumns+" FROM users WHERE id <> $1 ORDER BY name", excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanPgUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *Postgres) UpdateProfile(ctx context.Context, id, name, email, avatar string) (*models.User, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE users SET
			name = COALESCE(NULLIF($2, ''), name),
			email = COALESCE(NULLIF($3, ''), email),
			avatar = COALESCE(NULLIF($4, ''), avatar),
			updated_at = now()
		WHERE id = $1
		RETURNING `+pgUserColumns,
		id, name, strings.ToLower(email), avatar,
	)
	u, err := scanPgUser(row)
	if err != nil {
		return nil, mapPgError(err)
	}
	return u, nil
}

func (s *Postgres) UpdateLastOnline(ctx context.Context, id string, t time.Time) error {
	_, err := s.pool.Exec(ctx, "UPDATE users SET last_online = $2 WHERE id = $1", id, t)
	return err
}

func (s *Postgres) UpdateLastOffline(ctx context.Context, id string, t time.Time) error {
	_, err := s.pool.Exec(ctx, "UPDATE users SET last_offline = $2 WHERE id = $1", id, t)
	return err
}

const pgMessageColumns = "id, sender, receiver, content, image, image_type, is_read, created_at"

func (s *Postgres) CreateMessage(ctx context.Context, m *models.Message) error {
	prepareMessage(m)

	var image []byte
	var imageType string
	if m.Image != nil {
		image, imageType = m.Image.Data, m.Image.ContentType
	}

	_, err := s.pool.Exec(ctx,
		"INSERT INTO messages ("+pgMessageColumns+") VALUES ($1, $2, $3, $4, $5, $6, false, $7)",
		m.ID, m.Sender, m.Receiver, m.Content, image, imageType, m.Timestamp,
	)
	return mapPgError(err)
}

func (s *Postgres) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+pgMessageColumns+" FROM messages WHERE id = $1", id)
	m, err := scanPgMessage(row)
	if err != nil {
		return nil, mapPgError(err)
	}
	return m, nil
}

func (s *Postgres) UpdateMessageContent(ctx context.Context, id, content string) error {
	ct, err := s.pool.Exec(ctx, "UPDATE messages SET content = $2 WHERE id = $1", id, content)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNoRows
	}
	return nil
}

func (s *Postgres) DeleteMessage(ctx context.Context, id string) error {
	ct, err := s.pool.Exec(ctx, "DELETE FROM messages WHERE id = $1", id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNoRows
	}
	return nil
}

func (s *Postgres) GetMessages(ctx context.Context, userA, userB string) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgMessageColumns+`
		FROM messages
		WHERE (sender = $1 AND receiver = $2) OR (sender = $2 AND receiver = $1)
		ORDER BY created_at ASC, id ASC
	`, userA, userB)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		m, err := scanPgMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

func (s *Postgres) MarkRead(ctx context.Context, sender, receiver string) (int64, error) {
	ct, err := s.pool.Exec(ctx,
		"UPDATE messages SET is_read = true WHERE sender = $1 AND receiver = $2 AND NOT is_read",
		sender, receiver,
	)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func (s *Postgres) UnreadCounts(ctx context.Context, receiver string) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sender, COUNT(*)
		FROM messages
		WHERE receiver = $1 AND NOT is_read
		GROUP BY sender
	`, receiver)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var sender string
		var count int64
		if err := rows.Scan(&sender, &count); err != nil {
			return nil, err
		}
		counts[sender] = int(count)
	}
	return counts, rows.Err()
}

func scanPgUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Password, &u.Avatar, &u.ExternalSubject,
		&u.LastOnline, &u.LastOffline, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func scanPgMessage(row pgx.Row) (*models.Message, error) {
	var m models.Message
	var image []byte
	var imageType string
	if err := row.Scan(&m.ID, &m.Sender, &m.Receiver, &m.Content, &image, &imageType, &m.IsRead, &m.Timestamp); err != nil {
		return nil, err
	}
	if len(image) > 0 {
		m.Image = &models.Attachment{Data: image, ContentType: imageType}
	}
	m.Timestamp = m.Timestamp.UTC()
	return &m, nil
}

func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNoRows
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}
