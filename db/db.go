package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"pairchat/models"
)

// DB is the SQLite backed Store.
type DB struct {
	conn *sql.DB
}

var _ Store = (*DB)(nil)

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer; serialize at the pool.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL DEFAULT '',
			avatar TEXT NOT NULL DEFAULT '',
			external_subject TEXT UNIQUE,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			sender TEXT NOT NULL,
			receiver TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			image BLOB,
			image_type TEXT NOT NULL DEFAULT '',
			is_read INTEGER NOT NULL DEFAULT 0,
			timestamp INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender, receiver, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(receiver, is_read)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	// Auto-migration for new columns
	if err := db.migrate(); err != nil {
		return err
	}

	return nil
}

// migrate performs auto-migration for new columns
func (db *DB) migrate() error {
	now := time.Now().UTC().Format(time.RFC3339)

	for _, column := range []string{"last_online", "last_offline"} {
		if db.columnExists("users", column) {
			continue
		}
		// SQLite doesn't support parameters in ALTER TABLE, use string concatenation
		alterQuery := "ALTER TABLE users ADD COLUMN " + column + " TEXT DEFAULT '" + now + "'"
		if _, err := db.conn.Exec(alterQuery); err != nil {
			return err
		}
		if _, err := db.conn.Exec("UPDATE users SET "+column+" = ? WHERE "+column+" IS NULL", now); err != nil {
			return err
		}
	}

	return nil
}

// columnExists checks if a column exists in a table
func (db *DB) columnExists(table, column string) bool {
	query := "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?"
	var count int
	err := db.conn.QueryRow(query, table, column).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

// User methods

const userColumns = `id, name, email, password, avatar, COALESCE(external_subject, ''),
	COALESCE(last_online, ''), COALESCE(last_offline, ''), created_at, updated_at`

// CreateUser stores u, hashing u.Password with bcrypt when it is set. u.ID and
// timestamps are filled in.
func (db *DB) CreateUser(ctx context.Context, u *models.User) error {
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
	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO users (id, name, email, password, avatar, external_subject, created_at, updated_at, last_online, last_offline)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, strings.ToLower(u.Email), hashed, u.Avatar, nullIfEmpty(u.ExternalSubject), nowStr, nowStr, nowStr, nowStr,
	)
	if err != nil {
		return mapSQLiteError(err)
	}

	u.Password = hashed
	u.Email = strings.ToLower(u.Email)
	u.CreatedAt, u.UpdatedAt, u.LastOnline, u.LastOffline = now, now, now, now
	return nil
}

// AuthenticateUser returns ErrNoRows for an unknown email or a wrong password.
func (db *DB) AuthenticateUser(ctx context.Context, email, password string) (*models.User, error) {
	u, err := db.GetUserByEmail(ctx, email)
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

func (db *DB) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return db.getUser(ctx, "id = ?", id)
}

func (db *DB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return db.getUser(ctx, "email = ?", strings.ToLower(email))
}

func (db *DB) GetUserByExternalSubject(ctx context.Context, subject string) (*models.User, error) {
	if subject == "" {
		return nil, ErrNoRows
	}
	return db.getUser(ctx, "external_subject = ?", subject)
}

func (db *DB) getUser(ctx context.Context, where string, arg any) (*models.User, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE "+where, arg)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (db *DB) LinkExternalSubject(ctx context.Context, userID, subject string) error {
	result, err := db.conn.ExecContext(ctx,
		"UPDATE users SET external_subject = ?, updated_at = ? WHERE id = ?",
		nullIfEmpty(subject), time.Now().UTC().Format(time.RFC3339), userID,
	)
	if err != nil {
		return mapSQLiteError(err)
	}
	return requireAffected(result)
}

func (db *DB) ListUsers(ctx context.Context, excludeID string) ([]models.User, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT "+userColumns+" FROM users WHERE id <> ? ORDER BY name", excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}

	return users, rows.Err()
}

// UpdateProfile changes the non-empty fields among name, email and avatar.
func (db *DB) UpdateProfile(ctx context.Context, id, name, email, avatar string) (*models.User, error) {
	result, err := db.conn.ExecContext(ctx, `
		UPDATE users SET
			name = COALESCE(NULLIF(?, ''), name),
			email = COALESCE(NULLIF(?, ''), email),
			avatar = COALESCE(NULLIF(?, ''), avatar),
			updated_at = ?
		WHERE id = ?`,
		name, strings.ToLower(email), avatar, time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return nil, mapSQLiteError(err)
	}
	if err := requireAffected(result); err != nil {
		return nil, err
	}
	return db.GetUserByID(ctx, id)
}

// UpdateLastOnline updates user's last online timestamp
func (db *DB) UpdateLastOnline(ctx context.Context, id string, t time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE users SET last_online = ? WHERE id = ?",
		t.UTC().Format(time.RFC3339), id,
	)
	return err
}

// UpdateLastOffline updates user's last offline timestamp
func (db *DB) UpdateLastOffline(ctx context.Context, id string, t time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE users SET last_offline = ? WHERE id = ?",
		t.UTC().Format(time.RFC3339), id,
	)
	return err
}

// Message methods

const messageColumns = "id, sender, receiver, content, image, image_type, is_read, timestamp"

func (db *DB) CreateMessage(ctx context.Context, m *models.Message) error {
	prepareMessage(m)

	var image []byte
	var imageType string
	if m.Image != nil {
		image, imageType = m.Image.Data, m.Image.ContentType
	}

	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO messages ("+messageColumns+") VALUES (?, ?, ?, ?, ?, ?, 0, ?)",
		m.ID, m.Sender, m.Receiver, m.Content, image, imageType, m.Timestamp.UnixNano(),
	)
	return mapSQLiteError(err)
}

func (db *DB) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (db *DB) UpdateMessageContent(ctx context.Context, id, content string) error {
	result, err := db.conn.ExecContext(ctx, "UPDATE messages SET content = ? WHERE id = ?", content, id)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

func (db *DB) DeleteMessage(ctx context.Context, id string) error {
	result, err := db.conn.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// GetMessages returns the conversation between userA and userB in both
// directions, oldest first.
func (db *DB) GetMessages(ctx context.Context, userA, userB string) ([]models.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE (sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?)
		ORDER BY timestamp ASC, id ASC
	`

	rows, err := db.conn.QueryContext(ctx, query, userA, userB, userB, userA)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}

	return messages, rows.Err()
}

// MarkRead flags every unread sender→receiver message as read and returns
// how many changed.
func (db *DB) MarkRead(ctx context.Context, sender, receiver string) (int64, error) {
	result, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET is_read = 1 WHERE sender = ? AND receiver = ? AND is_read = 0",
		sender, receiver,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// UnreadCounts returns unread messages addressed to receiver, grouped by sender.
func (db *DB) UnreadCounts(ctx context.Context, receiver string) (map[string]int, error) {
	query := `
		SELECT sender, COUNT(*)
		FROM messages
		WHERE receiver = ? AND is_read = 0
		GROUP BY sender
	`
	rows, err := db.conn.QueryContext(ctx, query, receiver)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var sender string
		var count int
		if err := rows.Scan(&sender, &count); err != nil {
			return nil, err
		}
		counts[sender] = count
	}

	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*models.User, error) {
	var u models.User
	var lastOnline, lastOffline, createdAt, updatedAt string
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Password, &u.Avatar, &u.ExternalSubject,
		&lastOnline, &lastOffline, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	u.LastOnline = parseTime(lastOnline)
	u.LastOffline = parseTime(lastOffline)
	u.CreatedAt = parseTime(createdAt)
	u.UpdatedAt = parseTime(updatedAt)
	return &u, nil
}

func scanMessage(row scanner) (*models.Message, error) {
	var m models.Message
	var image []byte
	var imageType string
	var isRead int
	var ts int64
	if err := row.Scan(&m.ID, &m.Sender, &m.Receiver, &m.Content, &image, &imageType, &isRead, &ts); err != nil {
		return nil, err
	}
	if len(image) > 0 {
		m.Image = &models.Attachment{Data: image, ContentType: imageType}
	}
	m.IsRead = isRead != 0
	m.Timestamp = time.Unix(0, ts).UTC()
	return &m, nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func requireAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNoRows
	}
	return nil
}

func mapSQLiteError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return ErrDuplicate
	}
	return err
}
