package chat

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pairchat/crypto"
	"pairchat/db"
	"pairchat/metrics"
	"pairchat/models"
)

var (
	ErrValidation = errors.New("invalid message")
	ErrNotFound   = errors.New("message not found")
	ErrForbidden  = errors.New("not the message owner")
	ErrStore      = errors.New("store failure")
)

// Store is the persistence the pipeline needs. db.Store satisfies it.
type Store interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	CreateMessage(ctx context.Context, m *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	UpdateMessageContent(ctx context.Context, id, content string) error
	DeleteMessage(ctx context.Context, id string) error
	GetMessages(ctx context.Context, userA, userB string) ([]models.Message, error)
	MarkRead(ctx context.Context, sender, receiver string) (int64, error)
	UnreadCounts(ctx context.Context, receiver string) (map[string]int, error)
}

// Pipeline validates, encrypts and persists messages, and turns stored
// messages back into wire views. A nil cipher stores plaintext.
type Pipeline struct {
	store  Store
	cipher *crypto.Cipher
	log    zerolog.Logger
}

func New(store Store, cipher *crypto.Cipher, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		store:  store,
		cipher: cipher,
		log:    log.With().Str("component", "chat").Logger(),
	}
}

type SendInput struct {
	Sender   string
	Receiver string
	Content  string
	Image    *models.Attachment
}

func (p *Pipeline) Send(ctx context.Context, in SendInput) (*models.MessageView, error) {
	if in.Sender == "" || in.Receiver == "" {
		return nil, fmt.Errorf("%w: sender and receiver are required", ErrValidation)
	}
	hasImage := in.Image != nil && len(in.Image.Data) > 0
	if strings.TrimSpace(in.Content) == "" && !hasImage {
		return nil, fmt.Errorf("%w: content or image is required", ErrValidation)
	}
	for _, id := range []string{in.Sender, in.Receiver} {
		if err := p.requireUser(ctx, id); err != nil {
			return nil, err
		}
	}

	content, err := p.seal(in.Content)
	if err != nil {
		return nil, err
	}

	m := &models.Message{
		Sender:   in.Sender,
		Receiver: in.Receiver,
		Content:  content,
	}
	if hasImage {
		m.Image = &models.Attachment{Data: in.Image.Data, ContentType: in.Image.ContentType}
	}

	start := time.Now()
	err = p.store.CreateMessage(ctx, m)
	metrics.ObserveStore("create_message", start)
	if err != nil {
		return nil, fmt.Errorf("%w: create message: %w", ErrStore, err)
	}

	if hasImage {
		metrics.MessagesSent.WithLabelValues("image").Inc()
	} else {
		metrics.MessagesSent.WithLabelValues("text").Inc()
	}
	return p.view(m), nil
}

// List returns the conversation between a and b in both directions, oldest
// first.
func (p *Pipeline) List(ctx context.Context, a, b string) ([]models.MessageView, error) {
	if a == "" || b == "" {
		return nil, fmt.Errorf("%w: both user ids are required", ErrValidation)
	}

	start := time.Now()
	messages, err := p.store.GetMessages(ctx, a, b)
	metrics.ObserveStore("get_messages", start)
	if err != nil {
		return nil, fmt.Errorf("%w: get messages: %w", ErrStore, err)
	}

	views := make([]models.MessageView, 0, len(messages))
	for i := range messages {
		views = append(views, *p.view(&messages[i]))
	}
	return views, nil
}

// MarkRead flags every unread message from sender to receiver as read and
// returns how many changed.
func (p *Pipeline) MarkRead(ctx context.Context, sender, receiver string) (int64, error) {
	if sender == "" || receiver == "" {
		return 0, fmt.Errorf("%w: sender and receiver are required", ErrValidation)
	}

	start := time.Now()
	n, err := p.store.MarkRead(ctx, sender, receiver)
	metrics.ObserveStore("mark_read", start)
	if err != nil {
		return 0, fmt.Errorf("%w: mark read: %w", ErrStore, err)
	}
	return n, nil
}

func (p *Pipeline) UnreadCounts(ctx context.Context, receiver string) (map[string]int, error) {
	if receiver == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}

	start := time.Now()
	counts, err := p.store.UnreadCounts(ctx, receiver)
	metrics.ObserveStore("unread_counts", start)
	if err != nil {
		return nil, fmt.Errorf("%w: unread counts: %w", ErrStore, err)
	}
	return counts, nil
}

// Edit replaces the text of a message owned by actingID.
func (p *Pipeline) Edit(ctx context.Context, messageID, actingID, newText string) (*models.MessageView, error) {
	m, err := p.owned(ctx, messageID, actingID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(newText) == "" && m.Image == nil {
		return nil, fmt.Errorf("%w: edit would leave the message empty", ErrValidation)
	}

	content, err := p.seal(newText)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	err = p.store.UpdateMessageContent(ctx, messageID, content)
	metrics.ObserveStore("update_message", start)
	if errors.Is(err, db.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: update message: %w", ErrStore, err)
	}

	m.Content = content
	return p.view(m), nil
}

// Delete removes a message owned by actingID.
func (p *Pipeline) Delete(ctx context.Context, messageID, actingID string) error {
	if _, err := p.owned(ctx, messageID, actingID); err != nil {
		return err
	}

	start := time.Now()
	err := p.store.DeleteMessage(ctx, messageID)
	metrics.ObserveStore("delete_message", start)
	if errors.Is(err, db.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: delete message: %w", ErrStore, err)
	}
	return nil
}

func (p *Pipeline) owned(ctx context.Context, messageID, actingID string) (*models.Message, error) {
	if messageID == "" {
		return nil, fmt.Errorf("%w: message id is required", ErrValidation)
	}

	start := time.Now()
	m, err := p.store.GetMessage(ctx, messageID)
	metrics.ObserveStore("get_message", start)
	if errors.Is(err, db.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get message: %w", ErrStore, err)
	}
	if m.Sender != actingID {
		return nil, ErrForbidden
	}
	return m, nil
}

func (p *Pipeline) requireUser(ctx context.Context, id string) error {
	start := time.Now()
	_, err := p.store.GetUserByID(ctx, id)
	metrics.ObserveStore("get_user", start)
	if errors.Is(err, db.ErrNoRows) {
		return fmt.Errorf("%w: unknown user %s", ErrValidation, id)
	}
	if err != nil {
		return fmt.Errorf("%w: get user: %w", ErrStore, err)
	}
	return nil
}

func (p *Pipeline) seal(text string) (string, error) {
	if p.cipher == nil || text == "" {
		return text, nil
	}
	sealed, err := p.cipher.Encrypt(text)
	if err != nil {
		return "", fmt.Errorf("encrypt content: %w", err)
	}
	return sealed, nil
}

// view rehydrates a stored message. Content that fails to decrypt is
// replaced by crypto.Placeholder.
func (p *Pipeline) view(m *models.Message) *models.MessageView {
	v := &models.MessageView{
		ID:        m.ID,
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		Content:   m.Content,
		IsRead:    m.IsRead,
		Timestamp: m.Timestamp,
	}
	if p.cipher != nil && m.Content != "" {
		plain, err := p.cipher.Decrypt(m.Content)
		if err != nil {
			p.log.Warn().Err(err).Str("message_id", m.ID).Msg("content not decryptable")
			plain = crypto.Placeholder
		}
		v.Content = plain
	}
	if m.Image != nil && len(m.Image.Data) > 0 {
		v.Image = &models.ImageView{
			Data:        base64.StdEncoding.EncodeToString(m.Image.Data),
			ContentType: m.Image.ContentType,
		}
	}
	return v
}
