package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"pairchat/cache"
	"pairchat/db"
	"pairchat/models"
)

type fakeDirectory struct {
	byID      map[string]*models.User
	bySubject map[string]*models.User
	fail      error

	mu           sync.Mutex
	subjectCalls int
}

func (d *fakeDirectory) GetUserByID(_ context.Context, id string) (*models.User, error) {
	if d.fail != nil {
		return nil, d.fail
	}
	u, ok := d.byID[id]
	if !ok {
		return nil, db.ErrNoRows
	}
	return u, nil
}

func (d *fakeDirectory) GetUserByExternalSubject(_ context.Context, subject string) (*models.User, error) {
	d.mu.Lock()
	d.subjectCalls++
	d.mu.Unlock()
	u, ok := d.bySubject[subject]
	if !ok {
		return nil, db.ErrNoRows
	}
	return u, nil
}

type fakeFederated map[string]string

func (f fakeFederated) VerifyFederatedToken(_ context.Context, token string) (string, error) {
	sub, ok := f[token]
	if !ok {
		return "", errors.New("bad federated token")
	}
	return sub, nil
}

type memCache struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memCache) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", cache.ErrMiss
	}
	return v, nil
}

func (m *memCache) Set(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memCache) Del(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := m.data[k]; ok {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}

func (m *memCache) Ping(context.Context) error { return nil }
func (m *memCache) Close() error               { return nil }

func newDirectory() *fakeDirectory {
	alice := &models.User{ID: "u-alice", Name: "Alice"}
	bob := &models.User{ID: "u-bob", Name: "Bob", ExternalSubject: "fb-bob"}
	return &fakeDirectory{
		byID:      map[string]*models.User{alice.ID: alice, bob.ID: bob},
		bySubject: map[string]*models.User{"fb-bob": bob},
	}
}

func TestVerifyLocalToken(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)
	v := NewVerifier(issuer, nil, newDirectory(), nil, zerolog.Nop())

	token, err := issuer.Issue("u-alice")
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}

	id, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Expected token to verify, got %v", err)
	}
	if id.ID != "u-alice" || id.Name != "Alice" {
		t.Errorf("Unexpected identity: %+v", id)
	}
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)
	v := NewVerifier(issuer, nil, newDirectory(), nil, zerolog.Nop())
	ctx := context.Background()

	other, _ := NewTokenIssuer("other-secret", time.Hour).Issue("u-alice")

	expired := NewTokenIssuer("secret", time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, _ := expired.Issue("u-alice")

	for name, token := range map[string]string{
		"empty":        "",
		"garbage":      "not-a-token",
		"wrong secret": other,
		"expired":      old,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(ctx, token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("Expected ErrInvalidToken, got %v", err)
			}
			var authErr *Error
			if !errors.As(err, &authErr) {
				t.Fatalf("Expected *auth.Error, got %T", err)
			}
		})
	}
}

func TestVerifyLocalUnknownUser(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)
	v := NewVerifier(issuer, nil, newDirectory(), nil, zerolog.Nop())

	token, _ := issuer.Issue("u-ghost")
	if _, err := v.Verify(context.Background(), token); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("Expected ErrUserNotFound, got %v", err)
	}
}

func TestVerifyDirectoryFailure(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)
	dir := newDirectory()
	dir.fail = errors.New("connection refused")
	v := NewVerifier(issuer, nil, dir, nil, zerolog.Nop())

	token, _ := issuer.Issue("u-alice")
	_, err := v.Verify(context.Background(), token)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Expected ErrUnavailable, got %v", err)
	}
	if errors.Is(err, ErrInvalidToken) {
		t.Error("Directory failure must not look like an invalid token")
	}
}

func TestVerifyFederated(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)
	dir := newDirectory()
	c := &memCache{data: map[string]string{}}
	fed := fakeFederated{"fb-token-bob": "fb-bob", "fb-token-nobody": "fb-nobody"}
	v := NewVerifier(issuer, fed, dir, c, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, err := v.Verify(ctx, "fb-token-bob")
		if err != nil {
			t.Fatalf("Expected federated token to verify, got %v", err)
		}
		if id.ID != "u-bob" {
			t.Errorf("Expected u-bob, got %s", id.ID)
		}
	}
	if dir.subjectCalls != 1 {
		t.Errorf("Expected subject lookup to be cached, got %d calls", dir.subjectCalls)
	}
	if got := c.data["fedsub:fb-bob"]; got != "u-bob" {
		t.Errorf("Expected cache entry for subject, got %q", got)
	}

	if _, err := v.Verify(ctx, "fb-token-nobody"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound for unlinked subject, got %v", err)
	}
	if _, err := v.Verify(ctx, "fb-token-forged"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken when both paths fail, got %v", err)
	}
}

func TestVerifyFederatedStaleCache(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)
	dir := newDirectory()
	c := &memCache{data: map[string]string{"fedsub:fb-bob": "u-deleted"}}
	v := NewVerifier(issuer, fakeFederated{"tok": "fb-bob"}, dir, c, zerolog.Nop())

	id, err := v.Verify(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Expected fallback to directory, got %v", err)
	}
	if id.ID != "u-bob" {
		t.Errorf("Expected u-bob, got %s", id.ID)
	}
	if got := c.data["fedsub:fb-bob"]; got != "u-bob" {
		t.Errorf("Expected cache to be refreshed, got %q", got)
	}
}

func TestVerifyFederatedRelinkedSubject(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)
	dir := newDirectory()
	c := &memCache{data: map[string]string{}}
	fed := fakeFederated{"old-tok": "fb-bob", "new-tok": "fb-bob-2"}
	v := NewVerifier(issuer, fed, dir, c, zerolog.Nop())
	ctx := context.Background()

	if _, err := v.Verify(ctx, "old-tok"); err != nil {
		t.Fatalf("Expected old subject to verify before relink, got %v", err)
	}

	// Боб привязывает другой аккаунт провайдера
	bob := dir.byID["u-bob"]
	bob.ExternalSubject = "fb-bob-2"
	delete(dir.bySubject, "fb-bob")
	dir.bySubject["fb-bob-2"] = bob

	if id, err := v.Verify(ctx, "old-tok"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("Unlinked subject must not authenticate, got %+v %v", id, err)
	}
	if _, ok := c.data["fedsub:fb-bob"]; ok {
		t.Error("Expected stale subject entry to be dropped")
	}

	id, err := v.Verify(ctx, "new-tok")
	if err != nil || id.ID != "u-bob" {
		t.Errorf("Expected new subject to resolve to u-bob, got %+v %v", id, err)
	}
}

func TestForgetSubjects(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)
	c := &memCache{data: map[string]string{"fedsub:a": "u-1", "fedsub:b": "u-2", "other": "x"}}
	v := NewVerifier(issuer, nil, newDirectory(), c, zerolog.Nop())

	v.ForgetSubjects(context.Background(), "a", "", "b")
	if len(c.data) != 1 || c.data["other"] != "x" {
		t.Errorf("Expected only unrelated keys to remain, got %v", c.data)
	}

	// Без кэша вызов ничего не делает
	NewVerifier(issuer, nil, newDirectory(), nil, zerolog.Nop()).ForgetSubjects(context.Background(), "a")
}

func TestVerifyFederatedOnly(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)
	ctx := context.Background()

	v := NewVerifier(issuer, nil, newDirectory(), nil, zerolog.Nop())
	if _, err := v.VerifyFederated(ctx, "tok"); !errors.Is(err, ErrNoFederation) {
		t.Errorf("Expected ErrNoFederation, got %v", err)
	}

	v = NewVerifier(issuer, fakeFederated{"tok": "fb-new"}, newDirectory(), nil, zerolog.Nop())
	sub, err := v.VerifyFederated(ctx, "tok")
	if err != nil || sub != "fb-new" {
		t.Errorf("Expected fb-new, got %q %v", sub, err)
	}
	local, _ := issuer.Issue("u-alice")
	if _, err := v.VerifyFederated(ctx, local); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Local token must not pass the federated check, got %v", err)
	}
}
