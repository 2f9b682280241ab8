package auth

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"pairchat/cache"
	"pairchat/db"
	"pairchat/models"
)

// Error is returned for every rejected credential. Callers test for it with
// errors.As; the Reason distinguishes the sentinel values below.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "auth: " + e.Reason + ": " + e.Err.Error()
	}
	return "auth: " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Reason == e.Reason
}

var (
	ErrInvalidToken = &Error{Reason: "invalid token"}
	ErrUserNotFound = &Error{Reason: "user not found"}
	ErrUnavailable  = &Error{Reason: "directory unavailable"}
	ErrNoFederation = &Error{Reason: "federated login disabled"}
)

const (
	subjectCachePrefix = "fedsub:"
	subjectCacheTTL    = 10 * time.Minute
)

// Directory resolves verified credentials to users. db.Store satisfies it.
type Directory interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByExternalSubject(ctx context.Context, subject string) (*models.User, error)
}

// FederatedVerifier checks a token issued by an external identity provider
// and returns the provider's subject id.
type FederatedVerifier interface {
	VerifyFederatedToken(ctx context.Context, token string) (string, error)
}

// Verifier turns a bearer token into an Identity. Locally issued tokens are
// tried first, then the federated provider when one is configured.
type Verifier struct {
	local     *TokenIssuer
	federated FederatedVerifier
	users     Directory
	cache     cache.Cache
	log       zerolog.Logger
}

// NewVerifier builds a Verifier. federated and c may be nil.
func NewVerifier(local *TokenIssuer, federated FederatedVerifier, users Directory, c cache.Cache, log zerolog.Logger) *Verifier {
	return &Verifier{
		local:     local,
		federated: federated,
		users:     users,
		cache:     c,
		log:       log.With().Str("component", "auth").Logger(),
	}
}

func (v *Verifier) Verify(ctx context.Context, token string) (*models.Identity, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	claims, localErr := v.local.VerifyLocalToken(token)
	if localErr == nil {
		u, err := v.users.GetUserByID(ctx, claims.UserID)
		if err != nil {
			return nil, v.lookupError(err)
		}
		id := u.Identity()
		return &id, nil
	}
	v.log.Debug().Err(localErr).Msg("local token rejected")

	if v.federated == nil {
		return nil, ErrInvalidToken
	}

	subject, err := v.federated.VerifyFederatedToken(ctx, token)
	if err != nil {
		v.log.Debug().Err(err).Msg("federated token rejected")
		return nil, ErrInvalidToken
	}

	u, err := v.userForSubject(ctx, subject)
	if err != nil {
		return nil, v.lookupError(err)
	}
	id := u.Identity()
	return &id, nil
}

// VerifyFederated checks token with the federated provider only and returns
// its subject. Used to link a provider account to an existing user.
func (v *Verifier) VerifyFederated(ctx context.Context, token string) (string, error) {
	if v.federated == nil {
		return "", ErrNoFederation
	}
	subject, err := v.federated.VerifyFederatedToken(ctx, token)
	if err != nil {
		v.log.Debug().Err(err).Msg("federated token rejected")
		return "", ErrInvalidToken
	}
	return subject, nil
}

func (v *Verifier) userForSubject(ctx context.Context, subject string) (*models.User, error) {
	key := subjectCachePrefix + subject

	if v.cache != nil {
		userID, err := v.cache.Get(ctx, key)
		switch {
		case err == nil:
			u, err := v.users.GetUserByID(ctx, userID)
			if err == nil && u.ExternalSubject == subject {
				return u, nil
			}
			// Stale entry, the user was removed or relinked.
			v.ForgetSubjects(ctx, subject)
		case !errors.Is(err, cache.ErrMiss):
			v.log.Debug().Err(err).Msg("subject cache get failed")
		}
	}

	u, err := v.users.GetUserByExternalSubject(ctx, subject)
	if err != nil {
		return nil, err
	}

	if v.cache != nil {
		if err := v.cache.Set(ctx, key, u.ID, subjectCacheTTL); err != nil {
			v.log.Debug().Err(err).Msg("subject cache set failed")
		}
	}
	return u, nil
}

// ForgetSubjects drops cached subject lookups. Call it after a user's
// federated link changes.
func (v *Verifier) ForgetSubjects(ctx context.Context, subjects ...string) {
	if v.cache == nil {
		return
	}
	keys := make([]string, 0, len(subjects))
	for _, subject := range subjects {
		if subject != "" {
			keys = append(keys, subjectCachePrefix+subject)
		}
	}
	if len(keys) == 0 {
		return
	}
	if _, err := v.cache.Del(ctx, keys...); err != nil {
		v.log.Debug().Err(err).Msg("subject cache del failed")
	}
}

func (v *Verifier) lookupError(err error) error {
	if errors.Is(err, db.ErrNoRows) {
		return ErrUserNotFound
	}
	v.log.Error().Err(err).Msg("user lookup failed")
	return &Error{Reason: ErrUnavailable.Reason, Err: err}
}
