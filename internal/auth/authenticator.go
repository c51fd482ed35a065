package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nucleus-ops/nucleus/internal/model"
)

var (
	// ErrNoCredentials means the request carried no credential at all.
	ErrNoCredentials = errors.New("auth: no credentials")
	// ErrInvalidCredentials means a credential was present but did not validate.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// Credentials are the raw credential values extracted from a request.
// At most one is consulted, in field order.
type Credentials struct {
	SessionToken string // session cookie
	BearerToken  string // Authorization: Bearer, either a JWT or an API key
	APIKey       string // X-API-Key header
}

// Empty reports whether no credential was supplied.
func (c Credentials) Empty() bool {
	return c.SessionToken == "" && c.BearerToken == "" && c.APIKey == ""
}

// APIKeyStore looks up managed API keys by their public prefix.
type APIKeyStore interface {
	GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]model.APIKey, error)
	TouchAPIKey(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Authenticator resolves request credentials to a principal.
type Authenticator struct {
	jwt       *JWTManager
	staticKey []byte // sha256 of the process-wide key; nil when disabled
	keys      APIKeyStore
	logger    *slog.Logger
}

// NewAuthenticator builds an Authenticator. staticKey and keys are optional.
func NewAuthenticator(jwtMgr *JWTManager, staticKey string, keys APIKeyStore, logger *slog.Logger) *Authenticator {
	a := &Authenticator{jwt: jwtMgr, keys: keys, logger: logger}
	if staticKey != "" {
		sum := sha256.Sum256([]byte(staticKey))
		a.staticKey = sum[:]
	}
	return a
}

// Authenticate validates the first present credential. It returns
// ErrNoCredentials when none is present and ErrInvalidCredentials when the
// credential does not validate.
func (a *Authenticator) Authenticate(ctx context.Context, creds Credentials) (model.Principal, error) {
	switch {
	case creds.SessionToken != "":
		return a.session(creds.SessionToken)
	case creds.BearerToken != "":
		if model.LooksLikeAPIKey(creds.BearerToken) || a.matchesStatic(creds.BearerToken) {
			return a.apiKey(ctx, creds.BearerToken)
		}
		return a.session(creds.BearerToken)
	case creds.APIKey != "":
		return a.apiKey(ctx, creds.APIKey)
	}
	return model.Principal{}, ErrNoCredentials
}

func (a *Authenticator) session(token string) (model.Principal, error) {
	if a.jwt == nil {
		return model.Principal{}, ErrInvalidCredentials
	}
	claims, err := a.jwt.ValidateToken(token)
	if err != nil {
		a.logger.Debug("auth: session rejected", "error", err)
		return model.Principal{}, ErrInvalidCredentials
	}
	return model.Principal{
		Subject:  claims.Subject,
		TenantID: claims.TenantID,
		Method:   model.AuthMethodSession,
	}, nil
}

func (a *Authenticator) apiKey(ctx context.Context, raw string) (model.Principal, error) {
	if a.matchesStatic(raw) {
		return model.Principal{Subject: "api-key:static", Method: model.AuthMethodAPIKey}, nil
	}

	prefix, err := model.ParseRawKey(raw)
	if err != nil || a.keys == nil {
		DummyVerify()
		return model.Principal{}, ErrInvalidCredentials
	}

	candidates, err := a.keys.GetAPIKeysByPrefix(ctx, prefix)
	if err != nil {
		return model.Principal{}, fmt.Errorf("auth: lookup api key: %w", err)
	}
	now := time.Now().UTC()
	verified := false
	for _, k := range candidates {
		ok, err := VerifyAPIKey(raw, k.KeyHash)
		verified = true
		if err != nil {
			a.logger.Warn("auth: malformed api key hash", "key_id", k.ID, "error", err)
			continue
		}
		if !ok || !k.Usable(now) {
			continue
		}
		if err := a.keys.TouchAPIKey(ctx, k.ID, now); err != nil {
			a.logger.Warn("auth: update api key last_used_at", "key_id", k.ID, "error", err)
		}
		id := k.ID
		return model.Principal{
			Subject:  "api-key:" + k.Prefix,
			TenantID: k.TenantID,
			Method:   model.AuthMethodAPIKey,
			APIKeyID: &id,
		}, nil
	}
	if !verified {
		DummyVerify()
	}
	return model.Principal{}, ErrInvalidCredentials
}

func (a *Authenticator) matchesStatic(raw string) bool {
	if a.staticKey == nil {
		return false
	}
	sum := sha256.Sum256([]byte(raw))
	return subtle.ConstantTimeCompare(sum[:], a.staticKey) == 1
}
