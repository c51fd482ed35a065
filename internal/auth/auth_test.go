package auth_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus-ops/nucleus/internal/auth"
	"github.com/nucleus-ops/nucleus/internal/model"
)

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, err := auth.HashAPIKey("test-key-123")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	valid, err := auth.VerifyAPIKey("test-key-123", hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = auth.VerifyAPIKey("wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestVerifyAPIKey_MalformedHash(t *testing.T) {
	_, err := auth.VerifyAPIKey("k", "not-a-hash")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid hash format")
}

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, expiresAt, err := mgr.IssueSession("user-1", "acme", "web")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "acme", claims.TenantID)
	assert.Equal(t, "web", claims.ClientID)
}

func TestIssueSession_RequiresTenant(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	_, _, err = mgr.IssueSession("user-1", "", "")
	require.Error(t, err)
}

// newTestJWTManagerWithKey creates a JWTManager backed by a real Ed25519 key pair
// written to temp PEM files, and returns the raw private key for forging tokens.
func newTestJWTManagerWithKey(t *testing.T) (*auth.JWTManager, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	dir := t.TempDir()

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPath := filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}), 0600))

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0600))

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)
	return mgr, priv
}

func forgeToken(t *testing.T, privKey ed25519.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(privKey)
	require.NoError(t, err)
	return signed
}

func claimsWith(issuer, subject, tenant string) *auth.Claims {
	now := time.Now().UTC()
	return &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{"nucleus"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        uuid.New().String(),
		},
		TenantID: tenant,
	}
}

func TestValidateToken_WrongIssuer(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	_, err := mgr.ValidateToken(forgeToken(t, privKey, claimsWith("not-nucleus", "u", "acme")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid issuer")
}

func TestValidateToken_MissingTenant(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	_, err := mgr.ValidateToken(forgeToken(t, privKey, claimsWith("nucleus", "u", "")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing tenant")
}

func TestValidateToken_SignedByOtherKey(t *testing.T) {
	mgr, _ := newTestJWTManagerWithKey(t)
	_, other, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, err = mgr.ValidateToken(forgeToken(t, other, claimsWith("nucleus", "u", "acme")))
	require.Error(t, err)
}

func TestValidateToken_Expired(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	c := claimsWith("nucleus", "u", "acme")
	c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	_, err := mgr.ValidateToken(forgeToken(t, privKey, c))
	require.Error(t, err)
}

func TestNewJWTManager_MismatchedKeys(t *testing.T) {
	dir := t.TempDir()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	pubBytes, err := x509.MarshalPKIXPublicKey(otherPub)
	require.NoError(t, err)
	privPath := filepath.Join(dir, "priv.pem")
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}), 0600))
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0600))

	_, err = auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

// ---- Authenticator ---------------------------------------------------------

type fakeKeyStore struct {
	mu      sync.Mutex
	keys    []model.APIKey
	touched []uuid.UUID
	err     error
}

func (f *fakeKeyStore) GetAPIKeysByPrefix(_ context.Context, prefix string) ([]model.APIKey, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []model.APIKey
	for _, k := range f.keys {
		if k.Prefix == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *fakeKeyStore) TouchAPIKey(_ context.Context, id uuid.UUID, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, id)
	return nil
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newManagedKey(t *testing.T, tenant string) (model.APIKey, string) {
	t.Helper()
	raw, prefix, err := model.GenerateRawKey()
	require.NoError(t, err)
	hash, err := auth.HashAPIKey(raw)
	require.NoError(t, err)
	return model.APIKey{ID: uuid.New(), Prefix: prefix, KeyHash: hash, TenantID: tenant}, raw
}

func TestAuthenticate_NoCredentials(t *testing.T) {
	a := auth.NewAuthenticator(nil, "", nil, discardLogger())
	_, err := a.Authenticate(context.Background(), auth.Credentials{})
	assert.ErrorIs(t, err, auth.ErrNoCredentials)
}

func TestAuthenticate_Session(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	token, _, err := mgr.IssueSession("user-7", "acme", "")
	require.NoError(t, err)

	a := auth.NewAuthenticator(mgr, "", nil, discardLogger())

	p, err := a.Authenticate(context.Background(), auth.Credentials{SessionToken: token})
	require.NoError(t, err)
	assert.Equal(t, "acme", p.TenantID)
	assert.Equal(t, model.AuthMethodSession, p.Method)

	p, err = a.Authenticate(context.Background(), auth.Credentials{BearerToken: token})
	require.NoError(t, err)
	assert.Equal(t, "user-7", p.Subject)

	_, err = a.Authenticate(context.Background(), auth.Credentials{SessionToken: token + "x"})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestAuthenticate_StaticKey(t *testing.T) {
	a := auth.NewAuthenticator(nil, "s3cret-static", nil, discardLogger())

	p, err := a.Authenticate(context.Background(), auth.Credentials{APIKey: "s3cret-static"})
	require.NoError(t, err)
	assert.Equal(t, model.AuthMethodAPIKey, p.Method)
	assert.Empty(t, p.TenantID, "static key is not bound to a tenant")

	p, err = a.Authenticate(context.Background(), auth.Credentials{BearerToken: "s3cret-static"})
	require.NoError(t, err)
	assert.Equal(t, model.AuthMethodAPIKey, p.Method)

	_, err = a.Authenticate(context.Background(), auth.Credentials{APIKey: "wrong"})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestAuthenticate_ManagedKey(t *testing.T) {
	key, raw := newManagedKey(t, "acme")
	store := &fakeKeyStore{keys: []model.APIKey{key}}
	a := auth.NewAuthenticator(nil, "", store, discardLogger())

	p, err := a.Authenticate(context.Background(), auth.Credentials{APIKey: raw})
	require.NoError(t, err)
	assert.Equal(t, "acme", p.TenantID)
	require.NotNil(t, p.APIKeyID)
	assert.Equal(t, key.ID, *p.APIKeyID)
	assert.Equal(t, []uuid.UUID{key.ID}, store.touched)

	p, err = a.Authenticate(context.Background(), auth.Credentials{BearerToken: raw})
	require.NoError(t, err)
	assert.Equal(t, "acme", p.TenantID)
}

func TestAuthenticate_ManagedKeyRevokedOrWrong(t *testing.T) {
	key, raw := newManagedKey(t, "acme")
	revoked := time.Now().Add(-time.Hour)
	key.RevokedAt = &revoked
	a := auth.NewAuthenticator(nil, "", &fakeKeyStore{keys: []model.APIKey{key}}, discardLogger())

	_, err := a.Authenticate(context.Background(), auth.Credentials{APIKey: raw})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	_, err = a.Authenticate(context.Background(), auth.Credentials{APIKey: "nk_deadbeef_00000000000000000000000000000000"})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestAuthenticate_StoreErrorIsNotInvalidCredentials(t *testing.T) {
	_, raw := newManagedKey(t, "acme")
	a := auth.NewAuthenticator(nil, "", &fakeKeyStore{err: errors.New("db down")}, discardLogger())

	_, err := a.Authenticate(context.Background(), auth.Credentials{APIKey: raw})
	require.Error(t, err)
	assert.NotErrorIs(t, err, auth.ErrInvalidCredentials)
}
