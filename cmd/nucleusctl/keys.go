package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nucleus-ops/nucleus/internal/auth"
	"github.com/nucleus-ops/nucleus/internal/model"
	"github.com/nucleus-ops/nucleus/internal/storage"
)

func runToken(args []string) error {
	var privPath, pubPath, tenant, client string
	var ttl time.Duration
	fs := newFlagSet("token", nil)
	fs.StringVar(&privPath, "private-key", os.Getenv("NUCLEUS_JWT_PRIVATE_KEY"), "Ed25519 private key PEM")
	fs.StringVar(&pubPath, "public-key", os.Getenv("NUCLEUS_JWT_PUBLIC_KEY"), "Ed25519 public key PEM")
	fs.StringVar(&tenant, "tenant", "", "tenant the session is bound to")
	fs.StringVar(&client, "client", "nucleusctl", "client id recorded on runs")
	fs.DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: nucleusctl token [flags] <subject>")
	}
	// An ephemeral key would mint a token no server accepts.
	if privPath == "" || pubPath == "" {
		return fmt.Errorf("--private-key and --public-key are required")
	}

	mgr, err := auth.NewJWTManager(privPath, pubPath, ttl)
	if err != nil {
		return err
	}
	token, exp, err := mgr.IssueSession(fs.Arg(0), tenant, client)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"token": token, "expires_at": exp})
}

func runAPIKey(args []string) error {
	var dsn, tenant, label, createdBy string
	var ttl time.Duration
	fs := newFlagSet("apikey", nil)
	fs.StringVar(&dsn, "database-url", os.Getenv("DATABASE_URL"), "Postgres URL")
	fs.StringVar(&tenant, "tenant", "", "tenant the key is bound to")
	fs.StringVar(&label, "label", "", "human-readable label")
	fs.StringVar(&createdBy, "created-by", os.Getenv("USER"), "operator recorded on the key")
	fs.DurationVar(&ttl, "ttl", 0, "expire the key after this long; 0 never expires")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if tenant == "" {
		return fmt.Errorf("--tenant is required")
	}
	if err := model.ValidateKeyLabel(label); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := storage.New(ctx, dsn, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	raw, prefix, err := model.GenerateRawKey()
	if err != nil {
		return err
	}
	hash, err := auth.HashAPIKey(raw)
	if err != nil {
		return err
	}
	key := model.APIKey{
		Prefix:    prefix,
		KeyHash:   hash,
		TenantID:  tenant,
		Label:     label,
		CreatedBy: createdBy,
	}
	if ttl > 0 {
		exp := time.Now().UTC().Add(ttl)
		key.ExpiresAt = &exp
	}
	created, err := db.CreateAPIKey(ctx, key)
	if err != nil {
		return err
	}
	return printJSON(model.APIKeyWithRawKey{APIKey: created, RawKey: raw})
}

// runKeygen writes a persistent Ed25519 pair for session tokens. Without one
// the server signs with an ephemeral key and every restart logs users out.
func runKeygen(args []string) error {
	var dir string
	fs := newFlagSet("keygen", nil)
	fs.StringVar(&dir, "dir", "data", "output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	privPath := filepath.Join(dir, "jwt_private.pem")
	pubPath := filepath.Join(dir, "jwt_public.pem")

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	for _, path := range []string{privPath, pubPath} {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists; delete it first to rotate keys", path)
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	if err := writePEM(privPath, "PRIVATE KEY", privDER); err != nil {
		return err
	}
	if err := writePEM(pubPath, "PUBLIC KEY", pubDER); err != nil {
		return err
	}
	fmt.Printf("NUCLEUS_JWT_PRIVATE_KEY=%s\nNUCLEUS_JWT_PUBLIC_KEY=%s\n", privPath, pubPath)
	return nil
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
