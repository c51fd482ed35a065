package webhook

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrSecretNotFound is returned by a SecretStore with no secret for a tenant.
var ErrSecretNotFound = errors.New("webhook: secret not found")

// SecretStore resolves a tenant's webhook signing secret.
type SecretStore interface {
	GetWebhookSecret(ctx context.Context, tenantID string) (string, error)
}

// MetricsSink receives verification outcomes.
type MetricsSink interface {
	WebhookRejected(reason string)
}

type noopSink struct{}

func (noopSink) WebhookRejected(string) {}

// Verifier checks deliveries against a tenant secret, falling back to a
// process-wide secret.
type Verifier struct {
	store    SecretStore
	fallback string
	maxSkew  time.Duration
	now      func() time.Time
	logger   *slog.Logger
	metrics  MetricsSink
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithMaxSkew overrides the replay window.
func WithMaxSkew(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.maxSkew = d
		}
	}
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m MetricsSink) Option {
	return func(v *Verifier) {
		if m != nil {
			v.metrics = m
		}
	}
}

// NewVerifier builds a Verifier. store may be nil.
func NewVerifier(store SecretStore, fallbackSecret string, logger *slog.Logger, opts ...Option) *Verifier {
	v := &Verifier{
		store:    store,
		fallback: fallbackSecret,
		maxSkew:  MaxSkew,
		now:      time.Now,
		logger:   logger,
		metrics:  noopSink{},
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Verify reports whether a delivery for tenantID is authentic. false always
// means reject.
func (v *Verifier) Verify(ctx context.Context, tenantID string, body []byte, timestamp, signature string) bool {
	secret := v.resolveSecret(ctx, tenantID)
	if secret == "" {
		v.logger.Error("webhook: no signing secret configured", "tenant_id", tenantID)
		v.metrics.WebhookRejected("no_secret")
		return false
	}
	if !verifyWithSkew(body, timestamp, signature, secret, v.now(), v.maxSkew) {
		v.logger.Warn("webhook: signature rejected", "tenant_id", tenantID)
		v.metrics.WebhookRejected("bad_signature")
		return false
	}
	return true
}

func (v *Verifier) resolveSecret(ctx context.Context, tenantID string) string {
	if v.store != nil && tenantID != "" {
		secret, err := v.store.GetWebhookSecret(ctx, tenantID)
		switch {
		case err == nil && secret != "":
			return secret
		case err != nil && !errors.Is(err, ErrSecretNotFound):
			v.logger.Warn("webhook: tenant secret lookup failed, using fallback",
				"tenant_id", tenantID, "error", err)
		}
	}
	return v.fallback
}
