package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nucleus-ops/nucleus/internal/model"
	"github.com/nucleus-ops/nucleus/internal/telemetry"
)

// KeyFunc extracts the rate limit key from a request. An empty key skips
// limiting.
type KeyFunc func(r *http.Request) string

// RequestIDFunc extracts the request ID for the error envelope.
type RequestIDFunc func(r *http.Request) string

var rejected, _ = telemetry.Meter("nucleus/ratelimit").Int64Counter("nucleus.ratelimit.rejected",
	metric.WithDescription("Trigger requests rejected by the rate limiter"))

// Middleware rejects requests over the limit with 429 before any run is
// created. A limiter error lets the request through; losing Redis must not
// stop operators from triggering runs.
func Middleware(limiter Limiter, keyFunc KeyFunc, reqIDFunc RequestIDFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			switch ok, err := limiter.Allow(r.Context(), key); {
			case err != nil:
				logger.Warn("ratelimit: limiter error, allowing request", "error", err, "path", r.URL.Path)
				next.ServeHTTP(w, r)
			case !ok:
				rejected.Add(r.Context(), 1, metric.WithAttributes(attribute.String("http.route", r.Pattern)))
				var requestID string
				if reqIDFunc != nil {
					requestID = reqIDFunc(r)
				}
				logger.Info("ratelimit: rejected", "path", r.URL.Path, "request_id", requestID)
				w.Header().Set("Retry-After", "1")
				writeRateLimited(w, requestID)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func writeRateLimited(w http.ResponseWriter, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{Code: model.ErrCodeRateLimited, Message: "too many requests"},
		Meta:  model.ResponseMeta{RequestID: requestID, Timestamp: time.Now().UTC()},
	})
}

// IPKeyFunc keys on the RemoteAddr host. X-Forwarded-For is not trusted;
// webhook senders share no other stable identity before verification.
func IPKeyFunc(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return "ip:" + host
}
