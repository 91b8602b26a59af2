package apikey

import (
	"context"
	"net/http"
	"strconv"

	"github.com/smsgate/smsgate/internal/httputil"
)

type contextKey struct{}

// Verifier authenticates a presented credential and resolves its limit.
// Satisfied by *Service; narrowed to an interface for handler tests.
type Verifier interface {
	Verify(ctx context.Context, presented string) (*APIKey, error)
	EffectiveLimit(k *APIKey) int
}

// Middleware guards the submission endpoints with API key auth and the
// per-key hourly rate limit.
type Middleware struct {
	verifier Verifier
	limiter  *Limiter
}

// NewMiddleware creates the auth middleware.
func NewMiddleware(verifier Verifier, limiter *Limiter) *Middleware {
	return &Middleware{verifier: verifier, limiter: limiter}
}

// Authenticate wraps a handler with steps 1-5 of the auth flow:
// header extraction, prefix lookup + hash check, and the rate limit.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		values := r.Header.Values("X-API-Key")
		if len(values) == 0 || values[0] == "" {
			httputil.WriteError(w, http.StatusUnauthorized, "Missing API key")
			return
		}
		// Multiple credentials are ambiguous; refuse rather than pick one.
		if len(values) > 1 {
			httputil.WriteError(w, http.StatusUnauthorized, "Invalid API key")
			return
		}

		key, err := m.verifier.Verify(r.Context(), values[0])
		if err != nil {
			httputil.WriteError(w, http.StatusUnauthorized, "Invalid API key")
			return
		}

		limit := m.verifier.EffectiveLimit(key)
		allowed, remaining, reset := m.limiter.Allow(key.ID, limit)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))

		if !allowed {
			httputil.WriteError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}

		ctx := context.WithValue(r.Context(), contextKey{}, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext returns the authenticated key set by Authenticate.
func FromContext(ctx context.Context) (*APIKey, bool) {
	k, ok := ctx.Value(contextKey{}).(*APIKey)
	return k, ok
}
