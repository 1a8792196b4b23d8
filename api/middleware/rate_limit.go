package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/compliance-ledger/api/responses"
	pkgerrors "github.com/angelmondragon/compliance-ledger/pkg/errors"
	"github.com/angelmondragon/compliance-ledger/pkg/logger"
)

type rateLimiterStore interface {
	IncrWithTTL(context.Context, string, time.Duration) (int64, error)
	RateLimitKey(scope string) string
}

// RateLimitPolicy throttles one traffic surface per client IP and per chain.
type RateLimitPolicy struct {
	name       string
	window     time.Duration
	ipLimit    int
	chainLimit int
}

// NewRateLimitPolicy builds a policy with the supplied window and limits.
// A zero limit disables that dimension.
func NewRateLimitPolicy(name string, window time.Duration, ipLimit, chainLimit int) RateLimitPolicy {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = "api"
	}
	return RateLimitPolicy{name: name, window: window, ipLimit: ipLimit, chainLimit: chainLimit}
}

func (p RateLimitPolicy) enabled() bool {
	return p.window > 0 && (p.ipLimit > 0 || p.chainLimit > 0)
}

// budget is one counted dimension of a request.
type budget struct {
	kind  string
	value string
	limit int64
}

func (p RateLimitPolicy) budgets(r *http.Request) []budget {
	var out []budget
	if ip := clientIP(r); p.ipLimit > 0 && ip != "" {
		out = append(out, budget{kind: "ip", value: ip, limit: int64(p.ipLimit)})
	}
	if chainID := chi.URLParam(r, "chainId"); p.chainLimit > 0 && chainID != "" {
		out = append(out, budget{kind: "chain", value: chainID, limit: int64(p.chainLimit)})
	}
	return out
}

// RateLimit enforces fixed-window counters kept in redis. Counter failures
// are reported as DEPENDENCY_ERROR rather than silently admitting traffic.
// Admitted responses carry the tightest remaining budget in X-RateLimit-*.
func RateLimit(policy RateLimitPolicy, store rateLimiterStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !policy.enabled() || store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			remaining, limit := int64(-1), int64(0)
			for _, b := range policy.budgets(r) {
				key := store.RateLimitKey(policy.name + ":" + b.kind + ":" + b.value)
				count, err := store.IncrWithTTL(ctx, key, policy.window)
				if err != nil {
					responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rate limiting"))
					return
				}
				if count > b.limit {
					policy.reject(ctx, logg, w, b, count)
					return
				}
				if left := b.limit - count; remaining < 0 || left < remaining {
					remaining, limit = left, b.limit
				}
			}
			if remaining >= 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
				w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (p RateLimitPolicy) reject(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, b budget, count int64) {
	seconds := max(int(p.window.Seconds()), 1)
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(b.limit, 10))
	w.Header().Set("X-RateLimit-Remaining", "0")
	if logg != nil {
		logg.Warn(logg.WithFields(ctx, map[string]any{
			"policy":         p.name,
			"scope":          b.kind,
			"scope_value":    b.value,
			"attempts":       count,
			"limit":          b.limit,
			"window_seconds": seconds,
		}), "rate_limit.blocked")
	}
	responses.WriteError(ctx, nil, w, pkgerrors.New(pkgerrors.CodeRateLimit, "rate limit exceeded"))
}

// clientIP prefers the first parseable X-Forwarded-For hop, then X-Real-IP,
// then the connection address.
func clientIP(r *http.Request) string {
	for part := range strings.SplitSeq(r.Header.Get("X-Forwarded-For"), ",") {
		if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil {
			return ip.String()
		}
	}
	if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
		return ip.String()
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
