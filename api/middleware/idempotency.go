package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/angelmondragon/compliance-ledger/api/responses"
	pkgerrors "github.com/angelmondragon/compliance-ledger/pkg/errors"
	"github.com/angelmondragon/compliance-ledger/pkg/logger"
	"github.com/angelmondragon/compliance-ledger/pkg/redis"
)

const (
	idempotencyHeader    = "Idempotency-Key"
	maxIdempotencyKeyLen = 128

	sealIdempotencyTTL   = 24 * time.Hour
	appendIdempotencyTTL = 7 * 24 * time.Hour
	// inFlightTTL bounds how long a crashed request can block its key.
	inFlightTTL = time.Minute
)

type idempotencyStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	IdempotencyKey(scope, id string) string
}

// idempotentRoute matches POST /api/v1/chains/{id}/<action>.
type idempotentRoute struct {
	action string
	ttl    time.Duration
}

var idempotentRoutes = []idempotentRoute{
	{action: "events", ttl: appendIdempotencyTTL},
	{action: "seal", ttl: sealIdempotencyTTL},
}

// storedResponse is what a replay writes back. A record without a status is
// a reservation held by a request that has not finished yet.
type storedResponse struct {
	Status      int    `json:"status,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Body        string `json:"body,omitempty"`
	RequestHash string `json:"request_hash"`
}

// Idempotency makes appends and seals safe to retry. The first request with
// a given Idempotency-Key reserves it, runs, and stores its settled
// response; later requests with the same key and body get that response
// back without touching the chain. A concurrent duplicate, or a reuse with a
// different body, is rejected with 409. Requests without the header pass
// straight through.
func Idempotency(store idempotencyStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ttl, ok := idempotencyTTL(r.Method, r.URL.Path)
			clientKey := strings.TrimSpace(r.Header.Get(idempotencyHeader))
			if !ok || store == nil || clientKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			if len(clientKey) > maxIdempotencyKeyLen {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key header too long"))
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			digest := sha256.Sum256(body)
			hash := base64.RawStdEncoding.EncodeToString(digest[:])
			key := store.IdempotencyKey(idempotencyScope(r), clientKey)

			reservation, _ := json.Marshal(storedResponse{RequestHash: hash})
			reserved, err := store.SetNX(ctx, key, string(reservation), inFlightTTL)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reserve idempotency key"))
				return
			}
			if !reserved {
				replay(ctx, logg, w, store, key, hash)
				return
			}

			rec := &responseCapture{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			// retryable outcomes free the key so the client can try again
			status := rec.statusCode()
			if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
				if err := store.Del(context.WithoutCancel(ctx), key); err != nil {
					logIdempotencyError(ctx, logg, "release idempotency key", err)
				}
				return
			}
			record, _ := json.Marshal(storedResponse{
				Status:      status,
				ContentType: rec.Header().Get("Content-Type"),
				Body:        base64.StdEncoding.EncodeToString(rec.body.Bytes()),
				RequestHash: hash,
			})
			if err := store.Set(context.WithoutCancel(ctx), key, string(record), ttl); err != nil {
				logIdempotencyError(ctx, logg, "persist idempotency record", err)
			}
		})
	}
}

func replay(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, store idempotencyStore, key, hash string) {
	raw, err := store.Get(ctx, key)
	if errors.Is(err, redis.ErrNil) {
		// the holder failed and released the key between our SETNX and GET
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConflict, "request with this Idempotency-Key is being retried, try again"))
		return
	}
	if err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read idempotency record"))
		return
	}
	var stored storedResponse
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode idempotency record"))
		return
	}
	switch {
	case stored.RequestHash != hash:
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key reused with different request body"))
	case stored.Status == 0:
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeIdempotency, "request with this Idempotency-Key is still in progress"))
	default:
		if stored.ContentType != "" {
			w.Header().Set("Content-Type", stored.ContentType)
		}
		w.Header().Set("Idempotent-Replayed", "true")
		w.WriteHeader(stored.Status)
		if body, err := base64.StdEncoding.DecodeString(stored.Body); err == nil {
			_, _ = w.Write(body)
		}
	}
}

// idempotencyScope keeps keys from colliding across callers and chains.
func idempotencyScope(r *http.Request) string {
	return strings.Join([]string{ActorFromContext(r.Context()), r.Method, r.URL.Path}, "|")
}

func idempotencyTTL(method, path string) (time.Duration, bool) {
	if method != http.MethodPost {
		return 0, false
	}
	rest, ok := strings.CutPrefix(path, "/api/v1/chains/")
	if !ok {
		return 0, false
	}
	chainID, action, ok := strings.Cut(rest, "/")
	if !ok || chainID == "" {
		return 0, false
	}
	for _, route := range idempotentRoutes {
		if action == route.action {
			return route.ttl, true
		}
	}
	return 0, false
}

type responseCapture struct {
	http.ResponseWriter
	body   bytes.Buffer
	status int
}

func (r *responseCapture) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseCapture) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *responseCapture) statusCode() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func logIdempotencyError(ctx context.Context, logg *logger.Logger, msg string, err error) {
	if logg != nil {
		logg.Error(ctx, msg, err)
	}
}
