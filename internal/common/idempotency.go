package common

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// IdempotencyHeader carries the client-chosen key on issuance requests.
const IdempotencyHeader = "Idempotency-Key"

// Idem guards issuance endpoints against double submits. The first request
// with a key claims it in Redis for TTL; repeats get 409 until it expires.
// A claim whose request ended in a 5xx is released so the client can retry.
type Idem struct {
	R   *redis.Client
	TTL time.Duration
}

// idemKey scopes the client key to method and path and hashes it, so
// arbitrary header content never ends up in a Redis key.
func idemKey(r *http.Request, key string) string {
	sum := sha256.Sum256([]byte(r.Method + " " + r.URL.Path + " " + key))
	return "idem:" + hex.EncodeToString(sum[:])
}

func (i Idem) Middleware(next http.Handler) http.Handler {
	if i.R == nil {
		return next
	}
	ttl := i.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(IdempotencyHeader)
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := idemKey(r, header)
		claimed, err := i.R.SetNX(r.Context(), key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
		if err != nil {
			JSONError(w, http.StatusServiceUnavailable, "IDEMPOTENCY_UNAVAILABLE", "idempotency store error", nil)
			return
		}
		if !claimed {
			JSONError(w, http.StatusConflict, "IDEMPOTENT_REPLAY", "a request with this Idempotency-Key was already accepted", nil)
			return
		}

		rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		completed := false
		defer func() {
			if !completed || rec.status >= http.StatusInternalServerError {
				_ = i.R.Del(context.WithoutCancel(r.Context()), key).Err()
			}
		}()
		next.ServeHTTP(rec, r)
		completed = true
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusWriter) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status, s.wroteHeader = code, true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusWriter) Unwrap() http.ResponseWriter { return s.ResponseWriter }
