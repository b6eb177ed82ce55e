package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/noah-isme/mealpass/internal/common"
	"github.com/noah-isme/mealpass/internal/obs"
)

// Allower decides whether one more event for key fits in the window.
type Allower interface {
	Allow(ctx context.Context, key string, window time.Duration, max int) (allowed bool, remaining int, reset time.Time, err error)
}

// Config picks the bucket for a request and its budget per window.
type Config struct {
	Key    func(*http.Request) string
	Window time.Duration
	Max    int
}

// Handler answers 429 once a bucket is spent. Limiter failures are reported
// to OnError and the request goes through; scanning must not stop because
// Redis hiccuped.
type Handler struct {
	Limiter Allower
	Config  Config
	OnError func(error)
}

func (h Handler) Middleware(next http.Handler) http.Handler {
	if h.Limiter == nil || h.Config.Key == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, remaining, resetAt, err := h.Limiter.Allow(r.Context(), h.Config.Key(r), h.Config.Window, h.Config.Max)
		if err != nil {
			if h.OnError != nil {
				h.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}

		hdr := w.Header()
		hdr.Set("X-RateLimit-Limit", strconv.Itoa(max(h.Config.Max, 0)))
		hdr.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		hdr.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
		if allowed {
			next.ServeHTTP(w, r)
			return
		}

		wait := int(math.Ceil(time.Until(resetAt).Seconds()))
		hdr.Set("Retry-After", strconv.Itoa(max(wait, 1)))
		common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many scans from this station, retry shortly", nil)
	})
}

// ByStation keys requests by scanning station, falling back to the client IP.
func ByStation(prefix string) func(*http.Request) string {
	return func(r *http.Request) string {
		if station := strings.TrimSpace(r.Header.Get(obs.StationHeader)); station != "" {
			return prefix + "station:" + station
		}
		return prefix + "ip:" + common.ClientIP(r)
	}
}
