package common_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/mealpass/internal/common"
)

type errorEnvelope struct {
	Error common.ErrorBody `json:"error"`
}

func TestWriteErrorUsesKind(t *testing.T) {
	base := errors.New("voucher already used")
	appErr := common.NewAppError("VOUCHER_ALREADY_USED", common.KindConflict, "voucher already used", base).
		WithDetails(map[string]string{"redeemed_at": "2026-01-05T08:00:00Z"})
	require.ErrorIs(t, appErr, base)
	require.True(t, common.IsAppError(appErr))

	rec := httptest.NewRecorder()
	common.WriteError(rec, appErr)
	require.Equal(t, http.StatusConflict, rec.Code)
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, "VOUCHER_ALREADY_USED", env.Error.Code)
	require.Equal(t, common.KindConflict, env.Error.Kind)

	rec = httptest.NewRecorder()
	common.WriteError(rec, errors.New("boom"))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), `"INTERNAL"`)
}

func TestJSONErrorDerivesKindFromStatus(t *testing.T) {
	cases := map[int]common.Kind{
		http.StatusBadRequest:          common.KindValidation,
		http.StatusNotFound:            common.KindNotFound,
		http.StatusConflict:            common.KindConflict,
		http.StatusServiceUnavailable:  common.KindDependency,
		http.StatusInternalServerError: common.KindInternal,
	}
	for status, kind := range cases {
		rec := httptest.NewRecorder()
		common.JSONError(rec, status, "X", "x", nil)
		var env errorEnvelope
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
		require.Equal(t, kind, env.Error.Kind, "status %d", status)
		require.Equal(t, kind.Status(), status)
	}
}

func TestPagination(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/guests?page=3&limit=500", nil)
	page, perPage := common.ParsePagination(req, 50, 200)
	require.Equal(t, 3, page)
	require.Equal(t, 200, perPage)

	req = httptest.NewRequest(http.MethodGet, "/guests?page=-1&limit=abc", nil)
	page, perPage = common.ParsePagination(req, 50, 200)
	require.Equal(t, 1, page)
	require.Equal(t, 50, perPage)

	start, end := common.PageBounds(2, 10, 15)
	require.Equal(t, 10, start)
	require.Equal(t, 15, end)
	start, end = common.PageBounds(5, 10, 15)
	require.Equal(t, 15, start)
	require.Equal(t, 15, end)
	start, end = common.PageBounds(1, 0, 15)
	require.Equal(t, 0, start)
	require.Equal(t, 15, end)
}

func TestIdempotencyRejectsReplay(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	calls := 0
	h := common.Idem{R: client, TTL: time.Minute}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))
	send := func(key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/guests/g1/vouchers", nil)
		if key != "" {
			req.Header.Set("Idempotency-Key", key)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusCreated, send("abc").Code)
	replay := send("abc")
	require.Equal(t, http.StatusConflict, replay.Code)
	require.Contains(t, replay.Body.String(), "IDEMPOTENT_REPLAY")
	require.Equal(t, http.StatusCreated, send("").Code)
	require.Equal(t, 2, calls)

	mr.FastForward(2 * time.Minute)
	require.Equal(t, http.StatusCreated, send("abc").Code)
}

func TestInMemoryEmail(t *testing.T) {
	outbox := &common.InMemoryEmail{}
	require.NoError(t, outbox.Send(context.Background(), common.Email{To: "a@example.com"}))
	require.Len(t, outbox.Sent(), 1)
}

func TestIdempotencyReleasesKeyAfterServerError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	status := http.StatusServiceUnavailable
	h := common.Idem{R: client, TTL: time.Minute}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/vouchers/issue-bulk", nil)
		req.Header.Set(common.IdempotencyHeader, "run-1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusServiceUnavailable, send())
	require.Empty(t, mr.Keys())

	status = http.StatusOK
	require.Equal(t, http.StatusOK, send())
	require.Len(t, mr.Keys(), 1)
	require.Equal(t, http.StatusConflict, send())
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		name   string
		remote string
		xff    string
		realIP string
		want   string
	}{
		{name: "remote addr", remote: "10.1.2.3:4567", want: "10.1.2.3"},
		{name: "real ip", remote: "10.1.2.3:4567", realIP: "192.0.2.9", want: "192.0.2.9"},
		{name: "first forwarded", remote: "192.0.2.1:1234", xff: "203.0.113.9, 10.0.0.1", want: "203.0.113.9"},
		{name: "skips junk forwarded", remote: "10.1.2.3:4567", xff: "unknown, 198.51.100.4, 10.0.0.1", realIP: "192.0.2.9", want: "198.51.100.4"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			require.Equal(t, tc.want, common.ClientIP(req))
		})
	}
}

func TestQueryInt(t *testing.T) {
	q := url.Values{"size": {"5000"}, "days": {"x"}, "limit": {"-3"}}
	require.Equal(t, 1024, common.QueryInt(q, "size", 256, 64, 1024))
	require.Equal(t, 7, common.QueryInt(q, "days", 7, 0, 366))
	require.Equal(t, 1, common.QueryInt(q, "limit", 50, 1, 200))
	require.Equal(t, 50, common.QueryInt(q, "missing", 50, 1, 200))
}
