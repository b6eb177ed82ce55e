package security

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBodyLimit(t *testing.T) {
	cases := []struct {
		name          string
		body          string
		declaredLen   int64
		wantStatus    int
		wantForwarded string
	}{
		{name: "within limit", body: `{"token":"a"}`, wantStatus: http.StatusOK, wantForwarded: `{"token":"a"}`},
		{name: "exactly at limit", body: strings.Repeat("x", 16), wantStatus: http.StatusOK, wantForwarded: strings.Repeat("x", 16)},
		{name: "streamed oversize", body: strings.Repeat("x", 17), declaredLen: -1, wantStatus: http.StatusRequestEntityTooLarge},
		{name: "declared oversize", body: "short", declaredLen: 1 << 20, wantStatus: http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var forwarded string
			handler := BodyLimit{Max: 16}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				data, err := io.ReadAll(r.Body)
				require.NoError(t, err)
				require.EqualValues(t, len(data), r.ContentLength)
				forwarded = string(data)
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/v1/vouchers/redeem", strings.NewReader(tc.body))
			if tc.declaredLen != 0 {
				req.ContentLength = tc.declaredLen
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			require.Equal(t, tc.wantStatus, rr.Code)
			require.Equal(t, tc.wantForwarded, forwarded)
			if tc.wantStatus == http.StatusRequestEntityTooLarge {
				require.Contains(t, rr.Body.String(), "PAYLOAD_TOO_LARGE")
			}
		})
	}
}

func TestBodyLimitDisabled(t *testing.T) {
	called := false
	handler := BodyLimit{}.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 4096))))
	require.True(t, called)
}
