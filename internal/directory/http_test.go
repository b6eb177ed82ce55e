package directory_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/mealpass/internal/directory"
	"github.com/noah-isme/mealpass/internal/resilience"
	"github.com/noah-isme/mealpass/internal/voucher"
)

func newRegistry(t *testing.T, listBody string) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/guests/{id}", func(w http.ResponseWriter, r *http.Request) {
		switch chi.URLParam(r, "id") {
		case "101":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":101,"name":" Ana Ruiz ","external_ref":"R-101","active":true}`))
		case "boom":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	})
	r.Get("/guests", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(listBody))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func newHTTPDirectory(srv *httptest.Server) directory.HTTP {
	return directory.HTTP{
		BaseURL: srv.URL + "/",
		Client: resilience.HTTPClient{
			Client:      directory.NewHTTPClient(2 * time.Second),
			BaseBackoff: time.Millisecond,
			MaxAttempts: 2,
		},
	}
}

func TestHTTPDirectoryGuest(t *testing.T) {
	srv := newRegistry(t, `[]`)
	dir := newHTTPDirectory(srv)
	ctx := context.Background()

	g, err := dir.Guest(ctx, "101")
	require.NoError(t, err)
	require.Equal(t, voucher.Guest{ID: "101", Name: "Ana Ruiz", ExternalRef: "R-101", Active: true}, g)

	_, err = dir.Guest(ctx, "999")
	require.ErrorIs(t, err, voucher.ErrGuestNotFound)

	_, err = dir.Guest(ctx, "boom")
	require.ErrorIs(t, err, resilience.ErrUpstreamStatus)
}

func TestHTTPDirectoryGuestsAcceptsEnvelopes(t *testing.T) {
	for name, body := range map[string]string{
		"array":    `[{"id":"1","name":"A","active":true},{"id":"2","name":"B","active":false},{"id":"3","name":"C"}]`,
		"envelope": `{"data":[{"id":"1","name":"A","active":true},{"id":"2","name":"B","active":false},{"id":"3","name":"C"}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			dir := newHTTPDirectory(newRegistry(t, body))
			active, err := dir.Guests(context.Background(), true)
			require.NoError(t, err)
			require.Len(t, active, 2)
			require.Equal(t, "3", active[1].ID)

			all, err := dir.Guests(context.Background(), false)
			require.NoError(t, err)
			require.Len(t, all, 3)
		})
	}
}

func TestHTTPDirectoryRejectsGarbage(t *testing.T) {
	dir := newHTTPDirectory(newRegistry(t, `"nope"`))
	_, err := dir.Guests(context.Background(), false)
	require.Error(t, err)
}
