package directory_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/mealpass/internal/directory"
	"github.com/noah-isme/mealpass/internal/voucher"
)

func TestListGuestsHandler(t *testing.T) {
	h := &directory.Handler{Directory: directory.NewStatic(
		voucher.Guest{ID: "a", Active: true},
		voucher.Guest{ID: "b", Active: true},
		voucher.Guest{ID: "c", Active: false},
	)}

	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/v1/guests?active=true&limit=1&page=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data       []voucher.Guest `json:"data"`
		Pagination struct {
			Page       int `json:"page"`
			PerPage    int `json:"per_page"`
			TotalItems int `json:"total_items"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	require.Equal(t, "b", body.Data[0].ID)
	require.Equal(t, 2, body.Pagination.TotalItems)

	rec = httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/v1/guests?page=9", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"data":[]`)
}

func TestListGuestsHandlerDirectoryDown(t *testing.T) {
	h := &directory.Handler{Directory: &countingDirectory{Directory: directory.NewStatic(), err: errors.New("down")}}
	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/v1/guests", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "DIRECTORY_UNAVAILABLE")
}
