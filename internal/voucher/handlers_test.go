package voucher_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/mealpass/internal/qrimage"
	"github.com/noah-isme/mealpass/internal/storage/memory"
	"github.com/noah-isme/mealpass/internal/voucher"
)

type fakeRenderer struct {
	sizes []int
}

func (f *fakeRenderer) PNG(content string, size int) ([]byte, error) {
	f.sizes = append(f.sizes, size)
	return []byte("\x89PNG" + content), nil
}

type fakeEnqueuer struct {
	err error
}

func (f fakeEnqueuer) EnqueueBulkIssue(context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "task-1", nil
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Kind    string         `json:"kind"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

type handlerFixture struct {
	handler  *voucher.Handler
	store    *memory.Store
	renderer *fakeRenderer
}

func newHandlerFixture() handlerFixture {
	store := memory.New()
	dir := &stubDirectory{guests: []voucher.Guest{
		{ID: "g1", Name: "Ana Ruiz", Active: true},
		{ID: "g2", Name: "Luis Paz", Active: false},
	}}
	clock := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	renderer := &fakeRenderer{}
	return handlerFixture{
		store:    store,
		renderer: renderer,
		handler: &voucher.Handler{
			Issuer:   newIssuer(store, dir),
			Redeemer: &voucher.Redeemer{Store: store, Now: func() time.Time { return clock }},
			Store:    store,
			Images:   renderer,
			Tasks:    fakeEnqueuer{},
			Validate: validator.New(),
		},
	}
}

func withParam(req *http.Request, key, value string) *http.Request {
	routeCtx := chi.NewRouteContext()
	routeCtx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func issueVia(t *testing.T, h *voucher.Handler, guestID string) *httptest.ResponseRecorder {
	t.Helper()
	req := withParam(httptest.NewRequest(http.MethodPost, "/api/v1/guests/"+guestID+"/vouchers", nil), "guestID", guestID)
	rec := httptest.NewRecorder()
	h.IssueForGuest(rec, req)
	return rec
}

func TestIssueForGuestHandler(t *testing.T) {
	fx := newHandlerFixture()

	rec := issueVia(t, fx.handler, "g1")
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		Data voucher.Issuance `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Len(t, created.Data.Created, 3)

	rec = issueVia(t, fx.handler, "g1")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = issueVia(t, fx.handler, "g2")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "GUEST_INACTIVE", decodeError(t, rec).Error.Code)

	rec = issueVia(t, fx.handler, "missing")
	require.Equal(t, http.StatusNotFound, rec.Code)
	env := decodeError(t, rec)
	require.Equal(t, "GUEST_NOT_FOUND", env.Error.Code)
	require.Equal(t, "not_found", env.Error.Kind)
}

func TestRedeemHandler(t *testing.T) {
	fx := newHandlerFixture()
	require.Equal(t, http.StatusCreated, issueVia(t, fx.handler, "g1").Code)
	list, err := fx.store.ListByGuest(context.Background(), "g1")
	require.NoError(t, err)
	token := list[0].Token

	redeem := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/vouchers/redeem", strings.NewReader(body))
		rec := httptest.NewRecorder()
		fx.handler.Redeem(rec, req)
		return rec
	}

	rec := redeem(`{"token":" ` + token + ` "}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var ok struct {
		Data struct {
			GuestName  string `json:"guest_name"`
			MealType   string `json:"meal_type"`
			RedeemedAt string `json:"redeemed_at"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ok))
	require.Equal(t, "Ana Ruiz", ok.Data.GuestName)
	require.Equal(t, "BREAKFAST", ok.Data.MealType)
	require.Equal(t, "2026-01-05T08:00:00Z", ok.Data.RedeemedAt)

	rec = redeem(`{"token":"` + token + `"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	env := decodeError(t, rec)
	require.Equal(t, "VOUCHER_ALREADY_USED", env.Error.Code)
	require.Equal(t, "2026-01-05T08:00:00Z", env.Error.Details["redeemed_at"])
	require.Equal(t, "Ana Ruiz", env.Error.Details["guest_name"])

	rec = redeem(`{"token":"nope"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "VOUCHER_NOT_FOUND", decodeError(t, rec).Error.Code)

	rec = redeem(`{"token":""}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "TOKEN_INVALID", decodeError(t, rec).Error.Code)

	rec = redeem(`{"token":"   "}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "TOKEN_INVALID", decodeError(t, rec).Error.Code)

	rec = redeem(`not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLookupHandlerReportsStatus(t *testing.T) {
	fx := newHandlerFixture()
	require.Equal(t, http.StatusCreated, issueVia(t, fx.handler, "g1").Code)
	list, err := fx.store.ListByGuest(context.Background(), "g1")
	require.NoError(t, err)

	body, err := json.Marshal(map[string]string{"token": list[1].Token})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/vouchers/lookup", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	fx.handler.Lookup(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"unused"`)

	stored, err := fx.store.GetByToken(context.Background(), list[1].Token)
	require.NoError(t, err)
	require.False(t, stored.Used())
}

func TestImageHandlers(t *testing.T) {
	fx := newHandlerFixture()
	require.Equal(t, http.StatusCreated, issueVia(t, fx.handler, "g1").Code)
	list, err := fx.store.ListByGuest(context.Background(), "g1")
	require.NoError(t, err)
	v := list[0]
	_, err = fx.store.RedeemAtomically(context.Background(), v.Token, time.Now())
	require.NoError(t, err)

	req := withParam(httptest.NewRequest(http.MethodGet, "/api/v1/vouchers/"+v.ID.String()+"/image?size=5000", nil), "voucherID", v.ID.String())
	rec := httptest.NewRecorder()
	fx.handler.Image(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	require.Equal(t, "\x89PNG"+v.Token, rec.Body.String())
	require.Equal(t, []int{1024}, fx.renderer.sizes)

	req = withParam(httptest.NewRequest(http.MethodGet, "/api/v1/vouchers/"+v.ID.String()+"/image.json", nil), "voucherID", v.ID.String())
	rec = httptest.NewRecorder()
	fx.handler.ImageBase64(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var payload struct {
		Data struct {
			Token       string `json:"token"`
			ImageBase64 string `json:"image_base64"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, v.Token, payload.Data.Token)
	require.Equal(t, qrimage.DataURL([]byte("\x89PNG"+v.Token)), payload.Data.ImageBase64)

	req = withParam(httptest.NewRequest(http.MethodGet, "/api/v1/vouchers/not-a-uuid", nil), "voucherID", "not-a-uuid")
	rec = httptest.NewRecorder()
	fx.handler.Get(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIssueBulkHandler(t *testing.T) {
	fx := newHandlerFixture()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/vouchers/issue-bulk", nil)
	rec := httptest.NewRecorder()
	fx.handler.IssueBulk(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var result struct {
		Data voucher.BulkIssuance `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, 3, result.Data.TotalCreated)
	require.Equal(t, 1, result.Data.GuestsProcessed)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/vouchers/issue-bulk?async=true", nil)
	rec = httptest.NewRecorder()
	fx.handler.IssueBulk(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), "task-1")

	fx.handler.Tasks = fakeEnqueuer{err: voucher.ErrBulkInProgress}
	rec = httptest.NewRecorder()
	fx.handler.IssueBulk(rec, httptest.NewRequest(http.MethodPost, "/api/v1/vouchers/issue-bulk?async=1", nil))
	require.Equal(t, http.StatusConflict, rec.Code)

	fx.handler.Tasks = fakeEnqueuer{err: errors.New("redis down")}
	rec = httptest.NewRecorder()
	fx.handler.IssueBulk(rec, httptest.NewRequest(http.MethodPost, "/api/v1/vouchers/issue-bulk?async=true", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListForGuestHandler(t *testing.T) {
	fx := newHandlerFixture()
	require.Equal(t, http.StatusCreated, issueVia(t, fx.handler, "g1").Code)

	req := withParam(httptest.NewRequest(http.MethodGet, "/api/v1/guests/g1/vouchers", nil), "guestID", "g1")
	rec := httptest.NewRecorder()
	fx.handler.ListForGuest(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data []voucher.Voucher `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Data, 3)

	req = withParam(httptest.NewRequest(http.MethodGet, "/api/v1/guests/zz/vouchers", nil), "guestID", "zz")
	rec = httptest.NewRecorder()
	fx.handler.ListForGuest(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
