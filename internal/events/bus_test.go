package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/mealpass/internal/events"
)

type captureNotifier struct {
	events []events.Event
	err    error
}

func (c *captureNotifier) Notify(_ context.Context, event events.Event) error {
	c.events = append(c.events, event)
	return c.err
}

type failingStore struct{}

func (failingStore) InsertEvent(context.Context, events.Event) error {
	return errors.New("disk full")
}

func TestEmitPersistsEvent(t *testing.T) {
	store := events.NewMemoryStore()
	notifier := &captureNotifier{}
	fixed := time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC)
	bus := events.Bus{
		Store:     store,
		Notifiers: []events.Notifier{notifier},
		Now:       func() time.Time { return fixed },
	}

	ctx := context.Background()
	payload := map[string]any{"guest_id": "g-1", "meal_type": "LUNCH"}
	event, err := bus.Emit(ctx, events.TopicVoucherRedeemed, "v-1", payload)
	require.NoError(t, err)
	require.Equal(t, fixed, event.OccurredAt)
	require.Len(t, notifier.events, 1)
	require.Equal(t, event.ID, notifier.events[0].ID)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(event.Payload, &decoded))
	require.Equal(t, "LUNCH", decoded["meal_type"])

	listed, err := store.ListEvents(ctx, events.ListFilter{Topic: events.TopicVoucherRedeemed})
	require.NoError(t, err)
	require.Len(t, listed, 1)
}

func TestEmitValidation(t *testing.T) {
	bus := events.Bus{Store: events.NewMemoryStore()}
	_, err := bus.Emit(context.Background(), " ", "v-1", nil)
	require.Error(t, err)
	_, err = bus.Emit(context.Background(), events.TopicVoucherIssued, "", nil)
	require.Error(t, err)
	_, err = bus.Emit(context.Background(), events.TopicVoucherIssued, "v-1", "not json")
	require.Error(t, err)

	var nilBus *events.Bus
	_, err = nilBus.Emit(context.Background(), events.TopicVoucherIssued, "v-1", nil)
	require.Error(t, err)
}

func TestEmitStoreFailureSkipsNotifiers(t *testing.T) {
	notifier := &captureNotifier{}
	bus := events.Bus{Store: failingStore{}, Notifiers: []events.Notifier{notifier}}
	_, err := bus.Emit(context.Background(), events.TopicVoucherIssued, "g-1", nil)
	require.ErrorContains(t, err, "disk full")
	require.Empty(t, notifier.events)
}

func TestEmitJoinsNotifierErrors(t *testing.T) {
	store := events.NewMemoryStore()
	bad := &captureNotifier{err: errors.New("smtp down")}
	good := &captureNotifier{}
	bus := events.Bus{Store: store, Notifiers: []events.Notifier{bad, nil, good}}
	ev, err := bus.Emit(context.Background(), events.TopicVoucherIssued, "g-1", map[string]string{"a": "b"})
	require.ErrorContains(t, err, "smtp down")
	require.Len(t, good.events, 1)
	require.Equal(t, ev.ID, good.events[0].ID)
}

func TestHandlerListFiltersByTopic(t *testing.T) {
	store := events.NewMemoryStore()
	bus := events.Bus{Store: store}
	ctx := context.Background()
	_, err := bus.Emit(ctx, events.TopicVoucherIssued, "g-1", nil)
	require.NoError(t, err)
	_, err = bus.Emit(ctx, events.TopicVoucherRedeemRejected, "v-1", nil)
	require.NoError(t, err)
	_, err = bus.Emit(ctx, events.TopicVoucherRedeemRejected, "v-2", nil)
	require.NoError(t, err)

	handler := events.Handler{Reader: store}
	rec := httptest.NewRecorder()
	handler.List(rec, httptest.NewRequest(http.MethodGet, "/api/v1/events?topic=voucher.redeem_rejected&limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data []events.Event `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	require.Equal(t, "v-2", body.Data[0].AggregateID)

	bad := httptest.NewRecorder()
	handler.List(bad, httptest.NewRequest(http.MethodGet, "/api/v1/events?topic=order.created", nil))
	require.Equal(t, http.StatusBadRequest, bad.Code)
}
