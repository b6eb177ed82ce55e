package notify_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/mealpass/internal/common"
	"github.com/noah-isme/mealpass/internal/events"
	"github.com/noah-isme/mealpass/internal/notify"
	"github.com/noah-isme/mealpass/internal/storage/memory"
	"github.com/noah-isme/mealpass/internal/voucher"
)

type recordingEmailQueue struct {
	jobs []notify.VoucherEmail
}

func (q *recordingEmailQueue) EnqueueVoucherEmail(_ context.Context, job notify.VoucherEmail) error {
	q.jobs = append(q.jobs, job)
	return nil
}

type stubRenderer struct{}

func (stubRenderer) PNG(content string, _ int) ([]byte, error) {
	return []byte("png:" + content), nil
}

func issuedEvent(t *testing.T, payload voucher.IssuedPayload) events.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return events.Event{ID: uuid.New(), Topic: events.TopicVoucherIssued, AggregateID: payload.GuestID, Payload: raw}
}

func TestVoucherMailerEnqueuesOnIssued(t *testing.T) {
	queue := &recordingEmailQueue{}
	mailer := notify.VoucherMailer{Queue: queue, Enabled: true}
	ids := []uuid.UUID{uuid.New(), uuid.New()}
	ctx := context.Background()

	require.NoError(t, mailer.Notify(ctx, issuedEvent(t, voucher.IssuedPayload{
		GuestID: "g1", GuestName: "Ana", Email: " ana@example.com ", VoucherIDs: ids,
	})))
	require.Len(t, queue.jobs, 1)
	require.Equal(t, "ana@example.com", queue.jobs[0].Email)
	require.Equal(t, ids, queue.jobs[0].VoucherIDs)

	require.NoError(t, mailer.Notify(ctx, issuedEvent(t, voucher.IssuedPayload{GuestID: "g2", VoucherIDs: ids})))
	require.NoError(t, mailer.Notify(ctx, events.Event{Topic: events.TopicVoucherRedeemed, Payload: []byte(`{}`)}))
	require.Len(t, queue.jobs, 1)

	mailer.Enabled = false
	require.NoError(t, mailer.Notify(ctx, issuedEvent(t, voucher.IssuedPayload{GuestID: "g1", Email: "a@b.c", VoucherIDs: ids})))
	require.Len(t, queue.jobs, 1)
}

func TestDelivererBuildsInlineImages(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	var ids []uuid.UUID
	for _, meal := range []voucher.MealType{"BREAKFAST", "LUNCH"} {
		v, _, err := store.CreateIfAbsent(ctx, voucher.Voucher{
			ID: uuid.New(), Token: "tok-" + string(meal), GuestID: "g1", GuestName: "Ana Ruiz",
			MealType: meal, Status: voucher.StatusUnused, CreatedAt: time.Now().UTC(),
		})
		require.NoError(t, err)
		ids = append(ids, v.ID)
	}
	ids = append(ids, uuid.New())

	outbox := &common.InMemoryEmail{}
	d := notify.Deliverer{Vouchers: store, Images: stubRenderer{}, Mail: outbox}
	require.NoError(t, d.Deliver(ctx, notify.VoucherEmail{GuestID: "g1", Email: "ana@example.com", VoucherIDs: ids}))

	sent := outbox.Sent()
	require.Len(t, sent, 1)
	msg := sent[0]
	require.Equal(t, "ana@example.com", msg.To)
	require.Len(t, msg.Inline, 2)
	require.Equal(t, []byte("png:tok-BREAKFAST"), msg.Inline[0].Data)
	require.Contains(t, msg.HTML, "cid:"+msg.Inline[0].ContentID)
	require.Contains(t, msg.HTML, "Ana Ruiz")
	require.Contains(t, msg.HTML, "LUNCH")

	err := d.Deliver(ctx, notify.VoucherEmail{Email: "ana@example.com", VoucherIDs: []uuid.UUID{uuid.New()}})
	require.ErrorIs(t, err, notify.ErrNothingToSend)
}
