package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/mealpass/internal/notify"
	"github.com/noah-isme/mealpass/internal/obs"
	"github.com/noah-isme/mealpass/internal/voucher"
)

// BulkIssuer runs a bulk issuance pass.
type BulkIssuer interface {
	IssueForAllActive(ctx context.Context) (voucher.BulkIssuance, error)
}

// EmailDeliverer sends one voucher email.
type EmailDeliverer interface {
	Deliver(ctx context.Context, job notify.VoucherEmail) error
}

// WebhookDeliverer posts one event to one endpoint.
type WebhookDeliverer interface {
	Deliver(ctx context.Context, job notify.WebhookJob) error
}

// Handlers executes tasks inside the worker. Nil collaborators disable their task type.
type Handlers struct {
	Issuer   BulkIssuer
	Mail     EmailDeliverer
	Webhooks WebhookDeliverer
	Logger   *zerolog.Logger
}

// Register binds every configured handler to mux.
func (h Handlers) Register(mux *asynq.ServeMux) {
	if h.Issuer != nil {
		mux.HandleFunc(TypeBulkIssue, h.HandleBulkIssue)
	}
	if h.Mail != nil {
		mux.HandleFunc(TypeVoucherEmail, h.HandleVoucherEmail)
	}
	if h.Webhooks != nil {
		mux.HandleFunc(TypeWebhook, h.HandleWebhook)
	}
}

// HandleBulkIssue runs IssueForAllActive. A concurrent run elsewhere is not retried.
func (h Handlers) HandleBulkIssue(ctx context.Context, t *asynq.Task) error {
	res, err := h.Issuer.IssueForAllActive(ctx)
	if errors.Is(err, voucher.ErrBulkInProgress) {
		obs.CountTask(t.Type(), "skipped")
		h.logger(ctx).Info().Msg("bulk_issue_task_skipped_lock_held")
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	if err != nil {
		obs.CountTask(t.Type(), "error")
		return err
	}
	obs.CountTask(t.Type(), "ok")
	h.logger(ctx).Info().
		Int("guests_processed", res.GuestsProcessed).
		Int("total_created", res.TotalCreated).
		Int("failed", len(res.Failed)).
		Msg("bulk_issue_task_done")
	return nil
}

// HandleVoucherEmail delivers a queued voucher email.
func (h Handlers) HandleVoucherEmail(ctx context.Context, t *asynq.Task) error {
	var job notify.VoucherEmail
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		obs.CountTask(t.Type(), "invalid")
		return fmt.Errorf("decode %s: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	err := h.Mail.Deliver(ctx, job)
	if errors.Is(err, notify.ErrNothingToSend) {
		obs.CountTask(t.Type(), "skipped")
		return nil
	}
	if err != nil {
		obs.CountTask(t.Type(), "error")
		h.logger(ctx).Warn().Err(err).Str("guest_id", job.GuestID).Msg("voucher_email_failed")
		return err
	}
	obs.CountTask(t.Type(), "ok")
	return nil
}

// HandleWebhook posts a queued event.
func (h Handlers) HandleWebhook(ctx context.Context, t *asynq.Task) error {
	var job notify.WebhookJob
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		obs.CountTask(t.Type(), "invalid")
		return fmt.Errorf("decode %s: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	err := h.Webhooks.Deliver(ctx, job)
	switch {
	case errors.Is(err, notify.ErrUnknownEndpoint):
		obs.CountTask(t.Type(), "skipped")
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	case err != nil:
		obs.CountTask(t.Type(), "error")
		return err
	}
	obs.CountTask(t.Type(), "ok")
	return nil
}

func (h Handlers) logger(ctx context.Context) *zerolog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return zerolog.Ctx(ctx)
}
