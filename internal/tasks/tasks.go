// Package tasks defines the asynq background jobs run by cmd/worker.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/noah-isme/mealpass/internal/notify"
	"github.com/noah-isme/mealpass/internal/voucher"
)

// Task type names.
const (
	TypeVoucherEmail = "voucher:email"
	TypeBulkIssue    = "voucher:bulk_issue"
	TypeWebhook      = "event:webhook"
)

// DefaultQueue is used when Enqueuer.Queue is empty.
const DefaultQueue = "default"

// Client is the subset of *asynq.Client used to enqueue work.
type Client interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer schedules mealpass tasks. It implements voucher.BulkEnqueuer,
// notify.EmailQueue and notify.WebhookQueue.
type Enqueuer struct {
	Client   Client
	Queue    string
	MaxRetry int
	// BulkUnique bounds how long a queued bulk run blocks another enqueue.
	BulkUnique time.Duration
}

// EnqueueBulkIssue queues a bulk issuance run and returns the task id. A run
// that is already queued yields voucher.ErrBulkInProgress.
func (e Enqueuer) EnqueueBulkIssue(ctx context.Context) (string, error) {
	unique := e.BulkUnique
	if unique <= 0 {
		unique = 10 * time.Minute
	}
	info, err := e.enqueue(ctx, asynq.NewTask(TypeBulkIssue, nil), asynq.Unique(unique), asynq.MaxRetry(0))
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return "", voucher.ErrBulkInProgress
	}
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

// EnqueueVoucherEmail implements notify.EmailQueue.
func (e Enqueuer) EnqueueVoucherEmail(ctx context.Context, job notify.VoucherEmail) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = e.enqueue(ctx, asynq.NewTask(TypeVoucherEmail, payload), e.retry())
	return err
}

// EnqueueWebhook implements notify.WebhookQueue. Each event is queued once per endpoint.
func (e Enqueuer) EnqueueWebhook(ctx context.Context, job notify.WebhookJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	id := fmt.Sprintf("webhook:%s:%s", job.Event.ID, job.EndpointURL)
	_, err = e.enqueue(ctx, asynq.NewTask(TypeWebhook, payload), asynq.TaskID(id), e.retry())
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

func (e Enqueuer) enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if e.Client == nil {
		return nil, errors.New("tasks: client not configured")
	}
	queue := e.Queue
	if queue == "" {
		queue = DefaultQueue
	}
	opts = append(opts, asynq.Queue(queue))
	info, err := e.Client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", task.Type(), err)
	}
	return info, nil
}

func (e Enqueuer) retry() asynq.Option {
	if e.MaxRetry <= 0 {
		return asynq.MaxRetry(5)
	}
	return asynq.MaxRetry(e.MaxRetry)
}

var (
	_ voucher.BulkEnqueuer = Enqueuer{}
	_ notify.EmailQueue    = Enqueuer{}
	_ notify.WebhookQueue  = Enqueuer{}
)
