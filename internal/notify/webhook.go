package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/mealpass/internal/events"
	"github.com/noah-isme/mealpass/internal/resilience"
)

// Endpoint is a subscriber that receives signed event posts.
type Endpoint struct {
	URL    string
	Secret string
}

// WebhookJob asks the worker to post one event to one endpoint.
type WebhookJob struct {
	EndpointURL string       `json:"endpoint_url"`
	Event       events.Event `json:"event"`
}

// WebhookQueue schedules webhook posts for background delivery.
type WebhookQueue interface {
	EnqueueWebhook(ctx context.Context, job WebhookJob) error
}

// ErrUnknownEndpoint is returned for jobs naming an endpoint no longer configured.
var ErrUnknownEndpoint = errors.New("notify: unknown webhook endpoint")

// WebhookNotifier fans events out to every configured endpoint through the queue.
type WebhookNotifier struct {
	Queue     WebhookQueue
	Endpoints []Endpoint
	Topics    map[string]bool
}

// Notify implements events.Notifier.
func (n WebhookNotifier) Notify(ctx context.Context, ev events.Event) error {
	if n.Queue == nil || len(n.Endpoints) == 0 {
		return nil
	}
	if n.Topics != nil && !n.Topics[ev.Topic] {
		return nil
	}
	var joined error
	for _, ep := range n.Endpoints {
		if err := n.Queue.EnqueueWebhook(ctx, WebhookJob{EndpointURL: ep.URL, Event: ev}); err != nil {
			joined = errors.Join(joined, fmt.Errorf("enqueue webhook for %s: %w", ep.URL, err))
		}
	}
	return joined
}

// Dispatcher posts events to endpoints. Requests carry an HMAC signature so
// receivers can verify origin and freshness.
type Dispatcher struct {
	Endpoints []Endpoint
	HTTP      resilience.HTTPClient
	Replay    ReplayProtector
	ReplayTTL time.Duration
	Now       func() time.Time
}

// Deliver posts job.Event to the endpoint named in job. A non-2xx answer is an error.
func (d *Dispatcher) Deliver(ctx context.Context, job WebhookJob) error {
	ctx, span := otel.Tracer("notify.Dispatcher").Start(ctx, "Dispatcher.Deliver")
	defer span.End()
	span.SetAttributes(attribute.String("webhook.topic", job.Event.Topic))

	ep, ok := d.endpoint(job.EndpointURL)
	if !ok {
		return ErrUnknownEndpoint
	}
	eventID := job.Event.ID.String()
	replayKey := ""
	if d.Replay != nil && d.ReplayTTL > 0 {
		replayKey = ReplayKey(ep.URL, eventID)
		claimed, err := d.Replay.Claim(ctx, replayKey)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if !claimed {
			span.AddEvent("delivery replay prevented")
			return nil
		}
	}
	status, err := d.post(ctx, ep, job.Event)
	if err == nil && (status < 200 || status >= 300) {
		err = fmt.Errorf("webhook %s answered %d", ep.URL, status)
	}
	if err != nil {
		span.RecordError(err)
		if replayKey != "" {
			_ = d.Replay.Release(ctx, replayKey)
		}
		return err
	}
	span.SetAttributes(attribute.Int("http.status_code", status))
	if replayKey != "" {
		if err := d.Replay.Confirm(ctx, replayKey, d.ReplayTTL); err != nil {
			// Delivered; a failed confirm only risks one duplicate after the lease.
			span.RecordError(err)
		}
	}
	return nil
}

func (d *Dispatcher) post(ctx context.Context, ep Endpoint, ev events.Event) (int, error) {
	body, err := json.Marshal(struct {
		EventID     string          `json:"event_id"`
		Topic       string          `json:"topic"`
		AggregateID string          `json:"aggregate_id"`
		Data        json.RawMessage `json:"data"`
		OccurredAt  time.Time       `json:"occurred_at"`
	}{
		EventID:     ev.ID.String(),
		Topic:       ev.Topic,
		AggregateID: ev.AggregateID,
		Data:        ev.Payload,
		OccurredAt:  ev.OccurredAt,
	})
	if err != nil {
		return 0, err
	}
	ts := d.now().Unix()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "mealpass-webhooks/1.0")
	req.Header.Set("X-Event-ID", ev.ID.String())
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Signature", ComputeSignature(ep.Secret, ts, ev.ID.String(), body))
	resp, err := d.HTTP.Do(ctx, req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

func (d *Dispatcher) endpoint(raw string) (Endpoint, bool) {
	for _, ep := range d.Endpoints {
		if ep.URL == raw {
			return ep, true
		}
	}
	return Endpoint{}, false
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// ParseEndpoints reads a comma separated URL list sharing one secret.
func ParseEndpoints(csv, secret string) ([]Endpoint, error) {
	var out []Endpoint
	for _, raw := range strings.Split(csv, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if err := ValidateURL(raw); err != nil {
			return nil, fmt.Errorf("%s: %w", raw, err)
		}
		out = append(out, Endpoint{URL: raw, Secret: secret})
	}
	return out, nil
}

// ValidateURL accepts https URLs, and plain http only for loopback hosts.
func ValidateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid endpoint url: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return errors.New("webhook url must be http or https")
	}
	if parsed.Host == "" {
		return errors.New("webhook url must include host")
	}
	if parsed.Scheme == "http" {
		host := parsed.Hostname()
		if host != "localhost" && host != "127.0.0.1" {
			return errors.New("http webhook only allowed for localhost")
		}
	}
	return nil
}

// ComputeSignature calculates the webhook signature for the provided payload. The
// format is HMAC-SHA256 over "<ts>.<eventID>.<body>" using the endpoint secret.
func ComputeSignature(secret string, ts int64, eventID string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(ts, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write([]byte(eventID))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// HTTPClient returns an HTTP client configured for webhook delivery.
func HTTPClient(timeout time.Duration, insecure bool) *http.Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(transport),
	}
}
