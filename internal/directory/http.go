package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/mealpass/internal/resilience"
	"github.com/noah-isme/mealpass/internal/voucher"
)

const maxDirectoryBody = 4 << 20

// HTTP reads guests from a REST registry exposing
// GET {base}/guests/{id} and GET {base}/guests?active=true.
type HTTP struct {
	BaseURL string
	Client  resilience.HTTPClient
}

// NewHTTPClient returns an instrumented client for directory calls.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

type remoteGuest struct {
	ID          json.RawMessage `json:"id"`
	Name        string          `json:"name"`
	ExternalRef string          `json:"external_ref"`
	Email       string          `json:"email"`
	Active      *bool           `json:"active"`
}

func (g remoteGuest) toGuest() voucher.Guest {
	id := strings.Trim(strings.TrimSpace(string(g.ID)), `"`)
	active := true
	if g.Active != nil {
		active = *g.Active
	}
	return voucher.Guest{
		ID:          id,
		Name:        strings.TrimSpace(g.Name),
		ExternalRef: strings.TrimSpace(g.ExternalRef),
		Email:       strings.TrimSpace(g.Email),
		Active:      active,
	}
}

// Guest implements voucher.Directory.
func (h HTTP) Guest(ctx context.Context, id string) (voucher.Guest, error) {
	var g remoteGuest
	found, err := h.get(ctx, "/guests/"+url.PathEscape(id), &g)
	if err != nil {
		return voucher.Guest{}, err
	}
	if !found {
		return voucher.Guest{}, voucher.ErrGuestNotFound
	}
	return g.toGuest(), nil
}

// Guests implements voucher.Directory. Both a bare array and {"data": [...]}
// bodies are accepted.
func (h HTTP) Guests(ctx context.Context, activeOnly bool) ([]voucher.Guest, error) {
	path := "/guests"
	if activeOnly {
		path += "?active=true"
	}
	var raw json.RawMessage
	found, err := h.get(ctx, path, &raw)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("directory guest listing not found")
	}
	var list []remoteGuest
	if err := json.Unmarshal(raw, &list); err != nil {
		var wrapped struct {
			Data []remoteGuest `json:"data"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("decode guests: %w", err)
		}
		list = wrapped.Data
	}
	out := make([]voucher.Guest, 0, len(list))
	for _, g := range list {
		guest := g.toGuest()
		if activeOnly && !guest.Active {
			continue
		}
		out = append(out, guest)
	}
	return out, nil
}

func (h HTTP) get(ctx context.Context, path string, dst any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(h.BaseURL, "/")+path, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := h.Client.Do(ctx, req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode >= 300 {
		return false, fmt.Errorf("directory responded %s", resp.Status)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDirectoryBody)).Decode(dst); err != nil {
		return false, fmt.Errorf("decode directory response: %w", err)
	}
	return true, nil
}
