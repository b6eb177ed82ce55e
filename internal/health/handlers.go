// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// draining flips once shutdown begins so load balancers stop routing here.
var draining atomic.Bool

// SetReady toggles the readiness flag. Shutdown sets it to false before the
// server stops accepting connections.
func SetReady(ready bool) {
	draining.Store(!ready)
}

// Probe checks one dependency. Optional probes are reported but never make the
// instance unready; redemption keeps working while the directory is down.
type Probe struct {
	Name     string
	Ping     func(ctx context.Context) error
	Timeout  time.Duration
	Optional bool
}

// Check is the outcome of one probe in the readiness body.
type Check struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Optional  bool   `json:"optional,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Report is the readiness body. Status is "ready", "degraded" when only
// optional probes fail, or "unavailable".
type Report struct {
	Status string           `json:"status"`
	Checks map[string]Check `json:"checks"`
}

type Handler struct {
	Probes []Probe
}

func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready runs every probe concurrently and answers 503 when a required one
// fails or the process is draining.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if draining.Load() {
		writeReport(w, http.StatusServiceUnavailable, Report{Status: "draining"})
		return
	}
	if len(h.Probes) == 0 {
		writeReport(w, http.StatusServiceUnavailable, Report{Status: "unavailable"})
		return
	}

	checks := make([]Check, len(h.Probes))
	var g errgroup.Group
	for i, p := range h.Probes {
		g.Go(func() error {
			checks[i] = p.check(r.Context())
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Status: "ready", Checks: make(map[string]Check, len(checks))}
	code := http.StatusOK
	for i, p := range h.Probes {
		c := checks[i]
		report.Checks[p.Name] = c
		if c.Status == "ok" {
			continue
		}
		if p.Optional {
			if report.Status == "ready" {
				report.Status = "degraded"
			}
			continue
		}
		report.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	writeReport(w, code, report)
}

func (p Probe) check(ctx context.Context) Check {
	c := Check{Status: "ok", Optional: p.Optional}
	if p.Ping == nil {
		return c
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	err := p.Ping(ctx)
	c.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		c.Status = "error"
		c.Error = err.Error()
	}
	return c
}

func writeReport(w http.ResponseWriter, code int, report Report) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}
