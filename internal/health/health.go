// Package health serves the liveness and readiness probes of the switchboard
// server.
//
//   - /healthz: liveness; 200 while the process can serve HTTP.
//   - /readyz: readiness; 200 only when the server is not draining and every
//     registered [Checker] passes. A load balancer stops sending new calls
//     as soon as it reports 503.
//
// Responses are JSON objects with a "status" field ("ok", "fail" or
// "draining"), an optional "checks" map and the number of active calls.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is usable.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type result struct {
	Status      string            `json:"status"`
	Checks      map[string]string `json:"checks,omitempty"`
	ActiveCalls *int              `json:"active_calls,omitempty"`
}

// Option configures a [Handler].
type Option func(*Handler)

// WithActiveCalls reports the running call count in every response.
func WithActiveCalls(fn func() int) Option {
	return func(h *Handler) { h.active = fn }
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
	active   func() int
	draining atomic.Bool
}

// New creates a [Handler] evaluating checkers on each /readyz request.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{checkers: append([]Checker(nil), checkers...)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetDraining marks the server as shutting down. /readyz answers 503 from
// then on while /healthz keeps answering 200 until the process exits.
func (h *Handler) SetDraining() { h.draining.Store(true) }

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.result("ok", nil))
}

// Readyz runs every checker concurrently, each bounded by [checkTimeout].
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, h.result("draining", nil))
		return
	}

	checks := make(map[string]string, len(h.checkers))
	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		allOK = true
	)
	for _, c := range h.checkers {
		wg.Go(func() {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				allOK = false
				return
			}
			checks[c.Name] = "ok"
		})
	}
	wg.Wait()

	status, code := "ok", http.StatusOK
	if !allOK {
		status, code = "fail", http.StatusServiceUnavailable
	}
	writeJSON(w, code, h.result(status, checks))
}

func (h *Handler) result(status string, checks map[string]string) result {
	res := result{Status: status, Checks: checks}
	if h.active != nil {
		n := h.active()
		res.ActiveCalls = &n
	}
	return res
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// ─── Checkers ───────────────────────────────────────────────────────────────

// ErrUnavailable is reported by [Available] when every backend of a kind is
// tripped.
var ErrUnavailable = errors.New("no healthy provider")

// Available returns a Checker that fails while healthy reports false, such
// as a fallback group whose circuit breakers are all open.
func Available(name string, healthy func() bool) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if !healthy() {
			return ErrUnavailable
		}
		return nil
	}}
}

// Capacity returns a Checker that fails once active reaches limit. A limit
// of zero never fails.
func Capacity(active, limit func() int) Checker {
	return Checker{Name: "capacity", Check: func(context.Context) error {
		if n, limit := active(), limit(); limit > 0 && n >= limit {
			return fmt.Errorf("%d of %d calls active", n, limit)
		}
		return nil
	}}
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
