package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func serve(t *testing.T, h *Handler, path string) (int, result) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func ok(name string) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return nil }}
}

func TestHealthz_AlwaysReturns200(t *testing.T) {
	t.Parallel()
	h := New([]Checker{{Name: "broken", Check: func(context.Context) error { return errors.New("down") }}})
	h.SetDraining()

	code, body := serve(t, h, "/healthz")
	if code != http.StatusOK {
		t.Errorf("status = %d, want %d", code, http.StatusOK)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name:       "all pass",
			checkers:   []Checker{ok("stt"), ok("llm")},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"stt": "ok", "llm": "ok"},
		},
		{
			name:       "one fails",
			checkers:   []Checker{ok("stt"), Available("tts", func() bool { return false })},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"stt": "ok", "tts": "fail: no healthy provider"},
		},
		{
			name:       "capacity reached",
			checkers:   []Checker{Capacity(func() int { return 4 }, func() int { return 4 })},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"capacity": "fail: 4 of 4 calls active"},
		},
		{
			name:       "unlimited capacity",
			checkers:   []Checker{Capacity(func() int { return 400 }, func() int { return 0 })},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"capacity": "ok"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, body := serve(t, New(tt.checkers), "/readyz")
			if code != tt.wantCode {
				t.Errorf("code = %d, want %d", code, tt.wantCode)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			for k, want := range tt.wantChecks {
				if got := body.Checks[k]; got != want {
					t.Errorf("checks[%s] = %q, want %q", k, got, want)
				}
			}
		})
	}
}

func TestReadyz_Draining(t *testing.T) {
	t.Parallel()
	called := false
	h := New([]Checker{{Name: "x", Check: func(context.Context) error { called = true; return nil }}})
	h.SetDraining()

	code, body := serve(t, h, "/readyz")
	if code != http.StatusServiceUnavailable || body.Status != "draining" {
		t.Errorf("got %d %q, want 503 draining", code, body.Status)
	}
	if called {
		t.Error("checkers should not run while draining")
	}
}

func TestReadyz_ActiveCalls(t *testing.T) {
	t.Parallel()
	h := New(nil, WithActiveCalls(func() int { return 3 }))
	_, body := serve(t, h, "/readyz")
	if body.ActiveCalls == nil || *body.ActiveCalls != 3 {
		t.Errorf("active_calls = %v, want 3", body.ActiveCalls)
	}
}

func TestReadyz_CheckerGetsDeadline(t *testing.T) {
	t.Parallel()
	h := New([]Checker{{Name: "deadline", Check: func(ctx context.Context) error {
		dl, ok := ctx.Deadline()
		if !ok {
			return errors.New("no deadline")
		}
		if time.Until(dl) > checkTimeout {
			return errors.New("deadline too far")
		}
		return nil
	}}})
	code, body := serve(t, h, "/readyz")
	if code != http.StatusOK {
		t.Errorf("code = %d, checks = %v", code, body.Checks)
	}
}

func TestReadyz_MethodNotAllowed(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	New(nil).Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/readyz", strings.NewReader("")))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("code = %d, want 405", rec.Code)
	}
}
