package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// probe runs one handler invocation and decodes the JSON body.
func probe(t *testing.T, fn http.HandlerFunc, ctx context.Context) (int, result) {
	t.Helper()
	req := httptest.NewRequest("GET", "/", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	fn(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want JSON", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec.Code, body
}

func pass(name string) Checker {
	return CheckFunc(name, func(context.Context) error { return nil })
}

func fail(name, msg string) Checker {
	return CheckFunc(name, func(context.Context) error { return errors.New(msg) })
}

func TestHealthz_IgnoresCheckers(t *testing.T) {
	// Liveness must stay green even when every readiness probe is down.
	h := New(fail("memory", "connection refused"), fail("audio", "no device"))

	code, body := probe(t, h.Healthz, context.Background())
	if code != http.StatusOK {
		t.Errorf("healthz code = %d, want 200", code)
	}
	if body.Status != "ok" {
		t.Errorf("healthz status = %q, want ok", body.Status)
	}
}

func TestReadyz(t *testing.T) {
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
			checkers:   []Checker{pass("memory"), pass("providers")},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"memory": "ok", "providers": "ok"},
		},
		{
			name:       "one failure flips the status",
			checkers:   []Checker{fail("memory", "connection refused"), pass("providers")},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{
				"memory":    "fail: connection refused",
				"providers": "ok",
			},
		},
		{
			name:       "every probe down",
			checkers:   []Checker{fail("memory", "timeout"), fail("audio", "playback device not started")},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{
				"memory": "fail: timeout",
				"audio":  "fail: playback device not started",
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, body := probe(t, New(tc.checkers...).Readyz, context.Background())
			if code != tc.wantCode {
				t.Errorf("code = %d, want %d", code, tc.wantCode)
			}
			if body.Status != tc.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tc.wantStatus)
			}
			for name, want := range tc.wantChecks {
				if got := body.Checks[name]; got != want {
					t.Errorf("check %q = %q, want %q", name, got, want)
				}
			}
		})
	}
}

// TestReadyz_ChecksRunConcurrently uses a rendezvous: each check blocks until
// the other has started, so the request can only complete if both probes are
// in flight at once.
func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	aStarted := make(chan struct{})
	bStarted := make(chan struct{})

	h := New(
		CheckFunc("a", func(ctx context.Context) error {
			close(aStarted)
			select {
			case <-bStarted:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}),
		CheckFunc("b", func(ctx context.Context) error {
			close(bStarted)
			select {
			case <-aStarted:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}),
	)

	code, body := probe(t, h.Readyz, context.Background())
	if code != http.StatusOK {
		t.Fatalf("code = %d, want 200 (checks did not overlap)", code)
	}
	if body.Checks["a"] != "ok" || body.Checks["b"] != "ok" {
		t.Errorf("checks = %v, want both ok", body.Checks)
	}
}

func TestReadyz_CancelledRequest(t *testing.T) {
	h := New(CheckFunc("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code, body := probe(t, h.Readyz, ctx)
	if code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", code)
	}
	if body.Checks["slow"] != "fail: context canceled" {
		t.Errorf("slow check = %q, want the cancellation error", body.Checks["slow"])
	}
}

func TestRegister(t *testing.T) {
	mux := http.NewServeMux()
	New(pass("noop")).Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}

	// The routes are method-scoped.
	req := httptest.NewRequest("POST", "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /healthz = %d, want 405", rec.Code)
	}
}
