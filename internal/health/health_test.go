package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestStatusEvaluatorEvaluate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		input     Input
		wantReady bool
		wantMode  Mode
	}{
		{
			name: "all_healthy",
			input: Input{
				StoreHealthy:  true,
				WorkerAlive:   true,
				SourceHealthy: true,
			},
			wantReady: true,
			wantMode:  ModeHealthy,
		},
		{
			name: "source_down_degrades_but_stays_ready",
			input: Input{
				StoreHealthy:  true,
				WorkerAlive:   true,
				SourceHealthy: false,
			},
			wantReady: true,
			wantMode:  ModeDegraded,
		},
		{
			name: "not_ready_when_store_unhealthy",
			input: Input{
				StoreHealthy:  false,
				WorkerAlive:   true,
				SourceHealthy: true,
			},
			wantReady: false,
			wantMode:  ModeUnhealthy,
		},
		{
			name: "not_ready_when_worker_dead",
			input: Input{
				StoreHealthy:  true,
				WorkerAlive:   false,
				SourceHealthy: true,
			},
			wantReady: false,
			wantMode:  ModeUnhealthy,
		},
	}

	evaluator := NewStatusEvaluator()
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := evaluator.Evaluate(tc.input)
			if got.Ready != tc.wantReady {
				t.Fatalf("Evaluate().Ready = %t, want %t", got.Ready, tc.wantReady)
			}
			if got.Mode != tc.wantMode {
				t.Fatalf("Evaluate().Mode = %q, want %q", got.Mode, tc.wantMode)
			}
		})
	}
}

func TestStatusCarriesSourceRequests(t *testing.T) {
	t.Parallel()

	got := NewStatusEvaluator().Evaluate(Input{
		StoreHealthy:   true,
		WorkerAlive:    true,
		SourceHealthy:  true,
		SourceRequests: 1234,
	})
	if got.SourceRequests != 1234 {
		t.Fatalf("SourceRequests = %d, want 1234", got.SourceRequests)
	}
}

type staticProvider struct {
	status Status
}

func (s *staticProvider) CurrentStatus(_ context.Context) Status {
	return s.status
}

func TestHandler(t *testing.T) {
	t.Parallel()

	evaluator := NewStatusEvaluator()
	healthyStatus := evaluator.Evaluate(Input{
		StoreHealthy:  true,
		WorkerAlive:   true,
		SourceHealthy: true,
	})
	unhealthyStatus := evaluator.Evaluate(Input{
		StoreHealthy:  false,
		WorkerAlive:   true,
		SourceHealthy: true,
	})

	testCases := []struct {
		name       string
		status     Status
		path       string
		wantCode   int
		wantSubstr []string
	}{
		{
			name:       "livez_always_ok",
			status:     unhealthyStatus,
			path:       "/livez",
			wantCode:   http.StatusOK,
			wantSubstr: []string{"ok"},
		},
		{
			name:       "readyz_healthy",
			status:     healthyStatus,
			path:       "/readyz",
			wantCode:   http.StatusOK,
			wantSubstr: []string{"ready"},
		},
		{
			name:       "readyz_unhealthy",
			status:     unhealthyStatus,
			path:       "/readyz",
			wantCode:   http.StatusServiceUnavailable,
			wantSubstr: []string{"not ready"},
		},
		{
			name:       "healthz_json_contains_mode_and_components",
			status:     healthyStatus,
			path:       "/healthz",
			wantCode:   http.StatusOK,
			wantSubstr: []string{"mode", "components", "source_requests"},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			handler := NewHandler(&staticProvider{status: tc.status})
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tc.wantCode {
				t.Fatalf("status code = %d, want %d", rec.Code, tc.wantCode)
			}
			body := rec.Body.String()
			for _, substr := range tc.wantSubstr {
				if !strings.Contains(body, substr) {
					t.Fatalf("body %q missing %q", body, substr)
				}
			}

			if tc.path == "/healthz" {
				var parsed map[string]any
				if err := json.Unmarshal(rec.Body.Bytes(), &parsed); err != nil {
					t.Fatalf("healthz body is not valid json: %v", err)
				}
			}
		})
	}
}
