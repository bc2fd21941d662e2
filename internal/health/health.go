package health

import (
	"context"
	"encoding/json"
	"net/http"
)

// Mode indicates high-level health mode.
type Mode string

const (
	// ModeHealthy indicates all required dependencies are healthy.
	ModeHealthy Mode = "healthy"
	// ModeDegraded indicates the app is running but a non-readiness dependency is degraded.
	ModeDegraded Mode = "degraded"
	// ModeUnhealthy indicates a required dependency is unhealthy.
	ModeUnhealthy Mode = "unhealthy"
)

// Input represents dependency states used for health evaluation.
type Input struct {
	StoreHealthy  bool
	WorkerAlive   bool
	SourceHealthy bool
	// SourceRequests is the number of upstream requests issued since
	// boot, reported for observability only.
	SourceRequests int64
}

// Status represents evaluated application health.
type Status struct {
	Mode           Mode            `json:"mode"`
	Ready          bool            `json:"ready"`
	Components     map[string]bool `json:"components"`
	SourceRequests int64           `json:"source_requests"`
}

// Provider supplies current health status.
type Provider interface {
	CurrentStatus(ctx context.Context) Status
}

// StatusEvaluator evaluates readiness from dependency state.
type StatusEvaluator struct{}

// NewStatusEvaluator creates a health evaluator.
func NewStatusEvaluator() *StatusEvaluator {
	return &StatusEvaluator{}
}

// Evaluate evaluates readiness and mode from dependency state. The
// upstream source is a non-readiness dependency: when it is down the
// worker keeps serving stored data, so the app degrades instead of
// going unready.
func (e *StatusEvaluator) Evaluate(input Input) Status {
	components := map[string]bool{
		"store":  input.StoreHealthy,
		"worker": input.WorkerAlive,
		"source": input.SourceHealthy,
	}

	ready := input.StoreHealthy && input.WorkerAlive

	mode := ModeHealthy
	if !ready {
		mode = ModeUnhealthy
	} else if !input.SourceHealthy {
		mode = ModeDegraded
	}

	return Status{
		Mode:           mode,
		Ready:          ready,
		Components:     components,
		SourceRequests: input.SourceRequests,
	}
}

// NewHandler returns the health HTTP handler with /livez, /readyz, and /healthz endpoints.
func NewHandler(provider Provider) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			return
		}
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		status := provider.CurrentStatus(r.Context())
		if status.Ready {
			w.WriteHeader(http.StatusOK)
			if _, err := w.Write([]byte("ready")); err != nil {
				return
			}
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("not ready")); err != nil {
			return
		}
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := provider.CurrentStatus(r.Context())
		payload, err := json.Marshal(status)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			if _, writeErr := w.Write([]byte(`{"mode":"unhealthy","error":"marshal health status"}`)); writeErr != nil {
				return
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(payload); err != nil {
			return
		}
	})

	return mux
}
