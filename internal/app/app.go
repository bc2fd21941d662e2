// Package app exposes the worker's operations over HTTP.
package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/leadlap/leaguesync/internal/datasource"
	"github.com/leadlap/leaguesync/internal/health"
	"github.com/leadlap/leaguesync/internal/store"
	"github.com/leadlap/leaguesync/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SyncWorker is the worker surface the API depends on.
type SyncWorker interface {
	AddLeague(leagueID int64)
	DeleteLeague(leagueID int64)
	UpdateMembers(leagueID int64)
	UpdateSeasons(leagueID int64)
	UpdateSeason(leagueID, seasonID int64)
	RegenerateAll()
	Stats() worker.Stats
	State() []worker.ActiveFlag
	KnownLeagueID(leagueID int64) bool
	Alive() bool
}

// LeagueSearcher is the data source surface the API depends on.
type LeagueSearcher interface {
	SearchLeagues(ctx context.Context, name string) ([]datasource.LeagueInfo, error)
	Requests() int64
	Healthy() bool
}

// Options carries the app's collaborators.
type Options struct {
	Worker   SyncWorker
	Store    store.Store
	Source   LeagueSearcher
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// App is the HTTP API in front of the worker.
type App struct {
	worker    SyncWorker
	store     store.Store
	source    LeagueSearcher
	evaluator *health.StatusEvaluator
	metrics   http.Handler
	logger    *zap.Logger
}

// New creates the app.
func New(opts Options) *App {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var metrics http.Handler = http.NotFoundHandler()
	if opts.Gatherer != nil {
		metrics = promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})
	}
	return &App{
		worker:    opts.Worker,
		store:     opts.Store,
		source:    opts.Source,
		evaluator: health.NewStatusEvaluator(),
		metrics:   metrics,
		logger:    logger,
	}
}

// Handler wires every route on a single mux.
func (a *App) Handler() http.Handler {
	router := chi.NewRouter()
	healthHandler := health.NewHandler(a)

	route := func(method, pattern, name string, fn http.HandlerFunc) {
		router.Method(method, pattern, wrapHTTPHandler(name, fn))
	}

	route(http.MethodGet, "/ping", "ping", a.handlePing)
	route(http.MethodGet, "/stats", "stats", a.handleStats)
	route(http.MethodGet, "/state", "state", a.handleState)
	route(http.MethodGet, "/search", "search", a.handleSearch)
	route(http.MethodGet, "/leagues/{leagueID}", "get_league", a.handleGetLeague)
	route(http.MethodPost, "/leagues/{leagueID}", "add_league", a.handleAddLeague)
	route(http.MethodDelete, "/leagues/{leagueID}", "delete_league", a.handleDeleteLeague)
	route(http.MethodPost, "/leagues/{leagueID}/members", "update_members", a.handleUpdateMembers)
	route(http.MethodPost, "/leagues/{leagueID}/seasons", "update_seasons", a.handleUpdateSeasons)
	route(http.MethodPost, "/leagues/{leagueID}/seasons/{seasonID}", "update_season", a.handleUpdateSeason)
	route(http.MethodPost, "/regenerate", "regenerate", a.handleRegenerate)

	router.Handle("/metrics", wrapHTTPHandler("metrics", a.metrics))
	router.Handle("/livez", wrapHTTPHandler("livez", healthHandler))
	router.Handle("/readyz", wrapHTTPHandler("readyz", healthHandler))
	router.Handle("/healthz", wrapHTTPHandler("healthz", healthHandler))
	return router
}

// CurrentStatus implements health.Provider.
func (a *App) CurrentStatus(ctx context.Context) health.Status {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	input := health.Input{
		StoreHealthy: a.store.Ping(pingCtx) == nil,
		WorkerAlive:  a.worker.Alive(),
	}
	if a.source != nil {
		input.SourceHealthy = a.source.Healthy()
		input.SourceRequests = a.source.Requests()
	}
	return a.evaluator.Evaluate(input)
}

func (a *App) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("pong"))
}

func (a *App) handleStats(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.worker.Stats())
}

func (a *App) handleState(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.worker.State())
}

func (a *App) handleSearch(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		a.writeError(w, http.StatusBadRequest, "name query parameter is required")
		return
	}

	leagues, err := a.source.SearchLeagues(r.Context(), name)
	if err != nil {
		a.logger.Warn("league search failed", zap.String("name", name), zap.Error(err))
		a.writeError(w, http.StatusBadGateway, "upstream search failed")
		return
	}
	if leagues == nil {
		leagues = []datasource.LeagueInfo{}
	}
	a.writeJSON(w, http.StatusOK, leagues)
}

func (a *App) handleGetLeague(w http.ResponseWriter, r *http.Request) {
	leagueID, ok := a.leagueID(w, r)
	if !ok {
		return
	}

	var doc json.RawMessage
	found, err := a.store.Read(r.Context(), store.KindLeagues, nil, strconv.FormatInt(leagueID, 10), &doc)
	if err != nil {
		a.logger.Error("league read failed", zap.Int64("league_id", leagueID), zap.Error(err))
		a.writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	if !found {
		a.writeError(w, http.StatusNotFound, "unknown league")
		return
	}
	a.writeJSON(w, http.StatusOK, doc)
}

func (a *App) handleAddLeague(w http.ResponseWriter, r *http.Request) {
	leagueID, ok := a.leagueID(w, r)
	if !ok {
		return
	}
	a.worker.AddLeague(leagueID)
	a.accepted(w)
}

func (a *App) handleDeleteLeague(w http.ResponseWriter, r *http.Request) {
	leagueID, ok := a.knownLeagueID(w, r)
	if !ok {
		return
	}
	a.worker.DeleteLeague(leagueID)
	a.accepted(w)
}

func (a *App) handleUpdateMembers(w http.ResponseWriter, r *http.Request) {
	leagueID, ok := a.knownLeagueID(w, r)
	if !ok {
		return
	}
	a.worker.UpdateMembers(leagueID)
	a.accepted(w)
}

func (a *App) handleUpdateSeasons(w http.ResponseWriter, r *http.Request) {
	leagueID, ok := a.knownLeagueID(w, r)
	if !ok {
		return
	}
	a.worker.UpdateSeasons(leagueID)
	a.accepted(w)
}

func (a *App) handleUpdateSeason(w http.ResponseWriter, r *http.Request) {
	leagueID, ok := a.knownLeagueID(w, r)
	if !ok {
		return
	}
	seasonID, err := strconv.ParseInt(chi.URLParam(r, "seasonID"), 10, 64)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "season id must be an integer")
		return
	}
	a.worker.UpdateSeason(leagueID, seasonID)
	a.accepted(w)
}

func (a *App) handleRegenerate(w http.ResponseWriter, _ *http.Request) {
	a.worker.RegenerateAll()
	a.accepted(w)
}

// leagueID parses the league id path parameter, answering 400 when it
// is not an integer.
func (a *App) leagueID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	leagueID, err := strconv.ParseInt(chi.URLParam(r, "leagueID"), 10, 64)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "league id must be an integer")
		return 0, false
	}
	return leagueID, true
}

// knownLeagueID additionally answers 404 for leagues the worker is not
// tracking.
func (a *App) knownLeagueID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	leagueID, ok := a.leagueID(w, r)
	if !ok {
		return 0, false
	}
	if !a.worker.KnownLeagueID(leagueID) {
		a.writeError(w, http.StatusNotFound, "unknown league")
		return 0, false
	}
	return leagueID, true
}

func (a *App) accepted(w http.ResponseWriter) {
	a.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (a *App) writeJSON(w http.ResponseWriter, status int, value any) {
	payload, err := json.Marshal(value)
	if err != nil {
		a.logger.Error("marshal response failed", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func (a *App) writeError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, map[string]string{"error": message})
}
