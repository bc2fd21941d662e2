package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/leadlap/leaguesync/internal/datasource"
	"github.com/leadlap/leaguesync/internal/store"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Generator rebuilds the derived output for one league.
type Generator interface {
	Generate(ctx context.Context, leagueID int64) error
}

// Publisher pushes regenerated output to the remote host.
type Publisher interface {
	// Configured reports whether a remote destination is set; publish
	// gating is skipped entirely when it is not.
	Configured() bool
	Publish(ctx context.Context) error
}

// Config controls scheduler and pipeline behavior.
type Config struct {
	// TickInterval is how often the scheduler loop wakes.
	TickInterval time.Duration
	// FetchGrace pads an event's announced end time before results are
	// fetched, so the remote service has finalized them.
	FetchGrace time.Duration
	// ScheduleGrace pads an event's end time when computing a season's
	// next update.
	ScheduleGrace time.Duration
	// MaxTaskLifetime force-clears flags of units of work that never
	// completed. Zero disables expiry.
	MaxTaskLifetime time.Duration
	// PoolSize bounds concurrently running units of work.
	PoolSize int
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 10 * time.Second
	}
	if c.FetchGrace <= 0 {
		c.FetchGrace = 5 * time.Minute
	}
	if c.ScheduleGrace <= 0 {
		c.ScheduleGrace = 10 * time.Minute
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 32
	}
}

// Options carries the worker's collaborators.
type Options struct {
	Store     store.Store
	Source    datasource.DataSource
	Site      Generator
	Publisher Publisher
	Logger    *zap.Logger
	Registry  prometheus.Registerer
	// Notify receives advisory change events ("state", "sync") for live
	// dashboards. Never required for correctness.
	Notify func(event string)
}

type completion struct {
	task     Task
	scope    Scope
	err      error
	duration time.Duration
}

// Worker is the background synchronization orchestrator. It owns the
// task state table and the in-memory stats snapshot; all durable data
// goes through the Store.
type Worker struct {
	cfg       Config
	store     store.Store
	source    datasource.DataSource
	site      Generator
	publisher Publisher
	logger    *zap.Logger
	metrics   *metricsSet
	notify    func(event string)

	state       *stateTable
	statsMu     sync.Mutex
	stats       Stats
	pool        *ants.Pool
	completions chan completion
	kick        chan struct{}

	baseCtx       context.Context
	watcherMu     sync.Mutex
	watcherDone   chan struct{}
	watcherCancel context.CancelFunc
	stopped       bool

	// Now is injected for deterministic tests.
	Now func() time.Time
}

// New creates a worker. Start must be called before any operation.
func New(cfg Config, opts Options) (*Worker, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("worker requires a store")
	}
	if opts.Source == nil {
		return nil, fmt.Errorf("worker requires a data source")
	}
	cfg.applyDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	notify := opts.Notify
	if notify == nil {
		notify = func(string) {}
	}

	pool, err := ants.NewPool(cfg.PoolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("create task pool: %w", err)
	}

	w := &Worker{
		cfg:         cfg,
		store:       opts.Store,
		source:      opts.Source,
		site:        opts.Site,
		publisher:   opts.Publisher,
		logger:      logger,
		metrics:     newMetricsSet(opts.Registry),
		notify:      notify,
		pool:        pool,
		completions: make(chan completion, 256),
		kick:        make(chan struct{}, 1),
		Now:         time.Now,
	}
	w.state = newStateTable(func() time.Time { return w.Now() }, func() {
		w.metrics.activeFlags.Set(float64(len(w.state.snapshot())))
		w.notify("state")
	})
	return w, nil
}

// Start rebuilds stats from the store and launches the scheduler loop.
func (w *Worker) Start(ctx context.Context) error {
	w.baseCtx = ctx
	if err := w.readStats(ctx); err != nil {
		return fmt.Errorf("read stats: %w", err)
	}
	w.startWatcher()
	return nil
}

// Stop halts the scheduler loop and the task pool. In-flight units of
// work are not cancelled; they run to completion or failure.
func (w *Worker) Stop() {
	w.watcherMu.Lock()
	w.stopped = true
	cancel := w.watcherCancel
	w.watcherMu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.pool.Release()
}

// Alive reports whether the scheduler loop is running, restarting it
// when it died unexpectedly.
func (w *Worker) Alive() bool {
	w.watcherMu.Lock()
	stopped := w.stopped
	done := w.watcherDone
	w.watcherMu.Unlock()

	if stopped || done == nil {
		return false
	}
	select {
	case <-done:
		w.logger.Warn("worker watcher died, restarting")
		w.startWatcher()
		return true
	default:
		return true
	}
}

// State returns every currently raised flag.
func (w *Worker) State() []ActiveFlag {
	return w.state.snapshot()
}

func (w *Worker) startWatcher() {
	ctx, cancel := context.WithCancel(w.baseCtx)
	done := make(chan struct{})

	w.watcherMu.Lock()
	w.watcherCancel = cancel
	w.watcherDone = done
	w.watcherMu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error("worker watcher panicked", zap.Any("panic", r))
			}
		}()
		w.watch(ctx)
	}()
}

// watch is the scheduler loop: woken on the tick interval, and
// immediately after any unit of work completes.
func (w *Worker) watch(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("worker watcher stopped")
			return
		case <-ticker.C:
			w.tick(ctx)
		case <-w.kick:
			w.tick(ctx)
		}
	}
}

// tick runs one scheduler pass: reap finished work, expire hung flags,
// flush dirty stats, fire due season updates, promote pending
// regenerations, and gate the publish step.
func (w *Worker) tick(ctx context.Context) {
	w.metrics.ticks.Inc()

	w.reapCompletions()
	w.expireHungTasks()
	w.flushStats(ctx)
	w.runTimedUpdates()
	w.promoteRegeneration()
	w.maybePublish()
}

func (w *Worker) reapCompletions() {
	for {
		select {
		case done := <-w.completions:
			if done.err != nil {
				w.metrics.taskFailures.WithLabelValues(string(done.task.Kind)).Inc()
				w.logger.Warn("task failed",
					zap.String("task", done.task.String()),
					zap.String("scope", string(done.scope)),
					zap.Duration("duration", done.duration),
					zap.Error(done.err),
				)
				continue
			}
			w.logger.Debug("task completed",
				zap.String("task", done.task.String()),
				zap.String("scope", string(done.scope)),
				zap.Duration("duration", done.duration),
			)
		default:
			return
		}
	}
}

func (w *Worker) expireHungTasks() {
	for _, flag := range w.state.expired(w.cfg.MaxTaskLifetime) {
		w.logger.Error("force-cleared hung task flag",
			zap.String("task", flag.Task),
			zap.String("scope", string(flag.Scope)),
			zap.Duration("max_lifetime", w.cfg.MaxTaskLifetime),
		)
	}
}

func (w *Worker) flushStats(ctx context.Context) {
	if !w.state.active(Task{Kind: TaskStatsWritePending}, ScopeSystem) {
		return
	}
	if err := w.writeStats(ctx); err != nil {
		// Flag stays raised; the write is retried next pass.
		w.logger.Error("stats write failed", zap.Error(err))
		return
	}
	w.state.clear(Task{Kind: TaskStatsWritePending}, ScopeSystem)
}

func (w *Worker) runTimedUpdates() {
	now := w.Now()
	for _, league := range w.Stats().Leagues {
		for _, season := range league.Seasons {
			if season.NextUpdateTime.IsZero() || !season.NextUpdateTime.Before(now) {
				continue
			}
			w.logger.Info("auto-updating season",
				zap.Int64("league_id", league.LeagueID),
				zap.Int64("season_id", season.SeasonID),
			)
			w.updateSeason(league.LeagueID, season.SeasonID, false, ReasonAuto)
		}
	}
}

func (w *Worker) promoteRegeneration() {
	if w.site == nil {
		return
	}
	for _, scope := range w.state.promoteRegeneration() {
		scope := scope
		w.spawn(Task{Kind: TaskRegenerateHTML}, scope, func(ctx context.Context) error {
			return w.runRegenerate(ctx, scope)
		})
	}
}

func (w *Worker) maybePublish() {
	if w.publisher == nil || !w.publisher.Configured() {
		return
	}
	if !w.state.tryBeginPublish() {
		return
	}
	w.spawn(Task{Kind: TaskRsync}, ScopeSystem, w.runPublish)
}

// AddLeague registers a league and kicks off its initial sync. Returns
// immediately; a no-op when an add is already in flight.
func (w *Worker) AddLeague(leagueID int64) {
	scope := LeagueScope(leagueID)
	task := Task{Kind: TaskAddLeague}
	if !w.state.acquire(task, scope) {
		return
	}
	w.spawn(task, scope, func(ctx context.Context) error {
		return w.runAddLeague(ctx, leagueID)
	})
}

// DeleteLeague removes a league and everything stored under it.
func (w *Worker) DeleteLeague(leagueID int64) {
	scope := LeagueScope(leagueID)
	task := Task{Kind: TaskDeleteLeague}
	if !w.state.acquire(task, scope) {
		return
	}
	w.spawn(task, scope, func(ctx context.Context) error {
		return w.runDeleteLeague(ctx, leagueID)
	})
}

// UpdateMembers refreshes a league's roster.
func (w *Worker) UpdateMembers(leagueID int64) {
	scope := LeagueScope(leagueID)
	task := Task{Kind: TaskMembers}
	if !w.state.acquire(task, scope) {
		return
	}
	w.spawn(task, scope, func(ctx context.Context) error {
		return w.runUpdateMembers(ctx, leagueID)
	})
}

// UpdateSeasons refreshes a league's season list and triggers an
// update of every season in it.
func (w *Worker) UpdateSeasons(leagueID int64) {
	scope := LeagueScope(leagueID)
	task := Task{Kind: TaskSeasons}
	if !w.state.acquire(task, scope) {
		return
	}
	w.spawn(task, scope, func(ctx context.Context) error {
		return w.runUpdateSeasons(ctx, leagueID)
	})
}

// UpdateSeason fetches any missing races for one season.
func (w *Worker) UpdateSeason(leagueID, seasonID int64) {
	w.updateSeason(leagueID, seasonID, false, ReasonManual)
}

// RegenerateAll marks every idle league for output regeneration. A
// no-op while a publish is pending or running.
func (w *Worker) RegenerateAll() {
	if w.state.active(Task{Kind: TaskRsyncPending}, ScopeSystem) ||
		w.state.active(Task{Kind: TaskRsync}, ScopeSystem) {
		return
	}
	for _, league := range w.Stats().Leagues {
		scope := LeagueScope(league.LeagueID)
		if w.state.active(Task{Kind: TaskPendingRegeneration}, scope) ||
			w.state.active(Task{Kind: TaskRegenerateHTML}, scope) {
			continue
		}
		w.state.set(Task{Kind: TaskPendingRegeneration}, scope)
	}
}

func (w *Worker) updateSeason(leagueID, seasonID int64, bypass bool, reason UpdateReason) {
	scope := LeagueScope(leagueID)
	// A full season-list refresh already covers this season.
	if !bypass && w.state.active(Task{Kind: TaskSeasons}, scope) {
		return
	}
	task := SeasonTask(seasonID)
	if !w.state.acquire(task, scope) {
		return
	}
	w.spawn(task, scope, func(ctx context.Context) error {
		return w.runSeasonUpdate(ctx, leagueID, seasonID, reason)
	})
}

// spawn hands an already-acquired unit of work to the pool. The flag
// is cleared when the work finishes, success or failure.
func (w *Worker) spawn(task Task, scope Scope, fn func(ctx context.Context) error) {
	w.logger.Info("spawning task",
		zap.String("task", task.String()),
		zap.String("scope", string(scope)),
	)
	w.metrics.tasksSpawned.WithLabelValues(string(task.Kind)).Inc()

	started := w.Now()
	submitted := w.pool.Submit(func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panicked: %v", r)
			}
			w.state.clear(task, scope)
			w.completions <- completion{
				task:     task,
				scope:    scope,
				err:      err,
				duration: w.Now().Sub(started),
			}
			select {
			case w.kick <- struct{}{}:
			default:
			}
		}()
		err = fn(w.baseCtx)
	})
	if submitted != nil {
		w.state.clear(task, scope)
		w.logger.Warn("task rejected by pool",
			zap.String("task", task.String()),
			zap.String("scope", string(scope)),
			zap.Error(submitted),
		)
	}
}

func (w *Worker) runAddLeague(ctx context.Context, leagueID int64) error {
	info, err := w.source.LeagueInfo(ctx, leagueID)
	if err != nil {
		return err
	}
	if info == nil {
		w.logger.Warn("league not found upstream", zap.Int64("league_id", leagueID))
		return nil
	}

	w.persist(ctx, store.KindLeagues, nil, formatID(leagueID), info)
	w.registerLeague(*info)
	w.UpdateMembers(leagueID)
	w.UpdateSeasons(leagueID)
	return nil
}

func (w *Worker) runDeleteLeague(ctx context.Context, leagueID int64) error {
	scope := LeagueScope(leagueID)
	leagueScope := store.ScopeInts(leagueID)

	var errs []error
	for _, kind := range []store.Kind{
		store.KindCalendars,
		store.KindLaps,
		store.KindMembers,
		store.KindRaces,
		store.KindSeasons,
	} {
		if err := w.store.DeleteAll(ctx, kind, leagueScope); err != nil {
			errs = append(errs, err)
		}
	}
	if err := w.store.Delete(ctx, store.KindLeagues, nil, formatID(leagueID)); err != nil {
		errs = append(errs, err)
	}

	w.dropLeagueStats(leagueID)
	w.state.set(Task{Kind: TaskPendingRegeneration}, scope)
	return errors.Join(errs...)
}

func (w *Worker) runUpdateMembers(ctx context.Context, leagueID int64) error {
	members, err := w.source.LeagueMembers(ctx, leagueID)
	if err != nil {
		return err
	}

	scope := LeagueScope(leagueID)
	count := 0
	for _, member := range members {
		w.state.set(Task{Kind: TaskPendingRegeneration}, scope)
		if w.persist(ctx, store.KindMembers, store.ScopeInts(leagueID), formatID(member.CustID), member) {
			count++
		}
	}

	w.updateMemberStats(leagueID, count, w.Now())
	return nil
}

func (w *Worker) runUpdateSeasons(ctx context.Context, leagueID int64) error {
	seasons, err := w.source.LeagueSeasons(ctx, leagueID)
	if err != nil {
		return err
	}

	scope := LeagueScope(leagueID)
	for _, season := range seasons {
		w.state.set(Task{Kind: TaskPendingRegeneration}, scope)
		w.persist(ctx, store.KindSeasons, store.ScopeInts(leagueID), formatID(season.SeasonID), season)
		w.setSeasonName(leagueID, season.SeasonID, season.SeasonName)
		w.updateSeason(leagueID, season.SeasonID, true, ReasonManual)
	}
	return nil
}

func (w *Worker) runSeasonUpdate(ctx context.Context, leagueID, seasonID int64, reason UpdateReason) error {
	calendar, err := w.source.SeasonCalendar(ctx, leagueID, seasonID)
	if err != nil {
		return err
	}
	if calendar == nil {
		calendar = &datasource.Calendar{}
	}
	w.persist(ctx, store.KindCalendars, store.ScopeInts(leagueID), formatID(seasonID), calendar)

	scope := LeagueScope(leagueID)
	raceScope := store.ScopeInts(leagueID, seasonID)
	now := w.Now()
	future := datasource.Calendar{}

	for _, event := range calendar.Rows {
		stored, err := w.store.Exists(ctx, store.KindRaces, raceScope, formatID(event.SubsessionID))
		if err != nil {
			return err
		}
		if stored {
			// Results are final once stored; never re-fetched.
			continue
		}

		if w.eventEnd(event, w.cfg.FetchGrace).After(now) {
			future.RowCount++
			future.Rows = append(future.Rows, event)
			continue
		}

		sheet, err := w.source.SessionResults(ctx, event.SubsessionID)
		if err != nil {
			return err
		}
		if sheet == nil {
			continue
		}
		w.state.set(Task{Kind: TaskPendingRegeneration}, scope)
		w.persist(ctx, store.KindRaces, raceScope, formatID(event.SubsessionID), sheet)
		if err := w.fetchLaps(ctx, leagueID, seasonID, sheet); err != nil {
			return err
		}
	}

	w.updateSeasonStats(leagueID, seasonID, w.nextUpdate(future, now), now, reason)
	return nil
}

// fetchLaps pulls lap data for every distinct driver group in a race.
func (w *Worker) fetchLaps(ctx context.Context, leagueID, seasonID int64, sheet *datasource.ResultSheet) error {
	scope := LeagueScope(leagueID)
	lapScope := store.ScopeInts(leagueID, seasonID, sheet.SubsessionID)

	seen := make(map[int64]bool, len(sheet.Rows))
	for _, row := range sheet.Rows {
		if seen[row.GroupID] {
			continue
		}
		seen[row.GroupID] = true

		laps, err := w.source.SessionLaps(ctx, sheet.SubsessionID, row.GroupID)
		if err != nil {
			return err
		}
		if laps == nil {
			continue
		}
		w.state.set(Task{Kind: TaskPendingRegeneration}, scope)
		w.persist(ctx, store.KindLaps, lapScope, formatID(row.CustID), laps)
	}
	return nil
}

func (w *Worker) runRegenerate(ctx context.Context, scope Scope) error {
	leagueID, ok := scope.LeagueID()
	if !ok {
		return fmt.Errorf("regeneration scope %q is not a league", scope)
	}
	if err := w.site.Generate(ctx, leagueID); err != nil {
		return err
	}
	w.state.set(Task{Kind: TaskRsyncPending}, ScopeSystem)
	return nil
}

func (w *Worker) runPublish(ctx context.Context) error {
	if err := w.publisher.Publish(ctx); err != nil {
		w.metrics.publishes.WithLabelValues("failure").Inc()
		// Re-arm so the next quiescent pass retries.
		w.state.set(Task{Kind: TaskRsyncPending}, ScopeSystem)
		return err
	}
	w.metrics.publishes.WithLabelValues("success").Inc()
	now := w.Now()
	w.recordSync(now)
	w.notify("sync")
	return nil
}

// persist writes a document, logging and skipping on failure. A failed
// write is retried on the next natural trigger.
func (w *Worker) persist(ctx context.Context, kind store.Kind, scope store.Scope, id string, value any) bool {
	changed, err := w.store.Write(ctx, kind, scope, id, value)
	if err != nil {
		w.logger.Error("store write failed",
			zap.String("kind", string(kind)),
			zap.String("id", id),
			zap.Error(err),
		)
		return false
	}
	if changed {
		w.metrics.storeWrites.Inc()
	}
	return true
}

// eventEnd is the time an event's results become fetchable: launch
// plus the session time limit plus a grace period.
func (w *Worker) eventEnd(event datasource.CalendarEvent, grace time.Duration) time.Time {
	return time.UnixMilli(event.LaunchAt).
		Add(time.Duration(event.TimeLimit)*time.Minute + grace).
		UTC()
}

// nextUpdate returns the earliest future event end, or zero when no
// events are pending.
func (w *Worker) nextUpdate(events datasource.Calendar, now time.Time) time.Time {
	var next time.Time
	for _, event := range events.Rows {
		end := w.eventEnd(event, w.cfg.ScheduleGrace)
		if !end.After(now) {
			continue
		}
		if next.IsZero() || end.Before(next) {
			next = end
		}
	}
	return next
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
