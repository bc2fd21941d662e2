package worker

import (
	"sort"
	"strconv"
	"sync"
	"time"
)

// TaskKind enumerates every unit of work the worker tracks per scope.
type TaskKind string

const (
	// TaskAddLeague covers the initial fetch of a new league.
	TaskAddLeague TaskKind = "add_league"
	// TaskDeleteLeague covers cascading removal of a league.
	TaskDeleteLeague TaskKind = "delete_league"
	// TaskMembers covers a roster refresh.
	TaskMembers TaskKind = "members"
	// TaskSeasons covers a full season-list refresh.
	TaskSeasons TaskKind = "seasons"
	// TaskSeasonUpdate covers one season's calendar/results pull. It
	// carries the season id.
	TaskSeasonUpdate TaskKind = "season"
	// TaskPendingRegeneration marks that stored data changed and the
	// league's output must be rebuilt.
	TaskPendingRegeneration TaskKind = "pending_regeneration"
	// TaskRegenerateHTML is held while a regeneration owns the league.
	TaskRegenerateHTML TaskKind = "regenerate_html"
	// TaskRsync is held while a publish is running.
	TaskRsync TaskKind = "rsync"
	// TaskRsyncPending marks that regenerated output awaits publishing.
	TaskRsyncPending TaskKind = "rsync_pending"
	// TaskStatsWritePending marks the in-memory stats snapshot dirty.
	TaskStatsWritePending TaskKind = "stats_write_pending"
)

// Task identifies a unit of work. SeasonID is set only for
// TaskSeasonUpdate, so distinct seasons of one league are tracked
// independently.
type Task struct {
	Kind     TaskKind
	SeasonID int64
}

// SeasonTask builds the season-update task for one season.
func SeasonTask(seasonID int64) Task {
	return Task{Kind: TaskSeasonUpdate, SeasonID: seasonID}
}

// String renders the task the way the state endpoint reports it.
func (t Task) String() string {
	if t.Kind == TaskSeasonUpdate {
		return "season_" + strconv.FormatInt(t.SeasonID, 10)
	}
	return string(t.Kind)
}

// Scope is the key flags are tracked under: a league id or "System".
type Scope string

// ScopeSystem is the scope for worker-global flags.
const ScopeSystem Scope = "System"

// LeagueScope returns the scope for one league.
func LeagueScope(leagueID int64) Scope {
	return Scope(strconv.FormatInt(leagueID, 10))
}

// LeagueID parses the scope back to a league id. The bool is false for
// the system scope.
func (s Scope) LeagueID() (int64, bool) {
	if s == ScopeSystem {
		return 0, false
	}
	id, err := strconv.ParseInt(string(s), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// ActiveFlag is one (scope, task) entry of the state snapshot.
type ActiveFlag struct {
	Scope Scope  `json:"scope"`
	Task  string `json:"task"`
}

// stateTable tracks which units of work are in flight per scope. All
// check-and-set transitions happen under one mutex, which is what
// guarantees at-most-one-in-flight per (task, scope).
type stateTable struct {
	mu     sync.Mutex
	flags  map[Scope]map[Task]time.Time
	notify func()
	now    func() time.Time
}

func newStateTable(now func() time.Time, notify func()) *stateTable {
	if now == nil {
		now = time.Now
	}
	if notify == nil {
		notify = func() {}
	}
	return &stateTable{
		flags:  make(map[Scope]map[Task]time.Time),
		notify: notify,
		now:    now,
	}
}

// acquire atomically claims a task for a scope. It returns false when
// the task is already in flight, in which case the caller must not
// spawn.
func (t *stateTable) acquire(task Task, scope Scope) bool {
	t.mu.Lock()
	if _, held := t.flags[scope][task]; held {
		t.mu.Unlock()
		return false
	}
	t.setLocked(task, scope)
	t.mu.Unlock()
	t.notify()
	return true
}

// set raises a flag unconditionally (used for pending markers, which
// have no owning unit of work).
func (t *stateTable) set(task Task, scope Scope) {
	t.mu.Lock()
	_, held := t.flags[scope][task]
	if !held {
		t.setLocked(task, scope)
	}
	t.mu.Unlock()
	if !held {
		t.notify()
	}
}

// clear lowers a flag.
func (t *stateTable) clear(task Task, scope Scope) {
	t.mu.Lock()
	_, held := t.flags[scope][task]
	if held {
		delete(t.flags[scope], task)
		if len(t.flags[scope]) == 0 {
			delete(t.flags, scope)
		}
	}
	t.mu.Unlock()
	if held {
		t.notify()
	}
}

// active reports whether a flag is raised.
func (t *stateTable) active(task Task, scope Scope) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, held := t.flags[scope][task]
	return held
}

// snapshot returns every raised flag, sorted for stable output.
func (t *stateTable) snapshot() []ActiveFlag {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]ActiveFlag, 0, len(t.flags))
	for scope, tasks := range t.flags {
		for task := range tasks {
			result = append(result, ActiveFlag{Scope: scope, Task: task.String()})
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Scope != result[j].Scope {
			return result[i].Scope < result[j].Scope
		}
		return result[i].Task < result[j].Task
	})
	return result
}

// promoteRegeneration finds every scope whose only raised flag is
// pending_regeneration and atomically flips it to regenerate_html.
// Returned scopes are owned by the caller, which must spawn their
// regeneration tasks.
func (t *stateTable) promoteRegeneration() []Scope {
	t.mu.Lock()
	var promoted []Scope
	for scope, tasks := range t.flags {
		if _, pending := tasks[Task{Kind: TaskPendingRegeneration}]; !pending {
			continue
		}
		if len(tasks) != 1 {
			continue
		}
		delete(tasks, Task{Kind: TaskPendingRegeneration})
		t.setLocked(Task{Kind: TaskRegenerateHTML}, scope)
		promoted = append(promoted, scope)
	}
	t.mu.Unlock()

	if len(promoted) > 0 {
		t.notify()
		sort.Slice(promoted, func(i, j int) bool { return promoted[i] < promoted[j] })
	}
	return promoted
}

// tryBeginPublish atomically claims the publish step. It requires
// rsync_pending raised, no rsync in flight, and total quiescence of
// every league scope, so a partially regenerated tree is never pushed.
func (t *stateTable) tryBeginPublish() bool {
	t.mu.Lock()
	system := t.flags[ScopeSystem]
	if _, pending := system[Task{Kind: TaskRsyncPending}]; !pending {
		t.mu.Unlock()
		return false
	}
	if _, running := system[Task{Kind: TaskRsync}]; running {
		t.mu.Unlock()
		return false
	}
	for scope, tasks := range t.flags {
		if scope != ScopeSystem && len(tasks) > 0 {
			t.mu.Unlock()
			return false
		}
	}
	delete(t.flags[ScopeSystem], Task{Kind: TaskRsyncPending})
	t.setLocked(Task{Kind: TaskRsync}, ScopeSystem)
	t.mu.Unlock()
	t.notify()
	return true
}

// expired returns and clears flags raised before the cutoff. Pending
// markers never expire; only flags owned by a unit of work do.
func (t *stateTable) expired(maxAge time.Duration) []ActiveFlag {
	if maxAge <= 0 {
		return nil
	}

	cutoff := t.now().Add(-maxAge)
	t.mu.Lock()
	var stale []ActiveFlag
	for scope, tasks := range t.flags {
		for task, raisedAt := range tasks {
			switch task.Kind {
			case TaskPendingRegeneration, TaskRsyncPending, TaskStatsWritePending:
				continue
			}
			if raisedAt.Before(cutoff) {
				delete(tasks, task)
				stale = append(stale, ActiveFlag{Scope: scope, Task: task.String()})
			}
		}
		if len(tasks) == 0 {
			delete(t.flags, scope)
		}
	}
	t.mu.Unlock()

	if len(stale) > 0 {
		t.notify()
	}
	return stale
}

func (t *stateTable) setLocked(task Task, scope Scope) {
	if t.flags[scope] == nil {
		t.flags[scope] = make(map[Task]time.Time)
	}
	t.flags[scope][task] = t.now()
}
