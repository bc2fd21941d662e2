package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/leadlap/leaguesync/internal/datasource"
	"github.com/leadlap/leaguesync/internal/store"
	"go.uber.org/zap"
)

// UpdateReason records why a season was last synchronized.
type UpdateReason string

const (
	// ReasonManual marks operator-triggered updates.
	ReasonManual UpdateReason = "Manual"
	// ReasonAuto marks scheduler-triggered updates.
	ReasonAuto UpdateReason = "Auto"
	// ReasonUnknown is the boot-time placeholder.
	ReasonUnknown UpdateReason = "Unknown"
)

// SeasonStats summarizes one tracked season. A zero NextUpdateTime
// means no pending events.
type SeasonStats struct {
	SeasonID         int64        `json:"season_id"`
	SeasonName       string       `json:"season_name"`
	NextUpdateTime   time.Time    `json:"next_update_time"`
	LastUpdateTime   time.Time    `json:"last_update_time"`
	LastUpdateReason UpdateReason `json:"last_update_reason"`
}

// LeagueStats summarizes one tracked league. The seasons_* fields are
// rolled up from the seasons lazily, right before the snapshot is
// persisted.
type LeagueStats struct {
	LeagueID                int64         `json:"league_id"`
	LeagueName              string        `json:"league_name"`
	MemberCount             int           `json:"members_count"`
	MembersLastUpdated      time.Time     `json:"members_last_updated"`
	Seasons                 []SeasonStats `json:"seasons"`
	SeasonsLastUpdate       time.Time     `json:"seasons_last_update"`
	SeasonsLastUpdateReason UpdateReason  `json:"seasons_last_update_reason"`
	SeasonsNextUpdate       time.Time     `json:"seasons_next_update"`
}

// Stats is the serializable projection of everything tracked.
type Stats struct {
	Leagues  []LeagueStats `json:"leagues"`
	LastSync time.Time     `json:"last_sync"`
}

const statsDocID = "stats"

// Stats returns a deep copy of the current snapshot.
func (w *Worker) Stats() Stats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return copyStats(w.stats)
}

// KnownLeagueID reports whether a league is tracked.
func (w *Worker) KnownLeagueID(leagueID int64) bool {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	for _, league := range w.stats.Leagues {
		if league.LeagueID == leagueID {
			return true
		}
	}
	return false
}

// readStats rebuilds the snapshot from the store and merges in the
// persisted admin document. Leagues found in the store but missing
// from the persisted snapshot are appended; any divergence marks the
// snapshot dirty.
func (w *Worker) readStats(ctx context.Context) error {
	raws, err := w.store.ReadAll(ctx, store.KindLeagues, nil)
	if err != nil {
		return err
	}

	rebuilt := make([]LeagueStats, 0, len(raws))
	for _, raw := range raws {
		var info datasource.LeagueInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			w.logger.Warn("skipping undecodable league record", zap.Error(err))
			continue
		}

		memberCount, err := w.store.Count(ctx, store.KindMembers, store.ScopeInts(info.LeagueID))
		if err != nil {
			return err
		}

		seasonRaws, err := w.store.ReadAll(ctx, store.KindSeasons, store.ScopeInts(info.LeagueID))
		if err != nil {
			return err
		}
		seasons := make([]SeasonStats, 0, len(seasonRaws))
		for _, seasonRaw := range seasonRaws {
			var season datasource.Season
			if err := json.Unmarshal(seasonRaw, &season); err != nil {
				w.logger.Warn("skipping undecodable season record",
					zap.Int64("league_id", info.LeagueID),
					zap.Error(err),
				)
				continue
			}
			next := time.Time{}
			if season.NextRace != nil {
				next = w.eventEnd(*season.NextRace, w.cfg.ScheduleGrace)
			}
			seasons = append(seasons, SeasonStats{
				SeasonID:         season.SeasonID,
				SeasonName:       season.SeasonName,
				NextUpdateTime:   next,
				LastUpdateReason: ReasonUnknown,
			})
		}

		rebuilt = append(rebuilt, LeagueStats{
			LeagueID:                info.LeagueID,
			LeagueName:              info.LeagueName,
			MemberCount:             memberCount,
			Seasons:                 seasons,
			SeasonsLastUpdateReason: ReasonUnknown,
		})
	}

	var persisted Stats
	found, err := w.store.Read(ctx, store.KindAdmin, nil, statsDocID, &persisted)
	if err != nil {
		return err
	}

	w.statsMu.Lock()
	if !found {
		w.stats.Leagues = rebuilt
		w.statsMu.Unlock()
		w.state.set(Task{Kind: TaskStatsWritePending}, ScopeSystem)
		return nil
	}

	for _, league := range rebuilt {
		known := false
		for _, existing := range persisted.Leagues {
			if existing.LeagueID == league.LeagueID {
				known = true
				break
			}
		}
		if !known {
			persisted.Leagues = append(persisted.Leagues, league)
		}
	}

	dirty := !statsEqual(w.stats, persisted)
	w.stats = persisted
	w.statsMu.Unlock()

	if dirty {
		w.state.set(Task{Kind: TaskStatsWritePending}, ScopeSystem)
	}
	return nil
}

// writeStats rolls up league summaries and persists the snapshot.
func (w *Worker) writeStats(ctx context.Context) error {
	w.statsMu.Lock()
	w.rollupLocked()
	snapshot := copyStats(w.stats)
	w.statsMu.Unlock()

	changed, err := w.store.Write(ctx, store.KindAdmin, nil, statsDocID, snapshot)
	if err != nil {
		return err
	}
	if changed {
		w.metrics.storeWrites.Inc()
	}
	return nil
}

// rollupLocked recomputes the per-league summary fields from seasons.
// Callers hold statsMu.
func (w *Worker) rollupLocked() {
	for i := range w.stats.Leagues {
		league := &w.stats.Leagues[i]

		var lastUpdate, nextUpdate time.Time
		lastReason := ReasonUnknown
		for _, season := range league.Seasons {
			if season.LastUpdateTime.After(lastUpdate) {
				lastUpdate = season.LastUpdateTime
				lastReason = season.LastUpdateReason
			}
			if season.NextUpdateTime.IsZero() {
				continue
			}
			if nextUpdate.IsZero() || season.NextUpdateTime.Before(nextUpdate) {
				nextUpdate = season.NextUpdateTime
			}
		}

		league.SeasonsLastUpdate = lastUpdate
		league.SeasonsLastUpdateReason = lastReason
		league.SeasonsNextUpdate = nextUpdate
	}
}

// registerLeague adds or refreshes a league entry after its info was
// fetched.
func (w *Worker) registerLeague(info datasource.LeagueInfo) {
	w.statsMu.Lock()
	defer func() {
		w.statsMu.Unlock()
		w.state.set(Task{Kind: TaskStatsWritePending}, ScopeSystem)
	}()

	for i := range w.stats.Leagues {
		if w.stats.Leagues[i].LeagueID == info.LeagueID {
			w.stats.Leagues[i].LeagueName = info.LeagueName
			return
		}
	}
	w.stats.Leagues = append(w.stats.Leagues, LeagueStats{
		LeagueID:                info.LeagueID,
		LeagueName:              info.LeagueName,
		SeasonsLastUpdateReason: ReasonUnknown,
	})
}

// dropLeagueStats removes a league from the snapshot.
func (w *Worker) dropLeagueStats(leagueID int64) {
	w.statsMu.Lock()
	kept := w.stats.Leagues[:0]
	for _, league := range w.stats.Leagues {
		if league.LeagueID != leagueID {
			kept = append(kept, league)
		}
	}
	w.stats.Leagues = kept
	w.statsMu.Unlock()
	w.state.set(Task{Kind: TaskStatsWritePending}, ScopeSystem)
}

// updateMemberStats records a finished roster refresh.
func (w *Worker) updateMemberStats(leagueID int64, memberCount int, at time.Time) {
	w.statsMu.Lock()
	for i := range w.stats.Leagues {
		if w.stats.Leagues[i].LeagueID == leagueID {
			w.stats.Leagues[i].MemberCount = memberCount
			w.stats.Leagues[i].MembersLastUpdated = at
			break
		}
	}
	w.statsMu.Unlock()
	w.state.set(Task{Kind: TaskStatsWritePending}, ScopeSystem)
}

// updateSeasonStats records a finished season update, appending the
// season when it is new.
func (w *Worker) updateSeasonStats(leagueID, seasonID int64, next, last time.Time, reason UpdateReason) {
	w.statsMu.Lock()
	recorded := false
	for i := range w.stats.Leagues {
		if w.stats.Leagues[i].LeagueID != leagueID {
			continue
		}
		league := &w.stats.Leagues[i]
		for j := range league.Seasons {
			if league.Seasons[j].SeasonID == seasonID {
				league.Seasons[j].NextUpdateTime = next
				league.Seasons[j].LastUpdateTime = last
				league.Seasons[j].LastUpdateReason = reason
				recorded = true
				break
			}
		}
		if !recorded {
			league.Seasons = append(league.Seasons, SeasonStats{
				SeasonID:         seasonID,
				NextUpdateTime:   next,
				LastUpdateTime:   last,
				LastUpdateReason: reason,
			})
			recorded = true
		}
		break
	}
	w.statsMu.Unlock()

	if !recorded {
		w.logger.Warn("unable to record stats of unknown league",
			zap.Int64("league_id", leagueID),
			zap.Int64("season_id", seasonID),
		)
		return
	}
	w.state.set(Task{Kind: TaskStatsWritePending}, ScopeSystem)
}

// setSeasonName records the display name once the season list is known.
func (w *Worker) setSeasonName(leagueID, seasonID int64, name string) {
	w.statsMu.Lock()
	for i := range w.stats.Leagues {
		if w.stats.Leagues[i].LeagueID != leagueID {
			continue
		}
		league := &w.stats.Leagues[i]
		found := false
		for j := range league.Seasons {
			if league.Seasons[j].SeasonID == seasonID {
				league.Seasons[j].SeasonName = name
				found = true
				break
			}
		}
		if !found {
			league.Seasons = append(league.Seasons, SeasonStats{
				SeasonID:         seasonID,
				SeasonName:       name,
				LastUpdateReason: ReasonUnknown,
			})
		}
		break
	}
	w.statsMu.Unlock()
	w.state.set(Task{Kind: TaskStatsWritePending}, ScopeSystem)
}

// recordSync stamps a completed publish.
func (w *Worker) recordSync(at time.Time) {
	w.statsMu.Lock()
	w.stats.LastSync = at
	w.statsMu.Unlock()
	w.state.set(Task{Kind: TaskStatsWritePending}, ScopeSystem)
}

func copyStats(stats Stats) Stats {
	copied := Stats{
		Leagues:  make([]LeagueStats, len(stats.Leagues)),
		LastSync: stats.LastSync,
	}
	for i, league := range stats.Leagues {
		copied.Leagues[i] = league
		copied.Leagues[i].Seasons = append([]SeasonStats(nil), league.Seasons...)
	}
	return copied
}

func statsEqual(a, b Stats) bool {
	left, err := json.Marshal(a)
	if err != nil {
		return false
	}
	right, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(left) == string(right)
}
