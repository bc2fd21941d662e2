package datasource

import (
	"context"
	"encoding/json"
)

// LeagueInfo is the remote description of a racing league.
type LeagueInfo struct {
	LeagueID   int64  `json:"leagueid"`
	LeagueName string `json:"leaguename"`
	RosterSize int    `json:"rostercount"`
}

// Member is one entry in a league roster.
type Member struct {
	CustID      int64  `json:"custID"`
	DisplayName string `json:"displayName"`
	Admin       bool   `json:"admin"`
}

// Season is one recurring competition within a league.
type Season struct {
	SeasonID   int64          `json:"league_season_id"`
	SeasonName string         `json:"league_season_name"`
	Active     bool           `json:"active"`
	NextRace   *CalendarEvent `json:"nextrace,omitempty"`
}

// CalendarEvent is one scheduled session in a season calendar.
// LaunchAt is unix milliseconds; TimeLimit is the session length in
// minutes.
type CalendarEvent struct {
	SubsessionID int64 `json:"subsessionid"`
	LaunchAt     int64 `json:"launchat"`
	TimeLimit    int64 `json:"timelimit"`
}

// Calendar is a season's event schedule.
type Calendar struct {
	RowCount int             `json:"rowcount"`
	Rows     []CalendarEvent `json:"rows"`
}

// ResultRow is one driver entry in a session result sheet. A driver
// can appear once per session type (practice, qualify, race) but all
// rows of one driver share a group id.
type ResultRow struct {
	CustID      int64  `json:"custid"`
	GroupID     int64  `json:"groupid"`
	DisplayName string `json:"displayName,omitempty"`
	SimSesName  string `json:"simsesname,omitempty"`
}

// ResultSheet is the final result payload for one session.
type ResultSheet struct {
	SubsessionID int64       `json:"subsessionid"`
	Rows         []ResultRow `json:"rows"`
}

// DataSource fetches remote league entities. Every method reports
// missing remote data as a nil/empty value, never as an error; errors
// mean the fetch itself failed.
type DataSource interface {
	LeagueInfo(ctx context.Context, leagueID int64) (*LeagueInfo, error)
	SearchLeagues(ctx context.Context, name string) ([]LeagueInfo, error)
	LeagueMembers(ctx context.Context, leagueID int64) ([]Member, error)
	LeagueSeasons(ctx context.Context, leagueID int64) ([]Season, error)
	SeasonCalendar(ctx context.Context, leagueID, seasonID int64) (*Calendar, error)
	SessionResults(ctx context.Context, subsessionID int64) (*ResultSheet, error)
	SessionLaps(ctx context.Context, subsessionID, groupID int64) (json.RawMessage, error)
}
