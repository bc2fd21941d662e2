package site

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadlap/leaguesync/internal/datasource"
	"github.com/leadlap/leaguesync/internal/store"
)

func seedLeague(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()

	write := func(kind store.Kind, scope store.Scope, id string, value any) {
		t.Helper()
		_, err := st.Write(ctx, kind, scope, id, value)
		require.NoError(t, err, "seed %s/%s", kind, id)
	}

	write(store.KindLeagues, nil, "42", datasource.LeagueInfo{LeagueID: 42, LeagueName: "Tuesday Night Racing"})
	write(store.KindMembers, store.ScopeInts(42), "11", datasource.Member{CustID: 11, DisplayName: "Driver One"})
	write(store.KindMembers, store.ScopeInts(42), "12", datasource.Member{CustID: 12, DisplayName: "Driver Two"})
	write(store.KindSeasons, store.ScopeInts(42), "100", datasource.Season{SeasonID: 100, SeasonName: "Summer 2024"})
	write(store.KindRaces, store.ScopeInts(42, 100), "555", datasource.ResultSheet{
		SubsessionID: 555,
		Rows: []datasource.ResultRow{
			{CustID: 11, GroupID: 11},
			{CustID: 12, GroupID: 12},
		},
	})
	write(store.KindLaps, store.ScopeInts(42, 100, 555), "11", json.RawMessage(`{"lapcount":10}`))
	write(store.KindLaps, store.ScopeInts(42, 100, 555), "12", json.RawMessage(`{"lapcount":9}`))
}

func readJSON(t *testing.T, path string, out any) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, out), "decode %s", path)
}

func TestGenerateWritesLeagueTree(t *testing.T) {
	t.Parallel()

	st := store.NewFileStore(t.TempDir())
	output := t.TempDir()
	seedLeague(t, st)

	g := New(st, output, nil)
	require.NoError(t, g.Generate(context.Background(), 42))

	var leagues []datasource.LeagueInfo
	readJSON(t, filepath.Join(output, "leagues.json"), &leagues)
	require.Len(t, leagues, 1)
	assert.Equal(t, int64(42), leagues[0].LeagueID)

	var members []datasource.Member
	readJSON(t, filepath.Join(output, "42", "members.json"), &members)
	assert.Len(t, members, 2)

	var league struct {
		League  datasource.LeagueInfo `json:"league"`
		Seasons []int64               `json:"seasons"`
	}
	readJSON(t, filepath.Join(output, "42", "league.json"), &league)
	assert.Equal(t, "Tuesday Night Racing", league.League.LeagueName)
	assert.Equal(t, []int64{100}, league.Seasons)

	var season seasonDocument
	readJSON(t, filepath.Join(output, "42", "seasons", "100.json"), &season)
	require.Len(t, season.Races, 1)
	require.Len(t, season.Races[0].Laps, 2)

	var lap struct {
		LapCount int `json:"lapcount"`
	}
	require.NoError(t, json.Unmarshal(season.Races[0].Laps["11"], &lap))
	assert.Equal(t, 10, lap.LapCount)
}

func TestGenerateRollsUpDrivers(t *testing.T) {
	t.Parallel()

	st := store.NewFileStore(t.TempDir())
	output := t.TempDir()
	seedLeague(t, st)

	// A driver already known from another league stays in the roll-up.
	ctx := context.Background()
	_, err := st.Write(ctx, store.KindDrivers, nil, "99", datasource.Member{CustID: 99, DisplayName: "Elsewhere"})
	require.NoError(t, err)

	g := New(st, output, nil)
	require.NoError(t, g.Generate(ctx, 42))

	var drivers []datasource.Member
	readJSON(t, filepath.Join(output, "drivers.json"), &drivers)
	assert.Len(t, drivers, 3)

	count, err := st.Count(ctx, store.KindDrivers, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestGenerateRemovesDeletedLeagueOutput(t *testing.T) {
	t.Parallel()

	st := store.NewFileStore(t.TempDir())
	output := t.TempDir()
	seedLeague(t, st)
	ctx := context.Background()

	g := New(st, output, nil)
	require.NoError(t, g.Generate(ctx, 42))
	_, err := os.Stat(filepath.Join(output, "42"))
	require.NoError(t, err, "league output missing after generate")

	// Drop the league and regenerate; its directory must go away.
	for _, kind := range store.Kinds() {
		if kind == store.KindDrivers {
			continue
		}
		require.NoError(t, st.DeleteAll(ctx, kind, nil))
	}
	require.NoError(t, g.Generate(ctx, 42))

	_, err = os.Stat(filepath.Join(output, "42"))
	assert.True(t, os.IsNotExist(err), "league output still present after delete")

	var leagues []json.RawMessage
	readJSON(t, filepath.Join(output, "leagues.json"), &leagues)
	assert.Empty(t, leagues)
}
