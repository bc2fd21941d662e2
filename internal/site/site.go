// Package site renders the stored data tree for one league into the
// JSON output consumed by the static front end.
package site

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/leadlap/leaguesync/internal/datasource"
	"github.com/leadlap/leaguesync/internal/store"
	"go.uber.org/zap"
)

// Generator writes per-league JSON output from the store.
type Generator struct {
	store  store.Store
	output string
	logger *zap.Logger
}

// New creates a generator writing under the output directory.
func New(st store.Store, output string, logger *zap.Logger) *Generator {
	if output == "" {
		output = "html"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{store: st, output: output, logger: logger}
}

type seasonDocument struct {
	Season json.RawMessage `json:"season"`
	Races  []raceDocument  `json:"races"`
}

type raceDocument struct {
	Race json.RawMessage            `json:"race"`
	Laps map[string]json.RawMessage `json:"laps"`
}

// Generate rebuilds the output tree for one league. When the league is
// no longer stored its output is removed instead, so deletions clean
// up after themselves.
func (g *Generator) Generate(ctx context.Context, leagueID int64) error {
	leagues, err := g.store.ReadAll(ctx, store.KindLeagues, nil)
	if err != nil {
		return err
	}
	if err := g.writeFile("leagues.json", leagues); err != nil {
		return err
	}

	var info datasource.LeagueInfo
	found, err := g.store.Read(ctx, store.KindLeagues, nil, formatID(leagueID), &info)
	if err != nil {
		return err
	}
	if !found {
		g.logger.Info("removing output for deleted league", zap.Int64("league_id", leagueID))
		if err := os.RemoveAll(filepath.Join(g.output, formatID(leagueID))); err != nil {
			return fmt.Errorf("remove league output: %w", err)
		}
		return nil
	}

	leagueScope := store.ScopeInts(leagueID)

	memberRaws, err := g.store.ReadAll(ctx, store.KindMembers, leagueScope)
	if err != nil {
		return err
	}
	memberDir := filepath.Join(formatID(leagueID), "members.json")
	if err := g.writeFile(memberDir, memberRaws); err != nil {
		return err
	}
	if err := g.rollupDrivers(ctx, memberRaws); err != nil {
		return err
	}

	seasonRaws, err := g.store.ReadAll(ctx, store.KindSeasons, leagueScope)
	if err != nil {
		return err
	}
	seasonIDs := make([]int64, 0, len(seasonRaws))
	for _, raw := range seasonRaws {
		var season datasource.Season
		if err := json.Unmarshal(raw, &season); err != nil {
			g.logger.Warn("skipping undecodable season record",
				zap.Int64("league_id", leagueID),
				zap.Error(err),
			)
			continue
		}
		seasonIDs = append(seasonIDs, season.SeasonID)

		doc, err := g.buildSeason(ctx, leagueID, season.SeasonID, raw)
		if err != nil {
			return err
		}
		path := filepath.Join(formatID(leagueID), "seasons", formatID(season.SeasonID)+".json")
		if err := g.writeFile(path, doc); err != nil {
			return err
		}
	}

	leagueDoc := struct {
		League  datasource.LeagueInfo `json:"league"`
		Seasons []int64               `json:"seasons"`
	}{League: info, Seasons: seasonIDs}
	if err := g.writeFile(filepath.Join(formatID(leagueID), "league.json"), leagueDoc); err != nil {
		return err
	}

	driverRaws, err := g.store.ReadAll(ctx, store.KindDrivers, nil)
	if err != nil {
		return err
	}
	return g.writeFile("drivers.json", driverRaws)
}

func (g *Generator) buildSeason(ctx context.Context, leagueID, seasonID int64, seasonRaw json.RawMessage) (seasonDocument, error) {
	doc := seasonDocument{Season: seasonRaw}

	raceRaws, err := g.store.ReadAll(ctx, store.KindRaces, store.ScopeInts(leagueID, seasonID))
	if err != nil {
		return seasonDocument{}, err
	}
	for _, raceRaw := range raceRaws {
		var sheet datasource.ResultSheet
		if err := json.Unmarshal(raceRaw, &sheet); err != nil {
			g.logger.Warn("skipping undecodable race record",
				zap.Int64("league_id", leagueID),
				zap.Int64("season_id", seasonID),
				zap.Error(err),
			)
			continue
		}

		laps := make(map[string]json.RawMessage)
		lapScope := store.ScopeInts(leagueID, seasonID, sheet.SubsessionID)
		for _, row := range sheet.Rows {
			id := formatID(row.CustID)
			if _, done := laps[id]; done {
				continue
			}
			var lapData json.RawMessage
			found, err := g.store.Read(ctx, store.KindLaps, lapScope, id, &lapData)
			if err != nil {
				return seasonDocument{}, err
			}
			if found {
				laps[id] = lapData
			}
		}

		doc.Races = append(doc.Races, raceDocument{Race: raceRaw, Laps: laps})
	}
	return doc, nil
}

// rollupDrivers merges a league's roster into the cross-league driver
// collection, which feeds the shared drivers index.
func (g *Generator) rollupDrivers(ctx context.Context, memberRaws []json.RawMessage) error {
	for _, raw := range memberRaws {
		var member datasource.Member
		if err := json.Unmarshal(raw, &member); err != nil {
			g.logger.Warn("skipping undecodable member record", zap.Error(err))
			continue
		}
		if _, err := g.store.Write(ctx, store.KindDrivers, nil, formatID(member.CustID), member); err != nil {
			return err
		}
	}
	return nil
}

func (g *Generator) writeFile(relative string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", relative, err)
	}

	path := filepath.Join(g.output, relative)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output directory for %s: %w", relative, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", relative, err)
	}
	return nil
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
