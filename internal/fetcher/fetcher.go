// Package fetcher loads league profiles from a local file and the Sleeper API.
package fetcher

import (
	"context"
	"sort"
	"strings"

	"player-values/internal/model"
)

// LeagueFetcher retrieves one remote league's settings.
type LeagueFetcher interface {
	FetchLeague(ctx context.Context, leagueID string) (model.LeagueProfile, error)
}

// defaultPassTD applies when a league's scoring omits pass_td.
const defaultPassTD = 4.0

// scoringFromMap picks the settings that move values out of a raw scoring table.
func scoringFromMap(raw map[string]float64) model.ScoringSettings {
	s := model.ScoringSettings{
		PassTD:    defaultPassTD,
		Reception: raw["rec"],
		TEPremium: raw["bonus_rec_te"],
		Sack:      raw["sack"],
		Tackle:    raw["tkl"],
	}
	if v, ok := raw["pass_td"]; ok {
		s.PassTD = v
	}
	return s
}

// formatFor derives the value format a league is valued in.
func formatFor(dynasty bool, roster []string) model.Format {
	sf := model.LeagueProfile{RosterPositions: roster}.Superflex()
	switch {
	case dynasty && sf:
		return model.FormatDynastySF
	case dynasty:
		return model.FormatDynasty1QB
	case sf:
		return model.FormatRedraftSF
	default:
		return model.FormatRedraft1QB
	}
}

func normalizeRoster(roster []string) []string {
	out := make([]string, 0, len(roster))
	for _, slot := range roster {
		if slot = strings.ToUpper(strings.TrimSpace(slot)); slot != "" {
			out = append(out, slot)
		}
	}
	return out
}

func sortProfiles(profiles []model.LeagueProfile) {
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].ID < profiles[j].ID })
}
