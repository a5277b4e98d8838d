// Package ranking assigns overall and positional ranks to computed value rows.
package ranking

import (
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"

	"player-values/internal/model"
)

// Assigner ranks rows by adjusted value within each (format, league profile).
type Assigner struct {
	logger zerolog.Logger
}

// NewAssigner builds an assigner.
func NewAssigner(logger zerolog.Logger) *Assigner {
	return &Assigner{logger: logger.With().Str("component", "ranking").Logger()}
}

type group struct {
	format  model.Format
	profile string
}

// Assign returns the rankable rows with rank_overall and rank_position set, ordered by
// format, profile and rank. Ties break on player id so identical input always yields
// identical ranks. Rows that cannot be ranked are logged and dropped.
func (a *Assigner) Assign(rows []model.PlayerValueRecord) ([]model.PlayerValueRecord, []error) {
	var errs []error
	groups := make(map[group][]model.PlayerValueRecord)
	for _, r := range rows {
		if err := rankable(r); err != nil {
			a.logger.Warn().Err(err).Str("player_id", r.PlayerID).Str("format", string(r.Format)).Msg("row not ranked")
			errs = append(errs, err)
			continue
		}
		key := group{format: r.Format, profile: r.LeagueProfileID}
		groups[key] = append(groups[key], r)
	}

	keys := make([]group, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].format != keys[j].format {
			return keys[i].format < keys[j].format
		}
		return keys[i].profile < keys[j].profile
	})

	out := make([]model.PlayerValueRecord, 0, len(rows))
	for _, k := range keys {
		members := groups[k]
		sortByValue(members)
		positional := make(map[model.Position]int)
		for i := range members {
			members[i].RankOverall = i + 1
			positional[members[i].Position]++
			members[i].RankPosition = positional[members[i].Position]
		}
		out = append(out, members...)
	}
	return out, errs
}

func sortByValue(rows []model.PlayerValueRecord) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].AdjustedValue != rows[j].AdjustedValue {
			return rows[i].AdjustedValue > rows[j].AdjustedValue
		}
		return rows[i].PlayerID < rows[j].PlayerID
	})
}

func rankable(r model.PlayerValueRecord) error {
	if r.PlayerID == "" {
		return fmt.Errorf("rank row: empty player id")
	}
	if _, err := model.ParsePosition(string(r.Position)); err != nil {
		return fmt.Errorf("rank %s: %w", r.PlayerID, err)
	}
	if math.IsNaN(r.AdjustedValue) || math.IsInf(r.AdjustedValue, 0) {
		return fmt.Errorf("rank %s: non-finite adjusted value", r.PlayerID)
	}
	return nil
}
