package publish

import (
	"fmt"
	"math"
	"sort"

	"player-values/internal/model"
)

// Validation summarises the sanity checks run on a staged value set. Failed checks are
// warnings: they are logged and reported but never block the swap.
type Validation struct {
	Passed         bool                     `json:"passed"`
	StagedRows     int                      `json:"staged_rows"`
	PreviousRows   int                      `json:"previous_rows"`
	Coverage       float64                  `json:"coverage"`
	Duplicates     int                      `json:"duplicates"`
	EliteShare     map[model.Format]float64 `json:"elite_share"`
	SanityFailures int                      `json:"sanity_failures"`
	Warnings       []string                 `json:"warnings,omitempty"`
}

// Validate checks coverage against the previous canonical count, duplicate keys, tier
// distribution and numeric sanity of staged rows.
func Validate(rows []model.PlayerValueRecord, previousRows int, opts Options) Validation {
	v := Validation{
		StagedRows:   len(rows),
		PreviousRows: previousRows,
		Coverage:     1,
		EliteShare:   make(map[model.Format]float64),
	}

	if previousRows > 0 {
		v.Coverage = float64(len(rows)) / float64(previousRows)
		if v.Coverage < opts.MinCoverage {
			v.Warnings = append(v.Warnings, fmt.Sprintf("coverage %.1f%% of previous canonical set (%d of %d rows)",
				v.Coverage*100, len(rows), previousRows))
		}
	}

	seen := make(map[model.ValueKey]struct{}, len(rows))
	elite := make(map[model.Format]int)
	total := make(map[model.Format]int)
	for _, r := range rows {
		key := r.Key()
		if _, dup := seen[key]; dup {
			v.Duplicates++
		}
		seen[key] = struct{}{}

		if r.LeagueProfileID == "" {
			total[r.Format]++
			if r.Tier == model.TierElite {
				elite[r.Format]++
			}
		}

		if !sane(r, opts.MaxValue) {
			v.SanityFailures++
		}
	}
	if v.Duplicates > 0 {
		v.Warnings = append(v.Warnings, fmt.Sprintf("%d duplicate (player, format, profile) rows", v.Duplicates))
	}

	formats := make([]model.Format, 0, len(total))
	for f := range total {
		formats = append(formats, f)
	}
	sort.Slice(formats, func(i, j int) bool { return formats[i] < formats[j] })
	for _, f := range formats {
		share := float64(elite[f]) / float64(total[f])
		v.EliteShare[f] = share
		if share > opts.MaxEliteShare {
			v.Warnings = append(v.Warnings, fmt.Sprintf("elite tier holds %.1f%% of %s", share*100, f))
		}
	}

	if v.SanityFailures > 0 {
		v.Warnings = append(v.Warnings, fmt.Sprintf("%d rows failed numeric sanity", v.SanityFailures))
	}
	v.Passed = len(v.Warnings) == 0
	return v
}

func sane(r model.PlayerValueRecord, maxValue float64) bool {
	for _, f := range []float64{r.BaseValue, r.ScarcityAdjustment, r.LeagueAdjustment, r.AdjustedValue} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	if r.BaseValue < 0 || r.BaseValue > maxValue {
		return false
	}
	return r.InvariantHolds()
}
