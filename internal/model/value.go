package model

import (
	"fmt"
	"math"
	"time"
)

// InvariantTolerancePct is the relative drift (percent) tolerated between
// adjusted_value and base+scarcity+league.
const InvariantTolerancePct = 0.01

// ValueKey identifies a canonical row. An empty LeagueProfileID is the default profile.
type ValueKey struct {
	PlayerID        string
	Format          Format
	LeagueProfileID string
}

func (k ValueKey) String() string {
	profile := k.LeagueProfileID
	if profile == "" {
		profile = "default"
	}
	return fmt.Sprintf("%s/%s/%s", k.PlayerID, k.Format, profile)
}

// PlayerValueRecord is one computed value row, staged or canonical.
type PlayerValueRecord struct {
	PlayerID           string
	FullName           string
	Position           Position
	Team               string
	Format             Format
	LeagueProfileID    string
	BaseValue          float64
	MarketValue        *float64
	ScarcityAdjustment float64
	LeagueAdjustment   float64
	AdjustedValue      float64
	RankOverall        int
	RankPosition       int
	Tier               Tier
	EpochID            int64
	Confidence         float64
	UpdatedAt          time.Time
}

// Key returns the row identity.
func (r PlayerValueRecord) Key() ValueKey {
	return ValueKey{PlayerID: r.PlayerID, Format: r.Format, LeagueProfileID: r.LeagueProfileID}
}

// ExpectedAdjusted is base + scarcity + league.
func (r PlayerValueRecord) ExpectedAdjusted() float64 {
	return r.BaseValue + r.ScarcityAdjustment + r.LeagueAdjustment
}

// InvariantHolds reports whether the adjusted value matches its components within tolerance.
func (r PlayerValueRecord) InvariantHolds() bool {
	return WithinTolerance(r.ExpectedAdjusted(), r.AdjustedValue)
}

// WithinTolerance compares two values using the relative invariant tolerance.
func WithinTolerance(expected, actual float64) bool {
	drift := math.Abs(expected - actual)
	if expected == 0 {
		return drift == 0
	}
	return drift/math.Abs(expected)*100 <= InvariantTolerancePct
}

// ValueEpoch is one numbered version of the whole canonical value set.
type ValueEpoch struct {
	ID               int64
	Number           int64
	TriggerReason    string
	Actor            string
	Status           EpochStatus
	PlayersProcessed int
	CreatedAt        time.Time
	CompletedAt      *time.Time
}

// SystemState is the single authoritative record of operating mode and current epoch.
type SystemState struct {
	Mode            OperatingMode
	CurrentEpochID  *int64
	PreviousEpochID *int64
	UpdatedBy       string
	UpdatedAt       time.Time
}

// ValueView is the read API projection of a canonical row.
type ValueView struct {
	PlayerID           string    `json:"player_id"`
	FullName           string    `json:"full_name"`
	Position           Position  `json:"position"`
	Format             Format    `json:"format"`
	LeagueProfileID    string    `json:"league_profile_id,omitempty"`
	BaseValue          float64   `json:"base_value"`
	AdjustedValue      float64   `json:"adjusted_value"`
	ScarcityAdjustment float64   `json:"scarcity_adjustment"`
	LeagueAdjustment   float64   `json:"league_adjustment"`
	RankOverall        int       `json:"rank_overall"`
	RankPosition       int       `json:"rank_position"`
	Tier               Tier      `json:"tier"`
	ValueEpoch         *int64    `json:"value_epoch"`
	UpdatedAt          time.Time `json:"updated_at"`
	Confidence         float64   `json:"confidence"`
}

// View projects a record for readers, tagging it with the epoch number it was published in.
func (r PlayerValueRecord) View(epochNumber int64) ValueView {
	epoch := epochNumber
	return ValueView{
		PlayerID:           r.PlayerID,
		FullName:           r.FullName,
		Position:           r.Position,
		Format:             r.Format,
		LeagueProfileID:    r.LeagueProfileID,
		BaseValue:          r.BaseValue,
		AdjustedValue:      r.AdjustedValue,
		ScarcityAdjustment: r.ScarcityAdjustment,
		LeagueAdjustment:   r.LeagueAdjustment,
		RankOverall:        r.RankOverall,
		RankPosition:       r.RankPosition,
		Tier:               r.Tier,
		ValueEpoch:         &epoch,
		UpdatedAt:          r.UpdatedAt,
		Confidence:         r.Confidence,
	}
}

// ValueSnapshot is one append-only historical observation of a player's value.
type ValueSnapshot struct {
	PlayerID   string
	Format     Format
	Value      float64
	CapturedAt time.Time
}

// TrendRecord is a fully recomputed short-term classification for a (player, format).
type TrendRecord struct {
	PlayerID       string
	Format         Format
	ValueNow       float64
	Value7d        float64
	Value30d       float64
	Change7d       float64
	Change30d      float64
	Volatility     float64
	Tag            TrendTag
	SignalStrength float64
	ComputedAt     time.Time
}

// LeagueProfile is an external league's settings used for league adjustments.
type LeagueProfile struct {
	ID              string          `json:"league_id"`
	Name            string          `json:"name"`
	Format          Format          `json:"format"`
	Scoring         ScoringSettings `json:"scoring_settings"`
	RosterPositions []string        `json:"roster_positions"`
}

// ScoringSettings is the subset of league scoring that moves player values.
type ScoringSettings struct {
	PassTD    float64 `json:"pass_td"`
	Reception float64 `json:"rec"`
	TEPremium float64 `json:"bonus_rec_te"`
	Sack      float64 `json:"sack"`
	Tackle    float64 `json:"tkl"`
}

// Superflex reports whether the roster lets a second QB start.
func (p LeagueProfile) Superflex() bool {
	qbs := 0
	for _, slot := range p.RosterPositions {
		switch slot {
		case "SUPER_FLEX":
			return true
		case "QB":
			qbs++
		}
	}
	return qbs >= 2
}
