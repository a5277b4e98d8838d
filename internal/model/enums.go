package model

import "fmt"

// BatchStatus is the processing state of an ingested batch.
type BatchStatus string

const (
	BatchPending     BatchStatus = "pending"
	BatchCompleted   BatchStatus = "completed"
	BatchQuarantined BatchStatus = "quarantined"
	BatchRejected    BatchStatus = "rejected"
)

// Valid reports whether s is a known status.
func (s BatchStatus) Valid() bool {
	switch s {
	case BatchPending, BatchCompleted, BatchQuarantined, BatchRejected:
		return true
	}
	return false
}

// Terminal reports whether the batch can no longer change state.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchCompleted, BatchQuarantined, BatchRejected:
		return true
	case BatchPending:
		return false
	}
	return false
}

// CrossSourceCheck is the categorical result of comparing a batch against other sources.
type CrossSourceCheck string

const (
	CrossSourceApprove    CrossSourceCheck = "approve"
	CrossSourceQuarantine CrossSourceCheck = "quarantine"
	CrossSourceReject     CrossSourceCheck = "reject"
	CrossSourceUnknown    CrossSourceCheck = "unknown"
)

// ParseCrossSourceCheck maps stored values onto the enumeration; anything unrecognised is unknown.
func ParseCrossSourceCheck(v string) CrossSourceCheck {
	switch CrossSourceCheck(v) {
	case CrossSourceApprove, CrossSourceQuarantine, CrossSourceReject:
		return CrossSourceCheck(v)
	}
	return CrossSourceUnknown
}

// Recommendation is what the confidence scorer advises the gate to do with a batch.
type Recommendation string

const (
	RecommendUse          Recommendation = "use"
	RecommendManualReview Recommendation = "manual_review"
	RecommendSkip         Recommendation = "skip"
)

// Severity grades a data-quality alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// AlertType names the anomaly class detected by the suspicious pattern monitor.
type AlertType string

const (
	AlertTeamChangeSpike    AlertType = "team_change_spike"
	AlertValueShiftSpike    AlertType = "value_shift_spike"
	AlertPositionGroupSpike AlertType = "position_group_spike"
	AlertSourceOutage       AlertType = "source_outage"
)

// Valid reports whether t is a known alert type.
func (t AlertType) Valid() bool {
	switch t {
	case AlertTeamChangeSpike, AlertValueShiftSpike, AlertPositionGroupSpike, AlertSourceOutage:
		return true
	}
	return false
}

// HealthStatus is the band a data source's reliability score falls in.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthOffline   HealthStatus = "offline"
)

// HealthFromReliability derives the status band from a reliability score.
func HealthFromReliability(score float64) HealthStatus {
	switch {
	case score >= 0.9:
		return HealthHealthy
	case score >= 0.7:
		return HealthDegraded
	case score >= 0.4:
		return HealthUnhealthy
	default:
		return HealthOffline
	}
}

// OperatingMode is the system-wide switch read as a rebuild precondition.
type OperatingMode string

const (
	ModeNormal      OperatingMode = "normal"
	ModeMaintenance OperatingMode = "maintenance"
	ModeSafe        OperatingMode = "safe_mode"
)

// ParseOperatingMode validates a textual mode.
func ParseOperatingMode(v string) (OperatingMode, error) {
	switch OperatingMode(v) {
	case ModeNormal, ModeMaintenance, ModeSafe:
		return OperatingMode(v), nil
	}
	return "", fmt.Errorf("unknown operating mode %q", v)
}

// TrendTag is the short-term classification of a player's value series.
type TrendTag string

const (
	TrendBuyLow   TrendTag = "buy_low"
	TrendSellHigh TrendTag = "sell_high"
	TrendRising   TrendTag = "rising"
	TrendFalling  TrendTag = "falling"
	TrendStable   TrendTag = "stable"
)

// ParseTrendTag validates a textual trend tag.
func ParseTrendTag(v string) (TrendTag, error) {
	switch TrendTag(v) {
	case TrendBuyLow, TrendSellHigh, TrendRising, TrendFalling, TrendStable:
		return TrendTag(v), nil
	}
	return "", fmt.Errorf("unknown trend tag %q", v)
}

// Tier buckets an adjusted value with fixed breakpoints.
type Tier string

const (
	TierElite Tier = "elite"
	TierHigh  Tier = "high"
	TierMid   Tier = "mid"
	TierLow   Tier = "low"
	TierDepth Tier = "depth"
)

// Tiers lists every tier from best to worst.
var Tiers = []Tier{TierElite, TierHigh, TierMid, TierLow, TierDepth}

// TierFor maps a value onto its tier.
func TierFor(value float64) Tier {
	switch {
	case value >= 8000:
		return TierElite
	case value >= 5000:
		return TierHigh
	case value >= 2000:
		return TierMid
	case value >= 500:
		return TierLow
	default:
		return TierDepth
	}
}

// EpochStatus tracks a value epoch through a rebuild.
type EpochStatus string

const (
	EpochPending    EpochStatus = "pending"
	EpochCurrent    EpochStatus = "current"
	EpochSuperseded EpochStatus = "superseded"
	EpochFailed     EpochStatus = "failed"
)

// Position is a roster slot a player is valued at.
type Position string

const (
	PositionQB  Position = "QB"
	PositionRB  Position = "RB"
	PositionWR  Position = "WR"
	PositionTE  Position = "TE"
	PositionK   Position = "K"
	PositionDEF Position = "DEF"
	PositionDL  Position = "DL"
	PositionLB  Position = "LB"
	PositionDB  Position = "DB"
)

// ParsePosition validates a textual position.
func ParsePosition(v string) (Position, error) {
	switch p := Position(v); p {
	case PositionQB, PositionRB, PositionWR, PositionTE, PositionK, PositionDEF,
		PositionDL, PositionLB, PositionDB:
		return p, nil
	}
	return "", fmt.Errorf("unknown position %q", v)
}

// IsIDP reports whether p is an individual defensive position.
func (p Position) IsIDP() bool {
	switch p {
	case PositionDL, PositionLB, PositionDB:
		return true
	}
	return false
}

// Format identifies a scoring/league format values are computed for.
type Format string

const (
	FormatDynastySF  Format = "dynasty_sf"
	FormatDynasty1QB Format = "dynasty_1qb"
	FormatRedraftSF  Format = "redraft_sf"
	FormatRedraft1QB Format = "redraft_1qb"
)

// Superflex reports whether QBs may fill a flex slot in the format.
func (f Format) Superflex() bool {
	return f == FormatDynastySF || f == FormatRedraftSF
}

// ParseFormat validates a textual format.
func ParseFormat(v string) (Format, error) {
	switch f := Format(v); f {
	case FormatDynastySF, FormatDynasty1QB, FormatRedraftSF, FormatRedraft1QB:
		return f, nil
	}
	return "", fmt.Errorf("unknown format %q", v)
}
