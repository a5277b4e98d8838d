package valuation

import (
	"strings"

	"player-values/internal/model"
)

// points-per-game to value scale for players without a market signal
var positionScale = map[model.Position]float64{
	model.PositionQB:  180,
	model.PositionRB:  300,
	model.PositionWR:  280,
	model.PositionTE:  320,
	model.PositionK:   60,
	model.PositionDEF: 70,
}

// value used when a non-IDP player has neither a market signal nor production
var positionFloor = map[model.Position]float64{
	model.PositionQB:  1500,
	model.PositionRB:  1200,
	model.PositionWR:  1200,
	model.PositionTE:  800,
	model.PositionK:   100,
	model.PositionDEF: 150,
}

var idpTierValues = map[int]float64{
	1: 2500,
	2: 1800,
	3: 1200,
	4: 700,
}

const idpDefaultValue = 300

// AgeMultiplier is the position-specific youth bonus or veteran discount of the heuristic.
func AgeMultiplier(pos model.Position, age *float64) float64 {
	if age == nil {
		return 1.0
	}
	a := *age
	switch pos {
	case model.PositionRB:
		if a < 24 {
			return 1.1
		}
		if a > 28 {
			return 0.6
		}
	case model.PositionWR:
		if a < 25 {
			return 1.1
		}
		if a > 30 {
			return 0.7
		}
	case model.PositionTE:
		if a < 25 {
			return 1.05
		}
		if a > 30 {
			return 0.75
		}
	case model.PositionQB:
		if a < 26 {
			return 1.05
		}
		if a > 33 {
			return 0.7
		}
	case model.PositionK, model.PositionDEF, model.PositionDL, model.PositionLB, model.PositionDB:
	}
	return 1.0
}

// InjuryFactor discounts heuristic values by reported injury designation.
func InjuryFactor(status string) float64 {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "", "HEALTHY", "ACTIVE", "PROBABLE", "P":
		return 1.0
	case "QUESTIONABLE", "Q":
		return 0.85
	case "DOUBTFUL", "D":
		return 0.70
	case "OUT", "O":
		return 0.50
	case "IR", "INJURED RESERVE":
		return 0.30
	case "PUP":
		return 0.20
	default:
		return 1.0
	}
}

// IDPTierValue maps an individual defensive player's tier onto a value.
func IDPTierValue(tier *int) float64 {
	if tier == nil {
		return idpDefaultValue
	}
	if v, ok := idpTierValues[*tier]; ok {
		return v
	}
	return idpDefaultValue
}

// HeuristicValue estimates a value from production, age and injury status.
func HeuristicValue(sig model.PlayerSignal) float64 {
	if sig.Position.IsIDP() {
		return IDPTierValue(sig.IDPTier)
	}
	if sig.PointsPerGame == nil || *sig.PointsPerGame <= 0 {
		return positionFloor[sig.Position]
	}
	return *sig.PointsPerGame * positionScale[sig.Position] * AgeMultiplier(sig.Position, sig.Age) * InjuryFactor(sig.InjuryStatus)
}

// LeagueMultiplier derives the scoring multiplier a league applies to a position.
func LeagueMultiplier(pos model.Position, scoring model.ScoringSettings) float64 {
	mult := 1.0
	switch pos {
	case model.PositionQB:
		switch {
		case scoring.PassTD == 6:
			mult *= 1.15
		case scoring.PassTD > 4:
			mult *= 1 + (scoring.PassTD-4)/10
		}
	case model.PositionWR, model.PositionTE:
		switch scoring.Reception {
		case 1:
			mult *= 1.10
		case 0.5:
			mult *= 1.05
		}
		if pos == model.PositionTE && scoring.TEPremium > 0 {
			mult *= 1 + scoring.TEPremium*0.05
		}
	case model.PositionDL, model.PositionLB, model.PositionDB:
		if scoring.Sack >= 2 {
			mult *= 1.05
		}
		if scoring.Tackle >= 1 {
			mult *= 1.08
		}
	case model.PositionRB, model.PositionK, model.PositionDEF:
	}
	return mult
}
