package valuation

import (
	"fmt"
	"math"
	"testing"

	"github.com/rs/zerolog"

	"player-values/internal/model"
)

func fptr(v float64) *float64 { return &v }
func iptr(v int) *int         { return &v }

func newEngine() *Engine {
	return NewEngine(DefaultOptions(), zerolog.Nop())
}

func TestBaseValuePrefersMarketSignal(t *testing.T) {
	e := newEngine()
	base, err := e.BaseValue(model.PlayerSignal{Position: model.PositionWR, MarketValue: fptr(4200), PointsPerGame: fptr(25)})
	if err != nil {
		t.Fatalf("计算失败: %v", err)
	}
	if base != 4200 {
		t.Fatalf("有市场值时应直接使用, 实际 %v", base)
	}
}

func TestBaseValueClampsToRange(t *testing.T) {
	e := newEngine()
	if base, _ := e.BaseValue(model.PlayerSignal{Position: model.PositionQB, MarketValue: fptr(12500)}); base != 10000 {
		t.Fatalf("应截断到 10000, 实际 %v", base)
	}
	if base, _ := e.BaseValue(model.PlayerSignal{Position: model.PositionQB, MarketValue: fptr(-5)}); base != 0 {
		t.Fatalf("应截断到 0, 实际 %v", base)
	}
}

func TestHeuristicAgeAndInjury(t *testing.T) {
	young := HeuristicValue(model.PlayerSignal{Position: model.PositionRB, PointsPerGame: fptr(10), Age: fptr(22)})
	if math.Abs(young-3300) > 1e-9 {
		t.Fatalf("22 岁 RB 应 ×1.1: 期望 3300, 实际 %v", young)
	}
	old := HeuristicValue(model.PlayerSignal{Position: model.PositionRB, PointsPerGame: fptr(10), Age: fptr(29)})
	if math.Abs(old-1800) > 1e-9 {
		t.Fatalf("29 岁 RB 应 ×0.6: 期望 1800, 实际 %v", old)
	}
	hurt := HeuristicValue(model.PlayerSignal{Position: model.PositionWR, PointsPerGame: fptr(10), InjuryStatus: "Questionable"})
	if math.Abs(hurt-2380) > 1e-9 {
		t.Fatalf("questionable 应 ×0.85: 期望 2380, 实际 %v", hurt)
	}
	if floor := HeuristicValue(model.PlayerSignal{Position: model.PositionTE}); floor != 800 {
		t.Fatalf("无产出 TE 应取下限 800, 实际 %v", floor)
	}
	if idp := HeuristicValue(model.PlayerSignal{Position: model.PositionLB, IDPTier: iptr(2)}); idp != 1800 {
		t.Fatalf("IDP tier 2 应为 1800, 实际 %v", idp)
	}
	if idp := HeuristicValue(model.PlayerSignal{Position: model.PositionDB}); idp != 300 {
		t.Fatalf("无 tier 的 IDP 应为 300, 实际 %v", idp)
	}
}

func TestAgeCurveAboveStart(t *testing.T) {
	e := newEngine()
	if got := e.AgeCurve(fptr(28)); got != 1 {
		t.Fatalf("28 岁不应衰减, 实际 %v", got)
	}
	if got := e.AgeCurve(fptr(31)); math.Abs(got-0.88) > 1e-9 {
		t.Fatalf("31 岁应为 0.88, 实际 %v", got)
	}
	if got := e.AgeCurve(fptr(60)); got != 0 {
		t.Fatalf("衰减不应为负, 实际 %v", got)
	}
	base, _ := e.BaseValue(model.PlayerSignal{Position: model.PositionWR, MarketValue: fptr(5000), Age: fptr(30)})
	if math.Abs(base-4600) > 1e-9 {
		t.Fatalf("30 岁市场值 5000 应为 4600, 实际 %v", base)
	}
}

func TestScarcityAdjustmentCaps(t *testing.T) {
	e := newEngine()
	// WR1: 40*(30-1)=1160, capped at 25% of 2000
	if got := e.ScarcityAdjustment(model.FormatDynastySF, model.PositionWR, 2000, 1, false); got != 500 {
		t.Fatalf("正向调整应封顶 500, 实际 %v", got)
	}
	// WR40: 40*(30-40)=-400
	if got := e.ScarcityAdjustment(model.FormatDynastySF, model.PositionWR, 4000, 40, false); got != -400 {
		t.Fatalf("期望 -400, 实际 %v", got)
	}
	// breakout: penalty cap 25%*1000*0.4 = 100
	if got := e.ScarcityAdjustment(model.FormatDynastySF, model.PositionWR, 1000, 40, true); got != -100 {
		t.Fatalf("突破保护应把惩罚上限降为 100, 实际 %v", got)
	}
	// breakout never tightens the bonus side
	if got := e.ScarcityAdjustment(model.FormatDynastySF, model.PositionWR, 2000, 1, true); got != 500 {
		t.Fatalf("突破保护不应影响正向调整, 实际 %v", got)
	}
}

func TestSuperflexReplacementRank(t *testing.T) {
	e := newEngine()
	if e.ReplacementRank(model.FormatDynastySF, model.PositionQB) != 24 {
		t.Fatal("superflex 格式 QB 替补名次应为 24")
	}
	if e.ReplacementRank(model.FormatDynasty1QB, model.PositionQB) != 12 {
		t.Fatal("1QB 格式 QB 替补名次应为 12")
	}
}

func TestLeagueMultiplier(t *testing.T) {
	cases := []struct {
		pos     model.Position
		scoring model.ScoringSettings
		want    float64
	}{
		{model.PositionQB, model.ScoringSettings{PassTD: 6}, 1.15},
		{model.PositionQB, model.ScoringSettings{PassTD: 5}, 1.1},
		{model.PositionQB, model.ScoringSettings{PassTD: 4}, 1.0},
		{model.PositionWR, model.ScoringSettings{Reception: 1}, 1.10},
		{model.PositionTE, model.ScoringSettings{Reception: 0.5, TEPremium: 1}, 1.05 * 1.05},
		{model.PositionRB, model.ScoringSettings{Reception: 1}, 1.0},
		{model.PositionLB, model.ScoringSettings{Sack: 2, Tackle: 1}, 1.05 * 1.08},
	}
	for _, tc := range cases {
		if got := LeagueMultiplier(tc.pos, tc.scoring); math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("%s %+v 期望 %v, 实际 %v", tc.pos, tc.scoring, tc.want, got)
		}
	}
}

func TestComputeHoldsInvariantAndProfiles(t *testing.T) {
	e := newEngine()
	var signals []model.PlayerSignal
	for i := 0; i < 35; i++ {
		signals = append(signals, model.PlayerSignal{
			BatchID:     "b1",
			PlayerID:    fmt.Sprintf("wr%02d", i),
			Position:    model.PositionWR,
			MarketValue: fptr(float64(8000 - i*200)),
		})
	}
	signals = append(signals, model.PlayerSignal{BatchID: "b1", PlayerID: "te01", Position: model.PositionTE, MarketValue: fptr(3000)})
	profile := model.LeagueProfile{ID: "L1", Format: model.FormatDynastySF, Scoring: model.ScoringSettings{Reception: 1}}
	other := model.LeagueProfile{ID: "L2", Format: model.FormatRedraft1QB}

	rows, errs := e.Compute(Input{
		Format:          model.FormatDynastySF,
		EpochID:         7,
		Signals:         signals,
		Profiles:        []model.LeagueProfile{profile, other},
		BatchConfidence: map[string]float64{"b1": 0.9},
	})
	if len(errs) != 0 {
		t.Fatalf("不应有错误: %v", errs)
	}
	if len(rows) != 72 {
		t.Fatalf("36 名球员 × (默认 + 1 个同格式 profile) 应为 72 行, 实际 %d", len(rows))
	}
	keys := make(map[model.ValueKey]struct{})
	for _, r := range rows {
		if !r.InvariantHolds() {
			t.Fatalf("%s 不满足 adjusted = base + scarcity + league", r.Key())
		}
		if _, dup := keys[r.Key()]; dup {
			t.Fatalf("重复行 %s", r.Key())
		}
		keys[r.Key()] = struct{}{}
		if r.EpochID != 7 || r.Confidence != 0.9 {
			t.Fatalf("epoch/置信度未传递: %+v", r)
		}
		if r.LeagueProfileID == "" && r.LeagueAdjustment != 0 {
			t.Fatalf("默认 profile 不应有联盟调整: %+v", r)
		}
		if r.Tier != model.TierFor(r.AdjustedValue) {
			t.Fatalf("tier 应由 adjusted_value 决定: %+v", r)
		}
	}
	for _, r := range rows {
		if r.PlayerID == "wr00" && r.LeagueProfileID == "L1" {
			if math.Abs(r.LeagueAdjustment-800) > 1e-9 {
				t.Fatalf("全 PPR 下 WR 8000 联盟调整应为 800, 实际 %v", r.LeagueAdjustment)
			}
		}
	}
}

func TestComputeSkipsBadPlayer(t *testing.T) {
	e := newEngine()
	rows, errs := e.Compute(Input{
		Format:  model.FormatDynastySF,
		Signals: []model.PlayerSignal{
			{PlayerID: "ok", Position: model.PositionWR, MarketValue: fptr(1000)},
			{PlayerID: "bad", Position: "XX", MarketValue: fptr(1000)},
			{PlayerID: "nan", Position: model.PositionWR, MarketValue: fptr(math.NaN())},
		},
	})
	if len(rows) != 1 || rows[0].PlayerID != "ok" {
		t.Fatalf("坏数据应被跳过, 实际 %+v", rows)
	}
	if len(errs) != 2 {
		t.Fatalf("应收集 2 个球员错误, 实际 %v", errs)
	}
	var perr *PlayerError
	for _, err := range errs {
		if pe, ok := err.(*PlayerError); ok {
			perr = pe
		}
	}
	if perr == nil {
		t.Fatal("错误应为 *PlayerError")
	}
}
