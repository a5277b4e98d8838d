package trend

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"player-values/internal/model"
	"player-values/internal/storage"
)

var refNow = time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)

func snap(daysAgo int, hour int, value float64) model.ValueSnapshot {
	d := refNow.AddDate(0, 0, -daysAgo)
	return model.ValueSnapshot{
		PlayerID:   "p1",
		Format:     model.FormatDynastySF,
		Value:      value,
		CapturedAt: time.Date(d.Year(), d.Month(), d.Day(), hour, 0, 0, 0, time.UTC),
	}
}

func TestInterpolateValue(t *testing.T) {
	cases := []struct {
		name    string
		history []model.ValueSnapshot
		daysAgo int
		want    float64
	}{
		{"同日快照原样返回", []model.ValueSnapshot{snap(8, 0, 4000), snap(7, 8, 5000), snap(6, 0, 6000)}, 7, 5000},
		{"今天的快照", []model.ValueSnapshot{snap(1, 0, 4100), snap(0, 9, 4321)}, 0, 4321},
		{"两侧线性插值", []model.ValueSnapshot{snap(10, 0, 4000), snap(4, 0, 5200)}, 7, 4600},
		{"只有更晚的快照", []model.ValueSnapshot{snap(2, 0, 4800)}, 30, 4800},
		{"只有更早的快照", []model.ValueSnapshot{snap(60, 0, 3000), snap(40, 0, 3500)}, 7, 3500},
		{"乱序输入", []model.ValueSnapshot{snap(4, 0, 5200), snap(10, 0, 4000)}, 7, 4600},
	}
	for _, tc := range cases {
		got, ok := InterpolateValue(tc.history, refNow, tc.daysAgo)
		if !ok || math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("%s: 期望 %v, 实际 %v (ok=%v)", tc.name, tc.want, got, ok)
		}
	}
	if _, ok := InterpolateValue(nil, refNow, 7); ok {
		t.Fatal("空历史应返回 ok=false")
	}
}

func TestVolatility(t *testing.T) {
	if got := Volatility([]float64{2, 4, 4, 4, 5, 5, 7, 9}); got != 2 {
		t.Fatalf("总体标准差应为 2, 实际 %v", got)
	}
	values := []float64{1000, 1000, 1000, 1000, 1000, 1000}
	for i := 0; i < 14; i++ {
		values = append(values, 5)
	}
	if got := Volatility(values); got != 0 {
		t.Fatalf("只应统计最近 14 个值, 实际 %v", got)
	}
	if Volatility(nil) != 0 {
		t.Fatal("空序列波动率应为 0")
	}
}

func TestRecentWeeklyAvgChange(t *testing.T) {
	values := make([]float64, 15)
	for i := range values {
		values[i] = float64(i)
	}
	if got := RecentWeeklyAvgChange(values); got != 7 {
		t.Fatalf("每周平均变化应为 7, 实际 %v", got)
	}
	if got := RecentWeeklyAvgChange(values[:7]); got != 0 {
		t.Fatalf("不足一个步长应为 0, 实际 %v", got)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name     string
		m        Metrics
		tag      model.TrendTag
		strength float64
	}{
		{"低价值一律 stable", Metrics{ValueNow: 400, Change30d: -2000, Change7d: -800}, model.TrendStable, 0},
		{"buy_low 示例", Metrics{ValueNow: 6000, Change30d: -750, Volatility: 500}, model.TrendBuyLow, 75},
		{"buy_low 需要波动收敛", Metrics{ValueNow: 6000, Change30d: -750, Volatility: 1200}, model.TrendStable, 0},
		{"buy_low 需要足够价值", Metrics{ValueNow: 900, Change30d: -750, Change7d: -300}, model.TrendFalling, 30},
		{"sell_high 突增", Metrics{ValueNow: 5000, Change30d: 1200, Change7d: 300, WeeklyAvgChange: 100}, model.TrendSellHigh, 80},
		{"sell_high 封顶 100", Metrics{ValueNow: 9000, Change30d: 3000, Change7d: 900}, model.TrendSellHigh, 100},
		{"没有突增时退化为 rising", Metrics{ValueNow: 5000, Change30d: 1200, Change7d: 300, WeeklyAvgChange: 200}, model.TrendRising, 30},
		{"rising 下界", Metrics{ValueNow: 3000, Change7d: 250}, model.TrendRising, 25},
		{"falling 下界", Metrics{ValueNow: 3000, Change7d: -250}, model.TrendFalling, 25},
		{"falling 上界", Metrics{ValueNow: 3000, Change7d: -900}, model.TrendFalling, 90},
		{"超出区间", Metrics{ValueNow: 3000, Change7d: 1000}, model.TrendStable, 0},
		{"小幅波动", Metrics{ValueNow: 3000, Change7d: 100}, model.TrendStable, 0},
	}
	for _, tc := range cases {
		tag, strength := Classify(tc.m)
		if tag != tc.tag || math.Abs(strength-tc.strength) > 1e-9 {
			t.Fatalf("%s: 期望 %s/%v, 实际 %s/%v", tc.name, tc.tag, tc.strength, tag, strength)
		}
	}
}

func publishValues(t *testing.T, store *storage.MemoryStore, values map[string]float64) {
	t.Helper()
	ctx := context.Background()
	e, err := store.AllocateEpoch(ctx, "test", "tester")
	if err != nil {
		t.Fatalf("分配 epoch 失败: %v", err)
	}
	var rows []model.PlayerValueRecord
	for id, v := range values {
		rows = append(rows, model.PlayerValueRecord{
			PlayerID:      id,
			Position:      model.PositionWR,
			Format:        model.FormatDynastySF,
			BaseValue:     v,
			AdjustedValue: v,
			Tier:          model.TierFor(v),
			EpochID:       e.ID,
		})
	}
	if err := store.WriteStaging(ctx, rows); err != nil {
		t.Fatalf("写入 staging 失败: %v", err)
	}
	if err := store.SwapCanonical(ctx, e.ID); err != nil {
		t.Fatalf("swap 失败: %v", err)
	}
}

func TestEngineReplacesRecords(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	engine := NewEngine(store, 0, zerolog.Nop())
	engine.now = func() time.Time { return refNow }

	if _, err := engine.RunFormat(ctx, model.FormatDynastySF); !errors.Is(err, storage.ErrNoCurrentEpoch) {
		t.Fatalf("首次发布前应返回 ErrNoCurrentEpoch, 实际 %v", err)
	}

	publishValues(t, store, map[string]float64{"p1": 6000, "p2": 300})
	_ = store.AppendSnapshots(ctx, []model.ValueSnapshot{snap(30, 0, 6750), snap(7, 0, 6000), snap(1, 0, 6000)})

	for i := 0; i < 2; i++ {
		summary, err := engine.RunFormat(ctx, model.FormatDynastySF)
		if err != nil {
			t.Fatalf("趋势计算失败: %v", err)
		}
		if summary.Records != 2 || summary.ByTag[model.TrendBuyLow] != 1 || summary.ByTag[model.TrendStable] != 1 {
			t.Fatalf("汇总不正确: %+v", summary)
		}
	}

	records, _ := store.ListTrends(ctx, model.FormatDynastySF, nil, 0)
	if len(records) != 2 {
		t.Fatalf("重算应替换而不是合并, 实际 %d 条", len(records))
	}
	top := records[0]
	if top.PlayerID != "p1" || top.Tag != model.TrendBuyLow || top.SignalStrength != 75 {
		t.Fatalf("p1 应为 buy_low/75, 实际 %+v", top)
	}
	if top.Change30d != -750 || top.Change7d != 0 {
		t.Fatalf("变化量不正确: %+v", top)
	}
}
