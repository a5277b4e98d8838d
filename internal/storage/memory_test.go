package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"player-values/internal/model"
)

func stagedRow(epochID int64, playerID string, adjusted float64) model.PlayerValueRecord {
	return model.PlayerValueRecord{
		PlayerID:      playerID,
		Position:      model.PositionWR,
		Format:        model.FormatDynastySF,
		BaseValue:     adjusted,
		AdjustedValue: adjusted,
		Tier:          model.TierFor(adjusted),
		EpochID:       epochID,
		UpdatedAt:     time.Now().UTC(),
	}
}

func publish(t *testing.T, m *MemoryStore, rows ...float64) model.ValueEpoch {
	t.Helper()
	ctx := context.Background()
	e, err := m.AllocateEpoch(ctx, "test", "tester")
	if err != nil {
		t.Fatalf("分配 epoch 失败: %v", err)
	}
	staged := make([]model.PlayerValueRecord, 0, len(rows))
	for i, v := range rows {
		staged = append(staged, stagedRow(e.ID, string(rune('a'+i)), v))
	}
	if err := m.ClearStaging(ctx); err != nil {
		t.Fatalf("清空 staging 失败: %v", err)
	}
	if err := m.WriteStaging(ctx, staged); err != nil {
		t.Fatalf("写入 staging 失败: %v", err)
	}
	if err := m.SwapCanonical(ctx, e.ID); err != nil {
		t.Fatalf("swap 失败: %v", err)
	}
	return e
}

func TestCanonicalReadsBeforeFirstSwap(t *testing.T) {
	m := NewMemoryStore()
	if _, err := m.CurrentEpoch(context.Background()); !errors.Is(err, ErrNoCurrentEpoch) {
		t.Fatalf("首次 swap 前应返回 ErrNoCurrentEpoch, 实际 %v", err)
	}
	if _, _, err := m.ListCanonical(context.Background(), model.FormatDynastySF, ""); !errors.Is(err, ErrNoCurrentEpoch) {
		t.Fatalf("首次 swap 前 ListCanonical 应返回 ErrNoCurrentEpoch, 实际 %v", err)
	}
}

func TestSwapPublishesAndRetainsTwoGenerations(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	first := publish(t, m, 100, 200)
	second := publish(t, m, 300)
	third := publish(t, m, 400, 500, 600)

	current, err := m.CurrentEpoch(ctx)
	if err != nil {
		t.Fatalf("读取当前 epoch 失败: %v", err)
	}
	if current.ID != third.ID || current.Status != model.EpochCurrent {
		t.Fatalf("当前 epoch 应为 %d/current, 实际 %d/%s", third.ID, current.ID, current.Status)
	}

	retained, _ := m.RetainedEpochs(ctx)
	if len(retained) != 2 || retained[0] != second.ID || retained[1] != third.ID {
		t.Fatalf("应只保留当前与上一代, 实际 %v", retained)
	}

	old, _ := m.GetEpoch(ctx, first.ID)
	if old.Status != model.EpochSuperseded {
		t.Fatalf("旧 epoch 应为 superseded, 实际 %s", old.Status)
	}

	rows, epoch, err := m.ListCanonical(ctx, model.FormatDynastySF, "")
	if err != nil {
		t.Fatalf("ListCanonical 失败: %v", err)
	}
	if epoch.ID != third.ID || len(rows) != 3 {
		t.Fatalf("应读到第三代的 3 行, 实际 epoch=%d rows=%d", epoch.ID, len(rows))
	}
	if rows[0].AdjustedValue != 600 {
		t.Fatalf("应按 adjusted_value 降序, 首行 %v", rows[0].AdjustedValue)
	}
	for _, r := range rows {
		if r.EpochID != epoch.ID {
			t.Fatalf("行 %s 的 epoch %d 与读取 epoch %d 不一致", r.PlayerID, r.EpochID, epoch.ID)
		}
	}
}

func TestSwapRejectsNonPendingEpoch(t *testing.T) {
	m := NewMemoryStore()
	e := publish(t, m, 100)
	if err := m.SwapCanonical(context.Background(), e.ID); err == nil {
		t.Fatal("已发布的 epoch 不应再次 swap")
	}
}

func TestRollbackRestoresPreviousGeneration(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	first := publish(t, m, 100)
	second := publish(t, m, 900, 800)

	if err := m.RollbackCanonical(ctx, second.ID); err != nil {
		t.Fatalf("回滚失败: %v", err)
	}
	rows, epoch, err := m.ListCanonical(ctx, model.FormatDynastySF, "")
	if err != nil {
		t.Fatalf("回滚后读取失败: %v", err)
	}
	if epoch.ID != first.ID || len(rows) != 1 || rows[0].AdjustedValue != 100 {
		t.Fatalf("回滚后应恢复第一代, 实际 epoch=%d rows=%d", epoch.ID, len(rows))
	}
	state, _ := m.SystemState(ctx)
	if state.CurrentEpochID == nil || *state.CurrentEpochID != first.ID || state.PreviousEpochID != nil {
		t.Fatalf("system_state 指针未恢复: %+v", state)
	}
}

func TestRollbackOfOnlyGenerationClearsCanonical(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	e := publish(t, m, 100)
	if err := m.RollbackCanonical(ctx, e.ID); err != nil {
		t.Fatalf("回滚失败: %v", err)
	}
	if _, err := m.CurrentEpoch(ctx); !errors.Is(err, ErrNoCurrentEpoch) {
		t.Fatalf("回滚唯一一代后不应有当前 epoch, 实际 %v", err)
	}
}

func TestStagingLastRowWinsPerKey(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	e, _ := m.AllocateEpoch(ctx, "test", "tester")
	_ = m.WriteStaging(ctx, []model.PlayerValueRecord{stagedRow(e.ID, "p1", 100), stagedRow(e.ID, "p1", 150)})
	if err := m.SwapCanonical(ctx, e.ID); err != nil {
		t.Fatalf("swap 失败: %v", err)
	}
	r, _, err := m.GetCanonical(ctx, model.ValueKey{PlayerID: "p1", Format: model.FormatDynastySF})
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if r.AdjustedValue != 150 {
		t.Fatalf("同 key 应保留最后一行, 实际 %v", r.AdjustedValue)
	}
	if count, _ := m.CanonicalCount(ctx); count != 1 {
		t.Fatalf("canonical 应只有 1 行, 实际 %d", count)
	}
}

func TestEpochNumbersAreNeverReused(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	a, _ := m.AllocateEpoch(ctx, "a", "tester")
	_ = m.FailEpoch(ctx, a.ID)
	b, _ := m.AllocateEpoch(ctx, "b", "tester")
	if b.Number <= a.Number {
		t.Fatalf("失败的 epoch 编号不应被复用: %d -> %d", a.Number, b.Number)
	}
}

func TestLatestSignalsOnlyFromCompletedBatches(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	v1, v2 := 1000.0, 5000.0
	base := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	_ = m.InsertBatch(ctx, model.RawBatch{ID: "b1", Source: "ktc", Status: model.BatchCompleted}, []model.PlayerSignal{
		{PlayerID: "p1", Position: model.PositionWR, Format: model.FormatDynastySF, MarketValue: &v1, CapturedAt: base},
	})
	_ = m.InsertBatch(ctx, model.RawBatch{ID: "b2", Source: "ktc", Status: model.BatchQuarantined}, []model.PlayerSignal{
		{PlayerID: "p1", Position: model.PositionWR, Format: model.FormatDynastySF, MarketValue: &v2, CapturedAt: base.Add(time.Hour)},
	})

	signals, err := m.ListAcceptedSignals(ctx, model.FormatDynastySF)
	if err != nil {
		t.Fatalf("ListAcceptedSignals 失败: %v", err)
	}
	if len(signals) != 1 || *signals[0].MarketValue != v1 {
		t.Fatalf("只应采用 completed 批次的信号, 实际 %+v", signals)
	}

	others, _ := m.LatestOtherSourceValues(ctx, "fc", model.FormatDynastySF, []string{"p1"})
	if others["p1"] != v1 {
		t.Fatalf("其他来源的最新值应为 %v, 实际 %v", v1, others["p1"])
	}
}

func TestRecordBatchOutcomeDerivesStatusBand(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Now().UTC()
	for i := 0; i < 7; i++ {
		_, _ = m.RecordBatchOutcome(ctx, "ktc", "values", true, now)
	}
	for i := 0; i < 3; i++ {
		_, _ = m.RecordBatchOutcome(ctx, "ktc", "values", false, now)
	}
	h, err := m.GetSourceHealth(ctx, "ktc", "values")
	if err != nil {
		t.Fatalf("读取健康度失败: %v", err)
	}
	if h.ReliabilityScore != 0.7 || h.Status != model.HealthDegraded {
		t.Fatalf("7/10 应为 degraded, 实际 %v/%s", h.ReliabilityScore, h.Status)
	}
	if _, err := m.GetSourceHealth(ctx, "unknown", "values"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("未知来源应返回 ErrNotFound, 实际 %v", err)
	}
}

func TestAdvisoryLockIsExclusive(t *testing.T) {
	m := NewMemoryStore()
	unlock, ok, err := m.TryAdvisoryLock(context.Background(), 42)
	if err != nil || !ok {
		t.Fatalf("首次加锁应成功: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := m.TryAdvisoryLock(context.Background(), 42); ok {
		t.Fatal("锁被持有时不应再次获取")
	}
	unlock()
	if _, ok, _ := m.TryAdvisoryLock(context.Background(), 42); !ok {
		t.Fatal("释放后应可再次获取")
	}
}

func TestPruneSnapshots(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Now().UTC()
	_ = m.AppendSnapshots(ctx, []model.ValueSnapshot{
		{PlayerID: "p1", Format: model.FormatDynastySF, Value: 1, CapturedAt: now.AddDate(0, 0, -500)},
		{PlayerID: "p1", Format: model.FormatDynastySF, Value: 2, CapturedAt: now},
	})
	removed, err := m.PruneSnapshots(ctx, now.AddDate(0, 0, -400))
	if err != nil || removed != 1 {
		t.Fatalf("应删除 1 条过期快照, 实际 %d (%v)", removed, err)
	}
	left, _ := m.ListPlayerSnapshots(ctx, "p1", model.FormatDynastySF, now.AddDate(-2, 0, 0), now.Add(time.Second))
	if len(left) != 1 || left[0].Value != 2 {
		t.Fatalf("剩余快照不正确: %+v", left)
	}
}
