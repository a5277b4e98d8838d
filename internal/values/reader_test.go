package values

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"player-values/internal/model"
	"player-values/internal/storage"
)

type cacheEntry struct {
	epoch int64
	key   model.ValueKey
}

type mapCache struct {
	entries map[cacheEntry]model.ValueView
	hits    int
	failGet bool
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[cacheEntry]model.ValueView)}
}

func (c *mapCache) Get(_ context.Context, epoch int64, key model.ValueKey) (model.ValueView, bool, error) {
	if c.failGet {
		return model.ValueView{}, false, errors.New("connection refused")
	}
	v, ok := c.entries[cacheEntry{epoch, key}]
	if ok {
		c.hits++
	}
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, epoch int64, key model.ValueKey, view model.ValueView) error {
	c.entries[cacheEntry{epoch, key}] = view
	return nil
}

func publish(t *testing.T, store *storage.MemoryStore, rows ...model.PlayerValueRecord) model.ValueEpoch {
	t.Helper()
	ctx := context.Background()
	e, err := store.AllocateEpoch(ctx, "test", "tester")
	if err != nil {
		t.Fatalf("分配 epoch 失败: %v", err)
	}
	for i := range rows {
		rows[i].EpochID = e.ID
		rows[i].Format = model.FormatDynastySF
		rows[i].Tier = model.TierFor(rows[i].AdjustedValue)
	}
	if err := store.WriteStaging(ctx, rows); err != nil {
		t.Fatalf("写入 staging 失败: %v", err)
	}
	if err := store.SwapCanonical(ctx, e.ID); err != nil {
		t.Fatalf("swap 失败: %v", err)
	}
	return e
}

func row(id string, pos model.Position, value float64) model.PlayerValueRecord {
	return model.PlayerValueRecord{PlayerID: id, Position: pos, BaseValue: value, AdjustedValue: value}
}

func TestGetValueBeforeFirstPublish(t *testing.T) {
	r := NewReader(storage.NewMemoryStore(), nil, nil, zerolog.Nop())
	_, err := r.GetValue(context.Background(), model.ValueKey{PlayerID: "p1", Format: model.FormatDynastySF})
	if !errors.Is(err, storage.ErrNoCurrentEpoch) {
		t.Fatalf("首次发布前应返回 ErrNoCurrentEpoch, 实际 %v", err)
	}
}

func TestGetValueCachesPerEpoch(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	cache := newMapCache()
	r := NewReader(store, cache, nil, zerolog.Nop())
	key := model.ValueKey{PlayerID: "p1", Format: model.FormatDynastySF}

	first := publish(t, store, row("p1", model.PositionQB, 5000))
	v, err := r.GetValue(ctx, key)
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if v.AdjustedValue != 5000 || v.ValueEpoch == nil || *v.ValueEpoch != first.Number {
		t.Fatalf("返回值不正确: %+v", v)
	}
	if _, err := r.GetValue(ctx, key); err != nil || cache.hits != 1 {
		t.Fatalf("第二次读取应命中缓存: hits=%d err=%v", cache.hits, err)
	}

	second := publish(t, store, row("p1", model.PositionQB, 5500))
	v, _ = r.GetValue(ctx, key)
	if v.AdjustedValue != 5500 || *v.ValueEpoch != second.Number {
		t.Fatalf("新 epoch 发布后不应返回旧缓存: %+v", v)
	}
}

func TestGetValueFallsBackWhenCacheFails(t *testing.T) {
	store := storage.NewMemoryStore()
	publish(t, store, row("p1", model.PositionQB, 5000))
	cache := newMapCache()
	cache.failGet = true
	r := NewReader(store, cache, nil, zerolog.Nop())

	v, err := r.GetValue(context.Background(), model.ValueKey{PlayerID: "p1", Format: model.FormatDynastySF})
	if err != nil || v.AdjustedValue != 5000 {
		t.Fatalf("缓存故障时应回落到 canonical: %+v %v", v, err)
	}
}

func TestRankingsFiltersAndLimits(t *testing.T) {
	store := storage.NewMemoryStore()
	publish(t, store,
		row("qb1", model.PositionQB, 9000),
		row("wr1", model.PositionWR, 8000),
		row("qb2", model.PositionQB, 7000),
		row("qb3", model.PositionQB, 6000),
	)
	r := NewReader(store, nil, nil, zerolog.Nop())

	views, epoch, err := r.Rankings(context.Background(), RankingsQuery{
		Format:   model.FormatDynastySF,
		Position: model.PositionQB,
		Limit:    2,
	})
	if err != nil {
		t.Fatalf("排名读取失败: %v", err)
	}
	if len(views) != 2 || views[0].PlayerID != "qb1" || views[1].PlayerID != "qb2" {
		t.Fatalf("过滤或截断不正确: %+v", views)
	}
	for _, v := range views {
		if *v.ValueEpoch != epoch.Number {
			t.Fatalf("所有行应来自同一 epoch")
		}
	}
	if _, _, err := r.Rankings(context.Background(), RankingsQuery{}); err == nil {
		t.Fatal("缺少 format 应报错")
	}
}
