package publish

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"player-values/internal/epoch"
	"player-values/internal/model"
	"player-values/internal/ranking"
	"player-values/internal/storage"
	"player-values/internal/valuation"
)

const seededPlayers = 40

func fptr(v float64) *float64 { return &v }

func seedSignals(t *testing.T, store *storage.MemoryStore) {
	t.Helper()
	signals := make([]model.PlayerSignal, 0, seededPlayers)
	for i := 0; i < seededPlayers; i++ {
		pos := model.PositionWR
		if i%4 == 0 {
			pos = model.PositionRB
		}
		signals = append(signals, model.PlayerSignal{
			PlayerID:    fmt.Sprintf("p%02d", i),
			Position:    pos,
			Format:      model.FormatDynastySF,
			MarketValue: fptr(float64(6000 - i*100)),
		})
	}
	score := 0.9
	err := store.InsertBatch(context.Background(), model.RawBatch{
		ID: "b1", Source: "ktc", Status: model.BatchCompleted, ConfidenceScore: &score,
	}, signals)
	if err != nil {
		t.Fatalf("写入信号失败: %v", err)
	}
}

func newCoordinator(store Store, profiles ProfileSource) *Coordinator {
	opts := DefaultOptions()
	opts.Formats = []model.Format{model.FormatDynastySF}
	opts.ChunkSize = 7
	logger := zerolog.Nop()
	return NewCoordinator(
		store,
		valuation.NewEngine(valuation.DefaultOptions(), logger),
		ranking.NewAssigner(logger),
		epoch.NewManager(store, logger),
		profiles,
		opts,
		logger,
	)
}

func TestRebuildPublishesNewEpoch(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedSignals(t, store)
	c := newCoordinator(store, nil)

	res, err := c.Rebuild(ctx, "test", "tester")
	if err != nil {
		t.Fatalf("重建失败: %v", err)
	}
	if !res.Success || res.EpochNumber != 1 || res.PlayersProcessed != seededPlayers {
		t.Fatalf("结果不正确: %+v", res)
	}
	if res.RunID == "" {
		t.Fatal("应生成 run id")
	}

	rows, e, err := store.ListCanonical(ctx, model.FormatDynastySF, "")
	if err != nil {
		t.Fatalf("读取 canonical 失败: %v", err)
	}
	if e.ID != res.EpochID || e.PlayersProcessed != seededPlayers || e.Status != model.EpochCurrent {
		t.Fatalf("epoch 统计未更新: %+v", e)
	}
	if len(rows) != seededPlayers {
		t.Fatalf("canonical 应有 %d 行, 实际 %d", seededPlayers, len(rows))
	}
	for i, r := range rows {
		if !r.InvariantHolds() {
			t.Fatalf("%s 不满足不变量", r.Key())
		}
		if r.RankOverall != i+1 {
			t.Fatalf("第 %d 行名次应为 %d, 实际 %d", i, i+1, r.RankOverall)
		}
		if r.Confidence != 0.9 {
			t.Fatalf("置信度应来自批次, 实际 %v", r.Confidence)
		}
	}

	snaps, _ := store.ListSnapshots(ctx, model.FormatDynastySF, time.Time{})
	if len(snaps) != seededPlayers {
		t.Fatalf("发布后应为每位球员追加快照, 实际 %d", len(snaps))
	}
}

func TestRebuildRefusesOutsideNormalMode(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedSignals(t, store)
	_ = store.SetOperatingMode(ctx, model.ModeMaintenance, "ops")

	_, err := newCoordinator(store, nil).Rebuild(ctx, "test", "tester")
	if !errors.Is(err, ErrModeNotNormal) {
		t.Fatalf("非 normal 模式应返回 ErrModeNotNormal, 实际 %v", err)
	}
	if _, err := store.CurrentEpoch(ctx); !errors.Is(err, storage.ErrNoCurrentEpoch) {
		t.Fatal("被拒绝的重建不应发布任何 epoch")
	}
}

// blockingProfiles parks the first rebuild inside its compute phase.
type blockingProfiles struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingProfiles) Profiles(ctx context.Context) ([]model.LeagueProfile, error) {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return nil, nil
}

func TestConcurrentRebuildIsRejected(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedSignals(t, store)
	profiles := &blockingProfiles{entered: make(chan struct{}), release: make(chan struct{})}
	c := newCoordinator(store, profiles)

	type outcome struct {
		res Result
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := c.Rebuild(ctx, "first", "tester")
		first <- outcome{res, err}
	}()
	<-profiles.entered

	if _, err := c.Rebuild(ctx, "second", "tester"); !errors.Is(err, ErrRebuildInProgress) {
		t.Fatalf("并发重建应被拒绝, 实际 %v", err)
	}

	close(profiles.release)
	got := <-first
	if got.err != nil || !got.res.Success {
		t.Fatalf("第一个重建应成功: %+v %v", got.res, got.err)
	}

	rows, e, _ := store.ListCanonical(ctx, model.FormatDynastySF, "")
	for _, r := range rows {
		if r.EpochID != e.ID {
			t.Fatalf("canonical 行来自多个 epoch: %d vs %d", r.EpochID, e.ID)
		}
	}
	if e.ID != got.res.EpochID {
		t.Fatalf("canonical 应完全对应第一个重建, 实际 epoch %d", e.ID)
	}
}

func TestCrossProcessLockRejectsRebuild(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedSignals(t, store)
	c := newCoordinator(store, nil)

	unlock, ok, _ := store.TryAdvisoryLock(ctx, DefaultOptions().LockKey)
	if !ok {
		t.Fatal("预先加锁失败")
	}
	defer unlock()
	if _, err := c.Rebuild(ctx, "test", "tester"); !errors.Is(err, ErrRebuildInProgress) {
		t.Fatalf("其他进程持有锁时应拒绝, 实际 %v", err)
	}
}

type failingSwapStore struct {
	*storage.MemoryStore
}

func (f failingSwapStore) SwapCanonical(context.Context, int64) error {
	return errors.New("disk full")
}

func TestSwapFailureKeepsPreviousEpoch(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	seedSignals(t, mem)

	good, err := newCoordinator(mem, nil).Rebuild(ctx, "good", "tester")
	if err != nil {
		t.Fatalf("首次重建失败: %v", err)
	}

	res, err := newCoordinator(failingSwapStore{mem}, nil).Rebuild(ctx, "bad", "tester")
	if !errors.Is(err, ErrSwapFailed) {
		t.Fatalf("swap 失败应返回 ErrSwapFailed, 实际 %v", err)
	}
	if res.Success {
		t.Fatal("swap 失败时 Success 应为 false")
	}

	current, _ := mem.CurrentEpoch(ctx)
	if current.ID != good.EpochID {
		t.Fatalf("应继续提供上一个 epoch %d, 实际 %d", good.EpochID, current.ID)
	}
	staged, _ := mem.ListStaging(ctx, res.EpochID)
	if len(staged) != seededPlayers {
		t.Fatalf("staging 应保留以便排查, 实际 %d 行", len(staged))
	}
	failed, _ := mem.GetEpoch(ctx, res.EpochID)
	if failed.Status != model.EpochFailed {
		t.Fatalf("失败的 epoch 应标记为 failed, 实际 %s", failed.Status)
	}

	next, err := newCoordinator(mem, nil).Rebuild(ctx, "retry", "tester")
	if err != nil {
		t.Fatalf("重试失败: %v", err)
	}
	if next.EpochNumber <= res.EpochNumber {
		t.Fatalf("失败 epoch 的编号不应复用: %d -> %d", res.EpochNumber, next.EpochNumber)
	}
}

func TestRebuildWithNothingToPublish(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	res, err := newCoordinator(store, nil).Rebuild(ctx, "empty", "tester")
	if err != nil {
		t.Fatalf("空重建不应返回错误: %v", err)
	}
	if res.Success || len(res.Errors) == 0 {
		t.Fatalf("空重建应失败并记录原因: %+v", res)
	}
	if _, err := store.CurrentEpoch(ctx); !errors.Is(err, storage.ErrNoCurrentEpoch) {
		t.Fatal("空重建不应发布")
	}
}

func TestReadersNeverObserveMixedEpochs(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedSignals(t, store)
	c := newCoordinator(store, nil)
	if _, err := c.Rebuild(ctx, "warmup", "tester"); err != nil {
		t.Fatalf("预热重建失败: %v", err)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			rows, e, err := store.ListCanonical(ctx, model.FormatDynastySF, "")
			if err != nil {
				t.Errorf("读取失败: %v", err)
				return
			}
			if len(rows) != seededPlayers {
				t.Errorf("读到不完整的集合: %d 行", len(rows))
				return
			}
			for _, r := range rows {
				if r.EpochID != e.ID {
					t.Errorf("读到混合 epoch: 行 %d, 集合 %d", r.EpochID, e.ID)
					return
				}
			}
		}
	}()

	var last int64
	for i := 0; i < 20; i++ {
		res, err := c.Rebuild(ctx, "loop", "tester")
		if err != nil {
			t.Fatalf("第 %d 次重建失败: %v", i, err)
		}
		if res.EpochNumber <= last {
			t.Fatalf("epoch 编号必须严格递增: %d -> %d", last, res.EpochNumber)
		}
		last = res.EpochNumber
	}
	close(done)
	wg.Wait()

	retained, _ := store.RetainedEpochs(ctx)
	if len(retained) > 2 {
		t.Fatalf("canonical 最多保留两个 epoch, 实际 %v", retained)
	}
}

func TestSnapshotsWrittenOncePerDay(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedSignals(t, store)
	c := newCoordinator(store, nil)

	morning := time.Date(2026, 9, 10, 6, 0, 0, 0, time.UTC)
	for _, at := range []time.Time{morning, morning.Add(6 * time.Hour), morning.Add(24 * time.Hour)} {
		at := at
		c.now = func() time.Time { return at }
		if _, err := c.Rebuild(ctx, "test", "tester"); err != nil {
			t.Fatalf("重建失败: %v", err)
		}
	}

	snaps, _ := store.ListSnapshots(ctx, model.FormatDynastySF, time.Time{})
	if len(snaps) != seededPlayers {
		t.Fatalf("应为每位球员保存历史, 实际 %d", len(snaps))
	}
	for id, history := range snaps {
		if len(history) != 2 {
			t.Fatalf("%s 两天内应只有 2 个快照, 实际 %d", id, len(history))
		}
		if !history[0].CapturedAt.Equal(time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC)) {
			t.Fatalf("快照时间应截断到 UTC 零点, 实际 %s", history[0].CapturedAt)
		}
	}
}
