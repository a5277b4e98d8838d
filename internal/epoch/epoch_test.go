package epoch

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"player-values/internal/model"
	"player-values/internal/storage"
)

func TestCreateConcurrentNumbersAreUnique(t *testing.T) {
	m := NewManager(storage.NewMemoryStore(), zerolog.Nop())
	const n = 50

	var wg sync.WaitGroup
	numbers := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := m.Create(context.Background(), "concurrent", "tester")
			if err != nil {
				t.Errorf("创建 epoch 失败: %v", err)
				return
			}
			numbers <- e.Number
		}()
	}
	wg.Wait()
	close(numbers)

	seen := make(map[int64]bool)
	for num := range numbers {
		if seen[num] {
			t.Fatalf("epoch 编号 %d 重复", num)
		}
		seen[num] = true
	}
	if len(seen) != n {
		t.Fatalf("应分配 %d 个编号, 实际 %d", n, len(seen))
	}
}

func TestCreateRequiresReason(t *testing.T) {
	m := NewManager(storage.NewMemoryStore(), zerolog.Nop())
	if _, err := m.Create(context.Background(), "  ", "tester"); err == nil {
		t.Fatal("缺少 reason 应报错")
	}
}

func TestFailedEpochNumberNotReused(t *testing.T) {
	ctx := context.Background()
	m := NewManager(storage.NewMemoryStore(), zerolog.Nop())
	first, _ := m.Create(ctx, "rebuild", "")
	if first.Actor != "system" {
		t.Fatalf("缺省 actor 应为 system, 实际 %q", first.Actor)
	}
	if err := m.Fail(ctx, first.ID); err != nil {
		t.Fatalf("标记失败出错: %v", err)
	}
	second, _ := m.Create(ctx, "rebuild", "tester")
	if second.Number <= first.Number {
		t.Fatalf("编号必须严格递增: %d -> %d", first.Number, second.Number)
	}
	got, _ := m.Get(ctx, first.ID)
	if got.Status != model.EpochFailed {
		t.Fatalf("失败的 epoch 状态应为 failed, 实际 %s", got.Status)
	}
}
