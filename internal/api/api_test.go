package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"player-values/internal/model"
	"player-values/internal/oracle"
	"player-values/internal/publish"
	"player-values/internal/storage"
	"player-values/internal/values"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubRebuilder struct {
	err    error
	calls  int
	reason string
}

func (r *stubRebuilder) Rebuild(_ context.Context, reason, _ string) (publish.Result, error) {
	r.calls++
	r.reason = reason
	if r.err != nil {
		return publish.Result{Errors: []string{r.err.Error()}}, r.err
	}
	return publish.Result{Success: true, EpochNumber: 7}, nil
}

func seed(t *testing.T, store *storage.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	e, err := store.AllocateEpoch(ctx, "test", "tester")
	if err != nil {
		t.Fatalf("分配 epoch 失败: %v", err)
	}
	rows := []model.PlayerValueRecord{
		{PlayerID: "qb1", Position: model.PositionQB, BaseValue: 8000, AdjustedValue: 8200, ScarcityAdjustment: 200, RankOverall: 1, RankPosition: 1},
		{PlayerID: "wr1", Position: model.PositionWR, BaseValue: 6000, AdjustedValue: 6000, RankOverall: 2, RankPosition: 1},
		{PlayerID: "wr2", Position: model.PositionWR, BaseValue: 4000, AdjustedValue: 3900, ScarcityAdjustment: -100, RankOverall: 3, RankPosition: 2},
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
	err = store.ReplaceTrends(ctx, model.FormatDynastySF, []model.TrendRecord{
		{PlayerID: "qb1", Format: model.FormatDynastySF, Tag: model.TrendRising, SignalStrength: 40},
		{PlayerID: "wr2", Format: model.FormatDynastySF, Tag: model.TrendBuyLow, SignalStrength: 75},
	})
	if err != nil {
		t.Fatalf("写入趋势失败: %v", err)
	}
}

func newTestServer(store *storage.MemoryStore, rebuilder Rebuilder, admin bool) *Server {
	logger := zerolog.Nop()
	reader := values.NewReader(store, nil, nil, logger)
	checker := oracle.New(store, reader, nil, logger)
	return NewServer(Options{EnableAdmin: admin}, reader, store, rebuilder, checker, nil, logger)
}

func do(t *testing.T, s *Server, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	out := map[string]any{}
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") != "" {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func TestGetValue(t *testing.T) {
	store := storage.NewMemoryStore()
	s := newTestServer(store, nil, false)

	rec, _ := do(t, s, http.MethodGet, "/api/v1/values/dynasty_sf/qb1", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("首次发布前应返回 503, 实际 %d", rec.Code)
	}

	seed(t, store)
	rec, body := do(t, s, http.MethodGet, "/api/v1/values/dynasty_sf/qb1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("读取失败: %d %s", rec.Code, rec.Body.String())
	}
	data := body["data"].(map[string]any)
	if data["adjusted_value"].(float64) != 8200 || data["value_epoch"].(float64) != 1 || data["rank_overall"].(float64) != 1 {
		t.Fatalf("返回值不正确: %+v", data)
	}

	if rec, _ := do(t, s, http.MethodGet, "/api/v1/values/dynasty_sf/nobody", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("未知球员应返回 404, 实际 %d", rec.Code)
	}
	if rec, _ := do(t, s, http.MethodGet, "/api/v1/values/bogus/qb1", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("未知 format 应返回 400, 实际 %d", rec.Code)
	}
}

func TestListRankingsAndTrends(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store)
	s := newTestServer(store, nil, false)

	rec, body := do(t, s, http.MethodGet, "/api/v1/rankings/dynasty_sf?position=WR&limit=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("排名读取失败: %d", rec.Code)
	}
	rows := body["data"].([]any)
	if len(rows) != 1 || rows[0].(map[string]any)["player_id"] != "wr1" {
		t.Fatalf("排名过滤不正确: %+v", rows)
	}
	if body["value_epoch"].(float64) != 1 {
		t.Fatalf("应返回 epoch 编号: %+v", body)
	}
	if rec, _ := do(t, s, http.MethodGet, "/api/v1/rankings/dynasty_sf?limit=abc", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("非法 limit 应返回 400, 实际 %d", rec.Code)
	}

	rec, body = do(t, s, http.MethodGet, "/api/v1/trends/dynasty_sf?tag=buy_low", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("趋势读取失败: %d", rec.Code)
	}
	trends := body["data"].([]any)
	if len(trends) != 1 || trends[0].(map[string]any)["player_id"] != "wr2" {
		t.Fatalf("趋势过滤不正确: %+v", trends)
	}
	if rec, _ := do(t, s, http.MethodGet, "/api/v1/trends/dynasty_sf?tag=moon", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("未知 tag 应返回 400, 实际 %d", rec.Code)
	}
}

func TestStateReportsEpoch(t *testing.T) {
	store := storage.NewMemoryStore()
	s := newTestServer(store, nil, false)

	_, body := do(t, s, http.MethodGet, "/api/v1/state", nil)
	data := body["data"].(map[string]any)
	if data["current_epoch"] != nil || data["mode"] != "normal" {
		t.Fatalf("初始状态不正确: %+v", data)
	}

	seed(t, store)
	_, body = do(t, s, http.MethodGet, "/api/v1/state", nil)
	current := body["data"].(map[string]any)["current_epoch"].(map[string]any)
	if current["number"].(float64) != 1 {
		t.Fatalf("应返回当前 epoch: %+v", current)
	}
}

func TestAdminRoutesDisabledByDefault(t *testing.T) {
	s := newTestServer(storage.NewMemoryStore(), &stubRebuilder{}, false)
	if rec, _ := do(t, s, http.MethodPost, "/api/v1/admin/rebuild", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("未启用管理接口时应返回 404, 实际 %d", rec.Code)
	}
}

func TestAdminRebuild(t *testing.T) {
	rb := &stubRebuilder{}
	s := newTestServer(storage.NewMemoryStore(), rb, true)

	rec, body := do(t, s, http.MethodPost, "/api/v1/admin/rebuild", map[string]string{"reason": "hotfix"})
	if rec.Code != http.StatusOK || rb.reason != "hotfix" {
		t.Fatalf("重建请求失败: %d %+v", rec.Code, body)
	}
	if body["data"].(map[string]any)["epoch_number"].(float64) != 7 {
		t.Fatalf("应返回重建结果: %+v", body)
	}

	rec, _ = do(t, s, http.MethodPost, "/api/v1/admin/rebuild", nil)
	if rec.Code != http.StatusOK || rb.reason != "manual" {
		t.Fatalf("空请求体应使用默认原因: %d %s", rec.Code, rb.reason)
	}

	rb.err = publish.ErrRebuildInProgress
	if rec, _ := do(t, s, http.MethodPost, "/api/v1/admin/rebuild", nil); rec.Code != http.StatusConflict {
		t.Fatalf("并发重建应返回 409, 实际 %d", rec.Code)
	}
	rb.err = publish.ErrSwapFailed
	if rec, _ := do(t, s, http.MethodPost, "/api/v1/admin/rebuild", nil); rec.Code != http.StatusInternalServerError {
		t.Fatalf("swap 失败应返回 500, 实际 %d", rec.Code)
	}
}

func TestAdminSetMode(t *testing.T) {
	store := storage.NewMemoryStore()
	s := newTestServer(store, &stubRebuilder{}, true)

	rec, _ := do(t, s, http.MethodPut, "/api/v1/admin/mode", map[string]string{"mode": "maintenance", "actor": "ops"})
	if rec.Code != http.StatusOK {
		t.Fatalf("切换模式失败: %d %s", rec.Code, rec.Body.String())
	}
	state, _ := store.SystemState(context.Background())
	if state.Mode != model.ModeMaintenance || state.UpdatedBy != "ops" {
		t.Fatalf("模式未持久化: %+v", state)
	}
	if rec, _ := do(t, s, http.MethodPut, "/api/v1/admin/mode", map[string]string{"mode": "panic"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("未知模式应返回 400, 实际 %d", rec.Code)
	}
}

func TestAdminOracleCheck(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store)
	s := newTestServer(store, &stubRebuilder{}, true)

	rec, body := do(t, s, http.MethodGet, "/api/v1/admin/check/dynasty_sf?limit=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("一致性检查失败: %d", rec.Code)
	}
	report := body["data"].(map[string]any)
	if report["checked"].(float64) != 3 || report["consistent"].(float64) != 3 {
		t.Fatalf("读路径应与 canonical 一致: %+v", report)
	}

	_, body = do(t, s, http.MethodGet, "/api/v1/admin/check/dynasty_sf/nobody", nil)
	if body["consistent"].(bool) {
		t.Fatal("不存在的球员不应判定为一致")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(storage.NewMemoryStore(), nil, false)
	rec, _ := do(t, s, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics 应可访问, 实际 %d", rec.Code)
	}
	if rec, _ := do(t, s, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("/healthz 应返回 200, 实际 %d", rec.Code)
	}
}
