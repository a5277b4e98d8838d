package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"player-values/internal/model"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("app:\n  name: test\n"), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载默认配置失败: %v", err)
	}
	if cfg.Scheduler.Interval != 6*time.Hour {
		t.Fatalf("默认调度间隔应为 6h, 实际 %s", cfg.Scheduler.Interval)
	}
	if cfg.Pipeline.StagingChunkSize != 500 {
		t.Fatalf("默认 staging chunk 应为 500, 实际 %d", cfg.Pipeline.StagingChunkSize)
	}
	formats, err := cfg.Formats()
	if err != nil || len(formats) != 4 {
		t.Fatalf("默认应有 4 个 format, 实际 %v (%v)", formats, err)
	}
	if band, ok := cfg.Monitor.BandsByPosition()[model.PositionQB]; !ok || band.Min != 500 || band.Max != 7000 {
		t.Fatalf("QB 默认区间不正确: %+v", cfg.Monitor.Bands)
	}
	if got := cfg.Valuation.ReplacementByPosition()[model.PositionWR]; got != 30 {
		t.Fatalf("WR 默认替补名次应为 30, 实际 %d", got)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PLAYERVALUES_PIPELINE_STAGING_CHUNK_SIZE", "250")
	t.Setenv("PLAYERVALUES_PIPELINE_FORMATS", "dynasty_sf,redraft_1qb")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Pipeline.StagingChunkSize != 250 {
		t.Fatalf("环境变量应覆盖 chunk size, 实际 %d", cfg.Pipeline.StagingChunkSize)
	}
	formats, err := cfg.Formats()
	if err != nil {
		t.Fatalf("解析 format 失败: %v", err)
	}
	if len(formats) != 2 || formats[1] != model.FormatRedraft1QB {
		t.Fatalf("环境变量 format 列表不正确: %v", formats)
	}
}

func TestValidateRejectsUnknownFormat(t *testing.T) {
	cfg := validConfig()
	cfg.Pipeline.Formats = []string{"best_ball"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("未知 format 应校验失败")
	}
}

func TestValidateThresholdOrdering(t *testing.T) {
	cfg := validConfig()
	cfg.Confidence.ReviewThreshold = 0.9
	if err := cfg.Validate(); err == nil {
		t.Fatal("review 阈值高于 use 阈值应校验失败")
	}

	cfg = validConfig()
	cfg.Monitor.Bands = map[string]Band{"xx": {Min: 0, Max: 1}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("未知位置的区间应校验失败")
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := validConfig()
	if got := cfg.ResolveMaxPoints(0); got != 100 {
		t.Fatalf("无覆盖时应返回配置值, 实际 %d", got)
	}
	if got := cfg.ResolveMaxPoints(7); got != 7 {
		t.Fatalf("应优先使用覆盖值, 实际 %d", got)
	}
}

func validConfig() *Config {
	return &Config{
		Scheduler:  SchedulerConfig{Interval: time.Hour},
		Pipeline:   PipelineConfig{Formats: []string{"dynasty_sf"}, StagingChunkSize: 10},
		Confidence: ConfidenceConfig{UseThreshold: 0.7, ReviewThreshold: 0.5},
		Monitor:    MonitorConfig{TeamChangeHigh: 0.15, TeamChangeCritical: 0.3, ValueShiftHigh: 0.25, ValueShiftCritical: 0.5},
		Valuation:  ValuationConfig{MaxValue: 10000, VORCapPct: 0.25, BreakoutCapFactor: 0.4},
		Export:     ExportConfig{MaxDataPoints: 100},
	}
}
