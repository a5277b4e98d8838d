package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"player-values/internal/logging"
	"player-values/internal/model"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Confidence ConfidenceConfig `mapstructure:"confidence"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Valuation  ValuationConfig  `mapstructure:"valuation"`
	Profiles   ProfilesConfig   `mapstructure:"profiles"`
	API        APIConfig        `mapstructure:"api"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ApplySchema     bool          `mapstructure:"apply_schema"`
}

// RedisConfig configures the read-path value cache. An empty Addr disables it.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	TTL       time.Duration `mapstructure:"ttl"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

// SchedulerConfig governs the periodic pipeline cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// PipelineConfig covers rebuild and history housekeeping.
type PipelineConfig struct {
	Formats           []string      `mapstructure:"formats"`
	StagingChunkSize  int           `mapstructure:"staging_chunk_size"`
	RebuildLockKey    int64         `mapstructure:"rebuild_lock_key"`
	GateBatchLimit    int           `mapstructure:"gate_batch_limit"`
	SnapshotRetention time.Duration `mapstructure:"snapshot_retention"`
	TrendLookback     time.Duration `mapstructure:"trend_lookback"`
	Actor             string        `mapstructure:"actor"`
}

// ConfidenceConfig sets the recommendation thresholds of the batch scorer.
type ConfidenceConfig struct {
	UseThreshold       float64 `mapstructure:"use_threshold"`
	ReviewThreshold    float64 `mapstructure:"review_threshold"`
	AgreementTolerance float64 `mapstructure:"agreement_tolerance"`
	DefaultReliability float64 `mapstructure:"default_reliability"`
}

// Band is an inclusive expected range for a position group's average value.
type Band struct {
	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max"`
}

// MonitorConfig sets the suspicious pattern thresholds.
type MonitorConfig struct {
	TeamChangeHigh     float64         `mapstructure:"team_change_high"`
	TeamChangeCritical float64         `mapstructure:"team_change_critical"`
	ValueMoveThreshold float64         `mapstructure:"value_move_threshold"`
	ValueShiftHigh     float64         `mapstructure:"value_shift_high"`
	ValueShiftCritical float64         `mapstructure:"value_shift_critical"`
	MinGroupSize       int             `mapstructure:"min_group_size"`
	OutageAfter        time.Duration   `mapstructure:"outage_after"`
	Bands              map[string]Band `mapstructure:"bands"`
}

// ValuationConfig parameterises the compute engine.
type ValuationConfig struct {
	MaxValue               float64            `mapstructure:"max_value"`
	AgeCurveStart          float64            `mapstructure:"age_curve_start"`
	AgeCurveRate           float64            `mapstructure:"age_curve_rate"`
	VORPointsPerRank       float64            `mapstructure:"vor_points_per_rank"`
	VORCapPct              float64            `mapstructure:"vor_cap_pct"`
	BreakoutCapFactor      float64            `mapstructure:"breakout_cap_factor"`
	BreakoutPPG            map[string]float64 `mapstructure:"breakout_ppg"`
	ReplacementRanks       map[string]int     `mapstructure:"replacement_ranks"`
	SuperflexQBReplacement int                `mapstructure:"superflex_qb_replacement"`
}

// ProfilesConfig says where league profiles come from.
type ProfilesConfig struct {
	File           string        `mapstructure:"file"`
	SleeperBaseURL string        `mapstructure:"sleeper_base_url"`
	LeagueIDs      []string      `mapstructure:"league_ids"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// APIConfig 描述 HTTP 读取接口参数。
type APIConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	EnableAdmin     bool          `mapstructure:"enable_admin"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PLAYERVALUES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "playervalues")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.apply_schema", false)

	v.SetDefault("redis.ttl", "10m")
	v.SetDefault("redis.key_prefix", "playervalues:value:")

	v.SetDefault("scheduler.interval", "6h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x706c7631))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("pipeline.formats", []string{
		string(model.FormatDynastySF),
		string(model.FormatDynasty1QB),
		string(model.FormatRedraftSF),
		string(model.FormatRedraft1QB),
	})
	v.SetDefault("pipeline.staging_chunk_size", 500)
	v.SetDefault("pipeline.rebuild_lock_key", int64(0x706c7632))
	v.SetDefault("pipeline.gate_batch_limit", 200)
	v.SetDefault("pipeline.snapshot_retention", "9600h")
	v.SetDefault("pipeline.trend_lookback", "1080h")
	v.SetDefault("pipeline.actor", "scheduler")

	v.SetDefault("confidence.use_threshold", 0.7)
	v.SetDefault("confidence.review_threshold", 0.5)
	v.SetDefault("confidence.agreement_tolerance", 0.2)
	v.SetDefault("confidence.default_reliability", 0.7)

	v.SetDefault("monitor.team_change_high", 0.15)
	v.SetDefault("monitor.team_change_critical", 0.30)
	v.SetDefault("monitor.value_move_threshold", 0.25)
	v.SetDefault("monitor.value_shift_high", 0.25)
	v.SetDefault("monitor.value_shift_critical", 0.50)
	v.SetDefault("monitor.min_group_size", 5)
	v.SetDefault("monitor.outage_after", "24h")
	v.SetDefault("monitor.bands", map[string]interface{}{
		"QB":  map[string]interface{}{"min": 500, "max": 7000},
		"RB":  map[string]interface{}{"min": 400, "max": 6500},
		"WR":  map[string]interface{}{"min": 400, "max": 6500},
		"TE":  map[string]interface{}{"min": 200, "max": 5000},
		"K":   map[string]interface{}{"min": 0, "max": 1500},
		"DEF": map[string]interface{}{"min": 0, "max": 1500},
		"DL":  map[string]interface{}{"min": 100, "max": 3000},
		"LB":  map[string]interface{}{"min": 100, "max": 3000},
		"DB":  map[string]interface{}{"min": 100, "max": 3000},
	})

	v.SetDefault("valuation.max_value", 10000.0)
	v.SetDefault("valuation.age_curve_start", 28.0)
	v.SetDefault("valuation.age_curve_rate", 0.04)
	v.SetDefault("valuation.vor_points_per_rank", 40.0)
	v.SetDefault("valuation.vor_cap_pct", 0.25)
	v.SetDefault("valuation.breakout_cap_factor", 0.4)
	v.SetDefault("valuation.breakout_ppg", map[string]interface{}{
		"QB": 22.0, "RB": 18.0, "WR": 17.0, "TE": 13.0,
	})
	v.SetDefault("valuation.replacement_ranks", map[string]interface{}{
		"QB": 12, "RB": 24, "WR": 30, "TE": 12, "K": 12, "DEF": 12, "DL": 24, "LB": 30, "DB": 24,
	})
	v.SetDefault("valuation.superflex_qb_replacement", 24)

	v.SetDefault("profiles.sleeper_base_url", "https://api.sleeper.app/v1")
	v.SetDefault("profiles.request_timeout", "10s")

	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.read_timeout", "10s")
	v.SetDefault("api.write_timeout", "30s")
	v.SetDefault("api.shutdown_timeout", "10s")
	v.SetDefault("api.enable_admin", false)

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if len(c.Pipeline.Formats) == 0 {
		return fmt.Errorf("pipeline.formats must not be empty")
	}
	if _, err := c.Formats(); err != nil {
		return err
	}
	if c.Pipeline.StagingChunkSize <= 0 {
		return fmt.Errorf("pipeline.staging_chunk_size must be greater than zero")
	}
	if c.Confidence.ReviewThreshold > c.Confidence.UseThreshold {
		return fmt.Errorf("confidence.review_threshold cannot exceed confidence.use_threshold")
	}
	if c.Monitor.TeamChangeHigh > c.Monitor.TeamChangeCritical {
		return fmt.Errorf("monitor.team_change_high cannot exceed monitor.team_change_critical")
	}
	if c.Monitor.ValueShiftHigh > c.Monitor.ValueShiftCritical {
		return fmt.Errorf("monitor.value_shift_high cannot exceed monitor.value_shift_critical")
	}
	for pos, band := range c.Monitor.Bands {
		if _, err := model.ParsePosition(strings.ToUpper(pos)); err != nil {
			return fmt.Errorf("monitor.bands: %w", err)
		}
		if band.Min > band.Max {
			return fmt.Errorf("monitor.bands.%s: min exceeds max", pos)
		}
	}
	if c.Valuation.MaxValue <= 0 {
		return fmt.Errorf("valuation.max_value must be greater than zero")
	}
	if c.Valuation.VORCapPct < 0 || c.Valuation.VORCapPct > 1 {
		return fmt.Errorf("valuation.vor_cap_pct must be within [0,1]")
	}
	if c.Valuation.BreakoutCapFactor < 0 || c.Valuation.BreakoutCapFactor > 1 {
		return fmt.Errorf("valuation.breakout_cap_factor must be within [0,1]")
	}
	if len(c.Profiles.LeagueIDs) > 0 && c.Profiles.SleeperBaseURL == "" {
		return fmt.Errorf("profiles.sleeper_base_url is required when profiles.league_ids is set")
	}
	return nil
}

// Formats parses the configured formats.
func (c *Config) Formats() ([]model.Format, error) {
	out := make([]model.Format, 0, len(c.Pipeline.Formats))
	for _, raw := range c.Pipeline.Formats {
		f, err := model.ParseFormat(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("pipeline.formats: %w", err)
		}
		out = append(out, f)
	}
	return out, nil
}

// BandsByPosition keys the configured bands by position.
func (m MonitorConfig) BandsByPosition() map[model.Position]Band {
	out := make(map[model.Position]Band, len(m.Bands))
	for k, band := range m.Bands {
		out[model.Position(strings.ToUpper(k))] = band
	}
	return out
}

// ReplacementByPosition keys the replacement ranks by position.
func (v ValuationConfig) ReplacementByPosition() map[model.Position]int {
	out := make(map[model.Position]int, len(v.ReplacementRanks))
	for k, rank := range v.ReplacementRanks {
		out[model.Position(strings.ToUpper(k))] = rank
	}
	return out
}

// BreakoutByPosition keys the breakout thresholds by position.
func (v ValuationConfig) BreakoutByPosition() map[model.Position]float64 {
	out := make(map[model.Position]float64, len(v.BreakoutPPG))
	for k, ppg := range v.BreakoutPPG {
		out[model.Position(strings.ToUpper(k))] = ppg
	}
	return out
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
