package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/user/injectwatch/internal/arbiter"
	"github.com/user/injectwatch/internal/gateway"
	"github.com/user/injectwatch/internal/orchestrator"
	"github.com/user/injectwatch/internal/rules"
	"github.com/user/injectwatch/internal/types"
)

// Storage drivers for the record log.
const (
	DriverJSONL  = "jsonl"
	DriverSQLite = "sqlite"
)

var ErrInvalidConfig = errors.New("invalid config")

type PolicyConfig struct {
	Suppress Duration `json:"suppress"`
	Cap      int      `json:"cap"`
	Delay    Duration `json:"delay"`
}

type Config struct {
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`
	Pipeline struct {
		PerceptionDeadline Duration `json:"perception_deadline"`
		IdleTimeout        Duration `json:"idle_timeout"`
		HistorySize        int      `json:"history_size"`
		MaxConcurrent      int      `json:"max_concurrent"`
		LaneSize           int      `json:"lane_size"`
		DrainTimeout       Duration `json:"drain_timeout"`
		SweepSchedule      string   `json:"sweep_schedule"`
	} `json:"pipeline"`
	Rules struct {
		MinConfidence        float64  `json:"min_confidence"`
		AngleWarnLow         float64  `json:"angle_warn_low"`
		AngleWarnHigh        float64  `json:"angle_warn_high"`
		AngleCritLow         float64  `json:"angle_crit_low"`
		AngleCritHigh        float64  `json:"angle_crit_high"`
		SiteDetectConfidence float64  `json:"site_detect_confidence"`
		SiteMismatchFrames   int      `json:"site_mismatch_frames"`
		SiteStableFrames     int      `json:"site_stable_frames"`
		AngleStableFrames    int      `json:"angle_stable_frames"`
		HighSpeed            float64  `json:"high_speed"`
		VeryHighSpeed        float64  `json:"very_high_speed"`
		SpeedWindow          Duration `json:"speed_window"`
		RestSpeed            float64  `json:"rest_speed"`
		SettleTime           Duration `json:"settle_time"`
		WithdrawalDwell      Duration `json:"withdrawal_dwell"`
	} `json:"rules"`
	Feedback struct {
		Info          PolicyConfig `json:"info"`
		Warning       PolicyConfig `json:"warning"`
		Critical      PolicyConfig `json:"critical"`
		Sensitivity   string       `json:"sensitivity"`
		RatePerSecond float64      `json:"rate_per_second"`
		Burst         int          `json:"burst"`
		SinkLatency   Duration     `json:"sink_latency"`
	} `json:"feedback"`
	Storage struct {
		Driver        string   `json:"driver"`
		SQLitePath    string   `json:"sqlite_path"`
		SummaryCache  int      `json:"summary_cache"`
		RecordBuffer  int      `json:"record_buffer"`
		WriteAttempts int      `json:"write_attempts"`
		WriteBackoff  Duration `json:"write_backoff"`
	} `json:"storage"`
	HTTP struct {
		Enabled bool   `json:"enabled"`
		Listen  string `json:"listen"`
	} `json:"http"`
}

// DefaultPath returns ~/.injectwatch/config.json.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".injectwatch", "config.json")
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".injectwatch"),
		LogLevel: "info",
	}
	opts := orchestrator.DefaultOptions()
	cfg.Pipeline.PerceptionDeadline = D(opts.PerceptionDeadline)
	cfg.Pipeline.IdleTimeout = D(opts.IdleTimeout)
	cfg.Pipeline.HistorySize = opts.HistorySize
	cfg.Pipeline.MaxConcurrent = 2
	cfg.Pipeline.LaneSize = 64
	cfg.Pipeline.DrainTimeout = D(opts.DrainTimeout)
	cfg.Pipeline.SweepSchedule = "@every 10s"

	th := rules.DefaultThresholds()
	cfg.Rules.MinConfidence = th.MinConfidence
	cfg.Rules.AngleWarnLow = th.AngleWarnLow
	cfg.Rules.AngleWarnHigh = th.AngleWarnHigh
	cfg.Rules.AngleCritLow = th.AngleCritLow
	cfg.Rules.AngleCritHigh = th.AngleCritHigh
	cfg.Rules.SiteDetectConfidence = th.SiteDetectConfidence
	cfg.Rules.SiteMismatchFrames = th.SiteMismatchFrames
	cfg.Rules.SiteStableFrames = th.SiteStableFrames
	cfg.Rules.AngleStableFrames = th.AngleStableFrames
	cfg.Rules.HighSpeed = th.HighSpeed
	cfg.Rules.VeryHighSpeed = th.VeryHighSpeed
	cfg.Rules.SpeedWindow = D(th.SpeedWindow)
	cfg.Rules.RestSpeed = th.RestSpeed
	cfg.Rules.SettleTime = D(th.SettleTime)
	cfg.Rules.WithdrawalDwell = D(th.WithdrawalDwell)

	fb := arbiter.DefaultConfig()
	cfg.Feedback.Info = policyConfig(fb.Info)
	cfg.Feedback.Warning = policyConfig(fb.Warning)
	cfg.Feedback.Critical = policyConfig(fb.Critical)
	cfg.Feedback.Sensitivity = string(fb.Sensitivity)
	cfg.Feedback.RatePerSecond = opts.RatePerSecond
	cfg.Feedback.Burst = opts.Burst
	cfg.Feedback.SinkLatency = D(20 * time.Millisecond)

	cfg.Storage.Driver = DriverJSONL
	cfg.Storage.SQLitePath = "records.db"
	cfg.Storage.SummaryCache = 32
	cfg.Storage.RecordBuffer = opts.RecordBuffer
	cfg.Storage.WriteAttempts = opts.Retry.MaxAttempts
	cfg.Storage.WriteBackoff = D(opts.Retry.InitialDelay)

	cfg.HTTP.Listen = "127.0.0.1:8090"
	return cfg
}

func policyConfig(p arbiter.Policy) PolicyConfig {
	return PolicyConfig{Suppress: D(p.Suppress), Cap: p.Cap, Delay: D(p.Delay)}
}

func (p PolicyConfig) policy() arbiter.Policy {
	return arbiter.Policy{Suppress: p.Suppress.Duration, Cap: p.Cap, Delay: p.Delay.Duration}
}

// Load reads the config file at path, writing the defaults there if it does
// not exist yet. A .env file next to the config is loaded first; environment
// variables take precedence over the file.
func Load(path string) (*Config, error) {
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env", "path", envPath, "error", err)
	}

	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}

	// Override from env (highest precedence)
	if v := os.Getenv("INJECTWATCH_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("INJECTWATCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("INJECTWATCH_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("INJECTWATCH_HTTP_LISTEN"); v != "" {
		cfg.HTTP.Listen = v
		cfg.HTTP.Enabled = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readFile overlays the file at path on the defaults, writing the defaults
// there if it does not exist yet. Environment overrides are not applied.
func readFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path atomically.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// Validate checks the values the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log_level %q", ErrInvalidConfig, c.LogLevel)
	}
	switch c.Storage.Driver {
	case DriverJSONL, DriverSQLite:
	default:
		return fmt.Errorf("%w: storage.driver %q", ErrInvalidConfig, c.Storage.Driver)
	}
	switch types.Sensitivity(c.Feedback.Sensitivity) {
	case types.SensitivityLow, types.SensitivityMedium, types.SensitivityHigh:
	default:
		return fmt.Errorf("%w: feedback.sensitivity %q", ErrInvalidConfig, c.Feedback.Sensitivity)
	}
	if c.Pipeline.PerceptionDeadline.Duration <= 0 || c.Pipeline.IdleTimeout.Duration <= 0 {
		return fmt.Errorf("%w: pipeline durations must be positive", ErrInvalidConfig)
	}
	if err := c.Thresholds().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := c.ArbiterConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Thresholds returns the rule thresholds.
func (c *Config) Thresholds() rules.Thresholds {
	r := c.Rules
	return rules.Thresholds{
		MinConfidence:        r.MinConfidence,
		AngleWarnLow:         r.AngleWarnLow,
		AngleWarnHigh:        r.AngleWarnHigh,
		AngleCritLow:         r.AngleCritLow,
		AngleCritHigh:        r.AngleCritHigh,
		SiteDetectConfidence: r.SiteDetectConfidence,
		SiteMismatchFrames:   r.SiteMismatchFrames,
		SiteStableFrames:     r.SiteStableFrames,
		AngleStableFrames:    r.AngleStableFrames,
		HighSpeed:            r.HighSpeed,
		VeryHighSpeed:        r.VeryHighSpeed,
		SpeedWindow:          r.SpeedWindow.Duration,
		RestSpeed:            r.RestSpeed,
		SettleTime:           r.SettleTime.Duration,
		WithdrawalDwell:      r.WithdrawalDwell.Duration,
	}
}

// ArbiterConfig returns the arbiter configuration.
func (c *Config) ArbiterConfig() arbiter.Config {
	return arbiter.Config{
		Info:        c.Feedback.Info.policy(),
		Warning:     c.Feedback.Warning.policy(),
		Critical:    c.Feedback.Critical.policy(),
		Sensitivity: types.Sensitivity(c.Feedback.Sensitivity),
	}
}

// Options returns the orchestrator options.
func (c *Config) Options() orchestrator.Options {
	retry := gateway.DefaultRetryPolicy()
	if c.Storage.WriteAttempts > 0 {
		retry.MaxAttempts = c.Storage.WriteAttempts
	}
	if c.Storage.WriteBackoff.Duration > 0 {
		retry.InitialDelay = c.Storage.WriteBackoff.Duration
	}
	return orchestrator.Options{
		Thresholds:         c.Thresholds(),
		Feedback:           c.ArbiterConfig(),
		PerceptionDeadline: c.Pipeline.PerceptionDeadline.Duration,
		IdleTimeout:        c.Pipeline.IdleTimeout.Duration,
		HistorySize:        c.Pipeline.HistorySize,
		DrainTimeout:       c.Pipeline.DrainTimeout.Duration,
		RatePerSecond:      c.Feedback.RatePerSecond,
		Burst:              c.Feedback.Burst,
		RecordBuffer:       c.Storage.RecordBuffer,
		Retry:              retry,
	}
}

// SQLitePath resolves the SQLite file against the data directory.
func (c *Config) SQLitePath() string {
	if filepath.IsAbs(c.Storage.SQLitePath) {
		return c.Storage.SQLitePath
	}
	return filepath.Join(c.DataDir, c.Storage.SQLitePath)
}

// ProfilesPath is the profile store file.
func (c *Config) ProfilesPath() string {
	return filepath.Join(c.DataDir, "profiles.json")
}

// ToMap returns cfg as a flat map of dot-separated keys to JSON values.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var nested map[string]any
	if err := json.Unmarshal(data, &nested); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return Flatten(nested), nil
}

// KeyValue is one entry of a flattened config.
type KeyValue struct {
	Key   string
	Value any
}

// ListValues returns every config key with its value, sorted by key.
func ListValues(cfg *Config) ([]KeyValue, error) {
	flat, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	out := make([]KeyValue, 0, len(flat))
	for _, k := range SortedKeys(flat) {
		out = append(out, KeyValue{Key: k, Value: flat[k]})
	}
	return out, nil
}

// GetValue returns the value stored under a dot-separated key.
func GetValue(cfg *Config, key string) (any, error) {
	flat, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	v, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key %q", key)
	}
	return v, nil
}

// SetValue parses raw according to the key's current type, validates the
// result and saves it to path. Environment overrides are not written back.
func SetValue(path, key, raw string) (*Config, error) {
	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}
	flat, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	current, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key %q", key)
	}
	v, err := parseValue(current, raw)
	if err != nil {
		return nil, fmt.Errorf("set %s: %w", key, err)
	}
	flat[key] = v

	data, err := json.Marshal(Unflatten(flat))
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	next := Default()
	if err := json.Unmarshal(data, next); err != nil {
		return nil, fmt.Errorf("set %s: %w", key, err)
	}
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("set %s: %w", key, err)
	}
	if err := Save(path, next); err != nil {
		return nil, err
	}
	return next, nil
}
