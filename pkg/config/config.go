// Package config loads harvester configuration from defaults, an optional
// YAML file, OPENAQ_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/Sternrassler/openaq-harvester/pkg/walker"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// EnvPrefix is the prefix of configuration environment variables. The key
// checkpoint.redis_addr is read from OPENAQ_CHECKPOINT_REDIS_ADDR.
const EnvPrefix = "OPENAQ"

// Run modes.
const (
	ModeTest = "test"
	ModeFull = "full"
)

// Checkpoint backends.
const (
	BackendBolt  = "bolt"
	BackendRedis = "redis"
)

// Config is the complete harvester configuration.
type Config struct {
	BaseURL   string   `mapstructure:"base_url"`
	APIKey    string   `mapstructure:"api_key"`
	Scopes    []string `mapstructure:"scopes"`
	DateFrom  string   `mapstructure:"date_from"`
	DateTo    string   `mapstructure:"date_to"`
	UserAgent string   `mapstructure:"user_agent"`

	MinRequestIntervalSeconds float64       `mapstructure:"min_request_interval_seconds"`
	MaxConcurrentRequests     int           `mapstructure:"max_concurrent_requests"`
	MaxRetries                int           `mapstructure:"max_retries"`
	RequestTimeout            time.Duration `mapstructure:"request_timeout"`

	BatchMaxRecords int    `mapstructure:"batch_max_records"`
	OutputDirectory string `mapstructure:"output_directory"`

	Workers           int           `mapstructure:"workers"`
	PageSize          int           `mapstructure:"page_size"`
	MeasurementWindow time.Duration `mapstructure:"measurement_window"`
	Mode              string        `mapstructure:"mode"`
	RunID             string        `mapstructure:"run_id"`

	Retry      RetryConfig      `mapstructure:"retry"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Test       TestConfig       `mapstructure:"test"`
	Log        LogConfig        `mapstructure:"log"`

	// MetricsAddr serves /metrics when set, for example ":9090".
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// RetryConfig bounds the fetcher's backoff.
type RetryConfig struct {
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	MaxTotalWait time.Duration `mapstructure:"max_total_wait"`
}

// CheckpointConfig selects the checkpoint log backend.
type CheckpointConfig struct {
	Backend string `mapstructure:"backend"`

	// Path is the bolt file. Defaults to checkpoint.db in the output
	// directory.
	Path string `mapstructure:"path"`

	RedisAddr string `mapstructure:"redis_addr"`
}

// TestConfig holds the caps applied in test mode.
type TestConfig struct {
	MaxSensors int `mapstructure:"max_sensors"`
	MaxRecords int `mapstructure:"max_records"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
	File   string `mapstructure:"file"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		BaseURL:                   "https://api.openaq.org/v3",
		Scopes:                    []string{"Nepal:145", "India:9", "China:10"},
		DateFrom:                  "2024-01-01T00:00:00Z",
		UserAgent:                 "openaq-harvester/1.0",
		MinRequestIntervalSeconds: 0.3,
		MaxConcurrentRequests:     3,
		MaxRetries:                3,
		RequestTimeout:            30 * time.Second,
		BatchMaxRecords:           75000,
		OutputDirectory:           "data/full_data",
		Workers:                   3,
		PageSize:                  1000,
		Mode:                      ModeFull,
		Retry: RetryConfig{
			BaseDelay:    time.Second,
			MaxDelay:     60 * time.Second,
			MaxTotalWait: 5 * time.Minute,
		},
		Checkpoint: CheckpointConfig{Backend: BackendBolt},
		Test:       TestConfig{MaxSensors: 3, MaxRecords: 500},
		Log:        LogConfig{Level: "info"},
	}
}

// flagKeys maps flag names to configuration keys.
var flagKeys = map[string]string{
	"config":             "",
	"base-url":           "base_url",
	"api-key":            "api_key",
	"scope":              "scopes",
	"date-from":          "date_from",
	"date-to":            "date_to",
	"min-interval":       "min_request_interval_seconds",
	"max-concurrent":     "max_concurrent_requests",
	"max-retries":        "max_retries",
	"batch-max-records":  "batch_max_records",
	"output":             "output_directory",
	"workers":            "workers",
	"page-size":          "page_size",
	"measurement-window": "measurement_window",
	"mode":               "mode",
	"run-id":             "run_id",
	"checkpoint-backend": "checkpoint.backend",
	"checkpoint-path":    "checkpoint.path",
	"redis-addr":         "checkpoint.redis_addr",
	"log-level":          "log.level",
	"log-pretty":         "log.pretty",
	"log-file":           "log.file",
	"metrics-addr":       "metrics_addr",
}

// RegisterFlags defines the command-line flags understood by Load.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("config", "", "path to a YAML configuration file")
	fs.String("base-url", d.BaseURL, "OpenAQ API base URL")
	fs.String("api-key", "", "OpenAQ API key (X-API-Key)")
	fs.StringSlice("scope", d.Scopes, "country to harvest as id or name:id (repeatable)")
	fs.String("date-from", d.DateFrom, "start of the measurement range (RFC3339 or YYYY-MM-DD)")
	fs.String("date-to", "", "end of the measurement range, empty for now")
	fs.Float64("min-interval", d.MinRequestIntervalSeconds, "minimum seconds between requests")
	fs.Int("max-concurrent", d.MaxConcurrentRequests, "maximum in-flight requests")
	fs.Int("max-retries", d.MaxRetries, "retries per request on transient errors")
	fs.Int("batch-max-records", d.BatchMaxRecords, "records per output file")
	fs.StringP("output", "o", d.OutputDirectory, "output directory")
	fs.Int("workers", d.Workers, "resources walked concurrently")
	fs.Int("page-size", d.PageSize, "records requested per page (max 1000)")
	fs.Duration("measurement-window", 0, "split each sensor's range into windows of this length, 0 for one window")
	fs.String("mode", d.Mode, "run mode: test or full")
	fs.String("run-id", "", "resume the run with this id")
	fs.String("checkpoint-backend", d.Checkpoint.Backend, "checkpoint log backend: bolt or redis")
	fs.String("checkpoint-path", "", "bolt checkpoint file (default <output>/checkpoint.db)")
	fs.String("redis-addr", "", "redis address for the redis checkpoint backend")
	fs.String("log-level", d.Log.Level, "log level: debug, info, warn or error")
	fs.Bool("log-pretty", false, "human-readable console logs")
	fs.String("log-file", "", "also write JSON logs to this file")
	fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
}

// Load builds the configuration. path may be empty; when flags carries a
// --config value it takes precedence over path. Only flags that were set on
// the command line override lower layers.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key, ok := flagKeys[f.Name]
			if !ok || key == "" || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(key, f)
		})
		if bindErr != nil {
			return nil, fmt.Errorf("binding flags: %w", bindErr)
		}
		if f := flags.Lookup("config"); f != nil && f.Changed {
			path = f.Value.String()
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading configuration file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("base_url", d.BaseURL)
	v.SetDefault("api_key", d.APIKey)
	v.SetDefault("scopes", d.Scopes)
	v.SetDefault("date_from", d.DateFrom)
	v.SetDefault("date_to", d.DateTo)
	v.SetDefault("user_agent", d.UserAgent)
	v.SetDefault("min_request_interval_seconds", d.MinRequestIntervalSeconds)
	v.SetDefault("max_concurrent_requests", d.MaxConcurrentRequests)
	v.SetDefault("max_retries", d.MaxRetries)
	v.SetDefault("request_timeout", d.RequestTimeout)
	v.SetDefault("batch_max_records", d.BatchMaxRecords)
	v.SetDefault("output_directory", d.OutputDirectory)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("page_size", d.PageSize)
	v.SetDefault("measurement_window", d.MeasurementWindow)
	v.SetDefault("mode", d.Mode)
	v.SetDefault("run_id", d.RunID)
	v.SetDefault("retry.base_delay", d.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)
	v.SetDefault("retry.max_total_wait", d.Retry.MaxTotalWait)
	v.SetDefault("checkpoint.backend", d.Checkpoint.Backend)
	v.SetDefault("checkpoint.path", d.Checkpoint.Path)
	v.SetDefault("checkpoint.redis_addr", d.Checkpoint.RedisAddr)
	v.SetDefault("test.max_sensors", d.Test.MaxSensors)
	v.SetDefault("test.max_records", d.Test.MaxRecords)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.pretty", d.Log.Pretty)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("metrics_addr", d.MetricsAddr)
}

// Validate checks every option and reports all problems at once. The error
// wraps ErrInvalidConfig.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if c.APIKey == "" {
		add("api_key is required")
	}
	if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		add("base_url %q is not an absolute URL", c.BaseURL)
	}
	if len(c.Scopes) == 0 {
		add("at least one scope is required")
	}
	if _, err := c.ParsedScopes(); err != nil {
		result = multierror.Append(result, err)
	}
	if _, _, err := c.Window(time.Now()); err != nil {
		result = multierror.Append(result, err)
	}
	if c.MinRequestIntervalSeconds < 0 {
		add("min_request_interval_seconds must be >= 0 (got %g)", c.MinRequestIntervalSeconds)
	}
	if c.MaxConcurrentRequests < 1 {
		add("max_concurrent_requests must be >= 1 (got %d)", c.MaxConcurrentRequests)
	}
	if c.MaxRetries < 0 {
		add("max_retries must be >= 0 (got %d)", c.MaxRetries)
	}
	if c.RequestTimeout <= 0 {
		add("request_timeout must be > 0 (got %s)", c.RequestTimeout)
	}
	if c.BatchMaxRecords < 1 {
		add("batch_max_records must be >= 1 (got %d)", c.BatchMaxRecords)
	}
	if c.OutputDirectory == "" {
		add("output_directory is required")
	}
	if c.Workers < 1 {
		add("workers must be >= 1 (got %d)", c.Workers)
	}
	if c.PageSize < 1 || c.PageSize > 1000 {
		add("page_size must be between 1 and 1000 (got %d)", c.PageSize)
	}
	if c.MeasurementWindow < 0 {
		add("measurement_window must be >= 0 (got %s)", c.MeasurementWindow)
	}
	if c.Mode != ModeTest && c.Mode != ModeFull {
		add("mode must be %q or %q (got %q)", ModeTest, ModeFull, c.Mode)
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		add("retry delays must satisfy 0 < base_delay <= max_delay (got %s, %s)", c.Retry.BaseDelay, c.Retry.MaxDelay)
	}
	if c.Retry.MaxTotalWait < 0 {
		add("retry.max_total_wait must be >= 0 (got %s)", c.Retry.MaxTotalWait)
	}
	switch c.Checkpoint.Backend {
	case BackendBolt:
	case BackendRedis:
		if c.Checkpoint.RedisAddr == "" {
			add("checkpoint.redis_addr is required for the redis backend")
		}
	default:
		add("checkpoint.backend must be %q or %q (got %q)", BackendBolt, BackendRedis, c.Checkpoint.Backend)
	}
	if c.Test.MaxSensors < 0 || c.Test.MaxRecords < 0 {
		add("test caps must be >= 0")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// ParsedScopes parses Scopes.
func (c *Config) ParsedScopes() ([]walker.Scope, error) {
	scopes := make([]walker.Scope, 0, len(c.Scopes))
	seen := make(map[int64]bool)
	for _, s := range c.Scopes {
		sc, err := walker.ParseScope(s)
		if err != nil {
			return nil, err
		}
		if seen[sc.ID] {
			return nil, fmt.Errorf("scope %d listed twice", sc.ID)
		}
		seen[sc.ID] = true
		scopes = append(scopes, sc)
	}
	return scopes, nil
}

// Window resolves the measurement date range. An empty date_to means now.
func (c *Config) Window(now time.Time) (from, to time.Time, err error) {
	from, err = parseDate(c.DateFrom)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("date_from: %w", err)
	}
	to = now.UTC().Truncate(time.Second)
	if c.DateTo != "" {
		to, err = parseDate(c.DateTo)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("date_to: %w", err)
		}
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("date_from %s must be before date_to %s",
			from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	return from, to, nil
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as RFC3339 or YYYY-MM-DD", s)
}

// MinInterval returns the request spacing.
func (c *Config) MinInterval() time.Duration {
	return time.Duration(c.MinRequestIntervalSeconds * float64(time.Second))
}

// CheckpointPath returns the bolt file location.
func (c *Config) CheckpointPath() string {
	if c.Checkpoint.Path != "" {
		return c.Checkpoint.Path
	}
	return filepath.Join(c.OutputDirectory, "checkpoint.db")
}

// Caps returns the per-location sensor cap and per-resource record cap for
// a run in mode. Both are zero outside test mode.
func (c *Config) Caps(mode string) (maxSensors, maxRecords int) {
	if mode != ModeTest {
		return 0, 0
	}
	return c.Test.MaxSensors, c.Test.MaxRecords
}
