// Package config loads the quantlab YAML configuration, fills defaults,
// applies environment overrides and validates the result.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when neither --config nor QUANTLAB_CONFIG is set.
const DefaultPath = "config/quantlab.yaml"

// DateLayout is the layout of date strings in the data section.
const DateLayout = "2006-01-02"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for quantlab.
type Config struct {
	Storage    Storage          `yaml:"storage"`
	Server     Server           `yaml:"server"`
	Alpaca     Alpaca           `yaml:"alpaca"`
	Logging    Logging          `yaml:"logging"`
	Data       DataConfig       `yaml:"data"`
	Backtest   BacktestConfig   `yaml:"backtest"`
	Risk       RiskConfig       `yaml:"risk"`
	Strategies StrategiesConfig `yaml:"strategies"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir" default:"data" validate:"required"`
	SQLitePath string `yaml:"sqlite_path" default:"data/quantlab.db" validate:"required"`
}

// Server holds network listener configuration.
type Server struct {
	Host        string `yaml:"host" default:"0.0.0.0"`
	GRPCPort    int    `yaml:"grpc_port" default:"9090" validate:"gte=1,lte=65535"`
	MetricsPort int    `yaml:"metrics_port" default:"9100" validate:"gte=1,lte=65535"`
}

// Alpaca holds credentials and limits for the Alpaca market data API.
type Alpaca struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	DataURL         string `yaml:"data_url"`
	TradingURL      string `yaml:"trading_url" default:"https://paper-api.alpaca.markets" validate:"omitempty,url"`
	Feed            string `yaml:"feed" default:"iex" validate:"oneof=iex sip otc"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min" default:"200" validate:"gte=1"`
	MaxRetries      int    `yaml:"max_retries" default:"3" validate:"gte=0"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" default:"json" validate:"oneof=json text"`
}

// DataConfig selects where the backtest price table comes from.
type DataConfig struct {
	Source    string `yaml:"source" default:"csv" validate:"oneof=csv alpaca parquet sqlite"`
	Market    string `yaml:"market" default:"us" validate:"oneof=us cn"`
	Symbol    string `yaml:"symbol"`
	Benchmark string `yaml:"benchmark"`
	// CSVPath and BenchmarkCSVPath are read when Source is csv.
	CSVPath          string `yaml:"csv_path"`
	BenchmarkCSVPath string `yaml:"benchmark_csv_path"`
	StartDate        string `yaml:"start_date" default:"2020-01-01" validate:"omitempty,datetime=2006-01-02"`
	EndDate          string `yaml:"end_date" validate:"omitempty,datetime=2006-01-02"`
}

// BacktestConfig controls the backtest engine.
type BacktestConfig struct {
	InitialCapital float64 `yaml:"initial_capital" default:"100000" validate:"gt=0"`
	// MaxWorkers of 0 means GOMAXPROCS.
	MaxWorkers   int  `yaml:"max_workers" validate:"gte=0"`
	WriteResults bool `yaml:"write_results"`
	SaveReports  bool `yaml:"save_reports"`
}

// RiskConfig controls risk scoring.
type RiskConfig struct {
	ConfidenceLevel float64 `yaml:"confidence_level" default:"0.95" validate:"gt=0,lt=1"`
}

// StrategiesConfig enables and parameterises the built-in strategies. A
// section's Name overrides the name results and reports are keyed by.
type StrategiesConfig struct {
	Momentum      MomentumConfig      `yaml:"momentum"`
	MeanReversion MeanReversionConfig `yaml:"mean_reversion"`
	StatArb       StatArbConfig       `yaml:"stat_arb"`
}

type MomentumConfig struct {
	Enabled bool   `yaml:"enabled" default:"true"`
	Name    string `yaml:"name" validate:"omitempty,excludesall=/\\"`
	Window  int    `yaml:"window" default:"20" validate:"gte=1"`
}

type MeanReversionConfig struct {
	Enabled   bool    `yaml:"enabled" default:"true"`
	Name      string  `yaml:"name" validate:"omitempty,excludesall=/\\"`
	Window    int     `yaml:"window" default:"20" validate:"gte=1"`
	Threshold float64 `yaml:"threshold" default:"0.05" validate:"gte=0"`
}

type StatArbConfig struct {
	Enabled         bool    `yaml:"enabled" default:"true"`
	Name            string  `yaml:"name" validate:"omitempty,excludesall=/\\"`
	LookbackPeriod  int     `yaml:"lookback_period" default:"60" validate:"gte=2"`
	EntryZScore     float64 `yaml:"entry_zscore" default:"2.0" validate:"gt=0"`
	ExitZScore      float64 `yaml:"exit_zscore" default:"0.5" validate:"gte=0,ltefield=EntryZScore"`
	MaxPositionHold int     `yaml:"max_position_hold" default:"20" validate:"gte=1"`
	MinHalfLife     float64 `yaml:"min_half_life" default:"5" validate:"gte=0"`
	ConfidenceLevel float64 `yaml:"confidence_level" default:"0.05" validate:"gt=0,lt=1"`
}

// Range parses the configured start and end dates. A missing end date is
// returned as the zero time, meaning "up to the latest bar".
func (d DataConfig) Range() (start, end time.Time, err error) {
	if d.StartDate != "" {
		if start, err = time.Parse(DateLayout, d.StartDate); err != nil {
			return start, end, fmt.Errorf("parsing start_date: %w", err)
		}
	}
	if d.EndDate != "" {
		if end, err = time.Parse(DateLayout, d.EndDate); err != nil {
			return start, end, fmt.Errorf("parsing end_date: %w", err)
		}
	}
	return start, end, nil
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

var validate = validator.New()

// Default returns a Config populated only from struct defaults and the
// environment.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("setting config defaults: %w", err)
	}
	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads the YAML configuration file at the given path on top of the
// struct defaults, applies environment variable overrides and validates the
// result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("setting config defaults: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve loads the configuration from path, or from QUANTLAB_CONFIG, or
// from DefaultPath. Only an explicitly named file must exist; a missing
// default file falls back to Default.
func Resolve(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		if v := os.Getenv("QUANTLAB_CONFIG"); v != "" {
			path, explicit = v, true
		} else {
			path = DefaultPath
		}
	}
	cfg, err := Load(path)
	if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		return Default()
	}
	return cfg, err
}

// Validate checks the struct tag constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func finish(cfg *Config) error {
	if err := applyEnvOverrides(cfg); err != nil {
		return err
	}
	return cfg.Validate()
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}

	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("QUANTLAB_CAPITAL"); v != "" {
		capital, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("QUANTLAB_CAPITAL: %w", err)
		}
		cfg.Backtest.InitialCapital = capital
	}

	// Standard Alpaca env vars take priority; the SDK reads the same names.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	return nil
}
