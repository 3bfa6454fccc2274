package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dgnsrekt/heightsync/internal/notify"
)

type Config struct {
	Endpoint EndpointConfig `mapstructure:"endpoint"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Pull     PullConfig     `mapstructure:"pull"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Output   OutputConfig   `mapstructure:"output"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Notify   notify.Config  `mapstructure:"notify"`
	Replay   ReplayConfig   `mapstructure:"replay"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// EndpointConfig describes the subscription followed by the watch command.
type EndpointConfig struct {
	URL             string `mapstructure:"url"`
	Dual            bool   `mapstructure:"dual"`
	DisableLive     bool   `mapstructure:"disable_live"`
	ToHeight        uint64 `mapstructure:"to_height"`
	RemovalSentinel string `mapstructure:"removal_sentinel"`
}

type RetryConfig struct {
	Budget     int    `mapstructure:"budget"`
	Strategy   string `mapstructure:"strategy"` // "linear" or "exponential"
	DelayMS    int    `mapstructure:"delay_ms"`
	MaxDelayMS int    `mapstructure:"max_delay_ms"`
}

type PullConfig struct {
	RatePerSecond     float64 `mapstructure:"rate_per_second"`
	RequestTimeoutSec int     `mapstructure:"request_timeout_sec"`
}

type FetchConfig struct {
	Workers   int             `mapstructure:"workers"`
	Endpoints []FetchEndpoint `mapstructure:"endpoints"`
}

// FetchEndpoint is one dataset resolved by the fetch command.
type FetchEndpoint struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
	Dual bool   `mapstructure:"dual"`
}

type OutputConfig struct {
	Directory string `mapstructure:"directory"`
	Format    string `mapstructure:"format"` // "json" or "jsonl"
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ReplayConfig drives the serve command.
type ReplayConfig struct {
	Addr         string        `mapstructure:"addr"`
	LogPath      string        `mapstructure:"log_path"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
	PageSize     int           `mapstructure:"page_size"`
	LongPoll     time.Duration `mapstructure:"long_poll"`
	Dual         bool          `mapstructure:"dual"`
}

type LoggingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Level     string `mapstructure:"level"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("endpoint.disable_live", false)
	v.SetDefault("endpoint.to_height", 0)
	v.SetDefault("retry.budget", 5)
	v.SetDefault("retry.strategy", "linear")
	v.SetDefault("retry.delay_ms", 1000)
	v.SetDefault("retry.max_delay_ms", 30000)
	v.SetDefault("pull.rate_per_second", 10)
	v.SetDefault("pull.request_timeout_sec", 60)
	v.SetDefault("fetch.workers", 3)
	v.SetDefault("output.directory", "data")
	v.SetDefault("output.format", "json")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.server", "https://ntfy.sh")
	v.SetDefault("notify.priority", "default")
	v.SetDefault("notify.tags", "satellite")
	v.SetDefault("replay.addr", ":8080")
	v.SetDefault("replay.log_path", "data/heights.jsonl")
	v.SetDefault("replay.tick_interval", "1s")
	v.SetDefault("replay.page_size", 100)
	v.SetDefault("replay.long_poll", "25s")
	v.SetDefault("logging.enabled", true)
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.level", "info")

	// Environment variable support
	v.SetEnvPrefix("HEIGHTSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Keys without a default are invisible to AutomaticEnv on Unmarshal
	_ = v.BindEnv("endpoint.url")
	_ = v.BindEnv("endpoint.dual")
	_ = v.BindEnv("endpoint.removal_sentinel")
	_ = v.BindEnv("notify.topic")
	_ = v.BindEnv("notify.token")
	_ = v.BindEnv("replay.dual")

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("default")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}
