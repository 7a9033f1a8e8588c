// Package config loads application configuration from config.yaml and the
// environment and initialises the global logger.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/civicmaps/ofisi/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Evidence EvidenceConfig `yaml:"evidence" mapstructure:"evidence"`
	Geocode  GeocodeConfig  `yaml:"geocode" mapstructure:"geocode"`
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	Stats    StatsConfig    `yaml:"stats" mapstructure:"stats"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string            `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string            `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string            `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	Pool        *store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`

	// ConfirmRatePerMinute throttles the public confirmation endpoint.
	ConfirmRatePerMinute int `yaml:"confirm_rate_per_minute" mapstructure:"confirm_rate_per_minute"`
}

// EvidenceConfig configures photo evidence storage.
type EvidenceConfig struct {
	Dir        string `yaml:"dir" mapstructure:"dir"`
	PublicBase string `yaml:"public_base" mapstructure:"public_base"`
}

// GeocodeConfig configures the optional reverse-geocoding corroboration.
type GeocodeConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	UserAgent   string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// PipelineConfig tunes the contribution pipeline.
type PipelineConfig struct {
	DedupWindowDays    int     `yaml:"dedup_window_days" mapstructure:"dedup_window_days"`
	SubmitRadiusMeters float64 `yaml:"submit_radius_meters" mapstructure:"submit_radius_meters"`
	MergeRadiusMeters  float64 `yaml:"merge_radius_meters" mapstructure:"merge_radius_meters"`
}

// StatsConfig configures the aggregate refresh loop.
type StatsConfig struct {
	RefreshSecs int `yaml:"refresh_secs" mapstructure:"refresh_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("OFISI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "ofisi.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.confirm_rate_per_minute", 30)
	v.SetDefault("evidence.dir", "evidence")
	v.SetDefault("evidence.public_base", "/evidence")
	v.SetDefault("geocode.enabled", false)
	v.SetDefault("geocode.base_url", "https://nominatim.openstreetmap.org")
	v.SetDefault("geocode.user_agent", "ofisi/1.0")
	v.SetDefault("geocode.timeout_secs", 10)
	v.SetDefault("pipeline.dedup_window_days", 30)
	v.SetDefault("pipeline.submit_radius_meters", 100)
	v.SetDefault("pipeline.merge_radius_meters", 200)
	v.SetDefault("stats.refresh_secs", 300)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the configuration needed for the given command mode.
// Errors name every missing or out-of-range field at once.
func (c *Config) Validate(mode string) error {
	var problems []string

	checkStore := func() {
		switch c.Store.Driver {
		case "sqlite":
			if c.Store.SQLitePath == "" {
				problems = append(problems, "store.sqlite_path is required for the sqlite driver")
			}
		case "postgres":
			if c.Store.DatabaseURL == "" {
				problems = append(problems, "store.database_url is required for the postgres driver")
			}
		default:
			problems = append(problems, "store.driver must be sqlite or postgres")
		}
	}

	switch mode {
	case "serve":
		checkStore()
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
		if c.Server.ConfirmRatePerMinute <= 0 {
			problems = append(problems, "server.confirm_rate_per_minute must be > 0")
		}
		if c.Pipeline.DedupWindowDays <= 0 {
			problems = append(problems, "pipeline.dedup_window_days must be > 0")
		}
		if c.Pipeline.SubmitRadiusMeters <= 0 || c.Pipeline.MergeRadiusMeters < c.Pipeline.SubmitRadiusMeters {
			problems = append(problems, "pipeline radii must satisfy 0 < submit_radius_meters <= merge_radius_meters")
		}
		if c.Evidence.Dir == "" {
			problems = append(problems, "evidence.dir is required")
		}
	case "migrate", "moderate", "stats":
		checkStore()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
