// Package config loads and validates the service configuration from
// bindery.toml and BINDERY_* environment overrides via viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/bindery-io/bindery/internal/domain"
	"github.com/bindery-io/bindery/pkg/bytesize"
	"github.com/bindery-io/bindery/pkg/duration"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Builder  BuilderConfig  `mapstructure:"builder"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Listen string `mapstructure:"listen"`
	// TrustedProxies lists proxy IPs or CIDR ranges whose X-Forwarded-For
	// headers are honored when resolving the client IP.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
	// MaxBodySize caps request bodies, e.g. "1MB". Empty disables the cap.
	MaxBodySize string  `mapstructure:"max_body_size"`
	RateLimit   float64 `mapstructure:"rate_limit"`
	RateBurst   int     `mapstructure:"rate_burst"`
}

type StorageConfig struct {
	DatabasePath string `mapstructure:"database_path"`
	LockDir      string `mapstructure:"lock_dir"`
	// Retention is how long terminal requests are kept, in calendar
	// units ("30d", "6M"). "0" keeps them forever.
	Retention string `mapstructure:"retention"`
	// RetentionPeriod is Retention parsed, with "0" mapped to the
	// negative value that disables pruning.
	RetentionPeriod time.Duration `mapstructure:"-"`
}

type DispatchConfig struct {
	Workers          int           `mapstructure:"workers"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	MaxBuildDuration time.Duration `mapstructure:"max_build_duration"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	ReclaimGrace     time.Duration `mapstructure:"reclaim_grace"`
}

type BuilderConfig struct {
	OpmPath            string `mapstructure:"opm_path"`
	BuildahPath        string `mapstructure:"buildah_path"`
	MinOpmVersion      string `mapstructure:"min_opm_version"`
	Registry           string `mapstructure:"registry"`
	WorkDir            string `mapstructure:"work_dir"`
	CustomizationsPath string `mapstructure:"customizations_path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads the configuration from the already-initialized viper
// instance, applies defaults, and validates it.
func Load() (*Config, error) {
	dataDir := defaultDataDir()

	viper.SetDefault("server.listen", ":8080")
	viper.SetDefault("server.trusted_proxies", []string{})
	viper.SetDefault("server.max_body_size", "1MB")
	viper.SetDefault("server.rate_limit", 5.0)
	viper.SetDefault("server.rate_burst", 10)

	viper.SetDefault("storage.database_path", filepath.Join(dataDir, "bindery.db"))
	viper.SetDefault("storage.lock_dir", filepath.Join(dataDir, "locks"))
	viper.SetDefault("storage.retention", "30d")

	viper.SetDefault("dispatch.workers", 4)
	viper.SetDefault("dispatch.poll_interval", "5s")
	viper.SetDefault("dispatch.max_build_duration", "2h")
	viper.SetDefault("dispatch.sweep_interval", "1m")
	viper.SetDefault("dispatch.reclaim_grace", "30m")

	viper.SetDefault("builder.opm_path", "opm")
	viper.SetDefault("builder.buildah_path", "buildah")
	viper.SetDefault("builder.min_opm_version", "1.25.0")
	viper.SetDefault("builder.work_dir", "")
	viper.SetDefault("builder.customizations_path", "")

	viper.SetDefault("log.level", "info")

	// Unmarshal the whole tree at once so defaults still apply inside
	// sections the config file only partially sets.
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfigLoadFailed, err)
	}

	retention, err := parseRetention(cfg.Storage.Retention)
	if err != nil {
		return nil, fmt.Errorf("%w: storage.retention: %v", domain.ErrInvalidConfig, err)
	}
	cfg.Storage.RetentionPeriod = retention

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// parseRetention converts the retention setting into the pruning period
// handed to the sweeper, where any negative value means keep forever.
func parseRetention(s string) (time.Duration, error) {
	d, err := duration.Parse(s)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return -1, nil
	}
	return d, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Builder.Registry == "" {
		return fmt.Errorf("%w: builder.registry must be set", domain.ErrInvalidConfig)
	}
	if c.Builder.OpmPath == "" {
		return fmt.Errorf("%w: builder.opm_path must be set", domain.ErrInvalidConfig)
	}
	if c.Builder.BuildahPath == "" {
		return fmt.Errorf("%w: builder.buildah_path must be set", domain.ErrInvalidConfig)
	}
	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("%w: storage.database_path must be set", domain.ErrInvalidConfig)
	}
	if c.Storage.LockDir == "" {
		return fmt.Errorf("%w: storage.lock_dir must be set", domain.ErrInvalidConfig)
	}
	if c.Dispatch.Workers < 1 {
		return fmt.Errorf("%w: dispatch.workers must be at least 1", domain.ErrInvalidConfig)
	}
	if c.Dispatch.PollInterval <= 0 {
		return fmt.Errorf("%w: dispatch.poll_interval must be positive", domain.ErrInvalidConfig)
	}
	if c.Dispatch.MaxBuildDuration <= 0 {
		return fmt.Errorf("%w: dispatch.max_build_duration must be positive", domain.ErrInvalidConfig)
	}
	if c.Server.RateLimit <= 0 {
		return fmt.Errorf("%w: server.rate_limit must be positive", domain.ErrInvalidConfig)
	}
	if c.Server.MaxBodySize != "" {
		if _, err := bytesize.Parse(c.Server.MaxBodySize); err != nil {
			return fmt.Errorf("%w: server.max_body_size: %v", domain.ErrInvalidConfig, err)
		}
	}
	return nil
}

// defaultDataDir returns a platform-appropriate default data directory.
func defaultDataDir() string {
	if os.Getuid() != 0 {
		if homeDir, err := os.UserHomeDir(); err == nil {
			return filepath.Join(homeDir, ".local/share/bindery")
		}
		log.Debug().Msg("Failed to get user home directory, falling back to ./data")
	}
	return "./data"
}
