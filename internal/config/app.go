package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// HubMode selects where the gateway's RawSnapshot configuration comes from.
type HubMode string

const (
	// HubModeFile polls a local YAML file, re-read every ReloadInterval.
	HubModeFile HubMode = "file"
	// HubModeDatabase polls the management database every ReloadInterval
	// (DB_POLL_INTERVAL_SECONDS, when set, overrides RELOAD_INTERVAL in this
	// mode). The database driver/schema live outside this core — see
	// config.RowSource.
	HubModeDatabase HubMode = "database"
)

// AppConfig is process-level configuration: how to listen, how to find the
// RawSnapshot source, and how to fan out reloads. It is distinct from
// RawSnapshot — AppConfig never changes without a process restart, while a
// RawSnapshot can be swapped at runtime (see internal/state).
type AppConfig struct {
	Port     int
	LogLevel string

	HubMode        HubMode
	ConfigFilePath string // used when HubMode == file
	DatabaseDSN    string // used when HubMode == database

	ReloadInterval time.Duration

	// RedisURL, when set, fans out snapshot-install notifications to other
	// replicas via pub/sub (spec §13.2). Optional even in database mode.
	RedisURL string

	CORSOrigins []string
}

// LoadApp reads AppConfig from environment variables (and an optional
// "app.yaml" in the working directory), following the same viper-based,
// env-overrides-file precedence as RawSnapshot's YAML loader.
func LoadApp() (*AppConfig, error) {
	loadDotEnv(".env")

	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HUB_MODE", string(HubModeFile))
	v.SetDefault("CONFIG_FILE_PATH", "config.yaml")
	v.SetDefault("RELOAD_INTERVAL", DefaultReloadInterval.String())
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	cfg := &AppConfig{
		Port:           v.GetInt("PORT"),
		LogLevel:       strings.ToLower(v.GetString("LOG_LEVEL")),
		HubMode:        HubMode(strings.ToLower(v.GetString("HUB_MODE"))),
		ConfigFilePath: v.GetString("CONFIG_FILE_PATH"),
		DatabaseDSN:    v.GetString("DATABASE_DSN"),
		ReloadInterval: v.GetDuration("RELOAD_INTERVAL"),
		RedisURL:       v.GetString("REDIS_URL"),
		CORSOrigins:    v.GetStringSlice("CORS_ORIGINS"),
	}
	if cfg.HubMode == HubModeDatabase {
		if secs := v.GetInt("DB_POLL_INTERVAL_SECONDS"); secs > 0 {
			cfg.ReloadInterval = time.Duration(secs) * time.Second
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) validate() error {
	switch c.HubMode {
	case HubModeFile, HubModeDatabase:
	default:
		return fmt.Errorf("config: invalid HUB_MODE %q; must be one of: file, database", c.HubMode)
	}
	if c.HubMode == HubModeDatabase && c.DatabaseDSN == "" {
		return fmt.Errorf("config: DATABASE_DSN is required when HUB_MODE=database")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}
	if c.ReloadInterval <= 0 {
		return fmt.Errorf("config: RELOAD_INTERVAL must be a positive duration")
	}
	return nil
}
