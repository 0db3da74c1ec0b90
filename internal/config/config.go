// Package config collects process settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Sources   SourcesConfig
	Scheduler SchedulerConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port        string
	AdminSecret string
	CORSOrigins []string
}

// StorageConfig selects the repository backend. A non-empty SQLitePath wins
// over DatabaseURL.
type StorageConfig struct {
	DatabaseURL string
	SQLitePath  string
}

type SourcesConfig struct {
	// RegistryPath overrides the embedded sources.yaml when set.
	RegistryPath         string
	AllowPrivateNetworks bool
}

type SchedulerConfig struct {
	Enabled          bool
	FullInterval     time.Duration
	QuickInterval    time.Duration
	CleanupInterval  time.Duration
	InterSourceDelay time.Duration
}

type LogConfig struct {
	Level  string
	Format string // json or console
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:        "8081",
			CORSOrigins: []string{"http://localhost:4200"},
		},
		Scheduler: SchedulerConfig{
			Enabled:          true,
			FullInterval:     24 * time.Hour,
			QuickInterval:    6 * time.Hour,
			CleanupInterval:  time.Hour,
			InterSourceDelay: 2 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load applies environment overrides on top of the defaults. Values that do
// not parse are reported rather than silently ignored.
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	cfg := defaults()
	var errs []string

	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		raw := strings.TrimSpace(getenv(key))
		if raw == "" {
			return
		}
		b, err := strconv.ParseBool(raw)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s=%q: not a boolean", key, raw))
			return
		}
		*dst = b
	}
	duration := func(key string, dst *time.Duration) {
		raw := strings.TrimSpace(getenv(key))
		if raw == "" {
			return
		}
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			errs = append(errs, fmt.Sprintf("%s=%q: not a non-negative duration", key, raw))
			return
		}
		*dst = d
	}

	str("PORT", &cfg.Server.Port)
	str("ADMIN_SECRET", &cfg.Server.AdminSecret)
	if extra := getenv("CORS_ORIGINS"); extra != "" {
		for _, o := range strings.Split(extra, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.Server.CORSOrigins = append(cfg.Server.CORSOrigins, o)
			}
		}
	}

	str("DATABASE_URL", &cfg.Storage.DatabaseURL)
	str("GRANTSYNC_SQLITE_PATH", &cfg.Storage.SQLitePath)

	str("GRANTSYNC_SOURCES", &cfg.Sources.RegistryPath)
	boolean("GRANTSYNC_ALLOW_PRIVATE_NETWORKS", &cfg.Sources.AllowPrivateNetworks)

	boolean("GRANTSYNC_SCHEDULER", &cfg.Scheduler.Enabled)
	duration("GRANTSYNC_FULL_INTERVAL", &cfg.Scheduler.FullInterval)
	duration("GRANTSYNC_QUICK_INTERVAL", &cfg.Scheduler.QuickInterval)
	duration("GRANTSYNC_CLEANUP_INTERVAL", &cfg.Scheduler.CleanupInterval)
	duration("GRANTSYNC_SOURCE_DELAY", &cfg.Scheduler.InterSourceDelay)

	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)

	for _, iv := range []struct {
		key string
		d   time.Duration
	}{
		{"GRANTSYNC_FULL_INTERVAL", cfg.Scheduler.FullInterval},
		{"GRANTSYNC_QUICK_INTERVAL", cfg.Scheduler.QuickInterval},
		{"GRANTSYNC_CLEANUP_INTERVAL", cfg.Scheduler.CleanupInterval},
	} {
		if iv.d == 0 {
			errs = append(errs, fmt.Sprintf("%s must be positive", iv.key))
		}
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}
