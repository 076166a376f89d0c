package readercache

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/lflare/readercache-golang/pkg/cache"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// ErrDefaultConfigWritten is returned after a fresh default configuration was written
var ErrDefaultConfigWritten = errors.New("default configuration written, please modify before running client again")

const (
	KeyBackendURL       = "client.backend_url"
	KeyCacheDirectory   = "cache.directory"
	KeyCacheQuota       = "cache.quota_mebibytes"
	KeyCoverTTL         = "cache.cover_negative_ttl_seconds"
	KeyPageCapacity     = "cache.page_store_capacity"
	KeyPurgeOthers      = "cache.purge_other_books_on_open"
	KeyLogLevel         = "log.level"
	KeyEnablePrometheus = "metric.enable_prometheus"
)

func setDefaultConfiguration() {
	// [version]
	viper.SetDefault("version", 1)

	// [client]
	viper.SetDefault("client.backend_url", "http://localhost:5000/api")
	viper.SetDefault("client.address", "127.0.0.1")
	viper.SetDefault("client.port", 44380)
	viper.SetDefault("client.check_version", false)
	viper.SetDefault("client.graceful_shutdown_seconds", 30)

	// [cache]
	viper.SetDefault("cache.directory", "cache/")
	viper.SetDefault("cache.quota_mebibytes", 5)
	viper.SetDefault("cache.cover_negative_ttl_seconds", 3600)
	viper.SetDefault("cache.cover_memory_entries", 256)
	viper.SetDefault("cache.page_store_capacity", 3)
	viper.SetDefault("cache.purge_other_books_on_open", true)

	// [performance]
	viper.SetDefault("performance.client_timeout_seconds", 60)
	viper.SetDefault("performance.cover_fetch_interval_milliseconds", 250)
	viper.SetDefault("performance.rebuild_attempts", 3)
	viper.SetDefault("performance.probe_covers_before_fetch", false)
	viper.SetDefault("performance.cancel_timeout_seconds", 5)

	// [metric]
	viper.SetDefault("metric.enable_prometheus", false)

	// [log]
	viper.SetDefault("log.directory", "log/")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.max_age_days", 7)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_size_mebibytes", 64)
}

// prepareConfiguration loads .env, configFile and READERCACHE_* overrides.
// With writeDefault set, a missing file is created and ErrDefaultConfigWritten
// returned, and an existing file is rewritten to pick up new keys.
func prepareConfiguration(configFile string, writeDefault bool) error {
	// Load .env file if present
	_ = godotenv.Load()

	// Configure Viper
	viper.SetConfigFile(configFile)
	viper.SetConfigType("toml")
	viper.SetEnvPrefix("READERCACHE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Set default configuration
	setDefaultConfiguration()

	// Load in configuration
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			// Config file was found but another error was produced
			return fmt.Errorf("failed to read configuration: %w", err)
		}
		if !writeDefault {
			log.Debugf("Configuration '%s' not found, using defaults", configFile)
			return nil
		}

		// Write default configuration file if not exists
		log.Info("Configuration not found, creating!")
		if err := viper.SafeWriteConfigAs(configFile); err != nil {
			return fmt.Errorf("failed to write default configuration to '%s': %w", configFile, err)
		}
		return ErrDefaultConfigWritten
	}

	// Update default configuration file
	if writeDefault {
		if err := viper.WriteConfig(); err != nil {
			log.Errorf("Failed to update configuration file: '%v'. Please check permissions!", err)
		}
	}
	return nil
}

// applyConfiguration pushes the settings that may change at runtime
func applyConfiguration(covers cache.ExpiringCache, pages cache.BoundedCache) {
	// Update log level if need be
	if level, err := logrus.ParseLevel(viper.GetString(KeyLogLevel)); err == nil {
		log.SetLevel(level)
	}

	// Update cache limits
	if covers != nil {
		covers.SetTTL(time.Duration(viper.GetInt(KeyCoverTTL)) * time.Second)
	}
	if pages != nil {
		pages.SetCapacity(viper.GetInt(KeyPageCapacity))
	}
}

// optionsFromConfiguration builds App options from the loaded configuration
func optionsFromConfiguration() Options {
	return Options{
		BackendURL:         viper.GetString(KeyBackendURL),
		ClientTimeout:      time.Duration(viper.GetInt("performance.client_timeout_seconds")) * time.Second,
		RebuildAttempts:    uint(viper.GetInt("performance.rebuild_attempts")),
		CoverTTL:           time.Duration(viper.GetInt(KeyCoverTTL)) * time.Second,
		CoverMemoryEntries: viper.GetInt("cache.cover_memory_entries"),
		FetchInterval:      time.Duration(viper.GetInt("performance.cover_fetch_interval_milliseconds")) * time.Millisecond,
		ProbeCovers:        viper.GetBool("performance.probe_covers_before_fetch"),
		PageCapacity:       viper.GetInt(KeyPageCapacity),
		PurgeOthers:        viper.GetBool(KeyPurgeOthers),
		CancelTimeout:      time.Duration(viper.GetInt("performance.cancel_timeout_seconds")) * time.Second,
	}
}
