// Package config provides environment-variable driven configuration for the
// supervisor daemon. Every accessor logs the value source (environment vs
// default) at debug level. ParseString masks the value of sensitive keys
// (names containing "token" or "password"); the other accessors log the
// value as read.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamforge/supervisor/internal/log"
)

// ParseString reads a string from an environment variable or returns
// defaultValue, logging the source at debug level and masking sensitive keys.
func ParseString(key, defaultValue string) string {
	return parseStringWithLogger(log.WithComponent("config"), key, defaultValue)
}

func parseStringWithLogger(logger zerolog.Logger, key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		lowerKey := strings.ToLower(key)
		switch {
		case strings.Contains(lowerKey, "token") || strings.Contains(lowerKey, "password"):
			logger.Debug().Str("key", key).Str("source", "environment").Bool("sensitive", true).Msg("using environment variable")
		case value == "":
			logger.Debug().Str("key", key).Str("default", defaultValue).Str("source", "default").Msg("using default value (environment variable is empty)")
			return defaultValue
		default:
			logger.Debug().Str("key", key).Str("value", value).Str("source", "environment").Msg("using environment variable")
		}
		return value
	}
	logger.Debug().Str("key", key).Str("default", defaultValue).Str("source", "default").Msg("using default value")
	return defaultValue
}

// ParseInt reads an integer from an environment variable or returns
// defaultValue, falling back on parse errors.
func ParseInt(key string, defaultValue int) int {
	logger := log.WithComponent("config")
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		logger.Debug().Str("key", key).Int("default", defaultValue).Str("source", "default").Msg("using default value")
		return defaultValue
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", v).Int("default", defaultValue).Msg("invalid integer in environment variable, using default")
		return defaultValue
	}
	logger.Debug().Str("key", key).Int("value", i).Str("source", "environment").Msg("using environment variable")
	return i
}

// ParseDuration reads a Go-format duration ("30s", "500ms") from an
// environment variable or returns defaultValue.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	logger := log.WithComponent("config")
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		logger.Debug().Str("key", key).Dur("default", defaultValue).Str("source", "default").Msg("using default value")
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", v).Dur("default", defaultValue).Msg("invalid duration in environment variable, using default")
		return defaultValue
	}
	logger.Debug().Str("key", key).Dur("value", d).Str("source", "environment").Msg("using environment variable")
	return d
}

// ParseMillis reads a millisecond-denominated integer env var (as used by
// HEALTH_CHECK_INTERVAL) and returns it as a time.Duration.
func ParseMillis(key string, defaultValue time.Duration) time.Duration {
	ms := ParseInt(key, int(defaultValue/time.Millisecond))
	return time.Duration(ms) * time.Millisecond
}

// ParseBool reads a boolean env var or returns defaultValue.
func ParseBool(key string, defaultValue bool) bool {
	logger := log.WithComponent("config")
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		logger.Debug().Str("key", key).Bool("default", defaultValue).Str("source", "default").Msg("using default value")
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", v).Bool("default", defaultValue).Msg("invalid boolean in environment variable, using default")
		return defaultValue
	}
	logger.Debug().Str("key", key).Bool("value", b).Str("source", "environment").Msg("using environment variable")
	return b
}

// ParseFloat reads a float64 env var or returns defaultValue.
func ParseFloat(key string, defaultValue float64) float64 {
	logger := log.WithComponent("config")
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		logger.Debug().Str("key", key).Float64("default", defaultValue).Str("source", "default").Msg("using default value")
		return defaultValue
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", v).Float64("default", defaultValue).Msg("invalid float in environment variable, using default")
		return defaultValue
	}
	logger.Debug().Str("key", key).Float64("value", f).Str("source", "environment").Msg("using environment variable")
	return f
}

// Config is the process-wide set of recognized environment variables.
type Config struct {
	FFmpegPath         string
	FFprobePath        string
	HWAccelEnabled     bool
	HWAccelAuto        bool
	NVENCPresetOverride string
	MediaBasePath      string
	HealthCheckInterval time.Duration
	MaxLogEntriesPerChannel int
	RestartBudgetMax   int
	RestartBudgetWindow time.Duration
	SubscriberPushInterval time.Duration
	CapabilityProbeTTL time.Duration
	DBPath             string
	ListenAddr         string
	MetricsAddr        string
	ChannelSeedPath    string
	LogLevel           string
}

// Load reads Config from the environment, applying defaults.
func Load() Config {
	return Config{
		FFmpegPath:              ParseString("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:             ParseString("FFPROBE_PATH", "ffprobe"),
		HWAccelEnabled:          ParseBool("FFMPEG_HWACCEL_ENABLED", true),
		HWAccelAuto:             ParseBool("FFMPEG_HWACCEL_AUTO", false),
		NVENCPresetOverride:     ParseString("NVENC_PRESET", ""),
		MediaBasePath:           ParseString("MEDIA_BASE_PATH", "/var/lib/supervisor/media"),
		HealthCheckInterval:     ParseMillis("HEALTH_CHECK_INTERVAL", 30*time.Second),
		MaxLogEntriesPerChannel: ParseInt("MAX_LOG_ENTRIES_PER_CHANNEL", 1000),
		RestartBudgetMax:        ParseInt("RESTART_BUDGET_MAX_ATTEMPTS", 25),
		RestartBudgetWindow:     ParseDuration("RESTART_BUDGET_WINDOW", 2*time.Minute),
		SubscriberPushInterval:  ParseDuration("SUBSCRIBER_PUSH_INTERVAL", 2*time.Second),
		CapabilityProbeTTL:      ParseDuration("CAPABILITY_PROBE_TTL", 60*time.Second),
		DBPath:                  ParseString("DB_PATH", "/var/lib/supervisor/supervisor.db"),
		ListenAddr:              ParseString("LISTEN_ADDR", ":8080"),
		MetricsAddr:             ParseString("METRICS_ADDR", ":9090"),
		ChannelSeedPath:         ParseString("CHANNEL_SEED_PATH", ""),
		LogLevel:                ParseString("LOG_LEVEL", "info"),
	}
}
