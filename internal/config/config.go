// Package config loads process-level tunables for the subscription engine
// service from the environment, following the same flat-struct,
// fail-fast-with-descriptive-errors shape used throughout this codebase.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the admin/control surface listens on.
	DefaultAddr = ":43170"

	// DefaultTimeout is the in-flight ack deadline.
	DefaultTimeout = 30 * time.Second
	// DefaultReadBatchSize is the count requested per history read.
	DefaultReadBatchSize = 500
	// DefaultLiveBufferSize caps the live segment of the event buffer.
	DefaultLiveBufferSize = 500
	// DefaultHistoryBufferSize caps the history segment of the event buffer.
	DefaultHistoryBufferSize = 20
	// DefaultMaxRetryCount bounds retries before an event is parked.
	DefaultMaxRetryCount = 10
	// DefaultPreferRoundRobin selects the round-robin dispatch policy by default.
	DefaultPreferRoundRobin = true
	// DefaultStartFrom means "beginning of the stream".
	DefaultStartFrom = 0
	// DefaultCheckpointInterval is how many acked events accrue before a durable write.
	DefaultCheckpointInterval = 100
	// DefaultCheckpointMaxDelay bounds how long an ack can go unpersisted.
	DefaultCheckpointMaxDelay = 5 * time.Second
	// DefaultParkedCacheSize bounds the in-memory parked-events list.
	DefaultParkedCacheSize = 1024

	// DefaultLogLevel controls verbosity for service logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "subengine.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// SubscriptionConfig enumerates the tunables of one persistent
// subscription. It is a plain configuration value, constructed once (via
// Load or explicit assembly) and handed to the engine as an immutable
// snapshot.
type SubscriptionConfig struct {
	StreamName        string
	GroupName         string
	ResolveLinkTos    bool
	StartFrom         int
	Timeout           time.Duration
	MaxRetryCount     int
	LiveBufferSize    int
	HistoryBufferSize int
	ReadBatchSize     int
	PreferRoundRobin  bool
	LatencyStatistics bool

	CheckpointInterval int
	CheckpointMaxDelay time.Duration
	ParkedCacheSize    int
}

// DefaultSubscriptionConfig returns the documented defaults, leaving
// StreamName/GroupName blank for the caller to fill in.
func DefaultSubscriptionConfig() SubscriptionConfig {
	return SubscriptionConfig{
		StartFrom:          DefaultStartFrom,
		Timeout:            DefaultTimeout,
		MaxRetryCount:      DefaultMaxRetryCount,
		LiveBufferSize:     DefaultLiveBufferSize,
		HistoryBufferSize:  DefaultHistoryBufferSize,
		ReadBatchSize:      DefaultReadBatchSize,
		PreferRoundRobin:   DefaultPreferRoundRobin,
		CheckpointInterval: DefaultCheckpointInterval,
		CheckpointMaxDelay: DefaultCheckpointMaxDelay,
		ParkedCacheSize:    DefaultParkedCacheSize,
	}
}

// Config captures all runtime tunables for the subscription engine service.
type Config struct {
	Address    string
	AdminToken string

	Subscription SubscriptionConfig
	Logging      LoggingConfig

	CheckpointDBPath string
	LogStorePath     string
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the service configuration from environment variables, applying
// sane defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:    getString("SUBENGINE_ADDR", DefaultAddr),
		AdminToken: strings.TrimSpace(os.Getenv("SUBENGINE_ADMIN_TOKEN")),
		Subscription: SubscriptionConfig{
			StreamName:         getString("SUBENGINE_STREAM", ""),
			GroupName:          getString("SUBENGINE_GROUP", ""),
			StartFrom:          DefaultStartFrom,
			Timeout:            DefaultTimeout,
			MaxRetryCount:      DefaultMaxRetryCount,
			LiveBufferSize:     DefaultLiveBufferSize,
			HistoryBufferSize:  DefaultHistoryBufferSize,
			ReadBatchSize:      DefaultReadBatchSize,
			PreferRoundRobin:   DefaultPreferRoundRobin,
			CheckpointInterval: DefaultCheckpointInterval,
			CheckpointMaxDelay: DefaultCheckpointMaxDelay,
			ParkedCacheSize:    DefaultParkedCacheSize,
		},
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("SUBENGINE_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("SUBENGINE_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
		CheckpointDBPath: getString("SUBENGINE_CHECKPOINT_DB", "subengine-checkpoints.db"),
		LogStorePath:     getString("SUBENGINE_LOGSTORE_DIR", "subengine-logstore"),
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("SUBENGINE_TIMEOUT")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("SUBENGINE_TIMEOUT must be a positive duration, got %q", raw))
		} else {
			cfg.Subscription.Timeout = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SUBENGINE_MAX_RETRY_COUNT")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("SUBENGINE_MAX_RETRY_COUNT must be a non-negative integer, got %q", raw))
		} else {
			cfg.Subscription.MaxRetryCount = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SUBENGINE_LIVE_BUFFER_SIZE")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("SUBENGINE_LIVE_BUFFER_SIZE must be a positive integer, got %q", raw))
		} else {
			cfg.Subscription.LiveBufferSize = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SUBENGINE_HISTORY_BUFFER_SIZE")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("SUBENGINE_HISTORY_BUFFER_SIZE must be a positive integer, got %q", raw))
		} else {
			cfg.Subscription.HistoryBufferSize = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SUBENGINE_READ_BATCH_SIZE")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("SUBENGINE_READ_BATCH_SIZE must be a positive integer, got %q", raw))
		} else {
			cfg.Subscription.ReadBatchSize = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SUBENGINE_START_FROM")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < -1 {
			problems = append(problems, fmt.Sprintf("SUBENGINE_START_FROM must be -1, 0, or a positive integer, got %q", raw))
		} else {
			cfg.Subscription.StartFrom = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SUBENGINE_PREFER_ROUND_ROBIN")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("SUBENGINE_PREFER_ROUND_ROBIN must be a boolean value, got %q", raw))
		} else {
			cfg.Subscription.PreferRoundRobin = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SUBENGINE_LATENCY_STATISTICS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("SUBENGINE_LATENCY_STATISTICS must be a boolean value, got %q", raw))
		} else {
			cfg.Subscription.LatencyStatistics = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SUBENGINE_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("SUBENGINE_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SUBENGINE_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("SUBENGINE_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SUBENGINE_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("SUBENGINE_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SUBENGINE_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("SUBENGINE_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if cfg.Subscription.StreamName == "" {
		problems = append(problems, "SUBENGINE_STREAM must be set")
	}
	if cfg.Subscription.GroupName == "" {
		problems = append(problems, "SUBENGINE_GROUP must be set")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
