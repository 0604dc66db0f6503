package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/crop-risk-alerts/internal/domain"
	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Fabric transports.
const (
	FabricRedis  = "redis"
	FabricKafka  = "kafka"
	FabricMemory = "memory"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	AllowedOrigins  []string

	RedisAddr string
	RedisDB   int

	FabricDriver     string
	KafkaBrokers     []string
	KafkaTopicPrefix string

	RulesFile        string
	BucketResolution float64

	MonitorInterval     time.Duration
	MonitorBackoff      time.Duration
	MonitorFetchTimeout time.Duration

	NotifyMaxPerHour   int
	NotifyMaxPerDay    int
	NotifyDedupWindow  time.Duration
	NotifyBatchWindow  time.Duration
	BatchFlushInterval time.Duration

	OpenMeteoBaseURL string
	OpenMeteoTimeout time.Duration
	WeatherCacheSize int
	WeatherCacheTTL  time.Duration

	// Firebase Cloud Messaging configuration.
	FCMEnabled         bool
	FCMCredentialsFile string
	FCMProjectID       string
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:           sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:           sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:          sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:    shutdownTimeout,
		AllowedOrigins:     sharedcfg.ParseBrokers(os.Getenv("WS_ALLOWED_ORIGINS")),
		RedisAddr:          sharedcfg.EnvOrDefault("REDIS_ADDR", "localhost:6379"),
		FabricDriver:       strings.ToLower(sharedcfg.EnvOrDefault("FABRIC_DRIVER", FabricRedis)),
		KafkaBrokers:       sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopicPrefix:   sharedcfg.EnvOrDefault("KAFKA_TOPIC_PREFIX", "crop-alerts."),
		RulesFile:          os.Getenv("RULES_FILE"),
		OpenMeteoBaseURL:   sharedcfg.EnvOrDefault("OPENMETEO_BASE_URL", "https://api.open-meteo.com/v1/forecast"),
		FCMCredentialsFile: os.Getenv("FCM_CREDENTIALS_FILE"),
		FCMProjectID:       os.Getenv("FCM_PROJECT_ID"),
	}

	var errs []error
	cfg.RedisDB = parseInt("REDIS_DB", 0, 0, &errs)
	cfg.BucketResolution = parseFloat("BUCKET_RESOLUTION", domain.DefaultBucketResolution, &errs)
	cfg.MonitorInterval = parseDuration("MONITOR_INTERVAL", "5m", &errs)
	cfg.MonitorBackoff = parseDuration("MONITOR_BACKOFF", "1m", &errs)
	cfg.MonitorFetchTimeout = parseDuration("MONITOR_FETCH_TIMEOUT", "10s", &errs)
	cfg.NotifyMaxPerHour = parseInt("NOTIFY_MAX_PER_HOUR", 5, 1, &errs)
	cfg.NotifyMaxPerDay = parseInt("NOTIFY_MAX_PER_DAY", 20, 1, &errs)
	cfg.NotifyDedupWindow = parseDuration("NOTIFY_DEDUP_WINDOW", "60m", &errs)
	cfg.NotifyBatchWindow = parseDuration("NOTIFY_BATCH_WINDOW", "15m", &errs)
	cfg.BatchFlushInterval = parseDuration("BATCH_FLUSH_INTERVAL", "1m", &errs)
	cfg.OpenMeteoTimeout = parseDuration("OPENMETEO_TIMEOUT", "10s", &errs)
	cfg.WeatherCacheSize = parseInt("WEATHER_CACHE_SIZE", 1000, 1, &errs)
	cfg.WeatherCacheTTL = parseDuration("WEATHER_CACHE_TTL", "5m", &errs)

	cfg.FCMEnabled = cfg.FCMCredentialsFile != ""
	if v := os.Getenv("FCM_ENABLED"); v != "" {
		cfg.FCMEnabled = v == "true"
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	switch cfg.FabricDriver {
	case FabricRedis, FabricMemory:
	case FabricKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return nil, errors.New("KAFKA_BROKERS is required when FABRIC_DRIVER is kafka")
		}
	default:
		return nil, fmt.Errorf("invalid FABRIC_DRIVER %q: must be redis, kafka or memory", cfg.FabricDriver)
	}
	if cfg.FabricDriver == FabricRedis && cfg.RedisAddr == "" {
		return nil, errors.New("REDIS_ADDR is required")
	}
	if cfg.BatchFlushInterval >= cfg.NotifyBatchWindow {
		return nil, errors.New("invalid BATCH_FLUSH_INTERVAL: must be shorter than NOTIFY_BATCH_WINDOW")
	}
	if cfg.FCMEnabled && cfg.FCMCredentialsFile == "" && cfg.FCMProjectID == "" {
		return nil, errors.New("FCM_ENABLED is true but neither FCM_CREDENTIALS_FILE nor FCM_PROJECT_ID is set")
	}

	return cfg, nil
}

// BatchFlushAge is how old a batch queue's first entry must be before it is
// flushed. It leaves one flush interval of headroom before the queue expires.
func (c *Config) BatchFlushAge() time.Duration {
	return c.NotifyBatchWindow - c.BatchFlushInterval
}

func parseDuration(key, fallback string, errs *[]error) time.Duration {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, fallback))
	if err != nil || d <= 0 {
		*errs = append(*errs, fmt.Errorf("invalid %s: must be a positive duration", key))
		return 0
	}
	return d
}

func parseInt(key string, fallback, minimum int, errs *[]error) int {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < minimum {
		*errs = append(*errs, fmt.Errorf("invalid %s: must be an integer >= %d", key, minimum))
		return 0
	}
	return n
}

func parseFloat(key string, fallback float64, errs *[]error) float64 {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || !(v > 0) {
		*errs = append(*errs, fmt.Errorf("invalid %s: must be a positive number", key))
		return 0
	}
	return v
}
