// Package config loads the pipeline's runtime configuration from an
// optional TOML file, overridden by environment variables, matching the
// precedence the FlowCatalyst binaries use.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/darrenoakey/newsfeed-pipeline/internal/secrets"
)

// Config is the fully-resolved runtime configuration for cmd/server.
type Config struct {
	StoreDriver string `toml:"store_driver"`
	SQLitePath  string `toml:"sqlite_path"`
	MongoURI    string `toml:"mongo_uri"`
	MongoDB     string `toml:"mongo_database"`

	HTTPPort int `toml:"http_port"`

	MinInterval     time.Duration `toml:"-"`
	MaxInterval     time.Duration `toml:"-"`
	DefaultInterval time.Duration `toml:"-"`
	AdjustStep      time.Duration `toml:"-"`
	IdleSleep       time.Duration `toml:"-"`

	ScoreIdleSleep time.Duration `toml:"-"`
	RankerTimeout  time.Duration `toml:"-"`
	RankerBaseURL  string        `toml:"ranker_base_url"`
	RankerToken    string        `toml:"ranker_token"`

	PublishThreshold float64       `toml:"publish_threshold"`
	PubIdleSleep     time.Duration `toml:"-"`
	RateLimitBackoff time.Duration `toml:"-"`
	WebhookURL       string        `toml:"webhook_url"`

	DecoderTimeout time.Duration `toml:"-"`

	ExportTitle       string  `toml:"export_title"`
	ExportLink        string  `toml:"export_link"`
	ExportDescription string  `toml:"export_description"`
	ExportMinScore    float64 `toml:"export_min_score"`
	ExportLimit       int     `toml:"export_limit"`
}

// fileConfig mirrors the subset of Config that is read directly from TOML
// as raw seconds/ints before being converted to time.Duration.
type fileConfig struct {
	StoreDriver      string  `toml:"store_driver"`
	SQLitePath       string  `toml:"sqlite_path"`
	MongoURI         string  `toml:"mongo_uri"`
	MongoDB          string  `toml:"mongo_database"`
	HTTPPort         int     `toml:"http_port"`
	MinInterval      int     `toml:"min_interval_seconds"`
	MaxInterval      int     `toml:"max_interval_seconds"`
	DefaultInterval  int     `toml:"default_interval_seconds"`
	AdjustStep       int     `toml:"adjust_step_seconds"`
	IdleSleep        int     `toml:"idle_sleep_seconds"`
	ScoreIdleSleep   int     `toml:"score_idle_sleep_seconds"`
	RankerTimeout    int     `toml:"ranker_timeout_seconds"`
	RankerBaseURL    string  `toml:"ranker_base_url"`
	RankerToken      string  `toml:"ranker_token"`
	PublishThreshold float64 `toml:"publish_threshold"`
	PubIdleSleep     int     `toml:"pub_idle_sleep_seconds"`
	RateLimitBackoff int     `toml:"rate_limit_backoff_seconds"`
	WebhookURL       string  `toml:"webhook_url"`
	DecoderTimeout   int     `toml:"decoder_timeout_seconds"`

	ExportTitle       string  `toml:"export_title"`
	ExportLink        string  `toml:"export_link"`
	ExportDescription string  `toml:"export_description"`
	ExportMinScore    float64 `toml:"export_min_score"`
	ExportLimit       int     `toml:"export_limit"`
}

// Load reads configPath (if non-empty and present) as TOML, then applies
// environment variable overrides, then resolves any awssm:// or vault://
// secret references via resolver.
func Load(configPath string, resolver *secrets.CompositeResolver) (*Config, error) {
	fc := fileConfig{
		StoreDriver:      "sqlite",
		SQLitePath:       "newsfeed.db",
		MongoDB:          "newsfeed",
		HTTPPort:         8089,
		MinInterval:      300,
		MaxInterval:      14400,
		DefaultInterval:  3600,
		AdjustStep:       60,
		IdleSleep:        60,
		ScoreIdleSleep:   60,
		RankerTimeout:    120,
		PublishThreshold: 8.0,
		PubIdleSleep:     60,
		RateLimitBackoff: 300,
		DecoderTimeout:   30,
		ExportTitle:       "Curated News Feed",
		ExportLink:        "http://localhost:8089",
		ExportDescription: "Curated news, scored and deduplicated.",
		ExportMinScore:    8.0,
		ExportLimit:       50,
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if _, err := toml.DecodeFile(configPath, &fc); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
			}
		}
	}

	fc.StoreDriver = getEnv("STORE_DRIVER", fc.StoreDriver)
	fc.SQLitePath = getEnv("SQLITE_PATH", fc.SQLitePath)
	fc.MongoURI = getEnv("MONGO_URI", fc.MongoURI)
	fc.MongoDB = getEnv("MONGO_DATABASE", fc.MongoDB)
	fc.HTTPPort = getEnvInt("HTTP_PORT", fc.HTTPPort)
	fc.MinInterval = getEnvInt("MIN_INTERVAL", fc.MinInterval)
	fc.MaxInterval = getEnvInt("MAX_INTERVAL", fc.MaxInterval)
	fc.DefaultInterval = getEnvInt("DEFAULT_INTERVAL", fc.DefaultInterval)
	fc.AdjustStep = getEnvInt("ADJUST_STEP", fc.AdjustStep)
	fc.IdleSleep = getEnvInt("IDLE_SLEEP", fc.IdleSleep)
	fc.ScoreIdleSleep = getEnvInt("SCORE_IDLE_SLEEP", fc.ScoreIdleSleep)
	fc.RankerTimeout = getEnvInt("RANKER_TIMEOUT", fc.RankerTimeout)
	fc.RankerBaseURL = getEnv("RANKER_BASE_URL", fc.RankerBaseURL)
	fc.RankerToken = getEnv("RANKER_TOKEN", fc.RankerToken)
	fc.PublishThreshold = getEnvFloat("PUBLISH_THRESHOLD", fc.PublishThreshold)
	fc.PubIdleSleep = getEnvInt("PUB_IDLE_SLEEP", fc.PubIdleSleep)
	fc.RateLimitBackoff = getEnvInt("RATE_LIMIT_BACKOFF", fc.RateLimitBackoff)
	fc.WebhookURL = getEnv("WEBHOOK_URL", fc.WebhookURL)
	fc.DecoderTimeout = getEnvInt("DECODER_TIMEOUT", fc.DecoderTimeout)
	fc.ExportTitle = getEnv("EXPORT_TITLE", fc.ExportTitle)
	fc.ExportLink = getEnv("EXPORT_LINK", fc.ExportLink)
	fc.ExportDescription = getEnv("EXPORT_DESCRIPTION", fc.ExportDescription)
	fc.ExportMinScore = getEnvFloat("EXPORT_MIN_SCORE", fc.ExportMinScore)
	fc.ExportLimit = getEnvInt("EXPORT_LIMIT", fc.ExportLimit)

	resolvedToken, err := secrets.Resolve(resolver, fc.RankerToken)
	if err != nil {
		return nil, fmt.Errorf("resolving ranker token: %w", err)
	}
	resolvedWebhook, err := secrets.Resolve(resolver, fc.WebhookURL)
	if err != nil {
		return nil, fmt.Errorf("resolving webhook url: %w", err)
	}

	return &Config{
		StoreDriver:      fc.StoreDriver,
		SQLitePath:       fc.SQLitePath,
		MongoURI:         fc.MongoURI,
		MongoDB:          fc.MongoDB,
		HTTPPort:         fc.HTTPPort,
		MinInterval:      time.Duration(fc.MinInterval) * time.Second,
		MaxInterval:      time.Duration(fc.MaxInterval) * time.Second,
		DefaultInterval:  time.Duration(fc.DefaultInterval) * time.Second,
		AdjustStep:       time.Duration(fc.AdjustStep) * time.Second,
		IdleSleep:        time.Duration(fc.IdleSleep) * time.Second,
		ScoreIdleSleep:   time.Duration(fc.ScoreIdleSleep) * time.Second,
		RankerTimeout:    time.Duration(fc.RankerTimeout) * time.Second,
		RankerBaseURL:    fc.RankerBaseURL,
		RankerToken:      resolvedToken,
		PublishThreshold: fc.PublishThreshold,
		PubIdleSleep:     time.Duration(fc.PubIdleSleep) * time.Second,
		RateLimitBackoff: time.Duration(fc.RateLimitBackoff) * time.Second,
		WebhookURL:       resolvedWebhook,
		DecoderTimeout:   time.Duration(fc.DecoderTimeout) * time.Second,
		ExportTitle:       fc.ExportTitle,
		ExportLink:        fc.ExportLink,
		ExportDescription: fc.ExportDescription,
		ExportMinScore:    fc.ExportMinScore,
		ExportLimit:       fc.ExportLimit,
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		var floatVal float64
		if _, err := fmt.Sscanf(value, "%g", &floatVal); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
