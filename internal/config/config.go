package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "PROMPTWALL"

	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "promptwall.db"
	defaultLogLevel           = "info"
	defaultMaxSessions        = 100
	defaultMaxPendingJobs     = 5
	defaultGlobalRateLimit    = 30
	defaultIdentityRateLimit  = 3
	defaultRateWindowSeconds  = 60
	defaultRotationMinutes    = 60
	defaultHistoryLimit       = 50
	defaultBackgroundKeep     = 12
	defaultRedisAddress       = "127.0.0.1:6379"
	defaultSnapshotBucket     = "promptwall-archives"
	defaultWorkerConcurrency  = 5
	defaultCursorTickMillis   = 100
	defaultVerifyURL          = "https://challenges.cloudflare.com/turnstile/v0/siteverify"
	defaultModerationSentinel = "SAFE"
)

// AppConfig captures runtime configuration for the wall coordinator.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string

	MaxSessions       int
	MaxPendingJobs    int
	GlobalRateLimit   int
	IdentityRateLimit int
	RateWindow        time.Duration
	RotationInterval  time.Duration
	HistoryLimit      int
	BackgroundKeep    int
	CursorTick        time.Duration

	AdminSecret string

	RedisAddress      string
	WorkerConcurrency int

	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	S3UseSSL       bool
	SnapshotBucket string

	AIBaseURL          string
	AIAPIKey           string
	ModerationSentinel string

	VerifyURL     string
	VerifySecret  string
	VerifySiteKey string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("wall.max_sessions", defaultMaxSessions)
	configViper.SetDefault("wall.max_pending_jobs", defaultMaxPendingJobs)
	configViper.SetDefault("wall.history_limit", defaultHistoryLimit)
	configViper.SetDefault("wall.background_keep", defaultBackgroundKeep)
	configViper.SetDefault("wall.cursor_tick_ms", defaultCursorTickMillis)
	configViper.SetDefault("ratelimit.global", defaultGlobalRateLimit)
	configViper.SetDefault("ratelimit.identity", defaultIdentityRateLimit)
	configViper.SetDefault("ratelimit.window_s", defaultRateWindowSeconds)
	configViper.SetDefault("rotation.interval_m", defaultRotationMinutes)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("worker.concurrency", defaultWorkerConcurrency)
	configViper.SetDefault("s3.use_ssl", false)
	configViper.SetDefault("s3.snapshot_bucket", defaultSnapshotBucket)
	configViper.SetDefault("ai.moderation_sentinel", defaultModerationSentinel)
	configViper.SetDefault("verify.url", defaultVerifyURL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		MaxSessions:        configViper.GetInt("wall.max_sessions"),
		MaxPendingJobs:     configViper.GetInt("wall.max_pending_jobs"),
		HistoryLimit:       configViper.GetInt("wall.history_limit"),
		BackgroundKeep:     configViper.GetInt("wall.background_keep"),
		CursorTick:         time.Duration(configViper.GetInt("wall.cursor_tick_ms")) * time.Millisecond,
		GlobalRateLimit:    configViper.GetInt("ratelimit.global"),
		IdentityRateLimit:  configViper.GetInt("ratelimit.identity"),
		RateWindow:         time.Duration(configViper.GetInt("ratelimit.window_s")) * time.Second,
		RotationInterval:   time.Duration(configViper.GetInt("rotation.interval_m")) * time.Minute,
		AdminSecret:        configViper.GetString("admin.secret"),
		RedisAddress:       configViper.GetString("redis.address"),
		WorkerConcurrency:  configViper.GetInt("worker.concurrency"),
		S3Endpoint:         configViper.GetString("s3.endpoint"),
		S3AccessKey:        configViper.GetString("s3.access_key"),
		S3SecretKey:        configViper.GetString("s3.secret_key"),
		S3UseSSL:           configViper.GetBool("s3.use_ssl"),
		SnapshotBucket:     configViper.GetString("s3.snapshot_bucket"),
		AIBaseURL:          configViper.GetString("ai.base_url"),
		AIAPIKey:           configViper.GetString("ai.api_key"),
		ModerationSentinel: configViper.GetString("ai.moderation_sentinel"),
		VerifyURL:          configViper.GetString("verify.url"),
		VerifySecret:       configViper.GetString("verify.secret"),
		VerifySiteKey:      configViper.GetString("verify.site_key"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("wall.max_sessions must be positive")
	}
	if c.MaxPendingJobs <= 0 {
		return fmt.Errorf("wall.max_pending_jobs must be positive")
	}
	if c.RateWindow <= 0 {
		return fmt.Errorf("ratelimit.window_s must be positive")
	}
	if c.RotationInterval <= 0 {
		return fmt.Errorf("rotation.interval_m must be positive")
	}
	if strings.TrimSpace(c.AIBaseURL) == "" {
		return fmt.Errorf("ai.base_url is required")
	}
	return nil
}
