package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const DefaultFeedURL = "https://raw.githubusercontent.com/nikolaischunk/discord-phishing-links/main/domain-list.json"

type Config struct {
	DiscordToken  string         `yaml:"discord_token"`
	Database      DatabaseConfig `yaml:"database"`
	LogLevel      string         `yaml:"log_level"`
	DefaultPrefix string         `yaml:"default_prefix"`
	RetentionDays int            `yaml:"retention_days"`
	Health        HealthConfig   `yaml:"health"`
	Counting      CountingConfig `yaml:"counting"`
	AntiRaid      AntiRaidConfig `yaml:"anti_raid"`
	Leveling      LevelingConfig `yaml:"leveling"`
	Alerts        AlertConfig    `yaml:"alerts"`
	Feed          FeedConfig     `yaml:"feed"`
	Notifications NotifyConfig   `yaml:"notifications"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type CountingConfig struct {
	RateLimitThreshold     int `yaml:"rate_limit_threshold"`
	RateLimitWindowSeconds int `yaml:"rate_limit_window_seconds"`
	TimeoutMinutes         int `yaml:"timeout_minutes"`
}

type AntiRaidConfig struct {
	SpreadPercent        float64  `yaml:"spread_percent"`
	StaleSeconds         int      `yaml:"stale_seconds"`
	SweepIntervalSeconds int      `yaml:"sweep_interval_seconds"`
	BaitPhrases          []string `yaml:"bait_phrases"`
}

type LevelingConfig struct {
	Enabled         bool `yaml:"enabled"`
	CooldownSeconds int  `yaml:"cooldown_seconds"`
	MinExp          int  `yaml:"min_exp"`
	MaxExp          int  `yaml:"max_exp"`
}

type AlertConfig struct {
	QueueSize      int `yaml:"queue_size"`
	Workers        int `yaml:"workers"`
	TimeoutMinutes int `yaml:"timeout_minutes"`
}

type FeedConfig struct {
	URL             string `yaml:"url"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	MaxRetrySeconds int    `yaml:"max_retry_seconds"`
}

type NotifyConfig struct {
	EmbedColors EmbedColors `yaml:"embed_colors"`
}

type EmbedColors struct {
	Action  int `yaml:"action"`
	Warning int `yaml:"warning"`
	Error   int `yaml:"error"`
}

func DefaultConfig() Config {
	return Config{
		Database:      DatabaseConfig{Driver: "sqlite", DSN: "/data/countwarden.db"},
		LogLevel:      "info",
		DefaultPrefix: "$",
		RetentionDays: 14,
		Health:        HealthConfig{Enabled: false, Addr: ":8080"},
		Counting: CountingConfig{
			RateLimitThreshold:     5,
			RateLimitWindowSeconds: 300,
			TimeoutMinutes:         10,
		},
		AntiRaid: AntiRaidConfig{
			SpreadPercent:        50,
			StaleSeconds:         300,
			SweepIntervalSeconds: 60,
			BaitPhrases:          []string{"nitro", "free nitro", "free steam", "free"},
		},
		Leveling: LevelingConfig{
			Enabled:         true,
			CooldownSeconds: 15,
			MinExp:          1,
			MaxExp:          15,
		},
		Alerts: AlertConfig{QueueSize: 256, Workers: 4, TimeoutMinutes: 60},
		Feed:   FeedConfig{URL: DefaultFeedURL, TimeoutSeconds: 15, MaxRetrySeconds: 60},
		Notifications: NotifyConfig{
			EmbedColors: EmbedColors{
				Action:  0xA8A5F1,
				Warning: 0xEF4444,
				Error:   0xF97316,
			},
		},
	}
}

func Load() (Config, error) {
	cfg := DefaultConfig()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	if cfg.DiscordToken == "" {
		return Config{}, errors.New("DISCORD_TOKEN is required")
	}

	cfg.Database.Driver = normalizeDriver(cfg.Database.Driver)
	clamp(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.DiscordToken = envString("DISCORD_TOKEN", cfg.DiscordToken)
	cfg.Database.Driver = envString("DATABASE_DRIVER", cfg.Database.Driver)
	cfg.Database.DSN = envString("DATABASE_DSN", cfg.Database.DSN)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.DefaultPrefix = envString("DEFAULT_PREFIX", cfg.DefaultPrefix)
	cfg.RetentionDays = envInt("RETENTION_DAYS", cfg.RetentionDays)
	cfg.Health.Enabled = envBool("HEALTH_ENABLED", cfg.Health.Enabled)
	cfg.Health.Addr = envString("HEALTH_ADDR", cfg.Health.Addr)
	cfg.Counting.RateLimitThreshold = envInt("RATE_LIMIT_THRESHOLD", cfg.Counting.RateLimitThreshold)
	cfg.Counting.RateLimitWindowSeconds = envInt("RATE_LIMIT_WINDOW_SECONDS", cfg.Counting.RateLimitWindowSeconds)
	cfg.Counting.TimeoutMinutes = envInt("COUNTING_TIMEOUT_MINUTES", cfg.Counting.TimeoutMinutes)
	cfg.AntiRaid.SpreadPercent = envFloat("ANTI_RAID_SPREAD_PERCENT", cfg.AntiRaid.SpreadPercent)
	cfg.AntiRaid.StaleSeconds = envInt("ANTI_RAID_STALE_SECONDS", cfg.AntiRaid.StaleSeconds)
	cfg.AntiRaid.SweepIntervalSeconds = envInt("ANTI_RAID_SWEEP_SECONDS", cfg.AntiRaid.SweepIntervalSeconds)
	cfg.Leveling.Enabled = envBool("LEVELING_ENABLED", cfg.Leveling.Enabled)
	cfg.Leveling.CooldownSeconds = envInt("LEVELING_COOLDOWN_SECONDS", cfg.Leveling.CooldownSeconds)
	cfg.Alerts.QueueSize = envInt("ALERT_QUEUE_SIZE", cfg.Alerts.QueueSize)
	cfg.Alerts.Workers = envInt("ALERT_WORKERS", cfg.Alerts.Workers)
	cfg.Alerts.TimeoutMinutes = envInt("ALERT_TIMEOUT_MINUTES", cfg.Alerts.TimeoutMinutes)
	cfg.Feed.URL = envString("FEED_URL", cfg.Feed.URL)
	cfg.Feed.TimeoutSeconds = envInt("FEED_TIMEOUT_SECONDS", cfg.Feed.TimeoutSeconds)
	cfg.Feed.MaxRetrySeconds = envInt("FEED_MAX_RETRY_SECONDS", cfg.Feed.MaxRetrySeconds)
	cfg.Notifications.EmbedColors.Action = envInt("EMBED_COLOR_ACTION", cfg.Notifications.EmbedColors.Action)
	cfg.Notifications.EmbedColors.Warning = envInt("EMBED_COLOR_WARNING", cfg.Notifications.EmbedColors.Warning)
	cfg.Notifications.EmbedColors.Error = envInt("EMBED_COLOR_ERROR", cfg.Notifications.EmbedColors.Error)
}

func BuildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	lvl := strings.ToLower(level)
	switch lvl {
	case "debug", "info", "warn", "error":
		cfg.Level = zap.NewAtomicLevelAt(parseLevel(lvl))
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	return cfg.Build()
}

// Durations derived from the second/minute based settings.

func (c CountingConfig) Window() time.Duration {
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}

func (c CountingConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

func (c AntiRaidConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleSeconds) * time.Second
}

func (c AntiRaidConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c LevelingConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

func (c AlertConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "1" || lower == "true" || lower == "yes"
	}
	return fallback
}

func normalizeDriver(value string) string {
	switch strings.ToLower(value) {
	case "postgres", "postgresql", "pgx":
		return "postgres"
	default:
		return "sqlite"
	}
}

func clamp(cfg *Config) {
	defaults := DefaultConfig()
	if cfg.Counting.RateLimitThreshold <= 0 {
		cfg.Counting.RateLimitThreshold = defaults.Counting.RateLimitThreshold
	}
	if cfg.Counting.RateLimitWindowSeconds <= 0 {
		cfg.Counting.RateLimitWindowSeconds = defaults.Counting.RateLimitWindowSeconds
	}
	if cfg.Counting.TimeoutMinutes <= 0 {
		cfg.Counting.TimeoutMinutes = defaults.Counting.TimeoutMinutes
	}
	if cfg.AntiRaid.SpreadPercent <= 0 || cfg.AntiRaid.SpreadPercent > 100 {
		cfg.AntiRaid.SpreadPercent = defaults.AntiRaid.SpreadPercent
	}
	if cfg.AntiRaid.StaleSeconds <= 0 {
		cfg.AntiRaid.StaleSeconds = defaults.AntiRaid.StaleSeconds
	}
	if cfg.AntiRaid.SweepIntervalSeconds <= 0 {
		cfg.AntiRaid.SweepIntervalSeconds = defaults.AntiRaid.SweepIntervalSeconds
	}
	if cfg.Leveling.CooldownSeconds <= 0 {
		cfg.Leveling.CooldownSeconds = defaults.Leveling.CooldownSeconds
	}
	if cfg.Leveling.MinExp <= 0 {
		cfg.Leveling.MinExp = defaults.Leveling.MinExp
	}
	if cfg.Leveling.MaxExp < cfg.Leveling.MinExp {
		cfg.Leveling.MaxExp = cfg.Leveling.MinExp
	}
	if cfg.Alerts.QueueSize <= 0 {
		cfg.Alerts.QueueSize = defaults.Alerts.QueueSize
	}
	if cfg.Alerts.Workers <= 0 {
		cfg.Alerts.Workers = defaults.Alerts.Workers
	}
	if cfg.Alerts.TimeoutMinutes <= 0 {
		cfg.Alerts.TimeoutMinutes = defaults.Alerts.TimeoutMinutes
	}
	if cfg.Feed.URL == "" {
		cfg.Feed.URL = DefaultFeedURL
	}
	if cfg.Feed.TimeoutSeconds <= 0 {
		cfg.Feed.TimeoutSeconds = defaults.Feed.TimeoutSeconds
	}
	if cfg.Feed.MaxRetrySeconds <= 0 {
		cfg.Feed.MaxRetrySeconds = defaults.Feed.MaxRetrySeconds
	}
	if cfg.DefaultPrefix == "" {
		cfg.DefaultPrefix = defaults.DefaultPrefix
	}
}
