package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Unipile
	UnipileDSN      string
	UnipileAPIKey   string
	HostedAuthTTL   time.Duration
	UpstreamTimeout time.Duration

	// Automation
	AutomationJWTSecret string

	// Rate Limit
	RateLimitGeneral int
	RateLimitWebhook int

	// Backfill
	BackfillWorkers   int
	BackfillQueueSize int

	// Cleanup
	WebhookEventRetentionDays int
	CleanupSchedule           string

	// Server
	ServerPort string
	BaseURL    string

	// CORS
	CORSAllowedOrigins []string
}

// NotifyURL はプロバイダーが完了通知を送るWebhookのURLを返す。
func (c *Config) NotifyURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/integrations/unipile/notify"
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string
	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg.DatabaseURL = required("DATABASE_URL")
	cfg.UnipileDSN = required("UNIPILE_DSN")
	cfg.UnipileAPIKey = required("UNIPILE_API_KEY")
	cfg.BaseURL = required("BASE_URL")
	cfg.AutomationJWTSecret = required("AUTOMATION_JWT_SECRET")

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.HostedAuthTTL = getEnvDuration("HOSTED_AUTH_TTL", 24*time.Hour)
	cfg.UpstreamTimeout = getEnvDuration("UPSTREAM_TIMEOUT", 10*time.Second)
	cfg.CORSAllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"})
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitWebhook = getEnvInt("RATE_LIMIT_WEBHOOK", 600)
	cfg.BackfillWorkers = getEnvInt("BACKFILL_WORKERS", 2)
	cfg.BackfillQueueSize = getEnvInt("BACKFILL_QUEUE_SIZE", 256)
	cfg.WebhookEventRetentionDays = getEnvInt("WEBHOOK_EVENT_RETENTION_DAYS", 14)
	cfg.CleanupSchedule = getEnvString("CLEANUP_SCHEDULE", "0 3 * * *")

	// ホスト型認証リンクの有効期間は10分から24時間
	if cfg.HostedAuthTTL < 10*time.Minute || cfg.HostedAuthTTL > 24*time.Hour {
		return nil, fmt.Errorf("HOSTED_AUTH_TTL must be between 10m and 24h, got %s", cfg.HostedAuthTTL)
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの環境変数を空要素を除いて返す。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
