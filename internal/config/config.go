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
// エンドポイントのデフォルト値はローカル開発用のフォールバックである。
type Config struct {
	// Endpoints
	AuthBaseURL   string // 認証サービスのベースURL
	ProductAPIURL string // リソースサービス（product API）のベースURL
	AppURL        string // フロントエンドのオリジン（Origin/CORS検証に使用）

	// Outbound
	RetryMaxAttempts        int
	RetryBaseDelay          time.Duration
	OutboundTimeout         time.Duration
	BreakerFailureThreshold int // 0の場合はサーキットブレーカーを無効化する
	BreakerOpenTimeout      time.Duration

	// Storage（認証サービス）
	DatabaseURL string
	RedisURL    string

	// Session
	SessionMaxAge       int // 秒
	SessionCookieName   string
	SessionCookiePrefix string

	// Rate Limit
	RateLimitAuth int // サインイン/サインアップのreq/min/IP

	// Cleanup
	CleanupInterval time.Duration

	// Server
	AuthPort       string
	ProductAPIPort string
	FrontendPort   string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 数値設定が範囲外の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.AuthBaseURL = strings.TrimRight(getEnvString("AUTH_BASE_URL", "http://localhost:3001"), "/")
	cfg.ProductAPIURL = strings.TrimRight(getEnvString("PRODUCT_API_URL", "http://localhost:3002"), "/")
	cfg.AppURL = strings.TrimRight(getEnvString("APP_URL", "http://localhost:3000"), "/")

	cfg.RetryMaxAttempts = getEnvInt("RETRY_MAX_ATTEMPTS", 3)
	cfg.RetryBaseDelay = getEnvDuration("RETRY_BASE_DELAY", 1*time.Second)
	cfg.OutboundTimeout = getEnvDuration("OUTBOUND_TIMEOUT", 10*time.Second)
	cfg.BreakerFailureThreshold = getEnvInt("BREAKER_FAILURE_THRESHOLD", 5)
	cfg.BreakerOpenTimeout = getEnvDuration("BREAKER_OPEN_TIMEOUT", 30*time.Second)

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.RedisURL = os.Getenv("REDIS_URL")

	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 60*60*24*30)
	cfg.SessionCookieName = getEnvString("SESSION_COOKIE_NAME", "authrelay.session_token")
	cfg.SessionCookiePrefix = getEnvString("SESSION_COOKIE_PREFIX", "authrelay")

	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 10)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 1*time.Hour)

	cfg.AuthPort = getEnvString("AUTH_PORT", "3001")
	cfg.ProductAPIPort = getEnvString("PRODUCT_API_PORT", "3002")
	cfg.FrontendPort = getEnvString("FRONTEND_PORT", "3000")

	cfg.CookieSecure = strings.HasPrefix(cfg.AppURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")

	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	var invalid []string
	if cfg.RetryMaxAttempts < 1 {
		invalid = append(invalid, "RETRY_MAX_ATTEMPTS")
	}
	if cfg.RetryBaseDelay < 0 {
		invalid = append(invalid, "RETRY_BASE_DELAY")
	}
	if cfg.BreakerFailureThreshold < 0 {
		invalid = append(invalid, "BREAKER_FAILURE_THRESHOLD")
	}
	if cfg.SessionMaxAge <= 0 {
		invalid = append(invalid, "SESSION_MAX_AGE")
	}
	if cfg.RateLimitAuth <= 0 {
		invalid = append(invalid, "RATE_LIMIT_AUTH")
	}
	if len(invalid) > 0 {
		return nil, fmt.Errorf("invalid environment variables: %v", invalid)
	}

	return cfg, nil
}

// RequireDatabase はDATABASE_URLが設定されているかを検証する。
// 認証サービスとマイグレーションのみが必要とする。
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("required environment variables are not set: [DATABASE_URL]")
	}
	return nil
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
