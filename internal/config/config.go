package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ProviderConfig はOAuthプロバイダー1つ分のクライアント設定。
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Enabled はクライアントIDが設定されているかを返す。
// シークレットが欠けていても有効扱いとし、ログイン時に設定不備として失敗させる。
func (p ProviderConfig) Enabled() bool {
	return p.ClientID != ""
}

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Token
	TokenSecret      string
	TokenIssuer      string
	AccessTokenTTL   time.Duration
	RotationTokenTTL time.Duration

	// Providers
	Google          ProviderConfig
	Discord         ProviderConfig
	Microsoft       ProviderConfig
	MicrosoftTenant string
	ProviderTimeout time.Duration
	AvatarTimeout   time.Duration
	AvatarMaxBytes  int64
	StartingCredits int64

	// Rate Limit（1分あたりのリクエスト数）
	RateLimitGeneral int
	RateLimitLogin   int

	// Cleanup
	DeviceRetentionDays int

	// Server
	ServerPort string
	BaseURL    string
	LogLevel   string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合は不足分をまとめたエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	var missing []string
	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg.DatabaseURL = required("DATABASE_URL")
	cfg.TokenSecret = required("TOKEN_SECRET")
	cfg.BaseURL = required("BASE_URL")

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.TokenIssuer = getEnvString("TOKEN_ISSUER", "keystone")
	cfg.AccessTokenTTL = getEnvDuration("ACCESS_TOKEN_TTL", 15*time.Minute)
	cfg.RotationTokenTTL = getEnvDuration("ROTATION_TOKEN_TTL", 12*time.Hour)

	cfg.Google = loadProvider("GOOGLE")
	cfg.Discord = loadProvider("DISCORD")
	cfg.Microsoft = loadProvider("MICROSOFT")
	cfg.MicrosoftTenant = getEnvString("MICROSOFT_TENANT", "common")
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second)
	cfg.AvatarTimeout = getEnvDuration("AVATAR_TIMEOUT", 3*time.Second)
	cfg.AvatarMaxBytes = getEnvInt64("AVATAR_MAX_BYTES", 1<<20)
	cfg.StartingCredits = getEnvInt64("STARTING_CREDITS", 100)

	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitLogin = getEnvInt("RATE_LIMIT_LOGIN", 10)
	cfg.DeviceRetentionDays = getEnvInt("DEVICE_RETENTION_DAYS", 30)

	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "")

	return cfg, nil
}

// RedirectURL はプロバイダーのコールバックURLを返す。
// 明示されていなければBASE_URLから組み立てる。
func (c *Config) RedirectURL(p ProviderConfig, name string) string {
	if p.RedirectURL != "" {
		return p.RedirectURL
	}
	return strings.TrimRight(c.BaseURL, "/") + "/auth/" + name + "/callback"
}

func loadProvider(prefix string) ProviderConfig {
	return ProviderConfig{
		ClientID:     os.Getenv(prefix + "_CLIENT_ID"),
		ClientSecret: os.Getenv(prefix + "_CLIENT_SECRET"),
		RedirectURL:  os.Getenv(prefix + "_REDIRECT_URL"),
	}
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

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
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
