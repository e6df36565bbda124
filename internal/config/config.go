// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// minJWTSecretLength はJWT署名鍵の最小バイト長。
const minJWTSecretLength = 32

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`

	// Redis
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Token
	JWTSecret      string        `env:"JWT_SECRET,required,notEmpty"`
	AccessTokenTTL time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"1h"`

	// Session
	SessionTTL           time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	StoreTimeout         time.Duration `env:"STORE_TIMEOUT" envDefault:"3s"`
	CacheTimeout         time.Duration `env:"CACHE_TIMEOUT" envDefault:"250ms"`
	SessionSweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL" envDefault:"1h"`
	RotateRefreshTokens  bool          `env:"ROTATE_REFRESH_TOKENS" envDefault:"false"`

	// Password
	BcryptCost int `env:"BCRYPT_COST" envDefault:"10"`

	// OAuth（クライアントIDが設定されたプロバイダーのみ有効）
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `env:"GOOGLE_REDIRECT_URL"`
	GitHubClientID     string `env:"GITHUB_CLIENT_ID"`
	GitHubClientSecret string `env:"GITHUB_CLIENT_SECRET"`
	GitHubRedirectURL  string `env:"GITHUB_REDIRECT_URL"`

	// IdPへのHTTPリクエストのタイムアウト
	OAuthTimeout time.Duration `env:"OAUTH_TIMEOUT" envDefault:"10s"`

	// Rate Limit（req/min/IP）
	RateLimitAuth int `env:"RATE_LIMIT_AUTH" envDefault:"20"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Server
	ServerPort        string `env:"SERVER_PORT" envDefault:"8080"`
	FrontendURL       string `env:"FRONTEND_URL" envDefault:"http://localhost:3000"`
	TrustProxyHeaders bool   `env:"TRUST_PROXY_HEADERS" envDefault:"false"`

	// Cookie（未設定の場合はFRONTEND_URLがhttpsかどうかで決める）
	CookieSecure string `env:"COOKIE_SECURE"`

	// CORS
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:3000"`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合や値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d bytes", minJWTSecretLength)
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return fmt.Errorf("BCRYPT_COST must be between 4 and 31, got %d", c.BcryptCost)
	}
	if c.AccessTokenTTL <= 0 || c.SessionTTL <= 0 {
		return fmt.Errorf("ACCESS_TOKEN_TTL and SESSION_TTL must be positive")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.CookieSecure != "" {
		if _, err := strconv.ParseBool(c.CookieSecure); err != nil {
			return fmt.Errorf("invalid COOKIE_SECURE %q: %w", c.CookieSecure, err)
		}
	}
	return nil
}

// GoogleEnabled はGoogleログインが有効かどうかを返す。
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != ""
}

// GitHubEnabled はGitHubログインが有効かどうかを返す。
func (c *Config) GitHubEnabled() bool {
	return c.GitHubClientID != ""
}

// SecureCookies はCookieにSecure属性を付けるかどうかを返す。
func (c *Config) SecureCookies() bool {
	if secure, err := strconv.ParseBool(c.CookieSecure); err == nil {
		return secure
	}
	return strings.HasPrefix(c.FrontendURL, "https://")
}

// Level はLOG_LEVELに対応するslogのレベルを返す。
func (c *Config) Level() slog.Level {
	level, _ := ParseLogLevel(c.LogLevel)
	return level
}

// ParseLogLevel はdebug/info/warn/errorをslog.Levelに変換する。
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q: %w", s, err)
	}
	return level, nil
}
