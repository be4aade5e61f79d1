package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

// minSecretLength はトークン署名鍵として受け付ける最小バイト数。
const minSecretLength = 32

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL         string
	StoreTimeout        time.Duration
	StoreHealthInterval time.Duration

	// Token
	AccessTokenSecret  string
	RefreshTokenSecret string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	TokenIssuer        string

	// Password
	BcryptCost int

	// OAuth
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Rate Limit（req/min/IP）
	RateLimitAuth int

	// X-Forwarded-Forを信頼するプロキシ（CIDRまたはIP、カンマ区切り）
	TrustedProxies []string

	// Cleanup
	SessionRetention time.Duration
	CleanupInterval  time.Duration

	// Logging
	LogLevel string

	// Server
	ServerPort   string
	BaseURL      string
	PostLoginURL string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS（カンマ区切りで複数指定可）
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、または署名鍵が短すぎる場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	required := []struct {
		key string
		dst *string
	}{
		{"DATABASE_URL", &cfg.DatabaseURL},
		{"ACCESS_TOKEN_SECRET", &cfg.AccessTokenSecret},
		{"REFRESH_TOKEN_SECRET", &cfg.RefreshTokenSecret},
		{"GOOGLE_CLIENT_ID", &cfg.GoogleClientID},
		{"GOOGLE_CLIENT_SECRET", &cfg.GoogleClientSecret},
		{"GOOGLE_REDIRECT_URL", &cfg.GoogleRedirectURL},
		{"BASE_URL", &cfg.BaseURL},
	}
	for _, r := range required {
		*r.dst = os.Getenv(r.key)
		if *r.dst == "" {
			missing = append(missing, r.key)
		}
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if len(cfg.AccessTokenSecret) < minSecretLength {
		return nil, fmt.Errorf("ACCESS_TOKEN_SECRET must be at least %d bytes", minSecretLength)
	}
	if len(cfg.RefreshTokenSecret) < minSecretLength {
		return nil, fmt.Errorf("REFRESH_TOKEN_SECRET must be at least %d bytes", minSecretLength)
	}

	// Optional fields with defaults
	cfg.StoreTimeout = getEnvDuration("STORE_TIMEOUT", 5*time.Second)
	cfg.StoreHealthInterval = getEnvDuration("STORE_HEALTH_INTERVAL", 10*time.Second)
	cfg.AccessTokenTTL = getEnvDuration("ACCESS_TOKEN_TTL", 15*time.Minute)
	cfg.RefreshTokenTTL = getEnvDuration("REFRESH_TOKEN_TTL", 720*time.Hour)
	cfg.TokenIssuer = getEnvString("TOKEN_ISSUER", "authsvc")
	cfg.BcryptCost = getEnvInt("BCRYPT_COST", 12)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 10)
	cfg.SessionRetention = getEnvDuration("SESSION_RETENTION", cfg.RefreshTokenTTL)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.PostLoginURL = getEnvString("POST_LOGIN_URL", cfg.BaseURL)
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	proxies, err := getEnvList("TRUSTED_PROXIES")
	if err != nil {
		return nil, err
	}
	cfg.TrustedProxies = proxies

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// getEnvList はカンマ区切りのCIDR/IPリストを読み込む。
// 起動時に設定ミスに気付けるよう、解釈できない要素はエラーにする。
func getEnvList(key string) ([]string, error) {
	var list []string
	for _, entry := range strings.Split(os.Getenv(key), ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !validCIDROrIP(entry) {
			return nil, fmt.Errorf("%s contains an invalid CIDR or IP: %q", key, entry)
		}
		list = append(list, entry)
	}
	return list, nil
}

func validCIDROrIP(s string) bool {
	if strings.Contains(s, "/") {
		_, err := netip.ParsePrefix(s)
		return err == nil
	}
	_, err := netip.ParseAddr(s)
	return err == nil
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
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
