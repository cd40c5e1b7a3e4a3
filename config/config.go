package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database (Supabase Postgres)
	PostgresDSN string

	// Cache
	RedisAddr string

	// Supabase Auth
	SupabaseURL       string
	SupabaseAnonKey   string
	SupabaseJWTSecret string // optional, enables local token verification

	// Providers
	OpenAIAPIKey   string
	DeepSeekAPIKey string

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	SearchRateLimitTPM int64  // tokens per minute per user, default: 100000
	RateLimitStore     string // "memory" or "redis", default: "memory"
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		SupabaseURL:          strings.TrimRight(os.Getenv("SUPABASE_URL"), "/"),
		SupabaseAnonKey:      os.Getenv("SUPABASE_ANON_KEY"),
		SupabaseJWTSecret:    os.Getenv("SUPABASE_JWT_SECRET"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		DeepSeekAPIKey:       os.Getenv("DEEPSEEK_API_KEY"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		RateLimitStore:       getEnv("RATE_LIMIT_STORE", "memory"),
	}

	tpmStr := getEnv("SEARCH_RATE_LIMIT_TPM", "100000")
	tpm, err := strconv.ParseInt(tpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid SEARCH_RATE_LIMIT_TPM: %w", err)
	}
	cfg.SearchRateLimitTPM = tpm

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.SupabaseURL == "" {
		return nil, fmt.Errorf("SUPABASE_URL is required")
	}
	if cfg.RateLimitStore != "memory" && cfg.RateLimitStore != "redis" {
		return nil, fmt.Errorf("invalid RATE_LIMIT_STORE %q", cfg.RateLimitStore)
	}

	return cfg, nil
}

// Runtime holds settings that are read on every request so operators can
// change them without a restart.
type Runtime struct {
	WhitelistEmails        string
	CaptchaSecretKey       string
	CookieDomain           string
	TrustedRedirectDomains []string
	Production             bool
}

// Request reads the request-time settings from the environment.
func Request() Runtime {
	return Runtime{
		WhitelistEmails:        os.Getenv("CAPTCHA_WHITELIST_EMAILS"),
		CaptchaSecretKey:       os.Getenv("CAPTCHA_SECRET_KEY"),
		CookieDomain:           strings.TrimSpace(os.Getenv("COOKIE_DOMAIN")),
		TrustedRedirectDomains: splitList(os.Getenv("TRUSTED_REDIRECT_DOMAINS")),
		Production:             os.Getenv("APP_ENV") == "production",
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
