package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/aussiebroadwan/attendance/pkg/credstore"
	"github.com/aussiebroadwan/attendance/pkg/gateway"
	"github.com/aussiebroadwan/attendance/pkg/idp"
	"github.com/aussiebroadwan/attendance/pkg/session"
)

type Config struct {
	APIURL     string        `yaml:"api_url"`     // Backend base URL (default: http://localhost:3000/api)
	APITimeout time.Duration `yaml:"api_timeout"` // Per-request timeout (default: 10s)
	MaxRPS     float64       `yaml:"max_rps"`     // Optional: outbound request throttle, 0 disables

	StoreDriver   string `yaml:"store_driver"`   // memory, sqlite or redis (default: sqlite)
	StorePath     string `yaml:"store_path"`     // SQLite file (default: ./attendance-credentials.db)
	RedisAddr     string `yaml:"redis_addr"`     // Redis address for the redis driver
	RedisPassword string `yaml:"redis_password"` // Optional
	RedisDB       int    `yaml:"redis_db"`       // Optional
	RedisPrefix   string `yaml:"redis_prefix"`   // Optional key prefix

	SSOEnabled       bool          `yaml:"sso_enabled"`         // Federated login switch (default: false)
	SSOIssuer        string        `yaml:"sso_issuer"`          // OIDC issuer URL
	SSOClientID      string        `yaml:"sso_client_id"`       // OIDC client id
	SSOClientSecret  string        `yaml:"sso_client_secret"`   // Optional: empty for public clients
	SSORedirectURL   string        `yaml:"sso_redirect_url"`    // Loopback callback (default: http://127.0.0.1:8765/callback)
	SSOPostLogoutURL string        `yaml:"sso_post_logout_url"` // Optional
	SSORenewInterval time.Duration `yaml:"sso_renew_interval"`  // Renewal check period (default: 30s)
	SSOMinValidity   time.Duration `yaml:"sso_min_validity"`    // Renewal threshold (default: 70s)

	RecheckInterval     time.Duration `yaml:"recheck_interval"`      // Session re-validation period (default: 1h)
	MetricsAddr         string        `yaml:"metrics_addr"`          // Optional: serve /metrics on this address
	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period"` // Graceful shutdown timeout (default: 10s)

	Env       string `yaml:"env"`        // Environment (dev, staging, prod) (default: dev)
	LogLevel  string `yaml:"log_level"`  // Log level (debug, info, warn, error) (default: info)
	LogFormat string `yaml:"log_format"` // Log format (json, text) (default: text)
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		APIURL:              gateway.DefaultBaseURL,
		APITimeout:          gateway.DefaultTimeout,
		StoreDriver:         credstore.DriverSQLite,
		StorePath:           "attendance-credentials.db",
		SSORedirectURL:      "http://127.0.0.1:8765/callback",
		SSORenewInterval:    idp.DefaultRenewalInterval,
		SSOMinValidity:      idp.DefaultMinValidity,
		RecheckInterval:     session.DefaultRecheckInterval,
		ShutdownGracePeriod: 10 * time.Second,
		Env:                 "dev",
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

// LoadConfig reads .env (when present), then the YAML file named by
// ATTEND_CONFIG_FILE (when set), then environment variables. Later sources
// win.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(getEnvOrDefault("ATTEND_ENV_FILE", ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}

	cfg := DefaultConfig()
	if path := os.Getenv("ATTEND_CONFIG_FILE"); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.APIURL = getEnvOrDefault("ATTEND_API_URL", cfg.APIURL)
	cfg.APITimeout = getEnvDurationOrDefault("ATTEND_TIMEOUT", cfg.APITimeout)
	cfg.MaxRPS = getEnvFloatOrDefault("ATTEND_MAX_RPS", cfg.MaxRPS)

	cfg.StoreDriver = getEnvOrDefault("ATTEND_STORE_DRIVER", cfg.StoreDriver)
	cfg.StorePath = getEnvOrDefault("ATTEND_STORE_PATH", cfg.StorePath)
	cfg.RedisAddr = getEnvOrDefault("ATTEND_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnvOrDefault("ATTEND_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvIntOrDefault("ATTEND_REDIS_DB", cfg.RedisDB)
	cfg.RedisPrefix = getEnvOrDefault("ATTEND_REDIS_PREFIX", cfg.RedisPrefix)

	cfg.SSOEnabled = getEnvBoolOrDefault("ATTEND_SSO_ENABLED", cfg.SSOEnabled)
	cfg.SSOIssuer = getEnvOrDefault("ATTEND_SSO_ISSUER", cfg.SSOIssuer)
	cfg.SSOClientID = getEnvOrDefault("ATTEND_SSO_CLIENT_ID", cfg.SSOClientID)
	cfg.SSOClientSecret = getEnvOrDefault("ATTEND_SSO_CLIENT_SECRET", cfg.SSOClientSecret)
	cfg.SSORedirectURL = getEnvOrDefault("ATTEND_SSO_REDIRECT_URL", cfg.SSORedirectURL)
	cfg.SSOPostLogoutURL = getEnvOrDefault("ATTEND_SSO_POST_LOGOUT_URL", cfg.SSOPostLogoutURL)
	cfg.SSORenewInterval = getEnvDurationOrDefault("ATTEND_SSO_RENEW_INTERVAL", cfg.SSORenewInterval)
	cfg.SSOMinValidity = getEnvDurationOrDefault("ATTEND_SSO_MIN_VALIDITY", cfg.SSOMinValidity)

	cfg.RecheckInterval = getEnvDurationOrDefault("ATTEND_RECHECK_INTERVAL", cfg.RecheckInterval)
	cfg.MetricsAddr = getEnvOrDefault("ATTEND_METRICS_ADDR", cfg.MetricsAddr)
	cfg.ShutdownGracePeriod = getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", cfg.ShutdownGracePeriod)

	cfg.Env = getEnvOrDefault("ENV", cfg.Env)
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnvOrDefault("LOG_FORMAT", cfg.LogFormat)

	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c Config) storeConfig() credstore.Config {
	return credstore.Config{
		Driver:        c.StoreDriver,
		Path:          c.StorePath,
		RedisAddr:     c.RedisAddr,
		RedisPassword: c.RedisPassword,
		RedisDB:       c.RedisDB,
		RedisPrefix:   c.RedisPrefix,
	}
}

func (c Config) idpConfig() idp.Config {
	return idp.Config{
		Enabled: c.SSOEnabled,
		OIDC: idp.OIDCConfig{
			Issuer:                c.SSOIssuer,
			ClientID:              c.SSOClientID,
			ClientSecret:          c.SSOClientSecret,
			RedirectURL:           c.SSORedirectURL,
			PostLogoutRedirectURL: c.SSOPostLogoutURL,
		},
		RenewalInterval: c.SSORenewInterval,
		MinValidity:     c.SSOMinValidity,
	}
}

func (c Config) gatewayConfig() gateway.Config {
	return gateway.Config{
		BaseURL: c.APIURL,
		Timeout: c.APITimeout,
		MaxRPS:  c.MaxRPS,
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	// Try parsing as duration (e.g., "1h", "30m", "90s")
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Bare integers are seconds.
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}

	return defaultValue
}
