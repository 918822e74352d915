package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the process-wide configuration for the FHIR server, loaded
// from config.yaml overlaid with environment variables.
type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	// Store connection settings (document store: bucket-per-deployment,
	// Admin + Resources scopes; see internal/platform/store).
	StoreConnectionString string `mapstructure:"STORE_CONNECTION_STRING"`
	StoreBucket           string `mapstructure:"STORE_BUCKET"`
	StoreUsername         string `mapstructure:"STORE_USERNAME"`
	StorePassword         string `mapstructure:"STORE_PASSWORD"`
	StoreUseNativeFTS     bool   `mapstructure:"STORE_USE_NATIVE_FTS"`

	// SMART-on-FHIR / OAuth2 settings.
	AppBaseURL           string `mapstructure:"APP_BASE_URL"`
	OAuthTokenExpiryHrs  int    `mapstructure:"OAUTH_TOKEN_EXPIRY_HOURS"`
	OAuthRefreshTTLHours int    `mapstructure:"OAUTH_REFRESH_TTL_HOURS"`
	AdminUIClientID      string `mapstructure:"ADMIN_UI_CLIENT_ID"`
	AdminUIClientSecret  string `mapstructure:"ADMIN_UI_CLIENT_SECRET"`
	AdminDefaultScopes   string `mapstructure:"ADMIN_DEFAULT_SCOPES"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`
}

// Load reads config.yaml (if present) and overlays environment variables,
// matching the teacher's viper-based config loading.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile("config.yaml")
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_BUCKET", "fhir")
	v.SetDefault("STORE_USE_NATIVE_FTS", true)
	v.SetDefault("OAUTH_TOKEN_EXPIRY_HOURS", 1)
	v.SetDefault("OAUTH_REFRESH_TTL_HOURS", 24)
	v.SetDefault("ADMIN_DEFAULT_SCOPES", "system/*.*")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	for _, key := range []string{
		"PORT", "ENV",
		"STORE_CONNECTION_STRING", "STORE_BUCKET", "STORE_USERNAME", "STORE_PASSWORD", "STORE_USE_NATIVE_FTS",
		"APP_BASE_URL", "OAUTH_TOKEN_EXPIRY_HOURS", "OAUTH_REFRESH_TTL_HOURS",
		"ADMIN_UI_CLIENT_ID", "ADMIN_UI_CLIENT_SECRET", "ADMIN_DEFAULT_SCOPES",
		"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
		"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	} {
		_ = v.BindEnv(key)
	}

	// Reading the file is best-effort; env vars alone are a valid configuration.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.StoreConnectionString == "" {
		return nil, fmt.Errorf("STORE_CONNECTION_STRING is required")
	}
	if cfg.AppBaseURL == "" {
		return nil, fmt.Errorf("APP_BASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool        { return c.Env == "development" }
func (c *Config) IsProduction() bool { return c.Env == "production" }

// Issuer derives the OAuth2 issuer from AppBaseURL by stripping a trailing
// "/fhir" path segment, per the external interface contract.
func (c *Config) Issuer() string {
	return strings.TrimSuffix(strings.TrimRight(c.AppBaseURL, "/"), "/fhir")
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}
	if c.OAuthTokenExpiryHrs <= 0 {
		return fmt.Errorf("OAUTH_TOKEN_EXPIRY_HOURS must be positive")
	}
	return nil
}
