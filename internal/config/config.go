package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all broker configuration.
type Config struct {
	HTTPAddress  string
	StoreBackend string // "postgres" or "memory"
	DatabaseURL  string
	RedisAddr    string // non-empty enables the Redis-backed rate limiter

	// Access gate
	AllowedIPs      []string
	RateLimitMax    int
	RateLimitWindow time.Duration

	// Upstream OAuth provider
	ProviderClientID     string
	ProviderClientSecret string
	ProviderAuthURL      string
	ProviderTokenURL     string
	ProviderRevokeURL    string
	ProviderVerifyURL    string
	ProviderRedirectURL  string
	MailScopes           []string
	CalendarScopes       []string

	// Lifecycle
	StateSigningKey string
	StateTTL        time.Duration
	RefreshTimeout  time.Duration
	ExpiringWindow  time.Duration
	SweepSchedule   string
	SweepRetention  time.Duration
}

// LoadConfig loads configuration from an optional YAML file and environment
// variables, environment taking precedence.
func LoadConfig() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	envMappings := map[string]string{
		"HTTPAddress":          "HTTP_ADDRESS",
		"StoreBackend":         "STORE_BACKEND",
		"DatabaseURL":          "DATABASE_URL",
		"RedisAddr":            "REDIS_ADDR",
		"AllowedIPs":           "ALLOWED_IPS",
		"RateLimitMax":         "RATE_LIMIT_MAX",
		"RateLimitWindow":      "RATE_LIMIT_WINDOW",
		"ProviderClientID":     "PROVIDER_CLIENT_ID",
		"ProviderClientSecret": "PROVIDER_CLIENT_SECRET",
		"ProviderAuthURL":      "PROVIDER_AUTH_URL",
		"ProviderTokenURL":     "PROVIDER_TOKEN_URL",
		"ProviderRevokeURL":    "PROVIDER_REVOKE_URL",
		"ProviderVerifyURL":    "PROVIDER_VERIFY_URL",
		"ProviderRedirectURL":  "PROVIDER_REDIRECT_URL",
		"MailScopes":           "MAIL_SCOPES",
		"CalendarScopes":       "CALENDAR_SCOPES",
		"StateSigningKey":      "STATE_SIGNING_KEY",
		"StateTTL":             "STATE_TTL",
		"RefreshTimeout":       "REFRESH_TIMEOUT",
		"ExpiringWindow":       "EXPIRING_WINDOW",
		"SweepSchedule":        "SWEEP_SCHEDULE",
		"SweepRetention":       "SWEEP_RETENTION",
	}

	for configKey, envVar := range envMappings {
		if err := v.BindEnv(configKey, envVar); err != nil {
			log.Warn().Err(err).Msgf("Failed to bind environment variable %s for %s", envVar, configKey)
		}
	}

	v.SetConfigName("tokenbroker_config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("$HOME/.tokenbroker")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		log.Debug().Msg("Config file not found, using environment variables and defaults")
	} else {
		log.Info().Msgf("Using config file: %s", v.ConfigFileUsed())
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTPAddress", ":8090")
	v.SetDefault("StoreBackend", "postgres")
	v.SetDefault("RateLimitMax", 100)
	v.SetDefault("RateLimitWindow", "900s")
	v.SetDefault("StateTTL", "10m")
	v.SetDefault("RefreshTimeout", "30s")
	v.SetDefault("ExpiringWindow", "5m")
	v.SetDefault("SweepSchedule", "@hourly")
	v.SetDefault("SweepRetention", "720h")
}

func validateConfig(config *Config) error {
	var missingVars []string

	switch config.StoreBackend {
	case "postgres":
		if config.DatabaseURL == "" {
			missingVars = append(missingVars, "DATABASE_URL")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store backend %q (expected postgres or memory)", config.StoreBackend)
	}

	if config.ProviderClientID == "" {
		missingVars = append(missingVars, "PROVIDER_CLIENT_ID")
	}
	if config.ProviderClientSecret == "" {
		missingVars = append(missingVars, "PROVIDER_CLIENT_SECRET")
	}
	if config.ProviderAuthURL == "" {
		missingVars = append(missingVars, "PROVIDER_AUTH_URL")
	}
	if config.ProviderTokenURL == "" {
		missingVars = append(missingVars, "PROVIDER_TOKEN_URL")
	}
	if config.StateSigningKey == "" {
		missingVars = append(missingVars, "STATE_SIGNING_KEY")
	}

	if len(missingVars) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missingVars, ", "))
	}

	return nil
}
