/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all the configuration variables for the wallet service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                string `mapstructure:"SERVER_PORT"`
	DatabaseURL               string `mapstructure:"DATABASE_URL"`
	StoreDriver               string `mapstructure:"STORE_DRIVER"`
	RedisURL                  string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix            string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL               string `mapstructure:"RABBITMQ_URL"`
	EventsExchange            string `mapstructure:"EVENTS_EXCHANGE"`
	InboundTransferQueue      string `mapstructure:"INBOUND_TRANSFER_QUEUE"`
	HubAPIBaseURL             string `mapstructure:"HUB_API_BASE_URL"`
	HubAPIToken               string `mapstructure:"HUB_API_TOKEN"`
	HubTimeoutSeconds         int    `mapstructure:"HUB_TIMEOUT_SECONDS"`
	HubLookupMaxRetries       int    `mapstructure:"HUB_LOOKUP_MAX_RETRIES"`
	LocalProviderName         string `mapstructure:"LOCAL_PROVIDER_NAME"`
	JWTSecret                 string `mapstructure:"JWT_SECRET"`
	JWTTTLMinutes             int    `mapstructure:"JWT_TTL_MINUTES"`
	IdempotencyTTLMinutes     int    `mapstructure:"IDEMPOTENCY_TTL_MINUTES"`
	ResolveRateLimitPerMinute int    `mapstructure:"RESOLVE_RATE_LIMIT_PER_MINUTE"`
	EscalationSchedule        string `mapstructure:"ESCALATION_SCHEDULE"`
	LogLevel                  string `mapstructure:"LOG_LEVEL"`
}

// HubTimeout is the per-call deadline for hub requests.
func (c Config) HubTimeout() time.Duration {
	return time.Duration(c.HubTimeoutSeconds) * time.Second
}

// JWTTTL is the lifetime of an issued session token.
func (c Config) JWTTTL() time.Duration {
	return time.Duration(c.JWTTTLMinutes) * time.Minute
}

// IdempotencyTTL is how long a committed transfer result is replayable.
func (c Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLMinutes) * time.Minute
}

// Validate reports settings the service cannot start without.
func (c Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.HubAPIBaseURL == "" {
		errs = append(errs, errors.New("HUB_API_BASE_URL is required"))
	}
	if c.StoreDriver == StoreDriverPostgres && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required when STORE_DRIVER=postgres"))
	}
	if c.StoreDriver != StoreDriverPostgres && c.StoreDriver != StoreDriverMemory {
		errs = append(errs, errors.New("STORE_DRIVER must be postgres or memory"))
	}
	return errors.Join(errs...)
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	viper.SetDefault("REDIS_KEY_PREFIX", "khipu")
	viper.SetDefault("EVENTS_EXCHANGE", "wallet_events")
	viper.SetDefault("INBOUND_TRANSFER_QUEUE", "wallet_service.inbound_transfers")
	viper.SetDefault("HUB_TIMEOUT_SECONDS", 15)
	viper.SetDefault("HUB_LOOKUP_MAX_RETRIES", 2)
	viper.SetDefault("LOCAL_PROVIDER_NAME", "Khipu")
	viper.SetDefault("JWT_TTL_MINUTES", 60*24)
	viper.SetDefault("IDEMPOTENCY_TTL_MINUTES", 1440)
	viper.SetDefault("RESOLVE_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("ESCALATION_SCHEDULE", "@every 5m")
	viper.SetDefault("LOG_LEVEL", "info")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "WALLET_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX", "REDIS_KEY_PREFIX", "REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("INBOUND_TRANSFER_QUEUE")
	_ = viper.BindEnv("HUB_API_BASE_URL", "HUB_API_BASE_URL", "CENTRAL_API_URL")
	_ = viper.BindEnv("HUB_API_TOKEN", "HUB_API_TOKEN", "HUB_API_KEY")
	_ = viper.BindEnv("HUB_TIMEOUT_SECONDS")
	_ = viper.BindEnv("HUB_LOOKUP_MAX_RETRIES")
	_ = viper.BindEnv("LOCAL_PROVIDER_NAME")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("JWT_TTL_MINUTES")
	_ = viper.BindEnv("IDEMPOTENCY_TTL_MINUTES")
	_ = viper.BindEnv("RESOLVE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("ESCALATION_SCHEDULE")
	_ = viper.BindEnv("LOG_LEVEL")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			logrus.WithError(err).WithField("component", "config").Warn("failed to read config file; using environment values")
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.HubAPIBaseURL = strings.TrimRight(strings.TrimSpace(config.HubAPIBaseURL), "/")
	config.HubAPIToken = strings.TrimSpace(config.HubAPIToken)
	config.JWTSecret = strings.TrimSpace(config.JWTSecret)
	config.LocalProviderName = strings.TrimSpace(config.LocalProviderName)
	if config.LocalProviderName == "" {
		config.LocalProviderName = "Khipu"
	}

	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	if config.StoreDriver == "" {
		config.StoreDriver = StoreDriverPostgres
	}

	config.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "khipu"
	}

	if config.HubTimeoutSeconds <= 0 {
		config.HubTimeoutSeconds = 15
	}
	if config.HubLookupMaxRetries < 0 {
		logrus.WithFields(logrus.Fields{
			"component": "config",
			"value":     config.HubLookupMaxRetries,
		}).Warn("negative hub lookup retries configured; coercing to zero")
		config.HubLookupMaxRetries = 0
	}
	if config.JWTTTLMinutes <= 0 {
		config.JWTTTLMinutes = 60 * 24
	}
	if config.IdempotencyTTLMinutes <= 0 {
		config.IdempotencyTTLMinutes = 1440
	}
	if config.ResolveRateLimitPerMinute < 0 {
		config.ResolveRateLimitPerMinute = 0
	}
	if strings.TrimSpace(config.EscalationSchedule) == "" {
		config.EscalationSchedule = "@every 5m"
	}

	return
}
