package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	DBUser  string
	DBPass  string
	DBHost  string
	DBPort  string
	DBName  string
	SSLMode string

	RedisHost string
	RedisPort string

	NatsHost string
	NatsPort string

	ApiPort    string
	ApiEnabled string

	AsaasBaseURL      string
	AsaasAPIKey       string
	AsaasWebhookToken string
	AsaasWalletID     string
	AsaasSplitPercent float64

	SweepEnabled  bool
	SweepSchedule string
	SweepBatch    int
}

// New loads and validates configuration from environment variables.
// Only the database is hard-required: Redis, NATS and the Asaas credentials
// are optional at boot and degrade to cacheless reads, nop notifications and
// Configuration errors on checkout respectively.
func New() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBUser:            os.Getenv("FITLEDGER_POSTGRES_USER"),
		DBPass:            os.Getenv("FITLEDGER_POSTGRES_PASSWORD"),
		DBHost:            os.Getenv("FITLEDGER_POSTGRES_HOST"),
		DBPort:            os.Getenv("FITLEDGER_POSTGRES_PORT"),
		DBName:            os.Getenv("FITLEDGER_POSTGRES_DB"),
		SSLMode:           os.Getenv("FITLEDGER_POSTGRES_SSLMODE"),
		RedisHost:         os.Getenv("FITLEDGER_REDIS_HOST"),
		RedisPort:         os.Getenv("FITLEDGER_REDIS_PORT"),
		NatsHost:          os.Getenv("FITLEDGER_NATS_HOST"),
		NatsPort:          os.Getenv("FITLEDGER_NATS_PORT"),
		ApiPort:           os.Getenv("FITLEDGER_API_PORT"),
		ApiEnabled:        os.Getenv("FITLEDGER_API_ENABLED"),
		AsaasBaseURL:      os.Getenv("FITLEDGER_ASAAS_BASE_URL"),
		AsaasAPIKey:       os.Getenv("FITLEDGER_ASAAS_API_KEY"),
		AsaasWebhookToken: os.Getenv("FITLEDGER_ASAAS_WEBHOOK_TOKEN"),
		AsaasWalletID:     os.Getenv("FITLEDGER_ASAAS_WALLET_ID"),
		AsaasSplitPercent: getEnvFloat("FITLEDGER_ASAAS_SPLIT_PERCENT", 0),
		SweepEnabled:      os.Getenv("FITLEDGER_SWEEP_ENABLED") == "true",
		SweepSchedule:     os.Getenv("FITLEDGER_SWEEP_SCHEDULE"),
		SweepBatch:        getEnvInt("FITLEDGER_SWEEP_BATCH", 100),
	}

	if cfg.DBUser == "" || cfg.DBHost == "" || cfg.DBName == "" || cfg.SSLMode == "" {
		return nil, fmt.Errorf("missing required env for database: FITLEDGER_POSTGRES_USER/HOST/DB/SSLMODE")
	}

	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "@every 1m"
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	if cfg.AsaasSplitPercent < 0 || cfg.AsaasSplitPercent > 100 {
		return nil, fmt.Errorf("FITLEDGER_ASAAS_SPLIT_PERCENT must be in [0,100], got %v", cfg.AsaasSplitPercent)
	}

	return cfg, nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName, c.SSLMode)
}

// RedisAddr returns the cache address, or "" when Redis is not configured.
func (c *Config) RedisAddr() string {
	if c.RedisHost == "" || c.RedisPort == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// NatsAddr returns the notifier bus address, or "" when NATS is not configured.
func (c *Config) NatsAddr() string {
	if c.NatsHost == "" || c.NatsPort == "" {
		return ""
	}
	return fmt.Sprintf("nats://%s:%s", c.NatsHost, c.NatsPort)
}

// ApiAddr returns the HTTP listen address if the API is enabled.
// Returns an error if FITLEDGER_API_ENABLED != "true" — callers should skip
// starting the HTTP server.
func (c *Config) ApiAddr() (string, error) {
	if c.ApiEnabled == "true" {
		if c.ApiPort == "" {
			return "", fmt.Errorf("FITLEDGER_API_PORT is required when FITLEDGER_API_ENABLED=true")
		}
		return ":" + c.ApiPort, nil
	}
	return "", fmt.Errorf("HTTP API is disabled (FITLEDGER_API_ENABLED != true)")
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return intVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultVal
	}
	return f
}
