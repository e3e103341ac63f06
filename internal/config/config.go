// Package config provides configuration management for the phone-pay services.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Ledger    LedgerConfig
	Store     StoreConfig
	Policy    PolicyConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
	Worker    WorkerConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	IdempotencyTTL  time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig
	Redis    RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
	MigrationsPath string
}

// URL returns the connection URL used by golang-migrate
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
	WalletCacheTTL time.Duration
}

// LedgerMode selects the ledger gateway implementation
type LedgerMode string

const (
	// LedgerModeEthereum talks to an EVM JSON-RPC node
	LedgerModeEthereum LedgerMode = "ethereum"
	// LedgerModeSimulated runs an in-process ledger for local development
	LedgerModeSimulated LedgerMode = "simulated"
)

// LedgerConfig holds blockchain gateway configuration
type LedgerConfig struct {
	Mode                   LedgerMode
	RPCPrimary             string
	RPCSecondary           string
	ChainID                int64
	RelayerPrivateKey      string
	PhoneMappingAddress    string
	PaymentContractAddress string
	ReferralRewardsAddress string
	ConfirmTimeout         time.Duration
	ReceiptPollInterval    time.Duration
	ReadTimeout            time.Duration
}

// StoreMode selects the profile store implementation
type StoreMode string

const (
	// StoreModePostgres uses the relational database
	StoreModePostgres StoreMode = "postgres"
	// StoreModeMemory keeps everything in process memory
	StoreModeMemory StoreMode = "memory"
)

// StoreConfig holds profile store selection
type StoreConfig struct {
	Mode StoreMode
}

// PolicyConfig holds business policy constants
type PolicyConfig struct {
	PointsPerUsage    int
	PointsPerCreation int
	DonationRate      float64
	DefaultRegion     string
}

// RateLimitConfig holds rate limiting configuration (requests per second)
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// WorkerConfig holds mirror worker configuration
type WorkerConfig struct {
	MirrorInterval time.Duration
	MirrorBatch    int
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env is optional - environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 90*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			IdempotencyTTL:  getEnvAsDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "phone_pay"),
				User:           getEnv("POSTGRES_USER", "phonepay"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
				MigrationsPath: getEnv("POSTGRES_MIGRATIONS_PATH", "migrations/postgres"),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
				WalletCacheTTL: getEnvAsDuration("WALLET_CACHE_TTL", 5*time.Minute),
			},
		},
		Ledger: LedgerConfig{
			Mode:                   LedgerMode(strings.ToLower(getEnv("LEDGER_MODE", string(LedgerModeEthereum)))),
			RPCPrimary:             getEnv("LEDGER_RPC_PRIMARY", "https://alfajores-forno.celo-testnet.org"),
			RPCSecondary:           getEnv("LEDGER_RPC_SECONDARY", ""),
			ChainID:                int64(getEnvAsInt("LEDGER_CHAIN_ID", 44787)),
			RelayerPrivateKey:      getEnv("LEDGER_RELAYER_PRIVATE_KEY", ""),
			PhoneMappingAddress:    getEnv("PHONE_MAPPING_CONTRACT_ADDRESS", ""),
			PaymentContractAddress: getEnv("PAYMENT_CONTRACT_ADDRESS", ""),
			ReferralRewardsAddress: getEnv("REFERRAL_REWARDS_CONTRACT_ADDRESS", ""),
			ConfirmTimeout:         getEnvAsDuration("LEDGER_CONFIRM_TIMEOUT", 60*time.Second),
			ReceiptPollInterval:    getEnvAsDuration("LEDGER_RECEIPT_POLL_INTERVAL", 2*time.Second),
			ReadTimeout:            getEnvAsDuration("LEDGER_READ_TIMEOUT", 10*time.Second),
		},
		Store: StoreConfig{
			Mode: StoreMode(strings.ToLower(getEnv("STORE_MODE", string(StoreModePostgres)))),
		},
		Policy: PolicyConfig{
			PointsPerUsage:    getEnvAsInt("POINTS_PER_USAGE", 10),
			PointsPerCreation: getEnvAsInt("POINTS_PER_CREATION", 0),
			DonationRate:      getEnvAsFloat("DONATION_RATE", 0.01),
			DefaultRegion:     strings.ToUpper(getEnv("PHONE_DEFAULT_REGION", "US")),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsInt("RATE_LIMIT_RPS", 20),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 40),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Worker: WorkerConfig{
			MirrorInterval: getEnvAsDuration("MIRROR_INTERVAL", 30*time.Second),
			MirrorBatch:    getEnvAsInt("MIRROR_BATCH", 50),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate rejects configurations the services cannot run with
func (c *Config) Validate() error {
	switch c.Ledger.Mode {
	case LedgerModeEthereum:
		if c.Ledger.RPCPrimary == "" {
			return fmt.Errorf("LEDGER_RPC_PRIMARY is required in %s mode", c.Ledger.Mode)
		}
	case LedgerModeSimulated:
	default:
		return fmt.Errorf("unknown LEDGER_MODE %q", c.Ledger.Mode)
	}

	switch c.Store.Mode {
	case StoreModePostgres, StoreModeMemory:
	default:
		return fmt.Errorf("unknown STORE_MODE %q", c.Store.Mode)
	}

	if c.Policy.PointsPerUsage <= 0 {
		return fmt.Errorf("POINTS_PER_USAGE must be positive, got %d", c.Policy.PointsPerUsage)
	}
	if c.Policy.PointsPerCreation < 0 {
		return fmt.Errorf("POINTS_PER_CREATION cannot be negative, got %d", c.Policy.PointsPerCreation)
	}
	if c.Policy.DonationRate < 0 || c.Policy.DonationRate >= 1 {
		return fmt.Errorf("DONATION_RATE must be in [0, 1), got %v", c.Policy.DonationRate)
	}
	if c.Ledger.ConfirmTimeout <= 0 {
		return fmt.Errorf("LEDGER_CONFIRM_TIMEOUT must be positive")
	}

	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
