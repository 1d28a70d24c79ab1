package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	RPCURL  string
	RPCUser string
	RPCPass string
	ZMQAddr string
	DbURL   string

	KafkaBroker string
	KafkaTopic  string

	APIPort int

	// FinalityDepth is the number of confirmations before a receipt is
	// treated as irreversible.
	FinalityDepth int64

	// FeePercent is applied to each order item's price at order creation.
	FeePercent float64
	FeeAddress string

	HoldTTL               time.Duration
	HoldSweepInterval     time.Duration
	FulfillSweepInterval  time.Duration
	FulfillWorkers        int
	OutboxPublishInterval time.Duration

	// BackfillStartHeight is used when the blocks table is empty.
	BackfillStartHeight int64
}

// NewConfig loads configuration from environment variables
func NewConfig() *Config {
	// Load .env file (ignore error if file doesn't exist)
	_ = godotenv.Load()

	return &Config{
		RPCURL:                getEnvOrFatal("RPC_URL"),
		RPCUser:               getEnvOrFatal("RPC_USER"),
		RPCPass:               getEnvOrFatal("RPC_PASS"),
		ZMQAddr:               getEnvOrFatal("ZMQ_ADDR"),
		DbURL:                 getEnvOrFatal("DB_URL"),
		KafkaBroker:           getEnvOrFatal("KAFKA_BROKER"),
		KafkaTopic:            getEnvOrFatal("KAFKA_TOPIC"),
		APIPort:               getEnvInt("API_PORT", 8080),
		FinalityDepth:         getEnvInt64("FINALITY_DEPTH", 6),
		FeePercent:            getEnvFloat("FEE_PERCENT", 0.01),
		FeeAddress:            getEnvOrFatal("FEE_ADDRESS"),
		HoldTTL:               getEnvDuration("HOLD_TTL", 15*time.Minute),
		HoldSweepInterval:     getEnvDuration("HOLD_SWEEP_INTERVAL", time.Minute),
		FulfillSweepInterval:  getEnvDuration("FULFILL_SWEEP_INTERVAL", 30*time.Second),
		FulfillWorkers:        getEnvInt("FULFILL_WORKERS", 4),
		OutboxPublishInterval: getEnvDuration("OUTBOX_PUBLISH_INTERVAL", 3*time.Second),
		BackfillStartHeight:   getEnvInt64("BACKFILL_START_HEIGHT", 0),
	}
}

func getEnvOrFatal(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	log.Fatalf("environment variable %s not set", key)

	return ""
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
