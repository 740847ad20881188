package params

import (
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// MaxDisputePeriod is the hard ceiling for any per-pair dispute window.
// SetDisputePeriod rejects anything above this.
const MaxDisputePeriod = 12 * time.Hour

type Oracle struct {
	// Reporter is the only address allowed to report expiry prices.
	Reporter common.Address
	// Admin may dispute reported prices and tune dispute periods.
	Admin common.Address
	// DefaultDisputePeriod applies to pairs without an explicit override.
	DefaultDisputePeriod time.Duration
}

type Node struct {
	DBPath  string // pebble database directory
	APIAddr string // listen address for the REST API
	LogFile string // empty = console only
}

type Config struct {
	Oracle Oracle
	Node   Node
}

func Default() Config {
	return Config{
		Oracle: Oracle{
			DefaultDisputePeriod: 6 * time.Hour,
		},
		Node: Node{
			DBPath:  "data/optionvault",
			APIAddr: ":8080",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Optional .env file - won't fail if missing
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("ORACLE_REPORTER"); common.IsHexAddress(v) {
		cfg.Oracle.Reporter = common.HexToAddress(v)
	}
	if v := os.Getenv("ORACLE_ADMIN"); common.IsHexAddress(v) {
		cfg.Oracle.Admin = common.HexToAddress(v)
	}
	if v := os.Getenv("ORACLE_DISPUTE_PERIOD_MIN"); v != "" {
		if m, err := strconv.Atoi(v); err == nil {
			d := time.Duration(m) * time.Minute
			if d > 0 && d <= MaxDisputePeriod {
				cfg.Oracle.DefaultDisputePeriod = d
			}
		}
	}

	cfg.Node.DBPath = getEnv("DB_PATH", cfg.Node.DBPath)
	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
