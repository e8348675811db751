package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

type Oracle struct {
	// MinWindow is the minimum time between the two observations; it
	// bounds how cheaply a single block can skew the average.
	MinWindow time.Duration
	// MaxWindow is the staleness bound; beyond it the oracle refuses
	// further updates and the order must be abandoned.
	MaxWindow time.Duration
}

type Relayer struct {
	Owner         common.Address
	WrappedNative common.Address
	// Factories is the whitelist of AMM deployments orders may reference.
	Factories []common.Address
}

type Node struct {
	ListenAddr string
	DBPath     string
	LogFile    string
	// BatchEpoch is the exchange's batch length.
	BatchEpoch time.Duration
}

type Config struct {
	Relayer Relayer
	Oracle  Oracle
	Node    Node
}

func Default() Config {
	return Config{
		Oracle: Oracle{
			MinWindow: 10 * time.Minute,
			MaxWindow: 6 * time.Hour,
		},
		Node: Node{
			ListenAddr: ":8080",
			DBPath:     "data/relayer.db",
			LogFile:    "data/relayer.log",
			BatchEpoch: 5 * time.Minute,
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("OWNER_ADDRESS"); v != "" {
		cfg.Relayer.Owner = common.HexToAddress(v)
	}
	if v := os.Getenv("WRAPPED_NATIVE_ADDRESS"); v != "" {
		cfg.Relayer.WrappedNative = common.HexToAddress(v)
	}
	if v := os.Getenv("FACTORY_ADDRESSES"); v != "" {
		// Comma-separated whitelist, e.g. "0xabc...,0xdef..."
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.Relayer.Factories = append(cfg.Relayer.Factories, common.HexToAddress(s))
			}
		}
	}
	if v := os.Getenv("ORACLE_MIN_WINDOW_SEC"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil {
			cfg.Oracle.MinWindow = time.Duration(sec) * time.Second
		}
	}
	if v := os.Getenv("ORACLE_MAX_WINDOW_SEC"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil {
			cfg.Oracle.MaxWindow = time.Duration(sec) * time.Second
		}
	}
	if v := os.Getenv("BATCH_EPOCH_SEC"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil {
			cfg.Node.BatchEpoch = time.Duration(sec) * time.Second
		}
	}
	cfg.Node.ListenAddr = getEnv("LISTEN_ADDR", cfg.Node.ListenAddr)
	cfg.Node.DBPath = getEnv("DB_PATH", cfg.Node.DBPath)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
