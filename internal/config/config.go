package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/stakelab/exitflow/internal/model"
)

type Config struct {
	RPC    RPCConfig
	Trace  TraceConfig
	Input  InputConfig
	Output OutputConfig
	Server ServerConfig
	Log    LogConfig
}

type RPCConfig struct {
	URL            string
	Timeout        time.Duration
	MaxAttempts    int
	BackoffCap     time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
	MaxRangeSplits int
	ChunkBlocks    int64

	// Breaker settings: consecutive failures before failing fast, and how
	// long to stay open before probing again. FailLimit <= 0 disables it.
	BreakerFailLimit   int
	BreakerOpenTimeout time.Duration
}

type TraceConfig struct {
	TokenContract    model.Address
	ProtocolContract model.Address
	// TransferSignature is the human-readable event signature of the
	// transfer being followed; hashed to topic0 at startup.
	TransferSignature string
	WindowHours       int
	// WindowBlocks overrides the block-time derivation when positive.
	WindowBlocks   int64
	MaxHops        int
	BranchWidth    int
	MinAbsolute    *big.Int
	MinFractionBps int64
	ProbeCode      bool
	Workers        int
}

type InputConfig struct {
	LabelsPath string
	// ExitEventsPath points at a JSON array of pre-decoded exit events.
	// Empty means the scanner collects them on-chain instead.
	ExitEventsPath string

	// Scanner parameters, used when ExitEventsPath is empty.
	ExitContract  model.Address
	ExitSignature string
	ScanFromBlock int64
	ScanToBlock   int64
	StateDBPath   string
}

type OutputConfig struct {
	Dir         string
	ExemplarCap int
}

type ServerConfig struct {
	MetricsPort int
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	minAbsolute, err := getEnvBig("MIN_ABSOLUTE", "0")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		RPC: RPCConfig{
			URL:            getEnv("RPC_URL", ""),
			Timeout:        time.Duration(getEnvInt("RPC_TIMEOUT_SEC", 30)) * time.Second,
			MaxAttempts:    getEnvInt("RPC_MAX_ATTEMPTS", 7),
			BackoffCap:     time.Duration(getEnvInt("RPC_BACKOFF_CAP_SEC", 30)) * time.Second,
			RateLimitRPS:   getEnvFloat("RPC_RATE_LIMIT_RPS", 0),
			RateLimitBurst: getEnvInt("RPC_RATE_LIMIT_BURST", 1),
			MaxRangeSplits: getEnvInt("LOG_MAX_RANGE_SPLITS", 12),
			ChunkBlocks:    int64(getEnvInt("LOG_CHUNK_BLOCKS", 10000)),

			BreakerFailLimit:   getEnvInt("RPC_BREAKER_FAIL_LIMIT", 5),
			BreakerOpenTimeout: time.Duration(getEnvInt("RPC_BREAKER_OPEN_SEC", 30)) * time.Second,
		},
		Trace: TraceConfig{
			TokenContract:     model.NormalizeAddress(getEnv("TOKEN_CONTRACT", "")),
			ProtocolContract:  model.NormalizeAddress(getEnv("PROTOCOL_CONTRACT", "")),
			TransferSignature: getEnv("TRANSFER_SIGNATURE", "Transfer(address,address,uint256)"),
			WindowHours:       getEnvInt("WINDOW_HOURS", 72),
			WindowBlocks:      int64(getEnvInt("WINDOW_BLOCKS", 0)),
			MaxHops:           getEnvInt("MAX_HOPS", 3),
			BranchWidth:       getEnvInt("BRANCH_WIDTH", 3),
			MinAbsolute:       minAbsolute,
			MinFractionBps:    int64(getEnvInt("MIN_FRACTION_BPS", 5000)),
			ProbeCode:         getEnvBool("PROBE_CODE", true),
			Workers:           getEnvInt("TRACE_WORKERS", 1),
		},
		Input: InputConfig{
			LabelsPath:     getEnv("LABELS_PATH", ""),
			ExitEventsPath: getEnv("EXIT_EVENTS_PATH", ""),
			ExitContract:   model.NormalizeAddress(getEnv("EXIT_CONTRACT", "")),
			ExitSignature:  getEnv("EXIT_SIGNATURE", ""),
			ScanFromBlock:  int64(getEnvInt("SCAN_FROM_BLOCK", 0)),
			ScanToBlock:    int64(getEnvInt("SCAN_TO_BLOCK", 0)),
			StateDBPath:    getEnv("STATE_DB_PATH", ""),
		},
		Output: OutputConfig{
			Dir:         getEnv("OUTPUT_DIR", "reports"),
			ExemplarCap: getEnvInt("EXEMPLAR_CAP", 10),
		},
		Server: ServerConfig{
			MetricsPort: getEnvInt("METRICS_PORT", 0),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.RPC.URL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.Input.LabelsPath == "" {
		return fmt.Errorf("LABELS_PATH is required")
	}
	if !c.Trace.TokenContract.IsValid() {
		return fmt.Errorf("TOKEN_CONTRACT must be a valid address, got %q", c.Trace.TokenContract)
	}
	if c.Trace.ProtocolContract != "" && !c.Trace.ProtocolContract.IsValid() {
		return fmt.Errorf("PROTOCOL_CONTRACT must be a valid address, got %q", c.Trace.ProtocolContract)
	}
	if c.Trace.MinFractionBps < 0 || c.Trace.MinFractionBps > 10000 {
		return fmt.Errorf("MIN_FRACTION_BPS must be within [0,10000], got %d", c.Trace.MinFractionBps)
	}
	if c.Trace.MaxHops <= 0 {
		return fmt.Errorf("MAX_HOPS must be positive, got %d", c.Trace.MaxHops)
	}
	if c.Trace.Workers <= 0 {
		return fmt.Errorf("TRACE_WORKERS must be positive, got %d", c.Trace.Workers)
	}

	if c.Input.ExitEventsPath == "" {
		if !c.Input.ExitContract.IsValid() {
			return fmt.Errorf("EXIT_CONTRACT must be a valid address when EXIT_EVENTS_PATH is not set")
		}
		if c.Input.ExitSignature == "" {
			return fmt.Errorf("EXIT_SIGNATURE is required when EXIT_EVENTS_PATH is not set")
		}
		if c.Input.ScanFromBlock <= 0 || c.Input.ScanToBlock < c.Input.ScanFromBlock {
			return fmt.Errorf("SCAN_FROM_BLOCK/SCAN_TO_BLOCK must describe a forward range, got [%d,%d]",
				c.Input.ScanFromBlock, c.Input.ScanToBlock)
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvBig(key, fallback string) (*big.Int, error) {
	raw := getEnv(key, fallback)
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%s must be a non-negative decimal integer, got %q", key, raw)
	}
	return v, nil
}
