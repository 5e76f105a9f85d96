package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all gateway runtime settings, derived from environment
// variables with sensible defaults.
type Config struct {
	Host    string
	Port    int
	MCPPath string
	DataDir string
	LogDir  string

	// MaxBodyBytes bounds inbound JSON-RPC request bodies.
	MaxBodyBytes int64

	// Session policy
	SessionTTL        time.Duration
	MaxSSEPerSession  int
	SSEPingInterval   time.Duration
	SSEWriteQueueSize int

	// Project lock policy
	LockTTL     time.Duration
	LockTimeout time.Duration
	LockRetry   time.Duration

	// Dispatcher policy
	AutoIncludeState  bool
	AutoIncludeDiff   bool
	AutoRetryRevision bool
	TraceToolCalls    bool

	// Worker policy
	WorkerCount       int
	WorkerIdleBackoff time.Duration

	// Rate limiting
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// Default values for gateway policy knobs.
const (
	DefaultPort              = 8585
	DefaultMCPPath           = "/mcp"
	DefaultMaxBodyBytes      = 4 << 20 // 4 MiB
	DefaultSessionTTL        = 30 * time.Minute
	DefaultMaxSSEPerSession  = 4
	DefaultSSEPingInterval   = 25 * time.Second
	DefaultSSEWriteQueueSize = 64
	DefaultLockTTL           = 30 * time.Second
	DefaultLockTimeout       = 10 * time.Second
	DefaultLockRetry         = 100 * time.Millisecond
	DefaultWorkerCount       = 2
	DefaultWorkerIdleBackoff = 500 * time.Millisecond
)

// Load builds a Config from the process environment.
func Load() (*Config, error) {
	cfg := &Config{
		Host:               envString("HOST", ""),
		MCPPath:            envString("MCP_PATH", DefaultMCPPath),
		DataDir:            envString("MESHGATE_DATA_DIR", defaultDataDir()),
		MaxBodyBytes:       DefaultMaxBodyBytes,
		SessionTTL:         envDuration("MESHGATE_SESSION_TTL", DefaultSessionTTL),
		MaxSSEPerSession:   envInt("MESHGATE_SSE_MAX_CONNECTIONS", DefaultMaxSSEPerSession),
		SSEPingInterval:    envDuration("MESHGATE_SSE_PING_INTERVAL", DefaultSSEPingInterval),
		SSEWriteQueueSize:  DefaultSSEWriteQueueSize,
		LockTTL:            envDuration("MESHGATE_LOCK_TTL", DefaultLockTTL),
		LockTimeout:        envDuration("MESHGATE_LOCK_TIMEOUT", DefaultLockTimeout),
		LockRetry:          envDuration("MESHGATE_LOCK_RETRY", DefaultLockRetry),
		AutoIncludeState:   envBool("MESHGATE_AUTO_INCLUDE_STATE", false),
		AutoIncludeDiff:    envBool("MESHGATE_AUTO_INCLUDE_DIFF", false),
		AutoRetryRevision:  envBool("MESHGATE_AUTO_RETRY_REVISION", true),
		TraceToolCalls:     envBool("MESHGATE_TRACE_TOOL_CALLS", false),
		WorkerCount:        envInt("MESHGATE_WORKERS", DefaultWorkerCount),
		WorkerIdleBackoff:  envDuration("MESHGATE_WORKER_IDLE_BACKOFF", DefaultWorkerIdleBackoff),
		RateLimitPerSecond: 10,
		RateLimitBurst:     20,
	}
	cfg.LogDir = envString("MESHGATE_LOG_DIR", cfg.DataDir+"/logs")

	port := envString("PORT", "")
	if port == "" {
		cfg.Port = DefaultPort
	} else {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return nil, fmt.Errorf("invalid PORT %q", port)
		}
		cfg.Port = p
	}

	if cfg.MCPPath == "" || cfg.MCPPath[0] != '/' {
		return nil, fmt.Errorf("invalid MCP_PATH %q: must start with /", cfg.MCPPath)
	}

	return cfg, nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".meshgate"
	}
	return home + "/.meshgate"
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
