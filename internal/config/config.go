// Package config loads clustercore's node configuration from the
// environment, in the shape internal/config/config.go does it in the
// teacher repo.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every field spec.md §6 enumerates for a running node.
type Config struct {
	NodeID           string
	ListenAddr       string // consensus RPC transport
	ClientListenAddr string // client-facing net/rpc surface
	Peers            map[string]string // nodeID -> consensus transport addr
	// PeerClientAddrs maps nodeID -> client-facing net/rpc addr, so a node
	// that is not a queue partition's primary (spec §4.4) can forward
	// QueueEnqueue/QueueDequeue to the primary's client surface rather than
	// its consensus transport.
	PeerClientAddrs map[string]string

	ElectionTimeoutMinMs int
	ElectionTimeoutMaxMs int
	HeartbeatIntervalMs  int

	PhiSuspectThreshold float64
	PhiFailThreshold    float64

	DeadlockScanIntervalMs int
	LockDefaultTimeoutMs   int

	QueueMaxRetries         int
	QueueDefaultVisibilityMs int
	QueueRingVirtualNodes   int

	CacheCapacity int

	Sink       SinkConfig
	NATS       NATSConfig
	RateLimit  RateLimitConfig
	Logging    LoggingConfig
}

// SinkConfig selects and configures the persistent key-value sink backend
// (spec §6 "persisted state layout").
type SinkConfig struct {
	Backend string // "memory", "redis", or "postgres"

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PostgresDSN string
}

// NATSConfig configures the advisory side-channel (internal/notify).
type NATSConfig struct {
	Enabled bool
	URL     string
}

// RateLimitConfig configures the per-client request shaper at the cluster
// RPC boundary.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// LoggingConfig controls the zap logger built at the process entry point.
type LoggingConfig struct {
	Level string
}

// Load reads configuration from the environment, defaulting every field to
// spec.md §6's stated defaults.
func Load() (*Config, error) {
	nodeID := getEnv("CLUSTERCORE_NODE_ID", "")
	if nodeID == "" {
		return nil, fmt.Errorf("config: CLUSTERCORE_NODE_ID is required")
	}

	peers, err := parsePeers(getEnv("CLUSTERCORE_PEERS", ""))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	peerClientAddrs, err := parsePeers(getEnv("CLUSTERCORE_PEER_CLIENT_ADDRS", ""))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return &Config{
		NodeID:           nodeID,
		ListenAddr:       getEnv("CLUSTERCORE_LISTEN_ADDR", "0.0.0.0:7000"),
		ClientListenAddr: getEnv("CLUSTERCORE_CLIENT_LISTEN_ADDR", "0.0.0.0:7001"),
		Peers:            peers,
		PeerClientAddrs:  peerClientAddrs,

		ElectionTimeoutMinMs: getEnvInt("CLUSTERCORE_ELECTION_TIMEOUT_MIN_MS", 150),
		ElectionTimeoutMaxMs: getEnvInt("CLUSTERCORE_ELECTION_TIMEOUT_MAX_MS", 300),
		HeartbeatIntervalMs:  getEnvInt("CLUSTERCORE_HEARTBEAT_INTERVAL_MS", 50),

		PhiSuspectThreshold: getEnvFloat("CLUSTERCORE_PHI_SUSPECT_THRESHOLD", 8.0),
		PhiFailThreshold:    getEnvFloat("CLUSTERCORE_PHI_FAIL_THRESHOLD", 12.0),

		DeadlockScanIntervalMs: getEnvInt("CLUSTERCORE_DEADLOCK_SCAN_INTERVAL_MS", 500),
		LockDefaultTimeoutMs:   getEnvInt("CLUSTERCORE_LOCK_DEFAULT_TIMEOUT_MS", 5000),

		QueueMaxRetries:          getEnvInt("CLUSTERCORE_QUEUE_MAX_RETRIES", 5),
		QueueDefaultVisibilityMs: getEnvInt("CLUSTERCORE_QUEUE_VISIBILITY_MS", 30000),
		QueueRingVirtualNodes:    getEnvInt("CLUSTERCORE_QUEUE_RING_VNODES", 128),

		CacheCapacity: getEnvInt("CLUSTERCORE_CACHE_CAPACITY", 1000),

		Sink: SinkConfig{
			Backend:       getEnv("CLUSTERCORE_SINK_BACKEND", "memory"),
			RedisAddr:     getEnv("CLUSTERCORE_REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("CLUSTERCORE_REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("CLUSTERCORE_REDIS_DB", 0),
			PostgresDSN:   getEnv("CLUSTERCORE_POSTGRES_DSN", ""),
		},
		NATS: NATSConfig{
			Enabled: getEnvBool("CLUSTERCORE_NATS_ENABLED", false),
			URL:     getEnv("CLUSTERCORE_NATS_URL", "nats://localhost:4222"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvFloat("CLUSTERCORE_RATE_LIMIT_RPS", 1000),
			Burst:             getEnvInt("CLUSTERCORE_RATE_LIMIT_BURST", 100),
		},
		Logging: LoggingConfig{
			Level: getEnv("CLUSTERCORE_LOG_LEVEL", "info"),
		},
	}, nil
}

// parsePeers parses "nodeA=host:port,nodeB=host:port" into a map.
func parsePeers(raw string) (map[string]string, error) {
	peers := map[string]string{}
	if raw == "" {
		return peers, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("malformed peer entry %q", pair)
		}
		peers[parts[0]] = parts[1]
	}
	return peers, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
