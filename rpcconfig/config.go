// Package rpcconfig loads the environment-driven configuration table
// using a layered precedence: env vars first, optional file via viper,
// defaults last.
package rpcconfig

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully-resolved configuration table.
type Config struct {
	Endpoint string
	Database string
	Credential string
	VerifyTLS bool
	Timeout time.Duration

	MaxConnections int
	MaxKeepaliveConnections int
	HTTP2 bool

	RetryStrategy string
	RetryMaxAttempts int
	RetryBaseDelay time.Duration
	RetryMaxDelay time.Duration
	RetryJitter float64

	CircuitFailureThreshold int
	CircuitRecoveryTimeout time.Duration
	CircuitSuccessThreshold int
	CircuitHalfOpenBudget int

	CacheBackend string
	CacheMaxSize int
	CacheDefaultTTL time.Duration
	CacheStrategy string

	CacheURL string
	CacheNamespace string
	CacheSerializer string
	CacheMaxConns int

	BatchMaxChunkSize int
	BatchMaxConcurrency int
	BatchTimeout time.Duration
}

// Default returns the documented defaults: a pool default of 100
// connections, a batch chunk_size default of 100, and a cache TTL of 0
// meaning "never expires".
func Default() Config {
	return Config{
		VerifyTLS: true,
		Timeout: 30 * time.Second,
		MaxConnections: 100,
		MaxKeepaliveConnections: 100,
		HTTP2: true,

		RetryStrategy: "exponential",
		RetryMaxAttempts: 3,
		RetryBaseDelay: 200 * time.Millisecond,
		RetryMaxDelay: 10 * time.Second,
		RetryJitter: 0.25,

		CircuitFailureThreshold: 5,
		CircuitRecoveryTimeout: 30 * time.Second,
		CircuitSuccessThreshold: 2,
		CircuitHalfOpenBudget: 1,

		CacheBackend: "memory",
		CacheMaxSize: 10_000,
		CacheDefaultTTL: 0,
		CacheStrategy: "lru",
		CacheSerializer: "json",
		CacheMaxConns: 10,

		BatchMaxChunkSize: 100,
		BatchMaxConcurrency: 8,
		BatchTimeout: 0,
	}
}

// Load resolves Config from environment variables prefixed ODOORPC_ and,
// optionally, a config file discovered by viper (yaml/toml/json), env
// values winning over file values winning over the defaults above.
func Load(configFile string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("ODOORPC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("rpcconfig: reading %s: %w", configFile, err)
		}
	}

	getString := func(key, cur string) string {
		if v.IsSet(key) {
			return v.GetString(key)
		}
		return cur
	}
	getBool := func(key string, cur bool) bool {
		if v.IsSet(key) {
			return v.GetBool(key)
		}
		return cur
	}
	getInt := func(key string, cur int) int {
		if v.IsSet(key) {
			return v.GetInt(key)
		}
		return cur
	}
	getDuration := func(key string, cur time.Duration) time.Duration {
		if !v.IsSet(key) {
			return cur
		}
		s := v.GetString(key)
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
		return cur
	}
	getFloat := func(key string, cur float64) float64 {
		if v.IsSet(key) {
			return v.GetFloat64(key)
		}
		return cur
	}

	cfg.Endpoint = getString("endpoint", cfg.Endpoint)
	cfg.Database = getString("database", cfg.Database)
	cfg.Credential = getString("credential", cfg.Credential)
	cfg.VerifyTLS = getBool("verify_tls", cfg.VerifyTLS)
	cfg.Timeout = getDuration("timeout", cfg.Timeout)
	cfg.MaxConnections = getInt("max_connections", cfg.MaxConnections)
	cfg.MaxKeepaliveConnections = getInt("max_keepalive_connections", cfg.MaxKeepaliveConnections)
	cfg.HTTP2 = getBool("http2", cfg.HTTP2)

	cfg.RetryStrategy = getString("retry.strategy", cfg.RetryStrategy)
	cfg.RetryMaxAttempts = getInt("retry.max_attempts", cfg.RetryMaxAttempts)
	cfg.RetryBaseDelay = getDuration("retry.base_delay", cfg.RetryBaseDelay)
	cfg.RetryMaxDelay = getDuration("retry.max_delay", cfg.RetryMaxDelay)
	cfg.RetryJitter = getFloat("retry.jitter", cfg.RetryJitter)

	cfg.CircuitFailureThreshold = getInt("retry.circuit.failure_threshold", cfg.CircuitFailureThreshold)
	cfg.CircuitRecoveryTimeout = getDuration("retry.circuit.recovery_timeout", cfg.CircuitRecoveryTimeout)
	cfg.CircuitSuccessThreshold = getInt("retry.circuit.success_threshold", cfg.CircuitSuccessThreshold)
	cfg.CircuitHalfOpenBudget = getInt("retry.circuit.half_open_budget", cfg.CircuitHalfOpenBudget)

	cfg.CacheBackend = getString("cache.backend", cfg.CacheBackend)
	cfg.CacheMaxSize = getInt("cache.max_size", cfg.CacheMaxSize)
	cfg.CacheDefaultTTL = getDuration("cache.default_ttl", cfg.CacheDefaultTTL)
	cfg.CacheStrategy = getString("cache.strategy", cfg.CacheStrategy)
	cfg.CacheURL = getString("cache.url", cfg.CacheURL)
	cfg.CacheNamespace = getString("cache.namespace", cfg.CacheNamespace)
	cfg.CacheSerializer = getString("cache.serializer", cfg.CacheSerializer)
	cfg.CacheMaxConns = getInt("cache.max_connections", cfg.CacheMaxConns)

	cfg.BatchMaxChunkSize = getInt("batch.max_chunk_size", cfg.BatchMaxChunkSize)
	cfg.BatchMaxConcurrency = getInt("batch.max_concurrency", cfg.BatchMaxConcurrency)
	cfg.BatchTimeout = getDuration("batch.timeout", cfg.BatchTimeout)

	return cfg, nil
}
