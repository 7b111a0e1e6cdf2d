package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/SmitUplenchwar2687/bastion/internal/adaptive"
	"github.com/SmitUplenchwar2687/bastion/internal/blocklist"
	"github.com/SmitUplenchwar2687/bastion/internal/limiter"
	"github.com/SmitUplenchwar2687/bastion/internal/ratelimit"
	"github.com/SmitUplenchwar2687/bastion/internal/store"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Identifier derivations selectable per limiter.
const (
	KeyIPPrincipal = "ip_principal"
	KeyIP          = "ip"
)

// Config is the top-level configuration for a bastion process.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Limiters  []LimiterConfig `yaml:"limiters"`
	BlockList BlockListConfig `yaml:"blocklist"`
	Adaptive  adaptive.Config `yaml:"adaptive"`
	Admin     AdminConfig     `yaml:"admin"`
	Audit     AuditConfig     `yaml:"audit"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr      string `yaml:"addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// X-Real-IP. Enable it only behind a proxy that sets them.
	TrustProxyHeaders bool          `yaml:"trust_proxy_headers"`
	PrincipalHeader   string        `yaml:"principal_header"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	// APIToken guards the /api endpoints. Leave it empty only when the
	// listener is private to trusted backends.
	APIToken string `yaml:"api_token"`
}

// StorageConfig selects the counter store. Redis settings are also used
// for the shared store behind distributed limiters.
type StorageConfig struct {
	Backend string            `yaml:"backend"`
	Memory  store.MemoryConfig `yaml:"memory"`
	Redis   store.RedisConfig  `yaml:"redis"`
}

// LimiterConfig is the file form of ratelimit.Config.
type LimiterConfig struct {
	Name         string               `yaml:"name"`
	Algorithm    string               `yaml:"algorithm"`
	Window       time.Duration        `yaml:"window"`
	MaxAttempts  int                  `yaml:"max_attempts"`
	AlignWindows bool                 `yaml:"align_windows"`
	Key          string               `yaml:"key"`
	FailClosed   bool                 `yaml:"fail_closed"`
	StoreTimeout time.Duration        `yaml:"store_timeout"`
	Escalation   ratelimit.Escalation `yaml:"escalation"`
}

// BlockListConfig seeds the block list at startup.
type BlockListConfig struct {
	Deny  []BlockEntry `yaml:"deny"`
	Allow []BlockEntry `yaml:"allow"`
	// SweepInterval paces the janitors for expired entries and stale
	// denial streaks.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// BlockEntry is one seeded entry. A zero TTL is permanent.
type BlockEntry struct {
	Key    string        `yaml:"key"`
	Reason string        `yaml:"reason"`
	TTL    time.Duration `yaml:"ttl"`
}

// AdminConfig lists the bearer tokens accepted by the admin API.
type AdminConfig struct {
	Tokens []AdminToken `yaml:"tokens"`
}

// AdminToken maps a bearer token to an operator and privilege.
type AdminToken struct {
	Name      string `yaml:"name"`
	Token     string `yaml:"token"`
	Privilege string `yaml:"privilege"`
}

// AuditConfig tunes the audit dispatcher.
type AuditConfig struct {
	QueueSize int `yaml:"queue_size"`
	// DenyLogRate caps deny events written to the log per second.
	DenyLogRate float64 `yaml:"deny_log_rate"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			LogLevel:        "info",
			LogFormat:       "json",
			PrincipalHeader: "X-Principal",
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			Memory:  store.MemoryConfig{CleanupInterval: time.Minute},
			Redis:   store.RedisConfig{Addr: "localhost:6379"},
		},
		Limiters: []LimiterConfig{
			{
				Name:        "login",
				Algorithm:   string(limiter.AlgorithmFixedWindow),
				Window:      15 * time.Minute,
				MaxAttempts: 5,
				Key:         KeyIPPrincipal,
				Escalation:  ratelimit.Escalation{After: 10, BlockFor: time.Hour},
			},
			{
				Name:        "api",
				Algorithm:   string(limiter.AlgorithmTokenBucket),
				Window:      time.Minute,
				MaxAttempts: 100,
				Key:         KeyIP,
			},
		},
		BlockList: BlockListConfig{SweepInterval: time.Minute},
		Adaptive:  adaptive.DefaultConfig(),
		Audit:     AuditConfig{QueueSize: 1024, DenyLogRate: 10},
	}
}

// Limiter converts l into the form ratelimit.Service.Register takes.
func (l LimiterConfig) Limiter() ratelimit.Config {
	key := ratelimit.DefaultKey
	if strings.EqualFold(strings.TrimSpace(l.Key), KeyIP) {
		key = ratelimit.IPKey
	}
	return ratelimit.Config{
		Name:         l.Name,
		Algorithm:    limiter.Algorithm(l.Algorithm),
		Window:       l.Window,
		MaxAttempts:  l.MaxAttempts,
		AlignWindows: l.AlignWindows,
		KeyFunc:      key,
		FailClosed:   l.FailClosed,
		StoreTimeout: l.StoreTimeout,
		Escalation:   l.Escalation,
	}
}

// NeedsShared reports whether any limiter uses the distributed algorithm.
func (c Config) NeedsShared() bool {
	for _, l := range c.Limiters {
		if alg, err := limiter.ParseAlgorithm(l.Algorithm); err == nil && alg == limiter.AlgorithmDistributed {
			return true
		}
	}
	return false
}

// Validate checks that the config is valid.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if strings.TrimSpace(c.Server.Addr) == "" {
		add("server.addr is required")
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Server.LogLevel)); err != nil {
		add("server.log_level: %v", err)
	}
	switch c.Server.LogFormat {
	case "", "json", "console":
	default:
		add("server.log_format must be json or console, got %q", c.Server.LogFormat)
	}
	if c.Server.ShutdownTimeout < 0 {
		add("server.shutdown_timeout must not be negative, got %s", c.Server.ShutdownTimeout)
	}

	switch c.Storage.Backend {
	case BackendMemory:
		if c.Storage.Memory.CleanupInterval < 0 {
			add("storage.memory.cleanup_interval must not be negative, got %s", c.Storage.Memory.CleanupInterval)
		}
	case BackendRedis:
	default:
		add("unknown storage backend %q, must be one of: memory, redis", c.Storage.Backend)
	}
	if c.Storage.Backend == BackendRedis || c.NeedsShared() {
		if !c.Storage.Redis.Cluster && strings.TrimSpace(c.Storage.Redis.Addr) == "" {
			add("storage.redis.addr is required for the redis backend and distributed limiters")
		}
		if c.Storage.Redis.Cluster && len(c.Storage.Redis.ClusterNodes) == 0 {
			add("storage.redis.cluster_nodes is required when cluster is enabled")
		}
	}

	if len(c.Limiters) == 0 {
		add("at least one limiter is required")
	}
	seen := make(map[string]bool, len(c.Limiters))
	for i, l := range c.Limiters {
		name := strings.TrimSpace(l.Name)
		if seen[name] {
			add("limiters[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
		switch strings.ToLower(strings.TrimSpace(l.Key)) {
		case "", KeyIP, KeyIPPrincipal:
		default:
			add("limiters[%d]: key must be ip or ip_principal, got %q", i, l.Key)
		}
		if err := l.Limiter().Validate(); err != nil {
			add("limiters[%d]: %w", i, err)
		}
	}

	for _, group := range []struct {
		name    string
		entries []BlockEntry
	}{{"deny", c.BlockList.Deny}, {"allow", c.BlockList.Allow}} {
		for i, e := range group.entries {
			if _, err := blocklist.NormalizeKey(e.Key); err != nil {
				add("blocklist.%s[%d]: %v", group.name, i, err)
			}
			if e.TTL < 0 {
				add("blocklist.%s[%d]: ttl must not be negative, got %s", group.name, i, e.TTL)
			}
		}
	}
	if c.BlockList.SweepInterval < 0 {
		add("blocklist.sweep_interval must not be negative, got %s", c.BlockList.SweepInterval)
	}

	if err := c.Adaptive.Validate(); err != nil {
		add("adaptive: %w", err)
	}

	tokens := make(map[string]bool, len(c.Admin.Tokens))
	for i, t := range c.Admin.Tokens {
		if strings.TrimSpace(t.Token) == "" {
			add("admin.tokens[%d]: token is required", i)
		}
		if tokens[t.Token] {
			add("admin.tokens[%d]: duplicate token", i)
		}
		tokens[t.Token] = true
		if _, err := ratelimit.ParsePrivilege(t.Privilege); err != nil {
			add("admin.tokens[%d]: %v", i, err)
		}
	}

	if c.Audit.QueueSize < 0 {
		add("audit.queue_size must not be negative, got %d", c.Audit.QueueSize)
	}
	if c.Audit.DenyLogRate < 0 {
		add("audit.deny_log_rate must not be negative, got %v", c.Audit.DenyLogRate)
	}
	return errors.Join(errs...)
}

// LoadFile reads a YAML config file and merges it with defaults.
// Fields not specified in the file retain their default values; a
// limiters list in the file replaces the default limiters.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Environment variables read by ApplyEnv.
const (
	EnvAddr          = "BASTION_ADDR"
	EnvLogLevel      = "BASTION_LOG_LEVEL"
	EnvLogFormat     = "BASTION_LOG_FORMAT"
	EnvStorage       = "BASTION_STORAGE"
	EnvRedisAddr     = "BASTION_REDIS_ADDR"
	EnvRedisPassword = "BASTION_REDIS_PASSWORD"
	EnvRedisDB       = "BASTION_REDIS_DB"
	EnvAdminToken    = "BASTION_ADMIN_TOKEN"
	EnvTrustProxy    = "BASTION_TRUST_PROXY_HEADERS"
	EnvAPIToken      = "BASTION_API_TOKEN"
)

// ApplyEnv loads a .env file from the working directory when present and
// lets BASTION_* variables override the matching fields. BASTION_ADMIN_TOKEN
// adds an admin-privileged token named "env".
func (c *Config) ApplyEnv() error {
	_ = godotenv.Load()

	if v := getEnv(EnvAddr); v != "" {
		c.Server.Addr = v
	}
	if v := getEnv(EnvLogLevel); v != "" {
		c.Server.LogLevel = v
	}
	if v := getEnv(EnvLogFormat); v != "" {
		c.Server.LogFormat = v
	}
	if v := getEnv(EnvStorage); v != "" {
		c.Storage.Backend = strings.ToLower(v)
	}
	if v := getEnv(EnvRedisAddr); v != "" {
		c.Storage.Redis.Addr = v
	}
	if v := getEnv(EnvRedisPassword); v != "" {
		c.Storage.Redis.Password = v
	}
	if v := getEnv(EnvRedisDB); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvRedisDB, err)
		}
		c.Storage.Redis.DB = db
	}
	if v := getEnv(EnvTrustProxy); v != "" {
		trust, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvTrustProxy, err)
		}
		c.Server.TrustProxyHeaders = trust
	}
	if v := getEnv(EnvAPIToken); v != "" {
		c.Server.APIToken = v
	}
	if v := getEnv(EnvAdminToken); v != "" {
		c.Admin.Tokens = append(c.Admin.Tokens, AdminToken{Name: "env", Token: v, Privilege: "admin"})
	}
	return nil
}

func getEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// WriteExample writes an example config file to the given path.
func WriteExample(path string) error {
	return os.WriteFile(path, []byte(example), 0o644)
}

const example = `server:
  addr: ":8080"
  log_level: info
  log_format: json
  trust_proxy_headers: false
  principal_header: X-Principal
  shutdown_timeout: 10s
  api_token: ""   # bearer token for /api; empty only on a private listener

storage:
  backend: memory   # memory or redis
  memory:
    cleanup_interval: 1m
  redis:
    addr: localhost:6379
    password: ""
    db: 0
    key_prefix: "bastion:rl:"

limiters:
  - name: login
    algorithm: fixed_window
    window: 15m
    max_attempts: 5
    key: ip_principal
    fail_closed: true
    escalation:
      after: 10
      block_for: 1h
  - name: api
    algorithm: token_bucket
    window: 1m
    max_attempts: 100
    key: ip

blocklist:
  sweep_interval: 1m
  allow:
    - key: 10.0.0.0/8
      reason: internal network
  deny: []

adaptive:
  error_rate_threshold: 0.05
  latency_threshold: 500ms
  sustain_for: 30s
  emergency_after: 2m
  recover_after: 5m
  step: 0.1
  min_scale: 0.1
  emergency_scale: 0.1
  force_fixed_window: true
  auto_emergency: true
  auto_recover: false

admin:
  tokens:
    - name: ops
      token: change-me
      privilege: admin

audit:
  queue_size: 1024
  deny_log_rate: 10
`
