package cli

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/bastion/internal/config"
)

const defaultRedisPort = "6379"

type storageOptions struct {
	backend               string
	memoryCleanupInterval time.Duration
	redisAddr             string
	redisPassword         string
	redisDB               int
	redisCluster          bool
	redisClusterNodes     []string
	redisPoolSize         int
	redisMaxRetries       int
	redisDialTimeout      time.Duration
	redisKeyPrefix        string
}

func defaultStorageOptions() storageOptions {
	def := config.Default().Storage
	return storageOptions{
		backend:               def.Backend,
		memoryCleanupInterval: def.Memory.CleanupInterval,
		redisAddr:             def.Redis.Addr,
		redisPoolSize:         20,
		redisMaxRetries:       3,
		redisDialTimeout:      5 * time.Second,
	}
}

func (o *storageOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.backend, "storage", o.backend, "storage backend (memory, redis)")
	cmd.Flags().DurationVar(&o.memoryCleanupInterval, "storage-memory-cleanup-interval", o.memoryCleanupInterval, "cleanup interval for memory storage backend")
	cmd.Flags().StringVar(&o.redisAddr, "redis-addr", o.redisAddr, "redis address (host or host:port)")
	cmd.Flags().StringVar(&o.redisPassword, "redis-password", "", "redis password")
	cmd.Flags().IntVar(&o.redisDB, "redis-db", 0, "redis database index")
	cmd.Flags().BoolVar(&o.redisCluster, "redis-cluster", false, "enable redis cluster mode")
	cmd.Flags().StringSliceVar(&o.redisClusterNodes, "redis-cluster-nodes", nil, "redis cluster nodes host:port list")
	cmd.Flags().IntVar(&o.redisPoolSize, "redis-pool-size", o.redisPoolSize, "redis connection pool size")
	cmd.Flags().IntVar(&o.redisMaxRetries, "redis-max-retries", o.redisMaxRetries, "redis max retries")
	cmd.Flags().DurationVar(&o.redisDialTimeout, "redis-dial-timeout", o.redisDialTimeout, "redis dial timeout")
	cmd.Flags().StringVar(&o.redisKeyPrefix, "redis-key-prefix", "", "prefix for every redis key")
}

// applyTo overrides cfg with the flags the user set explicitly. File and
// environment values win over flag defaults.
func (o *storageOptions) applyTo(cmd *cobra.Command, cfg *config.StorageConfig) error {
	changed := cmd.Flags().Changed

	if changed("storage") {
		cfg.Backend = strings.ToLower(o.backend)
	}
	if changed("storage-memory-cleanup-interval") {
		cfg.Memory.CleanupInterval = o.memoryCleanupInterval
	}
	if changed("redis-addr") {
		addr, err := normalizeRedisAddr(o.redisAddr)
		if err != nil {
			return err
		}
		cfg.Redis.Addr = addr
	}
	if changed("redis-password") {
		cfg.Redis.Password = o.redisPassword
	}
	if changed("redis-db") {
		cfg.Redis.DB = o.redisDB
	}
	if changed("redis-cluster") {
		cfg.Redis.Cluster = o.redisCluster
	}
	if changed("redis-cluster-nodes") {
		cfg.Redis.ClusterNodes = append([]string(nil), o.redisClusterNodes...)
	}
	if changed("redis-pool-size") {
		cfg.Redis.PoolSize = o.redisPoolSize
	}
	if changed("redis-max-retries") {
		cfg.Redis.MaxRetries = o.redisMaxRetries
	}
	if changed("redis-dial-timeout") {
		cfg.Redis.DialTimeout = o.redisDialTimeout
	}
	if changed("redis-key-prefix") {
		cfg.Redis.KeyPrefix = o.redisKeyPrefix
	}
	return nil
}

// normalizeRedisAddr adds the default port to a bare host.
func normalizeRedisAddr(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("redis address cannot be empty")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		if strings.Contains(err.Error(), "missing port") {
			return net.JoinHostPort(strings.Trim(addr, "[]"), defaultRedisPort), nil
		}
		return "", fmt.Errorf("invalid --redis-addr value %q: %w", addr, err)
	}
	if host == "" {
		return "", fmt.Errorf("redis host cannot be empty in %q", addr)
	}
	if port == "" {
		port = defaultRedisPort
	}
	return net.JoinHostPort(host, port), nil
}
