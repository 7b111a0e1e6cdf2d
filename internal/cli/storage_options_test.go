package cli

import (
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/bastion/internal/config"
)

func TestNormalizeRedisAddr(t *testing.T) {
	tests := map[string]string{
		"localhost:6380":  "localhost:6380",
		"redis.internal":  "redis.internal:6379",
		" redis:6379 ":    "redis:6379",
		"[::1]":           "[::1]:6379",
		"[2001:db8::1]:7": "[2001:db8::1]:7",
	}
	for in, want := range tests {
		got, err := normalizeRedisAddr(in)
		if err != nil {
			t.Errorf("normalizeRedisAddr(%q) error = %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("normalizeRedisAddr(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeRedisAddr_Invalid(t *testing.T) {
	for _, in := range []string{"", "  ", ":6379"} {
		if _, err := normalizeRedisAddr(in); err == nil {
			t.Errorf("normalizeRedisAddr(%q) expected error", in)
		}
	}
}

func TestStorageOptions_OnlyChangedFlagsOverride(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	o := defaultStorageOptions()
	o.addFlags(cmd)
	if err := cmd.Flags().Set("redis-addr", "cache.internal"); err != nil {
		t.Fatal(err)
	}
	if err := cmd.Flags().Set("storage", "REDIS"); err != nil {
		t.Fatal(err)
	}

	cfg := config.StorageConfig{
		Backend: config.BackendMemory,
		Memory:  config.Default().Storage.Memory,
	}
	cfg.Redis.Password = "from-file"
	cfg.Redis.DialTimeout = time.Second

	if err := o.applyTo(cmd, &cfg); err != nil {
		t.Fatalf("applyTo() error = %v", err)
	}
	if cfg.Backend != config.BackendRedis {
		t.Errorf("backend = %q, want redis", cfg.Backend)
	}
	if cfg.Redis.Addr != "cache.internal:6379" {
		t.Errorf("addr = %q", cfg.Redis.Addr)
	}
	if cfg.Redis.Password != "from-file" || cfg.Redis.DialTimeout != time.Second {
		t.Errorf("unchanged flags overwrote file values: %+v", cfg.Redis)
	}
	if cfg.Memory.CleanupInterval != time.Minute {
		t.Errorf("cleanup interval = %s", cfg.Memory.CleanupInterval)
	}
}

func TestStorageOptions_BadAddr(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	o := defaultStorageOptions()
	o.addFlags(cmd)
	if err := cmd.Flags().Set("redis-addr", ":6379"); err != nil {
		t.Fatal(err)
	}
	var cfg config.StorageConfig
	if err := o.applyTo(cmd, &cfg); err == nil {
		t.Error("expected error for empty redis host")
	}
}
