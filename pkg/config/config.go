package config

import internalconfig "github.com/SmitUplenchwar2687/bastion/internal/config"

// Config is the top-level configuration for a bastion process.
type Config = internalconfig.Config

// LimiterConfig is the file form of a limiter.
type LimiterConfig = internalconfig.LimiterConfig

// Default returns a Config with sensible defaults.
func Default() Config {
	return internalconfig.Default()
}

// LoadFile reads a YAML config file and merges it with defaults.
func LoadFile(path string) (Config, error) {
	return internalconfig.LoadFile(path)
}

// WriteExample writes an example config file to the given path.
func WriteExample(path string) error {
	return internalconfig.WriteExample(path)
}
