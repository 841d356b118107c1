package config

import (
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/redis/go-redis/v9"
)

// CLIConfig is the subset of warren.yml the CLI needs to reach the canon.
// Unlike Config it does not require collaborator wiring, so inspect commands
// work against a bare Redis even before a project is initialized.
type CLIConfig struct {
	Instance string      `koanf:"instance"`
	Redis    RedisConfig `koanf:"redis"`
}

// LoadCLI reads the connection subset of a warren.yml. A missing file is not
// an error: defaults and WARREN_* environment variables still apply, and any
// daemon-only sections present in the file are ignored.
func LoadCLI(path string) (*CLIConfig, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		data = b
	}

	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := k.Load(env.Provider("WARREN_", ".", envKeyTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var config CLIConfig
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Instance == "" {
		config.Instance = "default"
	}
	if config.Redis.URL == "" {
		config.Redis.URL = "redis://localhost:6379/0"
	}

	if !instanceNamePattern.MatchString(config.Instance) {
		return nil, fmt.Errorf("invalid instance name: %s (must match %s)", config.Instance, instanceNamePattern.String())
	}
	if _, err := redis.ParseURL(config.Redis.URL); err != nil {
		return nil, fmt.Errorf("invalid redis.url: %w", err)
	}

	return &config, nil
}

// RedisOptions parses redis.url into client options.
func (c *CLIConfig) RedisOptions() (*redis.Options, error) {
	opts, err := redis.ParseURL(c.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis.url: %w", err)
	}
	return opts, nil
}
