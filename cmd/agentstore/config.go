package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// fileConfig is the on-disk shape of agentstore.toml: a static manifest of
// how to reach and provision a store, decoded directly with BurntSushi/toml
// rather than through viper, the same way the pack's formula tooling
// round-trips a structured artifact through toml.NewEncoder/Decode rather
// than treating it as a loose settings bag.
type fileConfig struct {
	StoreURI       string `toml:"store_uri"`
	DefaultProfile string `toml:"default_profile"`
	Release        string `toml:"release"`
	MaxSessions    int    `toml:"max_sessions"`
	LeakThreshold  string `toml:"leak_threshold"`
	LogLevel       string `toml:"log_level"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		StoreURI: "sqlite://./agentstore.db",
		Release:  "release_0_2",
		LogLevel: "info",
	}
}

// loadFileConfig decodes path into a fileConfig. A missing file is not an
// error: the caller gets defaultFileConfig() back, since `provision` is
// commonly run against a brand new directory with no config file yet.
func loadFileConfig(path string) (fileConfig, error) {
	cfg := defaultFileConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return cfg, nil
}

// encodeFileConfig renders cfg back to TOML text, for `agentstore config
// init` to seed a starter file and `agentstore config show` to print the
// effective settings.
func encodeFileConfig(cfg fileConfig) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("config: encoding: %w", err)
	}
	return buf.Bytes(), nil
}

// applyEnvOverrides overlays AGENTSTORE_-prefixed environment variables
// onto cfg via viper, following the same flags-then-viper-then-defaults
// priority the teacher's own config loader uses (env vars win over the
// file, explicit CLI flags win over both — applied by the caller after
// this returns).
func applyEnvOverrides(cfg fileConfig) fileConfig {
	v := viper.New()
	v.SetEnvPrefix("AGENTSTORE")
	v.AutomaticEnv()

	if v.IsSet("STORE_URI") {
		cfg.StoreURI = v.GetString("STORE_URI")
	}
	if v.IsSet("DEFAULT_PROFILE") {
		cfg.DefaultProfile = v.GetString("DEFAULT_PROFILE")
	}
	if v.IsSet("RELEASE") {
		cfg.Release = v.GetString("RELEASE")
	}
	if v.IsSet("MAX_SESSIONS") {
		cfg.MaxSessions = v.GetInt("MAX_SESSIONS")
	}
	if v.IsSet("LEAK_THRESHOLD") {
		cfg.LeakThreshold = v.GetString("LEAK_THRESHOLD")
	}
	if v.IsSet("LOG_LEVEL") {
		cfg.LogLevel = v.GetString("LOG_LEVEL")
	}
	return cfg
}
