package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the daemon.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr              string   `json:"addr" yaml:"addr" toml:"addr"`
	ModelRepositories []string `json:"model_repositories" yaml:"model_repositories" toml:"model_repositories"`
	// ControlMode is one of poll, explicit, none.
	ControlMode     string   `json:"control_mode" yaml:"control_mode" toml:"control_mode"`
	PollIntervalSec int      `json:"poll_interval_sec" yaml:"poll_interval_sec" toml:"poll_interval_sec"`
	StrictReadiness bool     `json:"strict_readiness" yaml:"strict_readiness" toml:"strict_readiness"`
	Namespacing     bool     `json:"namespacing" yaml:"namespacing" toml:"namespacing"`
	DrainTimeoutSec int      `json:"drain_timeout_sec" yaml:"drain_timeout_sec" toml:"drain_timeout_sec"`
	LoadConcurrency int      `json:"load_concurrency" yaml:"load_concurrency" toml:"load_concurrency"`
	StartupModels   []string `json:"startup_models" yaml:"startup_models" toml:"startup_models"`
	LogLevel        string   `json:"log_level" yaml:"log_level" toml:"log_level"`
	MaxBodyBytes    int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	InferTimeoutSec int64    `json:"infer_timeout_sec" yaml:"infer_timeout_sec" toml:"infer_timeout_sec"`
	CORSEnabled     bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins     []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	CORSMethods     []string `json:"cors_methods" yaml:"cors_methods" toml:"cors_methods"`
	CORSHeaders     []string `json:"cors_headers" yaml:"cors_headers" toml:"cors_headers"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
