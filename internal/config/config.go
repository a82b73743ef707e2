// Package config loads the immutable startup configuration: a YAML
// topology describing the HTTP surface, the queue's admission knobs, and
// the pool's instances/workers/adapter settings. The topology lives in
// YAML because per-instance browser profiles, per-worker assignment, and
// per-adapter model filters don't fit a handful of env scalars; a few
// operational knobs can still be overridden from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full, immutable configuration tree.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Queue     QueueConfig     `yaml:"queue"`
	Backend   BackendConfig   `yaml:"backend"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig covers the HTTP surface.
type ServerConfig struct {
	Port      int             `yaml:"port"`
	Auth      string          `yaml:"auth"` // bearer token compared against Authorization
	Keepalive KeepaliveConfig `yaml:"keepalive"`
}

// KeepaliveConfig selects the SSE heartbeat framing.
type KeepaliveConfig struct {
	Mode string `yaml:"mode"` // "comment" or "content"
}

// QueueConfig covers admission knobs and the directory image attachments
// are staged under while a task is in flight.
type QueueConfig struct {
	QueueBuffer int    `yaml:"queueBuffer"`
	ImageLimit  int    `yaml:"imageLimit"`
	TempDir     string `yaml:"tempDir"`
}

// BackendConfig covers the pool topology and per-adapter settings.
type BackendConfig struct {
	Pool    PoolConfig               `yaml:"pool"`
	Adapter map[string]AdapterConfig `yaml:"adapter"`
}

// PoolConfig covers strategy, failover, and instance topology.
type PoolConfig struct {
	Strategy  string           `yaml:"strategy"`
	Failover  FailoverConfig   `yaml:"failover"`
	Instances []InstanceConfig `yaml:"instances"`
}

// FailoverConfig covers retry behavior.
type FailoverConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxRetries int  `yaml:"maxRetries"`
}

// InstanceConfig is one shared browser-profile group. UserDataMark
// resolves to data/userData_<mark> on disk.
type InstanceConfig struct {
	Name         string         `yaml:"name"`
	UserDataMark string         `yaml:"userDataMark"`
	Proxy        *ProxyConfig   `yaml:"proxy"`
	Workers      []WorkerConfig `yaml:"workers"`
}

// ProxyConfig is an instance's (optional) upstream proxy.
type ProxyConfig struct {
	Server   string `yaml:"server"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// WorkerConfig is one Worker's static description.
type WorkerConfig struct {
	Name         string   `yaml:"name"`
	Type         string   `yaml:"type"` // adapter id, or "merge"
	MergeTypes   []string `yaml:"mergeTypes"`
	MergeMonitor string   `yaml:"mergeMonitor"`
}

// AdapterConfig is one adapter's private settings.
type AdapterConfig struct {
	ModelFilter *ModelFilterConfig    `yaml:"modelFilter"`
	Settings    map[string]interface{} `yaml:"settings"`
}

// ModelFilterConfig selects which models an adapter exposes.
type ModelFilterConfig struct {
	Mode string   `yaml:"mode"` // "blacklist" or "whitelist"
	List []string `yaml:"list"`
}

// TelemetryConfig covers tracing setup; internal/telemetry takes this
// type unchanged.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// Load reads path as YAML, layers operational env-var overrides on top,
// then validates. Any error here is fatal at startup: the caller
// (cmd/server/main.go) exits with code 78 on error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{
		Server:  ServerConfig{Port: 8080, Keepalive: KeepaliveConfig{Mode: "comment"}},
		Queue:   QueueConfig{ImageLimit: 4, TempDir: os.TempDir()},
		Backend: BackendConfig{Pool: PoolConfig{Strategy: "least_busy", Failover: FailoverConfig{Enabled: true, MaxRetries: 2}}},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "browser-orchestration-core",
		},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides layers a handful of operational knobs from the
// environment on top of the YAML — the knobs operators actually flip at
// deploy time rather than edit into the topology file.
func applyEnvOverrides(cfg *Config) {
	cfg.Server.Port = envInt("CORE_SERVER_PORT", cfg.Server.Port)
	cfg.Server.Auth = envStr("CORE_SERVER_AUTH", cfg.Server.Auth)
	cfg.Telemetry.Enabled = envBool("OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.OTLPEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
