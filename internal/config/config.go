// Package config handles runtime configuration: defaults, YAML loading, and
// validation, before any co-process is spawned.
package config

import (
	"os"
	"time"

	"github.com/corerun/agentcore/internal/agenterr"
	"github.com/corerun/agentcore/internal/obslog"
	"gopkg.in/yaml.v3"
)

var logger = obslog.GetLogger("config")

const schemaDirEnvOverride = "APP_SERVER_SCHEMA_DIR"

// TimeoutAction is the configured response to an expired approval deadline.
type TimeoutAction string

const (
	TimeoutDecline TimeoutAction = "decline"
	TimeoutCancel  TimeoutAction = "cancel"
	TimeoutError   TimeoutAction = "error"
)

// RestartMode selects the Supervisor's restart policy.
type RestartMode string

const (
	RestartNever   RestartMode = "never"
	RestartOnCrash RestartMode = "on_crash"
)

// CompatibilityGuard configures the initialize-result compatibility check of
// SPEC_FULL.md §4.9A.
type CompatibilityGuard struct {
	RequireInitializeUserAgent bool   `yaml:"require_initialize_user_agent"`
	MinCodexVersion            string `yaml:"min_codex_version"`
}

// RestartPolicy configures Supervisor restart behavior.
type RestartPolicy struct {
	Mode           RestartMode   `yaml:"mode"`
	MaxRestarts    uint32        `yaml:"max_restarts"`
	BaseBackoffMs  uint64        `yaml:"base_backoff_ms"`
	MaxBackoffMs   uint64        `yaml:"max_backoff_ms"`
}

// ServerRequestConfig configures the Approval Queue.
type ServerRequestConfig struct {
	DefaultTimeoutMs   uint64        `yaml:"default_timeout_ms"`
	OnTimeout          TimeoutAction `yaml:"on_timeout"`
	AutoDeclineUnknown bool          `yaml:"auto_decline_unknown"`
}

// StateProjectionLimits bounds the state tree of SPEC_FULL.md §3.
type StateProjectionLimits struct {
	MaxThreads            int `yaml:"max_threads"`
	MaxTurnsPerThread     int `yaml:"max_turns_per_thread"`
	MaxItemsPerTurn       int `yaml:"max_items_per_turn"`
	MaxTextBytesPerItem   int `yaml:"max_text_bytes_per_item"`
	MaxStdoutBytesPerItem int `yaml:"max_stdout_bytes_per_item"`
	MaxStderrBytesPerItem int `yaml:"max_stderr_bytes_per_item"`
}

// Config is the full, validated configuration surface of SPEC_FULL.md §6.
type Config struct {
	CLIBin     string `yaml:"cli_bin"`
	CLIArgs    []string `yaml:"cli_args"`
	SchemaDir  string `yaml:"schema_dir"`

	CompatibilityGuard CompatibilityGuard `yaml:"compatibility_guard"`

	LiveChannelCapacity          int `yaml:"live_channel_capacity"`
	ServerRequestChannelCapacity int `yaml:"server_request_channel_capacity"`
	EventSinkChannelCapacity     int `yaml:"event_sink_channel_capacity"`

	TransportReadChannelCapacity  int `yaml:"transport_read_channel_capacity"`
	TransportWriteChannelCapacity int `yaml:"transport_write_channel_capacity"`

	RPCResponseTimeout time.Duration `yaml:"rpc_response_timeout"`

	ServerRequestConfig ServerRequestConfig `yaml:"server_request_config"`

	Restart RestartPolicy `yaml:"restart"`

	StateProjectionLimits StateProjectionLimits `yaml:"state_projection_limits"`

	ShutdownFlushTimeoutMs    uint64 `yaml:"shutdown_flush_timeout_ms"`
	ShutdownTerminateGraceMs  uint64 `yaml:"shutdown_terminate_grace_ms"`

	EventSinkPath string `yaml:"event_sink_path"`
}

// Default returns a Config populated with the defaults this lineage ships:
// a 30s approval timeout, decline-on-timeout, generous state caps, and a
// bounded-restart policy mirroring the original runtime's own defaults.
func Default() *Config {
	return &Config{
		SchemaDir: "",
		CompatibilityGuard: CompatibilityGuard{
			RequireInitializeUserAgent: true,
			MinCodexVersion:            "0.104.0",
		},
		LiveChannelCapacity:          256,
		ServerRequestChannelCapacity: 64,
		EventSinkChannelCapacity:     256,
		TransportReadChannelCapacity:  256,
		TransportWriteChannelCapacity: 256,
		RPCResponseTimeout:           30 * time.Second,
		ServerRequestConfig: ServerRequestConfig{
			DefaultTimeoutMs:   30_000,
			OnTimeout:          TimeoutDecline,
			AutoDeclineUnknown: true,
		},
		Restart: RestartPolicy{
			Mode:          RestartOnCrash,
			MaxRestarts:   5,
			BaseBackoffMs: 100,
			MaxBackoffMs:  10_000,
		},
		StateProjectionLimits: StateProjectionLimits{
			MaxThreads:            256,
			MaxTurnsPerThread:     64,
			MaxItemsPerTurn:       512,
			MaxTextBytesPerItem:   1 << 20,
			MaxStdoutBytesPerItem: 1 << 20,
			MaxStderrBytesPerItem: 1 << 20,
		},
		ShutdownFlushTimeoutMs:   2_000,
		ShutdownTerminateGraceMs: 2_000,
	}
}

// Load reads YAML configuration from path, merges it over Default, applies
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		logger.Debug("loading config file", "path", path)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, agenterr.InvalidConfig("failed to read config file: " + err.Error())
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, agenterr.InvalidConfig("failed to parse config file: " + err.Error())
		}
	}

	if override := os.Getenv(schemaDirEnvOverride); override != "" {
		cfg.SchemaDir = override
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects the zero-or-negative capacities and durations the wire
// contract requires to be strictly positive.
func (c *Config) Validate() error {
	if c.CLIBin == "" {
		return agenterr.InvalidConfig("cli_bin must be set")
	}
	if c.LiveChannelCapacity <= 0 {
		return agenterr.InvalidConfig("live_channel_capacity must be > 0")
	}
	if c.ServerRequestChannelCapacity <= 0 {
		return agenterr.InvalidConfig("server_request_channel_capacity must be > 0")
	}
	if c.EventSinkChannelCapacity <= 0 {
		return agenterr.InvalidConfig("event_sink_channel_capacity must be > 0")
	}
	if c.TransportReadChannelCapacity <= 0 {
		return agenterr.InvalidConfig("transport_read_channel_capacity must be > 0")
	}
	if c.TransportWriteChannelCapacity <= 0 {
		return agenterr.InvalidConfig("transport_write_channel_capacity must be > 0")
	}
	if c.RPCResponseTimeout <= 0 {
		return agenterr.InvalidConfig("rpc_response_timeout must be > 0")
	}
	limits := c.StateProjectionLimits
	if limits.MaxThreads <= 0 || limits.MaxTurnsPerThread <= 0 || limits.MaxItemsPerTurn <= 0 ||
		limits.MaxTextBytesPerItem <= 0 || limits.MaxStdoutBytesPerItem <= 0 || limits.MaxStderrBytesPerItem <= 0 {
		return agenterr.InvalidConfig("state_projection_limits must all be > 0")
	}
	if c.Restart.Mode == RestartOnCrash && c.Restart.BaseBackoffMs == 0 {
		return agenterr.InvalidConfig("restart.base_backoff_ms must be > 0 for on_crash policy")
	}
	switch c.ServerRequestConfig.OnTimeout {
	case TimeoutDecline, TimeoutCancel, TimeoutError:
	default:
		return agenterr.InvalidConfig("server_request_config.on_timeout must be decline, cancel, or error")
	}
	return nil
}
