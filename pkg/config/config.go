// Package config loads host configuration from ~/.tide/config.yaml.
//
// Config handling is deliberately lenient: a missing or unparseable file
// falls back to runtime defaults with a warning, so a broken config never
// prevents the host from starting.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tidecode/tide/pkg/logging"
	"github.com/tidecode/tide/pkg/tmux"
)

// Default configuration values
const (
	DefaultAgentPath       = "codex-acp"
	DefaultCommandMode     = tmux.ModeWindow
	DefaultOutputByteLimit = tmux.DefaultOutputLimit
)

const defaultConfigTemplate = `# Tide configuration
# Path or command name of the ACP agent binary.
agent_path: codex-acp

# How agent command terminals are placed in tmux: split | window | hidden
tmux_command_mode: split

# Allow the agent to request a specific tmux mode through request metadata.
allow_agent_mode_override: true

# Accepted values for agent-requested mode overrides.
agent_mode_override_whitelist: [split, window, hidden]
`

// ModeSource tags where a resolved command mode came from.
type ModeSource string

const (
	// SourceAgent means an agent-requested mode was honored.
	SourceAgent ModeSource = "agent"
	// SourceConfig means no mode was requested and the configured default applied.
	SourceConfig ModeSource = "config"
	// SourceConfigFallback means a requested mode was rejected by policy and
	// the configured default applied instead.
	SourceConfigFallback ModeSource = "config_fallback"
)

// Config holds the host configuration.
type Config struct {
	AgentPath         string             `yaml:"agent_path"`
	CommandMode       tmux.CommandMode   `yaml:"tmux_command_mode"`
	AllowModeOverride bool               `yaml:"allow_agent_mode_override"`
	OverrideWhitelist []tmux.CommandMode `yaml:"agent_mode_override_whitelist"`
	OutputByteLimit   uint64             `yaml:"output_byte_limit"`
	BusURL            string             `yaml:"bus_url"`
}

// rawConfig mirrors Config with loosely typed fields so unrecognized mode
// strings degrade to defaults instead of failing the whole file.
type rawConfig struct {
	AgentPath         *string   `yaml:"agent_path"`
	CommandMode       *string   `yaml:"tmux_command_mode"`
	AllowModeOverride *bool     `yaml:"allow_agent_mode_override"`
	OverrideWhitelist *[]string `yaml:"agent_mode_override_whitelist"`
	OutputByteLimit   *uint64   `yaml:"output_byte_limit"`
	BusURL            *string   `yaml:"bus_url"`
}

// DefaultConfig returns the runtime defaults.
func DefaultConfig() *Config {
	return &Config{
		AgentPath:         DefaultAgentPath,
		CommandMode:       DefaultCommandMode,
		AllowModeOverride: true,
		OverrideWhitelist: []tmux.CommandMode{tmux.ModeSplit, tmux.ModeWindow, tmux.ModeHidden},
		OutputByteLimit:   DefaultOutputByteLimit,
	}
}

// Load reads the user config from ~/.tide/config.yaml, writing the default
// template first if no file exists. Parse failures fall back to defaults.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home == "" {
		return DefaultConfig(), nil
	}

	dir := filepath.Join(home, ".tide")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(defaultConfigTemplate), 0o644); err != nil {
			return nil, fmt.Errorf("writing initial config file %s: %w", path, err)
		}
	}

	return LoadFromPath(path)
}

// LoadFromPath loads configuration from a specific file path. A missing or
// unparseable file yields the runtime defaults.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return Parse(data), nil
}

// Parse decodes config contents, falling back to defaults on any parse error
// and ignoring individual values it cannot interpret.
func Parse(data []byte) *Config {
	cfg := DefaultConfig()

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		logging.New("config", slog.LevelWarn).Warn("failed to parse config, using defaults", "error", err)
		return cfg
	}

	if raw.AgentPath != nil && *raw.AgentPath != "" {
		cfg.AgentPath = *raw.AgentPath
	}
	if raw.CommandMode != nil {
		if mode, ok := tmux.ParseCommandMode(*raw.CommandMode); ok {
			cfg.CommandMode = mode
		}
	}
	if raw.AllowModeOverride != nil {
		cfg.AllowModeOverride = *raw.AllowModeOverride
	}
	if raw.OverrideWhitelist != nil {
		var parsed []tmux.CommandMode
		for _, value := range *raw.OverrideWhitelist {
			if mode, ok := tmux.ParseCommandMode(value); ok {
				parsed = append(parsed, mode)
			}
		}
		if len(parsed) > 0 {
			cfg.OverrideWhitelist = parsed
		}
	}
	if raw.OutputByteLimit != nil && *raw.OutputByteLimit > 0 {
		cfg.OutputByteLimit = *raw.OutputByteLimit
	}
	if raw.BusURL != nil {
		cfg.BusURL = *raw.BusURL
	}

	return cfg
}

// ResolveCommandMode combines an agent-requested mode with the configured
// default and override policy. A requested mode is honored only when
// overrides are allowed and the mode is whitelisted; otherwise the configured
// default applies.
func (c *Config) ResolveCommandMode(requested *tmux.CommandMode) (tmux.CommandMode, ModeSource) {
	if requested != nil {
		if c.AllowModeOverride {
			for _, candidate := range c.OverrideWhitelist {
				if candidate == *requested {
					return *requested, SourceAgent
				}
			}
		}
		return c.CommandMode, SourceConfigFallback
	}
	return c.CommandMode, SourceConfig
}
