// ABOUTME: Configuration loading and parsing for the coven-mesh agent daemon
// ABOUTME: Supports YAML files with environment variable expansion plus env-only operation

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-mesh configuration
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Mesh      MeshConfig      `yaml:"mesh"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// AgentConfig identifies this agent and its inbound endpoint
type AgentConfig struct {
	// ID is the unique agent identity. Also settable via MESH_AGENT_ID.
	ID string `yaml:"id"`
	// ListenAddr is the host:port the mesh listener binds. Also settable
	// via MESH_LISTEN_ADDR.
	ListenAddr string `yaml:"listen_addr"`
}

// MeshConfig holds peer addresses, the shared secret, and protocol timing
type MeshConfig struct {
	// Peers are the endpoints this agent dials, as URLs
	// ("mesh://host:port", optionally pinned to an identity with
	// "id@mesh://host:port"). Also settable via MESH_PEERS as a
	// comma-separated list.
	Peers []string `yaml:"peers"`

	// Secret is the shared mesh secret for handshake tokens. When empty,
	// handshakes exchange identities without token verification. Also
	// settable via MESH_SECRET.
	Secret string `yaml:"secret"`

	HeartbeatInterval   time.Duration `yaml:"-"`
	LivenessTimeout     time.Duration `yaml:"-"`
	ElectionStepTimeout time.Duration `yaml:"-"`
	StartupGrace        time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw   string `yaml:"heartbeat_interval"`
	LivenessTimeoutRaw     string `yaml:"liveness_timeout"`
	ElectionStepTimeoutRaw string `yaml:"election_step_timeout"`
	StartupGraceRaw        string `yaml:"startup_grace"`
}

// DiscoveryConfig holds optional etcd-based peer discovery settings
type DiscoveryConfig struct {
	// Endpoints enables etcd discovery when non-empty.
	Endpoints []string `yaml:"endpoints"`
	// Prefix is the key prefix agents register under. Defaults to
	// "/coven/mesh".
	Prefix string `yaml:"prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults for the mesh protocol timing. The liveness timeout defaults to
// 3x the heartbeat interval so a single dropped heartbeat does not mark a
// peer dead.
const (
	DefaultHeartbeatInterval   = 2 * time.Second
	DefaultElectionStepTimeout = 5 * time.Second
	DefaultStartupGrace        = 10 * time.Second
)

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded and
// duration strings are parsed. An empty path loads configuration from plain
// environment variables only (MESH_AGENT_ID, MESH_LISTEN_ADDR, MESH_PEERS,
// MESH_SECRET), which is how containerized agents usually run.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		expandedData := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnvOverrides lets plain environment variables override the core
// fields, so the daemon runs without a config file at all.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MESH_AGENT_ID"); v != "" {
		cfg.Agent.ID = v
	}
	if v := os.Getenv("MESH_LISTEN_ADDR"); v != "" {
		cfg.Agent.ListenAddr = v
	}
	if v := os.Getenv("MESH_PEERS"); v != "" {
		cfg.Mesh.Peers = splitPeerList(v)
	}
	if v := os.Getenv("MESH_SECRET"); v != "" {
		cfg.Mesh.Secret = v
	}
}

// splitPeerList parses a comma-separated peer address list, dropping empty
// entries so trailing commas are harmless.
func splitPeerList(s string) []string {
	var peers []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			peers = append(peers, part)
		}
	}
	return peers
}

// applyDefaults fills in defaults for optional fields.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Discovery.Prefix == "" {
		cfg.Discovery.Prefix = "/coven/mesh"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Agent.ID == "" {
		return fmt.Errorf("agent.id is required (or set MESH_AGENT_ID)")
	}
	if c.Agent.ListenAddr == "" {
		return fmt.Errorf("agent.listen_addr is required (or set MESH_LISTEN_ADDR)")
	}
	if c.Mesh.HeartbeatInterval < 0 || c.Mesh.LivenessTimeout < 0 {
		return fmt.Errorf("mesh timing durations must be positive")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
// and applies the protocol defaults where a field is unset.
func parseDurations(cfg *Config) error {
	var err error

	cfg.Mesh.HeartbeatInterval = DefaultHeartbeatInterval
	if cfg.Mesh.HeartbeatIntervalRaw != "" {
		cfg.Mesh.HeartbeatInterval, err = time.ParseDuration(cfg.Mesh.HeartbeatIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_interval %q: %w", cfg.Mesh.HeartbeatIntervalRaw, err)
		}
	}

	cfg.Mesh.LivenessTimeout = 3 * cfg.Mesh.HeartbeatInterval
	if cfg.Mesh.LivenessTimeoutRaw != "" {
		cfg.Mesh.LivenessTimeout, err = time.ParseDuration(cfg.Mesh.LivenessTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing liveness_timeout %q: %w", cfg.Mesh.LivenessTimeoutRaw, err)
		}
	}

	cfg.Mesh.ElectionStepTimeout = DefaultElectionStepTimeout
	if cfg.Mesh.ElectionStepTimeoutRaw != "" {
		cfg.Mesh.ElectionStepTimeout, err = time.ParseDuration(cfg.Mesh.ElectionStepTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing election_step_timeout %q: %w", cfg.Mesh.ElectionStepTimeoutRaw, err)
		}
	}

	cfg.Mesh.StartupGrace = DefaultStartupGrace
	if cfg.Mesh.StartupGraceRaw != "" {
		cfg.Mesh.StartupGrace, err = time.ParseDuration(cfg.Mesh.StartupGraceRaw)
		if err != nil {
			return fmt.Errorf("parsing startup_grace %q: %w", cfg.Mesh.StartupGraceRaw, err)
		}
	}

	return nil
}
