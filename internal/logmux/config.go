// ABOUTME: CLI argument and TOML config parsing for the log multiplexer.
// ABOUTME: Sources come from positional agent=path args or a config file.

package logmux

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ParseSourceArg parses a positional CLI argument of the form
// "agent_id=source_path" (or "agent_id:source_path").
func ParseSourceArg(arg string) (Source, error) {
	for _, sep := range []string{"=", ":"} {
		if left, right, ok := strings.Cut(arg, sep); ok {
			if left == "" || right == "" {
				return Source{}, fmt.Errorf("source %q: empty agent id or path", arg)
			}
			return Source{AgentID: left, Path: right}, nil
		}
	}
	return Source{}, fmt.Errorf("source %q: expected agent_id=source_path", arg)
}

// ParseSourceArgs parses all positional arguments, failing on the first bad
// one so a typo is reported before any source is opened.
func ParseSourceArgs(args []string) ([]Source, error) {
	sources := make([]Source, 0, len(args))
	for _, arg := range args {
		src, err := ParseSourceArg(arg)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}

// FileConfig is the TOML shape accepted by --config, an alternative to
// positional arguments for long-lived setups.
//
//	burst_window = "200ms"
//	max_hold = "1s"
//	suppress_duplicates = true
//
//	[[source]]
//	agent_id = "agent-1"
//	path = "/run/agents/agent-1.out"
type FileConfig struct {
	BurstWindow        duration       `toml:"burst_window"`
	MaxHold            duration       `toml:"max_hold"`
	SuppressDuplicates bool           `toml:"suppress_duplicates"`
	HideAgentIDs       bool           `toml:"hide_agent_ids"`
	Sources            []SourceConfig `toml:"source"`
}

// SourceConfig is one [[source]] block.
type SourceConfig struct {
	AgentID string `toml:"agent_id"`
	Path    string `toml:"path"`
}

// duration lets TOML carry Go duration strings.
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

// LoadFileConfig reads and validates a TOML config file.
func LoadFileConfig(path string) (Options, []Source, error) {
	var fc FileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return Options{}, nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if len(fc.Sources) == 0 {
		return Options{}, nil, fmt.Errorf("config %s: no sources defined", path)
	}

	sources := make([]Source, 0, len(fc.Sources))
	for i, sc := range fc.Sources {
		if sc.AgentID == "" || sc.Path == "" {
			return Options{}, nil, fmt.Errorf("config %s: source %d missing agent_id or path", path, i)
		}
		sources = append(sources, Source{AgentID: sc.AgentID, Path: sc.Path})
	}

	opts := Options{
		BurstWindow:        time.Duration(fc.BurstWindow),
		MaxHold:            time.Duration(fc.MaxHold),
		SuppressDuplicates: fc.SuppressDuplicates,
		HideAgentIDs:       fc.HideAgentIDs,
	}
	return opts, sources, nil
}
