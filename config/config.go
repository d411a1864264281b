// Package config holds the process manifest types and the pm3.toml loader.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// ManifestName is the manifest file looked up in the working directory.
const ManifestName = "pm3.toml"

// Duration is a time.Duration that round-trips as a duration string
// ("10s", "1m30s") in both TOML and JSON.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", string(text), err)
	}
	*d = Duration(v)
	return nil
}

// ProcessConfig describes one managed process as declared in the manifest.
// The daemon keeps it verbatim for restarts.
type ProcessConfig struct {
	Command     string            `toml:"command" json:"command"`
	Cwd         string            `toml:"cwd,omitempty" json:"cwd,omitempty"`
	Env         map[string]string `toml:"env,omitempty" json:"env,omitempty"`
	Group       string            `toml:"group,omitempty" json:"group,omitempty"`
	KillTimeout Duration          `toml:"kill_timeout,omitempty" json:"kill_timeout,omitempty"`
}

// Load parses a manifest file into a name → ProcessConfig map.
func Load(path string) (map[string]ProcessConfig, error) {
	configs := make(map[string]ProcessConfig)
	if _, err := toml.DecodeFile(path, &configs); err != nil {
		return nil, fmt.Errorf("loading manifest %s: %w", path, err)
	}
	for name, cfg := range configs {
		if cfg.Command == "" {
			return nil, fmt.Errorf("manifest %s: process %q has no command", path, name)
		}
	}
	return configs, nil
}

// LoadManifest loads the manifest from a directory, usually the
// client's working directory.
func LoadManifest(dir string) (map[string]ProcessConfig, error) {
	path := filepath.Join(dir, ManifestName)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no %s found in %s", ManifestName, dir)
	}
	return Load(path)
}
