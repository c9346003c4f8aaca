package cli

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig is the optional YAML configuration file. Flags override any
// value set here.
type FileConfig struct {
	// Store is the store location: "mem", a path ending in .db (SQLite),
	// or a directory path.
	Store string `yaml:"store"`
	// Key is the primary store key the snapshot lives under.
	Key string `yaml:"key"`
	// BackupLimit caps how many timestamped backups are retained.
	BackupLimit int `yaml:"backupLimit"`
}

// LoadFileConfig reads and strictly decodes a YAML config file. Unknown
// fields are an error so typos do not silently configure nothing.
func LoadFileConfig(path string) (FileConfig, error) {
	var cfg FileConfig
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
