package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const currentVersion = 1

// envelope is the versioned on-disk format:
//
//	{"version": 1, "config": { ... }}
type envelope struct {
	Version int     `json:"version"`
	Config  *Config `json:"config"`
}

// migration transforms a JSON config from one version to the next.
type migration struct {
	from    int
	to      int
	migrate func(raw json.RawMessage) (json.RawMessage, error)
}

// migrations is the ordered list of JSON config migrations.
var migrations []migration

// Load reads the config at path. It returns nil, nil when the file does
// not exist.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the home directory or a flag
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	switch {
	case env.Version == 0:
		return nil, fmt.Errorf("unversioned config file %s; run config init --force to replace it", path)
	case env.Version > currentVersion:
		return nil, fmt.Errorf("config file version %d is newer than supported version %d", env.Version, currentVersion)
	case env.Version < currentVersion:
		if data, err = migrate(path, data, env.Version); err != nil {
			return nil, fmt.Errorf("migrate config: %w", err)
		}
		env = envelope{}
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("parse migrated config: %w", err)
		}
	}
	return env.Config, nil
}

// Save atomically writes cfg to path with round-trip validation.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(envelope{Version: currentVersion, Config: cfg}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o640); err != nil { //nolint:gosec // G306: config holds no secrets
		return fmt.Errorf("write temp file: %w", err)
	}

	// Round-trip validation: re-read and verify valid JSON.
	check, err := os.ReadFile(tmpPath) //nolint:gosec // G304: derived from path
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("read-back temp file: %w", err)
	}
	var verify envelope
	if err := json.Unmarshal(check, &verify); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("round-trip validation failed: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config file: %w", err)
	}
	return nil
}

// migrate runs the migrations from fromVersion on, backing up the file
// before each step, and returns the migrated document.
func migrate(path string, data []byte, fromVersion int) ([]byte, error) {
	current := fromVersion
	for _, m := range migrations {
		if m.from != current {
			continue
		}
		backupPath := fmt.Sprintf("%s.v%d.bak", path, current)
		if err := os.WriteFile(backupPath, data, 0o640); err != nil { //nolint:gosec // G306: backup of a non-secret file
			return nil, fmt.Errorf("backup before migration v%d→v%d: %w", m.from, m.to, err)
		}
		migrated, err := m.migrate(json.RawMessage(data))
		if err != nil {
			return nil, fmt.Errorf("migration v%d→v%d: %w", m.from, m.to, err)
		}
		if err := writeAtomic(path, migrated); err != nil {
			return nil, err
		}
		data = migrated
		current = m.to
	}
	if current != currentVersion {
		return nil, fmt.Errorf("no migration path from version %d to %d", fromVersion, currentVersion)
	}
	return data, nil
}
