// Package home manages the shardscan home directory layout.
//
// The home directory owns all persistent state.
//
// Layout:
//
//	<root>/
//	  config.json     (versioned JSON config)
//	  shards.db       (bbolt shard table)
//	  instance_id     (stable id naming this home's cache directory)
//	  cache/
//	    <instance>/   (spill files of range and regex leaves)
package home

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Dir represents a shardscan home directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location:
//   - Linux:   ~/.config/shardscan
//   - macOS:   ~/Library/Application Support/shardscan
//   - Windows: %APPDATA%/shardscan
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "shardscan")}, nil
}

// Root returns the home directory path.
func (d Dir) Root() string {
	return d.root
}

// ConfigPath returns the path to the config JSON file.
func (d Dir) ConfigPath() string {
	return filepath.Join(d.root, "config.json")
}

// StorePath returns the default path of the shard table.
func (d Dir) StorePath() string {
	return filepath.Join(d.root, "shards.db")
}

// CacheDir returns the spill directory root.
func (d Dir) CacheDir() string {
	return filepath.Join(d.root, "cache")
}

// EnsureExists creates the home directory (and parents) if it doesn't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create home directory %s: %w", d.root, err)
	}
	return nil
}

// InstanceID reads the persistent instance identity from <root>/instance_id.
// If the file doesn't exist, a new UUIDv7 is generated and written.
func (d Dir) InstanceID() (string, error) {
	return d.readOrCreate("instance_id", func() string {
		return uuid.Must(uuid.NewV7()).String()
	})
}

// InstanceCacheDir returns cache/<instance id>, creating it.
func (d Dir) InstanceCacheDir() (string, error) {
	id, err := d.InstanceID()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(d.CacheDir(), id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create cache directory %s: %w", dir, err)
	}
	return dir, nil
}

// readOrCreate reads a single-line value from <root>/<filename>.
// If the file doesn't exist, generate() provides the default which is persisted.
func (d Dir) readOrCreate(filename string, generate func() string) (string, error) {
	p := filepath.Join(d.root, filename)
	data, err := os.ReadFile(p) //nolint:gosec // G304: path is constructed from trusted home dir + constant filename
	if err == nil {
		if v := strings.TrimSpace(string(data)); v != "" {
			return v, nil
		}
	}
	if err := d.EnsureExists(); err != nil {
		return "", err
	}
	v := generate()
	if err := os.WriteFile(p, []byte(v+"\n"), 0o640); err != nil { //nolint:gosec // G306: the id is not secret
		return "", fmt.Errorf("write %s: %w", filename, err)
	}
	return v, nil
}
