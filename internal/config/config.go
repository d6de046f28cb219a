// Package config holds the CLI configuration: where the shard table lives,
// how JSON input maps to records and the defaults of a scan.
//
// Config is persisted in the home directory as a versioned JSON envelope
// and loaded once per command. Command-line flags override loaded values.
package config

import (
	"errors"
	"fmt"
	"time"

	"shardscan/internal/fieldindex"
	"shardscan/internal/ingest"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid config")

// Store types.
const (
	StoreFile   = "file"
	StoreMemory = "memory"
)

// Config describes one shardscan installation.
type Config struct {
	Store  StoreConfig  `json:"store"`
	Ingest IngestConfig `json:"ingest"`
	Scan   ScanConfig   `json:"scan"`
}

// StoreConfig selects the shard table backend.
type StoreConfig struct {
	// Type is "file" or "memory".
	Type string `json:"type"`
	// Path of the bbolt file. Empty uses shards.db in the home directory.
	Path string `json:"path,omitempty"`
	// Prefetch is the number of entries a file iterator reads per
	// transaction.
	Prefetch int `json:"prefetch,omitempty"`
}

// IngestConfig controls how records are keyed.
type IngestConfig struct {
	Shards    int `json:"shards"`
	BatchSize int `json:"batchSize,omitempty"`
	// Mappings are named JSON mappings; ingest picks one by name.
	Mappings map[string]ingest.Mapping `json:"mappings,omitempty"`
}

// ScanConfig holds the scan defaults.
type ScanConfig struct {
	Parallelism int `json:"parallelism"`
	// ReadAhead is the read-ahead queue size; zero disables read-ahead.
	ReadAhead int `json:"readAhead,omitempty"`
	// ReadAheadTimeout uses Go duration format (e.g. "5s").
	ReadAheadTimeout  string   `json:"readAheadTimeout,omitempty"`
	MaxCachedResults  int      `json:"maxCachedResults,omitempty"`
	RollupNegations   bool     `json:"rollupNegations,omitempty"`
	UnevaluatedFields []string `json:"unevaluatedFields,omitempty"`
}

// DefaultConfig returns the configuration written by config init.
func DefaultConfig() *Config {
	return &Config{
		Store:  StoreConfig{Type: StoreFile},
		Ingest: IngestConfig{Shards: ingest.DefaultShards},
		Scan: ScanConfig{
			Parallelism:      4,
			MaxCachedResults: fieldindex.DefaultMaxCachedResults,
		},
	}
}

// ReadAheadTimeoutDuration parses ReadAheadTimeout. Empty is zero.
func (c ScanConfig) ReadAheadTimeoutDuration() (time.Duration, error) {
	if c.ReadAheadTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.ReadAheadTimeout)
	if err != nil {
		return 0, fmt.Errorf("%w: scan.readAheadTimeout: %w", ErrInvalid, err)
	}
	return d, nil
}

// Validate checks the semantic constraints loading does not.
func (c *Config) Validate() error {
	switch c.Store.Type {
	case StoreFile, StoreMemory:
	default:
		return fmt.Errorf("%w: unknown store type %q", ErrInvalid, c.Store.Type)
	}
	if c.Store.Prefetch < 0 {
		return fmt.Errorf("%w: store.prefetch must not be negative", ErrInvalid)
	}
	if c.Ingest.Shards <= 0 {
		return fmt.Errorf("%w: ingest.shards must be positive", ErrInvalid)
	}
	if c.Ingest.BatchSize < 0 {
		return fmt.Errorf("%w: ingest.batchSize must not be negative", ErrInvalid)
	}
	for name, m := range c.Ingest.Mappings {
		if _, err := ingest.NewJSONDecoder(m); err != nil {
			return fmt.Errorf("%w: mapping %q: %w", ErrInvalid, name, err)
		}
	}
	if c.Scan.Parallelism <= 0 {
		return fmt.Errorf("%w: scan.parallelism must be positive", ErrInvalid)
	}
	if c.Scan.ReadAhead < 0 || c.Scan.MaxCachedResults < 0 {
		return fmt.Errorf("%w: scan.readAhead and scan.maxCachedResults must not be negative", ErrInvalid)
	}
	if _, err := c.Scan.ReadAheadTimeoutDuration(); err != nil {
		return err
	}
	return nil
}
