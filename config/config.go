// Package config handles refgc.toml collector configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/chazu/refgc/scanning"
	"github.com/chazu/refgc/weak"
)

// FileName is the name Load and FindAndLoad look for.
const FileName = "refgc.toml"

// Config represents a refgc.toml file.
type Config struct {
	References References `toml:"references"`
	Scanning   Scanning   `toml:"scanning"`
	Weak       Weak       `toml:"weak"`
	Workers    Workers    `toml:"workers"`
	Heap       Heap       `toml:"heap"`
	Stats      Stats      `toml:"stats"`
	Log        Log        `toml:"log"`

	// Dir is the directory containing the refgc.toml file (set at load time).
	Dir string `toml:"-"`
}

// References configures reference object handling.
type References struct {
	// Disabled traces every reference object as a strong object.
	Disabled bool `toml:"disabled"`
	// RetainSoft keeps softly reachable referents alive.
	RetainSoft bool `toml:"retain-soft"`
}

// Scanning configures the object scanner.
type Scanning struct {
	SliceOopMaps bool `toml:"slice-oop-maps"`
}

// Weak configures the weak-processing coordinator.
type Weak struct {
	Parallel bool `toml:"parallel"`
}

// Workers configures the collector worker pool.
type Workers struct {
	// Count is the pool size; zero means one worker per CPU.
	Count int `toml:"count"`
}

// Heap configures the simulated heap.
type Heap struct {
	// Words is the size of each semispace in words.
	Words int `toml:"words"`
}

// Stats configures the cycle history store.
type Stats struct {
	// Database is a sqlite path, relative to Dir. Empty disables history.
	Database string `toml:"database"`
}

// Log configures logging.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Default returns the configuration used when no refgc.toml exists.
func Default() *Config {
	return &Config{
		References: References{RetainSoft: true},
		Heap:       Heap{Words: 1 << 16},
		Log:        Log{Verbosity: 1},
	}
}

// Parse decodes refgc.toml content on top of the defaults. Unknown keys are
// an error.
func Parse(data []byte) (*Config, error) {
	c := Default()
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load parses the refgc.toml file in dir.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a refgc.toml file and loads
// it. It returns nil if none is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, FileName)); err == nil {
			return Load(dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Workers.Count < 0 {
		errs = append(errs, fmt.Errorf("workers.count must not be negative, got %d", c.Workers.Count))
	}
	if c.Heap.Words <= 0 {
		errs = append(errs, fmt.Errorf("heap.words must be positive, got %d", c.Heap.Words))
	}
	if c.Log.Verbosity < -4 || c.Log.Verbosity > 4 {
		errs = append(errs, fmt.Errorf("log.verbosity must be between -4 and 4, got %d", c.Log.Verbosity))
	}
	if c.References.Disabled && c.Weak.Parallel {
		errs = append(errs, errors.New("weak.parallel has no effect with references.disabled"))
	}
	return errors.Join(errs...)
}

// ScannerOptions returns the scanner settings.
func (c *Config) ScannerOptions() scanning.Options {
	return scanning.Options{
		DisableReferences: c.References.Disabled,
		SliceOopMapBlocks: c.Scanning.SliceOopMaps,
	}
}

// CoordinatorOptions returns the coordinator settings.
func (c *Config) CoordinatorOptions() weak.Options {
	return weak.Options{
		ParallelWeak: c.Weak.Parallel,
		ClearSoft:    !c.References.RetainSoft,
	}
}

// StatsPath returns the absolute history database path, or "" when history
// is disabled.
func (c *Config) StatsPath() string {
	if c.Stats.Database == "" {
		return ""
	}
	if filepath.IsAbs(c.Stats.Database) || c.Dir == "" {
		return c.Stats.Database
	}
	return filepath.Join(c.Dir, c.Stats.Database)
}
