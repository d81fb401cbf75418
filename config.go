package objstore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the tunables of a Storage. The zero value is not usable; start
// from DefaultConfig or LoadConfig.
type Config struct {
	// PinLimit bounds the pin list of the object cache. 0 disables pinning, in
	// which case clean objects are only held weakly.
	PinLimit int `yaml:"pin_limit"`

	// CacheCapacity is the initial number of hash buckets in the object cache.
	// It is rounded up to a power of two.
	CacheCapacity int `yaml:"cache_capacity"`

	// ImageCacheSize is the number of record images the file backend keeps in
	// its ARC read cache.
	ImageCacheSize int `yaml:"image_cache_size"`

	// RTreeFanout is the maximum number of entries per R-tree page for trees
	// created by NewRTree. Pages other than the root hold at least half as many.
	RTreeFanout int `yaml:"rtree_fanout"`

	// VerifyCRC makes the file backend check the CRC-32 of every record it
	// reads from the snapshot file.
	VerifyCRC bool `yaml:"verify_crc"`
}

const minRTreeFanout = 4

// DefaultConfig returns the configuration used when no option overrides it.
func DefaultConfig() Config {
	return Config{
		PinLimit:       64,
		CacheCapacity:  1024,
		ImageCacheSize: 4096,
		RTreeFanout:    64,
	}
}

// ParseConfig decodes YAML on top of DefaultConfig, so omitted keys keep their
// defaults, and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // User-specified config path
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(data)
}

// Validate checks that every field is within range.
func (c Config) Validate() error {
	var errs []error
	if c.PinLimit < 0 {
		errs = append(errs, fmt.Errorf("pin_limit must not be negative, got %d", c.PinLimit))
	}
	if c.CacheCapacity <= 0 {
		errs = append(errs, fmt.Errorf("cache_capacity must be positive, got %d", c.CacheCapacity))
	}
	if c.ImageCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("image_cache_size must be positive, got %d", c.ImageCacheSize))
	}
	if c.RTreeFanout < minRTreeFanout {
		errs = append(errs, fmt.Errorf("rtree_fanout must be at least %d, got %d", minRTreeFanout, c.RTreeFanout))
	}
	return errors.Join(errs...)
}

// Option configures a Storage during Open.
type Option func(*Storage)

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(s *Storage) { s.cfg = cfg }
}

// WithPinLimit overrides Config.PinLimit.
func WithPinLimit(n int) Option {
	return func(s *Storage) { s.cfg.PinLimit = n }
}

// WithRTreeFanout overrides Config.RTreeFanout.
func WithRTreeFanout(n int) Option {
	return func(s *Storage) { s.cfg.RTreeFanout = n }
}

// WithLogger sets the logger used for debug diagnostics. Storage logs nothing
// unless a logger is provided.
func WithLogger(l *slog.Logger) Option {
	return func(s *Storage) {
		if l != nil {
			s.log = l
		}
	}
}
