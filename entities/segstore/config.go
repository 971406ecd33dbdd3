package segstore

import (
	"time"

	"github.com/pkg/errors"
)

// GCOptions holds the tunables of the generational garbage collector, one
// field per entry in spec.md §6's gcOptions table.
type GCOptions struct {
	Paused bool

	// MemoryThreshold is the percentage of available heap below which
	// compaction will not run.
	MemoryThreshold int

	// GainThreshold is the minimum estimated reclaimable-percentage
	// required for a compaction cycle to proceed past estimation.
	GainThreshold int

	// RetryCount bounds how many times compaction rebases against a
	// concurrently advanced head before giving up.
	RetryCount int

	// ForceAfterFail, when set, makes compaction acquire an exclusive
	// lock and force a compact+setHead after RetryCount is exhausted.
	ForceAfterFail bool

	// LockWaitTime bounds how long ForceAfterFail waits to acquire the
	// exclusive lock.
	LockWaitTime time.Duration

	// RetainedGenerations is the number of GC generations cleanup keeps
	// around; must be >= 2.
	RetainedGenerations int

	// RewriteThreshold is the fraction (0-1) of an archive file that must
	// be reclaimable before cleanup rewrites it instead of leaving it
	// as-is. Exposed as configuration per design note §9(b).
	RewriteThreshold float64
}

// DefaultGCOptions mirrors the defaults of the engine this design is
// based on: gain threshold 10%, memory threshold 5%, 5 retries, no force,
// 60s lock wait, 2 retained generations, 25% rewrite threshold.
func DefaultGCOptions() GCOptions {
	return GCOptions{
		Paused:              false,
		MemoryThreshold:     5,
		GainThreshold:       10,
		RetryCount:          5,
		ForceAfterFail:      false,
		LockWaitTime:        60 * time.Second,
		RetainedGenerations: 2,
		RewriteThreshold:    0.25,
	}
}

// Validate enforces the one hard constraint on GCOptions: retained
// generations must leave room for at least the current and previous
// generation.
func (o GCOptions) Validate() error {
	if o.RetainedGenerations < 2 {
		return errors.Errorf("retained generations must be >= 2, got %d", o.RetainedGenerations)
	}
	return nil
}

// IsDiskSpaceSufficient reports whether the available disk space is
// enough for normal repository operation, carried from the original
// design's disk-space guard: sufficient iff available > 25% of the
// approximate repository size.
func (o GCOptions) IsDiskSpaceSufficient(repositoryDiskSpace, availableDiskSpace int64) bool {
	return float64(availableDiskSpace) > 0.25*float64(repositoryDiskSpace)
}

// StoreConfig holds the options recognized at store-open time, per
// spec.md §6.
type StoreConfig struct {
	MaxFileSize     int64
	CacheSizeBytes  int64 // at least 16 segments are cached; no value turns the cache off
	MemoryMapping   bool
	SegmentVersion  uint8
	GC              GCOptions
}

// DefaultStoreConfig returns the store defaults: 256MB archive files, a
// 256MB segment cache, memory mapping enabled, format version 1.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		MaxFileSize:    MaxFileSizeDefault,
		CacheSizeBytes: 256 * 1024 * 1024,
		MemoryMapping:  true,
		SegmentVersion: 1,
		GC:             DefaultGCOptions(),
	}
}

// Option mutates a StoreConfig at construction time.
type Option func(*StoreConfig) error

func WithMaxFileSize(bytes int64) Option {
	return func(c *StoreConfig) error {
		if bytes <= 0 {
			return errors.New("max file size must be positive")
		}
		c.MaxFileSize = bytes
		return nil
	}
}

func WithCacheSize(bytes int64) Option {
	return func(c *StoreConfig) error {
		if bytes < 0 {
			return errors.New("cache size must not be negative")
		}
		c.CacheSizeBytes = bytes
		return nil
	}
}

func WithMemoryMapping(enabled bool) Option {
	return func(c *StoreConfig) error {
		c.MemoryMapping = enabled
		return nil
	}
}

func WithSegmentVersion(version uint8) Option {
	return func(c *StoreConfig) error {
		if version == 0 || version > 0xf {
			return errors.Errorf("segment version %d out of range", version)
		}
		c.SegmentVersion = version
		return nil
	}
}

func WithGCOptions(gc GCOptions) Option {
	return func(c *StoreConfig) error {
		if err := gc.Validate(); err != nil {
			return err
		}
		c.GC = gc
		return nil
	}
}

// NewStoreConfig builds a StoreConfig from DefaultStoreConfig plus opts,
// applied in order.
func NewStoreConfig(opts ...Option) (StoreConfig, error) {
	cfg := DefaultStoreConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return StoreConfig{}, err
		}
	}
	if err := cfg.GC.Validate(); err != nil {
		return StoreConfig{}, err
	}
	return cfg, nil
}
