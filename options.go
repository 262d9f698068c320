package gcheap

import (
	"time"

	"github.com/joshuapare/gcheap/gc/alloc"
)

// Config controls heap construction. The zero value of any field selects
// the corresponding ConfigDefault value, so callers only set what they
// care about.
type Config struct {
	// SizeClasses shapes the small-object size class table.
	SizeClasses alloc.SizeClassConfig

	// BlockSize is the allocation granularity of the arena in bytes. Must
	// be a multiple of the OS page size.
	BlockSize int

	// SegmentSize is the mapping granularity in bytes. Must be a multiple
	// of BlockSize.
	SegmentSize int

	// SegmentCache is the number of fully free segments kept mapped
	// before memory is returned to the OS.
	SegmentCache int

	// CacheFill is the refill batch size of per-mutator caches.
	CacheFill int

	// TriggerRatio schedules a collection once bytes allocated since the
	// last cycle exceed TriggerRatio times the live set.
	TriggerRatio float64

	// MinTriggerBytes is the floor of the collection trigger, so small
	// heaps are not collected constantly.
	MinTriggerBytes int

	// BlacklistSlots sizes the false-pointer page table.
	BlacklistSlots int

	// BlacklistDecay is the fraction of blacklist entries dropped per
	// collection, letting stale false-pointer pages age out.
	BlacklistDecay float64

	// StopWait and StopRetries bound the wait for mutators to reach a
	// safepoint before a stop proceeds without them.
	StopWait    time.Duration
	StopRetries int

	// IncrementalSweep defers block sweeping to allocation time instead
	// of finishing it inside the pause.
	IncrementalSweep bool

	// ClearReclaimed zeroes reclaimed chunks eagerly rather than at the
	// next hand-out.
	ClearReclaimed bool

	// ManualFinalization suppresses the automatic post-collection
	// finalizer goroutine; the caller drains with RunFinalizers.
	ManualFinalization bool
}

// Tuned configurations. ConfigDefault balances pause time and footprint;
// ConfigCompact favors minimal memory, ConfigThroughput favors
// allocation rate on large heaps.
var (
	ConfigDefault = Config{
		SizeClasses:     alloc.ConfigBalanced,
		BlockSize:       16 << 10,
		SegmentSize:     1 << 20,
		SegmentCache:    2,
		CacheFill:       32,
		TriggerRatio:    1.0,
		MinTriggerBytes: 1 << 20,
		BlacklistSlots:  4096,
		BlacklistDecay:  0.5,
	}

	ConfigCompact = Config{
		SizeClasses:     alloc.ConfigFineGrained,
		BlockSize:       4 << 10,
		SegmentSize:     256 << 10,
		SegmentCache:    1,
		CacheFill:       8,
		TriggerRatio:    0.5,
		MinTriggerBytes: 256 << 10,
		BlacklistSlots:  1024,
		BlacklistDecay:  0.5,
		ClearReclaimed:  true,
	}

	ConfigThroughput = Config{
		SizeClasses:      alloc.ConfigCoarse,
		BlockSize:        64 << 10,
		SegmentSize:      4 << 20,
		SegmentCache:     4,
		CacheFill:        128,
		TriggerRatio:     2.0,
		MinTriggerBytes:  4 << 20,
		BlacklistSlots:   16384,
		BlacklistDecay:   0.25,
		IncrementalSweep: true,
	}
)

// normalize fills zero fields from ConfigDefault.
func (c *Config) normalize() {
	if c.SizeClasses.SmallMin == 0 {
		c.SizeClasses = ConfigDefault.SizeClasses
	}
	if c.BlockSize <= 0 {
		c.BlockSize = ConfigDefault.BlockSize
	}
	if c.SegmentSize <= 0 {
		c.SegmentSize = ConfigDefault.SegmentSize
	}
	if c.SegmentCache < 0 {
		c.SegmentCache = ConfigDefault.SegmentCache
	}
	if c.CacheFill <= 0 {
		c.CacheFill = ConfigDefault.CacheFill
	}
	if c.TriggerRatio <= 0 {
		c.TriggerRatio = ConfigDefault.TriggerRatio
	}
	if c.MinTriggerBytes <= 0 {
		c.MinTriggerBytes = ConfigDefault.MinTriggerBytes
	}
	if c.BlacklistSlots <= 0 {
		c.BlacklistSlots = ConfigDefault.BlacklistSlots
	}
	if c.BlacklistDecay <= 0 {
		c.BlacklistDecay = ConfigDefault.BlacklistDecay
	}
}
