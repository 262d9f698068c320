package alloc

import (
	"math"
	"sort"

	"github.com/joshuapare/gcheap/internal/align"
)

// SizeClassConfig defines the allocation size class strategy.
// Different configurations trade lookup speed against internal
// fragmentation.
type SizeClassConfig struct {
	// Name for this configuration (for stats and benchmarking)
	Name string

	// Small allocation settings (linear increments)
	SmallMin       int // Minimum chunk size (typically 16)
	SmallMax       int // Max for linear increments (typically 256-512)
	SmallIncrement int // Increment for small classes (16 or 32)

	// Medium allocation settings (geometric growth)
	LargeThreshold int     // Sizes above this get dedicated block runs
	GrowthFactor   float64 // Geometric growth factor (1.25, 1.5, 2.0)
}

// Predefined configurations.
var (
	// ConfigFineGrained: many small classes, low fragmentation.
	ConfigFineGrained = SizeClassConfig{
		Name:           "FineGrained",
		SmallMin:       16,
		SmallMax:       256,
		SmallIncrement: 16,
		LargeThreshold: 4096,
		GrowthFactor:   1.25,
	}

	// ConfigBalanced: a reasonable middle ground.
	ConfigBalanced = SizeClassConfig{
		Name:           "Balanced",
		SmallMin:       16,
		SmallMax:       256,
		SmallIncrement: 16,
		LargeThreshold: 4096,
		GrowthFactor:   1.5,
	}

	// ConfigCoarse: fewer classes, faster refills, more slack per object.
	ConfigCoarse = SizeClassConfig{
		Name:           "Coarse",
		SmallMin:       16,
		SmallMax:       512,
		SmallIncrement: 32,
		LargeThreshold: 4096,
		GrowthFactor:   2.0,
	}

	// DefaultConfig is used when none is specified.
	DefaultConfig = ConfigBalanced
)

// SizeTable holds the computed chunk size for every class.
type SizeTable struct {
	config     SizeClassConfig
	chunkSizes []int // chunk size per class, strictly increasing
	numClasses int
}

// NewSizeTable computes chunk sizes from config. Every chunk size is
// word-aligned; the final class equals LargeThreshold so ClassFor covers
// the whole small/medium range.
func NewSizeTable(config SizeClassConfig) *SizeTable {
	t := &SizeTable{
		config:     config,
		chunkSizes: make([]int, 0, 48),
	}

	// Phase 1: small classes, linear increments.
	for size := config.SmallMin; size <= config.SmallMax; size += config.SmallIncrement {
		t.chunkSizes = append(t.chunkSizes, align.Word8(size))
	}

	// Phase 2: medium classes, geometric growth.
	size := config.SmallMax
	for size < config.LargeThreshold {
		next := align.Word8(int(math.Ceil(float64(size) * config.GrowthFactor)))
		if next <= size {
			next = size + align.Word
		}
		if next > config.LargeThreshold {
			next = config.LargeThreshold
		}
		t.chunkSizes = append(t.chunkSizes, next)
		size = next
	}

	t.numClasses = len(t.chunkSizes)
	return t
}

// ClassFor returns the smallest class whose chunk holds size bytes, or
// ClassNone for sizes above the large threshold.
func (t *SizeTable) ClassFor(size int) int {
	if size > t.config.LargeThreshold {
		return ClassNone
	}
	i := sort.SearchInts(t.chunkSizes, size)
	if i >= t.numClasses {
		return ClassNone
	}
	return i
}

// ChunkSize returns the chunk size of the given class.
func (t *SizeTable) ChunkSize(class int) int {
	return t.chunkSizes[class]
}

// NumClasses returns the number of size classes (excluding large runs).
func (t *SizeTable) NumClasses() int {
	return t.numClasses
}

// LargeThreshold returns the boundary above which allocations get
// dedicated block runs.
func (t *SizeTable) LargeThreshold() int {
	return t.config.LargeThreshold
}

// String returns the configuration name.
func (t *SizeTable) String() string {
	return t.config.Name
}

// ClassNone is returned by ClassFor for sizes above the large threshold.
const ClassNone = -1
