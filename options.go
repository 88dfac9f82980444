package deferred

import (
	"errors"
	"fmt"

	"github.com/gogpu/deferred/frame"
	"github.com/gogpu/deferred/jobs"
	"github.com/gogpu/deferred/ring"
)

// ErrInvalidConfig is returned by New and Config.Validate.
var ErrInvalidConfig = errors.New("deferred: invalid configuration")

// Defaults.
const (
	DefaultWorkers          = jobs.DefaultWorkers
	DefaultJobSlots         = jobs.DefaultSlots
	DefaultVertexRingSize   = ring.DefaultVertexCapacity
	DefaultConstantRingSize = ring.DefaultConstantCapacity
	DefaultFramesInFlight   = frame.DefaultFramesInFlight
	DefaultReclaimLag       = frame.DefaultReclaimLag

	// DefaultSmallThreshold is the largest constant block served by the
	// small pool instead of the constant ring.
	DefaultSmallThreshold = 32
)

// Config holds the construction-time constants of a Renderer.
type Config struct {
	Workers  int
	JobSlots int

	VertexRingSize   uint64
	ConstantRingSize uint64

	FramesInFlight int
	ReclaimLag     int

	SmallThreshold uint64
	SmallLevels    int
	SmallBuckets   int

	// CopyBindings copies the primary queue's bindings into every
	// recording job at submit time.
	CopyBindings bool

	// StrictReclaim makes a frame boundary fail with ErrReclaimStalled
	// instead of blocking when the GPU is behind the reclaim lag.
	StrictReclaim bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Workers:          DefaultWorkers,
		JobSlots:         DefaultJobSlots,
		VertexRingSize:   DefaultVertexRingSize,
		ConstantRingSize: DefaultConstantRingSize,
		FramesInFlight:   DefaultFramesInFlight,
		ReclaimLag:       DefaultReclaimLag,
		SmallThreshold:   DefaultSmallThreshold,
		SmallLevels:      ring.DefaultSmallLevels,
		SmallBuckets:     ring.DefaultSmallBuckets,
		CopyBindings:     true,
	}
}

// Validate reports the first inconsistent value.
func (c Config) Validate() error {
	switch {
	case c.Workers < 1:
		return fmt.Errorf("%w: %d workers", ErrInvalidConfig, c.Workers)
	case c.JobSlots < c.Workers:
		return fmt.Errorf("%w: %d job slots for %d workers", ErrInvalidConfig, c.JobSlots, c.Workers)
	case c.VertexRingSize == 0:
		return fmt.Errorf("%w: empty vertex ring", ErrInvalidConfig)
	case c.ConstantRingSize == 0 || c.ConstantRingSize%ring.ConstantAlignment != 0:
		return fmt.Errorf("%w: constant ring size %d is not a positive multiple of %d",
			ErrInvalidConfig, c.ConstantRingSize, ring.ConstantAlignment)
	case c.FramesInFlight < 1:
		return fmt.Errorf("%w: %d frames in flight", ErrInvalidConfig, c.FramesInFlight)
	case c.ReclaimLag < 0 || c.ReclaimLag >= c.FramesInFlight:
		return fmt.Errorf("%w: reclaim lag %d with %d frames in flight", ErrInvalidConfig, c.ReclaimLag, c.FramesInFlight)
	case c.SmallLevels < 1:
		return fmt.Errorf("%w: %d small pool levels", ErrInvalidConfig, c.SmallLevels)
	case c.SmallBuckets < 2 || c.SmallBuckets > 64:
		return fmt.Errorf("%w: %d small pool buckets", ErrInvalidConfig, c.SmallBuckets)
	}
	return nil
}

// Option configures a Renderer during creation.
//
// Example:
//
//	r, err := deferred.New(dev,
//	    deferred.WithWorkers(8),
//	    deferred.WithFramePacing(3, 2),
//	)
type Option func(*Config)

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(c *Config) { *c = cfg }
}

// WithWorkers sets the number of recording workers.
func WithWorkers(n int) Option {
	return func(c *Config) { c.Workers = n }
}

// WithJobSlots sets the number of job slots.
func WithJobSlots(n int) Option {
	return func(c *Config) { c.JobSlots = n }
}

// WithRingSizes sets the vertex and constant ring capacities in bytes.
func WithRingSizes(vertex, constant uint64) Option {
	return func(c *Config) {
		c.VertexRingSize = vertex
		c.ConstantRingSize = constant
	}
}

// WithFramePacing sets frames in flight and the reclaim lag.
func WithFramePacing(framesInFlight, reclaimLag int) Option {
	return func(c *Config) {
		c.FramesInFlight = framesInFlight
		c.ReclaimLag = reclaimLag
	}
}

// WithSmallConstants configures the small constant pool.
func WithSmallConstants(threshold uint64, levels, buckets int) Option {
	return func(c *Config) {
		c.SmallThreshold = threshold
		c.SmallLevels = levels
		c.SmallBuckets = buckets
	}
}

// WithoutBindingCopy disables copying queue bindings into jobs.
func WithoutBindingCopy() Option {
	return func(c *Config) { c.CopyBindings = false }
}

// WithStrictReclaim makes frame boundaries fail instead of blocking when
// reclamation would have to wait for the GPU.
func WithStrictReclaim() Option {
	return func(c *Config) { c.StrictReclaim = true }
}
