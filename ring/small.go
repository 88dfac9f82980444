package ring

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/gogpu/deferred/gpucore"
)

// ErrInvalidLevel is returned for a level outside [0, Levels).
var ErrInvalidLevel = errors.New("ring: invalid small pool level")

// Small pool defaults.
const (
	DefaultSmallLevels      = 4
	DefaultSmallBuckets     = 64
	DefaultSmallGranularity = 16
	DefaultSmallFallback    = 64 << 10
)

// SmallConfig configures a SmallPool.
type SmallConfig struct {
	// Label prefixes the bucket buffer labels.
	Label string

	// Levels is the number of independent bucket sets, typically one per
	// binding slot that is updated many times per frame.
	Levels int

	// Buckets is the number of buckets per level, at most 64. Bucket i holds
	// i*Granularity bytes; bucket 0 is never used.
	Buckets int

	// Granularity is the size step between buckets.
	Granularity uint64

	// FallbackSize is the size of the buffer that fallback blocks are carved
	// from when no bucket fits. It is consumed once per frame.
	FallbackSize uint64
}

func (c SmallConfig) withDefaults() SmallConfig {
	if c.Label == "" {
		c.Label = "small-constants"
	}
	if c.Levels <= 0 {
		c.Levels = DefaultSmallLevels
	}
	if c.Buckets <= 0 || c.Buckets > 64 {
		c.Buckets = DefaultSmallBuckets
	}
	if c.Granularity == 0 {
		c.Granularity = DefaultSmallGranularity
	}
	if c.FallbackSize == 0 {
		c.FallbackSize = DefaultSmallFallback
	}
	return c
}

// SmallBlock is a small constant buffer claimed from a SmallPool.
type SmallBlock struct {
	// Buffer is the GPU buffer to bind. It holds at least Size bytes.
	Buffer gpucore.Buffer

	// Level and Bucket locate the block; Bucket is -1 for the fallback.
	Level  int
	Bucket int

	// Offset is the byte offset of the block in Buffer. It is 0 for bucket
	// blocks and a multiple of ConstantAlignment for fallback blocks.
	Offset uint64

	// Size is the requested size.
	Size uint64

	// Data is the CPU-writable view uploaded by Unmap.
	Data []byte
}

// Fallback reports whether the block was carved from the fallback buffer.
func (b SmallBlock) Fallback() bool { return b.Bucket < 0 }

type smallBuffer struct {
	buf     gpucore.Buffer
	staging []byte
}

// SmallStats counts small pool traffic.
type SmallStats struct {
	Hits      uint64
	Fallbacks uint64
	Resets    uint64
}

// SmallPool hands out whole small constant buffers instead of ring ranges.
// Each level has a table of buffers indexed by bucket and a bitmask of the
// buckets claimed since the last Reset.
//
// Map and Unmap are safe for concurrent use.
type SmallPool struct {
	cfg   SmallConfig
	queue gpucore.Queue

	// table[level][bucket] is the buffer of that size class.
	table [][]smallBuffer
	masks []atomic.Uint64

	// fbMu guards fbCursor, the next free offset in the fallback buffer.
	fbMu     sync.Mutex
	fallback smallBuffer
	fbCursor uint64

	hits      atomic.Uint64
	fallbacks atomic.Uint64
	resets    atomic.Uint64
}

// NewSmallPool creates every bucket buffer and the fallback buffer.
func NewSmallPool(dev gpucore.Device, cfg SmallConfig) (*SmallPool, error) {
	cfg = cfg.withDefaults()
	p := &SmallPool{
		cfg:   cfg,
		queue: dev.PrimaryQueue(),
		table: make([][]smallBuffer, cfg.Levels),
		masks: make([]atomic.Uint64, cfg.Levels),
	}

	usage := gpucore.BufferUsageUniform | gpucore.BufferUsageCopyDst
	for level := range p.table {
		p.table[level] = make([]smallBuffer, cfg.Buckets)
		for bucket := 1; bucket < cfg.Buckets; bucket++ {
			size := uint64(bucket) * cfg.Granularity
			buf, err := dev.CreateBuffer(gpucore.BufferDescriptor{
				Label: fmt.Sprintf("%s/L%d/%d", cfg.Label, level, size),
				Size:  size,
				Usage: usage,
			})
			if err != nil {
				p.Destroy()
				return nil, fmt.Errorf("ring: create small buffer: %w", err)
			}
			p.table[level][bucket] = smallBuffer{buf: buf, staging: make([]byte, size)}
		}
	}

	buf, err := dev.CreateBuffer(gpucore.BufferDescriptor{
		Label: cfg.Label + "/fallback",
		Size:  cfg.FallbackSize,
		Usage: usage,
	})
	if err != nil {
		p.Destroy()
		return nil, fmt.Errorf("ring: create small fallback: %w", err)
	}
	p.fallback = smallBuffer{buf: buf, staging: make([]byte, cfg.FallbackSize)}
	return p, nil
}

// Levels returns the number of levels.
func (p *SmallPool) Levels() int { return p.cfg.Levels }

// MaxBucketSize returns the largest size served from a bucket.
func (p *SmallPool) MaxBucketSize() uint64 {
	return uint64(p.cfg.Buckets-1) * p.cfg.Granularity
}

// Map claims the smallest free bucket of level that holds size bytes. When
// every suitable bucket is taken, or size exceeds MaxBucketSize, a fresh
// ConstantAlignment-aligned range of the fallback buffer is returned
// instead. The fallback buffer is rewound by Reset; Map fails with
// ErrExhausted when a frame uses all of it.
func (p *SmallPool) Map(size uint64, level int) (SmallBlock, error) {
	if size == 0 {
		return SmallBlock{}, ErrInvalidSize
	}
	if level < 0 || level >= p.cfg.Levels {
		return SmallBlock{}, fmt.Errorf("%w: %d", ErrInvalidLevel, level)
	}
	if size > p.cfg.FallbackSize {
		return SmallBlock{}, fmt.Errorf("%w: %d bytes in small pool (max %d)", ErrTooLarge, size, p.cfg.FallbackSize)
	}

	first := int(alignUp(size, p.cfg.Granularity) / p.cfg.Granularity)
	if first < p.cfg.Buckets {
		if bucket, ok := p.claim(level, first); ok {
			p.hits.Add(1)
			sb := p.table[level][bucket]
			return SmallBlock{
				Buffer: sb.buf,
				Level:  level,
				Bucket: bucket,
				Size:   size,
				Data:   sb.staging[:size:size],
			}, nil
		}
	}

	return p.mapFallback(size, level)
}

func (p *SmallPool) mapFallback(size uint64, level int) (SmallBlock, error) {
	rounded := alignUp(size, ConstantAlignment)

	p.fbMu.Lock()
	offset := p.fbCursor
	if offset+rounded > p.cfg.FallbackSize {
		p.fbMu.Unlock()
		return SmallBlock{}, fmt.Errorf("%w: small fallback needs %d bytes, %d free",
			ErrExhausted, rounded, p.cfg.FallbackSize-offset)
	}
	p.fbCursor = offset + rounded
	p.fbMu.Unlock()

	p.fallbacks.Add(1)
	end := offset + size
	return SmallBlock{
		Buffer: p.fallback.buf,
		Level:  level,
		Bucket: -1,
		Offset: offset,
		Size:   size,
		Data:   p.fallback.staging[offset:end:end],
	}, nil
}

// claim sets the lowest clear bit at or above first in the level mask.
func (p *SmallPool) claim(level, first int) (int, bool) {
	valid := ^uint64(0)
	if p.cfg.Buckets < 64 {
		valid = uint64(1)<<p.cfg.Buckets - 1
	}
	want := valid &^ (uint64(1)<<first - 1)

	mask := &p.masks[level]
	for {
		m := mask.Load()
		free := want &^ m
		if free == 0 {
			return 0, false
		}
		bucket := bits.TrailingZeros64(free)
		if mask.CompareAndSwap(m, m|uint64(1)<<bucket) {
			return bucket, true
		}
	}
}

// Unmap uploads the block's data to its buffer.
func (p *SmallPool) Unmap(b SmallBlock) error {
	if err := p.queue.WriteBuffer(b.Buffer, b.Offset, b.Data); err != nil {
		return fmt.Errorf("ring: upload small block L%d/%d: %w", b.Level, b.Bucket, err)
	}
	return nil
}

// Claimed returns the bucket mask of level.
func (p *SmallPool) Claimed(level int) uint64 {
	return p.masks[level].Load()
}

// Reset releases every bucket and rewinds the fallback buffer. It is
// called at frame start.
func (p *SmallPool) Reset() {
	for i := range p.masks {
		p.masks[i].Store(0)
	}
	p.fbMu.Lock()
	p.fbCursor = 0
	p.fbMu.Unlock()
	p.resets.Add(1)
}

// Stats returns the traffic counters.
func (p *SmallPool) Stats() SmallStats {
	return SmallStats{
		Hits:      p.hits.Load(),
		Fallbacks: p.fallbacks.Load(),
		Resets:    p.resets.Load(),
	}
}

// Destroy releases every buffer.
func (p *SmallPool) Destroy() {
	for _, level := range p.table {
		for _, sb := range level {
			if sb.buf != nil {
				sb.buf.Destroy()
			}
		}
	}
	if p.fallback.buf != nil {
		p.fallback.buf.Destroy()
	}
	p.table = nil
}
