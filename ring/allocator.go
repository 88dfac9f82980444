// Package ring implements frame-lagged allocators for GPU-visible memory.
//
// An Allocator is a fixed-capacity circular arena. Every frame consumes a
// contiguous span of it; at the frame boundary the span is sealed into a
// frame slot and a completion fence is signalled on the primary queue. The
// span becomes reusable only after that fence reports done, which the
// frame.Pacer checks a fixed number of frames later.
//
// SmallPool complements the rings for tiny constant blocks that are rebound
// many times per frame.
package ring

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/deferred/frame"
	"github.com/gogpu/deferred/gpucore"
)

// Allocator errors.
var (
	// ErrTooLarge is returned when a request exceeds the arena capacity.
	ErrTooLarge = errors.New("ring: allocation larger than capacity")

	// ErrInvalidSize is returned for zero-sized requests.
	ErrInvalidSize = errors.New("ring: invalid allocation size")

	// ErrExhausted is returned when an allocation would overwrite a span the
	// GPU may still be reading.
	ErrExhausted = errors.New("ring: arena exhausted by unreclaimed frames")

	// ErrSlotBusy is returned when sealing into a slot that was not reclaimed.
	ErrSlotBusy = errors.New("ring: frame slot not reclaimed")

	// ErrInvalidSlot is returned for a slot outside [0, FramesInFlight).
	ErrInvalidSlot = errors.New("ring: invalid frame slot")

	// ErrInvalidConfig is returned by New for an unusable configuration.
	ErrInvalidConfig = errors.New("ring: invalid configuration")
)

// ErrReclaimStalled is returned by FreeOldFrame in strict mode when the
// fenced work is not complete yet.
var ErrReclaimStalled = frame.ErrReclaimStalled

// Kind selects the alignment and buffer usage of an arena.
type Kind int

const (
	// KindVertex is an unaligned arena for vertex and index data.
	KindVertex Kind = iota

	// KindConstant is an arena for constant buffers. Offsets and sizes are
	// multiples of ConstantAlignment.
	KindConstant
)

// ConstantAlignment is the offset and size granularity of constant arenas.
const ConstantAlignment = 256

// Default arena sizes.
const (
	DefaultVertexCapacity   = 128 << 20
	DefaultConstantCapacity = 32 << 20
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindVertex:
		return "vertex"
	case KindConstant:
		return "constant"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Alignment returns the allocation granularity of the kind.
func (k Kind) Alignment() uint64 {
	if k == KindConstant {
		return ConstantAlignment
	}
	return 1
}

func (k Kind) usage() gpucore.BufferUsage {
	if k == KindConstant {
		return gpucore.BufferUsageUniform | gpucore.BufferUsageCopyDst | gpucore.BufferUsageCopySrc
	}
	return gpucore.BufferUsageVertex | gpucore.BufferUsageIndex | gpucore.BufferUsageCopyDst | gpucore.BufferUsageCopySrc
}

// Config configures an Allocator.
type Config struct {
	// Label names the GPU buffer and the fences.
	Label string

	// Kind selects alignment and buffer usage.
	Kind Kind

	// Capacity is the arena size in bytes. Defaults by kind if zero.
	Capacity uint64

	// FramesInFlight is the number of frame slots.
	// Defaults to frame.DefaultFramesInFlight if <= 0.
	FramesInFlight int

	// Strict makes FreeOldFrame fail with ErrReclaimStalled instead of
	// blocking on an incomplete fence.
	Strict bool
}

func (c Config) withDefaults() Config {
	if c.Label == "" {
		c.Label = c.Kind.String() + "-ring"
	}
	if c.Capacity == 0 {
		c.Capacity = DefaultVertexCapacity
		if c.Kind == KindConstant {
			c.Capacity = DefaultConstantCapacity
		}
	}
	if c.FramesInFlight <= 0 {
		c.FramesInFlight = frame.DefaultFramesInFlight
	}
	return c
}

// Allocation is a mapped range of the arena.
type Allocation struct {
	// Buffer is the GPU buffer backing the arena.
	Buffer gpucore.Buffer

	// Offset is the byte offset of the range in Buffer.
	Offset uint64

	// Size is the reserved size, rounded to the arena alignment.
	Size uint64

	// Data is the CPU-writable view of the requested bytes. It stays valid
	// until the frame that mapped it is reclaimed.
	Data []byte
}

// Stats is a snapshot of allocator usage.
type Stats struct {
	Label           string
	Capacity        uint64
	Used            uint64
	FrameBytes      uint64
	Allocations     uint64
	Exhausted       uint64
	FramesSealed    uint64
	FramesReclaimed uint64
	Stalls          uint64
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("Ring[%s %.1f%% used, %d/%d bytes, %d allocs, %d exhausted, %d stalls]",
		s.Label,
		100*float64(s.Used)/float64(max(s.Capacity, 1)),
		s.Used, s.Capacity,
		s.Allocations, s.Exhausted, s.Stalls)
}

type span struct {
	start, length uint64
}

// frameSlot is the bookkeeping of one sealed frame.
type frameSlot struct {
	span
	fence     *frame.Fence
	sealed    bool
	reclaimed bool
}

// Allocator is a frame-lagged ring allocator.
//
// MapData may be called from any goroutine. SwapFrame and FreeOldFrame are
// called by the frame pacer on the driving goroutine.
type Allocator struct {
	label    string
	kind     Kind
	align    uint64
	capacity uint64

	queue  gpucore.Queue
	buffer gpucore.Buffer

	mu sync.Mutex

	// arena is the CPU staging copy uploaded by UnmapData.
	arena []byte

	// cursor is the next free byte; used counts bytes held by the open frame
	// and every sealed, unreclaimed frame. The occupied region is the
	// circular range ending at cursor.
	cursor uint64
	used   uint64

	frameStart uint64
	frameUsed  uint64

	mapped []span
	slots  []frameSlot
	order  []int // sealed slots, oldest first

	allocations uint64
	exhausted   uint64
	sealedCount uint64
	reclaimed   uint64
	stalls      uint64
}

// New creates an allocator, its GPU buffer and one fence per frame slot.
func New(dev gpucore.Device, cfg Config) (*Allocator, error) {
	cfg = cfg.withDefaults()
	align := cfg.Kind.Alignment()
	if cfg.Capacity%align != 0 {
		return nil, fmt.Errorf("%w: capacity %d is not a multiple of %d", ErrInvalidConfig, cfg.Capacity, align)
	}

	buf, err := dev.CreateBuffer(gpucore.BufferDescriptor{
		Label: cfg.Label,
		Size:  cfg.Capacity,
		Usage: cfg.Kind.usage(),
	})
	if err != nil {
		return nil, fmt.Errorf("ring: create buffer %q: %w", cfg.Label, err)
	}

	a := &Allocator{
		label:    cfg.Label,
		kind:     cfg.Kind,
		align:    align,
		capacity: cfg.Capacity,
		queue:    dev.PrimaryQueue(),
		buffer:   buf,
		arena:    make([]byte, cfg.Capacity),
		slots:    make([]frameSlot, cfg.FramesInFlight),
	}
	for i := range a.slots {
		f, err := frame.NewFence(dev, fmt.Sprintf("%s/frame%d", cfg.Label, i))
		if err != nil {
			a.Destroy()
			return nil, err
		}
		f.SetStrict(cfg.Strict)
		a.slots[i].fence = f
	}

	slogger().Debug("ring: created", "label", a.label, "kind", a.kind, "capacity", a.capacity, "frames", len(a.slots))
	return a, nil
}

// Label returns the debug label.
func (a *Allocator) Label() string { return a.label }

// Kind returns the arena kind.
func (a *Allocator) Kind() Kind { return a.kind }

// Capacity returns the arena size in bytes.
func (a *Allocator) Capacity() uint64 { return a.capacity }

// Buffer returns the GPU buffer backing the arena.
func (a *Allocator) Buffer() gpucore.Buffer { return a.buffer }

// MapData reserves size bytes in the current frame and returns a writable
// view of them.
func (a *Allocator) MapData(size uint64) (Allocation, error) {
	if size == 0 {
		return Allocation{}, ErrInvalidSize
	}
	rounded := alignUp(size, a.align)
	if rounded > a.capacity {
		return Allocation{}, fmt.Errorf("%w: %d bytes in %s (capacity %d)", ErrTooLarge, size, a.label, a.capacity)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.used == 0 {
		a.cursor = 0
		a.frameStart = 0
	}

	offset := alignUp(a.cursor, a.align)
	if offset+rounded > a.capacity {
		offset = 0
	}
	// pad is the distance skipped to reach offset, including a wrapped tail.
	var pad uint64
	if offset >= a.cursor {
		pad = offset - a.cursor
	} else {
		pad = a.capacity - a.cursor
	}
	need := pad + rounded
	if need > a.capacity-a.used {
		a.exhausted++
		return Allocation{}, fmt.Errorf("%w: %s needs %d bytes, %d free", ErrExhausted, a.label, need, a.capacity-a.used)
	}

	a.cursor = (offset + rounded) % a.capacity
	a.used += need
	a.frameUsed += need
	a.allocations++
	a.mapped = append(a.mapped, span{start: offset, length: rounded})

	return Allocation{
		Buffer: a.buffer,
		Offset: offset,
		Size:   rounded,
		Data:   a.arena[offset : offset+size : offset+size],
	}, nil
}

// UnmapData uploads every range mapped since the previous call. Bytes
// written into a range after it was uploaded reach the GPU at the next
// SwapFrame.
func (a *Allocator) UnmapData() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	ranges := coalesce(a.mapped)
	a.mapped = a.mapped[:0]
	return a.upload(ranges)
}

// Unmap uploads the range of alloc only.
func (a *Allocator) Unmap(alloc Allocation) error {
	if alloc.Size == 0 || alloc.Offset+alloc.Size > a.capacity {
		return fmt.Errorf("%w: unmap [%d, %d) of %s", ErrInvalidSize, alloc.Offset, alloc.Offset+alloc.Size, a.label)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.upload([]span{{start: alloc.Offset, length: alloc.Size}})
}

// upload writes ranges of the staging arena to the GPU buffer. The caller
// holds a.mu.
func (a *Allocator) upload(ranges []span) error {
	for _, r := range ranges {
		if err := a.queue.WriteBuffer(a.buffer, r.start, a.arena[r.start:r.start+r.length]); err != nil {
			return fmt.Errorf("ring: upload %s [%d, %d): %w", a.label, r.start, r.start+r.length, err)
		}
	}
	return nil
}

// frameRanges returns the arena ranges covered by the open frame, split in
// two when the frame wrapped.
func (a *Allocator) frameRanges() []span {
	if a.frameUsed == 0 {
		return nil
	}
	end := a.frameStart + a.frameUsed
	if end <= a.capacity {
		return []span{{start: a.frameStart, length: a.frameUsed}}
	}
	return []span{
		{start: a.frameStart, length: a.capacity - a.frameStart},
		{start: 0, length: end - a.capacity},
	}
}

// SwapFrame uploads the whole span of the current frame, seals it into
// slot and signals the slot's fence. The next frame starts at the cursor.
func (a *Allocator) SwapFrame(slot int) error {
	if slot < 0 || slot >= len(a.slots) {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	s := &a.slots[slot]
	if s.sealed {
		return fmt.Errorf("%w: %s slot %d", ErrSlotBusy, a.label, slot)
	}
	if err := a.upload(a.frameRanges()); err != nil {
		return err
	}
	a.mapped = a.mapped[:0]
	if err := s.fence.Signal(a.queue); err != nil {
		return err
	}
	s.span = span{start: a.frameStart, length: a.frameUsed}
	s.sealed = true
	s.reclaimed = false
	a.order = append(a.order, slot)
	a.sealedCount++

	a.frameStart = a.cursor
	a.frameUsed = 0
	return nil
}

// FreeOldFrame waits for the fence of slot and releases its span. Spans are
// released in seal order. Reclaiming a slot that holds no sealed frame is a
// no-op.
func (a *Allocator) FreeOldFrame(slot int) error {
	if slot < 0 || slot >= len(a.slots) {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}

	a.mu.Lock()
	s := &a.slots[slot]
	if !s.sealed || s.reclaimed {
		a.mu.Unlock()
		return nil
	}
	fence := s.fence
	a.mu.Unlock()

	stalled, err := fence.Wait()

	a.mu.Lock()
	defer a.mu.Unlock()
	if stalled {
		a.stalls++
	}
	if err != nil {
		return fmt.Errorf("ring: reclaim %s slot %d: %w", a.label, slot, err)
	}

	s.reclaimed = true
	for len(a.order) > 0 {
		head := &a.slots[a.order[0]]
		if !head.reclaimed {
			break
		}
		a.used -= head.length
		head.span = span{}
		head.sealed = false
		head.reclaimed = false
		a.order = a.order[1:]
		a.reclaimed++
	}
	return nil
}

// Stats returns a usage snapshot.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		Label:           a.label,
		Capacity:        a.capacity,
		Used:            a.used,
		FrameBytes:      a.frameUsed,
		Allocations:     a.allocations,
		Exhausted:       a.exhausted,
		FramesSealed:    a.sealedCount,
		FramesReclaimed: a.reclaimed,
		Stalls:          a.stalls,
	}
}

// Destroy releases the fences and the GPU buffer.
func (a *Allocator) Destroy() {
	for i := range a.slots {
		if a.slots[i].fence != nil {
			a.slots[i].fence.Destroy()
			a.slots[i].fence = nil
		}
	}
	if a.buffer != nil {
		a.buffer.Destroy()
		a.buffer = nil
	}
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}

// coalesce merges adjacent ranges that were mapped back to back.
func coalesce(in []span) []span {
	if len(in) == 0 {
		return nil
	}
	out := make([]span, 0, len(in))
	cur := in[0]
	for _, r := range in[1:] {
		if r.start == cur.start+cur.length {
			cur.length += r.length
			continue
		}
		out = append(out, cur)
		cur = r
	}
	return append(out, cur)
}
