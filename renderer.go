package deferred

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gogpu/deferred/frame"
	"github.com/gogpu/deferred/gpucore"
	"github.com/gogpu/deferred/jobs"
	"github.com/gogpu/deferred/ring"
)

// ErrClosed is returned by Renderer methods after Close.
var ErrClosed = errors.New("deferred: renderer closed")

// Job aliases so that callers rarely need to import jobs directly.
type (
	Handle = jobs.Handle
	Func   = jobs.Func
	Mode   = jobs.Mode
)

// Recording modes.
const (
	RecordCommands = jobs.RecordCommands
	NoRecording    = jobs.NoRecording
)

// ConstantBlock is a mapped constant buffer range.
type ConstantBlock struct {
	// Buffer, Offset and Size describe the binding range.
	Buffer gpucore.Buffer
	Offset uint64
	Size   uint64

	// Data is the CPU-writable view of the requested bytes.
	Data []byte

	small ring.SmallBlock
}

// Small reports whether the block came from the small constant pool.
func (b ConstantBlock) Small() bool { return b.small.Buffer != nil }

// Stats aggregates the counters of every component.
type Stats struct {
	Jobs     jobs.Stats
	Vertex   ring.Stats
	Constant ring.Stats
	Small    ring.SmallStats

	// Frames is the number of completed frame boundaries.
	Frames uint64
}

// ReclaimStalls returns the number of reclaim waits that blocked.
func (s Stats) ReclaimStalls() uint64 {
	return s.Vertex.Stalls + s.Constant.Stalls
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("Renderer[frame %d, %v, %v, %v]", s.Frames, s.Jobs, s.Vertex, s.Constant)
}

// Renderer is the multithreaded recording front end.
//
// RenderDeferred, UpdateState, MapDynamicBuffer and MapConstantBuffer may
// be called from any goroutine. NewFrame, WaitDeferred and Close belong to
// the driving goroutine.
type Renderer struct {
	cfg    Config
	device gpucore.Device

	sched    *jobs.Scheduler
	vertex   *ring.Allocator
	constant *ring.Allocator
	small    *ring.SmallPool
	pacer    *frame.Pacer

	closed atomic.Bool
}

// New creates a Renderer on dev.
func New(dev gpucore.Device, opts ...Option) (*Renderer, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Renderer{cfg: cfg, device: dev}
	if err := r.init(); err != nil {
		r.destroy()
		return nil, err
	}
	Logger().Info("deferred: renderer ready",
		"workers", cfg.Workers,
		"slots", cfg.JobSlots,
		"framesInFlight", cfg.FramesInFlight,
		"reclaimLag", cfg.ReclaimLag)
	return r, nil
}

func (r *Renderer) init() error {
	var err error
	r.vertex, err = ring.New(r.device, ring.Config{
		Label:          "vertex-ring",
		Kind:           ring.KindVertex,
		Capacity:       r.cfg.VertexRingSize,
		FramesInFlight: r.cfg.FramesInFlight,
		Strict:         r.cfg.StrictReclaim,
	})
	if err != nil {
		return err
	}
	r.constant, err = ring.New(r.device, ring.Config{
		Label:          "constant-ring",
		Kind:           ring.KindConstant,
		Capacity:       r.cfg.ConstantRingSize,
		FramesInFlight: r.cfg.FramesInFlight,
		Strict:         r.cfg.StrictReclaim,
	})
	if err != nil {
		return err
	}
	r.small, err = ring.NewSmallPool(r.device, ring.SmallConfig{
		Levels:  r.cfg.SmallLevels,
		Buckets: r.cfg.SmallBuckets,
	})
	if err != nil {
		return err
	}

	r.pacer, err = frame.NewPacer(r.cfg.FramesInFlight, r.cfg.ReclaimLag, r.vertex, r.constant)
	if err != nil {
		return err
	}

	r.sched, err = jobs.New(r.device, jobs.Config{
		Workers:       r.cfg.Workers,
		Slots:         r.cfg.JobSlots,
		NoBindingCopy: !r.cfg.CopyBindings,
	})
	if err != nil {
		return err
	}

	r.pacer.OnFrameStart(r.small.Reset)
	r.pacer.OnFrameStart(func() {
		r.sched.UpdateState(func(st *jobs.State) { st.FrameIndex++ })
	})
	return nil
}

// Config returns the configuration the Renderer was built with.
func (r *Renderer) Config() Config { return r.cfg }

// Scheduler returns the job scheduler.
func (r *Renderer) Scheduler() *jobs.Scheduler { return r.sched }

// Pacer returns the frame pacer.
func (r *Renderer) Pacer() *frame.Pacer { return r.pacer }

// State returns a copy of the pipeline state that jobs inherit.
func (r *Renderer) State() jobs.State { return r.sched.Snapshot() }

// UpdateState applies fn to the pipeline state. Jobs submitted after
// UpdateState returns inherit the change. It may be called while other
// goroutines call RenderDeferred.
func (r *Renderer) UpdateState(fn func(*jobs.State)) { r.sched.UpdateState(fn) }

// RenderDeferred schedules fn on a worker and returns its handle.
func (r *Renderer) RenderDeferred(fn Func, arg1 uint64, arg2 uint32, mode Mode) (Handle, error) {
	if r.closed.Load() {
		return jobs.InvalidHandle, ErrClosed
	}
	return r.sched.Submit(fn, arg1, arg2, mode)
}

// WaitDeferred waits for h and executes its batch on the primary queue.
func (r *Renderer) WaitDeferred(h Handle) error {
	return r.sched.Execute(h)
}

// MapDynamicBuffer reserves vertex or index data in the current frame.
func (r *Renderer) MapDynamicBuffer(size uint64) (ring.Allocation, error) {
	if r.closed.Load() {
		return ring.Allocation{}, ErrClosed
	}
	return r.vertex.MapData(size)
}

// UnmapDynamicBuffer uploads vertex data mapped so far. NewFrame does this
// implicitly.
func (r *Renderer) UnmapDynamicBuffer() error {
	return r.vertex.UnmapData()
}

// MapConstantBuffer reserves a constant block. Blocks up to the small
// threshold come from the small pool at level; larger blocks, and small
// blocks once the pool's fallback buffer is used up for the frame, come
// from the constant ring, rounded to ring.ConstantAlignment.
func (r *Renderer) MapConstantBuffer(size uint64, level int) (ConstantBlock, error) {
	if r.closed.Load() {
		return ConstantBlock{}, ErrClosed
	}
	if size == 0 {
		return ConstantBlock{}, ring.ErrInvalidSize
	}

	if size <= r.cfg.SmallThreshold {
		b, err := r.small.Map(size, level)
		switch {
		case err == nil:
			return ConstantBlock{
				Buffer: b.Buffer,
				Offset: b.Offset,
				Size:   size,
				Data:   b.Data,
				small:  b,
			}, nil
		case !errors.Is(err, ring.ErrExhausted):
			return ConstantBlock{}, err
		}
	}

	alloc, err := r.constant.MapData(size)
	if err != nil {
		return ConstantBlock{}, err
	}
	return ConstantBlock{
		Buffer: alloc.Buffer,
		Offset: alloc.Offset,
		Size:   alloc.Size,
		Data:   alloc.Data,
	}, nil
}

// UnmapConstantBuffer uploads the range of a block returned by
// MapConstantBuffer. Blocks may be unmapped in any order.
func (r *Renderer) UnmapConstantBuffer(b ConstantBlock) error {
	if b.Small() {
		return r.small.Unmap(b.small)
	}
	return r.constant.Unmap(ring.Allocation{
		Buffer: b.Buffer,
		Offset: b.Offset,
		Size:   b.Size,
		Data:   b.Data,
	})
}

// NewFrame performs a frame boundary: every ring uploads and seals the
// current frame and signals its token, the frame ReclaimLag boundaries
// behind is reclaimed, the small pool is reset and the frame index in
// State advances.
func (r *Renderer) NewFrame() error {
	if r.closed.Load() {
		return ErrClosed
	}
	return r.pacer.NewFrame()
}

// Stats returns a snapshot of every component's counters.
func (r *Renderer) Stats() Stats {
	return Stats{
		Jobs:     r.sched.Stats(),
		Vertex:   r.vertex.Stats(),
		Constant: r.constant.Stats(),
		Small:    r.small.Stats(),
		Frames:   r.pacer.Frame(),
	}
}

// Close stops the workers and releases GPU resources. Batches already
// returned by Wait stay valid. Close is safe to call multiple times.
func (r *Renderer) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if r.sched != nil {
		err = r.sched.Close()
	}
	r.destroy()
	Logger().Info("deferred: renderer closed")
	return err
}

// destroy releases the allocators. The scheduler is closed by Close.
func (r *Renderer) destroy() {
	if r.small != nil {
		r.small.Destroy()
	}
	if r.constant != nil {
		r.constant.Destroy()
	}
	if r.vertex != nil {
		r.vertex.Destroy()
	}
}
