// Package jobs implements a scheduler that records GPU command batches on a
// fixed pool of worker goroutines.
//
// The driving goroutine submits a Func and immediately gets a Handle back.
// A worker picks the job up, runs the Func against the slot's recording
// context and a private copy of the submitter's State, and finishes the
// recording into an immutable gpucore.CommandBatch. The driving goroutine
// later waits on the handle and executes the batch on the primary queue in
// whatever order it needs, independent of the order in which workers
// finished.
//
//	sched, err := jobs.New(dev, jobs.Config{})
//	h, err := sched.Submit(drawShadows, 0, 0, jobs.RecordCommands)
//	...
//	err = sched.Execute(h)
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/gogpu/deferred/gpucore"
)

// Scheduler errors.
var (
	// ErrNoFreeSlots is returned by Submit when every job slot is in use.
	// The slot count is a sizing decision, so callers should treat this as
	// a bug rather than retry.
	ErrNoFreeSlots = errors.New("jobs: no free job slots")

	// ErrNotOutstanding is returned by Wait for a handle with no submitted job.
	ErrNotOutstanding = errors.New("jobs: handle is not outstanding")

	// ErrAlreadyWaiting is returned by Wait when another Wait on the same
	// handle is in progress.
	ErrAlreadyWaiting = errors.New("jobs: handle already has a waiter")

	// ErrInvalidHandle is returned for a handle outside the slot range.
	ErrInvalidHandle = errors.New("jobs: invalid handle")

	// ErrRecordingFailed wraps failures while recording a job.
	ErrRecordingFailed = errors.New("jobs: recording failed")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("jobs: scheduler closed")

	// ErrNilFunc is returned by Submit for a nil Func.
	ErrNilFunc = errors.New("jobs: nil job function")

	// ErrInvalidConfig is returned by New for an unusable configuration.
	ErrInvalidConfig = errors.New("jobs: invalid configuration")
)

// Defaults.
const (
	DefaultWorkers = 4
	DefaultSlots   = 32
)

// Handle identifies a submitted job. It equals the identity of the slot
// that runs the job and is reused once the job has been waited on.
type Handle int

// InvalidHandle is returned alongside errors.
const InvalidHandle Handle = -1

// Config configures a Scheduler.
type Config struct {
	// Workers is the number of worker goroutines. Defaults to DefaultWorkers.
	Workers int

	// Slots is the number of job slots. Defaults to DefaultSlots and must
	// not be smaller than Workers.
	Slots int

	// NoBindingCopy disables copying the primary queue's constant buffer and
	// shader resource bindings into a job's context at Submit.
	NoBindingCopy bool

	// Label prefixes the recording context labels.
	Label string
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.Slots <= 0 {
		c.Slots = DefaultSlots
	}
	if c.Label == "" {
		c.Label = "deferred"
	}
	return c
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Workers   int
	Slots     int
	Free      int
	Pending   int
	Submitted uint64
	Completed uint64
	Failed    uint64
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("Jobs[%d workers, %d/%d slots free, %d pending, %d submitted, %d completed, %d failed]",
		s.Workers, s.Free, s.Slots, s.Pending, s.Submitted, s.Completed, s.Failed)
}

// Scheduler runs recording jobs on a fixed worker pool.
//
// Submit, Wait and Execute are safe for concurrent use, but one handle must
// be waited on by exactly one goroutine. Close must not race Submit.
type Scheduler struct {
	cfg   Config
	queue gpucore.Queue

	slots []*slot

	// free holds every slot that is not outstanding.
	free chan *slot

	// pending is the FIFO of scheduled slots. pendingSignal counts its
	// entries: Submit releases one unit, each worker acquires one.
	pendingMu     sync.Mutex
	pending       []*slot
	pendingSignal *semaphore.Weighted

	// completed has one single-entry channel per slot identity.
	completed []chan *slot

	// state is copied into every job at Submit.
	stateMu sync.Mutex
	state   State

	cancel context.CancelFunc
	group  *errgroup.Group

	running   atomic.Bool
	submitted atomic.Uint64
	finished  atomic.Uint64
	failed    atomic.Uint64
}

// New creates the slots and their recording contexts, starts the workers
// and returns once every worker is ready to take jobs.
func New(dev gpucore.Device, cfg Config) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	if cfg.Slots < cfg.Workers {
		return nil, fmt.Errorf("%w: %d slots for %d workers", ErrInvalidConfig, cfg.Slots, cfg.Workers)
	}

	s := &Scheduler{
		cfg:           cfg,
		queue:         dev.PrimaryQueue(),
		slots:         make([]*slot, cfg.Slots),
		free:          make(chan *slot, cfg.Slots),
		pending:       make([]*slot, 0, cfg.Slots),
		pendingSignal: semaphore.NewWeighted(int64(cfg.Slots)),
		completed:     make([]chan *slot, cfg.Slots),
	}

	for i := range s.slots {
		rc, err := dev.CreateRecordingContext(fmt.Sprintf("%s/job%d", cfg.Label, i))
		if err != nil {
			for _, sl := range s.slots[:i] {
				sl.rc.Destroy()
			}
			return nil, fmt.Errorf("jobs: create recording context %d: %w", i, err)
		}
		s.slots[i] = &slot{id: i, rc: rc}
		s.completed[i] = make(chan *slot, 1)
		s.free <- s.slots[i]
	}

	// Both semaphores start fully held: the pending signal has no jobs to
	// hand out and the ready handshake waits for every worker.
	if !s.pendingSignal.TryAcquire(int64(cfg.Slots)) {
		panic("jobs: fresh pending semaphore is not available")
	}
	ready := semaphore.NewWeighted(int64(cfg.Workers))
	if !ready.TryAcquire(int64(cfg.Workers)) {
		panic("jobs: fresh ready semaphore is not available")
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	s.cancel = cancel
	s.group = group
	s.running.Store(true)

	for id := range cfg.Workers {
		group.Go(func() error {
			ready.Release(1)
			return s.worker(ctx, id)
		})
	}

	if err := ready.Acquire(context.Background(), int64(cfg.Workers)); err != nil {
		cancel()
		return nil, fmt.Errorf("jobs: waiting for workers: %w", err)
	}

	slogger().Info("jobs: scheduler started", "workers", cfg.Workers, "slots", cfg.Slots)
	return s, nil
}

// State returns the State jobs inherit. Changes made through the pointer
// are inherited by jobs submitted afterwards. The pointer may only be used
// while no other goroutine calls Submit; use UpdateState otherwise.
func (s *Scheduler) State() *State { return &s.state }

// UpdateState applies fn to the inherited State. It is safe to call while
// other goroutines call Submit.
func (s *Scheduler) UpdateState(fn func(*State)) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	fn(&s.state)
}

// Snapshot returns a copy of the inherited State.
func (s *Scheduler) Snapshot() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Workers returns the number of worker goroutines.
func (s *Scheduler) Workers() int { return s.cfg.Workers }

// Slots returns the number of job slots.
func (s *Scheduler) Slots() int { return s.cfg.Slots }

// Submit schedules fn and returns the handle to wait on. It never blocks:
// when no slot is free it fails with ErrNoFreeSlots.
func (s *Scheduler) Submit(fn Func, arg1 uint64, arg2 uint32, mode Mode) (Handle, error) {
	if fn == nil {
		return InvalidHandle, ErrNilFunc
	}
	if !s.running.Load() {
		return InvalidHandle, ErrClosed
	}

	var sl *slot
	select {
	case sl = <-s.free:
	default:
		return InvalidHandle, fmt.Errorf("%w: all %d in use", ErrNoFreeSlots, s.cfg.Slots)
	}

	sl.fn = fn
	sl.arg1 = arg1
	sl.arg2 = arg2
	sl.mode = mode
	s.stateMu.Lock()
	sl.state = s.state
	s.stateMu.Unlock()

	if mode == RecordCommands && !s.cfg.NoBindingCopy {
		queued := s.queue.Bindings()
		b := sl.rc.Bindings()
		b.CopyForward(&queued)
		sl.rc.SetBindings(&b)
	}

	sl.setPhase(slotScheduled)
	s.pendingMu.Lock()
	s.pending = append(s.pending, sl)
	s.pendingMu.Unlock()
	s.submitted.Add(1)
	s.pendingSignal.Release(1)

	return Handle(sl.id), nil
}

// Wait blocks until the job behind h has finished and returns its batch.
// The batch is nil for NoRecording jobs. The caller owns the batch and
// must release it; the slot is free for reuse once Wait returns.
func (s *Scheduler) Wait(h Handle) (gpucore.CommandBatch, error) {
	if h < 0 || int(h) >= len(s.slots) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	sl := s.slots[h]

	if !sl.waiting.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: %d", ErrAlreadyWaiting, h)
	}
	if sl.getPhase() == slotFree {
		sl.waiting.Store(false)
		return nil, fmt.Errorf("%w: %d", ErrNotOutstanding, h)
	}

	done := <-s.completed[h]
	batch, err := done.batch, done.err

	sl.reset()
	sl.setPhase(slotFree)
	sl.waiting.Store(false)
	s.finished.Add(1)
	s.free <- sl

	return batch, err
}

// Execute waits for h, executes its batch on the primary queue and
// releases it.
func (s *Scheduler) Execute(h Handle) error {
	batch, err := s.Wait(h)
	if err != nil {
		return err
	}
	if batch == nil {
		return nil
	}
	defer batch.Release()
	if err := s.queue.Execute(batch); err != nil {
		return fmt.Errorf("jobs: execute %s: %w", batch.Label(), err)
	}
	return nil
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.pendingMu.Lock()
	pending := len(s.pending)
	s.pendingMu.Unlock()
	return Stats{
		Workers:   s.cfg.Workers,
		Slots:     s.cfg.Slots,
		Free:      len(s.free),
		Pending:   pending,
		Submitted: s.submitted.Load(),
		Completed: s.finished.Load(),
		Failed:    s.failed.Load(),
	}
}

// Close stops the workers after their current job. Jobs that never started
// complete with ErrClosed so their waiters return. Close is safe to call
// multiple times.
func (s *Scheduler) Close() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()
	err := s.group.Wait()

	s.pendingMu.Lock()
	dropped := s.pending
	s.pending = nil
	s.pendingMu.Unlock()
	for _, sl := range dropped {
		sl.err = ErrClosed
		sl.setPhase(slotCompleted)
		s.completed[sl.id] <- sl
	}

	for _, sl := range s.slots {
		sl.rc.Destroy()
	}
	slogger().Info("jobs: scheduler stopped", "dropped", len(dropped))
	return err
}

// worker takes pending jobs until the context is cancelled.
func (s *Scheduler) worker(ctx context.Context, id int) error {
	for {
		if err := s.pendingSignal.Acquire(ctx, 1); err != nil {
			return nil
		}
		sl := s.popPending()
		if sl == nil {
			panic("jobs: pending signal received with an empty pending queue")
		}
		s.run(id, sl)
	}
}

func (s *Scheduler) popPending() *slot {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	sl := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	return sl
}

// run executes one job and publishes the slot into its completion entry.
func (s *Scheduler) run(worker int, sl *slot) {
	sl.setPhase(slotExecuting)
	rec := &Recorder{
		handle: Handle(sl.id),
		worker: worker,
		state:  &sl.state,
	}

	var (
		batch gpucore.CommandBatch
		err   error
	)
	if sl.mode == NoRecording {
		err = call(sl.fn, rec, sl.arg1, sl.arg2)
	} else {
		batch, err = s.record(sl, rec)
	}

	if err != nil {
		err = fmt.Errorf("%w: job %d: %w", ErrRecordingFailed, sl.id, err)
		s.failed.Add(1)
		slogger().Warn("jobs: recording failed", "job", sl.id, "worker", worker, "err", err)
	}

	sl.batch, sl.err = batch, err
	sl.setPhase(slotCompleted)
	s.completed[sl.id] <- sl
}

func (s *Scheduler) record(sl *slot, rec *Recorder) (gpucore.CommandBatch, error) {
	sl.state.Dirty = recordingDirty
	if err := sl.rc.Begin(); err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	rec.ctx = sl.rc
	if err := call(sl.fn, rec, sl.arg1, sl.arg2); err != nil {
		sl.rc.Discard()
		return nil, err
	}
	batch, err := sl.rc.Finish()
	if err != nil {
		sl.rc.Discard()
		return nil, fmt.Errorf("finish: %w", err)
	}
	return batch, nil
}

// call runs fn and converts a panic into an error.
func call(fn Func, rec *Recorder, arg1 uint64, arg2 uint32) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	fn(rec, arg1, arg2)
	return nil
}
