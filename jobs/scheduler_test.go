package jobs

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogpu/deferred/backend/software"
	"github.com/gogpu/deferred/gpucore"
)

func newTestScheduler(t *testing.T, dev *software.Device, cfg Config) *Scheduler {
	t.Helper()
	s, err := New(dev, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// =============================================================================
// Creation Tests
// =============================================================================

func TestScheduler_Defaults(t *testing.T) {
	dev := software.NewDevice()
	s := newTestScheduler(t, dev, Config{})

	if s.Workers() != DefaultWorkers {
		t.Errorf("Workers() = %d, want %d", s.Workers(), DefaultWorkers)
	}
	if s.Slots() != DefaultSlots {
		t.Errorf("Slots() = %d, want %d", s.Slots(), DefaultSlots)
	}
	contexts, _, _ := dev.Counts()
	if contexts != DefaultSlots {
		t.Errorf("created %d recording contexts, want %d", contexts, DefaultSlots)
	}
	if st := s.Stats(); st.Free != DefaultSlots || st.Pending != 0 {
		t.Errorf("Stats() = %v, want all slots free", st)
	}
}

func TestScheduler_InvalidConfig(t *testing.T) {
	_, err := New(software.NewDevice(), Config{Workers: 4, Slots: 2})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("New error = %v, want ErrInvalidConfig", err)
	}
}

// =============================================================================
// Submit / Wait Tests
// =============================================================================

func TestScheduler_CountersPerJob(t *testing.T) {
	s := newTestScheduler(t, software.NewDevice(), Config{Workers: 2, Slots: 4})

	counters := make([]int, 4)
	inc := func(rec *Recorder, arg1 uint64, _ uint32) {
		counters[arg1]++
	}

	handles := make([]Handle, 4)
	for i := range handles {
		h, err := s.Submit(inc, uint64(i), 0, RecordCommands)
		if err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
		handles[i] = h
	}

	for i, h := range handles {
		batch, err := s.Wait(h)
		if err != nil {
			t.Fatalf("Wait %d failed: %v", i, err)
		}
		if batch == nil {
			t.Errorf("job %d produced a nil batch", i)
		} else {
			batch.Release()
		}
	}

	for i, c := range counters {
		if c != 1 {
			t.Errorf("counter %d = %d, want 1", i, c)
		}
	}
}

func TestScheduler_NoFreeSlots(t *testing.T) {
	s := newTestScheduler(t, software.NewDevice(), Config{Workers: 2, Slots: 2})

	release := make(chan struct{})
	block := func(*Recorder, uint64, uint32) { <-release }

	h1, err := s.Submit(block, 0, 0, NoRecording)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := s.Submit(block, 0, 0, NoRecording)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Submit(block, 0, 0, NoRecording); !errors.Is(err, ErrNoFreeSlots) {
		t.Fatalf("third Submit error = %v, want ErrNoFreeSlots", err)
	}

	close(release)
	for _, h := range []Handle{h1, h2} {
		if _, err := s.Wait(h); err != nil {
			t.Fatalf("Wait(%d) failed: %v", h, err)
		}
	}

	h, err := s.Submit(block, 0, 0, NoRecording)
	if err != nil {
		t.Fatalf("Submit after Wait failed: %v", err)
	}
	if _, err := s.Wait(h); err != nil {
		t.Fatal(err)
	}
}

func TestScheduler_HandlesResolvedOnce(t *testing.T) {
	const n = 8
	s := newTestScheduler(t, software.NewDevice(), Config{Workers: 3, Slots: n})

	nop := func(*Recorder, uint64, uint32) {}
	seen := make(map[Handle]bool)
	handles := make([]Handle, 0, n)
	for range n {
		h, err := s.Submit(nop, 0, 0, RecordCommands)
		if err != nil {
			t.Fatal(err)
		}
		if seen[h] {
			t.Fatalf("handle %d handed out twice", h)
		}
		seen[h] = true
		handles = append(handles, h)
	}

	// Wait in reverse order: completion order is not submission order.
	for i := len(handles) - 1; i >= 0; i-- {
		batch, err := s.Wait(handles[i])
		if err != nil {
			t.Fatalf("Wait(%d) failed: %v", handles[i], err)
		}
		batch.Release()
	}
	for _, h := range handles {
		if _, err := s.Wait(h); !errors.Is(err, ErrNotOutstanding) {
			t.Errorf("second Wait(%d) error = %v, want ErrNotOutstanding", h, err)
		}
	}

	st := s.Stats()
	if st.Submitted != n || st.Completed != n || st.Free != n {
		t.Errorf("Stats() = %v", st)
	}
}

func TestScheduler_ConcurrentSubmitters(t *testing.T) {
	const (
		goroutines = 8
		iterations = 100
	)
	s := newTestScheduler(t, software.NewDevice(), Config{Workers: 3, Slots: goroutines})

	var (
		ran      atomic.Int64
		inFlight [goroutines]atomic.Bool
		wg       sync.WaitGroup
	)
	job := func(rec *Recorder, _ uint64, _ uint32) {
		h := rec.Handle()
		if !inFlight[h].CompareAndSwap(false, true) {
			t.Errorf("handle %d running twice", h)
			return
		}
		ran.Add(1)
		inFlight[h].Store(false)
	}

	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range iterations {
				h, err := s.Submit(job, 0, 0, RecordCommands)
				if err != nil {
					t.Error(err)
					return
				}
				batch, err := s.Wait(h)
				if err != nil {
					t.Error(err)
					return
				}
				batch.Release()
			}
		}()
	}
	wg.Wait()

	if got := ran.Load(); got != goroutines*iterations {
		t.Errorf("ran %d jobs, want %d", got, goroutines*iterations)
	}
	if st := s.Stats(); st.Free != goroutines {
		t.Errorf("Free = %d after all waits, want %d", st.Free, goroutines)
	}
}

func TestScheduler_InvalidHandle(t *testing.T) {
	s := newTestScheduler(t, software.NewDevice(), Config{Workers: 1, Slots: 2})

	for _, h := range []Handle{InvalidHandle, 2, 100} {
		if _, err := s.Wait(h); !errors.Is(err, ErrInvalidHandle) {
			t.Errorf("Wait(%d) error = %v, want ErrInvalidHandle", h, err)
		}
	}
	if _, err := s.Wait(0); !errors.Is(err, ErrNotOutstanding) {
		t.Errorf("Wait on free slot error = %v, want ErrNotOutstanding", err)
	}
	if _, err := s.Submit(nil, 0, 0, RecordCommands); !errors.Is(err, ErrNilFunc) {
		t.Errorf("Submit(nil) error = %v, want ErrNilFunc", err)
	}
}

func TestScheduler_AlreadyWaiting(t *testing.T) {
	s := newTestScheduler(t, software.NewDevice(), Config{Workers: 1, Slots: 1})

	release := make(chan struct{})
	h, err := s.Submit(func(*Recorder, uint64, uint32) { <-release }, 0, 0, NoRecording)
	if err != nil {
		t.Fatal(err)
	}

	first := make(chan error, 1)
	go func() {
		_, err := s.Wait(h)
		first <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !s.slots[h].waiting.Load() {
		if time.Now().After(deadline) {
			t.Fatal("first Wait never started")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := s.Wait(h); !errors.Is(err, ErrAlreadyWaiting) {
		t.Errorf("second Wait error = %v, want ErrAlreadyWaiting", err)
	}

	close(release)
	if err := <-first; err != nil {
		t.Errorf("first Wait failed: %v", err)
	}
}

// =============================================================================
// Recording Tests
// =============================================================================

func TestScheduler_NoRecording(t *testing.T) {
	s := newTestScheduler(t, software.NewDevice(), Config{Workers: 1, Slots: 1})

	var (
		hadContext bool
		recording  bool
	)
	h, err := s.Submit(func(rec *Recorder, _ uint64, _ uint32) {
		hadContext = rec.Context() != nil
		recording = rec.Recording()
	}, 0, 0, NoRecording)
	if err != nil {
		t.Fatal(err)
	}

	batch, err := s.Wait(h)
	if err != nil {
		t.Fatal(err)
	}
	if batch != nil {
		t.Error("NoRecording job produced a batch")
	}
	if hadContext || recording {
		t.Error("NoRecording job saw a recording context")
	}

	h, _ = s.Submit(func(*Recorder, uint64, uint32) {}, 0, 0, NoRecording)
	if err := s.Execute(h); err != nil {
		t.Errorf("Execute of NoRecording job failed: %v", err)
	}
}

func TestScheduler_StateSnapshot(t *testing.T) {
	s := newTestScheduler(t, software.NewDevice(), Config{Workers: 1, Slots: 2})

	release := make(chan struct{})
	var recorded, background State
	snapshot := func(dst *State) Func {
		return func(rec *Recorder, _ uint64, _ uint32) {
			<-release
			*dst = *rec.State()
		}
	}

	s.State().FrameIndex = 7
	s.State().Dirty = DirtyViewport
	h1, err := s.Submit(snapshot(&recorded), 0, 0, RecordCommands)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := s.Submit(snapshot(&background), 0, 0, NoRecording)
	if err != nil {
		t.Fatal(err)
	}
	s.State().FrameIndex = 8
	close(release)

	batch, err := s.Wait(h1)
	if err != nil {
		t.Fatal(err)
	}
	batch.Release()
	if _, err := s.Wait(h2); err != nil {
		t.Fatal(err)
	}

	if recorded.FrameIndex != 7 || background.FrameIndex != 7 {
		t.Errorf("jobs saw frames %d and %d, want the submitted 7", recorded.FrameIndex, background.FrameIndex)
	}
	if recorded.Dirty != DirtyAll&^DirtyShaderResources {
		t.Errorf("recording Dirty = %#x, want %#x", recorded.Dirty, DirtyAll&^DirtyShaderResources)
	}
	if recorded.Dirty&0x400 != 0 {
		t.Error("shader resources marked dirty in a recording job")
	}
	if background.Dirty != DirtyViewport {
		t.Errorf("NoRecording Dirty = %#x, want the submitted %#x", background.Dirty, DirtyViewport)
	}
}

func TestScheduler_UpdateStateWhileSubmitting(t *testing.T) {
	s := newTestScheduler(t, software.NewDevice(), Config{Workers: 2, Slots: 8})

	const submitters, perSubmitter, updates = 4, 50, 100
	var wg sync.WaitGroup
	errs := make(chan error, submitters)
	for range submitters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perSubmitter {
				h, err := s.Submit(func(*Recorder, uint64, uint32) {}, 0, 0, NoRecording)
				if errors.Is(err, ErrNoFreeSlots) {
					continue
				}
				if err != nil {
					errs <- err
					return
				}
				if err := s.Execute(h); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	for range updates {
		s.UpdateState(func(st *State) { st.FrameIndex++ })
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	if got := s.Snapshot().FrameIndex; got != updates {
		t.Errorf("Snapshot().FrameIndex = %d, want %d", got, updates)
	}
}

func TestScheduler_BindingCopyForward(t *testing.T) {
	tests := []struct {
		name   string
		noCopy bool
	}{
		{"copy", false},
		{"no copy", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := software.NewDevice()
			s := newTestScheduler(t, dev, Config{Workers: 1, Slots: 1, NoBindingCopy: tt.noCopy})

			cb, err := dev.CreateBuffer(gpucore.BufferDescriptor{Label: "cb", Size: 256})
			if err != nil {
				t.Fatal(err)
			}
			var queued gpucore.Bindings
			queued.ConstantBuffers[gpucore.StageVertex][3] = gpucore.BufferBinding{Buffer: cb, Size: 256}
			queued.ShaderResources[gpucore.StagePixel][5] = 42
			queued.ShaderResources[gpucore.StageCompute][1] = 9
			dev.PrimaryQueue().SetBindings(&queued)

			var got gpucore.Bindings
			h, err := s.Submit(func(rec *Recorder, _ uint64, _ uint32) {
				got = rec.Context().Bindings()
			}, 0, 0, RecordCommands)
			if err != nil {
				t.Fatal(err)
			}
			batch, err := s.Wait(h)
			if err != nil {
				t.Fatal(err)
			}
			batch.Release()

			if tt.noCopy {
				if got.Bound() != 0 {
					t.Errorf("context has %d bindings with copy disabled", got.Bound())
				}
				return
			}
			if got.ConstantBuffers[gpucore.StageVertex][3].Buffer != cb {
				t.Error("VS constant buffer 3 not copied")
			}
			if got.ShaderResources[gpucore.StagePixel][5] != 42 {
				t.Error("PS shader resource 5 not copied")
			}
			if got.ShaderResources[gpucore.StageCompute][1] != gpucore.InvalidID {
				t.Error("CS shader resources must not be copied")
			}
		})
	}
}

func TestScheduler_RecordingFailure(t *testing.T) {
	dev := software.NewDevice()
	s := newTestScheduler(t, dev, Config{Workers: 1, Slots: 1})

	dev.FailNextFinish(errors.New("device lost"))
	h, err := s.Submit(func(*Recorder, uint64, uint32) {}, 0, 0, RecordCommands)
	if err != nil {
		t.Fatal(err)
	}
	batch, err := s.Wait(h)
	if !errors.Is(err, ErrRecordingFailed) {
		t.Fatalf("Wait error = %v, want ErrRecordingFailed", err)
	}
	if batch != nil {
		t.Error("failed recording returned a batch")
	}
	if !strings.Contains(err.Error(), "device lost") {
		t.Errorf("error %q does not carry the device error", err)
	}

	// The slot is reusable and the next recording succeeds.
	h, err = s.Submit(func(*Recorder, uint64, uint32) {}, 0, 0, RecordCommands)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Execute(h); err != nil {
		t.Errorf("Execute after failure: %v", err)
	}
	if s.Stats().Failed != 1 {
		t.Errorf("Failed = %d, want 1", s.Stats().Failed)
	}
}

func TestScheduler_PanickingJob(t *testing.T) {
	s := newTestScheduler(t, software.NewDevice(), Config{Workers: 1, Slots: 1})

	h, err := s.Submit(func(*Recorder, uint64, uint32) { panic("boom") }, 0, 0, RecordCommands)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Wait(h); !errors.Is(err, ErrRecordingFailed) || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("Wait error = %v, want ErrRecordingFailed carrying the panic", err)
	}
}

func TestScheduler_ExecuteAppliesCommands(t *testing.T) {
	dev := software.NewDevice()
	s := newTestScheduler(t, dev, Config{Workers: 2, Slots: 2})

	src, _ := dev.CreateBuffer(gpucore.BufferDescriptor{Label: "src", Size: 16})
	dst, _ := dev.CreateBuffer(gpucore.BufferDescriptor{Label: "dst", Size: 16})
	payload := []byte("recorded on a wk")
	if err := dev.PrimaryQueue().WriteBuffer(src, 0, payload); err != nil {
		t.Fatal(err)
	}

	h, err := s.Submit(func(rec *Recorder, arg1 uint64, arg2 uint32) {
		rec.Context().CopyBuffer(dst, 0, src, arg1, uint64(arg2))
	}, 0, 16, RecordCommands)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Execute(h); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	got, _ := dst.(*software.Buffer).Read(0, 16)
	if !bytes.Equal(got, payload) {
		t.Errorf("dst = %q, want %q", got, payload)
	}
	if executed := dev.Queue().Executed(); len(executed) != 1 || !strings.HasPrefix(executed[0], "deferred/job") {
		t.Errorf("Executed() = %v", executed)
	}
}

// =============================================================================
// Close Tests
// =============================================================================

func TestScheduler_Close(t *testing.T) {
	s, err := New(software.NewDevice(), Config{Workers: 1, Slots: 4})
	if err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	first, err := s.Submit(func(*Recorder, uint64, uint32) {
		close(started)
		<-release
	}, 0, 0, NoRecording)
	if err != nil {
		t.Fatal(err)
	}
	<-started

	var queued []Handle
	for range 2 {
		h, err := s.Submit(func(*Recorder, uint64, uint32) {}, 0, 0, NoRecording)
		if err != nil {
			t.Fatal(err)
		}
		queued = append(queued, h)
	}

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	if _, err := s.Wait(first); err != nil {
		t.Errorf("running job: Wait error = %v", err)
	}
	for _, h := range queued {
		if _, err := s.Wait(h); err != nil && !errors.Is(err, ErrClosed) {
			t.Errorf("queued job: Wait error = %v, want nil or ErrClosed", err)
		}
	}

	if _, err := s.Submit(func(*Recorder, uint64, uint32) {}, 0, 0, NoRecording); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit after Close error = %v, want ErrClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}
