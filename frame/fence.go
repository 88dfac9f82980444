// Package frame provides the frame-boundary bookkeeping shared by the ring
// allocators: completion fences per frame slot and the pacer that seals a
// frame, signals its fence and reclaims the slot a fixed number of frames
// behind.
package frame

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/deferred/gpucore"
)

// Fence errors.
var (
	// ErrFencePending is returned when signalling a fence that has not been
	// reclaimed since its last signal.
	ErrFencePending = errors.New("frame: fence is still pending")

	// ErrReclaimStalled is returned by a strict wait when the GPU has not
	// finished the fenced work yet.
	ErrReclaimStalled = errors.New("frame: fenced work not complete at reclaim time")

	// ErrFenceTimeout is returned when a blocking wait gives up.
	ErrFenceTimeout = errors.New("frame: fence wait timed out")
)

// stalls counts waits that had to block, across all fences.
var stalls atomic.Uint64

// Stalls returns the number of fence waits that actually blocked.
func Stalls() uint64 { return stalls.Load() }

// Fence wraps a completion token with the pending flag of one frame slot.
//
// Fence is safe for concurrent use.
type Fence struct {
	label string
	token gpucore.Token

	mu      sync.Mutex
	pending bool
	strict  bool
}

// NewFence creates a fence backed by a token from dev.
func NewFence(dev gpucore.Device, label string) (*Fence, error) {
	tok, err := dev.CreateToken(label)
	if err != nil {
		return nil, fmt.Errorf("frame: create token %q: %w", label, err)
	}
	return &Fence{label: label, token: tok}, nil
}

// SetStrict makes Wait fail with ErrReclaimStalled instead of blocking.
func (f *Fence) SetStrict(strict bool) {
	f.mu.Lock()
	f.strict = strict
	f.mu.Unlock()
}

// Label returns the debug label.
func (f *Fence) Label() string { return f.label }

// Pending reports whether the fence was signalled and not yet reclaimed.
func (f *Fence) Pending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

// Signal arms the fence on q. It fails if the previous signal has not been
// reclaimed by Wait.
func (f *Fence) Signal(q gpucore.Queue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending {
		return fmt.Errorf("%w: %s", ErrFencePending, f.label)
	}
	if err := q.Signal(f.token); err != nil {
		return fmt.Errorf("frame: signal %s: %w", f.label, err)
	}
	f.pending = true
	return nil
}

// Poll reports without blocking whether the fenced work is complete.
// A fence that is not pending is complete.
func (f *Fence) Poll() (bool, error) {
	f.mu.Lock()
	pending := f.pending
	f.mu.Unlock()
	if !pending {
		return true, nil
	}
	return f.token.Done()
}

// Wait blocks until the fenced work is complete and clears the pending
// flag. It returns true when the wait had to block, which in steady state
// means the reclaim lag is shorter than the GPU latency.
func (f *Fence) Wait() (stalled bool, err error) {
	f.mu.Lock()
	pending, strict := f.pending, f.strict
	f.mu.Unlock()
	if !pending {
		return false, nil
	}

	done, err := f.token.Done()
	if err != nil {
		return false, fmt.Errorf("frame: poll %s: %w", f.label, err)
	}
	if !done {
		stalled = true
		stalls.Add(1)
		if strict {
			return true, fmt.Errorf("%w: %s", ErrReclaimStalled, f.label)
		}
		slogger().Warn("frame: reclaim wait blocked, GPU is behind the reclaim lag", "fence", f.label)
		ok, err := f.token.Wait(gpucore.WaitForever)
		if err != nil {
			return true, fmt.Errorf("frame: wait %s: %w", f.label, err)
		}
		if !ok {
			return true, fmt.Errorf("%w: %s", ErrFenceTimeout, f.label)
		}
	}

	f.mu.Lock()
	f.pending = false
	f.mu.Unlock()
	return stalled, nil
}

// Destroy releases the token.
func (f *Fence) Destroy() {
	f.token.Destroy()
}
