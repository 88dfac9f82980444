package frame

import (
	"errors"
	"fmt"
	"sync"
)

// Default pacing constants.
const (
	// DefaultFramesInFlight is the number of frame slots in the ring.
	DefaultFramesInFlight = 8

	// DefaultReclaimLag is how many frames after sealing a slot is reclaimed.
	DefaultReclaimLag = 6
)

// ErrInvalidPacing is returned for an inconsistent frames-in-flight / lag pair.
var ErrInvalidPacing = errors.New("frame: invalid pacing configuration")

// Participant is a per-frame resource driven by a Pacer.
type Participant interface {
	// SwapFrame seals the current frame into slot.
	SwapFrame(slot int) error

	// FreeOldFrame reclaims the memory sealed into slot.
	FreeOldFrame(slot int) error
}

// Pacer drives frame boundaries for a set of participants.
//
// At each boundary the current slot is sealed in every participant, the
// slot sealed ReclaimLag frames earlier is reclaimed, frame-start hooks run
// and the pacer advances to the next slot.
//
// Pacer is meant to be driven by a single goroutine; the mutex only makes
// Slot and Frame safe to read from elsewhere.
type Pacer struct {
	mu sync.Mutex

	framesInFlight int
	lag            int

	slot  int
	frame uint64

	participants []Participant
	hooks        []func()
}

// NewPacer creates a pacer. lag must satisfy 0 <= lag < framesInFlight.
func NewPacer(framesInFlight, lag int, participants ...Participant) (*Pacer, error) {
	if framesInFlight < 1 {
		return nil, fmt.Errorf("%w: %d frames in flight", ErrInvalidPacing, framesInFlight)
	}
	if lag < 0 || lag >= framesInFlight {
		return nil, fmt.Errorf("%w: reclaim lag %d with %d frames in flight", ErrInvalidPacing, lag, framesInFlight)
	}
	return &Pacer{
		framesInFlight: framesInFlight,
		lag:            lag,
		participants:   participants,
	}, nil
}

// Add registers another participant.
func (p *Pacer) Add(part Participant) {
	p.mu.Lock()
	p.participants = append(p.participants, part)
	p.mu.Unlock()
}

// OnFrameStart registers fn to run after reclamation at every boundary.
func (p *Pacer) OnFrameStart(fn func()) {
	p.mu.Lock()
	p.hooks = append(p.hooks, fn)
	p.mu.Unlock()
}

// FramesInFlight returns the number of frame slots.
func (p *Pacer) FramesInFlight() int { return p.framesInFlight }

// Lag returns the reclaim lag.
func (p *Pacer) Lag() int { return p.lag }

// Slot returns the slot of the frame being built.
func (p *Pacer) Slot() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slot
}

// Frame returns the number of completed frame boundaries.
func (p *Pacer) Frame() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frame
}

// ReclaimSlot returns the slot reclaimed at the boundary that seals slot.
func (p *Pacer) ReclaimSlot(slot int) int {
	return (slot - p.lag + p.framesInFlight) % p.framesInFlight
}

// NewFrame performs one frame boundary. Errors from individual participants
// are joined; the pacer advances regardless so that slot numbering stays
// consistent with the participants' own bookkeeping.
func (p *Pacer) NewFrame() error {
	p.mu.Lock()
	slot := p.slot
	parts := append([]Participant(nil), p.participants...)
	hooks := append([]func(){}, p.hooks...)
	p.mu.Unlock()

	var errs []error
	for _, part := range parts {
		if err := part.SwapFrame(slot); err != nil {
			errs = append(errs, err)
		}
	}

	reclaim := p.ReclaimSlot(slot)
	for _, part := range parts {
		if err := part.FreeOldFrame(reclaim); err != nil {
			errs = append(errs, err)
		}
	}

	for _, fn := range hooks {
		fn()
	}

	p.mu.Lock()
	p.slot = (slot + 1) % p.framesInFlight
	p.frame++
	frame := p.frame
	p.mu.Unlock()

	slogger().Debug("frame: boundary", "frame", frame, "sealed", slot, "reclaimed", reclaim)
	return errors.Join(errs...)
}
