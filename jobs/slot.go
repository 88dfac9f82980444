package jobs

import (
	"sync/atomic"

	"github.com/gogpu/deferred/gpucore"
)

// slotState is the lifecycle position of a job slot.
type slotState int32

const (
	slotFree slotState = iota
	slotScheduled
	slotExecuting
	slotCompleted
)

func (s slotState) String() string {
	switch s {
	case slotFree:
		return "free"
	case slotScheduled:
		return "scheduled"
	case slotExecuting:
		return "executing"
	case slotCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// slot is one of the N job slots. Its identity and recording context are
// fixed for the lifetime of the scheduler; everything else is per job.
type slot struct {
	id int
	rc gpucore.RecordingContext

	fn   Func
	arg1 uint64
	arg2 uint32
	mode Mode

	state State

	batch gpucore.CommandBatch
	err   error

	phase   atomic.Int32
	waiting atomic.Bool
}

func (s *slot) setPhase(p slotState) { s.phase.Store(int32(p)) }

func (s *slot) getPhase() slotState { return slotState(s.phase.Load()) }

// reset clears the per-job fields before the slot returns to the free queue.
func (s *slot) reset() {
	s.fn = nil
	s.arg1, s.arg2 = 0, 0
	s.mode = RecordCommands
	s.batch = nil
	s.err = nil
}
