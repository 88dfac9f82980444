package jobs

import "github.com/gogpu/deferred/gpucore"

// Mode selects whether a job records commands.
type Mode int

const (
	// RecordCommands runs the job inside a recording and produces a batch.
	RecordCommands Mode = iota

	// NoRecording runs the job for its side effects only. Its Recorder has
	// no context and Wait returns a nil batch.
	NoRecording
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case RecordCommands:
		return "RecordCommands"
	case NoRecording:
		return "NoRecording"
	default:
		return "Mode(?)"
	}
}

// Func is the work of one job. arg1 and arg2 are passed through from Submit.
type Func func(rec *Recorder, arg1 uint64, arg2 uint32)

// Recorder is the view a job has of its slot: the recording context and a
// private copy of the submitter's State. A Recorder is only valid for the
// duration of the Func call.
type Recorder struct {
	handle Handle
	worker int
	ctx    gpucore.RecordingContext
	state  *State
}

// Context returns the recording context, or nil for NoRecording jobs.
func (r *Recorder) Context() gpucore.RecordingContext { return r.ctx }

// Recording reports whether the job records commands.
func (r *Recorder) Recording() bool { return r.ctx != nil }

// State returns the job's private state.
func (r *Recorder) State() *State { return r.state }

// Handle returns the handle of the job.
func (r *Recorder) Handle() Handle { return r.handle }

// Worker returns the index of the worker running the job.
func (r *Recorder) Worker() int { return r.worker }
