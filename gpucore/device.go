package gpucore

import (
	"math"
	"time"
)

// WaitForever is the timeout used for waits that must not give up.
const WaitForever = time.Duration(math.MaxInt64)

// Device creates the objects the scheduler and the allocators need.
// Implementations must be safe for concurrent use: recording contexts are
// created once at startup, but buffers and tokens may be created from any
// goroutine.
type Device interface {
	// PrimaryQueue returns the queue that executes finished command batches
	// in the order the driving goroutine submits them.
	PrimaryQueue() Queue

	// CreateRecordingContext creates a context that records commands
	// without executing them.
	CreateRecordingContext(label string) (RecordingContext, error)

	// CreateToken creates a completion token.
	CreateToken(label string) (Token, error)

	// CreateBuffer creates a GPU buffer.
	CreateBuffer(desc BufferDescriptor) (Buffer, error)
}

// Queue is the primary execution queue.
type Queue interface {
	// Bindings returns a copy of the binding table of the immediate state.
	Bindings() Bindings

	// SetBindings replaces the binding table of the immediate state.
	SetBindings(b *Bindings)

	// Execute submits a finished batch for execution. The batch may be
	// released once Execute returns.
	Execute(batch CommandBatch) error

	// WriteBuffer schedules an upload of data into buf at offset. The
	// upload is ordered before any batch executed afterwards.
	WriteBuffer(buf Buffer, offset uint64, data []byte) error

	// Signal arms tok so that it reports done once all work submitted
	// before this call has completed.
	Signal(tok Token) error
}

// RecordingContext records a sequence of GPU commands for later execution.
// A context is used by one goroutine at a time.
type RecordingContext interface {
	// Label returns the debug label.
	Label() string

	// Begin starts a new recording. Bindings set before Begin are kept.
	Begin() error

	// SetBindings replaces the context's binding table.
	SetBindings(b *Bindings)

	// Bindings returns a copy of the context's binding table.
	Bindings() Bindings

	// CopyBuffer records a buffer-to-buffer copy.
	CopyBuffer(dst Buffer, dstOffset uint64, src Buffer, srcOffset, size uint64)

	// Draw records a non-indexed draw with the context's current pipeline
	// state. Backends that cannot draw outside a render pass fail the
	// recording at Finish.
	Draw(vertexCount, firstVertex uint32)

	// Finish ends the recording and returns the immutable batch.
	Finish() (CommandBatch, error)

	// Discard abandons the current recording, if any.
	Discard()

	// Destroy releases the context.
	Destroy()
}

// CommandBatch is the immutable result of a recording.
type CommandBatch interface {
	// Label returns the label of the context that recorded the batch.
	Label() string

	// Release frees the batch. It must not be executed afterwards.
	Release()
}

// Token reports GPU completion of the work submitted before it was signalled.
// A token that was never signalled is done.
type Token interface {
	// Done reports completion without blocking.
	Done() (bool, error)

	// Wait blocks until the token is done or timeout elapses. It returns
	// false on timeout.
	Wait(timeout time.Duration) (bool, error)

	// Destroy releases the token.
	Destroy()
}

// Buffer is a GPU buffer.
type Buffer interface {
	// Label returns the debug label.
	Label() string

	// Size returns the buffer size in bytes.
	Size() uint64

	// Usage returns the usage flags the buffer was created with.
	Usage() BufferUsage

	// Destroy releases the buffer.
	Destroy()
}
