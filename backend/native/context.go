//go:build !nogpu

package native

import (
	"fmt"
	"sync"

	"github.com/gogpu/deferred/gpucore"
	"github.com/gogpu/wgpu/hal"
)

// Context records commands into a HAL command encoder. It is not safe for
// concurrent use.
type Context struct {
	device  *Device
	label   string
	encoder hal.CommandEncoder

	bindings  gpucore.Bindings
	recording bool
	finished  int
	commands  int

	// err holds the first recording error. It is reported by Finish.
	err error
}

// Label implements gpucore.RecordingContext.
func (c *Context) Label() string { return c.label }

// Begin implements gpucore.RecordingContext.
func (c *Context) Begin() error {
	if c.recording {
		c.encoder.DiscardEncoding()
		c.recording = false
	}
	c.err = nil
	c.commands = 0
	if err := c.encoder.BeginEncoding(c.label); err != nil {
		return fmt.Errorf("native: begin encoding %q: %w", c.label, err)
	}
	c.recording = true
	return nil
}

// SetBindings implements gpucore.RecordingContext.
func (c *Context) SetBindings(b *gpucore.Bindings) { c.bindings = *b }

// Bindings implements gpucore.RecordingContext.
func (c *Context) Bindings() gpucore.Bindings { return c.bindings }

// CopyBuffer implements gpucore.RecordingContext. Copies between buffers
// of another backend fail the recording.
func (c *Context) CopyBuffer(dst gpucore.Buffer, dstOffset uint64, src gpucore.Buffer, srcOffset, size uint64) {
	if !c.recording {
		return
	}
	d, dok := dst.(*Buffer)
	s, sok := src.(*Buffer)
	if !dok || !sok {
		c.fail(fmt.Errorf("%w: copy %T -> %T", ErrForeignObject, src, dst))
		return
	}
	if srcOffset+size > s.size || dstOffset+size > d.size {
		c.fail(fmt.Errorf("%w: copy %d bytes %s@%d -> %s@%d", ErrOutOfRange, size, s.label, srcOffset, d.label, dstOffset))
		return
	}
	c.encoder.CopyBufferToBuffer(s.buf, d.buf, []hal.BufferCopy{
		{
			SrcOffset: srcOffset,
			DstOffset: dstOffset,
			Size:      size,
		},
	})
	c.commands++
}

// Draw implements gpucore.RecordingContext. Draws need a render pass with
// attachments, which recording contexts do not open, so the recording
// fails at Finish.
func (c *Context) Draw(vertexCount, firstVertex uint32) {
	if !c.recording {
		return
	}
	c.fail(fmt.Errorf("%w: draw of %d vertices at %d outside a render pass", ErrUnsupported, vertexCount, firstVertex))
}

func (c *Context) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Len returns the number of commands recorded since Begin.
func (c *Context) Len() int { return c.commands }

// Finish implements gpucore.RecordingContext.
func (c *Context) Finish() (gpucore.CommandBatch, error) {
	if !c.recording {
		return nil, fmt.Errorf("%w: %s", ErrNotRecording, c.label)
	}
	c.recording = false
	if c.err != nil {
		c.encoder.DiscardEncoding()
		return nil, c.err
	}
	cmdBuf, err := c.encoder.EndEncoding()
	if err != nil {
		return nil, fmt.Errorf("native: end encoding %q: %w", c.label, err)
	}
	c.finished++
	return &Batch{
		device: c.device,
		label:  fmt.Sprintf("%s#%d", c.label, c.finished),
		cmdBuf: cmdBuf,
	}, nil
}

// Discard implements gpucore.RecordingContext.
func (c *Context) Discard() {
	if c.recording {
		c.encoder.DiscardEncoding()
		c.recording = false
	}
}

// Destroy implements gpucore.RecordingContext.
func (c *Context) Destroy() {
	c.Discard()
	if c.encoder != nil {
		c.encoder = nil
		c.device.contexts.Add(-1)
	}
}

// Batch is a finished HAL command buffer.
type Batch struct {
	device   *Device
	label    string
	cmdBuf   hal.CommandBuffer
	released bool
}

// Label implements gpucore.CommandBatch.
func (b *Batch) Label() string { return b.label }

// Release implements gpucore.CommandBatch.
func (b *Batch) Release() {
	if b.released {
		return
	}
	b.released = true
	b.device.device.FreeCommandBuffer(b.cmdBuf)
	b.cmdBuf = nil
}

// Queue is the primary queue of a native Device. Submissions are
// serialized.
type Queue struct {
	device *Device
	queue  hal.Queue

	mu       sync.Mutex
	bindings gpucore.Bindings
	executed int
}

// Bindings implements gpucore.Queue. The binding table is kept on the CPU
// and applied by whoever records against the queue's state.
func (q *Queue) Bindings() gpucore.Bindings {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bindings
}

// SetBindings implements gpucore.Queue.
func (q *Queue) SetBindings(b *gpucore.Bindings) {
	q.mu.Lock()
	q.bindings = *b
	q.mu.Unlock()
}

// Execute implements gpucore.Queue.
func (q *Queue) Execute(batch gpucore.CommandBatch) error {
	b, ok := batch.(*Batch)
	if !ok || b == nil {
		return fmt.Errorf("%w: %T", ErrForeignObject, batch)
	}
	if b.released {
		return fmt.Errorf("%w: %s", ErrBatchReleased, b.label)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.queue.Submit([]hal.CommandBuffer{b.cmdBuf}, nil, 0); err != nil {
		return fmt.Errorf("native: submit %s: %w", b.label, err)
	}
	q.executed++
	return nil
}

// Executed returns the number of batches submitted so far.
func (q *Queue) Executed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.executed
}

// WriteBuffer implements gpucore.Queue.
func (q *Queue) WriteBuffer(buf gpucore.Buffer, offset uint64, data []byte) error {
	b, ok := buf.(*Buffer)
	if !ok || b == nil {
		return fmt.Errorf("%w: %T", ErrForeignObject, buf)
	}
	if offset+uint64(len(data)) > b.size {
		return fmt.Errorf("%w: write %d bytes at %d into %s (%d bytes)",
			ErrOutOfRange, len(data), offset, b.label, b.size)
	}
	if len(data) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue.WriteBuffer(b.buf, offset, data)
	return nil
}

// Signal implements gpucore.Queue. The token's fence is signalled with the
// next value once all previously submitted work has completed.
func (q *Queue) Signal(tok gpucore.Token) error {
	t, ok := tok.(*Token)
	if !ok || t == nil {
		return fmt.Errorf("%w: %T", ErrForeignObject, tok)
	}
	if t.fence == nil {
		return fmt.Errorf("%w: %s", ErrTokenDestroyed, t.label)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	value := t.target.Load() + 1
	if err := q.queue.Submit(nil, t.fence, value); err != nil {
		return fmt.Errorf("native: signal %s: %w", t.label, err)
	}
	t.target.Store(value)
	return nil
}
