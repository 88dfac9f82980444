//go:build !nogpu

package native

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gogpu/deferred/gpucore"
	"github.com/gogpu/wgpu/hal"
)

// Token is a HAL fence plus the value its last signal will reach.
type Token struct {
	device *Device
	label  string
	fence  hal.Fence

	// target is the fence value of the most recent Signal; 0 means the
	// token was never signalled.
	target atomic.Uint64
}

// Label returns the debug label.
func (t *Token) Label() string { return t.label }

// Target returns the fence value the token waits for.
func (t *Token) Target() uint64 { return t.target.Load() }

// Done implements gpucore.Token.
func (t *Token) Done() (bool, error) {
	return t.Wait(0)
}

// Wait implements gpucore.Token.
func (t *Token) Wait(timeout time.Duration) (bool, error) {
	value := t.target.Load()
	if value == 0 || t.fence == nil {
		return true, nil
	}
	ok, err := t.device.device.Wait(t.fence, value, timeout)
	if err != nil {
		return false, fmt.Errorf("native: wait %s for %d: %w", t.label, value, err)
	}
	return ok, nil
}

// Destroy implements gpucore.Token.
func (t *Token) Destroy() {
	if t.fence == nil {
		return
	}
	t.device.device.DestroyFence(t.fence)
	t.fence = nil
	t.device.tokens.Add(-1)
}

// Buffer is a HAL buffer with its creation parameters.
type Buffer struct {
	device *Device
	label  string
	size   uint64
	usage  gpucore.BufferUsage
	buf    hal.Buffer
}

// Label implements gpucore.Buffer.
func (b *Buffer) Label() string { return b.label }

// Size implements gpucore.Buffer.
func (b *Buffer) Size() uint64 { return b.size }

// Usage implements gpucore.Buffer.
func (b *Buffer) Usage() gpucore.BufferUsage { return b.usage }

// HalBuffer returns the underlying HAL buffer.
func (b *Buffer) HalBuffer() hal.Buffer { return b.buf }

// Read copies size bytes starting at offset back to the CPU. The buffer
// must have been created with BufferUsageMapRead.
func (b *Buffer) Read(offset, size uint64) ([]byte, error) {
	if offset+size > b.size {
		return nil, fmt.Errorf("%w: read %d bytes at %d from %s", ErrOutOfRange, size, offset, b.label)
	}
	data := make([]byte, size)
	if err := b.device.queue.queue.ReadBuffer(b.buf, offset, data); err != nil {
		return nil, fmt.Errorf("native: read %s: %w", b.label, err)
	}
	return data, nil
}

// Destroy implements gpucore.Buffer.
func (b *Buffer) Destroy() {
	if b.buf == nil {
		return
	}
	b.device.device.DestroyBuffer(b.buf)
	b.buf = nil
	b.device.buffers.Add(-1)
}
