// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package software

import (
	"fmt"
	"sync"

	"github.com/gogpu/deferred/gpucore"
)

// CommandKind identifies a recorded command.
type CommandKind int

const (
	// CommandCopy is a buffer-to-buffer copy.
	CommandCopy CommandKind = iota

	// CommandDraw is a draw call. The software backend only logs it.
	CommandDraw
)

// Command is one recorded command.
type Command struct {
	Kind CommandKind

	Dst, Src             gpucore.Buffer
	DstOffset, SrcOffset uint64
	Size                 uint64

	VertexCount uint32
	FirstVertex uint32
}

// Queue is the primary queue of a software Device.
type Queue struct {
	device *Device

	mu       sync.Mutex
	bindings gpucore.Bindings
	executed []string
	writes   int
}

// Bindings implements gpucore.Queue.
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

// Execute implements gpucore.Queue. Copy commands are applied in order.
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
	for i, cmd := range b.commands {
		if cmd.Kind != CommandCopy {
			continue
		}
		if err := applyCopy(cmd); err != nil {
			return fmt.Errorf("software: %s command %d: %w", b.label, i, err)
		}
	}
	q.executed = append(q.executed, b.label)
	return nil
}

// WriteBuffer implements gpucore.Queue. The write is applied immediately.
func (q *Queue) WriteBuffer(buf gpucore.Buffer, offset uint64, data []byte) error {
	b, err := asBuffer(buf)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.writes++
	q.mu.Unlock()
	return b.write(offset, data)
}

// Signal implements gpucore.Queue.
func (q *Queue) Signal(tok gpucore.Token) error {
	t, ok := tok.(*Token)
	if !ok || t == nil {
		return fmt.Errorf("%w: %T", ErrForeignObject, tok)
	}
	serial := q.device.signal()
	t.mu.Lock()
	t.serial = serial
	t.mu.Unlock()
	return nil
}

// Executed returns the labels of executed batches in execution order.
func (q *Queue) Executed() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.executed))
	copy(out, q.executed)
	return out
}

// Writes returns the number of WriteBuffer calls.
func (q *Queue) Writes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.writes
}

func applyCopy(cmd Command) error {
	src, err := asBuffer(cmd.Src)
	if err != nil {
		return err
	}
	dst, err := asBuffer(cmd.Dst)
	if err != nil {
		return err
	}
	data, err := src.Read(cmd.SrcOffset, cmd.Size)
	if err != nil {
		return err
	}
	return dst.write(cmd.DstOffset, data)
}
