// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package software

import (
	"fmt"

	"github.com/gogpu/deferred/gpucore"
)

// Context is a software recording context. It is not safe for concurrent
// use, matching the gpucore.RecordingContext contract.
type Context struct {
	device *Device
	label  string

	bindings  gpucore.Bindings
	commands  []Command
	recording bool
	finished  int
}

// Label implements gpucore.RecordingContext.
func (c *Context) Label() string { return c.label }

// Begin implements gpucore.RecordingContext.
func (c *Context) Begin() error {
	c.commands = c.commands[:0]
	c.recording = true
	return nil
}

// SetBindings implements gpucore.RecordingContext.
func (c *Context) SetBindings(b *gpucore.Bindings) {
	c.bindings = *b
}

// Bindings implements gpucore.RecordingContext.
func (c *Context) Bindings() gpucore.Bindings {
	return c.bindings
}

// CopyBuffer implements gpucore.RecordingContext.
func (c *Context) CopyBuffer(dst gpucore.Buffer, dstOffset uint64, src gpucore.Buffer, srcOffset, size uint64) {
	c.commands = append(c.commands, Command{
		Kind:      CommandCopy,
		Dst:       dst,
		Src:       src,
		DstOffset: dstOffset,
		SrcOffset: srcOffset,
		Size:      size,
	})
}

// Draw implements gpucore.RecordingContext.
func (c *Context) Draw(vertexCount, firstVertex uint32) {
	c.commands = append(c.commands, Command{
		Kind:        CommandDraw,
		VertexCount: vertexCount,
		FirstVertex: firstVertex,
	})
}

// Len returns the number of commands recorded since Begin.
func (c *Context) Len() int { return len(c.commands) }

// Finish implements gpucore.RecordingContext.
func (c *Context) Finish() (gpucore.CommandBatch, error) {
	if !c.recording {
		return nil, fmt.Errorf("%w: %s", ErrNotRecording, c.label)
	}
	c.recording = false
	if err := c.device.takeFinishErr(); err != nil {
		c.commands = c.commands[:0]
		return nil, err
	}
	c.finished++
	cmds := make([]Command, len(c.commands))
	copy(cmds, c.commands)
	c.commands = c.commands[:0]
	return &Batch{
		label:    fmt.Sprintf("%s#%d", c.label, c.finished),
		commands: cmds,
	}, nil
}

// Discard implements gpucore.RecordingContext.
func (c *Context) Discard() {
	c.commands = c.commands[:0]
	c.recording = false
}

// Destroy implements gpucore.RecordingContext.
func (c *Context) Destroy() {
	c.Discard()
}

// Batch is a finished software command list.
type Batch struct {
	label    string
	commands []Command
	released bool
}

// Label implements gpucore.CommandBatch.
func (b *Batch) Label() string { return b.label }

// Commands returns the recorded commands.
func (b *Batch) Commands() []Command { return b.commands }

// Release implements gpucore.CommandBatch.
func (b *Batch) Release() {
	b.released = true
	b.commands = nil
}
