// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package software provides an in-memory implementation of the gpucore
// device abstraction.
//
// Buffers are byte slices, recorded commands are kept as a list and applied
// when a batch is executed, and completion tokens are driven by a simulated
// GPU timeline. The timeline can complete work immediately, after a fixed
// latency, or only when the caller says so, which makes the backend usable
// both as a CPU fallback and as a controllable fake in tests.
package software

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/deferred/gpucore"
)

// Errors returned by the software backend.
var (
	// ErrForeignObject is returned when an object created by another backend
	// is passed to the software backend.
	ErrForeignObject = errors.New("software: object was not created by the software backend")

	// ErrInvalidBufferSize is returned when creating a zero-sized buffer.
	ErrInvalidBufferSize = errors.New("software: invalid buffer size")

	// ErrOutOfRange is returned when a write or copy exceeds buffer bounds.
	ErrOutOfRange = errors.New("software: range out of buffer bounds")

	// ErrNotRecording is returned by Finish when Begin was not called.
	ErrNotRecording = errors.New("software: context is not recording")

	// ErrBatchReleased is returned when executing a released batch.
	ErrBatchReleased = errors.New("software: batch already released")
)

// CompletionMode selects how the simulated GPU timeline advances.
type CompletionMode int

const (
	// CompleteImmediately marks work complete as soon as it is signalled.
	CompleteImmediately CompletionMode = iota

	// CompleteAfterLatency marks work complete after the device latency.
	CompleteAfterLatency

	// CompleteManually leaves work pending until Complete is called.
	CompleteManually
)

// String returns the mode name.
func (m CompletionMode) String() string {
	switch m {
	case CompleteImmediately:
		return "Immediate"
	case CompleteAfterLatency:
		return "Latency"
	case CompleteManually:
		return "Manual"
	default:
		return fmt.Sprintf("Unknown(%d)", int(m))
	}
}

// Option configures a Device.
type Option func(*Device)

// WithLatency makes signalled work complete after d.
func WithLatency(d time.Duration) Option {
	return func(dev *Device) {
		dev.mode = CompleteAfterLatency
		dev.latency = d
	}
}

// WithManualCompletion leaves signalled work pending until Complete or
// CompleteThrough is called.
func WithManualCompletion() Option {
	return func(dev *Device) {
		dev.mode = CompleteManually
	}
}

// Device is an in-memory gpucore.Device.
//
// Device is safe for concurrent use.
type Device struct {
	mu sync.Mutex

	mode    CompletionMode
	latency time.Duration

	// Timeline: signalled is the serial of the last Signal call, completed
	// the highest serial the simulated GPU has finished.
	signalled uint64
	completed uint64

	// changed is closed and replaced whenever completed advances.
	changed chan struct{}

	queue *Queue

	// finishErr, when set, is returned by the next Finish call on any
	// context created by this device.
	finishErr error

	contexts int
	buffers  int
	tokens   int
}

// NewDevice creates a software device.
func NewDevice(opts ...Option) *Device {
	d := &Device{
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.queue = &Queue{device: d}
	return d
}

// Mode returns the completion mode.
func (d *Device) Mode() CompletionMode {
	return d.mode
}

// PrimaryQueue implements gpucore.Device.
func (d *Device) PrimaryQueue() gpucore.Queue {
	return d.queue
}

// Queue returns the primary queue with its concrete type.
func (d *Device) Queue() *Queue {
	return d.queue
}

// CreateRecordingContext implements gpucore.Device.
func (d *Device) CreateRecordingContext(label string) (gpucore.RecordingContext, error) {
	d.mu.Lock()
	d.contexts++
	d.mu.Unlock()
	return &Context{device: d, label: label}, nil
}

// CreateToken implements gpucore.Device.
func (d *Device) CreateToken(label string) (gpucore.Token, error) {
	d.mu.Lock()
	d.tokens++
	d.mu.Unlock()
	return &Token{device: d, label: label}, nil
}

// CreateBuffer implements gpucore.Device.
func (d *Device) CreateBuffer(desc gpucore.BufferDescriptor) (gpucore.Buffer, error) {
	if desc.Size == 0 {
		return nil, fmt.Errorf("%w: %q has size 0", ErrInvalidBufferSize, desc.Label)
	}
	d.mu.Lock()
	d.buffers++
	d.mu.Unlock()
	return &Buffer{
		label: desc.Label,
		usage: desc.Usage,
		data:  make([]byte, desc.Size),
	}, nil
}

// FailNextFinish makes the next Finish call on any context return err.
func (d *Device) FailNextFinish(err error) {
	d.mu.Lock()
	d.finishErr = err
	d.mu.Unlock()
}

func (d *Device) takeFinishErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.finishErr
	d.finishErr = nil
	return err
}

// Complete marks every signalled serial complete.
func (d *Device) Complete() {
	d.mu.Lock()
	target := d.signalled
	d.mu.Unlock()
	d.CompleteThrough(target)
}

// CompleteThrough marks every serial up to and including serial complete.
func (d *Device) CompleteThrough(serial uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if serial > d.signalled {
		serial = d.signalled
	}
	if serial <= d.completed {
		return
	}
	d.completed = serial
	close(d.changed)
	d.changed = make(chan struct{})
}

// Pending returns the number of signalled serials not yet complete.
func (d *Device) Pending() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.signalled - d.completed
}

// Counts returns how many contexts, buffers and tokens were created.
func (d *Device) Counts() (contexts, buffers, tokens int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.contexts, d.buffers, d.tokens
}

// signal advances the timeline and returns the new serial.
func (d *Device) signal() uint64 {
	d.mu.Lock()
	d.signalled++
	serial := d.signalled
	mode, latency := d.mode, d.latency
	d.mu.Unlock()

	switch mode {
	case CompleteImmediately:
		d.CompleteThrough(serial)
	case CompleteAfterLatency:
		time.AfterFunc(latency, func() { d.CompleteThrough(serial) })
	case CompleteManually:
	}
	return serial
}

// reached reports whether serial is complete and returns the channel that
// is closed on the next timeline advance.
func (d *Device) reached(serial uint64) (bool, <-chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.completed >= serial, d.changed
}

// Token is a completion token on the simulated timeline.
type Token struct {
	device *Device
	label  string

	mu     sync.Mutex
	serial uint64
}

// Label returns the debug label.
func (t *Token) Label() string { return t.label }

// Serial returns the timeline serial the token waits for. Zero means the
// token was never signalled.
func (t *Token) Serial() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.serial
}

// Done implements gpucore.Token.
func (t *Token) Done() (bool, error) {
	ok, _ := t.device.reached(t.Serial())
	return ok, nil
}

// Wait implements gpucore.Token.
func (t *Token) Wait(timeout time.Duration) (bool, error) {
	serial := t.Serial()
	var deadline <-chan time.Time
	if timeout != gpucore.WaitForever {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		ok, changed := t.device.reached(serial)
		if ok {
			return true, nil
		}
		select {
		case <-changed:
		case <-deadline:
			ok, _ = t.device.reached(serial)
			return ok, nil
		}
	}
}

// Destroy implements gpucore.Token.
func (t *Token) Destroy() {}

// Buffer is a byte-slice backed gpucore.Buffer.
type Buffer struct {
	label string
	usage gpucore.BufferUsage

	mu   sync.RWMutex
	data []byte
}

// Label implements gpucore.Buffer.
func (b *Buffer) Label() string { return b.label }

// Size implements gpucore.Buffer.
func (b *Buffer) Size() uint64 { return uint64(len(b.data)) }

// Usage implements gpucore.Buffer.
func (b *Buffer) Usage() gpucore.BufferUsage { return b.usage }

// Destroy implements gpucore.Buffer.
func (b *Buffer) Destroy() {}

// Read returns a copy of size bytes starting at offset.
func (b *Buffer) Read(offset, size uint64) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if offset+size > uint64(len(b.data)) {
		return nil, fmt.Errorf("%w: read [%d, %d) of %d", ErrOutOfRange, offset, offset+size, len(b.data))
	}
	out := make([]byte, size)
	copy(out, b.data[offset:offset+size])
	return out, nil
}

func (b *Buffer) write(offset uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	end := offset + uint64(len(data))
	if end > uint64(len(b.data)) {
		return fmt.Errorf("%w: write [%d, %d) of %d", ErrOutOfRange, offset, end, len(b.data))
	}
	copy(b.data[offset:end], data)
	return nil
}

func asBuffer(buf gpucore.Buffer) (*Buffer, error) {
	b, ok := buf.(*Buffer)
	if !ok || b == nil {
		return nil, fmt.Errorf("%w: %T", ErrForeignObject, buf)
	}
	return b, nil
}
