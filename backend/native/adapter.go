//go:build !nogpu

// Package native implements the gpucore device abstraction on top of the
// gogpu/wgpu hardware abstraction layer.
//
// Recording contexts wrap HAL command encoders, command batches are HAL
// command buffers, and completion tokens are HAL fences driven by a
// monotonically increasing value. The device can wrap an existing HAL
// device, borrow one from a gpucontext.DeviceProvider, or open a standalone
// Vulkan device.
package native

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/deferred/gpucore"
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	_ "github.com/gogpu/wgpu/hal/vulkan"
)

// Device implements gpucore.Device using gogpu/wgpu/hal directly.
//
// Thread Safety: Device is safe for concurrent use from multiple goroutines.
// HAL queue submissions are serialized by the Queue.
type Device struct {
	device hal.Device
	queue  *Queue

	// instance is set when the device was opened by OpenVulkan and must be
	// destroyed with it.
	instance hal.Instance

	mu     sync.Mutex
	closed bool

	contexts atomic.Int64
	buffers  atomic.Int64
	tokens   atomic.Int64
}

// NewDevice wraps an already opened HAL device and queue. The caller keeps
// ownership of both.
func NewDevice(device hal.Device, queue hal.Queue) (*Device, error) {
	if device == nil || queue == nil {
		return nil, ErrNilDevice
	}
	d := &Device{device: device}
	d.queue = &Queue{device: d, queue: queue}
	return d, nil
}

// NewDeviceFromProvider borrows the HAL device of a gpucontext provider,
// typically a gogpu window. The provider must implement HalDevice() any and
// HalQueue() any returning hal.Device and hal.Queue.
func NewDeviceFromProvider(provider gpucontext.DeviceProvider) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNotHAL
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNotHAL)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrNotHAL)
	}
	return NewDevice(device, queue)
}

// OpenVulkan creates a standalone Vulkan device, preferring discrete and
// integrated GPUs over software adapters. The returned device owns the HAL
// instance; release it with Destroy.
func OpenVulkan() (*Device, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("%w: vulkan backend not available", ErrNoGPU)
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("native: create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoGPU
	}

	selected := &adapters[0]
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("native: open device: %w", err)
	}

	d, err := NewDevice(openDev.Device, openDev.Queue)
	if err != nil {
		openDev.Device.Destroy()
		instance.Destroy()
		return nil, err
	}
	d.instance = instance

	slogger().Info("native: opened vulkan device",
		"adapter", selected.Info.Name,
		"type", selected.Info.DeviceType)
	return d, nil
}

// HalDevice returns the wrapped HAL device.
func (d *Device) HalDevice() hal.Device { return d.device }

// PrimaryQueue implements gpucore.Device.
func (d *Device) PrimaryQueue() gpucore.Queue { return d.queue }

// Queue returns the primary queue with its concrete type.
func (d *Device) Queue() *Queue { return d.queue }

// CreateRecordingContext implements gpucore.Device.
func (d *Device) CreateRecordingContext(label string) (gpucore.RecordingContext, error) {
	encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: label,
	})
	if err != nil {
		return nil, fmt.Errorf("native: create command encoder %q: %w", label, err)
	}
	d.contexts.Add(1)
	return &Context{device: d, label: label, encoder: encoder}, nil
}

// CreateToken implements gpucore.Device.
func (d *Device) CreateToken(label string) (gpucore.Token, error) {
	fence, err := d.device.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("native: create fence %q: %w", label, err)
	}
	d.tokens.Add(1)
	return &Token{device: d, label: label, fence: fence}, nil
}

// CreateBuffer implements gpucore.Device.
func (d *Device) CreateBuffer(desc gpucore.BufferDescriptor) (gpucore.Buffer, error) {
	buf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: convertBufferUsage(desc.Usage),
	})
	if err != nil {
		return nil, fmt.Errorf("native: create buffer %q: %w", desc.Label, err)
	}
	d.buffers.Add(1)
	return &Buffer{device: d, label: desc.Label, size: desc.Size, usage: desc.Usage, buf: buf}, nil
}

// Counts returns the number of live contexts, buffers and tokens.
func (d *Device) Counts() (contexts, buffers, tokens int) {
	return int(d.contexts.Load()), int(d.buffers.Load()), int(d.tokens.Load())
}

// Destroy releases the HAL device and instance if this Device opened them.
// Devices created by NewDevice or NewDeviceFromProvider leave the HAL
// objects to their owner.
func (d *Device) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if d.instance != nil {
		d.device.Destroy()
		d.instance.Destroy()
		d.instance = nil
	}
}

// convertBufferUsage converts gpucore.BufferUsage to gputypes.BufferUsage.
func convertBufferUsage(usage gpucore.BufferUsage) gputypes.BufferUsage {
	var result gputypes.BufferUsage

	if usage&gpucore.BufferUsageMapRead != 0 {
		result |= gputypes.BufferUsageMapRead
	}
	if usage&gpucore.BufferUsageMapWrite != 0 {
		result |= gputypes.BufferUsageMapWrite
	}
	if usage&gpucore.BufferUsageCopySrc != 0 {
		result |= gputypes.BufferUsageCopySrc
	}
	if usage&gpucore.BufferUsageCopyDst != 0 {
		result |= gputypes.BufferUsageCopyDst
	}
	if usage&gpucore.BufferUsageIndex != 0 {
		result |= gputypes.BufferUsageIndex
	}
	if usage&gpucore.BufferUsageVertex != 0 {
		result |= gputypes.BufferUsageVertex
	}
	if usage&gpucore.BufferUsageUniform != 0 {
		result |= gputypes.BufferUsageUniform
	}
	if usage&gpucore.BufferUsageStorage != 0 {
		result |= gputypes.BufferUsageStorage
	}
	if usage&gpucore.BufferUsageIndirect != 0 {
		result |= gputypes.BufferUsageIndirect
	}

	return result
}
