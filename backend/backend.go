package backend

import (
	"errors"

	"github.com/gogpu/deferred/gpucore"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not available.
	ErrBackendNotAvailable = errors.New("backend: not available")
)

// Backend name constants.
const (
	// BackendSoftware is the name of the in-memory software backend.
	BackendSoftware = "software"
	// BackendNative is the name of the Pure Go GPU backend (gogpu/wgpu hal).
	BackendNative = "native"
)

// Device is a device opened through the registry.
//
// It embeds the gpucore.Device, so it can be passed directly to
// deferred.New.
type Device struct {
	gpucore.Device

	name    string
	release func()
}

// NewDevice wraps dev for return from a Factory. release, if not nil, is
// called once by Close.
func NewDevice(name string, dev gpucore.Device, release func()) *Device {
	return &Device{Device: dev, name: name, release: release}
}

// Name returns the backend identifier (e.g., "software", "native").
func (d *Device) Name() string { return d.name }

// Close releases backend resources. The device must not be used after
// Close is called.
func (d *Device) Close() {
	if d.release != nil {
		d.release()
		d.release = nil
	}
}
