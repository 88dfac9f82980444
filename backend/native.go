//go:build !nogpu

package backend

import (
	"github.com/gogpu/deferred/backend/native"
)

// init registers the native backend. Opening it fails on machines without
// a Vulkan driver, in which case OpenDefault falls back to software.
func init() {
	Register(BackendNative, func() (*Device, error) {
		dev, err := native.OpenVulkan()
		if err != nil {
			return nil, err
		}
		return NewDevice(BackendNative, dev, dev.Destroy), nil
	})
}
