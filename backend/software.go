package backend

import (
	"github.com/gogpu/deferred/backend/software"
)

// init registers the software backend on package import.
func init() {
	Register(BackendSoftware, func() (*Device, error) {
		return NewDevice(BackendSoftware, software.NewDevice(), nil), nil
	})
}
