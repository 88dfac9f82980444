// Package backend provides a registry of gpucore device implementations.
//
// Backends register a Factory from init() functions and are selected at
// runtime. The software backend is always registered; the native backend
// is registered unless the module is built with the nogpu tag:
//
//	import "github.com/gogpu/deferred/backend"
//
// # Backend Selection
//
// Use OpenDefault to get the best available backend, or Open to request
// a specific backend by name:
//
//	// Native if a GPU opens, software otherwise
//	dev, err := backend.OpenDefault()
//
//	// Or request a specific backend
//	dev, err := backend.Open(backend.BackendSoftware)
//
// # Usage with Renderer
//
// The returned Device embeds gpucore.Device:
//
//	dev, err := backend.OpenDefault()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer dev.Close()
//
//	r, err := deferred.New(dev)
//
// # Available Backends
//
// - "software": in-memory buffers and a simulated GPU timeline (always available)
// - "native": GPU via gogpu/wgpu hal on Vulkan
package backend
