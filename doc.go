// Package deferred records GPU command batches on worker goroutines and
// hands out frame-lagged GPU-visible memory for them.
//
// # Overview
//
// A Renderer ties together three pieces:
//   - a jobs.Scheduler that records command batches on a fixed pool of
//     workers while the driving goroutine keeps going,
//   - ring.Allocator arenas for vertex/index and constant data whose spans
//     are reclaimed only after the GPU has finished with them,
//   - a frame.Pacer that seals each frame, signals its completion token
//     and reclaims the frame a fixed number of boundaries behind.
//
// # Quick Start
//
//	dev := software.NewDevice()
//	r, err := deferred.New(dev)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer r.Close()
//
//	vb, _ := r.MapDynamicBuffer(uint64(len(vertices)))
//	copy(vb.Data, vertices)
//
//	h, _ := r.RenderDeferred(func(rec *jobs.Recorder, off uint64, n uint32) {
//	    rec.Context().CopyBuffer(dst, 0, vb.Buffer, off, uint64(n))
//	}, vb.Offset, uint32(len(vertices)), deferred.RecordCommands)
//
//	_ = r.NewFrame()        // uploads mapped data, seals the frame
//	_ = r.WaitDeferred(h)   // executes the recorded batch
//
// # Devices
//
// The Renderer talks to the GPU through gpucore.Device. backend/software
// provides an in-memory device with a simulated completion timeline;
// backend/native drives a wgpu hal device.
//
// # Logging
//
// Nothing is logged by default. See SetLogger.
package deferred
