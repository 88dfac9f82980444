// Package gpucore defines the device abstraction consumed by the deferred
// recording scheduler and the frame ring allocators.
//
// The package only describes what the core needs from a GPU: recording
// contexts that turn commands into immutable batches, a primary queue that
// executes batches and uploads buffer data, completion tokens that report
// asynchronous GPU progress, and buffers.
//
// # Architecture
//
//	               +-----------------+
//	               |  jobs / ring /  |
//	               |      frame      |
//	               +--------+--------+
//	                        |  gpucore.Device
//	         +--------------+--------------+
//	         |                             |
//	+--------v--------+          +--------v--------+
//	| backend/native  |          |backend/software |
//	|  (hal.Device)   |          |   (in memory)   |
//	+--------+--------+          +-----------------+
//	         |
//	+--------v--------+
//	|   gogpu/wgpu    |
//	|   (Pure Go)     |
//	+-----------------+
//
// # Bindings
//
// A [Bindings] table holds constant buffers and shader resources per stage.
// Deferred recordings start from a copy of the immediate queue's table so
// that recorded batches see a consistent resource-binding state.
//
// # Tokens
//
// A [Token] is signalled on the primary queue at a frame boundary and polled
// before memory written during that frame is reused. Polling never blocks;
// [Token.Wait] is the blocking fallback.
package gpucore
