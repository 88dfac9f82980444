package jobs

// DirtyFlags marks which parts of the pipeline state must be re-emitted by
// the next draw recorded with a State.
type DirtyFlags uint32

// Dirty bits.
const (
	DirtyVertexShader DirtyFlags = 1 << iota
	DirtyPixelShader
	DirtyComputeShader
	DirtyInputLayout
	DirtyVertexBuffers
	DirtyIndexBuffer
	DirtyConstantBuffers
	DirtyRasterizer
	DirtyBlend
	DirtyDepthStencil
	DirtyShaderResources
	DirtyViewport
	DirtyScissor
	DirtyRenderTargets
	DirtyTopology

	// DirtyAll marks every bit, including ones not named above.
	DirtyAll DirtyFlags = 0xFFFFFFFF
)

// recordingDirty is the flag set a worker installs before recording: the
// recording context starts without pipeline state, but its shader resources
// were copied forward from the primary queue.
const recordingDirty = DirtyAll &^ DirtyShaderResources

// Viewport is the rasterizer viewport.
type Viewport struct {
	X, Y, Width, Height float32
	MinDepth, MaxDepth  float32
}

// Rect is a scissor rectangle.
type Rect struct {
	X, Y, Width, Height int32
}

// State is the pipeline state a job inherits from the goroutine that
// submitted it. It is a plain value: Submit copies it into the job slot, so
// later changes on the submitting side do not affect the job.
type State struct {
	// FrameIndex is the frame the state belongs to.
	FrameIndex uint64

	Dirty DirtyFlags

	Viewport Viewport
	Scissor  Rect

	// Pipeline objects are referenced by the IDs of the device abstraction.
	VertexShader      uint32
	PixelShader       uint32
	ComputeShader     uint32
	InputLayout       uint32
	RasterizerState   uint32
	BlendState        uint32
	DepthStencilState uint32

	Topology    uint32
	StencilRef  uint32
	BlendFactor [4]float32
	SampleMask  uint32
}

// MarkDirty sets flags.
func (s *State) MarkDirty(flags DirtyFlags) { s.Dirty |= flags }

// IsDirty reports whether any of flags is set.
func (s *State) IsDirty(flags DirtyFlags) bool { return s.Dirty&flags != 0 }

// ClearDirty clears flags.
func (s *State) ClearDirty(flags DirtyFlags) { s.Dirty &^= flags }
