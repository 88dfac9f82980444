package gpucore

// Resource IDs
//
// Shader resource views are tracked by opaque IDs. The device abstraction
// maintains the mapping between IDs and the actual backend resources; the
// scheduler only copies them between binding tables.

// TextureID is an opaque handle to a shader-visible texture view.
type TextureID uint64

// InvalidID is the zero value, representing an unbound resource slot.
const InvalidID = 0

// BufferUsage is a bitmask specifying how a buffer will be used.
type BufferUsage uint32

// Buffer usage flags.
const (
	// BufferUsageMapRead indicates the buffer can be mapped for reading.
	BufferUsageMapRead BufferUsage = 1 << 0

	// BufferUsageMapWrite indicates the buffer can be mapped for writing.
	BufferUsageMapWrite BufferUsage = 1 << 1

	// BufferUsageCopySrc indicates the buffer can be used as a copy source.
	BufferUsageCopySrc BufferUsage = 1 << 2

	// BufferUsageCopyDst indicates the buffer can be used as a copy destination.
	BufferUsageCopyDst BufferUsage = 1 << 3

	// BufferUsageIndex indicates the buffer can be used as an index buffer.
	BufferUsageIndex BufferUsage = 1 << 4

	// BufferUsageVertex indicates the buffer can be used as a vertex buffer.
	BufferUsageVertex BufferUsage = 1 << 5

	// BufferUsageUniform indicates the buffer can be used as a uniform buffer.
	BufferUsageUniform BufferUsage = 1 << 6

	// BufferUsageStorage indicates the buffer can be used as a storage buffer.
	BufferUsageStorage BufferUsage = 1 << 7

	// BufferUsageIndirect indicates the buffer can be used for indirect dispatch/draw.
	BufferUsageIndirect BufferUsage = 1 << 8
)

// BufferDescriptor describes a buffer to create.
type BufferDescriptor struct {
	// Label is an optional debug name.
	Label string

	// Size is the buffer size in bytes.
	Size uint64

	// Usage specifies how the buffer will be used.
	Usage BufferUsage
}

// Stage identifies a programmable pipeline stage.
type Stage uint8

// Pipeline stages with their own binding tables.
const (
	StageVertex Stage = iota
	StagePixel
	StageCompute

	// NumStages is the number of stages in a binding table.
	NumStages
)

// String returns the short stage name.
func (s Stage) String() string {
	switch s {
	case StageVertex:
		return "VS"
	case StagePixel:
		return "PS"
	case StageCompute:
		return "CS"
	default:
		return "??"
	}
}

// Binding table limits.
const (
	// ConstantBufferSlots is the number of constant buffer slots per stage.
	ConstantBufferSlots = 14

	// ShaderResourceSlots is the number of shader resource slots per stage.
	ShaderResourceSlots = 128
)

// BufferBinding is a constant buffer range bound to one slot.
type BufferBinding struct {
	Buffer Buffer
	Offset uint64
	Size   uint64
}

// Bindings is the resource binding table of a queue or recording context.
// It is a plain value: copying it copies every slot.
type Bindings struct {
	ConstantBuffers [NumStages][ConstantBufferSlots]BufferBinding
	ShaderResources [NumStages][ShaderResourceSlots]TextureID
}

// CopyForward copies the bindings a deferred recording inherits from the
// immediate queue: constant buffers of every stage and the vertex and pixel
// shader resources. Compute shader resources are not carried over.
func (b *Bindings) CopyForward(src *Bindings) {
	b.ConstantBuffers = src.ConstantBuffers
	b.ShaderResources[StageVertex] = src.ShaderResources[StageVertex]
	b.ShaderResources[StagePixel] = src.ShaderResources[StagePixel]
}

// Bound returns the number of occupied slots across all stages.
func (b *Bindings) Bound() int {
	n := 0
	for s := range NumStages {
		for _, cb := range b.ConstantBuffers[s] {
			if cb.Buffer != nil {
				n++
			}
		}
		for _, srv := range b.ShaderResources[s] {
			if srv != InvalidID {
				n++
			}
		}
	}
	return n
}
