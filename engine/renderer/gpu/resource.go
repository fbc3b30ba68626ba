package gpu

// HeapType is where a resource lives.
type HeapType int

const (
	// HeapDefault is device-local memory. The CPU cannot map it.
	HeapDefault HeapType = iota
	// HeapUpload is CPU-writable memory the device reads over the bus.
	HeapUpload
)

// ResourceState is the usage a resource is currently prepared for.
type ResourceState int

const (
	StateCommon ResourceState = iota
	StateCopyDest
	StateCopySource
	StateGenericRead
	StateVertexAndConstantBuffer
	StatePixelShaderResource
	StateUnorderedAccess
	StateRenderTarget
	StateDepthWrite
	StatePresent
	StateRaytracingAccelerationStructure
)

func (s ResourceState) String() string {
	switch s {
	case StateCommon:
		return "common"
	case StateCopyDest:
		return "copy_dest"
	case StateCopySource:
		return "copy_source"
	case StateGenericRead:
		return "generic_read"
	case StateVertexAndConstantBuffer:
		return "vertex_and_constant_buffer"
	case StatePixelShaderResource:
		return "pixel_shader_resource"
	case StateUnorderedAccess:
		return "unordered_access"
	case StateRenderTarget:
		return "render_target"
	case StateDepthWrite:
		return "depth_write"
	case StatePresent:
		return "present"
	case StateRaytracingAccelerationStructure:
		return "raytracing_acceleration_structure"
	default:
		return "unknown"
	}
}

type BufferFlags uint32

const (
	BufferAllowUnorderedAccess BufferFlags = 1 << iota
	BufferAccelerationStructure
)

// BufferDesc describes a buffer.
type BufferDesc struct {
	Name         string
	Size         uint64
	Heap         HeapType
	Flags        BufferFlags
	InitialState ResourceState
}

// Format is a texel format.
type Format int

const (
	FormatUnknown Format = iota
	FormatRGBA8Unorm
	FormatBGRA8Unorm
	FormatD32Float
)

// BytesPerTexel returns the size of one texel of f.
func (f Format) BytesPerTexel() uint32 {
	switch f {
	case FormatRGBA8Unorm, FormatBGRA8Unorm, FormatD32Float:
		return 4
	default:
		return 0
	}
}

type TextureFlags uint32

const (
	TextureRenderTarget TextureFlags = 1 << iota
	TextureDepthStencil
)

// TextureDesc describes a 2D texture.
type TextureDesc struct {
	Name         string
	Width        uint32
	Height       uint32
	MipLevels    uint32
	Format       Format
	Flags        TextureFlags
	InitialState ResourceState
}

// PipelineDesc describes the root signature layout and the output formats of
// a graphics pipeline. Shaders are opaque to the driver interface.
type PipelineDesc struct {
	Name                string
	RenderTargetFormat  Format
	DepthFormat         Format
	RootConstantBuffers uint32
	RootShaderResources uint32
}

// SwapchainDesc describes a swapchain.
type SwapchainDesc struct {
	Width       uint32
	Height      uint32
	BufferCount int
	Format      Format
}

type BarrierType int

const (
	BarrierTransition BarrierType = iota
	BarrierUAV
)

// ResourceBarrier synchronizes the use of a resource inside a queue.
type ResourceBarrier struct {
	Type     BarrierType
	Resource Resource
	Before   ResourceState
	After    ResourceState
}

// TransitionBarrier moves r from before to after.
func TransitionBarrier(r Resource, before, after ResourceState) ResourceBarrier {
	return ResourceBarrier{Type: BarrierTransition, Resource: r, Before: before, After: after}
}

// UAVBarrier makes all unordered writes to r visible to later commands.
// A nil resource covers every resource.
func UAVBarrier(r Resource) ResourceBarrier {
	return ResourceBarrier{Type: BarrierUAV, Resource: r}
}
