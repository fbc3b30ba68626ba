package gpu

// CommandList records commands for later execution on a queue.
//
// Recording methods do not return errors. A command recorded in a bad state
// is reported by Close, the first failure winning.
type CommandList interface {
	Type() QueueType

	// Reset opens the list for recording into alloc.
	Reset(alloc CommandAllocator) error

	// Close ends recording. The list can then be executed.
	Close() error

	CopyBufferRegion(dst Buffer, dstOffset uint64, src Buffer, srcOffset uint64, size uint64)
	CopyTextureRegion(dst Texture, mip uint32, src Buffer, srcOffset uint64)
	ResourceBarrier(barriers ...ResourceBarrier)

	ClearRenderTarget(target Texture, color [4]float32)
	ClearDepth(target Texture, depth float32)
	SetPipelineState(pipeline Pipeline)
	SetRenderTargets(target Texture, depth Texture)
	SetRootConstantBuffer(slot uint32, address GPUAddress)
	SetRootShaderResource(slot uint32, address GPUAddress)
	Draw(vertexCount, instanceCount uint32)

	BuildRaytracingAccelerationStructure(desc *BuildDesc)

	Destroy()
}
