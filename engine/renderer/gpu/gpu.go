// Package gpu defines the explicit GPU driver interface the renderer is
// written against.
//
// The model is the one of modern explicit APIs: work is recorded into
// command lists backed by command allocators, submitted to queues of a
// given class, and tracked with monotonic fences. Nothing is implicitly
// ordered across queues.
package gpu

// QueueType is the class of a queue. A command list can only be executed on
// a queue of the class it was created for.
type QueueType int

const (
	QueueDirect QueueType = iota
	QueueCopy

	QueueTypeCount
)

func (t QueueType) String() string {
	switch t {
	case QueueDirect:
		return "direct"
	case QueueCopy:
		return "copy"
	default:
		return "unknown"
	}
}

// GPUAddress is a virtual address in device memory. Zero is never a valid
// address.
type GPUAddress uint64

// Device is a GPU device.
type Device interface {
	// CreateQueue creates a new queue of the given class.
	CreateQueue(typ QueueType) (Queue, error)

	// CreateFence creates a new fence whose completed value is initial.
	CreateFence(initial uint64) (Fence, error)

	// CreateCommandAllocator creates the memory backing for command lists of
	// the given class.
	CreateCommandAllocator(typ QueueType) (CommandAllocator, error)

	// CreateCommandList creates a command list in the closed state.
	// It must be reset against an allocator before recording.
	CreateCommandList(typ QueueType) (CommandList, error)

	// CreateBuffer creates a linear buffer placed in the device's virtual
	// address space.
	CreateBuffer(desc BufferDesc) (Buffer, error)

	// CreateTexture creates a 2D texture.
	CreateTexture(desc TextureDesc) (Texture, error)

	// CreatePipeline creates a graphics pipeline state object.
	CreatePipeline(desc PipelineDesc) (Pipeline, error)

	// CreateSwapchain creates a swapchain that presents through queue.
	CreateSwapchain(queue Queue, desc SwapchainDesc) (Swapchain, error)

	// AccelerationStructurePrebuildInfo returns the buffer sizes needed to
	// build an acceleration structure from inputs. It fails with
	// ErrDeviceLimit when the result would not fit the device limits.
	AccelerationStructurePrebuildInfo(inputs *BuildInputs) (PrebuildInfo, error)

	// Limits returns the device limits.
	Limits() Limits

	// Stats returns a snapshot of the device counters.
	Stats() Stats

	// Close releases the device. Queues must be idle.
	Close()
}

// Limits describes implementation limits.
type Limits struct {
	MaxBufferSize                uint64
	MaxAccelerationStructureSize uint64
	MaxTextureDimension          uint32
	DescriptorHeapSize           uint32
	ConstantBufferAlignment      uint64
	AccelerationStructureAlign   uint64
}

// Stats counts work the device has seen. Submissions counts calls to
// ExecuteCommandLists, per queue class, at the time of the call.
type Stats struct {
	Submissions    [QueueTypeCount]uint64
	ExecutedLists  uint64
	Draws          uint64
	Copies         uint64
	Builds         uint64
	Presents       uint64
	Signals        uint64
	AllocatedBytes uint64
}

// TotalSubmissions sums Submissions over every queue class.
func (s Stats) TotalSubmissions() uint64 {
	var n uint64
	for _, v := range s.Submissions {
		n += v
	}
	return n
}

// Queue executes command lists in submission order.
type Queue interface {
	Type() QueueType

	// ExecuteCommandLists submits closed command lists. They execute one
	// after the other, after everything submitted before.
	ExecuteCommandLists(lists ...CommandList) error

	// Signal sets fence to value once all previously submitted work retired.
	Signal(fence Fence, value uint64) error

	// Wait makes work submitted afterwards wait until fence reaches value.
	// It does not block the caller.
	Wait(fence Fence, value uint64) error

	// Destroy destroys the queue. Any further use fails with
	// ErrQueueDestroyed.
	Destroy()
}

// Fence is a monotonic 64-bit counter written by queues.
type Fence interface {
	CompletedValue() uint64

	// WaitCPU blocks until the completed value is at least value. There is
	// no timeout: it only returns early if the device is lost.
	WaitCPU(value uint64) error

	Destroy()
}

// CommandAllocator backs the memory of recorded commands.
type CommandAllocator interface {
	Type() QueueType

	// Reset reclaims the memory of every list recorded into the allocator.
	// It fails with ErrAllocatorInUse while any of them is still executing.
	Reset() error

	Destroy()
}

// Resource is anything a barrier can refer to.
type Resource interface {
	Name() string
	Destroy()
}

// Buffer is a linear range of device memory.
type Buffer interface {
	Resource
	Size() uint64
	Address() GPUAddress
	Heap() HeapType

	// Map returns the CPU view of an upload heap buffer. It fails with
	// ErrNotMappable for other heaps and with ErrMapFailed when the view
	// could not be obtained.
	Map() ([]byte, error)
	Unmap()
}

// Texture is a 2D image with a mip chain.
type Texture interface {
	Resource
	Width() uint32
	Height() uint32
	MipLevels() uint32
	Format() Format
}

// Pipeline is an opaque graphics pipeline state.
type Pipeline interface {
	Name() string
	Destroy()
}

// Swapchain owns the back buffers presented to the screen.
type Swapchain interface {
	CurrentBackBufferIndex() int
	CurrentBackBuffer() Texture
	BufferCount() int

	// Present queues the current back buffer for presentation on the
	// swapchain's queue and advances to the next back buffer. The back
	// buffer must be in StatePresent when the present executes.
	Present() error

	// Resize recreates the back buffers. The queue must be idle.
	Resize(width, height uint32) error

	Destroy()
}
