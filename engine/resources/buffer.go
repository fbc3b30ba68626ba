package resources

import (
	"fmt"

	"github.com/spaghettifunk/anima-rt/engine/containers"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
)

type BufferComponentDesc struct {
	Name        string
	ElementSize uint64
	// ElementCapacity is the number of elements shared by all allocations.
	ElementCapacity uint32
	// MaxBuffers is the number of allocations, one descriptor each.
	MaxBuffers uint32
	Update     UpdateType
	Views      []ViewKind
	// RootConstant pads elements to the constant buffer alignment so every
	// allocation can be bound with SetRootConstantBuffer.
	RootConstant bool
}

// Handle locates an allocation in device memory.
type Handle struct {
	Resource     gpu.Buffer
	Address      gpu.GPUAddress
	Offset       uint64
	ElementCount uint32
}

type allocation struct {
	first uint32
	count uint32
}

type byteRange struct {
	offset, size uint64
}

// BufferComponent is a linear arena of fixed-size elements.
type BufferComponent struct {
	desc   BufferComponentDesc
	stride uint64
	size   uint64

	allocations []allocation
	next        uint32

	// device backs UpdateInitialiseOnly and UpdateNone components, staging
	// holds the data waiting for UpdateComponents.
	device  gpu.Buffer
	staging gpu.Buffer
	pending []byteRange

	// frames backs UpdateMap components. shadow is the CPU copy every frame
	// buffer converges to; dirty holds the ranges each frame is missing.
	frames *containers.FrameObject[gpu.Buffer]
	shadow []byte
	dirty  [][]byteRange
}

func newBufferComponent(device gpu.Device, frames int, desc BufferComponentDesc) (*BufferComponent, error) {
	if desc.ElementSize == 0 || desc.ElementCapacity == 0 || desc.MaxBuffers == 0 {
		return nil, fmt.Errorf("empty component: %w", gpu.ErrInvalidArgument)
	}
	bc := &BufferComponent{desc: desc, stride: desc.ElementSize}
	if desc.RootConstant {
		align := device.Limits().ConstantBufferAlignment
		bc.stride = (desc.ElementSize + align - 1) / align * align
	}
	bc.size = bc.stride * uint64(desc.ElementCapacity)

	var err error
	switch desc.Update {
	case UpdateInitialiseOnly, UpdateNone:
		bc.device, err = device.CreateBuffer(gpu.BufferDesc{
			Name:  desc.Name,
			Size:  bc.size,
			Heap:  gpu.HeapDefault,
			Flags: gpu.BufferAllowUnorderedAccess,
		})
		if err != nil {
			return nil, err
		}
		if desc.Update == UpdateNone {
			break
		}
		bc.staging, err = device.CreateBuffer(gpu.BufferDesc{
			Name: desc.Name + "_staging",
			Size: bc.size,
			Heap: gpu.HeapUpload,
		})
		if err != nil {
			bc.device.Destroy()
			return nil, err
		}
	case UpdateMap:
		bc.frames, err = newFrameBuffers(device, frames, gpu.BufferDesc{
			Name: desc.Name,
			Size: bc.size,
			Heap: gpu.HeapUpload,
		})
		if err != nil {
			return nil, err
		}
		bc.shadow = make([]byte, bc.size)
		bc.dirty = make([][]byteRange, frames)
	default:
		return nil, fmt.Errorf("update type %d: %w", desc.Update, gpu.ErrInvalidArgument)
	}
	return bc, nil
}

func (bc *BufferComponent) name() string        { return bc.desc.Name }
func (bc *BufferComponent) views() []ViewKind   { return bc.desc.Views }
func (bc *BufferComponent) descriptors() uint32 { return bc.desc.MaxBuffers }

func (bc *BufferComponent) copies() int {
	if bc.frames != nil {
		return bc.frames.Count()
	}
	return 1
}

func (bc *BufferComponent) activeCopy() int {
	if bc.frames != nil {
		return bc.frames.ActiveIndex()
	}
	return 0
}

func (bc *BufferComponent) swapFrame() {
	if bc.frames != nil {
		bc.frames.SwapFrame()
	}
}

func (bc *BufferComponent) ElementSize() uint64 { return bc.desc.ElementSize }

// Stride is the distance between two elements in device memory.
func (bc *BufferComponent) Stride() uint64 { return bc.stride }

// Len is the number of allocations made so far.
func (bc *BufferComponent) Len() int { return len(bc.allocations) }

// CreateBuffer allocates count consecutive elements. It returns InvalidIndex
// when the component is out of elements or allocations.
func (bc *BufferComponent) CreateBuffer(count uint32) Index {
	if count == 0 {
		core.LogWarn("buffer component %q: zero element allocation", bc.desc.Name)
		return InvalidIndex
	}
	if uint32(len(bc.allocations)) >= bc.desc.MaxBuffers ||
		uint64(bc.next)+uint64(count) > uint64(bc.desc.ElementCapacity) {
		core.LogWarn("buffer component %q exhausted: %d of %d allocations, %d of %d elements, %d requested",
			bc.desc.Name, len(bc.allocations), bc.desc.MaxBuffers, bc.next, bc.desc.ElementCapacity, count)
		return InvalidIndex
	}
	bc.allocations = append(bc.allocations, allocation{first: bc.next, count: count})
	bc.next += count
	return Index(len(bc.allocations) - 1)
}

func (bc *BufferComponent) allocation(idx Index) allocation {
	if idx == InvalidIndex || int(idx) >= len(bc.allocations) {
		panic(fmt.Sprintf("resources: buffer component %q has no allocation %d", bc.desc.Name, idx))
	}
	return bc.allocations[idx]
}

// Resource is the buffer the shaders read this frame.
func (bc *BufferComponent) Resource() gpu.Buffer {
	if bc.frames != nil {
		return *bc.frames.Active()
	}
	return bc.device
}

// GetHandle locates allocation idx for the active frame. Invalid indices
// panic.
func (bc *BufferComponent) GetHandle(idx Index) Handle {
	a := bc.allocation(idx)
	res := bc.Resource()
	offset := uint64(a.first) * bc.stride
	return Handle{
		Resource:     res,
		Address:      res.Address() + gpu.GPUAddress(offset),
		Offset:       offset,
		ElementCount: a.count,
	}
}

func (bc *BufferComponent) Address(idx Index) gpu.GPUAddress {
	return bc.GetHandle(idx).Address
}

// SetUpdateData stages the elements of allocation idx. data holds exactly
// ElementCount tightly packed elements.
func (bc *BufferComponent) SetUpdateData(idx Index, data []byte) error {
	if idx == InvalidIndex || int(idx) >= len(bc.allocations) {
		return fmt.Errorf("buffer component %q index %d: %w", bc.desc.Name, idx, ErrInvalidIndex)
	}
	a := bc.allocations[idx]
	if uint64(len(data)) != uint64(a.count)*bc.desc.ElementSize {
		return fmt.Errorf("buffer component %q index %d: %d bytes for %d elements of %d: %w",
			bc.desc.Name, idx, len(data), a.count, bc.desc.ElementSize, ErrDataSize)
	}
	r := byteRange{offset: uint64(a.first) * bc.stride, size: uint64(a.count) * bc.stride}

	switch bc.desc.Update {
	case UpdateInitialiseOnly:
		mapped, err := bc.staging.Map()
		if err != nil {
			return fmt.Errorf("buffer component %q: %w", bc.desc.Name, err)
		}
		bc.scatter(mapped[r.offset:r.offset+r.size], data)
		bc.staging.Unmap()
		bc.pending = append(bc.pending, r)
	case UpdateMap:
		bc.scatter(bc.shadow[r.offset:r.offset+r.size], data)
		for i := range bc.dirty {
			bc.dirty[i] = append(bc.dirty[i], r)
		}
	default:
		return fmt.Errorf("set data of buffer component %q: %w", bc.desc.Name, ErrUpdateType)
	}
	return nil
}

// scatter copies packed elements into strided memory.
func (bc *BufferComponent) scatter(dst, data []byte) {
	if bc.stride == bc.desc.ElementSize {
		copy(dst, data)
		return
	}
	for src, d := uint64(0), uint64(0); src < uint64(len(data)); src, d = src+bc.desc.ElementSize, d+bc.stride {
		copy(dst[d:d+bc.desc.ElementSize], data[src:src+bc.desc.ElementSize])
	}
}

func (bc *BufferComponent) update(list gpu.CommandList) error {
	switch bc.desc.Update {
	case UpdateInitialiseOnly:
		for _, r := range bc.pending {
			list.CopyBufferRegion(bc.device, r.offset, bc.staging, r.offset, r.size)
		}
		bc.pending = bc.pending[:0]
	case UpdateMap:
		slot := bc.frames.ActiveIndex()
		if len(bc.dirty[slot]) == 0 {
			return nil
		}
		buf := *bc.frames.Active()
		mapped, err := buf.Map()
		if err != nil {
			// The ranges stay dirty and are written on the next update of
			// this frame.
			core.LogWarn("buffer component %q: skipping frame %d update: %s", bc.desc.Name, slot, err)
			return nil
		}
		for _, r := range bc.dirty[slot] {
			copy(mapped[r.offset:r.offset+r.size], bc.shadow[r.offset:r.offset+r.size])
		}
		buf.Unmap()
		bc.dirty[slot] = bc.dirty[slot][:0]
	}
	return nil
}

func (bc *BufferComponent) bind(gpu.CommandList) {}

func (bc *BufferComponent) release() {
	if bc.device != nil {
		bc.device.Destroy()
		bc.device = nil
	}
	if bc.staging != nil {
		bc.staging.Destroy()
		bc.staging = nil
	}
	if bc.frames != nil {
		bc.frames.Each(func(_ int, b *gpu.Buffer) { (*b).Destroy() })
		bc.frames = nil
	}
	bc.allocations = nil
	bc.pending = nil
}
