// Package resources owns the GPU memory of everything the viewer draws.
//
// A Table is a set of components. A component is an arena of one kind of
// element (a buffer of float3 positions, a set of RGBA textures, ...) from
// which callers allocate by Index. After FinalizeComponents every component
// view gets a contiguous range of descriptors, so the index a shader uses is
// the local Index plus the component's descriptor base.
package resources

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spaghettifunk/anima-rt/engine/containers"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
)

var (
	ErrUnknownComponent = errors.New("unknown component")
	ErrFinalized        = errors.New("components are already finalized")
	ErrNotFinalized     = errors.New("components are not finalized")
	ErrNoView           = errors.New("component has no view of that kind")
	ErrInvalidIndex     = errors.New("invalid index")
	ErrUpdateType       = errors.New("operation not supported by the update type")
	ErrDataSize         = errors.New("data does not match the allocation size")
	ErrDescriptorHeap   = errors.New("descriptor heap exhausted")
)

// component is what the table needs from buffer and texture components.
type component interface {
	name() string
	views() []ViewKind
	// descriptors is the number of descriptors of one view for one frame.
	descriptors() uint32
	// copies is the number of frame copies the component keeps.
	copies() int
	activeCopy() int
	swapFrame()
	update(list gpu.CommandList) error
	bind(list gpu.CommandList)
	release()
}

type descriptorKey struct {
	id   ComponentID
	kind ViewKind
}

// Table is the resource table. It is used from the render goroutine only.
type Table struct {
	device gpu.Device
	frames int

	buffers  map[ComponentID]*BufferComponent
	textures map[ComponentID]*TextureComponent
	// order is the creation order, descriptor ranges follow it.
	order      []ComponentID
	components map[ComponentID]component

	finalized   bool
	descriptors map[descriptorKey]uint32
	used        uint32
}

// NewTable creates an empty table whose UpdateMap components keep frames
// copies.
func NewTable(device gpu.Device, frames int) *Table {
	if frames <= 0 {
		panic(fmt.Sprintf("resources: frame count must be positive, got %d", frames))
	}
	return &Table{
		device:      device,
		frames:      frames,
		buffers:     make(map[ComponentID]*BufferComponent),
		textures:    make(map[ComponentID]*TextureComponent),
		components:  make(map[ComponentID]component),
		descriptors: make(map[descriptorKey]uint32),
	}
}

func (t *Table) Frames() int {
	return t.frames
}

func (t *Table) add(c component) ComponentID {
	id := ComponentID(uuid.New())
	t.order = append(t.order, id)
	t.components[id] = c
	return id
}

// CreateBufferComponent reserves the memory of a buffer component. The
// device memory is allocated immediately.
func (t *Table) CreateBufferComponent(desc BufferComponentDesc) (ComponentID, error) {
	if t.finalized {
		return ComponentID{}, fmt.Errorf("create buffer component %q: %w", desc.Name, ErrFinalized)
	}
	bc, err := newBufferComponent(t.device, t.frames, desc)
	if err != nil {
		err = fmt.Errorf("failed to create buffer component %q: %w", desc.Name, err)
		core.LogError(err.Error())
		return ComponentID{}, err
	}
	id := t.add(bc)
	t.buffers[id] = bc
	core.LogDebug("buffer component %q created (%s, %d elements of %d bytes)", desc.Name, desc.Update, desc.ElementCapacity, bc.stride)
	return id, nil
}

// CreateTextureComponent registers a texture component. Textures are created
// one by one with CreateTexture.
func (t *Table) CreateTextureComponent(desc TextureComponentDesc) (ComponentID, error) {
	if t.finalized {
		return ComponentID{}, fmt.Errorf("create texture component %q: %w", desc.Name, ErrFinalized)
	}
	tc, err := newTextureComponent(t.device, desc)
	if err != nil {
		err = fmt.Errorf("failed to create texture component %q: %w", desc.Name, err)
		core.LogError(err.Error())
		return ComponentID{}, err
	}
	id := t.add(tc)
	t.textures[id] = tc
	core.LogDebug("texture component %q created (%s, up to %d textures)", desc.Name, desc.Update, desc.MaxTextures)
	return id, nil
}

// Buffers returns the buffer component id. Unknown ids are a programming
// error and panic.
func (t *Table) Buffers(id ComponentID) *BufferComponent {
	bc, ok := t.buffers[id]
	if !ok {
		panic(fmt.Sprintf("resources: %s is not a buffer component", id))
	}
	return bc
}

// Textures returns the texture component id. Unknown ids panic.
func (t *Table) Textures(id ComponentID) *TextureComponent {
	tc, ok := t.textures[id]
	if !ok {
		panic(fmt.Sprintf("resources: %s is not a texture component", id))
	}
	return tc
}

// FinalizeComponents assigns the descriptor ranges. No component can be
// added afterwards.
func (t *Table) FinalizeComponents() error {
	if t.finalized {
		return ErrFinalized
	}
	limit := t.device.Limits().DescriptorHeapSize
	var next uint32
	for _, id := range t.order {
		c := t.components[id]
		span := c.descriptors() * uint32(c.copies())
		for _, kind := range c.views() {
			if uint64(next)+uint64(span) > uint64(limit) {
				err := fmt.Errorf("component %q needs %d %s descriptors at %d of %d: %w",
					c.name(), span, kind, next, limit, ErrDescriptorHeap)
				core.LogError(err.Error())
				return err
			}
			t.descriptors[descriptorKey{id: id, kind: kind}] = next
			next += span
		}
	}
	t.used = next
	t.finalized = true
	core.LogDebug("resource table finalized: %d components, %d descriptors", len(t.order), next)
	return nil
}

// DescriptorCount is the number of descriptors assigned by FinalizeComponents.
func (t *Table) DescriptorCount() uint32 {
	return t.used
}

// GetDescriptorBaseOffset returns the first descriptor of the view kind of
// component id for the active frame.
func (t *Table) GetDescriptorBaseOffset(id ComponentID, kind ViewKind) (uint32, error) {
	if !t.finalized {
		return 0, ErrNotFinalized
	}
	c, ok := t.components[id]
	if !ok {
		return 0, fmt.Errorf("descriptor base of %s: %w", id, ErrUnknownComponent)
	}
	base, ok := t.descriptors[descriptorKey{id: id, kind: kind}]
	if !ok {
		return 0, fmt.Errorf("descriptor base of %q: %s: %w", c.name(), kind, ErrNoView)
	}
	return base + uint32(c.activeCopy())*c.descriptors(), nil
}

// UpdateComponents flushes pending data. Staging copies are recorded on
// copyList; UpdateMap components are written through their mapping for the
// active frame. The caller must execute copyList before the data is read.
func (t *Table) UpdateComponents(copyList gpu.CommandList) error {
	if !t.finalized {
		return ErrNotFinalized
	}
	for _, id := range t.order {
		if err := t.components[id].update(copyList); err != nil {
			return fmt.Errorf("update %q: %w", t.components[id].name(), err)
		}
	}
	return nil
}

// BindComponents prepares the components for use by the commands recorded
// on directList.
func (t *Table) BindComponents(directList gpu.CommandList) error {
	if !t.finalized {
		return ErrNotFinalized
	}
	for _, id := range t.order {
		t.components[id].bind(directList)
	}
	return nil
}

// SwapFrame makes the next frame copy of every UpdateMap component active.
func (t *Table) SwapFrame() {
	for _, id := range t.order {
		t.components[id].swapFrame()
	}
}

// Release destroys every resource of the table. The device must be idle.
func (t *Table) Release() {
	for _, id := range t.order {
		t.components[id].release()
	}
	t.order = nil
	t.components = make(map[ComponentID]component)
	t.buffers = make(map[ComponentID]*BufferComponent)
	t.textures = make(map[ComponentID]*TextureComponent)
	t.descriptors = make(map[descriptorKey]uint32)
	t.finalized = false
	t.used = 0
}

// newFrameBuffers creates one upload buffer per frame.
func newFrameBuffers(device gpu.Device, frames int, desc gpu.BufferDesc) (*containers.FrameObject[gpu.Buffer], error) {
	fo := containers.NewFrameObject[gpu.Buffer](frames)
	err := fo.Initialize(func(slot int) (gpu.Buffer, error) {
		d := desc
		d.Name = fmt.Sprintf("%s_%d", desc.Name, slot)
		return device.CreateBuffer(d)
	})
	if err != nil {
		fo.Each(func(_ int, b *gpu.Buffer) {
			if *b != nil {
				(*b).Destroy()
			}
		})
		return nil, err
	}
	return fo, nil
}
