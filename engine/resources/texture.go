package resources

import (
	"fmt"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
)

type TextureComponentDesc struct {
	Name   string
	Format gpu.Format
	// MaxTextures is the number of live textures, one descriptor each.
	MaxTextures uint32
	// MaxBytes caps the bytes of all live textures, mip chains included.
	// Zero means no cap.
	MaxBytes uint64
	Update   UpdateType
	Views    []ViewKind
}

// TextureAllocation describes one texture of a component.
type TextureAllocation struct {
	Name      string
	Width     uint32
	Height    uint32
	MipLevels uint32
}

type textureEntry struct {
	texture gpu.Texture
	bytes   uint64
	// state is the state the texture is in once every recorded command ran.
	state gpu.ResourceState

	staging    gpu.Buffer
	mipOffsets []uint64
	written    []bool
	// uploaded is set once the staging copies were recorded; transitioned
	// once the texture was made shader readable.
	uploaded     bool
	transitioned bool
}

// TextureComponent is a pool of textures sharing one format.
type TextureComponent struct {
	device gpu.Device
	desc   TextureComponentDesc
	flags  gpu.TextureFlags

	entries []*textureEntry
	free    []Index
	bytes   uint64
}

func newTextureComponent(device gpu.Device, desc TextureComponentDesc) (*TextureComponent, error) {
	if desc.MaxTextures == 0 || desc.Format.BytesPerTexel() == 0 {
		return nil, fmt.Errorf("empty component: %w", gpu.ErrInvalidArgument)
	}
	if desc.Update == UpdateMap {
		return nil, fmt.Errorf("textures cannot be mapped: %w", ErrUpdateType)
	}
	tc := &TextureComponent{device: device, desc: desc}
	for _, v := range desc.Views {
		switch v {
		case ViewRTV:
			tc.flags |= gpu.TextureRenderTarget
		case ViewDSV:
			tc.flags |= gpu.TextureDepthStencil
		}
	}
	return tc, nil
}

func (tc *TextureComponent) name() string        { return tc.desc.Name }
func (tc *TextureComponent) views() []ViewKind   { return tc.desc.Views }
func (tc *TextureComponent) descriptors() uint32 { return tc.desc.MaxTextures }
func (tc *TextureComponent) copies() int         { return 1 }
func (tc *TextureComponent) activeCopy() int     { return 0 }
func (tc *TextureComponent) swapFrame()          {}

// Len is the number of live textures.
func (tc *TextureComponent) Len() int {
	return len(tc.entries) - len(tc.free)
}

func textureBytes(desc gpu.TextureDesc) (total uint64, offsets []uint64) {
	offsets = make([]uint64, desc.MipLevels)
	for mip := uint32(0); mip < desc.MipLevels; mip++ {
		offsets[mip] = total
		w, h := max(desc.Width>>mip, 1), max(desc.Height>>mip, 1)
		total += uint64(w) * uint64(h) * uint64(desc.Format.BytesPerTexel())
	}
	return total, offsets
}

// CreateTexture creates a texture and returns its index, or InvalidIndex
// when the component is full or the device refuses it.
func (tc *TextureComponent) CreateTexture(alloc TextureAllocation) Index {
	if alloc.MipLevels == 0 {
		alloc.MipLevels = 1
	}
	if alloc.Name == "" {
		alloc.Name = tc.desc.Name
	}
	desc := gpu.TextureDesc{
		Name:      alloc.Name,
		Width:     alloc.Width,
		Height:    alloc.Height,
		MipLevels: alloc.MipLevels,
		Format:    tc.desc.Format,
		Flags:     tc.flags,
	}
	if tc.desc.Update == UpdateInitialiseOnly {
		desc.InitialState = gpu.StateCopyDest
	}
	size, offsets := textureBytes(desc)

	if len(tc.free) == 0 && uint32(len(tc.entries)) >= tc.desc.MaxTextures {
		core.LogWarn("texture component %q is full (%d textures)", tc.desc.Name, tc.desc.MaxTextures)
		return InvalidIndex
	}
	if tc.desc.MaxBytes > 0 && tc.bytes+size > tc.desc.MaxBytes {
		core.LogWarn("texture component %q out of memory: %d of %d bytes used, %d requested",
			tc.desc.Name, tc.bytes, tc.desc.MaxBytes, size)
		return InvalidIndex
	}
	tex, err := tc.device.CreateTexture(desc)
	if err != nil {
		core.LogWarn("texture component %q: %s", tc.desc.Name, err)
		return InvalidIndex
	}
	e := &textureEntry{
		texture:    tex,
		bytes:      size,
		state:      desc.InitialState,
		mipOffsets: offsets,
		written:    make([]bool, alloc.MipLevels),
	}
	tc.bytes += size

	if len(tc.free) > 0 {
		idx := tc.free[len(tc.free)-1]
		tc.free = tc.free[:len(tc.free)-1]
		tc.entries[idx] = e
		return idx
	}
	tc.entries = append(tc.entries, e)
	return Index(len(tc.entries) - 1)
}

func (tc *TextureComponent) entry(idx Index) (*textureEntry, error) {
	if idx == InvalidIndex || int(idx) >= len(tc.entries) || tc.entries[idx] == nil {
		return nil, fmt.Errorf("texture component %q index %d: %w", tc.desc.Name, idx, ErrInvalidIndex)
	}
	return tc.entries[idx], nil
}

// Texture returns the texture at idx. Invalid indices panic.
func (tc *TextureComponent) Texture(idx Index) gpu.Texture {
	e, err := tc.entry(idx)
	if err != nil {
		panic(err.Error())
	}
	return e.texture
}

// SetUpdateData stages level mip of texture idx. Textures are initialised
// once: a level cannot be written after its upload was recorded.
func (tc *TextureComponent) SetUpdateData(idx Index, mip uint32, data []byte) error {
	if tc.desc.Update != UpdateInitialiseOnly {
		return fmt.Errorf("set data of texture component %q: %w", tc.desc.Name, ErrUpdateType)
	}
	e, err := tc.entry(idx)
	if err != nil {
		return err
	}
	if e.uploaded {
		return fmt.Errorf("texture %q already uploaded: %w", e.texture.Name(), ErrUpdateType)
	}
	if mip >= uint32(len(e.mipOffsets)) {
		return fmt.Errorf("texture %q has no mip %d: %w", e.texture.Name(), mip, ErrInvalidIndex)
	}
	end := e.bytes
	if mip+1 < uint32(len(e.mipOffsets)) {
		end = e.mipOffsets[mip+1]
	}
	off := e.mipOffsets[mip]
	if uint64(len(data)) != end-off {
		return fmt.Errorf("texture %q mip %d: %d bytes for %d: %w", e.texture.Name(), mip, len(data), end-off, ErrDataSize)
	}
	if e.staging == nil {
		e.staging, err = tc.device.CreateBuffer(gpu.BufferDesc{
			Name: e.texture.Name() + "_staging",
			Size: e.bytes,
			Heap: gpu.HeapUpload,
		})
		if err != nil {
			return fmt.Errorf("texture %q staging: %w", e.texture.Name(), err)
		}
	}
	mapped, err := e.staging.Map()
	if err != nil {
		return fmt.Errorf("texture %q: %w", e.texture.Name(), err)
	}
	copy(mapped[off:end], data)
	e.staging.Unmap()
	e.written[mip] = true
	return nil
}

// ChangeToState returns the barrier moving texture idx to state, if it is
// not already in it. The barrier must be recorded by the caller.
func (tc *TextureComponent) ChangeToState(idx Index, state gpu.ResourceState) (gpu.ResourceBarrier, bool) {
	e, err := tc.entry(idx)
	if err != nil {
		panic(err.Error())
	}
	if e.state == state {
		return gpu.ResourceBarrier{}, false
	}
	b := gpu.TransitionBarrier(e.texture, e.state, state)
	e.state = state
	return b, true
}

// Remove destroys texture idx and frees its slot. The GPU must be done with
// it.
func (tc *TextureComponent) Remove(idx Index) error {
	e, err := tc.entry(idx)
	if err != nil {
		return err
	}
	e.destroy()
	tc.bytes -= e.bytes
	tc.entries[idx] = nil
	tc.free = append(tc.free, idx)
	return nil
}

func (e *textureEntry) destroy() {
	if e.staging != nil {
		e.staging.Destroy()
		e.staging = nil
	}
	e.texture.Destroy()
}

// update records the staging copies of written textures. Textures stay in
// the copy destination state: copy queues cannot move them to a shader
// state, bind does it on the direct queue.
func (tc *TextureComponent) update(list gpu.CommandList) error {
	for _, e := range tc.entries {
		if e == nil || e.uploaded || e.staging == nil {
			continue
		}
		for mip, ok := range e.written {
			if ok {
				list.CopyTextureRegion(e.texture, uint32(mip), e.staging, e.mipOffsets[mip])
			}
		}
		e.uploaded = true
	}
	return nil
}

// bind makes uploaded textures shader readable.
func (tc *TextureComponent) bind(list gpu.CommandList) {
	for _, e := range tc.entries {
		if e == nil || !e.uploaded || e.transitioned {
			continue
		}
		list.ResourceBarrier(gpu.TransitionBarrier(e.texture, gpu.StateCopyDest, gpu.StatePixelShaderResource))
		e.state = gpu.StatePixelShaderResource
		e.transitioned = true
	}
}

func (tc *TextureComponent) release() {
	for _, e := range tc.entries {
		if e != nil {
			e.destroy()
		}
	}
	tc.entries = nil
	tc.free = nil
	tc.bytes = 0
}
