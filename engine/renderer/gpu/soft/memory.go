package soft

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
)

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// stateTracker holds the current state of a resource. Barriers execute on
// queue goroutines, so it is locked.
type stateTracker struct {
	mu    sync.Mutex
	state gpu.ResourceState
}

func (s *stateTracker) current() gpu.ResourceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stateTracker) transition(name string, before, after gpu.ResourceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != before {
		return fmt.Errorf("transition %q from %s: resource is in %s: %w", name, before, s.state, gpu.ErrInvalidState)
	}
	s.state = after
	return nil
}

func (s *stateTracker) require(name string, want gpu.ResourceState) error {
	if got := s.current(); got != want {
		return fmt.Errorf("%q must be in %s, is in %s: %w", name, want, got, gpu.ErrInvalidState)
	}
	return nil
}

type buffer struct {
	stateTracker
	dev       *Device
	desc      gpu.BufferDesc
	addr      gpu.GPUAddress
	data      []byte
	mapped    atomic.Int32
	destroyed atomic.Bool
}

var _ gpu.Buffer = (*buffer)(nil)

func (b *buffer) Name() string            { return b.desc.Name }
func (b *buffer) Size() uint64            { return b.desc.Size }
func (b *buffer) Address() gpu.GPUAddress { return b.addr }
func (b *buffer) Heap() gpu.HeapType      { return b.desc.Heap }

func (b *buffer) end() gpu.GPUAddress {
	return b.addr + gpu.GPUAddress(len(b.data))
}

func (b *buffer) Map() ([]byte, error) {
	if b.desc.Heap != gpu.HeapUpload {
		return nil, fmt.Errorf("map %q: %w", b.desc.Name, gpu.ErrNotMappable)
	}
	if b.destroyed.Load() {
		return nil, fmt.Errorf("map %q: destroyed: %w", b.desc.Name, gpu.ErrInvalidArgument)
	}
	if hook := b.dev.opts.MapFailure; hook != nil && hook(b.desc.Name) {
		return nil, fmt.Errorf("map %q: %w", b.desc.Name, gpu.ErrMapFailed)
	}
	b.mapped.Add(1)
	return b.data, nil
}

func (b *buffer) Unmap() {
	if b.mapped.Add(-1) < 0 {
		b.mapped.Store(0)
	}
}

func (b *buffer) Destroy() {
	if b.destroyed.Swap(true) {
		return
	}
	b.dev.release(b)
}

func (d *Device) CreateBuffer(desc gpu.BufferDesc) (gpu.Buffer, error) {
	if desc.Size == 0 {
		return nil, fmt.Errorf("create buffer %q: zero size: %w", desc.Name, gpu.ErrInvalidArgument)
	}
	if desc.Size > d.limits.MaxBufferSize {
		return nil, fmt.Errorf("create buffer %q of %d bytes: %w", desc.Name, desc.Size, gpu.ErrDeviceLimit)
	}
	if desc.Heap == gpu.HeapUpload && desc.InitialState == gpu.StateCommon {
		desc.InitialState = gpu.StateGenericRead
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lostErr != nil {
		return nil, d.lostErr
	}
	if d.opts.MemoryBudget > 0 && d.allocated+desc.Size > d.opts.MemoryBudget {
		return nil, fmt.Errorf("create buffer %q of %d bytes: %w", desc.Name, desc.Size, gpu.ErrOutOfMemory)
	}
	b := &buffer{
		dev:  d,
		desc: desc,
		addr: d.nextAddr,
		data: make([]byte, desc.Size),
	}
	b.state = desc.InitialState
	// Addresses are never reused, so appending keeps the slice sorted.
	d.nextAddr += gpu.GPUAddress(alignUp(desc.Size, placementAlignment))
	d.buffers = append(d.buffers, b)
	d.allocated += desc.Size
	return b, nil
}

func (d *Device) release(b *buffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := sort.Search(len(d.buffers), func(i int) bool { return d.buffers[i].addr >= b.addr })
	if i < len(d.buffers) && d.buffers[i] == b {
		d.buffers = append(d.buffers[:i], d.buffers[i+1:]...)
		d.allocated -= b.desc.Size
	}
}

// resolve finds the live buffer holding [addr, addr+size) and the offset of
// addr inside it.
func (d *Device) resolve(addr gpu.GPUAddress, size uint64) (*buffer, uint64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	i := sort.Search(len(d.buffers), func(i int) bool { return d.buffers[i].addr > addr }) - 1
	if i < 0 {
		return nil, 0, fmt.Errorf("resolve 0x%x+%d: %w", addr, size, errNotBacked)
	}
	b := d.buffers[i]
	if addr+gpu.GPUAddress(size) > b.end() {
		return nil, 0, fmt.Errorf("resolve 0x%x+%d: %w", addr, size, errNotBacked)
	}
	return b, uint64(addr - b.addr), nil
}

// read returns a view of device memory. The caller must own the range for
// the duration of the access.
func (d *Device) read(addr gpu.GPUAddress, size uint64) ([]byte, error) {
	b, off, err := d.resolve(addr, size)
	if err != nil {
		return nil, err
	}
	return b.data[off : off+size], nil
}

type texture struct {
	stateTracker
	dev       *Device
	desc      gpu.TextureDesc
	mips      [][]byte
	size      uint64
	destroyed atomic.Bool
}

var _ gpu.Texture = (*texture)(nil)

func (t *texture) Name() string       { return t.desc.Name }
func (t *texture) Width() uint32      { return t.desc.Width }
func (t *texture) Height() uint32     { return t.desc.Height }
func (t *texture) MipLevels() uint32  { return t.desc.MipLevels }
func (t *texture) Format() gpu.Format { return t.desc.Format }

// mipExtent returns the size of level mip, never smaller than 1x1.
func mipExtent(width, height, mip uint32) (uint32, uint32) {
	w, h := width>>mip, height>>mip
	if w == 0 {
		w = 1
	}
	if h == 0 {
		h = 1
	}
	return w, h
}

// MipSize returns the number of bytes of level mip of a tightly packed
// texture.
func MipSize(desc gpu.TextureDesc, mip uint32) uint64 {
	w, h := mipExtent(desc.Width, desc.Height, mip)
	return uint64(w) * uint64(h) * uint64(desc.Format.BytesPerTexel())
}

func (t *texture) Destroy() {
	if t.destroyed.Swap(true) {
		return
	}
	t.dev.mu.Lock()
	t.dev.allocated -= t.size
	t.dev.mu.Unlock()
}

func (d *Device) CreateTexture(desc gpu.TextureDesc) (gpu.Texture, error) {
	if desc.Width == 0 || desc.Height == 0 || desc.Format.BytesPerTexel() == 0 {
		return nil, fmt.Errorf("create texture %q: %w", desc.Name, gpu.ErrInvalidArgument)
	}
	if desc.Width > d.limits.MaxTextureDimension || desc.Height > d.limits.MaxTextureDimension {
		return nil, fmt.Errorf("create texture %q of %dx%d: %w", desc.Name, desc.Width, desc.Height, gpu.ErrDeviceLimit)
	}
	if desc.MipLevels == 0 {
		desc.MipLevels = 1
	}

	t := &texture{dev: d, desc: desc, mips: make([][]byte, desc.MipLevels)}
	t.state = desc.InitialState
	for mip := range t.mips {
		t.size += MipSize(desc, uint32(mip))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lostErr != nil {
		return nil, d.lostErr
	}
	if d.opts.MemoryBudget > 0 && d.allocated+t.size > d.opts.MemoryBudget {
		return nil, fmt.Errorf("create texture %q: %w", desc.Name, gpu.ErrOutOfMemory)
	}
	for mip := range t.mips {
		t.mips[mip] = make([]byte, MipSize(desc, uint32(mip)))
	}
	d.allocated += t.size
	return t, nil
}

// ReadTexture copies level mip of a texture created by this package. The
// texture must not be written by any queue during the call.
func ReadTexture(tex gpu.Texture, mip uint32) ([]byte, error) {
	t, ok := tex.(*texture)
	if !ok {
		return nil, errForeignResource
	}
	if mip >= uint32(len(t.mips)) {
		return nil, fmt.Errorf("read mip %d of %q: %w", mip, t.desc.Name, gpu.ErrInvalidArgument)
	}
	out := make([]byte, len(t.mips[mip]))
	copy(out, t.mips[mip])
	return out, nil
}

// trackerOf returns the state of a resource created by this package.
func trackerOf(r gpu.Resource) (*stateTracker, error) {
	switch v := r.(type) {
	case *buffer:
		return &v.stateTracker, nil
	case *texture:
		return &v.stateTracker, nil
	default:
		return nil, errForeignResource
	}
}
