package resources

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-rt/engine/renderer"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu/soft"
)

func newDevice(t *testing.T, opts soft.Options) *soft.Device {
	t.Helper()
	dev := soft.New(opts)
	t.Cleanup(dev.Close)
	return dev
}

// submit records one list for typ, executes it and waits for it.
func submit(t *testing.T, dev gpu.Device, typ gpu.QueueType, record func(list gpu.CommandList)) {
	t.Helper()
	queue, err := dev.CreateQueue(typ)
	require.NoError(t, err)
	defer queue.Destroy()
	rec, err := renderer.NewCommandRecorder(dev, typ)
	require.NoError(t, err)
	defer rec.Destroy()
	fence, err := renderer.NewFence(dev)
	require.NoError(t, err)
	defer fence.Destroy()

	require.NoError(t, rec.Reset())
	record(rec.ActiveList())
	require.NoError(t, rec.FinishActiveList(false))
	require.NoError(t, rec.ExecuteCommands(queue))
	require.NoError(t, renderer.FlushQueue(queue, fence))
}

// readBuffer copies size bytes of any buffer back through an upload buffer.
func readBuffer(t *testing.T, dev gpu.Device, src gpu.Buffer, offset, size uint64) []byte {
	t.Helper()
	readback, err := dev.CreateBuffer(gpu.BufferDesc{Name: "readback", Size: size, Heap: gpu.HeapUpload})
	require.NoError(t, err)
	defer readback.Destroy()
	submit(t, dev, gpu.QueueCopy, func(list gpu.CommandList) {
		list.CopyBufferRegion(readback, 0, src, offset, size)
	})
	data, err := readback.Map()
	require.NoError(t, err)
	defer readback.Unmap()
	return bytes.Clone(data)
}

func pattern(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i)
	}
	return out
}

func TestDescriptorRangesFollowCreationOrder(t *testing.T) {
	dev := newDevice(t, soft.Options{})
	table := NewTable(dev, 3)
	defer table.Release()

	positions, err := table.CreateBufferComponent(BufferComponentDesc{
		Name: "positions", ElementSize: 12, ElementCapacity: 64, MaxBuffers: 4,
		Update: UpdateInitialiseOnly, Views: []ViewKind{ViewSRV},
	})
	require.NoError(t, err)
	camera, err := table.CreateBufferComponent(BufferComponentDesc{
		Name: "camera", ElementSize: 64, ElementCapacity: 2, MaxBuffers: 2,
		Update: UpdateMap, Views: []ViewKind{ViewSRV, ViewCBV},
	})
	require.NoError(t, err)
	diffuse, err := table.CreateTextureComponent(TextureComponentDesc{
		Name: "diffuse", Format: gpu.FormatRGBA8Unorm, MaxTextures: 5,
		Update: UpdateInitialiseOnly, Views: []ViewKind{ViewSRV},
	})
	require.NoError(t, err)

	_, err = table.GetDescriptorBaseOffset(positions, ViewSRV)
	assert.ErrorIs(t, err, ErrNotFinalized)
	assert.ErrorIs(t, table.UpdateComponents(nil), ErrNotFinalized)

	require.NoError(t, table.FinalizeComponents())
	assert.Equal(t, uint32(4+2*3*2+5), table.DescriptorCount())

	base := func(id ComponentID, kind ViewKind) uint32 {
		t.Helper()
		b, err := table.GetDescriptorBaseOffset(id, kind)
		require.NoError(t, err)
		return b
	}
	assert.Equal(t, uint32(0), base(positions, ViewSRV))
	assert.Equal(t, uint32(4), base(camera, ViewSRV))
	assert.Equal(t, uint32(10), base(camera, ViewCBV))
	assert.Equal(t, uint32(16), base(diffuse, ViewSRV))

	// Per-frame copies get the next block of their range.
	table.SwapFrame()
	assert.Equal(t, uint32(6), base(camera, ViewSRV))
	assert.Equal(t, uint32(12), base(camera, ViewCBV))
	assert.Equal(t, uint32(0), base(positions, ViewSRV))
	table.SwapFrame()
	table.SwapFrame()
	assert.Equal(t, uint32(4), base(camera, ViewSRV))

	_, err = table.GetDescriptorBaseOffset(positions, ViewCBV)
	assert.ErrorIs(t, err, ErrNoView)
	_, err = table.GetDescriptorBaseOffset(ComponentID{}, ViewSRV)
	assert.ErrorIs(t, err, ErrUnknownComponent)
	_, err = table.CreateBufferComponent(BufferComponentDesc{Name: "late", ElementSize: 4, ElementCapacity: 1, MaxBuffers: 1})
	assert.ErrorIs(t, err, ErrFinalized)
	assert.ErrorIs(t, table.FinalizeComponents(), ErrFinalized)
}

func TestFinalizeFailsWhenDescriptorHeapIsTooSmall(t *testing.T) {
	dev := newDevice(t, soft.Options{DescriptorHeapSize: 8})
	table := NewTable(dev, 2)
	defer table.Release()

	_, err := table.CreateBufferComponent(BufferComponentDesc{
		Name: "objects", ElementSize: 16, ElementCapacity: 5, MaxBuffers: 5,
		Update: UpdateMap, Views: []ViewKind{ViewSRV},
	})
	require.NoError(t, err)
	assert.ErrorIs(t, table.FinalizeComponents(), ErrDescriptorHeap)
}

func TestCreateBufferReturnsInvalidIndexWhenExhausted(t *testing.T) {
	dev := newDevice(t, soft.Options{})
	table := NewTable(dev, 2)
	defer table.Release()

	id, err := table.CreateBufferComponent(BufferComponentDesc{
		Name: "indices", ElementSize: 4, ElementCapacity: 10, MaxBuffers: 3,
		Update: UpdateInitialiseOnly, Views: []ViewKind{ViewSRV},
	})
	require.NoError(t, err)
	bc := table.Buffers(id)

	assert.Equal(t, Index(0), bc.CreateBuffer(4))
	assert.Equal(t, Index(1), bc.CreateBuffer(4))
	assert.Equal(t, InvalidIndex, bc.CreateBuffer(3), "element capacity")
	assert.Equal(t, Index(2), bc.CreateBuffer(2))
	assert.Equal(t, InvalidIndex, bc.CreateBuffer(1), "allocation count")
	assert.Equal(t, InvalidIndex, bc.CreateBuffer(0))

	h := bc.GetHandle(1)
	assert.Equal(t, uint64(16), h.Offset)
	assert.Equal(t, uint32(4), h.ElementCount)
	assert.Equal(t, bc.Resource().Address()+16, h.Address)
	assert.Equal(t, h.Address, bc.Address(1))
	assert.Panics(t, func() { bc.GetHandle(InvalidIndex) })

	assert.ErrorIs(t, bc.SetUpdateData(7, nil), ErrInvalidIndex)
	assert.ErrorIs(t, bc.SetUpdateData(0, make([]byte, 15)), ErrDataSize)
}

func TestInitialiseOnlyBufferIsCopiedByUpdateComponents(t *testing.T) {
	dev := newDevice(t, soft.Options{})
	table := NewTable(dev, 2)
	defer table.Release()

	id, err := table.CreateBufferComponent(BufferComponentDesc{
		Name: "positions", ElementSize: 12, ElementCapacity: 32, MaxBuffers: 2,
		Update: UpdateInitialiseOnly, Views: []ViewKind{ViewSRV},
	})
	require.NoError(t, err)
	require.NoError(t, table.FinalizeComponents())
	bc := table.Buffers(id)

	first, second := bc.CreateBuffer(3), bc.CreateBuffer(5)
	require.NotEqual(t, InvalidIndex, second)
	a, b := pattern(36, 1), pattern(60, 100)
	require.NoError(t, bc.SetUpdateData(first, a))
	require.NoError(t, bc.SetUpdateData(second, b))

	before := dev.Stats().Copies
	submit(t, dev, gpu.QueueCopy, func(list gpu.CommandList) {
		require.NoError(t, table.UpdateComponents(list))
	})
	assert.Equal(t, before+2, dev.Stats().Copies)

	got := readBuffer(t, dev, bc.Resource(), 0, 96)
	assert.Equal(t, a, got[:36])
	assert.Equal(t, b, got[36:96])

	// Nothing is pending any more.
	before = dev.Stats().Copies
	submit(t, dev, gpu.QueueCopy, func(list gpu.CommandList) {
		require.NoError(t, table.UpdateComponents(list))
	})
	assert.Equal(t, before, dev.Stats().Copies)
}

func TestMapBuffersAreWrittenPerFrame(t *testing.T) {
	dev := newDevice(t, soft.Options{})
	table := NewTable(dev, 2)
	defer table.Release()

	id, err := table.CreateBufferComponent(BufferComponentDesc{
		Name: "per_object", ElementSize: 32, ElementCapacity: 4, MaxBuffers: 4,
		Update: UpdateMap, RootConstant: true,
	})
	require.NoError(t, err)
	require.NoError(t, table.FinalizeComponents())
	bc := table.Buffers(id)
	assert.Equal(t, uint64(256), bc.Stride())

	idx := []Index{bc.CreateBuffer(1), bc.CreateBuffer(1)}
	assert.Zero(t, uint64(bc.Address(idx[1]))%256)

	data := pattern(32, 7)
	require.NoError(t, bc.SetUpdateData(idx[1], data))
	require.NoError(t, table.UpdateComponents(nil))

	frame0 := bc.Resource()
	mapped, err := frame0.Map()
	require.NoError(t, err)
	assert.Equal(t, data, mapped[256:288])
	frame0.Unmap()

	table.SwapFrame()
	frame1 := bc.Resource()
	assert.NotEqual(t, frame0.Address(), frame1.Address())
	mapped, err = frame1.Map()
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 32), mapped[256:288], "frame 1 is written on its own update")
	frame1.Unmap()

	require.NoError(t, table.UpdateComponents(nil))
	mapped, err = frame1.Map()
	require.NoError(t, err)
	assert.Equal(t, data, mapped[256:288])
	frame1.Unmap()
}

func TestMapFailureKeepsDataPending(t *testing.T) {
	failing := true
	dev := newDevice(t, soft.Options{MapFailure: func(name string) bool {
		return failing && name == "lights_0"
	}})
	table := NewTable(dev, 2)
	defer table.Release()

	id, err := table.CreateBufferComponent(BufferComponentDesc{
		Name: "lights", ElementSize: 16, ElementCapacity: 1, MaxBuffers: 1,
		Update: UpdateMap, Views: []ViewKind{ViewSRV},
	})
	require.NoError(t, err)
	require.NoError(t, table.FinalizeComponents())
	bc := table.Buffers(id)
	light := bc.CreateBuffer(1)
	data := pattern(16, 3)
	require.NoError(t, bc.SetUpdateData(light, data))

	assert.NoError(t, table.UpdateComponents(nil), "map failures are skipped")

	failing = false
	mapped, err := bc.Resource().Map()
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 16), mapped[:16])
	bc.Resource().Unmap()

	require.NoError(t, table.UpdateComponents(nil))
	mapped, err = bc.Resource().Map()
	require.NoError(t, err)
	assert.Equal(t, data, mapped[:16])
	bc.Resource().Unmap()
}

func TestTextureUploadAndBind(t *testing.T) {
	dev := newDevice(t, soft.Options{})
	table := NewTable(dev, 2)
	defer table.Release()

	id, err := table.CreateTextureComponent(TextureComponentDesc{
		Name: "diffuse", Format: gpu.FormatRGBA8Unorm, MaxTextures: 2,
		Update: UpdateInitialiseOnly, Views: []ViewKind{ViewSRV},
	})
	require.NoError(t, err)
	require.NoError(t, table.FinalizeComponents())
	tc := table.Textures(id)

	idx := tc.CreateTexture(TextureAllocation{Name: "brick", Width: 4, Height: 2, MipLevels: 3})
	require.NotEqual(t, InvalidIndex, idx)
	levels := [][]byte{pattern(32, 0), pattern(8, 50), pattern(4, 90)}
	for mip, data := range levels {
		require.NoError(t, tc.SetUpdateData(idx, uint32(mip), data))
	}
	assert.ErrorIs(t, tc.SetUpdateData(idx, 0, make([]byte, 4)), ErrDataSize)
	assert.ErrorIs(t, tc.SetUpdateData(idx, 3, nil), ErrInvalidIndex)

	submit(t, dev, gpu.QueueCopy, func(list gpu.CommandList) {
		require.NoError(t, table.UpdateComponents(list))
	})
	for mip, want := range levels {
		got, err := soft.ReadTexture(tc.Texture(idx), uint32(mip))
		require.NoError(t, err)
		assert.Equal(t, want, got, "mip %d", mip)
	}
	assert.ErrorIs(t, tc.SetUpdateData(idx, 0, levels[0]), ErrUpdateType)

	submit(t, dev, gpu.QueueDirect, func(list gpu.CommandList) {
		require.NoError(t, table.BindComponents(list))
	})
	_, changed := tc.ChangeToState(idx, gpu.StatePixelShaderResource)
	assert.False(t, changed, "bind leaves the texture shader readable")
	assert.NoError(t, dev.Err())
}

func TestTextureComponentLimits(t *testing.T) {
	dev := newDevice(t, soft.Options{})
	table := NewTable(dev, 2)
	defer table.Release()

	_, err := table.CreateTextureComponent(TextureComponentDesc{
		Name: "mapped", Format: gpu.FormatRGBA8Unorm, MaxTextures: 1, Update: UpdateMap,
	})
	assert.ErrorIs(t, err, ErrUpdateType)

	id, err := table.CreateTextureComponent(TextureComponentDesc{
		Name: "small", Format: gpu.FormatRGBA8Unorm, MaxTextures: 2, MaxBytes: 100,
		Update: UpdateInitialiseOnly,
	})
	require.NoError(t, err)
	tc := table.Textures(id)

	a := tc.CreateTexture(TextureAllocation{Width: 4, Height: 4})
	require.Equal(t, Index(0), a)
	assert.Equal(t, InvalidIndex, tc.CreateTexture(TextureAllocation{Width: 4, Height: 4}), "byte budget")
	b := tc.CreateTexture(TextureAllocation{Width: 2, Height: 2})
	require.Equal(t, Index(1), b)
	assert.Equal(t, InvalidIndex, tc.CreateTexture(TextureAllocation{Width: 1, Height: 1}), "texture count")

	require.NoError(t, tc.Remove(a))
	assert.ErrorIs(t, tc.Remove(a), ErrInvalidIndex)
	assert.Equal(t, 1, tc.Len())
	assert.Equal(t, a, tc.CreateTexture(TextureAllocation{Width: 4, Height: 4}), "slot is reused")
}

func TestDepthTextureStateChanges(t *testing.T) {
	dev := newDevice(t, soft.Options{})
	table := NewTable(dev, 2)
	defer table.Release()

	id, err := table.CreateTextureComponent(TextureComponentDesc{
		Name: "depth", Format: gpu.FormatD32Float, MaxTextures: 1,
		Update: UpdateNone, Views: []ViewKind{ViewDSV},
	})
	require.NoError(t, err)
	require.NoError(t, table.FinalizeComponents())
	tc := table.Textures(id)
	depth := tc.CreateTexture(TextureAllocation{Width: 8, Height: 8})
	require.NotEqual(t, InvalidIndex, depth)
	assert.ErrorIs(t, tc.SetUpdateData(depth, 0, make([]byte, 256)), ErrUpdateType)

	barrier, ok := tc.ChangeToState(depth, gpu.StateDepthWrite)
	require.True(t, ok)
	assert.Equal(t, gpu.StateCommon, barrier.Before)
	assert.Equal(t, gpu.StateDepthWrite, barrier.After)
	_, ok = tc.ChangeToState(depth, gpu.StateDepthWrite)
	assert.False(t, ok)

	submit(t, dev, gpu.QueueDirect, func(list gpu.CommandList) {
		list.ResourceBarrier(barrier)
		list.ClearDepth(tc.Texture(depth), 1)
	})
	assert.NoError(t, dev.Err())
}
