package soft

import (
	"bytes"
	"encoding/binary"
	stdmath "math"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/math"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
)

func float32s(vs ...float32) []byte {
	b := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(b[i*4:], stdmath.Float32bits(v))
	}
	return b
}

func uint32s(vs ...uint32) []byte {
	b := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(b[i*4:], v)
	}
	return b
}

func upload(t *testing.T, dev *Device, name string, data []byte) gpu.Buffer {
	t.Helper()
	b, err := dev.CreateBuffer(gpu.BufferDesc{Name: name, Size: uint64(len(data)), Heap: gpu.HeapUpload})
	require.NoError(t, err)
	m, err := b.Map()
	require.NoError(t, err)
	copy(m, data)
	b.Unmap()
	return b
}

type harness struct {
	dev   *Device
	queue gpu.Queue
	alloc gpu.CommandAllocator
	list  gpu.CommandList
	fence gpu.Fence
	value uint64
}

func newHarness(t *testing.T, opts Options, typ gpu.QueueType) *harness {
	t.Helper()
	dev := New(opts)
	q, err := dev.CreateQueue(typ)
	require.NoError(t, err)
	alloc, err := dev.CreateCommandAllocator(typ)
	require.NoError(t, err)
	list, err := dev.CreateCommandList(typ)
	require.NoError(t, err)
	f, err := dev.CreateFence(0)
	require.NoError(t, err)
	h := &harness{dev: dev, queue: q, alloc: alloc, list: list, fence: f}
	t.Cleanup(func() {
		dev.Close()
		q.Destroy()
	})
	return h
}

// submit closes the list, executes it and signals the harness fence.
func (h *harness) submit(t *testing.T) uint64 {
	t.Helper()
	require.NoError(t, h.list.Close())
	require.NoError(t, h.queue.ExecuteCommandLists(h.list))
	h.value++
	require.NoError(t, h.queue.Signal(h.fence, h.value))
	return h.value
}

func (h *harness) begin(t *testing.T) {
	t.Helper()
	require.NoError(t, h.alloc.Reset())
	require.NoError(t, h.list.Reset(h.alloc))
}

func asBuffer(t *testing.T, dev *Device, name string, size uint64) gpu.Buffer {
	t.Helper()
	b, err := dev.CreateBuffer(gpu.BufferDesc{
		Name:         name,
		Size:         size,
		Flags:        gpu.BufferAllowUnorderedAccess | gpu.BufferAccelerationStructure,
		InitialState: gpu.StateRaytracingAccelerationStructure,
	})
	require.NoError(t, err)
	return b
}

func scratchBuffer(t *testing.T, dev *Device, name string, size uint64) gpu.Buffer {
	t.Helper()
	b, err := dev.CreateBuffer(gpu.BufferDesc{
		Name:         name,
		Size:         size,
		Flags:        gpu.BufferAllowUnorderedAccess,
		InitialState: gpu.StateUnorderedAccess,
	})
	require.NoError(t, err)
	return b
}

// recordQuad records a bottom level structure holding a unit quad at z=5,
// and a top level structure holding one instance of it.
func recordQuad(t *testing.T, h *harness, barrier bool) (blas, tlas gpu.Buffer) {
	t.Helper()
	verts := upload(t, h.dev, "verts", float32s(
		-1, -1, 5,
		1, -1, 5,
		1, 1, 5,
		-1, 1, 5,
	))
	indices := upload(t, h.dev, "indices", uint32s(0, 1, 2, 0, 2, 3))

	bottom := gpu.BuildInputs{
		Type: gpu.BottomLevel,
		Geometries: []gpu.GeometryTriangles{{
			VertexBuffer: verts.Address(), VertexCount: 4, VertexStride: 12,
			IndexBuffer: indices.Address(), IndexCount: 6, Opaque: true,
		}},
	}
	info, err := h.dev.AccelerationStructurePrebuildInfo(&bottom)
	require.NoError(t, err)
	blas = asBuffer(t, h.dev, "blas", info.ResultSize)
	blasScratch := scratchBuffer(t, h.dev, "blas_scratch", info.ScratchSize)
	h.list.BuildRaytracingAccelerationStructure(&gpu.BuildDesc{Dest: blas.Address(), Scratch: blasScratch.Address(), Inputs: bottom})
	if barrier {
		h.list.ResourceBarrier(gpu.UAVBarrier(blas))
	}

	rec := gpu.InstanceRecord{Transform: math.NewMat3x4Identity().Data, Mask: 0xFF, AccelerationStructure: blas.Address()}
	raw := make([]byte, gpu.InstanceRecordSize)
	rec.Encode(raw)
	instances := upload(t, h.dev, "instances", raw)

	top := gpu.BuildInputs{Type: gpu.TopLevel, Flags: gpu.BuildAllowUpdate, Instances: instances.Address(), InstanceCount: 1}
	info, err = h.dev.AccelerationStructurePrebuildInfo(&top)
	require.NoError(t, err)
	tlas = asBuffer(t, h.dev, "tlas", info.ResultSize)
	tlasScratch := scratchBuffer(t, h.dev, "tlas_scratch", info.ScratchSize)
	h.list.BuildRaytracingAccelerationStructure(&gpu.BuildDesc{Dest: tlas.Address(), Scratch: tlasScratch.Address(), Inputs: top})
	h.list.ResourceBarrier(gpu.UAVBarrier(tlas))
	return blas, tlas
}

func TestBuildAndRaycast(t *testing.T) {
	h := newHarness(t, Options{}, gpu.QueueDirect)
	h.begin(t)
	blas, tlas := recordQuad(t, h, true)
	require.NoError(t, h.fence.WaitCPU(h.submit(t)))

	info, err := h.dev.InspectAccelerationStructure(blas.Address())
	require.NoError(t, err)
	assert.Equal(t, gpu.BottomLevel, info.Type)
	assert.Equal(t, uint32(2), info.Triangles)
	assert.Equal(t, uint32(1), info.Geometries)

	info, err = h.dev.InspectAccelerationStructure(tlas.Address())
	require.NoError(t, err)
	assert.Equal(t, uint32(1), info.Instances)
	assert.True(t, info.Bounds.Min.Compare(math.NewVec3(-1, -1, 5), 1e-5))

	hit, ok, err := h.dev.Raycast(tlas.Address(), math.NewVec3(0.25, 0.5, 0), math.NewVec3(0, 0, 1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 5, hit.T, 1e-5)

	_, ok, err = h.dev.Raycast(tlas.Address(), math.NewVec3(3, 3, 0), math.NewVec3(0, 0, 1))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(2), h.dev.Stats().Builds)
}

func TestBuildLargeMeshIntoDeepTree(t *testing.T) {
	h := newHarness(t, Options{}, gpu.QueueDirect)
	const n = 64
	var verts []float32
	var indices []uint32
	for y := 0; y <= n; y++ {
		for x := 0; x <= n; x++ {
			verts = append(verts, float32(x), float32(y), 2)
		}
	}
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			i := uint32(y*(n+1) + x)
			indices = append(indices, i, i+1, i+n+2, i, i+n+2, i+n+1)
		}
	}
	vb := upload(t, h.dev, "grid_verts", float32s(verts...))
	ib := upload(t, h.dev, "grid_indices", uint32s(indices...))
	inputs := gpu.BuildInputs{Type: gpu.BottomLevel, Geometries: []gpu.GeometryTriangles{{
		VertexBuffer: vb.Address(), VertexCount: uint32(len(verts) / 3),
		IndexBuffer: ib.Address(), IndexCount: uint32(len(indices)),
	}}}
	info, err := h.dev.AccelerationStructurePrebuildInfo(&inputs)
	require.NoError(t, err)
	dst := asBuffer(t, h.dev, "grid_blas", info.ResultSize)
	scratch := scratchBuffer(t, h.dev, "grid_scratch", info.ScratchSize)

	h.begin(t)
	h.list.BuildRaytracingAccelerationStructure(&gpu.BuildDesc{Dest: dst.Address(), Scratch: scratch.Address(), Inputs: inputs})
	require.NoError(t, h.fence.WaitCPU(h.submit(t)))

	got, err := h.dev.InspectAccelerationStructure(dst.Address())
	require.NoError(t, err)
	assert.Equal(t, uint32(2*n*n), got.Triangles)
	assert.Greater(t, got.Nodes, uint32(1))
	assert.True(t, got.Bounds.Max.Compare(math.NewVec3(n, n, 2), 1e-5))
}

func TestMissingBarrierLosesDevice(t *testing.T) {
	h := newHarness(t, Options{}, gpu.QueueDirect)
	h.begin(t)
	recordQuad(t, h, false)
	err := h.fence.WaitCPU(h.submit(t))
	assert.ErrorIs(t, err, gpu.ErrDeviceLost)
	assert.ErrorIs(t, err, gpu.ErrMissingBarrier)
	assert.ErrorIs(t, h.queue.ExecuteCommandLists(), gpu.ErrDeviceLost)
}

func TestTopLevelOverUnbuiltBottomLevel(t *testing.T) {
	h := newHarness(t, Options{}, gpu.QueueDirect)
	empty := asBuffer(t, h.dev, "never_built", 4096)
	rec := gpu.InstanceRecord{Transform: math.NewMat3x4Identity().Data, Mask: 0xFF, AccelerationStructure: empty.Address()}
	raw := make([]byte, gpu.InstanceRecordSize)
	rec.Encode(raw)
	instances := upload(t, h.dev, "instances", raw)

	top := gpu.BuildInputs{Type: gpu.TopLevel, Instances: instances.Address(), InstanceCount: 1}
	info, err := h.dev.AccelerationStructurePrebuildInfo(&top)
	require.NoError(t, err)
	tlas := asBuffer(t, h.dev, "tlas", info.ResultSize)
	scratch := scratchBuffer(t, h.dev, "scratch", info.ScratchSize)

	h.begin(t)
	h.list.BuildRaytracingAccelerationStructure(&gpu.BuildDesc{Dest: tlas.Address(), Scratch: scratch.Address(), Inputs: top})
	assert.ErrorIs(t, h.fence.WaitCPU(h.submit(t)), gpu.ErrInvalidState)
}

func TestPrebuildValidation(t *testing.T) {
	dev := New(Options{MaxAccelerationStructureSize: 1024})
	defer dev.Close()

	_, err := dev.AccelerationStructurePrebuildInfo(&gpu.BuildInputs{Type: gpu.BottomLevel})
	assert.ErrorIs(t, err, gpu.ErrInvalidArgument)

	_, err = dev.AccelerationStructurePrebuildInfo(&gpu.BuildInputs{
		Type:       gpu.BottomLevel,
		Geometries: []gpu.GeometryTriangles{{VertexBuffer: 0x10000, VertexCount: 3, IndexBuffer: 0x10000, IndexCount: 0}},
	})
	assert.ErrorIs(t, err, gpu.ErrInvalidArgument)

	_, err = dev.AccelerationStructurePrebuildInfo(&gpu.BuildInputs{
		Type:       gpu.BottomLevel,
		Geometries: []gpu.GeometryTriangles{{VertexBuffer: 0x10000, VertexCount: 3000, IndexBuffer: 0x10000, IndexCount: 3000}},
	})
	assert.ErrorIs(t, err, gpu.ErrDeviceLimit)
}

func TestCopyVisibleAfterCrossQueueWait(t *testing.T) {
	dev := New(Options{Jitter: 2 * time.Millisecond, Seed: 7, Latency: [gpu.QueueTypeCount]time.Duration{gpu.QueueCopy: time.Millisecond}})
	copyQueue, err := dev.CreateQueue(gpu.QueueCopy)
	require.NoError(t, err)
	directQueue, err := dev.CreateQueue(gpu.QueueDirect)
	require.NoError(t, err)
	defer func() {
		dev.Close()
		copyQueue.Destroy()
		directQueue.Destroy()
	}()

	copyAlloc, _ := dev.CreateCommandAllocator(gpu.QueueCopy)
	copyList, _ := dev.CreateCommandList(gpu.QueueCopy)
	directAlloc, _ := dev.CreateCommandAllocator(gpu.QueueDirect)
	directList, _ := dev.CreateCommandList(gpu.QueueDirect)
	copyFence, _ := dev.CreateFence(0)
	doneFence, _ := dev.CreateFence(0)

	const size = 1024
	dst, err := dev.CreateBuffer(gpu.BufferDesc{Name: "device_local", Size: size})
	require.NoError(t, err)
	readback, err := dev.CreateBuffer(gpu.BufferDesc{Name: "readback", Size: size, Heap: gpu.HeapUpload})
	require.NoError(t, err)

	for i := 1; i <= 20; i++ {
		want := bytes.Repeat([]byte{byte(i)}, size)
		src := upload(t, dev, "src", want)

		require.NoError(t, copyAlloc.Reset())
		require.NoError(t, copyList.Reset(copyAlloc))
		copyList.CopyBufferRegion(dst, 0, src, 0, size)
		require.NoError(t, copyList.Close())
		require.NoError(t, copyQueue.ExecuteCommandLists(copyList))
		require.NoError(t, copyQueue.Signal(copyFence, uint64(i)))

		require.NoError(t, directQueue.Wait(copyFence, uint64(i)))
		require.NoError(t, directAlloc.Reset())
		require.NoError(t, directList.Reset(directAlloc))
		directList.CopyBufferRegion(readback, 0, dst, 0, size)
		require.NoError(t, directList.Close())
		require.NoError(t, directQueue.ExecuteCommandLists(directList))
		require.NoError(t, directQueue.Signal(doneFence, uint64(i)))

		require.NoError(t, doneFence.WaitCPU(uint64(i)))
		got, err := readback.Map()
		require.NoError(t, err)
		assert.Equal(t, want, got, "iteration %d", i)
		readback.Unmap()
		src.Destroy()
	}
	assert.Equal(t, uint64(20), dev.Stats().Submissions[gpu.QueueCopy])
}

func TestAllocatorInUseUntilRetired(t *testing.T) {
	h := newHarness(t, Options{Latency: [gpu.QueueTypeCount]time.Duration{gpu.QueueDirect: 50 * time.Millisecond}}, gpu.QueueDirect)
	h.begin(t)
	v := h.submit(t)
	assert.ErrorIs(t, h.alloc.Reset(), gpu.ErrAllocatorInUse)
	require.NoError(t, h.fence.WaitCPU(v))
	assert.NoError(t, h.alloc.Reset())
}

func TestListStateErrors(t *testing.T) {
	h := newHarness(t, Options{}, gpu.QueueDirect)
	assert.ErrorIs(t, h.queue.ExecuteCommandLists(h.list), gpu.ErrListNotClosed)

	h.begin(t)
	assert.ErrorIs(t, h.list.Reset(h.alloc), gpu.ErrInvalidState)
	assert.ErrorIs(t, h.queue.ExecuteCommandLists(h.list), gpu.ErrListNotClosed)
	require.NoError(t, h.list.Close())
	assert.ErrorIs(t, h.list.Close(), gpu.ErrListClosed)

	copyAlloc, _ := h.dev.CreateCommandAllocator(gpu.QueueCopy)
	copyList, _ := h.dev.CreateCommandList(gpu.QueueCopy)
	require.NoError(t, copyList.Reset(copyAlloc))
	copyList.Draw(3, 1)
	assert.Error(t, copyList.Close())
}

func TestQueueDestroyed(t *testing.T) {
	dev := New(Options{})
	defer dev.Close()
	q, err := dev.CreateQueue(gpu.QueueCopy)
	require.NoError(t, err)
	f, _ := dev.CreateFence(0)
	q.Destroy()
	assert.ErrorIs(t, q.Signal(f, 1), gpu.ErrQueueDestroyed)
	assert.ErrorIs(t, q.ExecuteCommandLists(), gpu.ErrQueueDestroyed)
}

func TestMapping(t *testing.T) {
	dev := New(Options{MapFailure: func(name string) bool { return name == "flaky" }})
	defer dev.Close()

	local, err := dev.CreateBuffer(gpu.BufferDesc{Name: "local", Size: 16})
	require.NoError(t, err)
	_, err = local.Map()
	assert.ErrorIs(t, err, gpu.ErrNotMappable)

	flaky, err := dev.CreateBuffer(gpu.BufferDesc{Name: "flaky", Size: 16, Heap: gpu.HeapUpload})
	require.NoError(t, err)
	_, err = flaky.Map()
	assert.ErrorIs(t, err, gpu.ErrMapFailed)
}

func TestMemoryBudget(t *testing.T) {
	dev := New(Options{MemoryBudget: 1024})
	defer dev.Close()

	a, err := dev.CreateBuffer(gpu.BufferDesc{Name: "a", Size: 1000})
	require.NoError(t, err)
	_, err = dev.CreateBuffer(gpu.BufferDesc{Name: "b", Size: 100})
	assert.ErrorIs(t, err, gpu.ErrOutOfMemory)

	a.Destroy()
	_, err = dev.CreateBuffer(gpu.BufferDesc{Name: "b", Size: 100})
	assert.NoError(t, err)
	assert.Equal(t, uint64(100), dev.Stats().AllocatedBytes)
}

func TestPresentRequiresPresentState(t *testing.T) {
	h := newHarness(t, Options{}, gpu.QueueDirect)
	sc, err := h.dev.CreateSwapchain(h.queue, gpu.SwapchainDesc{Width: 8, Height: 8, BufferCount: 2})
	require.NoError(t, err)

	back := sc.CurrentBackBuffer()
	h.begin(t)
	h.list.ResourceBarrier(gpu.TransitionBarrier(back, gpu.StatePresent, gpu.StateRenderTarget))
	h.list.ClearRenderTarget(back, [4]float32{1, 0, 0, 1})
	h.list.ResourceBarrier(gpu.TransitionBarrier(back, gpu.StateRenderTarget, gpu.StatePresent))
	require.NoError(t, h.list.Close())
	require.NoError(t, h.queue.ExecuteCommandLists(h.list))
	require.NoError(t, sc.Present())
	assert.Equal(t, 1, sc.CurrentBackBufferIndex())
	h.value++
	require.NoError(t, h.queue.Signal(h.fence, h.value))
	require.NoError(t, h.fence.WaitCPU(h.value))

	texels, err := ReadTexture(back, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{255, 0, 0, 255}, texels[:4])
	assert.Equal(t, uint64(1), h.dev.Stats().Presents)

	// The second back buffer is never transitioned out of present, so
	// clearing it is a state error.
	h.begin(t)
	h.list.ClearRenderTarget(sc.CurrentBackBuffer(), [4]float32{})
	assert.ErrorIs(t, h.fence.WaitCPU(h.submit(t)), gpu.ErrInvalidState)
}

func TestCloseIsNotReportedAsLoss(t *testing.T) {
	var buf bytes.Buffer
	core.SetLogOutput(&buf)
	t.Cleanup(func() { core.SetLogOutput(os.Stderr) })

	dev := New(Options{})
	dev.Close()
	assert.ErrorIs(t, dev.Err(), gpu.ErrDeviceLost)
	assert.NotContains(t, buf.String(), "soft device lost")
	assert.NotContains(t, buf.String(), "ERRO")
}
