package viewer

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-rt/engine/assets"
	"github.com/spaghettifunk/anima-rt/engine/config"
	"github.com/spaghettifunk/anima-rt/engine/math"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu/soft"
	"github.com/spaghettifunk/anima-rt/engine/renderer/raytracing"
	"github.com/spaghettifunk/anima-rt/engine/resources"
)

// writeScene writes scene.obj with one object per entry of triangles, each
// a strip of that many triangles sharing a textured material.
func writeScene(t *testing.T, dir string, triangles ...int) {
	t.Helper()
	var sb strings.Builder
	sb.WriteString("mtllib scene.mtl\n")
	base := 0
	for g, n := range triangles {
		fmt.Fprintf(&sb, "o part%d\nusemtl painted\n", g)
		for i := 0; i < n+2; i++ {
			fmt.Fprintf(&sb, "v %d %d %d\n", i, i%2, g)
		}
		for i := 0; i < n; i++ {
			fmt.Fprintf(&sb, "f %d %d %d\n", base+i+1, base+i+2, base+i+3)
		}
		base += n + 2
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scene.obj"), []byte(sb.String()), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scene.mtl"), []byte("newmtl painted\nmap_Kd diffuse.png\n"), 0o644))

	f, err := os.Create(filepath.Join(dir, "diffuse.png"))
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, 4, 4))))
	require.NoError(t, f.Close())
}

func testConfig(t *testing.T, triangles ...int) *config.Config {
	t.Helper()
	dir := t.TempDir()
	writeScene(t, dir, triangles...)

	cfg := config.Default()
	cfg.Application.StartWidth = 64
	cfg.Application.StartHeight = 48
	cfg.Assets.Directory = dir
	cfg.Assets.Mesh = "scene.obj"
	cfg.Assets.Watch = false
	cfg.Assets.Memory = config.MemoryRequirements{
		Vertices:    4096,
		Indices:     8192,
		Textures:    4,
		SubMeshes:   8,
		TextureSize: 64,
	}
	return cfg
}

func newScene(t *testing.T, opts soft.Options, cfg *config.Config) (*Scene, *soft.Device) {
	t.Helper()
	dev := soft.New(opts)
	s := New(dev)
	require.NoError(t, s.Initialize(cfg))
	t.Cleanup(func() { _ = s.Shutdown() })
	return s, dev
}

// renderFrames renders n frames, waiting for frame slots when needed.
func renderFrames(t *testing.T, s *Scene, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, s.Update(0.016))
		require.Eventually(t, func() bool {
			ok, err := s.Render()
			return assert.NoError(t, err) && ok
		}, 5*time.Second, time.Millisecond)
	}
}

func TestInitializeLoadsAndBuilds(t *testing.T) {
	s, dev := newScene(t, soft.Options{}, testConfig(t, 167, 400))

	mesh := s.meshLoader.GetMeshInfo(s.mesh)
	require.Len(t, mesh.SubMeshes, 2)
	assert.EqualValues(t, 501, mesh.SubMeshes[0].IndexCount)
	assert.EqualValues(t, 1200, mesh.SubMeshes[1].IndexCount)
	for _, sm := range mesh.SubMeshes {
		assert.NotEqual(t, resources.InvalidIndex, sm.Position)
		assert.NotEqual(t, resources.InvalidIndex, sm.Indices)
		assert.NotEqual(t, resources.InvalidIndex, sm.DiffuseMap)
	}
	assert.Len(t, s.objects, 2)

	require.Equal(t, 2, s.accelerationStructures.Count())
	s.accelerationStructures.Each(func(_ int, as **raytracing.AccelerationStructure) {
		assert.NotZero(t, (*as).TopLevelAddress())
	})

	require.NoError(t, s.flushAllQueues())
	require.NoError(t, dev.Err())
	info, err := dev.InspectAccelerationStructure((*s.accelerationStructures.Active()).TopLevelAddress())
	require.NoError(t, err)
	assert.NotZero(t, info.Nodes)
}

func TestRenderDrawsEverySubMesh(t *testing.T) {
	s, dev := newScene(t, soft.Options{Jitter: time.Millisecond, Seed: 3}, testConfig(t, 4, 6))

	renderFrames(t, s, 5)
	require.NoError(t, s.flushAllQueues())
	require.NoError(t, dev.Err())

	stats := dev.Stats()
	assert.EqualValues(t, 10, stats.Draws)
	assert.EqualValues(t, 5, stats.Presents)
	// Two full builds per frame slot, then one refit per frame.
	assert.EqualValues(t, 2*2+5, stats.Builds)
}

func TestRenderSkipsBusyFrame(t *testing.T) {
	cfg := testConfig(t, 2)
	opts := soft.Options{Latency: [gpu.QueueTypeCount]time.Duration{gpu.QueueDirect: 150 * time.Millisecond}}
	s, dev := newScene(t, opts, cfg)

	require.Eventually(t, s.PossibleToSwapFrame, 5*time.Second, time.Millisecond)
	ok, err := s.Render()
	require.NoError(t, err)
	require.True(t, ok)

	before := dev.Stats()
	require.False(t, s.PossibleToSwapFrame())
	ok, err = s.Render()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, before.TotalSubmissions(), dev.Stats().TotalSubmissions())

	require.Eventually(t, s.PossibleToSwapFrame, 5*time.Second, time.Millisecond)
	ok, err = s.Render()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFirstRenderWaitsForInitialBuilds(t *testing.T) {
	opts := soft.Options{Latency: [gpu.QueueTypeCount]time.Duration{gpu.QueueDirect: 300 * time.Millisecond}}
	s, dev := newScene(t, opts, testConfig(t, 2))

	var initial []math.Mat3x4
	s.accelerationStructures.Each(func(_ int, as **raytracing.AccelerationStructure) {
		initial = append(initial, (*as).Transform())
	})
	s.ApplySettings(config.Settings{Rotation: 90, Scaling: 2, SubMesh: -1})
	require.NoError(t, s.Update(0.016))

	// Every slot still waits for its build, no instance may change.
	assert.False(t, s.PossibleToSwapFrame())
	ok, err := s.Render()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, dev.Stats().Builds)
	s.accelerationStructures.Each(func(i int, as **raytracing.AccelerationStructure) {
		assert.Equal(t, initial[i], (*as).Transform())
	})

	require.Eventually(t, s.PossibleToSwapFrame, 5*time.Second, time.Millisecond)
	assert.EqualValues(t, 2*2, dev.Stats().Builds)
	ok, err = s.Render()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, s.worldTransform().ToMat3x4(), (*s.accelerationStructures.Active()).Transform())

	require.NoError(t, s.flushAllQueues())
	require.NoError(t, dev.Err())
	assert.EqualValues(t, 2*2+1, dev.Stats().Builds)
}

func TestSubMeshFilter(t *testing.T) {
	s, dev := newScene(t, soft.Options{}, testConfig(t, 2, 3, 4))

	settings := config.DefaultSettings()
	settings.SubMesh = 1
	s.ApplySettings(settings)
	renderFrames(t, s, 3)

	settings.SubMesh = 7
	s.ApplySettings(settings)
	renderFrames(t, s, 2)

	require.NoError(t, s.flushAllQueues())
	require.NoError(t, dev.Err())
	assert.EqualValues(t, 3, dev.Stats().Draws)
	assert.EqualValues(t, 5, dev.Stats().Presents)
}

func TestUpdateMovesTopLevel(t *testing.T) {
	s, dev := newScene(t, soft.Options{}, testConfig(t, 2))

	s.ApplySettings(config.Settings{Rotation: 90, Scaling: 2, SubMesh: -1})
	renderFrames(t, s, 2)
	require.NoError(t, s.flushAllQueues())
	require.NoError(t, dev.Err())

	want := s.worldTransform().ToMat3x4()
	assert.Equal(t, want, (*s.accelerationStructures.Active()).Transform())
	assert.InDelta(t, 0, want.Data[0], 1e-5)
	assert.InDelta(t, 2, want.Data[5], 1e-5)
}

func TestMapFailureKeepsTransform(t *testing.T) {
	var failing atomic.Bool
	opts := soft.Options{MapFailure: func(name string) bool {
		return failing.Load() && strings.Contains(name, "instance")
	}}
	s, dev := newScene(t, opts, testConfig(t, 2))

	before := (*s.accelerationStructures.Next()).Transform()
	failing.Store(true)
	s.ApplySettings(config.Settings{Rotation: 45, Scaling: 1, SubMesh: -1})
	renderFrames(t, s, 1)

	require.NoError(t, s.flushAllQueues())
	require.NoError(t, dev.Err())
	assert.Equal(t, before, (*s.accelerationStructures.Active()).Transform())
	assert.EqualValues(t, 1, dev.Stats().Presents)
}

func TestResize(t *testing.T) {
	s, dev := newScene(t, soft.Options{}, testConfig(t, 3))
	renderFrames(t, s, 2)

	require.NoError(t, s.Resize(0, 10))
	require.NoError(t, s.Resize(64, 48))
	assert.EqualValues(t, 64, s.swapchain.CurrentBackBuffer().Width())

	require.NoError(t, s.Resize(32, 24))
	assert.EqualValues(t, 32, s.swapchain.CurrentBackBuffer().Width())
	assert.EqualValues(t, 24, s.table.Textures(s.depthMapComponent).Texture(s.depthMap).Height())
	assert.InDelta(t, 32.0/24.0, s.camera.Aspect, 1e-6)

	renderFrames(t, s, 3)
	require.NoError(t, s.flushAllQueues())
	require.NoError(t, dev.Err())
	assert.EqualValues(t, 5, dev.Stats().Presents)
}

func TestLifecycleErrors(t *testing.T) {
	s := New(soft.New(soft.Options{}))
	assert.ErrorIs(t, s.Update(0), ErrNotInitialized)
	assert.ErrorIs(t, s.Resize(10, 10), ErrNotInitialized)
	ok, err := s.Render()
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, s.Shutdown())
	assert.NoError(t, s.Shutdown())
}

func TestInitializeMissingMesh(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.Assets.Mesh = "absent.obj"
	s := New(soft.New(soft.Options{}))
	require.Error(t, s.Initialize(cfg))
	assert.False(t, s.PossibleToSwapFrame())
	assert.NoError(t, s.Shutdown())
}

func TestInitializeTooManySubMeshes(t *testing.T) {
	cfg := testConfig(t, 1, 1, 1)
	cfg.Assets.Memory.SubMeshes = 2
	s := New(soft.New(soft.Options{}))
	err := s.Initialize(cfg)
	assert.ErrorIs(t, err, assets.ErrResourcesExhausted)
	assert.NoError(t, s.Shutdown())
}

func TestRecordLayouts(t *testing.T) {
	assert.EqualValues(t, 32, recordSize(vertexObjectIndices{}))
	assert.EqualValues(t, 12, recordSize(pixelObjectIndices{}))
	assert.EqualValues(t, 8, recordSize(pixelFrameIndices{}))
	assert.EqualValues(t, 32, recordSize(pointLight{}))
	assert.EqualValues(t, 16, recordSize(cameraInfo{}))
	assert.EqualValues(t, 64, recordSize(matrixRecord{}))

	b := encode(pointLight{Position: [3]float32{1, 2, 3}, Range: 100, Colour: [3]float32{1, 1, 1}})
	require.Len(t, b, 32)
	assert.Equal(t, uint32(0x42c80000), binary.LittleEndian.Uint32(b[12:]))
	assert.Equal(t, []byte{0, 0, 0, 0}, b[28:])

	m := math.NewMat4Translation(math.NewVec3(1, 2, 3))
	assert.Equal(t, m.Transposed().Data, shaderMatrix(m).Data)
}

func TestHeapIndexer(t *testing.T) {
	s, _ := newScene(t, soft.Options{}, testConfig(t, 1))

	heap := heapIndexer{table: s.table}
	assert.Equal(t, noIndex, heap.index(s.worldMatrixComponent, resources.InvalidIndex))
	base, err := s.table.GetDescriptorBaseOffset(s.worldMatrixComponent, resources.ViewSRV)
	require.NoError(t, err)
	assert.Equal(t, base, heap.index(s.worldMatrixComponent, 0))
	require.NoError(t, heap.err)

	// Per object records have no shader resource view.
	assert.Equal(t, noIndex, heap.index(s.vertexPerObjectComponent, 0))
	require.Error(t, heap.err)
	assert.Equal(t, noIndex, heap.index(s.worldMatrixComponent, 0))
}

func TestGeometriesFromMesh(t *testing.T) {
	s, _ := newScene(t, soft.Options{}, testConfig(t, 2, 5))

	positions := s.table.Buffers(s.meshLoader.PositionComponent())
	indices := s.table.Buffers(s.meshLoader.IndicesComponent())
	geometries := geometriesFromMesh(s.meshLoader.GetMeshInfo(s.mesh), positions, indices)
	require.Len(t, geometries, 2)

	assert.EqualValues(t, 4, geometries[0].VertexCount)
	assert.EqualValues(t, 6, geometries[0].IndexCount)
	assert.EqualValues(t, 7, geometries[1].VertexCount)
	assert.EqualValues(t, 15, geometries[1].IndexCount)
	for _, g := range geometries {
		assert.True(t, g.Opaque)
		assert.Equal(t, positions.Stride(), g.VertexStride)
		assert.NotZero(t, g.VertexBuffer)
		assert.NotZero(t, g.IndexBuffer)
	}
	assert.NotEqual(t, geometries[0].VertexBuffer, geometries[1].VertexBuffer)
}

func TestCameraIsLazy(t *testing.T) {
	c := NewCamera(math.NewVec3(0, 0, -5), math.NewVec3Zero(), math.DegToRad(60), 1, 0.1, 100)
	first := c.ViewProjection()
	assert.False(t, c.IsDirty)

	c.SetAspect(2)
	assert.True(t, c.IsDirty)
	second := c.ViewProjection()
	assert.NotEqual(t, first, second)
	assert.InDelta(t, first.Data[0]/2, second.Data[0], 1e-5)
}
