package assets

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-rt/engine/config"
	"github.com/spaghettifunk/anima-rt/engine/renderer"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu/soft"
	"github.com/spaghettifunk/anima-rt/engine/resources"
)

var testMemory = config.MemoryRequirements{
	Vertices:    4096,
	Indices:     8192,
	Textures:    4,
	SubMeshes:   8,
	TextureSize: 64,
}

// writeStripOBJ writes one group per entry of triangles, each a strip of
// that many triangles, all using material "painted".
func writeStripOBJ(t *testing.T, dir string, triangles ...int) string {
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
	path := filepath.Join(dir, "scene.obj")
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o644))

	mtl := "newmtl painted\nmap_Kd diffuse.png\nmap_Ks missing.png\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scene.mtl"), []byte(mtl), 0o644))

	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	img.SetRGBA(0, 0, color.RGBA{R: 1, G: 2, B: 3, A: 255})
	f, err := os.Create(filepath.Join(dir, "diffuse.png"))
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func newMeshLoader(t *testing.T, memory config.MemoryRequirements) (*soft.Device, *resources.Table, *MeshLoader) {
	t.Helper()
	dev := soft.New(soft.Options{})
	t.Cleanup(dev.Close)
	table := resources.NewTable(dev, 2)
	t.Cleanup(table.Release)

	ml := &MeshLoader{}
	require.NoError(t, ml.Initialize(table, memory))
	require.NoError(t, table.FinalizeComponents())
	return dev, table, ml
}

// upload runs the pending copies of the table and waits for them.
func upload(t *testing.T, dev gpu.Device, record func(list gpu.CommandList)) {
	t.Helper()
	queue, err := dev.CreateQueue(gpu.QueueCopy)
	require.NoError(t, err)
	defer queue.Destroy()
	rec, err := renderer.NewCommandRecorder(dev, gpu.QueueCopy)
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

func TestLoadMeshStagesEverySubMesh(t *testing.T) {
	dev, table, ml := newMeshLoader(t, testMemory)
	path := writeStripOBJ(t, t.TempDir(), 167, 400)

	idx, err := ml.LoadMesh(path)
	require.NoError(t, err)
	require.NotEqual(t, InvalidMeshIndex, idx)

	mesh := ml.GetMeshInfo(idx)
	require.Len(t, mesh.SubMeshes, 2)
	assert.Equal(t, uint32(501), mesh.SubMeshes[0].IndexCount)
	assert.Equal(t, uint32(1200), mesh.SubMeshes[1].IndexCount)
	assert.Equal(t, uint32(169), mesh.SubMeshes[0].VertexCount)

	for _, sm := range mesh.SubMeshes {
		for _, h := range []resources.Index{sm.Position, sm.UV, sm.Normal, sm.Tangent, sm.Bitangent, sm.Indices} {
			assert.NotEqual(t, resources.InvalidIndex, h)
		}
		assert.NotEqual(t, resources.InvalidIndex, sm.DiffuseMap)
		// The specular map does not exist on disk.
		assert.Equal(t, resources.InvalidIndex, sm.SpecularMap)
		assert.Equal(t, resources.InvalidIndex, sm.NormalMap)
	}
	// Both sub-meshes share the material, the texture is staged once.
	assert.Equal(t, mesh.SubMeshes[0].DiffuseMap, mesh.SubMeshes[1].DiffuseMap)
	assert.Equal(t, 1, table.Textures(ml.DiffuseMapComponent()).Len())

	upload(t, dev, func(list gpu.CommandList) {
		require.NoError(t, table.UpdateComponents(list))
	})
	require.NoError(t, dev.Err())

	// Read the first triangle of the second sub-mesh back.
	h := table.Buffers(ml.IndicesComponent()).GetHandle(mesh.SubMeshes[1].Indices)
	assert.Equal(t, uint32(1200), h.ElementCount)
	readback, err := dev.CreateBuffer(gpu.BufferDesc{Name: "readback", Size: 12, Heap: gpu.HeapUpload})
	require.NoError(t, err)
	defer readback.Destroy()
	upload(t, dev, func(list gpu.CommandList) {
		list.CopyBufferRegion(readback, 0, h.Resource, h.Offset, 12)
	})
	data, err := readback.Map()
	require.NoError(t, err)
	got := bytes.Clone(data)
	readback.Unmap()
	assert.Equal(t, []uint32{0, 2, 1}, []uint32{
		binary.LittleEndian.Uint32(got[0:]),
		binary.LittleEndian.Uint32(got[4:]),
		binary.LittleEndian.Uint32(got[8:]),
	})
}

func TestLoadMeshReturnsTheSameIndexForTheSamePath(t *testing.T) {
	_, table, ml := newMeshLoader(t, testMemory)
	dir := t.TempDir()
	path := writeStripOBJ(t, dir, 2)

	first, err := ml.LoadMesh(path)
	require.NoError(t, err)
	second, err := ml.LoadMesh(filepath.Join(dir, ".", "scene.obj"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, table.Buffers(ml.PositionComponent()).Len())
}

func TestLoadMeshFailures(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, _, ml := newMeshLoader(t, testMemory)
		idx, err := ml.LoadMesh(filepath.Join(t.TempDir(), "nothing.obj"))
		assert.Error(t, err)
		assert.Equal(t, InvalidMeshIndex, idx)
	})

	t.Run("too many sub-meshes", func(t *testing.T) {
		memory := testMemory
		memory.SubMeshes = 1
		_, _, ml := newMeshLoader(t, memory)
		idx, err := ml.LoadMesh(writeStripOBJ(t, t.TempDir(), 1, 1))
		assert.ErrorIs(t, err, ErrResourcesExhausted)
		assert.Equal(t, InvalidMeshIndex, idx)
	})

	t.Run("too many indices", func(t *testing.T) {
		memory := testMemory
		memory.Indices = 30
		_, _, ml := newMeshLoader(t, memory)
		idx, err := ml.LoadMesh(writeStripOBJ(t, t.TempDir(), 20))
		assert.ErrorIs(t, err, ErrResourcesExhausted)
		assert.Equal(t, InvalidMeshIndex, idx)
	})
}

func TestGetMeshInfoPanicsOnUnknownIndex(t *testing.T) {
	_, _, ml := newMeshLoader(t, testMemory)
	assert.Panics(t, func() { ml.GetMeshInfo(0) })
}

func TestDecodeTexturesDecodesEachMapOnce(t *testing.T) {
	_, _, ml := newMeshLoader(t, testMemory)
	dir := t.TempDir()
	writeStripOBJ(t, dir, 1)
	diffuse := filepath.Join(dir, "diffuse.png")
	missing := filepath.Join(dir, "missing.png")

	data := &resources.MeshResourceData{
		SubMeshes: []resources.SubMeshData{{Material: "painted"}, {Material: "painted"}, {Material: "none"}},
		Materials: map[string]resources.MaterialConfig{
			"painted": {Name: "painted", DiffuseMap: diffuse, SpecularMap: missing, NormalMap: diffuse},
		},
	}
	decoded := ml.decodeTextures(data)
	require.Len(t, decoded, 2)
	require.NotNil(t, decoded[diffuse])
	assert.EqualValues(t, 8, decoded[diffuse].Width)
	assert.Nil(t, decoded[missing])

	assert.Nil(t, ml.decodeTextures(&resources.MeshResourceData{}))
}
