package assets

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/spaghettifunk/anima-rt/engine/assets/loaders"
	"github.com/spaghettifunk/anima-rt/engine/config"
	"github.com/spaghettifunk/anima-rt/engine/core"
	engmath "github.com/spaghettifunk/anima-rt/engine/math"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
	"github.com/spaghettifunk/anima-rt/engine/resources"
)

// MeshIndex identifies a mesh loaded by a MeshLoader.
type MeshIndex uint32

const InvalidMeshIndex MeshIndex = ^MeshIndex(0)

var ErrResourcesExhausted = errors.New("resource table exhausted")

// SubMesh locates one batch of a mesh in the resource table. Texture indices
// are resources.InvalidIndex when the material has no such map.
type SubMesh struct {
	Name        string
	Position    resources.Index
	UV          resources.Index
	Normal      resources.Index
	Tangent     resources.Index
	Bitangent   resources.Index
	Indices     resources.Index
	VertexCount uint32
	IndexCount  uint32
	DiffuseMap  resources.Index
	SpecularMap resources.Index
	NormalMap   resources.Index
}

type Mesh struct {
	Path      string
	SubMeshes []SubMesh
}

// MeshLoader loads meshes into the components it creates in a resource table.
type MeshLoader struct {
	table    *resources.Table
	memory   config.MemoryRequirements
	models   loaders.ModelLoader
	textures loaders.TextureLoader

	positions  resources.ComponentID
	uvs        resources.ComponentID
	normals    resources.ComponentID
	tangents   resources.ComponentID
	bitangents resources.ComponentID
	indices    resources.ComponentID

	diffuseMaps  resources.ComponentID
	specularMaps resources.ComponentID
	normalMaps   resources.ComponentID

	meshes     []Mesh
	loaded     map[string]MeshIndex
	loadedMaps map[string]resources.Index
	decoded    map[string]*resources.ImageResourceData
}

const (
	vec2Size = 8
	vec3Size = 12
)

// Initialize creates the vertex, index and texture components. It must be
// called before the table is finalized.
func (ml *MeshLoader) Initialize(table *resources.Table, memory config.MemoryRequirements) error {
	ml.table = table
	ml.memory = memory
	ml.loaded = make(map[string]MeshIndex)
	ml.loadedMaps = make(map[string]resources.Index)

	vertexComponent := func(name string, size uint64, capacity uint32) (resources.ComponentID, error) {
		return table.CreateBufferComponent(resources.BufferComponentDesc{
			Name:            name,
			ElementSize:     size,
			ElementCapacity: capacity,
			MaxBuffers:      memory.SubMeshes,
			Update:          resources.UpdateInitialiseOnly,
			Views:           []resources.ViewKind{resources.ViewSRV},
		})
	}
	var err error
	if ml.positions, err = vertexComponent("positions", vec3Size, memory.Vertices); err != nil {
		return err
	}
	if ml.uvs, err = vertexComponent("uvs", vec2Size, memory.Vertices); err != nil {
		return err
	}
	if ml.normals, err = vertexComponent("normals", vec3Size, memory.Vertices); err != nil {
		return err
	}
	if ml.tangents, err = vertexComponent("tangents", vec3Size, memory.Vertices); err != nil {
		return err
	}
	if ml.bitangents, err = vertexComponent("bitangents", vec3Size, memory.Vertices); err != nil {
		return err
	}
	if ml.indices, err = vertexComponent("indices", 4, memory.Indices); err != nil {
		return err
	}

	// Every map of a component is capped at max_texture_size, mips add a
	// third.
	maxBytes := uint64(memory.TextureSize) * uint64(memory.TextureSize) * 4 * 4 / 3 * uint64(memory.Textures)
	textureComponent := func(name string) (resources.ComponentID, error) {
		return table.CreateTextureComponent(resources.TextureComponentDesc{
			Name:        name,
			Format:      gpu.FormatRGBA8Unorm,
			MaxTextures: memory.Textures,
			MaxBytes:    maxBytes,
			Update:      resources.UpdateInitialiseOnly,
			Views:       []resources.ViewKind{resources.ViewSRV},
		})
	}
	if ml.diffuseMaps, err = textureComponent("diffuse_maps"); err != nil {
		return err
	}
	if ml.specularMaps, err = textureComponent("specular_maps"); err != nil {
		return err
	}
	if ml.normalMaps, err = textureComponent("normal_maps"); err != nil {
		return err
	}
	return nil
}

func (ml *MeshLoader) PositionComponent() resources.ComponentID    { return ml.positions }
func (ml *MeshLoader) UVComponent() resources.ComponentID          { return ml.uvs }
func (ml *MeshLoader) NormalComponent() resources.ComponentID      { return ml.normals }
func (ml *MeshLoader) TangentComponent() resources.ComponentID     { return ml.tangents }
func (ml *MeshLoader) BitangentComponent() resources.ComponentID   { return ml.bitangents }
func (ml *MeshLoader) IndicesComponent() resources.ComponentID     { return ml.indices }
func (ml *MeshLoader) DiffuseMapComponent() resources.ComponentID  { return ml.diffuseMaps }
func (ml *MeshLoader) SpecularMapComponent() resources.ComponentID { return ml.specularMaps }
func (ml *MeshLoader) NormalMapComponent() resources.ComponentID   { return ml.normalMaps }

// GetMeshInfo returns a loaded mesh. Unknown indices panic.
func (ml *MeshLoader) GetMeshInfo(idx MeshIndex) *Mesh {
	if int(idx) >= len(ml.meshes) {
		panic(fmt.Sprintf("assets: no mesh %d", idx))
	}
	return &ml.meshes[idx]
}

// LoadMesh parses path and stages every sub-mesh in the resource table. A
// path already loaded returns the same index. On failure InvalidMeshIndex is
// returned with the error.
func (ml *MeshLoader) LoadMesh(path string) (MeshIndex, error) {
	key := filepath.Clean(path)
	if idx, ok := ml.loaded[key]; ok {
		return idx, nil
	}

	res, err := ml.models.Load(key, resources.ResourceTypeMesh, nil)
	if err != nil {
		core.LogError(err.Error())
		return InvalidMeshIndex, err
	}
	data := res.Data.(*resources.MeshResourceData)

	ml.decoded = ml.decodeTextures(data)
	defer func() { ml.decoded = nil }()

	mesh := Mesh{Path: key, SubMeshes: make([]SubMesh, 0, len(data.SubMeshes))}
	for i := range data.SubMeshes {
		sm, err := ml.stageSubMesh(&data.SubMeshes[i], data.Materials)
		if err != nil {
			err = fmt.Errorf("failed to load mesh %s: sub-mesh %d (%s): %w", key, i, data.SubMeshes[i].Name, err)
			core.LogError(err.Error())
			return InvalidMeshIndex, err
		}
		mesh.SubMeshes = append(mesh.SubMeshes, sm)
	}

	ml.meshes = append(ml.meshes, mesh)
	idx := MeshIndex(len(ml.meshes) - 1)
	ml.loaded[key] = idx
	core.LogInfo("Successfully loaded mesh '%s' (%d sub-meshes).", key, len(mesh.SubMeshes))
	return idx, nil
}

func (ml *MeshLoader) stageSubMesh(data *resources.SubMeshData, materials map[string]resources.MaterialConfig) (SubMesh, error) {
	vertices := uint32(len(data.Positions))
	sm := SubMesh{
		Name:        data.Name,
		VertexCount: vertices,
		IndexCount:  uint32(len(data.Indices)),
		DiffuseMap:  resources.InvalidIndex,
		SpecularMap: resources.InvalidIndex,
		NormalMap:   resources.InvalidIndex,
	}

	streams := []struct {
		component resources.ComponentID
		target    *resources.Index
		count     uint32
		data      []byte
	}{
		{ml.positions, &sm.Position, vertices, packVec3(data.Positions)},
		{ml.uvs, &sm.UV, vertices, packVec2(data.UVs)},
		{ml.normals, &sm.Normal, vertices, packVec3(data.Normals)},
		{ml.tangents, &sm.Tangent, vertices, packVec3(data.Tangents)},
		{ml.bitangents, &sm.Bitangent, vertices, packVec3(data.Bitangents)},
		{ml.indices, &sm.Indices, sm.IndexCount, packUint32(data.Indices)},
	}
	for _, s := range streams {
		bc := ml.table.Buffers(s.component)
		idx := bc.CreateBuffer(s.count)
		if idx == resources.InvalidIndex {
			return sm, fmt.Errorf("%d elements: %w", s.count, ErrResourcesExhausted)
		}
		if err := bc.SetUpdateData(idx, s.data); err != nil {
			return sm, err
		}
		*s.target = idx
	}

	material, ok := materials[data.Material]
	if !ok {
		return sm, nil
	}
	var err error
	if sm.DiffuseMap, err = ml.loadTexture(ml.diffuseMaps, material.DiffuseMap); err != nil {
		return sm, err
	}
	if sm.SpecularMap, err = ml.loadTexture(ml.specularMaps, material.SpecularMap); err != nil {
		return sm, err
	}
	if sm.NormalMap, err = ml.loadTexture(ml.normalMaps, material.NormalMap); err != nil {
		return sm, err
	}
	return sm, nil
}

// loadTexture stages the texture at path once per component. Textures that
// cannot be decoded are skipped with a warning, a full component is an
// error.
func (ml *MeshLoader) loadTexture(component resources.ComponentID, path string) (resources.Index, error) {
	if path == "" {
		return resources.InvalidIndex, nil
	}
	key := component.String() + ":" + path
	if idx, ok := ml.loadedMaps[key]; ok {
		return idx, nil
	}

	img, ok := ml.decoded[path]
	if !ok {
		res, err := ml.textures.Load(path, resources.ResourceTypeImage, ml.textureParams())
		if err != nil {
			core.LogWarn("texture %s skipped: %s", path, err)
			return resources.InvalidIndex, nil
		}
		img = res.Data.(*resources.ImageResourceData)
	}
	if img == nil {
		core.LogWarn("texture %s skipped", path)
		return resources.InvalidIndex, nil
	}

	tc := ml.table.Textures(component)
	idx := tc.CreateTexture(resources.TextureAllocation{
		Name:      filepath.Base(path),
		Width:     img.Width,
		Height:    img.Height,
		MipLevels: uint32(len(img.Mips)),
	})
	if idx == resources.InvalidIndex {
		return idx, fmt.Errorf("texture %s: %w", path, ErrResourcesExhausted)
	}
	for mip, pixels := range img.Mips {
		if err := tc.SetUpdateData(idx, uint32(mip), pixels); err != nil {
			return resources.InvalidIndex, err
		}
	}
	ml.loadedMaps[key] = idx
	return idx, nil
}

func (ml *MeshLoader) textureParams() *loaders.TextureLoadParams {
	return &loaders.TextureLoadParams{
		MaxSize:      ml.memory.TextureSize,
		GenerateMips: true,
	}
}

// decodeTextures decodes every map the sub-meshes of data reference on a
// job system. Maps that fail to decode are present with a nil value.
func (ml *MeshLoader) decodeTextures(data *resources.MeshResourceData) map[string]*resources.ImageResourceData {
	paths := make(map[string]struct{})
	for i := range data.SubMeshes {
		material, ok := data.Materials[data.SubMeshes[i].Material]
		if !ok {
			continue
		}
		for _, p := range []string{material.DiffuseMap, material.SpecularMap, material.NormalMap} {
			if p != "" {
				paths[p] = struct{}{}
			}
		}
	}
	if len(paths) == 0 {
		return nil
	}

	js, err := core.NewJobSystem(min(runtime.NumCPU(), len(paths)), len(paths))
	if err != nil {
		core.LogWarn("decoding textures serially: %s", err)
		return nil
	}
	var mutex sync.Mutex
	decoded := make(map[string]*resources.ImageResourceData, len(paths))
	for p := range paths {
		js.Submit(core.JobTask{
			Run: func() error {
				res, err := ml.textures.Load(p, resources.ResourceTypeImage, ml.textureParams())
				mutex.Lock()
				defer mutex.Unlock()
				if err != nil {
					decoded[p] = nil
					return fmt.Errorf("texture %s: %w", p, err)
				}
				decoded[p] = res.Data.(*resources.ImageResourceData)
				return nil
			},
		})
	}
	_ = js.Shutdown()
	return decoded
}

func packVec3(v []engmath.Vec3) []byte {
	out := make([]byte, len(v)*vec3Size)
	for i, p := range v {
		binary.LittleEndian.PutUint32(out[i*12:], math.Float32bits(p.X))
		binary.LittleEndian.PutUint32(out[i*12+4:], math.Float32bits(p.Y))
		binary.LittleEndian.PutUint32(out[i*12+8:], math.Float32bits(p.Z))
	}
	return out
}

func packVec2(v []engmath.Vec2) []byte {
	out := make([]byte, len(v)*vec2Size)
	for i, p := range v {
		binary.LittleEndian.PutUint32(out[i*8:], math.Float32bits(p.X))
		binary.LittleEndian.PutUint32(out[i*8+4:], math.Float32bits(p.Y))
	}
	return out
}

func packUint32(v []uint32) []byte {
	out := make([]byte, len(v)*4)
	for i, x := range v {
		binary.LittleEndian.PutUint32(out[i*4:], x)
	}
	return out
}
