package viewer

import (
	"encoding/binary"
	"fmt"

	"github.com/spaghettifunk/anima-rt/engine/math"
	"github.com/spaghettifunk/anima-rt/engine/resources"
)

// The records below are read by the shaders. Every index is a position in
// the descriptor heap; unused indices hold noIndex.
const noIndex = ^uint32(0)

type vertexObjectIndices struct {
	Position       uint32
	UV             uint32
	Normal         uint32
	Tangent        uint32
	Bitangent      uint32
	Indices        uint32
	WorldMatrix    uint32
	ViewProjection uint32
}

type pixelObjectIndices struct {
	DiffuseMap  uint32
	SpecularMap uint32
	NormalMap   uint32
}

type pixelFrameIndices struct {
	PointLight uint32
	CameraInfo uint32
}

type pointLight struct {
	Position [3]float32
	Range    float32
	Colour   [3]float32
	_        float32
}

type cameraInfo struct {
	Position [3]float32
	_        float32
}

type matrixRecord struct {
	Data [16]float32
}

// recordSize is the packed size of a record type.
func recordSize(v any) uint64 {
	return uint64(binary.Size(v))
}

// encode packs a record the way the shaders read it.
func encode(v any) []byte {
	out, err := binary.Append(nil, binary.LittleEndian, v)
	if err != nil {
		panic(fmt.Sprintf("viewer: record %T cannot be encoded: %s", v, err))
	}
	return out
}

// shaderMatrix converts m to the column-major layout of shader constants.
func shaderMatrix(m math.Mat4) matrixRecord {
	return matrixRecord{Data: m.Transposed().Data}
}

// heapIndexer turns local indices of components into heap indices for the
// active frame. The first lookup error sticks and later lookups return
// noIndex.
type heapIndexer struct {
	table *resources.Table
	err   error
}

func (h *heapIndexer) index(id resources.ComponentID, local resources.Index) uint32 {
	if h.err != nil || local == resources.InvalidIndex {
		return noIndex
	}
	base, err := h.table.GetDescriptorBaseOffset(id, resources.ViewSRV)
	if err != nil {
		h.err = err
		return noIndex
	}
	return uint32(local) + base
}
