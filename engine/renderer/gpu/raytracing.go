package gpu

import (
	"encoding/binary"
	"math"
)

type AccelerationStructureType int

const (
	BottomLevel AccelerationStructureType = iota
	TopLevel
)

type BuildFlags uint32

const (
	BuildAllowUpdate BuildFlags = 1 << iota
	BuildPerformUpdate
	BuildPreferFastTrace
)

// GeometryTriangles is one indexed triangle batch of a bottom level
// structure. Vertices are three float32 at the start of every stride and
// indices are uint32.
type GeometryTriangles struct {
	VertexBuffer GPUAddress
	VertexCount  uint32
	VertexStride uint64
	IndexBuffer  GPUAddress
	IndexCount   uint32
	Opaque       bool
}

// BuildInputs describes what an acceleration structure is built from.
// Bottom levels use Geometries, top levels use Instances and InstanceCount.
type BuildInputs struct {
	Type          AccelerationStructureType
	Flags         BuildFlags
	Geometries    []GeometryTriangles
	Instances     GPUAddress
	InstanceCount uint32
}

// PrebuildInfo holds the buffer sizes required by a build.
type PrebuildInfo struct {
	ResultSize        uint64
	ScratchSize       uint64
	UpdateScratchSize uint64
}

// BuildDesc is a build command. With BuildPerformUpdate, Source names the
// structure being updated; it may equal Dest.
type BuildDesc struct {
	Dest    GPUAddress
	Scratch GPUAddress
	Source  GPUAddress
	Inputs  BuildInputs
}

const (
	// InstanceRecordSize is the size of one top level instance record.
	InstanceRecordSize = 64
	// InstanceTransformSize is the size of the 3x4 float32 transform at the
	// start of an instance record.
	InstanceTransformSize = 48
)

// InstanceRecord is one entry of a top level instance buffer. The transform
// is a row-major 3x4 matrix applied to column vectors.
type InstanceRecord struct {
	Transform             [12]float32
	InstanceID            uint32
	Mask                  uint8
	HitGroupOffset        uint32
	Flags                 uint8
	AccelerationStructure GPUAddress
}

// Encode writes r into the first InstanceRecordSize bytes of dst.
func (r *InstanceRecord) Encode(dst []byte) {
	EncodeTransform(dst, r.Transform)
	binary.LittleEndian.PutUint32(dst[48:], r.InstanceID&0xFFFFFF|uint32(r.Mask)<<24)
	binary.LittleEndian.PutUint32(dst[52:], r.HitGroupOffset&0xFFFFFF|uint32(r.Flags)<<24)
	binary.LittleEndian.PutUint64(dst[56:], uint64(r.AccelerationStructure))
}

// EncodeTransform writes only the transform part of a record.
func EncodeTransform(dst []byte, m [12]float32) {
	for i, v := range m {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
	}
}

// DecodeInstanceRecord reads a record written by Encode.
func DecodeInstanceRecord(src []byte) InstanceRecord {
	var r InstanceRecord
	for i := range r.Transform {
		r.Transform[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
	w := binary.LittleEndian.Uint32(src[48:])
	r.InstanceID = w & 0xFFFFFF
	r.Mask = uint8(w >> 24)
	w = binary.LittleEndian.Uint32(src[52:])
	r.HitGroupOffset = w & 0xFFFFFF
	r.Flags = uint8(w >> 24)
	r.AccelerationStructure = GPUAddress(binary.LittleEndian.Uint64(src[56:]))
	return r
}
