package soft

import (
	"encoding/binary"
	"fmt"
	stdmath "math"
	"sort"

	"github.com/chewxy/math32"

	"github.com/spaghettifunk/anima-rt/engine/math"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
)

// Acceleration structure memory layout.
//
// Every structure starts with a 32 byte header. A bottom level continues
// with its BVH nodes and then its triangles in leaf order. A top level
// continues with one entry per instance.
//
// A node takes 32 bytes: min.xyz, then a word W0, max.xyz, then a word W1.
// For inner nodes W0 and W1 are the indices of the left and right child,
// which are never zero. For leaves W0 is minus the first triangle and W1
// minus the triangle count.
const (
	headerSize        = 32
	nodeSize          = 32
	triangleSize      = 48
	instanceEntrySize = 96
	maxLeafSize       = 4

	blasMagic uint32 = 0x53414c42 // "BLAS"
	tlasMagic uint32 = 0x53414c54 // "TLAS"
)

type asHeader struct {
	typ        gpu.AccelerationStructureType
	flags      gpu.BuildFlags
	count      uint32
	triangles  uint32
	geometries uint32
}

func (d *Device) AccelerationStructurePrebuildInfo(inputs *gpu.BuildInputs) (gpu.PrebuildInfo, error) {
	info, err := prebuild(inputs)
	if err != nil {
		return gpu.PrebuildInfo{}, err
	}
	if info.ResultSize > d.limits.MaxAccelerationStructureSize {
		return gpu.PrebuildInfo{}, fmt.Errorf("acceleration structure of %d bytes: %w", info.ResultSize, gpu.ErrDeviceLimit)
	}
	return info, nil
}

func prebuild(inputs *gpu.BuildInputs) (gpu.PrebuildInfo, error) {
	switch inputs.Type {
	case gpu.BottomLevel:
		if len(inputs.Geometries) == 0 {
			return gpu.PrebuildInfo{}, fmt.Errorf("bottom level without geometry: %w", gpu.ErrInvalidArgument)
		}
		var tris uint64
		for i, g := range inputs.Geometries {
			if g.VertexCount == 0 || g.IndexCount == 0 || g.IndexCount%3 != 0 {
				return gpu.PrebuildInfo{}, fmt.Errorf("geometry %d with %d vertices and %d indices: %w",
					i, g.VertexCount, g.IndexCount, gpu.ErrInvalidArgument)
			}
			if g.VertexStride != 0 && g.VertexStride < 12 {
				return gpu.PrebuildInfo{}, fmt.Errorf("geometry %d vertex stride %d: %w", i, g.VertexStride, gpu.ErrInvalidArgument)
			}
			tris += uint64(g.IndexCount / 3)
		}
		scratch := alignUp(tris*4, placementAlignment)
		return gpu.PrebuildInfo{
			ResultSize:        alignUp(headerSize+2*tris*nodeSize+tris*triangleSize, placementAlignment),
			ScratchSize:       scratch,
			UpdateScratchSize: scratch,
		}, nil
	case gpu.TopLevel:
		n := uint64(inputs.InstanceCount)
		scratch := alignUp(8+n*8, placementAlignment)
		return gpu.PrebuildInfo{
			ResultSize:        alignUp(headerSize+n*instanceEntrySize, placementAlignment),
			ScratchSize:       scratch,
			UpdateScratchSize: scratch,
		}, nil
	default:
		return gpu.PrebuildInfo{}, fmt.Errorf("acceleration structure type %d: %w", inputs.Type, gpu.ErrInvalidArgument)
	}
}

func (ctx *execContext) build(desc *gpu.BuildDesc) error {
	inputs := &desc.Inputs
	info, err := prebuild(inputs)
	if err != nil {
		return err
	}
	update := inputs.Flags&gpu.BuildPerformUpdate != 0
	scratchSize := info.ScratchSize
	if update {
		scratchSize = info.UpdateScratchSize
	}

	dst, off, err := ctx.dev.resolve(desc.Dest, info.ResultSize)
	if err != nil {
		return fmt.Errorf("build destination: %w: %w", errDestinationSmall, err)
	}
	if err := dst.require(dst.desc.Name, gpu.StateRaytracingAccelerationStructure); err != nil {
		return fmt.Errorf("build destination: %w", err)
	}
	scratch, soff, err := ctx.dev.resolve(desc.Scratch, scratchSize)
	if err != nil {
		return fmt.Errorf("build scratch: %w", err)
	}
	if err := scratch.require(scratch.desc.Name, gpu.StateUnorderedAccess); err != nil {
		return fmt.Errorf("build scratch: %w", err)
	}

	if update {
		if err := ctx.checkRead(desc.Source); err != nil {
			return fmt.Errorf("update source: %w", err)
		}
		src, err := ctx.dev.header(desc.Source)
		if err != nil {
			return fmt.Errorf("update source: %w", err)
		}
		if src.typ != inputs.Type || src.flags&gpu.BuildAllowUpdate == 0 {
			return fmt.Errorf("update of a structure built without allow-update: %w", gpu.ErrInvalidState)
		}
		if inputs.Type == gpu.TopLevel && src.count != inputs.InstanceCount {
			return fmt.Errorf("update from %d to %d instances: %w", src.count, inputs.InstanceCount, gpu.ErrInvalidState)
		}
	}

	out := dst.data[off : off+info.ResultSize]
	work := scratch.data[soff : soff+scratchSize]
	switch inputs.Type {
	case gpu.BottomLevel:
		err = ctx.buildBottomLevel(inputs, out, work)
	case gpu.TopLevel:
		err = ctx.buildTopLevel(inputs, out, work)
	}
	if err != nil {
		return err
	}
	ctx.addWrite(desc.Dest, info.ResultSize)
	ctx.dev.stats.builds.Add(1)
	return nil
}

type triangle struct {
	v         [3]math.Vec3
	geometry  uint32
	primitive uint32
	bounds    math.Extents3D
	centroid  math.Vec3
}

func readVec3(b []byte) math.Vec3 {
	return math.Vec3{
		X: stdmath.Float32frombits(binary.LittleEndian.Uint32(b)),
		Y: stdmath.Float32frombits(binary.LittleEndian.Uint32(b[4:])),
		Z: stdmath.Float32frombits(binary.LittleEndian.Uint32(b[8:])),
	}
}

func putVec3(b []byte, v math.Vec3) {
	binary.LittleEndian.PutUint32(b, stdmath.Float32bits(v.X))
	binary.LittleEndian.PutUint32(b[4:], stdmath.Float32bits(v.Y))
	binary.LittleEndian.PutUint32(b[8:], stdmath.Float32bits(v.Z))
}

func (ctx *execContext) gatherTriangles(inputs *gpu.BuildInputs) ([]triangle, error) {
	var tris []triangle
	for gi, g := range inputs.Geometries {
		stride := g.VertexStride
		if stride == 0 {
			stride = 12
		}
		verts, err := ctx.dev.read(g.VertexBuffer, uint64(g.VertexCount-1)*stride+12)
		if err != nil {
			return nil, fmt.Errorf("geometry %d vertices: %w", gi, err)
		}
		indices, err := ctx.dev.read(g.IndexBuffer, uint64(g.IndexCount)*4)
		if err != nil {
			return nil, fmt.Errorf("geometry %d indices: %w", gi, err)
		}
		for p := uint32(0); p < g.IndexCount/3; p++ {
			t := triangle{geometry: uint32(gi), primitive: p, bounds: math.NewEmptyExtents()}
			for k := 0; k < 3; k++ {
				idx := binary.LittleEndian.Uint32(indices[(p*3+uint32(k))*4:])
				if idx >= g.VertexCount {
					return nil, fmt.Errorf("geometry %d triangle %d index %d out of %d vertices: %w",
						gi, p, idx, g.VertexCount, gpu.ErrInvalidArgument)
				}
				t.v[k] = readVec3(verts[uint64(idx)*stride:])
				t.bounds = t.bounds.Grow(t.v[k])
			}
			t.centroid = t.bounds.Center()
			tris = append(tris, t)
		}
	}
	return tris, nil
}

type bvhNode struct {
	bounds      math.Extents3D
	leaf        bool
	left, right int32
	first       int32
	count       int32
}

// buildBVH sorts tris in leaf order and returns the nodes, root first. The
// tree is built from an explicit work list.
func buildBVH(tris []triangle) []bvhNode {
	type task struct {
		node, start, end int
	}
	nodes := make([]bvhNode, 1, 2*len(tris))
	stack := []task{{node: 0, start: 0, end: len(tris)}}
	for len(stack) > 0 {
		t := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		bounds, centroids := math.NewEmptyExtents(), math.NewEmptyExtents()
		for _, tri := range tris[t.start:t.end] {
			bounds = bounds.Union(tri.bounds)
			centroids = centroids.Grow(tri.centroid)
		}
		count := t.end - t.start
		axis := centroids.LongestAxis()
		if count <= maxLeafSize || centroids.Max.Axis(axis) <= centroids.Min.Axis(axis) {
			nodes[t.node] = bvhNode{bounds: bounds, leaf: true, first: int32(t.start), count: int32(count)}
			continue
		}

		sub := tris[t.start:t.end]
		sort.SliceStable(sub, func(i, j int) bool {
			return sub[i].centroid.Axis(axis) < sub[j].centroid.Axis(axis)
		})
		mid := t.start + count/2
		left := len(nodes)
		nodes = append(nodes, bvhNode{}, bvhNode{})
		nodes[t.node] = bvhNode{bounds: bounds, left: int32(left), right: int32(left + 1)}
		stack = append(stack, task{left + 1, mid, t.end}, task{left, t.start, mid})
	}
	return nodes
}

func putHeader(b []byte, h asHeader) {
	magic := blasMagic
	if h.typ == gpu.TopLevel {
		magic = tlasMagic
	}
	binary.LittleEndian.PutUint32(b, magic)
	binary.LittleEndian.PutUint32(b[4:], uint32(h.typ))
	binary.LittleEndian.PutUint32(b[8:], uint32(h.flags))
	binary.LittleEndian.PutUint32(b[12:], h.count)
	binary.LittleEndian.PutUint32(b[16:], h.triangles)
	binary.LittleEndian.PutUint32(b[20:], h.geometries)
}

func putNode(b []byte, n bvhNode) {
	w0, w1 := n.left, n.right
	if n.leaf {
		w0, w1 = -n.first, -n.count
	}
	putVec3(b, n.bounds.Min)
	binary.LittleEndian.PutUint32(b[12:], uint32(w0))
	putVec3(b[16:], n.bounds.Max)
	binary.LittleEndian.PutUint32(b[28:], uint32(w1))
}

func readNode(b []byte) bvhNode {
	n := bvhNode{bounds: math.Extents3D{Min: readVec3(b), Max: readVec3(b[16:])}}
	w0 := int32(binary.LittleEndian.Uint32(b[12:]))
	w1 := int32(binary.LittleEndian.Uint32(b[28:]))
	if w0 <= 0 {
		n.leaf, n.first, n.count = true, -w0, -w1
	} else {
		n.left, n.right = w0, w1
	}
	return n
}

func (ctx *execContext) buildBottomLevel(inputs *gpu.BuildInputs, out, scratch []byte) error {
	tris, err := ctx.gatherTriangles(inputs)
	if err != nil {
		return err
	}
	nodes := buildBVH(tris)

	putHeader(out, asHeader{
		typ:        gpu.BottomLevel,
		flags:      inputs.Flags &^ gpu.BuildPerformUpdate,
		count:      uint32(len(nodes)),
		triangles:  uint32(len(tris)),
		geometries: uint32(len(inputs.Geometries)),
	})
	for i, n := range nodes {
		putNode(out[headerSize+i*nodeSize:], n)
	}
	base := headerSize + len(nodes)*nodeSize
	for i, t := range tris {
		b := out[base+i*triangleSize:]
		for k := 0; k < 3; k++ {
			putVec3(b[k*12:], t.v[k])
		}
		binary.LittleEndian.PutUint32(b[36:], t.geometry)
		binary.LittleEndian.PutUint32(b[40:], t.primitive)
		binary.LittleEndian.PutUint32(scratch[i*4:], t.primitive)
	}
	return nil
}

func (ctx *execContext) buildTopLevel(inputs *gpu.BuildInputs, out, scratch []byte) error {
	n := inputs.InstanceCount
	var records []byte
	if n > 0 {
		var err error
		if records, err = ctx.dev.read(inputs.Instances, uint64(n)*gpu.InstanceRecordSize); err != nil {
			return fmt.Errorf("instances: %w", err)
		}
	}
	for i := uint32(0); i < n; i++ {
		rec := gpu.DecodeInstanceRecord(records[i*gpu.InstanceRecordSize:])
		if err := ctx.checkRead(rec.AccelerationStructure); err != nil {
			return fmt.Errorf("instance %d: %w", i, err)
		}
		blas, err := ctx.dev.header(rec.AccelerationStructure)
		if err != nil || blas.typ != gpu.BottomLevel {
			return fmt.Errorf("instance %d references 0x%x, which holds no bottom level structure: %w",
				i, rec.AccelerationStructure, gpu.ErrInvalidState)
		}
		root, err := ctx.dev.read(rec.AccelerationStructure+headerSize, nodeSize)
		if err != nil {
			return fmt.Errorf("instance %d: %w", i, err)
		}
		world := math.Mat3x4{Data: rec.Transform}.TransformExtents(readNode(root).bounds)

		b := out[headerSize+int(i)*instanceEntrySize:]
		putVec3(b, world.Min)
		putVec3(b[12:], world.Max)
		binary.LittleEndian.PutUint64(b[24:], uint64(rec.AccelerationStructure))
		gpu.EncodeTransform(b[32:], rec.Transform)
		binary.LittleEndian.PutUint32(b[80:], rec.InstanceID)
		binary.LittleEndian.PutUint32(b[84:], uint32(rec.Mask))
		binary.LittleEndian.PutUint32(scratch[8+i*8:], i)
	}
	putHeader(out, asHeader{typ: gpu.TopLevel, flags: inputs.Flags &^ gpu.BuildPerformUpdate, count: n})
	return nil
}

func (d *Device) header(addr gpu.GPUAddress) (asHeader, error) {
	b, err := d.read(addr, headerSize)
	if err != nil {
		return asHeader{}, err
	}
	magic := binary.LittleEndian.Uint32(b)
	if magic != blasMagic && magic != tlasMagic {
		return asHeader{}, fmt.Errorf("0x%x holds no acceleration structure: %w", addr, gpu.ErrInvalidState)
	}
	return asHeader{
		typ:        gpu.AccelerationStructureType(binary.LittleEndian.Uint32(b[4:])),
		flags:      gpu.BuildFlags(binary.LittleEndian.Uint32(b[8:])),
		count:      binary.LittleEndian.Uint32(b[12:]),
		triangles:  binary.LittleEndian.Uint32(b[16:]),
		geometries: binary.LittleEndian.Uint32(b[20:]),
	}, nil
}

// AccelerationStructureInfo describes a built acceleration structure.
type AccelerationStructureInfo struct {
	Type       gpu.AccelerationStructureType
	Flags      gpu.BuildFlags
	Nodes      uint32
	Triangles  uint32
	Geometries uint32
	Instances  uint32
	Bounds     math.Extents3D
}

// InspectAccelerationStructure decodes the structure at addr. No queue may
// be writing it during the call.
func (d *Device) InspectAccelerationStructure(addr gpu.GPUAddress) (AccelerationStructureInfo, error) {
	h, err := d.header(addr)
	if err != nil {
		return AccelerationStructureInfo{}, err
	}
	info := AccelerationStructureInfo{Type: h.typ, Flags: h.flags, Bounds: math.NewEmptyExtents()}
	if h.typ == gpu.BottomLevel {
		info.Nodes, info.Triangles, info.Geometries = h.count, h.triangles, h.geometries
		root, err := d.read(addr+headerSize, nodeSize)
		if err != nil {
			return info, err
		}
		info.Bounds = readNode(root).bounds
		return info, nil
	}
	info.Instances = h.count
	if h.count == 0 {
		return info, nil
	}
	entries, err := d.read(addr+headerSize, uint64(h.count)*instanceEntrySize)
	if err != nil {
		return info, err
	}
	for i := uint32(0); i < h.count; i++ {
		b := entries[i*instanceEntrySize:]
		info.Bounds = info.Bounds.Union(math.Extents3D{Min: readVec3(b), Max: readVec3(b[12:])})
	}
	return info, nil
}

// Hit is the closest intersection found by Raycast.
type Hit struct {
	T         float32
	Instance  uint32
	Geometry  uint32
	Primitive uint32
}

// Raycast traces one ray through the top level structure at tlas and
// returns the closest hit. No queue may be writing the structures during the
// call.
func (d *Device) Raycast(tlas gpu.GPUAddress, origin, direction math.Vec3) (Hit, bool, error) {
	h, err := d.header(tlas)
	if err != nil {
		return Hit{}, false, err
	}
	if h.typ != gpu.TopLevel {
		return Hit{}, false, fmt.Errorf("raycast against a bottom level structure: %w", gpu.ErrInvalidArgument)
	}
	best, found := Hit{T: math32.MaxFloat32}, false
	for i := uint32(0); i < h.count; i++ {
		b, err := d.read(tlas+headerSize+gpu.GPUAddress(i*instanceEntrySize), instanceEntrySize)
		if err != nil {
			return Hit{}, false, err
		}
		var transform math.Mat3x4
		for k := range transform.Data {
			transform.Data[k] = stdmath.Float32frombits(binary.LittleEndian.Uint32(b[32+k*4:]))
		}
		inv, ok := transform.Inverse()
		if !ok {
			continue
		}
		blas := gpu.GPUAddress(binary.LittleEndian.Uint64(b[24:]))
		hit, ok, err := d.raycastBottomLevel(blas, inv.TransformPoint(origin), inv.TransformDirection(direction), best.T)
		if err != nil {
			return Hit{}, false, err
		}
		if ok {
			hit.Instance = i
			best, found = hit, true
		}
	}
	return best, found, nil
}

func (d *Device) raycastBottomLevel(addr gpu.GPUAddress, origin, dir math.Vec3, tMax float32) (Hit, bool, error) {
	h, err := d.header(addr)
	if err != nil {
		return Hit{}, false, err
	}
	data, err := d.read(addr, headerSize+uint64(h.count)*nodeSize+uint64(h.triangles)*triangleSize)
	if err != nil {
		return Hit{}, false, err
	}
	tris := data[headerSize+int(h.count)*nodeSize:]
	invDir := math.Vec3{X: 1 / dir.X, Y: 1 / dir.Y, Z: 1 / dir.Z}

	best, found := Hit{T: tMax}, false
	stack := []int32{0}
	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := readNode(data[headerSize+int(idx)*nodeSize:])
		if !slab(n.bounds, origin, invDir, best.T) {
			continue
		}
		if !n.leaf {
			stack = append(stack, n.left, n.right)
			continue
		}
		for k := n.first; k < n.first+n.count; k++ {
			b := tris[int(k)*triangleSize:]
			t, ok := intersectTriangle(origin, dir, readVec3(b), readVec3(b[12:]), readVec3(b[24:]))
			if ok && t < best.T {
				best = Hit{
					T:         t,
					Geometry:  binary.LittleEndian.Uint32(b[36:]),
					Primitive: binary.LittleEndian.Uint32(b[40:]),
				}
				found = true
			}
		}
	}
	return best, found, nil
}

func slab(box math.Extents3D, origin, invDir math.Vec3, tMax float32) bool {
	tNear, tFar := float32(0), tMax
	for axis := 0; axis < 3; axis++ {
		t0 := (box.Min.Axis(axis) - origin.Axis(axis)) * invDir.Axis(axis)
		t1 := (box.Max.Axis(axis) - origin.Axis(axis)) * invDir.Axis(axis)
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		tNear = math32.Max(tNear, t0)
		tFar = math32.Min(tFar, t1)
		if tNear > tFar {
			return false
		}
	}
	return true
}

// intersectTriangle is the Moller-Trumbore test. Both faces are hit.
func intersectTriangle(origin, dir, v0, v1, v2 math.Vec3) (float32, bool) {
	e1, e2 := v1.Sub(v0), v2.Sub(v0)
	p := dir.Cross(e2)
	det := e1.Dot(p)
	if math32.Abs(det) < 1e-8 {
		return 0, false
	}
	inv := 1 / det
	s := origin.Sub(v0)
	u := s.Dot(p) * inv
	if u < 0 || u > 1 {
		return 0, false
	}
	q := s.Cross(e1)
	v := dir.Dot(q) * inv
	if v < 0 || u+v > 1 {
		return 0, false
	}
	t := e2.Dot(q) * inv
	return t, t > 1e-6
}
