package loaders

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/math"
	"github.com/spaghettifunk/anima-rt/engine/resources"
)

type ModelLoader struct {
	Materials MaterialLoader
}

// Load parses a Wavefront OBJ file and the material libraries it references.
// The resource data is a *resources.MeshResourceData.
func (ml *ModelLoader) Load(path string, assetType resources.ResourceType, params interface{}) (*resources.Resource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	dir := filepath.Dir(path)
	mesh, err := ParseOBJ(file, func(lib string) (map[string]resources.MaterialConfig, error) {
		res, err := ml.Materials.Load(filepath.Join(dir, lib), resources.ResourceTypeMaterial, nil)
		if err != nil {
			return nil, err
		}
		return res.Data.(map[string]resources.MaterialConfig), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse mesh %s: %w", path, err)
	}

	var size uint64
	for _, sm := range mesh.SubMeshes {
		size += uint64(len(sm.Positions))*(12*4+8) + uint64(len(sm.Indices))*4
	}
	return &resources.Resource{
		Type:     resources.ResourceTypeMesh,
		Name:     filepath.Base(path),
		FullPath: path,
		DataSize: size,
		Data:     mesh,
	}, nil
}

func (ml *ModelLoader) Unload(*resources.Resource) error {
	return nil
}

// objVertex is one corner of a face: indices into the position, uv and
// normal streams, -1 when absent.
type objVertex struct {
	p, t, n int
}

type objGroup struct {
	name     string
	material string
	faces    [][]objVertex
}

type objStreams struct {
	positions []math.Vec3
	uvs       []math.Vec2
	normals   []math.Vec3
}

// ParseOBJ reads an OBJ stream. Every o, g and usemtl statement starts a new
// sub-mesh and groups without faces are dropped. Faces are triangulated as
// fans and the result is converted to the left-handed, v-down convention of
// the renderer. loadLibrary resolves mtllib statements and may be nil.
func ParseOBJ(r io.Reader, loadLibrary func(name string) (map[string]resources.MaterialConfig, error)) (*resources.MeshResourceData, error) {
	var streams objStreams
	mesh := &resources.MeshResourceData{Materials: make(map[string]resources.MaterialConfig)}
	groups := []*objGroup{{name: "default"}}
	current := groups[0]
	startGroup := func(name, material string) {
		if len(current.faces) == 0 {
			// Reuse the empty group instead of leaving it behind.
			current.name, current.material = name, material
			return
		}
		current = &objGroup{name: name, material: material}
		groups = append(groups, current)
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "#") || line == "" {
			continue
		}
		fields := strings.Fields(line)
		args := fields[1:]

		switch fields[0] {
		case "v":
			v, err := parseFloats(args, 3)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNumber, err)
			}
			streams.positions = append(streams.positions, math.NewVec3(v[0], v[1], v[2]))
		case "vt":
			v, err := parseFloats(args, 2)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNumber, err)
			}
			streams.uvs = append(streams.uvs, math.Vec2{X: v[0], Y: v[1]})
		case "vn":
			v, err := parseFloats(args, 3)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNumber, err)
			}
			streams.normals = append(streams.normals, math.NewVec3(v[0], v[1], v[2]))
		case "f":
			if len(args) < 3 {
				return nil, fmt.Errorf("line %d: face with %d vertices", lineNumber, len(args))
			}
			face := make([]objVertex, len(args))
			for i, a := range args {
				fv, err := parseFaceVertex(a, &streams)
				if err != nil {
					return nil, fmt.Errorf("line %d: %w", lineNumber, err)
				}
				face[i] = fv
			}
			current.faces = append(current.faces, face)
		case "o", "g":
			startGroup(strings.Join(args, " "), current.material)
		case "usemtl":
			startGroup(current.name, strings.Join(args, " "))
		case "mtllib":
			if loadLibrary == nil {
				continue
			}
			for _, lib := range args {
				materials, err := loadLibrary(lib)
				if err != nil {
					// A missing library only loses the texture maps.
					core.LogWarn("material library %s: %s", lib, err)
					continue
				}
				for name, m := range materials {
					mesh.Materials[name] = m
				}
			}
		case "s", "l", "p":
			// Smoothing groups, lines and points are not used.
		default:
			core.LogWarn("Unknown statement '%s' at line %d. Skipping...", fields[0], lineNumber)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	for _, g := range groups {
		if len(g.faces) == 0 {
			continue
		}
		mesh.SubMeshes = append(mesh.SubMeshes, buildSubMesh(g, &streams))
	}
	if len(mesh.SubMeshes) == 0 {
		return nil, fmt.Errorf("no faces")
	}
	return mesh, nil
}

func parseFloats(args []string, n int) ([]float32, error) {
	if len(args) < n {
		return nil, fmt.Errorf("expected %d values, got %d", n, len(args))
	}
	out := make([]float32, n)
	for i := range out {
		f, err := strconv.ParseFloat(args[i], 32)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q", args[i])
		}
		out[i] = float32(f)
	}
	return out, nil
}

// resolveIndex turns a 1-based or negative (relative) OBJ index into a
// 0-based one.
func resolveIndex(s string, count int) (int, error) {
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid index %q", s)
	}
	switch {
	case i > 0 && i <= count:
		return i - 1, nil
	case i < 0 && -i <= count:
		return count + i, nil
	default:
		return 0, fmt.Errorf("index %d out of range [1, %d]", i, count)
	}
}

func parseFaceVertex(s string, streams *objStreams) (objVertex, error) {
	parts := strings.Split(s, "/")
	fv := objVertex{p: -1, t: -1, n: -1}
	var err error
	if fv.p, err = resolveIndex(parts[0], len(streams.positions)); err != nil {
		return fv, err
	}
	if len(parts) > 1 && parts[1] != "" {
		if fv.t, err = resolveIndex(parts[1], len(streams.uvs)); err != nil {
			return fv, err
		}
	}
	if len(parts) > 2 && parts[2] != "" {
		if fv.n, err = resolveIndex(parts[2], len(streams.normals)); err != nil {
			return fv, err
		}
	}
	return fv, nil
}

// buildSubMesh de-indexes a group into its own vertex set.
func buildSubMesh(g *objGroup, streams *objStreams) resources.SubMeshData {
	sm := resources.SubMeshData{Name: g.name, Material: g.material}
	lookup := make(map[objVertex]uint32)
	missingNormals := false

	vertex := func(fv objVertex) uint32 {
		if idx, ok := lookup[fv]; ok {
			return idx
		}
		idx := uint32(len(sm.Positions))
		lookup[fv] = idx
		p := streams.positions[fv.p]
		sm.Positions = append(sm.Positions, math.NewVec3(p.X, p.Y, -p.Z))
		var uv math.Vec2
		if fv.t >= 0 {
			uv = math.Vec2{X: streams.uvs[fv.t].X, Y: 1 - streams.uvs[fv.t].Y}
		}
		sm.UVs = append(sm.UVs, uv)
		var n math.Vec3
		if fv.n >= 0 {
			src := streams.normals[fv.n]
			n = math.NewVec3(src.X, src.Y, -src.Z).Normalized()
		} else {
			missingNormals = true
		}
		sm.Normals = append(sm.Normals, n)
		return idx
	}

	for _, face := range g.faces {
		first := vertex(face[0])
		for i := 1; i+1 < len(face); i++ {
			// Mirroring z flips the winding, so the last two corners swap.
			b, c := vertex(face[i]), vertex(face[i+1])
			sm.Indices = append(sm.Indices, first, c, b)
		}
	}
	if missingNormals {
		generateNormals(&sm)
	}
	generateTangents(&sm)
	return sm
}

// generateNormals fills the zero normals with the area weighted average of
// the adjacent faces.
func generateNormals(sm *resources.SubMeshData) {
	acc := make([]math.Vec3, len(sm.Positions))
	for i := 0; i+2 < len(sm.Indices); i += 3 {
		a, b, c := sm.Indices[i], sm.Indices[i+1], sm.Indices[i+2]
		// Left-handed, clockwise front faces.
		n := sm.Positions[b].Sub(sm.Positions[a]).Cross(sm.Positions[c].Sub(sm.Positions[a]))
		acc[a], acc[b], acc[c] = acc[a].Add(n), acc[b].Add(n), acc[c].Add(n)
	}
	for i, n := range sm.Normals {
		if n.Length() == 0 {
			sm.Normals[i] = acc[i].Normalized()
		}
	}
}

// generateTangents computes per vertex tangent frames from the uv layout.
// Vertices whose uvs are degenerate get an arbitrary frame around the normal.
func generateTangents(sm *resources.SubMeshData) {
	tan := make([]math.Vec3, len(sm.Positions))
	bitan := make([]math.Vec3, len(sm.Positions))
	for i := 0; i+2 < len(sm.Indices); i += 3 {
		a, b, c := sm.Indices[i], sm.Indices[i+1], sm.Indices[i+2]
		e1 := sm.Positions[b].Sub(sm.Positions[a])
		e2 := sm.Positions[c].Sub(sm.Positions[a])
		du1, dv1 := sm.UVs[b].X-sm.UVs[a].X, sm.UVs[b].Y-sm.UVs[a].Y
		du2, dv2 := sm.UVs[c].X-sm.UVs[a].X, sm.UVs[c].Y-sm.UVs[a].Y
		det := du1*dv2 - du2*dv1
		if det > -math.K_FLOAT_EPSILON && det < math.K_FLOAT_EPSILON {
			continue
		}
		r := 1 / det
		t := e1.MulScalar(dv2 * r).Sub(e2.MulScalar(dv1 * r))
		bt := e2.MulScalar(du1 * r).Sub(e1.MulScalar(du2 * r))
		for _, v := range [3]uint32{a, b, c} {
			tan[v] = tan[v].Add(t)
			bitan[v] = bitan[v].Add(bt)
		}
	}

	sm.Tangents = make([]math.Vec3, len(sm.Positions))
	sm.Bitangents = make([]math.Vec3, len(sm.Positions))
	for i, n := range sm.Normals {
		// Gram-Schmidt against the normal.
		t := tan[i].Sub(n.MulScalar(n.Dot(tan[i])))
		if t.Length() < math.K_FLOAT_EPSILON {
			axis := math.NewVec3(1, 0, 0)
			if n.X > 0.9 || n.X < -0.9 {
				axis = math.NewVec3(0, 1, 0)
			}
			t = axis.Sub(n.MulScalar(n.Dot(axis)))
		}
		t = t.Normalized()
		b := n.Cross(t)
		if b.Dot(bitan[i]) < 0 {
			b = b.MulScalar(-1)
		}
		sm.Tangents[i] = t
		sm.Bitangents[i] = b
	}
}
