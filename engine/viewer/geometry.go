package viewer

import (
	"github.com/spaghettifunk/anima-rt/engine/assets"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
	"github.com/spaghettifunk/anima-rt/engine/resources"
)

// geometriesFromMesh resolves every sub-mesh of mesh into one opaque
// triangle batch. Indices are local to the vertex range of their sub-mesh.
func geometriesFromMesh(mesh *assets.Mesh, positions, indices *resources.BufferComponent) []gpu.GeometryTriangles {
	geometries := make([]gpu.GeometryTriangles, 0, len(mesh.SubMeshes))
	for _, sm := range mesh.SubMeshes {
		vertices := positions.GetHandle(sm.Position)
		triangles := indices.GetHandle(sm.Indices)
		geometries = append(geometries, gpu.GeometryTriangles{
			VertexBuffer: vertices.Address,
			VertexCount:  vertices.ElementCount,
			VertexStride: positions.Stride(),
			IndexBuffer:  triangles.Address,
			IndexCount:   triangles.ElementCount,
			Opaque:       true,
		})
	}
	return geometries
}
