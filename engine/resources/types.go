package resources

import (
	"github.com/google/uuid"
	"github.com/spaghettifunk/anima-rt/engine/math"
)

type ResourceType int

/** @brief Pre-defined resource types. */
const (
	/** @brief Unknown files are ignored by the asset manager. */
	ResourceTypeNone ResourceType = iota
	/** @brief Image resource type, decoded into RGBA8 mip chains. */
	ResourceTypeImage
	/** @brief Wavefront material library. */
	ResourceTypeMaterial
	/** @brief Wavefront mesh (collection of sub-meshes). */
	ResourceTypeMesh
	/** @brief Hot-reloadable scene settings. */
	ResourceTypeSettings
)

func (t ResourceType) String() string {
	switch t {
	case ResourceTypeImage:
		return "image"
	case ResourceTypeMaterial:
		return "material"
	case ResourceTypeMesh:
		return "mesh"
	case ResourceTypeSettings:
		return "settings"
	default:
		return "none"
	}
}

/**
 * @brief A generic structure for a resource. All resource loaders
 * load data into these.
 */
type Resource struct {
	/** @brief The type of the loader which handled this resource. */
	Type ResourceType
	/** @brief The name of the resource. */
	Name string
	/** @brief The full file path of the resource. */
	FullPath string
	/** @brief The size of the resource data in bytes. */
	DataSize uint64
	/** @brief The resource data. */
	Data interface{}
}

/**
 * @brief A structure to hold image resource data. Every level is tightly
 * packed RGBA8, level 0 first.
 */
type ImageResourceData struct {
	/** @brief The width of level 0. */
	Width uint32
	/** @brief The height of level 0. */
	Height uint32
	/** @brief The pixel data of every mip level. */
	Mips [][]uint8
}

// Size is the number of bytes of the whole mip chain.
func (d *ImageResourceData) Size() uint64 {
	var n uint64
	for _, m := range d.Mips {
		n += uint64(len(m))
	}
	return n
}

/** @brief The texture maps a material can reference, relative to its file. */
type MaterialConfig struct {
	Name        string
	DiffuseMap  string
	SpecularMap string
	NormalMap   string
}

/**
 * @brief One drawable batch of a mesh: a de-indexed vertex set and its
 * triangle list.
 */
type SubMeshData struct {
	Name       string
	Material   string
	Positions  []math.Vec3
	UVs        []math.Vec2
	Normals    []math.Vec3
	Tangents   []math.Vec3
	Bitangents []math.Vec3
	Indices    []uint32
}

/** @brief Parsed mesh file. Sub-meshes are never empty. */
type MeshResourceData struct {
	SubMeshes []SubMeshData
	// Materials are keyed by name.
	Materials map[string]MaterialConfig
}

// ComponentID identifies a component of a Table.
type ComponentID uuid.UUID

func (id ComponentID) String() string {
	return uuid.UUID(id).String()
}

// Index addresses an allocation inside a component.
type Index uint32

// InvalidIndex is returned when a component is exhausted.
const InvalidIndex Index = ^Index(0)

// UpdateType decides how the data of a component reaches the device.
type UpdateType int

const (
	// UpdateInitialiseOnly components live in device-local memory and are
	// filled through staging copies recorded by UpdateComponents.
	UpdateInitialiseOnly UpdateType = iota
	// UpdateMap components keep one upload copy per frame, written directly
	// when the frame is updated.
	UpdateMap
	// UpdateNone components are only written by the GPU.
	UpdateNone
)

func (u UpdateType) String() string {
	switch u {
	case UpdateInitialiseOnly:
		return "initialise_only"
	case UpdateMap:
		return "map"
	case UpdateNone:
		return "none"
	default:
		return "unknown"
	}
}

// ViewKind is the kind of descriptor a component exposes.
type ViewKind int

const (
	ViewSRV ViewKind = iota
	ViewCBV
	ViewUAV
	ViewRTV
	ViewDSV

	viewKindCount
)

func (v ViewKind) String() string {
	switch v {
	case ViewSRV:
		return "srv"
	case ViewCBV:
		return "cbv"
	case ViewUAV:
		return "uav"
	case ViewRTV:
		return "rtv"
	case ViewDSV:
		return "dsv"
	default:
		return "unknown"
	}
}
