// Package raytracing builds the two-level acceleration structure of a mesh
// and keeps its instance transform up to date.
package raytracing

import (
	"errors"
	"fmt"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/math"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
)

var (
	ErrNoGeometry    = errors.New("acceleration structure needs at least one geometry batch")
	ErrEmptyGeometry = errors.New("geometry batch has no vertices or no indices")
	ErrMapFailed     = errors.New("instance buffer could not be mapped")
	ErrNotBuilt      = errors.New("acceleration structure is not built")
)

// InstanceMask makes the single instance visible to every ray.
const InstanceMask = 0xFF

// Buffers is the result and scratch memory of one level.
type Buffers struct {
	Result  gpu.Buffer
	Scratch gpu.Buffer
}

func (b *Buffers) release() {
	if b.Result != nil {
		b.Result.Destroy()
		b.Result = nil
	}
	if b.Scratch != nil {
		b.Scratch.Destroy()
		b.Scratch = nil
	}
}

// AccelerationStructure is one bottom level structure covering every
// geometry batch of a mesh, and a top level structure holding one instance
// of it. It owns all five buffers.
type AccelerationStructure struct {
	BottomLevel Buffers
	TopLevel    Buffers
	Instances   gpu.Buffer

	geometries []gpu.GeometryTriangles
	bottomInfo gpu.PrebuildInfo
	topInfo    gpu.PrebuildInfo
	transform  math.Mat3x4
}

// Build allocates the buffers of both levels and records their builds into
// list. Any failure happens before anything is recorded, and releases what
// was allocated.
func Build(device gpu.Device, list gpu.CommandList, geometries []gpu.GeometryTriangles) (*AccelerationStructure, error) {
	if len(geometries) == 0 {
		return nil, ErrNoGeometry
	}
	for i, g := range geometries {
		if g.VertexCount == 0 || g.IndexCount == 0 {
			return nil, fmt.Errorf("batch %d: %w", i, ErrEmptyGeometry)
		}
	}

	as := &AccelerationStructure{
		geometries: append([]gpu.GeometryTriangles(nil), geometries...),
		transform:  math.NewMat3x4Identity(),
	}
	if err := as.allocate(device); err != nil {
		as.Release()
		core.LogError(err.Error())
		return nil, err
	}
	if err := as.writeInstance(); err != nil {
		as.Release()
		core.LogError(err.Error())
		return nil, err
	}

	list.BuildRaytracingAccelerationStructure(&gpu.BuildDesc{
		Dest:    as.BottomLevel.Result.Address(),
		Scratch: as.BottomLevel.Scratch.Address(),
		Inputs:  as.bottomInputs(),
	})
	list.ResourceBarrier(gpu.UAVBarrier(as.BottomLevel.Result))

	list.BuildRaytracingAccelerationStructure(&gpu.BuildDesc{
		Dest:    as.TopLevel.Result.Address(),
		Scratch: as.TopLevel.Scratch.Address(),
		Inputs:  as.topInputs(0),
	})
	list.ResourceBarrier(gpu.UAVBarrier(as.TopLevel.Result))

	core.LogDebug("acceleration structure recorded: %d batches, blas %d bytes, tlas %d bytes",
		len(geometries), as.bottomInfo.ResultSize, as.topInfo.ResultSize)
	return as, nil
}

func (as *AccelerationStructure) bottomInputs() gpu.BuildInputs {
	return gpu.BuildInputs{
		Type:       gpu.BottomLevel,
		Flags:      gpu.BuildPreferFastTrace,
		Geometries: as.geometries,
	}
}

func (as *AccelerationStructure) topInputs(extra gpu.BuildFlags) gpu.BuildInputs {
	inputs := gpu.BuildInputs{
		Type:          gpu.TopLevel,
		Flags:         gpu.BuildAllowUpdate | gpu.BuildPreferFastTrace | extra,
		InstanceCount: 1,
	}
	if as.Instances != nil {
		inputs.Instances = as.Instances.Address()
	}
	return inputs
}

func (as *AccelerationStructure) allocate(device gpu.Device) error {
	bottom := as.bottomInputs()
	info, err := device.AccelerationStructurePrebuildInfo(&bottom)
	if err != nil {
		return fmt.Errorf("bottom level prebuild info: %w", err)
	}
	as.bottomInfo = info

	top := as.topInputs(0)
	if info, err = device.AccelerationStructurePrebuildInfo(&top); err != nil {
		return fmt.Errorf("top level prebuild info: %w", err)
	}
	as.topInfo = info

	if as.BottomLevel, err = createLevel(device, "blas", as.bottomInfo); err != nil {
		return err
	}
	if as.TopLevel, err = createLevel(device, "tlas", as.topInfo); err != nil {
		return err
	}
	as.Instances, err = device.CreateBuffer(gpu.BufferDesc{
		Name:         "tlas_instances",
		Size:         gpu.InstanceRecordSize,
		Heap:         gpu.HeapUpload,
		InitialState: gpu.StateGenericRead,
	})
	if err != nil {
		return fmt.Errorf("failed to create instance buffer: %w", err)
	}
	return nil
}

func createLevel(device gpu.Device, name string, info gpu.PrebuildInfo) (Buffers, error) {
	var b Buffers
	var err error
	b.Result, err = device.CreateBuffer(gpu.BufferDesc{
		Name:         name + "_result",
		Size:         info.ResultSize,
		Flags:        gpu.BufferAllowUnorderedAccess | gpu.BufferAccelerationStructure,
		InitialState: gpu.StateRaytracingAccelerationStructure,
	})
	if err != nil {
		return b, fmt.Errorf("failed to create %s result buffer: %w", name, err)
	}
	scratch := max(info.ScratchSize, info.UpdateScratchSize)
	b.Scratch, err = device.CreateBuffer(gpu.BufferDesc{
		Name:         name + "_scratch",
		Size:         scratch,
		Flags:        gpu.BufferAllowUnorderedAccess,
		InitialState: gpu.StateUnorderedAccess,
	})
	if err != nil {
		return b, fmt.Errorf("failed to create %s scratch buffer: %w", name, err)
	}
	return b, nil
}

func (as *AccelerationStructure) writeInstance() error {
	data, err := as.Instances.Map()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMapFailed, err)
	}
	defer as.Instances.Unmap()
	rec := gpu.InstanceRecord{
		Transform:             as.transform.Data,
		Mask:                  InstanceMask,
		AccelerationStructure: as.BottomLevel.Result.Address(),
	}
	rec.Encode(data)
	return nil
}

// SetTopLevelTransform writes m into the instance record and records an
// update of the top level into its existing buffers. When the instance
// buffer cannot be mapped nothing is recorded and the previous transform
// stays.
func (as *AccelerationStructure) SetTopLevelTransform(list gpu.CommandList, m math.Mat3x4) error {
	if as.TopLevel.Result == nil || as.Instances == nil {
		return ErrNotBuilt
	}
	data, err := as.Instances.Map()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMapFailed, err)
	}
	gpu.EncodeTransform(data[:gpu.InstanceTransformSize], m.Data)
	as.Instances.Unmap()
	as.transform = m

	addr := as.TopLevel.Result.Address()
	list.BuildRaytracingAccelerationStructure(&gpu.BuildDesc{
		Dest:    addr,
		Scratch: as.TopLevel.Scratch.Address(),
		Source:  addr,
		Inputs:  as.topInputs(gpu.BuildPerformUpdate),
	})
	list.ResourceBarrier(gpu.UAVBarrier(as.TopLevel.Result))
	return nil
}

// TopLevelAddress is the address bound as the scene's shader resource.
func (as *AccelerationStructure) TopLevelAddress() gpu.GPUAddress {
	if as.TopLevel.Result == nil {
		return 0
	}
	return as.TopLevel.Result.Address()
}

func (as *AccelerationStructure) BottomLevelAddress() gpu.GPUAddress {
	if as.BottomLevel.Result == nil {
		return 0
	}
	return as.BottomLevel.Result.Address()
}

func (as *AccelerationStructure) Transform() math.Mat3x4 {
	return as.transform
}

func (as *AccelerationStructure) Geometries() []gpu.GeometryTriangles {
	return as.geometries
}

// PrebuildInfo returns the sizes the device asked for, bottom level first.
func (as *AccelerationStructure) PrebuildInfo() (gpu.PrebuildInfo, gpu.PrebuildInfo) {
	return as.bottomInfo, as.topInfo
}

// Release destroys every buffer. No GPU work may still reference them.
func (as *AccelerationStructure) Release() {
	as.BottomLevel.release()
	as.TopLevel.release()
	if as.Instances != nil {
		as.Instances.Destroy()
		as.Instances = nil
	}
}
