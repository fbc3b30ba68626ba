// Package viewer renders one mesh, accelerated by a ray tracing acceleration
// structure per in-flight frame, with a double buffered frame loop.
package viewer

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spaghettifunk/anima-rt/engine/assets"
	"github.com/spaghettifunk/anima-rt/engine/config"
	"github.com/spaghettifunk/anima-rt/engine/containers"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/math"
	"github.com/spaghettifunk/anima-rt/engine/renderer"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
	"github.com/spaghettifunk/anima-rt/engine/renderer/raytracing"
	"github.com/spaghettifunk/anima-rt/engine/resources"
)

var ErrNotInitialized = errors.New("scene is not initialized")

const (
	// maxObjects caps the sub-meshes that get per-object records.
	maxObjects = 100
	lightRange = 100

	// Root parameter slots of the model pipeline.
	rootVertexPerObject = 0
	rootPixelPerObject  = 1
	rootPixelPerFrame   = 2
	rootScene           = 3
)

type drawableObject struct {
	subMesh      int
	vertexBuffer resources.Index
	pixelBuffer  resources.Index
}

// Scene owns the device and everything rendered with it.
type Scene struct {
	frameSync

	config      *config.Config
	width       uint32
	height      uint32
	initialized bool

	table      *resources.Table
	meshLoader assets.MeshLoader
	mesh       assets.MeshIndex
	pipeline   gpu.Pipeline

	accelerationStructures *containers.FrameObject[*raytracing.AccelerationStructure]

	worldMatrixComponent     resources.ComponentID
	cameraMatrixComponent    resources.ComponentID
	cameraInfoComponent      resources.ComponentID
	pointLightComponent      resources.ComponentID
	vertexPerObjectComponent resources.ComponentID
	pixelPerObjectComponent  resources.ComponentID
	pixelPerFrameComponent   resources.ComponentID
	depthMapComponent        resources.ComponentID

	worldMatrix   resources.Index
	cameraMatrix  resources.Index
	cameraInfo    resources.Index
	light         resources.Index
	pixelPerFrame resources.Index
	depthMap      resources.Index

	objects  []drawableObject
	camera   *Camera
	settings config.Settings
}

// New returns a scene that renders with device. The scene owns the device
// and closes it in Shutdown.
func New(device gpu.Device) *Scene {
	return &Scene{
		frameSync: frameSync{device: device},
		mesh:      assets.InvalidMeshIndex,
	}
}

func (s *Scene) Device() gpu.Device {
	return s.device
}

func (s *Scene) Settings() config.Settings {
	return s.settings
}

// Initialize loads the mesh, uploads it and builds one acceleration
// structure per frame. Any error is fatal to the scene.
func (s *Scene) Initialize(cfg *config.Config) error {
	s.config = cfg
	s.width, s.height = cfg.Application.StartWidth, cfg.Application.StartHeight
	s.settings = cfg.Settings
	frames := cfg.Renderer.Frames

	if err := s.frameSync.initialize(s.device, frames, gpu.SwapchainDesc{
		Width:       s.width,
		Height:      s.height,
		BufferCount: cfg.Renderer.BackBuffers,
		Format:      gpu.FormatRGBA8Unorm,
	}); err != nil {
		return s.fail(err)
	}

	s.table = resources.NewTable(s.device, frames)
	if err := s.meshLoader.Initialize(s.table, cfg.Assets.Memory); err != nil {
		return s.fail(err)
	}

	var err error
	s.pipeline, err = s.device.CreatePipeline(gpu.PipelineDesc{
		Name:                "model",
		RenderTargetFormat:  gpu.FormatRGBA8Unorm,
		DepthFormat:         gpu.FormatD32Float,
		RootConstantBuffers: 3,
		RootShaderResources: 1,
	})
	if err != nil {
		return s.fail(fmt.Errorf("failed to create pipeline: %w", err))
	}

	meshPath := filepath.Join(cfg.Assets.Directory, cfg.Assets.Mesh)
	if s.mesh, err = s.meshLoader.LoadMesh(meshPath); err != nil {
		return s.fail(fmt.Errorf("could not load mesh: %w", err))
	}

	if err := s.createBufferComponents(); err != nil {
		return s.fail(err)
	}
	if err := s.createDepthComponent(); err != nil {
		return s.fail(err)
	}
	if err := s.createWorldMatrix(); err != nil {
		return s.fail(err)
	}
	if err := s.createCamera(); err != nil {
		return s.fail(err)
	}
	if err := s.createPointLight(); err != nil {
		return s.fail(err)
	}
	if err := s.createPerObjectBuffers(len(s.meshLoader.GetMeshInfo(s.mesh).SubMeshes)); err != nil {
		return s.fail(err)
	}
	if err := s.createPerFrameBuffers(); err != nil {
		return s.fail(err)
	}
	if err := s.createDepthBuffer(); err != nil {
		return s.fail(err)
	}
	if err := s.table.FinalizeComponents(); err != nil {
		return s.fail(err)
	}

	// Geometry must be resident before the acceleration structures read it.
	copyRecorder := *s.copyRecorders.Active()
	if err := copyRecorder.Reset(); err != nil {
		return s.fail(err)
	}
	if err := s.table.UpdateComponents(copyRecorder.ActiveList()); err != nil {
		return s.fail(err)
	}
	if err := copyRecorder.FinishActiveList(false); err != nil {
		return s.fail(err)
	}
	if err := copyRecorder.ExecuteCommands(s.copyQueue); err != nil {
		return s.fail(err)
	}
	copyFence := *s.updateCopyFences.Active()
	copyFence.Signal(s.copyQueue)
	if err := copyFence.WaitCPU(); err != nil {
		return s.fail(err)
	}

	if err := s.createRaytracingStructures(); err != nil {
		return s.fail(err)
	}

	s.initialized = true
	core.LogInfo("scene initialized: %d sub-meshes, %d frames in flight, %dx%d",
		len(s.objects), frames, s.width, s.height)
	return nil
}

func (s *Scene) fail(err error) error {
	core.LogError(err.Error())
	return err
}

func (s *Scene) createBufferComponents() error {
	type component struct {
		target   *resources.ComponentID
		name     string
		size     uint64
		capacity uint32
		views    []resources.ViewKind
		rootCBV  bool
	}
	srv := []resources.ViewKind{resources.ViewSRV}
	components := []component{
		{&s.worldMatrixComponent, "world_matrix", recordSize(matrixRecord{}), 1, srv, false},
		{&s.cameraMatrixComponent, "camera_matrix", recordSize(matrixRecord{}), 1, srv, false},
		{&s.cameraInfoComponent, "camera_info", recordSize(cameraInfo{}), 1, srv, false},
		{&s.pointLightComponent, "point_light", recordSize(pointLight{}), 1, srv, false},
		{&s.vertexPerObjectComponent, "vertex_per_object", recordSize(vertexObjectIndices{}), maxObjects, nil, true},
		{&s.pixelPerObjectComponent, "pixel_per_object", recordSize(pixelObjectIndices{}), maxObjects, nil, true},
		{&s.pixelPerFrameComponent, "pixel_per_frame", recordSize(pixelFrameIndices{}), 1, nil, true},
	}
	for _, c := range components {
		id, err := s.table.CreateBufferComponent(resources.BufferComponentDesc{
			Name:            c.name,
			ElementSize:     c.size,
			ElementCapacity: c.capacity,
			MaxBuffers:      c.capacity,
			Update:          resources.UpdateMap,
			Views:           c.views,
			RootConstant:    c.rootCBV,
		})
		if err != nil {
			return err
		}
		*c.target = id
	}
	return nil
}

func (s *Scene) createDepthComponent() error {
	dim := uint64(s.device.Limits().MaxTextureDimension)
	id, err := s.table.CreateTextureComponent(resources.TextureComponentDesc{
		Name:        "depth_map",
		Format:      gpu.FormatD32Float,
		MaxTextures: 1,
		MaxBytes:    dim * dim * 4,
		Update:      resources.UpdateNone,
		Views:       []resources.ViewKind{resources.ViewDSV},
	})
	if err != nil {
		return err
	}
	s.depthMapComponent = id
	return nil
}

// allocate creates one element in component id and stages data in it.
func (s *Scene) allocate(id resources.ComponentID, what string, data []byte) (resources.Index, error) {
	bc := s.table.Buffers(id)
	idx := bc.CreateBuffer(1)
	if idx == resources.InvalidIndex {
		return idx, fmt.Errorf("could not create %s: %w", what, assets.ErrResourcesExhausted)
	}
	if data != nil {
		if err := bc.SetUpdateData(idx, data); err != nil {
			return resources.InvalidIndex, err
		}
	}
	return idx, nil
}

func (s *Scene) createWorldMatrix() error {
	var err error
	s.worldMatrix, err = s.allocate(s.worldMatrixComponent, "world matrix", encode(shaderMatrix(math.NewMat4Identity())))
	return err
}

func (s *Scene) createCamera() error {
	r := s.config.Renderer
	s.camera = NewCamera(
		math.NewVec3(r.CameraPosition[0], r.CameraPosition[1], r.CameraPosition[2]),
		math.NewVec3(r.CameraTarget[0], r.CameraTarget[1], r.CameraTarget[2]),
		math.DegToRad(r.FieldOfView),
		float32(s.width)/float32(s.height),
		r.NearClip,
		r.FarClip,
	)
	var err error
	if s.cameraMatrix, err = s.allocate(s.cameraMatrixComponent, "camera matrix", nil); err != nil {
		return err
	}
	if s.cameraInfo, err = s.allocate(s.cameraInfoComponent, "camera info", nil); err != nil {
		return err
	}
	return s.updateCamera()
}

// updateCamera stages the camera matrix and position for every frame.
func (s *Scene) updateCamera() error {
	matrix := encode(shaderMatrix(s.camera.ViewProjection()))
	if err := s.table.Buffers(s.cameraMatrixComponent).SetUpdateData(s.cameraMatrix, matrix); err != nil {
		return err
	}
	p := s.camera.Position
	info := encode(cameraInfo{Position: [3]float32{p.X, p.Y, p.Z}})
	return s.table.Buffers(s.cameraInfoComponent).SetUpdateData(s.cameraInfo, info)
}

func (s *Scene) createPointLight() error {
	r := s.config.Renderer
	var err error
	s.light, err = s.allocate(s.pointLightComponent, "point light", encode(pointLight{
		Position: r.LightPosition,
		Range:    lightRange,
		Colour:   r.LightColor,
	}))
	return err
}

func (s *Scene) createPerObjectBuffers(subMeshes int) error {
	for i := 0; i < subMeshes; i++ {
		object := drawableObject{subMesh: i}
		var err error
		if object.vertexBuffer, err = s.allocate(s.vertexPerObjectComponent, "vertex shader buffer", nil); err != nil {
			return err
		}
		if object.pixelBuffer, err = s.allocate(s.pixelPerObjectComponent, "pixel shader buffer", nil); err != nil {
			return err
		}
		s.objects = append(s.objects, object)
	}
	return nil
}

func (s *Scene) createPerFrameBuffers() error {
	var err error
	s.pixelPerFrame, err = s.allocate(s.pixelPerFrameComponent, "per frame buffer", nil)
	return err
}

func (s *Scene) createDepthBuffer() error {
	s.depthMap = s.table.Textures(s.depthMapComponent).CreateTexture(resources.TextureAllocation{
		Name:      "depth_map",
		Width:     s.width,
		Height:    s.height,
		MipLevels: 1,
	})
	if s.depthMap == resources.InvalidIndex {
		return fmt.Errorf("could not create depth map %dx%d: %w", s.width, s.height, assets.ErrResourcesExhausted)
	}
	return nil
}

// createRaytracingStructures records the builds of every frame's structure
// on the active direct recorder. Every slot's end of frame fence is signaled
// behind that submission, so no slot is reused before its build ran.
func (s *Scene) createRaytracingStructures() error {
	directRecorder := *s.directRecorders.Active()
	if err := directRecorder.Reset(); err != nil {
		return err
	}
	list := directRecorder.ActiveList()
	geometries := geometriesFromMesh(s.meshLoader.GetMeshInfo(s.mesh),
		s.table.Buffers(s.meshLoader.PositionComponent()),
		s.table.Buffers(s.meshLoader.IndicesComponent()))

	s.accelerationStructures = containers.NewFrameObject[*raytracing.AccelerationStructure](s.table.Frames())
	if err := s.accelerationStructures.Initialize(func(int) (*raytracing.AccelerationStructure, error) {
		return raytracing.Build(s.device, list, geometries)
	}); err != nil {
		return fmt.Errorf("failed to build acceleration structures: %w", err)
	}

	if err := directRecorder.FinishActiveList(false); err != nil {
		return err
	}
	if err := directRecorder.ExecuteCommands(s.directQueue); err != nil {
		return err
	}
	s.endOfFrameFences.Each(func(_ int, fence **renderer.Fence) {
		(*fence).Signal(s.directQueue)
	})
	return nil
}

// PossibleToSwapFrame reports whether Render would draw a frame now.
func (s *Scene) PossibleToSwapFrame() bool {
	return s.initialized && s.possibleToSwapFrame()
}

func (s *Scene) swapFrame() {
	s.frameSync.swapFrame()
	s.table.SwapFrame()
	s.accelerationStructures.SwapFrame()
}

// ApplySettings takes effect with the next Update.
func (s *Scene) ApplySettings(settings config.Settings) {
	s.settings = settings
}

func (s *Scene) worldTransform() math.Mat4 {
	rotation := math.NewMat4EulerY(math.DegToRad(s.settings.Rotation))
	scaling := math.NewMat4Scale(math.NewVec3(s.settings.Scaling, s.settings.Scaling, s.settings.Scaling))
	return rotation.Mul(scaling)
}

// Update stages the world matrix for the next frames.
func (s *Scene) Update(deltaTime float64) error {
	if !s.initialized {
		return ErrNotInitialized
	}
	return s.table.Buffers(s.worldMatrixComponent).SetUpdateData(s.worldMatrix, encode(shaderMatrix(s.worldTransform())))
}

func (s *Scene) updatePerObjectBuffers() error {
	mesh := s.meshLoader.GetMeshInfo(s.mesh)
	heap := heapIndexer{table: s.table}
	vertexRecords := s.table.Buffers(s.vertexPerObjectComponent)
	pixelRecords := s.table.Buffers(s.pixelPerObjectComponent)
	for _, object := range s.objects {
		sm := mesh.SubMeshes[object.subMesh]
		vs := vertexObjectIndices{
			Position:       heap.index(s.meshLoader.PositionComponent(), sm.Position),
			UV:             heap.index(s.meshLoader.UVComponent(), sm.UV),
			Normal:         heap.index(s.meshLoader.NormalComponent(), sm.Normal),
			Tangent:        heap.index(s.meshLoader.TangentComponent(), sm.Tangent),
			Bitangent:      heap.index(s.meshLoader.BitangentComponent(), sm.Bitangent),
			Indices:        heap.index(s.meshLoader.IndicesComponent(), sm.Indices),
			WorldMatrix:    heap.index(s.worldMatrixComponent, s.worldMatrix),
			ViewProjection: heap.index(s.cameraMatrixComponent, s.cameraMatrix),
		}
		ps := pixelObjectIndices{
			DiffuseMap:  heap.index(s.meshLoader.DiffuseMapComponent(), sm.DiffuseMap),
			SpecularMap: heap.index(s.meshLoader.SpecularMapComponent(), sm.SpecularMap),
			NormalMap:   heap.index(s.meshLoader.NormalMapComponent(), sm.NormalMap),
		}
		if heap.err != nil {
			return heap.err
		}
		if err := vertexRecords.SetUpdateData(object.vertexBuffer, encode(vs)); err != nil {
			return err
		}
		if err := pixelRecords.SetUpdateData(object.pixelBuffer, encode(ps)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scene) updatePerFrameBuffers() error {
	heap := heapIndexer{table: s.table}
	ps := pixelFrameIndices{
		PointLight: heap.index(s.pointLightComponent, s.light),
		CameraInfo: heap.index(s.cameraInfoComponent, s.cameraInfo),
	}
	if heap.err != nil {
		return heap.err
	}
	return s.table.Buffers(s.pixelPerFrameComponent).SetUpdateData(s.pixelPerFrame, encode(ps))
}

// updateAccelerationStructure refits the active top level to the world
// transform. A failed map keeps last frame's transform.
func (s *Scene) updateAccelerationStructure(list gpu.CommandList) {
	as := *s.accelerationStructures.Active()
	if err := as.SetTopLevelTransform(list, s.worldTransform().ToMat3x4()); err != nil {
		core.LogWarn("acceleration structure transform not updated: %s", err)
	}
}

// Render records and submits one frame. It returns false without touching
// any GPU state when the next frame slot is still in flight.
func (s *Scene) Render() (bool, error) {
	if !s.PossibleToSwapFrame() {
		return false, nil
	}
	s.swapFrame()

	directRecorder := *s.directRecorders.Active()
	if err := directRecorder.Reset(); err != nil {
		return false, s.fail(err)
	}
	list := directRecorder.ActiveList()
	if err := s.table.BindComponents(list); err != nil {
		return false, s.fail(err)
	}
	if err := s.updatePerObjectBuffers(); err != nil {
		return false, s.fail(err)
	}
	if err := s.updatePerFrameBuffers(); err != nil {
		return false, s.fail(err)
	}
	s.updateAccelerationStructure(list)

	copyRecorder := *s.copyRecorders.Active()
	if err := copyRecorder.Reset(); err != nil {
		return false, s.fail(err)
	}
	if err := s.table.UpdateComponents(copyRecorder.ActiveList()); err != nil {
		return false, s.fail(err)
	}
	if err := copyRecorder.FinishActiveList(false); err != nil {
		return false, s.fail(err)
	}
	if err := copyRecorder.ExecuteCommands(s.copyQueue); err != nil {
		return false, s.fail(err)
	}
	copyFence := *s.updateCopyFences.Active()
	copyFence.Signal(s.copyQueue)
	copyFence.WaitGPU(s.directQueue)

	backBuffer := s.swapchain.CurrentBackBuffer()
	depthMaps := s.table.Textures(s.depthMapComponent)
	depth := depthMaps.Texture(s.depthMap)
	barriers := []gpu.ResourceBarrier{gpu.TransitionBarrier(backBuffer, gpu.StatePresent, gpu.StateRenderTarget)}
	if b, ok := depthMaps.ChangeToState(s.depthMap, gpu.StateDepthWrite); ok {
		barriers = append(barriers, b)
	}
	list.ResourceBarrier(barriers...)
	list.ClearRenderTarget(backBuffer, s.config.Renderer.ClearColor)
	list.ClearDepth(depth, 1)
	if err := directRecorder.FinishActiveList(true); err != nil {
		return false, s.fail(err)
	}
	if err := directRecorder.ExecuteCommands(s.directQueue); err != nil {
		return false, s.fail(err)
	}

	// Root bindings do not survive the list boundary.
	list = directRecorder.ActiveList()
	list.SetPipelineState(s.pipeline)
	list.SetRenderTargets(backBuffer, depth)
	list.SetRootConstantBuffer(rootPixelPerFrame, s.table.Buffers(s.pixelPerFrameComponent).Address(s.pixelPerFrame))
	list.SetRootShaderResource(rootScene, (*s.accelerationStructures.Active()).TopLevelAddress())

	mesh := s.meshLoader.GetMeshInfo(s.mesh)
	vertexRecords := s.table.Buffers(s.vertexPerObjectComponent)
	pixelRecords := s.table.Buffers(s.pixelPerObjectComponent)
	for _, object := range s.objects {
		if s.settings.SubMesh != -1 && s.settings.SubMesh != object.subMesh {
			continue
		}
		list.SetRootConstantBuffer(rootVertexPerObject, vertexRecords.Address(object.vertexBuffer))
		list.SetRootConstantBuffer(rootPixelPerObject, pixelRecords.Address(object.pixelBuffer))
		list.Draw(mesh.SubMeshes[object.subMesh].IndexCount, 1)
	}

	list.ResourceBarrier(gpu.TransitionBarrier(backBuffer, gpu.StateRenderTarget, gpu.StatePresent))
	if err := directRecorder.FinishActiveList(false); err != nil {
		return false, s.fail(err)
	}
	if err := directRecorder.ExecuteCommands(s.directQueue); err != nil {
		return false, s.fail(err)
	}
	if err := s.swapchain.Present(); err != nil {
		return false, s.fail(err)
	}
	(*s.endOfFrameFences.Active()).Signal(s.directQueue)
	return true, nil
}

// Resize recreates the size dependent resources. A zero size, as reported
// for a minimized window, is ignored.
func (s *Scene) Resize(width, height uint32) error {
	if !s.initialized {
		return ErrNotInitialized
	}
	if width == 0 || height == 0 || (width == s.width && height == s.height) {
		return nil
	}
	if err := s.flushAllQueues(); err != nil {
		return s.fail(err)
	}
	if err := s.swapchain.Resize(width, height); err != nil {
		return s.fail(err)
	}
	if err := s.table.Textures(s.depthMapComponent).Remove(s.depthMap); err != nil {
		return s.fail(err)
	}
	s.width, s.height = width, height
	if err := s.createDepthBuffer(); err != nil {
		return s.fail(err)
	}
	s.camera.SetAspect(float32(width) / float32(height))
	if err := s.updateCamera(); err != nil {
		return s.fail(err)
	}
	core.LogInfo("scene resized to %dx%d", width, height)
	return nil
}

// Shutdown waits for the GPU and releases everything, the device included.
func (s *Scene) Shutdown() error {
	if s.device == nil {
		return nil
	}
	err := s.flushAllQueues()
	if err != nil {
		core.LogError("shutdown with a lost device: %s", err)
	}
	if s.accelerationStructures != nil {
		s.accelerationStructures.Each(func(_ int, as **raytracing.AccelerationStructure) {
			if *as != nil {
				(*as).Release()
			}
		})
	}
	if s.table != nil {
		s.table.Release()
	}
	if s.pipeline != nil {
		s.pipeline.Destroy()
	}
	s.frameSync.release()
	s.device.Close()
	s.device = nil
	s.initialized = false
	return err
}
