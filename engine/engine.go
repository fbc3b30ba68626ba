package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spaghettifunk/anima-rt/engine/assets"
	"github.com/spaghettifunk/anima-rt/engine/config"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/platform"
	"github.com/spaghettifunk/anima-rt/engine/renderer"
	"github.com/spaghettifunk/anima-rt/engine/renderer/vulkan"
	"github.com/spaghettifunk/anima-rt/engine/resources"
	"github.com/spaghettifunk/anima-rt/engine/viewer"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
	// Engine released everything
	EngineStageStopped
)

// idleWait is slept when no frame slot is free or the window is minimized.
const idleWait = 200 * time.Microsecond

// titleInterval is the number of frames between window title refreshes.
const titleInterval = 30

type Engine struct {
	currentStage Stage
	config       *config.Config
	isRunning    bool
	isSuspended  bool
	platform     *platform.Platform
	assetManager *assets.AssetManager
	scene        *viewer.Scene
	clock        *core.Clock
	metrics      *core.Metrics
	lastTime     float64
	width        uint32
	height       uint32
}

func New(cfg *config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		core.LogError(err.Error())
		return nil, err
	}

	am, err := assets.NewAssetManager()
	if err != nil {
		core.LogError(err.Error())
		return nil, err
	}

	e := &Engine{
		currentStage: EngineStageUninitialized,
		config:       cfg,
		assetManager: am,
		scene:        viewer.New(renderer.NewDevice(cfg.GPU)),
		clock:        core.NewClock(),
		metrics:      core.NewMetrics(),
		width:        cfg.Application.StartWidth,
		height:       cfg.Application.StartHeight,
	}
	if !cfg.Application.Headless {
		e.platform = platform.New()
	}
	return e, nil
}

func (e *Engine) Stage() Stage {
	return e.currentStage
}

func (e *Engine) Scene() *viewer.Scene {
	return e.scene
}

// Frames is the number of frames rendered so far.
func (e *Engine) Frames() uint64 {
	return e.metrics.TotalFrames()
}

// Initialize opens the window, starts the asset watcher and initializes the
// scene. On error everything initialized so far is left for Shutdown.
func (e *Engine) Initialize() error {
	e.currentStage = EngineStageInitializing

	core.EventInitialize()
	core.EventRegister(core.EVENT_CODE_APPLICATION_QUIT, e, e.onEvent)
	core.EventRegister(core.EVENT_CODE_KEY_PRESSED, e, e.onKey)
	core.EventRegister(core.EVENT_CODE_RESIZED, e, e.onResized)
	core.EventRegister(core.EVENT_CODE_SETTINGS_CHANGED, e, e.onSettings)

	app := e.config.Application
	if e.platform != nil {
		if err := e.platform.Startup(app.Name, app.StartPosX, app.StartPosY, app.StartWidth, app.StartHeight); err != nil {
			return err
		}
		if e.config.GPU.Probe {
			e.probeAdapters()
		}
	} else if e.config.GPU.Probe {
		core.LogWarn("adapter probe skipped: it needs a window")
	}

	if e.config.Assets.Watch {
		if err := e.assetManager.Initialize(e.config.Assets.Directory); err != nil {
			err = fmt.Errorf("failed to watch %s: %w", e.config.Assets.Directory, err)
			core.LogError(err.Error())
			return err
		}
	}

	if err := e.scene.Initialize(e.config); err != nil {
		return err
	}
	e.loadSettings()

	e.currentStage = EngineStageInitialized
	return nil
}

func (e *Engine) probeAdapters() {
	adapters, err := vulkan.Probe(e.config.Application.Name, e.platform.VulkanProcAddress())
	if err != nil {
		core.LogWarn("adapter probe failed: %s", err)
		return
	}
	selected, err := vulkan.SelectAdapter(adapters, e.config.GPU.Adapter)
	if err != nil {
		core.LogWarn("%s", err)
		return
	}
	vulkan.LogAdapters(adapters, selected)
}

// loadSettings applies a settings file already present in the asset
// directory. Later writes arrive through the watcher.
func (e *Engine) loadSettings() {
	for _, info := range e.assetManager.Assets(resources.ResourceTypeSettings) {
		res, err := e.assetManager.LoadAsset(info.Path, nil)
		if err != nil {
			core.LogWarn("settings %s ignored: %s", filepath.Base(info.Path), err)
			continue
		}
		e.scene.ApplySettings(res.Data.(config.Settings))
		return
	}
}

// Run drives the frame loop until the window closes, ctx is done or the
// configured frame count is reached.
func (e *Engine) Run(ctx context.Context) error {
	switch e.currentStage {
	case EngineStageInitialized:
	case EngineStageShuttingDown, EngineStageStopped:
		return core.ErrShuttingDown
	default:
		return core.ErrNotInitialized
	}
	e.currentStage = EngineStageRunning
	e.isRunning = true

	e.clock.Start()
	e.clock.Update()
	e.lastTime = e.clock.Elapsed()

	maxFrames := e.config.Application.MaxFrames
	for e.isRunning {
		if ctx.Err() != nil {
			core.LogInfo("run cancelled, shutting down.")
			break
		}
		if e.platform != nil && !e.platform.PumpMessages() {
			break
		}
		e.dispatchSettings()

		if e.isSuspended {
			time.Sleep(idleWait)
			continue
		}

		e.clock.Update()
		currentTime := e.clock.Elapsed()
		delta := currentTime - e.lastTime

		if err := e.scene.Update(delta); err != nil {
			core.LogError("scene update failed, shutting down: %s", err)
			return err
		}
		rendered, err := e.scene.Render()
		if err != nil {
			core.LogError("scene render failed, shutting down: %s", err)
			return err
		}
		if !rendered {
			time.Sleep(idleWait)
			continue
		}

		e.metrics.Update(delta)
		e.lastTime = currentTime
		frames := e.metrics.TotalFrames()
		if frames%titleInterval == 0 {
			e.reportFrame()
		}
		if maxFrames > 0 && frames >= maxFrames {
			core.LogInfo("rendered %d frames, stopping.", frames)
			break
		}
	}
	e.isRunning = false
	return nil
}

func (e *Engine) reportFrame() {
	fps, frameTime := e.metrics.Frame()
	if e.platform != nil {
		e.platform.SetTitle(fmt.Sprintf("%s - %.0f FPS (%.2f ms)", e.config.Application.Name, fps, frameTime))
	}
	core.LogDebug("frame %d: %.1f fps, %.2f ms", e.metrics.TotalFrames(), fps, frameTime)
}

// dispatchSettings forwards a reloaded settings file, if any, without
// blocking.
func (e *Engine) dispatchSettings() {
	select {
	case s, ok := <-e.assetManager.Settings():
		if ok {
			core.EventFire(core.EventContext{Type: core.EVENT_CODE_SETTINGS_CHANGED, Data: s})
		}
	default:
	}
}

// Shutdown releases the scene, the watcher and the window. It is safe to
// call after a failed Initialize.
func (e *Engine) Shutdown() error {
	if e.currentStage == EngineStageStopped {
		return nil
	}
	e.currentStage = EngineStageShuttingDown
	e.isRunning = false

	var errs []error
	if err := e.scene.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	if err := e.assetManager.Close(); err != nil && !errors.Is(err, assets.ErrClosed) {
		errs = append(errs, err)
	}
	if e.platform != nil {
		if err := e.platform.Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := core.EventShutdown(); err != nil {
		errs = append(errs, err)
	}
	fps, frameTime := e.metrics.Frame()
	core.LogInfo("engine stopped after %d frames (%.1f fps, %.2f ms)", e.metrics.TotalFrames(), fps, frameTime)
	e.currentStage = EngineStageStopped
	return errors.Join(errs...)
}

// ApplicationGetFramebufferSize returns the width and height (in this order)
// of the application Framebuffer
func (e *Engine) GetFramebufferSize() (uint32, uint32) {
	return e.width, e.height
}

func (e *Engine) onEvent(context core.EventContext) bool {
	switch context.Type {
	case core.EVENT_CODE_APPLICATION_QUIT:
		core.LogInfo("EVENT_CODE_APPLICATION_QUIT received, shutting down.")
		e.isRunning = false
		return true
	}
	return false
}

func (e *Engine) onKey(context core.EventContext) bool {
	if context.Data == core.KEY_ESCAPE {
		// Other listeners of the quit event get to see it too.
		core.EventFire(core.EventContext{Type: core.EVENT_CODE_APPLICATION_QUIT})
		return true
	}
	return false
}

func (e *Engine) onSettings(context core.EventContext) bool {
	settings, ok := context.Data.(config.Settings)
	if !ok {
		core.LogError("wrong event associated with the event type `%d`", context.Type)
		return false
	}
	e.scene.ApplySettings(settings)
	return true
}

func (e *Engine) onResized(context core.EventContext) bool {
	se, ok := context.Data.(*core.SystemEvent)
	if !ok {
		core.LogError("wrong event associated with the event type `%d`", context.Type)
		return false
	}
	width, height := se.WindowWidth, se.WindowHeight
	if width == e.width && height == e.height {
		return true
	}
	e.width, e.height = width, height
	core.LogDebug("Window resize: %d, %d", width, height)

	// Handle minimization
	if width == 0 || height == 0 {
		core.LogInfo("Window minimized, suspending application.")
		e.isSuspended = true
		return true
	}
	if e.isSuspended {
		core.LogInfo("Window restored, resuming application.")
		e.isSuspended = false
	}
	if err := e.scene.Resize(width, height); err != nil {
		core.LogError("resize failed, shutting down: %s", err)
		e.isRunning = false
	}
	return true
}
