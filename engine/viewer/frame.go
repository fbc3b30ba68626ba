package viewer

import (
	"errors"
	"fmt"

	"github.com/spaghettifunk/anima-rt/engine/containers"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
)

// frameSync is the per-frame state shared by every scene: the queues, the
// swapchain and the fences that decide when a frame slot can be reused.
type frameSync struct {
	device      gpu.Device
	directQueue gpu.Queue
	copyQueue   gpu.Queue
	swapchain   gpu.Swapchain

	// endOfFrameFences[i] retires once everything frame slot i submitted
	// has executed.
	endOfFrameFences *containers.FrameObject[*renderer.Fence]
	updateCopyFences *containers.FrameObject[*renderer.Fence]
	directRecorders  *containers.FrameObject[*renderer.CommandRecorder]
	copyRecorders    *containers.FrameObject[*renderer.CommandRecorder]
	flushFence       *renderer.Fence
}

func (fs *frameSync) initialize(device gpu.Device, frames int, desc gpu.SwapchainDesc) error {
	fs.device = device
	var err error
	if fs.directQueue, err = device.CreateQueue(gpu.QueueDirect); err != nil {
		return fmt.Errorf("failed to create direct queue: %w", err)
	}
	if fs.copyQueue, err = device.CreateQueue(gpu.QueueCopy); err != nil {
		return fmt.Errorf("failed to create copy queue: %w", err)
	}
	if fs.swapchain, err = device.CreateSwapchain(fs.directQueue, desc); err != nil {
		return fmt.Errorf("failed to create swapchain: %w", err)
	}

	newFence := func(int) (*renderer.Fence, error) { return renderer.NewFence(device) }
	fs.endOfFrameFences = containers.NewFrameObject[*renderer.Fence](frames)
	if err := fs.endOfFrameFences.Initialize(newFence); err != nil {
		return err
	}
	fs.updateCopyFences = containers.NewFrameObject[*renderer.Fence](frames)
	if err := fs.updateCopyFences.Initialize(newFence); err != nil {
		return err
	}
	if fs.flushFence, err = renderer.NewFence(device); err != nil {
		return err
	}

	fs.directRecorders = containers.NewFrameObject[*renderer.CommandRecorder](frames)
	if err := fs.directRecorders.Initialize(func(int) (*renderer.CommandRecorder, error) {
		return renderer.NewCommandRecorder(device, gpu.QueueDirect)
	}); err != nil {
		return err
	}
	fs.copyRecorders = containers.NewFrameObject[*renderer.CommandRecorder](frames)
	return fs.copyRecorders.Initialize(func(int) (*renderer.CommandRecorder, error) {
		return renderer.NewCommandRecorder(device, gpu.QueueCopy)
	})
}

// possibleToSwapFrame reports whether the slot the next swap activates has
// retired. It never blocks.
func (fs *frameSync) possibleToSwapFrame() bool {
	return (*fs.endOfFrameFences.Next()).Completed()
}

func (fs *frameSync) swapFrame() {
	fs.endOfFrameFences.SwapFrame()
	fs.updateCopyFences.SwapFrame()
	fs.directRecorders.SwapFrame()
	fs.copyRecorders.SwapFrame()
}

// flushAllQueues blocks until both queues are idle.
func (fs *frameSync) flushAllQueues() error {
	if fs.flushFence == nil {
		return nil
	}
	var errs []error
	for _, q := range []gpu.Queue{fs.directQueue, fs.copyQueue} {
		if q == nil {
			continue
		}
		if err := renderer.FlushQueue(q, fs.flushFence); err != nil {
			errs = append(errs, fmt.Errorf("flush %s queue: %w", q.Type(), err))
		}
	}
	return errors.Join(errs...)
}

// release destroys everything but the device. Queues must be idle.
func (fs *frameSync) release() {
	for _, fo := range []*containers.FrameObject[*renderer.Fence]{fs.endOfFrameFences, fs.updateCopyFences} {
		if fo == nil {
			continue
		}
		fo.Each(func(_ int, f **renderer.Fence) {
			if *f != nil {
				(*f).Destroy()
			}
		})
	}
	for _, fo := range []*containers.FrameObject[*renderer.CommandRecorder]{fs.directRecorders, fs.copyRecorders} {
		if fo == nil {
			continue
		}
		fo.Each(func(_ int, r **renderer.CommandRecorder) {
			if *r != nil {
				(*r).Destroy()
			}
		})
	}
	if fs.flushFence != nil {
		fs.flushFence.Destroy()
	}
	if fs.swapchain != nil {
		fs.swapchain.Destroy()
		fs.swapchain = nil
	}
	for _, q := range []gpu.Queue{fs.directQueue, fs.copyQueue} {
		if q != nil {
			q.Destroy()
		}
	}
	fs.directQueue, fs.copyQueue = nil, nil
	core.LogDebug("frame resources released")
}
