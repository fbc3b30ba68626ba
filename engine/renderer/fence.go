package renderer

import (
	"errors"
	"fmt"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
)

// Fence tracks GPU progress with a monotonic counter. Every Signal assigns
// the next value; waits always target the last assigned one.
type Fence struct {
	Handle gpu.Fence
	// Value is the last value handed to a queue.
	Value uint64
}

func NewFence(device gpu.Device) (*Fence, error) {
	handle, err := device.CreateFence(0)
	if err != nil {
		err = fmt.Errorf("failed to create fence: %w", err)
		core.LogError(err.Error())
		return nil, err
	}
	return &Fence{Handle: handle}, nil
}

// Signal queues a signal of the next value on queue and returns it. Using a
// destroyed queue is a programming error and panics.
func (f *Fence) Signal(queue gpu.Queue) uint64 {
	f.Value++
	if err := queue.Signal(f.Handle, f.Value); err != nil {
		if errors.Is(err, gpu.ErrQueueDestroyed) {
			panic(fmt.Sprintf("fence signal %d on a destroyed %s queue", f.Value, queue.Type()))
		}
		// The device is lost: the value never completes and the next
		// WaitCPU reports it.
		core.LogError("fence signal %d on %s queue failed: %s", f.Value, queue.Type(), err)
	}
	return f.Value
}

// WaitGPU makes work submitted to queue from now on wait for the last
// signaled value. The CPU does not block.
func (f *Fence) WaitGPU(queue gpu.Queue) {
	if err := queue.Wait(f.Handle, f.Value); err != nil {
		if errors.Is(err, gpu.ErrQueueDestroyed) {
			panic(fmt.Sprintf("fence wait %d on a destroyed %s queue", f.Value, queue.Type()))
		}
		core.LogError("fence GPU wait %d on %s queue failed: %s", f.Value, queue.Type(), err)
	}
}

// WaitCPU blocks until the last signaled value completed. There is no
// timeout; it only fails when the device is lost.
func (f *Fence) WaitCPU() error {
	if f.Completed() {
		return nil
	}
	if err := f.Handle.WaitCPU(f.Value); err != nil {
		core.LogError("fence CPU wait %d failed: %s", f.Value, err)
		return err
	}
	return nil
}

// Completed reports whether every signaled value has been reached.
func (f *Fence) Completed() bool {
	return f.Handle.CompletedValue() >= f.Value
}

func (f *Fence) CompletedValue() uint64 {
	return f.Handle.CompletedValue()
}

func (f *Fence) LastSignaled() uint64 {
	return f.Value
}

func (f *Fence) Destroy() {
	if f.Handle != nil {
		f.Handle.Destroy()
		f.Handle = nil
	}
}
