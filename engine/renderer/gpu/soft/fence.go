package soft

import (
	"sync"

	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
)

type fence struct {
	dev   *Device
	mu    sync.Mutex
	cond  *sync.Cond
	value uint64
}

var _ gpu.Fence = (*fence)(nil)

func newFence(dev *Device, initial uint64) *fence {
	f := &fence{dev: dev, value: initial}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *fence) CompletedValue() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

// signal never lowers the completed value.
func (f *fence) signal(value uint64) {
	f.mu.Lock()
	if value > f.value {
		f.value = value
	}
	f.cond.Broadcast()
	f.mu.Unlock()
}

func (f *fence) WaitCPU(value uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.value < value {
		if err := f.dev.Err(); err != nil {
			return err
		}
		f.cond.Wait()
	}
	return nil
}

func (f *fence) wake() {
	f.mu.Lock()
	f.cond.Broadcast()
	f.mu.Unlock()
}

func (f *fence) Destroy() {
	f.dev.unregister(f)
	f.wake()
}
