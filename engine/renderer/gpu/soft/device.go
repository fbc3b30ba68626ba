// Package soft implements gpu.Device in software.
//
// Every queue runs on its own goroutine and executes its submissions in
// order. Device memory is a set of byte slices placed in one virtual address
// space, and acceleration structure builds produce a real bounding volume
// hierarchy in that memory. Execution is validated the way a debug layer
// would, and any validation failure loses the device.
package soft

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
)

const (
	// firstAddress keeps zero out of the address space.
	firstAddress gpu.GPUAddress = 0x10000
	// placementAlignment is the alignment of every buffer address.
	placementAlignment = 256

	defaultMaxBufferSize      = 1 << 32
	defaultMaxASSize          = 1 << 30
	defaultMaxTextureSize     = 16384
	defaultDescriptorHeapSize = 1 << 16
)

// Options configures a software device. The zero value is a fast device with
// no limits other than the defaults.
type Options struct {
	// Latency is slept by a queue of the given class before executing each
	// submission.
	Latency [gpu.QueueTypeCount]time.Duration
	// Jitter adds a random delay in [0, Jitter) before every queue item, on
	// every queue, which reorders work across queues.
	Jitter time.Duration
	// Seed seeds the jitter generators.
	Seed uint64
	// MemoryBudget is the total number of bytes of buffers and textures the
	// device can hold. Zero means unlimited.
	MemoryBudget uint64
	// MaxAccelerationStructureSize caps the result size reported by prebuild
	// queries.
	MaxAccelerationStructureSize uint64
	// DescriptorHeapSize is the number of descriptors the device exposes.
	DescriptorHeapSize uint32
	// MapFailure is consulted on every Map with the buffer name. Returning
	// true fails the map with gpu.ErrMapFailed.
	MapFailure func(name string) bool
}

type counters struct {
	submissions   [gpu.QueueTypeCount]atomic.Uint64
	executedLists atomic.Uint64
	draws         atomic.Uint64
	copies        atomic.Uint64
	builds        atomic.Uint64
	presents      atomic.Uint64
	signals       atomic.Uint64
}

// waker is something blocked on device progress that must be woken when the
// device is lost.
type waker interface {
	wake()
}

// Device is a software gpu.Device.
type Device struct {
	opts   Options
	limits gpu.Limits
	stats  counters

	mu        sync.RWMutex
	buffers   []*buffer
	nextAddr  gpu.GPUAddress
	allocated uint64
	lostErr   error
	waiters   map[waker]struct{}
	queues    int
}

var _ gpu.Device = (*Device)(nil)

func New(opts Options) *Device {
	limits := gpu.Limits{
		MaxBufferSize:                defaultMaxBufferSize,
		MaxAccelerationStructureSize: defaultMaxASSize,
		MaxTextureDimension:          defaultMaxTextureSize,
		DescriptorHeapSize:           defaultDescriptorHeapSize,
		ConstantBufferAlignment:      placementAlignment,
		AccelerationStructureAlign:   placementAlignment,
	}
	if opts.MaxAccelerationStructureSize > 0 {
		limits.MaxAccelerationStructureSize = opts.MaxAccelerationStructureSize
	}
	if opts.DescriptorHeapSize > 0 {
		limits.DescriptorHeapSize = opts.DescriptorHeapSize
	}
	core.LogDebug("soft device created (budget %d bytes, jitter %s)", opts.MemoryBudget, opts.Jitter)
	return &Device{
		opts:     opts,
		limits:   limits,
		nextAddr: firstAddress,
		waiters:  make(map[waker]struct{}),
	}
}

func (d *Device) Limits() gpu.Limits {
	return d.limits
}

func (d *Device) Stats() gpu.Stats {
	s := gpu.Stats{
		ExecutedLists: d.stats.executedLists.Load(),
		Draws:         d.stats.draws.Load(),
		Copies:        d.stats.copies.Load(),
		Builds:        d.stats.builds.Load(),
		Presents:      d.stats.presents.Load(),
		Signals:       d.stats.signals.Load(),
	}
	for i := range s.Submissions {
		s.Submissions[i] = d.stats.submissions[i].Load()
	}
	d.mu.RLock()
	s.AllocatedBytes = d.allocated
	d.mu.RUnlock()
	return s
}

// Err returns the reason the device was lost, or nil.
func (d *Device) Err() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lostErr
}

// lose puts the device in the lost state. Only the first cause is kept.
func (d *Device) lose(cause error) {
	d.mu.Lock()
	if d.lostErr != nil {
		d.mu.Unlock()
		return
	}
	d.lostErr = fmt.Errorf("%w: %w", gpu.ErrDeviceLost, cause)
	waiters := make([]waker, 0, len(d.waiters))
	for w := range d.waiters {
		waiters = append(waiters, w)
	}
	d.mu.Unlock()

	if errors.Is(cause, errDeviceClosed) {
		core.LogDebug("soft device closed")
	} else {
		core.LogError("soft device lost: %s", cause)
	}
	for _, w := range waiters {
		w.wake()
	}
}

func (d *Device) register(w waker) {
	d.mu.Lock()
	d.waiters[w] = struct{}{}
	d.mu.Unlock()
}

func (d *Device) unregister(w waker) {
	d.mu.Lock()
	delete(d.waiters, w)
	d.mu.Unlock()
}

func (d *Device) CreateQueue(typ gpu.QueueType) (gpu.Queue, error) {
	if typ < 0 || typ >= gpu.QueueTypeCount {
		return nil, fmt.Errorf("create queue of type %d: %w", typ, gpu.ErrInvalidArgument)
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.queues++
	seed := d.opts.Seed + uint64(d.queues)
	d.mu.Unlock()
	return newQueue(d, typ, seed), nil
}

func (d *Device) CreateFence(initial uint64) (gpu.Fence, error) {
	if err := d.Err(); err != nil {
		return nil, err
	}
	f := newFence(d, initial)
	d.register(f)
	return f, nil
}

func (d *Device) CreateCommandAllocator(typ gpu.QueueType) (gpu.CommandAllocator, error) {
	if typ < 0 || typ >= gpu.QueueTypeCount {
		return nil, fmt.Errorf("create command allocator of type %d: %w", typ, gpu.ErrInvalidArgument)
	}
	return &allocator{typ: typ}, nil
}

func (d *Device) CreateCommandList(typ gpu.QueueType) (gpu.CommandList, error) {
	if typ < 0 || typ >= gpu.QueueTypeCount {
		return nil, fmt.Errorf("create command list of type %d: %w", typ, gpu.ErrInvalidArgument)
	}
	return &commandList{dev: d, typ: typ}, nil
}

func (d *Device) CreatePipeline(desc gpu.PipelineDesc) (gpu.Pipeline, error) {
	if desc.RenderTargetFormat == gpu.FormatUnknown {
		return nil, fmt.Errorf("create pipeline %q: no render target format: %w", desc.Name, gpu.ErrInvalidArgument)
	}
	return &pipeline{desc: desc}, nil
}

// Close loses the device, which wakes every waiter, and stops accepting
// work. Queues still have to be destroyed by their owners.
func (d *Device) Close() {
	d.lose(errDeviceClosed)
}

type pipeline struct {
	desc gpu.PipelineDesc
}

func (p *pipeline) Name() string { return p.desc.Name }
func (p *pipeline) Destroy()     {}
