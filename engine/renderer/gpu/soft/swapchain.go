package soft

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/anima-rt/engine/containers"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
)

type swapchain struct {
	dev     *Device
	queue   *queue
	desc    gpu.SwapchainDesc
	buffers []*texture
	current int

	// inFlight holds the back buffers queued for presentation. Present
	// blocks while every back buffer is in flight.
	mu       sync.Mutex
	cond     *sync.Cond
	inFlight *containers.RingQueue[int]
}

var _ gpu.Swapchain = (*swapchain)(nil)

func (d *Device) CreateSwapchain(q gpu.Queue, desc gpu.SwapchainDesc) (gpu.Swapchain, error) {
	sq, ok := q.(*queue)
	if !ok {
		return nil, errForeignResource
	}
	if sq.typ != gpu.QueueDirect {
		return nil, fmt.Errorf("swapchain on %s queue: %w", sq.typ, gpu.ErrInvalidArgument)
	}
	if desc.BufferCount < 2 {
		return nil, fmt.Errorf("swapchain with %d buffers: %w", desc.BufferCount, gpu.ErrInvalidArgument)
	}
	if desc.Format == gpu.FormatUnknown {
		desc.Format = gpu.FormatRGBA8Unorm
	}
	sc := &swapchain{
		dev:      d,
		queue:    sq,
		desc:     desc,
		inFlight: containers.NewRingQueue[int](desc.BufferCount),
	}
	sc.cond = sync.NewCond(&sc.mu)
	if err := sc.createBuffers(); err != nil {
		return nil, err
	}
	d.register(sc)
	return sc, nil
}

func (sc *swapchain) createBuffers() error {
	sc.buffers = make([]*texture, sc.desc.BufferCount)
	for i := range sc.buffers {
		t, err := sc.dev.CreateTexture(gpu.TextureDesc{
			Name:         fmt.Sprintf("back_buffer_%d", i),
			Width:        sc.desc.Width,
			Height:       sc.desc.Height,
			MipLevels:    1,
			Format:       sc.desc.Format,
			Flags:        gpu.TextureRenderTarget,
			InitialState: gpu.StatePresent,
		})
		if err != nil {
			sc.destroyBuffers()
			return fmt.Errorf("create swapchain buffers: %w", err)
		}
		sc.buffers[i] = t.(*texture)
	}
	sc.current = 0
	return nil
}

func (sc *swapchain) destroyBuffers() {
	for _, b := range sc.buffers {
		if b != nil {
			b.Destroy()
		}
	}
	sc.buffers = nil
}

func (sc *swapchain) CurrentBackBufferIndex() int {
	return sc.current
}

func (sc *swapchain) CurrentBackBuffer() gpu.Texture {
	return sc.buffers[sc.current]
}

func (sc *swapchain) BufferCount() int {
	return sc.desc.BufferCount
}

func (sc *swapchain) Present() error {
	sc.mu.Lock()
	for sc.inFlight.IsFull() {
		if err := sc.dev.Err(); err != nil {
			sc.mu.Unlock()
			return err
		}
		sc.cond.Wait()
	}
	if err := sc.inFlight.Enqueue(sc.current); err != nil {
		sc.mu.Unlock()
		return err
	}
	sc.mu.Unlock()

	item := queueItem{kind: itemPresent, present: sc, backBuffer: sc.buffers[sc.current]}
	if err := sc.queue.push(item); err != nil {
		sc.retire()
		return fmt.Errorf("present: %w", err)
	}
	sc.current = (sc.current + 1) % len(sc.buffers)
	return nil
}

// retire releases the oldest in-flight back buffer.
func (sc *swapchain) retire() {
	sc.mu.Lock()
	_, _ = sc.inFlight.Dequeue()
	sc.cond.Broadcast()
	sc.mu.Unlock()
}

func (sc *swapchain) wake() {
	sc.mu.Lock()
	sc.cond.Broadcast()
	sc.mu.Unlock()
}

func (sc *swapchain) Resize(width, height uint32) error {
	sc.mu.Lock()
	busy := !sc.inFlight.IsEmpty()
	sc.mu.Unlock()
	if busy {
		return fmt.Errorf("resize with presents in flight: %w", gpu.ErrInvalidState)
	}
	sc.destroyBuffers()
	sc.desc.Width, sc.desc.Height = width, height
	return sc.createBuffers()
}

func (sc *swapchain) Destroy() {
	sc.dev.unregister(sc)
	sc.destroyBuffers()
}
