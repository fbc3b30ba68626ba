package containers

import "fmt"

// FrameObject holds one instance of T per in-flight frame. Exactly one slot
// is active at a time. FrameObject never waits on the GPU: callers must make
// sure the slot returned by Next has retired before they call SwapFrame and
// touch it.
type FrameObject[T any] struct {
	slots  []T
	active int
}

func NewFrameObject[T any](frames int) *FrameObject[T] {
	if frames <= 0 {
		panic(fmt.Sprintf("containers: frame count must be positive, got %d", frames))
	}
	return &FrameObject[T]{slots: make([]T, frames)}
}

// Initialize fills every slot with the result of factory. The first error
// stops initialization and is returned with the failing slot.
func (fo *FrameObject[T]) Initialize(factory func(slot int) (T, error)) error {
	for i := range fo.slots {
		v, err := factory(i)
		if err != nil {
			return fmt.Errorf("frame slot %d: %w", i, err)
		}
		fo.slots[i] = v
	}
	return nil
}

func (fo *FrameObject[T]) Active() *T {
	return &fo.slots[fo.active]
}

func (fo *FrameObject[T]) ActiveIndex() int {
	return fo.active
}

// Next returns the slot that the following SwapFrame makes active.
func (fo *FrameObject[T]) Next() *T {
	return &fo.slots[fo.NextIndex()]
}

func (fo *FrameObject[T]) NextIndex() int {
	return (fo.active + 1) % len(fo.slots)
}

func (fo *FrameObject[T]) SwapFrame() {
	fo.active = fo.NextIndex()
}

func (fo *FrameObject[T]) Count() int {
	return len(fo.slots)
}

// Get returns the slot at index i regardless of which one is active.
func (fo *FrameObject[T]) Get(i int) *T {
	return &fo.slots[i]
}

// Each calls fn for every slot in index order.
func (fo *FrameObject[T]) Each(fn func(slot int, v *T)) {
	for i := range fo.slots {
		fn(i, &fo.slots[i])
	}
}
