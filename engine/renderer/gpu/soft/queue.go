package soft

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/rand"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
)

// queueDepth bounds the number of items waiting on a queue. Submitting to a
// full queue blocks the caller.
const queueDepth = 256

type itemKind int

const (
	itemExecute itemKind = iota
	itemSignal
	itemWait
	itemPresent
)

// submission freezes the commands of a list at submit time, so the list can
// be reset and recorded again while it executes.
type submission struct {
	list     *commandList
	commands []command
}

type queueItem struct {
	kind        itemKind
	submissions []submission
	fence       *fence
	value       uint64
	present     *swapchain
	backBuffer  *texture
}

type queue struct {
	dev       *Device
	typ       gpu.QueueType
	rng       *rand.Rand
	mu        sync.Mutex
	items     chan queueItem
	done      chan struct{}
	destroyed atomic.Bool
}

var _ gpu.Queue = (*queue)(nil)

func newQueue(dev *Device, typ gpu.QueueType, seed uint64) *queue {
	q := &queue{
		dev:   dev,
		typ:   typ,
		rng:   rand.New(rand.NewSource(seed)),
		items: make(chan queueItem, queueDepth),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *queue) Type() gpu.QueueType {
	return q.typ
}

func (q *queue) push(item queueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed.Load() {
		return gpu.ErrQueueDestroyed
	}
	if err := q.dev.Err(); err != nil {
		return err
	}
	q.items <- item
	return nil
}

func (q *queue) ExecuteCommandLists(lists ...gpu.CommandList) error {
	if q.destroyed.Load() {
		return gpu.ErrQueueDestroyed
	}
	subs := make([]submission, 0, len(lists))
	for _, l := range lists {
		cl, ok := l.(*commandList)
		if !ok {
			return fmt.Errorf("execute on %s queue: %w", q.typ, errForeignResource)
		}
		if cl.typ != q.typ {
			return fmt.Errorf("execute %s list on %s queue: %w", cl.typ, q.typ, gpu.ErrInvalidArgument)
		}
		if cl.state != listClosed || cl.alloc == nil || cl.err != nil {
			return fmt.Errorf("execute on %s queue: %w", q.typ, gpu.ErrListNotClosed)
		}
		subs = append(subs, submission{list: cl, commands: cl.commands})
	}
	for _, s := range subs {
		s.list.alloc.pending.Add(1)
	}
	if err := q.push(queueItem{kind: itemExecute, submissions: subs}); err != nil {
		for _, s := range subs {
			s.list.alloc.pending.Add(-1)
		}
		return err
	}
	q.dev.stats.submissions[q.typ].Add(1)
	return nil
}

func (q *queue) Signal(f gpu.Fence, value uint64) error {
	sf, ok := f.(*fence)
	if !ok {
		return errForeignResource
	}
	return q.push(queueItem{kind: itemSignal, fence: sf, value: value})
}

func (q *queue) Wait(f gpu.Fence, value uint64) error {
	sf, ok := f.(*fence)
	if !ok {
		return errForeignResource
	}
	return q.push(queueItem{kind: itemWait, fence: sf, value: value})
}

// Destroy drains the queue and stops its goroutine.
func (q *queue) Destroy() {
	q.mu.Lock()
	if q.destroyed.Swap(true) {
		q.mu.Unlock()
		return
	}
	close(q.items)
	q.mu.Unlock()
	<-q.done
}

func (q *queue) run() {
	defer close(q.done)
	for item := range q.items {
		q.delay(item.kind)
		if q.dev.Err() != nil {
			q.discard(item)
			continue
		}
		if err := q.process(item); err != nil {
			q.dev.lose(fmt.Errorf("%s queue: %w", q.typ, err))
		}
	}
}

func (q *queue) delay(kind itemKind) {
	d := time.Duration(0)
	if kind == itemExecute {
		d += q.dev.opts.Latency[q.typ]
	}
	if j := q.dev.opts.Jitter; j > 0 {
		d += time.Duration(q.rng.Int63n(int64(j)))
	}
	if d > 0 {
		time.Sleep(d)
	}
}

// discard releases what an item holds once the device is lost.
func (q *queue) discard(item queueItem) {
	for _, s := range item.submissions {
		s.list.alloc.pending.Add(-1)
	}
	if item.kind == itemPresent {
		item.present.retire()
	}
}

func (q *queue) process(item queueItem) error {
	switch item.kind {
	case itemExecute:
		for i, s := range item.submissions {
			err := s.list.execute(s.commands)
			s.list.alloc.pending.Add(-1)
			q.dev.stats.executedLists.Add(1)
			if err != nil {
				for _, rest := range item.submissions[i+1:] {
					rest.list.alloc.pending.Add(-1)
				}
				return err
			}
		}
	case itemSignal:
		item.fence.signal(item.value)
		q.dev.stats.signals.Add(1)
	case itemWait:
		if err := item.fence.WaitCPU(item.value); err != nil {
			return err
		}
	case itemPresent:
		defer item.present.retire()
		if err := item.backBuffer.require(item.backBuffer.desc.Name, gpu.StatePresent); err != nil {
			return fmt.Errorf("present: %w", err)
		}
		q.dev.stats.presents.Add(1)
		core.LogDebug("present %s", item.backBuffer.desc.Name)
	}
	return nil
}
