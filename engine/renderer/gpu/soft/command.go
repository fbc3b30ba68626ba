package soft

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
)

type allocator struct {
	typ     gpu.QueueType
	pending atomic.Int64
}

var _ gpu.CommandAllocator = (*allocator)(nil)

func (a *allocator) Type() gpu.QueueType { return a.typ }

func (a *allocator) Reset() error {
	if a.pending.Load() > 0 {
		return gpu.ErrAllocatorInUse
	}
	return nil
}

func (a *allocator) Destroy() {}

type listState int

const (
	listClosed listState = iota
	listRecording
)

// command is one recorded operation. It runs on the queue goroutine.
type command func(ctx *execContext) error

type commandList struct {
	dev      *Device
	typ      gpu.QueueType
	state    listState
	alloc    *allocator
	commands []command
	err      error
}

var _ gpu.CommandList = (*commandList)(nil)

func (l *commandList) Type() gpu.QueueType { return l.typ }

func (l *commandList) Reset(a gpu.CommandAllocator) error {
	if l.state == listRecording {
		return fmt.Errorf("reset %s list while recording: %w", l.typ, gpu.ErrInvalidState)
	}
	sa, ok := a.(*allocator)
	if !ok {
		return errForeignResource
	}
	if sa.typ != l.typ {
		return fmt.Errorf("reset %s list with %s allocator: %w", l.typ, sa.typ, gpu.ErrInvalidArgument)
	}
	l.alloc = sa
	l.state = listRecording
	l.commands = nil
	l.err = nil
	return nil
}

func (l *commandList) Close() error {
	if l.state != listRecording {
		return gpu.ErrListClosed
	}
	l.state = listClosed
	return l.err
}

func (l *commandList) Destroy() {
	l.commands = nil
	l.alloc = nil
}

// fail keeps the first recording error; Close reports it.
func (l *commandList) fail(err error) {
	if l.err == nil {
		l.err = err
	}
}

func (l *commandList) record(direct bool, c command) {
	if l.state != listRecording {
		l.fail(gpu.ErrListClosed)
		return
	}
	if direct && l.typ != gpu.QueueDirect {
		l.fail(fmt.Errorf("%s list: %w", l.typ, errWrongQueueClass))
		return
	}
	l.commands = append(l.commands, c)
}

func (l *commandList) CopyBufferRegion(dst gpu.Buffer, dstOffset uint64, src gpu.Buffer, srcOffset uint64, size uint64) {
	db, ok1 := dst.(*buffer)
	sb, ok2 := src.(*buffer)
	if !ok1 || !ok2 {
		l.fail(errForeignResource)
		return
	}
	if dstOffset+size > db.desc.Size || srcOffset+size > sb.desc.Size {
		l.fail(fmt.Errorf("copy %d bytes %q+%d -> %q+%d: %w", size, sb.desc.Name, srcOffset, db.desc.Name, dstOffset, gpu.ErrInvalidArgument))
		return
	}
	l.record(false, func(ctx *execContext) error {
		if db.destroyed.Load() || sb.destroyed.Load() {
			return fmt.Errorf("copy %q -> %q: %w", sb.desc.Name, db.desc.Name, errNotBacked)
		}
		copy(db.data[dstOffset:dstOffset+size], sb.data[srcOffset:srcOffset+size])
		ctx.dev.stats.copies.Add(1)
		return nil
	})
}

func (l *commandList) CopyTextureRegion(dst gpu.Texture, mip uint32, src gpu.Buffer, srcOffset uint64) {
	dt, ok1 := dst.(*texture)
	sb, ok2 := src.(*buffer)
	if !ok1 || !ok2 {
		l.fail(errForeignResource)
		return
	}
	if mip >= uint32(len(dt.mips)) {
		l.fail(fmt.Errorf("copy to mip %d of %q: %w", mip, dt.desc.Name, gpu.ErrInvalidArgument))
		return
	}
	size := MipSize(dt.desc, mip)
	if srcOffset+size > sb.desc.Size {
		l.fail(fmt.Errorf("copy mip %d of %q: source too small: %w", mip, dt.desc.Name, gpu.ErrInvalidArgument))
		return
	}
	l.record(false, func(ctx *execContext) error {
		if err := dt.require(dt.desc.Name, gpu.StateCopyDest); err != nil {
			return err
		}
		copy(dt.mips[mip], sb.data[srcOffset:srcOffset+size])
		ctx.dev.stats.copies.Add(1)
		return nil
	})
}

func (l *commandList) ResourceBarrier(barriers ...gpu.ResourceBarrier) {
	for _, b := range barriers {
		if b.Type == gpu.BarrierUAV {
			var target *buffer
			if b.Resource != nil {
				sb, ok := b.Resource.(*buffer)
				if !ok {
					l.fail(fmt.Errorf("UAV barrier on %q: %w", b.Resource.Name(), gpu.ErrInvalidArgument))
					return
				}
				target = sb
			}
			l.record(false, func(ctx *execContext) error {
				ctx.flushWrites(target)
				return nil
			})
			continue
		}
		tracker, err := trackerOf(b.Resource)
		if err != nil {
			l.fail(err)
			return
		}
		l.record(false, func(ctx *execContext) error {
			return tracker.transition(b.Resource.Name(), b.Before, b.After)
		})
	}
}

func (l *commandList) ClearRenderTarget(target gpu.Texture, color [4]float32) {
	t, ok := target.(*texture)
	if !ok {
		l.fail(errForeignResource)
		return
	}
	l.record(true, func(ctx *execContext) error {
		if err := t.require(t.desc.Name, gpu.StateRenderTarget); err != nil {
			return fmt.Errorf("clear render target: %w", err)
		}
		var texel [4]byte
		for i, c := range color {
			texel[i] = uint8(math.Round(float64(min(max(c, 0), 1)) * 255))
		}
		if t.desc.Format == gpu.FormatBGRA8Unorm {
			texel[0], texel[2] = texel[2], texel[0]
		}
		fill(t.mips[0], texel[:])
		return nil
	})
}

func (l *commandList) ClearDepth(target gpu.Texture, depth float32) {
	t, ok := target.(*texture)
	if !ok {
		l.fail(errForeignResource)
		return
	}
	l.record(true, func(ctx *execContext) error {
		if err := t.require(t.desc.Name, gpu.StateDepthWrite); err != nil {
			return fmt.Errorf("clear depth: %w", err)
		}
		var texel [4]byte
		binary.LittleEndian.PutUint32(texel[:], math.Float32bits(depth))
		fill(t.mips[0], texel[:])
		return nil
	})
}

func fill(dst, pattern []byte) {
	for i := 0; i+len(pattern) <= len(dst); i += len(pattern) {
		copy(dst[i:], pattern)
	}
}

func (l *commandList) SetPipelineState(p gpu.Pipeline) {
	sp, ok := p.(*pipeline)
	if !ok {
		l.fail(errForeignResource)
		return
	}
	l.record(true, func(ctx *execContext) error {
		ctx.pipeline = sp
		return nil
	})
}

func (l *commandList) SetRenderTargets(target gpu.Texture, depth gpu.Texture) {
	rt, ok := target.(*texture)
	if !ok {
		l.fail(errForeignResource)
		return
	}
	var ds *texture
	if depth != nil {
		if ds, ok = depth.(*texture); !ok {
			l.fail(errForeignResource)
			return
		}
	}
	l.record(true, func(ctx *execContext) error {
		ctx.renderTarget = rt
		ctx.depth = ds
		return nil
	})
}

func (l *commandList) SetRootConstantBuffer(slot uint32, address gpu.GPUAddress) {
	if uint64(address)%placementAlignment != 0 {
		l.fail(fmt.Errorf("constant buffer 0x%x is not %d byte aligned: %w", address, placementAlignment, gpu.ErrInvalidArgument))
		return
	}
	l.record(true, func(ctx *execContext) error {
		if _, _, err := ctx.dev.resolve(address, 1); err != nil {
			return fmt.Errorf("root constant buffer %d: %w", slot, err)
		}
		ctx.constantBuffers[slot] = address
		return nil
	})
}

func (l *commandList) SetRootShaderResource(slot uint32, address gpu.GPUAddress) {
	l.record(true, func(ctx *execContext) error {
		if err := ctx.checkRead(address); err != nil {
			return fmt.Errorf("root shader resource %d: %w", slot, err)
		}
		if _, err := ctx.dev.header(address); err != nil {
			return fmt.Errorf("root shader resource %d: %w", slot, err)
		}
		ctx.shaderResources[slot] = address
		return nil
	})
}

func (l *commandList) Draw(vertexCount, instanceCount uint32) {
	l.record(true, func(ctx *execContext) error {
		if ctx.pipeline == nil {
			return fmt.Errorf("draw without pipeline: %w", gpu.ErrInvalidState)
		}
		if ctx.renderTarget == nil {
			return fmt.Errorf("draw without render target: %w", gpu.ErrInvalidState)
		}
		if err := ctx.renderTarget.require(ctx.renderTarget.desc.Name, gpu.StateRenderTarget); err != nil {
			return fmt.Errorf("draw: %w", err)
		}
		if ctx.depth != nil {
			if err := ctx.depth.require(ctx.depth.desc.Name, gpu.StateDepthWrite); err != nil {
				return fmt.Errorf("draw: %w", err)
			}
		}
		if uint32(len(ctx.constantBuffers)) < ctx.pipeline.desc.RootConstantBuffers {
			return fmt.Errorf("draw with %d of %d root constant buffers bound: %w",
				len(ctx.constantBuffers), ctx.pipeline.desc.RootConstantBuffers, gpu.ErrInvalidState)
		}
		if uint32(len(ctx.shaderResources)) < ctx.pipeline.desc.RootShaderResources {
			return fmt.Errorf("draw with %d of %d root shader resources bound: %w",
				len(ctx.shaderResources), ctx.pipeline.desc.RootShaderResources, gpu.ErrInvalidState)
		}
		if vertexCount > 0 && instanceCount > 0 {
			ctx.dev.stats.draws.Add(1)
		}
		return nil
	})
}

func (l *commandList) BuildRaytracingAccelerationStructure(desc *gpu.BuildDesc) {
	d := *desc
	d.Inputs.Geometries = append([]gpu.GeometryTriangles(nil), desc.Inputs.Geometries...)
	l.record(false, func(ctx *execContext) error {
		return ctx.build(&d)
	})
}

// span is a range of device memory written by a build.
type span struct {
	start, end gpu.GPUAddress
}

// execContext is the state of one command list execution. Root bindings
// and unordered writes do not carry over to the next list.
type execContext struct {
	dev             *Device
	pipeline        *pipeline
	renderTarget    *texture
	depth           *texture
	constantBuffers map[uint32]gpu.GPUAddress
	shaderResources map[uint32]gpu.GPUAddress
	writes          []span
}

func (l *commandList) execute(commands []command) error {
	ctx := &execContext{
		dev:             l.dev,
		constantBuffers: make(map[uint32]gpu.GPUAddress),
		shaderResources: make(map[uint32]gpu.GPUAddress),
	}
	for i, c := range commands {
		if err := c(ctx); err != nil {
			return fmt.Errorf("%s list command %d: %w", l.typ, i, err)
		}
	}
	return nil
}

func (ctx *execContext) addWrite(start gpu.GPUAddress, size uint64) {
	ctx.writes = append(ctx.writes, span{start: start, end: start + gpu.GPUAddress(size)})
}

// flushWrites completes the writes overlapping b, or every write if b is nil.
func (ctx *execContext) flushWrites(b *buffer) {
	if b == nil {
		ctx.writes = ctx.writes[:0]
		return
	}
	kept := ctx.writes[:0]
	for _, w := range ctx.writes {
		if w.end <= b.addr || w.start >= b.end() {
			kept = append(kept, w)
		}
	}
	ctx.writes = kept
}

// checkRead fails if addr was written by a build of this list that no UAV
// barrier completed yet.
func (ctx *execContext) checkRead(addr gpu.GPUAddress) error {
	for _, w := range ctx.writes {
		if addr >= w.start && addr < w.end {
			return fmt.Errorf("read of 0x%x: %w", addr, gpu.ErrMissingBarrier)
		}
	}
	return nil
}
