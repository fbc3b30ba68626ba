// Package renderer holds the building blocks of the frame pipeline: fences
// that track GPU progress and command recorders bound to a queue class.
package renderer

import (
	"github.com/spaghettifunk/anima-rt/engine/config"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu/soft"
)

// NewDevice creates the GPU device described by cfg.
func NewDevice(cfg config.GPUConfig) gpu.Device {
	opts := soft.Options{
		Jitter:                       cfg.Jitter(),
		Seed:                         cfg.Seed,
		MemoryBudget:                 cfg.MemoryBudgetMB << 20,
		MaxAccelerationStructureSize: cfg.MaxASMB << 20,
	}
	opts.Latency[gpu.QueueCopy] = cfg.CopyLatency()
	opts.Latency[gpu.QueueDirect] = cfg.DirectLatency()
	core.LogInfo("creating software device (copy latency %s, direct latency %s)", opts.Latency[gpu.QueueCopy], opts.Latency[gpu.QueueDirect])
	return soft.New(opts)
}

// FlushQueue signals fence on queue and waits for it on the CPU, which
// drains everything submitted to queue so far.
func FlushQueue(queue gpu.Queue, fence *Fence) error {
	fence.Signal(queue)
	return fence.WaitCPU()
}
