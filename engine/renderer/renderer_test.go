package renderer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-rt/engine/config"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu/soft"
)

func newQueues(t *testing.T, opts soft.Options) (gpu.Device, gpu.Queue, gpu.Queue) {
	t.Helper()
	dev := soft.New(opts)
	copyQueue, err := dev.CreateQueue(gpu.QueueCopy)
	require.NoError(t, err)
	directQueue, err := dev.CreateQueue(gpu.QueueDirect)
	require.NoError(t, err)
	t.Cleanup(func() {
		dev.Close()
		copyQueue.Destroy()
		directQueue.Destroy()
	})
	return dev, copyQueue, directQueue
}

func TestFenceSignalIsMonotonic(t *testing.T) {
	dev, _, direct := newQueues(t, soft.Options{})
	f, err := NewFence(dev)
	require.NoError(t, err)

	assert.True(t, f.Completed())
	for want := uint64(1); want <= 5; want++ {
		assert.Equal(t, want, f.Signal(direct))
	}
	require.NoError(t, f.WaitCPU())
	assert.True(t, f.Completed())
	assert.Equal(t, uint64(5), f.CompletedValue())
	assert.Equal(t, uint64(5), f.LastSignaled())
}

func TestFenceWaitGPUOrdersQueues(t *testing.T) {
	lat := [gpu.QueueTypeCount]time.Duration{}
	lat[gpu.QueueCopy] = 30 * time.Millisecond
	dev, copyQueue, direct := newQueues(t, soft.Options{Latency: lat})

	upload, err := NewCommandRecorder(dev, gpu.QueueCopy)
	require.NoError(t, err)
	copyFence, err := NewFence(dev)
	require.NoError(t, err)
	endFence, err := NewFence(dev)
	require.NoError(t, err)

	require.NoError(t, upload.Reset())
	require.NoError(t, upload.FinishActiveList(false))
	require.NoError(t, upload.ExecuteCommands(copyQueue))
	copyFence.Signal(copyQueue)

	copyFence.WaitGPU(direct)
	endFence.Signal(direct)

	require.NoError(t, endFence.WaitCPU())
	assert.True(t, copyFence.Completed(), "direct queue retired before the copy it waited on")
}

func TestFencePanicsOnDestroyedQueue(t *testing.T) {
	dev, copyQueue, _ := newQueues(t, soft.Options{})
	f, err := NewFence(dev)
	require.NoError(t, err)
	copyQueue.Destroy()

	assert.Panics(t, func() { f.Signal(copyQueue) })
	assert.Panics(t, func() { f.WaitGPU(copyQueue) })
}

func TestCommandRecorderLifecycle(t *testing.T) {
	dev, _, direct := newQueues(t, soft.Options{})
	cr, err := NewCommandRecorder(dev, gpu.QueueDirect)
	require.NoError(t, err)
	defer cr.Destroy()
	f, err := NewFence(dev)
	require.NoError(t, err)

	assert.Equal(t, COMMAND_RECORDER_STATE_READY, cr.State)
	assert.Nil(t, cr.ActiveList())
	assert.ErrorIs(t, cr.FinishActiveList(false), gpu.ErrInvalidState)
	assert.ErrorIs(t, cr.ExecuteCommands(direct), ErrNothingToExecute)

	require.NoError(t, cr.Reset())
	first := cr.ActiveList()
	require.NotNil(t, first)
	assert.ErrorIs(t, cr.Reset(), gpu.ErrInvalidState)

	require.NoError(t, cr.FinishActiveList(true))
	second := cr.ActiveList()
	require.NotNil(t, second)
	assert.NotSame(t, first, second)
	require.NoError(t, cr.ExecuteCommands(direct))
	assert.Equal(t, COMMAND_RECORDER_STATE_RECORDING, cr.State)

	require.NoError(t, cr.FinishActiveList(false))
	assert.Nil(t, cr.ActiveList())
	require.NoError(t, cr.ExecuteCommands(direct))
	assert.Equal(t, COMMAND_RECORDER_STATE_SUBMITTED, cr.State)
	assert.ErrorIs(t, cr.ExecuteCommands(direct), ErrNothingToExecute)

	require.NoError(t, FlushQueue(direct, f))
	assert.Equal(t, uint64(2), dev.Stats().Submissions[gpu.QueueDirect])
	assert.Equal(t, uint64(2), dev.Stats().ExecutedLists)
	require.NoError(t, cr.Reset())
}

func TestCommandRecorderResetWaitsForRetirement(t *testing.T) {
	lat := [gpu.QueueTypeCount]time.Duration{}
	lat[gpu.QueueDirect] = 50 * time.Millisecond
	dev, _, direct := newQueues(t, soft.Options{Latency: lat})
	cr, err := NewCommandRecorder(dev, gpu.QueueDirect)
	require.NoError(t, err)
	f, err := NewFence(dev)
	require.NoError(t, err)

	require.NoError(t, cr.Reset())
	require.NoError(t, cr.FinishActiveList(false))
	require.NoError(t, cr.ExecuteCommands(direct))
	f.Signal(direct)

	assert.ErrorIs(t, cr.Reset(), gpu.ErrAllocatorInUse)
	require.NoError(t, f.WaitCPU())
	assert.NoError(t, cr.Reset())
}

func TestCommandRecorderWrongQueue(t *testing.T) {
	dev, copyQueue, _ := newQueues(t, soft.Options{})
	cr, err := NewCommandRecorder(dev, gpu.QueueDirect)
	require.NoError(t, err)

	require.NoError(t, cr.Reset())
	require.NoError(t, cr.FinishActiveList(false))
	assert.ErrorIs(t, cr.ExecuteCommands(copyQueue), gpu.ErrInvalidArgument)
}

func TestNewDeviceFromConfig(t *testing.T) {
	dev := NewDevice(config.GPUConfig{MemoryBudgetMB: 1})
	defer dev.Close()
	_, err := dev.CreateBuffer(gpu.BufferDesc{Name: "too_big", Size: 2 << 20})
	assert.ErrorIs(t, err, gpu.ErrOutOfMemory)
}
