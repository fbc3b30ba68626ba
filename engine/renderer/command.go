package renderer

import (
	"errors"
	"fmt"

	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
)

var ErrNothingToExecute = errors.New("no finished command list to execute")

type CommandRecorderState int

const (
	COMMAND_RECORDER_STATE_NOT_ALLOCATED CommandRecorderState = iota
	COMMAND_RECORDER_STATE_READY
	COMMAND_RECORDER_STATE_RECORDING
	COMMAND_RECORDER_STATE_RECORDING_ENDED
	COMMAND_RECORDER_STATE_SUBMITTED
)

func (s CommandRecorderState) String() string {
	switch s {
	case COMMAND_RECORDER_STATE_NOT_ALLOCATED:
		return "not_allocated"
	case COMMAND_RECORDER_STATE_READY:
		return "ready"
	case COMMAND_RECORDER_STATE_RECORDING:
		return "recording"
	case COMMAND_RECORDER_STATE_RECORDING_ENDED:
		return "recording_ended"
	case COMMAND_RECORDER_STATE_SUBMITTED:
		return "submitted"
	default:
		return "unknown"
	}
}

// CommandRecorder records into one command allocator for one queue class.
// A recording can be split into several lists with FinishActiveList(true);
// ExecuteCommands submits every finished list that was not submitted yet.
type CommandRecorder struct {
	device    gpu.Device
	queueType gpu.QueueType
	allocator gpu.CommandAllocator
	// lists is a pool; lists[:finished] are closed in this recording and
	// lists[:submitted] were executed.
	lists     []gpu.CommandList
	active    int
	finished  int
	submitted int
	State     CommandRecorderState
}

func NewCommandRecorder(device gpu.Device, queueType gpu.QueueType) (*CommandRecorder, error) {
	cr := &CommandRecorder{
		device:    device,
		queueType: queueType,
		active:    -1,
		State:     COMMAND_RECORDER_STATE_NOT_ALLOCATED,
	}
	allocator, err := device.CreateCommandAllocator(queueType)
	if err != nil {
		err = fmt.Errorf("failed to create %s command allocator: %w", queueType, err)
		core.LogError(err.Error())
		return nil, err
	}
	cr.allocator = allocator
	if _, err := cr.list(0); err != nil {
		allocator.Destroy()
		return nil, err
	}
	cr.State = COMMAND_RECORDER_STATE_READY
	return cr, nil
}

func (cr *CommandRecorder) QueueType() gpu.QueueType {
	return cr.queueType
}

// list returns the i-th pooled list, creating it if needed.
func (cr *CommandRecorder) list(i int) (gpu.CommandList, error) {
	for len(cr.lists) <= i {
		l, err := cr.device.CreateCommandList(cr.queueType)
		if err != nil {
			err = fmt.Errorf("failed to create %s command list: %w", cr.queueType, err)
			core.LogError(err.Error())
			return nil, err
		}
		cr.lists = append(cr.lists, l)
	}
	return cr.lists[i], nil
}

// Reset starts a new recording. It fails while the recorder is still open,
// and with gpu.ErrAllocatorInUse while the GPU has not retired the previous
// submission: callers wait on the matching fence first.
func (cr *CommandRecorder) Reset() error {
	switch cr.State {
	case COMMAND_RECORDER_STATE_NOT_ALLOCATED:
		return fmt.Errorf("reset of a destroyed %s recorder: %w", cr.queueType, gpu.ErrInvalidState)
	case COMMAND_RECORDER_STATE_RECORDING:
		return fmt.Errorf("reset of a %s recorder still recording: %w", cr.queueType, gpu.ErrInvalidState)
	}
	if err := cr.allocator.Reset(); err != nil {
		return fmt.Errorf("reset %s recorder: %w", cr.queueType, err)
	}
	if err := cr.lists[0].Reset(cr.allocator); err != nil {
		return fmt.Errorf("reset %s recorder: %w", cr.queueType, err)
	}
	cr.active, cr.finished, cr.submitted = 0, 0, 0
	cr.State = COMMAND_RECORDER_STATE_RECORDING
	return nil
}

// ActiveList returns the list open for recording, or nil outside of
// Reset/FinishActiveList.
func (cr *CommandRecorder) ActiveList() gpu.CommandList {
	if cr.State != COMMAND_RECORDER_STATE_RECORDING {
		return nil
	}
	return cr.lists[cr.active]
}

// FinishActiveList closes the open list. With keepOpen a fresh list is
// opened on the same allocator, so recording continues without a Reset.
func (cr *CommandRecorder) FinishActiveList(keepOpen bool) error {
	if cr.State != COMMAND_RECORDER_STATE_RECORDING {
		return fmt.Errorf("finish of a %s recorder in state %s: %w", cr.queueType, cr.State, gpu.ErrInvalidState)
	}
	if err := cr.lists[cr.active].Close(); err != nil {
		cr.State = COMMAND_RECORDER_STATE_RECORDING_ENDED
		err = fmt.Errorf("failed to close %s command list: %w", cr.queueType, err)
		core.LogError(err.Error())
		return err
	}
	cr.finished = cr.active + 1
	if !keepOpen {
		cr.active = -1
		cr.State = COMMAND_RECORDER_STATE_RECORDING_ENDED
		return nil
	}

	next, err := cr.list(cr.active + 1)
	if err != nil {
		cr.State = COMMAND_RECORDER_STATE_RECORDING_ENDED
		return err
	}
	if err := next.Reset(cr.allocator); err != nil {
		cr.State = COMMAND_RECORDER_STATE_RECORDING_ENDED
		return fmt.Errorf("reopen %s recorder: %w", cr.queueType, err)
	}
	cr.active++
	return nil
}

// ExecuteCommands submits the finished lists to queue, in recording order.
func (cr *CommandRecorder) ExecuteCommands(queue gpu.Queue) error {
	if cr.submitted == cr.finished {
		return fmt.Errorf("execute %s recorder: %w", cr.queueType, ErrNothingToExecute)
	}
	if err := queue.ExecuteCommandLists(cr.lists[cr.submitted:cr.finished]...); err != nil {
		err = fmt.Errorf("failed to execute %s command lists: %w", cr.queueType, err)
		core.LogError(err.Error())
		return err
	}
	cr.submitted = cr.finished
	if cr.State != COMMAND_RECORDER_STATE_RECORDING {
		cr.State = COMMAND_RECORDER_STATE_SUBMITTED
	}
	return nil
}

// Destroy releases the lists and the allocator. The GPU must be done with
// them.
func (cr *CommandRecorder) Destroy() {
	for _, l := range cr.lists {
		l.Destroy()
	}
	cr.lists = nil
	if cr.allocator != nil {
		cr.allocator.Destroy()
		cr.allocator = nil
	}
	cr.State = COMMAND_RECORDER_STATE_NOT_ALLOCATED
}
