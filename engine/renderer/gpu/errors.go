package gpu

import "errors"

var (
	ErrDeviceLost      = errors.New("gpu: device lost")
	ErrQueueDestroyed  = errors.New("gpu: queue destroyed")
	ErrNotMappable     = errors.New("gpu: resource is not CPU visible")
	ErrDeviceLimit     = errors.New("gpu: device limit exceeded")
	ErrAllocatorInUse  = errors.New("gpu: command allocator still in use")
	ErrListNotClosed   = errors.New("gpu: command list is not closed")
	ErrListClosed      = errors.New("gpu: command list is closed")
	ErrMissingBarrier  = errors.New("gpu: missing UAV barrier")
	ErrInvalidState    = errors.New("gpu: invalid resource state")
	ErrOutOfMemory     = errors.New("gpu: out of device memory")
	ErrInvalidArgument = errors.New("gpu: invalid argument")
)

// ErrMapFailed is returned by Map when the CPU view could not be obtained.
var ErrMapFailed = errors.New("gpu: map failed")
