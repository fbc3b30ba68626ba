package soft

import "errors"

var (
	errDeviceClosed     = errors.New("device closed")
	errNotBacked        = errors.New("address range is not backed by a live buffer")
	errForeignResource  = errors.New("resource was not created by this device")
	errWrongQueueClass  = errors.New("command not supported by the queue class")
	errDestinationSmall = errors.New("destination smaller than prebuild size")
)
