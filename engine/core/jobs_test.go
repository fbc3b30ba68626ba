package core

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobSystemRejectsBadSizes(t *testing.T) {
	_, err := NewJobSystem(0, 1)
	assert.ErrorIs(t, err, ErrNoWorkers)
	_, err = NewJobSystem(1, -1)
	assert.ErrorIs(t, err, ErrNegativeChannelSize)
}

func TestJobSystemRunsEveryJob(t *testing.T) {
	js, err := NewJobSystem(4, 0)
	require.NoError(t, err)

	boom := errors.New("boom")
	var ran, completed, failed atomic.Int32
	for i := 0; i < 20; i++ {
		i := i
		js.Submit(JobTask{
			Run: func() error {
				ran.Add(1)
				if i%5 == 0 {
					return boom
				}
				return nil
			},
			OnComplete: func() { completed.Add(1) },
			OnFailure: func(err error) {
				assert.ErrorIs(t, err, boom)
				failed.Add(1)
			},
		})
	}
	require.NoError(t, js.Shutdown())
	assert.EqualValues(t, 20, ran.Load())
	assert.EqualValues(t, 16, completed.Load())
	assert.EqualValues(t, 4, failed.Load())

	// A second shutdown does not close the queue again.
	assert.NoError(t, js.Shutdown())
}
