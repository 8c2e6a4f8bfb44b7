// SPDX-License-Identifier: LGPL-3.0-or-later

package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/duskmesh/transport-core/transporterr"
)

func TestDropOldestDiscipline(t *testing.T) {
	q := New[int]("test", 2, DropOldest, 0)
	require.NoError(t, q.Send(1))
	require.NoError(t, q.Send(2))
	require.NoError(t, q.Send(3)) // drops 1

	v, ok := q.Recv()
	require.True(t, ok)
	assert.Equal(t, 2, v)

	v, ok = q.Recv()
	require.True(t, ok)
	assert.Equal(t, 3, v)

	assert.Equal(t, uint64(1), q.Stats().Dropped)
}

func TestDropNewestDiscipline(t *testing.T) {
	q := New[int]("test", 2, DropNewest, 0)
	require.NoError(t, q.Send(1))
	require.NoError(t, q.Send(2))
	require.NoError(t, q.Send(3)) // 3 is dropped

	v, _ := q.Recv()
	assert.Equal(t, 1, v)
	v, _ = q.Recv()
	assert.Equal(t, 2, v)
	assert.Equal(t, uint64(1), q.Stats().Dropped)
}

func TestRejectDiscipline(t *testing.T) {
	q := New[int]("test", 1, Reject, 0)
	require.NoError(t, q.Send(1))
	err := q.Send(2)
	assert.ErrorIs(t, err, transporterr.ErrQueueFull)
}

func TestTrySendAlwaysFullRegardlessOfDiscipline(t *testing.T) {
	q := New[int]("test", 1, DropOldest, 0)
	require.NoError(t, q.TrySend(1))
	err := q.TrySend(2)
	assert.ErrorIs(t, err, transporterr.ErrQueueFull)
}

func TestBackpressureTimesOutThenSucceedsAfterDrain(t *testing.T) {
	q := New[int]("test", 1, Backpressure, 20*time.Millisecond)
	require.NoError(t, q.Send(1))

	err := q.Send(2)
	assert.ErrorIs(t, err, transporterr.ErrQueueBackpressureTimeout)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		q.Recv()
	}()

	err = q.Send(3)
	wg.Wait()
	assert.NoError(t, err)
}

func TestSequenceOrderPreservedWithinSingleProducer(t *testing.T) {
	q := New[int]("test", 100, Reject, 0)
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Send(i))
	}
	for i := 0; i < 10; i++ {
		v, ok := q.Recv()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
}

func TestConcurrentProducersNeverExceedCapacity(t *testing.T) {
	q := New[int]("test", 50, DropOldest, 0)

	var g errgroup.Group
	for p := 0; p < 8; p++ {
		g.Go(func() error {
			for i := 0; i < 100; i++ {
				if err := q.Send(i); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	stats := q.Stats()
	assert.LessOrEqual(t, stats.CurrentSize, 50)
	assert.LessOrEqual(t, stats.HighWaterMark, 50)
	assert.Equal(t, uint64(800), stats.Enqueued)
}

func TestCloseDrainsThenStopsRecv(t *testing.T) {
	q := New[int]("test", 5, Reject, 0)
	require.NoError(t, q.Send(1))
	q.Close()

	v, ok := q.Recv()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = q.Recv()
	assert.False(t, ok)
}
