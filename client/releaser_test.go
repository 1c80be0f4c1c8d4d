// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package client

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/xrt/internal/metrics"
	"github.com/gomlx/xrt/transport"
	"github.com/gomlx/xrt/transport/transporttest"
)

func TestTriggeredTask(t *testing.T) {
	var runs atomic.Int32
	started := make(chan struct{})
	task := newTriggeredTask(func() {
		runs.Add(1)
		select {
		case <-started:
		default:
			close(started)
		}
	})

	task.trigger()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("triggered task never ran")
	}

	// Stop performs one final run and waits for the loop to exit.
	before := runs.Load()
	task.stop()
	require.GreaterOrEqual(t, runs.Load(), before+1)
}

func TestTriggeredTaskCoalesces(t *testing.T) {
	block := make(chan struct{})
	var runs atomic.Int32
	task := newTriggeredTask(func() {
		runs.Add(1)
		<-block
	})

	task.trigger()
	require.Eventually(t, func() bool { return runs.Load() == 1 }, 5*time.Second, time.Millisecond)
	// While the task body is blocked, many triggers coalesce into one wake.
	for i := 0; i < 10; i++ {
		task.trigger()
	}
	close(block)
	task.stop()
	// One blocked run, one coalesced run, one final run on stop.
	require.LessOrEqual(t, runs.Load(), int32(3))
}

func releasedCount(batches [][]int64) int {
	n := 0
	for _, batch := range batches {
		n += len(batch)
	}
	return n
}

func TestReleaseIsAsyncAndBatched(t *testing.T) {
	cluster := transporttest.NewCluster()
	c := newTestClient(t, cluster, testOptions())
	worker0 := cluster.Worker(worker0Endpoint)

	literals := []*transport.Literal{scalarF32(1), scalarF32(2), scalarF32(3)}
	datas, err := c.TransferToServer(literals, "TPU:0")
	require.NoError(t, err)
	require.Equal(t, 3, worker0.NumLiveData())

	for _, data := range datas {
		data.Release()
	}
	require.Eventually(t, func() bool {
		return c.PendingReleases() == 0 && worker0.NumLiveData() == 0
	}, 5*time.Second, time.Millisecond, "background releaser must drain the queue")

	// Each release RPC carried a batch, never one RPC per handle more than
	// the enqueues themselves forced.
	batches := worker0.ReleasedDataBatches()
	require.Equal(t, 3, releasedCount(batches))
	require.LessOrEqual(t, len(batches), 3)
}

func TestReleaseFailureIsLoggedNotSurfaced(t *testing.T) {
	cluster := transporttest.NewCluster()
	c := newTestClient(t, cluster, testOptions())
	worker0 := cluster.Worker(worker0Endpoint)

	datas, err := c.TransferToServer([]*transport.Literal{scalarF32(1)}, "TPU:0")
	require.NoError(t, err)

	failuresBefore := metrics.Collect()["xrt_release_failures_total"].Value
	worker0.FailAllRuns(errors.New("injected release failure"))
	datas[0].Release()
	require.Eventually(t, func() bool {
		return c.PendingReleases() == 0
	}, 5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return metrics.Collect()["xrt_release_failures_total"].Value > failuresBefore
	}, 5*time.Second, time.Millisecond)

	// The failed batch leaked its handle remotely but the client stays
	// fully usable.
	worker0.FailAllRuns(nil)
	require.Equal(t, 1, worker0.NumLiveData())
	more, err := c.TransferToServer([]*transport.Literal{scalarF32(9)}, "TPU:0")
	require.NoError(t, err)
	require.Equal(t, []float32{9}, readScalars(t, c, more))
}

func TestReleaseAfterCloseIsDropped(t *testing.T) {
	cluster := transporttest.NewCluster()
	c := newTestClient(t, cluster, testOptions())

	datas, err := c.TransferToServer([]*transport.Literal{scalarF32(1)}, "TPU:0")
	require.NoError(t, err)
	require.NoError(t, c.Close())

	droppedBefore := metrics.Collect()["xrt_dropped_releases_total"].Value
	datas[0].Release()
	require.Equal(t, droppedBefore+1, metrics.Collect()["xrt_dropped_releases_total"].Value)
	require.Equal(t, 0, c.PendingReleases())
}

func TestCloseFlushesPendingReleases(t *testing.T) {
	cluster := transporttest.NewCluster()
	c := newTestClient(t, cluster, testOptions())
	worker0 := cluster.Worker(worker0Endpoint)

	comp, err := c.Compile(addProgram("add2", 2).Serialize(), []string{"TPU:0"})
	require.NoError(t, err)
	comp.Release()
	require.Equal(t, 1, worker0.NumLivePrograms(), "compilation cache still owns the program")

	// Close drops the cache reference and flushes the resulting release
	// before tearing the sessions down.
	require.NoError(t, c.Close())
	require.Equal(t, 0, worker0.NumLivePrograms())
	require.Equal(t, 1, releasedCount(worker0.ReleasedProgramBatches()))
}
