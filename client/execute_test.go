// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package client

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/xrt/shapes"
	"github.com/gomlx/xrt/transport"
	"github.com/gomlx/xrt/transport/transporttest"
)

func TestExecuteEndToEnd(t *testing.T) {
	cluster := transporttest.NewCluster()
	c := newTestClient(t, cluster, testOptions())
	worker0 := cluster.Worker(worker0Endpoint)

	comp, err := c.Compile(addProgram("add2", 2).Serialize(), []string{"TPU:0"})
	require.NoError(t, err)

	args, err := c.TransferToServer([]*transport.Literal{scalarF32(3), scalarF32(4)}, "TPU:0")
	require.NoError(t, err)
	require.Len(t, args, 2)

	results, err := c.Execute(comp, args, "TPU:0")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, []float32{7}, readScalars(t, c, results))

	// Dropping every reference eventually frees all remote data handles;
	// the program handle stays cached until the client closes.
	for _, data := range append(args, results...) {
		data.Release()
	}
	comp.Release()
	require.Eventually(t, func() bool {
		return c.PendingReleases() == 0 && worker0.NumLiveData() == 0
	}, 5*time.Second, time.Millisecond)
	require.Equal(t, 1, worker0.NumLivePrograms())
}

func TestExecuteDefaultDevice(t *testing.T) {
	cluster := transporttest.NewCluster()
	c := newTestClient(t, cluster, testOptions())

	comp, err := c.Compile(addProgram("add2", 2).Serialize(), nil)
	require.NoError(t, err)
	require.Equal(t, []string{"TPU:0"}, comp.Devices())

	args, err := c.TransferToServer([]*transport.Literal{scalarF32(1), scalarF32(2)}, "")
	require.NoError(t, err)
	results, err := c.Execute(comp, args, "")
	require.NoError(t, err)
	require.Equal(t, "TPU:0", results[0].Device())
	require.Equal(t, []float32{3}, readScalars(t, c, results))
}

func TestExecuteArgumentValidation(t *testing.T) {
	cluster := transporttest.NewCluster()
	c := newTestClient(t, cluster, testOptions())

	comp, err := c.Compile(addProgram("add2", 2).Serialize(), []string{"TPU:0"})
	require.NoError(t, err)

	pending := NewUnmaterialized("TPU:0", shapes.Scalar[float32]())
	other, err := c.TransferToServer([]*transport.Literal{scalarF32(1)}, "TPU:1")
	require.NoError(t, err)
	good, err := c.TransferToServer([]*transport.Literal{scalarF32(1)}, "TPU:0")
	require.NoError(t, err)

	_, err = c.Execute(comp, []*Data{good[0], pending}, "TPU:0")
	require.Error(t, err)
	_, err = c.Execute(comp, []*Data{good[0], other[0]}, "TPU:0")
	require.Error(t, err, "arguments on another device must be rejected client-side")
}

func TestCompileError(t *testing.T) {
	cluster := transporttest.NewCluster()
	c := newTestClient(t, cluster, testOptions())

	bogus := transporttest.Program{Name: "nope", Op: "divide", NumInputs: 2, Shape: shapes.Scalar[float32]()}
	_, err := c.Compile(bogus.Serialize(), []string{"TPU:0"})
	require.Error(t, err)
	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr)
	require.Equal(t, "TPU:0", compileErr.Device)

	// A failed compilation is not cached: a second attempt reaches the
	// worker again.
	before := cluster.Worker(worker0Endpoint).Runs()
	_, err = c.Compile(bogus.Serialize(), []string{"TPU:0"})
	require.ErrorAs(t, err, &compileErr)
	require.Greater(t, cluster.Worker(worker0Endpoint).Runs(), before)
}

func TestExecuteReplicated(t *testing.T) {
	cluster := transporttest.NewCluster()
	c := newTestClient(t, cluster, testOptions())
	worker0 := cluster.Worker(worker0Endpoint)

	// TPU:0 and TPU:1 share a worker, so both replicas ride one batched RPC.
	comp, err := c.Compile(addProgram("add2", 2).Serialize(), []string{"TPU:0", "TPU:1"})
	require.NoError(t, err)

	args0, err := c.TransferToServer([]*transport.Literal{scalarF32(1), scalarF32(2)}, "TPU:0")
	require.NoError(t, err)
	args1, err := c.TransferToServer([]*transport.Literal{scalarF32(10), scalarF32(20)}, "TPU:1")
	require.NoError(t, err)

	runsBefore := worker0.Runs()
	results, err := c.ExecuteReplicated(comp, [][]*Data{args0, args1}, []string{"TPU:0", "TPU:1"})
	require.NoError(t, err)
	require.Equal(t, runsBefore+1, worker0.Runs(), "replicas on one worker must batch into one RPC")

	require.Len(t, results, 2)
	require.Equal(t, []float32{3}, readScalars(t, c, results[0]))
	require.Equal(t, []float32{30}, readScalars(t, c, results[1]))
	require.Equal(t, "TPU:0", results[0][0].Device())
	require.Equal(t, "TPU:1", results[1][0].Device())
}

func TestExecuteParallelFailureIsolation(t *testing.T) {
	cluster := transporttest.NewCluster()
	c := newTestClient(t, cluster, testOptions())

	// One program per domain: program handles are not portable across
	// workers.
	comp0, err := c.Compile(addProgram("add2", 2).Serialize(), []string{"TPU:0"})
	require.NoError(t, err)
	comp2, err := c.Compile(addProgram("add2", 2).Serialize(), []string{"TPU:2"})
	require.NoError(t, err)

	args0, err := c.TransferToServer([]*transport.Literal{scalarF32(1), scalarF32(2)}, "TPU:0")
	require.NoError(t, err)
	args2, err := c.TransferToServer([]*transport.Literal{scalarF32(5), scalarF32(6)}, "TPU:2")
	require.NoError(t, err)

	cluster.Worker(worker1Endpoint).FailNextRun(errors.New("injected device failure"))
	results, err := c.ExecuteParallel(
		[]*Computation{comp0, comp2},
		[][]*Data{args0, args2},
		[]string{"TPU:0", "TPU:2"},
	)
	require.Error(t, err)
	var replicaErr *ReplicaError
	require.ErrorAs(t, err, &replicaErr)
	require.Equal(t, []string{"TPU:2"}, replicaErr.Devices)
	require.Len(t, replicaErr.Errs, 1)
	var transportErr *TransportError
	require.ErrorAs(t, replicaErr.Errs[0], &transportErr)
	require.Equal(t, worker1Endpoint, transportErr.Target)

	// The healthy replica's results came back alongside the error.
	require.Len(t, results, 2)
	require.Nil(t, results[1])
	require.Equal(t, []float32{3}, readScalars(t, c, results[0]))
}

func TestExecuteParallelAbortsWithoutPartialRunErrors(t *testing.T) {
	cluster := transporttest.NewCluster()
	cluster.SetCapabilities(transport.Capabilities{ChainedExecute: true, PartialRunErrors: false})
	c := newTestClient(t, cluster, testOptions())
	worker0 := cluster.Worker(worker0Endpoint)

	comp0, err := c.Compile(addProgram("add2", 2).Serialize(), []string{"TPU:0"})
	require.NoError(t, err)
	comp2, err := c.Compile(addProgram("add2", 2).Serialize(), []string{"TPU:2"})
	require.NoError(t, err)
	args0, err := c.TransferToServer([]*transport.Literal{scalarF32(1), scalarF32(2)}, "TPU:0")
	require.NoError(t, err)
	args2, err := c.TransferToServer([]*transport.Literal{scalarF32(5), scalarF32(6)}, "TPU:2")
	require.NoError(t, err)

	cluster.Worker(worker1Endpoint).FailNextRun(errors.New("injected device failure"))
	results, err := c.ExecuteParallel(
		[]*Computation{comp0, comp2},
		[][]*Data{args0, args2},
		[]string{"TPU:0", "TPU:2"},
	)
	require.Error(t, err)
	require.Nil(t, results, "without partial-error support the whole batch aborts")
	// The batch surfaces the plain first failure, not a per-replica report.
	require.IsType(t, &TransportError{}, err)

	// The replica that did complete was rolled back: only the arguments
	// stay live on its worker.
	require.Eventually(t, func() bool {
		return c.PendingReleases() == 0 && worker0.NumLiveData() == 2
	}, 5*time.Second, time.Millisecond)
}

func TestExecuteParallelLengthMismatch(t *testing.T) {
	cluster := transporttest.NewCluster()
	c := newTestClient(t, cluster, testOptions())

	comp, err := c.Compile(addProgram("add2", 2).Serialize(), []string{"TPU:0"})
	require.NoError(t, err)
	_, err = c.ExecuteParallel([]*Computation{comp}, nil, []string{"TPU:0", "TPU:1"})
	require.Error(t, err)
	_, err = c.ExecuteReplicated(comp, [][]*Data{nil}, []string{"TPU:0", "TPU:1"})
	require.Error(t, err)
}

func TestExecuteTupleOutput(t *testing.T) {
	cluster := transporttest.NewCluster()
	c := newTestClient(t, cluster, testOptions())
	worker0 := cluster.Worker(worker0Endpoint)

	dup := transporttest.Program{Name: "dup3", Op: "dup", NumInputs: 1, NumOutputs: 3, Shape: shapes.Scalar[float32]()}
	comp, err := c.Compile(dup.Serialize(), []string{"TPU:0"})
	require.NoError(t, err)
	require.True(t, comp.OutputShape().IsTuple())
	require.Equal(t, 3, comp.OutputShape().TupleSize())

	args, err := c.TransferToServer([]*transport.Literal{scalarF32(5)}, "TPU:0")
	require.NoError(t, err)
	results, err := c.Execute(comp, args, "TPU:0")
	require.NoError(t, err)
	require.Len(t, results, 3, "tuple outputs are exploded into one Data per element")
	require.Equal(t, []float32{5, 5, 5}, readScalars(t, c, results))

	// The intermediate tuple handle was scheduled for release; only the
	// elements and the argument stay live.
	require.Eventually(t, func() bool {
		return c.PendingReleases() == 0 && worker0.NumLiveData() == 4
	}, 5*time.Second, time.Millisecond)
}

func TestDeconstructTuple(t *testing.T) {
	cluster := transporttest.NewCluster()
	c := newTestClient(t, cluster, testOptions())
	worker0 := cluster.Worker(worker0Endpoint)

	scalar := shapes.Scalar[float32]()
	tupleShape := shapes.MakeTuple([]shapes.Shape{scalar, scalar})
	handle := worker0.SeedTuple([]*transport.Literal{scalarF32(1), scalarF32(2)})
	tuple := newData("TPU:0", tupleShape, newRemoteHandle(handle, func(h int64) {
		c.releaseData("TPU:0", h)
	}))

	elements, err := c.DeconstructTuple([]*Data{tuple})
	require.NoError(t, err)
	require.Len(t, elements, 1)
	require.Len(t, elements[0], 2)
	require.True(t, scalar.Equal(elements[0][0].Shape()))

	// Elements are independent of the tuple and of each other.
	tuple.Release()
	elements[0][0].Release()
	require.Equal(t, []float32{2}, readScalars(t, c, elements[0][1:]))

	_, err = c.DeconstructTuple([]*Data{elements[0][1]})
	require.Error(t, err, "deconstructing a non-tuple must fail")
}
