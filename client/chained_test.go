// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gomlx/xrt/shapes"
	"github.com/gomlx/xrt/transport"
	"github.com/gomlx/xrt/transport/transporttest"
)

// runChain executes the same plan used by the strategy tests:
//
//	r0 = (x+y)*x, r1 = second copy of dup(r0), r2 = x
//
// with x=2 and y=5, and returns the read-back results plus every Data the
// caller must release (inputs and chain results).
func runChain(t *testing.T, c *Client) ([]float32, []*Data) {
	t.Helper()
	scalar := shapes.Scalar[float32]()
	add, err := c.Compile(addProgram("add2", 2).Serialize(), []string{"TPU:0"})
	require.NoError(t, err)
	mul, err := c.Compile(transporttest.Program{Name: "mul2", Op: "mul", NumInputs: 2, Shape: scalar}.Serialize(), []string{"TPU:0"})
	require.NoError(t, err)
	dup, err := c.Compile(transporttest.Program{Name: "dup2", Op: "dup", NumInputs: 1, NumOutputs: 2, Shape: scalar}.Serialize(), []string{"TPU:0"})
	require.NoError(t, err)

	inputs, err := c.TransferToServer([]*transport.Literal{scalarF32(2), scalarF32(5)}, "TPU:0")
	require.NoError(t, err)
	x, y := inputs[0], inputs[1]

	ops := []ChainedOp{
		{Data: x, Outputs: []ChainedOpOutput{{Output: 0, Result: 2}}},
		{Data: y},
		{Computation: add, Inputs: []ChainedOpInput{{Step: 0}, {Step: 1}}},
		{Computation: mul, Inputs: []ChainedOpInput{{Step: 2}, {Step: 0}}, Outputs: []ChainedOpOutput{{Output: 0, Result: 0}}},
		{Computation: dup, Inputs: []ChainedOpInput{{Step: 3}}, Outputs: []ChainedOpOutput{{Output: 1, Result: 1}}},
	}
	results, err := c.ExecuteChained(ops, "TPU:0")
	require.NoError(t, err)
	require.Len(t, results, 3)

	values := readScalars(t, c, results)
	return values, append(inputs, results...)
}

func TestExecuteChainedNative(t *testing.T) {
	cluster := transporttest.NewCluster()
	c := newTestClient(t, cluster, testOptions())
	worker0 := cluster.Worker(worker0Endpoint)

	runsBefore := worker0.Runs()
	values, held := runChain(t, c)
	require.Equal(t, []float32{14, 14, 2}, values)

	// 3 compiles, 1 transfer batch, 1 chained execute, 1 batched read: the
	// 5-step plan itself cost a single RPC.
	require.Equal(t, runsBefore+6, worker0.Runs())

	for _, data := range held {
		data.Release()
	}
	require.Eventually(t, func() bool {
		return c.PendingReleases() == 0 && worker0.NumLiveData() == 0
	}, 5*time.Second, time.Millisecond)
}

func TestExecuteChainedSplitFallback(t *testing.T) {
	cluster := transporttest.NewCluster()
	cluster.SetCapabilities(transport.Capabilities{ChainedExecute: false, PartialRunErrors: true})
	c := newTestClient(t, cluster, testOptions())
	worker0 := cluster.Worker(worker0Endpoint)

	values, held := runChain(t, c)
	require.Equal(t, []float32{14, 14, 2}, values, "split fallback must match the native strategy")

	// Intermediates materialized by the fallback are all released again.
	for _, data := range held {
		data.Release()
	}
	require.Eventually(t, func() bool {
		return c.PendingReleases() == 0 && worker0.NumLiveData() == 0
	}, 5*time.Second, time.Millisecond)
}

func TestExecuteChainedValidation(t *testing.T) {
	cluster := transporttest.NewCluster()
	c := newTestClient(t, cluster, testOptions())

	comp, err := c.Compile(addProgram("add2", 2).Serialize(), []string{"TPU:0"})
	require.NoError(t, err)
	inputs, err := c.TransferToServer([]*transport.Literal{scalarF32(1)}, "TPU:0")
	require.NoError(t, err)
	x := inputs[0]
	out := []ChainedOpOutput{{Output: 0, Result: 0}}

	cases := []struct {
		name string
		ops  []ChainedOp
	}{
		{"both data and computation", []ChainedOp{{Data: x, Computation: comp, Outputs: out}}},
		{"neither data nor computation", []ChainedOp{{Outputs: out}}},
		{"input op with operands", []ChainedOp{{Data: x, Inputs: []ChainedOpInput{{Step: 0}}, Outputs: out}}},
		{"unmaterialized input", []ChainedOp{{Data: NewUnmaterialized("TPU:0", shapes.Scalar[float32]()), Outputs: out}}},
		{"forward reference", []ChainedOp{
			{Computation: comp, Inputs: []ChainedOpInput{{Step: 1}, {Step: 1}}, Outputs: out},
			{Data: x},
		}},
		{"self reference", []ChainedOp{
			{Data: x},
			{Computation: comp, Inputs: []ChainedOpInput{{Step: 0}, {Step: 1}}, Outputs: out},
		}},
		{"no results", []ChainedOp{{Data: x}}},
	}
	for _, test := range cases {
		t.Run(test.name, func(t *testing.T) {
			_, err := c.ExecuteChained(test.ops, "TPU:0")
			require.Error(t, err)
		})
	}
}
