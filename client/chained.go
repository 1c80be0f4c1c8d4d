// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package client

import (
	"github.com/pkg/errors"

	"github.com/gomlx/xrt/internal/metrics"
	"github.com/gomlx/xrt/shapes"
	"github.com/gomlx/xrt/transport"
)

// ChainedOp is one step of a chained execution: either an input step feeding
// an existing Data value (Data set), or an execute step running a compiled
// program over the outputs of earlier steps (Computation set).
type ChainedOp struct {
	// Data marks an input step.
	Data *Data

	// Computation marks an execute step. Its operands are taken from
	// Inputs, in order.
	Computation *Computation

	// Inputs references outputs of earlier steps, one per program parameter.
	Inputs []ChainedOpInput

	// Outputs marks step outputs to be materialized and returned.
	// Steps with no marked outputs produce intermediates only.
	Outputs []ChainedOpOutput
}

// ChainedOpInput references output number Output of step number Step.
type ChainedOpInput struct {
	Step   int
	Output int
}

// ChainedOpOutput marks output number Output of its step as result number
// Result of the whole chain.
type ChainedOpOutput struct {
	Output int
	Result int
}

// ExecuteChained runs an ordered sequence of execution steps with explicit
// dependencies among them on a single device, and returns the marked results
// in Result order.
//
// The strategy is fixed at construction from the transport capabilities:
// runtimes with native chained execution run the whole plan in one RPC;
// otherwise the client falls back to one execute RPC per step, materializing
// intermediates as ordinary Data. Both produce identical results.
func (c *Client) ExecuteChained(ops []ChainedOp, device string) ([]*Data, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	device = c.effectiveDevice(device)
	if err := validateChain(ops); err != nil {
		return nil, err
	}
	return c.executeChained(ops, device)
}

// validateChain checks the dependency references: step k may only reference
// outputs of steps j < k.
func validateChain(ops []ChainedOp) error {
	numResults := 0
	for k, op := range ops {
		switch {
		case op.Data != nil && op.Computation != nil:
			return errors.Errorf("chained op %d sets both Data and Computation", k)
		case op.Data == nil && op.Computation == nil:
			return errors.Errorf("chained op %d sets neither Data nor Computation", k)
		case op.Data != nil && len(op.Inputs) > 0:
			return errors.Errorf("chained input op %d cannot have operand references", k)
		case op.Data != nil && !op.Data.HasValue():
			return errors.Errorf("chained input op %d feeds unmaterialized data", k)
		}
		for _, input := range op.Inputs {
			if input.Step < 0 || input.Step >= k {
				return errors.Errorf("chained op %d references step %d, must be an earlier step", k, input.Step)
			}
		}
		for _, output := range op.Outputs {
			if output.Result+1 > numResults {
				numResults = output.Result + 1
			}
		}
	}
	if numResults == 0 {
		return errors.New("chained execution marks no outputs as results")
	}
	return nil
}

func chainNumResults(ops []ChainedOp) int {
	n := 0
	for _, op := range ops {
		for _, output := range op.Outputs {
			if output.Result+1 > n {
				n = output.Result + 1
			}
		}
	}
	return n
}

// chainedOutputShape resolves the shape of one marked output of a step.
func chainedOutputShape(op ChainedOp, outputIdx int) (shapes.Shape, error) {
	if op.Data != nil {
		if outputIdx != 0 {
			return shapes.Invalid(), errors.Errorf("chained input op has a single output, got reference to output %d", outputIdx)
		}
		return op.Data.Shape(), nil
	}
	outputShape := op.Computation.OutputShape()
	if !outputShape.IsTuple() {
		if outputIdx != 0 {
			return shapes.Invalid(), errors.Errorf("computation output is not a tuple, got reference to output %d", outputIdx)
		}
		return outputShape, nil
	}
	if outputIdx < 0 || outputIdx >= outputShape.TupleSize() {
		return shapes.Invalid(), errors.Errorf("output %d out of range for signature %s", outputIdx, outputShape)
	}
	return outputShape.TupleShapes[outputIdx], nil
}

// executeChainedNative encodes the whole dependency plan as a single RPC,
// eliminating per-step round trips. Only marked outputs come back as handles.
func (c *Client) executeChainedNative(ops []ChainedOp, device string) ([]*Data, error) {
	session, err := c.sessionForDevice(c.sessCache, device)
	if err != nil {
		return nil, err
	}
	path, err := c.devicePath(device)
	if err != nil {
		return nil, err
	}

	plan := &transport.ChainedPlan{Ops: make([]transport.ChainedOp, len(ops))}
	resultShapes := make([]shapes.Shape, chainNumResults(ops))
	for k, op := range ops {
		wireOp := transport.ChainedOp{}
		if op.Data != nil {
			wireOp.DataHandle, err = op.Data.Handle()
			if err != nil {
				return nil, err
			}
		} else {
			wireOp.ProgramHandle, err = op.Computation.Handle()
			if err != nil {
				return nil, err
			}
		}
		for _, input := range op.Inputs {
			wireOp.Inputs = append(wireOp.Inputs, transport.ChainedInput{Op: input.Step, Output: input.Output})
		}
		for _, output := range op.Outputs {
			wireOp.Outputs = append(wireOp.Outputs, transport.ChainedOutput{Output: output.Output, Result: output.Result})
			resultShapes[output.Result], err = chainedOutputShape(op, output.Output)
			if err != nil {
				return nil, err
			}
		}
		plan.Ops[k] = wireOp
	}

	node := session.Node(transport.OpExecuteChained, path)
	feeds := transport.Feeds{node.Holders[0]: plan}
	values, err := session.Run(feeds, []string{node.Fetch}, nil)
	if err != nil {
		return nil, transportError(session.Target(), err)
	}
	handles, ok := values[0].([]int64)
	if !ok {
		return nil, errors.Errorf("transport returned %T for a chained execute result, expected []int64", values[0])
	}
	if len(handles) != len(resultShapes) {
		return nil, errors.Errorf("chained execute returned %d handles, plan marks %d results", len(handles), len(resultShapes))
	}
	results := make([]*Data, len(handles))
	for i, handle := range handles {
		metrics.CreateDataHandles.Inc()
		results[i] = newData(device, resultShapes[i], newRemoteHandle(handle, func(h int64) {
			c.releaseData(device, h)
		}))
	}
	return results, nil
}

// executeChainedSplit is the fallback for runtimes without native chained
// execution: one execute RPC per step, in dependency order, every
// intermediate materialized as an ordinary Data and released once the chain
// is done.
func (c *Client) executeChainedSplit(ops []ChainedOp, device string) ([]*Data, error) {
	// stepOutputs[k] holds step k's outputs; owned marks outputs whose
	// references belong to the chain (execute results), as opposed to
	// caller-owned input Data.
	stepOutputs := make([][]*Data, len(ops))
	owned := make([][]bool, len(ops))
	defer func() {
		for k := range stepOutputs {
			for i, data := range stepOutputs[k] {
				if owned[k][i] {
					data.Release()
				}
			}
		}
	}()

	results := make([]*Data, chainNumResults(ops))
	fail := func(err error) ([]*Data, error) {
		for _, data := range results {
			data.Release()
		}
		return nil, err
	}

	for k, op := range ops {
		if op.Data != nil {
			stepOutputs[k] = []*Data{op.Data}
			owned[k] = []bool{false}
		} else {
			args := make([]*Data, len(op.Inputs))
			for i, input := range op.Inputs {
				outputs := stepOutputs[input.Step]
				if input.Output < 0 || input.Output >= len(outputs) {
					return fail(errors.Errorf("chained op %d references output %d of step %d, which has %d outputs",
						k, input.Output, input.Step, len(outputs)))
				}
				args[i] = outputs[input.Output]
			}
			outputs, err := c.Execute(op.Computation, args, device)
			if err != nil {
				return fail(err)
			}
			stepOutputs[k] = outputs
			owned[k] = make([]bool, len(outputs))
			for i := range owned[k] {
				owned[k][i] = true
			}
		}
		for _, output := range op.Outputs {
			if output.Output < 0 || output.Output >= len(stepOutputs[k]) {
				return fail(errors.Errorf("chained op %d marks output %d, but the step has %d outputs",
					k, output.Output, len(stepOutputs[k])))
			}
			// The caller gets its own reference; the step's reference is
			// still released by the deferred cleanup.
			results[output.Result] = stepOutputs[k][output.Output].share()
		}
	}
	return results, nil
}
