// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package transporttest provides an in-memory transport implementation for
// tests: a Cluster of fake workers that hold real handle tables and execute
// a tiny JSON-encoded program format, so client tests exercise the full
// compile/execute/read/release protocol without any real accelerator.
package transporttest

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/gomlx/xrt/shapes"
	"github.com/gomlx/xrt/transport"
)

// Program is the serialized-program format understood by fake workers:
// an elementwise combination of NumInputs arguments of identical Shape.
//
//   - "add": elementwise sum of all inputs.
//   - "mul": elementwise product of all inputs.
//   - "dup": copies the single input into NumOutputs outputs.
//
// A program with NumOutputs > 1 declares a tuple output signature.
type Program struct {
	Name       string       `json:"name"`
	Op         string       `json:"op"`
	NumInputs  int          `json:"numInputs"`
	NumOutputs int          `json:"numOutputs"`
	Shape      shapes.Shape `json:"shape"`
}

// Serialize encodes the program. Identical programs serialize to identical
// bytes, so compilation-cache keys behave as with a real serialization.
func (p Program) Serialize() []byte {
	if p.NumOutputs == 0 {
		p.NumOutputs = 1
	}
	data, err := json.Marshal(p)
	if err != nil {
		panic(err)
	}
	return data
}

// OutputShape returns the output signature the fake compiler will declare.
func (p Program) OutputShape() shapes.Shape {
	if p.NumOutputs <= 1 {
		return p.Shape
	}
	elements := make([]shapes.Shape, p.NumOutputs)
	for i := range elements {
		elements[i] = p.Shape
	}
	return shapes.MakeTuple(elements)
}

// value is a resource held by a fake worker: a leaf literal or a tuple.
type value struct {
	literal *transport.Literal
	tuple   []*value
}

// Worker is one fake worker process: a handle table for data values and one
// for compiled programs.
type Worker struct {
	endpoint string

	mu         sync.Mutex
	nextHandle int64
	data       map[int64]*value
	programs   map[int64]*Program
	compiles   int
	runs       int
	failNext   error
	failAll    error

	releasedData     [][]int64
	releasedPrograms [][]int64
}

func newWorker(endpoint string) *Worker {
	return &Worker{
		endpoint: endpoint,
		data:     make(map[int64]*value),
		programs: make(map[int64]*Program),
	}
}

// FailNextRun makes the worker's next Run (over any of its sessions) fail
// with err.
func (w *Worker) FailNextRun(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failNext = err
}

// FailAllRuns makes every Run fail with err until reset with nil.
func (w *Worker) FailAllRuns(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failAll = err
}

// Compiles returns how many compile ops the worker served.
func (w *Worker) Compiles() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.compiles
}

// Runs returns how many Run calls the worker served.
func (w *Worker) Runs() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runs
}

// NumLiveData returns how many data handles are currently allocated.
func (w *Worker) NumLiveData() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.data)
}

// NumLivePrograms returns how many program handles are currently allocated.
func (w *Worker) NumLivePrograms() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.programs)
}

// ReleasedDataBatches returns the batches of data-handle releases served, in
// order, one slice per release RPC.
func (w *Worker) ReleasedDataBatches() [][]int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	batches := make([][]int64, len(w.releasedData))
	copy(batches, w.releasedData)
	return batches
}

// ReleasedProgramBatches returns the batches of program-handle releases
// served, one slice per release RPC.
func (w *Worker) ReleasedProgramBatches() [][]int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	batches := make([][]int64, len(w.releasedPrograms))
	copy(batches, w.releasedPrograms)
	return batches
}

// SeedLiteral stores a literal directly in the worker's handle table,
// bypassing the allocate op. For tests that need a pre-existing handle.
func (w *Worker) SeedLiteral(literal *transport.Literal) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lockedNewHandle(&value{literal: cloneLiteral(literal)})
}

// SeedTuple stores a tuple of literals and returns its handle.
func (w *Worker) SeedTuple(literals []*transport.Literal) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	tuple := make([]*value, len(literals))
	for i, literal := range literals {
		tuple[i] = &value{literal: cloneLiteral(literal)}
	}
	return w.lockedNewHandle(&value{tuple: tuple})
}

func (w *Worker) lockedNewHandle(v *value) int64 {
	w.nextHandle++
	w.data[w.nextHandle] = v
	return w.nextHandle
}

// Cluster is a set of fake workers keyed by endpoint. It implements
// transport.Dialer; each Dial returns an independent session bound to the
// endpoint's worker.
type Cluster struct {
	capabilities transport.Capabilities

	mu      sync.Mutex
	workers map[string]*Worker
	dials   int
}

// NewCluster returns an empty cluster whose runtime advertises native
// chained execution.
func NewCluster() *Cluster {
	return &Cluster{
		capabilities: transport.Capabilities{ChainedExecute: true, PartialRunErrors: true},
		workers:      make(map[string]*Worker),
	}
}

// SetCapabilities overrides the advertised runtime capabilities. Call before
// constructing the client.
func (c *Cluster) SetCapabilities(capabilities transport.Capabilities) {
	c.capabilities = capabilities
}

// Capabilities implements transport.Dialer.
func (c *Cluster) Capabilities() transport.Capabilities {
	return c.capabilities
}

// Worker returns the fake worker at the endpoint, creating it on first use.
func (c *Cluster) Worker(endpoint string) *Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	worker, found := c.workers[endpoint]
	if !found {
		worker = newWorker(endpoint)
		c.workers[endpoint] = worker
	}
	return worker
}

// Dials returns how many sessions have been dialed.
func (c *Cluster) Dials() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials
}

// Dial implements transport.Dialer.
func (c *Cluster) Dial(endpoint string) (transport.Session, error) {
	worker := c.Worker(endpoint)
	c.mu.Lock()
	c.dials++
	c.mu.Unlock()
	return &session{worker: worker}, nil
}

// session is one connection to a fake worker. Nodes are generated with
// session-unique placeholder names; Run interprets them against the worker's
// handle tables.
type session struct {
	worker  *Worker
	nodeSeq atomic.Int64
	closed  atomic.Bool

	mu    sync.Mutex
	nodes map[string]*nodeInstance // Keyed by fetch/target name.
}

type nodeInstance struct {
	kind    transport.OpKind
	device  string
	holders []string
}

// Target implements transport.Session.
func (s *session) Target() string { return s.worker.endpoint }

// Close implements transport.Session.
func (s *session) Close() error {
	s.closed.Store(true)
	return nil
}

// Node implements transport.Session.
func (s *session) Node(kind transport.OpKind, device string) *transport.Node {
	seq := s.nodeSeq.Add(1)
	name := fmt.Sprintf("%s/%s_%d", device, kind, seq)
	numHolders := 1
	switch kind {
	case transport.OpExecute, transport.OpSubTuple:
		numHolders = 2
	}
	instance := &nodeInstance{kind: kind, device: device, holders: make([]string, numHolders)}
	for i := range instance.holders {
		instance.holders[i] = fmt.Sprintf("%s;h%d", name, i)
	}
	node := &transport.Node{Kind: kind, Device: device, Holders: instance.holders}
	switch kind {
	case transport.OpReleaseAllocation, transport.OpReleaseCompilation:
		node.Target = name
	default:
		node.Fetch = name
	}
	s.mu.Lock()
	if s.nodes == nil {
		s.nodes = make(map[string]*nodeInstance)
	}
	s.nodes[name] = instance
	s.mu.Unlock()
	return node
}

// Run implements transport.Session.
func (s *session) Run(feeds transport.Feeds, fetches []string, targets []string) ([]transport.Value, error) {
	if s.closed.Load() {
		return nil, errors.New("session is closed")
	}
	w := s.worker
	w.mu.Lock()
	defer w.mu.Unlock()
	w.runs++
	if w.failNext != nil {
		err := w.failNext
		w.failNext = nil
		return nil, err
	}
	if w.failAll != nil {
		return nil, w.failAll
	}

	results := make([]transport.Value, len(fetches))
	for i, fetch := range fetches {
		instance, err := s.instance(fetch)
		if err != nil {
			return nil, err
		}
		results[i], err = w.lockedRunOp(instance, feeds)
		if err != nil {
			return nil, err
		}
	}
	for _, target := range targets {
		instance, err := s.instance(target)
		if err != nil {
			return nil, err
		}
		if _, err := w.lockedRunOp(instance, feeds); err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (s *session) instance(name string) (*nodeInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	instance, found := s.nodes[name]
	if !found {
		return nil, errors.Errorf("unknown op %q in Run", name)
	}
	return instance, nil
}

func feedValue[T any](feeds transport.Feeds, holder string) (T, error) {
	var zero T
	raw, found := feeds[holder]
	if !found {
		return zero, errors.Errorf("missing feed for placeholder %q", holder)
	}
	v, ok := raw.(T)
	if !ok {
		return zero, errors.Errorf("placeholder %q fed a %T, expected %T", holder, raw, zero)
	}
	return v, nil
}

func (w *Worker) lockedRunOp(instance *nodeInstance, feeds transport.Feeds) (transport.Value, error) {
	switch instance.kind {
	case transport.OpCompile:
		serialized, err := feedValue[[]byte](feeds, instance.holders[0])
		if err != nil {
			return nil, err
		}
		var program Program
		if err := json.Unmarshal(serialized, &program); err != nil {
			return nil, errors.Wrap(err, "fake compiler: malformed program")
		}
		if program.Op != "add" && program.Op != "mul" && program.Op != "dup" {
			return nil, errors.Errorf("fake compiler: unsupported op %q in program %q", program.Op, program.Name)
		}
		w.compiles++
		w.nextHandle++
		w.programs[w.nextHandle] = &program
		return &transport.CompileResult{Handle: w.nextHandle, OutputShape: program.OutputShape()}, nil

	case transport.OpExecute:
		programHandle, err := feedValue[int64](feeds, instance.holders[0])
		if err != nil {
			return nil, err
		}
		inputs, err := feedValue[[]int64](feeds, instance.holders[1])
		if err != nil {
			return nil, err
		}
		result, err := w.lockedExecute(programHandle, inputs)
		if err != nil {
			return nil, err
		}
		return w.lockedNewHandle(result), nil

	case transport.OpExecuteChained:
		plan, err := feedValue[*transport.ChainedPlan](feeds, instance.holders[0])
		if err != nil {
			return nil, err
		}
		return w.lockedExecuteChained(plan)

	case transport.OpRead:
		handle, err := feedValue[int64](feeds, instance.holders[0])
		if err != nil {
			return nil, err
		}
		v, found := w.data[handle]
		if !found {
			return nil, errors.Errorf("read of unknown data handle %d", handle)
		}
		if v.literal == nil {
			return nil, errors.Errorf("read of tuple handle %d, deconstruct it first", handle)
		}
		return cloneLiteral(v.literal), nil

	case transport.OpAllocate:
		literal, err := feedValue[*transport.Literal](feeds, instance.holders[0])
		if err != nil {
			return nil, err
		}
		return w.lockedNewHandle(&value{literal: cloneLiteral(literal)}), nil

	case transport.OpSubTuple:
		handle, err := feedValue[int64](feeds, instance.holders[0])
		if err != nil {
			return nil, err
		}
		index, err := feedValue[int32](feeds, instance.holders[1])
		if err != nil {
			return nil, err
		}
		v, found := w.data[handle]
		if !found {
			return nil, errors.Errorf("sub-tuple of unknown data handle %d", handle)
		}
		if int(index) < 0 || int(index) >= len(v.tuple) {
			return nil, errors.Errorf("sub-tuple index %d out of range for handle %d (%d elements)", index, handle, len(v.tuple))
		}
		return w.lockedNewHandle(v.tuple[index]), nil

	case transport.OpReleaseAllocation:
		handles, err := feedValue[[]int64](feeds, instance.holders[0])
		if err != nil {
			return nil, err
		}
		for _, handle := range handles {
			delete(w.data, handle)
		}
		w.releasedData = append(w.releasedData, handles)
		return nil, nil

	case transport.OpReleaseCompilation:
		handles, err := feedValue[[]int64](feeds, instance.holders[0])
		if err != nil {
			return nil, err
		}
		for _, handle := range handles {
			delete(w.programs, handle)
		}
		w.releasedPrograms = append(w.releasedPrograms, handles)
		return nil, nil
	}
	return nil, errors.Errorf("fake worker cannot run op kind %s", instance.kind)
}

func (w *Worker) lockedExecute(programHandle int64, inputHandles []int64) (*value, error) {
	program, found := w.programs[programHandle]
	if !found {
		return nil, errors.Errorf("execute with unknown program handle %d", programHandle)
	}
	if len(inputHandles) != program.NumInputs {
		return nil, errors.Errorf("program %q wants %d inputs, got %d", program.Name, program.NumInputs, len(inputHandles))
	}
	inputs := make([]*transport.Literal, len(inputHandles))
	for i, handle := range inputHandles {
		v, found := w.data[handle]
		if !found {
			return nil, errors.Errorf("execute input %d references unknown data handle %d", i, handle)
		}
		if v.literal == nil {
			return nil, errors.Errorf("execute input %d references tuple handle %d", i, handle)
		}
		inputs[i] = v.literal
	}
	return runProgram(program, inputs)
}

func (w *Worker) lockedExecuteChained(plan *transport.ChainedPlan) (transport.Value, error) {
	stepOutputs := make([][]*value, len(plan.Ops))
	numResults := 0
	for _, op := range plan.Ops {
		for _, output := range op.Outputs {
			if output.Result+1 > numResults {
				numResults = output.Result + 1
			}
		}
	}
	results := make([]int64, numResults)
	for k, op := range plan.Ops {
		var outputs []*value
		if len(op.Inputs) == 0 && op.ProgramHandle == 0 {
			v, found := w.data[op.DataHandle]
			if !found {
				return nil, errors.Errorf("chained op %d feeds unknown data handle %d", k, op.DataHandle)
			}
			outputs = []*value{v}
		} else {
			inputHandles := make([]int64, 0, len(op.Inputs))
			for _, input := range op.Inputs {
				if input.Op < 0 || input.Op >= k {
					return nil, errors.Errorf("chained op %d references op %d out of order", k, input.Op)
				}
				operands := stepOutputs[input.Op]
				if input.Output < 0 || input.Output >= len(operands) {
					return nil, errors.Errorf("chained op %d references output %d of op %d (%d outputs)",
						k, input.Output, input.Op, len(operands))
				}
				// Temporarily expose the operand through a scratch handle so
				// lockedExecute resolves it uniformly.
				inputHandles = append(inputHandles, w.lockedNewHandle(operands[input.Output]))
			}
			result, err := w.lockedExecute(op.ProgramHandle, inputHandles)
			for _, scratch := range inputHandles {
				delete(w.data, scratch)
			}
			if err != nil {
				return nil, err
			}
			if len(result.tuple) > 0 {
				outputs = result.tuple
			} else {
				outputs = []*value{result}
			}
		}
		stepOutputs[k] = outputs
		for _, output := range op.Outputs {
			if output.Output < 0 || output.Output >= len(outputs) {
				return nil, errors.Errorf("chained op %d marks output %d (%d outputs)", k, output.Output, len(outputs))
			}
			results[output.Result] = w.lockedNewHandle(outputs[output.Output])
		}
	}
	return results, nil
}

// runProgram evaluates the elementwise program over its input literals.
func runProgram(program *Program, inputs []*transport.Literal) (*value, error) {
	if program.Op == "dup" {
		numOutputs := program.NumOutputs
		if numOutputs <= 1 {
			return &value{literal: cloneLiteral(inputs[0])}, nil
		}
		tuple := make([]*value, numOutputs)
		for i := range tuple {
			tuple[i] = &value{literal: cloneLiteral(inputs[0])}
		}
		return &value{tuple: tuple}, nil
	}
	out, err := combine(program.Op, inputs)
	if err != nil {
		return nil, err
	}
	return &value{literal: out}, nil
}

func combine(op string, inputs []*transport.Literal) (*transport.Literal, error) {
	switch flat := inputs[0].Flat.(type) {
	case []float32:
		return combineFlat(op, inputs, flat, func(a, b float32) float32 { return a + b }, func(a, b float32) float32 { return a * b })
	case []float64:
		return combineFlat(op, inputs, flat, func(a, b float64) float64 { return a + b }, func(a, b float64) float64 { return a * b })
	case []int64:
		return combineFlat(op, inputs, flat, func(a, b int64) int64 { return a + b }, func(a, b int64) int64 { return a * b })
	}
	return nil, errors.Errorf("fake worker cannot combine literals of type %T", inputs[0].Flat)
}

func combineFlat[T comparable](op string, inputs []*transport.Literal, first []T, add, mul func(T, T) T) (*transport.Literal, error) {
	combineFn := add
	if op == "mul" {
		combineFn = mul
	}
	out := make([]T, len(first))
	copy(out, first)
	for _, input := range inputs[1:] {
		flat, ok := input.Flat.([]T)
		if !ok || len(flat) != len(out) {
			return nil, errors.Errorf("mismatched input literals: %T vs %T", input.Flat, out)
		}
		for i := range out {
			out[i] = combineFn(out[i], flat[i])
		}
	}
	return &transport.Literal{Shape: inputs[0].Shape.Clone(), Flat: out}, nil
}

func cloneLiteral(literal *transport.Literal) *transport.Literal {
	clone := &transport.Literal{Shape: literal.Shape.Clone()}
	switch flat := literal.Flat.(type) {
	case []float32:
		clone.Flat = append([]float32(nil), flat...)
	case []float64:
		clone.Flat = append([]float64(nil), flat...)
	case []int64:
		clone.Flat = append([]int64(nil), flat...)
	default:
		clone.Flat = literal.Flat
	}
	return clone
}
