// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package transport defines the session transport consumed by the computation
// client (package client): persistent per-worker sessions over which op graphs
// are fed and run synchronously.
//
// The client never sees wire bytes. It asks a Session for op Nodes -- cached,
// placeholder-carrying graph fragments -- feeds their placeholders and runs
// them, fetching raw values back. How a Session encodes and ships the graph is
// the transport implementation's business.
//
// Feed/fetch conventions per op kind (holder order is fixed):
//
//	OpCompile:            holders[0] = serialized program ([]byte);
//	                      fetch yields *CompileResult.
//	OpExecute:            holders[0] = program handle (int64),
//	                      holders[1] = input data handles ([]int64);
//	                      fetch yields the result data handle (int64).
//	OpExecuteChained:     holders[0] = *ChainedPlan;
//	                      fetch yields the marked result handles ([]int64).
//	OpRead:               holders[0] = data handle (int64);
//	                      fetch yields *Literal.
//	OpAllocate:           holders[0] = *Literal;
//	                      fetch yields the new data handle (int64).
//	OpSubTuple:           holders[0] = tuple handle (int64),
//	                      holders[1] = element index (int32);
//	                      fetch yields the element data handle (int64).
//	OpReleaseAllocation:  holders[0] = data handles ([]int64); target op only.
//	OpReleaseCompilation: holders[0] = program handles ([]int64); target op only.
package transport

import "github.com/gomlx/xrt/shapes"

// Value is a raw feed or fetch payload: an int64 handle, a []int64 handle
// vector, an int32 index, a []byte serialized program, a *Literal or a
// *ChainedPlan, depending on the op kind. It is opaque to this package.
type Value any

// Feeds maps placeholder names to the values bound to them for one Run.
type Feeds map[string]Value

// Literal is a host-side tensor value: a shape plus the flat slice of its
// elements (of the Go type corresponding to the shape's DType).
type Literal struct {
	Shape shapes.Shape
	Flat  any
}

// OpKind enumerates the remote operations a session can build nodes for.
type OpKind int

const (
	OpCompile OpKind = iota
	OpExecute
	OpExecuteChained
	OpRead
	OpAllocate
	OpSubTuple
	OpReleaseAllocation
	OpReleaseCompilation
)

var opKindNames = [...]string{
	OpCompile:            "Compile",
	OpExecute:            "Execute",
	OpExecuteChained:     "ExecuteChained",
	OpRead:               "Read",
	OpAllocate:           "Allocate",
	OpSubTuple:           "SubTuple",
	OpReleaseAllocation:  "ReleaseAllocation",
	OpReleaseCompilation: "ReleaseCompilation",
}

// String implements fmt.Stringer.
func (k OpKind) String() string {
	if k < 0 || int(k) >= len(opKindNames) {
		return "InvalidOpKind"
	}
	return opKindNames[k]
}

// Node is an op-graph fragment built by a Session for one device: the named
// placeholders to feed and the output to fetch (or the target op name, for
// ops run only for their side effect).
//
// Every Node call returns a node whose placeholder and output names are
// distinct from any other live node of the session, so several ops of the
// same kind can be batched into a single Run without their feeds colliding.
// Sessions may recycle nodes internally once a Run consumed them.
type Node struct {
	Kind    OpKind
	Device  string
	Holders []string // Placeholder names, in the order documented per OpKind.
	Fetch   string   // Output name to fetch; empty for release ops.
	Target  string   // Target op name for side-effect-only ops.
}

// CompileResult is the fetch value of an OpCompile node.
type CompileResult struct {
	// Handle is the program handle assigned by the remote runtime.
	Handle int64

	// OutputShape is the declared output signature of the compiled program.
	// A program with several results declares a tuple shape.
	OutputShape shapes.Shape
}

// ChainedInput references the output of an earlier op in a ChainedPlan.
type ChainedInput struct {
	Op     int // Index of the producing op within the plan.
	Output int // Output index within the producing op's result tuple.
}

// ChainedOutput marks an op output to be materialized as a data handle and
// returned as result number Result of the whole plan.
type ChainedOutput struct {
	Output int
	Result int
}

// ChainedOp is one step of a ChainedPlan: either an input op feeding an
// existing data handle (DataHandle set, ProgramHandle zero), or an execute op
// running a compiled program over the outputs of earlier steps.
type ChainedOp struct {
	DataHandle    int64
	ProgramHandle int64
	Inputs        []ChainedInput
	Outputs       []ChainedOutput
}

// ChainedPlan is the wire form of a chained execution: ops in dependency
// order, executed remotely in a single round trip.
type ChainedPlan struct {
	Ops []ChainedOp
}

// Capabilities describes what the remote runtime behind a transport supports.
// The client queries it once, at construction, to select execution strategies.
type Capabilities struct {
	// ChainedExecute is true if the runtime supports running a whole
	// ChainedPlan as a single op (OpExecuteChained). Without it the client
	// falls back to one execute round trip per step.
	ChainedExecute bool

	// PartialRunErrors is true if a batched Run reports failures per target
	// device instead of failing the batch as a whole.
	PartialRunErrors bool
}

// Session is a persistent connection to one worker endpoint. Run is
// synchronous: it blocks the calling goroutine until the remote operations
// complete. Sessions must be safe for concurrent use.
type Session interface {
	// Target returns the worker endpoint this session is bound to.
	Target() string

	// Node returns an op node of the given kind for the given device. See
	// the Node type for the distinctness guarantees.
	Node(kind OpKind, device string) *Node

	// Run feeds the given placeholders, fetches the named outputs (results
	// returned in the same order) and runs the named target ops for their
	// side effects.
	Run(feeds Feeds, fetches []string, targets []string) ([]Value, error)

	// Close releases the connection. The session must not be used afterwards.
	Close() error
}

// Dialer establishes sessions to worker endpoints.
type Dialer interface {
	// Dial opens a new session to the given endpoint. Each call returns an
	// independent session, even for the same endpoint.
	Dial(endpoint string) (Session, error)

	// Capabilities of the remote runtime this dialer connects to.
	Capabilities() Capabilities
}
