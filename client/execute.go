// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/gomlx/xrt/internal/metrics"
	"github.com/gomlx/xrt/shapes"
	"github.com/gomlx/xrt/transport"
)

// ReplicaError aggregates the failures of a replicated or parallel
// execution. Replicas on unaffected targets still complete and their results
// are returned alongside this error; the failed replicas' result slots are
// nil.
type ReplicaError struct {
	// Devices and Errs are parallel: Errs[i] is the failure observed for the
	// replica on Devices[i].
	Devices []string
	Errs    []error
}

// Error implements the error interface.
func (e *ReplicaError) Error() string {
	parts := make([]string, 0, len(e.Devices))
	for i, device := range e.Devices {
		parts = append(parts, fmt.Sprintf("%s: %v", device, e.Errs[i]))
	}
	return fmt.Sprintf("execution failed on %d replica(s): %s", len(e.Devices), strings.Join(parts, "; "))
}

// Unwrap returns the per-replica errors for errors.Is/As matching.
func (e *ReplicaError) Unwrap() []error { return e.Errs }

// sessionWork accumulates the batched work targeting one session: the feeds
// for every op, the outputs to fetch, and the mapping of each fetch back to
// the caller's original ordering. Issuing N ops spanning M sessions then
// becomes one join over M concurrent Runs instead of N sequential calls.
type sessionWork struct {
	session      transport.Session
	feeds        transport.Feeds
	fetches      []string
	indexMapping []int
}

func newSessionWork(session transport.Session) *sessionWork {
	return &sessionWork{session: session, feeds: make(transport.Feeds)}
}

// add registers one fetch mapped back to original index idx.
func (w *sessionWork) add(fetch string, idx int) {
	w.fetches = append(w.fetches, fetch)
	w.indexMapping = append(w.indexMapping, idx)
}

// sessionWorkSet groups work by session, preserving a deterministic issue
// order.
type sessionWorkSet struct {
	works  []*sessionWork
	bySess map[transport.Session]*sessionWork
}

func newSessionWorkSet() *sessionWorkSet {
	return &sessionWorkSet{bySess: make(map[transport.Session]*sessionWork)}
}

func (s *sessionWorkSet) workFor(session transport.Session) *sessionWork {
	if work, found := s.bySess[session]; found {
		return work
	}
	work := newSessionWork(session)
	s.bySess[session] = work
	s.works = append(s.works, work)
	return work
}

// run issues every session's batched RPC concurrently and joins them all.
// Results and errors are reported per original index: a transport failure on
// one session marks only the indices routed to it, never its siblings.
//
// The returned slices have length n; for index i exactly one of results[i]
// and errs[i] is meaningful.
func (s *sessionWorkSet) run(n int) (results []transport.Value, errs []error) {
	results = make([]transport.Value, n)
	errs = make([]error, n)
	var wg sync.WaitGroup
	for _, work := range s.works {
		wg.Add(1)
		go func(work *sessionWork) {
			defer wg.Done()
			values, err := work.session.Run(work.feeds, work.fetches, nil)
			if err != nil {
				err = transportError(work.session.Target(), err)
				for _, idx := range work.indexMapping {
					errs[idx] = err
				}
				return
			}
			for i, idx := range work.indexMapping {
				results[idx] = values[i]
			}
		}(work)
	}
	wg.Wait()
	return results, errs
}

// argumentHandles collects the remote handles of the arguments, which must
// all be materialized on the given device.
func argumentHandles(args []*Data, device string) ([]int64, error) {
	handles := make([]int64, len(args))
	for i, arg := range args {
		if !arg.HasValue() {
			return nil, errors.Errorf("argument %d for device %q is not materialized", i, device)
		}
		if arg.Device() != device {
			return nil, errors.Errorf("argument %d lives on device %q, expected %q", i, arg.Device(), device)
		}
		handles[i] = arg.handle.handle
	}
	return handles, nil
}

// addExecuteOp appends one execute op for (computation, args) on device to
// the work set, mapped back to original index idx.
func (c *Client) addExecuteOp(set *sessionWorkSet, computation *Computation, args []*Data, device string, idx int) error {
	programHandle, err := computation.Handle()
	if err != nil {
		return err
	}
	handles, err := argumentHandles(args, device)
	if err != nil {
		return err
	}
	session, err := c.sessionForDevice(c.sessCache, device)
	if err != nil {
		return err
	}
	path, err := c.devicePath(device)
	if err != nil {
		return err
	}
	work := set.workFor(session)
	node := session.Node(transport.OpExecute, path)
	work.feeds[node.Holders[0]] = programHandle
	work.feeds[node.Holders[1]] = handles
	work.add(node.Fetch, idx)
	return nil
}

// wrapExecuteResult turns the raw execute result (a data handle) into typed
// Data values, walking the declared output signature: a non-tuple output
// yields one Data directly; a tuple output is deconstructed into one Data per
// element via sub-tuple ops, and the parent tuple handle is scheduled for
// release.
func (c *Client) wrapExecuteResult(value transport.Value, outputShape shapes.Shape, device string) ([]*Data, error) {
	handle, ok := value.(int64)
	if !ok {
		return nil, errors.Errorf("transport returned %T for an execute result, expected int64 handle", value)
	}
	metrics.CreateDataHandles.Inc()
	root := newData(device, outputShape, newRemoteHandle(handle, func(h int64) {
		c.releaseData(device, h)
	}))
	if !outputShape.IsTuple() {
		return []*Data{root}, nil
	}
	elements, err := c.deconstructOne(root)
	root.Release()
	if err != nil {
		return nil, err
	}
	return elements, nil
}

// Execute runs a compiled program with the given arguments on one device and
// returns its results, one Data per output (tuple outputs are exploded).
func (c *Client) Execute(computation *Computation, args []*Data, device string) ([]*Data, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	device = c.effectiveDevice(device)
	start := time.Now()
	set := newSessionWorkSet()
	if err := c.addExecuteOp(set, computation, args, device, 0); err != nil {
		return nil, err
	}
	results, errs := set.run(1)
	if errs[0] != nil {
		return nil, errs[0]
	}
	metrics.ExecuteSeconds.Observe(time.Since(start).Seconds())
	return c.wrapExecuteResult(results[0], computation.OutputShape(), device)
}

// ExecuteReplicated runs one program data-parallel over N devices, with one
// argument list per replica, and returns N result lists in matching order.
//
// The execute RPCs are batched per target session and issued concurrently.
// On runtimes advertising Capabilities.PartialRunErrors, a failure on one
// target does not disturb replicas on other targets: the returned error is a
// *ReplicaError naming the failed devices, the corresponding result slots
// are nil, and the healthy replicas' results are returned alongside it.
// Without that capability the first failure aborts the batch: no results are
// returned and replicas that did complete are released.
func (c *Client) ExecuteReplicated(computation *Computation, args [][]*Data, devices []string) ([][]*Data, error) {
	computations := make([]*Computation, len(devices))
	for i := range computations {
		computations[i] = computation
	}
	return c.executeBatch(computations, args, devices)
}

// ExecuteParallel runs M distinct programs over M device/argument pairs.
// It differs from ExecuteReplicated only in that each device runs its own
// compiled program.
func (c *Client) ExecuteParallel(computations []*Computation, args [][]*Data, devices []string) ([][]*Data, error) {
	if len(computations) != len(devices) {
		return nil, errors.Errorf("got %d computations for %d devices", len(computations), len(devices))
	}
	return c.executeBatch(computations, args, devices)
}

func (c *Client) executeBatch(computations []*Computation, args [][]*Data, devices []string) ([][]*Data, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if len(args) != len(devices) {
		return nil, errors.Errorf("got %d argument lists for %d devices", len(args), len(devices))
	}
	start := time.Now()
	set := newSessionWorkSet()
	resolved := make([]string, len(devices))
	for i, device := range devices {
		resolved[i] = c.effectiveDevice(device)
		if err := c.addExecuteOp(set, computations[i], args[i], resolved[i], i); err != nil {
			return nil, err
		}
	}
	rawResults, errs := set.run(len(devices))
	metrics.ExecuteSeconds.Observe(time.Since(start).Seconds())

	results := make([][]*Data, len(devices))
	var replicaErr *ReplicaError
	for i := range devices {
		if errs[i] == nil {
			replicaResults, err := c.wrapExecuteResult(rawResults[i], computations[i].OutputShape(), resolved[i])
			if err == nil {
				results[i] = replicaResults
				continue
			}
			errs[i] = err
		}
		if replicaErr == nil {
			replicaErr = &ReplicaError{}
		}
		replicaErr.Devices = append(replicaErr.Devices, resolved[i])
		replicaErr.Errs = append(replicaErr.Errs, errs[i])
	}
	if replicaErr == nil {
		return results, nil
	}
	if !c.capabilities.PartialRunErrors {
		// The runtime cannot report failures per target: the batch fails as
		// a whole. Replicas that did complete are released again.
		for _, replicaResults := range results {
			for _, data := range replicaResults {
				data.Release()
			}
		}
		return nil, replicaErr.Errs[0]
	}
	return results, replicaErr
}

// DeconstructTuple splits tuple-shaped values into their elements, returning
// one independently releasable Data per tuple element. The inputs keep their
// own references and remain valid.
func (c *Client) DeconstructTuple(tuples []*Data) ([][]*Data, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	results := make([][]*Data, len(tuples))
	for i, tuple := range tuples {
		elements, err := c.deconstructOne(tuple)
		if err != nil {
			return nil, err
		}
		results[i] = elements
	}
	return results, nil
}

// deconstructOne issues one batched Run with a sub-tuple op per element.
func (c *Client) deconstructOne(tuple *Data) ([]*Data, error) {
	shape := tuple.Shape()
	if !shape.IsTuple() {
		return nil, errors.Errorf("DeconstructTuple on non-tuple shape %s", shape)
	}
	handle, err := tuple.Handle()
	if err != nil {
		return nil, err
	}
	device := tuple.Device()
	session, err := c.sessionForDevice(c.sessCache, device)
	if err != nil {
		return nil, err
	}
	path, err := c.devicePath(device)
	if err != nil {
		return nil, err
	}
	n := shape.TupleSize()
	feeds := make(transport.Feeds)
	fetches := make([]string, n)
	for i := 0; i < n; i++ {
		node := session.Node(transport.OpSubTuple, path)
		feeds[node.Holders[0]] = handle
		feeds[node.Holders[1]] = int32(i)
		fetches[i] = node.Fetch
	}
	values, err := session.Run(feeds, fetches, nil)
	if err != nil {
		return nil, transportError(session.Target(), err)
	}
	elements := make([]*Data, n)
	for i, value := range values {
		elementHandle, ok := value.(int64)
		if !ok {
			return nil, errors.Errorf("transport returned %T for a sub-tuple result, expected int64 handle", value)
		}
		metrics.CreateDataHandles.Inc()
		elements[i] = newData(device, shape.TupleShapes[i], newRemoteHandle(elementHandle, func(h int64) {
			c.releaseData(device, h)
		}))
	}
	return elements, nil
}
