// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/xrt/shapes"
)

// remoteHandle is a reference-counted identifier of a resource (a data buffer
// or a compiled program) owned by a remote device runtime. When the last
// owner releases it, the releaser callback fires exactly once -- it must only
// enqueue the remote deallocation, never perform it inline.
type remoteHandle struct {
	handle   int64
	releaser func(handle int64)
	refs     atomic.Int32
}

// newRemoteHandle returns a handle with one owner.
func newRemoteHandle(handle int64, releaser func(handle int64)) *remoteHandle {
	h := &remoteHandle{handle: handle, releaser: releaser}
	h.refs.Store(1)
	return h
}

// acquire registers one more owner and returns the handle for chaining.
func (h *remoteHandle) acquire() *remoteHandle {
	h.refs.Add(1)
	return h
}

// release drops one owner. The last release fires the releaser.
func (h *remoteHandle) release() {
	refs := h.refs.Add(-1)
	if refs == 0 {
		h.releaser(h.handle)
		return
	}
	if refs < 0 {
		klog.Errorf("remote handle %d over-released (refs=%d)", h.handle, refs)
	}
}

// Data is a typed value living on a remote device.
//
// It may be created unmaterialized -- device and shape known, production of
// the value still pending -- and assigned a handle later. HasValue reports
// whether the handle is present.
//
// Every Data owns one reference to its remote handle; call Release when done
// with it. Releasing never blocks: the remote deallocation is batched by the
// client's background releaser.
type Data struct {
	device string
	shape  shapes.Shape
	handle *remoteHandle
}

// newData wraps a freshly assigned remote handle.
func newData(device string, shape shapes.Shape, handle *remoteHandle) *Data {
	return &Data{device: device, shape: shape, handle: handle}
}

// NewUnmaterialized returns a Data whose production is still pending: device
// and shape are known, the remote value is not. Materialize it later with
// Assign. An unmaterialized Data is never released remotely.
func NewUnmaterialized(device string, shape shapes.Shape) *Data {
	return &Data{device: device, shape: shape}
}

// Device returns the logical device holding the value.
func (d *Data) Device() string { return d.device }

// Shape returns the logical shape descriptor of the value.
func (d *Data) Shape() shapes.Shape { return d.shape }

// HasValue reports whether the remote value has been materialized.
func (d *Data) HasValue() bool { return d != nil && d.handle != nil }

// Handle returns the remote numeric identifier.
func (d *Data) Handle() (int64, error) {
	if !d.HasValue() {
		return 0, errors.Errorf("data on device %q has no materialized handle", d.device)
	}
	return d.handle.handle, nil
}

// Assign makes d share other's remote handle, dropping d's previous handle
// reference if it had one.
func (d *Data) Assign(other *Data) error {
	if !other.HasValue() {
		return errors.Errorf("cannot assign from unmaterialized data on device %q", other.device)
	}
	old := d.handle
	d.handle = other.handle.acquire()
	d.shape = other.shape
	if old != nil {
		old.release()
	}
	return nil
}

// Release drops this owner's reference to the remote value. The remote
// deallocation happens asynchronously once all owners released. Releasing an
// unmaterialized or already released Data is a no-op.
func (d *Data) Release() {
	if d == nil || d.handle == nil {
		return
	}
	h := d.handle
	d.handle = nil
	h.release()
}

// share returns a new owner of the same remote value.
func (d *Data) share() *Data {
	return &Data{device: d.device, shape: d.shape, handle: d.handle.acquire()}
}

// String implements fmt.Stringer.
func (d *Data) String() string {
	if !d.HasValue() {
		return fmt.Sprintf("Data<%s@%s, pending>", d.shape, d.device)
	}
	return fmt.Sprintf("Data<%s@%s, handle=%d>", d.shape, d.device, d.handle.handle)
}

// Computation is a compiled program held by a remote device runtime.
//
// Its handle is scoped to a compilation domain (the worker endpoint that
// compiled it); compiled-program handles are not portable across domains.
// Each Computation owns one reference to the program handle; Release drops it
// and, once every shared owner (including the compilation cache) is gone,
// enqueues the remote release of the compiled program.
type Computation struct {
	program     []byte
	outputShape shapes.Shape
	devices     []string
	domain      string
	device      string // Compilation device, where the handle lives.
	handle      *remoteHandle
}

// OutputShape returns the declared output signature of the program. Programs
// with several results declare a tuple shape.
func (c *Computation) OutputShape() shapes.Shape { return c.outputShape }

// Devices returns the target devices the program was compiled for.
func (c *Computation) Devices() []string { return c.devices }

// Domain returns the compilation domain the program handle is valid in.
func (c *Computation) Domain() string { return c.domain }

// Handle returns the remote program handle.
func (c *Computation) Handle() (int64, error) {
	if c == nil || c.handle == nil {
		return 0, errors.New("computation has no compiled handle (already released?)")
	}
	return c.handle.handle, nil
}

// Release drops this owner's reference to the compiled program.
func (c *Computation) Release() {
	if c == nil || c.handle == nil {
		return
	}
	h := c.handle
	c.handle = nil
	h.release()
}

// share returns a new owner of the same compiled program. Used by the
// compilation cache so that cache eviction and caller releases are
// independent.
func (c *Computation) share() *Computation {
	clone := *c
	clone.handle = c.handle.acquire()
	return &clone
}
