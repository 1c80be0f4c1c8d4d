// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package client implements the computation client: it compiles and executes
// programs on a pool of remote accelerator devices and manages the lifecycle
// of the remote resources (compiled-program handles and data handles) those
// devices hold on the client's behalf.
//
// A Client keeps one persistent session per worker endpoint (separately for
// compute and for allocation/transfer traffic), caches compilations per
// (domain, program) pair, and releases remote handles asynchronously through
// a background batching task -- dropping the last reference to a Data or
// Computation never blocks on an RPC.
package client

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/xrt/internal/metrics"
	"github.com/gomlx/xrt/mesh"
	"github.com/gomlx/xrt/transport"
)

// Topology describes the physical arrangement of the device mesh: the mesh
// coordinates of every full device path. It is optional for single-host
// configurations.
type Topology struct {
	// MeshCoords maps a full worker-qualified device path to its coordinates
	// in the mesh.
	MeshCoords map[string][]int
}

// Client coordinates compilation and execution over a set of remote
// accelerator devices. It is safe for concurrent use. Close it when done to
// flush pending handle releases and drop the worker sessions.
type Client struct {
	opts         Options
	capabilities transport.Capabilities

	// Compute and allocation/transfer traffic use independent session pools,
	// so a slow transfer cannot starve an execute op and vice versa.
	sessCache  *sessionCache
	allocCache *sessionCache

	compilations *compileCache

	// executeChained is selected once at construction, from the transport
	// capabilities: the native single-RPC strategy or the per-step fallback.
	executeChained func(ops []ChainedOp, device string) ([]*Data, error)

	deviceMeshCoords map[string][]int
	meshService      *mesh.Service

	releaser *triggeredTask

	mu                     sync.Mutex
	releasedDataHandles    []deviceHandle
	releasedCompileHandles []deviceHandle
	closing                bool // No new operations accepted.
	closed                 bool // Releaser stopped; enqueues are dropped.
}

// New constructs a Client over the given transport.
//
// Options are validated before any RPC: every device in Options.Devices must
// resolve through Options.GlobalDeviceMap to a worker with an endpoint, or
// construction fails with a TopologyError.
//
// For multi-host configurations the mesh rendezvous is completed here: the
// task-0 host starts the rendezvous service and every host joins it,
// exchanging worker endpoints. Exceeding Options.MeshTimeout fails
// construction outright -- there is no partial mode.
func New(dialer transport.Dialer, opts Options, topology *Topology) (*Client, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	c := &Client{
		opts:         opts,
		capabilities: dialer.Capabilities(),
		sessCache:    newSessionCache(dialer),
		allocCache:   newSessionCache(dialer),
		compilations: newCompileCache(opts.CompilationCacheSize),
	}
	if topology != nil {
		c.deviceMeshCoords = make(map[string][]int, len(topology.MeshCoords))
		maps.Copy(c.deviceMeshCoords, topology.MeshCoords)
	}
	if c.capabilities.ChainedExecute {
		c.executeChained = c.executeChainedNative
	} else {
		c.executeChained = c.executeChainedSplit
	}
	if opts.multiHost() {
		if err := c.rendezvous(); err != nil {
			return nil, err
		}
	}
	c.releaser = newTriggeredTask(c.handleReleaser)
	return c, nil
}

// rendezvous exchanges worker endpoints across all hosts of a multi-host
// configuration, before the client accepts any operation.
func (c *Client) rendezvous() error {
	self := c.opts.LocalWorker
	localEndpoint, found := c.opts.Workers[self]
	if !found {
		return topologyErrorf(self.String(), "Options.LocalWorker %s has no endpoint in Options.Workers", self)
	}
	if self.TaskNo == 0 {
		expected := sortedWorkerNames(c.opts.Workers)
		service, err := mesh.StartService(c.opts.MeshAddress, expected)
		if err != nil {
			return &TopologyError{cause: err}
		}
		c.meshService = service
	}
	deadline := time.Now().Add(c.opts.meshTimeout())
	endpoints, err := mesh.Join(c.opts.MeshAddress, self.String(), localEndpoint, deadline)
	if err != nil {
		if c.meshService != nil {
			_ = c.meshService.Close()
			c.meshService = nil
		}
		return &TopologyError{cause: errors.WithMessage(err, "mesh rendezvous failed")}
	}
	// Adopt the rendezvoused addresses: they supersede whatever the local
	// configuration had for remote workers.
	workers := make(map[Worker]string, len(endpoints))
	for workerStr, endpoint := range endpoints {
		worker, err := ParseWorker(workerStr)
		if err != nil {
			return err
		}
		workers[worker] = endpoint
	}
	c.opts.Workers = workers
	klog.V(1).Infof("mesh rendezvous complete: %d workers", len(workers))
	return nil
}

// Close flushes pending handle releases once more (best effort), stops the
// background releaser and closes all worker sessions. Handles released after
// Close are dropped and counted, never enqueued.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	// Dropping the cache still enqueues its releases; the final releaser run
	// below flushes them best-effort before sessions go away.
	c.compilations.clear()

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.releaser.stop()

	err := c.sessCache.closeAll()
	if err2 := c.allocCache.closeAll(); err == nil {
		err = err2
	}
	if c.meshService != nil {
		if err2 := c.meshService.Close(); err == nil {
			err = err2
		}
		c.meshService = nil
	}
	return err
}

// checkOpen returns an error if the client has been closed.
func (c *Client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return errors.New("client is closed")
	}
	return nil
}

// GetDefaultDevice returns the device used when an operation names none.
func (c *Client) GetDefaultDevice() string {
	return c.opts.DefaultDevice
}

// GetLocalDevices returns the sorted list of devices this client handles.
func (c *Client) GetLocalDevices() []string {
	devices := slices.Collect(maps.Keys(c.opts.Devices))
	slices.Sort(devices)
	return devices
}

// GetNumDevices returns the number of devices this client handles.
func (c *Client) GetNumDevices() int {
	return len(c.opts.Devices)
}

// GetMetrics returns a snapshot of the client process metrics.
func (c *Client) GetMetrics() map[string]metrics.Metric {
	return metrics.Collect()
}

// DeviceMeshCoords returns the mesh coordinates of a logical device, or nil
// if the topology does not describe it.
func (c *Client) DeviceMeshCoords(device string) []int {
	path, err := c.devicePath(c.effectiveDevice(device))
	if err != nil {
		return nil
	}
	return c.deviceMeshCoords[path]
}

// GetResourceDomain returns the compilation domain of a device: the endpoint
// of the worker serving it. Compiled-program handles are only valid within
// the domain that produced them.
func (c *Client) GetResourceDomain(device string) (string, error) {
	_, endpoint, err := c.resolveDevice(c.effectiveDevice(device))
	return endpoint, err
}

// effectiveDevice substitutes the default device for an empty device name.
func (c *Client) effectiveDevice(device string) string {
	if device == "" {
		return c.opts.DefaultDevice
	}
	return device
}

// devicePath maps a logical device to its full worker-qualified path.
func (c *Client) devicePath(device string) (string, error) {
	path, found := c.opts.GlobalDeviceMap[device]
	if !found {
		return "", topologyErrorf(device, "device %q has no entry in the global device map", device)
	}
	return path, nil
}

// resolveDevice resolves a logical device to its worker and endpoint:
// device -> full device path -> worker -> endpoint.
func (c *Client) resolveDevice(device string) (Worker, string, error) {
	path, err := c.devicePath(device)
	if err != nil {
		return Worker{}, "", err
	}
	worker, _, err := parseDevicePath(path)
	if err != nil {
		return Worker{}, "", err
	}
	endpoint, found := c.opts.Workers[worker]
	if !found {
		return worker, "", topologyErrorf(device, "worker %s for device %q has no endpoint", worker, device)
	}
	return worker, endpoint, nil
}

// sessionForDevice returns the shared session (from the given cache) to the
// worker serving the device.
func (c *Client) sessionForDevice(cache *sessionCache, device string) (transport.Session, error) {
	_, endpoint, err := c.resolveDevice(device)
	if err != nil {
		return nil, err
	}
	return cache.sessionForTarget(endpoint)
}

// Compile compiles a serialized program for the given target devices, going
// through the compilation cache: recompiling a program already compiled in
// the same domain (and not yet evicted) is a cache hit and issues no RPC.
//
// The compilation device is the first target device; its worker endpoint is
// the compilation domain the returned Computation is scoped to.
func (c *Client) Compile(program []byte, devices []string) (*Computation, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		devices = []string{c.opts.DefaultDevice}
	}
	device := c.effectiveDevice(devices[0])
	domain, err := c.GetResourceDomain(device)
	if err != nil {
		return nil, err
	}
	return c.compilations.getOrCompile(domain, program, func() (*Computation, error) {
		return c.compileOnDevice(program, device, devices, domain)
	})
}

// compileOnDevice is the compiler collaborator: it issues the compile RPC on
// the device's worker and wraps the resulting program handle.
func (c *Client) compileOnDevice(program []byte, device string, devices []string, domain string) (*Computation, error) {
	session, err := c.sessionForDevice(c.sessCache, device)
	if err != nil {
		return nil, err
	}
	path, err := c.devicePath(device)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	node := session.Node(transport.OpCompile, path)
	feeds := transport.Feeds{node.Holders[0]: program}
	values, err := session.Run(feeds, []string{node.Fetch}, nil)
	if err != nil {
		return nil, &CompileError{Device: device, Diagnostic: "remote compiler rejected program", cause: err}
	}
	metrics.CompileSeconds.Observe(time.Since(start).Seconds())
	result, ok := values[0].(*transport.CompileResult)
	if !ok {
		return nil, &CompileError{Device: device, Diagnostic: "transport returned an unexpected compile result type"}
	}
	metrics.CreateCompileHandles.Inc()
	return &Computation{
		program:     program,
		outputShape: result.OutputShape,
		devices:     slices.Clone(devices),
		domain:      domain,
		device:      device,
		handle: newRemoteHandle(result.Handle, func(handle int64) {
			c.releaseComputation(device, handle)
		}),
	}, nil
}
