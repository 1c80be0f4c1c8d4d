// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package client

import (
	"time"

	"github.com/pkg/errors"
)

// DefaultMeshTimeout bounds the multi-host rendezvous at construction.
// Exceeding it fails client construction, there is no degraded mode.
const DefaultMeshTimeout = 5 * time.Minute

// Options configures a Client. It is supplied once at construction and never
// mutated afterwards.
type Options struct {
	// DefaultDevice is the logical device (e.g. "TPU:0") used when an
	// operation does not name one.
	DefaultDevice string

	// GlobalDeviceMap maps every logical device in the mesh to its full
	// worker-qualified device path, e.g.
	// "TPU:0" -> "/job:tpu_worker/replica:0/task:0/device:TPU:0".
	GlobalDeviceMap map[string]string

	// Devices is the set of logical devices this client instance is
	// responsible for. Every entry must resolve through GlobalDeviceMap.
	Devices map[string]bool

	// Workers maps each worker to its network endpoint.
	Workers map[Worker]string

	// LocalWorker identifies this host within Workers. Only consulted for
	// multi-host configurations.
	LocalWorker Worker

	// MeshAddress is the endpoint of the mesh rendezvous service for
	// multi-host configurations. The task-0 host starts the service there;
	// every host joins it before the client accepts operations.
	// Empty for single-host configurations.
	MeshAddress string

	// MeshTimeout bounds the rendezvous. Zero means DefaultMeshTimeout.
	MeshTimeout time.Duration

	// CompilationCacheSize is the capacity of the compilation cache.
	// Zero means DefaultCompilationCacheSize.
	CompilationCacheSize int
}

// validate checks the Options invariants. It never issues an RPC.
func (o *Options) validate() error {
	if o.DefaultDevice == "" {
		return &TopologyError{cause: errors.New("Options.DefaultDevice must be set")}
	}
	if len(o.Devices) == 0 {
		return &TopologyError{cause: errors.New("Options.Devices must not be empty")}
	}
	devices := make([]string, 0, len(o.Devices)+1)
	devices = append(devices, o.DefaultDevice)
	for device := range o.Devices {
		devices = append(devices, device)
	}
	for _, device := range devices {
		path, found := o.GlobalDeviceMap[device]
		if !found {
			return topologyErrorf(device, "device %q has no entry in Options.GlobalDeviceMap", device)
		}
		worker, _, err := parseDevicePath(path)
		if err != nil {
			return err
		}
		if _, found := o.Workers[worker]; !found {
			return topologyErrorf(device, "worker %s for device %q has no endpoint in Options.Workers", worker, device)
		}
	}
	return nil
}

// multiHost returns whether this configuration requires the startup
// rendezvous: it is explicitly opted into by setting MeshAddress.
func (o *Options) multiHost() bool {
	return o.MeshAddress != ""
}

func (o *Options) meshTimeout() time.Duration {
	if o.MeshTimeout > 0 {
		return o.MeshTimeout
	}
	return DefaultMeshTimeout
}
