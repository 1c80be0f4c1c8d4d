// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Worker identifies one physical host process serving devices, by job name
// and task number. Workers order by (TaskNo, Name) so iteration over a worker
// set is deterministic.
type Worker struct {
	Name   string
	TaskNo int
}

// ParseWorker parses a "<name>:<task_no>" worker string.
func ParseWorker(worker string) (Worker, error) {
	idx := strings.LastIndex(worker, ":")
	if idx <= 0 {
		return Worker{}, topologyErrorf(worker, "invalid worker %q, expected \"<name>:<task_no>\"", worker)
	}
	taskNo, err := strconv.Atoi(worker[idx+1:])
	if err != nil {
		return Worker{}, topologyErrorf(worker, "invalid task number in worker %q", worker)
	}
	return Worker{Name: worker[:idx], TaskNo: taskNo}, nil
}

// Compare orders workers by (TaskNo, Name). It returns -1, 0 or +1.
func (w Worker) Compare(rhs Worker) int {
	if w.TaskNo != rhs.TaskNo {
		if w.TaskNo < rhs.TaskNo {
			return -1
		}
		return 1
	}
	return strings.Compare(w.Name, rhs.Name)
}

// String implements fmt.Stringer.
func (w Worker) String() string {
	return fmt.Sprintf("%s:%d", w.Name, w.TaskNo)
}

// sortedWorkerNames returns the worker names of a worker set in
// Worker.Compare order.
func sortedWorkerNames(workers map[Worker]string) []string {
	sorted := slices.Collect(maps.Keys(workers))
	slices.SortFunc(sorted, Worker.Compare)
	names := make([]string, len(sorted))
	for i, worker := range sorted {
		names[i] = worker.String()
	}
	return names
}

// DeviceID is a parsed logical device identifier: the accelerator kind
// ("TPU", "GPU", "CPU", ...) and the ordinal within its worker.
type DeviceID struct {
	Kind    string
	Ordinal int
}

// ParseDeviceID parses a "<kind>:<ordinal>" device string, e.g. "TPU:0".
func ParseDeviceID(device string) (DeviceID, error) {
	idx := strings.LastIndex(device, ":")
	if idx <= 0 {
		return DeviceID{}, topologyErrorf(device, "invalid device %q, expected \"<kind>:<ordinal>\"", device)
	}
	ordinal, err := strconv.Atoi(device[idx+1:])
	if err != nil {
		return DeviceID{}, topologyErrorf(device, "invalid ordinal in device %q", device)
	}
	return DeviceID{Kind: device[:idx], Ordinal: ordinal}, nil
}

// String implements fmt.Stringer.
func (d DeviceID) String() string {
	return fmt.Sprintf("%s:%d", d.Kind, d.Ordinal)
}

// parseDevicePath splits a full worker-qualified device path, e.g.
// "/job:tpu_worker/replica:0/task:0/device:TPU:0", into its worker and the
// device it exposes.
func parseDevicePath(path string) (Worker, DeviceID, error) {
	var worker Worker
	var device DeviceID
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) != 4 {
		return worker, device, topologyErrorf(path, "invalid device path %q", path)
	}
	for i, prefix := range []string{"job:", "replica:", "task:", "device:"} {
		if !strings.HasPrefix(parts[i], prefix) {
			return worker, device, topologyErrorf(path, "invalid device path %q: component %d must start with %q", path, i, prefix)
		}
	}
	worker.Name = strings.TrimPrefix(parts[0], "job:")
	taskNo, err := strconv.Atoi(strings.TrimPrefix(parts[2], "task:"))
	if err != nil {
		return worker, device, topologyErrorf(path, "invalid task in device path %q", path)
	}
	worker.TaskNo = taskNo
	device, err = ParseDeviceID(strings.TrimPrefix(parts[3], "device:"))
	if err != nil {
		return worker, device, err
	}
	return worker, device, nil
}
