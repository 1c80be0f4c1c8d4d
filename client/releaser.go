// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"

	"github.com/gomlx/xrt/internal/metrics"
	"github.com/gomlx/xrt/internal/xsync"
	"github.com/gomlx/xrt/transport"
)

// deviceHandle is a remote handle awaiting release, tagged with the device
// whose worker must perform the deallocation.
type deviceHandle struct {
	device string
	handle int64
}

// triggeredTask runs a function in a dedicated background goroutine, woken by
// an explicit trigger rather than polling. Stop triggers one final run (the
// best-effort flush of whatever is still pending) and waits for the loop to
// exit.
type triggeredTask struct {
	wake chan struct{}
	quit *xsync.Latch
	done *xsync.Latch
}

func newTriggeredTask(run func()) *triggeredTask {
	t := &triggeredTask{
		wake: make(chan struct{}, 1),
		quit: xsync.NewLatch(),
		done: xsync.NewLatch(),
	}
	go func() {
		defer t.done.Trigger()
		for {
			select {
			case <-t.wake:
				run()
			case <-t.quit.WaitChan():
				run()
				return
			}
		}
	}()
	return t
}

// trigger wakes the task. Multiple triggers before the task runs coalesce.
func (t *triggeredTask) trigger() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// stop shuts the loop down after one final run and waits for it to finish.
func (t *triggeredTask) stop() {
	t.quit.Trigger()
	t.done.Wait()
}

// releaseData enqueues a data handle for asynchronous remote deallocation.
// Called from remoteHandle releasers: it must never block on an RPC.
func (c *Client) releaseData(device string, handle int64) {
	metrics.ReleaseDataHandles.Inc()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		metrics.DroppedReleases.Inc()
		return
	}
	c.releasedDataHandles = append(c.releasedDataHandles, deviceHandle{device: device, handle: handle})
	c.mu.Unlock()
	c.releaser.trigger()
}

// releaseComputation enqueues a compiled-program handle for asynchronous
// remote deallocation on its compilation device.
func (c *Client) releaseComputation(device string, handle int64) {
	metrics.ReleaseCompileHandles.Inc()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		metrics.DroppedReleases.Inc()
		return
	}
	c.releasedCompileHandles = append(c.releasedCompileHandles, deviceHandle{device: device, handle: handle})
	c.mu.Unlock()
	c.releaser.trigger()
}

// handleReleaser is the body of the background releaser task: it swaps out
// the pending batches under the lock, then issues one grouped release RPC per
// target per resource kind. Failures are logged and metered, never retried
// and never surfaced -- leaking a remote handle wastes remote memory but
// cannot corrupt client state.
func (c *Client) handleReleaser() {
	c.mu.Lock()
	dataHandles := c.releasedDataHandles
	compileHandles := c.releasedCompileHandles
	c.releasedDataHandles = nil
	c.releasedCompileHandles = nil
	c.mu.Unlock()

	c.releaseHandles(dataHandles, transport.OpReleaseAllocation, metrics.DestroyDataHandles)
	c.releaseHandles(compileHandles, transport.OpReleaseCompilation, metrics.DestroyCompileHandles)
}

// releaseHandles groups the drained handles by device and issues one batched
// release RPC per device.
func (c *Client) releaseHandles(handles []deviceHandle, kind transport.OpKind, destroyed prometheus.Counter) {
	if len(handles) == 0 {
		return
	}
	byDevice := make(map[string][]int64)
	for _, dh := range handles {
		byDevice[dh.device] = append(byDevice[dh.device], dh.handle)
	}
	for device, deviceHandles := range byDevice {
		session, err := c.sessionForDevice(c.sessCache, device)
		if err != nil {
			metrics.ReleaseFailures.Inc()
			klog.Warningf("release of %d handles on device %q: no session: %v", len(deviceHandles), device, err)
			continue
		}
		path, err := c.devicePath(device)
		if err != nil {
			metrics.ReleaseFailures.Inc()
			klog.Warningf("release of %d handles on device %q: %v", len(deviceHandles), device, err)
			continue
		}
		node := session.Node(kind, path)
		feeds := transport.Feeds{node.Holders[0]: deviceHandles}
		if _, err := session.Run(feeds, nil, []string{node.Target}); err != nil {
			metrics.ReleaseFailures.Inc()
			klog.Warningf("%s of %d handles on device %q failed: %v", kind, len(deviceHandles), device, err)
			continue
		}
		destroyed.Add(float64(len(deviceHandles)))
	}
}
