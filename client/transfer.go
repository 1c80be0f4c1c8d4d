// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package client

import (
	"github.com/pkg/errors"

	"github.com/gomlx/xrt/internal/metrics"
	"github.com/gomlx/xrt/transport"
)

// maxTransferPartitionBytes bounds how much literal data goes into a single
// allocation RPC. Larger batches are split so no single round trip pins an
// unbounded amount of memory on either side.
const maxTransferPartitionBytes = 256 << 20

// partitionTransfers splits the literals into runs of contiguous indices
// whose total memory stays under maxTransferPartitionBytes (always at least
// one literal per partition). It returns the start index of each partition.
func partitionTransfers(literals []*transport.Literal) []int {
	partitions := []int{0}
	var total uintptr
	for i, literal := range literals {
		size := literal.Shape.Memory()
		if i > 0 && total+size > maxTransferPartitionBytes {
			partitions = append(partitions, i)
			total = 0
		}
		total += size
	}
	return partitions
}

// TransferToServer materializes host literals as device values, returning
// one Data per literal, in order. The allocations are batched over the
// allocation session pool -- independent from compute traffic -- and very
// large batches are split into bounded partitions.
func (c *Client) TransferToServer(literals []*transport.Literal, device string) ([]*Data, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	device = c.effectiveDevice(device)
	session, err := c.sessionForDevice(c.allocCache, device)
	if err != nil {
		return nil, err
	}
	path, err := c.devicePath(device)
	if err != nil {
		return nil, err
	}

	results := make([]*Data, 0, len(literals))
	partitions := partitionTransfers(literals)
	for p, start := range partitions {
		end := len(literals)
		if p+1 < len(partitions) {
			end = partitions[p+1]
		}
		feeds := make(transport.Feeds)
		fetches := make([]string, 0, end-start)
		var batchBytes uintptr
		for _, literal := range literals[start:end] {
			node := session.Node(transport.OpAllocate, path)
			feeds[node.Holders[0]] = literal
			fetches = append(fetches, node.Fetch)
			batchBytes += literal.Shape.Memory()
		}
		values, err := session.Run(feeds, fetches, nil)
		if err != nil {
			return nil, transportError(session.Target(), err)
		}
		metrics.TransferToServerBytes.Add(float64(batchBytes))
		for i, value := range values {
			handle, ok := value.(int64)
			if !ok {
				return nil, errors.Errorf("transport returned %T for an allocation, expected int64 handle", value)
			}
			metrics.CreateDataHandles.Inc()
			results = append(results, newData(device, literals[start+i].Shape, newRemoteHandle(handle, func(h int64) {
				c.releaseData(device, h)
			})))
		}
	}
	return results, nil
}

// TransferFromServer reads device values back as host literals, in the order
// of the given handles. Reads are batched per target session and issued
// concurrently across targets.
func (c *Client) TransferFromServer(datas []*Data) ([]*transport.Literal, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	set := newSessionWorkSet()
	for i, data := range datas {
		handle, err := data.Handle()
		if err != nil {
			return nil, err
		}
		session, err := c.sessionForDevice(c.allocCache, data.Device())
		if err != nil {
			return nil, err
		}
		path, err := c.devicePath(data.Device())
		if err != nil {
			return nil, err
		}
		work := set.workFor(session)
		node := session.Node(transport.OpRead, path)
		work.feeds[node.Holders[0]] = handle
		work.add(node.Fetch, i)
	}

	values, errs := set.run(len(datas))
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	literals := make([]*transport.Literal, len(datas))
	var totalBytes uintptr
	for i, value := range values {
		literal, ok := value.(*transport.Literal)
		if !ok {
			return nil, errors.Errorf("transport returned %T for a read, expected *transport.Literal", value)
		}
		literals[i] = literal
		totalBytes += literal.Shape.Memory()
	}
	metrics.TransferFromServerBytes.Add(float64(totalBytes))
	return literals, nil
}
