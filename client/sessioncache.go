// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package client

import (
	"github.com/gomlx/xrt/internal/xsync"
	"github.com/gomlx/xrt/transport"
)

// sessionCache hands out one shared session per worker endpoint, dialing
// lazily on first use. The client keeps two independent caches -- one for
// compute operations and one for allocation/transfer -- because the transport
// segregates connection pools by purpose: a slow transfer must not starve an
// execute op, and vice versa.
//
// Dialing happens outside the map: the first resolver of an endpoint installs
// an entry and dials, concurrent resolvers wait on that entry's latch, so they
// always observe a single shared session.
type sessionCache struct {
	dialer  transport.Dialer
	entries xsync.SyncMap[string, *sessionEntry]
}

type sessionEntry struct {
	ready   *xsync.Latch
	session transport.Session
	err     error
}

func newSessionCache(dialer transport.Dialer) *sessionCache {
	return &sessionCache{dialer: dialer}
}

// sessionForTarget returns the shared session for a worker endpoint, dialing
// it on first use. A failed dial is not cached: the next caller retries.
func (c *sessionCache) sessionForTarget(target string) (transport.Session, error) {
	if entry, found := c.entries.Load(target); found {
		entry.ready.Wait()
		return entry.session, entry.err
	}
	entry, loaded := c.entries.LoadOrStore(target, &sessionEntry{ready: xsync.NewLatch()})
	if loaded {
		entry.ready.Wait()
		return entry.session, entry.err
	}

	entry.session, entry.err = c.dialer.Dial(target)
	if entry.err != nil {
		entry.err = transportError(target, entry.err)
		c.entries.Delete(target)
	}
	entry.ready.Trigger()
	return entry.session, entry.err
}

// closeAll closes every cached session, keeping the last error.
func (c *sessionCache) closeAll() error {
	var lastErr error
	c.entries.Range(func(target string, entry *sessionEntry) bool {
		c.entries.Delete(target)
		entry.ready.Wait()
		if entry.session == nil {
			return true
		}
		if err := entry.session.Close(); err != nil {
			lastErr = transportError(target, err)
		}
		return true
	})
	return lastErr
}
