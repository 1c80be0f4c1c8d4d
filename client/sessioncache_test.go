// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package client

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/xrt/transport"
)

// countingDialer delays every dial so concurrent resolutions overlap, and
// can be switched to fail.
type countingDialer struct {
	dials   atomic.Int32
	failure atomic.Pointer[error]
}

func (d *countingDialer) Dial(target string) (transport.Session, error) {
	d.dials.Add(1)
	time.Sleep(10 * time.Millisecond)
	if errPtr := d.failure.Load(); errPtr != nil {
		return nil, *errPtr
	}
	return &stubSession{target: target}, nil
}

func (d *countingDialer) Capabilities() transport.Capabilities {
	return transport.Capabilities{}
}

type stubSession struct {
	target string
	closed atomic.Bool
}

func (s *stubSession) Target() string { return s.target }
func (s *stubSession) Node(kind transport.OpKind, device string) *transport.Node {
	return &transport.Node{Kind: kind, Device: device}
}
func (s *stubSession) Run(transport.Feeds, []string, []string) ([]transport.Value, error) {
	return nil, nil
}
func (s *stubSession) Close() error {
	s.closed.Store(true)
	return nil
}

func TestSessionCacheSingleDialPerTarget(t *testing.T) {
	dialer := &countingDialer{}
	cache := newSessionCache(dialer)

	const n = 16
	sessions := make([]transport.Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session, err := cache.sessionForTarget("worker0:8470")
			require.NoError(t, err)
			sessions[i] = session
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), dialer.dials.Load(), "concurrent resolutions must share one dial")
	for i := 1; i < n; i++ {
		require.Same(t, sessions[0], sessions[i])
	}

	// A different target dials its own session.
	other, err := cache.sessionForTarget("worker1:8470")
	require.NoError(t, err)
	require.NotSame(t, sessions[0], other)
	require.Equal(t, int32(2), dialer.dials.Load())
}

func TestSessionCacheFailedDialRetries(t *testing.T) {
	dialer := &countingDialer{}
	dialErr := errors.New("connection refused")
	dialer.failure.Store(&dialErr)
	cache := newSessionCache(dialer)

	_, err := cache.sessionForTarget("worker0:8470")
	require.Error(t, err)
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, "worker0:8470", transportErr.Target)

	// The failure was not cached: the next resolution dials again and
	// succeeds once the target is reachable.
	dialer.failure.Store(nil)
	session, err := cache.sessionForTarget("worker0:8470")
	require.NoError(t, err)
	require.NotNil(t, session)
	require.Equal(t, int32(2), dialer.dials.Load())

	// And the successful session is now shared.
	again, err := cache.sessionForTarget("worker0:8470")
	require.NoError(t, err)
	require.Same(t, session, again)
	require.Equal(t, int32(2), dialer.dials.Load())
}

func TestSessionCacheCloseAll(t *testing.T) {
	dialer := &countingDialer{}
	cache := newSessionCache(dialer)
	session, err := cache.sessionForTarget("worker0:8470")
	require.NoError(t, err)

	require.NoError(t, cache.closeAll())
	require.True(t, session.(*stubSession).closed.Load())

	// The cache is reusable after closeAll: a new resolution re-dials.
	_, err = cache.sessionForTarget("worker0:8470")
	require.NoError(t, err)
	require.Equal(t, int32(2), dialer.dials.Load())
}
