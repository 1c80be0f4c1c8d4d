// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"

	"github.com/pkg/errors"
)

// CompileError reports a program rejected by the remote compiler. It is fatal
// to the compile request that triggered it; other cached programs are
// unaffected.
type CompileError struct {
	Device     string
	Diagnostic string
	cause      error
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	msg := fmt.Sprintf("compilation failed on device %q", e.Device)
	if e.Diagnostic != "" {
		msg += ": " + e.Diagnostic
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Unwrap returns the underlying compiler error, if any.
func (e *CompileError) Unwrap() error { return e.cause }

// TransportError reports a session RPC that failed or timed out. It is fatal
// to the specific execute or transfer request; the session itself is retried
// lazily on next use, not torn down.
type TransportError struct {
	Target string
	cause  error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure on target %q: %v", e.Target, e.cause)
}

// Unwrap returns the underlying transport error.
func (e *TransportError) Unwrap() error { return e.cause }

// TopologyError reports an unresolvable device name, an inconsistent Options
// structure or a failed mesh rendezvous. It is surfaced at construction or at
// the first reference to the offending device.
type TopologyError struct {
	Device string
	cause  error
}

// Error implements the error interface.
func (e *TopologyError) Error() string {
	if e.Device != "" {
		return fmt.Sprintf("topology error for %q: %v", e.Device, e.cause)
	}
	return fmt.Sprintf("topology error: %v", e.cause)
}

// Unwrap returns the underlying cause.
func (e *TopologyError) Unwrap() error { return e.cause }

func topologyErrorf(device, format string, args ...any) error {
	return &TopologyError{Device: device, cause: errors.Errorf(format, args...)}
}

func transportError(target string, cause error) error {
	if cause == nil {
		return nil
	}
	return &TransportError{Target: target, cause: cause}
}
