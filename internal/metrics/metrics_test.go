// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCollect(t *testing.T) {
	CreateDataHandles.Inc()
	CompileSeconds.Observe(0.25)

	snapshot := Collect()
	created, found := snapshot["xrt_create_data_handles_total"]
	require.True(t, found)
	require.GreaterOrEqual(t, created.Value, 1.0)
	require.NotEmpty(t, created.Help)

	compile, found := snapshot["xrt_compile_seconds"]
	require.True(t, found)
	require.GreaterOrEqual(t, compile.Count, uint64(1))
	require.GreaterOrEqual(t, compile.Value, 0.25)
}

func TestMetricString(t *testing.T) {
	m := Metric{Name: "xrt_transfer_to_server_bytes", Value: 2 << 20}
	require.Contains(t, m.String(), "MB")

	m = Metric{Name: "xrt_execute_seconds", Value: 1.5, Count: 3}
	require.Contains(t, m.String(), "n=3")

	m = Metric{Name: "xrt_release_failures_total", Value: 2}
	require.Equal(t, "xrt_release_failures_total: 2", m.String())
}
