// Copyright 2024-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics tracks process-wide counters and timings for the
// computation client on a private Prometheus registry.
//
// The registry is not exposed over HTTP by this module; callers get a plain
// snapshot through Collect (surfaced as Client.GetMetrics).
package metrics

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry = prometheus.NewRegistry()

	CreateDataHandles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xrt_create_data_handles_total",
		Help: "Data handles created on remote devices.",
	})

	ReleaseDataHandles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xrt_release_data_handles_total",
		Help: "Data handles enqueued for release.",
	})

	DestroyDataHandles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xrt_destroy_data_handles_total",
		Help: "Data handles destroyed on remote devices.",
	})

	CreateCompileHandles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xrt_create_compile_handles_total",
		Help: "Compiled-program handles created on remote devices.",
	})

	ReleaseCompileHandles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xrt_release_compile_handles_total",
		Help: "Compiled-program handles enqueued for release.",
	})

	DestroyCompileHandles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xrt_destroy_compile_handles_total",
		Help: "Compiled-program handles destroyed on remote devices.",
	})

	ReleaseFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xrt_release_failures_total",
		Help: "Batched release RPCs that failed (best-effort, never retried).",
	})

	DroppedReleases = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xrt_dropped_releases_total",
		Help: "Handle releases dropped because the client was already closed.",
	})

	CompileCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xrt_compile_cache_hits_total",
		Help: "Compilation cache hits.",
	})

	CompileCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xrt_compile_cache_misses_total",
		Help: "Compilation cache misses (programs compiled).",
	})

	TransferToServerBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xrt_transfer_to_server_bytes",
		Help: "Bytes transferred from host to remote devices.",
	})

	TransferFromServerBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xrt_transfer_from_server_bytes",
		Help: "Bytes transferred from remote devices to host.",
	})

	CompileSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "xrt_compile_seconds",
		Help:    "Remote compilation latency, in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	ExecuteSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "xrt_execute_seconds",
		Help:    "Remote execution latency, in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})
)

func init() {
	registry.MustRegister(
		CreateDataHandles, ReleaseDataHandles, DestroyDataHandles,
		CreateCompileHandles, ReleaseCompileHandles, DestroyCompileHandles,
		ReleaseFailures, DroppedReleases,
		CompileCacheHits, CompileCacheMisses,
		TransferToServerBytes, TransferFromServerBytes,
		CompileSeconds, ExecuteSeconds,
	)
}

// Metric is a point-in-time snapshot of one metric.
// For histograms Value is the sum of observations and Count the number of them.
type Metric struct {
	Name  string
	Help  string
	Value float64
	Count uint64
}

// String pretty-prints the metric. Byte counters are humanized.
func (m Metric) String() string {
	if strings.HasSuffix(m.Name, "_bytes") {
		return fmt.Sprintf("%s: %s", m.Name, humanize.Bytes(uint64(m.Value)))
	}
	if m.Count > 0 {
		return fmt.Sprintf("%s: %g (n=%d)", m.Name, m.Value, m.Count)
	}
	return fmt.Sprintf("%s: %g", m.Name, m.Value)
}

// Collect gathers the registry into a map keyed by metric name.
func Collect() map[string]Metric {
	families, err := registry.Gather()
	if err != nil {
		// The private registry only holds the metrics above; Gather on it
		// cannot fail unless there is a programming error.
		panic(err)
	}
	snapshot := make(map[string]Metric, len(families))
	for _, family := range families {
		if len(family.Metric) == 0 {
			continue
		}
		m := Metric{Name: family.GetName(), Help: family.GetHelp()}
		sample := family.Metric[0]
		switch {
		case sample.Counter != nil:
			m.Value = sample.Counter.GetValue()
		case sample.Gauge != nil:
			m.Value = sample.Gauge.GetValue()
		case sample.Histogram != nil:
			m.Value = sample.Histogram.GetSampleSum()
			m.Count = sample.Histogram.GetSampleCount()
		}
		snapshot[m.Name] = m
	}
	return snapshot
}
