// Package monitoring holds the parser node's counters and ships them to
// the fleet monitor. Counters are plain atomics updated on the hot path;
// the reporter snapshots and POSTs them on a fixed cadence.
package monitoring

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat"
)

// latencySamples bounds the frame-latency ring. One entry per decoded
// frame; at typical device cadence this covers the last few minutes.
const latencySamples = 4096

// Metrics is the process-wide counter set.
type Metrics struct {
	ActiveConnections atomic.Int64
	TotalConnections  atomic.Int64
	RejectedConns     atomic.Int64
	BytesIn           atomic.Int64
	FramesDecoded     atomic.Int64
	Pings             atomic.Int64
	RecordsParsed     atomic.Int64
	RecordsPublished  atomic.Int64
	PublishFailures   atomic.Int64
	DecodeErrors      atomic.Int64
	CommandsSent      atomic.Int64
	CommandResponses  atomic.Int64

	mu        sync.Mutex
	latencies []float64
	latIdx    int
}

// ObserveFrameLatency records the wall time from frame decode to final
// broker confirm.
func (m *Metrics) ObserveFrameLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := d.Seconds()
	if len(m.latencies) < latencySamples {
		m.latencies = append(m.latencies, v)
		return
	}
	m.latencies[m.latIdx] = v
	m.latIdx = (m.latIdx + 1) % latencySamples
}

// LatencyQuantiles returns the p50/p95/p99 frame latencies in seconds, or
// zeros when no frames have been observed yet.
func (m *Metrics) LatencyQuantiles() (p50, p95, p99 float64) {
	m.mu.Lock()
	samples := make([]float64, len(m.latencies))
	copy(samples, m.latencies)
	m.mu.Unlock()

	if len(samples) == 0 {
		return 0, 0, 0
	}
	sort.Float64s(samples)
	p50 = stat.Quantile(0.50, stat.Empirical, samples, nil)
	p95 = stat.Quantile(0.95, stat.Empirical, samples, nil)
	p99 = stat.Quantile(0.99, stat.Empirical, samples, nil)
	return p50, p95, p99
}

// Snapshot is a point-in-time copy of the counters for reporting.
type Snapshot struct {
	ActiveConnections int64   `json:"active_connections"`
	TotalConnections  int64   `json:"total_connections"`
	RejectedConns     int64   `json:"rejected_connections"`
	BytesIn           int64   `json:"bytes_in"`
	FramesDecoded     int64   `json:"frames_decoded"`
	Pings             int64   `json:"pings"`
	RecordsParsed     int64   `json:"records_parsed"`
	RecordsPublished  int64   `json:"records_published"`
	PublishFailures   int64   `json:"publish_failures"`
	DecodeErrors      int64   `json:"decode_errors"`
	CommandsSent      int64   `json:"commands_sent"`
	CommandResponses  int64   `json:"command_responses"`
	FrameLatencyP50   float64 `json:"frame_latency_p50_s"`
	FrameLatencyP95   float64 `json:"frame_latency_p95_s"`
	FrameLatencyP99   float64 `json:"frame_latency_p99_s"`
}

// Snapshot captures the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	p50, p95, p99 := m.LatencyQuantiles()
	return Snapshot{
		ActiveConnections: m.ActiveConnections.Load(),
		TotalConnections:  m.TotalConnections.Load(),
		RejectedConns:     m.RejectedConns.Load(),
		BytesIn:           m.BytesIn.Load(),
		FramesDecoded:     m.FramesDecoded.Load(),
		Pings:             m.Pings.Load(),
		RecordsParsed:     m.RecordsParsed.Load(),
		RecordsPublished:  m.RecordsPublished.Load(),
		PublishFailures:   m.PublishFailures.Load(),
		DecodeErrors:      m.DecodeErrors.Load(),
		CommandsSent:      m.CommandsSent.Load(),
		CommandResponses:  m.CommandResponses.Load(),
		FrameLatencyP50:   p50,
		FrameLatencyP95:   p95,
		FrameLatencyP99:   p99,
	}
}
