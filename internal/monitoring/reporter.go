package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/charmbracelet/log"
)

// DefaultReportInterval is how often the node posts its load to the
// monitor service.
const DefaultReportInterval = 30 * time.Second

// report is the POST /metrics payload the monitor ingests.
type report struct {
	NodeID    string   `json:"node_id"`
	Timestamp string   `json:"timestamp"`
	UptimeS   float64  `json:"uptime_s"`
	Counters  Snapshot `json:"counters"`
	Resources resource `json:"resources"`
}

type resource struct {
	Goroutines int    `json:"goroutines"`
	HeapAllocB uint64 `json:"heap_alloc_bytes"`
	HeapSysB   uint64 `json:"heap_sys_bytes"`
	NumGC      uint32 `json:"num_gc"`
	NumCPU     int    `json:"num_cpu"`
}

// Reporter periodically POSTs the node's counters to the monitor. A dead
// monitor only costs a WARN; data flow never depends on it.
type Reporter struct {
	url      string
	nodeID   string
	interval time.Duration
	metrics  *Metrics
	client   *http.Client
	log      *log.Logger
	started  time.Time
}

// NewReporter builds a reporter for the given monitor URL. An empty URL
// disables reporting (Run exits immediately).
func NewReporter(url, nodeID string, interval time.Duration, metrics *Metrics, logger *log.Logger) *Reporter {
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	return &Reporter{
		url:      url,
		nodeID:   nodeID,
		interval: interval,
		metrics:  metrics,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      logger,
		started:  time.Now(),
	}
}

// Run posts reports until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) error {
	if r.url == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.post(ctx); err != nil {
				r.log.Warn("load report failed", "err", err)
			}
		}
	}
}

func (r *Reporter) post(ctx context.Context) error {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	body, err := json.Marshal(report{
		NodeID:    r.nodeID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		UptimeS:   time.Since(r.started).Seconds(),
		Counters:  r.metrics.Snapshot(),
		Resources: resource{
			Goroutines: runtime.NumGoroutine(),
			HeapAllocB: ms.HeapAlloc,
			HeapSysB:   ms.HeapSys,
			NumGC:      ms.NumGC,
			NumCPU:     runtime.NumCPU(),
		},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("monitor returned %s", resp.Status)
	}
	return nil
}
