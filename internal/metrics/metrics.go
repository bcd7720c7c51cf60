// Package metrics keeps in-process counters for the proxy dataplane,
// exported as a JSON snapshot on /healthz and in Prometheus text format
// on /metrics.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// durationBucketBounds are the histogram upper bounds in milliseconds.
var durationBucketBounds = []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// Collector accumulates request and stream counters.
type Collector struct {
	totalRequests   atomic.Int64
	successRequests atomic.Int64
	failedRequests  atomic.Int64

	totalStreams  atomic.Int64
	activeStreams atomic.Int64

	activeSessions atomic.Int64

	serverMu       sync.RWMutex
	serverRequests map[string]*atomic.Int64

	methodMu       sync.RWMutex
	methodRequests map[string]*atomic.Int64

	durationBuckets map[float64]*atomic.Int64
	durationSum     atomic.Int64
	durationCount   atomic.Int64

	startTime time.Time
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	buckets := make(map[float64]*atomic.Int64, len(durationBucketBounds))
	for _, b := range durationBucketBounds {
		buckets[b] = &atomic.Int64{}
	}
	return &Collector{
		serverRequests:  make(map[string]*atomic.Int64),
		methodRequests:  make(map[string]*atomic.Int64),
		durationBuckets: buckets,
		startTime:       time.Now(),
	}
}

// RecordRequest counts one routed forward request.
func (c *Collector) RecordRequest(serverID, method string, duration time.Duration, success bool) {
	c.totalRequests.Add(1)
	if success {
		c.successRequests.Add(1)
	} else {
		c.failedRequests.Add(1)
	}

	if serverID != "" {
		c.serverMu.Lock()
		counter, ok := c.serverRequests[serverID]
		if !ok {
			counter = &atomic.Int64{}
			c.serverRequests[serverID] = counter
		}
		counter.Add(1)
		c.serverMu.Unlock()
	}

	c.methodMu.Lock()
	counter, ok := c.methodRequests[method]
	if !ok {
		counter = &atomic.Int64{}
		c.methodRequests[method] = counter
	}
	counter.Add(1)
	c.methodMu.Unlock()

	ms := duration.Milliseconds()
	c.durationSum.Add(ms)
	c.durationCount.Add(1)
	for bound, counter := range c.durationBuckets {
		if float64(ms) <= bound {
			counter.Add(1)
		}
	}
}

// RecordStream counts an SSE stream attach (true) or detach (false).
func (c *Collector) RecordStream(open bool) {
	if open {
		c.totalStreams.Add(1)
		c.activeStreams.Add(1)
	} else {
		c.activeStreams.Add(-1)
	}
}

// RecordSession counts a session open (true) or close (false).
func (c *Collector) RecordSession(open bool) {
	if open {
		c.activeSessions.Add(1)
	} else {
		c.activeSessions.Add(-1)
	}
}

// PrometheusFormat renders the counters in Prometheus text format.
func (c *Collector) PrometheusFormat() string {
	var b strings.Builder

	writeCounter := func(name, help string, v int64) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s counter\n%s %d\n\n", name, help, name, name, v)
	}
	writeGauge := func(name, help string, v int64) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n\n", name, help, name, name, v)
	}

	writeCounter("petamcp_requests_total", "Total number of forward requests", c.totalRequests.Load())
	writeCounter("petamcp_requests_success_total", "Total number of successful forward requests", c.successRequests.Load())
	writeCounter("petamcp_requests_failed_total", "Total number of failed forward requests", c.failedRequests.Load())

	fmt.Fprintf(&b, "# HELP petamcp_requests_by_server_total Total number of requests per upstream server\n")
	fmt.Fprintf(&b, "# TYPE petamcp_requests_by_server_total counter\n")
	c.serverMu.RLock()
	for _, serverID := range sortedKeys(c.serverRequests) {
		fmt.Fprintf(&b, "petamcp_requests_by_server_total{server=%q} %d\n", serverID, c.serverRequests[serverID].Load())
	}
	c.serverMu.RUnlock()
	b.WriteString("\n")

	fmt.Fprintf(&b, "# HELP petamcp_requests_by_method_total Total number of requests per JSON-RPC method\n")
	fmt.Fprintf(&b, "# TYPE petamcp_requests_by_method_total counter\n")
	c.methodMu.RLock()
	for _, method := range sortedKeys(c.methodRequests) {
		fmt.Fprintf(&b, "petamcp_requests_by_method_total{method=%q} %d\n", method, c.methodRequests[method].Load())
	}
	c.methodMu.RUnlock()
	b.WriteString("\n")

	writeGauge("petamcp_sse_streams_active", "Number of attached SSE streams", c.activeStreams.Load())
	writeCounter("petamcp_sse_streams_total", "Total number of SSE streams opened", c.totalStreams.Load())
	writeGauge("petamcp_sessions_active", "Number of live client sessions", c.activeSessions.Load())

	fmt.Fprintf(&b, "# HELP petamcp_request_duration_milliseconds Forward request duration in milliseconds\n")
	fmt.Fprintf(&b, "# TYPE petamcp_request_duration_milliseconds histogram\n")
	var cumulative int64
	for _, bound := range durationBucketBounds {
		cumulative += c.durationBuckets[bound].Load()
		fmt.Fprintf(&b, "petamcp_request_duration_milliseconds_bucket{le=\"%.0f\"} %d\n", bound, cumulative)
	}
	fmt.Fprintf(&b, "petamcp_request_duration_milliseconds_bucket{le=\"+Inf\"} %d\n", c.durationCount.Load())
	fmt.Fprintf(&b, "petamcp_request_duration_milliseconds_sum %d\n", c.durationSum.Load())
	fmt.Fprintf(&b, "petamcp_request_duration_milliseconds_count %d\n\n", c.durationCount.Load())

	fmt.Fprintf(&b, "# HELP petamcp_uptime_seconds Uptime in seconds\n")
	fmt.Fprintf(&b, "# TYPE petamcp_uptime_seconds counter\n")
	fmt.Fprintf(&b, "petamcp_uptime_seconds %.0f\n", time.Since(c.startTime).Seconds())

	return b.String()
}

func sortedKeys(m map[string]*atomic.Int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot is the point-in-time counter view shown on /healthz.
type Snapshot struct {
	TotalRequests   int64            `json:"totalRequests"`
	SuccessRequests int64            `json:"successRequests"`
	FailedRequests  int64            `json:"failedRequests"`
	ActiveStreams   int64            `json:"activeStreams"`
	TotalStreams    int64            `json:"totalStreams"`
	ActiveSessions  int64            `json:"activeSessions"`
	AvgDurationMs   float64          `json:"avgDurationMs"`
	ServerRequests  map[string]int64 `json:"serverRequests"`
	MethodRequests  map[string]int64 `json:"methodRequests"`
	UptimeSeconds   float64          `json:"uptimeSeconds"`
}

// Snapshot captures the current counters.
func (c *Collector) Snapshot() *Snapshot {
	snap := &Snapshot{
		TotalRequests:   c.totalRequests.Load(),
		SuccessRequests: c.successRequests.Load(),
		FailedRequests:  c.failedRequests.Load(),
		ActiveStreams:   c.activeStreams.Load(),
		TotalStreams:    c.totalStreams.Load(),
		ActiveSessions:  c.activeSessions.Load(),
		ServerRequests:  make(map[string]int64),
		MethodRequests:  make(map[string]int64),
		UptimeSeconds:   time.Since(c.startTime).Seconds(),
	}
	if n := c.durationCount.Load(); n > 0 {
		snap.AvgDurationMs = float64(c.durationSum.Load()) / float64(n)
	}
	c.serverMu.RLock()
	for id, counter := range c.serverRequests {
		snap.ServerRequests[id] = counter.Load()
	}
	c.serverMu.RUnlock()
	c.methodMu.RLock()
	for method, counter := range c.methodRequests {
		snap.MethodRequests[method] = counter.Load()
	}
	c.methodMu.RUnlock()
	return snap
}
