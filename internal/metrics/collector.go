// Package metrics is a small in-process collector that renders the
// Prometheus text exposition format.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide collector.
var Collector = NewCollector()

// Registry aggregates counters, gauges and histograms.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	startTime  time.Time
}

// NewCollector creates an empty registry.
func NewCollector() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		startTime:  time.Now(),
	}
}

// Uptime returns how long the registry has existed.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.startTime)
}

type meta struct {
	name   string
	help   string
	labels string
}

func (m meta) series(suffix string) string {
	if m.labels == "" {
		return m.name + suffix
	}
	return m.name + suffix + "{" + m.labels + "}"
}

// Counter only goes up.
type Counter struct {
	meta
	value atomic.Int64
}

func (c *Counter) Inc() { c.value.Add(1) }
func (c *Counter) Add(n int64) { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge goes up and down.
type Gauge struct {
	meta
	value atomic.Int64
}

func (g *Gauge) Set(v int64) { g.value.Store(v) }
func (g *Gauge) Inc() { g.value.Add(1) }
func (g *Gauge) Dec() { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks a distribution over fixed upper bounds.
type Histogram struct {
	meta
	mu      sync.Mutex
	count   int64
	sum     float64
	bounds  []float64
	buckets []int64
}

// Observe records one value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.buckets[i]++
		}
	}
}

// Since observes the seconds elapsed since start.
func (h *Histogram) Since(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func key(name, labels string) string { return name + "{" + labels + "}" }

// Counter returns or creates a counter.
func (r *Registry) Counter(name, help, labels string) *Counter {
	k := key(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[k]; ok {
		return c
	}
	c := &Counter{meta: meta{name, help, labels}}
	r.counters[k] = c
	return c
}

// Gauge returns or creates a gauge.
func (r *Registry) Gauge(name, help, labels string) *Gauge {
	k := key(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[k]; ok {
		return g
	}
	g := &Gauge{meta: meta{name, help, labels}}
	r.gauges[k] = g
	return g
}

// Histogram returns or creates a histogram with the given bucket bounds.
func (r *Registry) Histogram(name, help, labels string, bounds []float64) *Histogram {
	k := key(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[k]; ok {
		return h
	}
	b := append([]float64(nil), bounds...)
	sort.Float64s(b)
	h := &Histogram{meta: meta{name, help, labels}, bounds: b, buckets: make([]int64, len(b))}
	r.histograms[k] = h
	return h
}

// Render writes every series in Prometheus text format, sorted by series key.
func (r *Registry) Render() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# HELP teamchat_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE teamchat_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "teamchat_uptime_seconds %d\n", int64(r.Uptime().Seconds()))

	r.mu.RLock()
	defer r.mu.RUnlock()

	header := func(written map[string]bool, m meta, kind string) {
		if written[m.name] {
			return
		}
		written[m.name] = true
		fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s %s\n", m.name, m.help, m.name, kind)
	}

	written := make(map[string]bool)
	for _, k := range sortedKeys(r.counters) {
		c := r.counters[k]
		header(written, c.meta, "counter")
		fmt.Fprintf(&sb, "%s %d\n", c.series(""), c.Value())
	}
	for _, k := range sortedKeys(r.gauges) {
		g := r.gauges[k]
		header(written, g.meta, "gauge")
		fmt.Fprintf(&sb, "%s %d\n", g.series(""), g.Value())
	}
	for _, k := range sortedKeys(r.histograms) {
		h := r.histograms[k]
		header(written, h.meta, "histogram")
		h.mu.Lock()
		labels := ""
		if h.labels != "" {
			labels = h.labels + ","
		}
		for i, le := range h.bounds {
			bound := fmt.Sprintf("%g", le)
			if math.IsInf(le, 1) {
				bound = "+Inf"
			}
			fmt.Fprintf(&sb, "%s_bucket{%sle=\"%s\"} %d\n", h.name, labels, bound, h.buckets[i])
		}
		fmt.Fprintf(&sb, "%s_bucket{%sle=\"+Inf\"} %d\n", h.name, labels, h.count)
		fmt.Fprintf(&sb, "%s %d\n", h.series("_count"), h.count)
		fmt.Fprintf(&sb, "%s %f\n", h.series("_sum"), h.sum)
		h.mu.Unlock()
	}
	return sb.String()
}

// Handler serves Render over HTTP.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, r.Render())
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Metrics used across the application.
var (
	Submits          = Collector.Counter("teamchat_submits_total", "Messages submitted from a composer", "")
	SendFailures     = Collector.Counter("teamchat_send_failures_total", "Send-message calls that failed", "")
	CommandModeTotal = Collector.Counter("teamchat_command_mode_total", "Times a composer entered command mode", "")
	UploadsTotal     = Collector.Counter("teamchat_uploads_total", "Attachment uploads started", "")
	UploadFailures   = Collector.Counter("teamchat_upload_failures_total", "Attachment uploads that failed", "")
	ActionsTotal     = Collector.Counter("teamchat_actions_total", "Message actions sent to the backend", "")
	ActionFailures   = Collector.Counter("teamchat_action_failures_total", "Message actions that failed", "")
	ActionRemovals   = Collector.Counter("teamchat_action_removals_total", "Actions that resolved by removing the message", "")
	WSConnections    = Collector.Gauge("teamchat_websocket_connections", "Open websocket connections", "")

	SendLatency = Collector.Histogram("teamchat_send_latency_seconds", "Send-message latency in seconds", "",
		[]float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5})
	ActionLatency = Collector.Histogram("teamchat_action_latency_seconds", "Send-action latency in seconds", "",
		[]float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5})
)

// BridgeMessages counts messages a bridge received from its platform.
func BridgeMessages(bridge string) *Counter {
	return Collector.Counter("teamchat_bridge_messages_total", "Inbound messages received per bridge", `bridge="`+bridge+`"`)
}
