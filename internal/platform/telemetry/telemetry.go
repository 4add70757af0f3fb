// Package telemetry keeps in-process counters and histograms for the HTTP
// surface and the plan check engine, and serves them in the Prometheus text
// exposition format.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// Bulk queries walk the whole archive, so the upper buckets are generous.
var durationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900}

const requestDuration = "http_server_request_duration_seconds"

// histogram stores non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	mu      sync.Mutex
	buckets []int64
	count   int64
	sum     uint64 // math.Float64bits
}

func newHistogram() *histogram {
	return &histogram{buckets: make([]int64, len(durationBuckets))}
}

func (h *histogram) observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	for {
		old := atomic.LoadUint64(&h.sum)
		if atomic.CompareAndSwapUint64(&h.sum, old, math.Float64bits(math.Float64frombits(old)+v)) {
			break
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range durationBuckets {
		if v <= b {
			h.buckets[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 { return math.Float64frombits(atomic.LoadUint64(&h.sum)) }

func (h *histogram) cumulative() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int64, len(h.buckets))
	var running int64
	for i, c := range h.buckets {
		running += c
		out[i] = running
	}
	return out
}

// Metrics is safe for concurrent use.
type Metrics struct {
	active int64

	mu         sync.RWMutex
	counters   map[string]map[string]int64
	histograms map[string]map[string]*histogram
}

func NewMetrics() *Metrics {
	return &Metrics{
		counters:   make(map[string]map[string]int64),
		histograms: make(map[string]map[string]*histogram),
	}
}

// formatLabels renders alternating key/value pairs as a Prometheus label set.
// A trailing key without a value is dropped.
func formatLabels(kv []string) string {
	if len(kv) < 2 {
		return ""
	}
	parts := make([]string, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		parts = append(parts, kv[i]+"="+strconv.Quote(kv[i+1]))
	}
	return strings.Join(parts, ",")
}

// Add increments a counter. labels are alternating key/value pairs.
func (m *Metrics) Add(name string, delta int64, labels ...string) {
	key := formatLabels(labels)
	m.mu.Lock()
	defer m.mu.Unlock()
	series, ok := m.counters[name]
	if !ok {
		series = make(map[string]int64)
		m.counters[name] = series
	}
	series[key] += delta
}

// Counter returns the current value of a counter series.
func (m *Metrics) Counter(name string, labels ...string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[name][formatLabels(labels)]
}

// Observe records a duration in seconds.
func (m *Metrics) Observe(name string, d time.Duration, labels ...string) {
	m.histogram(name, formatLabels(labels)).observe(d.Seconds())
}

func (m *Metrics) histogram(name, key string) *histogram {
	m.mu.RLock()
	h, ok := m.histograms[name][key]
	m.mu.RUnlock()
	if ok {
		return h
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	series, ok := m.histograms[name]
	if !ok {
		series = make(map[string]*histogram)
		m.histograms[name] = series
	}
	if h, ok = series[key]; !ok {
		h = newHistogram()
		series[key] = h
	}
	return h
}

// ActiveRequests returns the number of requests currently in flight.
func (m *Metrics) ActiveRequests() int64 {
	return atomic.LoadInt64(&m.active)
}

// Middleware records request durations by method, route pattern and status.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&m.active, 1)
			start := time.Now()

			err := next(c)

			atomic.AddInt64(&m.active, -1)
			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if status < http.StatusBadRequest {
					status = http.StatusInternalServerError
				}
			}
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			m.Observe(requestDuration, time.Since(start),
				"method", c.Request().Method, "route", route, "status_code", strconv.Itoa(status))
			return err
		}
	}
}

// Handler serves every metric in the Prometheus text format, sorted by name
// and label set.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		b.WriteString("# HELP http_server_active_requests Number of active HTTP requests.\n")
		b.WriteString("# TYPE http_server_active_requests gauge\n")
		fmt.Fprintf(&b, "http_server_active_requests %d\n\n", m.ActiveRequests())

		m.mu.RLock()
		for _, name := range sortedKeys(m.counters) {
			series := m.counters[name]
			fmt.Fprintf(&b, "# TYPE %s counter\n", name)
			for _, key := range sortedKeys(series) {
				fmt.Fprintf(&b, "%s%s %d\n", name, braces(key), series[key])
			}
			b.WriteByte('\n')
		}
		for _, name := range sortedKeys(m.histograms) {
			series := m.histograms[name]
			fmt.Fprintf(&b, "# TYPE %s histogram\n", name)
			for _, key := range sortedKeys(series) {
				writeHistogram(&b, name, key, series[key])
			}
			b.WriteByte('\n')
		}
		m.mu.RUnlock()

		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
	}
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	prefix := ""
	if labels != "" {
		prefix = labels + ","
	}
	cum := h.cumulative()
	for i, bound := range durationBuckets {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", name, prefix, bound, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, h.Count())
	fmt.Fprintf(b, "%s_sum%s %g\n", name, braces(labels), h.Sum())
	fmt.Fprintf(b, "%s_count%s %d\n", name, braces(labels), h.Count())
}

func braces(labels string) string {
	if labels == "" {
		return ""
	}
	return "{" + labels + "}"
}

func sortedKeys[V interface{}](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
