// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package metrics provides telemetry for the reclaimer.
//
// Event-style measurements (collection cycles, freezes, controller actions)
// are sent over a buffered channel and folded into counters by a background
// goroutine, so recording never blocks the tick thread. Tick durations are
// pushed directly into a ring buffer because the performance controller
// reads their smoothed average synchronously.
//
// # Key Features
//
//   - Non-blocking event recording with background processing
//   - Bounded ring buffers for tick and cycle durations
//   - Atomic registration counters for the concurrent hot path
//   - Prometheus text and JSON export
//
// # Usage Examples
//
//	m := metrics.NewMetrics()
//	defer m.Close()
//
//	m.RecordTick(48 * time.Millisecond)
//	avg := m.TickAverage(20)
//
//	m.RecordCycle(time.Since(start), items, others)
//	stats := m.GetStats()
//
// # Dangers and Warnings
//
//   - **Event Loss**: When the event channel is full, events are dropped rather than blocking.
//   - **Eventual Counters**: Event counters are updated asynchronously; GetStats may lag recent records.
//   - **Close**: Close must be called to stop the background goroutine.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sugawarayuuta/sonnet"
)

// LatencyStats provides comprehensive latency statistics
type LatencyStats struct {
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
}

// CollectionCounts tracks collection cycle results
type CollectionCounts struct {
	Cycles          uint64 `json:"cycles"`
	ItemsReclaimed  uint64 `json:"items_reclaimed"`
	OthersReclaimed uint64 `json:"others_reclaimed"`
	Overflow        uint64 `json:"overflow"`
	Swept           uint64 `json:"swept"`
	RegionFailures  uint64 `json:"region_failures"`
	StaleResults    uint64 `json:"stale_results"`
}

// ResidencyCounts tracks freezer and controller activity
type ResidencyCounts struct {
	Freezes            uint64 `json:"freezes"`
	FreezeFallbacks    uint64 `json:"freeze_fallbacks"`
	TokensRevoked      uint64 `json:"tokens_revoked"`
	CellsSuspended     uint64 `json:"cells_suspended"`
	CellsRestored      uint64 `json:"cells_restored"`
	CellsThawed        uint64 `json:"cells_thawed"`
	TransitionsRefused uint64 `json:"transitions_refused"`
}

// RegistryCounts tracks registry traffic
type RegistryCounts struct {
	Registered   uint64 `json:"registered"`
	Unregistered uint64 `json:"unregistered"`
	Discarded    uint64 `json:"discarded"`
}

// LatencyMetrics tracks duration data
type LatencyMetrics struct {
	Tick  LatencyStats `json:"tick"`
	Cycle LatencyStats `json:"cycle"`
}

// MetricsSnapshot provides a complete snapshot of all metrics
type MetricsSnapshot struct {
	Collection    CollectionCounts `json:"collection"`
	Residency     ResidencyCounts  `json:"residency"`
	Registry      RegistryCounts   `json:"registry"`
	Latency       LatencyMetrics   `json:"latency"`
	Configuration MetricsConfig    `json:"config"`
}

// MetricEvent represents a single metric event
type MetricEvent struct {
	Type      string
	Duration  time.Duration
	Timestamp time.Time
	Values    [3]uint64
}

// DurationRingBuffer implements a thread-safe bounded ring buffer for time.Duration
type DurationRingBuffer struct {
	buffer []time.Duration
	head   int
	tail   int
	size   int
	count  int
	mu     sync.RWMutex
}

// NewDurationRingBuffer creates a new ring buffer with specified capacity
func NewDurationRingBuffer(capacity int) *DurationRingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &DurationRingBuffer{
		buffer: make([]time.Duration, capacity),
		size:   capacity,
	}
}

// Push adds an item to the ring buffer
func (rb *DurationRingBuffer) Push(item time.Duration) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buffer[rb.tail] = item
	rb.tail = (rb.tail + 1) % rb.size

	if rb.count < rb.size {
		rb.count++
	} else {
		rb.head = (rb.head + 1) % rb.size
	}
}

// Len returns the number of samples held
func (rb *DurationRingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// GetAverage calculates the average of every value in the buffer
func (rb *DurationRingBuffer) GetAverage() time.Duration {
	return rb.AverageLast(rb.size)
}

// AverageLast calculates the average of the n most recent values
func (rb *DurationRingBuffer) AverageLast(n int) time.Duration {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n > rb.count {
		n = rb.count
	}
	if n <= 0 {
		return 0
	}

	var total time.Duration
	for i := 1; i <= n; i++ {
		idx := (rb.tail - i + rb.size) % rb.size
		total += rb.buffer[idx]
	}

	return total / time.Duration(n)
}

// Reset drops every sample
func (rb *DurationRingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.head, rb.tail, rb.count = 0, 0, 0
}

// GetStats calculates comprehensive latency statistics
func (rb *DurationRingBuffer) GetStats() LatencyStats {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.count == 0 {
		return LatencyStats{}
	}

	// Copy values to avoid holding lock during sort
	values := make([]time.Duration, rb.count)
	for i := 0; i < rb.count; i++ {
		idx := (rb.head + i) % rb.size
		values[i] = rb.buffer[idx]
	}

	sort.Slice(values, func(i, j int) bool {
		return values[i] < values[j]
	})

	stats := LatencyStats{
		Count: uint64(rb.count),
		Min:   values[0],
		Max:   values[rb.count-1],
	}

	var total time.Duration
	for _, v := range values {
		total += v
	}
	stats.Mean = total / time.Duration(rb.count)

	stats.P50 = percentile(values, 0.50)
	stats.P95 = percentile(values, 0.95)
	stats.P99 = percentile(values, 0.99)

	return stats
}

// percentile calculates the nth percentile from sorted values
func percentile(values []time.Duration, p float64) time.Duration {
	if len(values) == 0 {
		return 0
	}

	index := int(float64(len(values)-1) * p)
	if index >= len(values) {
		index = len(values) - 1
	}
	return values[index]
}

// MetricsConfig provides configuration options for metrics collection
type MetricsConfig struct {
	BufferSize  int `json:"buffer_size"`  // Size of event buffer
	TickSamples int `json:"tick_samples"` // Tick duration ring buffer size
	CycleSample int `json:"cycle_sample"` // Cycle duration ring buffer size
}

// DefaultMetricsConfig returns a default configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		BufferSize:  4096,
		TickSamples: 1200,
		CycleSample: 100,
	}
}

// Metrics tracks reclaimer telemetry
type Metrics struct {
	config MetricsConfig

	eventChan chan MetricEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	mu         sync.RWMutex
	collection CollectionCounts
	residency  ResidencyCounts

	registered   atomic.Uint64
	unregistered atomic.Uint64
	discarded    atomic.Uint64

	TickDuration  *DurationRingBuffer
	CycleDuration *DurationRingBuffer
}

// NewMetrics creates a new metrics instance with default configuration
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(DefaultMetricsConfig())
}

// NewMetricsWithConfig creates a new metrics instance with custom configuration
func NewMetricsWithConfig(config MetricsConfig) *Metrics {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Metrics{
		config:        config,
		eventChan:     make(chan MetricEvent, config.BufferSize),
		ctx:           ctx,
		cancel:        cancel,
		TickDuration:  NewDurationRingBuffer(config.TickSamples),
		CycleDuration: NewDurationRingBuffer(config.CycleSample),
	}

	m.wg.Add(1)
	go m.processEvents()

	return m
}

// processEvents runs in background goroutine to process metric events
func (m *Metrics) processEvents() {
	defer m.wg.Done()

	for {
		select {
		case event := <-m.eventChan:
			m.processEvent(event)
		case <-m.ctx.Done():
			return
		}
	}
}

// processEvent handles a single metric event
func (m *Metrics) processEvent(event MetricEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := event.Values
	switch event.Type {
	case "cycle":
		m.collection.Cycles++
		m.collection.ItemsReclaimed += v[0]
		m.collection.OthersReclaimed += v[1]
		m.collection.Overflow += v[2]
		m.CycleDuration.Push(event.Duration)
	case "sweep":
		m.collection.Swept += v[0]
	case "region_failure":
		m.collection.RegionFailures++
	case "stale":
		m.collection.StaleResults++
	case "freeze":
		m.residency.Freezes++
		m.residency.TokensRevoked += v[0]
		if v[1] != 0 {
			m.residency.FreezeFallbacks++
		}
	case "suspend":
		m.residency.CellsSuspended += v[0]
	case "restore":
		m.residency.CellsRestored += v[0]
	case "thaw":
		m.residency.CellsThawed += v[0]
	case "refused":
		m.residency.TransitionsRefused++
	}
}

func (m *Metrics) send(event MetricEvent) {
	if m.closed.Load() {
		return
	}
	event.Timestamp = time.Now()
	select {
	case m.eventChan <- event:
	default:
		// Channel full, drop the event to avoid blocking
	}
}

// RecordTick records one tick's duration. It is applied synchronously.
func (m *Metrics) RecordTick(d time.Duration) {
	m.TickDuration.Push(d)
}

// TickAverage returns the mean of the n most recent tick durations
func (m *Metrics) TickAverage(n int) time.Duration {
	return m.TickDuration.AverageLast(n)
}

// TickSamples returns the number of tick durations held
func (m *Metrics) TickSamples() int {
	return m.TickDuration.Len()
}

// RecordCycle records a completed collection cycle
func (m *Metrics) RecordCycle(d time.Duration, items, others, overflow int) {
	m.send(MetricEvent{Type: "cycle", Duration: d, Values: [3]uint64{uint64(items), uint64(others), uint64(overflow)}})
}

// RecordSweep records handles dropped by a registry sweep
func (m *Metrics) RecordSweep(removed int) {
	m.send(MetricEvent{Type: "sweep", Values: [3]uint64{uint64(removed)}})
}

// RecordRegionFailure records a region whose cycle failed
func (m *Metrics) RecordRegionFailure() {
	m.send(MetricEvent{Type: "region_failure"})
}

// RecordStaleResult records an offloaded cycle result dropped as stale
func (m *Metrics) RecordStaleResult() {
	m.send(MetricEvent{Type: "stale"})
}

// RecordFreeze records one freezer run
func (m *Metrics) RecordFreeze(tokens int, fallback bool) {
	fb := uint64(0)
	if fallback {
		fb = 1
	}
	m.send(MetricEvent{Type: "freeze", Values: [3]uint64{uint64(tokens), fb}})
}

// RecordSuspend records cells suspended by the controller
func (m *Metrics) RecordSuspend(cells int) {
	m.send(MetricEvent{Type: "suspend", Values: [3]uint64{uint64(cells)}})
}

// RecordRestore records cells restored by the controller
func (m *Metrics) RecordRestore(cells int) {
	m.send(MetricEvent{Type: "restore", Values: [3]uint64{uint64(cells)}})
}

// RecordThaw records content-frozen cells whose freeze expired
func (m *Metrics) RecordThaw(cells int) {
	m.send(MetricEvent{Type: "thaw", Values: [3]uint64{uint64(cells)}})
}

// RecordRefused records a refused state transition
func (m *Metrics) RecordRefused() {
	m.send(MetricEvent{Type: "refused"})
}

// RecordRegister records a new registration
func (m *Metrics) RecordRegister() { m.registered.Add(1) }

// RecordUnregister records a removal from the registry
func (m *Metrics) RecordUnregister() { m.unregistered.Add(1) }

// RecordDiscard records an object told to self-terminate
func (m *Metrics) RecordDiscard() { m.discarded.Add(1) }

// GetStats returns a snapshot of current metrics
func (m *Metrics) GetStats() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MetricsSnapshot{
		Collection: m.collection,
		Residency:  m.residency,
		Registry: RegistryCounts{
			Registered:   m.registered.Load(),
			Unregistered: m.unregistered.Load(),
			Discarded:    m.discarded.Load(),
		},
		Latency: LatencyMetrics{
			Tick:  m.TickDuration.GetStats(),
			Cycle: m.CycleDuration.GetStats(),
		},
		Configuration: m.config,
	}
}

// ExportPrometheus exports metrics in Prometheus format
func (m *Metrics) ExportPrometheus() string {
	stats := m.GetStats()
	var b strings.Builder

	counter := func(name, help string, labelled map[string]uint64) {
		fmt.Fprintf(&b, "# HELP %s %s\n", name, help)
		fmt.Fprintf(&b, "# TYPE %s counter\n", name)
		keys := make([]string, 0, len(labelled))
		for k := range labelled {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s{kind=%q} %d\n", name, k, labelled[k])
		}
	}

	c := stats.Collection
	counter("reclaimer_collection_total", "Collection cycle results", map[string]uint64{
		"cycles":          c.Cycles,
		"items":           c.ItemsReclaimed,
		"others":          c.OthersReclaimed,
		"overflow":        c.Overflow,
		"swept":           c.Swept,
		"region_failures": c.RegionFailures,
		"stale_results":   c.StaleResults,
	})
	r := stats.Residency
	counter("reclaimer_residency_total", "Residency freezer and controller activity", map[string]uint64{
		"freezes":             r.Freezes,
		"freeze_fallbacks":    r.FreezeFallbacks,
		"tokens_revoked":      r.TokensRevoked,
		"cells_suspended":     r.CellsSuspended,
		"cells_restored":      r.CellsRestored,
		"cells_thawed":        r.CellsThawed,
		"transitions_refused": r.TransitionsRefused,
	})
	g := stats.Registry
	counter("reclaimer_registry_total", "Registry traffic", map[string]uint64{
		"registered":   g.Registered,
		"unregistered": g.Unregistered,
		"discarded":    g.Discarded,
	})

	fmt.Fprintf(&b, "# HELP reclaimer_tick_seconds Mean tick duration\n")
	fmt.Fprintf(&b, "# TYPE reclaimer_tick_seconds gauge\n")
	fmt.Fprintf(&b, "reclaimer_tick_seconds %g\n", stats.Latency.Tick.Mean.Seconds())
	fmt.Fprintf(&b, "# HELP reclaimer_cycle_seconds Mean collection cycle duration\n")
	fmt.Fprintf(&b, "# TYPE reclaimer_cycle_seconds gauge\n")
	fmt.Fprintf(&b, "reclaimer_cycle_seconds %g\n", stats.Latency.Cycle.Mean.Seconds())

	return b.String()
}

// ExportJSON exports metrics as JSON
func (m *Metrics) ExportJSON() ([]byte, error) {
	return sonnet.Marshal(m.GetStats())
}

// Close shuts down the metrics processor
func (m *Metrics) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.cancel()
	m.wg.Wait()
}
