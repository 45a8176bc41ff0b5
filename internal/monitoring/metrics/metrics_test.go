// Licensed under the MIT License. See LICENSE file in the project root for details.

package metrics

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sugawarayuuta/sonnet"
	"go.uber.org/goleak"
)

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestNewMetrics(t *testing.T) {
	defer goleak.VerifyNone(t)

	metrics := NewMetrics()
	if metrics == nil {
		t.Fatal("NewMetrics() returned nil")
	}
	metrics.Close()
	// Close is idempotent
	metrics.Close()
}

func TestRecordTick(t *testing.T) {
	metrics := NewMetricsWithConfig(MetricsConfig{BufferSize: 16, TickSamples: 4, CycleSample: 4})
	defer metrics.Close()

	for _, ms := range []int{10, 20, 30, 40, 50} {
		metrics.RecordTick(time.Duration(ms) * time.Millisecond)
	}

	if got := metrics.TickSamples(); got != 4 {
		t.Errorf("Expected 4 tick samples, got %d", got)
	}
	if got := metrics.TickAverage(2); got != 45*time.Millisecond {
		t.Errorf("Expected average of last two ticks to be 45ms, got %v", got)
	}
	if got := metrics.TickAverage(100); got != 35*time.Millisecond {
		t.Errorf("Expected average of held ticks to be 35ms, got %v", got)
	}
}

func TestRecordCycle(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	metrics.RecordCycle(3*time.Millisecond, 12, 4, 1)
	metrics.RecordCycle(5*time.Millisecond, 8, 0, 0)

	waitFor(t, func() bool { return metrics.GetStats().Collection.Cycles == 2 })

	stats := metrics.GetStats()
	if stats.Collection.ItemsReclaimed != 20 {
		t.Errorf("Expected 20 items reclaimed, got %d", stats.Collection.ItemsReclaimed)
	}
	if stats.Collection.OthersReclaimed != 4 {
		t.Errorf("Expected 4 others reclaimed, got %d", stats.Collection.OthersReclaimed)
	}
	if stats.Collection.Overflow != 1 {
		t.Errorf("Expected 1 overflow, got %d", stats.Collection.Overflow)
	}
	if stats.Latency.Cycle.Mean != 4*time.Millisecond {
		t.Errorf("Expected mean cycle of 4ms, got %v", stats.Latency.Cycle.Mean)
	}
}

func TestRecordResidency(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	metrics.RecordFreeze(3, false)
	metrics.RecordFreeze(1, true)
	metrics.RecordSuspend(4)
	metrics.RecordRestore(2)
	metrics.RecordThaw(5)
	metrics.RecordRefused()

	waitFor(t, func() bool { return metrics.GetStats().Residency.TransitionsRefused == 1 })

	r := metrics.GetStats().Residency
	if r.Freezes != 2 || r.FreezeFallbacks != 1 || r.TokensRevoked != 4 {
		t.Errorf("Unexpected freeze counters: %+v", r)
	}
	if r.CellsSuspended != 4 || r.CellsRestored != 2 || r.CellsThawed != 5 {
		t.Errorf("Unexpected controller counters: %+v", r)
	}
}

func TestRecordRegistry(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	metrics.RecordRegister()
	metrics.RecordRegister()
	metrics.RecordUnregister()
	metrics.RecordDiscard()
	metrics.RecordSweep(7)
	metrics.RecordRegionFailure()
	metrics.RecordStaleResult()

	g := metrics.GetStats().Registry
	if g.Registered != 2 || g.Unregistered != 1 || g.Discarded != 1 {
		t.Errorf("Unexpected registry counters: %+v", g)
	}

	waitFor(t, func() bool { return metrics.GetStats().Collection.StaleResults == 1 })
	c := metrics.GetStats().Collection
	if c.Swept != 7 || c.RegionFailures != 1 {
		t.Errorf("Unexpected collection counters: %+v", c)
	}
}

func TestRecordAfterClose(t *testing.T) {
	metrics := NewMetrics()
	metrics.Close()

	// Must not panic or block
	metrics.RecordCycle(time.Millisecond, 1, 1, 0)
	metrics.RecordTick(time.Millisecond)

	if metrics.GetStats().Collection.Cycles != 0 {
		t.Error("Expected no cycles recorded after Close")
	}
}

func TestConcurrentAccess(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				metrics.RecordRegister()
				metrics.RecordTick(time.Millisecond)
				metrics.RecordCycle(time.Millisecond, 1, 0, 0)
				_ = metrics.TickAverage(20)
			}
		}()
	}
	wg.Wait()

	if got := metrics.GetStats().Registry.Registered; got != 800 {
		t.Errorf("Expected 800 registrations, got %d", got)
	}
	waitFor(t, func() bool { return metrics.GetStats().Collection.Cycles == 800 })
}

func TestRingBufferOverflow(t *testing.T) {
	rb := NewDurationRingBuffer(3)

	rb.Push(1 * time.Millisecond)
	rb.Push(2 * time.Millisecond)
	rb.Push(3 * time.Millisecond)
	rb.Push(4 * time.Millisecond)

	expected := 3 * time.Millisecond
	if avg := rb.GetAverage(); avg != expected {
		t.Errorf("Expected average %v, got %v", expected, avg)
	}
	if rb.Len() != 3 {
		t.Errorf("Expected 3 samples, got %d", rb.Len())
	}
}

func TestRingBufferEmpty(t *testing.T) {
	rb := NewDurationRingBuffer(3)

	if avg := rb.GetAverage(); avg != 0 {
		t.Errorf("Expected zero average for empty buffer, got %v", avg)
	}
	if stats := rb.GetStats(); stats.Count != 0 {
		t.Errorf("Expected empty stats, got %+v", stats)
	}

	rb.Push(time.Second)
	rb.Reset()
	if rb.Len() != 0 {
		t.Errorf("Expected empty buffer after Reset, got %d", rb.Len())
	}
}

func TestRingBufferStats(t *testing.T) {
	rb := NewDurationRingBuffer(10)
	for i := 1; i <= 10; i++ {
		rb.Push(time.Duration(i) * time.Millisecond)
	}

	stats := rb.GetStats()
	if stats.Count != 10 {
		t.Errorf("Expected count 10, got %d", stats.Count)
	}
	if stats.Min != time.Millisecond || stats.Max != 10*time.Millisecond {
		t.Errorf("Unexpected min/max: %v/%v", stats.Min, stats.Max)
	}
	if stats.P50 != 5*time.Millisecond {
		t.Errorf("Expected P50 of 5ms, got %v", stats.P50)
	}
	if stats.P99 != 9*time.Millisecond {
		t.Errorf("Expected P99 of 9ms, got %v", stats.P99)
	}
}

func TestExportJSON(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	metrics.RecordRegister()

	data, err := metrics.ExportJSON()
	if err != nil {
		t.Fatalf("ExportJSON failed: %v", err)
	}

	var decoded MetricsSnapshot
	if err := sonnet.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to decode exported JSON: %v", err)
	}
	if decoded.Registry.Registered != 1 {
		t.Errorf("Expected 1 registration in export, got %d", decoded.Registry.Registered)
	}
}

func TestExportPrometheus(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	metrics.RecordTick(50 * time.Millisecond)
	out := metrics.ExportPrometheus()

	for _, want := range []string{
		"# TYPE reclaimer_collection_total counter",
		`reclaimer_registry_total{kind="registered"} 0`,
		"reclaimer_tick_seconds 0.05",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected export to contain %q", want)
		}
	}
}
