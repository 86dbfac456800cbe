package gateway

import (
	"testing"
	"time"
)

func within(got, want, tol time.Duration) bool {
	d := got - want
	if d < 0 {
		d = -d
	}
	return d <= tol
}

func TestLatencyTracker_Empty(t *testing.T) {
	p50, p95, p99 := NewLatencyTracker(100).Percentiles()
	if p50 != 0 || p95 != 0 || p99 != 0 {
		t.Errorf("empty tracker: got (%v,%v,%v)", p50, p95, p99)
	}
}

func TestLatencyTracker_SingleSample(t *testing.T) {
	lt := NewLatencyTracker(100)
	lt.Record(42 * time.Millisecond)

	p50, p95, p99 := lt.Percentiles()
	for name, p := range map[string]time.Duration{"p50": p50, "p95": p95, "p99": p99} {
		if p != 42*time.Millisecond {
			t.Errorf("%s = %v, want 42ms", name, p)
		}
	}
}

func TestLatencyTracker_Percentiles(t *testing.T) {
	lt := NewLatencyTracker(1000)
	for i := 1; i <= 100; i++ {
		lt.Record(time.Duration(i) * time.Millisecond)
	}

	p50, p95, p99 := lt.Percentiles()
	if !within(p50, 50500*time.Microsecond, time.Millisecond) {
		t.Errorf("p50 = %v, want ~50.5ms", p50)
	}
	if !within(p95, 95050*time.Microsecond, time.Millisecond) {
		t.Errorf("p95 = %v, want ~95.05ms", p95)
	}
	if !within(p99, 99010*time.Microsecond, time.Millisecond) {
		t.Errorf("p99 = %v, want ~99.01ms", p99)
	}
}

func TestLatencyTracker_Wraparound(t *testing.T) {
	lt := NewLatencyTracker(10)
	for i := 1; i <= 20; i++ {
		lt.Record(time.Duration(i) * time.Millisecond)
	}
	if lt.Count() != 10 {
		t.Fatalf("Count() = %d, want 10", lt.Count())
	}
	// ring now holds 11..20
	p50, _, _ := lt.Percentiles()
	if !within(p50, 15500*time.Microsecond, time.Millisecond) {
		t.Errorf("p50 after wraparound = %v, want ~15.5ms", p50)
	}
}

func TestLatencyTracker_IgnoresNegativeAndObserves(t *testing.T) {
	lt := NewLatencyTracker(10)
	var seen []time.Duration
	lt.Observe = func(d time.Duration) { seen = append(seen, d) }

	lt.Record(-time.Second)
	lt.Record(3 * time.Millisecond)

	if lt.Count() != 1 || len(seen) != 1 || seen[0] != 3*time.Millisecond {
		t.Errorf("count=%d seen=%v", lt.Count(), seen)
	}
}
