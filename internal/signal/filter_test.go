package signal

import (
	"testing"
	"time"

	"earshot/internal/domain"
)

func sample(h string, rssi int, at time.Time) domain.SignalSample {
	return domain.SignalSample{Handle: domain.PeerHandle(h), RSSI: rssi, ObservedAt: at}
}

func TestFilterFirstSampleSeedsAverage(t *testing.T) {
	t.Parallel()

	f := NewFilter(4*time.Second, 30*time.Second)
	got := f.Observe(sample("p1", -60, time.Now()))

	if got.Smoothed != -60 {
		t.Fatalf("expected seed value -60, got %f", got.Smoothed)
	}
	if got.Trend != domain.TrendSteady {
		t.Fatalf("expected steady trend on first sample, got %s", got.Trend)
	}
}

func TestFilterConvergesTowardNewLevel(t *testing.T) {
	t.Parallel()

	f := NewFilter(2*time.Second, 30*time.Second)
	at := time.Now()
	f.Observe(sample("p1", -80, at))

	var last domain.FilteredProximity
	for i := 1; i <= 10; i++ {
		last = f.Observe(sample("p1", -50, at.Add(time.Duration(i)*time.Second)))
	}

	if last.Smoothed > -50.5 || last.Smoothed < -56 {
		t.Fatalf("expected convergence near -50, got %f", last.Smoothed)
	}
	if last.Trend != domain.TrendRising && last.Smoothed-(-80) < 20 {
		t.Fatalf("expected rising trend during convergence")
	}
}

func TestFilterLargeGapWeighsNewSampleHeavily(t *testing.T) {
	t.Parallel()

	f := NewFilter(4*time.Second, 5*time.Minute)
	at := time.Now()
	f.Observe(sample("p1", -90, at))

	// Background scanning can go quiet for tens of seconds; a fresh sample
	// after such a gap should dominate the stale average.
	got := f.Observe(sample("p1", -55, at.Add(40*time.Second)))
	if got.Smoothed > -55 || got.Smoothed < -56 {
		t.Fatalf("expected smoothed near -55 after long gap, got %f", got.Smoothed)
	}
}

func TestFilterTracksHandlesIndependently(t *testing.T) {
	t.Parallel()

	f := NewFilter(4*time.Second, 30*time.Second)
	at := time.Now()
	f.Observe(sample("p1", -50, at))
	f.Observe(sample("p2", -90, at))

	p1, ok := f.Current("p1")
	if !ok || p1.Smoothed != -50 {
		t.Fatalf("unexpected p1 state: %+v ok=%v", p1, ok)
	}
	p2, ok := f.Current("p2")
	if !ok || p2.Smoothed != -90 {
		t.Fatalf("unexpected p2 state: %+v ok=%v", p2, ok)
	}
}

func TestFilterExpireDropsQuietHandles(t *testing.T) {
	t.Parallel()

	f := NewFilter(4*time.Second, 10*time.Second)
	at := time.Now()
	f.Observe(sample("quiet", -60, at))
	f.Observe(sample("fresh", -60, at.Add(9*time.Second)))

	expired := f.Expire(at.Add(11 * time.Second))
	if len(expired) != 1 || expired[0] != domain.PeerHandle("quiet") {
		t.Fatalf("expected only quiet handle to expire, got %v", expired)
	}
	if _, ok := f.Current("quiet"); ok {
		t.Fatalf("expired handle still tracked")
	}
	if _, ok := f.Current("fresh"); !ok {
		t.Fatalf("fresh handle dropped")
	}
	if f.Tracked() != 1 {
		t.Fatalf("expected 1 tracked handle, got %d", f.Tracked())
	}
}

func TestFilterTrendFalling(t *testing.T) {
	t.Parallel()

	f := NewFilter(time.Second, 30*time.Second)
	at := time.Now()
	f.Observe(sample("p1", -50, at))
	got := f.Observe(sample("p1", -85, at.Add(3*time.Second)))

	if got.Trend != domain.TrendFalling {
		t.Fatalf("expected falling trend, got %s", got.Trend)
	}
}
