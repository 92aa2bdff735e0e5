package vigil

import (
	"errors"
	"testing"
	"time"
)

func newTestAggregator() (*MetricsAggregator, *TraceCollector, *ErrorTracker, *HealthCheckEngine, *IncidentManager, *IssueDetector) {
	tc := newTestCollector(1.0)
	et := newErrorTracker(tc)
	he := newHealthCheckEngine(testHealthConfig())
	im := newIncidentManager(nil)
	d := newIssueDetector(testIssueConfig())
	return newMetricsAggregator(tc, et, he, im, d), tc, et, he, im, d
}

func TestPercentileNearestRank(t *testing.T) {
	// Ten durations from 100ms to 1000ms.
	durations := make([]time.Duration, 0, 10)
	for i := 1; i <= 10; i++ {
		durations = append(durations, time.Duration(i)*100*time.Millisecond)
	}

	cases := []struct {
		p    float64
		want time.Duration
	}{
		{50, 500 * time.Millisecond},
		{95, 1000 * time.Millisecond},
		{99, 1000 * time.Millisecond},
		{100, 1000 * time.Millisecond},
		{10, 100 * time.Millisecond},
	}
	for _, c := range cases {
		if got := percentile(durations, c.p); got != c.want {
			t.Errorf("p%v = %v, want %v", c.p, got, c.want)
		}
	}

	if got := percentile(nil, 95); got != 0 {
		t.Errorf("empty percentile = %v, want 0", got)
	}
	if got := percentile([]time.Duration{time.Second}, 95); got != time.Second {
		t.Errorf("single-element p95 = %v, want 1s", got)
	}
}

func TestSnapshotAggregation(t *testing.T) {
	ma, tc, _, _, _, _ := newTestAggregator()

	for i := 0; i < 4; i++ {
		id := tc.StartTransaction("GET /a", KindWeb, nil)
		status := StatusSuccess
		if i == 0 {
			status = StatusError
		}
		tc.EndTransaction(id, status)
	}
	// An unfinished transaction must not count.
	tc.StartTransaction("pending", KindWeb, nil)

	snap := ma.Snapshot(time.Hour)
	if snap.TransactionCount != 4 {
		t.Errorf("count = %d, want 4", snap.TransactionCount)
	}
	if snap.ErrorCount != 1 {
		t.Errorf("errors = %d, want 1", snap.ErrorCount)
	}
	if snap.ErrorRate != 0.25 {
		t.Errorf("error rate = %v, want 0.25", snap.ErrorRate)
	}
	if snap.ByKind[KindWeb] != 4 {
		t.Errorf("by kind = %v", snap.ByKind)
	}
	if snap.Throughput <= 0 {
		t.Errorf("throughput = %v, want > 0", snap.Throughput)
	}
}

func TestSnapshotEmptyWindowIsZeroed(t *testing.T) {
	ma, _, _, _, _, _ := newTestAggregator()

	snap := ma.Snapshot(time.Hour)
	if snap.TransactionCount != 0 || snap.ErrorRate != 0 || snap.P95Duration != 0 {
		t.Errorf("expected zeroed snapshot, got %+v", snap)
	}
}

func TestSystemHealthScoring(t *testing.T) {
	ma, _, _, he, _, _ := newTestAggregator()

	// No checks executed yet: full score.
	sh := ma.SystemHealth()
	if sh.Score != 100 || sh.Status != SystemHealthy {
		t.Fatalf("baseline = %+v, want score 100 healthy", sh)
	}

	for _, id := range []string{"cache", "queue"} {
		if err := he.RegisterCheck(HealthCheck{ID: id, Probe: healthyProbe}); err != nil {
			t.Fatal(err)
		}
		he.RunCheckNow(id)
	}
	sh = ma.SystemHealth()
	if sh.Score != 100 || sh.HealthyChecks != 2 {
		t.Errorf("all healthy = %+v, want score 100", sh)
	}

	// A failing critical check weighs double: (100+100+0*2)/4 = 50.
	if err := he.RegisterCheck(HealthCheck{ID: "db", Critical: true, Probe: unhealthyProbe}); err != nil {
		t.Fatal(err)
	}
	he.RunCheckNow("db")
	sh = ma.SystemHealth()
	if sh.Score != 50 || sh.Status != SystemUnhealthy {
		t.Errorf("critical failure = %+v, want score 50 unhealthy", sh)
	}
	if sh.UnhealthyChecks != 1 {
		t.Errorf("unhealthy checks = %d, want 1", sh.UnhealthyChecks)
	}

	// A failing non-critical check among healthy ones: 300/4 = 75.
	ma2, _, _, he2, _, _ := newTestAggregator()
	for _, id := range []string{"a", "b", "c"} {
		if err := he2.RegisterCheck(HealthCheck{ID: id, Probe: healthyProbe}); err != nil {
			t.Fatal(err)
		}
		he2.RunCheckNow(id)
	}
	if err := he2.RegisterCheck(HealthCheck{ID: "d", Probe: unhealthyProbe}); err != nil {
		t.Fatal(err)
	}
	he2.RunCheckNow("d")
	if sh := ma2.SystemHealth(); sh.Score != 75 || sh.Status != SystemDegraded {
		t.Errorf("one of four failing = %+v, want score 75 degraded", sh)
	}
}

func TestSystemHealthIncidentsAreInformational(t *testing.T) {
	ma, _, _, he, im, _ := newTestAggregator()

	if err := he.RegisterCheck(HealthCheck{ID: "db", Probe: healthyProbe}); err != nil {
		t.Fatal(err)
	}
	he.RunCheckNow("db")
	im.handleBreach(HealthCheck{ID: "db", Critical: true, Category: CategoryDatabase}, 3)

	sh := ma.SystemHealth()
	if sh.OpenIncidents != 1 {
		t.Errorf("open incidents = %d, want 1", sh.OpenIncidents)
	}
	if sh.Score != 100 {
		t.Errorf("score = %v, want 100 (incidents do not feed the score)", sh.Score)
	}
}

func TestSystemHealthScoreFloor(t *testing.T) {
	ma, _, _, he, _, _ := newTestAggregator()

	for _, id := range []string{"a", "b", "c"} {
		if err := he.RegisterCheck(HealthCheck{ID: id, Critical: true, Probe: unhealthyProbe}); err != nil {
			t.Fatal(err)
		}
		he.RunCheckNow(id)
	}

	sh := ma.SystemHealth()
	if sh.Score != 0 {
		t.Errorf("score = %v, want 0", sh.Score)
	}
	if sh.Status != SystemUnhealthy {
		t.Errorf("status = %q, want unhealthy", sh.Status)
	}
}

func TestSystemHealthThresholds(t *testing.T) {
	// Threshold edges: exactly 90 is healthy, exactly 70 is degraded.
	if s := statusForScore(90); s != SystemHealthy {
		t.Errorf("score 90 = %q, want healthy", s)
	}
	if s := statusForScore(89.9); s != SystemDegraded {
		t.Errorf("score 89.9 = %q, want degraded", s)
	}
	if s := statusForScore(70); s != SystemDegraded {
		t.Errorf("score 70 = %q, want degraded", s)
	}
	if s := statusForScore(69.9); s != SystemUnhealthy {
		t.Errorf("score 69.9 = %q, want unhealthy", s)
	}
}

// statusForScore mirrors the verdict mapping for edge testing.
func statusForScore(score float64) HealthStatusLevel {
	switch {
	case score >= 90:
		return SystemHealthy
	case score >= 70:
		return SystemDegraded
	default:
		return SystemUnhealthy
	}
}

func TestConfigErrorMatching(t *testing.T) {
	err := newPeriodError("30x")
	if !errors.Is(err, ErrInvalidPeriod) {
		t.Error("period error should match ErrInvalidPeriod")
	}
	if !errors.Is(err, ErrInvalidConfig) {
		t.Error("period error should match ErrInvalidConfig")
	}
	if errors.Is(err, ErrInvalidSamplingRate) {
		t.Error("period error should not match ErrInvalidSamplingRate")
	}
}
