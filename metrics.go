package vigil

import (
	"math"
	"sort"
	"time"
)

// MetricsSnapshot aggregates transaction metrics over a time window.
type MetricsSnapshot struct {
	Timestamp        time.Time     `json:"timestamp"`
	Window           time.Duration `json:"window"`
	TransactionCount int           `json:"transaction_count"`
	ErrorCount       int           `json:"error_count"`
	ErrorRate        float64       `json:"error_rate"`
	AvgDuration      time.Duration `json:"avg_duration"`
	P50Duration      time.Duration `json:"p50_duration"`
	P95Duration      time.Duration `json:"p95_duration"`
	P99Duration      time.Duration `json:"p99_duration"`

	// Throughput is finished transactions per minute over the window.
	Throughput float64 `json:"throughput"`

	// ByKind counts finished transactions per transaction kind.
	ByKind map[TransactionKind]int `json:"by_kind,omitempty"`

	ActiveSpans int `json:"active_spans"`
}

// HealthStatusLevel is the coarse system verdict derived from the score.
type HealthStatusLevel string

const (
	// SystemHealthy means the score is 90 or above.
	SystemHealthy HealthStatusLevel = "healthy"
	// SystemDegraded means the score is between 70 and 90.
	SystemDegraded HealthStatusLevel = "degraded"
	// SystemUnhealthy means the score is below 70.
	SystemUnhealthy HealthStatusLevel = "unhealthy"
)

// SystemHealth is the weighted 0-100 score over the current check
// states. The incident, issue and error-rate fields are informational
// context and do not feed the score.
type SystemHealth struct {
	Score  float64           `json:"score"`
	Status HealthStatusLevel `json:"status"`

	HealthyChecks   int `json:"healthy_checks"`
	UnhealthyChecks int `json:"unhealthy_checks"`
	OpenIncidents   int `json:"open_incidents"`
	RecentIssues    int `json:"recent_issues"`

	ErrorRate float64   `json:"error_rate"`
	Timestamp time.Time `json:"timestamp"`
}

// MetricsAggregator computes snapshots and the system health score from
// the other collectors. It holds no state of its own.
type MetricsAggregator struct {
	collector *TraceCollector
	tracker   *ErrorTracker
	engine    *HealthCheckEngine
	incidents *IncidentManager
	detector  *IssueDetector
}

func newMetricsAggregator(collector *TraceCollector, tracker *ErrorTracker, engine *HealthCheckEngine, incidents *IncidentManager, detector *IssueDetector) *MetricsAggregator {
	return &MetricsAggregator{
		collector: collector,
		tracker:   tracker,
		engine:    engine,
		incidents: incidents,
		detector:  detector,
	}
}

// Snapshot aggregates finished transactions over the trailing window.
// An empty window yields a snapshot with zero counts, never an error.
func (ma *MetricsAggregator) Snapshot(window time.Duration) MetricsSnapshot {
	now := time.Now()
	snap := MetricsSnapshot{
		Timestamp:   now,
		Window:      window,
		ActiveSpans: ma.collector.ActiveSpanCount(),
	}

	txs := ma.collector.Transactions(now.Add(-window))
	durations := make([]time.Duration, 0, len(txs))
	var total time.Duration
	byKind := make(map[TransactionKind]int)

	for _, tx := range txs {
		if tx.EndTime.IsZero() {
			continue
		}
		snap.TransactionCount++
		byKind[tx.Kind]++
		durations = append(durations, tx.Duration)
		total += tx.Duration
		if tx.Status == StatusError {
			snap.ErrorCount++
		}
	}

	if snap.TransactionCount == 0 {
		return snap
	}

	snap.ByKind = byKind
	snap.ErrorRate = float64(snap.ErrorCount) / float64(snap.TransactionCount)
	snap.AvgDuration = total / time.Duration(snap.TransactionCount)
	snap.P50Duration = percentile(durations, 50)
	snap.P95Duration = percentile(durations, 95)
	snap.P99Duration = percentile(durations, 99)
	if window > 0 {
		snap.Throughput = float64(snap.TransactionCount) / window.Minutes()
	}
	return snap
}

// SystemHealth computes the score as a weighted average over check
// states: a healthy check contributes 100 and an unhealthy one 0, with
// critical checks carrying double weight. Checks that have never run
// are excluded; with no executed checks the score is 100.
func (ma *MetricsAggregator) SystemHealth() SystemHealth {
	now := time.Now()
	sh := SystemHealth{Timestamp: now}

	var sum, weight float64
	for id, status := range ma.engine.Statuses() {
		w := 1.0
		if check, ok := ma.engine.check(id); ok && check.Critical {
			w = 2
		}
		switch status.State {
		case StateHealthy:
			sh.HealthyChecks++
			sum += 100 * w
			weight += w
		case StateUnhealthy:
			sh.UnhealthyChecks++
			weight += w
		}
	}

	score := 100.0
	if weight > 0 {
		score = sum / weight
	}

	sh.OpenIncidents = len(ma.incidents.Active())
	sh.ErrorRate = ma.tracker.Summary().ErrorRate
	sh.RecentIssues = len(ma.detector.Issues(now.Add(-time.Hour)))
	sh.Score = score

	switch {
	case score >= 90:
		sh.Status = SystemHealthy
	case score >= 70:
		sh.Status = SystemDegraded
	default:
		sh.Status = SystemUnhealthy
	}
	return sh
}

// percentile returns the nearest-rank percentile of the durations.
// p is in (0, 100]. An empty slice yields zero.
func percentile(durations []time.Duration, p float64) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := int(math.Ceil(float64(len(sorted)) * p / 100))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
