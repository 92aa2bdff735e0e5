package vigil

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// periodPattern is the accepted report period grammar: a positive
// integer followed by a unit of minutes, hours or days.
var periodPattern = regexp.MustCompile(`^(\d+)([mhd])$`)

// parsePeriod converts a period string such as "30m", "2h" or "7d" into
// a duration. Malformed periods return a ConfigError matching
// ErrInvalidPeriod.
func parsePeriod(period string) (time.Duration, error) {
	m := periodPattern.FindStringSubmatch(period)
	if m == nil {
		return 0, newPeriodError(period)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, newPeriodError(period)
	}
	switch m[2] {
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	default:
		return time.Duration(n) * 24 * time.Hour, nil
	}
}

// Report is a point-in-time summary over a trailing period.
type Report struct {
	Period      string                 `json:"period"`
	Window      time.Duration          `json:"window"`
	GeneratedAt time.Time              `json:"generated_at"`
	Metrics     MetricsSnapshot        `json:"metrics"`
	Health      SystemHealth           `json:"health"`
	Checks      map[string]CheckStatus `json:"checks,omitempty"`
	Errors      []ErrorRecord          `json:"errors,omitempty"`
	Incidents   []Incident             `json:"incidents,omitempty"`
	Issues      []PerformanceIssue     `json:"issues,omitempty"`
	Insights    []string               `json:"insights,omitempty"`
}

// ReportGenerator assembles reports from the live collectors.
type ReportGenerator struct {
	aggregator *MetricsAggregator
	tracker    *ErrorTracker
	engine     *HealthCheckEngine
	incidents  *IncidentManager
	detector   *IssueDetector
	archiver   *ReportArchiver
}

func newReportGenerator(aggregator *MetricsAggregator, tracker *ErrorTracker, engine *HealthCheckEngine, incidents *IncidentManager, detector *IssueDetector, archiver *ReportArchiver) *ReportGenerator {
	return &ReportGenerator{
		aggregator: aggregator,
		tracker:    tracker,
		engine:     engine,
		incidents:  incidents,
		detector:   detector,
		archiver:   archiver,
	}
}

// Generate builds a report over the trailing period. A period with no
// recorded activity produces a report with zeroed metrics rather than an
// error; only a malformed period string fails.
func (rg *ReportGenerator) Generate(period string) (Report, error) {
	window, err := parsePeriod(period)
	if err != nil {
		return Report{}, err
	}

	now := time.Now()
	since := now.Add(-window)

	report := Report{
		Period:      period,
		Window:      window,
		GeneratedAt: now,
		Metrics:     rg.aggregator.Snapshot(window),
		Health:      rg.aggregator.SystemHealth(),
		Checks:      rg.engine.Statuses(),
		Errors:      rg.tracker.recordsSince(since),
		Issues:      rg.detector.Issues(since),
	}

	for _, inc := range rg.incidents.All() {
		if inc.StartTime.Before(since) && inc.Status == IncidentResolved {
			continue
		}
		report.Incidents = append(report.Incidents, inc)
	}

	report.Insights = rg.insights(report)
	return report, nil
}

// insights derives human-readable observations from the report data.
func (rg *ReportGenerator) insights(r Report) []string {
	var out []string

	if r.Metrics.TransactionCount == 0 {
		out = append(out, "no transactions recorded in this period")
	}
	if r.Metrics.ErrorRate > 0.05 {
		out = append(out, fmt.Sprintf("error rate %.1f%% exceeds 5%%; investigate top errors", r.Metrics.ErrorRate*100))
	}
	if r.Metrics.TransactionCount > 0 && r.Metrics.AvgDuration > time.Second {
		out = append(out, fmt.Sprintf("average duration %v exceeds 1s; consider profiling slow endpoints", r.Metrics.AvgDuration.Round(time.Millisecond)))
	}
	criticalErrs := 0
	for _, rec := range r.Errors {
		if rec.Severity == SeverityCritical {
			criticalErrs++
		}
	}
	if criticalErrs > 0 {
		out = append(out, fmt.Sprintf("%d critical error(s) recorded in this period", criticalErrs))
	}
	severeIssues := 0
	for _, issue := range r.Issues {
		if issue.Severity == SeverityHigh || issue.Severity == SeverityCritical {
			severeIssues++
		}
	}
	if severeIssues > 0 {
		out = append(out, fmt.Sprintf("%d high-severity performance issue(s) detected", severeIssues))
	}
	if r.Health.UnhealthyChecks > 0 {
		out = append(out, fmt.Sprintf("%d health check(s) currently failing", r.Health.UnhealthyChecks))
	}
	if n := len(r.Incidents); n > 0 {
		open := 0
		for _, inc := range r.Incidents {
			if inc.Status != IncidentResolved {
				open++
			}
		}
		if open > 0 {
			out = append(out, fmt.Sprintf("%d incident(s) still open", open))
		}
	}
	slowQueries := 0
	for _, issue := range r.Issues {
		if issue.Type == IssueSlowQuery {
			slowQueries++
		}
	}
	if slowQueries > 3 {
		out = append(out, fmt.Sprintf("%d slow queries detected; review database indexes", slowQueries))
	}
	return out
}
