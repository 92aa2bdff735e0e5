package vigil

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// IssueType classifies a detected performance issue.
type IssueType string

const (
	// IssueSlowQuery flags a database span slower than the configured
	// query threshold.
	IssueSlowQuery IssueType = "slow_query"
	// IssueSlowResponse flags a web or API transaction slower than the
	// configured response threshold.
	IssueSlowResponse IssueType = "slow_response"
	// IssueHighErrorRate flags a transaction error rate above the
	// configured ceiling.
	IssueHighErrorRate IssueType = "high_error_rate"
)

// PerformanceIssue records one detected slowness occurrence. Issues are
// append-only observations; repeated slowness produces repeated issues.
type PerformanceIssue struct {
	ID          string        `json:"id"`
	Type        IssueType     `json:"type"`
	Severity    Severity      `json:"severity"`
	Description string        `json:"description"`
	Duration    time.Duration `json:"duration"`
	Threshold   time.Duration `json:"threshold"`
	Transaction string        `json:"transaction,omitempty"`
	Span        string        `json:"span,omitempty"`
	DetectedAt  time.Time     `json:"detected_at"`
	Suggestion  string        `json:"suggestion,omitempty"`
}

// IssueDetector inspects finished transactions and spans against the
// configured slowness thresholds.
type IssueDetector struct {
	mu     sync.RWMutex
	cfg    IssueConfig
	issues []PerformanceIssue

	// onIssue fires for every recorded issue.
	onIssue func(issue PerformanceIssue)
}

func newIssueDetector(cfg IssueConfig) *IssueDetector {
	return &IssueDetector{cfg: cfg}
}

// InspectTransaction evaluates a finished transaction and its spans.
// Database spans are checked against the slow-query threshold; web and
// API transactions against the slow-response threshold.
func (d *IssueDetector) InspectTransaction(tx Transaction) []PerformanceIssue {
	var found []PerformanceIssue

	for _, span := range tx.Spans {
		if span == nil || span.EndTime.IsZero() {
			continue
		}
		if isDatabaseSpan(span) && span.Duration > d.cfg.SlowQueryThreshold {
			severity := SeverityMedium
			if span.Duration > d.cfg.SlowQueryCritical {
				severity = SeverityCritical
			}
			found = append(found, PerformanceIssue{
				ID:          newID(),
				Type:        IssueSlowQuery,
				Severity:    severity,
				Description: fmt.Sprintf("slow query in %s: %s took %v", span.Service, span.Operation, span.Duration.Round(time.Millisecond)),
				Duration:    span.Duration,
				Threshold:   d.cfg.SlowQueryThreshold,
				Transaction: tx.ID,
				Span:        span.ID,
				DetectedAt:  time.Now(),
				Suggestion:  "review query plan and indexes for this operation",
			})
		}
	}

	if (tx.Kind == KindWeb || tx.Kind == KindAPI) && !tx.EndTime.IsZero() && tx.Duration > d.cfg.SlowResponseThreshold {
		severity := SeverityMedium
		if tx.Duration > d.cfg.SlowResponseHigh {
			severity = SeverityHigh
		}
		found = append(found, PerformanceIssue{
			ID:          newID(),
			Type:        IssueSlowResponse,
			Severity:    severity,
			Description: fmt.Sprintf("slow response: %s took %v", tx.Name, tx.Duration.Round(time.Millisecond)),
			Duration:    tx.Duration,
			Threshold:   d.cfg.SlowResponseThreshold,
			Transaction: tx.ID,
			DetectedAt:  time.Now(),
			Suggestion:  "profile the handler or add caching for this endpoint",
		})
	}

	return d.record(found)
}

// InspectQuery evaluates one directly measured database query, for
// callers that time their queries without tracing a span.
func (d *IssueDetector) InspectQuery(query string, duration time.Duration, success bool) []PerformanceIssue {
	if duration <= d.cfg.SlowQueryThreshold {
		return nil
	}
	severity := SeverityMedium
	if duration > d.cfg.SlowQueryCritical {
		severity = SeverityCritical
	}
	desc := fmt.Sprintf("slow query took %v: %s", duration.Round(time.Millisecond), truncate(query, 200))
	if !success {
		desc += " (query failed)"
	}
	return d.record([]PerformanceIssue{{
		ID:          newID(),
		Type:        IssueSlowQuery,
		Severity:    severity,
		Description: desc,
		Duration:    duration,
		Threshold:   d.cfg.SlowQueryThreshold,
		DetectedAt:  time.Now(),
		Suggestion:  "review query plan and indexes for this operation",
	}})
}

// InspectEndpoint evaluates one directly measured endpoint response,
// for callers that time their handlers without tracing a transaction.
func (d *IssueDetector) InspectEndpoint(endpoint, method string, statusCode int, duration time.Duration) []PerformanceIssue {
	if duration <= d.cfg.SlowResponseThreshold {
		return nil
	}
	severity := SeverityMedium
	if duration > d.cfg.SlowResponseHigh {
		severity = SeverityHigh
	}
	return d.record([]PerformanceIssue{{
		ID:          newID(),
		Type:        IssueSlowResponse,
		Severity:    severity,
		Description: fmt.Sprintf("slow response: %s %s returned %d after %v", method, endpoint, statusCode, duration.Round(time.Millisecond)),
		Duration:    duration,
		Threshold:   d.cfg.SlowResponseThreshold,
		DetectedAt:  time.Now(),
		Suggestion:  "profile the handler or add caching for this endpoint",
	}})
}

// InspectErrorRate evaluates the observed transaction error rate. Rates
// above the configured ceiling append a high_error_rate issue; small
// sample counts are ignored to avoid flagging a single failed request.
func (d *IssueDetector) InspectErrorRate(rate float64, sampleCount int) []PerformanceIssue {
	if sampleCount < d.cfg.ErrorRateMinSamples || rate <= d.cfg.ErrorRateThreshold {
		return nil
	}
	return d.record([]PerformanceIssue{{
		ID:          newID(),
		Type:        IssueHighErrorRate,
		Severity:    SeverityHigh,
		Description: fmt.Sprintf("error rate %.1f%% over %d transactions exceeds %.1f%%", rate*100, sampleCount, d.cfg.ErrorRateThreshold*100),
		DetectedAt:  time.Now(),
		Suggestion:  "inspect the top errors and recent deploys",
	}})
}

// record appends the issues and fires the callback for each.
func (d *IssueDetector) record(found []PerformanceIssue) []PerformanceIssue {
	if len(found) == 0 {
		return nil
	}

	d.mu.Lock()
	d.issues = append(d.issues, found...)
	onIssue := d.onIssue
	d.mu.Unlock()

	if onIssue != nil {
		for _, issue := range found {
			onIssue(issue)
		}
	}
	return found
}

// isDatabaseSpan decides whether a span counts as a database operation,
// either by its service name or an explicit tag.
func isDatabaseSpan(span *Span) bool {
	switch span.Service {
	case "database", "db", "postgres", "mysql", "sqlite", "mongodb", "redis":
		return true
	}
	return span.Tags["db.system"] != ""
}

// Issues returns copies of issues detected at or after since, newest
// first. A zero since returns everything.
func (d *IssueDetector) Issues(since time.Time) []PerformanceIssue {
	d.mu.RLock()
	out := make([]PerformanceIssue, 0, len(d.issues))
	for _, issue := range d.issues {
		if !since.IsZero() && issue.DetectedAt.Before(since) {
			continue
		}
		out = append(out, issue)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].DetectedAt.After(out[j].DetectedAt)
	})
	return out
}

// evictBefore drops issues detected before the cutoff.
func (d *IssueDetector) evictBefore(cutoff time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	kept := d.issues[:0]
	removed := 0
	for _, issue := range d.issues {
		if issue.DetectedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, issue)
	}
	d.issues = kept
	return removed
}
