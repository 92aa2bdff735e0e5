package vigil

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestReportGenerator() (*ReportGenerator, *TraceCollector, *IssueDetector, *IncidentManager) {
	ma, tc, et, he, im, d := newTestAggregator()
	return newReportGenerator(ma, et, he, im, d, nil), tc, d, im
}

func TestParsePeriod(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"30m", 30 * time.Minute},
		{"2h", 2 * time.Hour},
		{"1d", 24 * time.Hour},
		{"7d", 7 * 24 * time.Hour},
		{"90m", 90 * time.Minute},
	}
	for _, c := range cases {
		got, err := parsePeriod(c.in)
		if err != nil {
			t.Errorf("parsePeriod(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("parsePeriod(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestParsePeriodRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "30x", "h", "30", "-5m", "1.5h", "m30", "30 m", "1w"} {
		if _, err := parsePeriod(in); !errors.Is(err, ErrInvalidPeriod) {
			t.Errorf("parsePeriod(%q): err = %v, want ErrInvalidPeriod", in, err)
		}
	}
}

func TestGenerateEmptyPeriodReturnsZeroedReport(t *testing.T) {
	rg, _, _, _ := newTestReportGenerator()

	report, err := rg.Generate("1h")
	if err != nil {
		t.Fatalf("empty period must not error: %v", err)
	}
	if report.Metrics.TransactionCount != 0 {
		t.Errorf("count = %d, want 0", report.Metrics.TransactionCount)
	}
	if report.Period != "1h" || report.Window != time.Hour {
		t.Errorf("period/window = %q/%v", report.Period, report.Window)
	}
	found := false
	for _, insight := range report.Insights {
		if insight == "no transactions recorded in this period" {
			found = true
		}
	}
	if !found {
		t.Errorf("missing empty-period insight: %v", report.Insights)
	}
}

func TestGenerateMalformedPeriodFails(t *testing.T) {
	rg, _, _, _ := newTestReportGenerator()

	if _, err := rg.Generate("30x"); !errors.Is(err, ErrInvalidPeriod) {
		t.Fatalf("err = %v, want ErrInvalidPeriod", err)
	}
}

func TestGenerateIncludesActivity(t *testing.T) {
	rg, tc, d, im := newTestReportGenerator()

	id := tc.StartTransaction("GET /x", KindWeb, nil)
	tc.EndTransaction(id, StatusSuccess)
	d.InspectTransaction(finishedTx(KindWeb, time.Second))
	im.handleBreach(breachCheck(false), 3)

	report, err := rg.Generate("1h")
	if err != nil {
		t.Fatal(err)
	}
	if report.Metrics.TransactionCount == 0 {
		t.Error("transactions missing from report")
	}
	if len(report.Issues) != 1 {
		t.Errorf("issues = %d, want 1", len(report.Issues))
	}
	if len(report.Incidents) != 1 {
		t.Errorf("incidents = %d, want 1", len(report.Incidents))
	}

	hasOpenInsight := false
	for _, insight := range report.Insights {
		if insight == "1 incident(s) still open" {
			hasOpenInsight = true
		}
	}
	if !hasOpenInsight {
		t.Errorf("missing open-incident insight: %v", report.Insights)
	}
}

func TestGenerateKeepsOldOpenIncidents(t *testing.T) {
	rg, _, _, im := newTestReportGenerator()

	// An open incident started before the window still appears; resolved
	// ones that predate the window do not.
	im.handleBreach(breachCheck(false), 3)
	inc := im.Active()[0]
	im.mu.Lock()
	im.incidents[inc.ID].StartTime = time.Now().Add(-48 * time.Hour)
	im.mu.Unlock()

	report, err := rg.Generate("1h")
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Incidents) != 1 {
		t.Errorf("incidents = %d, want 1 (open incidents never age out of reports)", len(report.Incidents))
	}
}

func TestInsightTriggers(t *testing.T) {
	rg, tc, d, _ := newTestReportGenerator()

	// One failed transaction of two trips the error-rate trigger; the
	// backdated one trips the average-duration trigger.
	id := tc.StartTransaction("GET /x", KindWeb, nil)
	tc.EndTransaction(id, StatusError)
	id = tc.StartTransaction("GET /slow", KindWeb, nil)
	tc.mu.Lock()
	tc.transactions[id].StartTime = time.Now().Add(-3 * time.Second)
	tc.mu.Unlock()
	tc.EndTransaction(id, StatusSuccess)

	rg.tracker.TrackError(errors.New("datastore corrupted"), "", SeverityCritical)
	d.InspectEndpoint("/slow", "GET", 200, 3*time.Second)

	report, err := rg.Generate("1h")
	if err != nil {
		t.Fatal(err)
	}

	joined := strings.Join(report.Insights, "\n")
	for _, want := range []string{
		"error rate",
		"average duration",
		"critical error",
		"high-severity performance issue",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("insights missing %q:\n%s", want, joined)
		}
	}
}
