package vigil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

// Severity classifies tracked errors.
type Severity string

const (
	// SeverityLow is informational.
	SeverityLow Severity = "low"
	// SeverityMedium is the default severity.
	SeverityMedium Severity = "medium"
	// SeverityHigh indicates a significant failure.
	SeverityHigh Severity = "high"
	// SeverityCritical indicates a failure requiring immediate attention.
	SeverityCritical Severity = "critical"
)

// fingerprintPrefixLen is how much of the message participates in the
// dedup fingerprint. Messages differing only past this prefix collapse
// into one record.
const fingerprintPrefixLen = 100

// ErrorRecord is one deduplicated error, keyed by fingerprint. Repeated
// occurrences increment the same record.
type ErrorRecord struct {
	Fingerprint   string    `json:"fingerprint"`
	Type          string    `json:"type"`
	Message       string    `json:"message"`
	Stack         string    `json:"stack,omitempty"`
	Severity      Severity  `json:"severity"`
	Occurrences   int64     `json:"occurrences"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	AffectedUsers int       `json:"affected_users"`
}

// ErrorSummary aggregates tracked errors for dashboards.
type ErrorSummary struct {
	TotalErrors    int64         `json:"total_errors"`
	UniqueErrors   int           `json:"unique_errors"`
	CriticalErrors int           `json:"critical_errors"`
	ErrorRate      float64       `json:"error_rate"`
	TopErrors      []ErrorRecord `json:"top_errors"`
}

// ErrorTracker deduplicates errors by a fingerprint derived from the
// error type and message prefix.
type ErrorTracker struct {
	mu        sync.RWMutex
	records   map[string]*ErrorRecord
	users     map[string]map[string]struct{} // fingerprint -> user ids
	collector *TraceCollector
}

func newErrorTracker(collector *TraceCollector) *ErrorTracker {
	return &ErrorTracker{
		records:   make(map[string]*ErrorRecord),
		users:     make(map[string]map[string]struct{}),
		collector: collector,
	}
}

// errorFingerprint derives the dedup key from an error's type and the
// first fingerprintPrefixLen bytes of its message.
func errorFingerprint(errType, message string) string {
	sum := sha256.Sum256([]byte(errType + "|" + truncate(message, fingerprintPrefixLen)))
	return hex.EncodeToString(sum[:8])
}

// TrackError records an occurrence of err. When transactionID resolves to
// a sampled transaction, the record is attached to it and the transaction
// status is forced to error; the transaction's "user_id" metadata, if
// present, counts toward affected users. An empty severity defaults to
// medium. Returns the record's fingerprint.
func (et *ErrorTracker) TrackError(err error, transactionID string, severity Severity) string {
	if err == nil {
		return ""
	}
	if severity == "" {
		severity = SeverityMedium
	}

	errType := fmt.Sprintf("%T", err)
	message := err.Error()
	fp := errorFingerprint(errType, message)
	now := time.Now()

	et.mu.Lock()
	rec, ok := et.records[fp]
	if !ok {
		rec = &ErrorRecord{
			Fingerprint: fp,
			Type:        errType,
			Message:     message,
			Stack:       string(debug.Stack()),
			Severity:    severity,
			FirstSeen:   now,
		}
		et.records[fp] = rec
	}
	rec.Occurrences++
	rec.LastSeen = now
	if severityRank(severity) > severityRank(rec.Severity) {
		rec.Severity = severity
	}
	// Copy under the lock; the attached record must not alias memory
	// this tracker keeps mutating.
	recCopy := *rec
	et.mu.Unlock()

	if transactionID != "" && et.collector != nil {
		if et.collector.attachError(transactionID, recCopy) {
			et.noteAffectedUser(fp, transactionID)
		}
	}
	return fp
}

// noteAffectedUser counts the transaction's user toward the record.
func (et *ErrorTracker) noteAffectedUser(fingerprint, transactionID string) {
	et.collector.mu.RLock()
	tx := et.collector.transactions[transactionID]
	var userID string
	if tx != nil {
		userID = tx.Metadata["user_id"]
	}
	et.collector.mu.RUnlock()
	if userID == "" {
		return
	}

	et.mu.Lock()
	defer et.mu.Unlock()
	set := et.users[fingerprint]
	if set == nil {
		set = make(map[string]struct{})
		et.users[fingerprint] = set
	}
	if _, seen := set[userID]; !seen {
		set[userID] = struct{}{}
		if rec := et.records[fingerprint]; rec != nil {
			rec.AffectedUsers = len(set)
		}
	}
}

// Summary returns aggregate error statistics. The error rate is computed
// over transactions started within the last hour (failed / total).
func (et *ErrorTracker) Summary() ErrorSummary {
	et.mu.RLock()
	records := make([]ErrorRecord, 0, len(et.records))
	var total int64
	critical := 0
	for _, rec := range et.records {
		records = append(records, *rec)
		total += rec.Occurrences
		if rec.Severity == SeverityCritical {
			critical++
		}
	}
	et.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].Occurrences > records[j].Occurrences
	})
	top := records
	if len(top) > 10 {
		top = top[:10]
	}

	summary := ErrorSummary{
		TotalErrors:    total,
		UniqueErrors:   len(records),
		CriticalErrors: critical,
		TopErrors:      top,
	}

	if et.collector != nil {
		txs := et.collector.Transactions(time.Now().Add(-time.Hour))
		failed := 0
		for _, tx := range txs {
			if tx.Status == StatusError {
				failed++
			}
		}
		if len(txs) > 0 {
			summary.ErrorRate = float64(failed) / float64(len(txs))
		}
	}
	return summary
}

// Records returns copies of all error records, most recent last seen first.
func (et *ErrorTracker) Records() []ErrorRecord {
	et.mu.RLock()
	out := make([]ErrorRecord, 0, len(et.records))
	for _, rec := range et.records {
		out = append(out, *rec)
	}
	et.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// record returns a copy of one record by fingerprint.
func (et *ErrorTracker) record(fingerprint string) (ErrorRecord, bool) {
	et.mu.RLock()
	defer et.mu.RUnlock()
	rec, ok := et.records[fingerprint]
	if !ok {
		return ErrorRecord{}, false
	}
	return *rec, true
}

// recordsSince returns copies of records last seen at or after since.
func (et *ErrorTracker) recordsSince(since time.Time) []ErrorRecord {
	et.mu.RLock()
	defer et.mu.RUnlock()
	out := make([]ErrorRecord, 0, len(et.records))
	for _, rec := range et.records {
		if rec.LastSeen.Before(since) {
			continue
		}
		out = append(out, *rec)
	}
	return out
}

// evictBefore drops records with no occurrences since the cutoff.
func (et *ErrorTracker) evictBefore(cutoff time.Time) int {
	et.mu.Lock()
	defer et.mu.Unlock()

	removed := 0
	for fp, rec := range et.records {
		if rec.LastSeen.Before(cutoff) {
			delete(et.records, fp)
			delete(et.users, fp)
			removed++
		}
	}
	return removed
}

// severityRank orders severities for escalation comparisons.
func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	case SeverityLow:
		return 0
	default:
		return 0
	}
}
