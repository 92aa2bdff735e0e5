package vigil

import (
	"math/rand"
	"sort"
	"sync"
	"time"
)

// TransactionKind classifies the unit of work a transaction represents.
type TransactionKind string

const (
	// KindWeb is a browser-facing request.
	KindWeb TransactionKind = "web"
	// KindAPI is a programmatic API request.
	KindAPI TransactionKind = "api"
	// KindDatabase is a database-driven unit of work.
	KindDatabase TransactionKind = "database"
	// KindBackground is a background job.
	KindBackground TransactionKind = "background"
)

// TransactionStatus is the terminal state of a transaction.
type TransactionStatus string

const (
	// StatusSuccess marks a transaction that completed normally.
	StatusSuccess TransactionStatus = "success"
	// StatusError marks a transaction that failed.
	StatusError TransactionStatus = "error"
	// StatusTimeout marks a transaction that exceeded its deadline.
	StatusTimeout TransactionStatus = "timeout"
)

// Transaction is one top-level traced unit of work with nested spans.
// It is created by StartTransaction, finalized once by EndTransaction,
// and never reopened.
type Transaction struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Kind      TransactionKind   `json:"kind"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Status    TransactionStatus `json:"status"`
	Spans     []*Span           `json:"spans,omitempty"`
	Error     *ErrorRecord      `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Span is a sub-operation within a transaction, optionally nested under a
// parent span of the same transaction.
type Span struct {
	ID        string            `json:"id"`
	ParentID  string            `json:"parent_id,omitempty"`
	Operation string            `json:"operation"`
	Service   string            `json:"service"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Tags      map[string]string `json:"tags,omitempty"`
	Logs      []SpanLog         `json:"logs,omitempty"`
}

// SpanLog is a timestamped log entry attached to a span.
type SpanLog struct {
	Timestamp time.Time         `json:"timestamp"`
	Fields    map[string]string `json:"fields"`
}

// spanRef ties an active span to its owning transaction.
type spanRef struct {
	span *Span
	txID string
}

// TraceCollector records sampled transactions and their spans. All methods
// are safe for concurrent use by request handlers; operations referencing
// unknown or empty ids are silent no-ops.
type TraceCollector struct {
	mu           sync.RWMutex
	samplingRate float64
	maxSpans     int
	active       bool
	transactions map[string]*Transaction
	activeSpans  map[string]spanRef
}

// newTraceCollector creates a collector with the given tracing settings.
func newTraceCollector(cfg TracingConfig) *TraceCollector {
	return &TraceCollector{
		samplingRate: cfg.SamplingRate,
		maxSpans:     cfg.MaxActiveSpans,
		active:       true,
		transactions: make(map[string]*Transaction),
		activeSpans:  make(map[string]spanRef),
	}
}

// StartTransaction begins a traced transaction and returns its id. When
// the transaction is not sampled, or the collector has been stopped, the
// returned id is empty and no state is recorded.
func (tc *TraceCollector) StartTransaction(name string, kind TransactionKind, metadata map[string]string) string {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if !tc.active {
		return ""
	}
	if tc.samplingRate < 1 && rand.Float64() >= tc.samplingRate {
		return ""
	}

	tx := &Transaction{
		ID:        newID(),
		Name:      name,
		Kind:      kind,
		StartTime: time.Now(),
		Status:    StatusSuccess,
		Metadata:  cloneTags(metadata),
	}
	tc.transactions[tx.ID] = tx
	return tx.ID
}

// EndTransaction finalizes a transaction with the given status. Unknown
// or empty ids leave no state behind.
func (tc *TraceCollector) EndTransaction(id string, status TransactionStatus) {
	if id == "" {
		return
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()

	tx, ok := tc.transactions[id]
	if !ok || !tx.EndTime.IsZero() {
		return
	}
	tx.EndTime = time.Now()
	tx.Duration = tx.EndTime.Sub(tx.StartTime)
	if status != "" {
		tx.Status = status
	}
}

// StartSpan begins a span within a transaction and returns its id. The
// span is attached to the transaction's span list immediately; it may end
// before or after the transaction itself does. An unknown transaction id
// yields an empty span id.
func (tc *TraceCollector) StartSpan(transactionID, operation, service, parentSpanID string) string {
	if transactionID == "" {
		return ""
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()

	if !tc.active {
		return ""
	}
	tx, ok := tc.transactions[transactionID]
	if !ok {
		return ""
	}
	if len(tc.activeSpans) >= tc.maxSpans {
		return ""
	}

	span := &Span{
		ID:        newID(),
		ParentID:  parentSpanID,
		Operation: operation,
		Service:   service,
		StartTime: time.Now(),
	}
	tx.Spans = append(tx.Spans, span)
	tc.activeSpans[span.ID] = spanRef{span: span, txID: transactionID}
	return span.ID
}

// EndSpan finalizes a span, merging the given tags. Unknown ids are no-ops.
func (tc *TraceCollector) EndSpan(id string, tags map[string]string) {
	if id == "" {
		return
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()

	ref, ok := tc.activeSpans[id]
	if !ok {
		return
	}
	span := ref.span
	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	span.Tags = mergeTags(span.Tags, tags)
	delete(tc.activeSpans, id)
}

// LogSpan appends a log entry to an active span. Unknown ids are no-ops.
func (tc *TraceCollector) LogSpan(id string, fields map[string]string) {
	if id == "" {
		return
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()

	ref, ok := tc.activeSpans[id]
	if !ok {
		return
	}
	ref.span.Logs = append(ref.span.Logs, SpanLog{
		Timestamp: time.Now(),
		Fields:    cloneTags(fields),
	})
}

// attachError links an error record to a transaction and forces its
// status to error. Returns false for unknown ids. The record is taken
// by value so the transaction holds its own copy, never memory the
// tracker keeps mutating under its own lock.
func (tc *TraceCollector) attachError(transactionID string, rec ErrorRecord) bool {
	if transactionID == "" {
		return false
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()

	tx, ok := tc.transactions[transactionID]
	if !ok {
		return false
	}
	tx.Error = &rec
	tx.Status = StatusError
	return true
}

// Transactions returns copies of transactions started at or after since,
// ordered by start time. A zero since returns everything. The copies are
// detached from collector state so callers can read them without racing
// the retention sweep.
func (tc *TraceCollector) Transactions(since time.Time) []Transaction {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	out := make([]Transaction, 0, len(tc.transactions))
	for _, tx := range tc.transactions {
		if !since.IsZero() && tx.StartTime.Before(since) {
			continue
		}
		out = append(out, tx.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// transaction returns a snapshot of one transaction by id.
func (tc *TraceCollector) transaction(id string) (Transaction, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	tx, ok := tc.transactions[id]
	if !ok {
		return Transaction{}, false
	}
	return tx.snapshot(), true
}

// ActiveSpanCount returns the number of spans not yet ended.
func (tc *TraceCollector) ActiveSpanCount() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return len(tc.activeSpans)
}

// stop makes all further Start calls no-ops.
func (tc *TraceCollector) stop() {
	tc.mu.Lock()
	tc.active = false
	tc.mu.Unlock()
}

// evictBefore removes transactions that ended before the cutoff.
// Transactions still in flight are kept regardless of age.
func (tc *TraceCollector) evictBefore(cutoff time.Time) int {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	removed := 0
	for id, tx := range tc.transactions {
		if tx.EndTime.IsZero() || !tx.EndTime.Before(cutoff) {
			continue
		}
		for _, span := range tx.Spans {
			delete(tc.activeSpans, span.ID)
		}
		delete(tc.transactions, id)
		removed++
	}
	return removed
}

// snapshot returns a deep copy detached from collector state.
func (tx *Transaction) snapshot() Transaction {
	cp := *tx
	cp.Metadata = cloneTags(tx.Metadata)
	if len(tx.Spans) > 0 {
		cp.Spans = make([]*Span, len(tx.Spans))
		for i, span := range tx.Spans {
			s := *span
			s.Tags = cloneTags(span.Tags)
			if len(span.Logs) > 0 {
				s.Logs = append([]SpanLog(nil), span.Logs...)
			}
			cp.Spans[i] = &s
		}
	}
	if tx.Error != nil {
		e := *tx.Error
		cp.Error = &e
	}
	return cp
}
