package vigil

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Monitor is the top-level observability service. It owns the trace
// collector, error tracker, health engine, incident manager, issue
// detector, alert dispatcher and the optional persistence and export
// layers, and wires them together.
type Monitor struct {
	cfg Config

	collector  *TraceCollector
	tracker    *ErrorTracker
	engine     *HealthCheckEngine
	incidents  *IncidentManager
	detector   *IssueDetector
	dispatcher *AlertDispatcher
	aggregator *MetricsAggregator
	reports    *ReportGenerator

	hub         *EventHub
	store       *IncidentStore
	archiver    *ReportArchiver
	remoteWrite *RemoteWriteExporter
	api         *apiServer

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a monitor from the configuration. Invalid configuration
// values surface as ConfigError; nothing is started until Start.
func New(cfg Config) (*Monitor, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	m := &Monitor{cfg: cfg}

	if cfg.Store != nil && cfg.Store.Enabled {
		store, err := NewIncidentStore(*cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("open incident store: %w", err)
		}
		m.store = store
	}
	if cfg.Archive != nil && cfg.Archive.Enabled {
		archiver, err := NewReportArchiver(*cfg.Archive)
		if err != nil {
			if m.store != nil {
				_ = m.store.Close()
			}
			return nil, fmt.Errorf("create report archiver: %w", err)
		}
		m.archiver = archiver
	}

	m.collector = newTraceCollector(cfg.Tracing)
	m.tracker = newErrorTracker(m.collector)
	m.engine = newHealthCheckEngine(cfg.Health)
	m.incidents = newIncidentManager(m.store)
	m.detector = newIssueDetector(cfg.Issues)
	m.dispatcher = newAlertDispatcher(cfg.Alerting)
	m.aggregator = newMetricsAggregator(m.collector, m.tracker, m.engine, m.incidents, m.detector)
	m.reports = newReportGenerator(m.aggregator, m.tracker, m.engine, m.incidents, m.detector, m.archiver)

	if cfg.Stream.Enabled {
		m.hub = newEventHub(cfg.Stream)
	}
	if cfg.RemoteWrite != nil && cfg.RemoteWrite.Enabled {
		m.remoteWrite = newRemoteWriteExporter(*cfg.RemoteWrite, m.aggregator)
	}
	if cfg.HTTP.Enabled {
		m.api = newAPIServer(m, cfg.HTTP)
	}

	m.wire()

	if m.store != nil {
		incidents, err := m.store.LoadIncidents()
		if err != nil {
			slog.Error("incident restore failed", "err", err)
		} else if len(incidents) > 0 {
			m.incidents.restore(incidents)
			slog.Info("incidents restored", "count", len(incidents))
		}
	}

	return m, nil
}

// wire connects the component callbacks.
func (m *Monitor) wire() {
	m.engine.onThreshold = func(check HealthCheck, failures int) {
		m.incidents.handleBreach(check, failures)
	}

	m.engine.onTransition = func(check HealthCheck, healthy bool, result CheckResult) {
		m.publish(Event{
			Type: EventHealth,
			Health: &HealthEvent{
				CheckID: check.ID,
				Healthy: healthy,
				Result:  result,
			},
		})
	}

	m.incidents.onChange = func(inc Incident, change string) {
		m.publish(Event{Type: EventIncident, Incident: &inc, Change: change})
		if change == "opened" {
			m.dispatcher.Dispatch(context.Background(), Alert{
				Level:   inc.Severity,
				Title:   inc.Title,
				Message: inc.Description,
				Source:  "health:" + inc.CheckID,
			})
		}
	}

	m.detector.onIssue = func(issue PerformanceIssue) {
		m.publish(Event{Type: EventIssue, Issue: &issue})
		if issue.Severity == SeverityCritical || issue.Severity == SeverityHigh {
			m.dispatcher.Dispatch(context.Background(), Alert{
				Level:   issue.Severity,
				Title:   "Performance issue detected",
				Message: issue.Description,
				Source:  string(issue.Type),
			})
		}
	}

	m.dispatcher.onAlert = func(alert Alert) {
		m.publish(Event{Type: EventAlert, Alert: &alert})
	}
}

func (m *Monitor) publish(ev Event) {
	if m.hub != nil {
		m.hub.Publish(ev)
	}
}

// Start launches health scheduling, the retention sweep and the enabled
// optional services. Start is idempotent.
func (m *Monitor) Start() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	m.engine.Start()

	m.wg.Add(1)
	go m.retentionLoop(ctx)

	if m.remoteWrite != nil {
		m.remoteWrite.Start()
	}
	if m.api != nil {
		m.api.start()
	}

	slog.Info("monitor started")
	return nil
}

// Stop shuts everything down. In-flight probes finish detached; further
// recording calls become no-ops. Stop is idempotent.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	started := m.started
	cancel := m.cancel
	m.mu.Unlock()

	if started {
		cancel()
		m.wg.Wait()
		m.engine.Stop()
	}
	m.collector.stop()

	if m.remoteWrite != nil {
		m.remoteWrite.Stop()
	}
	if m.api != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = m.api.srv.Shutdown(shutdownCtx)
	}
	if m.store != nil {
		if err := m.store.Close(); err != nil {
			slog.Error("incident store close failed", "err", err)
		}
	}

	slog.Info("monitor stopped")
	return nil
}

// retentionLoop periodically evicts data past its retention window.
func (m *Monitor) retentionLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Retention.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Monitor) sweep() {
	now := time.Now()
	ret := m.cfg.Retention

	// The sweep doubles as the periodic error-rate observation point.
	txs := m.collector.Transactions(now.Add(-time.Hour))
	failed := 0
	for _, tx := range txs {
		if tx.Status == StatusError {
			failed++
		}
	}
	if len(txs) > 0 {
		m.detector.InspectErrorRate(float64(failed)/float64(len(txs)), len(txs))
	}

	traces := m.collector.evictBefore(now.Add(-ret.TraceRetention))
	errs := m.tracker.evictBefore(now.Add(-ret.ErrorRetention))
	issues := m.detector.evictBefore(now.Add(-ret.IssueRetention))
	incidents := m.incidents.evictResolvedBefore(now.Add(-ret.IncidentRetention))
	m.dispatcher.evictCooldownsBefore(now.Add(-m.cfg.Alerting.Cooldown))

	if m.store != nil {
		if _, err := m.store.PruneResolvedBefore(now.Add(-ret.IncidentRetention)); err != nil {
			slog.Error("incident store prune failed", "err", err)
		}
	}

	if traces+errs+issues+incidents > 0 {
		slog.Debug("retention sweep",
			"traces", traces,
			"errors", errs,
			"issues", issues,
			"incidents", incidents)
	}
}

// StartTransaction begins a traced transaction. The returned id is empty
// when the transaction is not sampled or the monitor is stopped.
func (m *Monitor) StartTransaction(name string, kind TransactionKind, metadata map[string]string) string {
	return m.collector.StartTransaction(name, kind, metadata)
}

// EndTransaction finalizes a transaction and runs performance-issue
// detection over it and its spans.
func (m *Monitor) EndTransaction(id string, status TransactionStatus) {
	m.collector.EndTransaction(id, status)
	if tx, ok := m.collector.transaction(id); ok {
		m.detector.InspectTransaction(tx)
	}
}

// StartSpan begins a span within a transaction.
func (m *Monitor) StartSpan(transactionID, operation, service, parentSpanID string) string {
	return m.collector.StartSpan(transactionID, operation, service, parentSpanID)
}

// EndSpan finalizes a span, merging the given tags.
func (m *Monitor) EndSpan(id string, tags map[string]string) {
	m.collector.EndSpan(id, tags)
}

// LogSpan appends a log entry to an active span.
func (m *Monitor) LogSpan(id string, fields map[string]string) {
	m.collector.LogSpan(id, fields)
}

// Transactions returns finished and in-flight transactions started at or
// after since.
func (m *Monitor) Transactions(since time.Time) []Transaction {
	return m.collector.Transactions(since)
}

// TrackError records an error occurrence and returns its fingerprint.
func (m *Monitor) TrackError(err error, transactionID string, severity Severity) string {
	fp := m.tracker.TrackError(err, transactionID, severity)
	if fp != "" && m.store != nil {
		if rec, ok := m.tracker.record(fp); ok {
			if err := m.store.SaveErrorRecord(rec); err != nil {
				slog.Error("error record save failed", "fingerprint", fp, "err", err)
			}
		}
	}
	return fp
}

// CapturePanic recovers a panic, records it as a critical error and
// fails the transaction. Use it in a defer around panicky work:
//
//	defer monitor.CapturePanic(txID)
func (m *Monitor) CapturePanic(transactionID string) {
	if r := recover(); r != nil {
		err, ok := r.(error)
		if !ok {
			err = fmt.Errorf("panic: %v", r)
		}
		m.tracker.TrackError(err, transactionID, SeverityCritical)
		m.collector.EndTransaction(transactionID, StatusError)
		slog.Error("panic captured", "transaction", transactionID, "panic", r)
	}
}

// Errors returns all tracked error records.
func (m *Monitor) Errors() []ErrorRecord {
	return m.tracker.Records()
}

// ErrorSummary returns aggregate error statistics.
func (m *Monitor) ErrorSummary() ErrorSummary {
	return m.tracker.Summary()
}

// RegisterCheck adds a health check. When the monitor is running the
// check is scheduled immediately.
func (m *Monitor) RegisterCheck(check HealthCheck) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return m.engine.RegisterCheck(check)
}

// RegisterCheckDefinitions loads declarative checks from a YAML file and
// registers them all.
func (m *Monitor) RegisterCheckDefinitions(path string) error {
	checks, err := LoadCheckDefinitions(path)
	if err != nil {
		return err
	}
	for _, check := range checks {
		if err := m.RegisterCheck(check); err != nil {
			return fmt.Errorf("register check %q: %w", check.ID, err)
		}
	}
	return nil
}

// RunCheckNow executes a check outside its schedule.
func (m *Monitor) RunCheckNow(id string) (CheckStatus, bool) {
	return m.engine.RunCheckNow(id)
}

// CheckStatus returns one check's status.
func (m *Monitor) CheckStatus(id string) (CheckStatus, bool) {
	return m.engine.Status(id)
}

// CheckStatuses returns all check statuses keyed by check id.
func (m *Monitor) CheckStatuses() map[string]CheckStatus {
	return m.engine.Statuses()
}

// Incidents returns every known incident, newest first.
func (m *Monitor) Incidents() []Incident {
	return m.incidents.All()
}

// ActiveIncidents returns incidents not yet resolved.
func (m *Monitor) ActiveIncidents() []Incident {
	return m.incidents.Active()
}

// Incident returns one incident by id.
func (m *Monitor) Incident(id string) (Incident, bool) {
	return m.incidents.Incident(id)
}

// ResolveIncident closes an incident with a resolution note.
func (m *Monitor) ResolveIncident(id, resolution string) error {
	return m.incidents.Resolve(id, resolution)
}

// MarkIncidentInvestigating flags an open incident as being worked on.
func (m *Monitor) MarkIncidentInvestigating(id string) error {
	return m.incidents.MarkInvestigating(id)
}

// Issues returns performance issues detected at or after since.
func (m *Monitor) Issues(since time.Time) []PerformanceIssue {
	return m.detector.Issues(since)
}

// TrackDatabaseQuery records a directly measured query duration, for
// database calls made outside a traced span.
func (m *Monitor) TrackDatabaseQuery(query string, duration time.Duration, success bool) {
	m.detector.InspectQuery(query, duration, success)
}

// TrackAPIEndpoint records a directly measured endpoint response, for
// handlers not instrumented with transactions.
func (m *Monitor) TrackAPIEndpoint(endpoint, method string, statusCode int, duration time.Duration) {
	m.detector.InspectEndpoint(endpoint, method, statusCode, duration)
}

// Alert dispatches a manual alert through the configured channels,
// subject to the cooldown filter.
func (m *Monitor) Alert(ctx context.Context, alert Alert) bool {
	return m.dispatcher.Dispatch(ctx, alert)
}

// AddAlertChannel registers an additional alert delivery channel.
func (m *Monitor) AddAlertChannel(ch AlertChannel) {
	m.dispatcher.AddChannel(ch)
}

// AcknowledgeAlert marks a dispatched alert as seen by an operator.
func (m *Monitor) AcknowledgeAlert(id string) error {
	return m.dispatcher.Acknowledge(id)
}

// AlertHistory returns recently dispatched alerts.
func (m *Monitor) AlertHistory() []Alert {
	return m.dispatcher.History()
}

// MetricsSnapshot aggregates transaction metrics over the trailing window.
func (m *Monitor) MetricsSnapshot(window time.Duration) MetricsSnapshot {
	return m.aggregator.Snapshot(window)
}

// CurrentMetrics aggregates transactions started in the last minute.
func (m *Monitor) CurrentMetrics() MetricsSnapshot {
	return m.aggregator.Snapshot(time.Minute)
}

// SystemHealth returns the weighted system health score.
func (m *Monitor) SystemHealth() SystemHealth {
	return m.aggregator.SystemHealth()
}

// GenerateReport builds a report over a trailing period such as "30m",
// "2h" or "7d". When archiving is configured the report is also
// uploaded; archive failures are logged but do not fail generation.
func (m *Monitor) GenerateReport(period string) (Report, error) {
	report, err := m.reports.Generate(period)
	if err != nil {
		return Report{}, err
	}

	if m.archiver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		key, err := m.archiver.Archive(ctx, report)
		if err != nil {
			slog.Error("report archive failed", "period", period, "err", err)
		} else {
			slog.Info("report archived", "key", key)
		}
	}
	return report, nil
}

// Subscribe creates an event subscription filtered to the given types.
// Returns nil when streaming is disabled.
func (m *Monitor) Subscribe(types ...EventType) *EventSubscription {
	if m.hub == nil {
		return nil
	}
	return m.hub.Subscribe(types...)
}

// Events returns the event hub, or nil when streaming is disabled.
func (m *Monitor) Events() *EventHub {
	return m.hub
}
