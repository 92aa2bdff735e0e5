package vigil

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CheckCategory classifies what a health check probes.
type CheckCategory string

const (
	// CategoryInfrastructure covers hosts, processes and platform concerns.
	CategoryInfrastructure CheckCategory = "infrastructure"
	// CategoryDatabase covers datastore connectivity and latency.
	CategoryDatabase CheckCategory = "database"
	// CategoryAPI covers the service's own endpoints.
	CategoryAPI CheckCategory = "api"
	// CategoryExternal covers third-party integrations.
	CategoryExternal CheckCategory = "external"
	// CategoryBusiness covers domain-level invariants.
	CategoryBusiness CheckCategory = "business"
)

// CheckState is the coarse state of a health check.
type CheckState string

const (
	// StateUnknown means the check has not executed yet.
	StateUnknown CheckState = "unknown"
	// StateHealthy means the last execution succeeded.
	StateHealthy CheckState = "healthy"
	// StateUnhealthy means the last execution failed or timed out.
	StateUnhealthy CheckState = "unhealthy"
)

// ProbeResult is what a probe function reports back.
type ProbeResult struct {
	Healthy      bool              `json:"healthy"`
	ResponseTime time.Duration     `json:"response_time"`
	Message      string            `json:"message,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
}

// ProbeFunc performs one health probe. It should honor ctx, but the
// engine does not depend on it doing so: a probe that outlives its
// timeout keeps running detached and its late result is discarded.
type ProbeFunc func(ctx context.Context) ProbeResult

// HealthCheck is an immutable check definition. Register it once; the
// engine owns scheduling from then on.
type HealthCheck struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Category CheckCategory `json:"category"`
	Critical bool          `json:"critical"`
	Probe    ProbeFunc     `json:"-"`

	// Timeout for a single probe execution. Zero uses the engine default.
	Timeout time.Duration `json:"timeout"`

	// Interval between executions. Zero uses the engine default.
	Interval time.Duration `json:"interval"`

	// Dependencies lists ids of checks this one depends on. Informational
	// only; execution order is not affected.
	Dependencies []string `json:"dependencies,omitempty"`
}

// CheckResult is one recorded probe execution.
type CheckResult struct {
	Healthy      bool              `json:"healthy"`
	ResponseTime time.Duration     `json:"response_time"`
	Message      string            `json:"message,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	TimedOut     bool              `json:"timed_out,omitempty"`
}

// CheckStatus is the mutable status tracked per health check.
type CheckStatus struct {
	CheckID             string        `json:"check_id"`
	State               CheckState    `json:"state"`
	LastResult          *CheckResult  `json:"last_result,omitempty"`
	History             []CheckResult `json:"history,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastSuccess         time.Time     `json:"last_success,omitempty"`
	LastFailure         time.Time     `json:"last_failure,omitempty"`
	Availability        float64       `json:"availability"`
	Uptime              time.Duration `json:"uptime"`
	Downtime            time.Duration `json:"downtime"`
}

// HealthCheckEngine schedules registered checks, each on its own
// independent timer, and tracks per-check status.
type HealthCheckEngine struct {
	mu       sync.RWMutex
	cfg      HealthConfig
	checks   map[string]HealthCheck
	statuses map[string]*CheckStatus
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// onThreshold fires when a check's consecutive failures reach the
	// alert threshold (and on every failure beyond it).
	onThreshold func(check HealthCheck, failures int)

	// onTransition fires when a check moves between healthy and unhealthy.
	onTransition func(check HealthCheck, healthy bool, result CheckResult)
}

func newHealthCheckEngine(cfg HealthConfig) *HealthCheckEngine {
	return &HealthCheckEngine{
		cfg:      cfg,
		checks:   make(map[string]HealthCheck),
		statuses: make(map[string]*CheckStatus),
	}
}

// RegisterCheck stores a check definition and its initial (unchecked)
// status. When the engine is already running, scheduling starts
// immediately.
func (e *HealthCheckEngine) RegisterCheck(check HealthCheck) error {
	if check.ID == "" {
		return &ConfigError{Type: ConfigErrorTypeValue, Message: "health check id is required"}
	}
	if check.Probe == nil {
		return &ConfigError{Type: ConfigErrorTypeValue, Message: fmt.Sprintf("health check %q has no probe", check.ID)}
	}
	if check.Timeout <= 0 {
		check.Timeout = e.cfg.DefaultTimeout
	}
	if check.Interval <= 0 {
		check.Interval = e.cfg.DefaultInterval
	}

	e.mu.Lock()
	if _, exists := e.checks[check.ID]; exists {
		e.mu.Unlock()
		return ErrDuplicateCheck
	}
	e.checks[check.ID] = check
	e.statuses[check.ID] = &CheckStatus{
		CheckID:      check.ID,
		State:        StateUnknown,
		Availability: 100,
	}
	running := e.running
	e.mu.Unlock()

	if running {
		e.wg.Add(1)
		go e.runCheckLoop(check)
	}
	return nil
}

// Start schedules every registered check on its own ticker. Each check
// executes once immediately.
func (e *HealthCheckEngine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.running = true
	checks := make([]HealthCheck, 0, len(e.checks))
	for _, c := range e.checks {
		checks = append(checks, c)
	}
	e.mu.Unlock()

	for _, check := range checks {
		e.wg.Add(1)
		go e.runCheckLoop(check)
	}
}

// Stop cancels all scheduled executions. Probes already in flight are
// not interrupted; their results are discarded.
func (e *HealthCheckEngine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
}

func (e *HealthCheckEngine) runCheckLoop(check HealthCheck) {
	defer e.wg.Done()

	e.executeCheck(check)

	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.executeCheck(check)
		}
	}
}

// RunCheckNow executes a check synchronously, outside its schedule.
// Useful for tests and manual re-checks from the dashboard.
func (e *HealthCheckEngine) RunCheckNow(id string) (CheckStatus, bool) {
	e.mu.RLock()
	check, ok := e.checks[id]
	e.mu.RUnlock()
	if !ok {
		return CheckStatus{}, false
	}
	e.executeCheck(check)
	return e.Status(id)
}

// executeCheck races the probe against the check timeout. Both probe
// panics and timeouts are normalized into unhealthy results; a probe
// that loses the race keeps running detached and its eventual result is
// dropped on the floor of the buffered channel.
func (e *HealthCheckEngine) executeCheck(check HealthCheck) {
	start := time.Now()
	resultCh := make(chan ProbeResult, 1)

	probeCtx, cancelProbe := context.WithTimeout(context.Background(), check.Timeout)
	go func() {
		defer cancelProbe()
		defer func() {
			if r := recover(); r != nil {
				resultCh <- ProbeResult{
					Healthy: false,
					Message: fmt.Sprintf("probe panic: %v", r),
				}
			}
		}()
		resultCh <- check.Probe(probeCtx)
	}()

	timer := time.NewTimer(check.Timeout)
	defer timer.Stop()

	var result CheckResult
	select {
	case res := <-resultCh:
		result = CheckResult{
			Healthy:      res.Healthy,
			ResponseTime: res.ResponseTime,
			Message:      res.Message,
			Details:      res.Details,
			Timestamp:    start,
		}
		if result.ResponseTime == 0 {
			result.ResponseTime = time.Since(start)
		}
	case <-timer.C:
		result = CheckResult{
			Healthy:      false,
			ResponseTime: check.Timeout,
			Message:      fmt.Sprintf("check timed out after %v", check.Timeout),
			Timestamp:    start,
			TimedOut:     true,
		}
	}

	e.applyResult(check, result)
}

func (e *HealthCheckEngine) applyResult(check HealthCheck, result CheckResult) {
	e.mu.Lock()

	status, ok := e.statuses[check.ID]
	if !ok {
		// Check was removed while the probe ran; discard.
		e.mu.Unlock()
		return
	}

	prevState := status.State
	status.LastResult = &result
	status.History = append(status.History, result)
	if len(status.History) > e.cfg.HistorySize {
		status.History = status.History[len(status.History)-e.cfg.HistorySize:]
	}

	if result.Healthy {
		status.State = StateHealthy
		status.ConsecutiveFailures = 0
		status.LastSuccess = result.Timestamp
	} else {
		status.State = StateUnhealthy
		status.ConsecutiveFailures++
		status.LastFailure = result.Timestamp
	}

	e.recomputeAvailability(status)

	failures := status.ConsecutiveFailures
	transitioned := prevState != status.State
	onThreshold := e.onThreshold
	onTransition := e.onTransition
	e.mu.Unlock()

	if !result.Healthy {
		slog.Warn("health check failed",
			"check", check.ID,
			"failures", failures,
			"message", result.Message)
	}
	if transitioned && onTransition != nil {
		onTransition(check, result.Healthy, result)
	}
	if !result.Healthy && failures >= e.cfg.AlertThreshold && onThreshold != nil {
		onThreshold(check, failures)
	}
}

// recomputeAvailability recalculates the rolling-window availability.
// Caller must hold the lock.
func (e *HealthCheckEngine) recomputeAvailability(status *CheckStatus) {
	cutoff := time.Now().Add(-e.cfg.AvailabilityWindow)
	healthy, total := 0, 0
	for _, r := range status.History {
		if r.Timestamp.Before(cutoff) {
			continue
		}
		total++
		if r.Healthy {
			healthy++
		}
	}
	if total == 0 {
		status.Availability = 100
		status.Uptime = e.cfg.AvailabilityWindow
		status.Downtime = 0
		return
	}
	status.Availability = float64(healthy) / float64(total) * 100
	status.Uptime = time.Duration(float64(e.cfg.AvailabilityWindow) * status.Availability / 100)
	status.Downtime = e.cfg.AvailabilityWindow - status.Uptime
}

// Status returns a copy of one check's status.
func (e *HealthCheckEngine) Status(id string) (CheckStatus, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	status, ok := e.statuses[id]
	if !ok {
		return CheckStatus{}, false
	}
	return status.snapshot(), true
}

// Statuses returns copies of every check's status keyed by check id.
func (e *HealthCheckEngine) Statuses() map[string]CheckStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]CheckStatus, len(e.statuses))
	for id, status := range e.statuses {
		out[id] = status.snapshot()
	}
	return out
}

// Checks returns copies of all registered check definitions.
func (e *HealthCheckEngine) Checks() []HealthCheck {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]HealthCheck, 0, len(e.checks))
	for _, c := range e.checks {
		out = append(out, c)
	}
	return out
}

// check returns the definition for an id.
func (e *HealthCheckEngine) check(id string) (HealthCheck, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.checks[id]
	return c, ok
}

func (s *CheckStatus) snapshot() CheckStatus {
	cp := *s
	if s.LastResult != nil {
		r := *s.LastResult
		cp.LastResult = &r
	}
	cp.History = append([]CheckResult(nil), s.History...)
	return cp
}
