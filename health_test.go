package vigil

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func testHealthConfig() HealthConfig {
	return HealthConfig{
		DefaultInterval:    10 * time.Millisecond,
		DefaultTimeout:     time.Second,
		AlertThreshold:     3,
		HistorySize:        100,
		AvailabilityWindow: 24 * time.Hour,
	}
}

func healthyProbe(ctx context.Context) ProbeResult {
	return ProbeResult{Healthy: true}
}

func unhealthyProbe(ctx context.Context) ProbeResult {
	return ProbeResult{Healthy: false, Message: "down"}
}

func TestRegisterCheckValidation(t *testing.T) {
	e := newHealthCheckEngine(testHealthConfig())

	if err := e.RegisterCheck(HealthCheck{Name: "no id", Probe: healthyProbe}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("missing id: err = %v, want ErrInvalidConfig", err)
	}
	if err := e.RegisterCheck(HealthCheck{ID: "x"}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("missing probe: err = %v, want ErrInvalidConfig", err)
	}

	if err := e.RegisterCheck(HealthCheck{ID: "db", Probe: healthyProbe}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := e.RegisterCheck(HealthCheck{ID: "db", Probe: healthyProbe}); !errors.Is(err, ErrDuplicateCheck) {
		t.Errorf("duplicate: err = %v, want ErrDuplicateCheck", err)
	}
}

func TestRunCheckNowUpdatesStatus(t *testing.T) {
	e := newHealthCheckEngine(testHealthConfig())
	if err := e.RegisterCheck(HealthCheck{ID: "api", Category: CategoryAPI, Probe: healthyProbe}); err != nil {
		t.Fatal(err)
	}

	status, ok := e.Status("api")
	if !ok || status.State != StateUnknown {
		t.Fatalf("initial state = %v, want unknown", status.State)
	}

	status, ok = e.RunCheckNow("api")
	if !ok {
		t.Fatal("check not found")
	}
	if status.State != StateHealthy {
		t.Errorf("state = %q, want healthy", status.State)
	}
	if status.ConsecutiveFailures != 0 {
		t.Errorf("failures = %d, want 0", status.ConsecutiveFailures)
	}
	if status.LastResult == nil {
		t.Fatal("LastResult not recorded")
	}
}

func TestConsecutiveFailuresFireThreshold(t *testing.T) {
	e := newHealthCheckEngine(testHealthConfig())

	var fired atomic.Int32
	var firedAt atomic.Int32
	e.onThreshold = func(check HealthCheck, failures int) {
		fired.Add(1)
		firedAt.Store(int32(failures))
	}

	if err := e.RegisterCheck(HealthCheck{ID: "db", Critical: true, Probe: unhealthyProbe}); err != nil {
		t.Fatal(err)
	}

	e.RunCheckNow("db")
	e.RunCheckNow("db")
	if fired.Load() != 0 {
		t.Fatalf("threshold fired after %d failures, want only at 3", 2)
	}

	e.RunCheckNow("db")
	if fired.Load() != 1 {
		t.Fatalf("fired = %d, want 1", fired.Load())
	}
	if firedAt.Load() != 3 {
		t.Errorf("fired at %d failures, want 3", firedAt.Load())
	}

	// Every failure past the threshold keeps firing.
	e.RunCheckNow("db")
	if fired.Load() != 2 {
		t.Errorf("fired = %d after 4th failure, want 2", fired.Load())
	}
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	e := newHealthCheckEngine(testHealthConfig())

	var healthy atomic.Bool
	probe := func(ctx context.Context) ProbeResult {
		return ProbeResult{Healthy: healthy.Load()}
	}
	if err := e.RegisterCheck(HealthCheck{ID: "flap", Probe: probe}); err != nil {
		t.Fatal(err)
	}

	e.RunCheckNow("flap")
	e.RunCheckNow("flap")
	status, _ := e.Status("flap")
	if status.ConsecutiveFailures != 2 {
		t.Fatalf("failures = %d, want 2", status.ConsecutiveFailures)
	}

	healthy.Store(true)
	e.RunCheckNow("flap")
	status, _ = e.Status("flap")
	if status.ConsecutiveFailures != 0 {
		t.Errorf("failures after recovery = %d, want 0", status.ConsecutiveFailures)
	}
	if status.State != StateHealthy {
		t.Errorf("state = %q, want healthy", status.State)
	}
}

func TestSlowProbeTimesOut(t *testing.T) {
	e := newHealthCheckEngine(testHealthConfig())

	release := make(chan struct{})
	probe := func(ctx context.Context) ProbeResult {
		<-release
		return ProbeResult{Healthy: true}
	}
	if err := e.RegisterCheck(HealthCheck{ID: "slow", Probe: probe, Timeout: 20 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}

	status, _ := e.RunCheckNow("slow")
	close(release)

	if status.State != StateUnhealthy {
		t.Errorf("state = %q, want unhealthy", status.State)
	}
	if status.LastResult == nil || !status.LastResult.TimedOut {
		t.Error("expected a timed-out result")
	}

	// The late healthy result must not rewrite history.
	time.Sleep(20 * time.Millisecond)
	status, _ = e.Status("slow")
	if status.State != StateUnhealthy {
		t.Error("late probe result overwrote the timeout verdict")
	}
}

func TestProbePanicBecomesUnhealthy(t *testing.T) {
	e := newHealthCheckEngine(testHealthConfig())

	probe := func(ctx context.Context) ProbeResult {
		panic("probe exploded")
	}
	if err := e.RegisterCheck(HealthCheck{ID: "boom", Probe: probe}); err != nil {
		t.Fatal(err)
	}

	status, _ := e.RunCheckNow("boom")
	if status.State != StateUnhealthy {
		t.Errorf("state = %q, want unhealthy", status.State)
	}
	if status.LastResult == nil || status.LastResult.Message == "" {
		t.Error("expected the panic message in the result")
	}
}

func TestAvailabilityOverWindow(t *testing.T) {
	e := newHealthCheckEngine(testHealthConfig())

	var healthy atomic.Bool
	healthy.Store(true)
	probe := func(ctx context.Context) ProbeResult {
		return ProbeResult{Healthy: healthy.Load()}
	}
	if err := e.RegisterCheck(HealthCheck{ID: "avail", Probe: probe}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		e.RunCheckNow("avail")
	}
	healthy.Store(false)
	e.RunCheckNow("avail")

	status, _ := e.Status("avail")
	if status.Availability != 75 {
		t.Errorf("availability = %v, want 75", status.Availability)
	}
	if len(status.History) != 4 {
		t.Errorf("history = %d, want 4", len(status.History))
	}
}

func TestHistoryIsCapped(t *testing.T) {
	cfg := testHealthConfig()
	cfg.HistorySize = 5
	e := newHealthCheckEngine(cfg)

	if err := e.RegisterCheck(HealthCheck{ID: "c", Probe: healthyProbe}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		e.RunCheckNow("c")
	}

	status, _ := e.Status("c")
	if len(status.History) != 5 {
		t.Errorf("history = %d, want 5", len(status.History))
	}
}

func TestSchedulerRunsChecksIndependently(t *testing.T) {
	e := newHealthCheckEngine(testHealthConfig())

	var fast, slow atomic.Int32
	if err := e.RegisterCheck(HealthCheck{
		ID:       "fast",
		Interval: 10 * time.Millisecond,
		Probe: func(ctx context.Context) ProbeResult {
			fast.Add(1)
			return ProbeResult{Healthy: true}
		},
	}); err != nil {
		t.Fatal(err)
	}
	if err := e.RegisterCheck(HealthCheck{
		ID:       "slow",
		Interval: time.Hour,
		Probe: func(ctx context.Context) ProbeResult {
			slow.Add(1)
			return ProbeResult{Healthy: true}
		},
	}); err != nil {
		t.Fatal(err)
	}

	e.Start()
	defer e.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for fast.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fast.Load() < 3 {
		t.Fatalf("fast check ran %d times, want at least 3", fast.Load())
	}
	// The slow check only gets its immediate first execution.
	if got := slow.Load(); got != 1 {
		t.Errorf("slow check ran %d times, want 1", got)
	}
}

func TestStateTransitionCallback(t *testing.T) {
	e := newHealthCheckEngine(testHealthConfig())

	var transitions atomic.Int32
	e.onTransition = func(check HealthCheck, healthy bool, result CheckResult) {
		transitions.Add(1)
	}

	var healthy atomic.Bool
	healthy.Store(true)
	probe := func(ctx context.Context) ProbeResult {
		return ProbeResult{Healthy: healthy.Load()}
	}
	if err := e.RegisterCheck(HealthCheck{ID: "t", Probe: probe}); err != nil {
		t.Fatal(err)
	}

	e.RunCheckNow("t") // unknown -> healthy
	e.RunCheckNow("t") // healthy -> healthy, no transition
	healthy.Store(false)
	e.RunCheckNow("t") // healthy -> unhealthy

	if transitions.Load() != 2 {
		t.Errorf("transitions = %d, want 2", transitions.Load())
	}
}
