package vigil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Tracing.SamplingRate != 1.0 {
		t.Errorf("sampling rate = %v, want 1.0", cfg.Tracing.SamplingRate)
	}
	if cfg.Health.AlertThreshold != 3 {
		t.Errorf("alert threshold = %d, want 3", cfg.Health.AlertThreshold)
	}
	if cfg.Issues.SlowQueryThreshold != time.Second {
		t.Errorf("slow query threshold = %v, want 1s", cfg.Issues.SlowQueryThreshold)
	}
	if cfg.Alerting.Cooldown != 5*time.Minute {
		t.Errorf("cooldown = %v, want 5m", cfg.Alerting.Cooldown)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestValidateSamplingRate(t *testing.T) {
	for _, rate := range []float64{-0.1, 1.1, 2} {
		cfg := DefaultConfig()
		cfg.Tracing.SamplingRate = rate
		err := cfg.validate()
		if !errors.Is(err, ErrInvalidSamplingRate) {
			t.Errorf("rate %v: err = %v, want ErrInvalidSamplingRate", rate, err)
		}
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("rate %v: should also match ErrInvalidConfig", rate)
		}
	}

	for _, rate := range []float64{0, 0.5, 1} {
		cfg := DefaultConfig()
		cfg.Tracing.SamplingRate = rate
		if err := cfg.validate(); err != nil {
			t.Errorf("rate %v: unexpected error %v", rate, err)
		}
	}
}

func TestValidateEnabledSubsystems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Archive = &ArchiveConfig{Enabled: true}
	if err := cfg.validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("archive without bucket: err = %v, want ErrInvalidConfig", err)
	}

	cfg = DefaultConfig()
	cfg.RemoteWrite = &RemoteWriteConfig{Enabled: true}
	if err := cfg.validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("remote write without url: err = %v, want ErrInvalidConfig", err)
	}
}

func TestApplyDefaultsFillsZeroValues(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()

	if cfg.Health.DefaultInterval != 30*time.Second {
		t.Errorf("default interval = %v, want 30s", cfg.Health.DefaultInterval)
	}
	if cfg.Retention.SweepInterval != 5*time.Minute {
		t.Errorf("sweep interval = %v, want 5m", cfg.Retention.SweepInterval)
	}
	if cfg.HTTP.Addr != ":9097" {
		t.Errorf("addr = %q, want :9097", cfg.HTTP.Addr)
	}
}

func TestLoadConfigFile(t *testing.T) {
	yaml := `
tracing:
  samplingRate: 0.25
  maxActiveSpans: 500
health:
  defaultInterval: 15s
  alertThreshold: 5
alerting:
  cooldown: 2m
retention:
  traces: 30m
http:
  enabled: true
  addr: ":8088"
stream:
  enabled: true
  bufferSize: 64
store:
  enabled: true
  path: /tmp/test-vigil.db
remoteWrite:
  enabled: true
  targetUrl: http://prom:9090/api/v1/write
  interval: 30s
  labels:
    env: staging
`
	path := filepath.Join(t.TempDir(), "vigil.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Tracing.SamplingRate != 0.25 {
		t.Errorf("sampling rate = %v, want 0.25", cfg.Tracing.SamplingRate)
	}
	if cfg.Tracing.MaxActiveSpans != 500 {
		t.Errorf("max active spans = %d, want 500", cfg.Tracing.MaxActiveSpans)
	}
	if cfg.Health.DefaultInterval != 15*time.Second {
		t.Errorf("interval = %v, want 15s", cfg.Health.DefaultInterval)
	}
	if cfg.Health.AlertThreshold != 5 {
		t.Errorf("threshold = %d, want 5", cfg.Health.AlertThreshold)
	}
	if cfg.Alerting.Cooldown != 2*time.Minute {
		t.Errorf("cooldown = %v, want 2m", cfg.Alerting.Cooldown)
	}
	if cfg.Retention.TraceRetention != 30*time.Minute {
		t.Errorf("trace retention = %v, want 30m", cfg.Retention.TraceRetention)
	}
	if !cfg.HTTP.Enabled || cfg.HTTP.Addr != ":8088" {
		t.Errorf("http = %+v", cfg.HTTP)
	}
	if !cfg.Stream.Enabled || cfg.Stream.BufferSize != 64 {
		t.Errorf("stream = %+v", cfg.Stream)
	}
	if cfg.Store == nil || !cfg.Store.Enabled || cfg.Store.Path != "/tmp/test-vigil.db" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.RemoteWrite == nil || cfg.RemoteWrite.TargetURL != "http://prom:9090/api/v1/write" {
		t.Fatalf("remote write = %+v", cfg.RemoteWrite)
	}
	if cfg.RemoteWrite.Interval != 30*time.Second {
		t.Errorf("remote write interval = %v, want 30s", cfg.RemoteWrite.Interval)
	}
	if cfg.RemoteWrite.ExtraLabels["env"] != "staging" {
		t.Errorf("labels = %v", cfg.RemoteWrite.ExtraLabels)
	}

	// Fields absent from the file keep their defaults.
	if cfg.Health.DefaultTimeout != 5*time.Second {
		t.Errorf("default timeout = %v, want 5s", cfg.Health.DefaultTimeout)
	}
}

func TestLoadConfigFileBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vigil.yaml")
	if err := os.WriteFile(path, []byte("alerting:\n  cooldown: soon\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfigFile(path); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestLoadConfigFileMissing(t *testing.T) {
	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
