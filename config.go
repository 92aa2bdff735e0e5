package vigil

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines monitor configuration.
type Config struct {
	// Tracing holds transaction/span collection settings.
	Tracing TracingConfig

	// Health holds health-check scheduling defaults.
	Health HealthConfig

	// Issues holds performance-issue detection thresholds.
	Issues IssueConfig

	// Alerting holds alert dispatch settings.
	Alerting AlertingConfig

	// Retention configures how long recorded data is kept.
	Retention RetentionConfig

	// HTTP configures the optional HTTP API server.
	HTTP HTTPConfig

	// Stream configures the WebSocket event stream.
	Stream StreamConfig

	// Store configures the optional SQLite incident/error archive.
	// If nil or Enabled is false, nothing is persisted.
	Store *StoreConfig

	// Archive configures optional report archival to S3-compatible storage.
	// If nil or Enabled is false, reports are not archived.
	Archive *ArchiveConfig

	// RemoteWrite configures optional Prometheus remote-write export of
	// metrics snapshots. If nil or Enabled is false, nothing is exported.
	RemoteWrite *RemoteWriteConfig
}

// TracingConfig groups transaction collection settings.
type TracingConfig struct {
	// SamplingRate is the probability that a transaction is recorded.
	// Must be between 0 and 1. Default: 1.0 (record everything).
	SamplingRate float64

	// MaxActiveSpans caps the active-span index. Spans beyond the cap are
	// dropped (StartSpan returns an empty id). Default: 10,000.
	MaxActiveSpans int
}

// HealthConfig groups health-check scheduling defaults.
type HealthConfig struct {
	// DefaultInterval is used for checks registered without an interval.
	// Default: 30s.
	DefaultInterval time.Duration

	// DefaultTimeout is used for checks registered without a timeout.
	// Default: 5s.
	DefaultTimeout time.Duration

	// AlertThreshold is the number of consecutive failures before an
	// incident is opened. Default: 3.
	AlertThreshold int

	// HistorySize bounds per-check result history. Default: 100.
	HistorySize int

	// AvailabilityWindow is the rolling window for availability
	// percentages. Default: 24h.
	AvailabilityWindow time.Duration
}

// IssueConfig groups performance-issue detection thresholds.
type IssueConfig struct {
	// SlowQueryThreshold flags database queries slower than this.
	// Default: 1s.
	SlowQueryThreshold time.Duration

	// SlowQueryCritical escalates slow queries to critical severity.
	// Default: 5s.
	SlowQueryCritical time.Duration

	// SlowResponseThreshold flags API responses slower than this.
	// Default: 500ms.
	SlowResponseThreshold time.Duration

	// SlowResponseHigh escalates slow responses to high severity.
	// Default: 2s.
	SlowResponseHigh time.Duration

	// ErrorRateThreshold flags transaction error rates above this
	// fraction. Default: 0.05.
	ErrorRateThreshold float64

	// ErrorRateMinSamples is the minimum transaction count before the
	// error rate is evaluated at all. Default: 10.
	ErrorRateMinSamples int
}

// AlertingConfig groups alert dispatch settings.
type AlertingConfig struct {
	// Cooldown is the minimum time between repeated alerts for the same
	// (level, message) pair. Default: 5m.
	Cooldown time.Duration

	// Channels receive dispatched alerts. A failing channel is logged and
	// never blocks delivery to the others.
	Channels []AlertChannel
}

// RetentionConfig groups data retention settings.
type RetentionConfig struct {
	// TraceRetention is how long finished transactions are kept.
	// Default: 1h.
	TraceRetention time.Duration

	// ErrorRetention is how long error records without new occurrences
	// are kept. Default: 24h.
	ErrorRetention time.Duration

	// IssueRetention is how long performance issues are kept.
	// Default: 24h.
	IssueRetention time.Duration

	// IncidentRetention is how long resolved incidents are kept in
	// memory. Open incidents are never evicted. Default: 7 days.
	IncidentRetention time.Duration

	// SweepInterval is how often the retention sweep runs. Default: 5m.
	SweepInterval time.Duration
}

// HTTPConfig configures the optional HTTP API server.
type HTTPConfig struct {
	// Enabled starts the HTTP API when the monitor starts.
	Enabled bool

	// Addr is the listen address. Default: ":9097".
	Addr string

	// ReadTimeout for inbound requests. Default: 10s.
	ReadTimeout time.Duration

	// WriteTimeout for responses. Default: 30s.
	WriteTimeout time.Duration
}

// StreamConfig configures the WebSocket event stream.
type StreamConfig struct {
	// Enabled turns on event publication.
	Enabled bool

	// BufferSize is the channel buffer size per subscription.
	// Default: 256.
	BufferSize int

	// WriteTimeout for WebSocket writes. Default: 10s.
	WriteTimeout time.Duration
}

// StoreConfig configures the SQLite incident/error archive.
type StoreConfig struct {
	// Enabled turns on persistence.
	Enabled bool

	// Path to the SQLite database file. Default: "vigil.db".
	Path string

	// BusyTimeout is the lock acquisition timeout in milliseconds.
	// Default: 5000.
	BusyTimeout int
}

// ArchiveConfig configures report archival to S3-compatible storage.
type ArchiveConfig struct {
	// Enabled turns on archival.
	Enabled bool

	Bucket   string
	Region   string
	Endpoint string // for S3-compatible services (MinIO, etc.)
	// AccessKeyID for authentication. Prefer IAM roles, instance profiles,
	// or environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
	// over setting these directly.
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string // key prefix for all archived reports
	UsePathStyle    bool

	// MaxRetries for upload attempts. Default: 3.
	MaxRetries int
}

// RemoteWriteConfig configures Prometheus remote-write metrics export.
type RemoteWriteConfig struct {
	// Enabled turns on the export loop.
	Enabled bool

	// TargetURL is the remote-write endpoint.
	TargetURL string

	// Interval between snapshot exports. Default: 15s.
	Interval time.Duration

	// Timeout per request. Default: 10s.
	Timeout time.Duration

	// ExtraLabels are added to every exported series.
	ExtraLabels map[string]string

	// MaxRetries per export attempt. Default: 3.
	MaxRetries int

	// HTTPClient allows injecting a custom HTTP client for testing.
	HTTPClient HTTPDoer
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Tracing: TracingConfig{
			SamplingRate:   1.0,
			MaxActiveSpans: 10000,
		},
		Health: HealthConfig{
			DefaultInterval:    30 * time.Second,
			DefaultTimeout:     5 * time.Second,
			AlertThreshold:     3,
			HistorySize:        100,
			AvailabilityWindow: 24 * time.Hour,
		},
		Issues: IssueConfig{
			SlowQueryThreshold:    time.Second,
			SlowQueryCritical:     5 * time.Second,
			SlowResponseThreshold: 500 * time.Millisecond,
			SlowResponseHigh:      2 * time.Second,
			ErrorRateThreshold:    0.05,
			ErrorRateMinSamples:   10,
		},
		Alerting: AlertingConfig{
			Cooldown: 5 * time.Minute,
		},
		Retention: RetentionConfig{
			TraceRetention:    time.Hour,
			ErrorRetention:    24 * time.Hour,
			IssueRetention:    24 * time.Hour,
			IncidentRetention: 7 * 24 * time.Hour,
			SweepInterval:     5 * time.Minute,
		},
		HTTP: HTTPConfig{
			Addr:         ":9097",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Stream: StreamConfig{
			BufferSize:   256,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// applyDefaults fills zero-valued fields with defaults.
func (c *Config) applyDefaults() {
	def := DefaultConfig()

	if c.Tracing.MaxActiveSpans <= 0 {
		c.Tracing.MaxActiveSpans = def.Tracing.MaxActiveSpans
	}
	if c.Health.DefaultInterval <= 0 {
		c.Health.DefaultInterval = def.Health.DefaultInterval
	}
	if c.Health.DefaultTimeout <= 0 {
		c.Health.DefaultTimeout = def.Health.DefaultTimeout
	}
	if c.Health.AlertThreshold <= 0 {
		c.Health.AlertThreshold = def.Health.AlertThreshold
	}
	if c.Health.HistorySize <= 0 {
		c.Health.HistorySize = def.Health.HistorySize
	}
	if c.Health.AvailabilityWindow <= 0 {
		c.Health.AvailabilityWindow = def.Health.AvailabilityWindow
	}
	if c.Issues.SlowQueryThreshold <= 0 {
		c.Issues.SlowQueryThreshold = def.Issues.SlowQueryThreshold
	}
	if c.Issues.SlowQueryCritical <= 0 {
		c.Issues.SlowQueryCritical = def.Issues.SlowQueryCritical
	}
	if c.Issues.SlowResponseThreshold <= 0 {
		c.Issues.SlowResponseThreshold = def.Issues.SlowResponseThreshold
	}
	if c.Issues.SlowResponseHigh <= 0 {
		c.Issues.SlowResponseHigh = def.Issues.SlowResponseHigh
	}
	if c.Issues.ErrorRateThreshold <= 0 {
		c.Issues.ErrorRateThreshold = def.Issues.ErrorRateThreshold
	}
	if c.Issues.ErrorRateMinSamples <= 0 {
		c.Issues.ErrorRateMinSamples = def.Issues.ErrorRateMinSamples
	}
	if c.Alerting.Cooldown <= 0 {
		c.Alerting.Cooldown = def.Alerting.Cooldown
	}
	if c.Retention.TraceRetention <= 0 {
		c.Retention.TraceRetention = def.Retention.TraceRetention
	}
	if c.Retention.ErrorRetention <= 0 {
		c.Retention.ErrorRetention = def.Retention.ErrorRetention
	}
	if c.Retention.IssueRetention <= 0 {
		c.Retention.IssueRetention = def.Retention.IssueRetention
	}
	if c.Retention.IncidentRetention <= 0 {
		c.Retention.IncidentRetention = def.Retention.IncidentRetention
	}
	if c.Retention.SweepInterval <= 0 {
		c.Retention.SweepInterval = def.Retention.SweepInterval
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = def.HTTP.Addr
	}
	if c.HTTP.ReadTimeout <= 0 {
		c.HTTP.ReadTimeout = def.HTTP.ReadTimeout
	}
	if c.HTTP.WriteTimeout <= 0 {
		c.HTTP.WriteTimeout = def.HTTP.WriteTimeout
	}
	if c.Stream.BufferSize <= 0 {
		c.Stream.BufferSize = def.Stream.BufferSize
	}
	if c.Stream.WriteTimeout <= 0 {
		c.Stream.WriteTimeout = def.Stream.WriteTimeout
	}
	if c.Store != nil {
		if c.Store.Path == "" {
			c.Store.Path = "vigil.db"
		}
		if c.Store.BusyTimeout <= 0 {
			c.Store.BusyTimeout = 5000
		}
	}
	if c.Archive != nil && c.Archive.MaxRetries <= 0 {
		c.Archive.MaxRetries = 3
	}
	if c.RemoteWrite != nil {
		if c.RemoteWrite.Interval <= 0 {
			c.RemoteWrite.Interval = 15 * time.Second
		}
		if c.RemoteWrite.Timeout <= 0 {
			c.RemoteWrite.Timeout = 10 * time.Second
		}
		if c.RemoteWrite.MaxRetries <= 0 {
			c.RemoteWrite.MaxRetries = 3
		}
	}
}

// validate checks configuration invariants that cannot be defaulted away.
func (c *Config) validate() error {
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return &ConfigError{
			Type:    ConfigErrorTypeSamplingRate,
			Message: fmt.Sprintf("sampling rate %v out of range [0, 1]", c.Tracing.SamplingRate),
		}
	}
	if c.Archive != nil && c.Archive.Enabled && c.Archive.Bucket == "" {
		return &ConfigError{
			Type:    ConfigErrorTypeValue,
			Message: "archive bucket is required",
		}
	}
	if c.RemoteWrite != nil && c.RemoteWrite.Enabled && c.RemoteWrite.TargetURL == "" {
		return &ConfigError{
			Type:    ConfigErrorTypeValue,
			Message: "remote write target URL is required",
		}
	}
	return nil
}

// fileConfig is the YAML-friendly form of Config. Durations are strings
// parsed with time.ParseDuration.
type fileConfig struct {
	Tracing struct {
		SamplingRate   *float64 `yaml:"samplingRate"`
		MaxActiveSpans int      `yaml:"maxActiveSpans"`
	} `yaml:"tracing"`
	Health struct {
		DefaultInterval    string `yaml:"defaultInterval"`
		DefaultTimeout     string `yaml:"defaultTimeout"`
		AlertThreshold     int    `yaml:"alertThreshold"`
		HistorySize        int    `yaml:"historySize"`
		AvailabilityWindow string `yaml:"availabilityWindow"`
	} `yaml:"health"`
	Alerting struct {
		Cooldown string `yaml:"cooldown"`
	} `yaml:"alerting"`
	Retention struct {
		Traces    string `yaml:"traces"`
		Errors    string `yaml:"errors"`
		Issues    string `yaml:"issues"`
		Incidents string `yaml:"incidents"`
		Sweep     string `yaml:"sweep"`
	} `yaml:"retention"`
	HTTP struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"http"`
	Stream struct {
		Enabled    bool `yaml:"enabled"`
		BufferSize int  `yaml:"bufferSize"`
	} `yaml:"stream"`
	Store *struct {
		Enabled     bool   `yaml:"enabled"`
		Path        string `yaml:"path"`
		BusyTimeout int    `yaml:"busyTimeout"`
	} `yaml:"store"`
	Archive *struct {
		Enabled      bool   `yaml:"enabled"`
		Bucket       string `yaml:"bucket"`
		Region       string `yaml:"region"`
		Endpoint     string `yaml:"endpoint"`
		Prefix       string `yaml:"prefix"`
		UsePathStyle bool   `yaml:"usePathStyle"`
		MaxRetries   int    `yaml:"maxRetries"`
	} `yaml:"archive"`
	RemoteWrite *struct {
		Enabled   bool              `yaml:"enabled"`
		TargetURL string            `yaml:"targetUrl"`
		Interval  string            `yaml:"interval"`
		Timeout   string            `yaml:"timeout"`
		Labels    map[string]string `yaml:"labels"`
	} `yaml:"remoteWrite"`
}

// LoadConfigFile reads a YAML configuration file. Fields not present in
// the file keep their DefaultConfig values.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return cfg, &ConfigError{
			Type:    ConfigErrorTypeValue,
			Message: "invalid config file",
			Cause:   err,
		}
	}

	if fc.Tracing.SamplingRate != nil {
		cfg.Tracing.SamplingRate = *fc.Tracing.SamplingRate
	}
	if fc.Tracing.MaxActiveSpans > 0 {
		cfg.Tracing.MaxActiveSpans = fc.Tracing.MaxActiveSpans
	}

	durs := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{fc.Health.DefaultInterval, "health.defaultInterval", &cfg.Health.DefaultInterval},
		{fc.Health.DefaultTimeout, "health.defaultTimeout", &cfg.Health.DefaultTimeout},
		{fc.Health.AvailabilityWindow, "health.availabilityWindow", &cfg.Health.AvailabilityWindow},
		{fc.Alerting.Cooldown, "alerting.cooldown", &cfg.Alerting.Cooldown},
		{fc.Retention.Traces, "retention.traces", &cfg.Retention.TraceRetention},
		{fc.Retention.Errors, "retention.errors", &cfg.Retention.ErrorRetention},
		{fc.Retention.Issues, "retention.issues", &cfg.Retention.IssueRetention},
		{fc.Retention.Incidents, "retention.incidents", &cfg.Retention.IncidentRetention},
		{fc.Retention.Sweep, "retention.sweep", &cfg.Retention.SweepInterval},
	}
	for _, d := range durs {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return cfg, &ConfigError{
				Type:    ConfigErrorTypeValue,
				Message: fmt.Sprintf("invalid duration for %s: %q", d.name, d.raw),
				Cause:   err,
			}
		}
		*d.dst = v
	}

	if fc.Health.AlertThreshold > 0 {
		cfg.Health.AlertThreshold = fc.Health.AlertThreshold
	}
	if fc.Health.HistorySize > 0 {
		cfg.Health.HistorySize = fc.Health.HistorySize
	}
	cfg.HTTP.Enabled = fc.HTTP.Enabled
	if fc.HTTP.Addr != "" {
		cfg.HTTP.Addr = fc.HTTP.Addr
	}
	cfg.Stream.Enabled = fc.Stream.Enabled
	if fc.Stream.BufferSize > 0 {
		cfg.Stream.BufferSize = fc.Stream.BufferSize
	}

	if fc.Store != nil {
		cfg.Store = &StoreConfig{
			Enabled:     fc.Store.Enabled,
			Path:        fc.Store.Path,
			BusyTimeout: fc.Store.BusyTimeout,
		}
	}
	if fc.Archive != nil {
		cfg.Archive = &ArchiveConfig{
			Enabled:      fc.Archive.Enabled,
			Bucket:       fc.Archive.Bucket,
			Region:       fc.Archive.Region,
			Endpoint:     fc.Archive.Endpoint,
			Prefix:       fc.Archive.Prefix,
			UsePathStyle: fc.Archive.UsePathStyle,
			MaxRetries:   fc.Archive.MaxRetries,
		}
	}
	if fc.RemoteWrite != nil {
		rw := &RemoteWriteConfig{
			Enabled:     fc.RemoteWrite.Enabled,
			TargetURL:   fc.RemoteWrite.TargetURL,
			ExtraLabels: fc.RemoteWrite.Labels,
		}
		if fc.RemoteWrite.Interval != "" {
			v, err := time.ParseDuration(fc.RemoteWrite.Interval)
			if err != nil {
				return cfg, &ConfigError{
					Type:    ConfigErrorTypeValue,
					Message: fmt.Sprintf("invalid duration for remoteWrite.interval: %q", fc.RemoteWrite.Interval),
					Cause:   err,
				}
			}
			rw.Interval = v
		}
		if fc.RemoteWrite.Timeout != "" {
			v, err := time.ParseDuration(fc.RemoteWrite.Timeout)
			if err != nil {
				return cfg, &ConfigError{
					Type:    ConfigErrorTypeValue,
					Message: fmt.Sprintf("invalid duration for remoteWrite.timeout: %q", fc.RemoteWrite.Timeout),
					Cause:   err,
				}
			}
			rw.Timeout = v
		}
		cfg.RemoteWrite = rw
	}

	return cfg, nil
}
