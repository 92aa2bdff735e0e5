// Package vigil provides an embeddable observability core for application
// backends: transaction tracing, error deduplication, scheduled health
// checks with incident lifecycle, threshold-based performance issue
// detection, alert dispatch, and on-demand metrics and reporting.
//
// # Basic Usage
//
// Create a monitor with default configuration:
//
//	mon, err := vigil.New(vigil.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	mon.Start()
//	defer mon.Stop()
//
// Trace a unit of work:
//
//	txID := mon.StartTransaction("GET /api/studies", vigil.KindWeb, nil)
//	spanID := mon.StartSpan(txID, "studies.list", "datastore", "")
//	// ... do work ...
//	mon.EndSpan(spanID, map[string]string{"rows": "42"})
//	mon.EndTransaction(txID, vigil.StatusSuccess)
//
// Register a health check:
//
//	mon.RegisterCheck(vigil.HealthCheck{
//	    ID:       "datastore",
//	    Name:     "Primary datastore",
//	    Category: vigil.CategoryDatabase,
//	    Critical: true,
//	    Interval: 30 * time.Second,
//	    Probe: func(ctx context.Context) vigil.ProbeResult {
//	        return vigil.ProbeResult{Healthy: true}
//	    },
//	})
//
// Query state for dashboards:
//
//	health := mon.SystemHealth()
//	metrics := mon.CurrentMetrics()
//	report, err := mon.GenerateReport("24h")
//
// # Features
//
// Core:
//   - Sampled transaction/span tracing with silent no-op semantics for
//     unknown ids, safe for concurrent request handlers
//   - Error deduplication by (type, message prefix) fingerprint
//   - Independent per-check health schedulers with timeout racing,
//     rolling-window availability, and consecutive-failure thresholds
//   - Incident lifecycle with at most one open incident per check
//   - Alert fan-out with per-(level, message) cooldown suppression
//   - Nearest-rank percentiles, weighted health scoring, period reports
//
// Integrations:
//   - Optional HTTP API with WebSocket event streaming
//   - Prometheus remote-write metrics export
//   - SQLite incident/error archive
//   - S3-compatible report archival
//
// # Configuration
//
// Use [Config] to customize behavior:
//
//	cfg := vigil.Config{
//	    Tracing: vigil.TracingConfig{SamplingRate: 0.25},
//	    Health:  vigil.HealthConfig{AlertThreshold: 3},
//	}
//
// Or use [DefaultConfig] for sensible defaults, or [LoadConfigFile] to
// read configuration from a YAML file.
package vigil
