package vigil

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
)

// RemoteWriteExporter periodically pushes metrics snapshots to a
// Prometheus remote-write endpoint as snappy-compressed protobuf.
type RemoteWriteExporter struct {
	cfg        RemoteWriteConfig
	aggregator *MetricsAggregator
	client     HTTPDoer
	retryer    *Retryer

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newRemoteWriteExporter(cfg RemoteWriteConfig, aggregator *MetricsAggregator) *RemoteWriteExporter {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &RemoteWriteExporter{
		cfg:        cfg,
		aggregator: aggregator,
		client:     client,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts: cfg.MaxRetries,
			RetryIf:     IsRetryable,
		}),
	}
}

// Start launches the export loop.
func (e *RemoteWriteExporter) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.running = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.exportLoop(ctx)
}

// Stop halts the export loop. An export in flight finishes first.
func (e *RemoteWriteExporter) Stop() {
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

func (e *RemoteWriteExporter) exportLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.ExportOnce(ctx); err != nil {
				slog.Error("remote write export failed", "target", e.cfg.TargetURL, "err", err)
			}
		}
	}
}

// ExportOnce pushes one snapshot immediately.
func (e *RemoteWriteExporter) ExportOnce(ctx context.Context) error {
	snap := e.aggregator.Snapshot(e.cfg.Interval)
	health := e.aggregator.SystemHealth()

	req := e.buildWriteRequest(snap, health)
	data, err := req.Marshal()
	if err != nil {
		return fmt.Errorf("marshal write request: %w", err)
	}
	compressed := snappy.Encode(nil, data)

	result := e.retryer.Do(ctx, func() error {
		return e.post(ctx, compressed)
	})
	return result.LastErr
}

// buildWriteRequest converts a snapshot into remote-write time series.
func (e *RemoteWriteExporter) buildWriteRequest(snap MetricsSnapshot, health SystemHealth) *prompb.WriteRequest {
	ts := snap.Timestamp.UnixMilli()

	series := []struct {
		name  string
		value float64
	}{
		{"vigil_transactions_total", float64(snap.TransactionCount)},
		{"vigil_transaction_errors_total", float64(snap.ErrorCount)},
		{"vigil_error_rate", snap.ErrorRate},
		{"vigil_transaction_duration_avg_seconds", snap.AvgDuration.Seconds()},
		{"vigil_transaction_duration_p50_seconds", snap.P50Duration.Seconds()},
		{"vigil_transaction_duration_p95_seconds", snap.P95Duration.Seconds()},
		{"vigil_transaction_duration_p99_seconds", snap.P99Duration.Seconds()},
		{"vigil_throughput_per_minute", snap.Throughput},
		{"vigil_active_spans", float64(snap.ActiveSpans)},
		{"vigil_health_score", health.Score},
		{"vigil_healthy_checks", float64(health.HealthyChecks)},
		{"vigil_unhealthy_checks", float64(health.UnhealthyChecks)},
		{"vigil_open_incidents", float64(health.OpenIncidents)},
	}

	req := &prompb.WriteRequest{
		Timeseries: make([]prompb.TimeSeries, 0, len(series)),
	}
	for _, s := range series {
		req.Timeseries = append(req.Timeseries, prompb.TimeSeries{
			Labels:  e.labelsFor(s.name),
			Samples: []prompb.Sample{{Value: s.value, Timestamp: ts}},
		})
	}
	return req
}

// labelsFor builds the sorted label set for a series, merging in any
// configured extra labels.
func (e *RemoteWriteExporter) labelsFor(name string) []prompb.Label {
	labels := make([]prompb.Label, 0, len(e.cfg.ExtraLabels)+1)
	labels = append(labels, prompb.Label{Name: "__name__", Value: name})
	for k, v := range e.cfg.ExtraLabels {
		labels = append(labels, prompb.Label{Name: k, Value: v})
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })
	return labels
}

func (e *RemoteWriteExporter) post(ctx context.Context, body []byte) error {
	reqCtx := ctx
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.cfg.TargetURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("remote write returned status %d", resp.StatusCode)
	}
	return nil
}
