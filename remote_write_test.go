package vigil

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
)

type captureDoer struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   [][]byte
	status   int
}

func (c *captureDoer) Do(req *http.Request) (*http.Response, error) {
	body, _ := io.ReadAll(req.Body)
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.bodies = append(c.bodies, body)
	status := c.status
	c.mu.Unlock()
	if status == 0 {
		status = http.StatusNoContent
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader("")),
	}, nil
}

func TestExportOncePushesSnappyProtobuf(t *testing.T) {
	ma, tc, _, _, _, _ := newTestAggregator()
	id := tc.StartTransaction("GET /x", KindWeb, nil)
	tc.EndTransaction(id, StatusSuccess)

	doer := &captureDoer{}
	exp := newRemoteWriteExporter(RemoteWriteConfig{
		TargetURL:   "http://prom:9090/api/v1/write",
		Interval:    time.Hour,
		Timeout:     time.Second,
		MaxRetries:  1,
		ExtraLabels: map[string]string{"env": "test"},
		HTTPClient:  doer,
	}, ma)

	if err := exp.ExportOnce(context.Background()); err != nil {
		t.Fatalf("export: %v", err)
	}

	doer.mu.Lock()
	defer doer.mu.Unlock()
	if len(doer.requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(doer.requests))
	}

	req := doer.requests[0]
	if req.Header.Get("Content-Encoding") != "snappy" {
		t.Errorf("encoding = %q", req.Header.Get("Content-Encoding"))
	}
	if req.Header.Get("Content-Type") != "application/x-protobuf" {
		t.Errorf("content type = %q", req.Header.Get("Content-Type"))
	}

	raw, err := snappy.Decode(nil, doer.bodies[0])
	if err != nil {
		t.Fatalf("snappy decode: %v", err)
	}
	var wr prompb.WriteRequest
	if err := wr.Unmarshal(raw); err != nil {
		t.Fatalf("protobuf unmarshal: %v", err)
	}

	byName := make(map[string]prompb.TimeSeries)
	for _, ts := range wr.Timeseries {
		var name, env string
		for _, l := range ts.Labels {
			switch l.Name {
			case "__name__":
				name = l.Value
			case "env":
				env = l.Value
			}
		}
		if env != "test" {
			t.Errorf("series %s missing env label", name)
		}
		byName[name] = ts
	}

	txTotal, ok := byName["vigil_transactions_total"]
	if !ok {
		t.Fatal("vigil_transactions_total missing")
	}
	if len(txTotal.Samples) != 1 || txTotal.Samples[0].Value != 1 {
		t.Errorf("transactions total = %+v, want one sample of 1", txTotal.Samples)
	}
	if score, ok := byName["vigil_health_score"]; !ok || score.Samples[0].Value != 100 {
		t.Errorf("health score series = %+v, want 100", score)
	}
}

func TestExportOnceBadStatusFails(t *testing.T) {
	ma, _, _, _, _, _ := newTestAggregator()
	doer := &captureDoer{status: http.StatusBadRequest}
	exp := newRemoteWriteExporter(RemoteWriteConfig{
		TargetURL:  "http://prom:9090/api/v1/write",
		Interval:   time.Hour,
		MaxRetries: 1,
		HTTPClient: doer,
	}, ma)

	if err := exp.ExportOnce(context.Background()); err == nil {
		t.Fatal("expected an error for a 400 response")
	}
}

func TestExporterStartStop(t *testing.T) {
	ma, _, _, _, _, _ := newTestAggregator()
	doer := &captureDoer{}
	exp := newRemoteWriteExporter(RemoteWriteConfig{
		TargetURL:  "http://prom:9090/api/v1/write",
		Interval:   10 * time.Millisecond,
		MaxRetries: 1,
		HTTPClient: doer,
	}, ma)

	exp.Start()
	exp.Start() // idempotent

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		doer.mu.Lock()
		n := len(doer.requests)
		doer.mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	exp.Stop()
	exp.Stop() // idempotent

	doer.mu.Lock()
	n := len(doer.requests)
	doer.mu.Unlock()
	if n < 2 {
		t.Errorf("exports = %d, want at least 2", n)
	}
}
