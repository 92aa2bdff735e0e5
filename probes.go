package vigil

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// HTTPProbe returns a probe that GETs the URL and reports healthy for
// 2xx responses. The injected client lets tests supply a fake.
func HTTPProbe(url string, client HTTPDoer) ProbeFunc {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return func(ctx context.Context) ProbeResult {
		start := time.Now()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return ProbeResult{Healthy: false, Message: err.Error()}
		}
		resp, err := client.Do(req)
		elapsed := time.Since(start)
		if err != nil {
			return ProbeResult{Healthy: false, ResponseTime: elapsed, Message: err.Error()}
		}
		defer resp.Body.Close()

		healthy := resp.StatusCode >= 200 && resp.StatusCode < 300
		return ProbeResult{
			Healthy:      healthy,
			ResponseTime: elapsed,
			Message:      fmt.Sprintf("status %d", resp.StatusCode),
			Details:      map[string]string{"url": url, "status": fmt.Sprintf("%d", resp.StatusCode)},
		}
	}
}

// TCPProbe returns a probe that dials the address and reports healthy
// when the connection succeeds.
func TCPProbe(addr string) ProbeFunc {
	return func(ctx context.Context) ProbeResult {
		start := time.Now()

		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		elapsed := time.Since(start)
		if err != nil {
			return ProbeResult{Healthy: false, ResponseTime: elapsed, Message: err.Error()}
		}
		_ = conn.Close()
		return ProbeResult{
			Healthy:      true,
			ResponseTime: elapsed,
			Details:      map[string]string{"addr": addr},
		}
	}
}

// DatabaseProbe returns a probe that pings the database handle.
func DatabaseProbe(db *sql.DB) ProbeFunc {
	return func(ctx context.Context) ProbeResult {
		start := time.Now()
		err := db.PingContext(ctx)
		elapsed := time.Since(start)
		if err != nil {
			return ProbeResult{Healthy: false, ResponseTime: elapsed, Message: err.Error()}
		}
		return ProbeResult{Healthy: true, ResponseTime: elapsed}
	}
}

// CheckDefinition is a YAML-friendly health check definition. Probes are
// declared by type and target instead of Go functions.
type CheckDefinition struct {
	ID           string            `yaml:"id"`
	Name         string            `yaml:"name"`
	Category     string            `yaml:"category"`
	Critical     bool              `yaml:"critical"`
	Interval     string            `yaml:"interval,omitempty"`
	Timeout      string            `yaml:"timeout,omitempty"`
	Dependencies []string          `yaml:"dependencies,omitempty"`
	Probe        ProbeDefinition   `yaml:"probe"`
	Labels       map[string]string `yaml:"labels,omitempty"`
}

// ProbeDefinition declares a probe by type. Supported types: "http"
// (target is a URL) and "tcp" (target is host:port).
type ProbeDefinition struct {
	Type   string `yaml:"type"`
	Target string `yaml:"target"`
}

type checkDefinitionFile struct {
	Checks []CheckDefinition `yaml:"checks"`
}

// LoadCheckDefinitions reads declarative health check definitions from a
// YAML file and converts them into registerable checks.
func LoadCheckDefinitions(path string) ([]HealthCheck, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file checkDefinitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &ConfigError{
			Type:    ConfigErrorTypeValue,
			Message: "invalid check definitions file",
			Cause:   err,
		}
	}

	checks := make([]HealthCheck, 0, len(file.Checks))
	for _, def := range file.Checks {
		check, err := def.toHealthCheck()
		if err != nil {
			return nil, err
		}
		checks = append(checks, check)
	}
	return checks, nil
}

func (def CheckDefinition) toHealthCheck() (HealthCheck, error) {
	if def.ID == "" {
		return HealthCheck{}, &ConfigError{
			Type:    ConfigErrorTypeValue,
			Message: "check definition requires an id",
		}
	}

	var probe ProbeFunc
	switch def.Probe.Type {
	case "http":
		probe = HTTPProbe(def.Probe.Target, nil)
	case "tcp":
		probe = TCPProbe(def.Probe.Target)
	default:
		return HealthCheck{}, &ConfigError{
			Type:    ConfigErrorTypeValue,
			Message: fmt.Sprintf("check %q has unsupported probe type %q", def.ID, def.Probe.Type),
		}
	}

	check := HealthCheck{
		ID:           def.ID,
		Name:         def.Name,
		Category:     CheckCategory(def.Category),
		Critical:     def.Critical,
		Probe:        probe,
		Dependencies: def.Dependencies,
	}
	if check.Name == "" {
		check.Name = def.ID
	}
	if check.Category == "" {
		check.Category = CategoryInfrastructure
	}

	if def.Interval != "" {
		v, err := time.ParseDuration(def.Interval)
		if err != nil {
			return HealthCheck{}, &ConfigError{
				Type:    ConfigErrorTypeValue,
				Message: fmt.Sprintf("check %q has invalid interval %q", def.ID, def.Interval),
				Cause:   err,
			}
		}
		check.Interval = v
	}
	if def.Timeout != "" {
		v, err := time.ParseDuration(def.Timeout)
		if err != nil {
			return HealthCheck{}, &ConfigError{
				Type:    ConfigErrorTypeValue,
				Message: fmt.Sprintf("check %q has invalid timeout %q", def.ID, def.Timeout),
				Cause:   err,
			}
		}
		check.Timeout = v
	}
	return check, nil
}
