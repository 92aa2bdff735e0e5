package vigil

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// apiServer exposes the monitor state over HTTP.
type apiServer struct {
	monitor *Monitor
	srv     *http.Server
}

func newAPIServer(m *Monitor, cfg HTTPConfig) *apiServer {
	a := &apiServer{monitor: m}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/health", a.handleHealth)
	mux.HandleFunc("/api/v1/checks", a.handleChecks)
	mux.HandleFunc("/api/v1/checks/", a.handleCheckByID)
	mux.HandleFunc("/api/v1/transactions", a.handleTransactions)
	mux.HandleFunc("/api/v1/errors", a.handleErrors)
	mux.HandleFunc("/api/v1/incidents", a.handleIncidents)
	mux.HandleFunc("/api/v1/incidents/", a.handleIncidentByID)
	mux.HandleFunc("/api/v1/issues", a.handleIssues)
	mux.HandleFunc("/api/v1/metrics", a.handleMetrics)
	mux.HandleFunc("/api/v1/report", a.handleReport)
	mux.HandleFunc("/api/v1/alerts", a.handleAlerts)
	mux.HandleFunc("/api/v1/alerts/", a.handleAlertByID)
	if m.hub != nil {
		mux.HandleFunc("/api/v1/stream", m.hub.WebSocketHandler())
	}

	a.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return a
}

func (a *apiServer) start() {
	go func() {
		slog.Info("http api listening", "addr", a.srv.Addr)
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http api failed", "err", err)
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (a *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, a.monitor.SystemHealth())
}

func (a *apiServer) handleChecks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, a.monitor.CheckStatuses())
}

// handleCheckByID serves GET /api/v1/checks/{id} and
// POST /api/v1/checks/{id}/run.
func (a *apiServer) handleCheckByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/checks/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "check id required")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		status, ok := a.monitor.CheckStatus(id)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown check")
			return
		}
		writeJSON(w, http.StatusOK, status)

	case action == "run" && r.Method == http.MethodPost:
		status, ok := a.monitor.RunCheckNow(id)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown check")
			return
		}
		writeJSON(w, http.StatusOK, status)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *apiServer) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since duration")
			return
		}
		since = time.Now().Add(-d)
	}
	writeJSON(w, http.StatusOK, a.monitor.Transactions(since))
}

func (a *apiServer) handleErrors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if r.URL.Query().Get("summary") == "true" {
		writeJSON(w, http.StatusOK, a.monitor.ErrorSummary())
		return
	}
	writeJSON(w, http.StatusOK, a.monitor.Errors())
}

func (a *apiServer) handleIncidents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if r.URL.Query().Get("active") == "true" {
		writeJSON(w, http.StatusOK, a.monitor.ActiveIncidents())
		return
	}
	writeJSON(w, http.StatusOK, a.monitor.Incidents())
}

// handleIncidentByID serves GET /api/v1/incidents/{id} plus the POST
// actions /resolve and /investigate.
func (a *apiServer) handleIncidentByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/incidents/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "incident id required")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		inc, ok := a.monitor.Incident(id)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown incident")
			return
		}
		writeJSON(w, http.StatusOK, inc)

	case action == "resolve" && r.Method == http.MethodPost:
		var body struct {
			Resolution string `json:"resolution"`
		}
		// The resolution text is optional; an empty or absent body is fine.
		_ = json.NewDecoder(r.Body).Decode(&body)
		if err := a.monitor.ResolveIncident(id, body.Resolution); err != nil {
			if errors.Is(err, ErrUnknownIncident) {
				writeError(w, http.StatusNotFound, "unknown incident")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		inc, _ := a.monitor.Incident(id)
		writeJSON(w, http.StatusOK, inc)

	case action == "investigate" && r.Method == http.MethodPost:
		if err := a.monitor.MarkIncidentInvestigating(id); err != nil {
			if errors.Is(err, ErrUnknownIncident) {
				writeError(w, http.StatusNotFound, "unknown incident")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		inc, _ := a.monitor.Incident(id)
		writeJSON(w, http.StatusOK, inc)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *apiServer) handleIssues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since duration")
			return
		}
		since = time.Now().Add(-d)
	}
	writeJSON(w, http.StatusOK, a.monitor.Issues(since))
}

func (a *apiServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	window := time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid window duration")
			return
		}
		window = d
	}
	writeJSON(w, http.StatusOK, a.monitor.MetricsSnapshot(window))
}

func (a *apiServer) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	period := r.URL.Query().Get("period")
	if period == "" {
		period = "1h"
	}
	report, err := a.monitor.GenerateReport(period)
	if err != nil {
		if errors.Is(err, ErrInvalidPeriod) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *apiServer) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, a.monitor.AlertHistory())
}

// handleAlertByID serves POST /api/v1/alerts/{id}/ack.
func (a *apiServer) handleAlertByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/alerts/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "alert id required")
		return
	}

	if action != "ack" || r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := a.monitor.AcknowledgeAlert(id); err != nil {
		if errors.Is(err, ErrUnknownAlert) {
			writeError(w, http.StatusNotFound, "unknown alert")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}
