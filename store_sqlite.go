package vigil

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// IncidentStore persists incidents and resolved-incident history to a
// SQLite file so they survive restarts. The schema is plain SQL and can
// be inspected with standard SQLite tools.
type IncidentStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

// NewIncidentStore opens or creates the store at cfg.Path.
func NewIncidentStore(cfg StoreConfig) (*IncidentStore, error) {
	if cfg.Path == "" {
		cfg.Path = "vigil.db"
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5000
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d",
		cfg.Path, cfg.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open incident store: %w", err)
	}
	db.SetMaxOpenConns(4)

	store := &IncidentStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize incident store schema: %w", err)
	}
	return store, nil
}

func (s *IncidentStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS incidents (
			id TEXT PRIMARY KEY,
			check_id TEXT NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER,
			payload TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_incidents_check ON incidents(check_id);
		CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status);

		CREATE TABLE IF NOT EXISTS error_records (
			fingerprint TEXT PRIMARY KEY,
			last_seen INTEGER NOT NULL,
			payload TEXT NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveIncident inserts or replaces an incident row.
func (s *IncidentStore) SaveIncident(inc Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	payload, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("marshal incident: %w", err)
	}

	var endTime any
	if !inc.EndTime.IsZero() {
		endTime = inc.EndTime.UnixMilli()
	}

	_, err = s.db.Exec(`
		INSERT INTO incidents (id, check_id, severity, status, start_time, end_time, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			severity = excluded.severity,
			status = excluded.status,
			end_time = excluded.end_time,
			payload = excluded.payload`,
		inc.ID, inc.CheckID, string(inc.Severity), string(inc.Status),
		inc.StartTime.UnixMilli(), endTime, string(payload))
	return err
}

// LoadIncidents returns all stored incidents, oldest first.
func (s *IncidentStore) LoadIncidents() ([]Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`SELECT payload FROM incidents ORDER BY start_time`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var incidents []Incident
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var inc Incident
		if err := json.Unmarshal([]byte(payload), &inc); err != nil {
			return nil, fmt.Errorf("corrupt incident row: %w", err)
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

// SaveErrorRecord persists one deduplicated error record.
func (s *IncidentStore) SaveErrorRecord(rec ErrorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal error record: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO error_records (fingerprint, last_seen, payload)
		VALUES (?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			last_seen = excluded.last_seen,
			payload = excluded.payload`,
		rec.Fingerprint, rec.LastSeen.UnixMilli(), string(payload))
	return err
}

// PruneResolvedBefore deletes resolved incidents older than the cutoff
// and error records not seen since it. Returns rows removed.
func (s *IncidentStore) PruneResolvedBefore(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	res, err := s.db.Exec(
		`DELETE FROM incidents WHERE status = ? AND end_time IS NOT NULL AND end_time < ?`,
		string(IncidentResolved), cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	removed, _ := res.RowsAffected()

	res, err = s.db.Exec(`DELETE FROM error_records WHERE last_seen < ?`, cutoff.UnixMilli())
	if err != nil {
		return removed, err
	}
	n, _ := res.RowsAffected()
	return removed + n, nil
}

// Close releases the underlying database handle.
func (s *IncidentStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
