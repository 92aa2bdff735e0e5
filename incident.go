package vigil

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// IncidentStatus is the lifecycle state of an incident.
type IncidentStatus string

const (
	// IncidentOpen means the incident is active and unacknowledged.
	IncidentOpen IncidentStatus = "open"
	// IncidentInvestigating means someone is looking at it.
	IncidentInvestigating IncidentStatus = "investigating"
	// IncidentResolved means the incident has been explicitly closed.
	IncidentResolved IncidentStatus = "resolved"
)

// Incident records a sustained health-check failure. At most one open
// incident exists per check at any time; repeated threshold breaches
// refresh the existing incident instead of duplicating it.
type Incident struct {
	ID          string         `json:"id"`
	CheckID     string         `json:"check_id"`
	Severity    Severity       `json:"severity"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	StartTime   time.Time      `json:"start_time"`
	EndTime     time.Time      `json:"end_time,omitempty"`
	Duration    time.Duration  `json:"duration,omitempty"`
	Status      IncidentStatus `json:"status"`
	Impact      []string       `json:"impact,omitempty"`
	Resolution  string         `json:"resolution,omitempty"`
}

// categoryImpact maps a check category to the impact statements attached
// to incidents it causes.
var categoryImpact = map[CheckCategory][]string{
	CategoryDatabase:       {"data operations may be impacted"},
	CategoryAPI:            {"API services may be unavailable"},
	CategoryExternal:       {"external integration affected"},
	CategoryBusiness:       {"business operations may be impacted"},
	CategoryInfrastructure: {"platform services may be degraded"},
}

// IncidentManager owns the incident lifecycle. It reacts to health-check
// threshold breaches and holds incidents until explicitly resolved;
// recovery of the underlying check never auto-closes an incident.
type IncidentManager struct {
	mu          sync.RWMutex
	incidents   map[string]*Incident
	openByCheck map[string]string // checkID -> open incident id
	store       *IncidentStore

	// onChange receives lifecycle notifications: "opened", "updated",
	// "investigating", "resolved".
	onChange func(inc Incident, change string)
}

func newIncidentManager(store *IncidentStore) *IncidentManager {
	return &IncidentManager{
		incidents:   make(map[string]*Incident),
		openByCheck: make(map[string]string),
		store:       store,
	}
}

// handleBreach opens an incident for the check, or refreshes the open
// one. Called by the health engine when consecutive failures reach the
// alert threshold.
func (im *IncidentManager) handleBreach(check HealthCheck, failures int) {
	im.mu.Lock()

	if id, ok := im.openByCheck[check.ID]; ok {
		inc := im.incidents[id]
		inc.Description = fmt.Sprintf("%s has failed %d consecutive times", check.Name, failures)
		cp := *inc
		im.mu.Unlock()
		im.persist(cp)
		im.notify(cp, "updated")
		return
	}

	severity := SeverityMedium
	if check.Critical {
		severity = SeverityCritical
	}
	impact := categoryImpact[check.Category]
	if impact == nil {
		impact = []string{"service degradation possible"}
	}

	inc := &Incident{
		ID:          newID(),
		CheckID:     check.ID,
		Severity:    severity,
		Title:       fmt.Sprintf("Health check failing: %s", check.Name),
		Description: fmt.Sprintf("%s has failed %d consecutive times", check.Name, failures),
		StartTime:   time.Now(),
		Status:      IncidentOpen,
		Impact:      append([]string(nil), impact...),
	}
	im.incidents[inc.ID] = inc
	im.openByCheck[check.ID] = inc.ID
	cp := *inc
	im.mu.Unlock()

	slog.Warn("incident opened",
		"incident", cp.ID,
		"check", cp.CheckID,
		"severity", cp.Severity)
	im.persist(cp)
	im.notify(cp, "opened")
}

// Resolve closes an incident with the given resolution text. Resolution
// is always explicit; resolving an already-resolved incident is a no-op.
func (im *IncidentManager) Resolve(id, resolution string) error {
	im.mu.Lock()

	inc, ok := im.incidents[id]
	if !ok {
		im.mu.Unlock()
		return ErrUnknownIncident
	}
	if inc.Status == IncidentResolved {
		im.mu.Unlock()
		return nil
	}

	inc.Status = IncidentResolved
	inc.EndTime = time.Now()
	inc.Duration = inc.EndTime.Sub(inc.StartTime)
	inc.Resolution = resolution
	if im.openByCheck[inc.CheckID] == inc.ID {
		delete(im.openByCheck, inc.CheckID)
	}
	cp := *inc
	im.mu.Unlock()

	slog.Info("incident resolved",
		"incident", cp.ID,
		"check", cp.CheckID,
		"duration", cp.Duration)
	im.persist(cp)
	im.notify(cp, "resolved")
	return nil
}

// MarkInvestigating flags an open incident as being worked on.
func (im *IncidentManager) MarkInvestigating(id string) error {
	im.mu.Lock()

	inc, ok := im.incidents[id]
	if !ok {
		im.mu.Unlock()
		return ErrUnknownIncident
	}
	if inc.Status != IncidentOpen {
		im.mu.Unlock()
		return nil
	}
	inc.Status = IncidentInvestigating
	cp := *inc
	im.mu.Unlock()

	im.persist(cp)
	im.notify(cp, "investigating")
	return nil
}

// Active returns copies of all incidents not yet resolved, newest first.
func (im *IncidentManager) Active() []Incident {
	im.mu.RLock()
	out := make([]Incident, 0, len(im.openByCheck))
	for _, inc := range im.incidents {
		if inc.Status != IncidentResolved {
			out = append(out, im.copyLocked(inc))
		}
	}
	im.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}

// All returns copies of every incident, newest first.
func (im *IncidentManager) All() []Incident {
	im.mu.RLock()
	out := make([]Incident, 0, len(im.incidents))
	for _, inc := range im.incidents {
		out = append(out, im.copyLocked(inc))
	}
	im.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}

// Incident returns a copy of one incident by id.
func (im *IncidentManager) Incident(id string) (Incident, bool) {
	im.mu.RLock()
	defer im.mu.RUnlock()
	inc, ok := im.incidents[id]
	if !ok {
		return Incident{}, false
	}
	return im.copyLocked(inc), true
}

// evictResolvedBefore drops resolved incidents that ended before the
// cutoff. Open incidents are never evicted.
func (im *IncidentManager) evictResolvedBefore(cutoff time.Time) int {
	im.mu.Lock()
	defer im.mu.Unlock()

	removed := 0
	for id, inc := range im.incidents {
		if inc.Status == IncidentResolved && inc.EndTime.Before(cutoff) {
			delete(im.incidents, id)
			removed++
		}
	}
	return removed
}

// restore loads previously persisted incidents, typically at startup.
func (im *IncidentManager) restore(incidents []Incident) {
	im.mu.Lock()
	defer im.mu.Unlock()
	for i := range incidents {
		inc := incidents[i]
		im.incidents[inc.ID] = &inc
		if inc.Status != IncidentResolved {
			im.openByCheck[inc.CheckID] = inc.ID
		}
	}
}

func (im *IncidentManager) copyLocked(inc *Incident) Incident {
	cp := *inc
	cp.Impact = append([]string(nil), inc.Impact...)
	return cp
}

func (im *IncidentManager) persist(inc Incident) {
	if im.store == nil {
		return
	}
	if err := im.store.SaveIncident(inc); err != nil {
		slog.Error("incident store save failed", "incident", inc.ID, "err", err)
	}
}

func (im *IncidentManager) notify(inc Incident, change string) {
	if im.onChange != nil {
		im.onChange(inc, change)
	}
}
