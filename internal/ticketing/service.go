package ticketing

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ServiceNow incident state codes.
const (
	StateNew        = 1
	StateInProgress = 2
	StateResolved   = 6
	StateClosed     = 7
)

// Service is the in-memory mock of the ServiceNow Incident Table API served
// by cmd/ticketing. A single mutex guards the store; write visibility is
// linearizable.
type Service struct {
	mu      sync.Mutex
	store   map[string]map[string]any
	counter int

	logger *slog.Logger
}

// NewService creates an empty incident service.
func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  make(map[string]map[string]any),
		logger: logger.With("component", "ticketing-service"),
	}
}

// Handler returns the HTTP routes of the service.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/now/table/incident", s.handleCreate)
	mux.HandleFunc("GET /api/now/table/incident", s.handleList)
	mux.HandleFunc("GET /api/now/table/incident/{sys_id}", s.handleGet)
	mux.HandleFunc("PATCH /api/now/table/incident/{sys_id}", s.handleUpdate)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func (s *Service) nextNumber() string {
	s.counter++
	return fmt.Sprintf("INC%07d", s.counter)
}

// nowString uses fixed-width fractional seconds so that opened_at strings
// sort chronologically.
func nowString() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

// buildRecord fills the standard incident fields, passing unknown payload
// fields through transparently (control metadata and the like).
func (s *Service) buildRecord(payload map[string]any) map[string]any {
	now := nowString()
	record := map[string]any{
		"sys_id":            uuid.NewString(),
		"number":            s.nextNumber(),
		"short_description": stringField(payload, "short_description", ""),
		"description":       stringField(payload, "description", ""),
		"state":             intField(payload, "state", StateNew),
		"priority":          intField(payload, "priority", 3),
		"category":          stringField(payload, "category", "software"),
		"assignment_group":  stringField(payload, "assignment_group", ""),
		"assigned_to":       stringField(payload, "assigned_to", ""),
		"caller_id":         stringField(payload, "caller_id", ""),
		"sys_created_by":    stringField(payload, "sys_created_by", "meridian-agent"),
		"opened_at":         now,
		"sys_updated_on":    now,
	}
	for k, v := range payload {
		if _, known := record[k]; !known {
			record[k] = v
		}
	}
	return record
}

func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}
	if stringField(payload, "short_description", "") == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "short_description is required"})
		return
	}
	if state := intField(payload, "state", StateNew); state < 1 || state > 7 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "state out of range"})
		return
	}
	if priority := intField(payload, "priority", 3); priority < 1 || priority > 4 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "priority out of range"})
		return
	}

	s.mu.Lock()
	record := s.buildRecord(payload)
	s.store[record["sys_id"].(string)] = record
	s.mu.Unlock()

	s.logger.Info("incident created",
		"number", record["number"],
		"priority", record["priority"])
	writeJSON(w, http.StatusCreated, map[string]any{"result": record})
}

// matchQuery implements the minimal sysparm_query grammar: field=value
// clauses joined by ^ with AND logic, compared as strings.
func matchQuery(record map[string]any, sysparmQuery string) bool {
	if sysparmQuery == "" {
		return true
	}
	for _, clause := range strings.Split(sysparmQuery, "^") {
		field, value, found := strings.Cut(clause, "=")
		if !found {
			continue
		}
		field = strings.TrimSpace(field)
		value = strings.TrimSpace(value)
		if fmt.Sprintf("%v", record[field]) != value {
			return false
		}
	}
	return true
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("sysparm_query")
	limit := queryInt(r, "sysparm_limit", 100, 1, 1000)
	offset := queryInt(r, "sysparm_offset", 0, 0, 1<<30)

	s.mu.Lock()
	all := make([]map[string]any, 0, len(s.store))
	for _, rec := range s.store {
		all = append(all, rec)
	}
	s.mu.Unlock()

	matched := make([]map[string]any, 0, len(all))
	for _, rec := range all {
		if matchQuery(rec, query) {
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return fmt.Sprintf("%v", matched[i]["opened_at"]) > fmt.Sprintf("%v", matched[j]["opened_at"])
	})

	if offset > len(matched) {
		offset = len(matched)
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": matched[offset:end]})
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	sysID := r.PathValue("sys_id")

	s.mu.Lock()
	record, ok := s.store[sysID]
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "No Record found", "sys_id": sysID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": record})
}

func (s *Service) handleUpdate(w http.ResponseWriter, r *http.Request) {
	sysID := r.PathValue("sys_id")

	var updates map[string]any
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}
	if state, ok := updates["state"]; ok {
		if v := toInt(state, -1); v < 1 || v > 7 {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "state out of range"})
			return
		}
	}

	s.mu.Lock()
	record, ok := s.store[sysID]
	if ok {
		for k, v := range updates {
			record[k] = v
		}
		record["sys_updated_on"] = nowString()
		s.store[sysID] = record
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "No Record found", "sys_id": sysID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": record})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": "meridian-ticketing"})
}

// IncidentCount returns the number of stored incidents.
func (s *Service) IncidentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.store)
}

// =============================================================================
// Helpers
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func stringField(m map[string]any, key, def string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return def
}

func intField(m map[string]any, key string, def int) int {
	if v, ok := m[key]; ok {
		return toInt(v, def)
	}
	return def
}

func toInt(v any, def int) int {
	switch t := v.(type) {
	case int:
		return t
	case float64:
		return int(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
	}
	return def
}

func queryInt(r *http.Request, key string, def, min, max int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min || n > max {
		return def
	}
	return n
}
