// Package dashboard exposes the read-only trust envelope API consumed by
// the visualization frontend. It reads from the store's single envelope
// query path and re-verifies envelope signatures on demand.
package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/example/meridian/internal/envelope"
	"github.com/example/meridian/internal/store"
)

const defaultLimit = 100

// EnvelopeReader is the store surface the dashboard needs.
type EnvelopeReader interface {
	TrustEnvelopes(ctx context.Context, limit int) ([]store.EnvelopeRow, error)
}

// Handler serves the dashboard API.
type Handler struct {
	envelopes EnvelopeReader
	logger    *slog.Logger
	health    func(context.Context) error
}

// Config configures the dashboard handler.
type Config struct {
	Envelopes EnvelopeReader
	Logger    *slog.Logger

	// Health, when set, is consulted by /health (typically the database
	// ping).
	Health func(context.Context) error
}

// New creates a dashboard handler.
func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		envelopes: cfg.Envelopes,
		logger:    cfg.Logger.With("component", "dashboard"),
		health:    cfg.Health,
	}
}

// Routes returns the HTTP routes of the dashboard API.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/envelopes", h.handleList)
	mux.HandleFunc("GET /api/envelopes/verify/{envelope_id}", h.handleVerify)
	mux.HandleFunc("GET /health", h.handleHealth)
	return mux
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	limit := defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	rows, err := h.envelopes.TrustEnvelopes(r.Context(), limit)
	if err != nil {
		h.logger.Error("envelope query failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "store unavailable"})
		return
	}
	if rows == nil {
		rows = []store.EnvelopeRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"envelopes": rows, "count": len(rows)})
}

// handleVerify re-checks a stored envelope's signature against the public
// key embedded in the envelope document itself.
func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	envelopeID := r.PathValue("envelope_id")

	rows, err := h.envelopes.TrustEnvelopes(r.Context(), 0)
	if err != nil {
		h.logger.Error("envelope query failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "store unavailable"})
		return
	}

	for _, row := range rows {
		if row.EnvelopeID != envelopeID {
			continue
		}
		valid := envelope.VerifyMap(row.EnvelopeData)
		writeJSON(w, http.StatusOK, map[string]any{
			"envelope_id":     envelopeID,
			"signature_valid": valid,
			"trust_level":     row.TrustLevel,
			"control_id":      row.ControlID,
			"product_id":      row.ProductID,
		})
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]any{"error": "envelope not found", "envelope_id": envelopeID})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": "meridian-dashboard"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
