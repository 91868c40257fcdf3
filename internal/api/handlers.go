package api

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/flowpbx/fastagi/internal/agi"
	"github.com/flowpbx/fastagi/internal/database/models"
	"github.com/go-chi/chi/v5"
)

// healthResponse is the shape returned by GET /health.
type healthResponse struct {
	Status         string `json:"status"`
	StartedAt      string `json:"started_at"`
	UptimeSec      int64  `json:"uptime_sec"`
	UptimeText     string `json:"uptime_text"`
	ActiveSessions int    `json:"active_sessions"`
	SchemaVersion  string `json:"schema_version,omitempty"`
}

// sessionResponse is the JSON response for a single session.
type sessionResponse struct {
	ID         string  `json:"id"`
	RemoteAddr string  `json:"remote_addr"`
	Script     string  `json:"script"`
	Channel    string  `json:"channel"`
	UniqueID   string  `json:"unique_id"`
	CallerID   string  `json:"caller_id"`
	StartedAt  string  `json:"started_at"`
	EndedAt    *string `json:"ended_at"`
	DurationMs *int64  `json:"duration_ms"`
	Commands   int64   `json:"commands"`
	Outcome    string  `json:"outcome"`
	Error      string  `json:"error,omitempty"`
}

// toSessionResponse converts a models.Session to the API response.
func toSessionResponse(s *models.Session) sessionResponse {
	resp := sessionResponse{
		ID:         s.ID,
		RemoteAddr: s.RemoteAddr,
		Script:     s.Script,
		Channel:    s.Channel,
		UniqueID:   s.UniqueID,
		CallerID:   s.CallerID,
		StartedAt:  s.StartedAt.Format(time.RFC3339),
		Commands:   s.Commands,
		Outcome:    s.Outcome,
		Error:      s.Error,
	}
	if s.EndedAt != nil {
		ended := s.EndedAt.Format(time.RFC3339)
		ms := s.EndedAt.Sub(s.StartedAt).Milliseconds()
		resp.EndedAt = &ended
		resp.DurationMs = &ms
	}
	return resp
}

// assetEventResponse is the JSON response for a single provisioning event.
type assetEventResponse struct {
	ID         int64  `json:"id"`
	SessionID  string `json:"session_id,omitempty"`
	Asset      string `json:"asset"`
	State      string `json:"state"`
	DirCreated bool   `json:"dir_created"`
	Downloaded bool   `json:"downloaded"`
	Error      string `json:"error,omitempty"`
	CreatedAt  string `json:"created_at"`
}

func toAssetEventResponse(e *models.AssetEvent) assetEventResponse {
	return assetEventResponse{
		ID:         e.ID,
		SessionID:  e.SessionID,
		Asset:      e.Asset,
		State:      e.State,
		DirCreated: e.DirCreated,
		Downloaded: e.Downloaded,
		Error:      e.Error,
		CreatedAt:  e.CreatedAt.Format(time.RFC3339),
	}
}

// handleHealth returns liveness, uptime, the live session count and the
// history schema version. An unreadable database reports "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startTime)
	resp := healthResponse{
		Status:     "ok",
		StartedAt:  s.startTime.Format(time.RFC3339),
		UptimeSec:  int64(uptime.Seconds()),
		UptimeText: formatUptime(uptime),
	}
	if s.active != nil {
		resp.ActiveSessions = len(s.active.ActiveSessions())
	}
	if s.schema != nil {
		version, err := s.schema.SchemaVersion(r.Context())
		if err != nil {
			s.logger.Error("health: failed to read schema version", "error", err)
			resp.Status = "degraded"
		}
		resp.SchemaVersion = version
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListScripts returns the registered call script names.
func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	names := []string{}
	if s.scripts != nil {
		names = append(names, s.scripts.Scripts()...)
	}
	sort.Strings(names)
	writeJSON(w, http.StatusOK, names)
}

// handleListSessions returns the most recent sessions, newest first.
// Query params: limit.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, errMsg := parseLimit(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	sessions, err := s.sessions.ListRecent(r.Context(), limit)
	if err != nil {
		s.logger.Error("list sessions: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]sessionResponse, len(sessions))
	for i := range sessions {
		items[i] = toSessionResponse(&sessions[i])
	}
	writeJSON(w, http.StatusOK, items)
}

// handleGetSession returns a single session by ID.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := s.sessions.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("get session: failed to query", "error", err, "session_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

// handleListChannels returns the sessions being served right now.
func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels := []agi.ActiveSession{}
	if s.active != nil {
		channels = s.active.ActiveSessions()
	}
	writeJSON(w, http.StatusOK, channels)
}

// handleListAssetEvents returns recent provisioning events, newest first.
// Query params: limit, asset.
func (s *Server) handleListAssetEvents(w http.ResponseWriter, r *http.Request) {
	limit, errMsg := parseLimit(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	var (
		events []models.AssetEvent
		err    error
	)
	if asset := r.URL.Query().Get("asset"); asset != "" {
		events, err = s.assetEvents.ListByAsset(r.Context(), asset, limit)
	} else {
		events, err = s.assetEvents.ListRecent(r.Context(), limit)
	}
	if err != nil {
		s.logger.Error("list asset events: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]assetEventResponse, len(events))
	for i := range events {
		items[i] = toAssetEventResponse(&events[i])
	}
	writeJSON(w, http.StatusOK, items)
}

// formatUptime returns a human-readable uptime string like "2d 5h 30m 12s".
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
