package monitor

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"deploywatch.org/core/monitor/models"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses. Operators
// get a rejection reason, never a stack trace.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case models.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case models.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (m *Monitor) CreateRun(w http.ResponseWriter, r *http.Request) {
	var trigger models.Trigger
	if err := json.NewDecoder(r.Body).Decode(&trigger); err != nil {
		writeError(w, models.ValidationErr("malformed trigger: %v", err))
		return
	}

	id, err := m.tracker.CreateRun(r.Context(), trigger)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (m *Monitor) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := m.tracker.GetRun(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (m *Monitor) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	status := models.RunStatus(r.URL.Query().Get("status"))

	runs, err := m.tracker.ListRuns(status, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []*models.PipelineRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

type stageUpdateRequest struct {
	Status models.StageStatus `json:"status"`
	Data   map[string]any     `json:"data,omitempty"`
}

func (m *Monitor) UpdateStage(w http.ResponseWriter, r *http.Request) {
	var req stageUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, models.ValidationErr("malformed stage update: %v", err))
		return
	}

	err := m.tracker.UpdateStage(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "name"), req.Status, req.Data)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type completeRunRequest struct {
	Success bool                       `json:"success"`
	Metrics *models.PerformanceMetrics `json:"metrics,omitempty"`
}

func (m *Monitor) CompleteRun(w http.ResponseWriter, r *http.Request) {
	var req completeRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, models.ValidationErr("malformed completion: %v", err))
		return
	}

	if err := m.tracker.CompleteRun(r.Context(), chi.URLParam(r, "id"), req.Success, req.Metrics); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type addErrorRequest struct {
	Stage   string         `json:"stage"`
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

func (m *Monitor) AddError(w http.ResponseWriter, r *http.Request) {
	var req addErrorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, models.ValidationErr("malformed error record: %v", err))
		return
	}

	err := m.tracker.AddError(r.Context(), chi.URLParam(r, "id"), req.Stage, req.Type, req.Message, req.Context)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Monitor) RecordWebhook(w http.ResponseWriter, r *http.Request) {
	var rec models.WebhookRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, models.ValidationErr("malformed webhook record: %v", err))
		return
	}

	if err := m.tracker.RecordWebhook(r.Context(), &rec); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": rec.ID})
}

func (m *Monitor) ListAlerts(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"

	alerts, err := m.db.ListAlerts(activeOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	if alerts == nil {
		alerts = []*models.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

type alertActionRequest struct {
	By string `json:"by"`
}

func (m *Monitor) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	var req alertActionRequest
	json.NewDecoder(r.Body).Decode(&req)

	found, err := m.alerts.Acknowledge(r.Context(), chi.URLParam(r, "id"), req.By)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]bool{"found": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"found": true})
}

func (m *Monitor) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	var req alertActionRequest
	json.NewDecoder(r.Body).Decode(&req)

	found, err := m.alerts.Resolve(r.Context(), chi.URLParam(r, "id"), req.By)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]bool{"found": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"found": true})
}

func (m *Monitor) Metrics(w http.ResponseWriter, r *http.Request) {
	window := time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeError(w, models.ValidationErr("invalid window %q", raw))
			return
		}
		window = parsed
	}

	agg, err := m.tracker.MetricsWindow(window)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (m *Monitor) GetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, m.alerts.Settings())
}

func (m *Monitor) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var settings models.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, models.ValidationErr("malformed settings: %v", err))
		return
	}

	if err := m.alerts.UpdateSettings(r.Context(), settings); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m.alerts.Settings())
}

func (m *Monitor) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if m.db.Degraded() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            status,
		"active_runs":       m.tracker.ActiveCount(),
		"suppressed_alerts": m.alerts.SuppressedCount(),
	})
}
