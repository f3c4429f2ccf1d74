package api

import (
	"net/http"
	"strconv"
	"time"

	"lukhas/internal/authz"
	"lukhas/internal/guardian"
	"lukhas/internal/incident"
	"lukhas/internal/logging"
	"lukhas/internal/store"
)

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.DecisionFilter{Subject: q.Get("subject"), Module: q.Get("module")}

	if raw := q.Get("allow"); raw != "" {
		allow, err := strconv.ParseBool(raw)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "bad_request", "allow must be true or false")
			return
		}
		f.Allow = &allow
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "bad_request", "since must be an RFC 3339 timestamp")
			return
		}
		f.Since = since
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	f.Limit = limit

	decisions, err := s.deps.Store.ListDecisions(r.Context(), f)
	if err != nil {
		writeStoreError(w, r, "decisions", err)
		return
	}
	if decisions == nil {
		decisions = []authz.DecisionRecord{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
}

type reportIncidentRequest struct {
	Category    incident.Category `json:"category"`
	Severity    incident.Severity `json:"severity"`
	Source      string            `json:"source"`
	Description string            `json:"description"`
	Indicators  map[string]string `json:"indicators,omitempty"`
}

// handleReportIncident opens an incident and runs every matching playbook
// before answering.
func (s *Server) handleReportIncident(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		WriteError(w, http.StatusServiceUnavailable, "unavailable", "incident response is not enabled")
		return
	}
	var req reportIncidentRequest
	if err := ReadJSON(w, r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	source := req.Source
	if source == "" {
		source = "api:" + subject(r)
	}

	inc, err := incident.NewIncident(req.Category, req.Severity, source, req.Description, req.Indicators)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	resp, err := s.deps.Engine.Respond(r.Context(), inc)
	if err != nil {
		logging.APIError("incident %s: %v", inc.ID, err)
		WriteError(w, http.StatusInternalServerError, "internal_error", "incident response failed")
		return
	}
	WriteJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	incidents, err := s.deps.Store.ListIncidents(r.Context(), limit)
	if err != nil {
		writeStoreError(w, r, "incidents", err)
		return
	}
	if incidents == nil {
		incidents = []*incident.Incident{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"incidents": incidents})
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	resp, err := s.deps.Store.GetIncident(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, r, "incident", err)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGuardianStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitor == nil {
		WriteError(w, http.StatusServiceUnavailable, "unavailable", "guardian is not enabled")
		return
	}
	WriteJSON(w, http.StatusOK, s.deps.Monitor.Status())
}

type recordMetricRequest struct {
	Metric string   `json:"metric"`
	Value  *float64 `json:"value"`
}

type recordMetricResponse struct {
	Metric string          `json:"metric"`
	Alert  *guardian.Alert `json:"alert"`
}

func (s *Server) handleRecordMetric(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitor == nil {
		WriteError(w, http.StatusServiceUnavailable, "unavailable", "guardian is not enabled")
		return
	}
	var req recordMetricRequest
	if err := ReadJSON(w, r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.Value == nil {
		WriteError(w, http.StatusBadRequest, "validation_failed", "value is required")
		return
	}

	alert, err := s.deps.Monitor.Record(r.Context(), req.Metric, *req.Value)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	WriteJSON(w, http.StatusAccepted, recordMetricResponse{Metric: req.Metric, Alert: alert})
}
