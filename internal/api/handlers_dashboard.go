package api

import (
	"fmt"
	"net/http"
)

// handleGetDashboard handles GET /api/v1/projects/{id}/dashboard
func (s *Server) handleGetDashboard(w http.ResponseWriter, r *http.Request) {
	projectID, acc, ok := projectRequest(w, r)
	if !ok {
		return
	}

	dashboard, err := s.services.Dashboard.GetDashboard(r.Context(), projectID, acc)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, dashboard)
}

// handleGetTimeseries handles GET /api/v1/projects/{id}/timeseries?granularity=day|week&days=N
func (s *Server) handleGetTimeseries(w http.ResponseWriter, r *http.Request) {
	projectID, acc, ok := projectRequest(w, r)
	if !ok {
		return
	}
	days, err := queryInt(r, "days")
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	series, err := s.services.Dashboard.GetTimeseries(r.Context(), projectID, acc, r.URL.Query().Get("granularity"), days)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, series)
}

// handleExport handles GET /api/v1/projects/{id}/export?format=json|csv
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	projectID, acc, ok := projectRequest(w, r)
	if !ok {
		return
	}

	format := r.URL.Query().Get("format")
	data, contentType, err := s.services.Dashboard.Export(r.Context(), projectID, acc, format)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	ext := "json"
	if contentType == "text/csv" {
		ext = "csv"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "dashboard-"+projectID+"."+ext))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleClearCache handles DELETE /api/v1/projects/{id}/cache
func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ownedProject(w, r)
	if !ok {
		return
	}

	if err := s.services.Dashboard.ClearCache(r.Context(), projectID); err != nil {
		respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
