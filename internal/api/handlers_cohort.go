package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	apperrors "github.com/wallet-insights/internal/errors"
	"github.com/wallet-insights/internal/types"
)

// Cohort rows are aggregate counts with no wallet-level data, so any owning
// project context may read them.

// handleListCohorts handles GET /api/v1/cohorts?type=weekly|monthly&limit=N
func (s *Server) handleListCohorts(w http.ResponseWriter, r *http.Request) {
	if _, err := requireProjectCaller(r); err != nil {
		respondServiceError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	cohortType := types.CohortType(r.URL.Query().Get("type"))
	if cohortType == "" {
		cohortType = types.CohortWeekly
	}

	cohorts, err := s.services.Cohorts.ListCohorts(r.Context(), cohortType, limit)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"type":    cohortType,
		"cohorts": cohorts,
	})
}

// handleGetCohort handles GET /api/v1/cohorts/{id}
func (s *Server) handleGetCohort(w http.ResponseWriter, r *http.Request) {
	if _, err := requireProjectCaller(r); err != nil {
		respondServiceError(w, r, err)
		return
	}

	detail, err := s.services.Cohorts.GetCohort(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, detail)
}

// handleCohortStatistics handles GET /api/v1/cohorts/statistics
func (s *Server) handleCohortStatistics(w http.ResponseWriter, r *http.Request) {
	if _, err := requireProjectCaller(r); err != nil {
		respondServiceError(w, r, err)
		return
	}

	stats, err := s.services.Cohorts.GetStatistics(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// handleProcessUnassigned handles POST /api/v1/cohorts/process-unassigned
func (s *Server) handleProcessUnassigned(w http.ResponseWriter, r *http.Request) {
	if _, err := requireProjectCaller(r); err != nil {
		respondServiceError(w, r, err)
		return
	}

	result, err := s.services.Cohorts.ProcessUnassigned(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleCreateCohortRange handles POST /api/v1/cohorts/range
func (s *Server) handleCreateCohortRange(w http.ResponseWriter, r *http.Request) {
	if _, err := requireProjectCaller(r); err != nil {
		respondServiceError(w, r, err)
		return
	}

	var req struct {
		Start string           `json:"start"`
		End   string           `json:"end"`
		Type  types.CohortType `json:"type"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	start, err := parseDate(req.Start)
	if err != nil {
		respondServiceError(w, r, apperrors.NewInvalidParameterError("start", "must be YYYY-MM-DD or RFC3339"))
		return
	}
	end, err := parseDate(req.End)
	if err != nil {
		respondServiceError(w, r, apperrors.NewInvalidParameterError("end", "must be YYYY-MM-DD or RFC3339"))
		return
	}

	result, err := s.services.Cohorts.CreateForRange(r.Context(), start, end, req.Type)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// parseDate accepts a calendar date or a full timestamp
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
