package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	apperrors "github.com/wallet-insights/internal/errors"
	"github.com/wallet-insights/internal/privacy"
	"github.com/wallet-insights/internal/service"
)

// projectRequest resolves the route's project and the reader's accessor
func projectRequest(w http.ResponseWriter, r *http.Request) (string, privacy.Accessor, bool) {
	projectID := mux.Vars(r)["id"]
	if projectID == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Project ID required", nil)
		return "", privacy.Accessor{}, false
	}
	acc, err := projectAccessor(r, projectID)
	if err != nil {
		respondServiceError(w, r, err)
		return "", privacy.Accessor{}, false
	}
	return projectID, acc, true
}

// ownedProject resolves the route's project and requires the owning context
func ownedProject(w http.ResponseWriter, r *http.Request) (string, bool) {
	projectID, acc, ok := projectRequest(w, r)
	if !ok {
		return "", false
	}
	if !acc.IsOwnerOf(projectID) {
		respondServiceError(w, r, apperrors.NewPrivacyViolationError("project:"+projectID))
		return "", false
	}
	return projectID, true
}

// queryInt parses an optional positive integer query parameter
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, apperrors.NewInvalidParameterError(name, "must be a positive integer")
	}
	return v, nil
}

func correlationOptions(r *http.Request, acc privacy.Accessor) (service.CorrelationOptions, error) {
	minSample, err := queryInt(r, "min_sample")
	if err != nil {
		return service.CorrelationOptions{}, err
	}
	activeOnly := false
	if raw := r.URL.Query().Get("active_only"); raw != "" {
		activeOnly, err = strconv.ParseBool(raw)
		if err != nil {
			return service.CorrelationOptions{}, apperrors.NewInvalidParameterError("active_only", "must be a boolean")
		}
	}
	return service.CorrelationOptions{ActiveOnly: activeOnly, MinSampleSize: minSample, Accessor: acc}, nil
}

func conversionOptions(r *http.Request, acc privacy.Accessor) (service.ConversionOptions, error) {
	minSample, err := queryInt(r, "min_sample")
	if err != nil {
		return service.ConversionOptions{}, err
	}
	return service.ConversionOptions{MinSampleSize: minSample, Accessor: acc}, nil
}

// handleGetFunnel handles GET /api/v1/projects/{id}/funnel
func (s *Server) handleGetFunnel(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ownedProject(w, r)
	if !ok {
		return
	}

	funnel, err := s.services.Adoption.GetProjectFunnel(r.Context(), projectID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, funnel)
}

// handleGetProductivitySummary handles GET /api/v1/projects/{id}/productivity
func (s *Server) handleGetProductivitySummary(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ownedProject(w, r)
	if !ok {
		return
	}

	summary, err := s.services.Productivity.GetProjectSummary(r.Context(), projectID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// handleRecomputeProject handles POST /api/v1/projects/{id}/productivity/recompute
func (s *Server) handleRecomputeProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ownedProject(w, r)
	if !ok {
		return
	}

	result, err := s.services.Productivity.RecomputeProject(r.Context(), projectID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleCorrelation handles GET /api/v1/projects/{id}/correlations/{dimension}
func (s *Server) handleCorrelation(w http.ResponseWriter, r *http.Request) {
	projectID, acc, ok := projectRequest(w, r)
	if !ok {
		return
	}
	opts, err := correlationOptions(r, acc)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	var result *service.CorrelationResult
	switch service.Dimension(mux.Vars(r)["dimension"]) {
	case service.DimensionTxType:
		result, err = s.services.Correlation.AnalyzeByType(r.Context(), projectID, opts)
	case service.DimensionDiversity:
		result, err = s.services.Correlation.AnalyzeByDiversity(r.Context(), projectID, opts)
	case service.DimensionVolume:
		result, err = s.services.Correlation.AnalyzeByVolume(r.Context(), projectID, opts)
	case service.DimensionFrequency:
		result, err = s.services.Correlation.AnalyzeByFrequency(r.Context(), projectID, opts)
	default:
		respondServiceError(w, r, apperrors.NewInvalidParameterError("dimension", "must be one of tx_type, diversity, volume, frequency"))
		return
	}
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleInsights handles GET /api/v1/projects/{id}/insights
func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	projectID, acc, ok := projectRequest(w, r)
	if !ok {
		return
	}
	opts, err := correlationOptions(r, acc)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	report, err := s.services.Correlation.GenerateInsights(r.Context(), projectID, opts)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// handleConversions handles GET /api/v1/projects/{id}/conversions
func (s *Server) handleConversions(w http.ResponseWriter, r *http.Request) {
	projectID, acc, ok := projectRequest(w, r)
	if !ok {
		return
	}
	opts, err := conversionOptions(r, acc)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	conversions, err := s.services.Conversion.CalculateConversions(r.Context(), projectID, opts)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"projectId":   projectID,
		"conversions": conversions,
	})
}

// handleDropoffs handles GET /api/v1/projects/{id}/dropoffs
func (s *Server) handleDropoffs(w http.ResponseWriter, r *http.Request) {
	projectID, acc, ok := projectRequest(w, r)
	if !ok {
		return
	}
	opts, err := conversionOptions(r, acc)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	dropOffs, err := s.services.Conversion.IdentifyDropoffs(r.Context(), projectID, opts)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"projectId": projectID,
		"dropOffs":  dropOffs,
	})
}

// handleReport handles GET /api/v1/projects/{id}/report. Owners without
// overrides get the worker's pre-generated report when one is cached.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	projectID, acc, ok := projectRequest(w, r)
	if !ok {
		return
	}
	opts, err := conversionOptions(r, acc)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	if s.services.Reports != nil && acc.IsOwnerOf(projectID) && opts.MinSampleSize == 0 {
		if report, found := s.services.Reports.CachedReport(r.Context(), projectID); found {
			respondJSON(w, http.StatusOK, report)
			return
		}
	}

	report, err := s.services.Conversion.GenerateReport(r.Context(), projectID, opts)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// handleSyncProject handles POST /api/v1/projects/{id}/sync
func (s *Server) handleSyncProject(w http.ResponseWriter, r *http.Request) {
	if s.services.Ingestion == nil {
		respondError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "Ingestion is not enabled", nil)
		return
	}
	projectID, ok := ownedProject(w, r)
	if !ok {
		return
	}

	result, err := s.services.Ingestion.SyncProject(r.Context(), projectID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}
