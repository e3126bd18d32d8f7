package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wallet-insights/internal/models"
	"github.com/wallet-insights/internal/types"
)

// ownedWallet loads the wallet named in the route and checks that the caller
// is its owning project
func (s *Server) ownedWallet(w http.ResponseWriter, r *http.Request) (*models.Wallet, bool) {
	walletID := mux.Vars(r)["id"]
	if walletID == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Wallet ID required", nil)
		return nil, false
	}

	wallet, err := s.services.Wallets.GetByID(r.Context(), walletID)
	if err != nil {
		respondServiceError(w, r, err)
		return nil, false
	}
	if err := requireOwner(r, wallet.ProjectID); err != nil {
		respondServiceError(w, r, err)
		return nil, false
	}
	return wallet, true
}

// handleGetStageStatus handles GET /api/v1/wallets/{id}/stages
func (s *Server) handleGetStageStatus(w http.ResponseWriter, r *http.Request) {
	wallet, ok := s.ownedWallet(w, r)
	if !ok {
		return
	}

	status, err := s.services.Adoption.GetStatus(r.Context(), wallet.ID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// handleInitializeStages handles POST /api/v1/wallets/{id}/stages/initialize
func (s *Server) handleInitializeStages(w http.ResponseWriter, r *http.Request) {
	wallet, ok := s.ownedWallet(w, r)
	if !ok {
		return
	}

	if err := s.services.Adoption.Initialize(r.Context(), wallet.ID); err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"walletId":    wallet.ID,
		"initialized": true,
	})
}

// handleUpdateStages handles POST /api/v1/wallets/{id}/stages/update
func (s *Server) handleUpdateStages(w http.ResponseWriter, r *http.Request) {
	wallet, ok := s.ownedWallet(w, r)
	if !ok {
		return
	}

	achieved, err := s.services.Adoption.UpdateStages(r.Context(), wallet.ID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if achieved == nil {
		achieved = []types.StageName{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"walletId":      wallet.ID,
		"newlyAchieved": achieved,
	})
}

// handleAssignCohorts handles POST /api/v1/wallets/{id}/cohorts
func (s *Server) handleAssignCohorts(w http.ResponseWriter, r *http.Request) {
	wallet, ok := s.ownedWallet(w, r)
	if !ok {
		return
	}

	assignments, err := s.services.Cohorts.Assign(r.Context(), wallet.ID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"walletId":    wallet.ID,
		"assignments": assignments,
	})
}

// handleRecomputeScore handles POST /api/v1/wallets/{id}/score
func (s *Server) handleRecomputeScore(w http.ResponseWriter, r *http.Request) {
	wallet, ok := s.ownedWallet(w, r)
	if !ok {
		return
	}

	score, err := s.services.Productivity.Recompute(r.Context(), wallet.ID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, score)
}

// handleSyncWallet handles POST /api/v1/wallets/{id}/sync
func (s *Server) handleSyncWallet(w http.ResponseWriter, r *http.Request) {
	if s.services.Ingestion == nil {
		respondError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "Ingestion is not enabled", nil)
		return
	}
	wallet, ok := s.ownedWallet(w, r)
	if !ok {
		return
	}

	result, err := s.services.Ingestion.SyncWallet(r.Context(), wallet.ID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleChangePrivacyMode handles PUT /api/v1/wallets/{id}/privacy
func (s *Server) handleChangePrivacyMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode           types.PrivacyMode `json:"mode"`
		SetupConfirmed bool              `json:"setupConfirmed"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	wallet, ok := s.ownedWallet(w, r)
	if !ok {
		return
	}

	pref, err := s.services.Privacy.ChangeMode(r.Context(), wallet.ID, req.Mode, req.SetupConfirmed)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, pref)
}
