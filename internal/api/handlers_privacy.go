package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	apperrors "github.com/wallet-insights/internal/errors"
	"github.com/wallet-insights/internal/privacy"
	"github.com/wallet-insights/internal/types"
)

// handleAnonymize handles POST /api/v1/privacy/anonymize. The body is either
// one record or an array of records; the response has the same shape.
func (s *Server) handleAnonymize(w http.ResponseWriter, r *http.Request) {
	if c := callerFrom(r); c.projectID == "" && c.buyerID == "" {
		respondServiceError(w, r, apperrors.NewUnauthorizedError("caller identity required"))
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	var batch []privacy.Record
	if err := json.Unmarshal(raw, &batch); err == nil {
		respondJSON(w, http.StatusOK, privacy.AnonymizeBatch(batch))
		return
	}

	var record privacy.Record
	if err := json.Unmarshal(raw, &record); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Body must be an object or an array of objects", nil)
		return
	}
	respondJSON(w, http.StatusOK, privacy.Anonymize(record))
}

// handleValidateTransition handles POST /api/v1/privacy/transitions/validate
func (s *Server) handleValidateTransition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From types.PrivacyMode `json:"from"`
		To   types.PrivacyMode `json:"to"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	respondJSON(w, http.StatusOK, privacy.ValidateTransition(req.From, req.To))
}

// handleCheckAccess handles GET /api/v1/privacy/access?wallet=ID[&buyer=ID].
// Buyers check their own access; owners may name a buyer.
func (s *Server) handleCheckAccess(w http.ResponseWriter, r *http.Request) {
	walletID := r.URL.Query().Get("wallet")
	if walletID == "" {
		respondServiceError(w, r, apperrors.NewInvalidParameterError("wallet", "required"))
		return
	}

	c := callerFrom(r)
	buyerID := c.buyerID
	if buyerID == "" {
		wallet, err := s.services.Wallets.GetByID(r.Context(), walletID)
		if err != nil {
			respondServiceError(w, r, err)
			return
		}
		if err := requireOwner(r, wallet.ProjectID); err != nil {
			respondServiceError(w, r, err)
			return
		}
		buyerID = r.URL.Query().Get("buyer")
		if buyerID == "" {
			respondServiceError(w, r, apperrors.NewInvalidParameterError("buyer", "required for owner checks"))
			return
		}
	}

	decision, err := s.services.Privacy.CheckAccess(r.Context(), buyerID, walletID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, decision)
}

// handleCreateGrant handles POST /api/v1/grants. Exactly one of walletId and
// projectId scopes the grant, and the caller must own it.
func (s *Server) handleCreateGrant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BuyerID       string `json:"buyerId"`
		WalletID      string `json:"walletId"`
		ProjectID     string `json:"projectId"`
		DurationHours int    `json:"durationHours"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	if (req.WalletID == "") == (req.ProjectID == "") {
		respondServiceError(w, r, apperrors.NewInvalidParameterError("scope", "exactly one of walletId and projectId is required"))
		return
	}

	owner := req.ProjectID
	if req.WalletID != "" {
		wallet, err := s.services.Wallets.GetByID(r.Context(), req.WalletID)
		if err != nil {
			respondServiceError(w, r, err)
			return
		}
		owner = wallet.ProjectID
	}
	if err := requireOwner(r, owner); err != nil {
		respondServiceError(w, r, err)
		return
	}

	grant, err := s.services.Privacy.CreateGrant(r.Context(), req.BuyerID, req.WalletID, req.ProjectID,
		time.Duration(req.DurationHours)*time.Hour)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, grant)
}

// handleRevokeGrant handles DELETE /api/v1/grants/{id}
func (s *Server) handleRevokeGrant(w http.ResponseWriter, r *http.Request) {
	projectID, err := requireProjectCaller(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	if err := s.services.Privacy.RevokeGrant(r.Context(), mux.Vars(r)["id"], projectID); err != nil {
		respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
