package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/phone-pay/internal/models"
	"github.com/phone-pay/internal/service"
)

const maxPointsHistory = 200

// handleCreateReferral handles POST /api/referrals
func (s *Server) handleCreateReferral(w http.ResponseWriter, r *http.Request) {
	var req service.CreateReferralInput
	if err := parseJSONBody(r, &req); err != nil {
		respondInvalidBody(w, err)
		return
	}

	referral, err := s.referrals.Create(r.Context(), req)
	s.metrics.RecordOperation("create_referral", err)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, referral)
}

// handleListAvailable handles GET /api/referrals/available?category=&search=
func (s *Server) handleListAvailable(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	referrals, err := s.referrals.ListAvailable(r.Context(), query.Get("category"), query.Get("search"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if referrals == nil {
		referrals = []models.AvailableReferral{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"referrals": referrals,
		"count":     len(referrals),
	})
}

// handleListOwnerReferrals handles GET /api/users/{id}/referrals
func (s *Server) handleListOwnerReferrals(w http.ResponseWriter, r *http.Request) {
	ownerID, err := pathID(mux.Vars(r)["id"], "id")
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	referrals, err := s.referrals.ListByOwner(r.Context(), ownerID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if referrals == nil {
		referrals = []models.Referral{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"referrals": referrals,
		"count":     len(referrals),
	})
}

// handleClaimReferral handles POST /api/referrals/{id}/claims.
// Without an attemptId in the body the Idempotency-Key header is used.
func (s *Server) handleClaimReferral(w http.ResponseWriter, r *http.Request) {
	referralID, err := pathID(mux.Vars(r)["id"], "id")
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	var req struct {
		UserID    int64  `json:"userId"`
		AttemptID string `json:"attemptId"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondInvalidBody(w, err)
		return
	}
	if req.AttemptID == "" {
		req.AttemptID = r.Header.Get(IdempotencyKeyHeader)
	}

	result, err := s.referrals.ClaimUsage(r.Context(), referralID, req.UserID, req.AttemptID)
	s.metrics.RecordOperation("claim_referral", err)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	respondJSON(w, status, result)
}

// handleDeactivateReferral handles POST /api/referrals/{id}/deactivate
func (s *Server) handleDeactivateReferral(w http.ResponseWriter, r *http.Request) {
	referralID, err := pathID(mux.Vars(r)["id"], "id")
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	var req struct {
		OwnerID int64 `json:"ownerId"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondInvalidBody(w, err)
		return
	}

	referral, err := s.referrals.Deactivate(r.Context(), req.OwnerID, referralID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, referral)
}

// handleGetPoints handles GET /api/users/{id}/points?limit=
func (s *Server) handleGetPoints(w http.ResponseWriter, r *http.Request) {
	ownerID, err := pathID(mux.Vars(r)["id"], "id")
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	// invalid or excessive limits fall back to the store default or the cap
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxPointsHistory {
		limit = maxPointsHistory
	}

	pending, err := s.referrals.PendingPoints(r.Context(), ownerID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	history, err := s.referrals.PointsHistory(r.Context(), ownerID, limit)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if history == nil {
		history = []models.PointsEntry{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"pending": pending,
		"history": history,
	})
}

// handleClaimRewards handles POST /api/users/{id}/rewards/claim
func (s *Server) handleClaimRewards(w http.ResponseWriter, r *http.Request) {
	ownerID, err := pathID(mux.Vars(r)["id"], "id")
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	claim, err := s.referrals.ClaimRewardsOnChain(r.Context(), ownerID)
	s.metrics.RecordOperation("claim_rewards", err)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, claim)
}

// handleOnChainRewards handles GET /api/users/{id}/rewards/onchain
func (s *Server) handleOnChainRewards(w http.ResponseWriter, r *http.Request) {
	ownerID, err := pathID(mux.Vars(r)["id"], "id")
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	rewards, err := s.referrals.OnChainRewards(r.Context(), ownerID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rewards)
}

// handleReferralOnChain handles GET /api/referrals/{id}/onchain
func (s *Server) handleReferralOnChain(w http.ResponseWriter, r *http.Request) {
	referralID, err := pathID(mux.Vars(r)["id"], "id")
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	details, err := s.referrals.OnChainDetails(r.Context(), referralID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, details)
}
