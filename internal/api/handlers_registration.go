package api

import (
	"net/http"

	apperrors "github.com/phone-pay/internal/errors"
)

type registrationRequest struct {
	PhoneNumber   string `json:"phoneNumber"`
	WalletAddress string `json:"walletAddress"`
}

// handleRegister handles POST /api/registrations
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registrationRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondInvalidBody(w, err)
		return
	}

	result, err := s.registrations.Register(r.Context(), req.PhoneNumber, req.WalletAddress)
	s.metrics.RecordOperation("register", err)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

// handleRepair handles POST /api/registrations/repair
func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request) {
	var req registrationRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondInvalidBody(w, err)
		return
	}

	result, err := s.registrations.Repair(r.Context(), req.PhoneNumber, req.WalletAddress)
	s.metrics.RecordOperation("repair", err)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleConnectWallet handles POST /api/users/connect
func (s *Server) handleConnectWallet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WalletAddress string `json:"walletAddress"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondInvalidBody(w, err)
		return
	}

	user, err := s.registrations.ConnectWallet(r.Context(), req.WalletAddress)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

// handleGetProfile handles GET /api/users/profile?walletAddress=|phoneNumber=
func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	wallet := r.URL.Query().Get("walletAddress")
	phone := r.URL.Query().Get("phoneNumber")

	switch {
	case wallet != "" && phone != "":
		respondServiceError(w, r, apperrors.NewInvalidParameterError("walletAddress", "give either walletAddress or phoneNumber, not both"))
	case wallet != "":
		profile, err := s.registrations.GetProfileByWallet(r.Context(), wallet)
		if err != nil {
			respondServiceError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, profile)
	case phone != "":
		profile, err := s.registrations.GetProfileByPhone(r.Context(), phone)
		if err != nil {
			respondServiceError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, profile)
	default:
		respondServiceError(w, r, apperrors.NewInvalidParameterError("walletAddress", "walletAddress or phoneNumber is required"))
	}
}

// handleLookupPhone handles GET /api/phones/lookup?phoneNumber=
func (s *Server) handleLookupPhone(w http.ResponseWriter, r *http.Request) {
	phone := r.URL.Query().Get("phoneNumber")
	if phone == "" {
		respondServiceError(w, r, apperrors.NewInvalidParameterError("phoneNumber", "is required"))
		return
	}

	lookup, err := s.registrations.LookupWallet(r.Context(), phone)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, lookup)
}
