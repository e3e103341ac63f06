package api

import (
	"net/http"

	apperrors "github.com/phone-pay/internal/errors"
	"github.com/phone-pay/internal/models"
)

// handleSendPayment handles POST /api/payments. Exactly one of toAddress and
// toPhone names the recipient.
func (s *Server) handleSendPayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    int64  `json:"userId"`
		ToAddress string `json:"toAddress"`
		ToPhone   string `json:"toPhone"`
		Amount    string `json:"amount"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondInvalidBody(w, err)
		return
	}

	var (
		result *models.PaymentResult
		err    error
	)
	switch {
	case req.ToAddress != "" && req.ToPhone != "":
		err = apperrors.NewInvalidParameterError("toAddress", "give either toAddress or toPhone, not both")
	case req.ToPhone != "":
		result, err = s.payments.SendToPhone(r.Context(), req.UserID, req.ToPhone, req.Amount)
	default:
		result, err = s.payments.Send(r.Context(), req.UserID, req.ToAddress, req.Amount)
	}
	s.metrics.RecordOperation("payment", err)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

// handleVerifyTransaction handles POST /api/transactions/verify
func (s *Server) handleVerifyTransaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TxHash string `json:"txHash"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondInvalidBody(w, err)
		return
	}

	verification, err := s.payments.Verify(r.Context(), req.TxHash)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, verification)
}

// handleEcoFund handles GET /api/contract/ecofund
func (s *Server) handleEcoFund(w http.ResponseWriter, r *http.Request) {
	fund, err := s.payments.EcoFund(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, fund)
}

// handleContractBalance handles GET /api/contract/balance
func (s *Server) handleContractBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.payments.ContractBalance(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, balance)
}
