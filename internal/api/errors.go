package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	apperrors "github.com/phone-pay/internal/errors"
	"github.com/phone-pay/internal/logging"
	"github.com/phone-pay/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	json.NewEncoder(w).Encode(response)
}

// respondServiceError maps a categorized error onto its HTTP status.
// Internal errors are logged and never leak their cause.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	catErr := apperrors.Categorize(err)
	status := catErr.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}

	log := logging.FromContext(r.Context()).WithFields(map[string]interface{}{
		"code":   catErr.Code,
		"status": status,
	}).WithError(err)
	if status >= http.StatusInternalServerError {
		log.Error("Request failed")
	} else {
		log.Debug("Request rejected")
	}

	if catErr.Code == apperrors.CodeInternalError {
		respondError(w, status, catErr.Code, "An internal error occurred", nil)
		return
	}
	if catErr.Code == apperrors.CodeRateLimitExceeded {
		if retryAfter, ok := catErr.Details["retryAfter"].(int); ok {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		}
	}
	svcErr := catErr.ToServiceError()
	respondError(w, status, svcErr.Code, svcErr.Message, svcErr.Details)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// respondInvalidBody reports a request body that is not the expected JSON
func respondInvalidBody(w http.ResponseWriter, err error) {
	respondError(w, http.StatusBadRequest, apperrors.CodeInvalidParameter, "Invalid request body", map[string]interface{}{
		"reason": err.Error(),
	})
}

// pathID parses a positive integer path or body identifier
func pathID(raw, name string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.NewInvalidParameterError(name, "must be a positive integer")
	}
	return id, nil
}
