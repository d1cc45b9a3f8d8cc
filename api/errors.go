package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/warp/disposal-engine/engine"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeNotFound               = "not_found"
	CodeValidation             = "validation"
	CodeInvalidTransition      = "invalid_transition"
	CodeConcurrentModification = "concurrent_modification"
	CodeDuplicateID            = "duplicate_id"
	CodeInternal               = "internal"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps engine errors onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	var te *engine.TransitionError
	switch {
	case engine.IsNotFound(err):
		writeError(w, http.StatusNotFound, CodeNotFound, message, err)
	case errors.As(err, &te):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error: message,
			Code:  CodeInvalidTransition,
			Details: map[string]any{
				"message":       err.Error(),
				"from":          te.From,
				"event":         te.Event,
				"next_statuses": statusStrings(engine.PossibleNextStatuses(te.From)),
			},
		})
	case engine.IsInvalidTransition(err):
		writeError(w, http.StatusConflict, CodeInvalidTransition, message, err)
	case engine.IsRetryable(err):
		writeError(w, http.StatusConflict, CodeConcurrentModification, message, err)
	case errors.Is(err, engine.ErrDuplicateID):
		writeError(w, http.StatusConflict, CodeDuplicateID, message, err)
	case engine.IsClientError(err):
		writeError(w, http.StatusBadRequest, CodeValidation, message, err)
	default:
		h.logger().Error(message, "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, message, err)
	}
}

// decodeBody decodes a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// decodeOptionalBody is decodeBody that accepts an empty body.
func decodeOptionalBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
