package server

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/mohans/coursenotify/asyncx"
	"github.com/mohans/coursenotify/internal/logging"
	"github.com/mohans/coursenotify/internal/notify"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Error apiError `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		logging.Error().Err(err).Msg("encode response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Debug().Err(err).Msg("write response")
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorBody{Error: apiError{Code: code, Message: message}})
}

// respondErr maps pipeline errors onto HTTP statuses.
func respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, asyncx.ErrUnknownJobKind):
		respondError(w, http.StatusBadRequest, "UNKNOWN_KIND", err.Error())
	case errors.Is(err, notify.ErrInvalidPayload):
		respondError(w, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
	case errors.Is(err, asyncx.ErrJobNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, asyncx.ErrNotDeadLettered):
		respondError(w, http.StatusConflict, "NOT_DEAD_LETTERED", err.Error())
	case errors.Is(err, asyncx.ErrDuplicateJob):
		respondError(w, http.StatusConflict, "DUPLICATE", err.Error())
	case errors.Is(err, asyncx.ErrBrokerUnavailable):
		respondError(w, http.StatusServiceUnavailable, "BROKER_UNAVAILABLE", "job broker unavailable")
	default:
		logging.Error().Err(err).Msg("api request failed")
		respondError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}
