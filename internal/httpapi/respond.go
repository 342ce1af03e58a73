package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"smsqd/internal/campaign"
	"smsqd/internal/queue"
	"smsqd/internal/store"
	"smsqd/internal/webhook"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// serviceError maps domain errors onto HTTP statuses. Unknown errors are
// reported as 500 with a generic message so internals never leak.
func serviceError(w http.ResponseWriter, err error) {
	var te *campaign.TransitionError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.As(err, &te):
		writeError(w, http.StatusConflict, te.Error())
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "concurrent modification, retry")
	case errors.Is(err, queue.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrEmptyList):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, queue.ErrSenderNotOwned),
		errors.Is(err, queue.ErrBlacklisted),
		errors.Is(err, queue.ErrBodyBlacklisted):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, store.ErrQuotaExceeded):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, webhook.ErrBadSignature):
		writeError(w, http.StatusBadRequest, "signature verification failed")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return false
	}
	return true
}
