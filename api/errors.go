package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/CanyonCasa/homebrew/account"
	"github.com/CanyonCasa/homebrew/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeMsg replies with a success message plus any action-specific fields.
func writeMsg(w http.ResponseWriter, status int, msg string, fields map[string]any) {
	body := map[string]any{"msg": msg}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeSessionError rejects a request and tells the client to drop its
// session id.
func writeSessionError(w http.ResponseWriter, msg string) {
	hsid := ""
	writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: msg, HSID: &hsid})
}

// writeInternalError logs the cause and hides it from the client.
func (a *API) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	a.logger.ErrorContext(r.Context(), msg,
		slog.String("path", r.URL.Path),
		slog.Any("error", err))
	writeError(w, http.StatusInternalServerError, "storage failure")
}

// mapError turns store and model errors into replies.
func (a *API) mapError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "no such user")
	case errors.Is(err, storage.ErrExists):
		writeError(w, http.StatusConflict, "user already exists")
	case errors.Is(err, account.ErrInvalidTransition), errors.Is(err, account.ErrInvalidPermission):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		a.writeInternalError(w, r, "store operation failed", err)
	}
}
