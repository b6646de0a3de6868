package app

import (
	"encoding/json"
	"errors"
	"net/http"

	"gryns/tower-server/internal/resolve"
	"gryns/tower-server/internal/scan"
	"gryns/tower-server/internal/store"
	"gryns/tower-server/internal/tower"
)

type errorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Hint      string `json:"hint,omitempty"`
	Supported *bool  `json:"supported,omitempty"`
}

func (a *App) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}

// writeError maps domain errors onto HTTP statuses.
func (a *App) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError && status != http.StatusNotImplemented {
		a.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		a.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	a.writeJSON(w, status, body)
}

func errorResponse(err error) (int, errorBody) {
	body := errorBody{Error: err.Error()}
	switch {
	case errors.Is(err, scan.ErrNotSupported):
		unsupported := false
		body.Kind, body.Supported = string(scan.NotSupported), &unsupported
		return http.StatusNotImplemented, body
	case errors.Is(err, scan.ErrPermissionDenied):
		body.Kind = string(scan.PermissionDenied)
		body.Hint = "allow access to the scanner and try again"
		return http.StatusForbidden, body
	case errors.Is(err, scan.ErrDeviceError):
		body.Kind = string(scan.DeviceError)
		body.Hint = "try formatting the tag"
		return http.StatusBadGateway, body
	case errors.Is(err, scan.ErrSessionBusy):
		return http.StatusConflict, body
	case errors.Is(err, scan.ErrManagerClosed):
		return http.StatusServiceUnavailable, body
	case errors.Is(err, resolve.ErrDuplicateIdentifier):
		body.Kind = "duplicate_identifier"
		return http.StatusConflict, body
	case errors.Is(err, resolve.ErrEmptyIdentifier), errors.Is(err, tower.ErrUnknownPlant):
		return http.StatusBadRequest, body
	case errors.Is(err, resolve.ErrNotFound),
		errors.Is(err, store.ErrPodNotFound),
		errors.Is(err, store.ErrTowerNotFound):
		return http.StatusNotFound, body
	case errors.Is(err, store.ErrSlotOccupied), errors.Is(err, tower.ErrTerminalStage):
		return http.StatusConflict, body
	case errors.Is(err, store.ErrInvalidSlot), errors.Is(err, store.ErrInvalidSlotCount):
		return http.StatusBadRequest, body
	}
	return http.StatusInternalServerError, errorBody{Error: "internal error"}
}

func methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}
