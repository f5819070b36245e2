package server

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/unifytwin/plugin-manager/internal/errors"
)

// Envelope is the uniform response body. The status field is authoritative;
// HTTP status codes are advisory.
type Envelope struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) ok(w http.ResponseWriter, message string, data any) {
	writeJSON(w, http.StatusOK, Envelope{Status: "success", Message: message, Data: data})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	writeJSON(w, apperrors.HTTPStatus(err), Envelope{
		Status:  "failed",
		Message: err.Error(),
		Error:   string(apperrors.KindOf(err)),
	})
}

func writeJSON(w http.ResponseWriter, code int, body Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func decode(r *http.Request, out any) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return apperrors.E(apperrors.KindBadRequest, "malformed request body", err)
	}
	return nil
}
