package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"career-agent/internal/usecase"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := usecase.ErrorInternal
	var usecaseErr *usecase.Error
	if errors.As(err, &usecaseErr) {
		code = usecaseErr.Code
	} else {
		s.logger.Error("unexpected handler error", "path", r.URL.Path, "err", err)
	}
	writeJSON(w, StatusFor(code), errorResponse{Error: string(code)})
}

// StatusFor maps a usecase error code to its HTTP status.
func StatusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput, usecase.ErrorSpeechUnintelligible:
		return http.StatusBadRequest
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
