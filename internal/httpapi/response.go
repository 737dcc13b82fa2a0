package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/paulgrammer/taskmaster/internal/jobs"
)

// respondWithJSON writes the given payload as JSON with the provided status code.
// If encoding fails, it falls back to http.Error.
func respondWithJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}

// respondWithError writes a standardized JSON error payload.
func respondWithError(w http.ResponseWriter, status int, message string) {
	respondWithJSON(w, status, map[string]string{"error": message})
}

// respondWithJobError maps orchestrator errors to status codes.
func respondWithJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		respondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, jobs.ErrInvalidState):
		respondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, jobs.ErrInvalidRequest):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, jobs.ErrNotRunning):
		respondWithError(w, http.StatusServiceUnavailable, err.Error())
	default:
		respondWithError(w, http.StatusInternalServerError, err.Error())
	}
}
