package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Neuxbane/Docker/internal/domain"
	"github.com/Neuxbane/Docker/internal/proxycfg"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// respondError maps domain error kinds onto HTTP statuses. External tool
// failures carry their full command context; everything else internal is
// reduced to a generic message so filesystem details never leak.
func respondError(w http.ResponseWriter, err error) {
	var saveErr *proxycfg.SaveError
	if errors.As(err, &saveErr) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":  "proxy config save failed",
			"phase":  saveErr.Phase,
			"stderr": saveErr.Stderr,
		})
		return
	}
	var cliErr *domain.CLIError
	if errors.As(err, &cliErr) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":  cliErr.Error(),
			"stdout": cliErr.Stdout,
			"stderr": cliErr.Stderr,
			"cmd":    cliErr.Cmd,
			"args":   cliErr.Args,
		})
		return
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrPolicy):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
