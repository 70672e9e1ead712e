package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"

	"pacgen/internal/config"
)

const maxSettingsBytes = 64 << 10

// requireAdmin admits requests carrying the configured bearer token. Without a
// token the settings API is closed.
func (h *Handler) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.AdminToken == "" {
			writeError(w, "settings API is disabled", http.StatusForbidden)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.AdminToken)) != 1 {
			writeError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, config.GetConfig())
}

// saveSettings merges the body into the running configuration and persists it.
// A schedule change takes effect immediately; other sections apply on restart.
func saveSettings(w http.ResponseWriter, r *http.Request) {
	newConfig := config.GetConfig()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSettingsBytes)).Decode(&newConfig); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := config.Validate(newConfig); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := config.SetConfig(newConfig); err != nil {
		writeError(w, "Failed to save settings", http.StatusInternalServerError)
		return
	}

	log.Info("Settings updated", "schedule", config.GetSchedule())
	writeJSON(w, http.StatusOK, map[string]string{"message": "Configuration updated successfully"})
}
