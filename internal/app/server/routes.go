package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
)

const shutdownTimeout = 10 * time.Second

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, If-None-Match, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func NewRouter(h *Handler) http.Handler {
	router := http.NewServeMux()
	router.HandleFunc("GET /proxy.pac", h.getScript)
	router.HandleFunc("GET /status", h.getStatus)
	router.HandleFunc("GET /history", h.getHistory)
	router.HandleFunc("POST /refresh", h.postRefresh)
	router.HandleFunc("GET /version", getVersion)

	router.HandleFunc("GET /settings", h.requireAdmin(getSettings))
	router.HandleFunc("PUT /settings", h.requireAdmin(saveSettings))

	log.Debug("Routes opened")
	return enableCORS(router)
}

// OpenRoutes serves the router on port until ctx is done.
func OpenRoutes(ctx context.Context, port int, h *Handler) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           NewRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("server shutdown", "error", err)
		}
	}()

	log.Infof("Starting pacgen server on port :%d", port)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("pac server failed: %w", err)
	}
	return nil
}
