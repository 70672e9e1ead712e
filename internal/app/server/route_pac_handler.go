package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"pacgen/internal/config"
	"pacgen/internal/database"
	"pacgen/internal/domain"
	"pacgen/internal/jobs/runtime"
	"pacgen/internal/pac"
	"pacgen/internal/registry"
)

const defaultHistoryLimit = 20

type ScriptReader interface {
	ReadPAC() ([]byte, error)
}

type Handler struct {
	Store     ScriptReader
	Refresher runtime.Refresher
	Country   string

	// HistoryEnabled exposes /history and the last run in /status.
	HistoryEnabled bool

	// AdminToken guards /settings; empty disables it.
	AdminToken string
}

type statusResponse struct {
	Country     string                `json:"country"`
	Schedule    string                `json:"schedule"`
	Generated   bool                  `json:"generated"`
	ScriptBytes int                   `json:"script_bytes,omitempty"`
	SHA256      string                `json:"sha256,omitempty"`
	LastRun     *domain.GenerationRun `json:"last_run,omitempty"`
}

type refreshResponse struct {
	RunID       string `json:"run_id"`
	NotModified bool   `json:"not_modified"`
	Records     int    `json:"records"`
	Entries     int    `json:"entries"`
	Overwrites  int    `json:"overwrites"`
	SHA256      string `json:"sha256"`
}

func (h *Handler) getScript(w http.ResponseWriter, r *http.Request) {
	script, err := h.Store.ReadPAC()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, "script has not been generated yet", http.StatusServiceUnavailable)
			return
		}
		log.Error("read pac script", "error", err)
		writeError(w, "failed to read script", http.StatusInternalServerError)
		return
	}

	etag := `"` + digest(script) + `"`
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match != "" && strings.Contains(match, etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", pac.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(script)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(script)
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Country:  h.Country,
		Schedule: config.GetSchedule(),
	}

	if script, err := h.Store.ReadPAC(); err == nil {
		resp.Generated = true
		resp.ScriptBytes = len(script)
		resp.SHA256 = digest(script)
	}

	if h.HistoryEnabled {
		run, err := database.LatestSuccessfulRun(r.Context(), h.Country)
		if err != nil {
			log.Warn("status: latest run lookup failed", "error", err)
		}
		resp.LastRun = run
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	if !h.HistoryEnabled {
		writeError(w, "generation history is disabled", http.StatusNotFound)
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	runs, err := database.ListRecentRuns(r.Context(), h.Country, limit)
	if err != nil {
		log.Error("list generation runs", "error", err)
		writeError(w, "failed to list generation runs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) postRefresh(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	// The refresh keeps going if the client disconnects.
	outcome, err := runtime.RunPACRefresh(context.WithoutCancel(r.Context()), h.Refresher, "api", force)
	if err != nil {
		var fetchErr *registry.FetchError
		if errors.As(err, &fetchErr) {
			writeError(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, refreshResponse{
		RunID:       outcome.RunID,
		NotModified: outcome.NotModified,
		Records:     outcome.Records,
		Entries:     outcome.Entries,
		Overwrites:  outcome.Overwrites,
		SHA256:      outcome.SHA256,
	})
}

func digest(script []byte) string {
	sum := sha256.Sum256(script)
	return hex.EncodeToString(sum[:])
}
