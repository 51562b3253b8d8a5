package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/sitevault/sitevault-be/internal/models"
	"github.com/sitevault/sitevault-be/internal/services"
)

// BackupHandler handles HTTP requests related to backup jobs and artifacts.
type BackupHandler struct {
	backups services.BackupServiceProvider
	state   services.StateServiceProvider
	events  services.EventServiceProvider
}

// NewBackupHandler creates a new BackupHandler.
func NewBackupHandler(backups services.BackupServiceProvider, state services.StateServiceProvider, events services.EventServiceProvider) *BackupHandler {
	return &BackupHandler{backups: backups, state: state, events: events}
}

// StatusResponse is the JSON body of the status endpoint.
type StatusResponse struct {
	Running    bool                 `json:"running"`
	StartedAt  *string              `json:"startedAt,omitempty"`
	LastResult *models.BackupResult `json:"lastResult,omitempty"`
	Artifacts  []models.Artifact    `json:"artifacts"`
}

// Start handles the request to begin a new backup job. The job itself runs on
// the scheduler's next tick; this endpoint only registers the trigger.
func (h *BackupHandler) Start(w http.ResponseWriter, r *http.Request) {
	running, err := h.state.IsRunning()
	if err != nil {
		log.Error().Err(err).Msg("Failed to read backup state")
		http.Error(w, "Failed to read backup state", http.StatusInternalServerError)
		return
	}
	if running {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "backup already running"})
		return
	}

	if err := h.state.RequestRun(); err != nil {
		log.Error().Err(err).Msg("Failed to schedule backup")
		http.Error(w, "Failed to schedule backup", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"message": "Backup scheduled."})
}

// Cancel handles the request to cancel a backup. It always succeeds: the
// pending trigger and the running flag are cleared regardless of prior state.
// A job already mid-run is not forcibly terminated.
func (h *BackupHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.state.Cancel(); err != nil {
		log.Error().Err(err).Msg("Failed to cancel backup")
		http.Error(w, "Failed to cancel backup", http.StatusInternalServerError)
		return
	}
	h.events.CreateEvent("backup.cancel", "warn", "Backup cancelled by user.")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Backup cancelled."})
}

// Status reports whether a job is running, the last result, and the artifact list.
func (h *BackupHandler) Status(w http.ResponseWriter, r *http.Request) {
	state, err := h.state.State()
	if err != nil {
		log.Error().Err(err).Msg("Failed to read backup state")
		http.Error(w, "Failed to read backup state", http.StatusInternalServerError)
		return
	}

	lastResult, err := h.state.LastResult()
	if err != nil {
		log.Error().Err(err).Msg("Failed to read last backup result")
		http.Error(w, "Failed to read last backup result", http.StatusInternalServerError)
		return
	}

	artifacts, err := h.backups.ListArtifacts()
	if err != nil {
		log.Error().Err(err).Msg("Failed to list backup artifacts")
		http.Error(w, "Failed to list backup artifacts", http.StatusInternalServerError)
		return
	}

	resp := StatusResponse{
		Running:    state.Running,
		LastResult: lastResult,
		Artifacts:  artifacts,
	}
	if state.StartedAt != nil {
		startedAt := state.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &startedAt
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ListArtifacts returns the finished archives, newest first.
func (h *BackupHandler) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := h.backups.ListArtifacts()
	if err != nil {
		log.Error().Err(err).Msg("Failed to list backup artifacts")
		http.Error(w, "Failed to list backup artifacts", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(artifacts)
}

// DownloadArtifact streams one archive as an attachment.
func (h *BackupHandler) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	filename := artifactParam(r)
	path, err := h.backups.ArtifactPath(filename)
	if err != nil {
		writeArtifactError(w, filename, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	http.ServeFile(w, r, path)
}

// DeleteArtifact removes one archive by name.
func (h *BackupHandler) DeleteArtifact(w http.ResponseWriter, r *http.Request) {
	filename := artifactParam(r)
	if err := h.backups.DeleteArtifact(filename); err != nil {
		writeArtifactError(w, filename, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func artifactParam(r *http.Request) string {
	filename := chi.URLParam(r, "filename")
	// Route values arrive percent-encoded; a crafted %2e%2e must not survive.
	if decoded, err := url.PathUnescape(filename); err == nil {
		filename = decoded
	}
	return filename
}

func writeArtifactError(w http.ResponseWriter, filename string, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidArtifactPath):
		log.Warn().Str("filename", filename).Msg("Rejected artifact path outside backup directory")
		http.Error(w, "Invalid artifact name", http.StatusBadRequest)
	case errors.Is(err, services.ErrArtifactNotFound):
		http.Error(w, "Artifact not found", http.StatusNotFound)
	default:
		log.Error().Err(err).Str("filename", filename).Msg("Artifact operation failed")
		http.Error(w, "Artifact operation failed", http.StatusInternalServerError)
	}
}
