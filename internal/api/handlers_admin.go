package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sydlexius/shopmon/internal/backup"
)

func (r *Router) handleMaintenanceStatus(w http.ResponseWriter, req *http.Request) {
	if r.maintenance == nil {
		writeError(w, http.StatusServiceUnavailable, "maintenance service not available")
		return
	}
	status, err := r.maintenance.Status(req.Context())
	if err != nil {
		r.logger.Error("getting maintenance status", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (r *Router) handleMaintenanceRun(w http.ResponseWriter, req *http.Request) {
	if r.maintenance == nil {
		writeError(w, http.StatusServiceUnavailable, "maintenance service not available")
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), 60*time.Second)
	defer cancel()

	rep, err := r.maintenance.Run(ctx)
	if err != nil {
		r.logger.Error("maintenance run failed", "error", err)
		writeError(w, http.StatusInternalServerError, "maintenance failed")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (r *Router) handleBackupCreate(w http.ResponseWriter, req *http.Request) {
	info, err := r.backups.Backup(req.Context())
	if err != nil {
		r.logger.Error("backup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "backup failed")
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (r *Router) handleBackupList(w http.ResponseWriter, req *http.Request) {
	backups, err := r.backups.List()
	if err != nil {
		r.logger.Error("listing backups failed", "error", err)
		writeError(w, http.StatusInternalServerError, "listing backups failed")
		return
	}
	if backups == nil {
		backups = []backup.Info{}
	}
	writeJSON(w, http.StatusOK, backups)
}

func (r *Router) handleBackupDelete(w http.ResponseWriter, req *http.Request) {
	filename := req.PathValue("filename")
	err := r.backups.Delete(filename)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, backup.ErrInvalidName):
		writeError(w, http.StatusBadRequest, "invalid filename")
	case errors.Is(err, os.ErrNotExist):
		writeError(w, http.StatusNotFound, "backup not found")
	default:
		r.logger.Error("deleting backup", "filename", filename, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete backup")
	}
}

func (r *Router) handleBackupDownload(w http.ResponseWriter, req *http.Request) {
	filename := req.PathValue("filename")
	if !backup.IsValidFilename(filename) {
		writeError(w, http.StatusBadRequest, "invalid filename")
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeFile(w, req, filepath.Join(r.backups.Dir(), filename))
}
