package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/mblsha/appforge/internal/queue"
)

// Routes kept for the original dashboard, which expects bare arrays,
// camelCase fields and lower case states.

func (a *API) handleLegacyApps(w http.ResponseWriter, r *http.Request) {
	apps, err := a.catalog.ListApps(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apps)
}

func (a *API) handleLegacyFlavors(w http.ResponseWriter, r *http.Request) {
	flavors, err := a.catalog.ListFlavors(r.Context(), r.PathValue("app"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flavors)
}

func (a *API) handleLegacyBuild(w http.ResponseWriter, r *http.Request) {
	rec, err := a.submitBuild(w, r, legacyFields)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"jobId": rec.ID})
}

func (a *API) handleLegacyJob(w http.ResponseWriter, r *http.Request) {
	status, err := a.manager.Status(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Job not found"})
			return
		}
		a.writeError(w, err)
		return
	}
	// Legacy clients concatenate logs verbatim, so each entry keeps its newline.
	logs := make([]string, len(status.Log))
	for i, line := range status.Log {
		logs[i] = line + "\n"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     status.Job.ID,
		"status": strings.ToLower(string(status.Job.State)),
		"logs":   logs,
	})
}
