package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mblsha/appforge/internal/job"
	"github.com/mblsha/appforge/internal/queue"
)

func (a *API) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": a.manager.List()})
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	status, err := a.manager.Status(r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleGetLog serves the console as text, or as a JSON chunk when an
// offset is given so pollers can follow a live job.
func (a *API) handleGetLog(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	q := r.URL.Query()

	if rawOffset := strings.TrimSpace(q.Get("offset")); rawOffset != "" {
		offset, err := strconv.Atoi(rawOffset)
		if err != nil || offset < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid offset query value", "code": "InvalidRequest"})
			return
		}
		lines, next, err := a.manager.LogSince(jobID, offset)
		if err != nil {
			a.writeError(w, err)
			return
		}
		rec, _ := a.manager.Get(jobID)
		writeJSON(w, http.StatusOK, map[string]any{
			"lines": lines,
			"next":  next,
			"done":  rec != nil && rec.Terminal(),
		})
		return
	}

	var (
		raw []byte
		err error
	)
	if rawLines := strings.TrimSpace(q.Get("lines")); rawLines != "" {
		n, convErr := strconv.Atoi(rawLines)
		if convErr != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid lines query value", "code": "InvalidRequest"})
			return
		}
		raw, err = a.manager.ReadConsoleTail(jobID, n)
	} else {
		raw, err = a.manager.ReadConsoleLog(jobID)
	}
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (a *API) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if err := a.manager.Cancel(jobID); err != nil {
		a.writeError(w, err)
		return
	}
	rec, _ := a.manager.Get(jobID)
	writeJSON(w, http.StatusAccepted, rec)
}

func (a *API) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	h, err := a.manager.Artifact(r.Context(), jobID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	defer h.Close()

	contentType := "application/octet-stream"
	if strings.HasSuffix(h.Info.Name, ".apk") {
		contentType = "application/vnd.android.package-archive"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", h.Info.Name))
	w.Header().Set("ETag", strconv.Quote(h.Info.SHA256))
	http.ServeContent(w, r, h.Info.Name, h.Info.StoredAt, h)
}

func (a *API) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	res, err := a.manager.Analyze(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	since := int64(0)
	rawSince := strings.TrimSpace(r.URL.Query().Get("since"))
	if rawSince == "" {
		rawSince = strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	}
	if rawSince != "" {
		n, err := strconv.ParseInt(rawSince, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid since query value", "code": "InvalidRequest"})
			return
		}
		since = n
	}

	backlog, ch, cancel, ok := a.manager.Subscribe(jobID, since)
	if !ok {
		a.writeError(w, queue.ErrNotFound)
		return
	}
	defer cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for _, ev := range backlog {
		if err := writeSSEEvent(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()
	if ch == nil {
		return
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			_, _ = w.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, ev job.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, raw)
	return err
}
