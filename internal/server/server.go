package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mblsha/appforge/internal/analyzer"
	"github.com/mblsha/appforge/internal/artifact"
	"github.com/mblsha/appforge/internal/catalog"
	"github.com/mblsha/appforge/internal/config"
	"github.com/mblsha/appforge/internal/job"
	"github.com/mblsha/appforge/internal/logging"
	"github.com/mblsha/appforge/internal/queue"
)

type API struct {
	cfg     config.Config
	manager *queue.Manager
	catalog *catalog.Resolver
	logger  *slog.Logger
	mux     *http.ServeMux
}

func New(cfg config.Config, manager *queue.Manager, cat *catalog.Resolver, logger *slog.Logger) *API {
	a := &API{
		cfg:     cfg,
		manager: manager,
		catalog: cat,
		logger:  logging.Ensure(logger).With("component", "http"),
		mux:     http.NewServeMux(),
	}
	a.routes()
	return a
}

func (a *API) Handler() http.Handler {
	return a.logRequests(a.mux)
}

func (a *API) routes() {
	a.mux.HandleFunc("GET /healthz", a.handleHealthz)

	a.handle("GET /v1/apps", a.handleListApps)
	a.handle("GET /v1/apps/{app}/flavors", a.handleListFlavors)
	a.handle("GET /v1/apps/{app}/flavors/{flavor}/config", a.handleGetConfig)
	a.handle("PUT /v1/apps/{app}/flavors/{flavor}/config", a.handlePutConfig)
	a.handle("GET /v1/templates", a.handleListTemplates)
	a.handle("POST /v1/templates", a.handleCreateTemplate)
	a.handle("GET /v1/templates/{name}", a.handleGetTemplate)
	a.handle("DELETE /v1/templates/{name}", a.handleDeleteTemplate)

	a.handle("POST /v1/builds", a.handleSubmitBuild)
	a.handle("GET /v1/jobs", a.handleListJobs)
	a.handle("GET /v1/jobs/{id}", a.handleGetJob)
	a.handle("GET /v1/jobs/{id}/log", a.handleGetLog)
	a.handle("GET /v1/jobs/{id}/events", a.handleGetEvents)
	a.handle("POST /v1/jobs/{id}/cancel", a.handleCancelJob)
	a.handle("GET /v1/jobs/{id}/artifact", a.handleGetArtifact)
	a.handle("GET /v1/jobs/{id}/analysis", a.handleGetAnalysis)

	a.handle("GET /build/apps", a.handleLegacyApps)
	a.handle("GET /build/flavors/{app}", a.handleLegacyFlavors)
	a.handle("POST /build/build", a.handleLegacyBuild)
	a.handle("GET /build/job/{id}", a.handleLegacyJob)
	a.handle("GET /build/download/{id}", a.handleGetArtifact)
}

func (a *API) handle(pattern string, h http.HandlerFunc) {
	a.mux.Handle(pattern, a.guard(h))
}

func (a *API) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.checkAllowlist(r); err != nil {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
			return
		}
		if err := a.checkToken(r); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) checkToken(r *http.Request) error {
	if strings.TrimSpace(a.cfg.Token) == "" {
		return nil
	}
	if strings.TrimSpace(r.Header.Get(a.cfg.AuthHeader)) != a.cfg.Token {
		return errors.New("invalid token")
	}
	return nil
}

func (a *API) checkAllowlist(r *http.Request) error {
	if !a.cfg.AllowlistEnabled() {
		return nil
	}
	ip, err := remoteIP(r.RemoteAddr)
	if err != nil {
		return err
	}
	for _, allow := range a.cfg.Allowlist {
		if allowEntryMatches(allow, ip) {
			return nil
		}
	}
	return fmt.Errorf("remote ip %s is not allowed", ip.String())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

func (a *API) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errorCode names the error class in API responses.
func errorCode(err error) (int, string) {
	switch {
	case errors.Is(err, job.ErrInvalidRequest), errors.Is(err, catalog.ErrInvalid):
		return http.StatusBadRequest, "InvalidRequest"
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, catalog.ErrNotFound), errors.Is(err, artifact.ErrNotFound):
		return http.StatusNotFound, "NotFound"
	case errors.Is(err, queue.ErrNotReady):
		return http.StatusConflict, "NotReady"
	case errors.Is(err, queue.ErrAlreadyFinished):
		return http.StatusConflict, "AlreadyFinished"
	case errors.Is(err, catalog.ErrTemplateExists):
		return http.StatusConflict, "TemplateExists"
	case errors.Is(err, analyzer.ErrNotAnArchive):
		return http.StatusUnprocessableEntity, "NotAnArchive"
	case errors.Is(err, analyzer.ErrTruncated):
		return http.StatusUnprocessableEntity, "Truncated"
	case errors.Is(err, errUploadTooLarge):
		return http.StatusRequestEntityTooLarge, "TooLarge"
	case errors.Is(err, queue.ErrQueueFull):
		return http.StatusServiceUnavailable, "QueueFull"
	default:
		return http.StatusInternalServerError, "Internal"
	}
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	status, code := errorCode(err)
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func remoteIP(remoteAddr string) (net.IP, error) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("parse remote addr: %w", err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("invalid remote ip: %s", host)
	}
	return ip, nil
}

func allowEntryMatches(entry string, ip net.IP) bool {
	if strings.Contains(entry, "/") {
		_, cidr, err := net.ParseCIDR(entry)
		if err != nil {
			return false
		}
		return cidr.Contains(ip)
	}
	allowed := net.ParseIP(entry)
	if allowed == nil {
		return false
	}
	return allowed.Equal(ip)
}
