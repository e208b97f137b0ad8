package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/mblsha/appforge/internal/catalog"
)

const maxCatalogBody = 1 << 20

func (a *API) handleListApps(w http.ResponseWriter, r *http.Request) {
	apps, err := a.catalog.ListApps(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"apps": apps})
}

func (a *API) handleListFlavors(w http.ResponseWriter, r *http.Request) {
	flavors, err := a.catalog.ListFlavors(r.Context(), r.PathValue("app"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"flavors": flavors})
}

func (a *API) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	rec, err := a.catalog.GetConfig(r.Context(), r.PathValue("app"), r.PathValue("flavor"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	rec, err := a.catalog.PutConfig(r.Context(), catalog.ConfigRecord{
		App:    r.PathValue("app"),
		Flavor: r.PathValue("flavor"),
		Config: raw,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	list, err := a.catalog.ListTemplates(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": list})
}

func (a *API) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	var in catalog.TemplateRecord
	if err := json.Unmarshal(raw, &in); err != nil {
		a.writeError(w, fmt.Errorf("%w: %v", catalog.ErrInvalid, err))
		return
	}
	rec, err := a.catalog.CreateTemplate(r.Context(), catalog.TemplateRecord{Name: in.Name, Config: in.Config})
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	rec, err := a.catalog.GetTemplate(r.Context(), r.PathValue("name"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := a.catalog.DeleteTemplate(r.Context(), r.PathValue("name")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCatalogBody))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", catalog.ErrInvalid, err)
	}
	return raw, nil
}
