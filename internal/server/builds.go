package server

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/mblsha/appforge/internal/catalog"
	"github.com/mblsha/appforge/internal/credentials"
	"github.com/mblsha/appforge/internal/job"
	"github.com/mblsha/appforge/internal/manifest"
)

const maxKeystoreBytes = 1 << 20

var errUploadTooLarge = errors.New("upload too large")

// buildFields names the multipart fields of a build submission.
type buildFields struct {
	outputType    string
	buildMode     string
	keystore      string
	storePassword string
	keyAlias      string
	keyPassword   string
}

var (
	v1Fields = buildFields{
		outputType:    "output_type",
		buildMode:     "build_mode",
		keystore:      "keystore",
		storePassword: "keystore_password",
		keyAlias:      "key_alias",
		keyPassword:   "key_password",
	}
	legacyFields = buildFields{
		outputType:    "outputType",
		buildMode:     "buildMode",
		keystore:      "jks",
		storePassword: "keystorePassword",
		keyAlias:      "keyAlias",
		keyPassword:   "keyPassword",
	}
)

func (a *API) handleSubmitBuild(w http.ResponseWriter, r *http.Request) {
	rec, err := a.submitBuild(w, r, v1Fields)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": rec.ID,
		"state":  string(rec.State),
	})
}

func (a *API) submitBuild(w http.ResponseWriter, r *http.Request, fields buildFields) (*job.Record, error) {
	r.Body = http.MaxBytesReader(w, r.Body, a.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("%w: limit is %d bytes", errUploadTooLarge, tooLarge.Limit)
		}
		return nil, fmt.Errorf("%w: %v", job.ErrInvalidRequest, err)
	}
	// Spooled keystore uploads must not outlive the request.
	defer r.MultipartForm.RemoveAll()

	req, err := a.parseBuildRequest(r, fields)
	if err != nil {
		req.Signing.Wipe()
		return nil, err
	}
	return a.manager.Submit(r.Context(), req)
}

func (a *API) parseBuildRequest(r *http.Request, fields buildFields) (job.Request, error) {
	form := r.MultipartForm
	req := job.Request{
		App:        formValue(form, "app"),
		Flavor:     formValue(form, "flavor"),
		OutputType: job.OutputType(formValue(form, fields.outputType)),
		BuildMode:  job.BuildMode(formValue(form, fields.buildMode)),
		Edits: manifest.Edits{
			Permissions: formList(form, "permissions"),
			Features:    formList(form, "features"),
		},
	}

	if raw := formValue(form, "config"); raw != "" {
		cfg, err := catalog.ConfigMap([]byte(raw))
		if err != nil {
			return req, fmt.Errorf("%w: config: %v", job.ErrInvalidRequest, err)
		}
		req.Config = cfg
	} else if req.App != "" && req.Flavor != "" && a.catalog != nil {
		cfg, err := a.catalog.ResolveConfig(r.Context(), req.App, req.Flavor)
		switch {
		case err == nil:
			req.Config = cfg
		case !errors.Is(err, catalog.ErrNotFound):
			return req, err
		}
	}

	signing, err := readSigning(form, fields)
	if err != nil {
		return req, err
	}
	req.Signing = signing
	return req, nil
}

// readSigning returns nil when no signing field was sent at all. A keystore
// part that is present but empty yields a non-nil empty slice.
func readSigning(form *multipart.Form, fields buildFields) (*credentials.Material, error) {
	m := &credentials.Material{
		StorePassword: formValue(form, fields.storePassword),
		KeyAlias:      formValue(form, fields.keyAlias),
		KeyPassword:   formValue(form, fields.keyPassword),
	}
	if files := form.File[fields.keystore]; len(files) > 0 {
		raw, err := readPart(files[0])
		if err != nil {
			return nil, err
		}
		m.Keystore = raw
	}
	if m.Empty() && m.Keystore == nil {
		return nil, nil
	}
	return m, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	if fh.Size > maxKeystoreBytes {
		return nil, fmt.Errorf("%w: keystore exceeds %d bytes", job.ErrInvalidRequest, maxKeystoreBytes)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open keystore: %v", job.ErrInvalidRequest, err)
	}
	defer f.Close()
	raw, err := io.ReadAll(io.LimitReader(f, maxKeystoreBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read keystore: %v", job.ErrInvalidRequest, err)
	}
	return raw, nil
}

func formValue(form *multipart.Form, key string) string {
	if vs := form.Value[key]; len(vs) > 0 {
		return strings.TrimSpace(vs[0])
	}
	return ""
}

// formList accepts both repeated fields and comma separated values.
func formList(form *multipart.Form, key string) []string {
	var out []string
	for _, v := range form.Value[key] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
