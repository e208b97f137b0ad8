package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/mblsha/appforge/internal/analyzer"
	"github.com/mblsha/appforge/internal/catalog"
	"github.com/mblsha/appforge/internal/job"
)

const defaultAuthHeader = "X-Build-Token"

type HTTPClient struct {
	BaseURL    string
	Token      string
	AuthHeader string
	Client     *http.Client
}

// APIError is a non-2xx response. Code carries the server's error class
// (NotReady, NotFound, ...) when the body had one.
type APIError struct {
	Op      string
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s failed: status=%d body=%s", e.Op, e.Status, e.Message)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// BuildRequest is a build submission. Signing fields are only sent for
// release builds.
type BuildRequest struct {
	App        string
	Flavor     string
	OutputType string
	BuildMode  string

	// Config, when non-nil, is sent verbatim and overrides the stored
	// catalog config for the app and flavor.
	Config      map[string]any
	Permissions []string
	Features    []string

	Keystore         []byte
	KeystorePassword string
	KeyAlias         string
	KeyPassword      string
}

// JobStatus mirrors GET /v1/jobs/{id}.
type JobStatus struct {
	Job job.Record `json:"job"`
	Log []string   `json:"log"`
}

// LogChunk is one page of console lines starting at a line offset.
type LogChunk struct {
	Lines []string `json:"lines"`
	Next  int      `json:"next"`
	Done  bool     `json:"done"`
}

func (c *HTTPClient) SubmitBuild(ctx context.Context, br BuildRequest) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := [][2]string{
		{"app", br.App},
		{"flavor", br.Flavor},
		{"output_type", br.OutputType},
		{"build_mode", br.BuildMode},
		{"keystore_password", br.KeystorePassword},
		{"key_alias", br.KeyAlias},
		{"key_password", br.KeyPassword},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return "", err
		}
	}
	if br.Config != nil {
		raw, err := json.Marshal(br.Config)
		if err != nil {
			return "", fmt.Errorf("encode config: %w", err)
		}
		if err := mw.WriteField("config", string(raw)); err != nil {
			return "", err
		}
	}
	for _, p := range br.Permissions {
		if err := mw.WriteField("permissions", p); err != nil {
			return "", err
		}
	}
	for _, f := range br.Features {
		if err := mw.WriteField("features", f); err != nil {
			return "", err
		}
	}
	if br.Keystore != nil {
		fw, err := mw.CreateFormFile("keystore", "upload.jks")
		if err != nil {
			return "", err
		}
		if _, err := fw.Write(br.Keystore); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	resp, err := c.do(ctx, "submit", http.MethodPost, "/v1/builds", nil, &body, mw.FormDataContentType())
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var payload struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	if payload.JobID == "" {
		return "", fmt.Errorf("submit response missing job_id")
	}
	return payload.JobID, nil
}

func (c *HTTPClient) GetJob(ctx context.Context, jobID string) (*JobStatus, error) {
	var status JobStatus
	if err := c.getJSON(ctx, "get job", path.Join("/v1/jobs", jobID), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ListJobs returns jobs newest first, at most limit of them when limit > 0.
func (c *HTTPClient) ListJobs(ctx context.Context, limit int) ([]job.Record, error) {
	var payload struct {
		Jobs []job.Record `json:"jobs"`
	}
	if err := c.getJSON(ctx, "list jobs", "/v1/jobs", nil, &payload); err != nil {
		return nil, err
	}
	jobs := payload.Jobs
	for i, j := 0, len(jobs)-1; i < j; i, j = i+1, j-1 {
		jobs[i], jobs[j] = jobs[j], jobs[i]
	}
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (c *HTTPClient) CancelJob(ctx context.Context, jobID string) (*job.Record, error) {
	resp, err := c.do(ctx, "cancel", http.MethodPost, path.Join("/v1/jobs", jobID, "cancel"), nil, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var rec job.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *HTTPClient) WaitForTerminalWithProgress(
	ctx context.Context,
	jobID string,
	pollInterval time.Duration,
	onUpdate func(record *job.Record),
) (*job.Record, error) {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		status, err := c.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if onUpdate != nil {
			onUpdate(&status.Job)
		}
		if status.Job.Terminal() {
			return &status.Job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// DownloadArtifact streams the job's package to out and returns the file
// name the server suggested.
func (c *HTTPClient) DownloadArtifact(ctx context.Context, jobID string, out io.Writer) (string, error) {
	resp, err := c.do(ctx, "download artifact", http.MethodGet, path.Join("/v1/jobs", jobID, "artifact"), nil, nil, "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	name := ""
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		name = path.Base(params["filename"])
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		return "", err
	}
	return name, nil
}

func (c *HTTPClient) GetAnalysis(ctx context.Context, jobID string) (*analyzer.Result, error) {
	var res analyzer.Result
	if err := c.getJSON(ctx, "get analysis", path.Join("/v1/jobs", jobID, "analysis"), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *HTTPClient) GetLogTail(ctx context.Context, jobID string, lines int) (string, error) {
	if lines <= 0 {
		lines = 200
	}
	q := url.Values{"lines": {strconv.Itoa(lines)}}
	return c.getText(ctx, "get log tail", path.Join("/v1/jobs", jobID, "log"), q)
}

func (c *HTTPClient) GetLog(ctx context.Context, jobID string) (string, error) {
	return c.getText(ctx, "get log", path.Join("/v1/jobs", jobID, "log"), nil)
}

func (c *HTTPClient) GetLogSince(ctx context.Context, jobID string, offset int) (*LogChunk, error) {
	var chunk LogChunk
	q := url.Values{"offset": {strconv.Itoa(offset)}}
	if err := c.getJSON(ctx, "get log", path.Join("/v1/jobs", jobID, "log"), q, &chunk); err != nil {
		return nil, err
	}
	return &chunk, nil
}

func (c *HTTPClient) StreamEvents(ctx context.Context, jobID string, since int64, onEvent func(*job.Event)) error {
	var q url.Values
	if since > 0 {
		q = url.Values{"since": {strconv.FormatInt(since, 10)}}
	}
	resp, err := c.do(ctx, "stream events", http.MethodGet, path.Join("/v1/jobs", jobID, "events"), q, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	dataLines := make([]string, 0, 4)
	dispatch := func() error {
		if len(dataLines) == 0 {
			return nil
		}
		payload := strings.Join(dataLines, "\n")
		dataLines = dataLines[:0]
		var ev job.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return fmt.Errorf("decode sse event: %w", err)
		}
		if onEvent != nil {
			onEvent(&ev)
		}
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := dispatch(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			dataLines = append(dataLines, data)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return dispatch()
}

func (c *HTTPClient) ListApps(ctx context.Context) ([]string, error) {
	var payload struct {
		Apps []string `json:"apps"`
	}
	if err := c.getJSON(ctx, "list apps", "/v1/apps", nil, &payload); err != nil {
		return nil, err
	}
	return payload.Apps, nil
}

func (c *HTTPClient) ListFlavors(ctx context.Context, app string) ([]string, error) {
	var payload struct {
		Flavors []string `json:"flavors"`
	}
	if err := c.getJSON(ctx, "list flavors", path.Join("/v1/apps", app, "flavors"), nil, &payload); err != nil {
		return nil, err
	}
	return payload.Flavors, nil
}

func (c *HTTPClient) GetConfig(ctx context.Context, app, flavor string) (*catalog.ConfigRecord, error) {
	var rec catalog.ConfigRecord
	if err := c.getJSON(ctx, "get config", path.Join("/v1/apps", app, "flavors", flavor, "config"), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *HTTPClient) PutConfig(ctx context.Context, app, flavor string, config json.RawMessage) (*catalog.ConfigRecord, error) {
	resp, err := c.do(ctx, "put config", http.MethodPut, path.Join("/v1/apps", app, "flavors", flavor, "config"), nil, bytes.NewReader(config), "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var rec catalog.ConfigRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *HTTPClient) ListTemplates(ctx context.Context) ([]catalog.TemplateRecord, error) {
	var payload struct {
		Templates []catalog.TemplateRecord `json:"templates"`
	}
	if err := c.getJSON(ctx, "list templates", "/v1/templates", nil, &payload); err != nil {
		return nil, err
	}
	return payload.Templates, nil
}

func (c *HTTPClient) GetTemplate(ctx context.Context, name string) (*catalog.TemplateRecord, error) {
	var rec catalog.TemplateRecord
	if err := c.getJSON(ctx, "get template", path.Join("/v1/templates", name), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *HTTPClient) CreateTemplate(ctx context.Context, name string, config json.RawMessage) (*catalog.TemplateRecord, error) {
	raw, err := json.Marshal(catalog.TemplateRecord{Name: name, Config: config})
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, "create template", http.MethodPost, "/v1/templates", nil, bytes.NewReader(raw), "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var rec catalog.TemplateRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *HTTPClient) DeleteTemplate(ctx context.Context, name string) error {
	resp, err := c.do(ctx, "delete template", http.MethodDelete, path.Join("/v1/templates", name), nil, nil, "")
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (c *HTTPClient) getJSON(ctx context.Context, op, pathPart string, q url.Values, out any) error {
	resp, err := c.do(ctx, op, http.MethodGet, pathPart, q, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func (c *HTTPClient) getText(ctx context.Context, op, pathPart string, q url.Values) (string, error) {
	resp, err := c.do(ctx, op, http.MethodGet, pathPart, q, nil, "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// do sends the request and turns any non-2xx response into an *APIError.
// The caller owns the body of a successful response.
func (c *HTTPClient) do(ctx context.Context, op, method, pathPart string, q url.Values, body io.Reader, contentType string) (*http.Response, error) {
	reqURL := c.buildURL(pathPart)
	if len(q) > 0 {
		reqURL += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	c.setAuth(req)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	apiErr := &APIError{Op: op, Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if json.Unmarshal(raw, &payload) == nil {
		apiErr.Code = payload.Code
		if payload.Error != "" {
			apiErr.Message = payload.Error
		}
	}
	return nil, apiErr
}

func (c *HTTPClient) buildURL(pathPart string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = "http://127.0.0.1:8080"
	}
	u, err := url.Parse(base)
	if err != nil {
		return base + pathPart
	}
	u.Path = path.Join(u.Path, pathPart)
	return u.String()
}

func (c *HTTPClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func (c *HTTPClient) setAuth(req *http.Request) {
	header := c.AuthHeader
	if header == "" {
		header = defaultAuthHeader
	}
	if strings.TrimSpace(c.Token) != "" {
		req.Header.Set(header, c.Token)
	}
}
