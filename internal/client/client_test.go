package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_SubmitSendsMultipartFields(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/builds", r.URL.Path)
		require.Equal(t, "secret", r.Header.Get("X-Build-Token"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "shop", r.FormValue("app"))
		assert.Equal(t, "free", r.FormValue("flavor"))
		assert.Equal(t, "release", r.FormValue("build_mode"))
		assert.Equal(t, []string{"android.permission.CAMERA", "android.permission.NFC"}, r.MultipartForm.Value["permissions"])
		assert.JSONEq(t, `{"API_URL":"https://example.test","RETRIES":3}`, r.FormValue("config"))

		f, _, err := r.FormFile("keystore")
		require.NoError(t, err)
		raw, err := io.ReadAll(f)
		require.NoError(t, err)
		assert.Equal(t, []byte("jks"), raw)

		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"job_id":"j1","state":"QUEUED"}`))
	}))
	defer ts.Close()

	c := &HTTPClient{BaseURL: ts.URL, Token: "secret"}
	id, err := c.SubmitBuild(context.Background(), BuildRequest{
		App:              "shop",
		Flavor:           "free",
		BuildMode:        "release",
		Config:           map[string]any{"API_URL": "https://example.test", "RETRIES": 3},
		Permissions:      []string{"android.permission.CAMERA", "android.permission.NFC"},
		Keystore:         []byte("jks"),
		KeystorePassword: "store",
		KeyAlias:         "upload",
		KeyPassword:      "key",
	})
	require.NoError(t, err)
	assert.Equal(t, "j1", id)
}

func TestClient_DecodesAPIErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "job is not complete", "code": "NotReady"})
	}))
	defer ts.Close()

	c := &HTTPClient{BaseURL: ts.URL}
	_, err := c.DownloadArtifact(context.Background(), "j1", io.Discard)
	require.Error(t, err)
	assert.True(t, IsCode(err, "NotReady"))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "job is not complete", apiErr.Message)
}

func TestClient_PlainTextErrorsKeepBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer ts.Close()

	c := &HTTPClient{BaseURL: ts.URL}
	_, err := c.SubmitBuild(context.Background(), BuildRequest{App: "shop", Flavor: "free"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=500 body=boom")
	assert.False(t, IsCode(err, "NotReady"))
}

func TestClient_DownloadReturnsSuggestedName(t *testing.T) {
	payload := []byte("PK-apk-bytes")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="app-free-release.apk"`)
		_, _ = w.Write(payload)
	}))
	defer ts.Close()

	c := &HTTPClient{BaseURL: ts.URL}
	var out bytes.Buffer
	name, err := c.DownloadArtifact(context.Background(), "j1", &out)
	require.NoError(t, err)
	assert.Equal(t, "app-free-release.apk", name)
	assert.Equal(t, payload, out.Bytes())
}

func TestClient_ListJobsNewestFirst(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jobs":[{"id":"a"},{"id":"b"},{"id":"c"}]}`))
	}))
	defer ts.Close()

	c := &HTTPClient{BaseURL: ts.URL}
	jobs, err := c.ListJobs(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "c", jobs[0].ID)
	assert.Equal(t, "b", jobs[1].ID)
}

func TestClient_BuildURLKeepsBasePath(t *testing.T) {
	c := &HTTPClient{BaseURL: "http://forge.local:8080/api/"}
	assert.Equal(t, "http://forge.local:8080/api/v1/jobs", c.buildURL("/v1/jobs"))

	empty := &HTTPClient{}
	assert.Equal(t, "http://127.0.0.1:8080/v1/jobs", empty.buildURL("/v1/jobs"))
}
