package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	assert_ "github.com/stretchr/testify/assert"
	require_ "github.com/stretchr/testify/require"

	"github.com/hexi/video-archiver/database"
	"github.com/hexi/video-archiver/internal/scheduler"
	"github.com/hexi/video-archiver/internal/store"
)

func newTestAPI(t *testing.T) *apiServer {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(dir)
	require_.NoError(t, err)
	catalog, err := database.NewDatabase(filepath.Join(dir, "catalog.sqlite3"))
	require_.NoError(t, err)
	require_.NoError(t, catalog.Migrate())
	t.Cleanup(catalog.Close)
	sched, err := scheduler.New(scheduler.Config{Store: st}, context.Background())
	require_.NoError(t, err)
	t.Cleanup(sched.Close)
	return newAPIServer(sched, st, catalog)
}

func multipartBody(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require_.NoError(t, err)
	_, err = fw.Write(content)
	require_.NoError(t, err)
	require_.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func doRequest(api *apiServer, method, target, contentType string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)
	return rec
}

func TestUploadStreamDelete(t *testing.T) {
	assert := assert_.New(t)
	api := newTestAPI(t)
	content := []byte("local bytes that never touched a provider")

	// Upload a local file into the archive
	body, contentType := multipartBody(t, "local.mp4", content)
	rec := doRequest(api, http.MethodPost, "/archive", contentType, body)
	assert.Equal(http.StatusCreated, rec.Code)
	var uploaded []database.Entry
	assert.NoError(json.NewDecoder(rec.Body).Decode(&uploaded))
	if assert.Len(uploaded, 1) {
		assert.Equal("local.mp4", uploaded[0].Location)
		assert.Equal(int64(len(content)), uploaded[0].Size)
	}

	// It shows up in the catalog listing
	rec = doRequest(api, http.MethodGet, "/archive", "", nil)
	assert.Equal(http.StatusOK, rec.Code)
	var listed []database.Entry
	assert.NoError(json.NewDecoder(rec.Body).Decode(&listed))
	assert.Len(listed, 1)

	// ...and streams back byte for byte
	rec = doRequest(api, http.MethodGet, "/archive/local.mp4", "", nil)
	assert.Equal(http.StatusOK, rec.Code)
	assert.Equal(content, rec.Body.Bytes())

	// The key is now bound to this content; different bytes are rejected
	body, contentType = multipartBody(t, "local.mp4", []byte("other bytes entirely"))
	rec = doRequest(api, http.MethodPost, "/archive", contentType, body)
	assert.Equal(http.StatusConflict, rec.Code)

	rec = doRequest(api, http.MethodDelete, "/archive/local.mp4", "", nil)
	assert.Equal(http.StatusNoContent, rec.Code)

	rec = doRequest(api, http.MethodGet, "/archive", "", nil)
	assert.Equal(http.StatusOK, rec.Code)
	listed = nil
	assert.NoError(json.NewDecoder(rec.Body).Decode(&listed))
	assert.Len(listed, 0)

	rec = doRequest(api, http.MethodGet, "/archive/local.mp4", "", nil)
	assert.Equal(http.StatusNotFound, rec.Code)
}

func TestUploadWithoutFileParts(t *testing.T) {
	assert := assert_.New(t)
	api := newTestAPI(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require_.NoError(t, mw.WriteField("note", "no files here"))
	require_.NoError(t, mw.Close())

	rec := doRequest(api, http.MethodPost, "/archive", mw.FormDataContentType(), &buf)
	assert.Equal(http.StatusBadRequest, rec.Code)
}
