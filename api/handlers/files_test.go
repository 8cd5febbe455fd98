package handlers

import (
	"bytes"
	"compress/gzip"
	"io"
	"mime/multipart"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (env *apiEnv) upload(t *testing.T, filename string, content []byte) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.WriteField("purpose", "batch"))
	require.NoError(t, writer.Close())

	resp, err := http.Post(env.server.URL+"/files", writer.FormDataContentType(), &buf)
	require.NoError(t, err)
	return resp
}

func TestUploadFile_Plain(t *testing.T) {
	env := newAPIEnv(t)

	content := []byte("{\"custom_id\":\"a\"}\n{\"custom_id\":\"b\"}\n")
	resp := env.upload(t, "requests.jsonl", content)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeMap(t, resp)
	assert.Equal(t, "file", body["object"])
	assert.Equal(t, "requests.jsonl", body["filename"])
	assert.Equal(t, "batch", body["purpose"])
	assert.Equal(t, float64(2), body["line_count"])
	assert.NotContains(t, body, "compression")

	fileID := body["id"].(string)
	lines, err := env.files.ReadLines(fileID)
	require.NoError(t, err)
	assert.Len(t, lines, 2)
}

func TestUploadFile_InvalidJSONL(t *testing.T) {
	env := newAPIEnv(t)

	resp := env.upload(t, "bad.jsonl", []byte("{\"ok\":true}\nnot json\n"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeMap(t, resp)
	assert.Equal(t, "invalid_request_error", body["error"].(map[string]any)["type"])
}

func TestUploadFile_Gzip(t *testing.T) {
	env := newAPIEnv(t)

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	_, err := gz.Write([]byte("{\"custom_id\":\"a\"}\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	resp := env.upload(t, "requests.jsonl.gz", compressed.Bytes())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeMap(t, resp)
	assert.Equal(t, float64(1), body["line_count"])
	compression := body["compression"].(map[string]any)
	assert.Equal(t, "gzip", compression["format"])
	assert.NotZero(t, compression["original_size"])
}

func TestFileInfoAndDownload(t *testing.T) {
	env := newAPIEnv(t)
	fileID := env.uploadInput(t, []string{`{"a":1}`, `{"b":2}`})

	resp := env.do(t, http.MethodGet, "/files/"+fileID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeMap(t, resp)
	assert.Equal(t, fileID, body["id"])
	assert.NotZero(t, body["bytes"])

	resp = env.do(t, http.MethodGet, "/files/"+fileID+"/content")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()
	content, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":1}\n{\"b\":2}\n", string(content))
}

func TestFile_NotFound(t *testing.T) {
	env := newAPIEnv(t)

	for _, path := range []string{"/files/file_missing", "/files/file_missing/content"} {
		resp := env.do(t, http.MethodGet, path)
		require.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		resp.Body.Close()
	}
}

func TestDeleteFile(t *testing.T) {
	env := newAPIEnv(t)
	fileID := env.uploadInput(t, []string{`{"a":1}`})

	resp := env.do(t, http.MethodDelete, "/files/"+fileID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decodeMap(t, resp)["deleted"])

	resp = env.do(t, http.MethodDelete, "/files/"+fileID)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestListFiles(t *testing.T) {
	env := newAPIEnv(t)
	env.uploadInput(t, []string{`{"a":1}`})
	env.uploadInput(t, []string{`{"b":2}`})

	resp := env.do(t, http.MethodGet, "/files")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeMap(t, resp)
	assert.Equal(t, "list", body["object"])
	assert.Len(t, body["data"].([]any), 2)
}
