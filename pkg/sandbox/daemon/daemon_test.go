package daemon

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	root := "/workspace"

	p, err := resolvePath(root, "")
	require.NoError(t, err)
	assert.Equal(t, root, p)

	p, err = resolvePath(root, "src/main.go")
	require.NoError(t, err)
	assert.Equal(t, "/workspace/src/main.go", p)

	_, err = resolvePath(root, "../etc/passwd")
	assert.Error(t, err, "traversal out of the root must be rejected")

	_, err = resolvePath(root, "a/../../etc")
	assert.Error(t, err)

	// A sibling directory sharing the root as a name prefix is still an
	// escape.
	_, err = resolvePath(root, "../workspace-evil/x")
	assert.Error(t, err)

	p, err = resolvePath(root, ".")
	require.NoError(t, err)
	assert.Equal(t, root, p)
}

func TestHandleExec(t *testing.T) {
	root := t.TempDir()

	body, _ := json.Marshal(execRequest{Command: "echo hello"})
	r := httptest.NewRequest(http.MethodPost, "/exec", bytes.NewReader(body))
	w := httptest.NewRecorder()

	handleExec(w, r, root)

	require.Equal(t, http.StatusOK, w.Code)

	var res execResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
}

func TestHandleExecNonZeroExit(t *testing.T) {
	root := t.TempDir()

	body, _ := json.Marshal(execRequest{Command: "exit 3"})
	r := httptest.NewRequest(http.MethodPost, "/exec", bytes.NewReader(body))
	w := httptest.NewRecorder()

	handleExec(w, r, root)

	require.Equal(t, http.StatusOK, w.Code, "a failing command is still a successful exec")

	var res execResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 3, res.ExitCode)
}

func TestHandleExecValidation(t *testing.T) {
	root := t.TempDir()

	r := httptest.NewRequest(http.MethodGet, "/exec", nil)
	w := httptest.NewRecorder()
	handleExec(w, r, root)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	body, _ := json.Marshal(execRequest{Command: "   "})
	r = httptest.NewRequest(http.MethodPost, "/exec", bytes.NewReader(body))
	w = httptest.NewRecorder()
	handleExec(w, r, root)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleExecEnvAndWorkdir(t *testing.T) {
	root := t.TempDir()

	body, _ := json.Marshal(execRequest{
		Command: "echo $GREETING; pwd",
		Workdir: "sub/dir",
		Env:     map[string]string{"GREETING": "hi"},
	})
	r := httptest.NewRequest(http.MethodPost, "/exec", bytes.NewReader(body))
	w := httptest.NewRecorder()

	handleExec(w, r, root)

	require.Equal(t, http.StatusOK, w.Code)

	var res execResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Contains(t, res.Stdout, "hi\n")
	assert.Contains(t, res.Stdout, filepath.Join(root, "sub/dir"))
}

func TestHandleFilesRoundTrip(t *testing.T) {
	root := t.TempDir()

	content := base64.StdEncoding.EncodeToString([]byte("package main\n"))
	body, _ := json.Marshal(fileContent{Content: content})

	r := httptest.NewRequest(http.MethodPut, "/files/src/main.go", bytes.NewReader(body))
	w := httptest.NewRecorder()
	handleFiles(w, r, root)
	require.Equal(t, http.StatusCreated, w.Code)

	onDisk, err := os.ReadFile(filepath.Join(root, "src/main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(onDisk))

	r = httptest.NewRequest(http.MethodGet, "/files/src/main.go", nil)
	w = httptest.NewRecorder()
	handleFiles(w, r, root)
	require.Equal(t, http.StatusOK, w.Code)

	var fc fileContent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fc))
	assert.Equal(t, content, fc.Content)

	r = httptest.NewRequest(http.MethodDelete, "/files/src/main.go", nil)
	w = httptest.NewRecorder()
	handleFiles(w, r, root)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestHandleFilesMissing(t *testing.T) {
	root := t.TempDir()

	r := httptest.NewRequest(http.MethodGet, "/files/nope.txt", nil)
	w := httptest.NewRecorder()
	handleFiles(w, r, root)
	assert.Equal(t, http.StatusNotFound, w.Code)

	r = httptest.NewRequest(http.MethodDelete, "/files/nope.txt", nil)
	w = httptest.NewRecorder()
	handleFiles(w, r, root)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleFilesEscape(t *testing.T) {
	root := t.TempDir()

	r := httptest.NewRequest(http.MethodGet, "/files/"+"%2e%2e/etc/passwd", nil)
	r.URL.Path = "/files/../etc/passwd"
	w := httptest.NewRecorder()
	handleFiles(w, r, root)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
