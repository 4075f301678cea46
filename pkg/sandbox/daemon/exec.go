package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const defaultTimeoutSeconds = 60

type execRequest struct {
	Command        string            `json:"command"`
	Args           []string          `json:"args,omitempty"`
	Workdir        string            `json:"workdir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

type execResponse struct {
	Stdout        string `json:"stdout"`
	Stderr        string `json:"stderr"`
	ExitCode      int    `json:"exit_code"`
	DurationMilli int64  `json:"duration_ms"`
}

func handleExec(w http.ResponseWriter, r *http.Request, root string) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf(`{"error":"invalid json: %v"}`, err), http.StatusBadRequest)
		return
	}

	if strings.TrimSpace(req.Command) == "" {
		http.Error(w, `{"error":"command is required"}`, http.StatusBadRequest)
		return
	}

	timeout := time.Duration(req.TimeoutSeconds)
	if timeout <= 0 {
		timeout = defaultTimeoutSeconds
	}
	timeout = timeout * time.Second

	workdir, err := resolvePath(root, req.Workdir)
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"error":"%v"}`, err), http.StatusBadRequest)
		return
	}
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		http.Error(w, fmt.Sprintf(`{"error":"failed to create workdir: %v"}`, err), http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	// Run through /bin/sh so shell syntax (pipes, quoting, redirection)
	// works inside minimal images.
	shellCmd := req.Command
	if len(req.Args) > 0 {
		shellCmd = strings.Join(append([]string{req.Command}, req.Args...), " ")
	}

	start := time.Now()
	res, err := runCommand(ctx, "/bin/sh", []string{"-c", shellCmd}, workdir, req.Env)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Printf("exec error: %v", err)
	}
	res.DurationMilli = time.Since(start).Milliseconds()

	status := http.StatusOK
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}

	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}

func runCommand(ctx context.Context, name string, args []string, workdir string, env map[string]string) (*execResponse, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workdir

	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	res := &execResponse{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		res.ExitCode = -1
		return res, err
	}

	return res, nil
}

// resolvePath returns an absolute path inside the sandbox root. An empty
// rel resolves to the root itself.
func resolvePath(root, rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return root, nil
	}
	cleanRoot := filepath.Clean(root)
	target := filepath.Clean(filepath.Join(cleanRoot, rel))

	// Prefix match on the root alone would admit siblings like
	// /workspace-evil; require the separator boundary.
	if target != cleanRoot && !strings.HasPrefix(target, cleanRoot+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes sandbox root")
	}
	return target, nil
}
