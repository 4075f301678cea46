// Package daemon is the agent that runs inside every sandbox. It exposes
// the exec and file endpoints the orchestrator drives through
// sandbox.Client.
//
// The daemon is a static binary baked into minimal sandbox images, so it
// deliberately sticks to the standard library.
package daemon

import (
	"log"
	"net/http"
	"os"
	"path/filepath"
)

const (
	defaultPort       = "8080"
	defaultSandboxDir = "/workspace"
)

// Handler returns the daemon's HTTP routes serving the given sandbox root.
func Handler(root string) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/exec", withJSON(withSandboxRoot(root, handleExec)))
	mux.Handle("/files/", withJSON(withSandboxRoot(root, handleFiles)))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return mux
}

// Run starts the daemon HTTP server and blocks until it exits.
func Run() {
	port := getenv("FORGE_DAEMON_PORT", defaultPort)
	root := getenv("FORGE_SANDBOX_ROOT", defaultSandboxDir)

	mux := Handler(root)
	addr := ":" + port
	log.Printf("forge daemon listening on %s (root=%s)", addr, filepath.Clean(root))

	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("forge daemon server error: %v", err)
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

type sandboxHandler func(w http.ResponseWriter, r *http.Request, root string)

// withSandboxRoot injects the sandbox root into handlers.
func withSandboxRoot(root string, h sandboxHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h(w, r, root)
	})
}

// withJSON sets JSON headers on every response.
func withJSON(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		h.ServeHTTP(w, r)
	})
}
