package controllers

import (
	"encoding/base64"
	"errors"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/curaious/forge/internal/perrors"
	"github.com/curaious/forge/internal/services"
	"github.com/curaious/forge/pkg/sandbox"
)

type ensureSessionRequest struct {
	ProjectID string `json:"project_id"`
	Provider  string `json:"provider,omitempty"`
}

type writeFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type fileResponse struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func RegisterSandboxRoutes(r *router.Router, svc *services.Services) {
	// Ensure a session exists and is active for (user, project)
	r.POST("/api/orchestrator/sessions", func(ctx *fasthttp.RequestCtx) {
		stdCtx := requestContext(ctx)
		userID, err := currentUser(ctx)
		if err != nil {
			writeError(ctx, stdCtx, "User identity missing", perrors.New(perrors.ErrCodeUnauthorized, "User identity missing", err))
			return
		}

		var body ensureSessionRequest
		if err := parseBody(ctx, &body); err != nil {
			writeError(ctx, stdCtx, "Invalid request body", perrors.NewErrInvalidRequest("Invalid request body", err))
			return
		}

		if body.ProjectID == "" {
			writeError(ctx, stdCtx, "Project ID is required", perrors.NewErrInvalidRequest("Project ID is required", errors.New("project_id is required")))
			return
		}

		sess, err := svc.Orchestrator.EnsureSandbox(stdCtx, userID, body.ProjectID, body.Provider)
		if err != nil {
			writeError(ctx, stdCtx, "Failed to ensure sandbox", perrors.FromSandbox("Failed to ensure sandbox", err))
			return
		}

		writeOK(ctx, stdCtx, "Session ready", sess)
	})

	// List sessions for the user
	r.GET("/api/orchestrator/sessions", func(ctx *fasthttp.RequestCtx) {
		stdCtx := requestContext(ctx)
		userID, err := currentUser(ctx)
		if err != nil {
			writeError(ctx, stdCtx, "User identity missing", perrors.New(perrors.ErrCodeUnauthorized, "User identity missing", err))
			return
		}

		sessions, err := svc.Orchestrator.ListSessions(stdCtx, userID)
		if err != nil {
			writeError(ctx, stdCtx, "Failed to list sessions", perrors.NewErrInternalServerError("Failed to list sessions", err))
			return
		}

		writeOK(ctx, stdCtx, "Sessions retrieved successfully", sessions)
	})

	// Get one session
	r.GET("/api/orchestrator/sessions/{id}", func(ctx *fasthttp.RequestCtx) {
		stdCtx := requestContext(ctx)
		userID, err := currentUser(ctx)
		if err != nil {
			writeError(ctx, stdCtx, "User identity missing", perrors.New(perrors.ErrCodeUnauthorized, "User identity missing", err))
			return
		}

		id, err := pathParamUUID(ctx, "id")
		if err != nil {
			writeError(ctx, stdCtx, "Invalid ID format", perrors.NewErrInvalidRequest("Invalid ID format", err))
			return
		}

		sess, err := svc.Orchestrator.GetSession(stdCtx, userID, id)
		if err != nil {
			writeError(ctx, stdCtx, "Failed to get session", perrors.FromSandbox("Failed to get session", err))
			return
		}

		writeOK(ctx, stdCtx, "Session retrieved successfully", sess)
	})

	// Destroy a session and its sandbox
	r.DELETE("/api/orchestrator/sessions/{id}", func(ctx *fasthttp.RequestCtx) {
		stdCtx := requestContext(ctx)
		userID, err := currentUser(ctx)
		if err != nil {
			writeError(ctx, stdCtx, "User identity missing", perrors.New(perrors.ErrCodeUnauthorized, "User identity missing", err))
			return
		}

		id, err := pathParamUUID(ctx, "id")
		if err != nil {
			writeError(ctx, stdCtx, "Invalid ID format", perrors.NewErrInvalidRequest("Invalid ID format", err))
			return
		}

		if err := svc.Orchestrator.DestroySandbox(stdCtx, userID, id); err != nil {
			writeError(ctx, stdCtx, "Failed to destroy sandbox", perrors.FromSandbox("Failed to destroy sandbox", err))
			return
		}

		writeOK(ctx, stdCtx, "Session terminated successfully", nil)
	})

	// Execute a command in the session's sandbox
	r.POST("/api/orchestrator/sessions/{id}/exec", func(ctx *fasthttp.RequestCtx) {
		stdCtx := requestContext(ctx)
		userID, err := currentUser(ctx)
		if err != nil {
			writeError(ctx, stdCtx, "User identity missing", perrors.New(perrors.ErrCodeUnauthorized, "User identity missing", err))
			return
		}

		id, err := pathParamUUID(ctx, "id")
		if err != nil {
			writeError(ctx, stdCtx, "Invalid ID format", perrors.NewErrInvalidRequest("Invalid ID format", err))
			return
		}

		var cmd sandbox.Command
		if err := parseBody(ctx, &cmd); err != nil {
			writeError(ctx, stdCtx, "Invalid request body", perrors.NewErrInvalidRequest("Invalid request body", err))
			return
		}

		if cmd.Command == "" {
			writeError(ctx, stdCtx, "Command is required", perrors.NewErrInvalidRequest("Command is required", errors.New("command is required")))
			return
		}

		result, err := svc.Orchestrator.ExecInSandbox(stdCtx, userID, id, cmd)
		if err != nil {
			writeError(ctx, stdCtx, "Failed to execute command", perrors.FromSandbox("Failed to execute command", err))
			return
		}

		writeOK(ctx, stdCtx, "Command executed successfully", result)
	})

	// Read a file from the session's sandbox
	r.GET("/api/orchestrator/sessions/{id}/files", func(ctx *fasthttp.RequestCtx) {
		stdCtx := requestContext(ctx)
		userID, err := currentUser(ctx)
		if err != nil {
			writeError(ctx, stdCtx, "User identity missing", perrors.New(perrors.ErrCodeUnauthorized, "User identity missing", err))
			return
		}

		id, err := pathParamUUID(ctx, "id")
		if err != nil {
			writeError(ctx, stdCtx, "Invalid ID format", perrors.NewErrInvalidRequest("Invalid ID format", err))
			return
		}

		path, err := requireStringQuery(ctx, "path")
		if err != nil {
			writeError(ctx, stdCtx, "Path is required", perrors.NewErrInvalidRequest("Path is required", err))
			return
		}

		data, err := svc.Orchestrator.ReadFile(stdCtx, userID, id, path)
		if err != nil {
			writeError(ctx, stdCtx, "Failed to read file", perrors.FromSandbox("Failed to read file", err))
			return
		}

		writeOK(ctx, stdCtx, "File retrieved successfully", fileResponse{
			Path:    path,
			Content: base64.StdEncoding.EncodeToString(data),
		})
	})

	// Write a file into the session's sandbox
	r.PUT("/api/orchestrator/sessions/{id}/files", func(ctx *fasthttp.RequestCtx) {
		stdCtx := requestContext(ctx)
		userID, err := currentUser(ctx)
		if err != nil {
			writeError(ctx, stdCtx, "User identity missing", perrors.New(perrors.ErrCodeUnauthorized, "User identity missing", err))
			return
		}

		id, err := pathParamUUID(ctx, "id")
		if err != nil {
			writeError(ctx, stdCtx, "Invalid ID format", perrors.NewErrInvalidRequest("Invalid ID format", err))
			return
		}

		var body writeFileRequest
		if err := parseBody(ctx, &body); err != nil {
			writeError(ctx, stdCtx, "Invalid request body", perrors.NewErrInvalidRequest("Invalid request body", err))
			return
		}

		if body.Path == "" {
			writeError(ctx, stdCtx, "Path is required", perrors.NewErrInvalidRequest("Path is required", errors.New("path is required")))
			return
		}

		data, err := base64.StdEncoding.DecodeString(body.Content)
		if err != nil {
			writeError(ctx, stdCtx, "Content must be base64 encoded", perrors.NewErrInvalidRequest("Content must be base64 encoded", err))
			return
		}

		if err := svc.Orchestrator.WriteFile(stdCtx, userID, id, body.Path, data); err != nil {
			writeError(ctx, stdCtx, "Failed to write file", perrors.FromSandbox("Failed to write file", err))
			return
		}

		writeOK(ctx, stdCtx, "File written successfully", nil)
	})

	// Suspend a session
	r.POST("/api/orchestrator/sessions/{id}/suspend", func(ctx *fasthttp.RequestCtx) {
		stdCtx := requestContext(ctx)
		userID, err := currentUser(ctx)
		if err != nil {
			writeError(ctx, stdCtx, "User identity missing", perrors.New(perrors.ErrCodeUnauthorized, "User identity missing", err))
			return
		}

		id, err := pathParamUUID(ctx, "id")
		if err != nil {
			writeError(ctx, stdCtx, "Invalid ID format", perrors.NewErrInvalidRequest("Invalid ID format", err))
			return
		}

		sess, err := svc.Orchestrator.SuspendSession(stdCtx, userID, id)
		if err != nil {
			writeError(ctx, stdCtx, "Failed to suspend session", perrors.FromSandbox("Failed to suspend session", err))
			return
		}

		writeOK(ctx, stdCtx, "Session suspended successfully", sess)
	})

	// Resume a session
	r.POST("/api/orchestrator/sessions/{id}/resume", func(ctx *fasthttp.RequestCtx) {
		stdCtx := requestContext(ctx)
		userID, err := currentUser(ctx)
		if err != nil {
			writeError(ctx, stdCtx, "User identity missing", perrors.New(perrors.ErrCodeUnauthorized, "User identity missing", err))
			return
		}

		id, err := pathParamUUID(ctx, "id")
		if err != nil {
			writeError(ctx, stdCtx, "Invalid ID format", perrors.NewErrInvalidRequest("Invalid ID format", err))
			return
		}

		sess, err := svc.Orchestrator.ResumeSession(stdCtx, userID, id)
		if err != nil {
			writeError(ctx, stdCtx, "Failed to resume session", perrors.FromSandbox("Failed to resume session", err))
			return
		}

		writeOK(ctx, stdCtx, "Session resumed successfully", sess)
	})
}
