package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/nextlevelbuilder/agentd/internal/agent"
	"github.com/nextlevelbuilder/agentd/internal/store"
	"github.com/nextlevelbuilder/agentd/internal/stream"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

const (
	// maxRequestBytes bounds run creation bodies, attachments included.
	maxRequestBytes = 64 * 1024 * 1024
	// maxAttachmentWidth is the downscale threshold for image attachments.
	maxAttachmentWidth = 1568
)

// RunsHandler handles the run lifecycle endpoints.
type RunsHandler struct {
	manager   *agent.Manager
	stores    *store.Stores
	fabric    stream.Fabric
	token     string
	workspace string
}

// RegisterRoutes registers the run endpoints on the given mux.
func (h *RunsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /agent/runs", h.auth(h.handleCreate))
	mux.HandleFunc("GET /agent/runs/{id}", h.auth(h.handleGet))
	mux.HandleFunc("POST /agent/runs/{id}/stop", h.auth(h.handleStop))
	mux.HandleFunc("GET /agent/runs/{id}/stream", h.auth(h.handleStream))
	mux.HandleFunc("GET /agent/runs/{id}/ws", h.auth(h.handleWS))
}

func (h *RunsHandler) auth(next http.HandlerFunc) http.HandlerFunc {
	return authMiddleware(h.token, next)
}

// handleCreate accepts either a JSON AgentRunRequest body or a multipart form
// with a "request" JSON part plus attachment file parts. It resolves or
// creates the thread, stores attachments in the project workspace, and queues
// the run.
func (h *RunsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)

	var req protocol.AgentRunRequest
	var attachments []string

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "multipart/form-data" {
		var err error
		req, attachments, err = h.parseMultipart(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	} else {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
			return
		}
	}

	if req.InitialPrompt == "" && req.ThreadID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "initial_prompt is required"})
		return
	}

	threadID, projectID, err := h.resolveThread(r, &req)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "thread not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	runID, err := h.manager.StartRun(r.Context(), agent.StartSpec{
		ThreadID:  threadID,
		ProjectID: projectID,
		Request:   req,
		Images:    agent.LoadImages(attachments),
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, protocol.AgentRunResponse{
		RunID:    runID,
		ThreadID: threadID,
		Status:   protocol.StatusPending,
	})
}

func (h *RunsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	run, err := h.manager.GetStatus(r.Context(), r.PathValue("id"))
	if errors.Is(err, agent.ErrRunNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, protocol.AgentRunResponse{
		RunID:    run.ID,
		ThreadID: run.ThreadID,
		Status:   run.Status,
		Error:    run.Error,
	})
}

func (h *RunsHandler) handleStop(w http.ResponseWriter, r *http.Request) {
	err := h.manager.Stop(r.Context(), r.PathValue("id"))
	if errors.Is(err, agent.ErrRunNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, protocol.AgentRunResponse{
		RunID:  r.PathValue("id"),
		Status: protocol.StatusStopped,
	})
}

// parseMultipart reads the "request" JSON part and saves any file parts into
// the workspace attachments directory. Image files wider than the downscale
// threshold are resized before saving.
func (h *RunsHandler) parseMultipart(r *http.Request) (protocol.AgentRunRequest, []string, error) {
	var req protocol.AgentRunRequest

	if err := r.ParseMultipartForm(maxRequestBytes); err != nil {
		return req, nil, fmt.Errorf("parse multipart form: %w", err)
	}

	raw := r.FormValue("request")
	if raw == "" {
		// Accept a bare prompt field for simple curl invocations.
		raw = r.FormValue("initial_prompt")
		if raw == "" {
			return req, nil, errors.New(`multipart body needs a "request" part`)
		}
		req.InitialPrompt = raw
	} else if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return req, nil, fmt.Errorf("invalid request JSON: %w", err)
	}

	if r.MultipartForm == nil {
		return req, nil, nil
	}

	dir := filepath.Join(h.workspace, "attachments", time.Now().UTC().Format("20060102-150405"))
	var paths []string
	for _, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				return req, nil, fmt.Errorf("open attachment %s: %w", fh.Filename, err)
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return req, nil, fmt.Errorf("read attachment %s: %w", fh.Filename, err)
			}

			p, err := saveAttachment(dir, fh.Filename, data)
			if err != nil {
				return req, nil, err
			}
			paths = append(paths, p)
		}
	}
	return req, paths, nil
}

// saveAttachment writes one uploaded file into dir. Oversized images are
// downscaled to the width cap with aspect ratio preserved; everything else is
// written as-is.
func saveAttachment(dir, filename string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create attachments dir: %w", err)
	}
	dst := filepath.Join(dir, filepath.Base(filename))

	if isImageExt(dst) {
		if img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true)); err == nil {
			if img.Bounds().Dx() > maxAttachmentWidth {
				img = imaging.Resize(img, maxAttachmentWidth, 0, imaging.Lanczos)
				if err := imaging.Save(img, dst); err != nil {
					return "", fmt.Errorf("save attachment %s: %w", filename, err)
				}
				slog.Debug("attachment downscaled", "file", filename, "width", maxAttachmentWidth)
				return dst, nil
			}
		}
	}

	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return "", fmt.Errorf("save attachment %s: %w", filename, err)
	}
	return dst, nil
}

func isImageExt(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	}
	return false
}

// resolveThread returns the target thread, creating a fresh project + thread
// pair when the request names none.
func (h *RunsHandler) resolveThread(r *http.Request, req *protocol.AgentRunRequest) (threadID, projectID string, err error) {
	ctx := r.Context()

	if req.ThreadID != "" {
		t, err := h.stores.Threads.Get(ctx, req.ThreadID)
		if err != nil {
			return "", "", err
		}
		if err := h.stores.Threads.Touch(ctx, t.ID); err != nil {
			slog.Warn("touch thread", "thread_id", t.ID, "error", err)
		}
		return t.ID, t.ProjectID, nil
	}

	accountID := req.UserID
	if accountID == "" {
		accountID = "default"
	}

	projectID = req.ProjectID
	if projectID == "" {
		now := time.Now().UTC()
		project := &store.Project{
			ID:        store.NewID(),
			AccountID: accountID,
			Name:      projectName(req.InitialPrompt),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := h.stores.Projects.Create(ctx, project); err != nil {
			return "", "", fmt.Errorf("create project: %w", err)
		}
		projectID = project.ID
	} else if _, err := h.stores.Projects.Get(ctx, projectID); err != nil {
		return "", "", err
	}

	now := time.Now().UTC()
	thread := &store.Thread{
		ID:        store.NewID(),
		ProjectID: projectID,
		AccountID: accountID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.stores.Threads.Create(ctx, thread); err != nil {
		return "", "", fmt.Errorf("create thread: %w", err)
	}
	return thread.ID, projectID, nil
}

// projectName derives a short display name from the opening prompt.
func projectName(prompt string) string {
	name := strings.TrimSpace(prompt)
	if i := strings.IndexByte(name, '\n'); i >= 0 {
		name = name[:i]
	}
	if len(name) > 60 {
		name = name[:60]
	}
	if name == "" {
		name = "untitled"
	}
	return name
}
