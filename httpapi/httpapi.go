// Package httpapi provides the HTTP API handler. It delegates all
// business logic to the engine and the auth layer.
package httpapi

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/jxucoder/fecoder/auth"
	"github.com/jxucoder/fecoder/engine"
	"github.com/jxucoder/fecoder/model"
	"github.com/jxucoder/fecoder/store"
	"github.com/jxucoder/fecoder/workspace"
)

type contextKey string

const userIDKey contextKey = "userID"

// downloadExclude names directories left out of workspace tarballs.
var downloadExclude = map[string]bool{
	"node_modules": true, ".git": true, "dist": true, "build": true,
}

// Handler provides the HTTP API.
type Handler struct {
	engine *engine.Engine
	store  store.Store
	auth   *auth.Authenticator
	router chi.Router
}

// New creates a new HTTP API handler. corsOrigins lists the allowed
// browser origins; empty means same-origin only.
func New(eng *engine.Engine, st store.Store, authn *auth.Authenticator, corsOrigins []string) *Handler {
	h := &Handler{engine: eng, store: st, auth: authn}
	h.router = h.buildRouter(corsOrigins)
	return h
}

// Router returns the HTTP router.
func (h *Handler) Router() chi.Router {
	return h.router
}

func (h *Handler) buildRouter(corsOrigins []string) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if len(corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   corsOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", h.handleRegister)
		r.Post("/auth/login", h.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAuth)
			r.Get("/auth/me", h.handleMe)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(30 * time.Second))
				r.Post("/sessions", h.handleCreateSession)
				r.Get("/sessions", h.handleListSessions)
				r.Get("/sessions/{id}", h.handleGetSession)
				r.Patch("/sessions/{id}", h.handleUpdateSession)
				r.Delete("/sessions/{id}", h.handleDeleteSession)
				r.Post("/sessions/{id}/message", h.handleSendMessage)
				r.Get("/sessions/{id}/messages", h.handleGetMessages)
				r.Get("/sessions/{id}/files", h.handleListFiles)
				r.Get("/sessions/{id}/files/*", h.handleGetFile)
				r.Put("/sessions/{id}/files/*", h.handlePutFile)
				r.Post("/sessions/{id}/stop", h.handleStopSession)
			})
			// long-lived endpoints, no request timeout
			r.Get("/sessions/{id}/sse", h.handleSessionEvents)
			r.Get("/sessions/{id}/download", h.handleDownload)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

// requireAuth resolves the bearer token (header or, for EventSource
// clients, the token query parameter) into the caller's user id.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}
		userID, err := h.auth.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

// --- Request/Response types ---

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string      `json:"token"`
	User  *model.User `json:"user"`
}

type updateSessionRequest struct {
	Title string `json:"title"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

type sendMessageResponse struct {
	Status    string `json:"status"`
	StreamURL string `json:"stream_url"`
}

type fileContentRequest struct {
	Content string `json:"content"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- Auth handlers ---

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to register")
		log.Printf("Error hashing password: %v", err)
		return
	}
	user := &model.User{
		ID:           uuid.New().String()[:8],
		Email:        req.Email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.store.CreateUser(user); err != nil {
		writeError(w, http.StatusBadRequest, "email already registered")
		return
	}

	h.writeAuthResponse(w, http.StatusCreated, user)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	user, err := h.store.GetUserByEmail(req.Email)
	if err != nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	h.writeAuthResponse(w, http.StatusOK, user)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := h.store.GetUser(callerID(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (credentialsRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusBadRequest, "valid email is required")
		return req, false
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return req, false
	}
	return req, true
}

func (h *Handler) writeAuthResponse(w http.ResponseWriter, status int, user *model.User) {
	token, err := h.auth.IssueToken(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		log.Printf("Error issuing token: %v", err)
		return
	}
	writeJSON(w, status, authResponse{Token: token, User: user})
}

// --- Session handlers ---

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.engine.CreateSession(callerID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create session")
		log.Printf("Error creating session: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.engine.ListSessions(callerID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		log.Printf("Error listing sessions: %v", err)
		return
	}
	if sessions == nil {
		sessions = []*model.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.engine.GetSession(callerID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req updateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if len([]rune(req.Title)) > 200 {
		writeError(w, http.StatusBadRequest, "title exceeds 200 characters")
		return
	}

	sess, err := h.engine.UpdateTitle(callerID(r), chi.URLParam(r, "id"), req.Title)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteSession(r.Context(), callerID(r), chi.URLParam(r, "id")); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if len([]rune(req.Content)) > 10000 {
		writeError(w, http.StatusBadRequest, "content exceeds 10000 characters")
		return
	}

	if _, err := h.engine.SendMessage(callerID(r), id, req.Content); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sendMessageResponse{
		Status:    "processing",
		StreamURL: fmt.Sprintf("/api/sessions/%s/sse", id),
	})
}

func (h *Handler) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, err := h.engine.StreamEvents(r.Context(), callerID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event, ok := <-events:
			if !ok {
				return
			}
			writeSSE(w, event)
			flusher.Flush()
		}
	}
}

func (h *Handler) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.engine.GetMessages(callerID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*model.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) handleStopSession(w http.ResponseWriter, r *http.Request) {
	stopped, err := h.engine.Stop(callerID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

// --- File handlers ---

func (h *Handler) handleListFiles(w http.ResponseWriter, r *http.Request) {
	backend, err := h.engine.WorkspaceBackend(callerID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	files := workspace.NewTools(backend).Files(r.Context())
	if files == nil {
		files = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"files": files})
}

func (h *Handler) handleGetFile(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	if path == "" {
		writeError(w, http.StatusBadRequest, "file path is required")
		return
	}
	backend, err := h.engine.WorkspaceBackend(callerID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	content, err := backend.ReadFile(r.Context(), path)
	if err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path, "content": content})
}

func (h *Handler) handlePutFile(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	if path == "" {
		writeError(w, http.StatusBadRequest, "file path is required")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req fileContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	backend, err := h.engine.WorkspaceBackend(callerID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if err := backend.WriteFile(r.Context(), path, req.Content); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to write file")
		log.Printf("Error writing %s: %v", path, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path, "status": "written"})
}

// handleDownload streams the workspace as a gzipped tarball, build
// outputs and VCS metadata excluded.
func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	backend, err := h.engine.WorkspaceBackend(callerID(r), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "workspace-"+id+".tar.gz"))

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	now := time.Now()

	ctx := r.Context()
	for _, path := range listTree(ctx, backend, ".") {
		content, err := backend.ReadFile(ctx, path)
		if err != nil {
			continue
		}
		hdr := &tar.Header{
			Name:    path,
			Mode:    0o644,
			Size:    int64(len(content)),
			ModTime: now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			log.Printf("Error writing tar header for %s: %v", path, err)
			return
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			log.Printf("Error writing tar entry for %s: %v", path, err)
			return
		}
	}
	if err := tw.Close(); err != nil {
		log.Printf("Error closing tar stream: %v", err)
		return
	}
	if err := gz.Close(); err != nil {
		log.Printf("Error closing gzip stream: %v", err)
	}
}

// listTree walks the workspace through the backend, skipping the
// download exclude set.
func listTree(ctx context.Context, backend workspace.Backend, root string) []string {
	var result []string
	var walk func(path string)
	walk = func(path string) {
		items, err := backend.ListDir(ctx, path)
		if err != nil {
			return
		}
		for _, item := range items {
			if downloadExclude[item] {
				continue
			}
			full := item
			if path != "." {
				full = path + "/" + item
			}
			children, err := backend.ListDir(ctx, full)
			if err == nil && len(children) > 0 {
				walk(full)
			} else {
				result = append(result, full)
			}
		}
	}
	walk(root)
	return result
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("writeJSON encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeEngineError maps engine sentinel errors to HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, engine.ErrBusy):
		writeError(w, http.StatusConflict, "session is busy")
	case errors.Is(err, engine.ErrBadState), errors.Is(err, engine.ErrNoPending):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
		log.Printf("Engine error: %v", err)
	}
}

func writeSSE(w http.ResponseWriter, event engine.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("writeSSE marshal error: %v", err)
		return
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, string(data)); err != nil {
		log.Printf("writeSSE write error: %v", err)
	}
}
