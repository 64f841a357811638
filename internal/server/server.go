// Package server exposes the mdsync core over HTTP and WebSocket.
//
// The REST surface serves content reads, saves, and the folder-mode file
// tree; /ws upgrades to a WebSocket session that is registered with the hub
// and receives file_changed pushes for its open documents. The transport
// owns connection accept/decode only; locking, watching, and broadcasting
// stay inside the core packages.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mdsync/mdsync/internal/app"
	"github.com/mdsync/mdsync/internal/store"
	"github.com/mdsync/mdsync/internal/workspace"
)

// Server is the HTTP/WebSocket front end over an assembled App.
type Server struct {
	app      *app.App
	logger   *log.Logger
	listener net.Listener
	httpSrv  *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a server over the app core.
func New(a *app.App) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		app:    a,
		logger: a.Logs.Component("server"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start listens on addr and serves until Stop.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln

	s.httpSrv = &http.Server{
		Handler:     s.routes(),
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("listening on %s", ln.Addr())
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("serve error: %v", err)
		}
	}()
	return nil
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/mode", s.handleMode)
	mux.HandleFunc("GET /api/file-tree", s.handleFileTree)
	mux.HandleFunc("GET /api/content", s.handleContent)
	mux.HandleFunc("POST /api/save", s.handleSave)
	mux.HandleFunc("POST /api/files/create", s.handleCreate)
	mux.HandleFunc("POST /api/files/rename", s.handleRename)
	mux.HandleFunc("POST /api/files/delete", s.handleDelete)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	return mux
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Stop shuts the HTTP server down gracefully and closes active sessions.
func (s *Server) Stop() error {
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.wg.Wait()
	return nil
}

type saveRequest struct {
	Content string `json:"content"`
	File    string `json:"file"`
}

type fileRequest struct {
	File    string `json:"file"`
	NewName string `json:"new_name,omitempty"`
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"mode": string(s.app.Mode)})
}

func (s *Server) handleFileTree(w http.ResponseWriter, r *http.Request) {
	if s.app.Mode != app.ModeFolder {
		writeError(w, http.StatusBadRequest, "file tree is only available in folder mode")
		return
	}
	tree, err := s.app.Workspace.FileTree()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("file")
	if rel == "" {
		if s.app.Mode != app.ModeFile {
			writeError(w, http.StatusBadRequest, "missing 'file' query parameter")
			return
		}
		rel = s.app.PinnedFile
	}
	content, err := s.app.Store.Read(rel)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	meta, err := s.app.Store.Stat(rel)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"content":  content,
		"metadata": meta,
	})
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	var req saveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rel := req.File
	if rel == "" {
		if s.app.Mode != app.ModeFile {
			writeError(w, http.StatusBadRequest, "missing 'file' in request body")
			return
		}
		rel = s.app.PinnedFile
	}
	if err := s.app.Store.Write(rel, req.Content); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	meta, err := s.app.Store.Stat(rel)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "saved",
		"metadata": meta,
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req fileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.File == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !workspace.IsMarkdown(req.File) {
		writeError(w, http.StatusBadRequest, "only markdown files can be created")
		return
	}
	if _, err := s.app.Workspace.CreateFile(req.File); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created", "file": req.File})
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req fileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.File == "" || req.NewName == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	dest, err := s.app.Workspace.RenamePath(req.File, req.NewName)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	rel, err := s.app.Workspace.Rel(dest)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "renamed", "file": rel})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req fileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.File == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.app.Workspace.DeleteFile(req.File); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "file": req.File})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.app.Hub.SessionCount(),
		"root":     s.app.Workspace.Root(),
	})
}

// statusFor maps typed core errors onto HTTP statuses. Kinds come from the
// error values themselves, never from message text.
func statusFor(err error) int {
	switch {
	case errors.Is(err, workspace.ErrPathTraversal):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrLockTimeout):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("websocket accept failed: %v", err)
		return
	}
	sess := newWSSession(s.app, conn, s.logger)
	s.app.Hub.Register(sess.hubSession)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.readLoop(s.ctx)
		s.app.Hub.Unregister(sess.hubSession.ID())
		sess.close()
	}()
}
