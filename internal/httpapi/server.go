// Package httpapi is the §6 HTTP admin surface: ordinary request/response
// session CRUD alongside the gateway's WebSocket channel.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/agentd/agentd/internal/engine"
	"github.com/agentd/agentd/internal/session"
	"github.com/agentd/agentd/pkg/types"
)

// Server implements the seven named admin endpoints.
type Server struct {
	store  *session.Store
	engine *engine.Engine
	router chi.Router
}

// New builds the chi router for the admin surface.
func New(store *session.Store, eng *engine.Engine) *Server {
	s := &Server{store: store, engine: eng}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Post("/session", s.createSession)
	r.Get("/session", s.getSession)
	r.Delete("/session", s.deleteSession)
	r.Get("/sessions", s.listSessions)
	r.Get("/session/snapshot", s.getSnapshot)
	r.Put("/session/title", s.putTitle)
	r.Post("/generate-title", s.generateTitle)

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

type createSessionRequest struct {
	WorkingDir string `json:"workingDir"`
	MaxMode    bool   `json:"maxMode"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	mode := types.ModeInteractive
	if req.MaxMode {
		mode = types.ModeAuto
	}
	id, err := s.store.CreateSession(r.Context(), req.WorkingDir, mode)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "missing id")
		return
	}
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "missing id")
		return
	}
	if err := s.store.ClearSession(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeSuccess(w)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	workingDir := r.URL.Query().Get("workingDir")
	items, err := s.store.ListSessions(r.Context(), workingDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "missing id")
		return
	}
	snap, err := s.store.GetSnapshot(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type putTitleRequest struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func (s *Server) putTitle(w http.ResponseWriter, r *http.Request) {
	var req putTitleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "missing id/title")
		return
	}
	if err := s.store.UpdateTitle(r.Context(), req.ID, req.Title); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeSuccess(w)
}

type generateTitleRequest struct {
	Message string `json:"message"`
}

func (s *Server) generateTitle(w http.ResponseWriter, r *http.Request) {
	var req generateTitleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "missing message")
		return
	}
	title := s.engine.GenerateTitle(r.Context(), req.Message)
	writeJSON(w, http.StatusOK, map[string]string{"title": title})
}
