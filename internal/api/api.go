// Package api exposes a docstore.Store over HTTP.
//
// Routes:
//
//	GET  /health
//	GET  /docs                       list every document ref (stores that can list)
//	GET  /docs/{collection}          list document refs in one collection
//	GET  /docs/{collection}/{id}     snapshot, 404 when the document is missing
//	PUT  /docs/{collection}/{id}     write, 409 when the version precondition fails
//	GET  /ws/{collection}/{id}       WebSocket stream of snapshots
//	GET  /routine/upcoming           computed upcoming chores
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/homeboard/homeboard/internal/docstore"
	"github.com/homeboard/homeboard/internal/hub"
	"github.com/homeboard/homeboard/internal/routine"
)

// MaxBodyBytes bounds request bodies.
const MaxBodyBytes = 4 << 20

// Config holds API configuration.
type Config struct {
	// CORSOrigins enables CORS for these origins when non-empty
	CORSOrigins []string

	// CORSCredentials allows credentialed cross-origin requests
	CORSCredentials bool

	// Routine serves /routine/upcoming when set
	Routine *routine.Service

	// Logger for request failures (default: discard)
	Logger *log.Logger
}

// Server holds the handlers.
type Server struct {
	store  docstore.Store
	hub    *hub.Hub
	config Config
	logger *log.Logger
}

// NewRouter builds the HTTP handler over store. Snapshot streams are served
// by h.
func NewRouter(store docstore.Store, h *hub.Hub, config *Config) http.Handler {
	var cfg Config
	if config != nil {
		cfg = *config
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	s := &Server{store: store, hub: h, config: cfg, logger: cfg.Logger}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "PUT", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type"},
			ExposedHeaders:   []string{"X-Request-Id"},
			AllowCredentials: cfg.CORSCredentials,
			MaxAge:           300,
		}))
	}

	r.Get("/health", s.health)
	r.Get("/docs", s.listDocs)

	r.Route("/docs/{collection}", func(r chi.Router) {
		r.Get("/", s.listDocs)
		r.Get("/{id}", s.getDoc)
		r.Put("/{id}", s.putDoc)
	})

	if h != nil {
		r.Get("/ws/{collection}/{id}", s.watchDoc)
	}
	if cfg.Routine != nil {
		r.Get("/routine/upcoming", s.upcoming)
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func refFromRequest(r *http.Request) docstore.Ref {
	return docstore.NewRef(chi.URLParam(r, "collection"), chi.URLParam(r, "id"))
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Printf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	writeError(w, status, code, err.Error())
}

func (s *Server) listDocs(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.store.(docstore.Lister)
	if !ok {
		writeError(w, http.StatusNotImplemented, CodeBadRequest, "store cannot list documents")
		return
	}
	refs, err := lister.List(r.Context(), chi.URLParam(r, "collection"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if refs == nil {
		refs = []docstore.Ref{}
	}
	writeJSON(w, http.StatusOK, ListResponse{Refs: refs})
}

func (s *Server) getDoc(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.Get(r.Context(), refFromRequest(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) putDoc(w http.ResponseWriter, r *http.Request) {
	ref := refFromRequest(r)
	if err := ref.Validate(); err != nil {
		s.fail(w, r, err)
		return
	}

	var req WriteRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if req.Data == nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "data is required")
		return
	}

	snap, err := s.store.Set(r.Context(), ref, req.Data, req.Options()...)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) watchDoc(w http.ResponseWriter, r *http.Request) {
	ref := refFromRequest(r)
	if err := ref.Validate(); err != nil {
		s.fail(w, r, err)
		return
	}
	s.hub.ServeRef(w, r, ref)
}

func (s *Server) upcoming(w http.ResponseWriter, r *http.Request) {
	view, err := s.config.Routine.Upcoming(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
