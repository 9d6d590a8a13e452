// Package server exposes the sketch lifecycle operations over HTTP.
// Endpoints (relative to basePath, default /api):
//
//	POST   /sketches        body: {name, source, kind, description?}
//	POST   /sketches/run    query: name=...
//	POST   /sketches/stop   query: name=...&wait=3s (wait optional)
//	GET    /sketches        list all, reconciled
//	DELETE /sketches        query: name=...
//	GET    /healthz
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/sketchd/internal/builder"
	"github.com/loykin/sketchd/internal/orchestrator"
	"github.com/loykin/sketchd/internal/pane"
	"github.com/loykin/sketchd/internal/registry"
	"github.com/loykin/sketchd/internal/sketch"
	"github.com/loykin/sketchd/internal/supervisor"
)

// Router provides embeddable HTTP handlers for the orchestrator.
type Router struct {
	orc      *orchestrator.Orchestrator
	basePath string
}

func NewRouter(orc *orchestrator.Orchestrator, basePath string) *Router {
	return &Router{orc: orc, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/sketches", r.handleCreate)
	group.POST("/sketches/run", r.handleRun)
	group.POST("/sketches/stop", r.handleStop)
	group.GET("/sketches", r.handleList)
	group.DELETE("/sketches", r.handleDelete)
	group.GET("/healthz", r.handleHealthz)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, orc *orchestrator.Orchestrator) (*http.Server, error) {
	r := NewRouter(orc, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

type createReq struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Source      string `json:"source"`
	Kind        string `json:"kind"`
}

func (r *Router) handleCreate(c *gin.Context) {
	var req createReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error(), "")
		return
	}
	if err := sketch.ValidateName(req.Name); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_name", err.Error(), "")
		return
	}
	kind, err := sketch.ParseKind(req.Kind)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_kind", err.Error(), "")
		return
	}
	rec, err := r.orc.Create(req.Name, req.Description, req.Source, kind)
	if err != nil {
		writeFailure(c, rec, err)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleRun(c *gin.Context) {
	name := c.Query("name")
	if err := sketch.ValidateName(name); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_name", err.Error(), "")
		return
	}
	rec, err := r.orc.Run(c.Request.Context(), name)
	if err != nil {
		writeFailure(c, rec, err)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleStop(c *gin.Context) {
	name := c.Query("name")
	if err := sketch.ValidateName(name); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_name", err.Error(), "")
		return
	}
	var wait time.Duration
	if s := c.Query("wait"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			writeError(c, http.StatusBadRequest, "invalid_request", "invalid wait duration: "+err.Error(), "")
			return
		}
		wait = d
	}
	rec, err := r.orc.Stop(name, wait)
	if err != nil {
		writeFailure(c, rec, err)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleList(c *gin.Context) {
	list := r.orc.List()
	if list == nil {
		list = []sketch.Sketch{}
	}
	writeJSON(c, http.StatusOK, list)
}

func (r *Router) handleDelete(c *gin.Context) {
	name := c.Query("name")
	if err := sketch.ValidateName(name); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_name", err.Error(), "")
		return
	}
	if err := r.orc.Delete(name); err != nil {
		writeFailure(c, sketch.Sketch{}, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// writeFailure maps the error taxonomy onto status codes and kinds, carrying
// the record's diagnostics when the failing operation produced some.
func writeFailure(c *gin.Context, rec sketch.Sketch, err error) {
	code, kind := classify(err)
	writeError(c, code, kind, err.Error(), rec.Diagnostics)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, builder.ErrInProgress):
		return http.StatusConflict, "build_in_progress"
	case errors.Is(err, orchestrator.ErrAlreadyRunning):
		return http.StatusConflict, "already_running"
	case errors.Is(err, builder.ErrTimeout):
		return http.StatusUnprocessableEntity, "build_timeout"
	case errors.Is(err, builder.ErrFailed):
		return http.StatusUnprocessableEntity, "build_failed"
	case errors.Is(err, pane.ErrAdapter):
		return http.StatusInternalServerError, "adapter_error"
	case errors.Is(err, supervisor.ErrLaunch):
		return http.StatusInternalServerError, "launch_error"
	case errors.Is(err, registry.ErrStaleState):
		return http.StatusConflict, "stale_state"
	}
	return http.StatusInternalServerError, "internal"
}
