// Package server exposes the supervisor's control surface over HTTP.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/vigil/internal/metrics"
	"github.com/loykin/vigil/internal/service"
	"github.com/loykin/vigil/internal/supervisor"
)

// Router provides embeddable HTTP handlers for the supervisor.
// Endpoints:
//
//	POST {basePath}/register  body: service spec JSON
//	POST {basePath}/start     query: name=...
//	POST {basePath}/stop      query: name=...&force=true
//	POST {basePath}/restart   query: name=...&force=true
//	POST {basePath}/reset     query: name=...
//	GET  {basePath}/status    query: name=... (single) or none (all)
//	GET  {basePath}/active
//	GET  {basePath}/logs      query: name=...&since=RFC3339
//	GET  {basePath}/metrics
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	sup      *supervisor.Supervisor
	basePath string
}

// NewRouter constructs a Router with a configurable basePath.
func NewRouter(sup *supervisor.Supervisor, basePath string) *Router {
	return &Router{sup: sup, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/register", r.handleRegister)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)
	group.POST("/reset", r.handleReset)
	group.GET("/status", r.handleStatus)
	group.GET("/active", r.handleActive)
	group.GET("/logs", r.handleLogs)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, sup *supervisor.Supervisor) *http.Server {
	r := NewRouter(sup, basePath)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleRegister(c *gin.Context) {
	var spec service.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := r.sup.Register(spec); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStart(c *gin.Context) {
	name, ok := requireName(c)
	if !ok {
		return
	}
	if err := r.sup.Start(name); err != nil {
		c.JSON(http.StatusConflict, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	name, ok := requireName(c)
	if !ok {
		return
	}
	if err := r.sup.Stop(name, c.Query("force") == "true"); err != nil {
		c.JSON(http.StatusConflict, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestart(c *gin.Context) {
	name, ok := requireName(c)
	if !ok {
		return
	}
	if err := r.sup.Restart(name, c.Query("force") == "true"); err != nil {
		c.JSON(http.StatusConflict, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleReset(c *gin.Context) {
	name, ok := requireName(c)
	if !ok {
		return
	}
	if err := r.sup.ResetFailure(name); err != nil {
		c.JSON(http.StatusConflict, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	if name := c.Query("name"); name != "" {
		if !service.IsSafeName(name) {
			c.JSON(http.StatusBadRequest, errorResp{Error: "invalid name"})
			return
		}
		c.JSON(http.StatusOK, r.sup.Status(name))
		return
	}
	c.JSON(http.StatusOK, r.sup.StatusAll())
}

func (r *Router) handleActive(c *gin.Context) {
	c.JSON(http.StatusOK, r.sup.ListActive())
}

func (r *Router) handleLogs(c *gin.Context) {
	name, ok := requireName(c)
	if !ok {
		return
	}
	var since time.Time
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResp{Error: "invalid since timestamp: " + err.Error()})
			return
		}
		since = t
	}
	lines, err := r.sup.LogsSince(name, since)
	if err != nil {
		c.JSON(http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "lines": lines})
}

func requireName(c *gin.Context) (string, bool) {
	name := c.Query("name")
	if name == "" {
		c.JSON(http.StatusBadRequest, errorResp{Error: "name required"})
		return "", false
	}
	if !service.IsSafeName(name) {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-]"})
		return "", false
	}
	return name, true
}

func sanitizeBase(basePath string) string {
	if basePath == "" {
		return ""
	}
	if basePath[0] != '/' {
		basePath = "/" + basePath
	}
	for len(basePath) > 1 && basePath[len(basePath)-1] == '/' {
		basePath = basePath[:len(basePath)-1]
	}
	return basePath
}
