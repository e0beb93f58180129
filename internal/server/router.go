// Package server exposes the engine's operations as a JSON HTTP API.
// Handlers are thin: they validate input, call one engine operation, and
// translate the error kind into an HTTP status.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/l1veIn/dora-manager/internal/events"
	"github.com/l1veIn/dora-manager/internal/install"
	"github.com/l1veIn/dora-manager/internal/metrics"
	"github.com/l1veIn/dora-manager/internal/registry"
	"github.com/l1veIn/dora-manager/internal/supervisor"
)

// Engine is the subset of the root engine the HTTP layer calls. Declared
// here so the server does not depend on the public facade package.
type Engine interface {
	Install(ctx context.Context, home, spec string, sink install.Sink) (*install.Result, error)
	Versions(home string) ([]registry.InstalledVersion, error)
	Available(ctx context.Context) ([]string, error)
	Use(ctx context.Context, home, version string) (string, error)
	Uninstall(ctx context.Context, home, version string, force bool) error
	Up(ctx context.Context, home string) (supervisor.Status, error)
	Down(ctx context.Context, home string) (supervisor.Status, error)
	Status(home string) supervisor.Status
	Doctor(ctx context.Context, home string) supervisor.DoctorReport
	Events(ctx context.Context, home string, f events.Filter) ([]events.Event, error)
}

// Router provides the embeddable HTTP handlers.
type Router struct {
	eng  Engine
	home string
}

func NewRouter(eng Engine, home string) *Router { return &Router{eng: eng, home: home} }

// Handler returns an http.Handler powered by gin that can be mounted in
// any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	api := g.Group("/api")
	api.GET("/status", r.handleStatus)
	api.GET("/versions", r.handleVersions)
	api.GET("/doctor", r.handleDoctor)
	api.GET("/events", r.handleEvents)
	api.POST("/install", r.handleInstall)
	api.POST("/use", r.handleUse)
	api.POST("/uninstall", r.handleUninstall)
	api.POST("/up", r.handleUp)
	api.POST("/down", r.handleDown)
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer builds a standalone HTTP server on addr using this router.
func NewServer(addr, home string, eng Engine) *http.Server {
	r := NewRouter(eng, home)
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Minute, // installs stream progress
		IdleTimeout:       60 * time.Second,
	}
}

type errorResp struct {
	Error string `json:"error"`
}

func (r *Router) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.eng.Status(r.home))
}

func (r *Router) handleVersions(c *gin.Context) {
	installed, err := r.eng.Versions(r.home)
	if err != nil {
		c.JSON(statusFor(err), errorResp{Error: err.Error()})
		return
	}
	available, _ := r.eng.Available(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"installed": installed, "available": available})
}

func (r *Router) handleDoctor(c *gin.Context) {
	c.JSON(http.StatusOK, r.eng.Doctor(c.Request.Context(), r.home))
}

func (r *Router) handleEvents(c *gin.Context) {
	f := events.Filter{
		Source:   events.Source(c.Query("source")),
		Activity: c.Query("activity"),
		Level:    events.Level(c.Query("level")),
		Limit:    100,
	}
	if s := c.Query("limit"); s != "" {
		if n, err := parsePositive(s); err == nil {
			f.Limit = n
		}
	}
	evs, err := r.eng.Events(c.Request.Context(), r.home, f)
	if err != nil {
		c.JSON(statusFor(err), errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, evs)
}

type installReq struct {
	Version string `json:"version"`
}

// handleInstall streams progress events as NDJSON, terminated by either
// the install result or an error object.
func (r *Router) handleInstall(c *gin.Context) {
	var req installReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Version == "" {
		req.Version = "latest"
	}
	if !isSafeName(req.Version) {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid version spec"})
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)
	enc := json.NewEncoder(c.Writer)
	flush := func() {
		if f, ok := c.Writer.(http.Flusher); ok {
			f.Flush()
		}
	}
	sink := func(p install.Progress) {
		_ = enc.Encode(gin.H{"progress": p})
		flush()
	}
	res, err := r.eng.Install(c.Request.Context(), r.home, req.Version, sink)
	if err != nil {
		_ = enc.Encode(gin.H{"error": err.Error()})
		flush()
		return
	}
	_ = enc.Encode(gin.H{"result": res})
	flush()
}

type versionReq struct {
	Version string `json:"version"`
	Force   bool   `json:"force,omitempty"`
}

func (r *Router) handleUse(c *gin.Context) {
	var req versionReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Version == "" {
		c.JSON(http.StatusBadRequest, errorResp{Error: "version required"})
		return
	}
	if !isSafeName(req.Version) {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid version spec"})
		return
	}
	actual, err := r.eng.Use(c.Request.Context(), r.home, req.Version)
	if err != nil {
		c.JSON(statusFor(err), errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active_version": req.Version, "binary_version": actual})
}

func (r *Router) handleUninstall(c *gin.Context) {
	var req versionReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Version == "" {
		c.JSON(http.StatusBadRequest, errorResp{Error: "version required"})
		return
	}
	if !isSafeName(req.Version) {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid version spec"})
		return
	}
	if err := r.eng.Uninstall(c.Request.Context(), r.home, req.Version, req.Force); err != nil {
		c.JSON(statusFor(err), errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (r *Router) handleUp(c *gin.Context) {
	st, err := r.eng.Up(c.Request.Context(), r.home)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "status": st})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (r *Router) handleDown(c *gin.Context) {
	st, err := r.eng.Down(c.Request.Context(), r.home)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "status": st})
		return
	}
	c.JSON(http.StatusOK, st)
}
