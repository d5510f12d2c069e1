package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/appvisor/internal/descriptor"
	"github.com/loykin/appvisor/internal/history"
	mng "github.com/loykin/appvisor/internal/manager"
	"github.com/loykin/appvisor/internal/metrics"
	"github.com/loykin/appvisor/internal/store"
)

// DefaultStopWait bounds how long a stop request blocks when wait is not given.
const DefaultStopWait = 5 * time.Second

const maxBodyBytes = 1 << 20

// Router provides embeddable HTTP handlers for managing apps.
// Endpoints:
//
//	GET    {basePath}/apps                  query: match=pattern (optional)
//	POST   {basePath}/apps                  body: descriptor(s) JSON, query: start=true
//	GET    {basePath}/apps/:name
//	DELETE {basePath}/apps/:name
//	POST   {basePath}/apps/:name/start
//	POST   {basePath}/apps/:name/stop       query: wait=2s
//	POST   {basePath}/apps/:name/restart
//	GET    {basePath}/apps/:name/history     query: limit=100
//	GET    {basePath}/descriptors           query: format=json|yaml|toml
//	POST   {basePath}/dump
//	POST   {basePath}/resurrect
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	mgr      *mng.Manager
	basePath string
	metrics  bool
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(mgr *mng.Manager, basePath string) *Router {
	return &Router{mgr: mgr, basePath: sanitizeBase(basePath)}
}

// WithMetrics also serves /metrics from the Prometheus default registry.
func (r *Router) WithMetrics() *Router {
	r.metrics = true
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	r.Mount(g.Group(r.basePath))
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// Mount registers the API routes on an existing gin group.
func (r *Router) Mount(group *gin.RouterGroup) {
	group.GET("/apps", r.handleList)
	group.POST("/apps", r.handleApply)
	group.GET("/apps/:name", r.handleStatus)
	group.DELETE("/apps/:name", r.handleDelete)
	group.POST("/apps/:name/start", r.handleStart)
	group.POST("/apps/:name/stop", r.handleStop)
	group.POST("/apps/:name/restart", r.handleRestart)
	group.GET("/apps/:name/history", r.handleHistory)
	group.GET("/descriptors", r.handleDescriptors)
	group.POST("/dump", r.handleDump)
	group.POST("/resurrect", r.handleResurrect)
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return server
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// ApplyResp lists the apps registered by POST /apps.
type ApplyResp struct {
	Apps    []string `json:"apps"`
	Started bool     `json:"started"`
}

// ResurrectResp lists the apps restored by POST /resurrect.
type ResurrectResp struct {
	Apps []string `json:"apps"`
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, mng.ErrUnknownApp), errors.Is(err, store.ErrEmpty):
		return http.StatusNotFound
	case errors.Is(err, descriptor.ErrDuplicateName):
		return http.StatusConflict
	case errors.Is(err, mng.ErrStopTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, history.ErrNotQueryable):
		return http.StatusNotImplemented
	default:
		return http.StatusBadRequest
	}
}

func fail(c *gin.Context, err error) {
	writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
}

func (r *Router) handleList(c *gin.Context) {
	if pattern := c.Query("match"); pattern != "" {
		sts := r.mgr.Match(pattern)
		if sts == nil {
			sts = []mng.AppStatus{}
		}
		writeJSON(c, http.StatusOK, sts)
		return
	}
	writeJSON(c, http.StatusOK, r.mgr.List())
}

func (r *Router) handleStatus(c *gin.Context) {
	st, err := r.mgr.Status(c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleApply(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "read body: " + err.Error()})
		return
	}
	set, err := descriptor.Unmarshal(body, descriptor.FormatJSON)
	if err != nil {
		fail(c, err)
		return
	}
	if len(set.Apps) == 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "no apps in request"})
		return
	}
	for i := range set.Apps {
		if err := checkPaths(&set.Apps[i]); err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
			return
		}
	}
	if err := r.mgr.Apply(set); err != nil {
		fail(c, err)
		return
	}
	start, _ := strconv.ParseBool(c.Query("start"))
	if start {
		for _, n := range set.Names() {
			if err := r.mgr.Start(n); err != nil {
				fail(c, err)
				return
			}
		}
	}
	writeJSON(c, http.StatusCreated, ApplyResp{Apps: set.Names(), Started: start})
}

func (r *Router) handleStart(c *gin.Context) {
	if err := r.mgr.Start(c.Param("name")); err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	wait := DefaultStopWait
	if s := c.Query("wait"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid wait: " + s})
			return
		}
		wait = d
	}
	if err := r.mgr.Stop(c.Param("name"), wait); err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestart(c *gin.Context) {
	if err := r.mgr.Restart(c.Param("name")); err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleHistory(c *gin.Context) {
	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid limit: " + s})
			return
		}
		limit = n
	}
	events, err := r.mgr.History(c.Request.Context(), c.Param("name"), limit)
	if err != nil {
		fail(c, err)
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}

func (r *Router) handleDelete(c *gin.Context) {
	if err := r.mgr.Delete(c.Param("name")); err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleDescriptors(c *gin.Context) {
	f, err := descriptor.ParseFormat(c.DefaultQuery("format", "json"))
	if err != nil || f == descriptor.FormatJS {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "format must be json, yaml or toml"})
		return
	}
	b, err := descriptor.Marshal(r.mgr.Descriptors(), f)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	c.Data(http.StatusOK, contentType(f), b)
}

func contentType(f descriptor.Format) string {
	switch f {
	case descriptor.FormatYAML:
		return "application/yaml"
	case descriptor.FormatTOML:
		return "application/toml"
	}
	return "application/json"
}

func (r *Router) handleDump(c *gin.Context) {
	if err := r.mgr.Dump(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleResurrect(c *gin.Context) {
	names, err := r.mgr.Resurrect(c.Request.Context())
	if err != nil && names == nil {
		fail(c, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	if err != nil {
		writeJSON(c, http.StatusMultiStatus, struct {
			ResurrectResp
			Error string `json:"error"`
		}{ResurrectResp{Apps: names}, err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, ResurrectResp{Apps: names})
}
