package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/unitd/internal/manager"
	"github.com/loykin/unitd/internal/metrics"
	"github.com/loykin/unitd/internal/process"
)

// Router exposes the process manager over HTTP. Endpoints live under
// {basePath}/api/v1; /metrics serves prometheus at the root.
type Router struct {
	mgr      *manager.Manager
	basePath string
}

func NewRouter(mgr *manager.Manager, basePath string) *Router {
	return &Router{mgr: mgr, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	api := g.Group(r.basePath + "/api/v1")
	api.POST("/processes", r.handleCreate)
	api.GET("/processes", r.handleList)
	api.GET("/processes/:ref", r.handleDescribe)
	api.PUT("/processes/:ref", r.handleUpdate)
	api.DELETE("/processes/:ref", r.handleDelete)
	api.POST("/processes/:ref/start", r.handleStart)
	api.POST("/processes/:ref/stop", r.handleStop)
	api.GET("/processes/:ref/status", r.handleStatus)
	api.GET("/processes/:ref/usage", r.handleUsage)
	api.POST("/reload", r.handleReload)
	g.GET(r.basePath+"/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, mgr *manager.Manager) (*http.Server, error) {
	r := NewRouter(mgr, basePath)
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

type errorResp struct {
	Error string `json:"error"`
}

type startResp struct {
	PID int `json:"pid"`
}

type stopResp struct {
	Stopped []string `json:"stopped"`
}

// StatusResp is the condensed runtime view served by /status.
type StatusResp struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	State               string    `json:"state"`
	PID                 int       `json:"pid,omitempty"`
	HealthStatus        string    `json:"health_status"`
	RunCount            int       `json:"run_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	StartedAt           time.Time `json:"started_at,omitempty"`
	StoppedAt           time.Time `json:"stopped_at,omitempty"`
}

func statusOf(p process.Process) StatusResp {
	return StatusResp{
		ID:                  string(p.ID),
		Name:                p.Name,
		State:               string(p.State),
		PID:                 p.PID,
		HealthStatus:        string(p.HealthStatus),
		RunCount:            p.RunCount,
		ConsecutiveFailures: p.ConsecutiveFailures,
		StartedAt:           p.StartedAt,
		StoppedAt:           p.StoppedAt,
	}
}

func (r *Router) handleCreate(c *gin.Context) {
	var def process.Process
	if err := c.ShouldBindJSON(&def); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeName(def.Name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-] and no '..'"})
		return
	}
	if !isSafeAbsPath(def.WorkDir) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid work_dir: must be absolute path without traversal"})
		return
	}
	if !isSafeAbsPath(def.PIDFile) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid pid_file: must be absolute path without traversal"})
		return
	}
	saved, err := r.mgr.Create(c.Request.Context(), def)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, saved)
}

func (r *Router) handleList(c *gin.Context) {
	procs, err := r.mgr.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, procs)
}

func (r *Router) handleDescribe(c *gin.Context) {
	p, err := r.mgr.Describe(c.Request.Context(), c.Param("ref"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, p)
}

func (r *Router) handleUpdate(c *gin.Context) {
	var def process.Process
	if err := c.ShouldBindJSON(&def); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	p, err := r.mgr.Update(c.Request.Context(), c.Param("ref"), def)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, p)
}

func (r *Router) handleDelete(c *gin.Context) {
	if err := r.mgr.Delete(c.Request.Context(), c.Param("ref")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (r *Router) handleStart(c *gin.Context) {
	pid, err := r.mgr.Start(c.Request.Context(), c.Param("ref"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, startResp{PID: pid})
}

func (r *Router) handleStop(c *gin.Context) {
	signal := 0
	if s := c.Query("signal"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "signal must be a positive integer"})
			return
		}
		signal = n
	}
	stopped, err := r.mgr.Stop(c.Request.Context(), c.Param("ref"), signal)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, stopResp{Stopped: stopped})
}

func (r *Router) handleStatus(c *gin.Context) {
	p, err := r.mgr.Describe(c.Request.Context(), c.Param("ref"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, statusOf(p))
}

func (r *Router) handleUsage(c *gin.Context) {
	u, err := r.mgr.Usage(c.Request.Context(), c.Param("ref"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, u)
}

func (r *Router) handleReload(c *gin.Context) {
	writeJSON(c, http.StatusNotImplemented, errorResp{Error: "configuration reload is not implemented"})
}

// writeError maps domain errors onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	var ice *process.InvalidCommandError
	var dnf *process.DependencyNotFoundError
	switch {
	case errors.Is(err, process.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, process.ErrDuplicate):
		code = http.StatusConflict
	case errors.Is(err, process.ErrNotRunning):
		code = http.StatusConflict
	case process.IsInvalidTransition(err):
		code = http.StatusConflict
	case errors.As(err, &ice):
		code = http.StatusBadRequest
	case errors.As(err, &dnf):
		code = http.StatusConflict
	}
	writeJSON(c, code, errorResp{Error: err.Error()})
}
