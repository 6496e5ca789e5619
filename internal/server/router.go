package server

import (
	"context"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/agentfleet/fleetd/internal/metrics"
	"github.com/agentfleet/fleetd/internal/reconciler"
	"github.com/agentfleet/fleetd/internal/scheduler"
)

// Backend is what the admin API reads and drives.
type Backend interface {
	Services(ctx context.Context) ([]reconciler.VerifiedServiceState, error)
	Service(ctx context.Context, name string) (reconciler.VerifiedServiceState, error)
	Reconcile(ctx context.Context) (*reconciler.Result, error)
	RestartService(ctx context.Context, name string) error
	Jobs(ctx context.Context) ([]scheduler.JobInfo, error)
	RunJob(ctx context.Context, name string) (scheduler.Run, error)
}

// Router serves the admin API. Endpoints, relative to basePath:
//
//	GET  /healthz
//	GET  /services
//	GET  /services/:name
//	POST /services/:name/restart
//	POST /reconcile
//	GET  /jobs
//	POST /jobs/:name/run
//	GET  /metrics             (when enabled)
type Router struct {
	backend  Backend
	basePath string
	metrics  bool
}

// NewRouter constructs a Router. basePath may be empty or start with '/'.
func NewRouter(b Backend, basePath string, withMetrics bool) *Router {
	return &Router{backend: b, basePath: sanitizeBase(basePath), metrics: withMetrics}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealth)
	group.GET("/services", r.handleServices)
	group.GET("/services/:name", r.handleService)
	group.POST("/services/:name/restart", r.handleRestart)
	group.POST("/reconcile", r.handleReconcile)
	group.GET("/jobs", r.handleJobs)
	group.POST("/jobs/:name/run", r.handleRunJob)
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// --- Handlers ---

type okResp struct {
	OK bool `json:"ok"`
}

type healthResp struct {
	OK  bool `json:"ok"`
	PID int  `json:"pid"`
}

type reconcileResp struct {
	Result *reconciler.Result `json:"result,omitempty"`
	Error  string             `json:"error,omitempty"`
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, healthResp{OK: true, PID: os.Getpid()})
}

func (r *Router) handleServices(c *gin.Context) {
	states, err := r.backend.Services(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if states == nil {
		states = []reconciler.VerifiedServiceState{}
	}
	writeJSON(c, http.StatusOK, states)
}

func (r *Router) handleService(c *gin.Context) {
	name, ok := nameParam(c)
	if !ok {
		return
	}
	st, err := r.backend.Service(c.Request.Context(), name)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleRestart(c *gin.Context) {
	name, ok := nameParam(c)
	if !ok {
		return
	}
	if err := r.backend.RestartService(c.Request.Context(), name); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// handleReconcile always returns the pass result; a failed pass answers 500
// with the composite error next to it.
func (r *Router) handleReconcile(c *gin.Context) {
	res, err := r.backend.Reconcile(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, reconcileResp{Result: res, Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, reconcileResp{Result: res})
}

func (r *Router) handleJobs(c *gin.Context) {
	jobs, err := r.backend.Jobs(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if jobs == nil {
		jobs = []scheduler.JobInfo{}
	}
	writeJSON(c, http.StatusOK, jobs)
}

func (r *Router) handleRunJob(c *gin.Context) {
	name, ok := nameParam(c)
	if !ok {
		return
	}
	run, err := r.backend.RunJob(c.Request.Context(), name)
	if err != nil {
		writeError(c, err)
		return
	}
	if run.Skipped {
		writeJSON(c, http.StatusConflict, run)
		return
	}
	writeJSON(c, http.StatusOK, run)
}
