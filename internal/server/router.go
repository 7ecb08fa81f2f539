package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/lunarpod/internal/metrics"
	"github.com/loykin/lunarpod/internal/podbay"
)

// Options configures the router.
type Options struct {
	// BasePath may be empty or start with '/'; no trailing slash.
	BasePath string
	// CORSOrigin is sent as Access-Control-Allow-Origin when set.
	CORSOrigin string
	// RequestTimeout bounds each request's context. Zero disables it.
	RequestTimeout time.Duration
	// Resources serves GET /metrics/daemon when set.
	Resources *metrics.ResourceCollector
	// Metrics serves GET /metrics when true.
	Metrics bool
}

// Router provides embeddable HTTP handlers over a pod bay.
// Endpoints, relative to BasePath:
//
//	GET    /ping
//	GET    /pods                      pod status list
//	POST   /pods                      body: {"id":"...","component":"..."}
//	DELETE /pods?id=...
//	GET    /pod/:id                   status and components
//	POST   /pod/:id                   body: {"command":"...","args":{...}}
//	POST   /pod/:id/:action           init|start|stop|restart, query component=...
//	GET    /open                      open database names
//	POST   /open                      body: {"dbName":"...","dbType":"...","orbitDbId":"..."}
//	GET    /db/:id
//	POST   /db/:id                    body: {"command":"...","args":{...}}
//	DELETE /db/:id
//	GET    /logbooks
//	GET    /logbooks/:logbook         query: level, pod, process, last
//	GET    /logs                      query: level, pod, process, last
type Router struct {
	bay  *podbay.PodBay
	opts Options
}

func NewRouter(bay *podbay.PodBay, opts Options) *Router {
	opts.BasePath = basePath(opts.BasePath)
	return &Router{bay: bay, opts: opts}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(recovery(r.bay), cors(r.opts.CORSOrigin), timeout(r.opts.RequestTimeout))
	r.Register(g.Group(r.opts.BasePath))
	g.NoRoute(func(c *gin.Context) {
		fail(c, http.StatusNotFound, errors.New("route not found"))
	})
	return g
}

// Register adds the routes to an existing gin group.
func (r *Router) Register(group *gin.RouterGroup) {
	group.GET("/ping", r.handlePing)

	group.GET("/pods", r.handleListPods)
	group.POST("/pods", r.handleNewPod)
	group.DELETE("/pods", r.handleRemovePod)
	group.GET("/pod/:id", r.handleGetPod)
	group.POST("/pod/:id", r.handleExecute)
	group.POST("/pod/:id/:action", r.handleLifecycle)

	group.GET("/open", r.handleListOpen)
	group.POST("/open", r.handleOpen)
	group.GET("/db/:id", r.handleGetDb)
	group.POST("/db/:id", r.handleOperation)
	group.DELETE("/db/:id", r.handleCloseDb)

	group.GET("/logbooks", r.handleLogBooks)
	group.GET("/logbooks/:logbook", r.handleLogBook)
	group.GET("/logs", r.handleLogs)

	if r.opts.Metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	if r.opts.Resources != nil {
		group.GET("/metrics/daemon", r.handleDaemonMetrics)
	}
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, opts Options, bay *podbay.PodBay) (*http.Server, error) {
	r := NewRouter(bay, opts)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}
