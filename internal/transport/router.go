package transport

import (
	"net/http"
	"path/filepath"
)

const (
	pathNext    = "/get"
	pathStatus  = "/post"
	pathSubmit  = "/put"
	pathAddTask = "/add-task"
	pathStats   = "/stats"
	pathHealth  = "/healthz"
	pathMetrics = "/metrics"
	pathPublic  = "/public/"
)

type Handler interface {
	next(w http.ResponseWriter, r *http.Request)
	updateStatus(w http.ResponseWriter, r *http.Request)
	submit(w http.ResponseWriter, r *http.Request)
	addTask(w http.ResponseWriter, r *http.Request)
	stats(w http.ResponseWriter, r *http.Request)
	health(w http.ResponseWriter, r *http.Request)
}

type router struct {
	h            Handler
	metrics      http.Handler
	dashboardDir string
}

// NewRouter mounts the dashboard only when dashboardDir is set, and the
// metrics endpoint only when metrics is not nil.
func NewRouter(h Handler, metrics http.Handler, dashboardDir string) *router {
	return &router{
		h:            h,
		metrics:      metrics,
		dashboardDir: dashboardDir,
	}
}

func (r *router) MountRoutes(mux *http.ServeMux) *http.ServeMux {
	mux.HandleFunc(pathNext, r.h.next)
	mux.HandleFunc(pathStatus, r.h.updateStatus)
	mux.HandleFunc(pathSubmit, r.h.submit)
	mux.HandleFunc(pathAddTask, r.h.addTask)
	mux.HandleFunc(pathStats, r.h.stats)
	mux.HandleFunc(pathHealth, r.h.health)

	if r.metrics != nil {
		mux.Handle(pathMetrics, r.metrics)
	}

	if r.dashboardDir != "" {
		mux.Handle(pathPublic, http.StripPrefix(pathPublic, http.FileServer(http.Dir(r.dashboardDir))))
		index := filepath.Join(r.dashboardDir, "index.html")
		mux.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
			if req.URL.Path != "/" {
				writeError(w, http.StatusNotFound, "")
				return
			}
			http.ServeFile(w, req, index)
		})
	}

	return mux
}
