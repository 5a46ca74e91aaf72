// Package api exposes the panel-facing HTTP surface: bulk operation
// submission and polling, cluster registry CRUD, SSH key lifecycle, and the
// WebSocket job feed.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/proxpanel/bulkops/internal/config"
	"github.com/proxpanel/bulkops/internal/logging"
	"github.com/proxpanel/bulkops/internal/metrics"
	"github.com/proxpanel/bulkops/internal/websocket"
)

// Router handles HTTP routing.
type Router struct {
	mux    *http.ServeMux
	config *config.Config
	wsHub  *websocket.Hub
}

// Deps carries the handler dependencies into the router.
type Deps struct {
	Config      *config.Config
	Jobs        *JobHandlers
	Clusters    *ClusterHandlers
	Keys        *KeyHandlers
	WSHub       *websocket.Hub
	HealthCheck func() error // registry ping, reported by /api/health
}

// NewRouter creates the HTTP handler for the panel API.
func NewRouter(deps Deps) http.Handler {
	r := &Router{
		mux:    http.NewServeMux(),
		config: deps.Config,
		wsHub:  deps.WSHub,
	}
	r.setupRoutes(deps)
	return r
}

func (r *Router) setupRoutes(deps Deps) {
	r.mux.HandleFunc("/api/health", handleHealth(deps.HealthCheck))

	r.mux.HandleFunc("/api/bulk-ops", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		deps.Jobs.HandleList(w, req)
	})
	r.mux.HandleFunc("/api/bulk-ops/", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodPost:
			deps.Jobs.HandleSubmit(w, req)
		case http.MethodGet:
			deps.Jobs.HandleGet(w, req)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	r.mux.HandleFunc("/api/clusters", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodGet:
			deps.Clusters.HandleList(w, req)
		case http.MethodPost:
			deps.Clusters.HandleCreate(w, req)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	r.mux.HandleFunc("/api/clusters/", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodGet:
			deps.Clusters.HandleGet(w, req)
		case http.MethodPut:
			deps.Clusters.HandleUpdate(w, req)
		case http.MethodDelete:
			deps.Clusters.HandleDelete(w, req)
		case http.MethodPost:
			deps.Clusters.HandleTest(w, req)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	r.mux.HandleFunc("/api/ssh-keys", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		deps.Keys.HandleStatus(w, req)
	})
	r.mux.HandleFunc("/api/ssh-keys/rotate", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		deps.Keys.HandleRotate(w, req)
	})

	if r.wsHub != nil {
		r.mux.HandleFunc("/ws", r.wsHub.HandleWebSocket)
	}
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.config.AllowedOrigins != "" {
		w.Header().Set("Access-Control-Allow-Origin", r.config.AllowedOrigins)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	}
	if req.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

	// Honor a caller-supplied request ID so panel traces correlate across
	// services; generate one otherwise.
	ctx, requestID := logging.WithRequestID(req.Context(), req.Header.Get("X-Request-ID"))
	req = req.WithContext(ctx)
	w.Header().Set("X-Request-ID", requestID)

	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	r.mux.ServeHTTP(rec, req)

	metrics.HTTPRequestDuration.
		WithLabelValues(routeLabel(req.URL.Path), statusClass(rec.status)).
		Observe(time.Since(start).Seconds())
	log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Str("request_id", requestID).
		Int("status", rec.status).
		Dur("duration", time.Since(start)).
		Msg("Request handled")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// routeLabel collapses paths with ids so metric cardinality stays bounded.
func routeLabel(path string) string {
	switch {
	case path == "/api/bulk-ops":
		return "/api/bulk-ops"
	case len(path) > len("/api/bulk-ops/") && path[:len("/api/bulk-ops/")] == "/api/bulk-ops/":
		return "/api/bulk-ops/{id}"
	case path == "/api/clusters":
		return "/api/clusters"
	case len(path) > len("/api/clusters/") && path[:len("/api/clusters/")] == "/api/clusters/":
		return "/api/clusters/{id}"
	default:
		return path
	}
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}

func handleHealth(check func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		status := "healthy"
		code := http.StatusOK
		if check != nil {
			if err := check(); err != nil {
				status = "degraded: " + err.Error()
				code = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, code, map[string]string{
			"status": status,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}
