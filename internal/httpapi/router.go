package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/paulgrammer/taskmaster/internal/export"
	"github.com/paulgrammer/taskmaster/internal/jobs"
	"github.com/paulgrammer/taskmaster/internal/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const maxBodyBytes = 1 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

type Option func(*router)

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(r *router) { r.gatherer = g }
}

// WithCompletedLimit sets the default size of completed job listings.
func WithCompletedLimit(n int) Option {
	return func(r *router) {
		if n > 0 {
			r.completedLimit = n
		}
	}
}

type router struct {
	manager        *jobs.Manager
	schema         *jsonschema.Schema
	gatherer       prometheus.Gatherer
	completedLimit int
}

func NewRouter(manager *jobs.Manager, opts ...Option) (http.Handler, error) {
	schema, err := compileSchema("create_job.json", createJobSchema)
	if err != nil {
		return nil, err
	}
	rt := &router{
		manager:        manager,
		schema:         schema,
		gatherer:       prometheus.DefaultGatherer,
		completedLimit: 10,
	}
	for _, opt := range opts {
		opt(rt)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logging)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", rt.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(rt.gatherer, promhttp.HandlerOpts{}))

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", rt.handleCreateJob)
		r.Get("/", rt.handleListJobs)
		r.Get("/active", rt.handleActiveJobs)
		r.Get("/completed", rt.handleCompletedJobs)
		r.Get("/completed/export.xlsx", rt.handleExportCompleted)
		r.Get("/{id}", rt.handleJob)
		r.Post("/{id}/start", rt.handleStartJob)
		r.Post("/{id}/cancel", rt.handleCancelJob)
		r.Get("/{id}/logs", rt.handleJobLogs)
	})

	r.Get("/worker/status", rt.handleStatus)
	r.Post("/worker/restart", rt.handleRestartWorker)
	r.Post("/monitor/restart", rt.handleRestartMonitor)
	return r, nil
}

func (rt *router) handleCreateJob(w http.ResponseWriter, req *http.Request) {
	data, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if err := validateJSON(rt.schema, data); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	var body jobs.CreateJobRequest
	if err := json.Unmarshal(data, &body); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid json")
		return
	}

	job, err := rt.manager.Submit(body)
	if err != nil {
		respondWithJobError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, job)
}

func (rt *router) handleListJobs(w http.ResponseWriter, req *http.Request) {
	limit, ok := rt.limit(w, req)
	if !ok {
		return
	}
	respondWithJSON(w, http.StatusOK, map[string][]jobs.Job{
		"active_jobs":    rt.manager.ListActiveJobs(),
		"completed_jobs": rt.manager.ListCompletedJobs(limit),
	})
}

func (rt *router) handleActiveJobs(w http.ResponseWriter, req *http.Request) {
	respondWithJSON(w, http.StatusOK, rt.manager.ListActiveJobs())
}

func (rt *router) handleCompletedJobs(w http.ResponseWriter, req *http.Request) {
	limit, ok := rt.limit(w, req)
	if !ok {
		return
	}
	respondWithJSON(w, http.StatusOK, rt.manager.ListCompletedJobs(limit))
}

func (rt *router) handleExportCompleted(w http.ResponseWriter, req *http.Request) {
	limit, ok := rt.limit(w, req)
	if !ok {
		return
	}
	data, err := export.JobsXLSX(rt.manager.ListCompletedJobs(limit))
	if err != nil {
		slog.ErrorContext(req.Context(), "failed to export jobs", "error", err)
		respondWithError(w, http.StatusInternalServerError, "failed to export jobs")
		return
	}
	w.Header().Set("content-type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("content-disposition", `attachment; filename="jobs.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (rt *router) handleJob(w http.ResponseWriter, req *http.Request) {
	job, ok := rt.manager.GetJob(chi.URLParam(req, "id"))
	if !ok {
		respondWithError(w, http.StatusNotFound, "not found")
		return
	}
	respondWithJSON(w, http.StatusOK, job)
}

func (rt *router) handleStartJob(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	if err := rt.manager.StartJob(id); err != nil {
		respondWithJobError(w, err)
		return
	}
	job, _ := rt.manager.GetJob(id)
	respondWithJSON(w, http.StatusAccepted, job)
}

func (rt *router) handleCancelJob(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	if err := rt.manager.CancelJob(id); err != nil {
		respondWithJobError(w, err)
		return
	}
	job, _ := rt.manager.GetJob(id)
	respondWithJSON(w, http.StatusOK, job)
}

func (rt *router) handleStatus(w http.ResponseWriter, req *http.Request) {
	respondWithJSON(w, http.StatusOK, rt.manager.Status())
}

func (rt *router) handleRestartWorker(w http.ResponseWriter, req *http.Request) {
	respondWithRestart(w, rt.manager.RestartWorker())
}

func (rt *router) handleRestartMonitor(w http.ResponseWriter, req *http.Request) {
	respondWithRestart(w, rt.manager.RestartMonitor())
}

func respondWithRestart(w http.ResponseWriter, report jobs.RestartReport) {
	status := http.StatusOK
	if !report.Restarted {
		status = http.StatusServiceUnavailable
	}
	respondWithJSON(w, status, report)
}

func (rt *router) handleHealth(w http.ResponseWriter, req *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleJobLogs streams the job log tail and then live lines over a
// websocket. The stream ends when the job finishes.
func (rt *router) handleJobLogs(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	job, ok := rt.manager.GetJob(id)
	if !ok {
		respondWithError(w, http.StatusNotFound, "not found")
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		slog.ErrorContext(req.Context(), "failed to upgrade connection", "error", err)
		return
	}

	streamer := rt.manager.Streamer()
	if err := streamer.Subscribe(id, conn, job.Logs); err != nil {
		_ = conn.Close()
		return
	}
	defer streamer.Unsubscribe(id, conn)

	if job, _ := rt.manager.GetJob(id); job.Status.Terminal() {
		streamer.Close(id)
		return
	}

	// Keep the connection open
	for {
		if _, _, err := conn.NextReader(); err != nil {
			_ = conn.Close()
			break
		}
	}
}

func (rt *router) limit(w http.ResponseWriter, req *http.Request) (int, bool) {
	raw := req.URL.Query().Get("limit")
	if raw == "" {
		return rt.completedLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
		return 0, false
	}
	return n, true
}

func logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := log.ContextAttrs(r.Context(), slog.String("request_id", middleware.GetReqID(r.Context())))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))
		slog.InfoContext(ctx, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
		)
	})
}
