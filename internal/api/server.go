// Package api serves the run state of a sweep orchestrator over HTTP and
// lets operators start and stop shapes, list stored runs and scrape metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/sweeplab/internal/db"
	"github.com/banshee-data/sweeplab/internal/httputil"
	"github.com/banshee-data/sweeplab/internal/measurement"
	"github.com/banshee-data/sweeplab/internal/monitoring"
	"github.com/banshee-data/sweeplab/internal/sink"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// defaultRunLimit caps /api/runs when no limit is given.
const defaultRunLimit = 50

// Runner is the part of the orchestrator the API drives.
type Runner interface {
	Start(ctx context.Context, shape measurement.Shape) error
	Stop()
	State() measurement.State
}

// RunStore lists and loads persisted results.
type RunStore interface {
	ListRuns(ctx context.Context, limit int) ([]db.RunSummary, error)
	LoadRun(ctx context.Context, id uuid.UUID) (*sink.Result, error)
}

// AdminRouter registers debug handlers under /debug/.
type AdminRouter interface {
	AttachAdminRoutes(mux *http.ServeMux)
}

type Server struct {
	runner   Runner
	runs     RunStore
	gatherer prometheus.Gatherer
	admin    []AdminRouter
	log      monitoring.Logger

	// base outlives the request that started a run.
	base context.Context
}

// Options configures a Server. Runs, Gatherer and Admin may be nil.
type Options struct {
	Runner   Runner
	Runs     RunStore
	Gatherer prometheus.Gatherer
	Admin    []AdminRouter
	Log      monitoring.Logger
	// Context bounds runs started over HTTP; nil means Background.
	Context context.Context
}

func NewServer(opts Options) *Server {
	base := opts.Context
	if base == nil {
		base = context.Background()
	}
	return &Server{
		runner:   opts.Runner,
		runs:     opts.Runs,
		gatherer: opts.Gatherer,
		admin:    opts.Admin,
		log:      opts.Log,
		base:     base,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", s.showState)
	mux.HandleFunc("/api/shapes", s.listShapes)
	mux.HandleFunc("/api/start", s.startShape)
	mux.HandleFunc("/api/stop", s.stopRun)
	mux.HandleFunc("/api/runs", s.listRuns)
	mux.HandleFunc("/api/runs/{id}", s.showRun)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	for _, a := range s.admin {
		a.AttachAdminRoutes(mux)
	}
	return mux
}

func (s *Server) showState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.runner.State())
}

// ShapeInfo describes one shape for /api/shapes.
type ShapeInfo struct {
	Name     string `json:"name"`
	Buffered bool   `json:"buffered"`
}

func (s *Server) listShapes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	shapes := measurement.Shapes()
	out := make([]ShapeInfo, len(shapes))
	for i, sh := range shapes {
		out[i] = ShapeInfo{Name: string(sh), Buffered: sh.Buffered()}
	}
	httputil.WriteJSONOK(w, out)
}

// StartRequest is the body of POST /api/start. The shape may also be given
// as a form value.
type StartRequest struct {
	Shape string `json:"shape"`
}

func (s *Server) startShape(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req StartRequest
	if r.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.BadRequest(w, "invalid JSON body: "+err.Error())
			return
		}
	} else {
		req.Shape = r.FormValue("shape")
	}
	shape, err := measurement.ParseShape(req.Shape)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	if err := s.runner.Start(context.WithoutCancel(s.base), shape); err != nil {
		if errors.Is(err, measurement.ErrRunning) {
			httputil.WriteJSONError(w, http.StatusConflict, err.Error())
			return
		}
		httputil.InternalServerError(w, err.Error())
		return
	}
	s.log.Printf("started %s over HTTP", shape)
	httputil.WriteJSON(w, http.StatusAccepted, s.runner.State())
}

func (s *Server) stopRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.runner.Stop()
	httputil.WriteJSONOK(w, s.runner.State())
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.runs == nil {
		httputil.NotFound(w, "no result database configured")
		return
	}
	limit := defaultRunLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 0 {
			httputil.BadRequest(w, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}
	runs, err := s.runs.ListRuns(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to list runs: "+err.Error())
		return
	}
	if runs == nil {
		runs = []db.RunSummary{}
	}
	httputil.WriteJSONOK(w, runs)
}

func (s *Server) showRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.runs == nil {
		httputil.NotFound(w, "no result database configured")
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.BadRequest(w, "invalid run id")
		return
	}
	res, err := s.runs.LoadRun(r.Context(), id)
	if errors.Is(err, db.ErrRunNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, "failed to load run: "+err.Error())
		return
	}
	httputil.WriteJSONOK(w, res)
}
