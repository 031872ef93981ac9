package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Jobs and traces
	mux.HandleFunc("/api/jobs", s.handleJobsRoute) // GET (list), POST (create)
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes) // Handles /api/jobs/{id} and subpaths

	// API routes - Archival
	mux.HandleFunc("/api/archive/sweep", s.handleSweepRoute) // POST (run), GET (last result)
	mux.HandleFunc("/api/metrics", s.app.ArchiveHandler.MetricsHandler)
	mux.HandleFunc("/api/errors", s.app.ArchiveHandler.ErrorsHandler)
	mux.HandleFunc("/api/features", s.handleFeaturesRoute) // GET (list), PUT (set)

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

func (s *Server) handleJobsRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r, s.app.JobHandler.ListJobsHandler, s.app.JobHandler.CreateJobHandler)
}

// handleJobRoutes routes /api/jobs/{id}[/suffix]
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	jobs := s.app.JobHandler

	routed := RouteByPathSuffix(w, r, "/api/jobs/", []PathSuffixRouter{
		{Suffix: "", Routes: MethodRouter{http.MethodGet: jobs.GetJobHandler}},
		{Suffix: "/trace", Routes: MethodRouter{
			http.MethodGet:  jobs.TraceStatusHandler,
			http.MethodPost: jobs.AppendTraceHandler,
		}},
		{Suffix: "/trace/raw", Routes: MethodRouter{http.MethodGet: jobs.RawTraceHandler}},
		{Suffix: "/finish", Routes: MethodRouter{http.MethodPost: jobs.FinishJobHandler}},
		{Suffix: "/archive", Routes: MethodRouter{http.MethodPost: jobs.ArchiveJobHandler}},
	})
	if !routed {
		s.app.APIHandler.NotFoundHandler(w, r)
	}
}

func (s *Server) handleSweepRoute(w http.ResponseWriter, r *http.Request) {
	RouteByMethod(w, r, MethodRouter{
		http.MethodGet:  s.app.ArchiveHandler.LastSweepHandler,
		http.MethodPost: s.app.ArchiveHandler.SweepHandler,
	})
}

func (s *Server) handleFeaturesRoute(w http.ResponseWriter, r *http.Request) {
	RouteByMethod(w, r, MethodRouter{
		http.MethodGet: s.app.ArchiveHandler.ListFeaturesHandler,
		http.MethodPut: s.app.ArchiveHandler.SetFeatureHandler,
	})
}
