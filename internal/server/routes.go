package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Worker-facing coordinator routes
	mux.HandleFunc("/service/work", s.app.WorkHandler.GetWorkHandler)       // GET - claim next item
	mux.HandleFunc("/service/work/", s.app.WorkHandler.CompleteWorkHandler) // PUT /{id} - report completion
	mux.HandleFunc("/service/metrics", s.app.WorkHandler.MetricsHandler)
	mux.HandleFunc("/service/deployment-callback", s.app.WorkHandler.DeploymentCallbackHandler)

	// User-facing job routes
	mux.HandleFunc("/requests", s.app.RequestHandler.SubmitHandler)
	mux.HandleFunc("/jobs", s.app.JobHandler.ListJobsHandler)
	mux.HandleFunc("/jobs/", s.handleJobRoutes) // Handles /jobs/{id} and subpaths

	// WebSocket event stream
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// System routes
	mux.HandleFunc("/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/health", s.app.APIHandler.HealthHandler)

	return mux
}

// handleJobRoutes routes job-related requests to the appropriate handler
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if r.Method == "POST" {
		switch {
		case strings.HasSuffix(path, "/cancel"):
			s.app.JobHandler.CancelJobHandler(w, r)
		case strings.HasSuffix(path, "/pause"):
			s.app.JobHandler.PauseJobHandler(w, r)
		case strings.HasSuffix(path, "/resume"):
			s.app.JobHandler.ResumeJobHandler(w, r)
		default:
			http.Error(w, "Not found", http.StatusNotFound)
		}
		return
	}

	if r.Method == "PUT" && strings.HasSuffix(path, "/labels") {
		s.app.JobHandler.SetLabelsHandler(w, r)
		return
	}

	// GET /jobs/{id}
	if r.Method == "GET" {
		s.app.JobHandler.GetJobHandler(w, r)
		return
	}

	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}
