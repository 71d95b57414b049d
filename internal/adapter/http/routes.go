package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/healthz", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Tasks
		r.Post("/tasks", h.CreateTask)
		r.Get("/tasks", h.ListTasks)
		r.Get("/tasks/graph", h.GetTaskGraph)
		r.Post("/tasks/execute-ready", h.ExecuteReady)
		r.Get("/tasks/{id}", h.GetTask)
		r.Post("/tasks/{id}/execute", h.ExecuteTask)
		r.Post("/tasks/{id}/complete", h.CompleteTask)
		r.Post("/tasks/{id}/decompose", h.DecomposeTask)
		r.Get("/tasks/{id}/dependencies", h.CheckDependencies)
		r.Get("/tasks/{id}/executions", h.ListExecutions)
		r.Post("/tasks/{id}/tests", h.CreateTest)
		r.Post("/tasks/{id}/executions/{executionID}/tests", h.RunTests)

		// Confidence
		r.Get("/tasks/{id}/trend", h.GetTrend)
		r.Post("/confidence/simulate", h.SimulateOutcome)

		// Prediction
		r.Get("/tasks/{id}/predict", h.PredictNextStates)
		r.Get("/tasks/{id}/path", h.GetOptimalPath)
		r.Get("/patterns/{taskType}", h.AnalyzeTaskPattern)

		// Correction
		r.Post("/tasks/{id}/analyze", h.AnalyzeFailure)
		r.Post("/tasks/{id}/correct", h.AttemptAutoCorrection)
		r.Post("/tasks/{id}/rollback-points", h.CreateRollbackPoint)
		r.Get("/tasks/{id}/rollback-points", h.ListRollbackPoints)
		r.Post("/tasks/{id}/rollback", h.Rollback)
		r.Get("/executions/{executionID}/corrections", h.ListCorrections)
	})

	// WebSocket endpoint for real-time task events
	if h.Hub != nil {
		r.Get("/ws", h.Hub.HandleWS)
	}
}
