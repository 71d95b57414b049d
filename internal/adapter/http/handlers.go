package http

import (
	"net/http"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fieldline/conductor/internal/adapter/ws"
	"github.com/fieldline/conductor/internal/domain/task"
	"github.com/fieldline/conductor/internal/port/messagequeue"
	"github.com/fieldline/conductor/internal/service"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Orchestrator *service.Orchestrator
	Confidence   *service.ConfidenceModel
	Predictor    *service.TransitionPredictor
	Correction   *service.SelfCorrectionEngine
	Hub          *ws.Hub
	Pool         *pgxpool.Pool      // health checks
	Queue        messagequeue.Queue // optional, health checks
}

// --- Tasks ---

func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[task.CreateRequest](w, r)
	if !ok {
		return
	}
	t, err := h.Orchestrator.CreateTask(r.Context(), &req)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Orchestrator.GetTask(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	filter := task.ListFilter{
		Status:   task.Status(r.URL.Query().Get("status")),
		TaskType: r.URL.Query().Get("task_type"),
		ParentID: r.URL.Query().Get("parent_id"),
	}
	tasks, err := h.Orchestrator.ListTasks(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err, "tasks not found")
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) ExecuteTask(w http.ResponseWriter, r *http.Request) {
	exec, err := h.Orchestrator.ExecuteTask(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (h *Handlers) CompleteTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Orchestrator.CompleteTask(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) DecomposeTask(w http.ResponseWriter, r *http.Request) {
	subtasks, err := h.Orchestrator.DecomposeTask(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, subtasks)
}

func (h *Handlers) CheckDependencies(w http.ResponseWriter, r *http.Request) {
	met, err := h.Orchestrator.CheckDependencies(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"dependencies_met": met})
}

func (h *Handlers) GetTaskGraph(w http.ResponseWriter, r *http.Request) {
	graph, err := h.Orchestrator.GetTaskGraph(r.Context())
	if err != nil {
		writeDomainError(w, err, "tasks not found")
		return
	}
	writeJSON(w, http.StatusOK, graph)
}

func (h *Handlers) ExecuteReady(w http.ResponseWriter, r *http.Request) {
	executions, err := h.Orchestrator.ExecuteReady(r.Context())
	if err != nil {
		writeDomainError(w, err, "tasks not found")
		return
	}
	if executions == nil {
		executions = []task.Execution{}
	}
	writeJSON(w, http.StatusOK, executions)
}

// --- Executions and tests ---

func (h *Handlers) ListExecutions(w http.ResponseWriter, r *http.Request) {
	executions, err := h.Orchestrator.ListExecutions(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	if executions == nil {
		executions = []task.Execution{}
	}
	writeJSON(w, http.StatusOK, executions)
}

func (h *Handlers) CreateTest(w http.ResponseWriter, r *http.Request) {
	tst, ok := readJSON[task.Test](w, r)
	if !ok {
		return
	}
	tst.TaskID = urlParam(r, "id")
	created, err := h.Orchestrator.CreateTest(r.Context(), &tst)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handlers) RunTests(w http.ResponseWriter, r *http.Request) {
	report, err := h.Orchestrator.RunTests(r.Context(), urlParam(r, "id"), urlParam(r, "executionID"))
	if err != nil {
		writeDomainError(w, err, "task or execution not found")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Confidence ---

func (h *Handlers) GetTrend(w http.ResponseWriter, r *http.Request) {
	window := 10
	if s := r.URL.Query().Get("window"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 2 {
			writeError(w, http.StatusBadRequest, "window must be an integer >= 2")
			return
		}
		window = n
	}
	trend, err := h.Confidence.Trend(r.Context(), urlParam(r, "id"), window)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"trend": string(trend)})
}

type simulateRequest struct {
	TaskType         string  `json:"task_type"`
	ComplexityScore  float64 `json:"complexity_score"`
	PlannedTests     int     `json:"planned_tests"`
	ExpectedPassRate float64 `json:"expected_pass_rate"`
	TargetConfidence int     `json:"target_confidence"`
}

func (h *Handlers) SimulateOutcome(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[simulateRequest](w, r)
	if !ok {
		return
	}
	if req.TaskType == "" {
		writeError(w, http.StatusBadRequest, "task_type is required")
		return
	}
	if req.TargetConfidence == 0 {
		req.TargetConfidence = task.DefaultTargetConfidence
	}
	projection, err := h.Confidence.Simulate(r.Context(), req.TaskType, req.ComplexityScore,
		req.PlannedTests, req.ExpectedPassRate, req.TargetConfidence)
	if err != nil {
		writeDomainError(w, err, "prior not found")
		return
	}
	writeJSON(w, http.StatusOK, projection)
}

// --- Prediction ---

func (h *Handlers) PredictNextStates(w http.ResponseWriter, r *http.Request) {
	t, err := h.Orchestrator.GetTask(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	pred, err := h.Predictor.PredictNextStates(r.Context(), t.Status, t.TaskType,
		t.ConfidenceScore, t.FloorConfidence, t.TargetConfidence)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, pred)
}

func (h *Handlers) GetOptimalPath(w http.ResponseWriter, r *http.Request) {
	t, err := h.Orchestrator.GetTask(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	goal := task.Status(r.URL.Query().Get("goal"))
	if goal == "" {
		goal = task.StatusCompleted
	}
	path, err := h.Predictor.GetOptimalPath(r.Context(), t.Status, goal, t.TaskType, t.ConfidenceScore)
	if err != nil {
		writeDomainError(w, err, "no path with usable probability")
		return
	}
	writeJSON(w, http.StatusOK, path)
}

func (h *Handlers) AnalyzeTaskPattern(w http.ResponseWriter, r *http.Request) {
	pattern, err := h.Predictor.AnalyzeTaskPattern(r.Context(), urlParam(r, "taskType"))
	if err != nil {
		writeDomainError(w, err, "pattern not found")
		return
	}
	writeJSON(w, http.StatusOK, pattern)
}

// --- Correction ---

type correctionRequest struct {
	ExecutionID string `json:"execution_id"`
}

func (h *Handlers) AnalyzeFailure(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[correctionRequest](w, r)
	if !ok {
		return
	}
	if req.ExecutionID == "" {
		writeError(w, http.StatusBadRequest, "execution_id is required")
		return
	}
	diag, err := h.Correction.AnalyzeFailure(r.Context(), urlParam(r, "id"), req.ExecutionID)
	if err != nil {
		writeDomainError(w, err, "task or execution not found")
		return
	}
	writeJSON(w, http.StatusOK, diag)
}

func (h *Handlers) AttemptAutoCorrection(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[correctionRequest](w, r)
	if !ok {
		return
	}
	if req.ExecutionID == "" {
		writeError(w, http.StatusBadRequest, "execution_id is required")
		return
	}
	result, err := h.Correction.AttemptAutoCorrection(r.Context(), urlParam(r, "id"), req.ExecutionID)
	if err != nil {
		writeDomainError(w, err, "task or execution not found")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) CreateRollbackPoint(w http.ResponseWriter, r *http.Request) {
	req, _ := readJSONOptional[correctionRequest](r)
	point, err := h.Correction.CreateRollbackPoint(r.Context(), urlParam(r, "id"), req.ExecutionID)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusCreated, point)
}

func (h *Handlers) ListRollbackPoints(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Correction.RollbackPoints(urlParam(r, "id")))
}

func (h *Handlers) Rollback(w http.ResponseWriter, r *http.Request) {
	point, err := h.Correction.Rollback(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "no rollback points for task")
		return
	}
	writeJSON(w, http.StatusOK, point)
}

func (h *Handlers) ListCorrections(w http.ResponseWriter, r *http.Request) {
	records, err := h.Correction.ListCorrections(r.Context(), urlParam(r, "executionID"))
	if err != nil {
		writeDomainError(w, err, "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// --- Health ---

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok"}

	if h.Pool != nil {
		if err := h.Pool.Ping(r.Context()); err != nil {
			status["status"] = "degraded"
			status["postgres"] = err.Error()
		} else {
			status["postgres"] = "ok"
		}
	}
	if h.Queue != nil {
		if h.Queue.IsConnected() {
			status["nats"] = "ok"
		} else {
			status["status"] = "degraded"
			status["nats"] = "disconnected"
		}
	}
	if h.Hub != nil {
		status["websocket_clients"] = h.Hub.ConnectionCount()
	}

	code := http.StatusOK
	if status["status"] != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}
