package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/copyleftdev/orchard/internal/config"
	"github.com/copyleftdev/orchard/internal/logging"
	"github.com/copyleftdev/orchard/internal/optimization"
	"github.com/copyleftdev/orchard/internal/optimization/problem"
)

// Logger defines the logging interface used by the server
// This allows us to be flexible with our logging implementation
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	Fatal(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

// Searcher runs one search to completion.
type Searcher interface {
	Run(ctx context.Context, model *problem.Model, params optimization.RunParams) (*optimization.Result, error)
}

// Run statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

var (
	errRunNotFound = errors.New("run not found")
	errRunFinished = errors.New("run already finished")
	errRateLimited = errors.New("too many runs started, retry later")
)

// RunState tracks one asynchronous search. Fields are guarded by the
// server's runsMu.
type RunState struct {
	ID          string
	Status      string
	StartTime   time.Time
	EndTime     *time.Time
	LastUpdated time.Time
	Params      optimization.RunParams
	Progress    float64
	Best        *optimization.Solution
	Slack       []float64
	Trace       []optimization.Snapshot
	Feasible    int
	Err         error
	CancelFunc  context.CancelFunc
}

// StartRequest is the body of a start call. Exactly one of Problem and
// Document must be set. Zero run parameters take the configured defaults.
type StartRequest struct {
	Problem     *problem.Model `json:"problem,omitempty" validate:"required_without=Document"`
	Document    string         `json:"document,omitempty"`
	Iterations  int            `json:"iterations" validate:"gte=0"`
	LogInterval int            `json:"log_interval" validate:"gte=0"`
	Workers     int            `json:"workers" validate:"gte=0,lte=256"`
	Seed        int64          `json:"seed"`
}

// RunStatus is the externally visible view of a RunState.
type RunStatus struct {
	ID         string                  `json:"run_id"`
	Status     string                  `json:"status"`
	Progress   float64                 `json:"progress"`
	StartTime  string                  `json:"start_time"`
	LastUpdate string                  `json:"last_update"`
	EndTime    string                  `json:"end_time,omitempty"`
	Iterations int                     `json:"iterations"`
	Interval   int                     `json:"log_interval"`
	Best       *optimization.Solution  `json:"best"`
	Slack      []float64               `json:"slack,omitempty"`
	Trace      []optimization.Snapshot `json:"trace"`
	Feasible   int                     `json:"feasible"`
	Error      string                  `json:"error,omitempty"`
	ErrorKind  string                  `json:"error_kind,omitempty"`
}

// Server implements the HTTP and JSON-RPC server for the orchard service.
// It manages runs and provides endpoints to start, monitor, and cancel them.
type Server struct {
	cfg      *config.Config
	logger   Logger
	engine   Searcher
	limiter  *rate.Limiter
	validate *validator.Validate

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	runs   map[string]*RunState
	runsMu sync.RWMutex // Protects runs and every RunState in it

	now func() time.Time
}

// NewServer creates a server that executes runs on engine.
func NewServer(cfg *config.Config, logger Logger, engine Searcher) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		logger:     logger,
		engine:     engine,
		limiter:    rate.NewLimiter(rate.Limit(cfg.HTTP.StartRate), cfg.HTTP.StartBurst),
		validate:   validator.New(),
		baseCtx:    ctx,
		baseCancel: cancel,
		runs:       make(map[string]*RunState),
		now:        time.Now,
	}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/optimize", s.handleOptimize)
		r.Get("/status/{id}", s.handleStatus)
		r.Delete("/optimization/{id}", s.handleCancel)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

// startRun validates req, registers a run and starts it in the background.
// Only requests that pass validation take a token from the start limiter.
func (s *Server) startRun(req StartRequest) (*RunStatus, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, optimization.InvalidParameterf("%v", err).WithComponent("server")
	}

	model := req.Problem
	if req.Document != "" {
		if model != nil {
			return nil, optimization.InvalidParameterf("problem and document are mutually exclusive").
				WithComponent("server")
		}
		parsed, err := problem.Parse(strings.NewReader(req.Document))
		if err != nil {
			return nil, err
		}
		model = parsed
	}

	params := optimization.RunParams{
		Iterations:  req.Iterations,
		LogInterval: req.LogInterval,
		Workers:     req.Workers,
		Seed:        req.Seed,
	}
	if params.Iterations == 0 {
		params.Iterations = s.cfg.Orchard.Iterations
	}
	if params.LogInterval == 0 {
		params.LogInterval = s.cfg.Orchard.LogInterval
	}
	if params.Workers == 0 {
		params.Workers = s.cfg.Orchard.WorkerCount
	}
	if params.Iterations > s.cfg.Orchard.MaxIterations {
		return nil, optimization.InvalidParameterf("iteration count %d exceeds the limit of %d",
			params.Iterations, s.cfg.Orchard.MaxIterations).WithComponent("server")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if !s.limiter.Allow() {
		return nil, errRateLimited
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if s.cfg.Orchard.RunTimeout > 0 {
		ctx, cancel = context.WithTimeout(s.baseCtx, s.cfg.Orchard.RunTimeout)
	} else {
		ctx, cancel = context.WithCancel(s.baseCtx)
	}

	now := s.now()
	state := &RunState{
		ID:          uuid.NewString(),
		Status:      StatusPending,
		StartTime:   now,
		LastUpdated: now,
		Params:      params,
		Trace:       []optimization.Snapshot{},
		CancelFunc:  cancel,
	}
	params.OnSnapshot = func(snap optimization.Snapshot) {
		s.runsMu.Lock()
		defer s.runsMu.Unlock()
		state.Trace = append(state.Trace, snap)
		state.Best = snap.Best
		state.Progress = float64(snap.Iteration) / float64(params.Iterations)
		state.LastUpdated = s.now()
	}

	s.runsMu.Lock()
	s.pruneLocked(now)
	s.runs[state.ID] = state
	view := s.statusLocked(state)
	s.runsMu.Unlock()

	s.logger.Info("Run started", map[string]interface{}{
		"run_id":       state.ID,
		"vars":         model.Vars(),
		"rows":         model.Rows(),
		"iterations":   params.Iterations,
		"log_interval": params.LogInterval,
	})

	s.wg.Add(1)
	go s.runSearch(ctx, state, model, params)

	return view, nil
}

// runSearch executes the search in a goroutine
func (s *Server) runSearch(ctx context.Context, state *RunState, model *problem.Model, params optimization.RunParams) {
	defer s.wg.Done()
	defer state.CancelFunc()

	s.runsMu.Lock()
	if state.Status == StatusPending {
		state.Status = StatusRunning
	}
	s.runsMu.Unlock()

	result, err := s.engine.Run(ctx, model, params)

	s.runsMu.Lock()
	defer s.runsMu.Unlock()

	now := s.now()
	state.LastUpdated = now
	if state.Status == StatusCancelled {
		// Cancelled through the API; EndTime is already set.
		return
	}
	state.EndTime = &now

	switch {
	case err == nil:
		state.Status = StatusCompleted
		state.Progress = 1
		state.Best = result.Best
		state.Slack = result.Slack
		state.Trace = result.Trace
		state.Feasible = result.Feasible
	case errors.Is(err, context.Canceled):
		state.Status = StatusCancelled
		state.Err = err
	default:
		state.Status = StatusFailed
		state.Err = err
		s.logger.Error("Run failed", map[string]interface{}{
			"run_id": state.ID,
			"error":  err.Error(),
		})
		return
	}
	s.logger.Info("Run finished", map[string]interface{}{
		"run_id": state.ID,
		"status": state.Status,
		"found":  state.Best != nil,
	})
}

// pruneLocked drops finished runs that ended more than RunRetention ago.
func (s *Server) pruneLocked(now time.Time) {
	retention := s.cfg.Orchard.RunRetention
	if retention <= 0 {
		return
	}
	for id, state := range s.runs {
		if state.EndTime != nil && now.Sub(*state.EndTime) > retention {
			delete(s.runs, id)
		}
	}
}

// status returns a snapshot of the run's state. Runs past their retention
// are reported as not found even before they are pruned.
func (s *Server) status(id string) (*RunStatus, error) {
	s.runsMu.RLock()
	defer s.runsMu.RUnlock()

	state, ok := s.runs[id]
	if !ok || s.expiredLocked(state) {
		return nil, errRunNotFound
	}
	return s.statusLocked(state), nil
}

func (s *Server) expiredLocked(state *RunState) bool {
	retention := s.cfg.Orchard.RunRetention
	return retention > 0 && state.EndTime != nil && s.now().Sub(*state.EndTime) > retention
}

func (s *Server) statusLocked(state *RunState) *RunStatus {
	view := &RunStatus{
		ID:         state.ID,
		Status:     state.Status,
		Progress:   state.Progress,
		StartTime:  state.StartTime.Format(time.RFC3339),
		LastUpdate: state.LastUpdated.Format(time.RFC3339),
		Iterations: state.Params.Iterations,
		Interval:   state.Params.LogInterval,
		Best:       state.Best.Clone(),
		Slack:      append([]float64(nil), state.Slack...),
		Trace:      make([]optimization.Snapshot, len(state.Trace)),
		Feasible:   state.Feasible,
	}
	copy(view.Trace, state.Trace)
	if state.EndTime != nil {
		view.EndTime = state.EndTime.Format(time.RFC3339)
	}
	if state.Err != nil {
		view.Error = state.Err.Error()
		view.ErrorKind = optimization.KindOf(state.Err)
	}
	return view
}

// cancel stops a pending or running run.
func (s *Server) cancel(id string) error {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()

	state, ok := s.runs[id]
	if !ok || s.expiredLocked(state) {
		return errRunNotFound
	}
	switch state.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return fmt.Errorf("%w: status is %s", errRunFinished, state.Status)
	}

	state.CancelFunc()
	now := s.now()
	state.Status = StatusCancelled
	state.EndTime = &now
	state.LastUpdated = now

	s.logger.Info("Run cancelled", map[string]interface{}{"run_id": id})
	return nil
}

// Close cancels all runs and waits for their goroutines to exit.
func (s *Server) Close() error {
	s.baseCancel()
	s.wg.Wait()
	return nil
}

// httpStatus maps a start/status/cancel error to an HTTP status code.
func httpStatus(err error) int {
	switch {
	case optimization.IsInputError(err):
		return http.StatusBadRequest
	case errors.Is(err, errRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, errRunFinished):
		return http.StatusConflict
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests
	case isBodyTooLarge(err):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func isBodyTooLarge(err error) bool {
	var tooLarge *http.MaxBytesError
	return errors.As(err, &tooLarge)
}

// limitBody caps r.Body at the configured size.
func (s *Server) limitBody(w http.ResponseWriter, r *http.Request) {
	if limit := s.cfg.HTTP.MaxBodyBytes; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	body := map[string]interface{}{"error": err.Error()}
	if kind := optimization.KindOf(err); kind != "" {
		body["kind"] = kind
	}
	writeJSON(w, httpStatus(err), body)
}

// decodeStart decodes a start request. Undecodable bodies are parse errors
// unless the problem itself failed validation.
func decodeStart(data []byte) (StartRequest, error) {
	var req StartRequest
	if err := json.Unmarshal(data, &req); err != nil {
		if optimization.IsInputError(err) {
			return req, err
		}
		return req, optimization.ParseErrorf("invalid request body: %v", err).WithComponent("server")
	}
	return req, nil
}

// handleOptimize handles POST /api/v1/optimize
func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	s.limitBody(w, r)
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		if isBodyTooLarge(err) {
			writeError(w, err)
			return
		}
		writeError(w, optimization.ParseErrorf("invalid request body: %v", err).WithComponent("server"))
		return
	}
	req, err := decodeStart(raw)
	if err != nil {
		writeError(w, err)
		return
	}

	view, err := s.startRun(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, view)
}

// handleStatus handles GET /api/v1/status/{id}
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.status(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleCancel handles DELETE /api/v1/optimization/{id}
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.cancel(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancellation requested"})
}
