// Package orchard implements the orchard search: a Monte-Carlo minimizer for
// linear objectives under linear inequality constraints A x >= b. Every trial
// draws a point uniformly from [0,1)^n, independent of all other trials.
package orchard

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/copyleftdev/orchard/internal/optimization"
	"github.com/copyleftdev/orchard/internal/optimization/problem"
)

const component = "orchard"

// minChunk is the smallest number of trials handed to one worker. Blocks
// shorter than this run on a single goroutine.
const minChunk = 256

// SourceFactory builds the random source for a run from a resolved seed.
type SourceFactory func(seed int64) rand.Source

// Engine runs orchard searches. An Engine holds no per-run state and may be
// used for concurrent runs.
type Engine struct {
	logger    *zap.Logger
	metrics   *Metrics
	newSource SourceFactory
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for run progress.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics sets the collectors updated by each run.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithSourceFactory replaces the default math/rand source. The factory is
// called once per run, and once more per parallel worker.
func WithSourceFactory(f SourceFactory) Option {
	return func(e *Engine) {
		if f != nil {
			e.newSource = f
		}
	}
}

// NewEngine creates an Engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		logger:    zap.NewNop(),
		newSource: rand.NewSource,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("orchard")
	return e
}

// state is the best-so-far bookkeeping of one run. It is only touched by the
// goroutine executing Run.
type state struct {
	best     *optimization.Solution
	feasible int
	done     int
	trace    []optimization.Snapshot
}

// merge folds a span into the state and returns how many times the global
// best strictly decreased inside it. Spans must be merged in iteration order
// so that ties keep the earliest point.
func (s *state) merge(sp span) int {
	s.feasible += sp.feasible
	s.done += sp.done
	if sp.best == nil {
		return 0
	}
	// A span record is a global improvement iff it beats the best carried in
	// from earlier spans; records are strictly decreasing.
	improvements := len(sp.records)
	if s.best != nil {
		improvements = 0
		for _, v := range sp.records {
			if v < s.best.Value {
				improvements++
			}
		}
	}
	if improvements > 0 {
		s.best = sp.best
	}
	return improvements
}

// Run executes params.Iterations independent trials against model and
// returns the best feasible point found together with the snapshot trace.
// It fails before sampling if the parameters are not positive. A cancelled
// context aborts the run and no result is returned.
func (e *Engine) Run(ctx context.Context, model *problem.Model, params optimization.RunParams) (*optimization.Result, error) {
	const op = "Engine.Run"

	if model == nil {
		e.metrics.observeRun(outcomeRejected, 0)
		return nil, optimization.InvalidParameterf("model is required").
			WithComponent(component).WithOperation(op)
	}
	if err := params.Validate(); err != nil {
		e.metrics.observeRun(outcomeRejected, 0)
		if oe, ok := optimization.IsOptimizationError(err); ok {
			oe.WithComponent(component)
		}
		return nil, err
	}

	seed := params.Seed
	if seed == 0 {
		seed = e.now().UnixNano()
	}
	master := rand.New(e.newSource(seed))

	workers := params.Workers
	if workers < 1 {
		workers = 1
	}
	samplers := make([]*sampler, workers)
	for w := 1; w < workers; w++ {
		samplers[w] = newSampler(model, rand.New(e.newSource(master.Int63())))
	}
	samplers[0] = newSampler(model, master)

	log := e.logger.With(
		zap.Int("vars", model.Vars()),
		zap.Int("rows", model.Rows()),
		zap.Int("iterations", params.Iterations),
		zap.Int("log_interval", params.LogInterval),
		zap.Int("workers", workers),
		zap.Int64("seed", seed),
	)
	log.Debug("Starting orchard run")

	start := e.now()
	st := &state{trace: make([]optimization.Snapshot, 0, params.Iterations/params.LogInterval)}
	err := e.search(ctx, st, samplers, params, log)
	elapsed := e.now().Sub(start)

	e.metrics.addTrials(st.done, st.feasible)
	if err != nil {
		outcome := outcomeFailed
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			outcome = outcomeCancelled
		}
		e.metrics.observeRun(outcome, elapsed)
		log.Warn("Orchard run aborted", zap.Int("completed", st.done), zap.Error(err))
		return nil, err
	}
	e.metrics.observeRun(outcomeCompleted, elapsed)

	result := &optimization.Result{
		Best:       st.best.Clone(),
		Trace:      st.trace,
		Iterations: st.done,
		Feasible:   st.feasible,
	}
	if result.Found() {
		result.Slack = model.Residuals(result.Best.Point)
		log.Info("Orchard run completed",
			zap.Float64("best_value", result.Best.Value),
			zap.Int("feasible", result.Feasible),
			zap.Duration("elapsed", elapsed),
		)
	} else {
		log.Info("Orchard run completed without a feasible point",
			zap.Duration("elapsed", elapsed),
		)
	}
	return result, nil
}

// search walks the iteration range one block at a time. Blocks end on
// snapshot boundaries, so a snapshot is only taken once every trial up to it
// has been reconciled.
func (e *Engine) search(ctx context.Context, st *state, samplers []*sampler, params optimization.RunParams, log *zap.Logger) error {
	total, every := params.Iterations, params.LogInterval

	for first := 1; first <= total; {
		last := ((first-1)/every + 1) * every
		if last > total {
			last = total
		}

		spans, err := sweepBlock(ctx, samplers, first, last)
		if err != nil {
			return err
		}
		for _, sp := range spans {
			e.metrics.improved(st.merge(sp))
		}

		if last%every == 0 {
			snap := optimization.Snapshot{Iteration: last, Best: st.best.Clone()}
			st.trace = append(st.trace, snap)
			if params.OnSnapshot != nil {
				params.OnSnapshot(optimization.Snapshot{Iteration: last, Best: st.best.Clone()})
			}
			if snap.Best != nil {
				log.Debug("Snapshot", zap.Int("iteration", last), zap.Float64("best_value", snap.Best.Value))
			} else {
				log.Debug("Snapshot", zap.Int("iteration", last), zap.Bool("feasible", false))
			}
		}
		first = last + 1
	}
	return nil
}

// sweepBlock runs trials first..last. The block is cut into contiguous
// chunks, one per worker; the returned spans are in iteration order.
func sweepBlock(ctx context.Context, samplers []*sampler, first, last int) ([]span, error) {
	size := last - first + 1
	workers := len(samplers)
	if limit := size / minChunk; workers > limit {
		workers = limit
	}
	if workers <= 1 {
		sp, err := samplers[0].sweep(ctx, first, last)
		if err != nil {
			return nil, err
		}
		return []span{sp}, nil
	}

	chunk := (size + workers - 1) / workers
	spans := make([]span, workers)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		lo := first + w*chunk
		hi := lo + chunk - 1
		if hi > last {
			hi = last
		}
		if lo > hi {
			continue
		}
		w := w
		g.Go(func() error {
			sp, err := samplers[w].sweep(gctx, lo, hi)
			spans[w] = sp
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return spans, nil
}
