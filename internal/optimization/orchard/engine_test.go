package orchard

import (
	"context"
	"math/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/orchard/internal/optimization"
	"github.com/copyleftdev/orchard/internal/optimization/problem"
)

func TestRunRejectsInvalidParameters(t *testing.T) {
	model := mustModel(t, []float64{1}, [][]float64{{1}}, []float64{0.5})

	tests := []struct {
		name   string
		model  *problem.Model
		params optimization.RunParams
	}{
		{"zero iterations", model, optimization.RunParams{Iterations: 0, LogInterval: 1}},
		{"negative iterations", model, optimization.RunParams{Iterations: -10, LogInterval: 1}},
		{"zero log interval", model, optimization.RunParams{Iterations: 10, LogInterval: 0}},
		{"negative log interval", model, optimization.RunParams{Iterations: 10, LogInterval: -3}},
		{"negative workers", model, optimization.RunParams{Iterations: 10, LogInterval: 1, Workers: -1}},
		{"nil model", nil, optimization.RunParams{Iterations: 10, LogInterval: 1}},
	}

	engine := NewEngine()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			tt.params.OnSnapshot = func(optimization.Snapshot) { calls++ }

			result, err := engine.Run(context.Background(), tt.model, tt.params)
			require.Error(t, err)
			assert.ErrorIs(t, err, optimization.ErrInvalidParameter)
			assert.Equal(t, optimization.KindInvalidParameter, optimization.KindOf(err))
			assert.Nil(t, result)
			assert.Zero(t, calls, "no snapshot may be taken for a rejected run")
		})
	}
}

func TestRunSnapshotCadence(t *testing.T) {
	model := mustModel(t, []float64{1, 1}, [][]float64{{1, 1}}, []float64{0.5})

	tests := []struct {
		name       string
		iterations int
		interval   int
		workers    int
		want       []int
	}{
		{"even division", 1000, 100, 1, []int{100, 200, 300, 400, 500, 600, 700, 800, 900, 1000}},
		{"remainder", 1000, 300, 1, []int{300, 600, 900}},
		{"interval larger than budget", 5, 10, 1, []int{}},
		{"every iteration", 4, 1, 1, []int{1, 2, 3, 4}},
		{"parallel remainder", 5000, 1500, 4, []int{1500, 3000, 4500}},
		{"parallel small blocks", 1000, 10, 8, func() []int {
			out := make([]int, 0, 100)
			for i := 10; i <= 1000; i += 10 {
				out = append(out, i)
			}
			return out
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := NewEngine().Run(context.Background(), model, optimization.RunParams{
				Iterations:  tt.iterations,
				LogInterval: tt.interval,
				Workers:     tt.workers,
				Seed:        7,
			})
			require.NoError(t, err)

			require.Len(t, result.Trace, tt.iterations/tt.interval)
			got := make([]int, 0, len(result.Trace))
			for _, snap := range result.Trace {
				got = append(got, snap.Iteration)
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.iterations, result.Iterations)
		})
	}
}

func TestRunSingleVariable(t *testing.T) {
	model := mustModel(t, []float64{1}, [][]float64{{1}}, []float64{0.5})

	for _, workers := range []int{1, 3} {
		result, err := NewEngine().Run(context.Background(), model, optimization.RunParams{
			Iterations:  1000,
			LogInterval: 100,
			Workers:     workers,
			Seed:        42,
		})
		require.NoError(t, err)
		require.True(t, result.Found())

		assert.GreaterOrEqual(t, result.Best.Value, 0.5-feasibilityTol)
		assert.Less(t, result.Best.Value, 0.52)
		assert.InDelta(t, result.Best.Value, result.Best.Point[0], 1e-12)
		require.Len(t, result.Slack, 1)
		assert.InDelta(t, result.Best.Point[0]-0.5, result.Slack[0], 1e-12)
		assert.GreaterOrEqual(t, result.Slack[0], -feasibilityTol)
		assert.Len(t, result.Trace, 10)
		assertTraceMonotonic(t, result.Trace)

		last := result.Trace[len(result.Trace)-1]
		require.NotNil(t, last.Best)
		assert.Equal(t, result.Best.Value, last.Best.Value)
	}
}

func TestRunZeroConstraints(t *testing.T) {
	model := mustModel(t, []float64{1}, nil, nil)

	result, err := NewEngine().Run(context.Background(), model, optimization.RunParams{
		Iterations:  2000,
		LogInterval: 500,
		Seed:        3,
	})
	require.NoError(t, err)
	require.True(t, result.Found())

	assert.Equal(t, 2000, result.Feasible, "every sample is feasible without constraints")
	assert.GreaterOrEqual(t, result.Best.Value, 0.0)
	assert.Less(t, result.Best.Value, 0.01)
	assert.Empty(t, result.Slack)
	for _, snap := range result.Trace {
		assert.NotNil(t, snap.Best)
	}
}

func TestRunNoFeasiblePoint(t *testing.T) {
	// x1 + x2 can never exceed 2 in the unit box.
	model := mustModel(t, []float64{1, 1}, [][]float64{{1, 1}, {1, 0}}, []float64{3, 0})

	for _, workers := range []int{1, 4} {
		result, err := NewEngine().Run(context.Background(), model, optimization.RunParams{
			Iterations:  2048,
			LogInterval: 1024,
			Workers:     workers,
			Seed:        11,
		})
		require.NoError(t, err)

		assert.False(t, result.Found())
		assert.Nil(t, result.Best)
		assert.Nil(t, result.Slack)
		assert.Zero(t, result.Feasible)
		require.Len(t, result.Trace, 2)
		for _, snap := range result.Trace {
			assert.Nil(t, snap.Best, "snapshot at %d", snap.Iteration)
		}
	}
}

func TestRunFeasibilitySoundness(t *testing.T) {
	rng := rand.New(rand.NewSource(2024))

	for i := 0; i < 20; i++ {
		n := 1 + rng.Intn(5)
		m := rng.Intn(4)
		model := randomModel(t, rng, n, m)

		result, err := NewEngine().Run(context.Background(), model, optimization.RunParams{
			Iterations:  3000,
			LogInterval: 1000,
			Workers:     1 + i%3,
			Seed:        int64(i + 1),
		})
		require.NoError(t, err)
		assertTraceMonotonic(t, result.Trace)

		if !result.Found() {
			continue
		}
		assertFeasible(t, model, result.Best.Point)
		for _, snap := range result.Trace {
			if snap.Best != nil {
				assertFeasible(t, model, snap.Best.Point)
			}
		}

		var value float64
		obj := model.Objective()
		for j, x := range result.Best.Point {
			value += obj[j] * x
		}
		assert.InDelta(t, value, result.Best.Value, 1e-9)
	}
}

func TestRunDeterministicWithSeed(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	model := randomModel(t, rng, 3, 2)

	for _, workers := range []int{1, 4} {
		params := optimization.RunParams{Iterations: 4096, LogInterval: 512, Workers: workers, Seed: 99}

		first, err := NewEngine().Run(context.Background(), model, params)
		require.NoError(t, err)
		second, err := NewEngine().Run(context.Background(), model, params)
		require.NoError(t, err)

		assert.Equal(t, first, second, "workers=%d", workers)
	}
}

func TestRunSequentialMatchesReferenceLoop(t *testing.T) {
	model := mustModel(t, []float64{2, -1}, [][]float64{{1, 1}, {-1, 1}}, []float64{0.6, -0.2})
	objective, rows, rhs := model.Objective(), model.Constraints(), model.RHS()

	const seed, iterations, interval = 17, 500, 50

	// Straightforward per-iteration loop driven by the same generator.
	rng := rand.New(rand.NewSource(seed))
	var wantBest *optimization.Solution
	var wantTrace []optimization.Snapshot
	for it := 1; it <= iterations; it++ {
		x := []float64{rng.Float64(), rng.Float64()}
		ok := true
		for i, row := range rows {
			if row[0]*x[0]+row[1]*x[1] < rhs[i] {
				ok = false
				break
			}
		}
		if ok {
			v := objective[0]*x[0] + objective[1]*x[1]
			if wantBest == nil || v < wantBest.Value {
				wantBest = &optimization.Solution{Point: x, Value: v}
			}
		}
		if it%interval == 0 {
			wantTrace = append(wantTrace, optimization.Snapshot{Iteration: it, Best: wantBest.Clone()})
		}
	}

	result, err := NewEngine().Run(context.Background(), model, optimization.RunParams{
		Iterations:  iterations,
		LogInterval: interval,
		Seed:        seed,
	})
	require.NoError(t, err)
	require.NotNil(t, wantBest)
	require.True(t, result.Found())

	assert.InDelta(t, wantBest.Value, result.Best.Value, 1e-12)
	assertFloat64SlicesEqual(t, result.Best.Point, wantBest.Point, 1e-12)
	require.Len(t, result.Trace, len(wantTrace))
	for i := range wantTrace {
		assert.Equal(t, wantTrace[i].Iteration, result.Trace[i].Iteration)
		if wantTrace[i].Best == nil {
			assert.Nil(t, result.Trace[i].Best)
			continue
		}
		require.NotNil(t, result.Trace[i].Best)
		assert.InDelta(t, wantTrace[i].Best.Value, result.Trace[i].Best.Value, 1e-12)
	}
}

func TestRunTiesKeepEarliestPoint(t *testing.T) {
	// Both candidates have objective value 1; the first one drawn must win.
	quarter, threeQuarters := int64(1)<<61, int64(3)<<61
	factory := func(int64) rand.Source {
		return &seqSource{values: []int64{quarter, threeQuarters, threeQuarters, quarter}}
	}
	model := mustModel(t, []float64{1, 1}, nil, nil)

	result, err := NewEngine(WithSourceFactory(factory)).Run(context.Background(), model, optimization.RunParams{
		Iterations:  6,
		LogInterval: 2,
		Seed:        1,
	})
	require.NoError(t, err)
	require.True(t, result.Found())

	assert.Equal(t, 1.0, result.Best.Value)
	assert.Equal(t, []float64{0.25, 0.75}, result.Best.Point)
	for _, snap := range result.Trace {
		require.NotNil(t, snap.Best)
		assert.Equal(t, []float64{0.25, 0.75}, snap.Best.Point)
	}
}

func TestRunEmptyObjective(t *testing.T) {
	tests := []struct {
		name      string
		rows      [][]float64
		rhs       []float64
		wantFound bool
	}{
		{"no constraints", nil, nil, true},
		{"vacuous row satisfied", [][]float64{{}}, []float64{0}, true},
		{"vacuous row violated", [][]float64{{}}, []float64{0.1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := mustModel(t, nil, tt.rows, tt.rhs)
			result, err := NewEngine().Run(context.Background(), model, optimization.RunParams{
				Iterations:  10,
				LogInterval: 5,
				Seed:        1,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantFound, result.Found())
			if tt.wantFound {
				assert.Equal(t, 0.0, result.Best.Value)
				assert.Empty(t, result.Best.Point)
				assert.Equal(t, 10, result.Feasible)
			}
		})
	}
}

func TestRunSnapshotsAreCopies(t *testing.T) {
	model := mustModel(t, []float64{1}, nil, nil)

	var hooked []optimization.Snapshot
	result, err := NewEngine().Run(context.Background(), model, optimization.RunParams{
		Iterations:  100,
		LogInterval: 10,
		Seed:        8,
		OnSnapshot: func(s optimization.Snapshot) {
			hooked = append(hooked, s)
			s.Best.Point[0] = -1
		},
	})
	require.NoError(t, err)
	require.Len(t, hooked, 10)

	for i, snap := range result.Trace {
		assert.Equal(t, hooked[i].Iteration, snap.Iteration)
		assert.GreaterOrEqual(t, snap.Best.Point[0], 0.0, "hook mutation leaked into trace")
	}

	final := result.Best.Value
	result.Trace[len(result.Trace)-1].Best.Point[0] = 42
	assert.Equal(t, final, result.Best.Point[0])
}

func TestRunCancelled(t *testing.T) {
	model := mustModel(t, []float64{1}, nil, nil)

	for _, workers := range []int{1, 4} {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		result, err := NewEngine().Run(ctx, model, optimization.RunParams{
			Iterations:  100000,
			LogInterval: 1000,
			Workers:     workers,
			Seed:        1,
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Nil(t, result)
	}
}

func TestRunCancelledMidway(t *testing.T) {
	model := mustModel(t, []float64{1}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshots := 0
	result, err := NewEngine().Run(ctx, model, optimization.RunParams{
		Iterations:  10000,
		LogInterval: 1000,
		Seed:        1,
		OnSnapshot: func(optimization.Snapshot) {
			snapshots++
			if snapshots == 3 {
				cancel()
			}
		},
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, result)
	assert.Equal(t, 3, snapshots)
}

func TestRunRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	engine := NewEngine(WithMetrics(metrics))

	model := mustModel(t, []float64{1}, nil, nil)
	_, err := engine.Run(context.Background(), model, optimization.RunParams{Iterations: 300, LogInterval: 100, Seed: 2})
	require.NoError(t, err)
	_, err = engine.Run(context.Background(), model, optimization.RunParams{Iterations: 0, LogInterval: 100})
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.runs.WithLabelValues(outcomeCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.runs.WithLabelValues(outcomeRejected)))
	assert.Equal(t, 300.0, testutil.ToFloat64(metrics.trials))
	assert.Equal(t, 300.0, testutil.ToFloat64(metrics.feasible))
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.improvements), 1.0)
	assert.LessOrEqual(t, testutil.ToFloat64(metrics.improvements), 300.0)

	// A nil *Metrics must be safe to use.
	_, err = NewEngine(WithMetrics(nil)).Run(context.Background(), model, optimization.RunParams{Iterations: 10, LogInterval: 5, Seed: 2})
	require.NoError(t, err)
}

func TestRunCountsEveryImprovement(t *testing.T) {
	// Objective values replayed in order: 0.5 0.75 0.375 0.625 0.125 0.25.
	// Records are 0.5, 0.375 and 0.125; the cycle never improves again.
	values := []int64{4 << 60, 6 << 60, 3 << 60, 5 << 60, 1 << 60, 2 << 60}
	factory := func(int64) rand.Source { return &seqSource{values: values} }
	model := mustModel(t, []float64{1}, nil, nil)

	tests := []struct {
		name   string
		params optimization.RunParams
		want   float64
	}{
		{"single block", optimization.RunParams{Iterations: 12, LogInterval: 12, Seed: 1}, 3},
		{"records split across blocks", optimization.RunParams{Iterations: 12, LogInterval: 2, Seed: 1}, 3},
		// The master generator gives one value to seed the second worker, so
		// worker 0 replays from 0.75 (records 0.75, 0.375, 0.125) and worker 1
		// from 0.5 (records 0.5, 0.375, 0.125, none below the carried best).
		{"parallel workers", optimization.RunParams{Iterations: 2 * minChunk, LogInterval: 2 * minChunk, Workers: 2, Seed: 1}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := NewMetrics(nil)
			result, err := NewEngine(WithSourceFactory(factory), WithMetrics(metrics)).
				Run(context.Background(), model, tt.params)
			require.NoError(t, err)
			require.True(t, result.Found())

			assert.Equal(t, 0.125, result.Best.Value)
			assert.Equal(t, tt.want, testutil.ToFloat64(metrics.improvements))
		})
	}
}

func TestMergeCountsRecordsBelowCarriedBest(t *testing.T) {
	st := &state{}
	first := span{
		best:    &optimization.Solution{Point: []float64{0.4}, Value: 0.4},
		records: []float64{0.9, 0.6, 0.4},
		done:    5, feasible: 5,
	}
	second := span{
		best:    &optimization.Solution{Point: []float64{0.2}, Value: 0.2},
		records: []float64{0.7, 0.4, 0.3, 0.2},
		done:    5, feasible: 5,
	}
	empty := span{done: 5}

	assert.Equal(t, 3, st.merge(first))
	assert.Equal(t, 2, st.merge(second))
	assert.Equal(t, 0, st.merge(empty))
	assert.Equal(t, 0.2, st.best.Value)
	assert.Equal(t, 15, st.done)
	assert.Equal(t, 10, st.feasible)
}
