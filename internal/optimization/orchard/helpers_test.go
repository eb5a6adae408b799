package orchard

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/orchard/internal/optimization"
	"github.com/copyleftdev/orchard/internal/optimization/problem"
)

// feasibilityTol absorbs rounding in dot products when re-checking points.
const feasibilityTol = 1e-9

// mustModel builds a model or fails the test.
func mustModel(t testing.TB, objective []float64, constraints [][]float64, rhs []float64) *problem.Model {
	t.Helper()
	m, err := problem.New(objective, constraints, rhs)
	require.NoError(t, err)
	return m
}

// assertFloat64SlicesEqual checks if two float64 slices are approximately equal
func assertFloat64SlicesEqual(t *testing.T, got, want []float64, tol float64) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}

	for i := range got {
		if math.Abs(got[i]-want[i]) > tol {
			t.Fatalf("at index %d: got %v, want %v (tolerance %v)", i, got[i], want[i], tol)
		}
	}
}

// assertFeasible checks that x lies in [0,1]^n and satisfies every row of m.
func assertFeasible(t *testing.T, m *problem.Model, x []float64) {
	t.Helper()

	require.Len(t, x, m.Vars())
	for i, v := range x {
		if v < 0 || v > 1 {
			t.Fatalf("coordinate %d = %v outside [0,1]", i, v)
		}
	}
	for i, r := range m.Residuals(x) {
		if r < -feasibilityTol {
			t.Fatalf("row %d violated by %v", i+1, -r)
		}
	}
}

// assertTraceMonotonic checks that snapshot values never increase and never
// go back to absent once a feasible point was seen.
func assertTraceMonotonic(t *testing.T, trace []optimization.Snapshot) {
	t.Helper()

	seen := false
	prev := math.Inf(1)
	for _, snap := range trace {
		if snap.Best == nil {
			if seen {
				t.Fatalf("snapshot at %d lost the best point", snap.Iteration)
			}
			continue
		}
		seen = true
		if snap.Best.Value > prev {
			t.Fatalf("snapshot at %d increased from %v to %v", snap.Iteration, prev, snap.Best.Value)
		}
		prev = snap.Best.Value
	}
}

// randomModel builds a problem whose constraints are satisfiable somewhere in
// the unit box: each rhs is a fraction of the row's maximum over [0,1]^n.
func randomModel(t testing.TB, rng *rand.Rand, n, m int) *problem.Model {
	t.Helper()

	objective := make([]float64, n)
	for i := range objective {
		objective[i] = rng.Float64()*2 - 1
	}
	rows := make([][]float64, m)
	rhs := make([]float64, m)
	for i := range rows {
		rows[i] = make([]float64, n)
		maxDot := 0.0
		for j := range rows[i] {
			rows[i][j] = rng.Float64()*2 - 1
			if rows[i][j] > 0 {
				maxDot += rows[i][j]
			}
		}
		rhs[i] = maxDot * 0.3 * rng.Float64()
	}
	return mustModel(t, objective, rows, rhs)
}

// seqSource replays a fixed sequence of Int63 values.
type seqSource struct {
	values []int64
	next   int
}

func (s *seqSource) Int63() int64 {
	v := s.values[s.next%len(s.values)]
	s.next++
	return v
}

func (s *seqSource) Seed(int64) { s.next = 0 }
