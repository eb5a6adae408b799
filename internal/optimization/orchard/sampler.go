package orchard

import (
	"context"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"github.com/copyleftdev/orchard/internal/optimization"
	"github.com/copyleftdev/orchard/internal/optimization/problem"
)

// cancelStride is how many trials run between context checks.
const cancelStride = 256

// sampler draws candidates uniformly from [0,1)^n and evaluates them against
// one problem. A sampler is owned by a single goroutine.
type sampler struct {
	rng       *rand.Rand
	objective []float64
	rows      [][]float64
	rhs       []float64

	// x is reused across trials; it is copied out only on improvement.
	x []float64
}

func newSampler(model *problem.Model, rng *rand.Rand) *sampler {
	return &sampler{
		rng:       rng,
		objective: model.Objective(),
		rows:      model.Constraints(),
		rhs:       model.RHS(),
		x:         make([]float64, model.Vars()),
	}
}

// trial draws one candidate into s.x. It returns the objective value and true
// when the candidate satisfies every row, stopping at the first violated row.
func (s *sampler) trial() (float64, bool) {
	for i := range s.x {
		s.x[i] = s.rng.Float64()
	}
	for i, row := range s.rows {
		if floats.Dot(row, s.x) < s.rhs[i] {
			return 0, false
		}
	}
	return floats.Dot(s.objective, s.x), true
}

// span is the outcome of a contiguous range of trials. records holds every
// value that improved on the span's own earlier trials, in trial order, so it
// is strictly decreasing and ends with best.Value.
type span struct {
	best     *optimization.Solution
	records  []float64
	feasible int
	done     int
}

// sweep runs trials first..last inclusive and keeps the earliest strictly
// lowest feasible value.
func (s *sampler) sweep(ctx context.Context, first, last int) (span, error) {
	var out span
	bestValue := math.Inf(1)
	for t := first; t <= last; t++ {
		if (t-first)%cancelStride == 0 {
			if err := ctx.Err(); err != nil {
				return out, err
			}
		}
		out.done++
		v, ok := s.trial()
		if !ok {
			continue
		}
		out.feasible++
		if v < bestValue {
			bestValue = v
			out.records = append(out.records, v)
			point := make([]float64, len(s.x))
			copy(point, s.x)
			out.best = &optimization.Solution{Point: point, Value: v}
		}
	}
	return out, nil
}
