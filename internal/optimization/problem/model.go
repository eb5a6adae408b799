// Package problem holds the linear program searched by the orchard engine:
// minimize c·x subject to A x >= b.
package problem

import (
	"encoding/json"

	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/orchard/internal/optimization"
)

const component = "problem"

// Model is an immutable linear program. Construct it with New.
type Model struct {
	objective   []float64
	constraints [][]float64
	rhs         []float64
}

// New validates the shapes of objective, constraints and rhs and returns a
// model holding private copies of them.
func New(objective []float64, constraints [][]float64, rhs []float64) (*Model, error) {
	const op = "New"

	n := len(objective)
	for i, row := range constraints {
		if len(row) != n {
			return nil, optimization.ShapeMismatchf(
				"constraint row %d has %d coefficients, objective has %d", i+1, len(row), n).
				WithComponent(component).WithOperation(op)
		}
	}
	if len(constraints) != len(rhs) {
		return nil, optimization.ShapeMismatchf(
			"%d constraint rows but %d right-hand-side values", len(constraints), len(rhs)).
			WithComponent(component).WithOperation(op)
	}

	rows := make([][]float64, len(constraints))
	for i, row := range constraints {
		rows[i] = clone(row)
	}
	return &Model{
		objective:   clone(objective),
		constraints: rows,
		rhs:         clone(rhs),
	}, nil
}

// Vars returns the variable count n.
func (m *Model) Vars() int { return len(m.objective) }

// Rows returns the constraint count m.
func (m *Model) Rows() int { return len(m.constraints) }

// Objective returns a copy of the objective coefficients.
func (m *Model) Objective() []float64 {
	return clone(m.objective)
}

// Constraints returns a copy of the constraint matrix.
func (m *Model) Constraints() [][]float64 {
	rows := make([][]float64, len(m.constraints))
	for i, row := range m.constraints {
		rows[i] = clone(row)
	}
	return rows
}

// RHS returns a copy of the right-hand-side vector.
func (m *Model) RHS() []float64 {
	return clone(m.rhs)
}

func clone(s []float64) []float64 {
	out := make([]float64, len(s))
	copy(out, s)
	return out
}

// Matrix returns the constraint matrix as a dense matrix, or nil when the
// model has no constraints or no variables.
func (m *Model) Matrix() *mat.Dense {
	r, c := m.Rows(), m.Vars()
	if r == 0 || c == 0 {
		return nil
	}
	data := make([]float64, 0, r*c)
	for _, row := range m.constraints {
		data = append(data, row...)
	}
	return mat.NewDense(r, c, data)
}

// Residuals returns A x - b. A point is feasible when every residual is
// non-negative. x must have Vars() entries.
func (m *Model) Residuals(x []float64) []float64 {
	out := make([]float64, m.Rows())
	if a := m.Matrix(); a != nil {
		ax := mat.NewVecDense(m.Rows(), nil)
		ax.MulVec(a, mat.NewVecDense(len(x), clone(x)))
		for i := range out {
			out[i] = ax.AtVec(i)
		}
	}
	for i := range out {
		out[i] -= m.rhs[i]
	}
	return out
}

type modelJSON struct {
	Objective   []float64   `json:"objective"`
	Constraints [][]float64 `json:"constraints"`
	RHS         []float64   `json:"rhs"`
}

// MarshalJSON implements json.Marshaler.
func (m *Model) MarshalJSON() ([]byte, error) {
	return json.Marshal(modelJSON{
		Objective:   m.objective,
		Constraints: m.constraints,
		RHS:         m.rhs,
	})
}

// UnmarshalJSON implements json.Unmarshaler. The decoded shapes are validated
// the same way New validates them.
func (m *Model) UnmarshalJSON(data []byte) error {
	var raw modelJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return optimization.WrapErrorf(optimization.ErrParse, "decode problem: %v", err).
			WithComponent(component).WithOperation("UnmarshalJSON")
	}
	built, err := New(raw.Objective, raw.Constraints, raw.RHS)
	if err != nil {
		return err
	}
	*m = *built
	return nil
}
