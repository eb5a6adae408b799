package optimization

// RunParams configures a single search run.
type RunParams struct {
	// Iterations is the number of random trials. Must be positive.
	Iterations int `json:"iterations"`

	// LogInterval is the snapshot cadence. Must be positive.
	LogInterval int `json:"log_interval"`

	// Workers is the number of goroutines sampling in parallel. Values below 2
	// run the sequential loop.
	Workers int `json:"workers,omitempty"`

	// Random seed for reproducibility. Zero picks a time-based seed.
	Seed int64 `json:"seed,omitempty"`

	// OnSnapshot, if set, is called with every snapshot as it is recorded.
	OnSnapshot func(Snapshot) `json:"-"`
}

// Validate checks the iteration budget and the snapshot cadence.
func (p RunParams) Validate() error {
	if p.Iterations <= 0 {
		return InvalidParameterf("iteration count must be positive, got %d", p.Iterations).
			WithOperation("RunParams.Validate")
	}
	if p.LogInterval <= 0 {
		return InvalidParameterf("log interval must be positive, got %d", p.LogInterval).
			WithOperation("RunParams.Validate")
	}
	if p.Workers < 0 {
		return InvalidParameterf("worker count must not be negative, got %d", p.Workers).
			WithOperation("RunParams.Validate")
	}
	return nil
}

// Solution is a feasible point and its objective value.
type Solution struct {
	Point []float64 `json:"point"`
	Value float64   `json:"value"`
}

// Clone returns a deep copy of s. A nil solution clones to nil.
func (s *Solution) Clone() *Solution {
	if s == nil {
		return nil
	}
	point := make([]float64, len(s.Point))
	copy(point, s.Point)
	return &Solution{Point: point, Value: s.Value}
}

// Snapshot records the best solution known after Iteration trials.
// Best is nil while no feasible point has been found.
type Snapshot struct {
	Iteration int       `json:"iteration"`
	Best      *Solution `json:"best"`
}

// Result contains the outcome of a completed run.
// Best is nil when no sampled point satisfied every constraint.
type Result struct {
	Best *Solution `json:"best"`
	// Slack holds A x - b for the best point, one entry per constraint row.
	// It is nil when Best is nil.
	Slack      []float64  `json:"slack,omitempty"`
	Trace      []Snapshot `json:"trace"`
	Iterations int        `json:"iterations"`
	Feasible   int        `json:"feasible"`
}

// Found reports whether the run found a feasible point.
func (r *Result) Found() bool {
	return r != nil && r.Best != nil
}
