// Package report renders orchard results for people and for tools.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/copyleftdev/orchard/internal/optimization"
)

// Format selects the report encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat accepts "text" or "json" (case-insensitive).
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatText, FormatJSON:
		return f, nil
	default:
		return "", optimization.InvalidParameterf("unknown report format %q", s).
			WithComponent("report").WithOperation("ParseFormat")
	}
}

// Write renders result to w in the given format.
func Write(w io.Writer, result *optimization.Result, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	default:
		_, err := io.WriteString(w, Text(result))
		return err
	}
}

// Text renders result as a plain-text summary followed by one line per
// snapshot. Values are printed with four decimals.
func Text(result *optimization.Result) string {
	var b strings.Builder

	b.WriteString("Result after all iterations:\n")
	if result.Found() {
		fmt.Fprintf(&b, "Minimum objective value Z: %s\n", value(result.Best.Value))
		fmt.Fprintf(&b, "Variables x at Z min: %s\n", point(result.Best.Point))
		if len(result.Slack) > 0 {
			fmt.Fprintf(&b, "Constraint slack (Ax - b): %s\n", point(result.Slack))
		}
	} else {
		b.WriteString("No feasible point found.\n")
	}
	fmt.Fprintf(&b, "Feasible samples: %d of %d\n", result.Feasible, result.Iterations)

	b.WriteString("\nProgress by checkpoint:\n")
	if len(result.Trace) == 0 {
		b.WriteString("- (no checkpoints)\n")
	}
	for _, snap := range result.Trace {
		if snap.Best == nil {
			fmt.Fprintf(&b, "- After %d iterations: no feasible point yet\n", snap.Iteration)
			continue
		}
		fmt.Fprintf(&b, "- After %d iterations: Z = %s, x = %s\n",
			snap.Iteration, value(snap.Best.Value), point(snap.Best.Point))
	}
	return b.String()
}

func value(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func point(x []float64) string {
	parts := make([]string, len(x))
	for i, v := range x {
		parts[i] = value(v)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
