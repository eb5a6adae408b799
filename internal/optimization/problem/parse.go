package problem

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/copyleftdev/orchard/internal/optimization"
)

// Parse reads a problem document:
//
//	c1 c2 ... cn        objective coefficients
//	a11 a12 ... a1n     one line per constraint row
//	...
//	b1 b2 ... bm        right-hand side
//
// Blank lines and lines starting with '#' are ignored. A document with a
// single content line has no constraints. Malformed numbers, ragged rows and
// a right-hand side of the wrong length are parse errors naming the line.
func Parse(r io.Reader) (*Model, error) {
	const op = "Parse"

	var (
		lines   [][]float64
		lineNos []int
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		values := make([]float64, len(fields))
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, optimization.ParseErrorf("line %d: token %d %q is not a number", lineNo, i+1, f).
					WithComponent(component).WithOperation(op)
			}
			values[i] = v
		}
		lines = append(lines, values)
		lineNos = append(lineNos, lineNo)
	}
	if err := scanner.Err(); err != nil {
		return nil, optimization.ParseErrorf("read document: %v", err).
			WithComponent(component).WithOperation(op)
	}
	if len(lines) == 0 {
		return nil, optimization.ParseErrorf("document has no objective line").
			WithComponent(component).WithOperation(op)
	}

	objective := lines[0]
	if len(lines) == 1 {
		return New(objective, nil, nil)
	}

	rows, rhs := lines[1:len(lines)-1], lines[len(lines)-1]
	for i, row := range rows {
		if len(row) != len(objective) {
			return nil, optimization.ParseErrorf("line %d: constraint row has %d values, objective has %d",
				lineNos[i+1], len(row), len(objective)).WithComponent(component).WithOperation(op)
		}
	}
	if len(rhs) != len(rows) {
		return nil, optimization.ParseErrorf("line %d: right-hand side has %d values for %d constraint rows",
			lineNos[len(lineNos)-1], len(rhs), len(rows)).WithComponent(component).WithOperation(op)
	}
	return New(objective, rows, rhs)
}

// ParseFile opens path and parses it with Parse.
func ParseFile(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, optimization.ParseErrorf("open %s: %v", path, err).
			WithComponent(component).WithOperation("ParseFile")
	}
	defer f.Close()
	return Parse(f)
}
