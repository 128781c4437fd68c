package reduce

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"specdiv/pkg/faults"
)

// Selection lists the component indices (zero-based) kept for
// spectral-species mapping and functional diversity. It is the in-memory
// artifact of the external review checkpoint: the pipeline persists it as
// one index per line, a person may edit the file, and the pipeline
// reloads it before clustering.
type Selection []int

// DefaultSelection keeps the first n components, capped to the model.
func DefaultSelection(n, components int) Selection {
	if n > components {
		n = components
	}
	s := make(Selection, n)
	for i := range s {
		s[i] = i
	}
	return s
}

// Validate checks every index against the component count.
func (s Selection) Validate(components int) error {
	const op = "reduce.Selection.Validate"
	if len(s) == 0 {
		return faults.Configf(op, "no components selected")
	}
	seen := make(map[int]bool, len(s))
	for _, c := range s {
		if c < 0 || c >= components {
			return faults.Configf(op, "component %d outside [0,%d)", c, components)
		}
		if seen[c] {
			return faults.Configf(op, "component %d selected twice", c)
		}
		seen[c] = true
	}
	return nil
}

// Save writes the selection, one index per line.
func (s Selection) Save(path string) error {
	const op = "reduce.Selection.Save"
	var b strings.Builder
	for _, c := range s {
		fmt.Fprintf(&b, "%d\n", c)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return faults.IOf(op, "writing %s: %v", path, err)
	}
	return nil
}

// LoadSelection reads a selection file written by Save (and possibly
// edited since).
func LoadSelection(path string) (Selection, error) {
	const op = "reduce.LoadSelection"

	f, err := os.Open(path)
	if err != nil {
		return nil, faults.IOf(op, "opening %s: %v", path, err)
	}
	defer f.Close()

	var s Selection
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		c, err := strconv.Atoi(line)
		if err != nil {
			return nil, faults.IOf(op, "%s: bad component index %q", path, line)
		}
		s = append(s, c)
	}
	if err := sc.Err(); err != nil {
		return nil, faults.IOf(op, "reading %s: %v", path, err)
	}
	return s, nil
}
