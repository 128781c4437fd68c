package raster

import "specdiv/pkg/faults"

// Mask is a 2-D boolean grid aligned to a raster extent; true marks a
// retained pixel.
type Mask struct {
	Samples int
	Lines   int
	Bits    []bool // Lines*Samples, row-major
}

// NewMask returns a mask of the given extent with every pixel set to fill.
func NewMask(samples, lines int, fill bool) *Mask {
	m := &Mask{Samples: samples, Lines: lines, Bits: make([]bool, samples*lines)}
	if fill {
		for i := range m.Bits {
			m.Bits[i] = true
		}
	}
	return m
}

// LoadMask reads a single-band 0/1 raster as a mask; any non-zero sample
// retains the pixel.
func LoadMask(path string) (*Mask, error) {
	const op = "raster.LoadMask"

	r, err := Open(path, 1)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := r.ReadRows(0, r.Header.Lines)
	if err != nil {
		return nil, err
	}

	m := NewMask(r.Header.Samples, r.Header.Lines, false)
	for i, v := range data[0] {
		m.Bits[i] = v != 0
	}
	if m.CountValid() == 0 {
		return nil, faults.Configf(op, "mask %s retains no pixels", path)
	}
	return m, nil
}

// At reports whether the pixel at (row, col) is retained.
func (m *Mask) At(row, col int) bool { return m.Bits[row*m.Samples+col] }

// Set marks the pixel at (row, col).
func (m *Mask) Set(row, col int, keep bool) { m.Bits[row*m.Samples+col] = keep }

// Rows returns a copy of nrows mask rows starting at row0.
func (m *Mask) Rows(row0, nrows int) []bool {
	out := make([]bool, nrows*m.Samples)
	copy(out, m.Bits[row0*m.Samples:(row0+nrows)*m.Samples])
	return out
}

// CountValid returns the number of retained pixels.
func (m *Mask) CountValid() int {
	n := 0
	for _, b := range m.Bits {
		if b {
			n++
		}
	}
	return n
}

// And intersects m with other in place.
func (m *Mask) And(other *Mask) {
	for i := range m.Bits {
		m.Bits[i] = m.Bits[i] && other.Bits[i]
	}
}

// Clone returns an independent copy of m.
func (m *Mask) Clone() *Mask {
	out := NewMask(m.Samples, m.Lines, false)
	copy(out.Bits, m.Bits)
	return out
}
