package raster

import (
	"encoding/binary"
	"math"
	"os"

	"specdiv/pkg/faults"
)

// Writer progressively writes a derived raster. Row blocks may be written
// by any worker in any order: writes are positional and coordinate
// disjoint, so no locking is needed. Only BSQ output is produced.
type Writer struct {
	Path   string
	Header *Header

	f *os.File
}

// NewWriter creates the data file at path sized to the header extent and
// writes the companion header file. hdr.Interleave is forced to bsq and
// byte order to little endian.
func NewWriter(path string, hdr *Header) (*Writer, error) {
	const op = "raster.NewWriter"

	h := *hdr
	h.Interleave = "bsq"
	h.ByteOrder = 0
	if !h.DataType.valid() {
		return nil, faults.Configf(op, "unsupported output data type %d", h.DataType)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, faults.IOf(op, "creating %s: %v", path, err)
	}
	size := int64(h.Samples) * int64(h.Lines) * int64(h.Bands) * int64(h.DataType.ByteSize())
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, faults.IOf(op, "sizing %s to %d bytes: %v", path, size, err)
	}
	if err := WriteHeaderFile(HeaderPath(path), &h); err != nil {
		f.Close()
		return nil, err
	}

	return &Writer{Path: path, Header: &h, f: f}, nil
}

// WriteRows writes a band-major row block starting at raster row row0.
// data must hold Header.Bands slices of nrows*Samples values each.
func (w *Writer) WriteRows(row0 int, data [][]float64) error {
	const op = "raster.Writer.WriteRows"

	hdr := w.Header
	if len(data) != hdr.Bands {
		return faults.IOf(op, "%s: got %d bands, want %d", w.Path, len(data), hdr.Bands)
	}
	nrows := len(data[0]) / hdr.Samples
	if row0 < 0 || row0+nrows > hdr.Lines {
		return faults.IOf(op, "%s: rows [%d,%d) outside extent of %d lines",
			w.Path, row0, row0+nrows, hdr.Lines)
	}

	sz := hdr.DataType.ByteSize()
	rowBytes := hdr.Samples * sz
	for b := 0; b < hdr.Bands; b++ {
		buf := encodeSamples(data[b], hdr.DataType)
		off := (int64(b)*int64(hdr.Lines) + int64(row0)) * int64(rowBytes)
		if _, err := w.f.WriteAt(buf, off); err != nil {
			return faults.IOf(op, "%s: band %d rows at %d: %v", w.Path, b, row0, err)
		}
	}
	return nil
}

// Close flushes and closes the data file.
func (w *Writer) Close() error {
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return faults.IOf("raster.Writer.Close", "syncing %s: %v", w.Path, err)
	}
	return w.f.Close()
}

func encodeSamples(vals []float64, dt DataType) []byte {
	ord := binary.LittleEndian
	buf := make([]byte, len(vals)*dt.ByteSize())
	switch dt {
	case Byte:
		for i, v := range vals {
			buf[i] = byte(v)
		}
	case Int16:
		for i, v := range vals {
			ord.PutUint16(buf[2*i:], uint16(int16(v)))
		}
	case UInt16:
		for i, v := range vals {
			ord.PutUint16(buf[2*i:], uint16(v))
		}
	case Int32:
		for i, v := range vals {
			ord.PutUint32(buf[4*i:], uint32(int32(v)))
		}
	case Float32:
		for i, v := range vals {
			ord.PutUint32(buf[4*i:], math.Float32bits(float32(v)))
		}
	case Float64:
		for i, v := range vals {
			ord.PutUint64(buf[8*i:], math.Float64bits(v))
		}
	}
	return buf
}
