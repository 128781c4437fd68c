// Package raster reads and writes ENVI flat-binary rasters in row-block
// chunks bounded by a RAM budget. The chunk is the unit of I/O and of
// parallel work for every downstream pipeline stage.
package raster

import (
	"encoding/binary"
	"math"
	"os"

	"specdiv/pkg/faults"
)

// Raster is an open read-only raster: the data file plus its parsed
// header. All sample values are surfaced as float64 regardless of the
// on-disk type.
type Raster struct {
	Path   string
	Header *Header

	f *os.File
}

// Open opens the data file at path together with its companion header.
// If expectBands is positive the declared band count must match it.
func Open(path string, expectBands int) (*Raster, error) {
	const op = "raster.Open"

	hdr, err := ParseHeader(HeaderPath(path))
	if err != nil {
		return nil, err
	}
	if expectBands > 0 && hdr.Bands != expectBands {
		return nil, faults.IOf(op, "%s declares %d bands, expected %d",
			path, hdr.Bands, expectBands)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, faults.IOf(op, "opening %s: %v", path, err)
	}

	// The file must hold the full declared extent.
	want := int64(hdr.Samples) * int64(hdr.Lines) * int64(hdr.Bands) *
		int64(hdr.DataType.ByteSize())
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, faults.IOf(op, "stat %s: %v", path, err)
	}
	if info.Size() < want {
		f.Close()
		return nil, faults.IOf(op, "%s holds %d bytes, header declares %d",
			path, info.Size(), want)
	}

	return &Raster{Path: path, Header: hdr, f: f}, nil
}

// Close releases the underlying file.
func (r *Raster) Close() error { return r.f.Close() }

// ReadRows reads nrows rows starting at row0 and returns them band-major:
// one []float64 of nrows*Samples values per band, in row order.
func (r *Raster) ReadRows(row0, nrows int) ([][]float64, error) {
	const op = "raster.ReadRows"

	hdr := r.Header
	if row0 < 0 || row0+nrows > hdr.Lines {
		return nil, faults.IOf(op, "%s: rows [%d,%d) outside extent of %d lines",
			r.Path, row0, row0+nrows, hdr.Lines)
	}

	sz := hdr.DataType.ByteSize()
	rowBytes := hdr.Samples * sz
	out := make([][]float64, hdr.Bands)

	switch hdr.Interleave {
	case "bsq":
		// Bands are contiguous planes; one positional read per band.
		buf := make([]byte, nrows*rowBytes)
		for b := 0; b < hdr.Bands; b++ {
			off := (int64(b)*int64(hdr.Lines) + int64(row0)) * int64(rowBytes)
			if _, err := r.f.ReadAt(buf, off); err != nil {
				return nil, faults.IOf(op, "%s: band %d rows at %d: %v", r.Path, b, row0, err)
			}
			out[b] = decodeSamples(buf, hdr.DataType, hdr.ByteOrder)
		}
	case "bil":
		// Rows are contiguous blocks of bands*samples; one read, then
		// de-interleave.
		blockBytes := hdr.Bands * rowBytes
		buf := make([]byte, nrows*blockBytes)
		if _, err := r.f.ReadAt(buf, int64(row0)*int64(blockBytes)); err != nil {
			return nil, faults.IOf(op, "%s: rows at %d: %v", r.Path, row0, err)
		}
		flat := decodeSamples(buf, hdr.DataType, hdr.ByteOrder)
		for b := 0; b < hdr.Bands; b++ {
			out[b] = make([]float64, nrows*hdr.Samples)
		}
		for row := 0; row < nrows; row++ {
			base := row * hdr.Bands * hdr.Samples
			for b := 0; b < hdr.Bands; b++ {
				copy(out[b][row*hdr.Samples:(row+1)*hdr.Samples],
					flat[base+b*hdr.Samples:base+(b+1)*hdr.Samples])
			}
		}
	}

	return out, nil
}

func decodeSamples(buf []byte, dt DataType, byteOrder int) []float64 {
	var ord binary.ByteOrder = binary.LittleEndian
	if byteOrder == 1 {
		ord = binary.BigEndian
	}

	n := len(buf) / dt.ByteSize()
	out := make([]float64, n)
	switch dt {
	case Byte:
		for i := 0; i < n; i++ {
			out[i] = float64(buf[i])
		}
	case Int16:
		for i := 0; i < n; i++ {
			out[i] = float64(int16(ord.Uint16(buf[2*i:])))
		}
	case UInt16:
		for i := 0; i < n; i++ {
			out[i] = float64(ord.Uint16(buf[2*i:]))
		}
	case Int32:
		for i := 0; i < n; i++ {
			out[i] = float64(int32(ord.Uint32(buf[4*i:])))
		}
	case Float32:
		for i := 0; i < n; i++ {
			out[i] = float64(math.Float32frombits(ord.Uint32(buf[4*i:])))
		}
	case Float64:
		for i := 0; i < n; i++ {
			out[i] = math.Float64frombits(ord.Uint64(buf[8*i:]))
		}
	}
	return out
}

// Chunk is a contiguous row-block of a raster with its aligned mask
// slice. Data is band-major: Data[b][row*Samples+col] with row relative
// to Row.
type Chunk struct {
	Row     int // first raster row covered
	Rows    int
	Samples int
	Data    [][]float64
	Mask    []bool // Rows*Samples, nil when no mask applies
}

// ChunkRows returns the row count per chunk for a raster of the given
// geometry under budgetGB gigabytes per worker, minimum one row.
func ChunkRows(hdr *Header, budgetGB float64) int {
	budget := budgetGB * 1024 * 1024 * 1024
	rowBytes := float64(hdr.DataType.ByteSize() * hdr.Bands * hdr.Samples)
	rows := int(math.Floor(budget / rowBytes))
	if rows < 1 {
		rows = 1
	}
	if rows > hdr.Lines {
		rows = hdr.Lines
	}
	return rows
}

// ChunkIterator yields the chunks of a raster in row order, covering the
// extent exactly once with no overlap. It is restartable via Reset.
type ChunkIterator struct {
	r       *Raster
	mask    *Mask
	rowsPer int
	nextRow int
}

// Chunks returns an iterator over row-block chunks sized to budgetGB.
// mask may be nil. The mask, when present, must align with the raster.
func (r *Raster) Chunks(mask *Mask, budgetGB float64) (*ChunkIterator, error) {
	const op = "raster.Chunks"
	if mask != nil && (mask.Lines != r.Header.Lines || mask.Samples != r.Header.Samples) {
		return nil, faults.Configf(op, "mask %dx%d does not align with raster %dx%d",
			mask.Lines, mask.Samples, r.Header.Lines, r.Header.Samples)
	}
	return &ChunkIterator{
		r:       r,
		mask:    mask,
		rowsPer: ChunkRows(r.Header, budgetGB),
	}, nil
}

// Next returns the next chunk, or (nil, nil) once the extent is covered.
func (it *ChunkIterator) Next() (*Chunk, error) {
	hdr := it.r.Header
	if it.nextRow >= hdr.Lines {
		return nil, nil
	}
	row0 := it.nextRow
	nrows := it.rowsPer
	if row0+nrows > hdr.Lines {
		nrows = hdr.Lines - row0
	}

	data, err := it.r.ReadRows(row0, nrows)
	if err != nil {
		return nil, err
	}
	it.nextRow = row0 + nrows

	ch := &Chunk{Row: row0, Rows: nrows, Samples: hdr.Samples, Data: data}
	if it.mask != nil {
		ch.Mask = it.mask.Rows(row0, nrows)
	}
	return ch, nil
}

// Reset rewinds the iterator to the first row.
func (it *ChunkIterator) Reset() { it.nextRow = 0 }

// RowsPerChunk reports the chunk height the iterator was sized to.
func (it *ChunkIterator) RowsPerChunk() int { return it.rowsPer }
