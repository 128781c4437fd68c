package reduce

import (
	"math"
	"sync"

	"specdiv/pkg/raster"
)

// Apply projects the whole raster through the fitted model and writes a
// float32 reduced raster at outPath, one band per component. Row blocks
// are divided statically across workers; reads and writes are positional
// and coordinate disjoint, so workers share the raster and writer without
// locks. Masked pixels get NoData on every band.
func (m *Model) Apply(r *raster.Raster, mask *raster.Mask, outPath string, budgetGB float64, workers int) error {
	hdr := r.Header
	outHdr := &raster.Header{
		Samples:     hdr.Samples,
		Lines:       hdr.Lines,
		Bands:       m.Components(),
		DataType:    raster.Float32,
		IgnoreValue: NoData,
		HasIgnore:   true,
		MapInfo:     hdr.MapInfo,
		Description: "reduced components, " + string(m.Type),
	}
	w, err := raster.NewWriter(outPath, outHdr)
	if err != nil {
		return err
	}

	rowsPer := raster.ChunkRows(hdr, budgetGB)
	var starts []int
	for row := 0; row < hdr.Lines; row += rowsPer {
		starts = append(starts, row)
	}
	if workers < 1 {
		workers = 1
	}

	// Static stride assignment: worker k owns blocks k, k+workers, ...
	errc := make(chan error, workers)
	var wg sync.WaitGroup
	for k := 0; k < workers; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			for b := k; b < len(starts); b += workers {
				row0 := starts[b]
				nrows := rowsPer
				if row0+nrows > hdr.Lines {
					nrows = hdr.Lines - row0
				}
				if err := m.applyBlock(r, mask, w, row0, nrows); err != nil {
					errc <- err
					return
				}
			}
		}(k)
	}
	wg.Wait()
	close(errc)
	if err := <-errc; err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (m *Model) applyBlock(r *raster.Raster, mask *raster.Mask, w *raster.Writer, row0, nrows int) error {
	hdr := r.Header
	data, err := r.ReadRows(row0, nrows)
	if err != nil {
		return err
	}

	comps := m.Components()
	out := make([][]float64, comps)
	for c := range out {
		out[c] = make([]float64, nrows*hdr.Samples)
	}

	spec := make([]float64, len(m.BandIdx))
	for i := 0; i < nrows*hdr.Samples; i++ {
		row, col := row0+i/hdr.Samples, i%hdr.Samples
		if mask != nil && !mask.At(row, col) {
			for c := 0; c < comps; c++ {
				out[c][i] = NoData
			}
			continue
		}
		for j, b := range m.BandIdx {
			spec[j] = data[b][i]
		}
		scores := m.Scores(spec)
		for c := 0; c < comps; c++ {
			out[c][i] = scores[c]
		}
	}

	return w.WriteRows(row0, out)
}

// FilterOutliers removes from the mask every pixel whose score exceeds
// sigma standard deviations on any component, reading the reduced raster
// chunk by chunk. Scores are centered by construction, so the component
// standard deviation is the square root of its eigenvalue.
func (m *Model) FilterOutliers(reduced *raster.Raster, mask *raster.Mask, sigma, budgetGB float64) (*raster.Mask, error) {
	limits := make([]float64, m.Components())
	for c, ev := range m.Eigenvalues {
		limits[c] = sigma * math.Sqrt(math.Max(ev, 0))
	}

	out := mask.Clone()
	it, err := reduced.Chunks(mask, budgetGB)
	if err != nil {
		return nil, err
	}
	for {
		ch, err := it.Next()
		if err != nil {
			return nil, err
		}
		if ch == nil {
			break
		}
		for i := 0; i < ch.Rows*ch.Samples; i++ {
			if ch.Mask != nil && !ch.Mask[i] {
				continue
			}
			for c := 0; c < m.Components(); c++ {
				if math.Abs(ch.Data[c][i]) > limits[c] {
					out.Set(ch.Row+i/ch.Samples, i%ch.Samples, false)
					break
				}
			}
		}
	}
	return out, nil
}
