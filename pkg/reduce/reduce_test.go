package reduce

import (
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"specdiv/pkg/faults"
	"specdiv/pkg/raster"
)

func TestRemoveContinuum(t *testing.T) {
	wl := []float64{500, 600, 700, 800, 900}

	t.Run("flat spectrum", func(t *testing.T) {
		refl := []float64{0.4, 0.4, 0.4, 0.4, 0.4}
		out := RemoveContinuum(wl, refl)
		for i, v := range out {
			if math.Abs(v-1) > 1e-12 {
				t.Errorf("band %d: got %v, want 1", i, v)
			}
		}
	})

	t.Run("absorption dip", func(t *testing.T) {
		// Hull runs straight from 0.5 to 0.7; the dip at 700 nm falls
		// below it.
		refl := []float64{0.5, 0.55, 0.3, 0.65, 0.7}
		out := RemoveContinuum(wl, refl)
		for i, v := range out {
			if v > 1+1e-12 {
				t.Errorf("band %d: %v exceeds the envelope", i, v)
			}
		}
		if out[0] != 1 || out[4] != 1 {
			t.Errorf("hull endpoints must map to 1, got %v and %v", out[0], out[4])
		}
		envelope := 0.5 + (0.7-0.5)*(700.0-500.0)/(900.0-500.0)
		want := 0.3 / envelope
		if math.Abs(out[2]-want) > 1e-12 {
			t.Errorf("dip: got %v, want %v", out[2], want)
		}
	})
}

func TestSelectBands(t *testing.T) {
	wl := []float64{450, 900, 1400, 1900, 2400}

	idx, err := selectBands(wl, 5, [][2]float64{{1340, 1450}, {1800, 1960}})
	if err != nil {
		t.Fatalf("selectBands: %v", err)
	}
	want := []int{0, 1, 4}
	if len(idx) != len(want) {
		t.Fatalf("got %v, want %v", idx, want)
	}
	for i := range want {
		if idx[i] != want[i] {
			t.Fatalf("got %v, want %v", idx, want)
		}
	}

	if _, err := selectBands(wl, 5, [][2]float64{{0, 3000}}); err == nil || !faults.IsKind(err, faults.Configuration) {
		t.Errorf("expected Configuration error when everything is excluded, got %v", err)
	}
	if _, err := selectBands(nil, 3, [][2]float64{{1, 2}}); err == nil || !faults.IsKind(err, faults.Configuration) {
		t.Errorf("expected Configuration error without wavelengths, got %v", err)
	}
}

// correlatedScene writes a raster whose bands are linear mixtures of two
// latent signals plus small noise, so PCA has clear structure.
func correlatedScene(t *testing.T, path string, samples, lines int, seed int64) *raster.Raster {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	n := samples * lines
	bands := 4
	data := make([][]float64, bands)
	for b := range data {
		data[b] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		a := rng.NormFloat64()
		bLat := rng.NormFloat64() * 0.5
		data[0][i] = 1.0 + a + 0.01*rng.NormFloat64()
		data[1][i] = 2.0 + 0.8*a + bLat + 0.01*rng.NormFloat64()
		data[2][i] = 0.5 - a + 0.3*bLat + 0.01*rng.NormFloat64()
		data[3][i] = 1.5 + 0.2*a - bLat + 0.01*rng.NormFloat64()
	}
	hdr := &raster.Header{
		Samples: samples, Lines: lines, Bands: bands,
		DataType:    raster.Float64,
		Wavelengths: []float64{480, 560, 700, 835},
	}
	w, err := raster.NewWriter(path, hdr)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.WriteRows(0, data); err != nil {
		t.Fatalf("WriteRows: %v", err)
	}
	w.Close()

	r, err := raster.Open(path, bands)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestFitPCA(t *testing.T) {
	dir := t.TempDir()
	r := correlatedScene(t, filepath.Join(dir, "scene"), 30, 30, 11)

	opts := DefaultOptions()
	m, err := Fit(r, nil, opts, 0.1)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}

	if m.Components() != 4 {
		t.Fatalf("components: got %d, want 4", m.Components())
	}
	for c := 1; c < m.Components(); c++ {
		if m.Eigenvalues[c] > m.Eigenvalues[c-1]+1e-12 {
			t.Errorf("eigenvalues not descending: %v", m.Eigenvalues)
		}
	}
	for _, ev := range m.Eigenvalues {
		if ev <= 0 {
			t.Errorf("non-positive eigenvalue: %v", m.Eigenvalues)
		}
	}

	// Basis columns are orthonormal for plain PCA.
	for a := 0; a < m.Components(); a++ {
		for b := a; b < m.Components(); b++ {
			dot := 0.0
			for i := 0; i < 4; i++ {
				dot += m.Basis.At(i, a) * m.Basis.At(i, b)
			}
			want := 0.0
			if a == b {
				want = 1.0
			}
			if math.Abs(dot-want) > 1e-9 {
				t.Errorf("basis[%d].basis[%d] = %v, want %v", a, b, dot, want)
			}
		}
	}
}

// TestFitDeterminism: a fixed seed must reproduce the identical model.
func TestFitDeterminism(t *testing.T) {
	dir := t.TempDir()
	r := correlatedScene(t, filepath.Join(dir, "scene"), 25, 25, 5)

	opts := DefaultOptions()
	opts.SampleSize = 300
	m1, err := Fit(r, nil, opts, 0.1)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	m2, err := Fit(r, nil, opts, 0.1)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	for c := range m1.Eigenvalues {
		if m1.Eigenvalues[c] != m2.Eigenvalues[c] {
			t.Fatalf("eigenvalues differ between identical runs")
		}
	}
	for i := 0; i < 4; i++ {
		for c := 0; c < 4; c++ {
			if m1.Basis.At(i, c) != m2.Basis.At(i, c) {
				t.Fatalf("basis differs between identical runs")
			}
		}
	}
}

func TestFitErrors(t *testing.T) {
	dir := t.TempDir()

	t.Run("constant band", func(t *testing.T) {
		path := filepath.Join(dir, "flat")
		n := 100
		data := [][]float64{make([]float64, n), make([]float64, n)}
		for i := 0; i < n; i++ {
			data[0][i] = 1
			data[1][i] = float64(i)
		}
		hdr := &raster.Header{Samples: 10, Lines: 10, Bands: 2, DataType: raster.Float64}
		w, err := raster.NewWriter(path, hdr)
		if err != nil {
			t.Fatal(err)
		}
		w.WriteRows(0, data)
		w.Close()
		r, err := raster.Open(path, 2)
		if err != nil {
			t.Fatal(err)
		}
		defer r.Close()

		if _, err := Fit(r, nil, DefaultOptions(), 0.1); err == nil || !faults.IsKind(err, faults.Numerical) {
			t.Errorf("expected Numerical error for constant band, got %v", err)
		}
	})

	t.Run("collinear bands", func(t *testing.T) {
		// Band 2 is exactly band 0 + band 1: every band varies, but the
		// correlation matrix is rank deficient.
		path := filepath.Join(dir, "collinear")
		n := 100
		data := [][]float64{make([]float64, n), make([]float64, n), make([]float64, n)}
		for i := 0; i < n; i++ {
			data[0][i] = float64(i % 7)
			data[1][i] = float64((i * 3) % 11)
			data[2][i] = data[0][i] + data[1][i]
		}
		hdr := &raster.Header{Samples: 10, Lines: 10, Bands: 3, DataType: raster.Float64}
		w, err := raster.NewWriter(path, hdr)
		if err != nil {
			t.Fatal(err)
		}
		w.WriteRows(0, data)
		w.Close()
		r, err := raster.Open(path, 3)
		if err != nil {
			t.Fatal(err)
		}
		defer r.Close()

		if _, err := Fit(r, nil, DefaultOptions(), 0.1); err == nil || !faults.IsKind(err, faults.Numerical) {
			t.Errorf("expected Numerical error for collinear bands, got %v", err)
		}
	})

	t.Run("too few pixels", func(t *testing.T) {
		r := correlatedScene(t, filepath.Join(dir, "tiny"), 10, 10, 2)
		mask := raster.NewMask(10, 10, false)
		mask.Set(0, 0, true)
		mask.Set(0, 1, true)

		if _, err := Fit(r, mask, DefaultOptions(), 0.1); err == nil || !faults.IsKind(err, faults.Numerical) {
			t.Errorf("expected Numerical error with 2 pixels for 4 components, got %v", err)
		}
	})
}

// TestApplyRoundTrip verifies the reduced raster reproduces the scores
// the model computes directly, and that masked pixels carry no-data.
func TestApplyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r := correlatedScene(t, filepath.Join(dir, "scene"), 20, 20, 9)

	mask := raster.NewMask(20, 20, true)
	mask.Set(3, 4, false)

	m, err := Fit(r, mask, DefaultOptions(), 0.1)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}

	outPath := filepath.Join(dir, "reduced")
	if err := m.Apply(r, mask, outPath, 0.001, 3); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	red, err := raster.Open(outPath, m.Components())
	if err != nil {
		t.Fatalf("Open reduced: %v", err)
	}
	defer red.Close()

	src, err := r.ReadRows(0, 20)
	if err != nil {
		t.Fatal(err)
	}
	got, err := red.ReadRows(0, 20)
	if err != nil {
		t.Fatal(err)
	}

	for _, i := range []int{0, 55, 399} {
		spec := make([]float64, 4)
		for b := 0; b < 4; b++ {
			spec[b] = src[b][i]
		}
		want := m.Scores(spec)
		for c := range want {
			// Reduced raster is float32.
			if math.Abs(got[c][i]-want[c]) > 1e-4 {
				t.Errorf("pixel %d component %d: got %v, want %v", i, c, got[c][i], want[c])
			}
		}
	}

	masked := 3*20 + 4
	for c := 0; c < m.Components(); c++ {
		if got[c][masked] != NoData {
			t.Errorf("masked pixel component %d: got %v, want no-data", c, got[c][masked])
		}
	}
}

func TestSPCAAndMNF(t *testing.T) {
	dir := t.TempDir()
	r := correlatedScene(t, filepath.Join(dir, "scene"), 30, 30, 21)

	t.Run("SPCA zeroes small loadings", func(t *testing.T) {
		opts := DefaultOptions()
		opts.Type = SPCA
		opts.SPCAThreshold = 0.5
		m, err := Fit(r, nil, opts, 0.1)
		if err != nil {
			t.Fatalf("Fit: %v", err)
		}
		zeros := 0
		for c := 0; c < m.Components(); c++ {
			for i := 0; i < 4; i++ {
				if m.Basis.At(i, c) == 0 {
					zeros++
				}
			}
		}
		if zeros == 0 {
			t.Error("SPCA with a high threshold produced no zero loadings")
		}
	})

	// Sparsified loadings no longer diagonalize the covariance, so the
	// reported eigenvalues must be the actual score variances.
	t.Run("SPCA eigenvalues match score variance", func(t *testing.T) {
		opts := DefaultOptions()
		opts.Type = SPCA
		opts.SampleSize = 0 // fit on every pixel
		m, err := Fit(r, nil, opts, 0.1)
		if err != nil {
			t.Fatalf("Fit: %v", err)
		}

		src, err := r.ReadRows(0, 30)
		if err != nil {
			t.Fatal(err)
		}
		n := 30 * 30
		scores := make([][]float64, n)
		for i := 0; i < n; i++ {
			spec := make([]float64, 4)
			for b := 0; b < 4; b++ {
				spec[b] = src[b][i]
			}
			scores[i] = m.Scores(spec)
		}
		for c := 0; c < m.Components(); c++ {
			mean := 0.0
			for i := 0; i < n; i++ {
				mean += scores[i][c]
			}
			mean /= float64(n)
			ss := 0.0
			for i := 0; i < n; i++ {
				d := scores[i][c] - mean
				ss += d * d
			}
			variance := ss / float64(n-1)
			if math.Abs(variance-m.Eigenvalues[c]) > 1e-8*math.Max(variance, 1) {
				t.Errorf("component %d: eigenvalue %v, score variance %v", c, m.Eigenvalues[c], variance)
			}
		}
	})

	t.Run("MNF", func(t *testing.T) {
		opts := DefaultOptions()
		opts.Type = MNF
		m, err := Fit(r, nil, opts, 0.1)
		if err != nil {
			t.Fatalf("Fit: %v", err)
		}
		if m.Components() != 4 {
			t.Fatalf("components: got %d", m.Components())
		}
		for c := 1; c < 4; c++ {
			if m.Eigenvalues[c] > m.Eigenvalues[c-1]+1e-12 {
				t.Errorf("MNF eigenvalues not descending: %v", m.Eigenvalues)
			}
		}
	})
}

func TestFilterOutliers(t *testing.T) {
	dir := t.TempDir()
	r := correlatedScene(t, filepath.Join(dir, "scene"), 20, 20, 33)

	m, err := Fit(r, nil, DefaultOptions(), 0.1)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	outPath := filepath.Join(dir, "reduced")
	if err := m.Apply(r, nil, outPath, 0.1, 2); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	red, err := raster.Open(outPath, m.Components())
	if err != nil {
		t.Fatal(err)
	}
	defer red.Close()

	mask := raster.NewMask(20, 20, true)
	filtered, err := m.FilterOutliers(red, mask, 3.0, 0.1)
	if err != nil {
		t.Fatalf("FilterOutliers: %v", err)
	}

	// Normal data at 3 sigma keeps the vast majority of pixels, and a
	// tight threshold removes more.
	kept := filtered.CountValid()
	if kept < 300 {
		t.Errorf("3-sigma filter kept only %d of 400 pixels", kept)
	}
	tight, err := m.FilterOutliers(red, mask, 0.5, 0.1)
	if err != nil {
		t.Fatal(err)
	}
	if tight.CountValid() >= kept {
		t.Errorf("tighter sigma kept %d pixels, loose kept %d", tight.CountValid(), kept)
	}
}

func TestSelection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "components.txt")

	s := Selection{0, 2, 3}
	if err := s.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := LoadSelection(path)
	if err != nil {
		t.Fatalf("LoadSelection: %v", err)
	}
	if len(loaded) != 3 || loaded[0] != 0 || loaded[1] != 2 || loaded[2] != 3 {
		t.Fatalf("round trip: got %v", loaded)
	}

	if err := loaded.Validate(4); err != nil {
		t.Errorf("Validate(4): %v", err)
	}
	if err := loaded.Validate(3); err == nil || !faults.IsKind(err, faults.Configuration) {
		t.Errorf("expected Configuration error for out-of-range component, got %v", err)
	}
	if err := (Selection{1, 1}).Validate(4); err == nil || !faults.IsKind(err, faults.Configuration) {
		t.Errorf("expected Configuration error for duplicate, got %v", err)
	}
	if err := (Selection{}).Validate(4); err == nil {
		t.Error("expected error for empty selection")
	}
}
