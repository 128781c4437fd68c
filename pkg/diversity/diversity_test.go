package diversity

import (
	"math"
	"path/filepath"
	"testing"

	"specdiv/pkg/faults"
	"specdiv/pkg/raster"
)

func TestShannonSimpsonBounds(t *testing.T) {
	cases := []struct {
		name      string
		abundance []float64
	}{
		{"single species", []float64{100, 0, 0}},
		{"two even", []float64{50, 50, 0}},
		{"three uneven", []float64{70, 20, 10}},
		{"all even", []float64{25, 25, 25}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := Shannon(tc.abundance)
			d := Simpson(tc.abundance)
			if h < 0 {
				t.Errorf("Shannon = %v < 0", h)
			}
			if d < 0 || d > 1 {
				t.Errorf("Simpson = %v outside [0,1]", d)
			}

			species := 0
			for _, c := range tc.abundance {
				if c > 0 {
					species++
				}
			}
			if species == 1 {
				if h != 0 || d != 0 {
					t.Errorf("single species: Shannon=%v Simpson=%v, want 0", h, d)
				}
			} else {
				if h <= 0 || d <= 0 {
					t.Errorf("%d species: Shannon=%v Simpson=%v, want positive", species, h, d)
				}
			}
		})
	}

	if !math.IsNaN(Shannon([]float64{0, 0})) || !math.IsNaN(Simpson([]float64{0, 0})) {
		t.Error("empty window must yield NaN")
	}

	// Maximum entropy for k even species is ln(k).
	if h := Shannon([]float64{25, 25, 25}); math.Abs(h-math.Log(3)) > 1e-12 {
		t.Errorf("even Shannon: got %v, want ln 3", h)
	}
}

func TestFisherAlpha(t *testing.T) {
	// Build a window with N=1000 individuals over S=46 species and check
	// the solution satisfies S = α·ln(1+N/α).
	abundance := make([]float64, 46)
	left := 1000.0
	for i := range abundance {
		abundance[i] = 1
		left--
	}
	abundance[0] += left

	alpha := FisherAlpha(abundance)
	if math.IsNaN(alpha) || alpha <= 0 {
		t.Fatalf("FisherAlpha: got %v", alpha)
	}
	if got := alpha * math.Log(1+1000/alpha); math.Abs(got-46) > 1e-6 {
		t.Errorf("relation: α·ln(1+N/α) = %v, want 46", got)
	}

	// Degenerate windows have no finite solution.
	if !math.IsNaN(FisherAlpha([]float64{5})) {
		t.Error("single species must yield NaN")
	}
	if !math.IsNaN(FisherAlpha([]float64{1, 1, 1})) {
		t.Error("S == N must yield NaN")
	}
	if !math.IsNaN(FisherAlpha([]float64{0, 0})) {
		t.Error("empty window must yield NaN")
	}
}

func TestBrayCurtis(t *testing.T) {
	a := []float64{10, 5, 0}
	b := []float64{10, 5, 0}
	c := []float64{0, 0, 15}

	if d := BrayCurtis(a, b); d != 0 {
		t.Errorf("identical vectors: got %v, want 0", d)
	}
	if d := BrayCurtis(a, c); d != 1 {
		t.Errorf("disjoint vectors: got %v, want 1", d)
	}

	mixed := []float64{5, 10, 0}
	d1 := BrayCurtis(a, mixed)
	d2 := BrayCurtis(mixed, a)
	if d1 != d2 {
		t.Errorf("not symmetric: %v vs %v", d1, d2)
	}
	if d1 <= 0 || d1 >= 1 {
		t.Errorf("partial overlap: got %v, want in (0,1)", d1)
	}
}

// speciesScene writes an int32 species map with a fixed per-quadrant
// pattern: top-left all species 0, top-right alternating 0/1, bottom
// half species 2.
func speciesScene(t *testing.T, path string, samples, lines int) *raster.Raster {
	t.Helper()
	band := make([]float64, samples*lines)
	for row := 0; row < lines; row++ {
		for col := 0; col < samples; col++ {
			i := row*samples + col
			switch {
			case row < lines/2 && col < samples/2:
				band[i] = 0
			case row < lines/2:
				band[i] = float64(i % 2)
			default:
				band[i] = 2
			}
		}
	}
	hdr := &raster.Header{
		Samples: samples, Lines: lines, Bands: 1,
		DataType: raster.Int32, IgnoreValue: -1, HasIgnore: true,
	}
	w, err := raster.NewWriter(path, hdr)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteRows(0, [][]float64{band}); err != nil {
		t.Fatal(err)
	}
	w.Close()

	r, err := raster.Open(path, 1)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestBuildGrid(t *testing.T) {
	dir := t.TempDir()
	r := speciesScene(t, filepath.Join(dir, "species"), 100, 100)

	g, err := BuildGrid(r, 10, 3)
	if err != nil {
		t.Fatalf("BuildGrid: %v", err)
	}
	if g.Rows != 10 || g.Cols != 10 {
		t.Fatalf("grid: got %dx%d windows, want 10x10", g.Rows, g.Cols)
	}
	if len(g.Abundance) != 100 {
		t.Fatalf("windows: got %d, want 100", len(g.Abundance))
	}
	for w, valid := range g.Valid {
		if valid != 100 {
			t.Fatalf("window %d: %d valid pixels, want 100", w, valid)
		}
	}

	alpha := g.Alpha([]AlphaIndex{ShannonIndex, SimpsonIndex})

	// Top-left windows hold a single species: Shannon and Simpson zero.
	if h := alpha[ShannonIndex][0]; h != 0 {
		t.Errorf("pure window Shannon: got %v, want 0", h)
	}
	if d := alpha[SimpsonIndex][0]; d != 0 {
		t.Errorf("pure window Simpson: got %v, want 0", d)
	}
	// Top-right windows alternate two species evenly: Shannon = ln 2.
	if h := alpha[ShannonIndex][9]; math.Abs(h-math.Log(2)) > 1e-9 {
		t.Errorf("even two-species window Shannon: got %v, want ln 2", h)
	}
}

// TestGridPartialWindowsDiscarded verifies trailing rows and columns that
// do not fill a window contribute to nothing.
func TestGridPartialWindowsDiscarded(t *testing.T) {
	dir := t.TempDir()
	r := speciesScene(t, filepath.Join(dir, "species"), 25, 17)

	g, err := BuildGrid(r, 10, 3)
	if err != nil {
		t.Fatalf("BuildGrid: %v", err)
	}
	if g.Rows != 1 || g.Cols != 2 {
		t.Fatalf("grid: got %dx%d windows, want 1x2", g.Rows, g.Cols)
	}
	total := 0
	for _, v := range g.Valid {
		total += v
	}
	if total != 200 {
		t.Errorf("valid pixels across windows: got %d, want 200", total)
	}
}

func TestBetaOnGrid(t *testing.T) {
	dir := t.TempDir()
	r := speciesScene(t, filepath.Join(dir, "species"), 40, 40)

	g, err := BuildGrid(r, 20, 3)
	if err != nil {
		t.Fatalf("BuildGrid: %v", err)
	}
	// Window 0: all species 0. Window 1: even 0/1. Windows 2,3: all 2.
	beta, err := g.BetaAgainst(0)
	if err != nil {
		t.Fatalf("BetaAgainst: %v", err)
	}
	if beta[0] != 0 {
		t.Errorf("self dissimilarity: got %v, want 0", beta[0])
	}
	if beta[2] != 1 || beta[3] != 1 {
		t.Errorf("disjoint windows: got %v and %v, want 1", beta[2], beta[3])
	}
	if beta[1] <= 0 || beta[1] >= 1 {
		t.Errorf("half-overlap window: got %v, want in (0,1)", beta[1])
	}

	m := g.BetaMatrix([]int{0, 1, 2, 3})
	for i := range m {
		if m[i][i] != 0 {
			t.Errorf("diagonal: got %v", m[i][i])
		}
		for j := range m {
			if m[i][j] != m[j][i] {
				t.Errorf("asymmetric at (%d,%d)", i, j)
			}
			if m[i][j] < 0 || m[i][j] > 1 {
				t.Errorf("out of range at (%d,%d): %v", i, j, m[i][j])
			}
		}
	}
	if m[2][3] != 0 {
		t.Errorf("identical windows: got %v, want 0", m[2][3])
	}

	sample := g.SampleWindows(2, 7)
	if len(sample) != 2 {
		t.Errorf("sample: got %d windows, want 2", len(sample))
	}
	all := g.SampleWindows(100, 7)
	if len(all) != 4 {
		t.Errorf("sample cap above count: got %d windows, want 4", len(all))
	}
}

// TestBetaReferenceFallback: a fully masked reference window must not
// abort the map; the first valid window stands in for it.
func TestBetaReferenceFallback(t *testing.T) {
	g := &Grid{
		WindowSize: 10, Rows: 1, Cols: 3, Species: 2,
		Abundance: [][]float64{{0, 0}, {5, 5}, {10, 0}},
		Valid:     []int{0, 10, 10},
	}

	beta, err := g.BetaAgainst(0)
	if err != nil {
		t.Fatalf("BetaAgainst with empty reference: %v", err)
	}
	if !math.IsNaN(beta[0]) {
		t.Errorf("empty window: got %v, want NaN", beta[0])
	}
	if beta[1] != 0 {
		t.Errorf("fallback self dissimilarity: got %v, want 0", beta[1])
	}
	if beta[2] != BrayCurtis(g.Abundance[2], g.Abundance[1]) {
		t.Errorf("window 2 not measured against the fallback reference: got %v", beta[2])
	}

	empty := &Grid{
		WindowSize: 10, Rows: 1, Cols: 2, Species: 2,
		Abundance: [][]float64{{0, 0}, {0, 0}},
		Valid:     []int{0, 0},
	}
	if _, err := empty.BetaAgainst(0); err == nil || !faults.IsKind(err, faults.Numerical) {
		t.Errorf("expected Numerical error with no valid windows, got %v", err)
	}
}

func TestHullMeasures(t *testing.T) {
	t.Run("1D range", func(t *testing.T) {
		v, _ := hullVolume([][]float64{{3}, {1}, {2.5}}, 1)
		if v != 2 {
			t.Errorf("range: got %v, want 2", v)
		}
	})

	t.Run("2D unit square", func(t *testing.T) {
		pts := [][]float64{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0.5, 0.5}}
		v, hull := hullVolume(pts, 2)
		if math.Abs(v-1) > 1e-12 {
			t.Errorf("area: got %v, want 1", v)
		}
		if len(hull) != 4 {
			t.Errorf("hull vertices: got %d, want 4", len(hull))
		}
	})

	t.Run("2D collinear", func(t *testing.T) {
		v, _ := hullVolume([][]float64{{0, 0}, {1, 1}, {2, 2}}, 2)
		if v != 0 {
			t.Errorf("collinear area: got %v, want 0", v)
		}
	})

	t.Run("3D unit cube", func(t *testing.T) {
		var pts [][]float64
		for x := 0; x <= 1; x++ {
			for y := 0; y <= 1; y++ {
				for z := 0; z <= 1; z++ {
					pts = append(pts, []float64{float64(x), float64(y), float64(z)})
				}
			}
		}
		pts = append(pts, []float64{0.5, 0.5, 0.5}) // interior
		v, _ := hullVolume(pts, 3)
		if math.Abs(v-1) > 1e-9 {
			t.Errorf("volume: got %v, want 1", v)
		}
	})

	t.Run("3D tetrahedron", func(t *testing.T) {
		pts := [][]float64{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
		v, _ := hullVolume(pts, 3)
		if math.Abs(v-1.0/6) > 1e-12 {
			t.Errorf("volume: got %v, want 1/6", v)
		}
	})

	t.Run("3D coplanar", func(t *testing.T) {
		pts := [][]float64{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {1, 1, 0}}
		v, _ := hullVolume(pts, 3)
		if v != 0 {
			t.Errorf("coplanar volume: got %v, want 0", v)
		}
	})

	// The incremental hull walks edge maps internally; repeated calls on
	// the same input must yield bit-identical volumes and vertex order.
	t.Run("3D repeatable", func(t *testing.T) {
		var pts [][]float64
		for i := 0; i < 40; i++ {
			pts = append(pts, []float64{
				float64(i % 5),
				float64((i * 3) % 7),
				float64((i * 5) % 11),
			})
		}
		v0, verts0 := hullVolume(pts, 3)
		for rep := 0; rep < 20; rep++ {
			v, verts := hullVolume(pts, 3)
			if v != v0 {
				t.Fatalf("volume varies between calls: %v vs %v", v, v0)
			}
			if len(verts) != len(verts0) {
				t.Fatalf("vertex count varies: %d vs %d", len(verts), len(verts0))
			}
			for i := range verts {
				for k := 0; k < 3; k++ {
					if verts[i][k] != verts0[i][k] {
						t.Fatalf("vertex order varies at %d", i)
					}
				}
			}
		}
	})
}

func TestMSTIndices(t *testing.T) {
	// Evenly spaced collinear points: perfectly even MST edges.
	even := [][]float64{{0, 0}, {1, 0}, {2, 0}, {3, 0}}
	feve, fdiv := mstIndices(even)
	if math.Abs(feve-1) > 1e-12 {
		t.Errorf("even spacing FEve: got %v, want 1", feve)
	}
	if fdiv <= 0 || fdiv > 1 {
		t.Errorf("FDiv: got %v, want in (0,1]", fdiv)
	}

	// Strongly uneven spacing must be less even.
	uneven := [][]float64{{0, 0}, {0.01, 0}, {0.02, 0}, {10, 0}}
	feveU, _ := mstIndices(uneven)
	if feveU >= feve {
		t.Errorf("uneven FEve %v not below even FEve %v", feveU, feve)
	}

	if f, d := mstIndices([][]float64{{0, 0}, {1, 1}}); !math.IsNaN(f) || !math.IsNaN(d) {
		t.Errorf("two points: got (%v,%v), want NaN", f, d)
	}

	// A square has tied edge weights, so the spanning tree is not unique;
	// the indices must still be identical across repeated calls.
	square := [][]float64{{0, 0}, {1, 0}, {1, 1}, {0, 1}}
	feve0, fdiv0 := mstIndices(square)
	for rep := 0; rep < 20; rep++ {
		f, d := mstIndices(square)
		if f != feve0 || d != fdiv0 {
			t.Fatalf("indices vary between calls: (%v,%v) vs (%v,%v)", f, d, feve0, fdiv0)
		}
	}
}

func TestFunctional(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reduced")

	// Two-band trait raster, 20x20, windows of 10: left window band
	// spreads points widely, right window is a tight cluster.
	samples, lines := 20, 20
	n := samples * lines
	b0 := make([]float64, n)
	b1 := make([]float64, n)
	for row := 0; row < lines; row++ {
		for col := 0; col < samples; col++ {
			i := row*samples + col
			if col < 10 {
				b0[i] = float64(row)
				b1[i] = float64(col)
			} else {
				b0[i] = 0.05 * float64(row%3)
				b1[i] = 0.05 * float64(col%3)
			}
		}
	}
	hdr := &raster.Header{Samples: samples, Lines: lines, Bands: 2, DataType: raster.Float64}
	w, err := raster.NewWriter(path, hdr)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteRows(0, [][]float64{b0, b1}); err != nil {
		t.Fatal(err)
	}
	w.Close()
	r, err := raster.Open(path, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	res, err := Functional(r, nil, []int{0, 1}, 10)
	if err != nil {
		t.Fatalf("Functional: %v", err)
	}
	if len(res.FRic) != 4 {
		t.Fatalf("windows: got %d, want 4", len(res.FRic))
	}
	for w := 0; w < 4; w++ {
		if math.IsNaN(res.FRic[w]) {
			t.Fatalf("window %d FRic is NaN", w)
		}
		if res.FRic[w] < 0 || res.FRic[w] > 1+1e-9 {
			t.Errorf("window %d FRic %v outside [0,1]", w, res.FRic[w])
		}
		if res.FEve[w] < 0 || res.FEve[w] > 1+1e-9 {
			t.Errorf("window %d FEve %v outside [0,1]", w, res.FEve[w])
		}
		if res.FDiv[w] < 0 || res.FDiv[w] > 1+1e-9 {
			t.Errorf("window %d FDiv %v outside [0,1]", w, res.FDiv[w])
		}
	}
	// Wide windows (0 and 2) must be richer than the tight ones.
	if res.FRic[0] <= res.FRic[1] {
		t.Errorf("wide window FRic %v not above tight window %v", res.FRic[0], res.FRic[1])
	}

	// Too many trait dimensions is a configuration error.
	if _, err := Functional(r, nil, []int{0, 1, 0, 1}, 10); err == nil || !faults.IsKind(err, faults.Configuration) {
		t.Errorf("expected Configuration error for 4 traits, got %v", err)
	}
}

func TestWriteIndexRaster(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alpha")

	g := &Grid{WindowSize: 10, Rows: 2, Cols: 2}
	values := []float64{0.5, math.NaN(), 1.5, 2.5}
	if err := g.WriteIndexRaster(path, "shannon", values); err != nil {
		t.Fatalf("WriteIndexRaster: %v", err)
	}

	r, err := raster.Open(path, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	if r.Header.Samples != 2 || r.Header.Lines != 2 {
		t.Fatalf("extent: got %dx%d", r.Header.Lines, r.Header.Samples)
	}
	data, err := r.ReadRows(0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if data[0][1] != NoData {
		t.Errorf("NaN window: got %v, want %v", data[0][1], NoData)
	}
	if math.Abs(data[0][0]-0.5) > 1e-6 || math.Abs(data[0][3]-2.5) > 1e-6 {
		t.Errorf("values: got %v", data[0])
	}
}
