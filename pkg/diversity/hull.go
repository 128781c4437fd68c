package diversity

import (
	"math"
	"sort"
)

// hullVolume returns the convex-hull measure of a point set in trait
// space and the hull's vertex set: range for one trait, polygon area for
// two, polyhedron volume for three. Degenerate sets (collinear,
// coplanar) measure zero.
func hullVolume(points [][]float64, dims int) (float64, [][]float64) {
	if len(points) == 0 {
		return 0, nil
	}
	switch dims {
	case 1:
		lo, hi := points[0][0], points[0][0]
		for _, p := range points {
			lo = math.Min(lo, p[0])
			hi = math.Max(hi, p[0])
		}
		return hi - lo, [][]float64{{lo}, {hi}}
	case 2:
		hull := hull2D(points)
		return polygonArea(hull), hull
	case 3:
		return hull3D(points)
	}
	return 0, nil
}

// hull2D is Andrew's monotone chain; returns hull vertices in
// counterclockwise order.
func hull2D(points [][]float64) [][]float64 {
	pts := make([][]float64, len(points))
	copy(pts, points)
	sort.Slice(pts, func(i, j int) bool {
		if pts[i][0] != pts[j][0] {
			return pts[i][0] < pts[j][0]
		}
		return pts[i][1] < pts[j][1]
	})

	// Deduplicate to keep the chain stable.
	uniq := pts[:0]
	for i, p := range pts {
		if i == 0 || p[0] != uniq[len(uniq)-1][0] || p[1] != uniq[len(uniq)-1][1] {
			uniq = append(uniq, p)
		}
	}
	pts = uniq
	if len(pts) < 3 {
		return pts
	}

	cross := func(o, a, b []float64) float64 {
		return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
	}

	var lower, upper [][]float64
	for _, p := range pts {
		for len(lower) >= 2 && cross(lower[len(lower)-2], lower[len(lower)-1], p) <= 0 {
			lower = lower[:len(lower)-1]
		}
		lower = append(lower, p)
	}
	for i := len(pts) - 1; i >= 0; i-- {
		p := pts[i]
		for len(upper) >= 2 && cross(upper[len(upper)-2], upper[len(upper)-1], p) <= 0 {
			upper = upper[:len(upper)-1]
		}
		upper = append(upper, p)
	}
	return append(lower[:len(lower)-1], upper[:len(upper)-1]...)
}

func polygonArea(hull [][]float64) float64 {
	if len(hull) < 3 {
		return 0
	}
	area := 0.0
	for i := range hull {
		j := (i + 1) % len(hull)
		area += hull[i][0]*hull[j][1] - hull[j][0]*hull[i][1]
	}
	return math.Abs(area) / 2
}

// hull3D builds the convex hull incrementally and returns its volume and
// vertex set. Points inside the running hull are discarded as they
// arrive, so memory stays proportional to the hull, not the input.
func hull3D(points [][]float64) (float64, [][]float64) {
	const eps = 1e-12

	init, rest := initialTetrahedron(points, eps)
	if init == nil {
		// Degenerate input: flat in at most a plane.
		return 0, nil
	}

	interior := []float64{0, 0, 0}
	for _, v := range init {
		for k := 0; k < 3; k++ {
			interior[k] += v[k] / 4
		}
	}

	type face struct{ a, b, c []float64 }
	orient := func(f face) face {
		n := cross3(sub3(f.b, f.a), sub3(f.c, f.a))
		if dot3(n, sub3(f.a, interior)) < 0 {
			f.b, f.c = f.c, f.b
		}
		return f
	}
	faces := []face{
		orient(face{init[0], init[1], init[2]}),
		orient(face{init[0], init[1], init[3]}),
		orient(face{init[0], init[2], init[3]}),
		orient(face{init[1], init[2], init[3]}),
	}

	for _, p := range rest {
		visible := make([]bool, len(faces))
		any := false
		for i, f := range faces {
			n := cross3(sub3(f.b, f.a), sub3(f.c, f.a))
			if dot3(n, sub3(p, f.a)) > eps*norm3(n) {
				visible[i] = true
				any = true
			}
		}
		if !any {
			continue
		}

		// Horizon edges: edges of visible faces shared with no other
		// visible face.
		type edge struct{ u, v []float64 }
		var horizon []edge
		edgeCount := map[string]int{}
		edgeEnds := map[string]edge{}
		for i, f := range faces {
			if !visible[i] {
				continue
			}
			pairs := [3][2][]float64{{f.a, f.b}, {f.b, f.c}, {f.c, f.a}}
			for _, pr := range pairs {
				k := edgeKey(pr[0], pr[1])
				edgeCount[k]++
				edgeEnds[k] = edge{pr[0], pr[1]}
			}
		}
		// Map iteration order varies between runs; sort the keys so the
		// face order, and with it the volume summation, is reproducible.
		var horizonKeys []string
		for k, n := range edgeCount {
			if n == 1 {
				horizonKeys = append(horizonKeys, k)
			}
		}
		sort.Strings(horizonKeys)
		for _, k := range horizonKeys {
			horizon = append(horizon, edgeEnds[k])
		}

		kept := faces[:0]
		for i, f := range faces {
			if !visible[i] {
				kept = append(kept, f)
			}
		}
		faces = kept
		for _, e := range horizon {
			faces = append(faces, orient(face{e.u, e.v, p}))
		}
	}

	// Volume via signed tetrahedra against the interior point; faces are
	// outward oriented so every term is non-negative.
	volume := 0.0
	seen := map[string]bool{}
	var verts [][]float64
	for _, f := range faces {
		volume += dot3(sub3(f.a, interior), cross3(sub3(f.b, interior), sub3(f.c, interior))) / 6
		for _, v := range [][]float64{f.a, f.b, f.c} {
			k := coordKey(v)
			if !seen[k] {
				seen[k] = true
				verts = append(verts, v)
			}
		}
	}
	return math.Abs(volume), verts
}

// initialTetrahedron finds four non-coplanar points; returns them and the
// remaining points, or nil when the set is degenerate.
func initialTetrahedron(points [][]float64, eps float64) ([][]float64, [][]float64) {
	if len(points) < 4 {
		return nil, nil
	}
	a := points[0]
	var b, c, d []float64
	bi, ci, di := -1, -1, -1

	for i, p := range points[1:] {
		if norm3(sub3(p, a)) > eps {
			b, bi = p, i+1
			break
		}
	}
	if b == nil {
		return nil, nil
	}
	for i, p := range points[1:] {
		if i+1 == bi {
			continue
		}
		if norm3(cross3(sub3(b, a), sub3(p, a))) > eps {
			c, ci = p, i+1
			break
		}
	}
	if c == nil {
		return nil, nil
	}
	n := cross3(sub3(b, a), sub3(c, a))
	for i, p := range points[1:] {
		if i+1 == bi || i+1 == ci {
			continue
		}
		if math.Abs(dot3(n, sub3(p, a))) > eps*norm3(n) {
			d, di = p, i+1
			break
		}
	}
	if d == nil {
		return nil, nil
	}

	var rest [][]float64
	for i, p := range points {
		if i == 0 || i == bi || i == ci || i == di {
			continue
		}
		rest = append(rest, p)
	}
	return [][]float64{a, b, c, d}, rest
}

func edgeKey(u, v []float64) string {
	ku := coordKey(u)
	kv := coordKey(v)
	if kv < ku {
		ku, kv = kv, ku
	}
	return ku + "|" + kv
}

func coordKey(p []float64) string {
	b := make([]byte, 0, 24)
	for _, v := range p {
		bits := math.Float64bits(v)
		for s := 0; s < 64; s += 8 {
			b = append(b, byte(bits>>s))
		}
	}
	return string(b)
}

func sub3(a, b []float64) []float64 {
	return []float64{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}

func cross3(a, b []float64) []float64 {
	return []float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func dot3(a, b []float64) float64 { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }

func norm3(a []float64) float64 { return math.Sqrt(dot3(a, a)) }
