// Package plots validates the mapped diversity products against field
// plots: GeoJSON polygons rasterized onto the image grid, with alpha,
// functional and pairwise beta indices computed over each plot's pixel
// set instead of fixed windows.
package plots

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"specdiv/pkg/faults"
	"specdiv/pkg/raster"
)

// Plot is one field plot: a named polygon in the raster's map
// coordinate system.
type Plot struct {
	Name     string
	Geometry orb.Geometry
}

// Load reads plots from a GeoJSON feature collection. Plot names come
// from a "name" or "id" property, falling back to the feature index.
// Features without polygon geometry are rejected.
func Load(path string) ([]Plot, error) {
	const op = "plots.Load"

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, faults.IOf(op, "read %s: %v", path, err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, faults.IOf(op, "decode %s: %v", path, err)
	}
	if len(fc.Features) == 0 {
		return nil, faults.Configf(op, "%s holds no features", path)
	}

	plots := make([]Plot, 0, len(fc.Features))
	for i, f := range fc.Features {
		switch f.Geometry.(type) {
		case orb.Polygon, orb.MultiPolygon:
		default:
			return nil, faults.Configf(op, "feature %d: geometry type %s, want Polygon or MultiPolygon",
				i, f.Geometry.GeoJSONType())
		}
		name := f.Properties.MustString("name", "")
		if name == "" {
			name = f.Properties.MustString("id", fmt.Sprintf("plot_%d", i))
		}
		plots = append(plots, Plot{Name: name, Geometry: f.Geometry})
	}
	return plots, nil
}

// Geotransform maps between pixel and map coordinates. XRes and YRes
// are pixel sizes; YRes is positive with Y decreasing down rows, the
// usual north-up layout.
type Geotransform struct {
	ULX, ULY   float64
	XRes, YRes float64
}

// ParseMapInfo extracts the geotransform from an ENVI map info entry:
// {projection, refX, refY, mapX, mapY, xsize, ysize, ...}, where the
// reference pixel is one-based and anchored at its upper-left corner.
func ParseMapInfo(mapInfo string) (*Geotransform, error) {
	const op = "plots.ParseMapInfo"

	if mapInfo == "" {
		return nil, faults.Configf(op, "raster carries no map info, cannot place plots")
	}
	fields := strings.Split(mapInfo, ",")
	if len(fields) < 7 {
		return nil, faults.Configf(op, "map info %q has %d fields, want at least 7", mapInfo, len(fields))
	}
	vals := make([]float64, 6)
	for i := 0; i < 6; i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(fields[i+1]), 64)
		if err != nil {
			return nil, faults.Configf(op, "map info field %d: %v", i+1, err)
		}
		vals[i] = v
	}
	refX, refY := vals[0], vals[1]
	gt := &Geotransform{XRes: vals[4], YRes: vals[5]}
	if gt.XRes <= 0 || gt.YRes <= 0 {
		return nil, faults.Configf(op, "map info pixel size %gx%g", gt.XRes, gt.YRes)
	}
	// Shift the reference point back to the raster origin.
	gt.ULX = vals[2] - (refX-1)*gt.XRes
	gt.ULY = vals[3] + (refY-1)*gt.YRes
	return gt, nil
}

// PixelCenter returns the map coordinates of a pixel center.
func (gt *Geotransform) PixelCenter(row, col int) orb.Point {
	return orb.Point{
		gt.ULX + (float64(col)+0.5)*gt.XRes,
		gt.ULY - (float64(row)+0.5)*gt.YRes,
	}
}

// pixelRange clips a map bound to the raster extent, conservatively
// widened to whole pixels.
func (gt *Geotransform) pixelRange(b orb.Bound, samples, lines int) (row0, row1, col0, col1 int) {
	col0 = int((b.Min[0] - gt.ULX) / gt.XRes)
	col1 = int((b.Max[0]-gt.ULX)/gt.XRes) + 1
	row0 = int((gt.ULY - b.Max[1]) / gt.YRes)
	row1 = int((gt.ULY-b.Min[1])/gt.YRes) + 1
	if col0 < 0 {
		col0 = 0
	}
	if row0 < 0 {
		row0 = 0
	}
	if col1 > samples-1 {
		col1 = samples - 1
	}
	if row1 > lines-1 {
		row1 = lines - 1
	}
	return row0, row1, col0, col1
}

func contains(g orb.Geometry, p orb.Point) bool {
	switch geom := g.(type) {
	case orb.Polygon:
		return planar.PolygonContains(geom, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(geom, p)
	}
	return false
}

// Rasterize returns the sorted pixel indices (row*samples+col) whose
// centers fall inside the plot and, when a mask is given, survive it. A
// plot left with no pixels is a configuration error: the plot does not
// overlap the usable extent.
func Rasterize(p Plot, gt *Geotransform, hdr *raster.Header, mask *raster.Mask) ([]int, error) {
	const op = "plots.Rasterize"

	row0, row1, col0, col1 := gt.pixelRange(p.Geometry.Bound(), hdr.Samples, hdr.Lines)
	var pixels []int
	for row := row0; row <= row1; row++ {
		for col := col0; col <= col1; col++ {
			if mask != nil && !mask.At(row, col) {
				continue
			}
			if contains(p.Geometry, gt.PixelCenter(row, col)) {
				pixels = append(pixels, row*hdr.Samples+col)
			}
		}
	}
	if len(pixels) == 0 {
		return nil, faults.Configf(op, "plot %q covers no valid pixels", p.Name)
	}
	sort.Ints(pixels)
	return pixels, nil
}
