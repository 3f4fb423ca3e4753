package viewer

import (
	"fmt"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
)

// Footprint returns the cloud's ground outline: the convex hull of the
// xy projection, simplified to tolerance. Fewer than three distinct
// points yield a nil polygon.
func Footprint(buf *Buffers, tolerance float64) orb.Polygon {
	pts := make([]orb.Point, 0, buf.Count())
	for i := 0; i < buf.Count(); i++ {
		p := buf.Point(i)
		pts = append(pts, orb.Point{p[0], p[1]})
	}
	hull := convexHull(pts)
	if len(hull) < 3 {
		return nil
	}

	ring := make(orb.Ring, 0, len(hull)+1)
	ring = append(ring, hull...)
	ring = append(ring, hull[0])
	if tolerance > 0 {
		ring = simplify.DouglasPeucker(tolerance).Simplify(ring.Clone()).(orb.Ring)
	}
	return orb.Polygon{ring}
}

// FootprintFeature wraps the footprint as a GeoJSON feature with the
// scan name, point count and covered area as properties.
func FootprintFeature(name string, buf *Buffers, tolerance float64) (*geojson.Feature, error) {
	poly := Footprint(buf, tolerance)
	if poly == nil {
		return nil, fmt.Errorf("viewer: footprint of %q needs at least 3 distinct points", name)
	}
	f := geojson.NewFeature(poly)
	f.Properties["name"] = name
	f.Properties["pointCount"] = buf.Count()
	f.Properties["area"] = planar.Area(poly)
	return f, nil
}

// FootprintCollection bundles per-scan footprints into one feature
// collection, for dropping onto a site map.
func FootprintCollection(features ...*geojson.Feature) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, f := range features {
		fc.Append(f)
	}
	return fc
}

// convexHull is the Andrew monotone chain over xy points, returned
// counterclockwise without the closing point.
func convexHull(pts []orb.Point) []orb.Point {
	if len(pts) < 3 {
		return nil
	}
	sorted := make([]orb.Point, len(pts))
	copy(sorted, pts)
	sort.Slice(sorted, func(a, b int) bool {
		if sorted[a][0] != sorted[b][0] {
			return sorted[a][0] < sorted[b][0]
		}
		return sorted[a][1] < sorted[b][1]
	})

	var lower, upper []orb.Point
	for _, p := range sorted {
		for len(lower) >= 2 && cross2(lower[len(lower)-2], lower[len(lower)-1], p) <= 0 {
			lower = lower[:len(lower)-1]
		}
		lower = append(lower, p)
	}
	for i := len(sorted) - 1; i >= 0; i-- {
		p := sorted[i]
		for len(upper) >= 2 && cross2(upper[len(upper)-2], upper[len(upper)-1], p) <= 0 {
			upper = upper[:len(upper)-1]
		}
		upper = append(upper, p)
	}

	hull := append(lower[:len(lower)-1], upper[:len(upper)-1]...)
	if len(hull) < 3 {
		return nil
	}
	return hull
}

func cross2(o, a, b orb.Point) float64 {
	return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
}
