package hlsprep

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// ringOf returns the closed ring of the four corners of bounds.
func ringOf(b [4]float64) orb.Ring {
	return orb.Ring{
		{b[0], b[1]}, {b[2], b[1]}, {b[2], b[3]}, {b[0], b[3]}, {b[0], b[1]},
	}
}

// Footprint returns the outline of the grid in its own CRS.
func (g Grid) Footprint() orb.Ring {
	return ringOf(g.Bounds())
}

// transformRing reprojects the vertices of r. Edges are not densified, so
// the result is the quadrilateral through the transformed corners.
func transformRing(lib Library, r orb.Ring, from, to string) (orb.Ring, error) {
	if from == to {
		return r.Clone(), nil
	}
	xs := make([]float64, len(r))
	ys := make([]float64, len(r))
	for i, p := range r {
		xs[i], ys[i] = p[0], p[1]
	}
	if err := lib.Transform(from, to, xs, ys); err != nil {
		return nil, fmt.Errorf("transform footprint: %w", err)
	}
	out := make(orb.Ring, len(r))
	for i := range r {
		out[i] = orb.Point{xs[i], ys[i]}
	}
	return out, nil
}

// polygonIntersects reports whether poly and ring share at least one point.
func polygonIntersects(poly orb.Polygon, r orb.Ring) bool {
	if len(poly) == 0 || len(r) == 0 {
		return false
	}
	if !poly.Bound().Intersects(r.Bound()) {
		return false
	}
	for _, pr := range poly {
		if ringsCross(pr, r) {
			return true
		}
	}
	for _, p := range r {
		if planar.PolygonContains(poly, p) {
			return true
		}
	}
	for _, p := range poly[0] {
		if planar.RingContains(r, p) {
			return true
		}
	}
	return false
}

func ringsIntersect(a, b orb.Ring) bool {
	return polygonIntersects(orb.Polygon{a}, b)
}

func ringsCross(a, b orb.Ring) bool {
	for i := 0; i+1 < len(a); i++ {
		for j := 0; j+1 < len(b); j++ {
			if segmentsIntersect(a[i], a[i+1], b[j], b[j+1]) {
				return true
			}
		}
	}
	return false
}

func orientation(a, b, c orb.Point) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

func onSegment(a, b, p orb.Point) bool {
	return p[0] >= min(a[0], b[0]) && p[0] <= max(a[0], b[0]) &&
		p[1] >= min(a[1], b[1]) && p[1] <= max(a[1], b[1])
}

// segmentsIntersect includes touching and collinear overlapping segments.
func segmentsIntersect(p1, p2, q1, q2 orb.Point) bool {
	d1 := orientation(q1, q2, p1)
	d2 := orientation(q1, q2, p2)
	d3 := orientation(p1, p2, q1)
	d4 := orientation(p1, p2, q2)
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	return (d1 == 0 && onSegment(q1, q2, p1)) ||
		(d2 == 0 && onSegment(q1, q2, p2)) ||
		(d3 == 0 && onSegment(p1, p2, q1)) ||
		(d4 == 0 && onSegment(p1, p2, q2))
}
