package hlsprep

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// KmPerDegree converts tile edge lengths to degrees. It is only exact at the
// equator, tiles get narrower on the ground towards the poles.
const KmPerDegree = 111.0

// A Tile is one cell of the download grid.
type Tile struct {
	ID       string
	Col, Row int
	Bound    orb.Bound
}

func (t Tile) Polygon() orb.Polygon {
	return t.Bound.ToPolygon()
}

// BBox returns west,south,east,north.
func (t Tile) BBox() [4]float64 {
	return [4]float64{t.Bound.Min[0], t.Bound.Min[1], t.Bound.Max[0], t.Bound.Max[1]}
}

// NewGrid partitions the bounding box of region into cells of roughly edgeKm
// kilometers and keeps the cells intersecting region, columns first.
func NewGrid(region orb.Polygon, edgeKm float64) ([]Tile, error) {
	if edgeKm <= 0 {
		return nil, ErrInvalidOption{"tile edge length must be >0"}
	}
	if len(region) == 0 || planar.Area(region) == 0 {
		return nil, nil
	}
	var tiles []Tile
	for _, t := range GridDegrees(region.Bound(), edgeKm/KmPerDegree) {
		if polygonIntersects(region, t.Bound.ToRing()) {
			tiles = append(tiles, t)
		}
	}
	return tiles, nil
}

// GridDegrees subdivides bound into cells of at most edge degrees, without
// any intersection filtering. Cells on the max edges are clipped to bound.
func GridDegrees(bound orb.Bound, edge float64) []Tile {
	if edge <= 0 || bound.IsEmpty() {
		return nil
	}
	minx, miny := bound.Min[0], bound.Min[1]
	maxx, maxy := bound.Max[0], bound.Max[1]
	nx := int(math.Ceil((maxx - minx) / edge))
	ny := int(math.Ceil((maxy - miny) / edge))
	tiles := make([]Tile, 0, nx*ny)
	for i := 0; i < nx; i++ {
		for j := 0; j < ny; j++ {
			x1 := minx + float64(i)*edge
			y1 := miny + float64(j)*edge
			x2 := math.Min(minx+float64(i+1)*edge, maxx)
			y2 := math.Min(miny+float64(j+1)*edge, maxy)
			tiles = append(tiles, Tile{
				ID:    fmt.Sprintf("tile_x%d_y%d", i, j),
				Col:   i,
				Row:   j,
				Bound: orb.Bound{Min: orb.Point{x1, y1}, Max: orb.Point{x2, y2}},
			})
		}
	}
	return tiles
}

// TilesGeoJSON renders tiles as a FeatureCollection with an "id" property.
func TilesGeoJSON(tiles []Tile) ([]byte, error) {
	fc := geojson.NewFeatureCollection()
	for _, t := range tiles {
		f := geojson.NewFeature(t.Polygon())
		f.Properties["id"] = t.ID
		fc.Append(f)
	}
	return fc.MarshalJSON()
}
