package masker

import (
	"encoding/json"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/pkg/errors"

	"github.com/GrainArc/GeoRef/errs"
)

// GeoJSONGeometry is a bare GeoJSON geometry object.
type GeoJSONGeometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// ParseGeometry reads a mask from a GeoJSON geometry string. Polygon and
// MultiPolygon are accepted; only the first outer ring is kept.
func ParseGeometry(geometryStr string) (orb.Polygon, error) {
	var geom GeoJSONGeometry
	if err := json.Unmarshal([]byte(geometryStr), &geom); err != nil {
		return nil, errors.Wrapf(errs.ErrInvalidInput, "failed to parse geometry JSON: %v", err)
	}

	switch geom.Type {
	case "Polygon":
		var rings [][][]float64
		if err := json.Unmarshal(geom.Coordinates, &rings); err != nil {
			return nil, errors.Wrapf(errs.ErrInvalidInput, "failed to parse polygon coordinates: %v", err)
		}
		if len(rings) == 0 {
			return nil, errors.Wrap(errs.ErrInsufficientVertices, "polygon has no rings")
		}
		return ParseCoordinates(rings[0])
	case "MultiPolygon":
		var polygons [][][][]float64
		if err := json.Unmarshal(geom.Coordinates, &polygons); err != nil {
			return nil, errors.Wrapf(errs.ErrInvalidInput, "failed to parse multipolygon coordinates: %v", err)
		}
		if len(polygons) == 0 || len(polygons[0]) == 0 {
			return nil, errors.Wrap(errs.ErrInsufficientVertices, "multipolygon has no rings")
		}
		return ParseCoordinates(polygons[0][0])
	}
	return nil, errors.Wrapf(errs.ErrInvalidInput, "unsupported geometry type: %s (only Polygon and MultiPolygon are supported)", geom.Type)
}

// ParseCoordinates builds a closed single ring polygon from [[x,y],...].
func ParseCoordinates(coords [][]float64) (orb.Polygon, error) {
	ring := make(orb.Ring, 0, len(coords)+1)
	for i, c := range coords {
		if len(c) < 2 {
			return nil, errors.Wrapf(errs.ErrInvalidInput, "coordinate at index %d has insufficient dimensions", i)
		}
		if math.IsNaN(c[0]) || math.IsInf(c[0], 0) || math.IsNaN(c[1]) || math.IsInf(c[1], 0) {
			return nil, errors.Wrapf(errs.ErrInvalidInput, "invalid coordinate at index %d: [%f, %f]", i, c[0], c[1])
		}
		ring = append(ring, orb.Point{c[0], c[1]})
	}
	poly := orb.Polygon{ring}
	if err := Validate(poly); err != nil {
		return nil, err
	}
	return normalize(poly), nil
}

// ParseWKT reads a mask back from its stored form.
func ParseWKT(s string) (orb.Polygon, error) {
	poly, err := wkt.UnmarshalPolygon(s)
	if err != nil {
		return nil, errors.Wrapf(errs.ErrInvalidInput, "mask wkt: %v", err)
	}
	if err := Validate(poly); err != nil {
		return nil, err
	}
	return normalize(poly), nil
}

// normalize returns the outer ring closed and without repeated vertices.
func normalize(poly orb.Polygon) orb.Polygon {
	var ring orb.Ring
	for _, p := range poly[0] {
		if len(ring) > 0 && ring[len(ring)-1] == p {
			continue
		}
		ring = append(ring, p)
	}
	if len(ring) > 1 && ring[0] == ring[len(ring)-1] {
		ring = ring[:len(ring)-1]
	}
	return orb.Polygon{append(ring, ring[0])}
}

// Validate checks that the outer ring has at least three distinct vertices
// and does not cross itself. Holes are ignored.
func Validate(poly orb.Polygon) error {
	if len(poly) == 0 {
		return errors.Wrap(errs.ErrInsufficientVertices, "polygon is empty")
	}
	distinct := make(map[orb.Point]struct{}, len(poly[0]))
	for _, p := range poly[0] {
		distinct[p] = struct{}{}
	}
	if len(distinct) < 3 {
		return errors.Wrapf(errs.ErrInsufficientVertices, "polygon has %d distinct vertices", len(distinct))
	}

	ring := normalize(orb.Polygon{poly[0]})[0]
	if math.Abs(area(ring)) == 0 {
		return errors.Wrap(errs.ErrInvalidInput, "polygon has no area")
	}

	n := len(ring) - 1
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			// neighbours share a vertex
			if j == i+1 || (i == 0 && j == n-1) {
				continue
			}
			if intersects(ring[i], ring[i+1], ring[j], ring[j+1]) {
				return errors.Wrapf(errs.ErrInvalidInput, "polygon edges %d and %d intersect", i, j)
			}
		}
	}
	if len(distinct) != n {
		return errors.Wrap(errs.ErrInvalidInput, "polygon visits a vertex twice")
	}
	return nil
}

func area(r orb.Ring) float64 {
	var s float64
	for i := 1; i < len(r); i++ {
		s += r[i-1][0]*r[i][1] - r[i][0]*r[i-1][1]
	}
	return s / 2
}

func orientation(a, b, c orb.Point) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

func onSegment(a, b, p orb.Point) bool {
	return math.Min(a[0], b[0]) <= p[0] && p[0] <= math.Max(a[0], b[0]) &&
		math.Min(a[1], b[1]) <= p[1] && p[1] <= math.Max(a[1], b[1])
}

// intersects reports whether segments ab and cd share any point.
func intersects(a, b, c, d orb.Point) bool {
	o1, o2 := orientation(a, b, c), orientation(a, b, d)
	o3, o4 := orientation(c, d, a), orientation(c, d, b)
	if ((o1 > 0 && o2 < 0) || (o1 < 0 && o2 > 0)) && ((o3 > 0 && o4 < 0) || (o3 < 0 && o4 > 0)) {
		return true
	}
	return (o1 == 0 && onSegment(a, b, c)) ||
		(o2 == 0 && onSegment(a, b, d)) ||
		(o3 == 0 && onSegment(c, d, a)) ||
		(o4 == 0 && onSegment(c, d, b))
}
