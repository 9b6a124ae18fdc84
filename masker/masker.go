// Package masker trims a georeferenced raster to a polygon. The mask is
// applied when the raster is rendered so the source stays untouched.
package masker

import (
	"image"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/planar"
	"github.com/pkg/errors"

	"github.com/GrainArc/GeoRef/errs"
	"github.com/GrainArc/GeoRef/rectify"
)

// Masked is a raster seen through a mask polygon.
type Masked struct {
	Raster  *rectify.Raster
	Polygon orb.Polygon
}

// Apply validates polygon, given in the raster's reference system, and
// pairs it with the raster.
func Apply(r *rectify.Raster, polygon orb.Polygon) (*Masked, error) {
	if err := Validate(polygon); err != nil {
		return nil, err
	}
	polygon = normalize(polygon)
	if !polygon.Bound().Intersects(r.Extent()) {
		return nil, errors.Wrap(errs.ErrInvalidInput, "mask does not overlap the raster")
	}
	return &Masked{Raster: r, Polygon: polygon}, nil
}

// WKT is the stored form of the mask.
func (m *Masked) WKT() string {
	return wkt.MarshalString(m.Polygon)
}

// Extent is the part of the raster extent covered by the mask.
func (m *Masked) Extent() orb.Bound {
	a, b := m.Polygon.Bound(), m.Raster.Extent()
	return orb.Bound{
		Min: orb.Point{math.Max(a.Min[0], b.Min[0]), math.Max(a.Min[1], b.Min[1])},
		Max: orb.Point{math.Min(a.Max[0], b.Max[0]), math.Min(a.Max[1], b.Max[1])},
	}
}

// Render produces the trimmed raster: cropped to the polygon's bounding box
// with every pixel whose center falls outside the polygon made transparent.
func (m *Masked) Render() *rectify.Raster {
	src := m.Raster
	b := m.window()

	out := &rectify.Raster{
		Image: image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy())),
		EPSG:  src.EPSG,
	}
	gt := src.GeoTransform
	out.GeoTransform = [6]float64{
		gt[0] + float64(b.Min.X)*gt[1],
		gt[1],
		0,
		gt[3] + float64(b.Min.Y)*gt[5],
		0,
		gt[5],
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		gy := gt[3] + (float64(y)+0.5)*gt[5]
		srcRow := src.Image.Pix[y*src.Image.Stride:]
		dstRow := out.Image.Pix[(y-b.Min.Y)*out.Image.Stride:]
		for x := b.Min.X; x < b.Max.X; x++ {
			gx := gt[0] + (float64(x)+0.5)*gt[1]
			if !planar.PolygonContains(m.Polygon, orb.Point{gx, gy}) {
				continue
			}
			copy(dstRow[(x-b.Min.X)*4:(x-b.Min.X)*4+4], srcRow[x*4:x*4+4])
		}
	}
	return out
}

// window is the pixel rectangle of the polygon bound clipped to the raster.
func (m *Masked) window() image.Rectangle {
	bound := m.Polygon.Bound()
	a := m.Raster.GeoToPixel(bound.Min)
	c := m.Raster.GeoToPixel(bound.Max)
	r := image.Rect(
		int(math.Floor(math.Min(a[0], c[0]))),
		int(math.Floor(math.Min(a[1], c[1]))),
		int(math.Ceil(math.Max(a[0], c[0]))),
		int(math.Ceil(math.Max(a[1], c[1]))),
	)
	r = r.Intersect(m.Raster.Image.Bounds())
	if r.Empty() {
		return image.Rect(0, 0, 1, 1).Intersect(m.Raster.Image.Bounds())
	}
	return r
}
