// Package rectify resamples a scanned sheet through a solved transform into a
// north-up georeferenced raster.
package rectify

import (
	"context"
	"image"
	"math"
	"runtime"

	"github.com/disintegration/imaging"
	"github.com/paulmach/orb"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/GrainArc/GeoRef/crs"
	"github.com/GrainArc/GeoRef/errs"
	"github.com/GrainArc/GeoRef/solver"
)

const (
	// boundary samples per side of the source used to find the output extent
	densify = 32
	// refuse to allocate anything bigger than this many output pixels
	maxPixels = 1 << 28
)

// Raster is a georeferenced image. GeoTransform follows the GDAL layout
// [ulx, xres, 0, uly, 0, -yres].
type Raster struct {
	Image        *image.NRGBA
	GeoTransform [6]float64
	EPSG         int
}

// Extent is the axis aligned bound of the four corner pixels.
func (r *Raster) Extent() orb.Bound {
	size := r.Image.Bounds().Size()
	corners := []orb.Point{
		r.pixelToGeo(0, 0),
		r.pixelToGeo(float64(size.X), 0),
		r.pixelToGeo(float64(size.X), float64(size.Y)),
		r.pixelToGeo(0, float64(size.Y)),
	}
	b := orb.Bound{Min: corners[0], Max: corners[0]}
	for _, c := range corners[1:] {
		b = b.Extend(c)
	}
	return b
}

// LonLatExtent is Extent in WGS84.
func (r *Raster) LonLatExtent() (orb.Bound, error) {
	return crs.UnprojectBound(r.EPSG, r.Extent())
}

func (r *Raster) pixelToGeo(x, y float64) orb.Point {
	gt := r.GeoTransform
	return orb.Point{
		gt[0] + x*gt[1] + y*gt[2],
		gt[3] + x*gt[4] + y*gt[5],
	}
}

// GeoToPixel inverts the geotransform; it assumes a north-up raster.
func (r *Raster) GeoToPixel(p orb.Point) orb.Point {
	gt := r.GeoTransform
	return orb.Point{(p[0] - gt[0]) / gt[1], (p[1] - gt[3]) / gt[5]}
}

// Rectify warps src through t into the projected system epsg. Output pixels
// without a source preimage are fully transparent.
func Rectify(ctx context.Context, src image.Image, t solver.Transform, epsg int) (*Raster, error) {
	if !crs.Supported(epsg) {
		return nil, errors.Wrapf(errs.ErrInvalidInput, "unsupported reference system EPSG:%d", epsg)
	}
	size := src.Bounds().Size()
	if size.X == 0 || size.Y == 0 {
		return nil, errors.Wrap(errs.ErrInvalidInput, "source image is empty")
	}

	extent, err := outputExtent(t, size)
	if err != nil {
		return nil, err
	}

	// keep the number of pixels along the diagonal, like gdalwarp does
	diag := distance(t.Forward(orb.Point{0, 0}), t.Forward(orb.Point{float64(size.X), float64(size.Y)}))
	res := diag / math.Hypot(float64(size.X), float64(size.Y))
	if res <= 0 || math.IsNaN(res) || math.IsInf(res, 0) {
		return nil, errors.Wrap(errs.ErrDegenerateGeometry, "transform collapses the source diagonal")
	}

	w := cells(extent.Max[0]-extent.Min[0], res)
	h := cells(extent.Max[1]-extent.Min[1], res)
	if w*h > maxPixels {
		return nil, errors.Wrapf(errs.ErrDegenerateGeometry, "output raster of %dx%d pixels is too large", w, h)
	}

	out := &Raster{
		Image:        image.NewNRGBA(image.Rect(0, 0, w, h)),
		GeoTransform: [6]float64{extent.Min[0], res, 0, extent.Max[1], 0, -res},
		EPSG:         epsg,
	}
	s := newSampler(imaging.Clone(src))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for row := 0; row < h; row++ {
		row := row
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			line := out.Image.Pix[row*out.Image.Stride : row*out.Image.Stride+w*4]
			for col := 0; col < w; col++ {
				geo := out.pixelToGeo(float64(col)+0.5, float64(row)+0.5)
				px, ok := t.Inverse(geo)
				if !ok {
					continue
				}
				s.sample(px, line[col*4:col*4+4])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// outputExtent forward maps a densified outline of the source rectangle.
func outputExtent(t solver.Transform, size image.Point) (orb.Bound, error) {
	w, h := float64(size.X), float64(size.Y)
	var b orb.Bound
	first := true
	add := func(p orb.Point) error {
		g := t.Forward(p)
		if math.IsNaN(g[0]) || math.IsNaN(g[1]) || math.IsInf(g[0], 0) || math.IsInf(g[1], 0) {
			return errors.Wrapf(errs.ErrDegenerateGeometry, "transform is undefined at pixel %v", p)
		}
		if first {
			b = orb.Bound{Min: g, Max: g}
			first = false
			return nil
		}
		b = b.Extend(g)
		return nil
	}
	for i := 0; i <= densify; i++ {
		f := float64(i) / densify
		for _, p := range []orb.Point{{f * w, 0}, {w, f * h}, {w - f*w, h}, {0, h - f*h}} {
			if err := add(p); err != nil {
				return orb.Bound{}, err
			}
		}
	}
	return b, nil
}

func cells(span, res float64) int {
	n := int(math.Ceil(span/res - 1e-6))
	if n < 1 {
		return 1
	}
	return n
}

func distance(a, b orb.Point) float64 {
	return math.Hypot(a[0]-b[0], a[1]-b[1])
}
