package rectify

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"math"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GrainArc/GeoRef/crs"
	"github.com/GrainArc/GeoRef/errs"
	"github.com/GrainArc/GeoRef/solver"
)

func scan(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x % 256), G: uint8(y % 256), B: 90, A: 255})
		}
	}
	return img
}

// northUp maps pixels to web mercator at 2 m per pixel.
func northUp(p orb.Point) orb.Point {
	return orb.Point{-9973000 + 2*p[0], 4966000 - 2*p[1]}
}

func solve(t *testing.T, family solver.Transformation, f func(orb.Point) orb.Point, pixels ...orb.Point) solver.Transform {
	t.Helper()
	pts := make([]solver.Pair, len(pixels))
	for i, p := range pixels {
		pts[i] = solver.Pair{Pixel: p, Geo: f(p)}
	}
	sol, err := solver.Solve(solver.Input{Transformation: family, Points: pts})
	require.NoError(t, err)
	return sol.Transform
}

func TestRectifyReproducesSyntheticCorners(t *testing.T) {
	src := scan(1000, 800)
	tr := solve(t, solver.Poly1, northUp, orb.Point{12, 9}, orb.Point{990, 20}, orb.Point{970, 780}, orb.Point{30, 760})

	out, err := Rectify(context.Background(), src, tr, crs.WebMercator)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(1000, 800), out.Image.Bounds().Size())

	ul, lr := northUp(orb.Point{0, 0}), northUp(orb.Point{1000, 800})
	e := out.Extent()
	assert.InDelta(t, ul[0], e.Min[0], 1e-6)
	assert.InDelta(t, lr[1], e.Min[1], 1e-6)
	assert.InDelta(t, lr[0], e.Max[0], 1e-6)
	assert.InDelta(t, ul[1], e.Max[1], 1e-6)

	for _, c := range []orb.Point{{0, 0}, {1000, 0}, {1000, 800}, {0, 800}} {
		got, want := tr.Forward(c), northUp(c)
		assert.InDelta(t, want[0], got[0], 1e-6)
		assert.InDelta(t, want[1], got[1], 1e-6)
	}

	assert.Equal(t, src.NRGBAAt(10, 20), out.Image.NRGBAAt(10, 20))
	assert.Equal(t, src.NRGBAAt(999, 799), out.Image.NRGBAAt(999, 799))
}

func TestRectifyMarksUnmappedPixelsTransparent(t *testing.T) {
	theta := math.Pi / 6
	rotated := func(p orb.Point) orb.Point {
		return orb.Point{
			500000 + 3*(p[0]*math.Cos(theta)-p[1]*math.Sin(theta)),
			200000 - 3*(p[0]*math.Sin(theta)+p[1]*math.Cos(theta)),
		}
	}
	tr := solve(t, solver.Poly1, rotated, orb.Point{0, 0}, orb.Point{200, 0}, orb.Point{200, 100}, orb.Point{0, 100})

	out, err := Rectify(context.Background(), scan(200, 100), tr, crs.WebMercator)
	require.NoError(t, err)

	size := out.Image.Bounds().Size()
	assert.Equal(t, uint8(0), out.Image.NRGBAAt(0, 0).A)
	assert.Equal(t, uint8(0), out.Image.NRGBAAt(size.X-1, size.Y-1).A)
	assert.Equal(t, uint8(255), out.Image.NRGBAAt(size.X/2, size.Y/2).A)

	e := out.Extent()
	assert.InDelta(t, rotated(orb.Point{0, 100})[0], e.Min[0], 1e-6)
	assert.InDelta(t, rotated(orb.Point{200, 0})[0], e.Max[0], 3)
}

func TestRectifyTPS(t *testing.T) {
	warp := func(p orb.Point) orb.Point {
		g := northUp(p)
		return orb.Point{g[0] + 0.002*p[0]*p[1]/100, g[1] + 0.01*p[0]}
	}
	tr := solve(t, solver.TPS, warp,
		orb.Point{0, 0}, orb.Point{120, 5}, orb.Point{118, 90}, orb.Point{3, 88}, orb.Point{60, 45})
	out, err := Rectify(context.Background(), scan(120, 90), tr, crs.WebMercator)
	require.NoError(t, err)
	assert.Greater(t, out.Image.Bounds().Dx(), 0)
	assert.Equal(t, uint8(255), out.Image.NRGBAAt(out.Image.Bounds().Dx()/2, out.Image.Bounds().Dy()/2).A)
}

func TestRectifyCancelled(t *testing.T) {
	tr := solve(t, solver.Poly1, northUp, orb.Point{0, 0}, orb.Point{100, 0}, orb.Point{0, 100})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Rectify(ctx, scan(100, 100), tr, crs.WebMercator)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRectifyUnsupportedReferenceSystem(t *testing.T) {
	tr := solve(t, solver.Poly1, northUp, orb.Point{0, 0}, orb.Point{100, 0}, orb.Point{0, 100})
	_, err := Rectify(context.Background(), scan(10, 10), tr, 27700)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestWorldFile(t *testing.T) {
	r := &Raster{
		Image:        image.NewNRGBA(image.Rect(0, 0, 10, 10)),
		GeoTransform: [6]float64{1000, 2, 0, 5000, 0, -2},
		EPSG:         crs.WebMercator,
	}
	lines := strings.Split(strings.TrimSpace(r.WorldFile()), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "2.0000000000", lines[0])
	assert.Equal(t, "-2.0000000000", lines[3])
	assert.Equal(t, "1001.0000000000", lines[4])
	assert.Equal(t, "4999.0000000000", lines[5])
}

func TestArtifactsRoundTrip(t *testing.T) {
	tr := solve(t, solver.Poly1, northUp, orb.Point{0, 0}, orb.Point{40, 0}, orb.Point{0, 30})
	out, err := Rectify(context.Background(), scan(40, 30), tr, crs.WebMercator)
	require.NoError(t, err)

	files, err := out.Artifacts()
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, ".tif", files[0].Suffix)
	assert.Equal(t, out.WorldFile(), string(files[1].Data))

	back, err := Decode(bytes.NewReader(files[0].Data), files[2].Data)
	require.NoError(t, err)
	assert.Equal(t, out.GeoTransform, back.GeoTransform)
	assert.Equal(t, out.EPSG, back.EPSG)
	assert.Equal(t, out.Image.Bounds(), back.Image.Bounds())
	assert.Equal(t, out.Image.NRGBAAt(5, 5), back.Image.NRGBAAt(5, 5))

	ll, err := out.LonLatExtent()
	require.NoError(t, err)
	assert.InDelta(t, -89.59, ll.Min[0], 0.01)
}
