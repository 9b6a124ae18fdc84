package splitter

import (
	"image"
	"image/color"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GrainArc/GeoRef/errs"
)

func testImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	return img
}

func totalArea(divs []Division) int {
	var sum int
	for _, d := range divs {
		sum += d.Area
	}
	return sum
}

func TestSplitWithoutCutlines(t *testing.T) {
	src := testImage(100, 80)
	subs, err := Split(src, nil)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, src.Bounds(), subs[0].Bounds)
	assert.Equal(t, 8000, subs[0].Area)
	assert.Equal(t, src.Pix, subs[0].Image.Pix)
}

func TestSplitFullCrossingLine(t *testing.T) {
	src := testImage(100, 80)
	subs, err := Split(src, []orb.LineString{{{50, -10}, {50, 110}}})
	require.NoError(t, err)
	require.Len(t, subs, 2)

	assert.Equal(t, image.Rect(0, 0, 50, 80), subs[0].Bounds)
	assert.Equal(t, image.Rect(50, 0, 100, 80), subs[1].Bounds)
	assert.Equal(t, 100*80, subs[0].Area+subs[1].Area)

	assert.Equal(t, image.Pt(50, 80), subs[1].Image.Bounds().Size())
	assert.Equal(t, color.NRGBA{R: 50, G: 10, B: 200, A: 255}, subs[1].Image.NRGBAAt(0, 10))

	b := subs[0].Outline.Bound()
	assert.Equal(t, orb.Point{0, 0}, b.Min)
	assert.Equal(t, orb.Point{50, 80}, b.Max)
}

func TestSplitExtendsPartialLine(t *testing.T) {
	divs, err := Preview(image.Pt(100, 80), []orb.LineString{{{40, 30}, {60, 30}}})
	require.NoError(t, err)
	require.Len(t, divs, 2)
	assert.Equal(t, 3000, divs[0].Area)
	assert.Equal(t, 5000, divs[1].Area)
	assert.Equal(t, image.Rect(0, 30, 100, 80), divs[1].Bounds)
}

func TestSplitClosedCutline(t *testing.T) {
	src := testImage(100, 80)
	square := orb.LineString{{20, 20}, {60, 20}, {60, 60}, {20, 60}, {20, 20}}
	subs, err := Split(src, []orb.LineString{square})
	require.NoError(t, err)
	require.Len(t, subs, 2)

	outer, inner := subs[0], subs[1]
	assert.Equal(t, 1600, inner.Area)
	assert.Equal(t, 8000-1600, outer.Area)
	assert.Equal(t, image.Rect(20, 20, 60, 60), inner.Bounds)

	// the hole of the outer region is transparent
	assert.Equal(t, uint8(0), outer.Image.NRGBAAt(40, 40).A)
	assert.Equal(t, uint8(255), outer.Image.NRGBAAt(5, 5).A)
	assert.Len(t, outer.Outline, 2)
}

func TestSplitCrossingLines(t *testing.T) {
	divs, err := Preview(image.Pt(100, 80), []orb.LineString{
		{{50, 10}, {50, 70}},
		{{10, 40}, {90, 40}},
	})
	require.NoError(t, err)
	require.Len(t, divs, 4)
	assert.Equal(t, 8000, totalArea(divs))
	for _, d := range divs {
		assert.Equal(t, 2000, d.Area)
	}
}

func TestSplitDiagonalLine(t *testing.T) {
	divs, err := Preview(image.Pt(200, 100), []orb.LineString{{{0, 0}, {200, 100}}})
	require.NoError(t, err)
	require.Len(t, divs, 2)
	assert.Equal(t, 200*100, totalArea(divs))
	for _, d := range divs {
		assert.NotEmpty(t, d.Outline)
	}
}

func TestSplitEmptyPartition(t *testing.T) {
	_, err := Preview(image.Pt(100, 80), []orb.LineString{{{200, 200}, {300, 300}}})
	assert.ErrorIs(t, err, errs.ErrEmptyPartition)

	_, err = Preview(image.Pt(100, 80), []orb.LineString{{{10, 10}, {10, 10}}})
	assert.ErrorIs(t, err, errs.ErrEmptyPartition)

	_, err = Preview(image.Pt(0, 80), nil)
	assert.ErrorIs(t, err, errs.ErrEmptyPartition)
}

func TestPreviewMatchesSplit(t *testing.T) {
	lines := []orb.LineString{{{30, 0}, {70, 80}}}
	divs, err := Preview(image.Pt(100, 80), lines)
	require.NoError(t, err)
	subs, err := Split(testImage(100, 80), lines)
	require.NoError(t, err)
	require.Len(t, subs, len(divs))
	for i := range divs {
		assert.Equal(t, divs[i], subs[i].Division)
	}
}

func TestExtend(t *testing.T) {
	c := canvas{w: 100, h: 80}
	got := extend(orb.LineString{{40, 30}, {60, 30}}, c)
	assert.Equal(t, orb.LineString{{0, 30}, {40, 30}, {60, 30}, {100, 30}}, got)

	ring := orb.LineString{{20, 20}, {60, 20}, {60, 60}, {20, 20}}
	assert.Equal(t, ring, extend(ring, c))
}
