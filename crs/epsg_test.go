package crs

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GrainArc/GeoRef/errs"
)

func TestProjectRoundTrip(t *testing.T) {
	in := orb.Point{-89.59, 40.69}
	p, err := Project(WebMercator, in)
	require.NoError(t, err)
	assert.InDelta(t, -9973113.18, p[0], 0.5)

	back, err := Unproject(WebMercator, p)
	require.NoError(t, err)
	assert.InDelta(t, in[0], back[0], 1e-9)
	assert.InDelta(t, in[1], back[1], 1e-9)
}

func TestProjectOrigin(t *testing.T) {
	p, err := Project(WebMercator, orb.Point{0, 0})
	require.NoError(t, err)
	assert.InDelta(t, 0, p[0], 1e-9)
	assert.InDelta(t, 0, p[1], 1e-9)
}

func TestProjectUnsupported(t *testing.T) {
	_, err := Project(2263, orb.Point{0, 0})
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
	assert.False(t, Supported(2263))
	assert.True(t, Supported(WGS84))
}

func TestProjectClipsPoles(t *testing.T) {
	north, err := Project(WebMercator, orb.Point{0, 90})
	require.NoError(t, err)
	south, err := Project(WebMercator, orb.Point{0, -90})
	require.NoError(t, err)
	assert.InDelta(t, 20037508.34, north[1], 0.01)
	assert.InDelta(t, -20037508.34, south[1], 0.01)

	back, err := Unproject(WebMercator, north)
	require.NoError(t, err)
	assert.InDelta(t, 85.0511, back[1], 1e-4)
}

func TestUnprojectBound(t *testing.T) {
	min, err := Project(WebMercator, orb.Point{-90, 39.97})
	require.NoError(t, err)
	max, err := Project(WebMercator, orb.Point{-89.96, 40})
	require.NoError(t, err)

	b, err := UnprojectBound(WebMercator, orb.Bound{Min: min, Max: max})
	require.NoError(t, err)
	assert.InDelta(t, -90, b.Min[0], 1e-9)
	assert.InDelta(t, 39.97, b.Min[1], 1e-9)
	assert.InDelta(t, -89.96, b.Max[0], 1e-9)
	assert.InDelta(t, 40, b.Max[1], 1e-9)

	_, err = UnprojectBound(2263, b)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}
