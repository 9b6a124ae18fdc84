package solver

import (
	"fmt"
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GrainArc/GeoRef/errs"
)

// syntheticAffine is a plausible scan→web mercator mapping (~1.2 m/pixel,
// slight rotation, y axis flipped).
func syntheticAffine(p orb.Point) orb.Point {
	return orb.Point{
		-9973000 + 1.2*p[0] + 0.1*p[1],
		4966000 - 0.05*p[0] - 1.2*p[1],
	}
}

func syntheticQuadratic(p orb.Point) orb.Point {
	a := syntheticAffine(p)
	return orb.Point{a[0] + 1e-4*p[0]*p[0] - 2e-5*p[0]*p[1], a[1] + 3e-5*p[1]*p[1]}
}

func pairs(pixels []orb.Point, f func(orb.Point) orb.Point) []Pair {
	out := make([]Pair, len(pixels))
	for i, px := range pixels {
		out[i] = Pair{ID: fmt.Sprintf("gcp-%d", i), Pixel: px, Geo: f(px)}
	}
	return out
}

var grid = []orb.Point{
	{10, 15}, {980, 20}, {990, 790}, {12, 770}, {500, 400},
	{250, 600}, {750, 200}, {300, 120}, {640, 700}, {880, 450},
	{130, 410}, {560, 60},
}

func TestSolvePoly1ReproducesAffine(t *testing.T) {
	sol, err := Solve(Input{Transformation: Poly1, Points: pairs(grid[:4], syntheticAffine)})
	require.NoError(t, err)
	assert.Equal(t, Poly1, sol.Transform.Family())

	for _, r := range sol.Residuals {
		assert.False(t, math.IsNaN(r.Error) || math.IsInf(r.Error, 0))
		assert.InDelta(t, 0, r.Error, 1e-6)
	}
	for _, corner := range []orb.Point{{0, 0}, {1000, 0}, {1000, 800}, {0, 800}} {
		got := sol.Transform.Forward(corner)
		want := syntheticAffine(corner)
		assert.InDelta(t, want[0], got[0], 1e-6)
		assert.InDelta(t, want[1], got[1], 1e-6)

		back, ok := sol.Transform.Inverse(got)
		require.True(t, ok)
		assert.InDelta(t, corner[0], back[0], 1e-6)
		assert.InDelta(t, corner[1], back[1], 1e-6)
	}
}

func TestSolvePoly1ResidualsAreConsistent(t *testing.T) {
	pts := pairs(grid[:6], syntheticAffine)
	// perturb one point so the least squares fit has non zero residuals
	pts[2].Geo[0] += 25

	sol, err := Solve(Input{Transformation: Poly1, Points: pts})
	require.NoError(t, err)
	var nonZero bool
	for i, r := range sol.Residuals {
		assert.False(t, math.IsInf(r.Error, 0))
		again := sol.Transform.Forward(pts[i].Pixel)
		assert.InDelta(t, r.Fitted[0], again[0], 1e-9)
		assert.InDelta(t, r.Fitted[1], again[1], 1e-9)
		if r.Error > 1 {
			nonZero = true
		}
	}
	assert.True(t, nonZero)
	assert.Greater(t, sol.RMS, 0.0)
}

func TestSolvePoly2(t *testing.T) {
	sol, err := Solve(Input{Transformation: Poly2, Points: pairs(grid[:8], syntheticQuadratic)})
	require.NoError(t, err)
	for _, r := range sol.Residuals {
		assert.InDelta(t, 0, r.Error, 1e-5)
	}

	px := orb.Point{420, 333}
	back, ok := sol.Transform.Inverse(sol.Transform.Forward(px))
	require.True(t, ok)
	assert.InDelta(t, px[0], back[0], 1e-2)
	assert.InDelta(t, px[1], back[1], 1e-2)
}

func TestSolvePoly3(t *testing.T) {
	sol, err := Solve(Input{Transformation: Poly3, Points: pairs(grid, syntheticQuadratic)})
	require.NoError(t, err)
	for _, r := range sol.Residuals {
		assert.InDelta(t, 0, r.Error, 1e-4)
	}
}

func TestSolveTPSInterpolatesExactly(t *testing.T) {
	pts := pairs(grid[:7], syntheticQuadratic)
	pts[3].Geo[1] += 40
	pts[5].Geo[0] -= 17

	sol, err := Solve(Input{Transformation: TPS, Points: pts})
	require.NoError(t, err)
	for _, r := range sol.Residuals {
		assert.InDelta(t, 0, r.Error, 1e-6, "residual at %s", r.ID)
	}

	px := orb.Point{400, 300}
	back, ok := sol.Transform.Inverse(sol.Transform.Forward(px))
	require.True(t, ok)
	assert.InDelta(t, px[0], back[0], 1e-2)
	assert.InDelta(t, px[1], back[1], 1e-2)
}

func TestSolveTPSDuplicatePixel(t *testing.T) {
	pts := pairs(grid[:4], syntheticAffine)
	pts[3].Pixel = pts[0].Pixel
	_, err := Solve(Input{Transformation: TPS, Points: pts})
	assert.ErrorIs(t, err, errs.ErrDegenerateGeometry)
}

func TestSolveTPSSharedGeographicCoordinate(t *testing.T) {
	pts := pairs(grid[:5], syntheticAffine)
	// two clicks on the scan placed on the same map position
	pts[4].Geo = pts[3].Geo

	sol, err := Solve(Input{Transformation: TPS, Points: pts})
	require.NoError(t, err)
	for _, r := range sol.Residuals {
		assert.InDelta(t, 0, r.Error, 1e-6, "residual at %s", r.ID)
	}
	assert.InDelta(t, 0, sol.RMS, 1e-6)
}

func TestSolveAcceptsTransformationSpelling(t *testing.T) {
	for _, name := range []Transformation{"TPS", " poly1", "Poly2 ", ""} {
		sol, err := Solve(Input{Transformation: name, Points: pairs(grid[:8], syntheticAffine)})
		require.NoError(t, err, "%q", name)
		require.NotNil(t, sol.Transform, "%q", name)
		for _, r := range sol.Residuals {
			assert.InDelta(t, 0, r.Error, 1e-4, "%q residual at %s", name, r.ID)
		}
	}

	sol, err := Solve(Input{Transformation: "TPS", Points: pairs(grid[:3], syntheticAffine)})
	require.NoError(t, err)
	assert.Equal(t, TPS, sol.Transform.Family())

	_, err = Solve(Input{Transformation: "helmert", Points: pairs(grid[:4], syntheticAffine)})
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestSolveInsufficientPoints(t *testing.T) {
	cases := []struct {
		family Transformation
		n      int
	}{
		{Poly1, 2},
		{Poly2, 5},
		{Poly3, 9},
		{TPS, 2},
	}
	for _, c := range cases {
		_, err := Solve(Input{Transformation: c.family, Points: pairs(grid[:c.n], syntheticAffine)})
		assert.ErrorIs(t, err, errs.ErrInsufficientPoints, "%s with %d points", c.family, c.n)
	}
}

func TestSolveCollinearIsDegenerate(t *testing.T) {
	line := []orb.Point{{0, 0}, {100, 100}, {200, 200}, {300, 300}}
	_, err := Solve(Input{Transformation: Poly1, Points: pairs(line, syntheticAffine)})
	assert.ErrorIs(t, err, errs.ErrDegenerateGeometry)

	_, err = Solve(Input{Transformation: TPS, Points: pairs(line, syntheticAffine)})
	assert.ErrorIs(t, err, errs.ErrDegenerateGeometry)
}

func TestSolveIsDeterministic(t *testing.T) {
	pts := pairs(grid[:8], syntheticQuadratic)
	a, err := Solve(Input{Transformation: Poly2, Points: pts})
	require.NoError(t, err)
	b, err := Solve(Input{Transformation: Poly2, Points: pts})
	require.NoError(t, err)
	assert.Equal(t, a.Residuals, b.Residuals)
	assert.Equal(t, a.RMS, b.RMS)
}

func TestParseTransformation(t *testing.T) {
	tr, err := ParseTransformation("")
	require.NoError(t, err)
	assert.Equal(t, Poly1, tr)

	tr, err = ParseTransformation("TPS")
	require.NoError(t, err)
	assert.Equal(t, TPS, tr)

	_, err = ParseTransformation("poly4")
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}
