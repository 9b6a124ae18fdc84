// Package solver fits the pixel to geographic transform of a scanned sheet
// from its ground control points.
package solver

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/pkg/errors"

	"github.com/GrainArc/GeoRef/errs"
)

// Pair is one control point: a pixel position on the scan and the projected
// coordinate it corresponds to.
type Pair struct {
	ID    string
	Pixel orb.Point
	Geo   orb.Point
}

type Input struct {
	Transformation Transformation
	Points         []Pair
}

// Transform maps pixel space to the projected reference system and back.
type Transform interface {
	Family() Transformation
	Forward(pixel orb.Point) orb.Point
	// Inverse returns false when geo has no valid pixel preimage.
	Inverse(geo orb.Point) (orb.Point, bool)
}

// Residual is the fit quality at one control point.
type Residual struct {
	ID     string    `json:"id"`
	Pixel  orb.Point `json:"pixel"`
	Geo    orb.Point `json:"geo"`
	Fitted orb.Point `json:"fitted"`
	Error  float64   `json:"error"`
}

type Solution struct {
	Transform Transform
	Residuals []Residual
	RMS       float64
}

// Solve fits the requested transformation. The same input, in the same
// order, always yields the same transform.
func Solve(in Input) (*Solution, error) {
	family, err := ParseTransformation(string(in.Transformation))
	if err != nil {
		return nil, err
	}
	if len(in.Points) < family.MinPoints() {
		return nil, errors.Wrapf(errs.ErrInsufficientPoints, "%s requires at least %d control points, got %d",
			family, family.MinPoints(), len(in.Points))
	}

	pixels := make([]orb.Point, len(in.Points))
	geos := make([]orb.Point, len(in.Points))
	for i, p := range in.Points {
		if !finite(p.Pixel) || !finite(p.Geo) {
			return nil, errors.Wrapf(errs.ErrInvalidInput, "control point %q has a non finite coordinate", p.ID)
		}
		pixels[i] = p.Pixel
		geos[i] = p.Geo
	}

	var t Transform
	switch family {
	case Poly1:
		t, err = newAffine(pixels, geos)
	case Poly2, Poly3:
		t, err = newPolynomial(family, pixels, geos)
	case TPS:
		t, err = newSpline(pixels, geos)
	}
	if err != nil {
		return nil, err
	}

	sol := &Solution{
		Transform: t,
		Residuals: make([]Residual, len(in.Points)),
	}
	var sum float64
	for i, p := range in.Points {
		fitted := t.Forward(p.Pixel)
		e := distance(fitted, p.Geo)
		sol.Residuals[i] = Residual{
			ID:     p.ID,
			Pixel:  p.Pixel,
			Geo:    p.Geo,
			Fitted: fitted,
			Error:  e,
		}
		sum += e * e
	}
	sol.RMS = math.Sqrt(sum / float64(len(in.Points)))
	return sol, nil
}

func finite(p orb.Point) bool {
	return !math.IsNaN(p[0]) && !math.IsInf(p[0], 0) && !math.IsNaN(p[1]) && !math.IsInf(p[1], 0)
}

// affine is the poly1 transform, inverted analytically.
type affine struct {
	c [6]float64
	// inverse coefficients, same layout
	inv [6]float64
}

func newAffine(pixels, geos []orb.Point) (*affine, error) {
	model, err := fitPoly(1, pixels, geos)
	if err != nil {
		return nil, err
	}
	a := &affine{c: model.affine()}
	det := a.c[1]*a.c[5] - a.c[2]*a.c[4]
	if det == 0 || math.IsNaN(det) {
		return nil, errors.Wrap(errs.ErrDegenerateGeometry, "affine transform is not invertible")
	}
	a.inv[1] = a.c[5] / det
	a.inv[2] = -a.c[2] / det
	a.inv[4] = -a.c[4] / det
	a.inv[5] = a.c[1] / det
	a.inv[0] = -(a.inv[1]*a.c[0] + a.inv[2]*a.c[3])
	a.inv[3] = -(a.inv[4]*a.c[0] + a.inv[5]*a.c[3])
	return a, nil
}

func (a *affine) Family() Transformation { return Poly1 }

func (a *affine) Forward(p orb.Point) orb.Point {
	return orb.Point{
		a.c[0] + a.c[1]*p[0] + a.c[2]*p[1],
		a.c[3] + a.c[4]*p[0] + a.c[5]*p[1],
	}
}

func (a *affine) Inverse(g orb.Point) (orb.Point, bool) {
	return orb.Point{
		a.inv[0] + a.inv[1]*g[0] + a.inv[2]*g[1],
		a.inv[3] + a.inv[4]*g[0] + a.inv[5]*g[1],
	}, true
}

// Coefficients returns x' = c0 + c1 x + c2 y, y' = c3 + c4 x + c5 y.
func (a *affine) Coefficients() [6]float64 { return a.c }

type polynomial struct {
	family Transformation
	fwd    *polyModel
	guess  func(orb.Point) orb.Point
}

func newPolynomial(family Transformation, pixels, geos []orb.Point) (*polynomial, error) {
	fwd, err := fitPoly(family.Degree(), pixels, geos)
	if err != nil {
		return nil, err
	}
	return &polynomial{family: family, fwd: fwd, guess: reverseGuess(family.Degree(), pixels, geos)}, nil
}

func (p *polynomial) Family() Transformation { return p.family }

func (p *polynomial) Forward(px orb.Point) orb.Point { return p.fwd.eval(px) }

func (p *polynomial) Inverse(g orb.Point) (orb.Point, bool) {
	return refineInverse(p.fwd.eval, p.guess(g), g)
}

type spline struct {
	fwd   *tpsModel
	guess func(orb.Point) orb.Point
}

// newSpline fits the forward spline only; it is defined whenever the pixel
// coordinates are distinct, whatever the geographic ones are.
func newSpline(pixels, geos []orb.Point) (*spline, error) {
	fwd, err := fitTPS(pixels, geos)
	if err != nil {
		return nil, err
	}
	s := &spline{fwd: fwd}
	if rev, err := fitTPS(geos, pixels); err == nil {
		s.guess = rev.eval
	} else {
		s.guess = reverseGuess(1, pixels, geos)
	}
	return s, nil
}

func (s *spline) Family() Transformation { return TPS }

func (s *spline) Forward(px orb.Point) orb.Point { return s.fwd.eval(px) }

func (s *spline) Inverse(g orb.Point) (orb.Point, bool) {
	return refineInverse(s.fwd.eval, s.guess(g), g)
}

// reverseGuess is the starting point for inverting a forward model: a
// geographic to pixel fit of the given degree, falling back to lower
// degrees and finally to the pixel centroid when the geographic
// coordinates cannot carry a fit of their own.
func reverseGuess(degree int, pixels, geos []orb.Point) func(orb.Point) orb.Point {
	for d := degree; d >= 1; d-- {
		if rev, err := fitPoly(d, geos, pixels); err == nil {
			return rev.eval
		}
	}
	center := meanPoint(pixels)
	return func(orb.Point) orb.Point { return center }
}
