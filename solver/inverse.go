package solver

import (
	"math"

	"github.com/paulmach/orb"
)

const (
	newtonIterations = 8
	// pixel step used for the numeric jacobian
	jacobianStep = 0.5
	// convergence threshold in pixels
	pixelTolerance = 1e-3
)

// refineInverse polishes guess, an approximate preimage of target, with
// Newton iterations on the forward model so that inverse and forward agree.
func refineInverse(forward func(orb.Point) orb.Point, guess, target orb.Point) (orb.Point, bool) {
	if !finite(guess) {
		return guess, false
	}
	p := guess
	for i := 0; i < newtonIterations; i++ {
		f := forward(p)
		ex, ey := f[0]-target[0], f[1]-target[1]

		fx := forward(orb.Point{p[0] + jacobianStep, p[1]})
		fy := forward(orb.Point{p[0], p[1] + jacobianStep})
		j00 := (fx[0] - f[0]) / jacobianStep
		j10 := (fx[1] - f[1]) / jacobianStep
		j01 := (fy[0] - f[0]) / jacobianStep
		j11 := (fy[1] - f[1]) / jacobianStep

		det := j00*j11 - j01*j10
		if det == 0 || math.IsNaN(det) || math.IsInf(det, 0) {
			return p, false
		}
		dx := (j11*ex - j01*ey) / det
		dy := (-j10*ex + j00*ey) / det
		p = orb.Point{p[0] - dx, p[1] - dy}
		if !finite(p) {
			return p, false
		}
		if math.Hypot(dx, dy) < pixelTolerance {
			return p, true
		}
	}
	return p, false
}
