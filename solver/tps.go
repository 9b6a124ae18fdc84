package solver

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/GrainArc/GeoRef/errs"
)

// tpsModel is a thin-plate spline interpolating exactly through its control
// points. Weights hold n radial coefficients followed by the affine part
// (constant, u, v).
type tpsModel struct {
	in     normalizer
	out    orb.Point
	ctrl   []orb.Point
	wx, wy []float64
}

func radial(r2 float64) float64 {
	if r2 == 0 {
		return 0
	}
	// r² ln r == r²/2 ln r²
	return 0.5 * r2 * math.Log(r2)
}

func fitTPS(src, dst []orb.Point) (*tpsModel, error) {
	n := len(src)
	if n < TPS.MinPoints() {
		return nil, errors.Wrapf(errs.ErrInsufficientPoints, "tps needs %d points, got %d", TPS.MinPoints(), n)
	}

	seen := make(map[orb.Point]int, n)
	for i, p := range src {
		if j, ok := seen[p]; ok {
			return nil, errors.Wrapf(errs.ErrDegenerateGeometry, "points %d and %d share the coordinate %v", j, i, p)
		}
		seen[p] = i
	}

	model := &tpsModel{
		in:   newNormalizer(src),
		out:  meanPoint(dst),
		ctrl: make([]orb.Point, n),
	}
	for i, p := range src {
		model.ctrl[i] = model.in.apply(p)
	}

	size := n + 3
	L := mat.NewDense(size, size, nil)
	bx := mat.NewVecDense(size, nil)
	by := mat.NewVecDense(size, nil)

	for i := 0; i < n; i++ {
		pi := model.ctrl[i]
		for j := i + 1; j < n; j++ {
			pj := model.ctrl[j]
			dx, dy := pi[0]-pj[0], pi[1]-pj[1]
			k := radial(dx*dx + dy*dy)
			L.Set(i, j, k)
			L.Set(j, i, k)
		}
		L.Set(i, n, 1)
		L.Set(i, n+1, pi[0])
		L.Set(i, n+2, pi[1])
		L.Set(n, i, 1)
		L.Set(n+1, i, pi[0])
		L.Set(n+2, i, pi[1])

		bx.SetVec(i, dst[i][0]-model.out[0])
		by.SetVec(i, dst[i][1]-model.out[1])
	}

	var lu mat.LU
	lu.Factorize(L)
	if cond := lu.Cond(); math.IsInf(cond, 0) || math.IsNaN(cond) || cond > 1e14 {
		return nil, errors.Wrapf(errs.ErrDegenerateGeometry, "thin plate spline system is singular (condition number %.3g)", cond)
	}

	var wx, wy mat.VecDense
	if err := lu.SolveVecTo(&wx, false, bx); err != nil {
		return nil, errors.Wrap(errs.ErrDegenerateGeometry, err.Error())
	}
	if err := lu.SolveVecTo(&wy, false, by); err != nil {
		return nil, errors.Wrap(errs.ErrDegenerateGeometry, err.Error())
	}

	model.wx = make([]float64, size)
	model.wy = make([]float64, size)
	for i := 0; i < size; i++ {
		model.wx[i] = wx.AtVec(i)
		model.wy[i] = wy.AtVec(i)
	}
	return model, nil
}

func (m *tpsModel) eval(p orb.Point) orb.Point {
	q := m.in.apply(p)
	n := len(m.ctrl)
	x := m.wx[n] + m.wx[n+1]*q[0] + m.wx[n+2]*q[1]
	y := m.wy[n] + m.wy[n+1]*q[0] + m.wy[n+2]*q[1]
	for i, c := range m.ctrl {
		dx, dy := q[0]-c[0], q[1]-c[1]
		k := radial(dx*dx + dy*dy)
		x += m.wx[i] * k
		y += m.wy[i] * k
	}
	return orb.Point{x + m.out[0], y + m.out[1]}
}
