package solver

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/GrainArc/GeoRef/errs"
)

// conditionLimit is the largest design matrix condition number accepted
// after normalization.
const conditionLimit = 1e10

// termCount is the number of monomials of a bivariate polynomial of degree d.
func termCount(degree int) int {
	return (degree + 1) * (degree + 2) / 2
}

// terms writes the monomials u^i v^j (i+j <= degree) into dst, lowest
// order first: 1, u, v, u², uv, v², u³, u²v, uv², v³.
func terms(degree int, u, v float64, dst []float64) []float64 {
	dst = dst[:0]
	for d := 0; d <= degree; d++ {
		for j := 0; j <= d; j++ {
			i := d - j
			dst = append(dst, math.Pow(u, float64(i))*math.Pow(v, float64(j)))
		}
	}
	return dst
}

// polyModel is a least-squares polynomial from one plane into another.
type polyModel struct {
	degree int
	in     normalizer
	out    orb.Point
	cx, cy []float64
}

func fitPoly(degree int, src, dst []orb.Point) (*polyModel, error) {
	n := len(src)
	m := termCount(degree)
	if n < m {
		return nil, errors.Wrapf(errs.ErrInsufficientPoints, "degree %d polynomial needs %d points, got %d", degree, m, n)
	}

	model := &polyModel{
		degree: degree,
		in:     newNormalizer(src),
		out:    meanPoint(dst),
	}

	A := mat.NewDense(n, m, nil)
	bx := mat.NewVecDense(n, nil)
	by := mat.NewVecDense(n, nil)

	row := make([]float64, 0, m)
	for i := range src {
		p := model.in.apply(src[i])
		row = terms(degree, p[0], p[1], row)
		A.SetRow(i, row)
		bx.SetVec(i, dst[i][0]-model.out[0])
		by.SetVec(i, dst[i][1]-model.out[1])
	}

	var svd mat.SVD
	if ok := svd.Factorize(A, mat.SVDNone); !ok {
		return nil, errors.Wrap(errs.ErrDegenerateGeometry, "singular value decomposition failed")
	}
	if cond := svd.Cond(); math.IsInf(cond, 0) || math.IsNaN(cond) || cond > conditionLimit {
		return nil, errors.Wrapf(errs.ErrDegenerateGeometry, "control points are collinear or clustered (condition number %.3g)", cond)
	}

	var qr mat.QR
	qr.Factorize(A)

	var px, py mat.VecDense
	if err := qr.SolveVecTo(&px, false, bx); err != nil {
		return nil, errors.Wrap(errs.ErrDegenerateGeometry, err.Error())
	}
	if err := qr.SolveVecTo(&py, false, by); err != nil {
		return nil, errors.Wrap(errs.ErrDegenerateGeometry, err.Error())
	}

	model.cx = make([]float64, m)
	model.cy = make([]float64, m)
	for i := 0; i < m; i++ {
		model.cx[i] = px.AtVec(i)
		model.cy[i] = py.AtVec(i)
	}
	return model, nil
}

func (m *polyModel) eval(p orb.Point) orb.Point {
	var buf [10]float64
	q := m.in.apply(p)
	t := terms(m.degree, q[0], q[1], buf[:0])
	var x, y float64
	for i, v := range t {
		x += m.cx[i] * v
		y += m.cy[i] * v
	}
	return orb.Point{x + m.out[0], y + m.out[1]}
}

// affine returns the degree 1 model as raw coefficients
// x' = a[0] + a[1]*x + a[2]*y, y' = a[3] + a[4]*x + a[5]*y.
func (m *polyModel) affine() [6]float64 {
	s := m.in.s
	a1, a2 := m.cx[1]/s, m.cx[2]/s
	b1, b2 := m.cy[1]/s, m.cy[2]/s
	a0 := m.out[0] + m.cx[0] - a1*m.in.cx - a2*m.in.cy
	b0 := m.out[1] + m.cy[0] - b1*m.in.cx - b2*m.in.cy
	return [6]float64{a0, a1, a2, b0, b1, b2}
}
