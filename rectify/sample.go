package rectify

import (
	"image"
	"math"

	"github.com/paulmach/orb"
)

// sampler reads a source scan with bilinear interpolation. Pixel (i,j)
// covers [i,i+1) x [j,j+1) so its center sits at (i+0.5, j+0.5).
type sampler struct {
	img  *image.NRGBA
	w, h int
}

func newSampler(img *image.NRGBA) *sampler {
	size := img.Bounds().Size()
	return &sampler{img: img, w: size.X, h: size.Y}
}

// sample writes the interpolated NRGBA value at p into dst. Points outside
// the source are left untouched, i.e. transparent.
func (s *sampler) sample(p orb.Point, dst []uint8) bool {
	if p[0] < 0 || p[1] < 0 || p[0] > float64(s.w) || p[1] > float64(s.h) {
		return false
	}
	fx, fy := p[0]-0.5, p[1]-0.5
	x0, y0 := int(math.Floor(fx)), int(math.Floor(fy))
	tx, ty := fx-float64(x0), fy-float64(y0)

	x1, y1 := s.clampX(x0+1), s.clampY(y0+1)
	x0, y0 = s.clampX(x0), s.clampY(y0)

	a := s.at(x0, y0)
	b := s.at(x1, y0)
	c := s.at(x0, y1)
	d := s.at(x1, y1)
	for k := 0; k < 4; k++ {
		top := float64(a[k])*(1-tx) + float64(b[k])*tx
		bottom := float64(c[k])*(1-tx) + float64(d[k])*tx
		v := top*(1-ty) + bottom*ty
		dst[k] = uint8(math.Min(255, math.Max(0, math.Round(v))))
	}
	return true
}

func (s *sampler) at(x, y int) []uint8 {
	o := y*s.img.Stride + x*4
	return s.img.Pix[o : o+4]
}

func (s *sampler) clampX(x int) int {
	if x < 0 {
		return 0
	}
	if x >= s.w {
		return s.w - 1
	}
	return x
}

func (s *sampler) clampY(y int) int {
	if y < 0 {
		return 0
	}
	if y >= s.h {
		return s.h - 1
	}
	return y
}
