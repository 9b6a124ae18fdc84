package solver

import (
	"math"

	"github.com/paulmach/orb"
)

// normalizer centers coordinates on their mean and scales them into [-1, 1]
// so the higher order terms stay well conditioned on large scans.
type normalizer struct {
	cx, cy float64
	s      float64
}

func newNormalizer(pts []orb.Point) normalizer {
	var n normalizer
	if len(pts) == 0 {
		n.s = 1
		return n
	}
	for _, p := range pts {
		n.cx += p[0]
		n.cy += p[1]
	}
	n.cx /= float64(len(pts))
	n.cy /= float64(len(pts))

	for _, p := range pts {
		n.s = math.Max(n.s, math.Abs(p[0]-n.cx))
		n.s = math.Max(n.s, math.Abs(p[1]-n.cy))
	}
	if n.s == 0 {
		n.s = 1
	}
	return n
}

func (n normalizer) apply(p orb.Point) orb.Point {
	return orb.Point{(p[0] - n.cx) / n.s, (p[1] - n.cy) / n.s}
}

func meanPoint(pts []orb.Point) orb.Point {
	var m orb.Point
	if len(pts) == 0 {
		return m
	}
	for _, p := range pts {
		m[0] += p[0]
		m[1] += p[1]
	}
	m[0] /= float64(len(pts))
	m[1] /= float64(len(pts))
	return m
}

func distance(a, b orb.Point) float64 {
	return math.Hypot(a[0]-b[0], a[1]-b[1])
}
