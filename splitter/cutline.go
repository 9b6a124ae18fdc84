package splitter

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/pkg/errors"

	"github.com/GrainArc/GeoRef/errs"
)

// Cutlines never pass exactly through a pixel center once shifted by this
// offset, so every crossing falls strictly inside one grid edge.
var nudge = orb.Point{1.2345e-4, 3.1415e-4}

// canvas is the rectangle [0,w]x[0,h] in pixel space.
type canvas struct {
	w, h float64
}

func (c canvas) contains(p orb.Point) bool {
	return p[0] >= 0 && p[0] <= c.w && p[1] >= 0 && p[1] <= c.h
}

// exit walks from p along dir and returns the point where the ray leaves
// the canvas. p must be inside.
func (c canvas) exit(p, dir orb.Point) (orb.Point, bool) {
	t := math.Inf(1)
	if dir[0] > 0 {
		t = math.Min(t, (c.w-p[0])/dir[0])
	} else if dir[0] < 0 {
		t = math.Min(t, -p[0]/dir[0])
	}
	if dir[1] > 0 {
		t = math.Min(t, (c.h-p[1])/dir[1])
	} else if dir[1] < 0 {
		t = math.Min(t, -p[1]/dir[1])
	}
	if math.IsInf(t, 0) {
		return p, false
	}
	return orb.Point{p[0] + t*dir[0], p[1] + t*dir[1]}, true
}

// touches reports whether segment a-b has any part on the canvas
// (Liang-Barsky clipping).
func (c canvas) touches(a, b orb.Point) bool {
	dx, dy := b[0]-a[0], b[1]-a[1]
	t0, t1 := 0.0, 1.0
	clip := func(p, q float64) bool {
		if p == 0 {
			return q >= 0
		}
		r := q / p
		if p < 0 {
			if r > t1 {
				return false
			}
			if r > t0 {
				t0 = r
			}
		} else {
			if r < t0 {
				return false
			}
			if r < t1 {
				t1 = r
			}
		}
		return true
	}
	return clip(-dx, a[0]) && clip(dx, c.w-a[0]) && clip(-dy, a[1]) && clip(dy, c.h-a[1])
}

func closed(line orb.LineString) bool {
	return len(line) >= 4 && line[0] == line[len(line)-1]
}

// clean drops consecutive duplicate vertices.
func clean(line orb.LineString) orb.LineString {
	out := make(orb.LineString, 0, len(line))
	for _, p := range line {
		if len(out) > 0 && out[len(out)-1] == p {
			continue
		}
		out = append(out, p)
	}
	return out
}

// extend prolongs both ends of an open polyline along their terminal
// segments up to the canvas boundary. Ends already off the canvas are left
// alone, as are closed polylines.
func extend(line orb.LineString, c canvas) orb.LineString {
	if closed(line) {
		return line
	}
	n := len(line)
	out := make(orb.LineString, 0, n+2)

	first, second := line[0], line[1]
	if c.contains(first) {
		if p, ok := c.exit(first, orb.Point{first[0] - second[0], first[1] - second[1]}); ok && p != first {
			out = append(out, p)
		}
	}
	out = append(out, line...)

	last, prev := line[n-1], line[n-2]
	if c.contains(last) {
		if p, ok := c.exit(last, orb.Point{last[0] - prev[0], last[1] - prev[1]}); ok && p != last {
			out = append(out, p)
		}
	}
	return out
}

// prepare validates every cutline and returns them extended and nudged,
// ready to be burned into the pixel grid.
func prepare(cutlines []orb.LineString, c canvas) ([]orb.LineString, error) {
	out := make([]orb.LineString, 0, len(cutlines))
	for i, raw := range cutlines {
		line := clean(raw)
		if len(line) < 2 {
			return nil, errors.Wrapf(errs.ErrEmptyPartition, "cutline %d has fewer than two distinct points", i)
		}
		for _, p := range line {
			if math.IsNaN(p[0]) || math.IsNaN(p[1]) || math.IsInf(p[0], 0) || math.IsInf(p[1], 0) {
				return nil, errors.Wrapf(errs.ErrInvalidInput, "cutline %d has a non finite vertex", i)
			}
		}
		line = extend(line, c)

		touching := false
		for j := 1; j < len(line); j++ {
			if c.touches(line[j-1], line[j]) {
				touching = true
				break
			}
		}
		if !touching {
			return nil, errors.Wrapf(errs.ErrEmptyPartition, "cutline %d lies entirely outside the %gx%g canvas", i, c.w, c.h)
		}

		for j := range line {
			line[j] = orb.Point{line[j][0] + nudge[0], line[j][1] + nudge[1]}
		}
		out = append(out, line)
	}
	return out, nil
}
