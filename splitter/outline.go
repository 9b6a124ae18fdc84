package splitter

import (
	"image"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/simplify"
)

// outlineTolerance is the Douglas-Peucker threshold in pixels; it turns the
// staircase left by diagonal cutlines back into straight edges.
const outlineTolerance = 1.0

type edge struct {
	from, to image.Point
}

// outline traces the boundary of one region as a polygon in pixel space.
// The ring enclosing the largest area comes first, holes follow.
func (l *labeling) outline(r region) orb.Polygon {
	var edges []edge
	for y := r.bounds.Min.Y; y < r.bounds.Max.Y; y++ {
		for x := r.bounds.Min.X; x < r.bounds.Max.X; x++ {
			if l.at(x, y) != r.label {
				continue
			}
			// clockwise on screen, shared sides cancel out
			if l.at(x, y-1) != r.label {
				edges = append(edges, edge{image.Pt(x, y), image.Pt(x+1, y)})
			}
			if l.at(x+1, y) != r.label {
				edges = append(edges, edge{image.Pt(x+1, y), image.Pt(x+1, y+1)})
			}
			if l.at(x, y+1) != r.label {
				edges = append(edges, edge{image.Pt(x+1, y+1), image.Pt(x, y+1)})
			}
			if l.at(x-1, y) != r.label {
				edges = append(edges, edge{image.Pt(x, y+1), image.Pt(x, y)})
			}
		}
	}

	outgoing := make(map[image.Point][]int, len(edges))
	for i, e := range edges {
		outgoing[e.from] = append(outgoing[e.from], i)
	}
	used := make([]bool, len(edges))

	var rings []orb.Ring
	for i := range edges {
		if used[i] {
			continue
		}
		ring := orb.Ring{toPoint(edges[i].from)}
		cur := i
		for {
			used[cur] = true
			e := edges[cur]
			ring = append(ring, toPoint(e.to))
			next := -1
			for _, cand := range outgoing[e.to] {
				if used[cand] {
					continue
				}
				// at pinch points keep turning right so rings stay simple
				if next < 0 || turn(e, edges[cand]) > turn(e, edges[next]) {
					next = cand
				}
			}
			if next < 0 {
				break
			}
			cur = next
		}
		rings = append(rings, dropCollinear(ring))
	}

	outer := 0
	for i := range rings {
		if math.Abs(signedArea(rings[i])) > math.Abs(signedArea(rings[outer])) {
			outer = i
		}
	}
	poly := orb.Polygon{rings[outer]}
	for i := range rings {
		if i != outer {
			poly = append(poly, rings[i])
		}
	}
	return simplify.DouglasPeucker(outlineTolerance).Polygon(poly)
}

// turn is positive for a right turn on screen, zero straight on and
// negative for a left turn.
func turn(a, b edge) int {
	ax, ay := a.to.X-a.from.X, a.to.Y-a.from.Y
	bx, by := b.to.X-b.from.X, b.to.Y-b.from.Y
	return ax*by - ay*bx
}

func toPoint(p image.Point) orb.Point {
	return orb.Point{float64(p.X), float64(p.Y)}
}

func dropCollinear(r orb.Ring) orb.Ring {
	if len(r) < 4 {
		return r
	}
	out := orb.Ring{r[0]}
	for i := 1; i < len(r)-1; i++ {
		a, b, c := out[len(out)-1], r[i], r[i+1]
		if (b[0]-a[0])*(c[1]-b[1])-(b[1]-a[1])*(c[0]-b[0]) == 0 {
			continue
		}
		out = append(out, b)
	}
	return append(out, r[len(r)-1])
}

func signedArea(r orb.Ring) float64 {
	var s float64
	for i := 1; i < len(r); i++ {
		s += r[i-1][0]*r[i][1] - r[i][0]*r[i-1][1]
	}
	return s / 2
}
