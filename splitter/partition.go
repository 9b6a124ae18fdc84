package splitter

import (
	"image"
	"math"

	"github.com/paulmach/orb"
)

// grid is the 4-connected graph of pixel centers. right[j*w+i] is the edge
// between (i,j) and (i+1,j), down[j*w+i] the edge between (i,j) and (i,j+1).
type grid struct {
	w, h  int
	right []bool
	down  []bool
}

func newGrid(w, h int) *grid {
	return &grid{
		w:     w,
		h:     h,
		right: make([]bool, w*h),
		down:  make([]bool, w*h),
	}
}

// burn cuts every grid edge crossed by segment a-b. Crossings are counted on
// half open intervals so a shared vertex is not burned twice.
func (g *grid) burn(a, b orb.Point) {
	dx, dy := b[0]-a[0], b[1]-a[1]

	if dx != 0 {
		lo, hi := math.Min(a[0], b[0]), math.Max(a[0], b[0])
		for i := int(math.Max(0, math.Ceil(lo-0.5))); i < g.w && float64(i)+0.5 < hi; i++ {
			c := float64(i) + 0.5
			y := a[1] + (c-a[0])*dy/dx
			j := int(math.Floor(y - 0.5))
			if j >= 0 && j < g.h-1 {
				g.down[j*g.w+i] = true
			}
		}
	}
	if dy != 0 {
		lo, hi := math.Min(a[1], b[1]), math.Max(a[1], b[1])
		for j := int(math.Max(0, math.Ceil(lo-0.5))); j < g.h && float64(j)+0.5 < hi; j++ {
			c := float64(j) + 0.5
			x := a[0] + (c-a[1])*dx/dy
			i := int(math.Floor(x - 0.5))
			if i >= 0 && i < g.w-1 {
				g.right[j*g.w+i] = true
			}
		}
	}
}

// region is one connected component of the cut grid.
type region struct {
	label  int32
	area   int
	bounds image.Rectangle
}

// labeling assigns every pixel to exactly one region.
type labeling struct {
	w, h    int
	labels  []int32
	regions []region
}

// label flood fills the grid in row-major order, so region indices are
// stable for a given set of cutlines.
func (g *grid) label() *labeling {
	l := &labeling{w: g.w, h: g.h, labels: make([]int32, g.w*g.h)}
	for i := range l.labels {
		l.labels[i] = -1
	}

	queue := make([]int, 0, 1024)
	for start := range l.labels {
		if l.labels[start] >= 0 {
			continue
		}
		id := int32(len(l.regions))
		r := region{label: id, bounds: image.Rect(start%g.w, start/g.w, start%g.w+1, start/g.w+1)}
		l.labels[start] = id
		queue = append(queue[:0], start)

		for len(queue) > 0 {
			p := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			x, y := p%g.w, p/g.w
			r.area++
			r.bounds = r.bounds.Union(image.Rect(x, y, x+1, y+1))

			visit := func(q int) {
				if l.labels[q] < 0 {
					l.labels[q] = id
					queue = append(queue, q)
				}
			}
			if x < g.w-1 && !g.right[p] {
				visit(p + 1)
			}
			if x > 0 && !g.right[p-1] {
				visit(p - 1)
			}
			if y < g.h-1 && !g.down[p] {
				visit(p + g.w)
			}
			if y > 0 && !g.down[p-g.w] {
				visit(p - g.w)
			}
		}
		l.regions = append(l.regions, r)
	}
	return l
}

func (l *labeling) at(x, y int) int32 {
	if x < 0 || y < 0 || x >= l.w || y >= l.h {
		return -1
	}
	return l.labels[y*l.w+x]
}
