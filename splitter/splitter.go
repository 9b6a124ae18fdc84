// Package splitter partitions a scanned sheet along user drawn cutlines into
// independent sub-images.
package splitter

import (
	"image"

	"github.com/disintegration/imaging"
	"github.com/paulmach/orb"
	"github.com/pkg/errors"

	"github.com/GrainArc/GeoRef/errs"
)

// Division is the geometry of one region of a partition, in source pixels.
type Division struct {
	Index   int             `json:"index"`
	Bounds  image.Rectangle `json:"bounds"`
	Area    int             `json:"area"`
	Outline orb.Polygon     `json:"outline"`
}

// SubImage is a division together with its pixels. Image covers Bounds and
// pixels outside the division are fully transparent.
type SubImage struct {
	Division
	Image *image.NRGBA
}

// Preview computes the partition of a width x height canvas without
// touching any pixels.
func Preview(size image.Point, cutlines []orb.LineString) ([]Division, error) {
	l, err := partition(size, cutlines)
	if err != nil {
		return nil, err
	}
	return l.divisions(), nil
}

// Split cuts img along cutlines. Zero cutlines give back a single copy of
// the whole image.
func Split(img image.Image, cutlines []orb.LineString) ([]SubImage, error) {
	b := img.Bounds()
	l, err := partition(b.Size(), cutlines)
	if err != nil {
		return nil, err
	}

	divs := l.divisions()
	out := make([]SubImage, len(divs))
	for i, d := range divs {
		crop := imaging.Crop(img, d.Bounds.Add(b.Min))
		if len(divs) > 1 {
			l.clear(crop, d.Bounds, l.regions[i].label)
		}
		out[i] = SubImage{Division: d, Image: crop}
	}
	return out, nil
}

func partition(size image.Point, cutlines []orb.LineString) (*labeling, error) {
	if size.X <= 0 || size.Y <= 0 {
		return nil, errors.Wrapf(errs.ErrEmptyPartition, "canvas %dx%d has no pixels", size.X, size.Y)
	}
	c := canvas{w: float64(size.X), h: float64(size.Y)}
	lines, err := prepare(cutlines, c)
	if err != nil {
		return nil, err
	}

	g := newGrid(size.X, size.Y)
	for _, line := range lines {
		for i := 1; i < len(line); i++ {
			g.burn(line[i-1], line[i])
		}
	}
	l := g.label()
	if len(l.regions) == 0 {
		return nil, errors.Wrap(errs.ErrEmptyPartition, "cutlines leave no region")
	}
	return l, nil
}

func (l *labeling) divisions() []Division {
	out := make([]Division, len(l.regions))
	for i, r := range l.regions {
		out[i] = Division{
			Index:   i,
			Bounds:  r.bounds,
			Area:    r.area,
			Outline: l.outline(r),
		}
	}
	return out
}

// clear makes every pixel of crop that belongs to another region transparent.
func (l *labeling) clear(crop *image.NRGBA, bounds image.Rectangle, label int32) {
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		row := crop.Pix[(y-bounds.Min.Y)*crop.Stride:]
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if l.labels[y*l.w+x] == label {
				continue
			}
			o := (x - bounds.Min.X) * 4
			row[o], row[o+1], row[o+2], row[o+3] = 0, 0, 0, 0
		}
	}
}
