package solver

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/GrainArc/GeoRef/errs"
)

// Transformation is the family of function fitted through the control points.
type Transformation string

const (
	TPS   Transformation = "tps"
	Poly1 Transformation = "poly1"
	Poly2 Transformation = "poly2"
	Poly3 Transformation = "poly3"
)

// Transformations lists the supported families in display order.
var Transformations = []Transformation{TPS, Poly1, Poly2, Poly3}

// ParseTransformation accepts the wire names used by the georeferencing UI.
// An empty string defaults to poly1.
func ParseTransformation(s string) (Transformation, error) {
	switch t := Transformation(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return Poly1, nil
	case TPS, Poly1, Poly2, Poly3:
		return t, nil
	}
	return "", errors.Wrapf(errs.ErrInvalidInput, "unknown transformation %q", s)
}

// Degree of the polynomial family, 0 for tps.
func (t Transformation) Degree() int {
	switch t {
	case Poly1:
		return 1
	case Poly2:
		return 2
	case Poly3:
		return 3
	}
	return 0
}

// MinPoints is the smallest control point count the family can be fitted with.
func (t Transformation) MinPoints() int {
	switch t {
	case Poly2:
		return 6
	case Poly3:
		return 10
	}
	return 3
}

func (t Transformation) String() string { return string(t) }
