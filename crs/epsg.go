// Package crs converts between the reference systems a control point set may
// use. Geographic coordinates are always stored as WGS84 lon/lat.
package crs

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
	"github.com/pkg/errors"

	"github.com/GrainArc/GeoRef/errs"
)

const (
	WGS84       = 4326
	WebMercator = 3857
)

// Supported reports whether code is a reference system we can project into.
func Supported(code int) bool {
	return code == WGS84 || code == WebMercator
}

// Name is the "EPSG:xxxx" form used in serialized extents.
func Name(code int) string {
	switch code {
	case WGS84:
		return "EPSG:4326"
	case WebMercator:
		return "EPSG:3857"
	}
	return "EPSG:unknown"
}

// projections returns the pair of functions converting lon/lat into code
// and back.
func projections(code int) (to, from orb.Projection, err error) {
	switch code {
	case WGS84:
		same := func(p orb.Point) orb.Point { return p }
		return same, same, nil
	case WebMercator:
		return project.WGS84.ToMercator, project.Mercator.ToWGS84, nil
	}
	return nil, nil, errors.Wrapf(errs.ErrInvalidInput, "unsupported reference system EPSG:%d", code)
}

// Project converts a WGS84 lon/lat point into the reference system code.
// Mercator y is clipped at the poles.
func Project(code int, lonlat orb.Point) (orb.Point, error) {
	to, _, err := projections(code)
	if err != nil {
		return orb.Point{}, err
	}
	return project.Point(lonlat, to), nil
}

// Unproject converts a point in the reference system code back to lon/lat.
func Unproject(code int, p orb.Point) (orb.Point, error) {
	_, from, err := projections(code)
	if err != nil {
		return orb.Point{}, err
	}
	return project.Point(p, from), nil
}

// UnprojectBound converts an axis aligned bound; corners are transformed
// individually, which is exact for the supported systems.
func UnprojectBound(code int, b orb.Bound) (orb.Bound, error) {
	_, from, err := projections(code)
	if err != nil {
		return orb.Bound{}, err
	}
	return project.Bound(b, from), nil
}
