// Package gcp converts control points between their stored form and the
// exchange formats: a GeoJSON feature collection for the georeferencing UI
// and a tabular points file for desktop GIS tools.
package gcp

import (
	"encoding/json"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/pkg/errors"

	"github.com/GrainArc/GeoRef/errs"
	"github.com/GrainArc/GeoRef/models"
)

// Feature is one control point as exchanged with the UI.
type Feature struct {
	ID       string
	Pixel    [2]int
	LonLat   orb.Point
	Note     string
	Username string
}

// Parse reads a feature collection. Features without an id get one
// assigned during the merge.
func Parse(data []byte) ([]Feature, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, errors.Wrapf(errs.ErrInvalidInput, "gcp feature collection: %v", err)
	}
	return FromFeatureCollection(fc)
}

func FromFeatureCollection(fc *geojson.FeatureCollection) ([]Feature, error) {
	out := make([]Feature, 0, len(fc.Features))
	seen := make(map[string]bool, len(fc.Features))
	for i, f := range fc.Features {
		pt, ok := f.Geometry.(orb.Point)
		if !ok {
			return nil, errors.Wrapf(errs.ErrInvalidInput, "feature %d: geometry must be a Point", i)
		}
		pixel, err := parsePixel(f.Properties["image"])
		if err != nil {
			return nil, errors.Wrapf(errs.ErrInvalidInput, "feature %d: %v", i, err)
		}
		feat := Feature{
			ID:       f.Properties.MustString("id", ""),
			Pixel:    pixel,
			LonLat:   pt,
			Note:     f.Properties.MustString("note", ""),
			Username: f.Properties.MustString("username", ""),
		}
		if feat.ID != "" {
			if seen[feat.ID] {
				return nil, errors.Wrapf(errs.ErrInvalidInput, "feature %d: duplicate id %s", i, feat.ID)
			}
			seen[feat.ID] = true
		}
		out = append(out, feat)
	}
	return out, nil
}

func parsePixel(v interface{}) ([2]int, error) {
	var xy []float64
	switch t := v.(type) {
	case []interface{}:
		for _, c := range t {
			f, ok := c.(float64)
			if !ok {
				return [2]int{}, errors.New("image coordinates must be numbers")
			}
			xy = append(xy, f)
		}
	case []float64:
		xy = t
	case []int:
		for _, c := range t {
			xy = append(xy, float64(c))
		}
	default:
		return [2]int{}, errors.New("missing image coordinates")
	}
	if len(xy) != 2 {
		return [2]int{}, errors.Errorf("image coordinates need 2 values, got %d", len(xy))
	}
	return [2]int{int(math.Round(xy[0])), int(math.Round(xy[1]))}, nil
}

// FeatureCollection renders stored points in display order.
func FeatureCollection(points []models.ControlPoint) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, p := range points {
		f := geojson.NewFeature(orb.Point{p.Lon, p.Lat})
		f.Properties["id"] = p.ID
		f.Properties["image"] = []int{p.PixelX, p.PixelY}
		f.Properties["username"] = p.ModifiedBy
		f.Properties["note"] = p.Note
		fc.Append(f)
	}
	return fc
}

// MarshalFeatureCollection is FeatureCollection encoded as JSON.
func MarshalFeatureCollection(points []models.ControlPoint) ([]byte, error) {
	return json.Marshal(FeatureCollection(points))
}
