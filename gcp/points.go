package gcp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/pkg/errors"

	"github.com/GrainArc/GeoRef/crs"
	"github.com/GrainArc/GeoRef/models"
	"github.com/GrainArc/GeoRef/solver"
)

// PointsHeader is the first line of a QGIS georeferencer points file.
const PointsHeader = "mapX,mapY,pixelX,pixelY,enable"

// PointsFile renders the set as a points file in the set's reference
// system. pixelY is negated because the consumers put the origin at the top
// left corner; enable is always 1.
func PointsFile(set *models.ControlPointSet, points []models.ControlPoint) (string, error) {
	var sb strings.Builder
	sb.WriteString(PointsHeader)
	sb.WriteString("\n")
	for _, p := range points {
		xy, err := crs.Project(set.EPSG, orb.Point{p.Lon, p.Lat})
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "%s,%s,%d,%d,1\n",
			strconv.FormatFloat(xy[0], 'f', -1, 64),
			strconv.FormatFloat(xy[1], 'f', -1, 64),
			p.PixelX, -p.PixelY)
	}
	return sb.String(), nil
}

// Pairs projects the stored points into the set's reference system for the
// solver, keeping display order.
func Pairs(set *models.ControlPointSet, points []models.ControlPoint) ([]solver.Pair, error) {
	out := make([]solver.Pair, 0, len(points))
	for _, p := range points {
		xy, err := crs.Project(set.EPSG, orb.Point{p.Lon, p.Lat})
		if err != nil {
			return nil, errors.Wrapf(err, "gcp %s", p.ID)
		}
		out = append(out, solver.Pair{
			ID:    p.ID,
			Pixel: orb.Point{float64(p.PixelX), float64(p.PixelY)},
			Geo:   xy,
		})
	}
	return out, nil
}

// FeaturePairs projects unsaved features the same way, for previews.
func FeaturePairs(epsg int, features []Feature) ([]solver.Pair, error) {
	out := make([]solver.Pair, 0, len(features))
	for i, f := range features {
		xy, err := crs.Project(epsg, f.LonLat)
		if err != nil {
			return nil, errors.Wrapf(err, "feature %d", i)
		}
		out = append(out, solver.Pair{
			ID:    f.ID,
			Pixel: orb.Point{float64(f.Pixel[0]), float64(f.Pixel[1])},
			Geo:   xy,
		})
	}
	return out, nil
}
