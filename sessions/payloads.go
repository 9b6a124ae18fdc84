package sessions

import (
	"encoding/json"
	"math"

	"github.com/paulmach/orb"
	"github.com/pkg/errors"

	"github.com/GrainArc/GeoRef/crs"
	"github.com/GrainArc/GeoRef/errs"
	"github.com/GrainArc/GeoRef/gcp"
	"github.com/GrainArc/GeoRef/masker"
	"github.com/GrainArc/GeoRef/models"
	"github.com/GrainArc/GeoRef/solver"
)

// Payload is the user input a session accumulates, one type per kind.
type Payload interface {
	Kind() models.SessionKind
	Validate() error
}

// PreparationInput holds the cutlines drawn on a scan. SplitNeeded false
// means the scan is a single map and is prepared as is.
type PreparationInput struct {
	Cutlines    [][][2]float64 `json:"cutlines"`
	SplitNeeded bool           `json:"split_needed"`
}

func (PreparationInput) Kind() models.SessionKind { return models.SessionPreparation }

func (p PreparationInput) Validate() error {
	if !p.SplitNeeded {
		return nil
	}
	if len(p.Cutlines) == 0 {
		return errors.Wrap(errs.ErrInvalidInput, "split requested without cutlines")
	}
	for i, line := range p.Cutlines {
		if len(line) < 2 {
			return errors.Wrapf(errs.ErrInvalidInput, "cutline %d needs at least 2 points", i)
		}
		for _, c := range line {
			if math.IsNaN(c[0]) || math.IsNaN(c[1]) || math.IsInf(c[0], 0) || math.IsInf(c[1], 0) {
				return errors.Wrapf(errs.ErrInvalidInput, "cutline %d has a non finite coordinate", i)
			}
		}
	}
	return nil
}

// Lines converts the cutlines for the splitter.
func (p PreparationInput) Lines() []orb.LineString {
	out := make([]orb.LineString, 0, len(p.Cutlines))
	for _, line := range p.Cutlines {
		ls := make(orb.LineString, len(line))
		for i, c := range line {
			ls[i] = orb.Point{c[0], c[1]}
		}
		out = append(out, ls)
	}
	return out
}

// GeoreferenceInput is the control point collection plus fit options.
type GeoreferenceInput struct {
	GCPs           json.RawMessage `json:"gcps"`
	Transformation string          `json:"transformation"`
	EPSG           int             `json:"epsg"`
}

func (GeoreferenceInput) Kind() models.SessionKind { return models.SessionGeoreference }

func (g GeoreferenceInput) Validate() error {
	if _, err := solver.ParseTransformation(g.Transformation); err != nil {
		return err
	}
	if g.EPSG != 0 && !crs.Supported(g.EPSG) {
		return errors.Wrapf(errs.ErrInvalidInput, "unsupported reference system EPSG:%d", g.EPSG)
	}
	_, err := g.Features()
	return err
}

func (g GeoreferenceInput) Features() ([]gcp.Feature, error) {
	if len(g.GCPs) == 0 {
		return nil, errors.Wrap(errs.ErrInvalidInput, "missing gcps")
	}
	return gcp.Parse(g.GCPs)
}

// Family defaults to poly1 like the georeferencing UI does.
func (g GeoreferenceInput) Family() solver.Transformation {
	t, err := solver.ParseTransformation(g.Transformation)
	if err != nil {
		return solver.Poly1
	}
	return t
}

func (g GeoreferenceInput) SRID() int {
	if g.EPSG == 0 {
		return crs.WebMercator
	}
	return g.EPSG
}

// TrimInput is the mask ring in the layer's reference system, either as a
// coordinate list or as a GeoJSON Polygon/MultiPolygon geometry.
type TrimInput struct {
	Mask     [][]float64     `json:"mask_coords,omitempty"`
	Geometry json.RawMessage `json:"geometry,omitempty"`
}

func (TrimInput) Kind() models.SessionKind { return models.SessionTrim }

func (t TrimInput) Validate() error {
	_, err := t.Polygon()
	return err
}

func (t TrimInput) Polygon() (orb.Polygon, error) {
	if len(t.Geometry) > 0 && string(t.Geometry) != "null" {
		if len(t.Mask) > 0 {
			return nil, errors.Wrap(errs.ErrInvalidInput, "send either mask_coords or geometry")
		}
		return masker.ParseGeometry(string(t.Geometry))
	}
	return masker.ParseCoordinates(t.Mask)
}

// DecodePayload reads raw JSON into the payload type of kind.
func DecodePayload(kind models.SessionKind, data []byte) (Payload, error) {
	var p Payload
	switch kind {
	case models.SessionPreparation:
		v := PreparationInput{}
		if err := unmarshal(data, &v); err != nil {
			return nil, err
		}
		p = v
	case models.SessionGeoreference:
		v := GeoreferenceInput{}
		if err := unmarshal(data, &v); err != nil {
			return nil, err
		}
		p = v
	case models.SessionTrim:
		v := TrimInput{}
		if err := unmarshal(data, &v); err != nil {
			return nil, err
		}
		p = v
	default:
		return nil, errors.Wrapf(errs.ErrInvalidInput, "unknown session kind %q", kind)
	}
	return p, nil
}

func unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(errs.ErrInvalidInput, "session payload: %v", err)
	}
	return nil
}
