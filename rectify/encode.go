package rectify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"golang.org/x/image/tiff"

	"github.com/GrainArc/GeoRef/crs"
	"github.com/GrainArc/GeoRef/errs"
)

// Artifact is one file produced for a raster, named relative to its base.
type Artifact struct {
	Suffix string
	Data   []byte
}

// sidecar is the JSON file stored next to the tiff; it carries what a
// GeoTIFF would hold in its tags.
type sidecar struct {
	EPSG         int        `json:"epsg"`
	SRS          string     `json:"srs"`
	GeoTransform [6]float64 `json:"geotransform"`
	Extent       [4]float64 `json:"extent"`
}

// WorldFile renders the six line ESRI world file. C and F point at the
// center of the upper left pixel.
func (r *Raster) WorldFile() string {
	gt := r.GeoTransform
	lines := []float64{
		gt[1],
		gt[4],
		gt[2],
		gt[5],
		gt[0] + gt[1]/2 + gt[2]/2,
		gt[3] + gt[4]/2 + gt[5]/2,
	}
	var sb strings.Builder
	for _, v := range lines {
		fmt.Fprintf(&sb, "%.10f\n", v)
	}
	return sb.String()
}

// Encode writes the raster as a deflate compressed tiff.
func (r *Raster) Encode(w io.Writer) error {
	return tiff.Encode(w, r.Image, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
}

// Artifacts returns the tiff, its world file and the JSON sidecar.
func (r *Raster) Artifacts() ([]Artifact, error) {
	var buf bytes.Buffer
	if err := r.Encode(&buf); err != nil {
		return nil, errors.Wrap(err, "encode tiff")
	}
	e := r.Extent()
	meta, err := json.Marshal(sidecar{
		EPSG:         r.EPSG,
		SRS:          crs.Name(r.EPSG),
		GeoTransform: r.GeoTransform,
		Extent:       [4]float64{e.Min[0], e.Min[1], e.Max[0], e.Max[1]},
	})
	if err != nil {
		return nil, err
	}
	return []Artifact{
		{Suffix: ".tif", Data: buf.Bytes()},
		{Suffix: ".tfw", Data: []byte(r.WorldFile())},
		{Suffix: ".json", Data: meta},
	}, nil
}

// Decode reads back a raster written by Artifacts.
func Decode(img io.Reader, meta []byte) (*Raster, error) {
	var sc sidecar
	if err := json.Unmarshal(meta, &sc); err != nil {
		return nil, errors.Wrapf(errs.ErrInvalidInput, "raster sidecar: %v", err)
	}
	if sc.GeoTransform[1] == 0 || sc.GeoTransform[5] == 0 {
		return nil, errors.Wrap(errs.ErrInvalidInput, "raster sidecar has no geotransform")
	}
	src, _, err := image.Decode(img)
	if err != nil {
		return nil, errors.Wrapf(errs.ErrInvalidInput, "decode raster: %v", err)
	}
	return &Raster{Image: imaging.Clone(src), GeoTransform: sc.GeoTransform, EPSG: sc.EPSG}, nil
}
