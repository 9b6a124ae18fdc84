package models

import (
	"strings"
	"time"
	"unicode"

	"github.com/paulmach/orb"
)

type Kind string

const (
	KindDocument Kind = "document"
	KindLayer    Kind = "layer"
)

// Item statuses, in workflow order.
const (
	StatusUnprepared     = "unprepared"
	StatusNeedsReview    = "needs review"
	StatusSplitting      = "splitting"
	StatusSplit          = "split"
	StatusPrepared       = "prepared"
	StatusGeoreferencing = "georeferencing"
	StatusGeoreferenced  = "georeferenced"
	StatusTrimming       = "trimming"
	StatusTrimmed        = "trimmed"
	StatusNonMap         = "nonmap"
)

// Item is the shared record behind documents (scans) and layers
// (georeferenced rasters).
type Item struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Kind         Kind      `gorm:"size:16;index;not null" json:"type"`
	Title        string    `gorm:"size:255" json:"title"`
	Slug         string    `gorm:"size:255;index" json:"slug"`
	Status       string    `gorm:"size:32;index" json:"status"`
	FileKey      string    `gorm:"size:1024" json:"file"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	X0           *float64  `json:"-"`
	Y0           *float64  `json:"-"`
	X1           *float64  `json:"-"`
	Y1           *float64  `json:"-"`
	EPSG         int       `gorm:"default:3857" json:"epsg"`
	CollectionID *uint     `gorm:"index" json:"collection_id"`
	Owner        string    `gorm:"size:150" json:"owner"`
	CreatedAt    time.Time `json:"created"`
	UpdatedAt    time.Time `json:"updated"`
}

func (Item) TableName() string {
	return "georef_item"
}

// Extent returns the stored bound, if any.
func (i *Item) Extent() (orb.Bound, bool) {
	if i.X0 == nil || i.Y0 == nil || i.X1 == nil || i.Y1 == nil {
		return orb.Bound{}, false
	}
	return orb.Bound{Min: orb.Point{*i.X0, *i.Y0}, Max: orb.Point{*i.X1, *i.Y1}}, true
}

func (i *Item) SetExtent(b orb.Bound) {
	x0, y0, x1, y1 := b.Min[0], b.Min[1], b.Max[0], b.Max[1]
	i.X0, i.Y0, i.X1, i.Y1 = &x0, &y0, &x1, &y1
}

func (i *Item) ClearExtent() {
	i.X0, i.Y0, i.X1, i.Y1 = nil, nil, nil, nil
}

// Document is a scanned sheet or one of its split parts.
type Document struct {
	*Item
}

// Layer is a georeferenced raster derived from a document.
type Layer struct {
	*Item
}

// Resource is the closed variant over Document and Layer.
type Resource interface {
	Base() *Item
	isResource()
}

func (d Document) Base() *Item { return d.Item }
func (Document) isResource() {}
func (l Layer) Base() *Item { return l.Item }
func (Layer) isResource() {}

// Splittable can be cut into several documents.
type Splittable interface {
	Resource
	SourceKey() string
	Size() (int, int)
}

// Rectifiable can be warped through a control point set.
type Rectifiable interface {
	Resource
	SourceKey() string
}

// Trimmable holds a georeferenced raster that a mask can be applied to.
type Trimmable interface {
	Resource
	RasterKey() string
}

func (d Document) SourceKey() string { return d.FileKey }
func (d Document) Size() (int, int) { return d.Width, d.Height }
func (l Layer) RasterKey() string { return l.FileKey }

// Wrap returns the variant matching item.Kind.
func Wrap(item *Item) Resource {
	if item.Kind == KindLayer {
		return Layer{Item: item}
	}
	return Document{Item: item}
}

// Slugify lowercases s and joins its alphanumeric runs with dashes.
func Slugify(s string) string {
	var sb strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if dash && sb.Len() > 0 {
				sb.WriteByte('-')
			}
			sb.WriteRune(r)
			dash = false
			continue
		}
		dash = true
	}
	return sb.String()
}
