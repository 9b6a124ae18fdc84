package models

import (
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/GrainArc/GeoRef/errs"
)

type LinkType string

const (
	LinkSplit        LinkType = "split"
	LinkGeoreference LinkType = "georeference"
)

// LinkTarget is either a document or a layer.
type LinkTarget struct {
	Kind Kind
	ID   uint
}

func DocumentTarget(id uint) LinkTarget { return LinkTarget{Kind: KindDocument, ID: id} }
func LayerTarget(id uint) LinkTarget { return LinkTarget{Kind: KindLayer, ID: id} }

// Link ties a source document to what was derived from it: split children
// or the georeferenced layer.
type Link struct {
	ID         uint     `gorm:"primaryKey" json:"id"`
	SourceID   uint     `gorm:"index;not null" json:"source_id"`
	TargetKind Kind     `gorm:"size:16;not null" json:"target_type"`
	TargetID   uint     `gorm:"index;not null" json:"target_id"`
	LinkType   LinkType `gorm:"size:16;index;not null" json:"link_type"`
}

func (Link) TableName() string {
	return "georef_link"
}

func (l Link) Target() LinkTarget {
	return LinkTarget{Kind: l.TargetKind, ID: l.TargetID}
}

// Resolve loads the target of a link through the lookup matching its kind.
func (t LinkTarget) Resolve(db *gorm.DB) (Resource, error) {
	switch t.Kind {
	case KindDocument:
		d, err := GetDocument(db, t.ID)
		if err != nil {
			return nil, err
		}
		return d, nil
	case KindLayer:
		l, err := GetLayer(db, t.ID)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
	return nil, errors.Wrapf(errs.ErrInvalidInput, "unknown link target kind %q", t.Kind)
}

func getItem(db *gorm.DB, kind Kind, id uint) (*Item, error) {
	var item Item
	err := db.Where("id = ? AND kind = ?", id, kind).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(errs.ErrNotFound, "%s %d", kind, id)
	}
	if err != nil {
		return nil, errs.Storage(err, "load %s %d", kind, id)
	}
	return &item, nil
}

func GetDocument(db *gorm.DB, id uint) (Document, error) {
	item, err := getItem(db, KindDocument, id)
	if err != nil {
		return Document{}, err
	}
	return Document{Item: item}, nil
}

func GetLayer(db *gorm.DB, id uint) (Layer, error) {
	item, err := getItem(db, KindLayer, id)
	if err != nil {
		return Layer{}, err
	}
	return Layer{Item: item}, nil
}

// Children returns the documents split from source, in creation order.
func Children(db *gorm.DB, sourceID uint) ([]Document, error) {
	var links []Link
	if err := db.Where("source_id = ? AND link_type = ?", sourceID, LinkSplit).Order("id").Find(&links).Error; err != nil {
		return nil, errs.Storage(err, "load split links of %d", sourceID)
	}
	out := make([]Document, 0, len(links))
	for _, l := range links {
		d, err := GetDocument(db, l.TargetID)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Parent returns the document a split child came from.
func Parent(db *gorm.DB, childID uint) (*Document, error) {
	var link Link
	err := db.Where("target_kind = ? AND target_id = ? AND link_type = ?", KindDocument, childID, LinkSplit).First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage(err, "load parent of %d", childID)
	}
	d, err := GetDocument(db, link.SourceID)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// LinkedLayer returns the layer georeferenced from the document, if any.
func LinkedLayer(db *gorm.DB, documentID uint) (*Layer, error) {
	var link Link
	err := db.Where("source_id = ? AND link_type = ?", documentID, LinkGeoreference).First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage(err, "load layer of %d", documentID)
	}
	l, err := GetLayer(db, link.TargetID)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// SourceDocument returns the document a layer was georeferenced from.
func SourceDocument(db *gorm.DB, layerID uint) (*Document, error) {
	var link Link
	err := db.Where("target_kind = ? AND target_id = ? AND link_type = ?", KindLayer, layerID, LinkGeoreference).First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage(err, "load document of layer %d", layerID)
	}
	d, err := GetDocument(db, link.SourceID)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
