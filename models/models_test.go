package models

import (
	"fmt"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/GrainArc/GeoRef/errs"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	return db
}

func TestLinkResolution(t *testing.T) {
	db := testDB(t)
	doc := &Item{Kind: KindDocument, Title: "Sheet 1", Status: StatusPrepared}
	layer := &Item{Kind: KindLayer, Title: "Sheet 1", Status: StatusGeoreferenced}
	require.NoError(t, db.Create(doc).Error)
	require.NoError(t, db.Create(layer).Error)
	require.NoError(t, db.Create(&Link{SourceID: doc.ID, TargetKind: KindLayer, TargetID: layer.ID, LinkType: LinkGeoreference}).Error)

	got, err := LinkedLayer(db, doc.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, layer.ID, got.ID)

	src, err := SourceDocument(db, layer.ID)
	require.NoError(t, err)
	require.NotNil(t, src)
	assert.Equal(t, doc.ID, src.ID)

	res, err := LayerTarget(layer.ID).Resolve(db)
	require.NoError(t, err)
	_, isLayer := res.(Layer)
	assert.True(t, isLayer)

	// a layer id is not a document
	_, err = DocumentTarget(layer.ID).Resolve(db)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestChildrenAndParent(t *testing.T) {
	db := testDB(t)
	parent := &Item{Kind: KindDocument, Title: "Volume page"}
	require.NoError(t, db.Create(parent).Error)
	for i := 1; i <= 2; i++ {
		child := &Item{Kind: KindDocument, Title: fmt.Sprintf("Volume page [%d]", i)}
		require.NoError(t, db.Create(child).Error)
		require.NoError(t, db.Create(&Link{SourceID: parent.ID, TargetKind: KindDocument, TargetID: child.ID, LinkType: LinkSplit}).Error)
	}

	children, err := Children(db, parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "Volume page [1]", children[0].Title)

	p, err := Parent(db, children[1].ID)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, parent.ID, p.ID)

	none, err := Parent(db, parent.ID)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestActiveKeyIsUnique(t *testing.T) {
	db := testDB(t)
	key := ActiveKeyFor(KindDocument, 7)
	first := &Session{Kind: SessionGeoreference, ResourceKind: KindDocument, ResourceID: 7, ActiveKey: &key, Stage: StageInput}
	require.NoError(t, db.Create(first).Error)

	second := &Session{Kind: SessionGeoreference, ResourceKind: KindDocument, ResourceID: 7, ActiveKey: &key, Stage: StageInput}
	assert.Error(t, db.Create(second).Error)

	// finished sessions release the key
	finished := &Session{Kind: SessionGeoreference, ResourceKind: KindDocument, ResourceID: 7, Stage: StageFinished}
	require.NoError(t, db.Create(finished).Error)
	another := &Session{Kind: SessionTrim, ResourceKind: KindDocument, ResourceID: 7, Stage: StageFinished}
	require.NoError(t, db.Create(another).Error)
}

func TestItemExtent(t *testing.T) {
	item := &Item{Kind: KindLayer}
	_, ok := item.Extent()
	assert.False(t, ok)

	item.SetExtent(orb.Bound{Min: orb.Point{1, 2}, Max: orb.Point{3, 4}})
	b, ok := item.Extent()
	require.True(t, ok)
	assert.Equal(t, orb.Point{3, 4}, b.Max)

	_, isLayer := Wrap(item).(Layer)
	assert.True(t, isLayer)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "sanborn-map-p3-1", Slugify("Sanborn Map | p3 [1]"))
	assert.Equal(t, "a-b", Slugify("  a---b  "))
	assert.Equal(t, "", Slugify("!!"))
}
