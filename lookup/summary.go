package lookup

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/GrainArc/GeoRef/errs"
	"github.com/GrainArc/GeoRef/models"
)

type Processing struct {
	Unprep  int `json:"unprep"`
	Prep    int `json:"prep"`
	GeoTrim int `json:"geo_trim"`
}

// Items groups the documents of a collection by workflow bucket. Every
// slice is sorted by slug.
type Items struct {
	Unprepared    []Entry    `json:"unprepared"`
	Prepared      []Entry    `json:"prepared"`
	Georeferenced []Entry    `json:"georeferenced"`
	NonMaps       []Entry    `json:"nonmaps"`
	Layers        []Entry    `json:"layers"`
	Processing    Processing `json:"processing"`
}

type Progress struct {
	UnprepCount int `json:"unprep_ct"`
	PrepCount   int `json:"prep_ct"`
	GeorefCount int `json:"georef_ct"`
	Percent     int `json:"percent"`
}

type Contributor struct {
	Name  string `json:"name"`
	Count int    `json:"ct"`
}

type Activity struct {
	PrepCount          int           `json:"prep_ct"`
	PrepContributors   []Contributor `json:"prep_contributors"`
	GeorefCount        int           `json:"georef_ct"`
	GeorefContributors []Contributor `json:"georef_contributors"`
}

type Summary struct {
	ID         uint     `json:"id"`
	Identifier string   `json:"identifier"`
	Title      string   `json:"title"`
	Extent     string   `json:"extent"`
	Items      Items    `json:"items"`
	Progress   Progress `json:"progress"`
	Activity   Activity `json:"user_activity"`
}

// Summary reads the cached entries of a collection.
func (c *Cache) Summary(ctx context.Context, collectionID uint) (*Summary, error) {
	db := c.db.WithContext(ctx)
	var col models.Collection
	err := db.First(&col, collectionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(errs.ErrNotFound, "collection %d", collectionID)
	}
	if err != nil {
		return nil, errs.Storage(err, "load collection %d", collectionID)
	}

	var rows []models.LookupEntry
	if err := db.Where("collection_id = ?", collectionID).Find(&rows).Error; err != nil {
		return nil, errs.Storage(err, "load lookups of collection %d", collectionID)
	}
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		var e Entry
		if err := json.Unmarshal(row.Data, &e); err != nil {
			return nil, errors.Wrapf(err, "decode lookup of %s %d", row.ResourceKind, row.ResourceID)
		}
		entries = append(entries, e)
	}

	out := &Summary{ID: col.ID, Identifier: col.Identifier, Title: col.Title, Extent: col.Extent}
	out.Items = sortEntries(entries)
	out.Progress = progress(out.Items)
	out.Activity = activity(entries)
	return out, nil
}

func sortEntries(entries []Entry) Items {
	var items Items
	for _, e := range entries {
		if e.Type == models.KindLayer {
			items.Layers = append(items.Layers, e)
			continue
		}
		switch e.Status {
		case models.StatusUnprepared, models.StatusNeedsReview, models.StatusSplitting:
			items.Unprepared = append(items.Unprepared, e)
			if e.Status == models.StatusSplitting {
				items.Processing.Unprep++
			}
		case models.StatusPrepared, models.StatusGeoreferencing:
			items.Prepared = append(items.Prepared, e)
			if e.Status == models.StatusGeoreferencing {
				items.Processing.Prep++
			}
		case models.StatusGeoreferenced, models.StatusTrimming, models.StatusTrimmed:
			items.Georeferenced = append(items.Georeferenced, e)
			if e.Status == models.StatusTrimming {
				items.Processing.GeoTrim++
			}
		case models.StatusNonMap:
			items.NonMaps = append(items.NonMaps, e)
		}
	}
	for _, list := range [][]Entry{items.Unprepared, items.Prepared, items.Georeferenced, items.NonMaps, items.Layers} {
		list := list
		sort.SliceStable(list, func(i, j int) bool { return list[i].Slug < list[j].Slug })
	}
	return items
}

// progress counts split parents as neither prepared nor georeferenced.
func progress(items Items) Progress {
	p := Progress{
		UnprepCount: len(items.Unprepared),
		PrepCount:   len(items.Prepared),
		GeorefCount: len(items.Georeferenced),
	}
	if total := p.UnprepCount + p.PrepCount + p.GeorefCount; p.GeorefCount > 0 {
		p.Percent = p.GeorefCount * 100 / total
	}
	return p
}

func activity(entries []Entry) Activity {
	prep := map[uint]string{}
	georef := map[uint]string{}
	for _, e := range entries {
		for _, s := range e.Sessions {
			switch s.Type {
			case models.SessionPreparation:
				prep[s.ID] = s.User
			case models.SessionGeoreference:
				georef[s.ID] = s.User
			}
		}
	}
	return Activity{
		PrepCount:          len(prep),
		PrepContributors:   contributors(prep),
		GeorefCount:        len(georef),
		GeorefContributors: contributors(georef),
	}
}

func contributors(sessions map[uint]string) []Contributor {
	counts := map[string]int{}
	for _, user := range sessions {
		counts[user]++
	}
	out := make([]Contributor, 0, len(counts))
	for name, n := range counts {
		out = append(out, Contributor{Name: name, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return out
}
