package cmr

import (
	"path"
	"strings"
	"time"
)

// umm_json search response, trimmed to what granule location needs.
type searchResponse struct {
	Hits  int          `json:"hits"`
	Took  int          `json:"took"`
	Items []resultItem `json:"items"`
}

type resultItem struct {
	Meta meta       `json:"meta"`
	UMM  ummGranule `json:"umm"`
}

type meta struct {
	ConceptID           string `json:"concept-id"`
	NativeID            string `json:"native-id"`
	CollectionConceptID string `json:"collection-concept-id"`
	ProviderID          string `json:"provider-id"`
}

type ummGranule struct {
	GranuleUR      string          `json:"GranuleUR"`
	RelatedUrls    []relatedURL    `json:"RelatedUrls,omitempty"`
	TemporalExtent *temporalExtent `json:"TemporalExtent,omitempty"`
	CloudCover     *float64        `json:"CloudCover,omitempty"`
}

type relatedURL struct {
	URL  string `json:"URL"`
	Type string `json:"Type"`
}

type temporalExtent struct {
	RangeDateTime *struct {
		BeginningDateTime string `json:"BeginningDateTime"`
		EndingDateTime    string `json:"EndingDateTime"`
	} `json:"RangeDateTime,omitempty"`
	SingleDateTime string `json:"SingleDateTime,omitempty"`
}

// Granule is one HLS acquisition over one MGRS tile.
type Granule struct {
	ID           string    `csv:"id"`
	Title        string    `csv:"title"`
	Time         time.Time `csv:"time_start"`
	CloudCover   float64   `csv:"cloud_cover"`
	CollectionID string    `csv:"collection_id"`
	// URLs are the https links of the granule's GeoTIFF assets.
	URLs []string `csv:"-"`
}

const getData = "GET DATA"

func (it resultItem) granule() Granule {
	g := Granule{
		ID:           it.Meta.ConceptID,
		Title:        it.UMM.GranuleUR,
		CollectionID: it.Meta.CollectionConceptID,
	}
	if g.Title == "" {
		g.Title = it.Meta.NativeID
	}
	if it.UMM.CloudCover != nil {
		g.CloudCover = *it.UMM.CloudCover
	}
	if te := it.UMM.TemporalExtent; te != nil {
		ts := te.SingleDateTime
		if te.RangeDateTime != nil {
			ts = te.RangeDateTime.BeginningDateTime
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			g.Time = t.UTC()
		}
	}
	for _, u := range it.UMM.RelatedUrls {
		if u.Type != getData || !strings.HasPrefix(u.URL, "https://") {
			continue
		}
		if strings.EqualFold(path.Ext(u.URL), ".tif") {
			g.URLs = append(g.URLs, u.URL)
		}
	}
	return g
}
