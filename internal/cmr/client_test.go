package cmr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func item(i int) resultItem {
	cc := float64(i)
	it := resultItem{
		Meta: meta{ConceptID: fmt.Sprintf("G%d-LPCLOUD", i), CollectionConceptID: "C2021957785-LPCLOUD"},
		UMM: ummGranule{
			GranuleUR:  fmt.Sprintf("HLS.S30.T50NKK.2021%03dT023549.v2.0", 180+i),
			CloudCover: &cc,
			RelatedUrls: []relatedURL{
				{URL: fmt.Sprintf("https://data.lpdaac/HLS.S30.T50NKK.2021%03dT023549.v2.0.B02.tif", 180+i), Type: getData},
				{URL: fmt.Sprintf("https://data.lpdaac/HLS.S30.T50NKK.2021%03dT023549.v2.0.Fmask.tif", 180+i), Type: getData},
				{URL: "s3://lp-prod-protected/B02.tif", Type: getData},
				{URL: "https://data.lpdaac/browse.jpg", Type: "GET RELATED VISUALIZATION"},
				{URL: "https://data.lpdaac/HLS.cmr.xml", Type: getData},
			},
		},
	}
	it.UMM.TemporalExtent = &temporalExtent{SingleDateTime: "2021-07-04T02:35:49.000Z"}
	return it
}

func cmrServer(t *testing.T, total, pageSize int) (*httptest.Server, *[]http.Header) {
	t.Helper()
	var headers []http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/granules.umm_json", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "HLSS30", q.Get("short_name"))
		assert.Equal(t, "113.4,-2.1,113.7,-1.7", q.Get("bounding_box"))
		assert.Equal(t, "2021-07-01T00:00:00Z,2024-12-31T00:00:00Z", q.Get("temporal"))
		assert.Equal(t, "0,10", q.Get("cloud_cover"))
		headers = append(headers, r.Header.Clone())
		start := 0
		if c := r.Header.Get(searchAfter); c != "" {
			fmt.Sscanf(c, "cursor-%d", &start)
		}
		resp := searchResponse{Hits: total}
		for i := start; i < total && i < start+pageSize; i++ {
			resp.Items = append(resp.Items, item(i))
		}
		if start+pageSize < total {
			w.Header().Set(searchAfter, fmt.Sprintf("cursor-%d", start+pageSize))
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &headers
}

func testQuery() Query {
	return Query{
		ShortName:     ShortNames["S30"],
		Bound:         orb.Bound{Min: orb.Point{113.4, -2.1}, Max: orb.Point{113.7, -1.7}},
		Start:         time.Date(2021, 7, 1, 0, 0, 0, 0, time.UTC),
		End:           time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
		MaxCloudCover: 10,
	}
}

func TestSearchPaging(t *testing.T) {
	srv, headers := cmrServer(t, 5, 2)
	c, err := NewClient(BaseURL(srv.URL), PageSize(2))
	require.NoError(t, err)

	granules, err := c.Search(context.Background(), testQuery())
	require.NoError(t, err)
	require.Len(t, granules, 5)
	require.Len(t, *headers, 3)
	assert.Empty(t, (*headers)[0].Get(searchAfter))
	assert.Equal(t, "cursor-2", (*headers)[1].Get(searchAfter))
	assert.Equal(t, "cursor-4", (*headers)[2].Get(searchAfter))

	g := granules[3]
	assert.Equal(t, "G3-LPCLOUD", g.ID)
	assert.Equal(t, "HLS.S30.T50NKK.2021183T023549.v2.0", g.Title)
	assert.Equal(t, "C2021957785-LPCLOUD", g.CollectionID)
	assert.Equal(t, 3.0, g.CloudCover)
	assert.Equal(t, time.Date(2021, 7, 4, 2, 35, 49, 0, time.UTC), g.Time)
	assert.Equal(t, []string{
		"https://data.lpdaac/HLS.S30.T50NKK.2021183T023549.v2.0.B02.tif",
		"https://data.lpdaac/HLS.S30.T50NKK.2021183T023549.v2.0.Fmask.tif",
	}, g.URLs)
}

func TestSearchMaxResults(t *testing.T) {
	srv, headers := cmrServer(t, 5, 2)
	c, err := NewClient(BaseURL(srv.URL), PageSize(2))
	require.NoError(t, err)
	q := testQuery()
	q.MaxResults = 3
	granules, err := c.Search(context.Background(), q)
	require.NoError(t, err)
	assert.Len(t, granules, 3)
	assert.Len(t, *headers, 2)
}

func TestSearchErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad temporal", http.StatusBadRequest)
	}))
	defer srv.Close()
	c, err := NewClient(BaseURL(srv.URL))
	require.NoError(t, err)
	_, err = c.Search(context.Background(), testQuery())
	assert.ErrorContains(t, err, "status 400")

	q := testQuery()
	q.ShortName = ""
	_, err = c.Search(context.Background(), q)
	assert.ErrorAs(t, err, &ErrInvalidOption{})
	q = testQuery()
	q.Start, q.End = q.End, q.Start
	_, err = c.Search(context.Background(), q)
	assert.Error(t, err)

	_, err = NewClient(PageSize(5000))
	assert.Error(t, err)
	_, err = NewClient(HTTPClient(nil))
	assert.Error(t, err)
}
