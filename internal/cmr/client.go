// Package cmr locates HLS granules in NASA's Common Metadata Repository.
package cmr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"go.airbusds-geo.com/log"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL  = "https://cmr.earthdata.nasa.gov/search"
	DefaultPageSize = 2000
	searchAfter     = "CMR-Search-After"
)

// ShortNames maps HLS sensors to their collection short names.
var ShortNames = map[string]string{
	"S30": "HLSS30",
	"L30": "HLSL30",
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	pageSize   int
}

type ClientOption func(c *Client) error

type ErrInvalidOption struct {
	msg string
}

func (err ErrInvalidOption) Error() string {
	return err.msg
}

func BaseURL(u string) ClientOption {
	return func(c *Client) error {
		if _, err := url.Parse(u); err != nil || u == "" {
			return ErrInvalidOption{fmt.Sprintf("invalid base url %q", u)}
		}
		c.baseURL = strings.TrimSuffix(u, "/")
		return nil
	}
}

func HTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) error {
		if hc == nil {
			return ErrInvalidOption{"nil http client"}
		}
		c.httpClient = hc
		return nil
	}
}

// PageSize sets the page_size parameter; CMR caps it at 2000.
func PageSize(n int) ClientOption {
	return func(c *Client) error {
		if n <= 0 || n > 2000 {
			return ErrInvalidOption{"page size must be in [1,2000]"}
		}
		c.pageSize = n
		return nil
	}
}

func NewClient(options ...ClientOption) (*Client, error) {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		pageSize:   DefaultPageSize,
	}
	for _, o := range options {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Query selects granules of one collection over a bounding box and period.
type Query struct {
	ShortName     string
	Bound         orb.Bound
	Start, End    time.Time
	MaxCloudCover float64
	// MaxResults caps the number of granules returned, 0 means no cap.
	MaxResults int
}

func (q Query) values(pageSize int) url.Values {
	v := url.Values{}
	v.Set("short_name", q.ShortName)
	f := func(x float64) string { return strconv.FormatFloat(x, 'f', -1, 64) }
	v.Set("bounding_box", strings.Join([]string{f(q.Bound.Min[0]), f(q.Bound.Min[1]), f(q.Bound.Max[0]), f(q.Bound.Max[1])}, ","))
	v.Set("temporal", q.Start.UTC().Format(time.RFC3339)+","+q.End.UTC().Format(time.RFC3339))
	v.Set("cloud_cover", "0,"+f(q.MaxCloudCover))
	v.Set("sort_key", "start_date")
	if q.MaxResults > 0 && q.MaxResults < pageSize {
		pageSize = q.MaxResults
	}
	v.Set("page_size", strconv.Itoa(pageSize))
	return v
}

func (q Query) validate() error {
	if q.ShortName == "" {
		return ErrInvalidOption{"missing short name"}
	}
	if q.End.Before(q.Start) {
		return ErrInvalidOption{"temporal range ends before it starts"}
	}
	if q.Bound.IsEmpty() {
		return ErrInvalidOption{"empty bounding box"}
	}
	return nil
}

// Search returns every granule matching q, following CMR-Search-After
// cursors until exhaustion or q.MaxResults.
func (c *Client) Search(ctx context.Context, q Query) ([]Granule, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	var granules []Granule
	cursor := ""
	for {
		page, next, hits, err := c.page(ctx, q, cursor)
		if err != nil {
			return nil, err
		}
		granules = append(granules, page...)
		log.Logger(ctx).Debug("cmr page", zap.String("collection", q.ShortName),
			zap.Int("hits", hits), zap.Int("fetched", len(granules)))
		if q.MaxResults > 0 && len(granules) >= q.MaxResults {
			return granules[:q.MaxResults], nil
		}
		if next == "" || len(page) == 0 || len(granules) >= hits {
			return granules, nil
		}
		cursor = next
	}
}

func (c *Client) page(ctx context.Context, q Query, cursor string) ([]Granule, string, int, error) {
	u := c.baseURL + "/granules.umm_json?" + q.values(c.pageSize).Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", 0, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.nasa.cmr.umm_results+json")
	if cursor != "" {
		req.Header.Set(searchAfter, cursor)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", 0, fmt.Errorf("search %s: %w", q.ShortName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, "", 0, fmt.Errorf("search %s: status %d: %s", q.ShortName, resp.StatusCode, body)
	}
	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, "", 0, fmt.Errorf("decode cmr response: %w", err)
	}
	granules := make([]Granule, 0, len(sr.Items))
	for _, it := range sr.Items {
		granules = append(granules, it.granule())
	}
	return granules, resp.Header.Get(searchAfter), sr.Hits, nil
}
