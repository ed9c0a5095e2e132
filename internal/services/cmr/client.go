// -----------------------------------------------------------------------
// CMR Client - granule, collection, and variable queries against the
// Common Metadata Repository
// -----------------------------------------------------------------------

package cmr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/eosdis/harmony/internal/common"
	"github.com/eosdis/harmony/internal/policy"
)

const (
	scrollIDHeader = "CMR-Scroll-Id"
	hitsHeader     = "CMR-Hits"
)

// Granule is the subset of CMR granule metadata the orchestrator consumes
type Granule struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	CollectionID string   `json:"collection_concept_id"`
	Links        []Link   `json:"links"`
	BBox         []string `json:"boxes,omitempty"`
	TimeStart    string   `json:"time_start,omitempty"`
	TimeEnd      string   `json:"time_end,omitempty"`
}

// Link is a CMR metadata link
type Link struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

// Collection is the subset of CMR collection metadata used for request
// resolution.
type Collection struct {
	ID         string `json:"id"`
	ShortName  string `json:"short_name"`
	VersionID  string `json:"version_id"`
	DataCenter string `json:"data_center"`
	// ArchiveFormat is the native format from the archive information
	ArchiveFormat string `json:"original_format,omitempty"`
}

// Variable is a UMM-Var record reference
type Variable struct {
	ID       string `json:"concept_id"`
	Name     string `json:"name"`
	FullPath string `json:"full_path,omitempty"`
}

// GranuleResult is one page of a granule search session
type GranuleResult struct {
	Granules []Granule
	Hits     int
	ScrollID string
}

// GranuleQuery names the CMR search filters a request resolves to
type GranuleQuery struct {
	CollectionID string
	GranuleIDs   []string
	// GranuleName supports CMR wildcard matching with * and ?
	GranuleName string
	BBox        []float64
	Temporal    string
	PageSize    int
}

// Client queries CMR with client-side rate limiting. CMR throttles hard at
// the edge, so the limiter keeps the orchestrator under its allowance.
type Client struct {
	rootURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	clientID   string
	logger     arbor.ILogger
}

// NewClient creates a CMR client
func NewClient(config *common.CMRConfig, clientID string, logger arbor.ILogger) *Client {
	rps := config.RequestsPerSec
	if rps <= 0 {
		rps = 10
	}
	burst := config.Burst
	if burst <= 0 {
		burst = int(rps)
	}
	return &Client{
		rootURL:    strings.TrimRight(config.RootURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		clientID:   clientID,
		logger:     logger,
	}
}

// QueryGranules posts a granule search. A scroll id in the query continues
// an existing session; otherwise a new scrolling session opens and the
// result carries its id along with the total hits.
func (c *Client) QueryGranules(ctx context.Context, token string, query *GranuleQuery, scrollID string) (*GranuleResult, error) {
	form, contentType, err := granuleForm(query, scrollID == "")
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.rootURL+"/search/granules.json", form)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	if scrollID != "" {
		req.Header.Set(scrollIDHeader, scrollID)
	}
	c.setAuth(req, token)

	body, header, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Feed struct {
			Entry []Granule `json:"entry"`
		} `json:"feed"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse granule response: %w", err)
	}

	result := &GranuleResult{
		Granules: payload.Feed.Entry,
		ScrollID: header.Get(scrollIDHeader),
	}
	if hits := header.Get(hitsHeader); hits != "" {
		result.Hits, _ = strconv.Atoi(hits)
	}
	return result, nil
}

// GetCollections resolves collection concept ids to metadata
func (c *Client) GetCollections(ctx context.Context, token string, ids []string) ([]Collection, error) {
	params := make([]string, 0, len(ids))
	for _, id := range ids {
		params = append(params, "concept_id[]="+id)
	}
	url := c.rootURL + "/search/collections.json?" + strings.Join(params, "&")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.setAuth(req, token)

	body, _, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Feed struct {
			Entry []Collection `json:"entry"`
		} `json:"feed"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse collection response: %w", err)
	}
	return payload.Feed.Entry, nil
}

// GetVariables resolves variable concept ids for a collection
func (c *Client) GetVariables(ctx context.Context, token, collectionID string) ([]Variable, error) {
	url := c.rootURL + "/search/variables.json?collection_concept_id=" + collectionID + "&page_size=2000"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.setAuth(req, token)

	body, _, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Items []Variable `json:"items"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse variable response: %w", err)
	}
	return payload.Items, nil
}

// do rate-limits, executes, and classifies failures
func (c *Client) do(req *http.Request) ([]byte, http.Header, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, policy.NewWorkError(policy.Classify(err), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, policy.NewWorkError(policy.KindTransient, err)
	}

	if resp.StatusCode >= 400 {
		kind := policy.KindFromHTTPStatus(resp.StatusCode)
		return nil, nil, policy.Errorf(kind, "CMR returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	return body, resp.Header, nil
}

func (c *Client) setAuth(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Client-Id", c.clientID)
}

// granuleForm builds the multipart search form CMR expects for large
// granule id lists.
func granuleForm(query *GranuleQuery, openScroll bool) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string][]string{
		"collection_concept_id": {query.CollectionID},
	}
	if query.PageSize > 0 {
		fields["page_size"] = []string{strconv.Itoa(query.PageSize)}
	}
	if openScroll {
		fields["scroll"] = []string{"true"}
	}
	for _, id := range query.GranuleIDs {
		fields["concept_id[]"] = append(fields["concept_id[]"], id)
	}
	if query.GranuleName != "" {
		fields["readable_granule_name[]"] = []string{query.GranuleName}
		if strings.ContainsAny(query.GranuleName, "*?") {
			fields["options[readable_granule_name][pattern]"] = []string{"true"}
		}
	}
	if len(query.BBox) == 4 {
		parts := make([]string, 4)
		for i, v := range query.BBox {
			parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
		}
		fields["bounding_box"] = []string{strings.Join(parts, ",")}
	}
	if query.Temporal != "" {
		fields["temporal"] = []string{query.Temporal}
	}

	for name, values := range fields {
		for _, v := range values {
			if err := w.WriteField(name, v); err != nil {
				return nil, "", err
			}
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
