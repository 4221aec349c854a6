// Package sdk provides a Go client for the provtrail read API served by
// `provtrail serve`.
//
// Basic usage:
//
//	c := sdk.NewClient("http://localhost:8470")
//	rep, err := c.Verify(ctx)
//	if err == nil && !rep.Valid {
//		// the audit chain was altered
//	}
package sdk

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
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Entries int    `json:"entries"`
	Tail    string `json:"tail"`
}

// Finding is one failed integrity check.
type Finding struct {
	Index   int    `json:"index"`
	Reason  string `json:"reason"` // genesis_mismatch, hash_mismatch, link_broken, malformed
	EntryID string `json:"entry_id,omitempty"`
	Detail  string `json:"detail"`
}

// VerifyReport is returned by GET /v1/audit/verify.
type VerifyReport struct {
	Valid    bool      `json:"valid"`
	Checked  int       `json:"checked"`
	Findings []Finding `json:"findings"`
}

// Entry is one audit chain entry.
type Entry struct {
	EntryID    string         `json:"entry_id"`
	Timestamp  time.Time      `json:"timestamp"`
	PipelineID string         `json:"pipeline_id"`
	UserID     string         `json:"user_id"`
	Stage      string         `json:"stage"`
	Action     string         `json:"action"`
	Status     string         `json:"status"`
	Details    map[string]any `json:"details"`
	PrevHash   string         `json:"prev_hash"`
	EntryHash  string         `json:"entry_hash"`
}

// EntryFilter narrows GET /v1/audit/entries. Zero fields do not filter.
type EntryFilter struct {
	PipelineID string
	Stage      string
	Action     string
	Status     string
	Since      time.Time
	Until      time.Time
	Limit      int
}

func (f EntryFilter) values() url.Values {
	v := url.Values{}
	for k, s := range map[string]string{
		"pipeline_id": f.PipelineID,
		"stage":       f.Stage,
		"action":      f.Action,
		"status":      f.Status,
	} {
		if s != "" {
			v.Set(k, s)
		}
	}
	if !f.Since.IsZero() {
		v.Set("since", f.Since.UTC().Format(time.RFC3339))
	}
	if !f.Until.IsZero() {
		v.Set("until", f.Until.UTC().Format(time.RFC3339))
	}
	if f.Limit > 0 {
		v.Set("limit", strconv.Itoa(f.Limit))
	}
	return v
}

// Record is one lineage record.
type Record struct {
	LineageID             string         `json:"lineage_id"`
	PipelineID            string         `json:"pipeline_id"`
	RunID                 string         `json:"run_id,omitempty"`
	Timestamp             time.Time      `json:"timestamp"`
	SourceType            string         `json:"source_type"`
	SourceLocation        string         `json:"source_location"`
	SourceHash            string         `json:"source_hash,omitempty"`
	Transformation        string         `json:"transformation"`
	TransformationVersion string         `json:"transformation_version"`
	Parameters            map[string]any `json:"parameters,omitempty"`
	DestinationType       string         `json:"destination_type"`
	DestinationLocation   string         `json:"destination_location"`
	DestinationHash       string         `json:"destination_hash,omitempty"`
	InputRecords          *int64         `json:"input_records,omitempty"`
	OutputRecords         *int64         `json:"output_records,omitempty"`
	RecordsFiltered       *int64         `json:"records_filtered,omitempty"`
	DurationMS            *int64         `json:"duration_ms,omitempty"`
}

// Impact is returned by GET /v1/lineage/impact.
type Impact struct {
	Location             string   `json:"location"`
	AffectedDestinations []string `json:"affected_destinations"`
	AffectedRecords      []string `json:"affected_records"`
	AffectedTransforms   []string `json:"affected_transforms"`
	TotalRecordsImpacted int64    `json:"total_records_impacted"`
}

// APIError is returned for any non-200 response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provtrail: %s (HTTP %d)", e.Message, e.StatusCode)
}

// Client queries a provtrail server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Health checks the server health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Verify asks the server to re-verify its audit chain. A tampered chain is
// not an error: check VerifyReport.Valid.
func (c *Client) Verify(ctx context.Context) (*VerifyReport, error) {
	var rep VerifyReport
	if err := c.get(ctx, "/v1/audit/verify", nil, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// Entries lists audit entries matching f.
func (c *Client) Entries(ctx context.Context, f EntryFilter) ([]Entry, error) {
	var resp struct {
		Entries []Entry `json:"entries"`
	}
	if err := c.get(ctx, "/v1/audit/entries", f.values(), &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// Ancestors returns the upstream records of a lineage record in append order.
func (c *Client) Ancestors(ctx context.Context, lineageID string) ([]Record, error) {
	var resp struct {
		Ancestors []Record `json:"ancestors"`
	}
	if err := c.get(ctx, "/v1/lineage/records/"+url.PathEscape(lineageID)+"/ancestors", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Ancestors, nil
}

// Impact returns everything downstream of location.
func (c *Client) Impact(ctx context.Context, location string) (*Impact, error) {
	var imp Impact
	if err := c.get(ctx, "/v1/lineage/impact", url.Values{"location": {location}}, &imp); err != nil {
		return nil, err
	}
	return &imp, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(httpResp.Body, 64<<10))
		if json.Unmarshal(data, &body) != nil || body.Error == "" {
			body.Error = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: body.Error}
	}
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response (HTTP %d): %w", httpResp.StatusCode, err)
	}
	return nil
}
